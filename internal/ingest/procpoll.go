package ingest

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/custodian-project/custodian/internal/core"
	"github.com/rs/zerolog"
)

// ProcPoller is a differential /proc watcher: every tick it scans for pids
// it has not seen, reads their command line and parentage, and emits one
// event per new process. Best effort only; a process that starts and exits
// between two ticks is missed.
type ProcPoller struct {
	procDir  string
	interval time.Duration
	logger   zerolog.Logger

	known map[int]struct{}
}

// NewProcPoller creates a poller over /proc (or procDir when non-empty,
// which tests use).
func NewProcPoller(procDir string, interval time.Duration, logger zerolog.Logger) *ProcPoller {
	if procDir == "" {
		procDir = "/proc"
	}
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	return &ProcPoller{
		procDir:  procDir,
		interval: interval,
		logger:   logger.With().Str("component", "procpoll").Logger(),
		known:    make(map[int]struct{}),
	}
}

func (p *ProcPoller) Name() string { return "procpoll" }

// Run polls until ctx is cancelled. The first scan primes the known set
// without emitting, so startup does not flood the pipeline with every
// process already running on the host.
func (p *ProcPoller) Run(ctx context.Context, out chan<- *core.Event) error {
	p.scan(ctx, nil)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().Str("proc_dir", p.procDir).Dur("interval", p.interval).Msg("process watcher started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("process watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			p.scan(ctx, out)
		}
	}
}

// scan walks the proc dir once. out == nil primes without emitting.
func (p *ProcPoller) scan(ctx context.Context, out chan<- *core.Event) {
	entries, err := os.ReadDir(p.procDir)
	if err != nil {
		p.logger.Warn().Err(err).Msg("proc scan failed")
		return
	}

	seen := make(map[int]struct{}, len(entries))
	for _, ent := range entries {
		pid, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		seen[pid] = struct{}{}
		if _, ok := p.known[pid]; ok {
			continue
		}
		p.known[pid] = struct{}{}
		if out == nil {
			continue
		}

		rec := p.readProcess(pid)
		event := Normalize(rec)
		if !emit(ctx, out, event) {
			p.logger.Warn().Int("pid", pid).Msg("pipeline queue full, event dropped")
		}
	}

	// Forget exited pids so a reused pid is treated as a new process.
	for pid := range p.known {
		if _, ok := seen[pid]; !ok {
			delete(p.known, pid)
		}
	}
}

func (p *ProcPoller) readProcess(pid int) RawRecord {
	dir := filepath.Join(p.procDir, strconv.Itoa(pid))
	rec := RawRecord{PID: pid, Source: "procpoll"}

	rec.Cmdline = readCmdline(filepath.Join(dir, "cmdline"))
	comm, ppid, uid := readStatus(filepath.Join(dir, "status"))
	rec.Executable = comm
	rec.ParentPID = ppid
	if uid != "" {
		if u, err := user.LookupId(uid); err == nil {
			rec.User = u.Username
		} else {
			rec.User = uid
		}
	}
	if ppid > 0 {
		parentComm, _, _ := readStatus(filepath.Join(p.procDir, strconv.Itoa(ppid), "status"))
		rec.ParentName = parentComm
	}
	return rec
}

func readCmdline(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
}

func readStatus(path string) (comm string, ppid int, uid string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "Name:"):
			comm = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
		case strings.HasPrefix(line, "PPid:"):
			ppid, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "PPid:")))
		case strings.HasPrefix(line, "Uid:"):
			fields := strings.Fields(strings.TrimPrefix(line, "Uid:"))
			if len(fields) > 0 {
				uid = fields[0]
			}
		}
	}
	return comm, ppid, uid
}
