package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Best-effort host collectors. Each returns whatever it managed to gather
// before its context expired; partial reads inside a collector are fine,
// but a context error is always surfaced so the engine can mark the task
// timed out instead of vaulting a truncated artifact.

const maxArtifactBytes = 4 << 20

// DefaultCollectors returns one collector per task kind.
func DefaultCollectors() []Collector {
	return []Collector{
		&EventLogCollector{},
		&ProcessStateCollector{},
		&NetworkStateCollector{},
		&FilesystemMetadataCollector{},
		&VolumeStateCollector{},
		&CommandHistoryCollector{},
	}
}

// EventLogCollector tails the system log files most likely to be the
// target of a clearing attempt.
type EventLogCollector struct {
	// LogDir overrides /var/log, used by tests.
	LogDir string
}

func (c *EventLogCollector) Kind() TaskKind { return KindEventLogs }

func (c *EventLogCollector) Collect(ctx context.Context) ([]byte, string, error) {
	dir := c.LogDir
	if dir == "" {
		dir = "/var/log"
	}
	candidates := []string{"auth.log", "secure", "syslog", "messages", "audit/audit.log"}

	var buf bytes.Buffer
	found := 0
	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		path := filepath.Join(dir, name)
		tail, err := tailFile(path, 256*1024)
		if err != nil {
			continue
		}
		found++
		fmt.Fprintf(&buf, "==> %s <==\n", path)
		buf.Write(tail)
		buf.WriteByte('\n')
		if buf.Len() > maxArtifactBytes {
			break
		}
	}
	if found == 0 {
		return nil, "", fmt.Errorf("no readable log files under %s", dir)
	}
	return buf.Bytes(), dir, ctx.Err()
}

// ProcessStateCollector records the full process table from /proc.
type ProcessStateCollector struct {
	ProcDir string
}

type processEntry struct {
	PID     int    `json:"pid"`
	PPID    int    `json:"ppid"`
	Comm    string `json:"comm"`
	Cmdline string `json:"cmdline"`
	UID     string `json:"uid,omitempty"`
}

func (c *ProcessStateCollector) Kind() TaskKind { return KindProcessState }

func (c *ProcessStateCollector) Collect(ctx context.Context) ([]byte, string, error) {
	dir := c.ProcDir
	if dir == "" {
		dir = "/proc"
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", err
	}

	var procs []processEntry
	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		pid, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		p := processEntry{PID: pid}
		p.Comm, p.PPID, p.UID = readProcStatus(filepath.Join(dir, ent.Name(), "status"))
		p.Cmdline = readProcCmdline(filepath.Join(dir, ent.Name(), "cmdline"))
		procs = append(procs, p)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })

	data, err := json.MarshalIndent(procs, "", "  ")
	if err != nil {
		return nil, "", err
	}
	return data, dir, ctx.Err()
}

// NetworkStateCollector copies the kernel socket tables.
type NetworkStateCollector struct {
	NetDir string
}

func (c *NetworkStateCollector) Kind() TaskKind { return KindNetworkState }

func (c *NetworkStateCollector) Collect(ctx context.Context) ([]byte, string, error) {
	dir := c.NetDir
	if dir == "" {
		dir = "/proc/net"
	}
	tables := []string{"tcp", "tcp6", "udp", "udp6", "unix"}

	var buf bytes.Buffer
	found := 0
	for _, name := range tables {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		path := filepath.Join(dir, name)
		data, err := readCapped(path, 1<<20)
		if err != nil {
			continue
		}
		found++
		fmt.Fprintf(&buf, "==> %s <==\n", path)
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if found == 0 {
		return nil, "", fmt.Errorf("no readable socket tables under %s", dir)
	}
	return buf.Bytes(), dir, ctx.Err()
}

// FilesystemMetadataCollector records names, sizes and timestamps under
// directories that wiping and timestomping tools commonly touch. Contents
// are never read, the metadata is the evidence.
type FilesystemMetadataCollector struct {
	Roots []string
}

type fileMetadata struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mtime"`
}

func (c *FilesystemMetadataCollector) Kind() TaskKind { return KindFilesystemMeta }

func (c *FilesystemMetadataCollector) Collect(ctx context.Context) ([]byte, string, error) {
	roots := c.Roots
	if len(roots) == 0 {
		roots = []string{"/var/log", "/tmp", "/etc"}
	}

	var files []fileMetadata
	const maxEntries = 10000
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			files = append(files, fileMetadata{
				Path:    path,
				Size:    info.Size(),
				Mode:    info.Mode().String(),
				ModTime: info.ModTime().UTC(),
			})
			if len(files) >= maxEntries {
				return io.EOF
			}
			return nil
		})
		if err != nil && err != io.EOF {
			return nil, "", err
		}
	}

	data, err := json.MarshalIndent(files, "", "  ")
	if err != nil {
		return nil, "", err
	}
	return data, strings.Join(roots, ","), ctx.Err()
}

// VolumeStateCollector records block devices, mounts and device-mapper
// targets so post-hoc analysis can see what a shadow-copy or volume wipe
// was aimed at.
type VolumeStateCollector struct {
	MountsPath string
	MapperDir  string
}

func (c *VolumeStateCollector) Kind() TaskKind { return KindVolumeState }

func (c *VolumeStateCollector) Collect(ctx context.Context) ([]byte, string, error) {
	mounts := c.MountsPath
	if mounts == "" {
		mounts = "/proc/mounts"
	}
	mapper := c.MapperDir
	if mapper == "" {
		mapper = "/dev/mapper"
	}

	var buf bytes.Buffer
	if data, err := readCapped(mounts, 1<<20); err == nil {
		fmt.Fprintf(&buf, "==> %s <==\n", mounts)
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if entries, err := os.ReadDir(mapper); err == nil {
		fmt.Fprintf(&buf, "==> %s <==\n", mapper)
		for _, ent := range entries {
			fmt.Fprintln(&buf, ent.Name())
		}
	}
	if buf.Len() == 0 {
		return nil, "", fmt.Errorf("no volume state readable from %s or %s", mounts, mapper)
	}
	return buf.Bytes(), mounts, ctx.Err()
}

// CommandHistoryCollector copies shell history files before a clearing
// command finishes removing them.
type CommandHistoryCollector struct {
	HomeDirs []string
}

func (c *CommandHistoryCollector) Kind() TaskKind { return KindCommandHistory }

func (c *CommandHistoryCollector) Collect(ctx context.Context) ([]byte, string, error) {
	homes := c.HomeDirs
	if len(homes) == 0 {
		homes = defaultHomeDirs()
	}
	names := []string{".bash_history", ".zsh_history", ".sh_history", ".python_history"}

	var buf bytes.Buffer
	found := 0
	for _, home := range homes {
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return nil, "", err
			}
			path := filepath.Join(home, name)
			data, err := readCapped(path, 512*1024)
			if err != nil {
				continue
			}
			found++
			fmt.Fprintf(&buf, "==> %s <==\n", path)
			buf.Write(data)
			buf.WriteByte('\n')
		}
	}
	if found == 0 {
		return nil, "", fmt.Errorf("no history files found")
	}
	return buf.Bytes(), strings.Join(homes, ","), ctx.Err()
}

func defaultHomeDirs() []string {
	dirs := []string{"/root"}
	if entries, err := os.ReadDir("/home"); err == nil {
		for _, ent := range entries {
			if ent.IsDir() {
				dirs = append(dirs, filepath.Join("/home", ent.Name()))
			}
		}
	}
	return dirs
}

func readCapped(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}

// tailFile returns the last n bytes of a file.
func tailFile(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return nil, err
		}
	}
	return io.ReadAll(f)
}

func readProcStatus(path string) (comm string, ppid int, uid string) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
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

func readProcCmdline(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
}
