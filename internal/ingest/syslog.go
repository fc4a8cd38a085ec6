package ingest

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/custodian-project/custodian/internal/core"
	"github.com/rs/zerolog"
)

// SyslogSource accepts forwarded syslog lines (RFC 5424 / RFC 3164) over
// UDP and/or TCP and turns each into a process activity event. It exists
// for hosts that ship auditd execve or shell accounting records to a
// central collector: the message body is the payload the matcher sees.
type SyslogSource struct {
	cfg    *core.SyslogConfig
	logger zerolog.Logger

	udpConn *net.UDPConn
	tcpLn   net.Listener
}

// NewSyslogSource creates a syslog listener source.
func NewSyslogSource(cfg *core.SyslogConfig, logger zerolog.Logger) *SyslogSource {
	return &SyslogSource{
		cfg:    cfg,
		logger: logger.With().Str("component", "syslog_source").Logger(),
	}
}

func (s *SyslogSource) Name() string { return "syslog" }

// Run listens until ctx is cancelled.
func (s *SyslogSource) Run(ctx context.Context, out chan<- *core.Event) error {
	proto := strings.ToLower(s.cfg.Protocol)
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	if proto == "udp" || proto == "both" {
		if err := s.startUDP(ctx, addr, out); err != nil {
			return fmt.Errorf("starting syslog UDP listener: %w", err)
		}
	}
	if proto == "tcp" || proto == "both" {
		if err := s.startTCP(ctx, addr, out); err != nil {
			return fmt.Errorf("starting syslog TCP listener: %w", err)
		}
	}

	s.logger.Info().Str("addr", addr).Str("protocol", proto).Msg("syslog source started")
	<-ctx.Done()

	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	s.logger.Info().Msg("syslog source stopped")
	return ctx.Err()
}

func (s *SyslogSource) startUDP(ctx context.Context, addr string, out chan<- *core.Event) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolving UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listening on UDP %s: %w", addr, err)
	}
	s.udpConn = conn

	go func() {
		buf := make([]byte, 65536)
		for {
			conn.SetReadDeadline(time.Now().Add(1 * time.Second))
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				if ctx.Err() != nil {
					return
				}
				s.logger.Error().Err(err).Msg("UDP read error")
				continue
			}
			s.processLine(ctx, string(buf[:n]), out)
		}
	}()
	return nil
}

func (s *SyslogSource) startTCP(ctx context.Context, addr string, out chan<- *core.Event) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on TCP %s: %w", addr, err)
	}
	s.tcpLn = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error().Err(err).Msg("TCP accept error")
				continue
			}
			go s.handleTCPConn(ctx, conn, out)
		}
	}()
	return nil
}

func (s *SyslogSource) handleTCPConn(ctx context.Context, conn net.Conn, out chan<- *core.Event) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 65536), 65536)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		s.processLine(ctx, scanner.Text(), out)
	}
}

// processLine parses one syslog line into an event. Unparseable lines are
// forwarded with the raw text as payload rather than dropped; losing an
// observation is worse than matching against a noisy one.
func (s *SyslogSource) processLine(ctx context.Context, raw string, out chan<- *core.Event) {
	parsed := parseSyslog(raw)
	if parsed == nil {
		if strings.TrimSpace(raw) == "" {
			return
		}
		parsed = &syslogLine{Message: raw}
	}

	rec := RawRecord{
		Executable: parsed.AppName,
		Cmdline:    extractPayload(parsed),
		User:       extractUser(parsed.Message),
		Source:     "syslog",
	}
	if pid, err := strconv.Atoi(parsed.ProcID); err == nil {
		rec.PID = pid
	}

	if !emit(ctx, out, Normalize(rec)) {
		s.logger.Warn().Msg("pipeline queue full, syslog event dropped")
	}
}

// syslogLine is one parsed syslog message.
type syslogLine struct {
	Hostname string
	AppName  string
	ProcID   string
	Message  string
}

// RFC 5424: <PRI>VERSION TIMESTAMP HOSTNAME APP-NAME PROCID MSGID MSG
var rfc5424Re = regexp.MustCompile(`^<(\d{1,3})>(\d)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s*(.*)$`)

// RFC 3164: <PRI>TIMESTAMP HOSTNAME MSG
var rfc3164Re = regexp.MustCompile(`^<(\d{1,3})>([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+(.*)$`)

// Bare priority: <PRI>MSG
var barePriRe = regexp.MustCompile(`^<(\d{1,3})>(.+)$`)

func parseSyslog(raw string) *syslogLine {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if m := rfc5424Re.FindStringSubmatch(raw); m != nil {
		return &syslogLine{
			Hostname: m[4],
			AppName:  m[5],
			ProcID:   m[6],
			Message:  m[8],
		}
	}

	if m := rfc3164Re.FindStringSubmatch(raw); m != nil {
		line := &syslogLine{Hostname: m[3], Message: m[4]}
		// "sshd[1234]: message" style app prefix
		if idx := strings.Index(line.Message, ":"); idx > 0 {
			appPart := line.Message[:idx]
			if pidIdx := strings.Index(appPart, "["); pidIdx > 0 {
				line.AppName = appPart[:pidIdx]
				line.ProcID = strings.Trim(appPart[pidIdx:], "[]")
			} else if !strings.ContainsAny(appPart, " \t") {
				line.AppName = appPart
			}
			if line.AppName != "" {
				line.Message = strings.TrimSpace(line.Message[idx+1:])
			}
		}
		return line
	}

	if m := barePriRe.FindStringSubmatch(raw); m != nil {
		return &syslogLine{Message: m[2]}
	}
	return nil
}

// auditd execve records and sudo accounting both carry the command the
// matcher cares about; prefer those fields over the whole message.
var (
	sudoCommandRe  = regexp.MustCompile(`COMMAND=(.+)$`)
	auditProctitle = regexp.MustCompile(`proctitle=([0-9A-Fa-f]+)`)
	syslogUserRe   = regexp.MustCompile(`(?i)(?:for\s+user\s+|user[=:\s]+)(\S+)`)
)

func extractPayload(line *syslogLine) string {
	if m := sudoCommandRe.FindStringSubmatch(line.Message); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := auditProctitle.FindStringSubmatch(line.Message); m != nil {
		if decoded := decodeProctitle(m[1]); decoded != "" {
			return decoded
		}
	}
	return line.Message
}

// decodeProctitle turns auditd's hex-encoded NUL-separated argv back into
// a command line.
func decodeProctitle(hexStr string) string {
	if len(hexStr)%2 != 0 {
		return ""
	}
	var sb strings.Builder
	for i := 0; i < len(hexStr); i += 2 {
		b, err := strconv.ParseUint(hexStr[i:i+2], 16, 8)
		if err != nil {
			return ""
		}
		if b == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteByte(byte(b))
		}
	}
	return strings.TrimSpace(sb.String())
}

func extractUser(message string) string {
	if m := syslogUserRe.FindStringSubmatch(message); m != nil {
		return strings.Trim(m[1], `"'`)
	}
	return ""
}
