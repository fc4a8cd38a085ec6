package core

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ArchiveConfig holds cold archiver settings.
type ArchiveConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Dir            string `yaml:"dir"`
	RotateBytes    int64  `yaml:"rotate_bytes"`    // rotate file after N bytes
	RotateInterval string `yaml:"rotate_interval"` // rotate after duration
	Compress       bool   `yaml:"compress"`
}

// DefaultArchiveConfig returns sane defaults for the cold archiver.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:        false,
		Dir:            "./data/archive",
		RotateBytes:    100 * 1024 * 1024,
		RotateInterval: "1h",
		Compress:       true,
	}
}

// Archiver consumes events and incident records from JetStream and writes
// them to rotated NDJSON files for long retention. The bus streams keep a
// bounded window; the archive keeps everything.
type Archiver struct {
	cfg    ArchiveConfig
	bus    *EventBus
	logger zerolog.Logger

	mu             sync.Mutex
	currentFile    *os.File
	currentGz      *gzip.Writer
	currentPath    string
	currentBytes   int64
	rotateInterval time.Duration
	fileOpenedAt   time.Time

	eventsArchived    int64
	incidentsArchived int64
	filesRotated      int64
	bytesWritten      int64
}

// NewArchiver creates a cold archiver.
func NewArchiver(cfg ArchiveConfig, bus *EventBus, logger zerolog.Logger) (*Archiver, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir %s: %w", cfg.Dir, err)
	}

	interval := time.Hour
	if d, err := time.ParseDuration(cfg.RotateInterval); err == nil && d > 0 {
		interval = d
	}
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = 100 * 1024 * 1024
	}

	return &Archiver{
		cfg:            cfg,
		bus:            bus,
		logger:         logger.With().Str("component", "archiver").Logger(),
		rotateInterval: interval,
	}, nil
}

// Start subscribes to events and incidents with separate durable consumers.
func (a *Archiver) Start(ctx context.Context) error {
	if err := a.bus.Subscribe("cstd.events.>", "custodian-archive-events", func(msg *nats.Msg) {
		a.writeRecord("event", msg.Data)
		_ = msg.Ack()
	}); err != nil {
		return fmt.Errorf("archiver subscribing to events: %w", err)
	}

	if err := a.bus.Subscribe("cstd.incidents.>", "custodian-archive-incidents", func(msg *nats.Msg) {
		a.writeRecord("incident", msg.Data)
		_ = msg.Ack()
	}); err != nil {
		return fmt.Errorf("archiver subscribing to incidents: %w", err)
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.closeFile()
				return
			case <-ticker.C:
				a.mu.Lock()
				if a.currentFile != nil && time.Since(a.fileOpenedAt) >= a.rotateInterval {
					a.rotateFileLocked()
				}
				a.mu.Unlock()
			}
		}
	}()

	a.logger.Info().
		Str("dir", a.cfg.Dir).
		Str("rotate_interval", a.rotateInterval.String()).
		Int64("rotate_bytes", a.cfg.RotateBytes).
		Bool("compress", a.cfg.Compress).
		Msg("cold archiver started")
	return nil
}

// archiveRecord is the NDJSON envelope written to archive files.
type archiveRecord struct {
	Type      string          `json:"type"` // "event" or "incident"
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data"`
}

func (a *Archiver) writeRecord(recordType string, data []byte) {
	rec := archiveRecord{
		Type:      recordType,
		Timestamp: time.Now().UTC(),
		Data:      json.RawMessage(data),
	}

	line, err := json.Marshal(rec)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to marshal archive record")
		return
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.currentFile == nil {
		if err := a.openFileLocked(); err != nil {
			a.logger.Error().Err(err).Msg("failed to open archive file")
			return
		}
	}

	var n int
	if a.cfg.Compress && a.currentGz != nil {
		n, err = a.currentGz.Write(line)
	} else {
		n, err = a.currentFile.Write(line)
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to write archive record")
		return
	}

	a.currentBytes += int64(n)
	a.bytesWritten += int64(n)
	switch recordType {
	case "event":
		a.eventsArchived++
	case "incident":
		a.incidentsArchived++
	}

	if a.currentBytes >= a.cfg.RotateBytes {
		a.rotateFileLocked()
	}
}

func (a *Archiver) openFileLocked() error {
	ts := time.Now().UTC().Format("20060102T150405Z")
	ext := ".ndjson"
	if a.cfg.Compress {
		ext = ".ndjson.gz"
	}
	path := filepath.Join(a.cfg.Dir, fmt.Sprintf("custodian-archive-%s%s", ts, ext))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	a.currentFile = f
	a.currentPath = path
	a.currentBytes = 0
	a.fileOpenedAt = time.Now()
	if a.cfg.Compress {
		a.currentGz, _ = gzip.NewWriterLevel(f, gzip.BestSpeed)
	}

	a.logger.Debug().Str("file", filepath.Base(path)).Msg("opened archive file")
	return nil
}

func (a *Archiver) rotateFileLocked() {
	a.closeFileLocked()
	a.filesRotated++
	// Next write opens a new file.
}

func (a *Archiver) closeFile() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeFileLocked()
}

func (a *Archiver) closeFileLocked() {
	if a.currentGz != nil {
		a.currentGz.Close()
		a.currentGz = nil
	}
	if a.currentFile != nil {
		a.currentFile.Close()
		a.currentFile = nil
	}
}

// GetMetrics returns archiver counters.
func (a *Archiver) GetMetrics() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]int64{
		"events_archived":    a.eventsArchived,
		"incidents_archived": a.incidentsArchived,
		"files_rotated":      a.filesRotated,
		"bytes_written":      a.bytesWritten,
		"current_bytes":      a.currentBytes,
	}
}
