package vault

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/custodian-project/custodian/internal/core"
)

// custodyLedger is an append-only newline-delimited JSON file. Every vault
// touch gets exactly one entry; entries are never rewritten or removed.
type custodyLedger struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func openCustodyLedger(path string) (*custodyLedger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open custody ledger: %w", err)
	}
	return &custodyLedger{path: path, file: f}, nil
}

// Append writes one entry and syncs before returning, so a crash cannot
// leave vaulted evidence without its custody record.
func (l *custodyLedger) Append(entry core.CustodyEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal custody entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("append custody entry: %w", err)
	}
	return l.file.Sync()
}

// Entries returns every ledger entry for a snapshot in append order. An
// empty snapshotID returns the whole ledger.
func (l *custodyLedger) Entries(snapshotID string) ([]core.CustodyEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("read custody ledger: %w", err)
	}
	defer f.Close()

	var entries []core.CustodyEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry core.CustodyEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("corrupt custody ledger line: %w", err)
		}
		if snapshotID == "" || entry.SnapshotID == snapshotID {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan custody ledger: %w", err)
	}
	return entries, nil
}

func (l *custodyLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
