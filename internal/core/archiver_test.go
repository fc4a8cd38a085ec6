package core

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func testArchiver(t *testing.T, compress bool) *Archiver {
	t.Helper()
	cfg := DefaultArchiveConfig()
	cfg.Dir = t.TempDir()
	cfg.Compress = compress

	a, err := NewArchiver(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}
	return a
}

func archiveFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, ent := range entries {
		names = append(names, ent.Name())
	}
	return names
}

func TestArchiverWritesEnvelopedNDJSON(t *testing.T) {
	a := testArchiver(t, false)

	rec := NewIncidentRecord(
		NewEvent(Actor{PID: 1, Executable: "wevtutil"}, "wevtutil cl Security", "test"),
		&Classification{IsThreat: true, Category: CategoryLogClearing, Severity: SeverityCritical, Confidence: 0.95, Source: SourcePatternMatch},
		"SNAP-x")
	data, err := rec.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	a.writeRecord("incident", data)
	a.closeFile()

	files := archiveFiles(t, a.cfg.Dir)
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}

	f, err := os.Open(filepath.Join(a.cfg.Dir, files[0]))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("archive file empty")
	}
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &envelope); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	if envelope.Type != "incident" {
		t.Errorf("type = %s", envelope.Type)
	}
	restored, err := UnmarshalIncidentRecord(envelope.Data)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.ID != rec.ID || restored.Category != CategoryLogClearing {
		t.Errorf("restored = %+v", restored)
	}
}

func TestArchiverGzipReadable(t *testing.T) {
	a := testArchiver(t, true)
	a.writeRecord("event", []byte(`{"id":"e1"}`))
	a.closeFile()

	files := archiveFiles(t, a.cfg.Dir)
	if len(files) != 1 || filepath.Ext(files[0]) != ".gz" {
		t.Fatalf("files = %v", files)
	}

	f, err := os.Open(filepath.Join(a.cfg.Dir, files[0]))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	scanner := bufio.NewScanner(gz)
	if !scanner.Scan() {
		t.Fatal("compressed archive empty")
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &envelope); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	if envelope.Type != "event" {
		t.Errorf("type = %s", envelope.Type)
	}
}

func TestArchiverRotatesOnSize(t *testing.T) {
	cfg := DefaultArchiveConfig()
	cfg.Dir = t.TempDir()
	cfg.Compress = false
	cfg.RotateBytes = 128

	a, err := NewArchiver(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		a.writeRecord("event", []byte(`{"payload":"some event data that pads the line out"}`))
	}
	a.closeFile()

	m := a.GetMetrics()
	if m["files_rotated"] < 1 {
		t.Errorf("no rotation after exceeding rotate_bytes, metrics = %v", m)
	}
	if m["events_archived"] != 10 {
		t.Errorf("events_archived = %d", m["events_archived"])
	}
}
