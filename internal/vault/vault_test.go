package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/custodian-project/custodian/internal/capture"
	"github.com/custodian-project/custodian/internal/core"
	"github.com/rs/zerolog"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func testSnapshot(items ...capture.Item) *capture.Snapshot {
	return &capture.Snapshot{
		ID:        capture.NewSnapshotID(),
		Event:     core.NewEvent(core.Actor{PID: 1234, Executable: "cmd.exe"}, "wevtutil cl Security", "test"),
		Category:  core.CategoryLogClearing,
		StartedAt: time.Now().UTC(),
		Items:     items,
	}
}

func completedItem(kind capture.TaskKind, data string) capture.Item {
	return capture.Item{
		Task:       capture.EvidenceTask{Kind: kind, Priority: 100, Budget: 100 * time.Millisecond},
		Status:     capture.StatusCompleted,
		Data:       []byte(data),
		SourcePath: "/fake/" + string(kind),
	}
}

func TestIngestRetrieveRoundTrip(t *testing.T) {
	v := testVault(t)
	snap := testSnapshot(
		completedItem(capture.KindEventLogs, "log evidence bytes"),
		completedItem(capture.KindProcessState, "process table"),
	)

	refs, err := v.Ingest(snap)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %d", len(refs))
	}

	wantSum := sha256.Sum256([]byte("log evidence bytes"))
	if refs[0].ContentHash != hex.EncodeToString(wantSum[:]) {
		t.Errorf("ref hash = %s, want hash of ingested bytes", refs[0].ContentHash)
	}
	if refs[0].Size != int64(len("log evidence bytes")) {
		t.Errorf("ref size = %d", refs[0].Size)
	}

	data, err := v.Retrieve(snap.ID, string(capture.KindEventLogs))
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(data) != "log evidence bytes" {
		t.Errorf("retrieved %q", data)
	}
}

func TestIngestSkipsNonCompletedItems(t *testing.T) {
	v := testVault(t)
	snap := testSnapshot(
		completedItem(capture.KindEventLogs, "kept"),
		capture.Item{
			Task:   capture.EvidenceTask{Kind: capture.KindProcessState},
			Status: capture.StatusTimedOut,
		},
	)

	refs, err := v.Ingest(snap)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(refs) != 1 || refs[0].Kind != "event_logs" {
		t.Fatalf("refs = %v", refs)
	}
	if _, err := v.Retrieve(snap.ID, "process_state"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound for skipped item, got %v", err)
	}
}

func TestArtifactsAreReadOnly(t *testing.T) {
	v := testVault(t)
	snap := testSnapshot(completedItem(capture.KindEventLogs, "locked down"))
	if _, err := v.Ingest(snap); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	path := filepath.Join(v.dir, snap.ID, "event_logs.bin")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm()&0o222 != 0 {
		t.Errorf("artifact mode %v still allows writes", info.Mode())
	}
}

func TestTamperDetectedOnRetrieve(t *testing.T) {
	v := testVault(t)
	snap := testSnapshot(completedItem(capture.KindEventLogs, "original bytes"))
	if _, err := v.Ingest(snap); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Out-of-band modification behind the vault's back.
	path := filepath.Join(v.dir, snap.ID, "event_logs.bin")
	if err := os.Chmod(path, 0o640); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if err := os.WriteFile(path, []byte("tampered bytes"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := v.Retrieve(snap.ID, "event_logs")
	if err == nil {
		t.Fatal("expected integrity violation")
	}
	if !core.IsIntegrityViolation(err) {
		t.Fatalf("error %v is not an IntegrityError", err)
	}
	var ie *core.IntegrityError
	errors.As(err, &ie)
	if ie.ContentHash == ie.ActualHash {
		t.Error("violation carries identical hashes")
	}

	entries, err := v.CustodyLog(snap.ID)
	if err != nil {
		t.Fatalf("CustodyLog: %v", err)
	}
	var sawViolation bool
	for _, e := range entries {
		if e.Action == core.CustodyIntegrityViolated {
			sawViolation = true
		}
	}
	if !sawViolation {
		t.Error("custody ledger missing INTEGRITY_VIOLATED entry")
	}
}

func TestCustodyLedgerOrdering(t *testing.T) {
	v := testVault(t)
	snap := testSnapshot(completedItem(capture.KindEventLogs, "bytes"))
	if _, err := v.Ingest(snap); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := v.Retrieve(snap.ID, "event_logs"); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	entries, err := v.CustodyLog(snap.ID)
	if err != nil {
		t.Fatalf("CustodyLog: %v", err)
	}
	want := []core.CustodyAction{
		core.CustodyCreated,
		core.CustodyAccessed,
		core.CustodyIntegrityVerified,
	}
	if len(entries) != len(want) {
		t.Fatalf("entries = %d, want %d", len(entries), len(want))
	}
	for i, action := range want {
		if entries[i].Action != action {
			t.Errorf("entry %d action = %s, want %s", i, entries[i].Action, action)
		}
		if entries[i].Timestamp.IsZero() {
			t.Errorf("entry %d has zero timestamp", i)
		}
	}
}

func TestVerifyCleanSnapshot(t *testing.T) {
	v := testVault(t)
	snap := testSnapshot(
		completedItem(capture.KindEventLogs, "a"),
		completedItem(capture.KindNetworkState, "b"),
	)
	if _, err := v.Ingest(snap); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := v.Verify(snap.ID); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestRetrieveUnknownSnapshot(t *testing.T) {
	v := testVault(t)
	if _, err := v.Retrieve("SNAP-does-not-exist", "event_logs"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentIngest(t *testing.T) {
	v := testVault(t)

	const n = 16
	snaps := make([]*capture.Snapshot, n)
	for i := range snaps {
		snaps[i] = testSnapshot(completedItem(capture.KindEventLogs, "payload"))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = v.Ingest(snaps[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	ids, err := v.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != n {
		t.Fatalf("listed %d snapshots, want %d", len(ids), n)
	}
	all, err := v.ledger.Entries("")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(all) != n {
		t.Fatalf("ledger has %d entries, want %d", len(all), n)
	}
}

func TestIngestContinuesPastWriteFailure(t *testing.T) {
	v := testVault(t)
	snap := testSnapshot(
		completedItem(capture.KindEventLogs, "lost"),
		completedItem(capture.KindProcessState, "preserved"),
	)

	// A directory squatting on the first artifact's path makes its rename
	// fail while leaving the rest of the snapshot writable.
	if err := os.MkdirAll(filepath.Join(v.dir, snap.ID, "event_logs.bin"), 0o750); err != nil {
		t.Fatal(err)
	}

	refs, err := v.Ingest(snap)
	if err == nil {
		t.Fatal("expected an aggregate error for the failed artifact")
	}
	if !errors.Is(err, core.ErrVaultWrite) {
		t.Errorf("error = %v, want it to wrap ErrVaultWrite", err)
	}
	if len(refs) != 1 || refs[0].Kind != string(capture.KindProcessState) {
		t.Fatalf("refs = %+v, want only process_state", refs)
	}

	data, err := v.Retrieve(snap.ID, string(capture.KindProcessState))
	if err != nil {
		t.Fatalf("Retrieve surviving artifact: %v", err)
	}
	if string(data) != "preserved" {
		t.Errorf("retrieved %q", data)
	}

	if _, err := v.Retrieve(snap.ID, string(capture.KindEventLogs)); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("failed artifact retrieve = %v, want ErrNotFound", err)
	}
	if err := v.Verify(snap.ID); err != nil {
		t.Errorf("Verify with a recorded write failure: %v", err)
	}
}
