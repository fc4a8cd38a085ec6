package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/custodian-project/custodian/internal/capture"
	"github.com/custodian-project/custodian/internal/core"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// vault.go — tamper-evident storage for captured evidence.
//
// Every artifact is hashed before its ingest completes, written via a
// staging file and atomic rename, and made read-only on disk. Retrieval
// recomputes the hash and compares it against the record made at ingest;
// a mismatch is surfaced as an IntegrityError and logged to the custody
// ledger, never papered over.
// ---------------------------------------------------------------------------

const (
	stagingDir   = ".staging"
	manifestName = "manifest.json"
	ledgerName   = "custody.ndjson"
)

// Vault stores evidence artifacts under one root directory, one
// subdirectory per snapshot.
type Vault struct {
	dir    string
	actor  string
	ledger *custodyLedger
	logger zerolog.Logger

	mu      sync.Mutex
	ingests int64
	bytes   int64
}

// manifest records what ingest wrote for one snapshot. Retrieval verifies
// against it.
type manifest struct {
	SnapshotID string          `json:"snapshot_id"`
	IngestedAt time.Time       `json:"ingested_at"`
	Artifacts  []manifestEntry `json:"artifacts"`
}

type manifestEntry struct {
	Kind        string `json:"kind"`
	File        string `json:"file"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
	SourcePath  string `json:"source_path,omitempty"`
	Error       string `json:"error,omitempty"` // set when the artifact could not be stored
}

// New opens (creating if needed) a vault rooted at dir.
func New(dir string, logger zerolog.Logger) (*Vault, error) {
	if err := os.MkdirAll(filepath.Join(dir, stagingDir), 0o750); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	ledger, err := openCustodyLedger(filepath.Join(dir, ledgerName))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	return &Vault{
		dir:    dir,
		actor:  fmt.Sprintf("custodian@%s", hostname),
		ledger: ledger,
		logger: logger.With().Str("component", "vault").Logger(),
	}, nil
}

// Ingest stores every completed item of a snapshot. Hashes are computed
// from the bytes in memory before anything touches disk, so the returned
// refs are trustworthy even if the disk is later tampered with. Items
// that timed out or failed carry no data and are skipped. A write failure
// on one artifact never abandons the rest: the failure is recorded in the
// manifest and the remaining items are still ingested, with the errors
// joined into the return value once every item has been attempted.
func (v *Vault) Ingest(snap *capture.Snapshot) ([]core.EvidenceRef, error) {
	snapDir := filepath.Join(v.dir, snap.ID)
	if err := os.MkdirAll(snapDir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrVaultWrite, err)
	}

	man := manifest{SnapshotID: snap.ID, IngestedAt: time.Now().UTC()}
	var refs []core.EvidenceRef
	var errs []error

	for _, item := range snap.Completed() {
		sum := sha256.Sum256(item.Data)
		contentHash := hex.EncodeToString(sum[:])
		fileName := string(item.Task.Kind) + ".bin"

		entry := manifestEntry{
			Kind:        string(item.Task.Kind),
			File:        fileName,
			ContentHash: contentHash,
			Size:        int64(len(item.Data)),
			SourcePath:  item.SourcePath,
		}

		if err := v.writeArtifact(filepath.Join(snapDir, fileName), item.Data); err != nil {
			entry.Error = err.Error()
			man.Artifacts = append(man.Artifacts, entry)
			errs = append(errs, fmt.Errorf("%s: %w", entry.Kind, err))
			v.logger.Error().
				Err(err).
				Str("snapshot_id", snap.ID).
				Str("kind", entry.Kind).
				Msg("artifact write failed, continuing with remaining items")
			continue
		}

		man.Artifacts = append(man.Artifacts, entry)
		refs = append(refs, core.EvidenceRef{
			Kind:        entry.Kind,
			ContentHash: contentHash,
			Size:        entry.Size,
		})

		if err := v.ledger.Append(core.CustodyEntry{
			Actor:       v.actor,
			Action:      core.CustodyCreated,
			SnapshotID:  snap.ID,
			ContentHash: contentHash,
			Kind:        entry.Kind,
			Detail:      entry.SourcePath,
		}); err != nil {
			errs = append(errs, fmt.Errorf("%s: custody append: %w", entry.Kind, err))
			continue
		}

		v.mu.Lock()
		v.ingests++
		v.bytes += entry.Size
		v.mu.Unlock()
	}

	manData, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", core.ErrVaultWrite, err))
	} else if err := v.writeArtifact(filepath.Join(snapDir, manifestName), manData); err != nil {
		errs = append(errs, err)
	}

	v.logger.Info().
		Str("snapshot_id", snap.ID).
		Int("artifacts", len(refs)).
		Int("failures", len(errs)).
		Msg("evidence vaulted")
	return refs, errors.Join(errs...)
}

// writeArtifact stages, syncs, renames and then strips write permission.
// The rename guarantees a reader never observes a half-written artifact.
func (v *Vault) writeArtifact(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(v.dir, stagingDir), "ingest-*")
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrVaultWrite, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", core.ErrVaultWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", core.ErrVaultWrite, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", core.ErrVaultWrite, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", core.ErrVaultWrite, err)
	}
	if err := os.Chmod(path, 0o440); err != nil {
		return fmt.Errorf("%w: %v", core.ErrVaultWrite, err)
	}
	return nil
}

// Retrieve returns one artifact's bytes after verifying its hash against
// the ingest record. Both the access and the verification outcome are
// appended to the custody ledger before Retrieve returns.
func (v *Vault) Retrieve(snapshotID, kind string) ([]byte, error) {
	entry, err := v.lookupManifest(snapshotID, kind)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(v.dir, snapshotID, entry.File)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", core.ErrNotFound, snapshotID, kind)
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	if err := v.ledger.Append(core.CustodyEntry{
		Actor:       v.actor,
		Action:      core.CustodyAccessed,
		SnapshotID:  snapshotID,
		ContentHash: entry.ContentHash,
		Kind:        kind,
	}); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if actual != entry.ContentHash {
		violation := &core.IntegrityError{
			ContentHash: entry.ContentHash,
			ActualHash:  actual,
			Path:        path,
		}
		if err := v.ledger.Append(core.CustodyEntry{
			Actor:       v.actor,
			Action:      core.CustodyIntegrityViolated,
			SnapshotID:  snapshotID,
			ContentHash: entry.ContentHash,
			Kind:        kind,
			Detail:      "recomputed " + actual,
		}); err != nil {
			v.logger.Error().Err(err).Msg("failed to record integrity violation")
		}
		v.logger.Error().
			Str("snapshot_id", snapshotID).
			Str("kind", kind).
			Str("recorded", entry.ContentHash).
			Str("computed", actual).
			Msg("evidence integrity violation")
		return nil, violation
	}

	if err := v.ledger.Append(core.CustodyEntry{
		Actor:       v.actor,
		Action:      core.CustodyIntegrityVerified,
		SnapshotID:  snapshotID,
		ContentHash: entry.ContentHash,
		Kind:        kind,
	}); err != nil {
		return nil, err
	}
	return data, nil
}

// Verify recomputes every artifact hash for a snapshot without returning
// the data. It reports the first violation found.
func (v *Vault) Verify(snapshotID string) error {
	man, err := v.readManifest(snapshotID)
	if err != nil {
		return err
	}
	for _, entry := range man.Artifacts {
		if entry.Error != "" {
			continue // never stored, nothing to verify
		}
		if _, err := v.Retrieve(snapshotID, entry.Kind); err != nil {
			return err
		}
	}
	return nil
}

// CustodyLog returns the full chain of custody for a snapshot.
func (v *Vault) CustodyLog(snapshotID string) ([]core.CustodyEntry, error) {
	return v.ledger.Entries(snapshotID)
}

// List returns the ids of every vaulted snapshot.
func (v *Vault) List() ([]string, error) {
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, ent := range entries {
		if ent.IsDir() && ent.Name() != stagingDir {
			ids = append(ids, ent.Name())
		}
	}
	return ids, nil
}

// GetMetrics returns vault counters.
func (v *Vault) GetMetrics() map[string]int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return map[string]int64{
		"artifacts_ingested": v.ingests,
		"bytes_stored":       v.bytes,
	}
}

// Close releases the custody ledger.
func (v *Vault) Close() error {
	return v.ledger.Close()
}

func (v *Vault) readManifest(snapshotID string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(v.dir, snapshotID, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: snapshot %s", core.ErrNotFound, snapshotID)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var man manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &man, nil
}

func (v *Vault) lookupManifest(snapshotID, kind string) (*manifestEntry, error) {
	man, err := v.readManifest(snapshotID)
	if err != nil {
		return nil, err
	}
	for i := range man.Artifacts {
		if man.Artifacts[i].Kind == kind {
			if man.Artifacts[i].Error != "" {
				return nil, fmt.Errorf("%w: %s/%s (ingest failed: %s)", core.ErrNotFound, snapshotID, kind, man.Artifacts[i].Error)
			}
			return &man.Artifacts[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", core.ErrNotFound, snapshotID, kind)
}
