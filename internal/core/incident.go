package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CustodyAction enumerates chain-of-custody ledger actions.
type CustodyAction string

const (
	CustodyCreated           CustodyAction = "CREATED"
	CustodyAccessed          CustodyAction = "ACCESSED"
	CustodyIntegrityVerified CustodyAction = "INTEGRITY_VERIFIED"
	CustodyIntegrityViolated CustodyAction = "INTEGRITY_VIOLATED"
)

// CustodyEntry is one append-only chain-of-custody record. Once written to
// the ledger an entry is never edited or removed.
type CustodyEntry struct {
	Actor       string        `json:"actor"`
	Action      CustodyAction `json:"action"`
	Timestamp   time.Time     `json:"timestamp"`
	SnapshotID  string        `json:"snapshot_id,omitempty"`
	ContentHash string        `json:"content_hash"`
	Kind        string        `json:"kind,omitempty"`
	Detail      string        `json:"detail,omitempty"`
}

// EvidenceRef is one entry of an incident's evidence index.
type EvidenceRef struct {
	Kind        string `json:"kind"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
}

// IncidentRecord is the externally reportable unit emitted for every
// confirmed threat. The alerting/reporting layer consumes it as-is; the
// pipeline does not format platform-specific alert payloads.
type IncidentRecord struct {
	ID             string            `json:"id"`
	CreatedAt      time.Time         `json:"created_at"`
	Event          *Event            `json:"event"`
	Classification *Classification   `json:"classification"`
	Category       ThreatCategory    `json:"category"`
	Confidence     float64           `json:"confidence"`
	SnapshotID     string            `json:"snapshot_id"`
	TaskStatus     map[string]string `json:"task_status,omitempty"` // kind to completed|timed_out|failed
	Evidence       []EvidenceRef     `json:"evidence"`
	Custody        []CustodyEntry    `json:"custody_log,omitempty"`
}

// NewIncidentRecord creates an IncidentRecord with a generated id.
func NewIncidentRecord(event *Event, cls *Classification, snapshotID string) *IncidentRecord {
	return &IncidentRecord{
		ID:             "INC-" + uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
		Event:          event,
		Classification: cls,
		Category:       cls.Category,
		Confidence:     cls.Confidence,
		SnapshotID:     snapshotID,
		TaskStatus:     make(map[string]string),
	}
}

// Marshal serializes the record to JSON.
func (r *IncidentRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalIncidentRecord deserializes an IncidentRecord from JSON.
func UnmarshalIncidentRecord(data []byte) (*IncidentRecord, error) {
	var rec IncidentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
