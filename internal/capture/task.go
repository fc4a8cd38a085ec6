package capture

import (
	"context"
	"time"

	"github.com/custodian-project/custodian/internal/core"
	"github.com/google/uuid"
)

// TaskKind is the closed set of evidence-collection task kinds. Collectors
// are selected through the static category table, never by ad hoc string
// matching at capture time.
type TaskKind string

const (
	KindEventLogs      TaskKind = "event_logs"
	KindProcessState   TaskKind = "process_state"
	KindNetworkState   TaskKind = "network_state"
	KindFilesystemMeta TaskKind = "filesystem_metadata"
	KindVolumeState    TaskKind = "volume_state"
	KindCommandHistory TaskKind = "command_history"
)

// EvidenceTask is one unit of collection work.
type EvidenceTask struct {
	Kind     TaskKind      `json:"kind"`
	Priority int           `json:"priority"` // higher runs logically first; item order follows it
	Budget   time.Duration `json:"budget"`   // max duration before abandonment
}

// Collector captures one kind of volatile state within a context deadline.
// Implementations must be cooperative: observe ctx and return promptly once
// it is done, leaving nothing half-written anywhere readable.
type Collector interface {
	Kind() TaskKind
	Collect(ctx context.Context) (data []byte, sourcePath string, err error)
}

// TaskStatus is the terminal state of one task.
type TaskStatus string

const (
	StatusCompleted TaskStatus = "completed"
	StatusTimedOut  TaskStatus = "timed_out"
	StatusFailed    TaskStatus = "failed"
)

// Item is the outcome of one task within a snapshot. Data is nil unless
// Status is completed; a timed-out task's partial output is discarded.
type Item struct {
	Task       EvidenceTask  `json:"task"`
	Status     TaskStatus    `json:"status"`
	Data       []byte        `json:"-"`
	SourcePath string        `json:"source_path,omitempty"`
	Error      string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Snapshot aggregates every task outcome for one triggering classification.
// Items are ordered by task priority, not completion time, so a fixed set
// of outcomes always yields the same snapshot shape.
type Snapshot struct {
	ID        string              `json:"id"`
	Event     *core.Event         `json:"event"`
	Category  core.ThreatCategory `json:"category"`
	StartedAt time.Time           `json:"started_at"`
	Elapsed   time.Duration       `json:"elapsed"`
	Items     []Item              `json:"items"`
}

// NewSnapshotID generates a vault-safe snapshot identifier. It is derived
// here, never from anything attacker-controlled, so it cannot carry path
// injection into the vault layout.
func NewSnapshotID() string {
	return "SNAP-" + uuid.New().String()
}

// Completed returns the items that produced an artifact.
func (s *Snapshot) Completed() []Item {
	var out []Item
	for _, item := range s.Items {
		if item.Status == StatusCompleted {
			out = append(out, item)
		}
	}
	return out
}

// StatusByKind returns a kind→status map for incident reporting.
func (s *Snapshot) StatusByKind() map[string]string {
	out := make(map[string]string, len(s.Items))
	for _, item := range s.Items {
		out[string(item.Task.Kind)] = string(item.Status)
	}
	return out
}
