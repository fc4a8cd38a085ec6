package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of a classification or incident.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Escalate returns the severity one level up, capped at CRITICAL.
func (s Severity) Escalate() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

// ParseSeverity converts a severity name to a Severity. Unknown names map to INFO.
func ParseSeverity(str string) Severity {
	switch str {
	case "LOW":
		return SeverityLow
	case "MEDIUM":
		return SeverityMedium
	case "HIGH":
		return SeverityHigh
	case "CRITICAL":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// ThreatCategory enumerates the anti-forensics threat categories the
// pipeline understands. CategoryBenign terminates an event without capture.
type ThreatCategory string

const (
	CategoryBenign           ThreatCategory = "benign"
	CategoryLogClearing      ThreatCategory = "log_clearing"
	CategoryShadowCopyDelete ThreatCategory = "shadow_copy_deletion"
	CategorySecureDeletion   ThreatCategory = "secure_deletion"
	CategoryCredentialAccess ThreatCategory = "credential_access"
	CategoryHistoryClearing  ThreatCategory = "history_clearing"
	CategoryBootConfig       ThreatCategory = "boot_config"
	CategoryTimestomping     ThreatCategory = "timestomping"
	CategoryUnknown          ThreatCategory = "unknown"
)

// KnownCategory reports whether c is part of the closed category set.
// Oracle responses naming anything else fail schema validation.
func KnownCategory(c ThreatCategory) bool {
	switch c {
	case CategoryBenign, CategoryLogClearing, CategoryShadowCopyDelete,
		CategorySecureDeletion, CategoryCredentialAccess, CategoryHistoryClearing,
		CategoryBootConfig, CategoryTimestomping, CategoryUnknown:
		return true
	}
	return false
}

// ClassificationSource records which tier produced a verdict.
type ClassificationSource string

const (
	SourcePatternMatch ClassificationSource = "pattern_match"
	SourceOracle       ClassificationSource = "oracle"
	SourceFallback     ClassificationSource = "fallback"
)

// Actor identifies the process that performed an observed action.
type Actor struct {
	PID        int    `json:"pid"`
	Executable string `json:"executable"`
	ParentPID  int    `json:"parent_pid"`
	ParentName string `json:"parent_name,omitempty"`
	User       string `json:"user,omitempty"`
}

// Event is one observed system action, created once by the normalizer and
// immutable afterward. Downstream stages hold references, never copies.
type Event struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"` // wall clock, for reporting
	Monotonic  int64     `json:"monotonic_ns"`
	Actor      Actor     `json:"actor"`
	Payload    string    `json:"payload"`
	Source     string    `json:"source,omitempty"` // which watcher emitted it
}

// NewEvent creates an Event with a generated id and current timestamps.
func NewEvent(actor Actor, payload, source string) *Event {
	return &Event{
		ID:         uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		Monotonic:  monotonicNow(),
		Actor:      actor,
		Payload:    payload,
		Source:     source,
	}
}

var processStart = time.Now()

// monotonicNow returns nanoseconds since process start, taken from the
// monotonic clock so later comparisons are immune to wall-clock jumps.
func monotonicNow() int64 {
	return int64(time.Since(processStart))
}

// Marshal serializes the event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Classification is the verdict for one event.
type Classification struct {
	IsThreat   bool                 `json:"is_threat"`
	Category   ThreatCategory       `json:"category"`
	Severity   Severity             `json:"severity"`
	Confidence float64              `json:"confidence"`
	Source     ClassificationSource `json:"source"`
	Rule       string               `json:"rule,omitempty"`    // signature name for pattern matches
	Decoded    bool                 `json:"decoded,omitempty"` // verdict found only after decoding
}

// Benign returns a terminal benign classification from the given source.
func Benign(source ClassificationSource) *Classification {
	return &Classification{
		IsThreat:   false,
		Category:   CategoryBenign,
		Severity:   SeverityInfo,
		Confidence: 1.0,
		Source:     source,
	}
}
