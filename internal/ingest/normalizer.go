package ingest

import (
	"strings"

	"github.com/custodian-project/custodian/internal/core"
)

// maxPayloadBytes caps the observed command line carried on an event.
// Longer payloads are truncated, never rejected: an attacker must not be
// able to evade matching by padding a command.
const maxPayloadBytes = 64 * 1024

// RawRecord is what a watcher observes before normalization: one process
// activity observation in whatever shape the source could assemble.
type RawRecord struct {
	PID        int
	ParentPID  int
	Executable string
	ParentName string
	User       string
	Cmdline    string
	Source     string
}

// Normalize converts a raw watcher record into a canonical event. It never
// rejects a record: missing fields degrade to the best available value so
// a sparse observation still flows through detection.
func Normalize(rec RawRecord) *core.Event {
	payload := strings.TrimSpace(rec.Cmdline)
	if payload == "" {
		// Kernel threads and short-lived processes often expose no
		// cmdline. The executable name is still worth matching.
		payload = rec.Executable
	}
	if len(payload) > maxPayloadBytes {
		payload = payload[:maxPayloadBytes]
	}

	actor := core.Actor{
		PID:        rec.PID,
		Executable: rec.Executable,
		ParentPID:  rec.ParentPID,
		ParentName: rec.ParentName,
		User:       rec.User,
	}
	if actor.Executable == "" {
		actor.Executable = firstField(payload)
	}

	source := rec.Source
	if source == "" {
		source = "unknown"
	}
	return core.NewEvent(actor, payload, source)
}

func firstField(payload string) string {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
