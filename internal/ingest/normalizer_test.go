package ingest

import (
	"strings"
	"testing"
)

func TestNormalizeFillsActor(t *testing.T) {
	event := Normalize(RawRecord{
		PID:        4242,
		ParentPID:  1000,
		Executable: "bash",
		ParentName: "sshd",
		User:       "alice",
		Cmdline:    "bash -c 'history -c'",
		Source:     "procpoll",
	})

	if event.ID == "" {
		t.Error("event missing id")
	}
	if event.OccurredAt.IsZero() {
		t.Error("event missing wall timestamp")
	}
	if event.Actor.PID != 4242 || event.Actor.Executable != "bash" || event.Actor.ParentName != "sshd" {
		t.Errorf("actor = %+v", event.Actor)
	}
	if event.Payload != "bash -c 'history -c'" {
		t.Errorf("payload = %q", event.Payload)
	}
	if event.Source != "procpoll" {
		t.Errorf("source = %q", event.Source)
	}
}

func TestNormalizeEmptyCmdlineFallsBackToExecutable(t *testing.T) {
	event := Normalize(RawRecord{PID: 7, Executable: "kswapd0"})
	if event.Payload != "kswapd0" {
		t.Errorf("payload = %q, want executable fallback", event.Payload)
	}
}

func TestNormalizeMissingExecutableUsesPayloadFirstField(t *testing.T) {
	event := Normalize(RawRecord{PID: 9, Cmdline: "vssadmin delete shadows /all"})
	if event.Actor.Executable != "vssadmin" {
		t.Errorf("executable = %q", event.Actor.Executable)
	}
}

func TestNormalizeCapsPayload(t *testing.T) {
	long := strings.Repeat("A", maxPayloadBytes+500)
	event := Normalize(RawRecord{PID: 1, Executable: "x", Cmdline: long})
	if len(event.Payload) != maxPayloadBytes {
		t.Errorf("payload length = %d, want %d", len(event.Payload), maxPayloadBytes)
	}
}

func TestNormalizeDefaultsSource(t *testing.T) {
	event := Normalize(RawRecord{PID: 1, Executable: "x"})
	if event.Source != "unknown" {
		t.Errorf("source = %q", event.Source)
	}
}
