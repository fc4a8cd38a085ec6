package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/custodian-project/custodian/internal/core"
	"github.com/rs/zerolog"
)

func writeFakeProc(t *testing.T, dir string, pid int, comm, cmdline string, ppid int) {
	t.Helper()
	procDir := filepath.Join(dir, strconv.Itoa(pid))
	if err := os.MkdirAll(procDir, 0o755); err != nil {
		t.Fatal(err)
	}
	status := "Name:\t" + comm + "\nPPid:\t" + strconv.Itoa(ppid) + "\nUid:\t0\t0\t0\t0\n"
	if err := os.WriteFile(filepath.Join(procDir, "status"), []byte(status), 0o644); err != nil {
		t.Fatal(err)
	}
	nulSep := []byte(cmdline)
	for i := range nulSep {
		if nulSep[i] == ' ' {
			nulSep[i] = 0
		}
	}
	if err := os.WriteFile(filepath.Join(procDir, "cmdline"), nulSep, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProcPollerEmitsOnlyNewProcesses(t *testing.T) {
	dir := t.TempDir()
	writeFakeProc(t, dir, 100, "systemd", "/sbin/init", 0)

	poller := NewProcPoller(dir, 5*time.Millisecond, zerolog.Nop())
	out := make(chan *core.Event, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		poller.Run(ctx, out)
		close(done)
	}()

	// The priming scan must swallow pid 100.
	time.Sleep(25 * time.Millisecond)
	select {
	case event := <-out:
		t.Fatalf("priming scan emitted %+v", event)
	default:
	}

	writeFakeProc(t, dir, 200, "wevtutil", "wevtutil cl Security", 100)

	select {
	case event := <-out:
		if event.Actor.PID != 200 {
			t.Errorf("pid = %d, want 200", event.Actor.PID)
		}
		if event.Payload != "wevtutil cl Security" {
			t.Errorf("payload = %q", event.Payload)
		}
		if event.Actor.ParentName != "systemd" {
			t.Errorf("parent name = %q", event.Actor.ParentName)
		}
		if event.Source != "procpoll" {
			t.Errorf("source = %q", event.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("no event emitted for new process")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on cancel")
	}
}

func TestProcPollerDoesNotReemitKnownPid(t *testing.T) {
	dir := t.TempDir()
	poller := NewProcPoller(dir, 5*time.Millisecond, zerolog.Nop())
	out := make(chan *core.Event, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx, out)

	time.Sleep(15 * time.Millisecond)
	writeFakeProc(t, dir, 300, "bash", "bash -c ls", 1)

	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("no event for new process")
	}

	// Same pid must stay silent across later ticks.
	select {
	case event := <-out:
		t.Fatalf("duplicate emission: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcPollerForgetsExitedPids(t *testing.T) {
	dir := t.TempDir()
	writeFakeProc(t, dir, 400, "short", "shortlived", 1)

	poller := NewProcPoller(dir, time.Hour, zerolog.Nop())
	out := make(chan *core.Event, 4)
	ctx := context.Background()

	poller.scan(ctx, nil) // prime
	if err := os.RemoveAll(filepath.Join(dir, "400")); err != nil {
		t.Fatal(err)
	}
	poller.scan(ctx, out) // notices the exit
	writeFakeProc(t, dir, 400, "reused", "new process same pid", 1)
	poller.scan(ctx, out)

	select {
	case event := <-out:
		if event.Payload != "new process same pid" {
			t.Errorf("payload = %q", event.Payload)
		}
	default:
		t.Fatal("reused pid was not treated as a new process")
	}
}
