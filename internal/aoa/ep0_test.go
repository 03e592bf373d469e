package aoa

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"accessoryd/internal/event"
)

// ep0Event builds one 12-byte functionfs event carrying a setup packet.
func ep0Event(requestType, request uint8) []byte {
	buf := make([]byte, ep0EventSize)
	buf[0] = requestType
	buf[1] = request
	buf[8] = eventSetup
	return buf
}

func TestServeFailsWithoutFile(t *testing.T) {
	p, _ := newTestParser(t)
	l := NewEP0Loop(filepath.Join(t.TempDir(), "ep0"), p, nil)

	if err := l.serve(context.Background()); err == nil {
		t.Fatal("serve succeeded without an ep0 file")
	}
}

func TestServeDispatchesSetup(t *testing.T) {
	p, q := newTestParser(t)

	path := filepath.Join(t.TempDir(), "ep0")
	if err := os.WriteFile(path, ep0Event(0x40, RequestStart), 0o600); err != nil {
		t.Fatal(err)
	}

	l := NewEP0Loop(path, p, nil)
	if err := l.serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}

	rec := takeOne(t, q)
	if rec.Type != event.StartRequested {
		t.Errorf("record type = %v, want start-requested", rec.Type)
	}
}

func TestRunSurvivesMissingFile(t *testing.T) {
	p, q := newTestParser(t)

	// The ep0 file does not exist yet: it appears only once the accessory
	// function is registered. Run must keep retrying, not exit.
	dir := t.TempDir()
	path := filepath.Join(dir, "ep0")
	l := NewEP0Loop(path, p, nil)
	l.retry = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- l.Run(ctx) }()

	select {
	case err := <-errs:
		t.Fatalf("Run exited while the file was missing: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// The function comes up later; the loop picks the file up on a retry.
	if err := os.WriteFile(path, ep0Event(0x40, RequestStart), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for !q.Pending() {
		select {
		case err := <-errs:
			t.Fatalf("Run exited after the file appeared: %v", err)
		case <-deadline:
			t.Fatal("no event produced after the ep0 file appeared")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if rec := takeOne(t, q); rec.Type != event.StartRequested {
		t.Errorf("record type = %v, want start-requested", rec.Type)
	}

	cancel()
	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not stop Run")
	}
}
