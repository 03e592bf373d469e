package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"accessoryd/internal/event"
	"accessoryd/internal/gadget"
)

type stubTransport struct {
	mu        sync.Mutex
	registers int
	failNext  error
}

func (s *stubTransport) AllocString(string) (int, error) { return 1, nil }

func (s *stubTransport) Register(ctx context.Context, b *gadget.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.registers++
	return nil
}

func (s *stubTransport) Unregister(ctx context.Context, b *gadget.Binding) {}

func (s *stubTransport) Name() string { return "stub" }

func newTestSession(t *testing.T) (*Session, *event.Queue, *gadget.Controller, *stubTransport) {
	t.Helper()
	tr := &stubTransport{}
	q := event.NewQueue(nil)
	t.Cleanup(q.Close)
	ctrl := gadget.NewController(tr, gadget.ControllerConfig{}, nil)
	return NewSession(q, ctrl, nil), q, ctrl, tr
}

func TestOpenEntersSerialMode(t *testing.T) {
	s, _, ctrl, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := ctrl.Current(); got != gadget.ModeACM {
		t.Errorf("mode after open = %v, want acm", got)
	}
	if !s.IsOpen() {
		t.Error("IsOpen = false after open")
	}
}

func TestSecondOpenFails(t *testing.T) {
	s, _, ctrl, tr := newTestSession(t)
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	tr.mu.Lock()
	before := tr.registers
	tr.mu.Unlock()

	if err := s.Open(ctx); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second Open = %v, want ErrAlreadyOpen", err)
	}

	// The losing open must not touch controller state.
	if got := ctrl.Current(); got != gadget.ModeACM {
		t.Errorf("mode after failed open = %v, want acm", got)
	}
	tr.mu.Lock()
	after := tr.registers
	tr.mu.Unlock()
	if before != after {
		t.Errorf("losing open touched the transport: %d -> %d registers", before, after)
	}
}

func TestOpenRollsBackOnSwitchFailure(t *testing.T) {
	s, _, ctrl, tr := newTestSession(t)
	ctx := context.Background()

	boom := errors.New("registration refused")
	tr.failNext = boom

	if err := s.Open(ctx); !errors.Is(err, boom) {
		t.Fatalf("Open = %v, want the transport error", err)
	}
	if s.IsOpen() {
		t.Error("session left open after failed open")
	}
	if got := ctrl.Current(); got != gadget.ModeNone {
		t.Errorf("mode after failed open = %v, want none", got)
	}

	// A retry succeeds once the transport recovered.
	if err := s.Open(ctx); err != nil {
		t.Fatalf("retry Open: %v", err)
	}
}

func TestOpenRewindsQueue(t *testing.T) {
	s, q, _, _ := newTestSession(t)
	ctx := context.Background()

	q.Push(event.Record{Type: event.Connected})
	q.Push(event.Record{Type: event.StartRequested})
	if _, err := q.Take(ctx); err != nil {
		t.Fatalf("Take: %v", err)
	}

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// The fresh session replays from the head of the log.
	buf := make([]byte, event.RecordSize)
	if _, err := s.Read(ctx, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	rec, err := event.Decode(buf[:4])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec.Type != event.Connected {
		t.Errorf("first replayed record = %v, want connected", rec.Type)
	}
}

func TestCloseReturnsToNone(t *testing.T) {
	s, _, ctrl, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close(ctx)

	if s.IsOpen() {
		t.Error("IsOpen = true after close")
	}
	if got := ctrl.Current(); got != gadget.ModeNone {
		t.Errorf("mode after close = %v, want none", got)
	}

	// The session can be reacquired.
	if err := s.Open(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestReadRejectsWrongBufferSize(t *testing.T) {
	s, q, _, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	q.Push(event.Record{Type: event.StartRequested})
	unread := q.Unread()

	for _, size := range []int{0, 4, event.RecordSize - 1, event.RecordSize + 1} {
		if _, err := s.Read(ctx, make([]byte, size)); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("Read with %d bytes = %v, want ErrInvalidSize", size, err)
		}
	}

	// Invalid reads must not consume a record.
	if got := q.Unread(); got != unread {
		t.Errorf("unread after invalid reads = %d, want %d", got, unread)
	}
}

func TestReadDeliversVariableLength(t *testing.T) {
	s, q, _, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	q.Push(event.Record{Type: event.Disconnected})
	q.Push(event.NewString(event.StringModel, []byte("Pixel")))

	buf := make([]byte, event.RecordSize)
	n, err := s.Read(ctx, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4 {
		t.Errorf("plain record length = %d, want 4", n)
	}

	n, err = s.Read(ctx, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if want := 4 + 4 + 5 + 1; n != want {
		t.Errorf("string record length = %d, want %d", n, want)
	}
}

func TestReadCancellation(t *testing.T) {
	s, _, _, _ := newTestSession(t)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := s.Read(ctx, make([]byte, event.RecordSize))
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled Read = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancellation did not unblock Read")
	}
}

func TestControlDispatch(t *testing.T) {
	s, _, ctrl, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Control(ctx, CodeSwitchToAccessory); err != nil {
		t.Fatalf("switch to accessory: %v", err)
	}
	if got := ctrl.Current(); got != gadget.ModeAccessory {
		t.Errorf("mode = %v, want accessory", got)
	}

	if err := s.Control(ctx, CodeSwitchToACM); err != nil {
		t.Fatalf("switch to acm: %v", err)
	}
	if got := ctrl.Current(); got != gadget.ModeACM {
		t.Errorf("mode = %v, want acm", got)
	}

	if err := s.Control(ctx, CodeReset); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := ctrl.Current(); got != gadget.ModeACM {
		t.Errorf("mode after reset = %v, want acm", got)
	}

	if err := s.Control(ctx, Code(99)); !errors.Is(err, ErrUnsupported) {
		t.Errorf("unknown code = %v, want ErrUnsupported", err)
	}
}

func TestPoll(t *testing.T) {
	s, q, _, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Poll() {
		t.Error("Poll = true on empty queue")
	}

	q.Push(event.Record{Type: event.Connected})
	if !s.Poll() {
		t.Error("Poll = false with a pending record")
	}

	if _, err := s.Read(ctx, make([]byte, event.RecordSize)); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if s.Poll() {
		t.Error("Poll = true after draining")
	}
}
