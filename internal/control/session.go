// Package control implements the single exclusive consumer handle over the
// event queue and the mode controller: the open/close lifecycle, the
// blocking event read, the mode-switch requests and the readiness poll.
package control

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"accessoryd/internal/event"
	"accessoryd/internal/gadget"
)

// Errors surfaced to the control-channel caller.
var (
	// ErrAlreadyOpen means a session is already held; opening has no
	// side effects in that case.
	ErrAlreadyOpen = errors.New("control: session already open")
	// ErrInvalidSize means a read was attempted with a buffer whose
	// length is not the fixed record size.
	ErrInvalidSize = errors.New("control: read length must equal the record size")
	// ErrUnsupported means a control request code is not recognized.
	ErrUnsupported = errors.New("control: unsupported request code")
)

// Code is a control-request code.
type Code int

const (
	// CodeSwitchToAccessory switches the device to the accessory
	// personality.
	CodeSwitchToAccessory Code = iota + 1
	// CodeSwitchToACM switches the device to the serial personality.
	CodeSwitchToACM
	// CodeReset re-registers the current personality from scratch.
	CodeReset
)

func (c Code) String() string {
	switch c {
	case CodeSwitchToAccessory:
		return "switch-to-accessory"
	case CodeSwitchToACM:
		return "switch-to-acm"
	case CodeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Session is the single allowed consumer handle. At most one session is
// open at any time, tracked by an atomic flag so a losing Open never touches
// the controller.
type Session struct {
	open   atomic.Bool
	queue  *event.Queue
	ctrl   *gadget.Controller
	logger *slog.Logger
}

// NewSession wires the session over its queue and controller.
func NewSession(q *event.Queue, ctrl *gadget.Controller, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{queue: q, ctrl: ctrl, logger: logger}
}

// Open acquires the session. Side effect: the device enters the serial
// personality, and the cursor is rewound so the consumer replays the full
// buffered history. If entering the personality fails the session is rolled
// back to closed and the underlying error is returned.
func (s *Session) Open(ctx context.Context) error {
	if !s.open.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}

	if err := s.ctrl.SwitchTo(ctx, gadget.ModeACM); err != nil {
		s.open.Store(false)
		return err
	}

	s.queue.Rewind()
	s.logger.Info("control session opened")
	return nil
}

// Close releases the session. The device is returned to ModeNone best
// effort: a teardown failure is logged, not surfaced, because there is no
// caller left to notify. The session is marked closed unconditionally.
func (s *Session) Close(ctx context.Context) {
	if err := s.ctrl.SwitchTo(ctx, gadget.ModeNone); err != nil {
		s.logger.Warn("teardown on session close failed", "error", err)
	}
	s.open.Store(false)
	s.logger.Info("control session closed")
}

// IsOpen reports whether the session is currently held.
func (s *Session) IsOpen() bool { return s.open.Load() }

// Read blocks until one event record is available and serializes it into
// buf, returning the number of bytes written. buf must be exactly
// event.RecordSize bytes; any other length fails with ErrInvalidSize
// without consuming a queued record. Cancellation of ctx yields the
// context's error, never a partial record.
func (s *Session) Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) != event.RecordSize {
		return 0, ErrInvalidSize
	}

	rec, err := s.queue.Take(ctx)
	if err != nil {
		return 0, err
	}
	return rec.Encode(buf)
}

// Control dispatches a control-request code to the mode controller and
// returns its result synchronously.
func (s *Session) Control(ctx context.Context, code Code) error {
	switch code {
	case CodeSwitchToAccessory:
		return s.ctrl.SwitchTo(ctx, gadget.ModeAccessory)
	case CodeSwitchToACM:
		return s.ctrl.SwitchTo(ctx, gadget.ModeACM)
	case CodeReset:
		return s.ctrl.Reset(ctx)
	default:
		return ErrUnsupported
	}
}

// Poll reports read readiness without blocking.
func (s *Session) Poll() bool { return s.queue.Pending() }
