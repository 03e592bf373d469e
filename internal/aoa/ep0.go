package aoa

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// FunctionFS control events, as delivered on the function's ep0 file. Each
// event is 12 bytes: an 8-byte setup packet union followed by the event type
// and padding.
const (
	eventBind    = 0
	eventUnbind  = 1
	eventEnable  = 2
	eventDisable = 3
	eventSetup   = 4
	eventSuspend = 5
	eventResume  = 6
)

const ep0EventSize = 12

// DefaultRetryInterval is how long Run waits before reopening ep0 after the
// file was missing or went away.
const DefaultRetryInterval = time.Second

// EP0Loop reads control events from a functionfs ep0 file and feeds setup
// packets of the accessory handshake to a Parser. The serial data endpoints
// of the function are handled elsewhere; only the control plane lives here.
type EP0Loop struct {
	path   string
	parser *Parser
	retry  time.Duration
	logger *slog.Logger
}

// NewEP0Loop returns a loop for the ep0 file at path (typically
// /dev/ffs-accessory/ep0).
func NewEP0Loop(path string, parser *Parser, logger *slog.Logger) *EP0Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &EP0Loop{path: path, parser: parser, retry: DefaultRetryInterval, logger: logger}
}

// Run serves ep0 until ctx is cancelled. The ep0 file only exists while the
// accessory function is registered, so the loop outlives any single binding:
// a missing file, EOF or read error is waited out and the file is reopened,
// because the next transition into the accessory personality recreates it.
func (l *EP0Loop) Run(ctx context.Context) error {
	for {
		if err := l.serve(ctx); err != nil && ctx.Err() == nil {
			l.logger.Debug("ep0 unavailable", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// serve opens the ep0 file and reads events until the file goes away
// (function unbound) or ctx is cancelled.
func (l *EP0Loop) serve(ctx context.Context) error {
	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("aoa: open ep0: %w", err)
	}
	defer f.Close()

	// Unblock the blocking read when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-done:
		}
	}()

	buf := make([]byte, ep0EventSize)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("aoa: read ep0 event: %w", err)
		}

		switch buf[8] {
		case eventSetup:
			l.handleSetup(f, buf[:8])
		case eventEnable, eventResume:
			l.logger.Debug("accessory function enabled")
		case eventDisable, eventSuspend:
			l.logger.Debug("accessory function disabled")
		case eventBind, eventUnbind:
			// Configuration lifecycle; nothing to do on the control plane.
		default:
			l.logger.Warn("unknown ep0 event", "type", buf[8])
		}
	}
}

// handleSetup parses the 8-byte setup packet, completes the data stage and
// dispatches to the parser. A rejected request is logged and left
// uncompleted; the host restarts the handshake from the top.
func (l *EP0Loop) handleSetup(f *os.File, pkt []byte) {
	s := Setup{
		RequestType: pkt[0],
		Request:     pkt[1],
		Value:       binary.LittleEndian.Uint16(pkt[2:4]),
		Index:       binary.LittleEndian.Uint16(pkt[4:6]),
		Length:      binary.LittleEndian.Uint16(pkt[6:8]),
	}

	if !s.directionIn() && s.Length > 0 {
		data := make([]byte, s.Length)
		if _, err := io.ReadFull(f, data); err != nil {
			l.logger.Warn("read setup data stage", "error", err)
			return
		}
		s.Data = data
	}

	resp, err := l.parser.HandleSetup(s)
	if err != nil {
		l.logger.Warn("accessory setup rejected",
			"request", s.Request, "error", err)
		return
	}

	if s.directionIn() {
		if len(resp) > int(s.Length) {
			resp = resp[:s.Length]
		}
		if _, err := f.Write(resp); err != nil {
			l.logger.Warn("write setup response", "error", err)
		}
	}
}
