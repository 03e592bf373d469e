package gadget

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"accessoryd/internal/event"
)

// Monitor watches the device controller's state attribute and pushes
// Connected/Disconnected records into the event queue on state edges.
//
// Pushes happen from the watch goroutine, never from a context that can
// block: Queue.Push is non-blocking by contract. Edges only: a re-read
// that observes the same state produces nothing.
type Monitor struct {
	udc      string
	queue    *event.Queue
	interval time.Duration
	logger   *slog.Logger

	connected bool
}

// NewMonitor returns a monitor for the named device controller. interval is
// the fallback poll period used because sysfs attribute writes do not
// reliably generate file notifications; zero selects one second.
func NewMonitor(udc string, q *event.Queue, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{udc: udc, queue: q, interval: interval, logger: logger}
}

// statePath returns the sysfs state attribute of the controller.
func (m *Monitor) statePath() string {
	return filepath.Join(UDCClassDir, m.udc, "state")
}

// Run watches until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the controller directory; the state attribute itself may be
	// replaced rather than rewritten.
	if err := watcher.Add(filepath.Dir(m.statePath())); err != nil {
		m.logger.Warn("watch device controller", "udc", m.udc, "error", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == "state" {
				m.check()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("device controller watch", "error", err)
		case <-ticker.C:
			m.check()
		}
	}
}

// check re-reads the state attribute and pushes a record on a state edge.
func (m *Monitor) check() {
	data, err := os.ReadFile(m.statePath())
	if err != nil {
		m.logger.Debug("read controller state", "error", err)
		return
	}

	connected := strings.TrimSpace(string(data)) == "configured"
	if connected == m.connected {
		return
	}
	m.connected = connected

	rec := event.Record{Type: event.Disconnected}
	if connected {
		rec.Type = event.Connected
	}
	m.queue.Push(rec)
	m.logger.Info("host connection state changed", "connected", connected)
}
