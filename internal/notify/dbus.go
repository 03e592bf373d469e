// Package notify publishes mode-change signals on the D-Bus system bus so
// desktop components can react to personality switches without holding the
// control session.
package notify

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"accessoryd/internal/gadget"
)

const (
	busName    = "org.accessoryd.Gadget1"
	objectPath = "/org/accessoryd/Gadget1"
	iface      = "org.accessoryd.Gadget1"
)

// DBusNotifier emits ModeChanged signals on the system bus.
type DBusNotifier struct {
	conn   *dbus.Conn
	logger *slog.Logger
}

// NewDBus connects to the system bus and claims the daemon's well-known
// name.
func NewDBus(logger *slog.Logger) (*DBusNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("notify: connect system bus: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("notify: name %s already taken", busName)
	}

	return &DBusNotifier{conn: conn, logger: logger}, nil
}

// ModeChanged emits a signal with the new mode name. Emission failures are
// logged, not propagated; signals are advisory.
func (n *DBusNotifier) ModeChanged(mode gadget.Mode) {
	err := n.conn.Emit(objectPath, iface+".ModeChanged", mode.String())
	if err != nil {
		n.logger.Warn("dbus signal failed", "mode", mode, "error", err)
	}
}

// Close releases the bus name and connection.
func (n *DBusNotifier) Close() error {
	n.conn.ReleaseName(busName)
	return n.conn.Close()
}
