// Package aoa implements the Android Open Accessory handshake: the vendor
// control requests a host sends to identify itself and ask the device to
// switch into accessory mode.
//
// The package is a producer for the event queue. It parses control requests
// and pushes the resulting records; it never decides mode changes itself.
// That is the consumer's call, made through the control session.
package aoa

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"accessoryd/internal/event"
)

// ProtocolVersion is the accessory protocol revision this device answers
// with.
const ProtocolVersion = 2

// Vendor control requests of the accessory handshake.
const (
	RequestGetProtocol = 51
	RequestSendString  = 52
	RequestStart       = 53
)

// Setup is one parsed control request. Data carries the OUT data stage, if
// any.
type Setup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Data        []byte
}

// directionIn reports whether the request expects a device-to-host data
// stage.
func (s Setup) directionIn() bool { return s.RequestType&0x80 != 0 }

// Parser turns accessory control requests into event records.
type Parser struct {
	queue  *event.Queue
	logger *slog.Logger
}

// NewParser returns a parser pushing into q. A nil logger falls back to
// slog.Default.
func NewParser(q *event.Queue, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{queue: q, logger: logger}
}

// HandleSetup processes one control request. For IN requests the returned
// bytes are the data stage to send back to the host; OUT requests return
// nil. Unrecognized requests return an error so the caller can stall the
// endpoint.
func (p *Parser) HandleSetup(s Setup) ([]byte, error) {
	switch s.Request {
	case RequestGetProtocol:
		if !s.directionIn() {
			return nil, fmt.Errorf("aoa: get-protocol without IN direction")
		}
		resp := make([]byte, 2)
		binary.LittleEndian.PutUint16(resp, ProtocolVersion)
		return resp, nil

	case RequestSendString:
		kind := event.StringKind(s.Index)
		if kind > event.StringSerial {
			return nil, fmt.Errorf("aoa: unknown string index %d", s.Index)
		}
		payload := trimNUL(s.Data)
		p.queue.Push(event.NewString(kind, payload))
		p.logger.Debug("accessory string received",
			"kind", kind.String(), "len", len(payload))
		return nil, nil

	case RequestStart:
		p.queue.Push(event.Record{Type: event.StartRequested})
		p.logger.Info("accessory start requested")
		return nil, nil

	default:
		return nil, fmt.Errorf("aoa: unsupported request %d", s.Request)
	}
}

// trimNUL drops a trailing NUL terminator from a host-sent string buffer.
func trimNUL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == 0 {
		return b[:n-1]
	}
	return b
}
