// Package event implements the gadget's notification log: an append-only
// sequence of status and handshake records with a single consumer cursor.
//
// Producers run in contexts where blocking is unacceptable (connection state
// callbacks, control-request parsing), so the producer side never blocks and
// never fails fatally. The consumer side is a blocking, cancellable read with
// a fixed-size record wire format.
package event

import (
	"encoding/binary"
	"fmt"
)

// Type identifies the kind of a record.
type Type uint32

const (
	// Connected reports that the host configured the ACM personality.
	Connected Type = iota
	// Disconnected reports that the host released the ACM personality.
	Disconnected
	// StringReceived carries one accessory identity string sent by the host.
	StringReceived
	// StartRequested reports that the host asked to enter accessory mode.
	StartRequested
)

func (t Type) String() string {
	switch t {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case StringReceived:
		return "string-received"
	case StartRequested:
		return "start-requested"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// StringKind identifies which accessory identity string a StringReceived
// record carries. The values are the string indexes of the accessory
// handshake protocol.
type StringKind uint32

const (
	StringManufacturer StringKind = 0
	StringModel        StringKind = 1
	StringDescription  StringKind = 2
	StringVersion      StringKind = 3
	StringURI          StringKind = 4
	StringSerial       StringKind = 5
)

func (k StringKind) String() string {
	switch k {
	case StringManufacturer:
		return "manufacturer"
	case StringModel:
		return "model"
	case StringDescription:
		return "description"
	case StringVersion:
		return "version"
	case StringURI:
		return "uri"
	case StringSerial:
		return "serial"
	default:
		return fmt.Sprintf("string(%d)", uint32(k))
	}
}

// MaxStringSize bounds the payload of a StringReceived record, including the
// NUL terminator. Longer input is truncated, never rejected.
const MaxStringSize = 256

// RecordSize is the exact buffer length a consumer must supply to Encode.
// Reads with any other length are invalid. The written length varies with the
// presence and length of the string payload.
const RecordSize = 4 + 4 + MaxStringSize

// Record is one entry of the notification log. Payload is non-nil only for
// StringReceived records and is already bounded to MaxStringSize-1 bytes.
type Record struct {
	Type    Type
	Kind    StringKind
	Payload []byte
}

// NewString builds a StringReceived record, truncating the payload to the
// protocol bound.
func NewString(kind StringKind, payload []byte) Record {
	if len(payload) > MaxStringSize-1 {
		payload = payload[:MaxStringSize-1]
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	return Record{Type: StringReceived, Kind: kind, Payload: p}
}

// hasString reports whether the record carries a string payload on the wire.
func (r Record) hasString() bool {
	return r.Type == StringReceived
}

// Encode serializes the record into buf, which must be exactly RecordSize
// bytes long. It returns the number of bytes written: 4 for plain records,
// 8 plus the NUL-terminated payload for string records.
func (r Record) Encode(buf []byte) (int, error) {
	if len(buf) != RecordSize {
		return 0, fmt.Errorf("event: encode buffer is %d bytes, want %d", len(buf), RecordSize)
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Type))
	if !r.hasString() {
		return 4, nil
	}

	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Kind))
	n := copy(buf[8:8+MaxStringSize-1], r.Payload)
	buf[8+n] = 0
	return 8 + n + 1, nil
}

// Decode parses a serialized record of n bytes, the inverse of Encode.
// Used by control clients to display delivered records.
func Decode(buf []byte) (Record, error) {
	if len(buf) < 4 {
		return Record{}, fmt.Errorf("event: short record: %d bytes", len(buf))
	}

	r := Record{Type: Type(binary.LittleEndian.Uint32(buf[0:4]))}
	if len(buf) == 4 {
		return r, nil
	}

	if len(buf) < 9 {
		return Record{}, fmt.Errorf("event: short string record: %d bytes", len(buf))
	}
	r.Kind = StringKind(binary.LittleEndian.Uint32(buf[4:8]))

	// Payload is NUL-terminated; the terminator is not part of the value.
	payload := buf[8 : len(buf)-1]
	r.Payload = make([]byte, len(payload))
	copy(r.Payload, payload)
	return r, nil
}

// String renders the record for logs and the control CLI.
func (r Record) String() string {
	if r.hasString() {
		return fmt.Sprintf("%s %s=%q", r.Type, r.Kind, string(r.Payload))
	}
	return r.Type.String()
}
