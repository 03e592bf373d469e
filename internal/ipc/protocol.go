// Package ipc provides the control channel between the accessoryd daemon
// and its privileged local consumer (accessoryctl, test harnesses).
//
// The protocol is a request/response exchange over a unix socket with a
// fixed binary header and JSON payloads, plus server-pushed notifications
// for observers that subscribed to mode changes.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Protocol version for compatibility checking.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x41474443 // "AGDC" - Accessory Gadget Daemon Control
)

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Session lifecycle (0x02xx)
	MsgOpenSession      MessageType = 0x0200
	MsgOpenSessionResp  MessageType = 0x0201
	MsgCloseSession     MessageType = 0x0202
	MsgCloseSessionResp MessageType = 0x0203
	MsgPoll             MessageType = 0x0204
	MsgPollResp         MessageType = 0x0205

	// Event delivery (0x03xx)
	MsgReadEvent     MessageType = 0x0300
	MsgReadEventResp MessageType = 0x0301

	// Mode control (0x04xx)
	MsgSwitchMode     MessageType = 0x0400
	MsgSwitchModeResp MessageType = 0x0401
	MsgReset          MessageType = 0x0402
	MsgResetResp      MessageType = 0x0403

	// Mode-change notifications (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgNotice          MessageType = 0x0504
)

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32 // payload length, not including the header
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 1 << 20

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message to a writer.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Error codes, mirroring the daemon's error taxonomy.
const (
	ErrCodeUnknown        = 1
	ErrCodeInvalidRequest = 2
	ErrCodeAlreadyOpen    = 3
	ErrCodeNoSession      = 4
	ErrCodeUnsupported    = 5
	ErrCodeCancelled      = 6
	ErrCodeTransport      = 7
	ErrCodeInternal       = 8
)

// Request/response payloads.

// HandshakeRequest is sent by the client to initiate a connection.
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge a connection.
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ClientID        string `json:"client_id"`
}

// ErrorResponse is sent when an operation fails.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StatusResponse contains daemon status.
type StatusResponse struct {
	Version     string        `json:"version"`
	StartedAt   time.Time     `json:"started_at"`
	Uptime      time.Duration `json:"uptime"`
	Mode        string        `json:"mode"`
	SessionOpen bool          `json:"session_open"`
	Pending     bool          `json:"pending"`
	Buffered    int           `json:"buffered"`
	Dropped     uint64        `json:"dropped"`
	UDC         string        `json:"udc,omitempty"`
}

// OpenSessionResponse acknowledges session acquisition.
type OpenSessionResponse struct {
	Success bool   `json:"success"`
	Mode    string `json:"mode,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PollResponse reports read readiness.
type PollResponse struct {
	Readable bool `json:"readable"`
}

// ReadEventResponse carries one serialized event record. Record holds
// exactly the bytes the record wire format produced.
type ReadEventResponse struct {
	Length int    `json:"length"`
	Record []byte `json:"record"`
}

// SwitchModeRequest asks for a personality transition.
type SwitchModeRequest struct {
	Mode string `json:"mode"` // "acm" or "accessory"
}

// ModeResponse reports the outcome of a mode operation.
type ModeResponse struct {
	Success bool   `json:"success"`
	Mode    string `json:"mode"` // mode after the operation
	Error   string `json:"error,omitempty"`
}

// Notice is a server-pushed notification for subscribed observers.
type Notice struct {
	Kind      string    `json:"kind"` // "mode-changed"
	Mode      string    `json:"mode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode encodes a payload to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
