package ipc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"accessoryd/internal/control"
	"accessoryd/internal/event"
	"accessoryd/internal/gadget"
)

// Notifier receives successful mode changes, e.g. for D-Bus signals.
type Notifier interface {
	ModeChanged(mode gadget.Mode)
}

// Journal records transitions and delivered events for auditing. Both
// methods must be non-blocking.
type Journal interface {
	RecordTransition(from, to gadget.Mode, opErr error)
	RecordEvent(rec event.Record)
}

// DaemonHandler implements the Handler interface over the control session
// and the mode controller.
type DaemonHandler struct {
	mu      sync.Mutex
	owner   string // client ID holding the session, "" when closed
	session *control.Session
	ctrl    *gadget.Controller
	queue   *event.Queue

	version   string
	udc       string
	startedAt time.Time

	notifier    Notifier
	journal     Journal
	broadcaster func(*Notice)

	logger *slog.Logger
}

// DaemonHandlerConfig configures the daemon handler.
type DaemonHandlerConfig struct {
	Session  *control.Session
	Ctrl     *gadget.Controller
	Queue    *event.Queue
	Version  string
	UDC      string
	Notifier Notifier
	Journal  Journal
	Logger   *slog.Logger
}

// NewDaemonHandler creates a new daemon handler.
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DaemonHandler{
		session:   cfg.Session,
		ctrl:      cfg.Ctrl,
		queue:     cfg.Queue,
		version:   cfg.Version,
		udc:       cfg.UDC,
		startedAt: time.Now(),
		notifier:  cfg.Notifier,
		journal:   cfg.Journal,
		logger:    logger,
	}
}

// SetBroadcaster sets the function used to push notices to observers.
func (h *DaemonHandler) SetBroadcaster(broadcaster func(*Notice)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = broadcaster
}

// HandleMessage processes an IPC message.
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)
	case MsgOpenSession:
		return h.handleOpenSession(ctx, client, msg)
	case MsgCloseSession:
		return h.handleCloseSession(ctx, client, msg)
	case MsgPoll:
		return h.handlePoll(client, msg)
	case MsgReadEvent:
		return h.handleReadEvent(ctx, client, msg)
	case MsgSwitchMode:
		return h.handleSwitchMode(ctx, client, msg)
	case MsgReset:
		return h.handleReset(ctx, client, msg)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "unknown message type"), nil
	}
}

// ClientGone releases the session when its owner's connection drops. The
// consumer going away without closing is equivalent to a close: the device
// must not stay in a personality nobody is driving.
func (h *DaemonHandler) ClientGone(clientID string) {
	h.mu.Lock()
	owned := h.owner == clientID
	if owned {
		h.owner = ""
	}
	h.mu.Unlock()

	if owned {
		h.logger.Info("session owner disconnected, closing session", "client", clientID)
		from := h.ctrl.Current()
		h.session.Close(context.Background())
		h.afterTransition(from, nil)
	}
}

func (h *DaemonHandler) handleStatus(msg *Message) (*Message, error) {
	resp := &StatusResponse{
		Version:     h.version,
		StartedAt:   h.startedAt,
		Uptime:      time.Since(h.startedAt),
		Mode:        h.ctrl.Current().String(),
		SessionOpen: h.session.IsOpen(),
		Pending:     h.queue.Pending(),
		Buffered:    h.queue.Buffered(),
		Dropped:     h.queue.Dropped(),
		UDC:         h.udc,
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleOpenSession(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	from := h.ctrl.Current()
	err := h.session.Open(ctx)
	if err != nil {
		code := ErrCodeTransport
		if errors.Is(err, control.ErrAlreadyOpen) {
			code = ErrCodeAlreadyOpen
		}
		return NewErrorMessage(msg.Header.RequestID, code, err.Error()), nil
	}

	h.mu.Lock()
	h.owner = client.ID
	h.mu.Unlock()
	h.afterTransition(from, nil)

	resp := &OpenSessionResponse{Success: true, Mode: h.ctrl.Current().String()}
	return NewResponse(MsgOpenSessionResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleCloseSession(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if m := h.requireOwner(client, msg); m != nil {
		return m, nil
	}

	from := h.ctrl.Current()
	h.session.Close(ctx)
	h.mu.Lock()
	h.owner = ""
	h.mu.Unlock()
	h.afterTransition(from, nil)

	return NewMessage(MsgCloseSessionResp, msg.Header.RequestID, nil), nil
}

func (h *DaemonHandler) handlePoll(client *Client, msg *Message) (*Message, error) {
	if m := h.requireOwner(client, msg); m != nil {
		return m, nil
	}
	resp := &PollResponse{Readable: h.session.Poll()}
	return NewResponse(MsgPollResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleReadEvent(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if m := h.requireOwner(client, msg); m != nil {
		return m, nil
	}

	buf := make([]byte, event.RecordSize)
	n, err := h.session.Read(ctx, buf)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return NewErrorMessage(msg.Header.RequestID, ErrCodeCancelled, err.Error()), nil
		case errors.Is(err, event.ErrClosed):
			return NewErrorMessage(msg.Header.RequestID, ErrCodeCancelled, err.Error()), nil
		default:
			return NewErrorMessage(msg.Header.RequestID, ErrCodeInternal, err.Error()), nil
		}
	}

	if h.journal != nil {
		if rec, derr := event.Decode(buf[:n]); derr == nil {
			h.journal.RecordEvent(rec)
		}
	}

	resp := &ReadEventResponse{Length: n, Record: buf[:n]}
	return NewResponse(MsgReadEventResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleSwitchMode(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if m := h.requireOwner(client, msg); m != nil {
		return m, nil
	}

	var req SwitchModeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "invalid switch request"), nil
	}

	var code control.Code
	switch req.Mode {
	case "acm", "serial":
		code = control.CodeSwitchToACM
	case "accessory", "aoa":
		code = control.CodeSwitchToAccessory
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrCodeUnsupported,
			"unknown mode: "+req.Mode), nil
	}

	from := h.ctrl.Current()
	err := h.session.Control(ctx, code)
	h.afterTransition(from, err)
	if err != nil {
		resp := &ModeResponse{Success: false, Mode: h.ctrl.Current().String(), Error: err.Error()}
		m, rerr := NewResponse(MsgSwitchModeResp, msg.Header.RequestID, resp)
		return m, rerr
	}

	resp := &ModeResponse{Success: true, Mode: h.ctrl.Current().String()}
	return NewResponse(MsgSwitchModeResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleReset(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if m := h.requireOwner(client, msg); m != nil {
		return m, nil
	}

	from := h.ctrl.Current()
	err := h.session.Control(ctx, control.CodeReset)
	h.afterTransition(from, err)

	resp := &ModeResponse{Success: err == nil, Mode: h.ctrl.Current().String()}
	if err != nil {
		resp.Error = err.Error()
	}
	return NewResponse(MsgResetResp, msg.Header.RequestID, resp)
}

// requireOwner rejects session-scoped requests from clients that do not
// hold the session. Returns nil when the request may proceed.
func (h *DaemonHandler) requireOwner(client *Client, msg *Message) *Message {
	h.mu.Lock()
	owner := h.owner
	h.mu.Unlock()

	if owner != client.ID {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeNoSession,
			"session not held by this client")
	}
	return nil
}

// afterTransition journals and broadcasts the outcome of a mode operation.
func (h *DaemonHandler) afterTransition(from gadget.Mode, opErr error) {
	to := h.ctrl.Current()

	if h.journal != nil {
		h.journal.RecordTransition(from, to, opErr)
	}
	if opErr != nil || from == to {
		return
	}
	if h.notifier != nil {
		h.notifier.ModeChanged(to)
	}

	h.mu.Lock()
	broadcaster := h.broadcaster
	h.mu.Unlock()
	if broadcaster != nil {
		broadcaster(&Notice{
			Kind:      "mode-changed",
			Mode:      to.String(),
			Timestamp: time.Now(),
		})
	}
}
