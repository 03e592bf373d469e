package ipc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Common client errors.
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient is the client for communicating with the accessoryd daemon.
// Requests are synchronous; a background reader correlates responses by
// request ID so a blocking event read does not starve notices.
type IPCClient struct {
	mu         sync.Mutex
	conn       net.Conn
	socketPath string
	clientID   string

	connected atomic.Bool
	nextReqID atomic.Uint32

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex

	noticeHandler func(*Notice)
	noticeMu      sync.RWMutex

	config ClientConfig
	wg     sync.WaitGroup
}

// ClientConfig configures the IPC client.
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults. Zero RequestTimeout means
// requests wait indefinitely, which a blocking event read needs.
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "accessoryctl",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
	}
}

// NewClient creates a new IPC client.
func NewClient(cfg ClientConfig) *IPCClient {
	return &IPCClient{
		socketPath: cfg.SocketPath,
		pending:    make(map[uint32]chan *Message),
		config:     cfg,
	}
}

// OnNotice registers a handler for server-pushed notices.
func (c *IPCClient) OnNotice(fn func(*Notice)) {
	c.noticeMu.Lock()
	c.noticeHandler = fn
	c.noticeMu.Unlock()
}

// Connect establishes the connection and performs the handshake.
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	conn, err := net.DialTimeout("unix", c.socketPath, c.config.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	c.conn = conn
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop()

	ack, err := c.request(MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	})
	if err != nil {
		c.closeLocked()
		return fmt.Errorf("handshake: %w", err)
	}

	var resp HandshakeResponse
	if err := Decode(ack.Payload, &resp); err != nil {
		c.closeLocked()
		return fmt.Errorf("handshake response: %w", err)
	}
	c.clientID = resp.ClientID
	return nil
}

// Close tears the connection down.
func (c *IPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *IPCClient) closeLocked() error {
	if !c.connected.CompareAndSwap(true, false) {
		return nil
	}
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// readLoop dispatches incoming messages to waiting requests and notices to
// the notice handler.
func (c *IPCClient) readLoop() {
	defer c.wg.Done()
	defer func() {
		// Fail all waiters on connection loss.
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		c.connected.Store(false)
	}()

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			return
		}

		if msg.Header.Type == MsgNotice {
			var n Notice
			if err := Decode(msg.Payload, &n); err == nil {
				c.noticeMu.RLock()
				handler := c.noticeHandler
				c.noticeMu.RUnlock()
				if handler != nil {
					handler(&n)
				}
			}
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.Header.RequestID]
		if ok {
			delete(c.pending, msg.Header.RequestID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// request sends a message and waits for its response. An MsgError response
// is converted to an error.
func (c *IPCClient) request(msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return nil, err
		}
	}

	id := c.nextReqID.Add(1)
	msg := NewMessage(msgType, id, data)

	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := msg.Write(c.conn); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	var timeout <-chan time.Time
	if c.config.RequestTimeout > 0 {
		t := time.NewTimer(c.config.RequestTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.Header.Type == MsgError {
			var e ErrorResponse
			if err := Decode(resp.Payload, &e); err != nil {
				return nil, errors.New("malformed error response")
			}
			return nil, &DaemonError{Code: e.Code, Message: e.Message}
		}
		return resp, nil
	case <-timeout:
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ErrTimeout
	}
}

// DaemonError is an error returned by the daemon over the control channel.
type DaemonError struct {
	Code    int
	Message string
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// Status fetches daemon status.
func (c *IPCClient) Status() (*StatusResponse, error) {
	msg, err := c.request(MsgStatusRequest, nil)
	if err != nil {
		return nil, err
	}
	var resp StatusResponse
	if err := Decode(msg.Payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenSession acquires the control session; the device enters the serial
// personality.
func (c *IPCClient) OpenSession() (*OpenSessionResponse, error) {
	msg, err := c.request(MsgOpenSession, nil)
	if err != nil {
		return nil, err
	}
	var resp OpenSessionResponse
	if err := Decode(msg.Payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CloseSession releases the control session.
func (c *IPCClient) CloseSession() error {
	_, err := c.request(MsgCloseSession, nil)
	return err
}

// Poll reports read readiness.
func (c *IPCClient) Poll() (bool, error) {
	msg, err := c.request(MsgPoll, nil)
	if err != nil {
		return false, err
	}
	var resp PollResponse
	if err := Decode(msg.Payload, &resp); err != nil {
		return false, err
	}
	return resp.Readable, nil
}

// ReadEvent blocks until the daemon delivers one event record.
func (c *IPCClient) ReadEvent() (*ReadEventResponse, error) {
	msg, err := c.request(MsgReadEvent, nil)
	if err != nil {
		return nil, err
	}
	var resp ReadEventResponse
	if err := Decode(msg.Payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SwitchMode requests a personality transition.
func (c *IPCClient) SwitchMode(mode string) (*ModeResponse, error) {
	msg, err := c.request(MsgSwitchMode, &SwitchModeRequest{Mode: mode})
	if err != nil {
		return nil, err
	}
	var resp ModeResponse
	if err := Decode(msg.Payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reset re-registers the current personality.
func (c *IPCClient) Reset() (*ModeResponse, error) {
	msg, err := c.request(MsgReset, nil)
	if err != nil {
		return nil, err
	}
	var resp ModeResponse
	if err := Decode(msg.Payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe asks for mode-change notices on this connection.
func (c *IPCClient) Subscribe() error {
	_, err := c.request(MsgSubscribe, nil)
	return err
}
