package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes IPC messages.
type Handler interface {
	// HandleMessage processes a message and returns a response. ctx is
	// cancelled when the client disconnects, which unblocks a pending
	// event read.
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)

	// ClientGone tells the handler that a client's connection dropped,
	// so a session it held can be released.
	ClientGone(clientID string)
}

// Server is the IPC server that manages client connections.
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	socketPath  string
	handler     Handler
	clients     map[string]*Client
	subscribers map[string]bool
	version     string
	startedAt   time.Time
	logger      *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
	nextClientID  atomic.Uint64

	writeTimeout time.Duration
	noticeChan   chan *Notice
}

// Client represents a connected client.
type Client struct {
	mu          sync.Mutex
	ID          string
	conn        net.Conn
	Version     string
	Name        string
	ConnectedAt time.Time

	// Write serialization: responses and pushed notices share the
	// connection.
	writeMu sync.Mutex
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath   string
	Version      string
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig(stateDir string) ServerConfig {
	return ServerConfig{
		SocketPath:   filepath.Join(stateDir, "accessoryd.sock"),
		Version:      "1.0.0",
		WriteTimeout: 10 * time.Second,
	}
}

// NewServer creates a new IPC server.
func NewServer(cfg ServerConfig, handler Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:   cfg.SocketPath,
		handler:      handler,
		version:      cfg.Version,
		clients:      make(map[string]*Client),
		subscribers:  make(map[string]bool),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: writeTimeout,
		noticeChan:   make(chan *Notice, 64),
	}, nil
}

// Start begins listening for connections.
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(socketDir, 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove stale socket file.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// The control channel is a privileged surface: owner only.
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.noticeBroadcaster()
	go s.acceptLoop()

	s.logger.Info("control channel listening", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timed out waiting for connection handlers")
	}

	os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Notify pushes a notification to all subscribed observers. Never blocks;
// the notice is dropped when the broadcast channel is full.
func (s *Server) Notify(n *Notice) {
	if !s.running.Load() {
		return
	}
	select {
	case s.noticeChan <- n:
	default:
	}
}

// acceptLoop accepts new connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed", "error", err)
				continue
			}
		}

		client := &Client{
			ID:          fmt.Sprintf("client-%d", s.nextClientID.Add(1)),
			conn:        conn,
			ConnectedAt: time.Now(),
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// handleConnection handles a single client connection. Messages on one
// connection are processed sequentially, so a blocking event read blocks
// that client only. Reading and processing run on separate goroutines: the
// reader notices a disconnect and cancels ctx, which unblocks a pending
// event read inside the handler.
func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.ctx)
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		client.conn.Close()
		s.handler.ClientGone(client.ID)
	}()

	msgs := make(chan *Message)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgs {
			response, err := s.processMessage(ctx, client, msg)
			if err != nil {
				response = NewErrorMessage(msg.Header.RequestID, ErrCodeInternal, err.Error())
			}
			if response != nil {
				if err := s.sendMessage(client, response); err != nil {
					return
				}
			}
		}
	}()

	for {
		msg, err := ReadMessage(client.conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("client read failed",
					"client", client.ID, "error", err)
			}
			break
		}
		select {
		case msgs <- msg:
		case <-done:
			close(msgs)
			return
		}
	}

	// Disconnect: cancel any in-flight blocking read, then let the
	// processor drain.
	cancel()
	close(msgs)
	<-done
}

// processMessage handles protocol messages internally and hands the rest to
// the daemon handler.
func (s *Server) processMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgSubscribe:
		s.mu.Lock()
		s.subscribers[client.ID] = true
		s.mu.Unlock()
		return NewMessage(MsgSubscribeResp, msg.Header.RequestID, nil), nil

	case MsgUnsubscribe:
		s.mu.Lock()
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil

	default:
		if s.handler == nil {
			return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "no handler"), nil
		}
		return s.handler.HandleMessage(ctx, client, msg)
	}
}

// handleHandshake processes a handshake request.
func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "invalid handshake"), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()

	resp := &HandshakeResponse{
		ServerVersion:   s.version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
	}
	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, resp)
}

// noticeBroadcaster pushes notices to subscribed clients. It exits on
// server shutdown via the context; the channel is never closed, so a
// concurrent Notify racing Stop cannot send on a closed channel.
func (s *Server) noticeBroadcaster() {
	defer s.wg.Done()

	for {
		var notice *Notice
		select {
		case <-s.ctx.Done():
			return
		case notice = <-s.noticeChan:
		}

		payload, err := Encode(notice)
		if err != nil {
			continue
		}

		s.mu.RLock()
		targets := make([]*Client, 0, len(s.subscribers))
		for clientID := range s.subscribers {
			if client, ok := s.clients[clientID]; ok {
				targets = append(targets, client)
			}
		}
		s.mu.RUnlock()

		msg := NewMessage(MsgNotice, s.nextRequestID.Add(1), payload)
		for _, client := range targets {
			if err := s.sendMessage(client, msg); err != nil {
				s.logger.Debug("notice push failed",
					"client", client.ID, "error", err)
			}
		}
	}
}

// sendMessage sends a message to a client.
func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return msg.Write(client.conn)
}
