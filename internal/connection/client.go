package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campusanon/chatsync/internal/broker"
)

// Client represents a single STOMP-over-WebSocket session with the broker.
type Client interface {
	// Connect dials the broker and completes the CONNECT/CONNECTED exchange.
	Connect(ctx context.Context, credential string) error

	// Close gracefully closes the session.
	Close() error

	// Send writes one frame to the connection.
	Send(f Frame) error

	// Frames returns a channel of inbound frames (heartbeats excluded).
	Frames() <-chan Frame

	// Errors returns a channel of connection errors. At most one is delivered.
	Errors() <-chan error

	// Done is closed once Close has been called.
	Done() <-chan struct{}

	// IsConnected returns current connection state.
	IsConnected() bool
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	frames chan Frame
	errors chan error
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu          sync.RWMutex
	connected   bool
	closed      bool
	lastRecvAt  time.Time
	lastSentAt  time.Time
	sendEvery   time.Duration
	expectEvery time.Duration
}

// NewClient creates a new broker client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultClientConfig().BufferSize
	}

	return &client{
		cfg:    cfg,
		logger: logger,
		frames: make(chan Frame, cfg.BufferSize),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and performs the STOMP handshake.
// An ERROR reply to CONNECT is reported as broker.ErrAuthFailure.
func (c *client) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	handshakeTimeout := c.cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultClientConfig().HandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	// Build headers
	header := http.Header{}
	if credential != "" {
		header.Set(HeaderAuthorization, "Bearer "+credential)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     stompSubprotocols,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	connected, err := c.handshake(ctx, conn, credential)
	if err != nil {
		conn.Close()
		return err
	}

	// Negotiate heartbeats (STOMP 1.2 section "Heart-beating").
	sx, sy := parseHeartbeat(connected.Get(HeaderHeartBeat))
	cx, cy := c.cfg.HeartbeatOutgoing.Milliseconds(), c.cfg.HeartbeatIncoming.Milliseconds()

	now := time.Now()
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastRecvAt = now
	c.lastSentAt = now
	if cx > 0 && sy > 0 {
		c.sendEvery = time.Duration(max(cx, sy)) * time.Millisecond
	}
	if cy > 0 && sx > 0 {
		c.expectEvery = time.Duration(max(cy, sx)) * time.Millisecond
	}
	c.mu.Unlock()

	// WebSocket-level pings also count as liveness.
	conn.SetPingHandler(func(data string) error {
		c.touchRecv()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})
	conn.SetPongHandler(func(string) error {
		c.touchRecv()
		return nil
	})

	// Start goroutines
	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Debug("broker connected",
		"url", c.cfg.URL,
		"version", connected.Get(HeaderVersion),
		"send_heartbeat", c.sendEvery,
		"expect_heartbeat", c.expectEvery,
	)

	return nil
}

// handshake sends CONNECT and waits for CONNECTED or ERROR.
func (c *client) handshake(ctx context.Context, conn *websocket.Conn, credential string) (Frame, error) {
	host := c.cfg.Host
	if host == "" {
		if u, err := url.Parse(c.cfg.URL); err == nil {
			host = u.Hostname()
		}
	}

	connect := NewFrame(CmdConnect,
		HeaderAcceptVersion, "1.2,1.1",
		HeaderHost, host,
		HeaderHeartBeat, heartbeatHeader(
			c.cfg.HeartbeatOutgoing.Milliseconds(),
			c.cfg.HeartbeatIncoming.Milliseconds(),
		),
	)
	if credential != "" {
		connect.Header[HeaderAuthorization] = "Bearer " + credential
	}

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, connect.Marshal()); err != nil {
		return Frame{}, fmt.Errorf("write CONNECT: %w", err)
	}

	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return Frame{}, fmt.Errorf("read CONNECTED: %w", err)
		}
		if isHeartbeat(data) {
			continue
		}

		f, err := ParseFrame(data)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", broker.ErrProtocol, err)
		}

		switch f.Command {
		case CmdConnected:
			return f, nil
		case CmdError:
			return Frame{}, fmt.Errorf("%w: %s", broker.ErrAuthFailure, errorMessage(f))
		default:
			return Frame{}, fmt.Errorf("%w: unexpected %s before CONNECTED", broker.ErrProtocol, f.Command)
		}
	}
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.connected
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	// Signal goroutines to stop
	close(c.done)

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	if wasConnected {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.TextMessage, NewFrame(CmdDisconnect).Marshal())
	}
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return conn.Close()
}

// Send writes one frame to the connection.
func (c *client) Send(f Frame) error {
	return c.write(f.Marshal())
}

func (c *client) write(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastSentAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Frames returns the inbound frame channel.
func (c *client) Frames() <-chan Frame {
	return c.frames
}

// Errors returns the errors channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// Done returns a channel closed by Close.
func (c *client) Done() <-chan struct{} {
	return c.done
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *client) touchRecv() {
	c.mu.Lock()
	c.lastRecvAt = time.Now()
	c.mu.Unlock()
}

func (c *client) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.errors <- err:
	default:
	}
}

// readLoop reads frames from the WebSocket and forwards them.
func (c *client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		c.touchRecv()

		if isHeartbeat(data) {
			continue
		}

		f, err := ParseFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
			continue
		}

		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

// heartbeatLoop sends client heartbeats and detects a silent broker.
func (c *client) heartbeatLoop() {
	c.mu.RLock()
	sendEvery, expectEvery := c.sendEvery, c.expectEvery
	c.mu.RUnlock()

	tick := sendEvery
	if tick == 0 || (expectEvery > 0 && expectEvery < tick) {
		tick = expectEvery
	}
	if tick == 0 {
		return
	}
	// Check at least twice per interval so a deadline is never missed by a whole period.
	ticker := time.NewTicker(tick / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			lastSent, lastRecv := c.lastSentAt, c.lastRecvAt
			c.mu.RUnlock()

			if sendEvery > 0 && time.Since(lastSent) >= sendEvery/2 {
				if err := c.write([]byte("\n")); err != nil {
					c.logger.Debug("failed to send heartbeat", "error", err)
				}
			}

			// Tolerate one missed beat before declaring the broker silent.
			if expectEvery > 0 && time.Since(lastRecv) > 2*expectEvery {
				c.logger.Warn("no heartbeat received, connection stale",
					"last_recv", lastRecv,
					"expected_every", expectEvery,
				)
				c.fail(ErrStaleConnection)
				return
			}
		}
	}
}

func errorMessage(f Frame) string {
	if msg := f.Get(HeaderMessage); msg != "" {
		return msg
	}
	if len(f.Body) > 0 {
		return string(f.Body)
	}
	return "broker error"
}
