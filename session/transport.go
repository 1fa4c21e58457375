package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"oko-live/codec"
)

// Conn is one established transport connection. ReadMessage is only called
// from the session's receive loop; Close may be called from any goroutine
// and must unblock a pending ReadMessage.
type Conn interface {
	ReadMessage() (codec.MessageType, []byte, error)
	Close() error
}

// StatsReporter is implemented by connections that can describe themselves
// for the status surfaces.
type StatsReporter interface {
	TransportStats() map[string]interface{}
}

// Dialer establishes connections. Dial must honour ctx cancellation and deadline.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialFunc adapts a function to Dialer
type DialFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx)
func (f DialFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// TransportError is a connection-level failure. It triggers a reconnect and is
// never surfaced to subscribers.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// WebSocketConfig configures the WebSocket transport
type WebSocketConfig struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	// ReadLimit caps a single message in bytes (0 = unlimited)
	ReadLimit int64
	// PingInterval enables client keepalive pings; a peer that misses two
	// intervals is treated as gone (0 disables)
	PingInterval time.Duration
}

// WebSocketDialer dials the frame endpoint over WebSocket
type WebSocketDialer struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewWebSocketDialer creates a WebSocket dialer
func NewWebSocketDialer(cfg WebSocketConfig, logger *zap.Logger) *WebSocketDialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	return &WebSocketDialer{
		config: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
	}
}

// Dial opens a WebSocket connection to the configured URL
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.config.URL, d.config.Header)
	if err != nil {
		if resp != nil {
			return nil, &TransportError{Op: "dial", Err: fmt.Errorf("%w (status %d)", err, resp.StatusCode)}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}

	if d.config.ReadLimit > 0 {
		conn.SetReadLimit(d.config.ReadLimit)
	}

	c := &wsConn{
		url:      d.config.URL,
		conn:     conn,
		interval: d.config.PingInterval,
		logger:   d.logger,
		done:     make(chan struct{}),
	}

	if c.interval > 0 {
		c.extendDeadline()
		conn.SetPongHandler(func(string) error {
			c.extendDeadline()
			return nil
		})
		go c.pingLoop()
	}

	d.logger.Debug("WebSocket connected", zap.String("url", d.config.URL))
	return c, nil
}

type wsConn struct {
	url      string
	conn     *websocket.Conn
	interval time.Duration
	logger   *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) extendDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.interval))
}

func (c *wsConn) ReadMessage() (codec.MessageType, []byte, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return 0, nil, &TransportError{Op: "read", Err: err}
	}
	if c.interval > 0 {
		c.extendDeadline()
	}

	switch msgType {
	case websocket.TextMessage:
		return codec.TextMessage, data, nil
	case websocket.BinaryMessage:
		return codec.BinaryMessage, data, nil
	default:
		return 0, data, nil
	}
}

func (c *wsConn) TransportStats() map[string]interface{} {
	return map[string]interface{}{
		"kind":          "websocket",
		"url":           c.url,
		"remote_addr":   c.conn.RemoteAddr().String(),
		"ping_interval": c.interval.String(),
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.interval)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
