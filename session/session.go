// Package session owns the shared frame connection: it dials, reconnects with
// backoff, hands every inbound message to the feed router and tears the feed
// down on Stop. Display surfaces subscribe through the session without caring
// whether it is currently connected.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"oko-live/codec"
	"oko-live/feed"
)

// ErrAlreadyStarted is returned by a second Start
var ErrAlreadyStarted = errors.New("session already started")

// Config configures a Session
type Config struct {
	Backoff BackoffConfig
	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout time.Duration
	// StopTimeout bounds how long Stop waits for goroutines to drain
	StopTimeout time.Duration
	Metrics     *Metrics
}

// Stats is a point-in-time view of the session
type Stats struct {
	State            string           `json:"state"`
	Connects         uint64           `json:"connects"`
	Reconnects       uint64           `json:"reconnects"`
	DialFailures     uint64           `json:"dial_failures"`
	MessagesReceived uint64           `json:"messages_received"`
	BytesReceived    uint64           `json:"bytes_received"`
	LastError        string           `json:"last_error,omitempty"`
	ConnectedSince   *time.Time       `json:"connected_since,omitempty"`
	NextRetryIn      string           `json:"next_retry_in,omitempty"`
	Router           feed.RouterStats `json:"router"`
	Feed             feed.TableStats  `json:"feed"`
	// Transport describes the live connection, when it can report on itself
	Transport map[string]interface{} `json:"transport,omitempty"`
}

// Session owns one shared connection feeding one router.
type Session struct {
	config  Config
	dialer  Dialer
	router  *feed.Router
	table   *feed.Table
	logger  *zap.Logger
	metrics *Metrics
	backoff *Backoff

	mu             sync.Mutex
	state          State
	started        bool
	conn           Conn
	cancel         context.CancelFunc
	listeners      []func(State)
	lastError      string
	connectedSince time.Time
	retryAt        time.Time

	wg sync.WaitGroup

	connects     atomic.Uint64
	reconnects   atomic.Uint64
	dialFailures atomic.Uint64
	messages     atomic.Uint64
	bytes        atomic.Uint64
}

// New creates a disconnected session
func New(cfg Config, dialer Dialer, router *feed.Router, table *feed.Table, logger *zap.Logger) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	s := &Session{
		config:  cfg,
		dialer:  dialer,
		router:  router,
		table:   table,
		logger:  logger,
		metrics: cfg.Metrics,
		backoff: NewBackoff(cfg.Backoff),
		state:   Disconnected,
	}
	s.metrics.setState(Disconnected)
	return s
}

// Start begins connecting in the background. It returns immediately.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return feed.ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.router.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Router stopped", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.connectLoop(runCtx)
	}()

	s.logger.Info("Session started")
	return nil
}

// Stop closes the session for good: the connection is closed, no further
// reconnects happen, every slot is released and every subscriber receives
// one UpdateClosed. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	prev, listeners := s.transitionLocked(Closed)
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	s.announce(prev, Closed, listeners)

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}

	if !waitTimeout(s.wg.Wait, s.config.StopTimeout) {
		s.logger.Warn("Session goroutines did not stop in time", zap.Duration("timeout", s.config.StopTimeout))
	}

	s.table.Close()
	if !waitTimeout(s.table.Wait, s.config.StopTimeout) {
		s.logger.Warn("Subscribers did not drain in time", zap.Duration("timeout", s.config.StopTimeout))
	}

	s.logger.Info("Session stopped")
}

func waitTimeout(wait func(), timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Subscribe registers interest in a camera. It works in any state but Closed;
// subscriptions made while disconnected start receiving once frames flow.
func (s *Session) Subscribe(camera codec.CameraID, cb feed.Callback) (feed.SubscriptionHandle, error) {
	return s.table.Subscribe(camera, cb)
}

// Unsubscribe detaches a subscription
func (s *Session) Unsubscribe(h feed.SubscriptionHandle) {
	s.table.Unsubscribe(h)
}

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers fn to be called after every state transition.
// Callbacks run on the session goroutine and must not block.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next || s.state == Closed {
		s.mu.Unlock()
		return
	}
	prev, listeners := s.transitionLocked(next)
	s.mu.Unlock()

	s.announce(prev, next, listeners)
}

func (s *Session) transitionLocked(next State) (State, []func(State)) {
	prev := s.state
	s.state = next
	if next == Connected {
		s.connectedSince = time.Now()
	} else {
		s.connectedSince = time.Time{}
	}
	return prev, append([]func(State){}, s.listeners...)
}

func (s *Session) announce(prev, next State, listeners []func(State)) {
	s.metrics.setState(next)
	s.logger.Info("Session state changed",
		zap.String("from", prev.String()),
		zap.String("to", next.String()))

	for _, fn := range listeners {
		fn(next)
	}
}

func (s *Session) connectLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(Connecting)
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.dialFailures.Add(1)
			s.metrics.dialFailed()
			s.recordError(err)
			s.logger.Warn("Connect failed", zap.Error(err), zap.Int("attempt", s.backoff.Attempt()+1))

			s.setState(Disconnected)
			if !s.waitReconnect(ctx) {
				return
			}
			continue
		}

		if !s.attach(conn) {
			_ = conn.Close()
			return
		}
		s.backoff.Reset()
		s.connects.Add(1)
		s.metrics.connected()
		s.setState(Connected)

		err = s.receive(ctx, conn)

		s.detach()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		s.recordError(err)
		s.logger.Warn("Connection lost", zap.Error(err))
		s.setState(Disconnected)
		if !s.waitReconnect(ctx) {
			return
		}
	}
}

func (s *Session) connect(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx)
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Op: "dial", Err: err}
		}
		return nil, err
	}
	return conn, nil
}

// attach publishes the live connection so Stop can close it. It refuses once
// the session is closed.
func (s *Session) attach(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return false
	}
	s.conn = conn
	s.lastError = ""
	return true
}

func (s *Session) detach() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

func (s *Session) recordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func (s *Session) waitReconnect(ctx context.Context) bool {
	delay := s.backoff.Next()
	s.reconnects.Add(1)
	s.metrics.reconnectScheduled()

	s.mu.Lock()
	s.retryAt = time.Now().Add(delay)
	s.mu.Unlock()

	s.logger.Info("Reconnecting", zap.Duration("delay", delay), zap.Int("attempt", s.backoff.Attempt()))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// receive reads until the transport fails. Malformed payloads are the
// router's concern and never end the connection.
func (s *Session) receive(ctx context.Context, conn Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		s.messages.Add(1)
		s.bytes.Add(uint64(len(data)))
		s.metrics.received(msgType.String(), len(data))

		msg := feed.Message{Type: msgType, Data: data, ReceivedAt: time.Now()}
		if err := s.router.Submit(ctx, msg); err != nil {
			return nil
		}
	}
}

// Stats returns a snapshot of session, router and table counters
func (s *Session) Stats() Stats {
	s.mu.Lock()
	stats := Stats{
		State:     s.state.String(),
		LastError: s.lastError,
	}
	if !s.connectedSince.IsZero() {
		since := s.connectedSince
		stats.ConnectedSince = &since
	}
	if s.state == Disconnected && !s.retryAt.IsZero() {
		if wait := time.Until(s.retryAt); wait > 0 {
			stats.NextRetryIn = wait.Round(time.Millisecond).String()
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if reporter, ok := conn.(StatsReporter); ok {
		stats.Transport = reporter.TransportStats()
	}

	stats.Connects = s.connects.Load()
	stats.Reconnects = s.reconnects.Load()
	stats.DialFailures = s.dialFailures.Load()
	stats.MessagesReceived = s.messages.Load()
	stats.BytesReceived = s.bytes.Load()
	stats.Router = s.router.Stats()
	stats.Feed = s.table.Stats()
	return stats
}
