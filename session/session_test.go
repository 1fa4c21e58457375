package session

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"oko-live/codec"
	"oko-live/feed"
)

const waitFor = 3 * time.Second

type fakeServer struct {
	*httptest.Server
	conns  atomic.Int32
	handle func(n int, conn *websocket.Conn)
}

func newFakeServer(t *testing.T, handle func(n int, conn *websocket.Conn)) *fakeServer {
	t.Helper()
	fs := &fakeServer{handle: handle}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fs.handle(int(fs.conns.Add(1)), conn)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

// drain keeps the connection open until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func sendFrame(conn *websocket.Conn, camera, ts uint64, payload string) {
	buf := make([]byte, codec.HeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], camera)
	binary.BigEndian.PutUint64(buf[8:16], ts)
	copy(buf[codec.HeaderSize:], payload)
	_ = conn.WriteMessage(websocket.BinaryMessage, buf)
}

type updates struct {
	ch chan feed.Update
}

func newUpdates() *updates {
	return &updates{ch: make(chan feed.Update, 64)}
}

func (u *updates) callback(up feed.Update) {
	u.ch <- up
}

func (u *updates) next(t *testing.T) feed.Update {
	t.Helper()
	select {
	case up := <-u.ch:
		return up
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for update")
		return feed.Update{}
	}
}

func fastBackoff() BackoffConfig {
	return BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2, Jitter: NoJitter}
}

func newTestSession(t *testing.T, dialer Dialer, metrics *Metrics) *Session {
	t.Helper()
	logger := zaptest.NewLogger(t)
	table := feed.NewTable(feed.TableConfig{}, logger)
	router := feed.NewRouter(table, feed.RouterConfig{InboxSize: 32}, logger)
	s := New(Config{
		Backoff:        fastBackoff(),
		ConnectTimeout: time.Second,
		StopTimeout:    time.Second,
		Metrics:        metrics,
	}, dialer, router, table, logger)
	t.Cleanup(s.Stop)
	return s
}

func wsDialer(url string) Dialer {
	return NewWebSocketDialer(WebSocketConfig{URL: url, HandshakeTimeout: time.Second}, zap.NewNop())
}

func TestSessionSubscribeBeforeConnect(t *testing.T) {
	release := make(chan struct{})
	fs := newFakeServer(t, func(n int, conn *websocket.Conn) {
		<-release
		sendFrame(conn, 1, 10, "jpeg")
		drain(conn)
	})

	s := newTestSession(t, wsDialer(fs.wsURL()), nil)

	rec := newUpdates()
	_, err := s.Subscribe(1, rec.callback)
	require.NoError(t, err)
	assert.Equal(t, Disconnected, s.State())

	require.NoError(t, s.Start(context.Background()))
	close(release)

	up := rec.next(t)
	assert.Equal(t, feed.UpdateFrame, up.Kind)
	assert.Equal(t, int64(10), up.Frame.Timestamp)
	assert.Equal(t, []byte("jpeg"), up.Frame.Data)
	assert.Equal(t, Connected, s.State())
}

func TestSessionReconnectsAfterServerClose(t *testing.T) {
	fs := newFakeServer(t, func(n int, conn *websocket.Conn) {
		switch n {
		case 1:
			sendFrame(conn, 1, 1, "first")
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
		default:
			sendFrame(conn, 1, 2, "second")
			drain(conn)
		}
	})

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	s := newTestSession(t, wsDialer(fs.wsURL()), metrics)
	rec := newUpdates()
	_, err = s.Subscribe(1, rec.callback)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, int64(1), rec.next(t).Frame.Timestamp)
	assert.Equal(t, int64(2), rec.next(t).Frame.Timestamp)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Connects)
	assert.GreaterOrEqual(t, stats.Reconnects, uint64(1))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.connectsTotal))
	assert.Equal(t, float64(Connected), testutil.ToFloat64(metrics.state))
}

func TestSessionMalformedKeepsConnection(t *testing.T) {
	fs := newFakeServer(t, func(n int, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		sendFrame(conn, 4, 7, "ok")
		drain(conn)
	})

	s := newTestSession(t, wsDialer(fs.wsURL()), nil)
	rec := newUpdates()
	_, err := s.Subscribe(4, rec.callback)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, int64(7), rec.next(t).Frame.Timestamp)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Connects)
	assert.Equal(t, uint64(2), stats.Router.Malformed)
	assert.Equal(t, uint64(3), stats.MessagesReceived)
	assert.Equal(t, int32(1), fs.conns.Load())
	assert.Equal(t, "connected", stats.State)
}

func TestSessionTopologyOverWire(t *testing.T) {
	// a removal purges frame notices still queued, so hold it back until the
	// frame has been seen
	frameSeen := make(chan struct{})
	fs := newFakeServer(t, func(n int, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"Added":{"camera_id":2}}`))
		sendFrame(conn, 2, 5, "x")
		select {
		case <-frameSeen:
		case <-time.After(waitFor):
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"Removed":{"camera_id":2}}`))
		drain(conn)
	})

	s := newTestSession(t, wsDialer(fs.wsURL()), nil)
	rec := newUpdates()
	_, err := s.Subscribe(2, rec.callback)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	up := rec.next(t)
	require.Equal(t, feed.UpdateFrame, up.Kind)
	assert.Equal(t, int64(5), up.Frame.Timestamp)
	close(frameSeen)

	assert.Equal(t, feed.UpdateRemoved, rec.next(t).Kind)
	_, ok := s.table.Snapshot(2)
	assert.False(t, ok)
}

func TestSessionStopTearsDown(t *testing.T) {
	fs := newFakeServer(t, func(n int, conn *websocket.Conn) {
		sendFrame(conn, 1, 1, "x")
		drain(conn)
	})

	s := newTestSession(t, wsDialer(fs.wsURL()), nil)

	var mu sync.Mutex
	var states []State
	s.OnStateChange(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	rec := newUpdates()
	_, err := s.Subscribe(1, rec.callback)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	require.Equal(t, feed.UpdateFrame, rec.next(t).Kind)

	transport := s.Stats().Transport
	require.NotNil(t, transport)
	assert.Equal(t, "websocket", transport["kind"])
	assert.Equal(t, fs.wsURL(), transport["url"])

	s.Stop()
	s.Stop()
	assert.Nil(t, s.Stats().Transport)

	assert.Equal(t, feed.UpdateClosed, rec.next(t).Kind)
	assert.Equal(t, Closed, s.State())

	_, err = s.Subscribe(1, rec.callback)
	assert.ErrorIs(t, err, feed.ErrSessionClosed)
	assert.ErrorIs(t, s.Start(context.Background()), feed.ErrSessionClosed)

	stats := s.Stats()
	assert.Equal(t, int64(0), stats.Feed.LiveHandles)
	assert.True(t, stats.Feed.Closed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Connecting, Connected, Closed}, states)
}

func TestSessionConnectTimeoutFallsIntoBackoff(t *testing.T) {
	var attempts atomic.Int32
	dialer := DialFunc(func(ctx context.Context) (Conn, error) {
		attempts.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	logger := zaptest.NewLogger(t)
	table := feed.NewTable(feed.TableConfig{}, logger)
	router := feed.NewRouter(table, feed.RouterConfig{}, logger)
	s := New(Config{
		Backoff:        fastBackoff(),
		ConnectTimeout: 20 * time.Millisecond,
		StopTimeout:    time.Second,
	}, dialer, router, table, logger)

	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return attempts.Load() >= 3
	}, waitFor, 5*time.Millisecond)

	stats := s.Stats()
	assert.GreaterOrEqual(t, stats.DialFailures, uint64(2))
	assert.Contains(t, stats.LastError, "deadline exceeded")
	assert.NotEqual(t, Connected, s.State())

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Stop hung while dialing")
	}
	assert.Equal(t, Closed, s.State())
}

func TestSessionDialErrorIsTransportError(t *testing.T) {
	boom := errors.New("refused")
	logger := zaptest.NewLogger(t)
	table := feed.NewTable(feed.TableConfig{}, logger)
	s := New(Config{}, DialFunc(func(context.Context) (Conn, error) {
		return nil, boom
	}), feed.NewRouter(table, feed.RouterConfig{}, logger), table, logger)

	_, err := s.connect(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
	assert.ErrorIs(t, err, boom)
}

func TestStopBeforeStart(t *testing.T) {
	logger := zaptest.NewLogger(t)
	table := feed.NewTable(feed.TableConfig{}, logger)
	s := New(Config{}, DialFunc(func(context.Context) (Conn, error) {
		return nil, errors.New("unused")
	}), feed.NewRouter(table, feed.RouterConfig{}, logger), table, logger)

	rec := newUpdates()
	_, err := s.Subscribe(3, rec.callback)
	require.NoError(t, err)

	s.Stop()
	assert.Equal(t, feed.UpdateClosed, rec.next(t).Kind)
	assert.Equal(t, Closed, s.State())
}

func TestWebSocketDialerFraming(t *testing.T) {
	fs := newFakeServer(t, func(n int, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"Added":{"camera_id":1}}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0xFF})
		drain(conn)
	})

	d := NewWebSocketDialer(WebSocketConfig{
		URL:          fs.wsURL(),
		ReadLimit:    1 << 20,
		PingInterval: 50 * time.Millisecond,
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, codec.TextMessage, msgType)
	assert.Equal(t, `{"Added":{"camera_id":1}}`, string(data))

	msgType, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, codec.BinaryMessage, msgType)
	assert.Equal(t, []byte{0xFF}, data)

	require.NoError(t, conn.Close())
	_, _, err = conn.ReadMessage()
	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestWebSocketDialerRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := NewWebSocketDialer(WebSocketConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, zap.NewNop())
	_, err := d.Dial(context.Background())

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "status 404")
}
