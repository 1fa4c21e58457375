package feed

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"oko-live/codec"
)

func binaryMessage(camera, ts uint64, payload string) Message {
	buf := make([]byte, codec.HeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], camera)
	binary.BigEndian.PutUint64(buf[8:16], ts)
	copy(buf[codec.HeaderSize:], payload)
	return Message{Type: codec.BinaryMessage, Data: buf, ReceivedAt: time.Now()}
}

func textMessage(body string) Message {
	return Message{Type: codec.TextMessage, Data: []byte(body), ReceivedAt: time.Now()}
}

func newTestRouter(t *testing.T, cfg TableConfig) (*Table, *Router) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	table := NewTable(cfg, logger)
	router := NewRouter(table, RouterConfig{InboxSize: 16, Metrics: cfg.Metrics}, logger)
	t.Cleanup(table.Close)
	return table, router
}

func snapshotData(t *testing.T, table *Table, camera codec.CameraID) string {
	t.Helper()
	frame, ok := table.Snapshot(camera)
	require.True(t, ok, "camera %d has no frame", camera)
	return string(frame.Data)
}

func TestRouterOutOfOrderAcrossCameras(t *testing.T) {
	table, router := newTestRouter(t, TableConfig{})

	router.HandleMessage(textMessage(`{"Added":{"camera_id":1}}`))
	router.HandleMessage(textMessage(`{"Added":{"camera_id":2}}`))
	router.HandleMessage(binaryMessage(2, 100, "A"))
	router.HandleMessage(binaryMessage(1, 50, "B"))
	router.HandleMessage(binaryMessage(2, 90, "C"))

	assert.Equal(t, "B", snapshotData(t, table, 1))
	assert.Equal(t, "A", snapshotData(t, table, 2))

	stats := router.Stats()
	assert.Equal(t, uint64(2), stats.FramesInstalled)
	assert.Equal(t, uint64(1), stats.FramesStale)
	assert.Equal(t, uint64(2), stats.TopologyChanges)
	assert.Equal(t, uint64(0), stats.UnknownCamera)
	assert.Equal(t, int64(2), table.Stats().LiveHandles)
}

func TestRouterMalformedIsolated(t *testing.T) {
	table, router := newTestRouter(t, TableConfig{})

	router.HandleMessage(binaryMessage(1, 10, "good"))
	router.HandleMessage(Message{Type: codec.BinaryMessage, Data: []byte{1, 2, 3}})
	router.HandleMessage(textMessage(`{"Added":`))
	router.HandleMessage(textMessage(`{"Removed":{"camera_id":-1}}`))
	router.HandleMessage(binaryMessage(2, 10, "other"))

	assert.Equal(t, "good", snapshotData(t, table, 1))
	assert.Equal(t, "other", snapshotData(t, table, 2))
	assert.Equal(t, uint64(3), router.Stats().Malformed)
}

func TestRouterUnknownCameraCreatesSlot(t *testing.T) {
	table, router := newTestRouter(t, TableConfig{})

	router.HandleMessage(binaryMessage(8, 1, "x"))

	assert.Equal(t, []codec.CameraID{8}, table.Cameras())
	assert.Equal(t, uint64(1), router.Stats().UnknownCamera)

	// an Added that arrives later is a no-op on the existing slot
	router.HandleMessage(textMessage(`{"Added":{"camera_id":8}}`))
	assert.Equal(t, "x", snapshotData(t, table, 8))
}

func TestRouterRemovedAfterInFlightFrame(t *testing.T) {
	table, router := newTestRouter(t, TableConfig{})

	rec := newRecorder()
	router.HandleMessage(textMessage(`{"Added":{"camera_id":3}}`))
	_, err := table.Subscribe(3, rec.callback)
	require.NoError(t, err)

	router.HandleMessage(binaryMessage(3, 10, "live"))
	require.Equal(t, UpdateFrame, rec.next(t).Kind)

	router.HandleMessage(textMessage(`{"Removed":{"camera_id":3}}`))
	assert.Equal(t, UpdateRemoved, rec.next(t).Kind)

	// a frame that was in flight when the camera was removed
	router.HandleMessage(binaryMessage(3, 9, "late"))
	_, ok := table.Slot(3)
	assert.False(t, ok, "stale frame must not resurrect a removed camera")
	rec.expectNone(t, 50*time.Millisecond)

	// a newer frame brings the camera back
	router.HandleMessage(binaryMessage(3, 11, "back"))
	u := rec.next(t)
	assert.Equal(t, UpdateFrame, u.Kind)
	assert.Equal(t, int64(11), u.Frame.Timestamp)
}

func TestRouterRunProcessesInOrder(t *testing.T) {
	table, router := newTestRouter(t, TableConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- router.Run(ctx) }()

	require.NoError(t, router.SubmitEvent(ctx, codec.TopologyChange{Kind: codec.Added, Camera: 1}))
	for ts := uint64(1); ts <= 5; ts++ {
		require.NoError(t, router.Submit(ctx, binaryMessage(1, ts, string(rune('a'+ts-1)))))
	}

	require.Eventually(t, func() bool {
		frame, ok := table.Snapshot(1)
		return ok && frame.Timestamp == 5
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, "e", snapshotData(t, table, 1))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("router did not stop")
	}
}

func TestRouterSubmitHonoursContext(t *testing.T) {
	logger := zaptest.NewLogger(t)
	table := NewTable(TableConfig{}, logger)
	defer table.Close()
	router := NewRouter(table, RouterConfig{InboxSize: 1}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, router.Submit(ctx, binaryMessage(1, 1, "x")))
	err := router.Submit(ctx, binaryMessage(1, 2, "y"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, router.Stats().QueueDepth)
}

func TestRouterIdleReleaseRunsOnRouter(t *testing.T) {
	table, router := newTestRouter(t, TableConfig{ReleaseIdle: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	require.NoError(t, router.Submit(ctx, binaryMessage(1, 1, "x")))
	require.Eventually(t, func() bool {
		_, ok := table.Snapshot(1)
		return ok
	}, waitTimeout, 5*time.Millisecond)

	h, err := table.Subscribe(1, func(Update) {})
	require.NoError(t, err)
	table.Unsubscribe(h)

	require.Eventually(t, func() bool {
		return table.Stats().LiveHandles == 0
	}, waitTimeout, 5*time.Millisecond)

	// the camera stays known, only its handle is gone
	assert.Equal(t, []codec.CameraID{1}, table.Cameras())
}

func TestRouterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	table, router := newTestRouter(t, TableConfig{Metrics: metrics})

	router.HandleMessage(textMessage(`{"Added":{"camera_id":1}}`))
	router.HandleMessage(binaryMessage(1, 2, "a"))
	router.HandleMessage(binaryMessage(1, 1, "old"))
	router.HandleMessage(binaryMessage(4, 1, "b"))
	router.HandleMessage(textMessage(`not json`))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.framesTotal.WithLabelValues("installed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.framesTotal.WithLabelValues("superseded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.malformedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.unknownCameraTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.topologyTotal.WithLabelValues("Added")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.liveHandles))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.cameras))

	table.Close()
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.liveHandles))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.cameras))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice must fail")

	none, err := NewMetrics(nil)
	assert.NoError(t, err)
	assert.Nil(t, none)
}
