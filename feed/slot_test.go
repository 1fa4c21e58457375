package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotAcceptNewerFrames(t *testing.T) {
	pool := newHandlePool(nil)
	slot := newSlot(1, 1, pool)

	_, ok := slot.CurrentHandle()
	assert.False(t, ok, "new slot should be empty")

	assert.Equal(t, Installed, slot.Accept(10, []byte("a")))
	assert.Equal(t, Installed, slot.Accept(20, []byte("b")))

	frame, ok := slot.CurrentHandle()
	require.True(t, ok)
	assert.Equal(t, int64(20), frame.Timestamp)
	assert.Equal(t, []byte("b"), frame.Data)
	assert.Equal(t, int64(1), pool.Live())
}

func TestSlotRejectsStaleAndEqualTimestamps(t *testing.T) {
	pool := newHandlePool(nil)
	slot := newSlot(1, 1, pool)

	require.Equal(t, Installed, slot.Accept(100, []byte("new")))
	before, _ := slot.CurrentHandle()

	assert.Equal(t, Superseded, slot.Accept(90, []byte("old")))
	assert.Equal(t, Superseded, slot.Accept(100, []byte("dup")))

	after, ok := slot.CurrentHandle()
	require.True(t, ok)
	assert.Equal(t, before.HandleID, after.HandleID, "stale frame must not replace the handle")
	assert.Equal(t, []byte("new"), after.Data)
	assert.Equal(t, uint64(1), pool.created.Load(), "no handle is created for a stale frame")
}

func TestSlotReleasesBeforeCreate(t *testing.T) {
	pool := newHandlePool(nil)

	var events []string
	maxLive := int64(0)
	pool.onCreate = func(h *handle) {
		events = append(events, "create")
		if live := pool.Live(); live > maxLive {
			maxLive = live
		}
	}
	pool.onFree = func(h *handle) {
		events = append(events, "free")
	}

	slot := newSlot(1, 1, pool)
	for ts := int64(1); ts <= 5; ts++ {
		require.Equal(t, Installed, slot.Accept(ts, []byte{byte(ts)}))
	}

	assert.Equal(t, []string{
		"create",
		"free", "create",
		"free", "create",
		"free", "create",
		"free", "create",
	}, events)
	assert.Equal(t, int64(1), maxLive, "never more than one live handle per slot")
}

func TestSlotReleaseIsIdempotent(t *testing.T) {
	pool := newHandlePool(nil)
	slot := newSlot(1, 1, pool)

	slot.Release() // empty slot
	assert.Equal(t, uint64(0), pool.freed.Load())

	slot.Accept(5, []byte("x"))
	slot.Release()
	slot.Release()

	assert.Equal(t, uint64(1), pool.freed.Load())
	assert.Equal(t, int64(0), pool.Live())
	_, ok := slot.CurrentHandle()
	assert.False(t, ok)
}

func TestSlotWatermarkSurvivesRelease(t *testing.T) {
	slot := newSlot(1, 1, newHandlePool(nil))

	slot.Accept(50, []byte("x"))
	slot.Release()

	watermark, ok := slot.Watermark()
	require.True(t, ok)
	assert.Equal(t, int64(50), watermark)

	assert.Equal(t, Superseded, slot.Accept(40, []byte("late")))
	assert.Equal(t, Installed, slot.Accept(60, []byte("fresh")))
}

func TestSlotSeededWatermark(t *testing.T) {
	slot := newSlot(1, 2, newHandlePool(nil))
	slot.seed(100)

	assert.Equal(t, Superseded, slot.Accept(100, []byte("x")))
	assert.Equal(t, Installed, slot.Accept(101, []byte("y")))
}

func TestHandleReleaseIsIdempotent(t *testing.T) {
	pool := newHandlePool(nil)
	h := pool.create(1, 1, []byte("x"))

	h.release()
	h.release()

	assert.Equal(t, int64(0), pool.Live())
	assert.Equal(t, uint64(1), pool.freed.Load())
	assert.Nil(t, h.data)
}
