package feed

import (
	"sync/atomic"

	"github.com/google/uuid"

	"oko-live/codec"
)

// Frame is a read-only view of the live handle held by a slot. The Data
// slice is never written after the handle is created.
type Frame struct {
	Camera    codec.CameraID
	Timestamp int64
	HandleID  uuid.UUID
	Data      []byte
}

// handle is the displayable resource derived from one accepted frame.
// It is owned by exactly one Slot and never leaves this package.
type handle struct {
	id        uuid.UUID
	camera    codec.CameraID
	timestamp int64
	data      []byte
	released  atomic.Bool
	pool      *handlePool
}

func (h *handle) frame() Frame {
	return Frame{
		Camera:    h.camera,
		Timestamp: h.timestamp,
		HandleID:  h.id,
		Data:      h.data,
	}
}

// release is idempotent.
func (h *handle) release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.data = nil
	h.pool.released(h)
}

// handlePool accounts for every handle created and released so leaks are
// observable.
type handlePool struct {
	live     atomic.Int64
	created  atomic.Uint64
	freed    atomic.Uint64
	metrics  *Metrics
	onCreate func(*handle)
	onFree   func(*handle)
}

func newHandlePool(metrics *Metrics) *handlePool {
	return &handlePool{metrics: metrics}
}

func (p *handlePool) create(camera codec.CameraID, timestamp int64, data []byte) *handle {
	h := &handle{
		id:        uuid.New(),
		camera:    camera,
		timestamp: timestamp,
		data:      data,
		pool:      p,
	}
	p.live.Add(1)
	p.created.Add(1)
	p.metrics.handleCreated()
	if p.onCreate != nil {
		p.onCreate(h)
	}
	return h
}

func (p *handlePool) released(h *handle) {
	p.live.Add(-1)
	p.freed.Add(1)
	p.metrics.handleReleased()
	if p.onFree != nil {
		p.onFree(h)
	}
}

// Live returns the number of handles created and not yet released.
func (p *handlePool) Live() int64 {
	return p.live.Load()
}
