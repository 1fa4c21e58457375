package feed

import (
	"sync"

	"oko-live/codec"
)

// Outcome is the result of offering a frame to a slot.
type Outcome int

const (
	// Installed means the frame replaced the slot's handle
	Installed Outcome = iota + 1
	// Superseded means the frame was not newer than the slot's last accepted frame
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case Installed:
		return "installed"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Slot holds at most one live handle for one camera.
//
// Writes come only from the routing goroutine; the mutex exists so readers
// never observe a handle mid-release.
type Slot struct {
	camera     codec.CameraID
	generation uint64
	pool       *handlePool

	mu      sync.RWMutex
	current *handle

	// watermark survives Release so a released slot still rejects replays
	watermark    int64
	hasWatermark bool
}

func newSlot(camera codec.CameraID, generation uint64, pool *handlePool) *Slot {
	return &Slot{
		camera:     camera,
		generation: generation,
		pool:       pool,
	}
}

// Camera returns the camera this slot belongs to
func (s *Slot) Camera() codec.CameraID {
	return s.camera
}

// Accept installs a frame if it is strictly newer than the last accepted one.
// The previous handle is released before the new one is created.
func (s *Slot) Accept(timestamp int64, data []byte) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasWatermark && timestamp <= s.watermark {
		return Superseded
	}

	if s.current != nil {
		s.current.release()
		s.current = nil
	}

	s.current = s.pool.create(s.camera, timestamp, data)
	s.watermark = timestamp
	s.hasWatermark = true
	return Installed
}

// CurrentHandle returns a view of the live handle, if any.
func (s *Slot) CurrentHandle() (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return Frame{}, false
	}
	return s.current.frame(), true
}

// Release drops the live handle. Calling it on an empty slot is a no-op.
func (s *Slot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return
	}
	s.current.release()
	s.current = nil
}

// Watermark returns the last accepted timestamp and whether one exists.
func (s *Slot) Watermark() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark, s.hasWatermark
}

func (s *Slot) seed(watermark int64) {
	s.mu.Lock()
	s.watermark = watermark
	s.hasWatermark = true
	s.mu.Unlock()
}
