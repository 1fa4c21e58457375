package feed

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"oko-live/codec"
)

var (
	// ErrSessionClosed is returned by Subscribe after teardown
	ErrSessionClosed = errors.New("feed session closed")
	// ErrPermissionDenied is returned when the viewer may not see the camera
	ErrPermissionDenied = errors.New("camera not viewable")
	// ErrInvalidCamera is returned for non-positive camera ids
	ErrInvalidCamera = errors.New("invalid camera id")
	// ErrNilCallback is returned when Subscribe is given no callback
	ErrNilCallback = errors.New("nil callback")
)

// AccessGate decides whether the viewer may subscribe to a camera.
type AccessGate interface {
	CanView(camera codec.CameraID) bool
}

// MetadataSink receives Updated topology events. Display metadata is owned
// outside the feed; slots are not touched.
type MetadataSink interface {
	CameraUpdated(camera codec.CameraID)
}

// TableConfig configures a Table
type TableConfig struct {
	// ReleaseIdle releases a slot's handle when its last subscription detaches
	ReleaseIdle bool
	Gate        AccessGate
	Metadata    MetadataSink
	Metrics     *Metrics
}

// TableStats is a point-in-time summary of the table
type TableStats struct {
	Cameras        int    `json:"cameras"`
	LiveHandles    int64  `json:"live_handles"`
	HandlesCreated uint64 `json:"handles_created"`
	HandlesFreed   uint64 `json:"handles_released"`
	Subscriptions  int    `json:"subscriptions"`
	Closed         bool   `json:"closed"`
}

// Table maps camera ids to slots and subscriptions. Slot mutation happens
// only on the routing goroutine; Subscribe, Unsubscribe and reads are safe
// from any goroutine.
type Table struct {
	config TableConfig
	logger *zap.Logger
	pool   *handlePool

	mu         sync.RWMutex
	slots      map[codec.CameraID]*Slot
	tombstones map[codec.CameraID]int64
	generation uint64
	closed     bool

	subsMu sync.Mutex
	subs   map[codec.CameraID]map[uuid.UUID]*subscription
	wg     sync.WaitGroup

	idleMu sync.Mutex
	onIdle func(codec.CameraID)
}

// NewTable creates an empty table
func NewTable(cfg TableConfig, logger *zap.Logger) *Table {
	return &Table{
		config:     cfg,
		logger:     logger,
		pool:       newHandlePool(cfg.Metrics),
		slots:      make(map[codec.CameraID]*Slot),
		tombstones: make(map[codec.CameraID]int64),
		subs:       make(map[codec.CameraID]map[uuid.UUID]*subscription),
	}
}

// setIdleHook is called by the router so idle releases run on the routing goroutine.
func (t *Table) setIdleHook(fn func(codec.CameraID)) {
	t.idleMu.Lock()
	t.onIdle = fn
	t.idleMu.Unlock()
}

// EnsureSlot returns the camera's slot, creating an empty one if absent.
func (t *Table) EnsureSlot(camera codec.CameraID) (*Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slot, ok := t.slots[camera]; ok {
		return slot, false
	}

	t.generation++
	slot := newSlot(camera, t.generation, t.pool)
	if watermark, ok := t.tombstones[camera]; ok {
		slot.seed(watermark)
		delete(t.tombstones, camera)
	}
	t.slots[camera] = slot
	t.config.Metrics.setCameras(len(t.slots))
	return slot, true
}

// Slot returns the camera's slot if present
func (t *Table) Slot(camera codec.CameraID) (*Slot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	slot, ok := t.slots[camera]
	return slot, ok
}

// tombstone reports the watermark left by a removed camera.
func (t *Table) tombstone(camera codec.CameraID) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.tombstones[camera]
	return ts, ok
}

// OnTopologyChange applies one topology change.
func (t *Table) OnTopologyChange(change codec.TopologyChange) {
	switch change.Kind {
	case codec.Added:
		if _, created := t.EnsureSlot(change.Camera); created {
			t.logger.Info("Camera added", zap.Int64("camera_id", int64(change.Camera)))
		}

	case codec.Removed:
		t.remove(change.Camera)

	case codec.Updated:
		if t.config.Metadata != nil {
			t.config.Metadata.CameraUpdated(change.Camera)
		}
		t.logger.Debug("Camera metadata updated", zap.Int64("camera_id", int64(change.Camera)))
	}
}

func (t *Table) remove(camera codec.CameraID) {
	t.mu.Lock()
	slot, ok := t.slots[camera]
	if ok {
		if watermark, has := slot.Watermark(); has {
			t.tombstones[camera] = watermark
		}
		slot.Release()
		delete(t.slots, camera)
		t.config.Metrics.setCameras(len(t.slots))
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("Removal for unknown camera ignored", zap.Int64("camera_id", int64(camera)))
		return
	}

	t.logger.Info("Camera removed", zap.Int64("camera_id", int64(camera)))
	t.NotifySubscribers(camera, UpdateRemoved, 0)
}

// NotifySubscribers posts a notice to every subscription on the camera.
// It never blocks on a subscriber.
func (t *Table) NotifySubscribers(camera codec.CameraID, kind UpdateKind, generation uint64) {
	t.subsMu.Lock()
	targets := make([]*subscription, 0, len(t.subs[camera]))
	for _, s := range t.subs[camera] {
		targets = append(targets, s)
	}
	t.subsMu.Unlock()

	for _, s := range targets {
		s.post(notice{kind: kind, generation: generation})
	}
}

func (t *Table) notifyInstalled(slot *Slot) {
	t.NotifySubscribers(slot.camera, UpdateFrame, slot.generation)
}

// Snapshot returns the camera's current frame.
func (t *Table) Snapshot(camera codec.CameraID) (Frame, bool) {
	frame, _, ok := t.snapshot(camera)
	return frame, ok
}

func (t *Table) snapshot(camera codec.CameraID) (Frame, uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	slot, ok := t.slots[camera]
	if !ok {
		return Frame{}, 0, false
	}
	frame, ok := slot.CurrentHandle()
	return frame, slot.generation, ok
}

// Cameras returns the camera ids present in the table, sorted.
func (t *Table) Cameras() []codec.CameraID {
	t.mu.RLock()
	ids := make([]codec.CameraID, 0, len(t.slots))
	for id := range t.slots {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Subscribe registers cb for updates on camera. If the camera already has a
// frame the callback receives it without waiting for the next one.
func (t *Table) Subscribe(camera codec.CameraID, cb Callback) (SubscriptionHandle, error) {
	if camera <= 0 {
		return SubscriptionHandle{}, fmt.Errorf("subscribe %d: %w", camera, ErrInvalidCamera)
	}
	if cb == nil {
		return SubscriptionHandle{}, ErrNilCallback
	}
	if t.config.Gate != nil && !t.config.Gate.CanView(camera) {
		return SubscriptionHandle{}, fmt.Errorf("subscribe %d: %w", camera, ErrPermissionDenied)
	}

	// Holding the read lock orders registration against Close.
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return SubscriptionHandle{}, ErrSessionClosed
	}

	sub := newSubscription(t, camera, cb, t.logger.With(zap.Int64("camera_id", int64(camera))))

	t.subsMu.Lock()
	if t.subs[camera] == nil {
		t.subs[camera] = make(map[uuid.UUID]*subscription)
	}
	t.subs[camera][sub.id] = sub
	t.config.Metrics.setSubscriptions(t.countSubsLocked())
	t.subsMu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		sub.run()
	}()

	if slot, ok := t.slots[camera]; ok {
		if _, has := slot.CurrentHandle(); has {
			sub.post(notice{kind: UpdateFrame, generation: slot.generation})
		}
	}

	t.logger.Debug("Subscription added",
		zap.Int64("camera_id", int64(camera)),
		zap.String("subscription", sub.id.String()))

	return sub.handle(), nil
}

// Unsubscribe detaches a subscription and drops its queued updates. Once it
// returns no new delivery is committed; only a callback that was already
// committed, running or about to run on the subscription goroutine, can still
// complete. Unsubscribe may be called from inside the callback.
// Unknown handles are ignored.
func (t *Table) Unsubscribe(h SubscriptionHandle) {
	t.subsMu.Lock()
	sub, ok := t.subs[h.Camera][h.ID]
	if ok {
		delete(t.subs[h.Camera], h.ID)
	}
	remaining := len(t.subs[h.Camera])
	if ok && remaining == 0 {
		delete(t.subs, h.Camera)
	}
	t.config.Metrics.setSubscriptions(t.countSubsLocked())
	t.subsMu.Unlock()

	if !ok {
		return
	}
	sub.cancel()

	if remaining == 0 && t.config.ReleaseIdle {
		t.idleMu.Lock()
		fn := t.onIdle
		t.idleMu.Unlock()
		if fn != nil {
			fn(h.Camera)
		}
	}
}

// SubscriberCount returns the number of subscriptions on a camera
func (t *Table) SubscriberCount(camera codec.CameraID) int {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	return len(t.subs[camera])
}

func (t *Table) countSubsLocked() int {
	n := 0
	for _, m := range t.subs {
		n += len(m)
	}
	return n
}

// releaseIdle drops the camera's handle if nobody subscribed in the meantime.
func (t *Table) releaseIdle(camera codec.CameraID) {
	if t.SubscriberCount(camera) > 0 {
		return
	}
	if slot, ok := t.Slot(camera); ok {
		slot.Release()
		t.logger.Debug("Released idle camera handle", zap.Int64("camera_id", int64(camera)))
	}
}

// Close releases every slot and sends UpdateClosed to every subscription.
// Subsequent Subscribe calls fail with ErrSessionClosed. Idempotent.
func (t *Table) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, slot := range t.slots {
		slot.Release()
		delete(t.slots, id)
	}
	t.config.Metrics.setCameras(0)
	t.mu.Unlock()

	t.subsMu.Lock()
	var all []*subscription
	for _, m := range t.subs {
		for _, s := range m {
			all = append(all, s)
		}
	}
	t.subsMu.Unlock()

	for _, s := range all {
		s.post(notice{kind: UpdateClosed})
	}

	t.logger.Info("Channel table closed", zap.Int("subscriptions", len(all)))
}

// Wait blocks until every subscription goroutine has exited. Call after Close.
func (t *Table) Wait() {
	t.wg.Wait()
}

// Stats returns a summary of the table
func (t *Table) Stats() TableStats {
	t.mu.RLock()
	cameras := len(t.slots)
	closed := t.closed
	t.mu.RUnlock()

	t.subsMu.Lock()
	subs := t.countSubsLocked()
	t.subsMu.Unlock()

	return TableStats{
		Cameras:        cameras,
		LiveHandles:    t.pool.Live(),
		HandlesCreated: t.pool.created.Load(),
		HandlesFreed:   t.pool.freed.Load(),
		Subscriptions:  subs,
		Closed:         closed,
	}
}
