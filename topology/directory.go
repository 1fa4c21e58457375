package topology

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"oko-live/codec"
)

// Fetcher returns the current camera list
type Fetcher interface {
	FetchCameras(ctx context.Context) ([]Camera, error)
}

// Submitter accepts decoded events into the routing queue
type Submitter interface {
	SubmitEvent(ctx context.Context, ev codec.Event) error
}

// Directory caches camera metadata. It is the feed's permission gate and
// metadata sink: Updated events trigger a background refetch.
type Directory struct {
	fetcher Fetcher
	logger  *zap.Logger

	mu      sync.RWMutex
	cameras map[codec.CameraID]Camera

	ctx        context.Context
	cancel     context.CancelFunc
	refreshing atomic.Bool
	again      atomic.Bool

	// closeMu orders wg.Add against Close
	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// NewDirectory creates an empty directory
func NewDirectory(fetcher Fetcher, logger *zap.Logger) *Directory {
	ctx, cancel := context.WithCancel(context.Background())
	return &Directory{
		fetcher: fetcher,
		logger:  logger,
		cameras: make(map[codec.CameraID]Camera),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Load fetches the initial set and submits an Added event for every viewable
// camera. The events go through the router queue so they interleave with
// stream events in arrival order.
func (d *Directory) Load(ctx context.Context, sink Submitter) error {
	cameras, err := d.Refresh(ctx)
	if err != nil {
		return err
	}

	added := 0
	for _, cam := range cameras {
		if !cam.CanView {
			continue
		}
		if err := sink.SubmitEvent(ctx, codec.TopologyChange{Kind: codec.Added, Camera: cam.ID}); err != nil {
			return err
		}
		added++
	}

	d.logger.Info("Initial camera set loaded",
		zap.Int("cameras", len(cameras)),
		zap.Int("viewable", added))
	return nil
}

// Refresh replaces the cached metadata with a fresh fetch
func (d *Directory) Refresh(ctx context.Context) ([]Camera, error) {
	cameras, err := d.fetcher.FetchCameras(ctx)
	if err != nil {
		return nil, err
	}

	next := make(map[codec.CameraID]Camera, len(cameras))
	for _, cam := range cameras {
		next[cam.ID] = cam
	}

	d.mu.Lock()
	d.cameras = next
	d.mu.Unlock()

	return cameras, nil
}

// CanView reports whether the viewer may subscribe. Cameras the directory
// has not heard of are allowed; the stream may know them first.
func (d *Directory) CanView(camera codec.CameraID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cam, ok := d.cameras[camera]
	return !ok || cam.CanView
}

// CameraUpdated schedules a refetch without blocking the caller. Updates
// arriving during a refetch collapse into one more run.
func (d *Directory) CameraUpdated(camera codec.CameraID) {
	d.logger.Debug("Camera updated, refreshing metadata", zap.Int64("camera_id", int64(camera)))

	d.again.Store(true)
	if !d.refreshing.CompareAndSwap(false, true) {
		return
	}

	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		d.refreshing.Store(false)
		return
	}
	d.wg.Add(1)
	d.closeMu.Unlock()

	go func() {
		defer d.wg.Done()
		for {
			for d.again.Swap(false) {
				if d.ctx.Err() != nil {
					break
				}
				if _, err := d.Refresh(d.ctx); err != nil {
					d.logger.Warn("Metadata refresh failed", zap.Error(err))
				}
			}
			d.refreshing.Store(false)
			// an update may have landed between the last Swap and Store
			if !d.again.Load() || !d.refreshing.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

// Camera returns the cached metadata for one camera
func (d *Directory) Camera(camera codec.CameraID) (Camera, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cam, ok := d.cameras[camera]
	return cam, ok
}

// Cameras returns every cached camera ordered by id
func (d *Directory) Cameras() []Camera {
	d.mu.RLock()
	list := make([]Camera, 0, len(d.cameras))
	for _, cam := range d.cameras {
		list = append(list, cam)
	}
	d.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Close cancels background refreshes and waits for them
func (d *Directory) Close() {
	d.closeMu.Lock()
	d.closed = true
	d.closeMu.Unlock()

	d.cancel()
	d.wg.Wait()
}
