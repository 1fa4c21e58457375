package feed

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"oko-live/codec"
)

// Message is one raw message as received from the transport.
type Message struct {
	Type       codec.MessageType
	Data       []byte
	ReceivedAt time.Time
}

// RouterConfig configures a Router
type RouterConfig struct {
	// InboxSize bounds the queue between the receive path and the router
	InboxSize int
	// FrameLogInterval logs every Nth installed frame at Info (0 disables)
	FrameLogInterval int
	Metrics          *Metrics
}

// RouterStats holds the router's diagnostic counters
type RouterStats struct {
	FramesInstalled uint64 `json:"frames_installed"`
	FramesStale     uint64 `json:"frames_stale"`
	Malformed       uint64 `json:"malformed"`
	UnknownCamera   uint64 `json:"unknown_camera"`
	TopologyChanges uint64 `json:"topology_changes"`
	QueueDepth      int    `json:"queue_depth"`
}

type routed struct {
	msg   *Message
	event codec.Event
}

// Router is the single consumer of the event stream. Everything that
// mutates a slot runs on the goroutine executing Run.
type Router struct {
	table   *Table
	config  RouterConfig
	logger  *zap.Logger
	metrics *Metrics

	inbox chan routed
	idle  chan codec.CameraID

	framesInstalled atomic.Uint64
	framesStale     atomic.Uint64
	malformed       atomic.Uint64
	unknownCamera   atomic.Uint64
	topologyChanges atomic.Uint64
}

// NewRouter creates a router feeding table
func NewRouter(table *Table, cfg RouterConfig, logger *zap.Logger) *Router {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}

	r := &Router{
		table:   table,
		config:  cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		inbox:   make(chan routed, cfg.InboxSize),
		idle:    make(chan codec.CameraID, 64),
	}
	table.setIdleHook(r.queueIdle)
	return r
}

// Submit queues a raw message, blocking while the inbox is full.
func (r *Router) Submit(ctx context.Context, msg Message) error {
	select {
	case r.inbox <- routed{msg: &msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitEvent queues an already decoded event, e.g. from the initial camera list.
func (r *Router) SubmitEvent(ctx context.Context, ev codec.Event) error {
	select {
	case r.inbox <- routed{event: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) queueIdle(camera codec.CameraID) {
	select {
	case r.idle <- camera:
	default:
		r.logger.Debug("Idle queue full, keeping handle", zap.Int64("camera_id", int64(camera)))
	}
}

// Run consumes the inbox until ctx is done. Queued messages are discarded on exit.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("Frame router started")
	defer r.logger.Info("Frame router stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case camera := <-r.idle:
			r.table.releaseIdle(camera)

		case item := <-r.inbox:
			if item.msg != nil {
				r.HandleMessage(*item.msg)
			} else if item.event != nil {
				r.Route(item.event)
			}
		}
	}
}

// HandleMessage decodes and routes one raw message. Malformed messages are
// counted and logged; they never affect other cameras.
func (r *Router) HandleMessage(msg Message) {
	ev, err := codec.Decode(msg.Type, msg.Data)
	if err != nil {
		r.malformed.Add(1)
		r.metrics.malformed()

		var me *codec.MalformedError
		reason := err.Error()
		if errors.As(err, &me) {
			reason = me.Reason
		}
		r.logger.Warn("Dropping malformed message",
			zap.String("framing", msg.Type.String()),
			zap.Int("size", len(msg.Data)),
			zap.String("reason", reason))
		return
	}
	r.Route(ev)
}

// Route dispatches one event.
func (r *Router) Route(ev codec.Event) {
	switch e := ev.(type) {
	case codec.ImageFrame:
		r.routeFrame(e)
	case codec.TopologyChange:
		r.topologyChanges.Add(1)
		r.metrics.topologyApplied(e.Kind.String())
		r.table.OnTopologyChange(e)
	default:
		r.logger.Warn("Unroutable event", zap.Any("event", ev))
	}
}

func (r *Router) routeFrame(frame codec.ImageFrame) {
	logger := r.logger.With(zap.Int64("camera_id", int64(frame.Camera)))

	slot, exists := r.table.Slot(frame.Camera)
	if !exists {
		// A late frame for a removed camera must not resurrect it.
		if watermark, ok := r.table.tombstone(frame.Camera); ok && frame.Timestamp <= watermark {
			r.stale(logger, frame)
			return
		}

		var created bool
		slot, created = r.table.EnsureSlot(frame.Camera)
		if created {
			r.unknownCamera.Add(1)
			r.metrics.unknownCamera()
			logger.Info("Frame for camera without Added event, creating slot")
		}
	}

	switch slot.Accept(frame.Timestamp, frame.Bytes) {
	case Installed:
		n := r.framesInstalled.Add(1)
		r.metrics.frameRouted(Installed)
		if r.config.FrameLogInterval > 0 && n%uint64(r.config.FrameLogInterval) == 0 {
			logger.Info("Routing frames",
				zap.Uint64("frames_installed", n),
				zap.Int("frame_size", len(frame.Bytes)),
				zap.Int("subscribers", r.table.SubscriberCount(frame.Camera)))
		}
		r.table.notifyInstalled(slot)

	case Superseded:
		r.stale(logger, frame)
	}
}

func (r *Router) stale(logger *zap.Logger, frame codec.ImageFrame) {
	r.framesStale.Add(1)
	r.metrics.frameRouted(Superseded)
	logger.Debug("Dropping stale frame", zap.Int64("timestamp", frame.Timestamp))
}

// Stats returns the router's counters
func (r *Router) Stats() RouterStats {
	return RouterStats{
		FramesInstalled: r.framesInstalled.Load(),
		FramesStale:     r.framesStale.Load(),
		Malformed:       r.malformed.Load(),
		UnknownCamera:   r.unknownCamera.Load(),
		TopologyChanges: r.topologyChanges.Load(),
		QueueDepth:      len(r.inbox),
	}
}
