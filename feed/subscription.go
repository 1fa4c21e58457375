package feed

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"oko-live/codec"
)

// UpdateKind tells a subscriber what changed.
type UpdateKind int

const (
	// UpdateFrame carries the camera's current frame
	UpdateFrame UpdateKind = iota + 1
	// UpdateRemoved means the camera left the topology; drop any cached frame
	UpdateRemoved
	// UpdateClosed means the session was stopped; no further updates follow
	UpdateClosed
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateFrame:
		return "frame"
	case UpdateRemoved:
		return "removed"
	case UpdateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Update is delivered to a subscription callback.
type Update struct {
	Camera codec.CameraID
	Kind   UpdateKind
	Frame  Frame // set only for UpdateFrame
}

// Callback receives updates on the subscription's own goroutine, one at a time.
type Callback func(Update)

// SubscriptionHandle identifies a registered subscription.
type SubscriptionHandle struct {
	ID     uuid.UUID
	Camera codec.CameraID
}

type notice struct {
	kind       UpdateKind
	generation uint64
}

// subscription is a coalescing mailbox plus a delivery goroutine. Frame
// notices collapse into one; removal and close notices are never dropped.
type subscription struct {
	id       uuid.UUID
	camera   codec.CameraID
	callback Callback
	table    *Table
	logger   *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []notice
	cancelled bool

	// delivery goroutine state
	delivered     bool
	lastTimestamp int64

	done chan struct{}
}

func newSubscription(table *Table, camera codec.CameraID, cb Callback, logger *zap.Logger) *subscription {
	s := &subscription{
		id:       uuid.New(),
		camera:   camera,
		callback: cb,
		table:    table,
		done:     make(chan struct{}),
	}
	s.logger = logger.With(zap.String("subscription", s.id.String()))
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscription) handle() SubscriptionHandle {
	return SubscriptionHandle{ID: s.id, Camera: s.camera}
}

// post enqueues a notice without blocking.
func (s *subscription) post(n notice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return
	}

	switch n.kind {
	case UpdateFrame:
		if last := len(s.pending) - 1; last >= 0 && s.pending[last].kind == UpdateFrame && s.pending[last].generation == n.generation {
			return
		}
	case UpdateRemoved, UpdateClosed:
		// frames queued before a removal refer to a slot that no longer exists
		kept := s.pending[:0]
		for _, p := range s.pending {
			if p.kind != UpdateFrame {
				kept = append(kept, p)
			}
		}
		s.pending = kept
	}

	s.pending = append(s.pending, n)
	s.cond.Signal()
}

// cancel stops delivery immediately, dropping anything still queued.
func (s *subscription) cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.pending = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscription) next() (notice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) == 0 && !s.cancelled {
		s.cond.Wait()
	}
	if s.cancelled {
		return notice{}, false
	}

	n := s.pending[0]
	s.pending = s.pending[1:]
	return n, true
}

// deliver invokes the callback unless the subscription was cancelled after
// the notice was taken. The check and the commit happen under mu, the lock
// cancel takes, so once cancel returns no further delivery is committed; a
// delivery committed just before still runs. It reports false only when
// cancelled; a panicking callback is logged and the subscription continues.
func (s *subscription) deliver(u Update) bool {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	s.invoke(u)
	return true
}

func (s *subscription) invoke(u Update) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Subscriber callback panicked",
				zap.Stringer("kind", u.Kind),
				zap.Any("panic", r))
		}
	}()
	s.callback(u)
}

func (s *subscription) run() {
	defer close(s.done)

	for {
		n, ok := s.next()
		if !ok {
			return
		}

		switch n.kind {
		case UpdateFrame:
			frame, generation, ok := s.table.snapshot(s.camera)
			if !ok || generation != n.generation {
				continue
			}
			if s.delivered && frame.Timestamp <= s.lastTimestamp {
				continue
			}
			if !s.deliver(Update{Camera: s.camera, Kind: UpdateFrame, Frame: frame}) {
				return
			}
			s.delivered = true
			s.lastTimestamp = frame.Timestamp

		case UpdateRemoved:
			s.delivered = false
			if !s.deliver(Update{Camera: s.camera, Kind: UpdateRemoved}) {
				return
			}

		case UpdateClosed:
			s.deliver(Update{Camera: s.camera, Kind: UpdateClosed})
			return
		}
	}
}
