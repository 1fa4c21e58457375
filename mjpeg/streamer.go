// Package mjpeg renders a camera's live feed as a multipart/x-mixed-replace
// JPEG stream. Each viewer holds one subscription and only ever writes the
// newest frame; frames that arrive while a write is in progress are skipped.
package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"oko-live/codec"
	"oko-live/feed"
)

var (
	// ErrCameraRemoved ends a stream whose camera left the topology
	ErrCameraRemoved = errors.New("camera removed")
	// ErrFeedClosed ends a stream when the session is stopped
	ErrFeedClosed = errors.New("feed closed")
)

// Source is where streams subscribe. Both the session and the feed table satisfy it.
type Source interface {
	Subscribe(camera codec.CameraID, cb feed.Callback) (feed.SubscriptionHandle, error)
	Unsubscribe(h feed.SubscriptionHandle)
}

// StreamerConfig holds configuration for a viewer stream
type StreamerConfig struct {
	// MaxFPS caps frames written per second (0 = unlimited)
	MaxFPS int
	// Boundary overrides the random multipart boundary
	Boundary string
	// WriteTimeout bounds a single part write (0 = none)
	WriteTimeout time.Duration
}

// StreamerStats holds streamer statistics
type StreamerStats struct {
	FramesSent    uint64 `json:"frames_sent"`
	FramesSkipped uint64 `json:"frames_skipped"`
	BytesSent     uint64 `json:"bytes_sent"`
	WriteErrors   uint64 `json:"write_errors"`
}

// Streamer writes one camera's frames to one HTTP response
type Streamer struct {
	camera  codec.CameraID
	config  StreamerConfig
	source  Source
	logger  *zap.Logger
	limiter *rate.Limiter

	latest chan feed.Frame
	ended  chan error

	frameCount atomic.Uint64
	skipCount  atomic.Uint64
	bytesSent  atomic.Uint64
	sendErrors atomic.Uint64
}

// NewStreamer creates a streamer for camera
func NewStreamer(camera codec.CameraID, config StreamerConfig, source Source, logger *zap.Logger) *Streamer {
	limit := rate.Inf
	if config.MaxFPS > 0 {
		limit = rate.Limit(config.MaxFPS)
	}

	return &Streamer{
		camera:  camera,
		config:  config,
		source:  source,
		logger:  logger.With(zap.Int64("camera_id", int64(camera))),
		limiter: rate.NewLimiter(limit, 1),
		latest:  make(chan feed.Frame, 1),
		ended:   make(chan error, 1),
	}
}

// onUpdate runs on the subscription goroutine and never blocks.
func (s *Streamer) onUpdate(u feed.Update) {
	switch u.Kind {
	case feed.UpdateFrame:
		// keep only the newest frame
		select {
		case <-s.latest:
			s.skipCount.Add(1)
		default:
		}
		s.latest <- u.Frame

	case feed.UpdateRemoved:
		s.end(ErrCameraRemoved)

	case feed.UpdateClosed:
		s.end(ErrFeedClosed)
	}
}

func (s *Streamer) end(err error) {
	select {
	case s.ended <- err:
	default:
	}
}

// Serve streams until ctx is done, the camera is removed, the feed closes or
// a write fails. The subscription is released before Serve returns.
func (s *Streamer) Serve(ctx context.Context, w http.ResponseWriter) error {
	handle, err := s.source.Subscribe(s.camera, s.onUpdate)
	if err != nil {
		return err
	}
	defer s.source.Unsubscribe(handle)

	mw := multipart.NewWriter(w)
	if s.config.Boundary != "" {
		if err := mw.SetBoundary(s.config.Boundary); err != nil {
			return fmt.Errorf("invalid boundary: %w", err)
		}
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	s.logger.Info("MJPEG stream started")
	defer func() {
		stats := s.GetStats()
		s.logger.Info("MJPEG stream stopped",
			zap.Uint64("frames_sent", stats.FramesSent),
			zap.Uint64("frames_skipped", stats.FramesSkipped),
			zap.Uint64("write_errors", stats.WriteErrors))
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-s.ended:
			return err

		case frame := <-s.latest:
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			// a newer frame may have landed while waiting
			select {
			case newer := <-s.latest:
				s.skipCount.Add(1)
				frame = newer
			default:
			}

			if err := s.writeFrame(mw, rc, frame); err != nil {
				s.sendErrors.Add(1)
				return err
			}
		}
	}
}

func (s *Streamer) writeFrame(mw *multipart.Writer, rc *http.ResponseController, frame feed.Frame) error {
	if s.config.WriteTimeout > 0 {
		_ = rc.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", strconv.Itoa(len(frame.Data)))
	header.Set("X-Timestamp", strconv.FormatInt(frame.Timestamp, 10))

	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to write part header: %w", err)
	}
	if _, err := part.Write(frame.Data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("failed to flush frame: %w", err)
	}

	n := s.frameCount.Add(1)
	s.bytesSent.Add(uint64(len(frame.Data)))

	// Log progress periodically
	if n%100 == 0 {
		s.logger.Debug("Streaming progress",
			zap.Uint64("frames", n),
			zap.Uint64("skipped", s.skipCount.Load()))
	}
	return nil
}

// GetStats returns streaming statistics
func (s *Streamer) GetStats() StreamerStats {
	return StreamerStats{
		FramesSent:    s.frameCount.Load(),
		FramesSkipped: s.skipCount.Load(),
		BytesSent:     s.bytesSent.Load(),
		WriteErrors:   s.sendErrors.Load(),
	}
}

// Camera returns the camera being streamed
func (s *Streamer) Camera() codec.CameraID {
	return s.camera
}
