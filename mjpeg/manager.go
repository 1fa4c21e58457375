package mjpeg

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"oko-live/codec"
)

// streamInstance is one viewer connection
type streamInstance struct {
	id       string
	streamer *Streamer
	cancel   context.CancelFunc
}

// Manager tracks every open MJPEG viewer stream
type Manager struct {
	config StreamerConfig
	source Source
	logger *zap.Logger

	mu      sync.RWMutex
	streams map[string]*streamInstance
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates a new MJPEG stream manager
func NewManager(config StreamerConfig, source Source, logger *zap.Logger) *Manager {
	return &Manager{
		config:  config,
		source:  source,
		logger:  logger,
		streams: make(map[string]*streamInstance),
	}
}

// Serve streams camera to w until the request ends or the manager stops.
func (m *Manager) Serve(ctx context.Context, w http.ResponseWriter, camera codec.CameraID) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	instance := &streamInstance{
		id:       uuid.New().String(),
		streamer: NewStreamer(camera, m.config, m.source, m.logger),
		cancel:   cancel,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrFeedClosed
	}
	m.streams[instance.id] = instance
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.streams, instance.id)
		m.mu.Unlock()
		m.wg.Done()
	}()

	m.logger.Debug("Viewer attached",
		zap.String("stream_id", instance.id),
		zap.Int64("camera_id", int64(camera)))

	return instance.streamer.Serve(ctx, w)
}

// Stop ends every open stream and waits for them to unwind
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	for _, instance := range m.streams {
		instance.cancel()
	}
	count := len(m.streams)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("MJPEG manager stopped", zap.Int("streams_closed", count))
}

// ActiveStreams returns the number of open viewer streams
func (m *Manager) ActiveStreams() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// GetStats returns statistics for all open streams, grouped by camera
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]interface{})
	stats["active_streams"] = len(m.streams)
	stats["max_fps"] = m.config.MaxFPS

	cameras := make(map[string][]map[string]interface{})
	for id, instance := range m.streams {
		s := instance.streamer.GetStats()
		key := strconv.FormatInt(int64(instance.streamer.Camera()), 10)
		cameras[key] = append(cameras[key], map[string]interface{}{
			"stream_id":      id,
			"frames_sent":    s.FramesSent,
			"frames_skipped": s.FramesSkipped,
			"bytes_sent":     s.BytesSent,
			"write_errors":   s.WriteErrors,
		})
	}
	for _, list := range cameras {
		sort.Slice(list, func(i, j int) bool {
			return list[i]["stream_id"].(string) < list[j]["stream_id"].(string)
		})
	}
	stats["cameras"] = cameras

	return stats
}
