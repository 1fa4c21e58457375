package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"oko-live/codec"
	"oko-live/config"
	"oko-live/feed"
	"oko-live/mjpeg"
	"oko-live/session"
	"oko-live/topology"
)

// Handlers manages HTTP request handlers
type Handlers struct {
	config    *config.Config
	logger    *zap.Logger
	session   *session.Session
	table     *feed.Table
	directory *topology.Directory
	streams   *mjpeg.Manager
	gatherer  prometheus.Gatherer
	dashboard *template.Template

	serverInfo func() map[string]interface{}
}

// CameraView is one row of the camera table
type CameraView struct {
	ID          codec.CameraID `json:"camera_id"`
	Name        string         `json:"camera_name,omitempty"`
	CanView     bool           `json:"can_view"`
	CanControl  bool           `json:"can_control"`
	Live        bool           `json:"live"`
	Timestamp   int64          `json:"last_timestamp,omitempty"`
	FrameBytes  int            `json:"frame_bytes,omitempty"`
	Subscribers int            `json:"subscribers"`
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		config:    cfg,
		logger:    logger,
		dashboard: template.Must(template.New("dashboard").Parse(dashboardHTML)),
	}
}

// SetSession sets the session and the table it feeds
func (h *Handlers) SetSession(sess *session.Session, table *feed.Table) {
	h.session = sess
	h.table = table
}

// SetDirectory sets the camera metadata directory
func (h *Handlers) SetDirectory(directory *topology.Directory) {
	h.directory = directory
}

// SetStreamManager sets the MJPEG stream manager
func (h *Handlers) SetStreamManager(streams *mjpeg.Manager) {
	h.streams = streams
}

// SetGatherer sets the registry exposed on /metrics
func (h *Handlers) SetGatherer(gatherer prometheus.Gatherer) {
	h.gatherer = gatherer
}

// HandleHome redirects to the dashboard
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

// HandleAPIStatus returns the status of all components
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{}

	if h.serverInfo != nil {
		status["server"] = h.serverInfo()
	}

	if h.session != nil {
		status["session"] = h.session.Stats()
	}

	if h.streams != nil {
		status["mjpeg"] = h.streams.GetStats()
	}

	h.writeJSONResponse(w, status)
}

// HandleAPIConfig returns the current configuration
func (h *Handlers) HandleAPIConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, h.config)
}

// HandleAPICameras returns every camera known to the feed or the directory
func (h *Handlers) HandleAPICameras(w http.ResponseWriter, r *http.Request) {
	if h.table == nil {
		h.writeErrorResponse(w, "Feed not available", http.StatusServiceUnavailable)
		return
	}

	h.writeJSONResponse(w, h.cameraViews())
}

// HandleAPICamera returns one camera
func (h *Handlers) HandleAPICamera(w http.ResponseWriter, r *http.Request) {
	if h.table == nil {
		h.writeErrorResponse(w, "Feed not available", http.StatusServiceUnavailable)
		return
	}

	camera, ok := h.cameraID(w, r)
	if !ok {
		return
	}

	for _, view := range h.cameraViews() {
		if view.ID == camera {
			h.writeJSONResponse(w, view)
			return
		}
	}
	h.writeErrorResponse(w, "Camera not found", http.StatusNotFound)
}

// HandleFrame serves the newest frame of a camera as a single JPEG
func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	if h.table == nil {
		h.writeErrorResponse(w, "Feed not available", http.StatusServiceUnavailable)
		return
	}

	camera, ok := h.cameraID(w, r)
	if !ok {
		return
	}
	if h.directory != nil && !h.directory.CanView(camera) {
		h.writeErrorResponse(w, "Viewing not permitted", http.StatusForbidden)
		return
	}

	frame, ok := h.table.Snapshot(camera)
	if !ok {
		h.writeErrorResponse(w, "No frame available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame.Data)))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("X-Timestamp", strconv.FormatInt(frame.Timestamp, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(frame.Data)
}

// HandleStream serves a camera as an MJPEG stream until the viewer leaves
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	if h.streams == nil {
		h.writeErrorResponse(w, "Streaming not available", http.StatusServiceUnavailable)
		return
	}

	camera, ok := h.cameraID(w, r)
	if !ok {
		return
	}

	tw := &trackingWriter{ResponseWriter: w}
	err := h.streams.Serve(r.Context(), tw, camera)
	if err == nil {
		return
	}
	if tw.started {
		h.logger.Debug("MJPEG stream ended",
			zap.Int64("camera_id", int64(camera)),
			zap.Error(err))
		return
	}

	switch {
	case errors.Is(err, feed.ErrPermissionDenied):
		h.writeErrorResponse(w, "Viewing not permitted", http.StatusForbidden)
	case errors.Is(err, feed.ErrInvalidCamera):
		h.writeErrorResponse(w, "Invalid camera id", http.StatusBadRequest)
	case errors.Is(err, feed.ErrSessionClosed), errors.Is(err, mjpeg.ErrFeedClosed):
		h.writeErrorResponse(w, "Feed closed", http.StatusServiceUnavailable)
	default:
		h.logger.Warn("MJPEG stream failed to start", zap.Error(err))
		h.writeErrorResponse(w, "Stream failed", http.StatusInternalServerError)
	}
}

// trackingWriter records whether a stream has written its headers
type trackingWriter struct {
	http.ResponseWriter
	started bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.started = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.started = true
	return t.ResponseWriter.Write(b)
}

func (t *trackingWriter) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

// HandleDashboard serves a page listing every camera with its live stream
func (h *Handlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	data := struct {
		State   string
		Cameras []CameraView
	}{State: "unknown"}

	if h.session != nil {
		data.State = h.session.State().String()
	}
	if h.table != nil {
		data.Cameras = h.cameraViews()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.dashboard.Execute(w, data); err != nil {
		h.logger.Error("Failed to render dashboard", zap.Error(err))
	}
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]interface{}{
		"web_server": "running",
	}
	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	}

	if h.session != nil {
		state := h.session.State()
		services["session"] = state.String()
		if state != session.Connected {
			health["status"] = "degraded"
		}
	}

	if h.table != nil {
		services["feed"] = fmt.Sprintf("running (%d cameras)", len(h.table.Cameras()))
	}

	if h.streams != nil {
		services["mjpeg"] = fmt.Sprintf("running (%d streams)", h.streams.ActiveStreams())
	}

	h.writeJSONResponse(w, health)
}

// MetricsHandler exposes the configured registry
func (h *Handlers) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.gatherer == nil {
			h.writeErrorResponse(w, "Metrics not available", http.StatusServiceUnavailable)
			return
		}
		promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// cameraViews merges the live feed with directory metadata, ordered by id
func (h *Handlers) cameraViews() []CameraView {
	views := make(map[codec.CameraID]*CameraView)

	if h.directory != nil {
		for _, cam := range h.directory.Cameras() {
			views[cam.ID] = &CameraView{
				ID:         cam.ID,
				Name:       cam.Name,
				CanView:    cam.CanView,
				CanControl: cam.CanControl,
			}
		}
	}

	for _, id := range h.table.Cameras() {
		view, ok := views[id]
		if !ok {
			// known only to the stream
			view = &CameraView{ID: id, CanView: true}
			views[id] = view
		}
		if frame, ok := h.table.Snapshot(id); ok {
			view.Live = true
			view.Timestamp = frame.Timestamp
			view.FrameBytes = len(frame.Data)
		}
		view.Subscribers = h.table.SubscriberCount(id)
	}

	list := make([]CameraView, 0, len(views))
	for _, view := range views {
		list = append(list, *view)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (h *Handlers) cameraID(w http.ResponseWriter, r *http.Request) (codec.CameraID, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.writeErrorResponse(w, fmt.Sprintf("Invalid camera id %q", raw), http.StatusBadRequest)
		return 0, false
	}
	return codec.CameraID(id), true
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}

	json.NewEncoder(w).Encode(errorResponse)
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Live cameras</title>
<style>
body { font-family: sans-serif; background: #111; color: #eee; margin: 1em; }
.grid { display: flex; flex-wrap: wrap; gap: 1em; }
.cam { background: #222; padding: .5em; border-radius: 4px; }
.cam img { display: block; width: 480px; background: #000; }
.off { color: #888; }
</style>
</head>
<body>
<h1>Live cameras</h1>
<p>Session: <strong>{{.State}}</strong></p>
<div class="grid">
{{- range .Cameras}}
<div class="cam">
<h3>{{if .Name}}{{.Name}}{{else}}Camera {{.ID}}{{end}}</h3>
{{- if .CanView}}
<img src="/cameras/{{.ID}}/stream" alt="camera {{.ID}}">
{{- else}}
<p class="off">Viewing not permitted</p>
{{- end}}
</div>
{{- else}}
<p class="off">No cameras yet</p>
{{- end}}
</div>
</body>
</html>
`
