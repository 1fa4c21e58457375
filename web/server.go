package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"oko-live/config"
	"oko-live/feed"
	"oko-live/mjpeg"
	"oko-live/session"
	"oko-live/topology"
)

// Server represents the main web server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server

	// Handlers
	handlers *Handlers
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(cfg, logger),
	}
	s.handlers.serverInfo = s.GetServerInfo
	return s
}

// SetSession sets the session and the table it feeds
func (s *Server) SetSession(sess *session.Session, table *feed.Table) {
	s.handlers.SetSession(sess, table)
}

// SetDirectory sets the camera metadata directory
func (s *Server) SetDirectory(directory *topology.Directory) {
	s.handlers.SetDirectory(directory)
}

// SetStreamManager sets the MJPEG stream manager
func (s *Server) SetStreamManager(streams *mjpeg.Manager) {
	s.handlers.SetStreamManager(streams)
}

// SetGatherer sets the registry exposed on /metrics
func (s *Server) SetGatherer(gatherer prometheus.Gatherer) {
	s.handlers.SetGatherer(gatherer)
}

// Handler builds the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.corsMiddleware, s.loggingMiddleware)

	// API endpoints
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handlers.HandleAPIStatus).Methods("GET", "OPTIONS")
	api.HandleFunc("/config", s.handlers.HandleAPIConfig).Methods("GET", "OPTIONS")
	api.HandleFunc("/cameras", s.handlers.HandleAPICameras).Methods("GET", "OPTIONS")
	api.HandleFunc("/cameras/{id}", s.handlers.HandleAPICamera).Methods("GET", "OPTIONS")

	// Camera surfaces
	router.HandleFunc("/cameras/{id}/frame", s.handlers.HandleFrame).Methods("GET", "OPTIONS")
	router.HandleFunc("/cameras/{id}/stream", s.handlers.HandleStream).Methods("GET", "OPTIONS")

	router.HandleFunc("/", s.handlers.HandleHome).Methods("GET")
	router.HandleFunc("/dashboard", s.handlers.HandleDashboard).Methods("GET")
	router.HandleFunc("/health", s.handlers.HandleHealth).Methods("GET")
	router.Handle("/metrics", s.handlers.MetricsHandler()).Methods("GET")

	return router
}

// Start starts the web server
func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.Int("port", s.config.Server.WebPort))

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.config.Server.BindIP, s.config.Server.WebPort),
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// MJPEG streams set a deadline per part instead
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Web server error", zap.Error(err))
		}
	}()

	s.logger.Info("Web server started", zap.String("address", s.httpServer.Addr))
	return nil
}

// corsMiddleware sets CORS headers and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	allowed := s.config.Server.AllowedOrigins
	if len(allowed) == 0 {
		return "*"
	}
	for _, o := range allowed {
		if o == "*" {
			return "*"
		}
		if o == origin {
			return origin
		}
	}
	return ""
}

// loggingMiddleware logs every request once it completes
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lw, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Flush and SetWriteDeadline
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

// Stop stops the web server
func (s *Server) Stop(timeout time.Duration) error {
	s.logger.Info("Stopping web server")

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Attempt graceful shutdown
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}

	s.logger.Info("Web server stopped")
	return nil
}

// GetServerInfo returns information about the web server
func (s *Server) GetServerInfo() map[string]interface{} {
	info := map[string]interface{}{
		"bind_ip":  s.config.Server.BindIP,
		"web_port": s.config.Server.WebPort,
		"running":  s.httpServer != nil,
	}

	if s.httpServer != nil {
		info["address"] = s.httpServer.Addr
	}

	return info
}
