package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"oko-live/config"
	"oko-live/feed"
	"oko-live/mjpeg"
	"oko-live/session"
	"oko-live/topology"
	"oko-live/web"
	"oko-live/webrtc"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "Oko Live Feed Client"
	AppVersion        = "1.0.0"
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	// Components
	directory *topology.Directory
	table     *feed.Table
	router    *feed.Router
	session   *session.Session
	streams   *mjpeg.Manager
	webServer *web.Server
}

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", DefaultConfigPath, "Path to configuration file")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides [logging] level")
		writeConfig = flag.String("write-config", "", "Write the effective configuration to this path and exit")
		version     = flag.Bool("version", false, "Show version information")
		help        = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Receives the live camera frame stream and serves it to local viewers")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Println("\nEnvironment Variables:")
		fmt.Printf("  %s - Override the frame stream endpoint\n", config.EndpointEnv)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *writeConfig != "" {
		if err := config.SaveConfig(cfg, *writeConfig); err != nil {
			fmt.Printf("Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration written to %s\n", *writeConfig)
		os.Exit(0)
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}

	// Create logger
	logger, err := createLogger(level, cfg.Limits.MaxLogFiles)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))

	logger.Info("Configuration loaded",
		zap.String("endpoint", cfg.Session.Endpoint),
		zap.String("transport", cfg.Session.Transport),
		zap.Bool("topology", cfg.Topology.Enabled),
		zap.Int("web_port", cfg.Server.WebPort))

	// Create application
	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}

	// Set up signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start application
	if err := app.Start(ctx); err != nil {
		logger.Fatal("Failed to start application", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.loadTopology(gctx) })
	g.Go(func() error { return app.logStats(gctx) })

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Received shutdown signal")
	stop()

	// Graceful shutdown
	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.Seconds(cfg.Timeouts.ShutdownTimeout))
	defer shutdownCancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Background task failed", zap.Error(err))
	}

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}

// NewApplication wires every component without starting anything
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	a := &Application{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	feedMetrics, err := feed.NewMetrics(a.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register feed metrics: %w", err)
	}
	sessionMetrics, err := session.NewMetrics(a.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register session metrics: %w", err)
	}

	tableConfig := feed.TableConfig{
		ReleaseIdle: cfg.Feed.ReleaseIdle,
		Metrics:     feedMetrics,
	}
	if cfg.Topology.Enabled {
		client := topology.NewClient(topology.ClientConfig{
			BaseURL: cfg.Topology.BaseURL,
			Timeout: config.Seconds(cfg.Topology.RequestTimeout),
			Header:  a.authHeader(),
		}, logger)
		a.directory = topology.NewDirectory(client, logger)
		tableConfig.Gate = a.directory
		tableConfig.Metadata = a.directory
	}

	a.table = feed.NewTable(tableConfig, logger)
	a.router = feed.NewRouter(a.table, feed.RouterConfig{
		InboxSize:        cfg.Session.InboxSize,
		FrameLogInterval: cfg.Logging.FrameLogInterval,
		Metrics:          feedMetrics,
	}, logger)

	a.session = session.New(session.Config{
		Backoff:        backoffConfig(cfg.Reconnect),
		ConnectTimeout: config.Seconds(cfg.Timeouts.ConnectTimeout),
		StopTimeout:    config.Seconds(cfg.Timeouts.StopTimeout),
		Metrics:        sessionMetrics,
	}, a.newDialer(), a.router, a.table, logger)

	a.streams = mjpeg.NewManager(mjpeg.StreamerConfig{
		MaxFPS:       cfg.MJPEG.MaxFPS,
		WriteTimeout: config.Seconds(cfg.Timeouts.StreamWriteTimeout),
	}, a.session, logger)

	if cfg.Server.Enabled {
		a.webServer = web.NewServer(cfg, logger)
		a.webServer.SetSession(a.session, a.table)
		a.webServer.SetDirectory(a.directory)
		a.webServer.SetStreamManager(a.streams)
		a.webServer.SetGatherer(a.registry)
	}

	return a, nil
}

// newDialer picks the transport named in [session] transport
func (a *Application) newDialer() session.Dialer {
	cfg := a.config
	switch cfg.Session.Transport {
	case config.TransportWebRTC:
		return webrtc.NewDialer(webrtc.Config{
			SignalingURL:     cfg.WebRTC.SignalingURL,
			Header:           a.authHeader(),
			STUNServers:      cfg.WebRTC.STUNServers,
			Label:            cfg.WebRTC.Label,
			Ordered:          cfg.WebRTC.Ordered,
			HandshakeTimeout: config.Seconds(cfg.Timeouts.HandshakeTimeout),
			BufferSize:       cfg.WebRTC.BufferSize,
		}, a.logger)
	default:
		return session.NewWebSocketDialer(session.WebSocketConfig{
			URL:              cfg.Session.Endpoint,
			Header:           a.authHeader(),
			HandshakeTimeout: config.Seconds(cfg.Timeouts.HandshakeTimeout),
			ReadLimit:        int64(cfg.Session.ReadLimitMB) << 20,
			PingInterval:     config.Seconds(cfg.Session.PingSeconds),
		}, a.logger)
	}
}

func (a *Application) authHeader() http.Header {
	header := http.Header{}
	if token := a.config.Session.AuthToken; token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

// Start starts all application components
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting application components")

	if err := a.session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	if a.webServer != nil {
		if err := a.webServer.Start(); err != nil {
			return fmt.Errorf("failed to start web server: %w", err)
		}
	}

	a.logger.Info("Application started successfully")
	return nil
}

// loadTopology seeds the table with the backend's camera list, retrying
// until it succeeds or ctx ends
func (a *Application) loadTopology(ctx context.Context) error {
	if a.directory == nil {
		return nil
	}

	backoff := session.NewBackoff(backoffConfig(a.config.Reconnect))

	for {
		err := a.directory.Load(ctx, a.router)
		if err == nil {
			a.logger.Info("Camera topology loaded", zap.Int("cameras", len(a.directory.Cameras())))
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := backoff.Next()
		a.logger.Warn("Failed to load camera topology, retrying",
			zap.Error(err),
			zap.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// logStats periodically logs session counters
func (a *Application) logStats(ctx context.Context) error {
	interval := config.Seconds(a.config.Logging.StatsLogInterval)
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := a.session.Stats()
			a.logger.Info("Session statistics",
				zap.String("state", stats.State),
				zap.Uint64("connects", stats.Connects),
				zap.Uint64("messages", stats.MessagesReceived),
				zap.Uint64("frames_installed", stats.Router.FramesInstalled),
				zap.Uint64("frames_stale", stats.Router.FramesStale),
				zap.Uint64("malformed", stats.Router.Malformed),
				zap.Int("cameras", stats.Feed.Cameras),
				zap.Int("subscriptions", stats.Feed.Subscriptions),
				zap.Int("mjpeg_streams", a.streams.ActiveStreams()))
		}
	}
}

// Stop gracefully stops all application components
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	done := make(chan struct{})
	go func() {
		defer close(done)

		// Viewer streams first so HTTP shutdown is not held open by them
		a.streams.Stop()

		if a.webServer != nil {
			if err := a.webServer.Stop(config.Seconds(a.config.Timeouts.HTTPShutdownTimeout)); err != nil {
				a.logger.Error("Error stopping web server", zap.Error(err))
			}
		}

		a.session.Stop()

		if a.directory != nil {
			a.directory.Close()
		}
	}()

	select {
	case <-done:
		a.logger.Info("All components stopped gracefully")
		return nil
	case <-ctx.Done():
		a.logger.Warn("Shutdown timeout reached, forcing exit")
		return ctx.Err()
	}
}

// createLogger creates a structured logger
func createLogger(level string, maxLogFiles int) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	// Prepare log directory and file path
	const logDir = "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(logDir, fmt.Sprintf("oko-live-%s.log", ts))

	// Clean up old logs, keeping the newest maxLogFiles
	if maxLogFiles > 0 {
		files, _ := filepath.Glob(filepath.Join(logDir, "oko-live-*.log"))
		if len(files) > maxLogFiles {
			sort.Strings(files) // lexicographic order matches timestamp
			for _, f := range files[:len(files)-maxLogFiles] {
				_ = os.Remove(f)
			}
		}
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return config.Build()
}

// backoffConfig maps the reconnect section; a configured jitter of 0 means
// fixed delays
func backoffConfig(r config.ReconnectConfig) session.BackoffConfig {
	initial, max := r.Durations()
	jitter := r.Jitter
	if jitter == 0 {
		jitter = session.NoJitter
	}
	return session.BackoffConfig{
		Initial:    initial,
		Max:        max,
		Multiplier: r.Multiplier,
		Jitter:     jitter,
	}
}
