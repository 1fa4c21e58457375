package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// EndpointEnv overrides Session.Endpoint when set
const EndpointEnv = "OKO_ENDPOINT"

// Transport names accepted in [session] transport
const (
	TransportWebSocket = "websocket"
	TransportWebRTC    = "webrtc"
)

// Config represents the application configuration
type Config struct {
	Session   SessionConfig   `toml:"session" json:"session"`
	Reconnect ReconnectConfig `toml:"reconnect" json:"reconnect"`
	Topology  TopologyConfig  `toml:"topology" json:"topology"`
	Feed      FeedConfig      `toml:"feed" json:"feed"`
	WebRTC    WebRTCConfig    `toml:"webrtc" json:"webrtc"`
	MJPEG     MJPEGConfig     `toml:"mjpeg" json:"mjpeg"`
	Server    ServerConfig    `toml:"server" json:"server"`
	Timeouts  TimeoutConfig   `toml:"timeouts" json:"timeouts"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`
	Limits    LimitConfig     `toml:"limits" json:"limits"`
}

// SessionConfig holds the frame stream connection settings
type SessionConfig struct {
	Endpoint    string `toml:"endpoint" json:"endpoint"`
	Transport   string `toml:"transport" json:"transport"`
	AuthToken   string `toml:"auth_token" json:"-"`
	ReadLimitMB int    `toml:"read_limit_mb" json:"read_limit_mb"`
	PingSeconds int    `toml:"ping_interval_seconds" json:"ping_interval_seconds"`
	InboxSize   int    `toml:"inbox_size" json:"inbox_size"`
}

// ReconnectConfig holds backoff settings
type ReconnectConfig struct {
	InitialMs  int     `toml:"initial_interval_ms" json:"initial_interval_ms"`
	MaxMs      int     `toml:"max_interval_ms" json:"max_interval_ms"`
	Multiplier float64 `toml:"multiplier" json:"multiplier"`
	Jitter     float64 `toml:"jitter" json:"jitter"`
}

// TopologyConfig holds the camera directory settings
type TopologyConfig struct {
	Enabled        bool   `toml:"enabled" json:"enabled"`
	BaseURL        string `toml:"base_url" json:"base_url"`
	RequestTimeout int    `toml:"request_timeout_seconds" json:"request_timeout_seconds"`
}

// FeedConfig holds frame table settings
type FeedConfig struct {
	ReleaseIdle bool `toml:"release_idle" json:"release_idle"`
}

// WebRTCConfig holds data channel transport settings
type WebRTCConfig struct {
	SignalingURL string   `toml:"signaling_url" json:"signaling_url"`
	STUNServers  []string `toml:"stun_servers" json:"stun_servers"`
	Label        string   `toml:"label" json:"label"`
	Ordered      bool     `toml:"ordered" json:"ordered"`
	BufferSize   int      `toml:"buffer_size" json:"buffer_size"`
}

// MJPEGConfig holds viewer stream settings
type MJPEGConfig struct {
	MaxFPS int `toml:"max_fps" json:"max_fps"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	Enabled        bool     `toml:"enabled" json:"enabled"`
	WebPort        int      `toml:"web_port" json:"web_port"`
	BindIP         string   `toml:"bind_ip" json:"bind_ip"`
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"` // empty allows any origin
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	ConnectTimeout      int `toml:"connect_timeout_seconds" json:"connect_timeout_seconds"`
	HandshakeTimeout    int `toml:"handshake_timeout_seconds" json:"handshake_timeout_seconds"`
	StopTimeout         int `toml:"stop_timeout_seconds" json:"stop_timeout_seconds"`
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
	StreamWriteTimeout  int `toml:"stream_write_timeout_seconds" json:"stream_write_timeout_seconds"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level            string `toml:"level" json:"level"`
	FrameLogInterval int    `toml:"frame_log_interval" json:"frame_log_interval"`
	StatsLogInterval int    `toml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
}

// LimitConfig holds resource limit settings
type LimitConfig struct {
	MaxLogFiles int `toml:"max_log_files" json:"max_log_files"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Endpoint:    "ws://localhost:8000/ws/frames",
			Transport:   TransportWebSocket,
			ReadLimitMB: 16,
			PingSeconds: 15,
			InboxSize:   256,
		},
		Reconnect: ReconnectConfig{
			InitialMs:  500,
			MaxMs:      30000,
			Multiplier: 2.0,
			Jitter:     0.2,
		},
		Topology: TopologyConfig{
			Enabled:        true,
			BaseURL:        "http://localhost:8000",
			RequestTimeout: 5,
		},
		Feed: FeedConfig{
			ReleaseIdle: false,
		},
		WebRTC: WebRTCConfig{
			SignalingURL: "ws://localhost:8000/ws/signaling",
			STUNServers:  []string{"stun:stun.l.google.com:19302"},
			Label:        "frames",
			Ordered:      true,
			BufferSize:   64,
		},
		MJPEG: MJPEGConfig{
			MaxFPS: 15,
		},
		Server: ServerConfig{
			Enabled: true,
			WebPort: 8080,
			BindIP:  "0.0.0.0",
		},
		Timeouts: TimeoutConfig{
			ConnectTimeout:      10,
			HandshakeTimeout:    10,
			StopTimeout:         5,
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
			StreamWriteTimeout:  10,
		},
		Logging: LoggingConfig{
			Level:            "info",
			FrameLogInterval: 300,
			StatsLogInterval: 60,
		},
		Limits: LimitConfig{
			MaxLogFiles: 20,
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	if endpoint := os.Getenv(EndpointEnv); endpoint != "" {
		config.Session.Endpoint = endpoint
		logger.Info("Endpoint overridden from environment", zap.String("endpoint", endpoint))
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// Validate reports every setting that cannot be used
func (c *Config) Validate() error {
	var errs []error

	switch c.Session.Transport {
	case TransportWebSocket:
		if err := checkURL(c.Session.Endpoint, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("session.endpoint: %w", err))
		}
	case TransportWebRTC:
		if err := checkURL(c.WebRTC.SignalingURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("webrtc.signaling_url: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("session.transport: unknown transport %q", c.Session.Transport))
	}

	if c.Topology.Enabled {
		if err := checkURL(c.Topology.BaseURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("topology.base_url: %w", err))
		}
	}

	if c.Reconnect.InitialMs <= 0 {
		errs = append(errs, errors.New("reconnect.initial_interval_ms must be positive"))
	}
	if c.Reconnect.MaxMs < c.Reconnect.InitialMs {
		errs = append(errs, errors.New("reconnect.max_interval_ms must not be below initial_interval_ms"))
	}
	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, errors.New("reconnect.multiplier must be at least 1"))
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		errs = append(errs, errors.New("reconnect.jitter must be within [0, 1]"))
	}

	if c.Server.Enabled && (c.Server.WebPort <= 0 || c.Server.WebPort > 65535) {
		errs = append(errs, fmt.Errorf("server.web_port: %d out of range", c.Server.WebPort))
	}
	if c.MJPEG.MaxFPS < 0 {
		errs = append(errs, errors.New("mjpeg.max_fps must not be negative"))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// Durations returns the reconnect bounds as durations
func (r ReconnectConfig) Durations() (initial, max time.Duration) {
	return time.Duration(r.InitialMs) * time.Millisecond, time.Duration(r.MaxMs) * time.Millisecond
}

// Seconds converts a whole-second setting to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
