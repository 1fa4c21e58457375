// Package topology loads the viewer's camera list from the backend. It
// supplies the initial camera set, display metadata and the view permission
// gate consulted by Subscribe.
package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"oko-live/codec"
)

// Camera is one camera as the backend reports it for the current viewer
type Camera struct {
	ID         codec.CameraID `json:"camera_id"`
	Name       string         `json:"camera_name"`
	CanControl bool           `json:"can_control"`
	CanView    bool           `json:"can_view"`
}

// ClientConfig configures the backend client
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// Header is sent with every request, e.g. the session cookie
	Header http.Header
}

// Client fetches camera metadata over HTTP
type Client struct {
	config ClientConfig
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a backend client
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// FetchCameras returns the viewer's cameras from GET {base}/api/cameras
func (c *Client) FetchCameras(ctx context.Context) ([]Camera, error) {
	url := c.config.BaseURL + "/api/cameras"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range c.config.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cameras: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("failed to fetch cameras: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var cameras []Camera
	if err := json.NewDecoder(resp.Body).Decode(&cameras); err != nil {
		return nil, fmt.Errorf("failed to decode cameras: %w", err)
	}

	valid := cameras[:0]
	for _, cam := range cameras {
		if cam.ID <= 0 {
			c.logger.Warn("Skipping camera with invalid id", zap.Int64("camera_id", int64(cam.ID)))
			continue
		}
		valid = append(valid, cam)
	}

	c.logger.Debug("Fetched cameras", zap.Int("count", len(valid)))
	return valid, nil
}
