package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Signaling message types
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// SignalingMessage represents a WebRTC signaling message
type SignalingMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// signalingClient is the viewer's end of the signaling WebSocket
type signalingClient struct {
	conn   *websocket.Conn
	logger *zap.Logger

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	closeOnce sync.Once
}

// dialSignaling connects to the signaling endpoint
func dialSignaling(ctx context.Context, url string, header http.Header, timeout time.Duration, logger *zap.Logger) (*signalingClient, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("signaling dial failed: %w", err)
	}

	return &signalingClient{
		conn:   conn,
		logger: logger,
	}, nil
}

// Messages are written with a deadline so a stalled server can't block negotiation
func (c *signalingClient) sendMessage(msgType string, data interface{}) error {
	jsonData, err := json.Marshal(SignalingMessage{Type: msgType, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, jsonData); err != nil {
		return fmt.Errorf("signaling write failed: %w", err)
	}
	return nil
}

// SendOffer sends a WebRTC offer to the server
func (c *signalingClient) SendOffer(offer webrtc.SessionDescription) error {
	return c.sendMessage(TypeOffer, offer)
}

// SendICECandidate sends a local ICE candidate to the server
func (c *signalingClient) SendICECandidate(candidate *webrtc.ICECandidate) error {
	if candidate == nil {
		return nil
	}
	return c.sendMessage(TypeICECandidate, candidate.ToJSON())
}

// readPump dispatches inbound signaling messages until the connection fails
func (c *signalingClient) readPump(handle func(SignalingMessage) error) error {
	for {
		var msg SignalingMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return err
		}

		c.logger.Debug("Received signaling message", zap.String("type", msg.Type))

		if err := handle(msg); err != nil {
			return err
		}
	}
}

func (c *signalingClient) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	})
}

// unmarshalData unmarshals message data into a target structure
func unmarshalData(data interface{}, target interface{}) error {
	// Convert to JSON and back to properly unmarshal
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return json.Unmarshal(jsonData, target)
}

// errorText extracts the message of an "error" signaling message
func errorText(data interface{}) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := unmarshalData(data, &body); err != nil || body.Message == "" {
		return "unspecified signaling error"
	}
	return body.Message
}
