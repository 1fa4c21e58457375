// Package webrtc carries the frame stream over a WebRTC data channel. The
// channel is negotiated over a WebSocket signaling connection using
// {"type":"offer"|"answer"|"ice-candidate","data":...} messages; once open,
// string messages map to text framing and binary messages to binary framing.
package webrtc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"oko-live/codec"
	"oko-live/session"
)

// Config configures the data channel transport
type Config struct {
	SignalingURL     string
	Header           http.Header
	STUNServers      []string
	Label            string
	Ordered          bool
	HandshakeTimeout time.Duration
	// BufferSize bounds messages queued between the data channel and the reader
	BufferSize int
}

// Dialer negotiates a data channel per Dial. It satisfies session.Dialer.
type Dialer struct {
	config       Config
	webrtcConfig webrtc.Configuration
	logger       *zap.Logger
}

// NewDialer creates a data channel dialer
func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	if cfg.Label == "" {
		cfg.Label = "frames"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	var iceServers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}

	return &Dialer{
		config:       cfg,
		webrtcConfig: webrtc.Configuration{ICEServers: iceServers},
		logger:       logger,
	}
}

// Dial signals an offer, applies the answer and trickled candidates, and
// returns once the data channel is open or ctx expires.
func (d *Dialer) Dial(ctx context.Context) (session.Conn, error) {
	sig, err := dialSignaling(ctx, d.config.SignalingURL, d.config.Header, d.config.HandshakeTimeout, d.logger)
	if err != nil {
		return nil, &session.TransportError{Op: "signal", Err: err}
	}

	peerID := uuid.New().String()
	peer, err := NewPeerConnection(peerID, d.webrtcConfig, d.config.Label, d.config.Ordered, d.config.BufferSize, d.logger)
	if err != nil {
		sig.close()
		return nil, &session.TransportError{Op: "dial", Err: err}
	}

	conn := &channelConn{peer: peer, signaling: sig}

	// candidates gathered before the offer is on the wire are held back
	var (
		candMu    sync.Mutex
		offerSent bool
		pending   []*webrtc.ICECandidate
	)
	sendCandidate := func(candidate *webrtc.ICECandidate) {
		if err := sig.SendICECandidate(candidate); err != nil {
			d.logger.Debug("Failed to send ICE candidate", zap.Error(err))
		}
	}
	peer.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		candMu.Lock()
		if !offerSent {
			pending = append(pending, candidate)
			candMu.Unlock()
			return
		}
		candMu.Unlock()
		sendCandidate(candidate)
	})

	signalErr := make(chan error, 1)
	go func() {
		signalErr <- sig.readPump(func(msg SignalingMessage) error {
			return d.handleMessage(peer, sig, msg)
		})
	}()

	offer, err := peer.CreateOffer()
	if err != nil {
		conn.Close()
		return nil, &session.TransportError{Op: "dial", Err: err}
	}
	if err := sig.SendOffer(*offer); err != nil {
		conn.Close()
		return nil, &session.TransportError{Op: "signal", Err: err}
	}

	candMu.Lock()
	offerSent = true
	held := pending
	pending = nil
	candMu.Unlock()
	for _, candidate := range held {
		sendCandidate(candidate)
	}

	select {
	case <-peer.Opened():
		d.logger.Info("Data channel transport connected",
			zap.String("peer_id", peer.GetID()),
			zap.String("signaling_url", d.config.SignalingURL))
		return conn, nil

	case err := <-signalErr:
		conn.Close()
		return nil, &session.TransportError{Op: "signal", Err: err}

	case <-peer.Failed():
		err := peer.Err()
		conn.Close()
		return nil, &session.TransportError{Op: "dial", Err: err}

	case <-ctx.Done():
		conn.Close()
		return nil, &session.TransportError{Op: "dial", Err: ctx.Err()}
	}
}

// handleMessage processes incoming signaling messages
func (d *Dialer) handleMessage(peer *PeerConnection, sig *signalingClient, msg SignalingMessage) error {
	switch msg.Type {
	case TypeAnswer:
		var answer webrtc.SessionDescription
		if err := unmarshalData(msg.Data, &answer); err != nil {
			return fmt.Errorf("invalid answer format: %w", err)
		}
		return peer.SetRemoteDescription(answer)

	case TypeICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := unmarshalData(msg.Data, &candidate); err != nil {
			return fmt.Errorf("invalid ICE candidate format: %w", err)
		}
		if err := peer.AddICECandidate(candidate); err != nil {
			d.logger.Debug("Ignoring ICE candidate", zap.Error(err))
		}

	case TypePing:
		return sig.sendMessage(TypePong, nil)

	case TypePong:

	case TypeError:
		return fmt.Errorf("signaling server: %s", errorText(msg.Data))

	default:
		d.logger.Debug("Ignoring signaling message", zap.String("type", msg.Type))
	}
	return nil
}

// channelConn adapts a peer to session.Conn. The signaling socket stays
// open for the life of the channel so late candidates still apply.
type channelConn struct {
	peer      *PeerConnection
	signaling *signalingClient
}

func (c *channelConn) ReadMessage() (codec.MessageType, []byte, error) {
	msgType, data, err := c.peer.ReadMessage()
	if err != nil {
		return 0, nil, &session.TransportError{Op: "read", Err: err}
	}
	return msgType, data, nil
}

// TransportStats reports the peer and data channel state
func (c *channelConn) TransportStats() map[string]interface{} {
	stats := c.peer.GetStats()
	stats["kind"] = "webrtc"
	return stats
}

func (c *channelConn) Close() error {
	c.signaling.close()
	return c.peer.Close()
}
