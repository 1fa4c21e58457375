package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"oko-live/codec"
)

// ErrPeerClosed is returned by ReadMessage once the peer connection is gone
var ErrPeerClosed = errors.New("peer connection closed")

type inbound struct {
	msgType codec.MessageType
	data    []byte
}

// PeerConnection is the viewer-side peer. It offers a single data channel
// over which the server pushes frame and topology messages.
type PeerConnection struct {
	id     string
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	logger *zap.Logger

	messages chan inbound
	opened   chan struct{}
	failed   chan struct{}

	mu       sync.Mutex
	closed   bool
	failOnce sync.Once
	openOnce sync.Once
	failErr  error
}

// NewPeerConnection creates a peer with one data channel named label
func NewPeerConnection(id string, config webrtc.Configuration, label string, ordered bool, buffer int, logger *zap.Logger) (*PeerConnection, error) {
	if buffer <= 0 {
		buffer = 64
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	peer := &PeerConnection{
		id:       id,
		pc:       pc,
		dc:       dc,
		logger:   logger.With(zap.String("peer_id", id)),
		messages: make(chan inbound, buffer),
		opened:   make(chan struct{}),
		failed:   make(chan struct{}),
	}
	peer.setupEventHandlers()

	peer.logger.Info("Peer connection created", zap.String("label", label), zap.Bool("ordered", ordered))
	return peer, nil
}

// setupEventHandlers configures WebRTC event handlers
func (p *PeerConnection) setupEventHandlers() {
	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debug("ICE connection state changed", zap.String("state", state.String()))
	})

	// Connection state change - primary handler for lifecycle
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("Peer connection state changed", zap.String("state", state.String()))

		switch state {
		case webrtc.PeerConnectionStateFailed:
			p.fail(fmt.Errorf("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			p.fail(ErrPeerClosed)
		case webrtc.PeerConnectionStateDisconnected:
			// ICE may still recover; the session reconnects only on failure
			p.logger.Warn("Peer connection disconnected, waiting for recovery")
		}
	})

	p.dc.OnOpen(func() {
		p.logger.Info("Data channel opened", zap.String("label", p.dc.Label()))
		p.openOnce.Do(func() { close(p.opened) })
	})

	p.dc.OnClose(func() {
		p.fail(fmt.Errorf("data channel %q closed", p.dc.Label()))
	})

	p.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		in := inbound{msgType: codec.BinaryMessage, data: msg.Data}
		if msg.IsString {
			in.msgType = codec.TextMessage
		}

		// blocking here backpressures the SCTP stream like a slow socket reader would
		select {
		case p.messages <- in:
		case <-p.failed:
		}
	})
}

func (p *PeerConnection) fail(err error) {
	p.failOnce.Do(func() {
		p.mu.Lock()
		p.failErr = err
		p.mu.Unlock()
		close(p.failed)
	})
}

// CreateOffer creates a WebRTC offer and sets it as the local description
func (p *PeerConnection) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	p.logger.Debug("WebRTC offer created")
	return &offer, nil
}

// SetRemoteDescription sets the server's answer
func (p *PeerConnection) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// AddICECandidate adds a remote ICE candidate
func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// OnICECandidate sets the ICE candidate handler
func (p *PeerConnection) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(handler)
}

// Opened is closed once the data channel is usable
func (p *PeerConnection) Opened() <-chan struct{} {
	return p.opened
}

// Failed is closed once the peer can no longer deliver messages
func (p *PeerConnection) Failed() <-chan struct{} {
	return p.failed
}

// Err returns why the peer failed, if it has
func (p *PeerConnection) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failErr
}

// ReadMessage blocks for the next data channel message
func (p *PeerConnection) ReadMessage() (codec.MessageType, []byte, error) {
	select {
	case in := <-p.messages:
		return in.msgType, in.data, nil
	case <-p.failed:
		// drain what arrived before the failure
		select {
		case in := <-p.messages:
			return in.msgType, in.data, nil
		default:
		}
		return 0, nil, p.Err()
	}
}

// GetStats returns connection statistics
func (p *PeerConnection) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"id":                   p.GetID(),
		"connection_state":     p.pc.ConnectionState().String(),
		"ice_connection_state": p.pc.ICEConnectionState().String(),
		"signaling_state":      p.pc.SignalingState().String(),
		"data_channel_state":   p.dc.ReadyState().String(),
		"queued_messages":      len(p.messages),
	}
}

// Close closes the peer connection and releases resources
func (p *PeerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.fail(ErrPeerClosed)

	if err := p.pc.Close(); err != nil {
		p.logger.Error("Error closing peer connection", zap.Error(err))
		return err
	}

	p.logger.Info("Peer connection closed")
	return nil
}

// GetID returns the peer connection ID
func (p *PeerConnection) GetID() string {
	return p.id
}
