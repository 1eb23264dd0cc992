package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerConnection wraps a pion webrtc.PeerConnection, serializing the
// SetRemoteDescription/SetLocalDescription/AddICECandidate calls that
// pion itself doesn't guard against concurrent use from the signaling
// read loop and the ICE candidate callback.
type PeerConnection struct {
	mu sync.Mutex
	pc *webrtc.PeerConnection
}

// OnICECandidate registers the local-candidate callback.
func (p *PeerConnection) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

// OnDataChannel registers the inbound-data-channel callback.
func (p *PeerConnection) OnDataChannel(fn func(*webrtc.DataChannel)) {
	p.pc.OnDataChannel(fn)
}

// Close tears down the underlying PeerConnection.
func (p *PeerConnection) Close() error {
	return p.pc.Close()
}

// newPeerConnection builds a PeerConnection with a minimal STUN-only ICE
// configuration; the data plane never needs a TURN relay in the expected
// deployment (operator and vehicle on the same local network or VPN).
func newPeerConnection() (*PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}
	return &PeerConnection{pc: pc}, nil
}

// handleOffer applies a remote SDP offer and returns the local SDP answer.
func (p *PeerConnection) handleOffer(sdp string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// addCandidate applies a trickled remote ICE candidate.
func (p *PeerConnection) addCandidate(c signalingCandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	return p.pc.AddICECandidate(init)
}
