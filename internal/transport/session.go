// Package transport implements TransportSession: a signaling client
// (dialed over github.com/gorilla/websocket) that negotiates a
// github.com/pion/webrtc/v4 PeerConnection carrying the two data channels
// the rest of the system depends on, and that reconnects on its own after
// a drop (spec.md §4.1).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// State is the session's reconnect state machine position.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const (
	connectTimeout        = 10 * time.Second
	reconnectBackoff      = 1 * time.Second
	retryBackoff          = 2 * time.Second
	dialHandshakeDeadline = 5 * time.Second
)

// Config configures a Session. SignalingURLs are tried in order, from the
// first, on each connect attempt; the first one that dials successfully is
// used for that attempt.
type Config struct {
	SignalingURLs []string
	ChannelID     string
	Metadata      json.RawMessage
	CtrlLabel     string
	StateLabel    string
}

// Session owns one logical connection to the remote peer: the signaling
// websocket, the PeerConnection, and the two data channels. All mutable
// state is behind mu; callbacks are stored separately behind cbMu so a
// caller can register them before or after Start.
type Session struct {
	cfg      Config
	clientID string

	mu           sync.Mutex
	state        State
	connectionID string
	channelReady map[string]bool
	dataChannels map[string]*webrtc.DataChannel

	generation atomic.Uint64
	dropped    atomic.Uint64

	stopCh chan struct{}
	doneCh chan struct{}

	cbMu        sync.RWMutex
	onCtrl      func([]byte)
	onHeartbeat func([]byte)
	onEstop     func([]byte)
	onStateUp   func()
	onStateDown func()
}

// New returns a Session in state Idle. Call Start to begin connecting.
func New(cfg Config) *Session {
	return &Session{
		cfg:          cfg,
		clientID:     uuid.NewString(),
		state:        Idle,
		channelReady: make(map[string]bool),
		dataChannels: make(map[string]*webrtc.DataChannel),
	}
}

// --- Callback setters, mirroring the teacher's Set* pattern. ---

func (s *Session) SetOnCtrl(fn func([]byte))      { s.cbMu.Lock(); s.onCtrl = fn; s.cbMu.Unlock() }
func (s *Session) SetOnHeartbeat(fn func([]byte)) { s.cbMu.Lock(); s.onHeartbeat = fn; s.cbMu.Unlock() }
func (s *Session) SetOnEstop(fn func([]byte))     { s.cbMu.Lock(); s.onEstop = fn; s.cbMu.Unlock() }
func (s *Session) SetOnStateUp(fn func())         { s.cbMu.Lock(); s.onStateUp = fn; s.cbMu.Unlock() }
func (s *Session) SetOnStateDown(fn func())       { s.cbMu.Lock(); s.onStateDown = fn; s.cbMu.Unlock() }

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		slog.Info("session state change", "from", prev, "to", st)
	}
}

// State reports the current reconnect state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session is fully established (spec.md
// §4.1: "connected" means signaling matched and both data channels open).
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Connected
}

// StateReady reports whether the state channel specifically is open,
// which is what StatePublisher actually needs to know.
func (s *Session) StateReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Connected && s.channelReady[s.cfg.StateLabel]
}

// Send enqueues data on the named channel. It never blocks: if the
// channel isn't open the send is dropped and counted (spec.md §4.1).
func (s *Session) Send(label string, data []byte) error {
	s.mu.Lock()
	dc := s.dataChannels[label]
	ready := s.channelReady[label]
	s.mu.Unlock()

	if !ready || dc == nil {
		s.dropped.Add(1)
		return fmt.Errorf("transport: channel %q not ready", label)
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		s.dropped.Add(1)
		return fmt.Errorf("transport: channel %q not open", label)
	}
	if err := dc.Send(data); err != nil {
		s.dropped.Add(1)
		return err
	}
	return nil
}

// Dropped returns the cumulative count of sends rejected by Send.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Start begins the connect/reconnect loop in the background and returns
// immediately.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop tears the session down and blocks until the background loop has
// exited.
func (s *Session) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	if doneCh != nil {
		<-doneCh
	}
	s.setState(Idle)
}

func (s *Session) run(ctx context.Context) {
	s.mu.Lock()
	doneCh := s.doneCh
	stopCh := s.stopCh
	s.mu.Unlock()
	defer close(doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		gen := s.generation.Add(1)
		s.setState(Connecting)

		err := s.connectOnce(ctx, gen, stopCh)

		if err != nil {
			slog.Warn("connect attempt failed", "err", err)
			s.setState(Disconnected)
			if !s.sleep(ctx, stopCh, retryBackoff) {
				return
			}
			continue
		}

		// connectOnce blocks until the connection drops (or ctx/stop fires).
		s.setState(Disconnected)
		s.fireStateDown(gen)
		if !s.sleep(ctx, stopCh, reconnectBackoff) {
			return
		}
	}
}

func (s *Session) sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}

// connectOnce performs one full dial-negotiate-run cycle: it blocks until
// the resulting connection is lost, ctx is canceled, or the initial
// handshake fails/times out.
func (s *Session) connectOnce(ctx context.Context, gen uint64, stopCh <-chan struct{}) error {
	if len(s.cfg.SignalingURLs) == 0 {
		return errors.New("transport: no signaling urls configured")
	}

	var lastErr error
	for _, url := range s.cfg.SignalingURLs {
		dialer := websocket.Dialer{HandshakeTimeout: dialHandshakeDeadline}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		return s.runConnection(ctx, conn, gen, stopCh)
	}
	return fmt.Errorf("transport: all signaling urls failed: %w", lastErr)
}

// runConnection owns one websocket+PeerConnection pair end to end: it
// sends the connect handshake, negotiates WebRTC from the inbound offer,
// waits for both data channels to open, flips state to Connected, then
// blocks pumping signaling messages until the socket closes or the
// context is canceled.
func (s *Session) runConnection(ctx context.Context, wsConn *websocket.Conn, gen uint64, stopCh <-chan struct{}) error {
	defer wsConn.Close()

	pc, err := newPeerConnection()
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	defer pc.Close()

	openCh := make(chan struct{})
	var openOnce sync.Once
	var ctrlOpen, stateOpen, notifyMatched atomic.Bool

	// checkReady closes openCh the first time both data channels have
	// opened AND the matching "connection.created" notify has arrived,
	// per spec.md §4.1's two-part readiness condition.
	checkReady := func() {
		if ctrlOpen.Load() && stateOpen.Load() && notifyMatched.Load() {
			openOnce.Do(func() { close(openCh) })
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.generation.Load() != gen {
			return
		}
		init := c.ToJSON()
		msg := signalingCandidate{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex}
		if err := wsConn.WriteJSON(msg); err != nil {
			slog.Warn("send ice candidate failed", "err", err)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if s.generation.Load() != gen {
			return
		}
		label := dc.Label()
		s.mu.Lock()
		s.dataChannels[label] = dc
		s.mu.Unlock()

		dc.OnOpen(func() {
			if s.generation.Load() != gen {
				return
			}
			s.mu.Lock()
			s.channelReady[label] = true
			s.mu.Unlock()
			switch label {
			case s.cfg.CtrlLabel:
				ctrlOpen.Store(true)
			case s.cfg.StateLabel:
				stateOpen.Store(true)
			}
			checkReady()
		})
		dc.OnClose(func() {
			if s.generation.Load() != gen {
				return
			}
			s.mu.Lock()
			s.channelReady[label] = false
			s.mu.Unlock()
		})
		if label == s.cfg.CtrlLabel {
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				if s.generation.Load() != gen {
					return
				}
				s.dispatchCtrlChannel(msg.Data)
			})
		}
	})

	connMsg := signalingConnect{
		Type:      "connect",
		Role:      "vehicle",
		ChannelID: s.cfg.ChannelID,
		ClientID:  s.clientID,
		Metadata:  s.cfg.Metadata,
		DataChannels: []dcSpec{
			{Label: s.cfg.CtrlLabel, Direction: "recvonly", Ordered: true},
			{Label: s.cfg.StateLabel, Direction: "sendonly", Ordered: true},
		},
	}
	if err := wsConn.WriteJSON(connMsg); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	readErrCh := make(chan error, 1)
	go s.signalingReadLoop(wsConn, pc, gen, readErrCh, &notifyMatched, checkReady)

	openTimer := time.NewTimer(connectTimeout)
	defer openTimer.Stop()

	select {
	case <-openCh:
	case err := <-readErrCh:
		return fmt.Errorf("signaling closed before channels opened: %w", err)
	case <-openTimer.C:
		return errors.New("transport: timed out waiting for the session to connect")
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.state = Connected
	connID := s.connectionID
	s.mu.Unlock()
	slog.Info("session connected", "connection_id", connID)
	s.fireStateUp(gen)

	select {
	case err := <-readErrCh:
		slog.Info("signaling connection closed", "err", err)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return nil
	}
}

// signalingReadLoop pumps inbound signaling frames (offer/notify/
// candidate/disconnect) until the connection closes. Stale frames
// (arriving after a newer generation has started) are ignored.
func (s *Session) signalingReadLoop(conn *websocket.Conn, pc *PeerConnection, gen uint64, errCh chan<- error, notifyMatched *atomic.Bool, checkReady func()) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if s.generation.Load() != gen {
			continue
		}
		s.handleSignalingMessage(conn, pc, raw, notifyMatched, checkReady)
	}
}

func (s *Session) handleSignalingMessage(conn *websocket.Conn, pc *PeerConnection, raw []byte, notifyMatched *atomic.Bool, checkReady func()) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		slog.Warn("signaling message malformed", "err", err)
		return
	}

	switch head.Type {
	case "offer":
		var offer signalingOffer
		if err := json.Unmarshal(raw, &offer); err != nil {
			slog.Warn("offer malformed", "err", err)
			return
		}
		s.mu.Lock()
		s.connectionID = offer.ConnectionID
		s.mu.Unlock()
		answerSDP, err := pc.handleOffer(offer.SDP)
		if err != nil {
			slog.Warn("handle offer failed", "err", err)
			return
		}
		answer := signalingAnswer{Type: "answer", SDP: answerSDP}
		if err := conn.WriteJSON(answer); err != nil {
			slog.Warn("send answer failed", "err", err)
		}
	case "candidate":
		var cand signalingCandidate
		if err := json.Unmarshal(raw, &cand); err != nil {
			slog.Warn("candidate malformed", "err", err)
			return
		}
		if err := pc.addCandidate(cand); err != nil {
			slog.Warn("add ice candidate failed", "err", err)
		}
	case "notify":
		var n signalingNotify
		if err := json.Unmarshal(raw, &n); err != nil {
			return
		}
		slog.Info("signaling notify", "event_type", n.EventType, "connection_id", n.ConnectionID)

		s.mu.Lock()
		matches := n.ConnectionID != "" && n.ConnectionID == s.connectionID
		s.mu.Unlock()
		if n.EventType == "connection.created" && matches {
			notifyMatched.Store(true)
			checkReady()
		}
	case "disconnect":
		var d signalingDisconnect
		if err := json.Unmarshal(raw, &d); err != nil {
			return
		}
		slog.Info("signaling disconnect", "code", d.Code, "message", d.Message)
	default:
		slog.Warn("signaling message unknown type", "type", head.Type)
	}
}

func (s *Session) dispatchCtrlChannel(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		s.cbMu.RLock()
		cb := s.onCtrl
		s.cbMu.RUnlock()
		if cb != nil {
			cb(data)
		}
		return
	}
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	switch head.Type {
	case "hb":
		if s.onHeartbeat != nil {
			s.onHeartbeat(data)
		}
	case "estop":
		if s.onEstop != nil {
			s.onEstop(data)
		}
	default:
		if s.onCtrl != nil {
			s.onCtrl(data)
		}
	}
}

func (s *Session) fireStateUp(gen uint64) {
	if s.generation.Load() != gen {
		return
	}
	s.cbMu.RLock()
	cb := s.onStateUp
	s.cbMu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (s *Session) fireStateDown(gen uint64) {
	s.cbMu.RLock()
	cb := s.onStateDown
	s.cbMu.RUnlock()
	if cb != nil {
		cb()
	}
}
