// Package liveness implements heartbeat tracking in both directions and
// the sticky emergency-stop beacon described in spec.md §4.5.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shota866/teleop-core/internal/protocol"
	"github.com/shota866/teleop-core/internal/vehicle"
)

// OperatorHeartbeatLost is the threshold past which the operator's
// heartbeat is considered lost (spec.md §4.4 status policy).
const OperatorHeartbeatLost = 3 * time.Second

// Sender is the subset of TransportSession LivenessSupervisor needs to
// emit outbound heartbeats.
type Sender interface {
	// Send enqueues a frame on the named data channel. Implementations
	// must never block indefinitely (spec.md §4.1).
	Send(label string, data []byte) error
	// Connected reports whether the session is fully established.
	Connected() bool
}

// Supervisor tracks heartbeat liveness and the sticky estop beacon, and
// drives the periodic server-heartbeat and stats-logging loops.
type Supervisor struct {
	mu                  sync.Mutex
	lastHeartbeatFromOp time.Time
	hasHeartbeatFromOp  bool
	lastHeartbeatSent   time.Time

	estopTriggered atomic.Bool

	integrator *vehicle.Integrator

	// wallFn is overridable for tests.
	wallFn func() time.Time
}

// New returns a Supervisor wired to integrator for estop propagation.
func New(integrator *vehicle.Integrator) *Supervisor {
	return &Supervisor{integrator: integrator, wallFn: time.Now}
}

// OnHeartbeat records an inbound operator heartbeat, regardless of which
// channel it arrived on (spec.md §4.2: "hb ... routed ... regardless of
// channel label").
func (s *Supervisor) OnHeartbeat(_ protocol.HBFrame) {
	s.mu.Lock()
	s.lastHeartbeatFromOp = s.wallFn()
	s.hasHeartbeatFromOp = true
	s.mu.Unlock()
}

// OnEstop triggers the integrator's emergency stop and sets the sticky
// beacon. The beacon is never cleared by ClearEstop — see spec.md's
// Design Notes.
func (s *Supervisor) OnEstop(_ protocol.EstopFrame) {
	s.integrator.TriggerEstop()
	s.estopTriggered.Store(true)
	slog.Warn("estop triggered by inbound message")
}

// TriggerLocalEstop exposes the same action for the surrounding process
// (e.g. a CLI flag or OS signal) to call directly.
func (s *Supervisor) TriggerLocalEstop() {
	s.integrator.TriggerEstop()
	s.estopTriggered.Store(true)
	slog.Warn("estop triggered locally")
}

// ClearEstop clears the integrator's active estop flag. It intentionally
// does not clear the sticky beacon (spec.md §9 Design Notes).
func (s *Supervisor) ClearEstop() {
	s.integrator.ClearEstop()
}

// EstopTriggered reports whether the sticky beacon has ever been set.
func (s *Supervisor) EstopTriggered() bool {
	return s.estopTriggered.Load()
}

// HeartbeatAge returns the time since the last inbound operator
// heartbeat, and whether one has ever arrived.
func (s *Supervisor) HeartbeatAge(now time.Time) (age time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasHeartbeatFromOp {
		return 0, false
	}
	return now.Sub(s.lastHeartbeatFromOp), true
}

// RunHeartbeatLoop sends a server heartbeat on the state channel every
// HeartbeatPeriod while connected, polling at 100ms per spec.md §5's
// scheduling model ("Heartbeat loop (polls every 100 ms; acts on 1 s
// boundary)").
func (s *Supervisor) RunHeartbeatLoop(ctx context.Context, sender Sender, stateLabel string) {
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			now := s.wallFn()
			s.mu.Lock()
			due := now.Sub(s.lastHeartbeatSent) >= vehicle.HeartbeatPeriod
			s.mu.Unlock()
			if !due || !sender.Connected() {
				continue
			}
			s.mu.Lock()
			s.lastHeartbeatSent = now
			s.mu.Unlock()

			hb := protocol.HBFrame{Type: protocol.TypeHB, Role: "server", T: now.UnixMilli(), Label: "#" + stateLabelSuffix(stateLabel)}
			data, err := protocol.Marshal(hb)
			if err != nil {
				slog.Error("marshal heartbeat", "err", err)
				continue
			}
			if err := sender.Send(stateLabel, data); err != nil {
				slog.Warn("send heartbeat failed", "err", err)
			}
		}
	}
}

func stateLabelSuffix(label string) string {
	for len(label) > 0 && label[0] == '#' {
		label = label[1:]
	}
	return label
}

// RunStatsLoop logs received/dropped command counts and operator
// heartbeat age every 5 seconds, matching the teacher's RunMetrics idiom
// (periodic ticker, guarded ctx.Done exit, single log line per tick).
func (s *Supervisor) RunStatsLoop(ctx context.Context, statsFn func() (accepted, dropped int64)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accepted, dropped := statsFn()
			now := s.wallFn()
			age, ok := s.HeartbeatAge(now)
			hbAge := "never"
			if ok {
				hbAge = humanize.RelTime(now.Add(-age), now, "ago", "")
			}
			slog.Info("stats",
				"ctrl_accepted", humanize.Comma(accepted),
				"ctrl_dropped", humanize.Comma(dropped),
				"hb_age", hbAge,
			)
		}
	}
}
