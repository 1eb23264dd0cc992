// Package publisher implements StatePublisher: at a fixed cadence it
// reads the integrator snapshot, composes a state message, and emits it
// on the state channel (spec.md §4.4).
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shota866/teleop-core/internal/liveness"
	"github.com/shota866/teleop-core/internal/protocol"
	"github.com/shota866/teleop-core/internal/vehicle"
)

const (
	ctrlStaleThreshold = 400 * time.Millisecond
)

// Sender is the subset of TransportSession StatePublisher needs.
type Sender interface {
	Send(label string, data []byte) error
	StateReady() bool
}

// Publisher owns the monotonic state-frame sequence counter.
type Publisher struct {
	seq      atomic.Uint32
	sendErrs atomic.Uint64

	integrator *vehicle.Integrator
	liveness   *liveness.Supervisor

	wallFn func() time.Time
}

// New returns a Publisher reading from integrator and liveness.
func New(integrator *vehicle.Integrator, lv *liveness.Supervisor) *Publisher {
	return &Publisher{integrator: integrator, liveness: lv, wallFn: time.Now}
}

// SendErrors returns the cumulative count of failed sends.
func (p *Publisher) SendErrors() uint64 { return p.sendErrs.Load() }

// Run ticks at vehicle.StateHz until ctx is canceled, composing and
// sending one state frame per tick when the state channel is ready.
func (p *Publisher) Run(ctx context.Context, sender Sender, stateLabel string) {
	period := time.Second / time.Duration(vehicle.StateHz)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !sender.StateReady() {
				continue
			}
			p.publishOnce(sender, stateLabel)
		}
	}
}

func (p *Publisher) publishOnce(sender Sender, stateLabel string) {
	snap := p.integrator.Snapshot()
	now := p.wallFn()

	frame := protocol.StateFrame{
		Type: protocol.TypeState,
		Seq:  p.nextSeq(),
		T:    now.UnixMilli(),
		Pose: protocol.Pose{X: snap.X, Y: snap.Y, Z: snap.Z, Yaw: snap.Yaw},
		Vel:  protocol.Vel{VX: snap.VX, WZ: snap.WZ},
		Sim:  protocol.Sim{DT: snap.LastDT.Seconds()},
	}
	frame.Status = p.status(snap, now)

	data, err := protocol.Marshal(frame)
	if err != nil {
		slog.Error("marshal state frame", "err", err)
		return
	}
	if err := sender.Send(stateLabel, data); err != nil {
		p.sendErrs.Add(1)
		slog.Warn("send state frame failed", "err", err)
	}
}

// nextSeq returns a monotonic counter modulo 2^31, per spec.md §4.4.
func (p *Publisher) nextSeq() uint32 {
	v := p.seq.Add(1) - 1
	return v % (1 << 31)
}

// status implements the first-match-wins policy from spec.md §4.4.
//
// vehicle.State.CtrlAge is exactly zero only when no command has ever
// been accepted (Integrator.effectiveCommand returns age=0 in that
// case); once a command has arrived, CtrlAge always reflects real
// elapsed time even after it goes stale. That distinguishes "waiting
// ctrl" from "ctrl timeout" below without a separate flag.
func (p *Publisher) status(snap vehicle.State, now time.Time) protocol.Status {
	hbAge, hasHB := p.liveness.HeartbeatAge(now)
	hbLost := hasHB && hbAge > liveness.OperatorHeartbeatLost

	var st protocol.Status
	switch {
	case snap.EstopSet:
		st = protocol.Status{OK: false, Msg: "estop"}
	case !snap.HasCtrl && snap.CtrlAge == 0:
		st = protocol.Status{OK: false, Msg: "waiting ctrl"}
	case snap.CtrlAge > vehicle.CtrlHold+vehicle.CtrlDamp:
		st = protocol.Status{OK: false, Msg: fmt.Sprintf("ctrl timeout %dms", snap.CtrlAge.Milliseconds())}
	case snap.CtrlAge > ctrlStaleThreshold:
		st = protocol.Status{OK: true, Msg: fmt.Sprintf("ctrl stale %dms", snap.CtrlAge.Milliseconds())}
	case hbLost:
		st = protocol.Status{OK: false, Msg: "ui heartbeat lost"}
	default:
		st = protocol.Status{OK: true, Msg: ""}
	}

	if p.liveness.EstopTriggered() {
		t := true
		st.Estop = &t
	}
	return st
}
