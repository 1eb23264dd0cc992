package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shota866/teleop-core/internal/intake"
	"github.com/shota866/teleop-core/internal/liveness"
	"github.com/shota866/teleop-core/internal/protocol"
	"github.com/shota866/teleop-core/internal/vehicle"
)

func TestStatusWaitingCtrlBeforeAnyCommand(t *testing.T) {
	integrator := vehicle.New(intake.New())
	lv := liveness.New(integrator)
	p := New(integrator, lv)

	st := p.status(integrator.Snapshot(), time.Now())
	if st.OK {
		t.Fatal("expected not-ok before any command arrives")
	}
	if st.Msg != "waiting ctrl" {
		t.Fatalf("unexpected msg: %q", st.Msg)
	}
}

func TestStatusOKAfterFreshCommand(t *testing.T) {
	in := intake.New()
	integrator := vehicle.New(in)
	lv := liveness.New(integrator)
	p := New(integrator, lv)

	in.HandleCtrl([]byte(`{"type":"ctrl","seq":1,"cmd":{"throttle":0,"steer":0,"brake":0}}`))
	integrator.Step(time.Now())

	st := p.status(integrator.Snapshot(), time.Now())
	if !st.OK {
		t.Fatalf("expected ok status, got %+v", st)
	}
}

func TestStatusCtrlTimeoutAfterDampWindow(t *testing.T) {
	in := intake.New()
	integrator := vehicle.New(in)
	lv := liveness.New(integrator)
	p := New(integrator, lv)

	in.HandleCtrl([]byte(`{"type":"ctrl","seq":1,"cmd":{"throttle":0,"steer":0,"brake":0}}`))
	snap, _ := in.Latest()

	future := snap.ReceivedAt.Add(vehicle.CtrlHold + vehicle.CtrlDamp + time.Second)
	integrator.Step(future)

	st := p.status(integrator.Snapshot(), future)
	if st.OK {
		t.Fatal("expected not-ok after ctrl timeout")
	}
	if st.Msg == "" {
		t.Fatal("expected a ctrl timeout message")
	}
}

func TestStatusEstopDominatesOverEverythingElse(t *testing.T) {
	in := intake.New()
	integrator := vehicle.New(in)
	lv := liveness.New(integrator)
	p := New(integrator, lv)

	in.HandleCtrl([]byte(`{"type":"ctrl","seq":1,"cmd":{"throttle":0,"steer":0,"brake":0}}`))
	integrator.TriggerEstop()

	st := p.status(integrator.Snapshot(), time.Now())
	if st.OK {
		t.Fatal("expected not-ok under estop")
	}
	if st.Msg != "estop" {
		t.Fatalf("expected estop message, got %q", st.Msg)
	}
}

type fakeSender struct {
	ready bool
	sent  [][]byte
}

func (f *fakeSender) Send(label string, data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}
func (f *fakeSender) StateReady() bool { return f.ready }

func TestPublishOnceEmitsValidStateFrame(t *testing.T) {
	integrator := vehicle.New(intake.New())
	lv := liveness.New(integrator)
	p := New(integrator, lv)

	sender := &fakeSender{ready: true}
	p.publishOnce(sender, "#state")

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one sent frame, got %d", len(sender.sent))
	}
	var frame protocol.StateFrame
	if err := json.Unmarshal(sender.sent[0], &frame); err != nil {
		t.Fatalf("frame did not decode: %v", err)
	}
	if frame.Type != protocol.TypeState {
		t.Fatalf("unexpected type: %q", frame.Type)
	}
}

func TestRunSkipsPublishWhenNotReady(t *testing.T) {
	integrator := vehicle.New(intake.New())
	lv := liveness.New(integrator)
	p := New(integrator, lv)

	sender := &fakeSender{ready: false}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	p.Run(ctx, sender, "#state")

	if len(sender.sent) != 0 {
		t.Fatalf("expected no frames sent while not ready, got %d", len(sender.sent))
	}
}

func TestNextSeqIsMonotonic(t *testing.T) {
	integrator := vehicle.New(intake.New())
	lv := liveness.New(integrator)
	p := New(integrator, lv)

	a := p.nextSeq()
	b := p.nextSeq()
	if b != a+1 {
		t.Fatalf("expected monotonic sequence, got %d then %d", a, b)
	}
}
