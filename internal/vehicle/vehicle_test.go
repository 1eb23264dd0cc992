package vehicle

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/shota866/teleop-core/internal/intake"
)

func sendCtrl(in *intake.Intake, seq int64, throttle, steer, brake float64) {
	in.HandleCtrl([]byte(fmt.Sprintf(`{"type":"ctrl","seq":%d,"cmd":{"throttle":%v,"steer":%v,"brake":%v}}`, seq, throttle, steer, brake)))
}

func TestStepWithoutCommandStaysAtRest(t *testing.T) {
	in := intake.New()
	v := New(in)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v.Step(base)

	snap := v.Snapshot()
	if snap.HasCtrl {
		t.Fatal("expected no command to be active")
	}
	if snap.VX != 0 {
		t.Fatalf("expected zero velocity with no command, got %v", snap.VX)
	}
}

func TestStepAppliesThrottleVerbatimWithinHold(t *testing.T) {
	in := intake.New()
	v := New(in)
	sendCtrl(in, 1, 1, 0, 0)

	now := time.Now()
	v.Step(now)
	snap := v.Snapshot()

	if !snap.HasCtrl {
		t.Fatal("expected command to be active")
	}
	if snap.VX <= 0 {
		t.Fatalf("expected positive velocity from full throttle, got %v", snap.VX)
	}
}

func TestStepDampsStaleCommand(t *testing.T) {
	in := intake.New()
	v := New(in)
	sendCtrl(in, 1, 1, 0, 0)

	snap, ok := in.Latest()
	if !ok {
		t.Fatal("expected accepted command")
	}

	// Fast forward past CtrlHold but within CtrlHold+CtrlDamp: the command
	// should still be "active" but its throttle partially decayed.
	mid := snap.ReceivedAt.Add(CtrlHold + CtrlDamp/2)
	throttle, _, brake, hasCmd, age := v.effectiveCommand(mid)
	if !hasCmd {
		t.Fatal("expected command to still be active during the damp window")
	}
	if throttle >= 1 || throttle <= 0 {
		t.Fatalf("expected partially decayed throttle, got %v", throttle)
	}
	if brake <= 0 {
		t.Fatalf("expected brake to ramp up during decay, got %v", brake)
	}
	if age != CtrlHold+CtrlDamp/2 {
		t.Fatalf("unexpected age: %v", age)
	}
}

func TestStepDropsCommandAfterDampWindow(t *testing.T) {
	in := intake.New()
	v := New(in)
	sendCtrl(in, 1, 1, 0, 0)

	future := time.Now().Add(CtrlHold + CtrlDamp + time.Second)
	_, _, _, hasCmd, _ := v.effectiveCommand(future)
	if hasCmd {
		t.Fatal("expected command to be dropped after the damp window elapses")
	}
}

func TestTriggerEstopZeroesVelocityAndOverridesThrottle(t *testing.T) {
	in := intake.New()
	v := New(in)
	sendCtrl(in, 1, 1, 0, 0)
	v.Step(time.Now())

	if v.Snapshot().VX == 0 {
		t.Fatal("expected nonzero velocity before estop")
	}

	v.TriggerEstop()
	snap := v.Snapshot()
	if !snap.EstopSet {
		t.Fatal("expected EstopSet after TriggerEstop")
	}
	if snap.VX != 0 || snap.WZ != 0 {
		t.Fatalf("expected zero velocity after estop, got vx=%v wz=%v", snap.VX, snap.WZ)
	}

	v.Step(time.Now())
	snap = v.Snapshot()
	if snap.VX != 0 {
		t.Fatalf("expected velocity to remain zero under estop even with a command present, got %v", snap.VX)
	}
}

func TestTriggerEstopZeroesYawRateDespiteSteerCommand(t *testing.T) {
	in := intake.New()
	v := New(in)
	sendCtrl(in, 1, 0, 1, 0)
	v.Step(time.Now())

	if v.Snapshot().WZ == 0 {
		t.Fatal("expected nonzero yaw rate before estop")
	}

	v.TriggerEstop()
	if v.Snapshot().WZ != 0 {
		t.Fatal("expected yaw rate to be zeroed by TriggerEstop")
	}

	sendCtrl(in, 2, 0, 1, 0)
	v.Step(time.Now())
	snap := v.Snapshot()
	if snap.VX != 0 || snap.WZ != 0 {
		t.Fatalf("expected vx=0 wz=0 under estop even with a live steer command, got vx=%v wz=%v", snap.VX, snap.WZ)
	}
}

func TestClearEstopAllowsMotionAgain(t *testing.T) {
	in := intake.New()
	v := New(in)
	v.TriggerEstop()
	v.ClearEstop()

	sendCtrl(in, 1, 1, 0, 0)
	v.Step(time.Now())
	if v.Snapshot().VX == 0 {
		t.Fatal("expected motion to resume after clearing estop")
	}
}

func TestWrapNormalizesIntoRange(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{math.Pi, math.Pi},
		{-math.Pi, math.Pi},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-2 * math.Pi, 0},
	}
	for _, c := range cases {
		got := wrap(c.in)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("wrap(%v) = %v, want %v", c.in, got, c.want)
		}
		if got <= -math.Pi-1e-9 || got > math.Pi+1e-9 {
			t.Errorf("wrap(%v) = %v out of (-pi, pi] range", c.in, got)
		}
	}
}
