// Package vehicle implements the authoritative planar vehicle dynamics
// model: VehicleState and the fixed-rate VehicleIntegrator that advances
// it against the latest accepted command, applying staleness damping and
// the emergency-stop override described in spec.md §4.3.
package vehicle

import (
	"math"
	"sync"
	"time"

	"github.com/shota866/teleop-core/internal/intake"
)

// State is the authoritative kinematic snapshot returned by Integrator.Snapshot.
// Immutable once returned — callers get a copy, never a pointer into the
// integrator's guarded state.
type State struct {
	X, Y, Z  float64
	Yaw      float64
	VX       float64
	WZ       float64
	LastDT   time.Duration
	CtrlAge  time.Duration
	HasCtrl  bool
	EstopSet bool
}

// Integrator owns VehicleState exclusively; every mutation happens inside
// a single critical section per physics tick (spec.md §3 "Ownership and
// lifetime").
type Integrator struct {
	mu sync.Mutex

	x, y, z, yaw float64
	vx, wz       float64
	lastDT       time.Duration
	ctrlAge      time.Duration
	hasCtrl      bool
	estop        bool

	lastTick time.Time
	hasTick  bool

	intake *intake.Intake
}

// New returns an Integrator at the origin, reading commands from in.
func New(in *intake.Intake) *Integrator {
	return &Integrator{intake: in}
}

// Step advances the vehicle model by one physics tick. now must be a
// monotonic timestamp (time.Now() on every real call site — a fixed value
// is substituted only by tests).
func (v *Integrator) Step(now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	dt := 1.0 / PhysicsHz
	if v.hasTick {
		if d := now.Sub(v.lastTick).Seconds(); d > 0 {
			dt = d
		}
	}
	v.lastTick = now
	v.hasTick = true

	throttle, steer, brake, hasCmd, age := v.effectiveCommand(now)

	if v.estop {
		throttle, steer, brake = 0, 0, 1
	}

	v.stepLongitudinal(throttle, brake, hasCmd, dt)
	v.stepRotational(steer, hasCmd, dt)
	v.stepPose(dt)

	v.lastDT = time.Duration(dt * float64(time.Second))
	v.hasCtrl = hasCmd
	v.ctrlAge = age
}

// effectiveCommand computes the staleness-damped throttle/steer/brake per
// spec.md §4.3. hasCmd is false when no command has ever arrived or the
// latest one has aged past CtrlHold+CtrlDamp.
func (v *Integrator) effectiveCommand(now time.Time) (throttle, steer, brake float64, hasCmd bool, age time.Duration) {
	snap, ok := v.intake.Latest()
	if !ok {
		return 0, 0, 0, false, 0
	}
	age = now.Sub(snap.ReceivedAt)

	switch {
	case age <= CtrlHold:
		return snap.Throttle, snap.Steer, snap.Brake, true, age
	case age <= CtrlHold+CtrlDamp:
		decay := (age - CtrlHold).Seconds() / CtrlDamp.Seconds()
		if decay < 0 {
			decay = 0
		}
		if decay > 1 {
			decay = 1
		}
		throttle = snap.Throttle * (1 - decay)
		steer = snap.Steer * (1 - decay)
		brake = math.Max(snap.Brake, decay)
		return throttle, steer, brake, true, age
	default:
		return 0, 0, 0, false, age
	}
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func (v *Integrator) stepLongitudinal(throttle, brake float64, hasCmd bool, dt float64) {
	accel := throttle * MaxAccel

	if math.Abs(throttle) < epsilon {
		if math.Abs(v.vx) > epsilon {
			accel -= CoastDecel * sign(v.vx)
		} else {
			accel = 0
		}
	}

	if brake > 0 && math.Abs(v.vx) > epsilon {
		accel -= BrakeDecel * brake * sign(v.vx)
	}

	if !hasCmd && !v.estop {
		if math.Abs(v.vx) > epsilon {
			accel -= IdleDecel * sign(v.vx)
		} else {
			v.vx = 0
		}
	}

	v.vx += accel * dt
	if math.Abs(v.vx) < epsilon {
		v.vx = 0
	}
	v.vx = math.Max(-MaxSpeed, math.Min(MaxSpeed, v.vx))
}

func (v *Integrator) stepRotational(steer float64, hasCmd bool, dt float64) {
	targetWz := steer * YawRateMax

	if hasCmd {
		delta := targetWz - v.wz
		maxStep := YawSlew * dt
		if delta > maxStep {
			delta = maxStep
		} else if delta < -maxStep {
			delta = -maxStep
		}
		v.wz += delta
	} else {
		damp := AngularDamp * dt
		if damp < 0 {
			damp = 0
		}
		if damp > 1 {
			damp = 1
		}
		v.wz *= 1 - damp
	}

	if math.Abs(v.wz) < epsilon {
		v.wz = 0
	}
}

func (v *Integrator) stepPose(dt float64) {
	v.yaw = wrap(v.yaw + v.wz*dt)
	headingX := math.Sin(v.yaw)
	headingZ := math.Cos(v.yaw)
	v.x += v.vx * headingX * dt
	v.z += v.vx * headingZ * dt
}

// wrap normalizes an angle into (-pi, pi].
func wrap(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// Snapshot returns an immutable copy of the current vehicle state, taken
// under the integrator's critical section.
func (v *Integrator) Snapshot() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return State{
		X: v.x, Y: v.y, Z: v.z, Yaw: v.yaw,
		VX: v.vx, WZ: v.wz,
		LastDT:   v.lastDT,
		CtrlAge:  v.ctrlAge,
		HasCtrl:  v.hasCtrl,
		EstopSet: v.estop,
	}
}

// TriggerEstop sets the emergency-stop flag and zeros vx/wz in one
// critical section. Idempotent: calling it twice is indistinguishable
// from calling it once.
func (v *Integrator) TriggerEstop() {
	v.mu.Lock()
	v.estop = true
	v.vx = 0
	v.wz = 0
	v.mu.Unlock()
}

// ClearEstop clears the emergency-stop flag. It does not touch the
// sticky estop_triggered beacon owned by LivenessSupervisor — per
// spec.md's Design Notes, that beacon is never cleared by this call.
func (v *Integrator) ClearEstop() {
	v.mu.Lock()
	v.estop = false
	v.mu.Unlock()
}
