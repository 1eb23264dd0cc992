package vehicle

import "time"

// Fixed-rate tick targets shared by the physics and publish loops.
const (
	PhysicsHz = 60
	StateHz   = 30
)

// Staleness-damping windows (spec.md §4.3).
const (
	CtrlHold = 200 * time.Millisecond
	CtrlDamp = 1 * time.Second
)

// Heartbeat cadence shared by LivenessSupervisor (spec.md §4.5).
const HeartbeatPeriod = 1 * time.Second

// Longitudinal and rotational dynamics constants (spec.md §3).
const (
	MaxSpeed    = 20.0 // m/s
	MaxAccel    = 9.0  // m/s^2
	BrakeDecel  = 14.0 // m/s^2
	CoastDecel  = 2.0  // m/s^2
	IdleDecel   = 1.5  // m/s^2
	YawRateMax  = 2.5  // rad/s
	YawSlew     = 6.0  // rad/s^2
	AngularDamp = 4.0  // 1/s
)

// epsilon is the snap-to-zero threshold used throughout the integrator.
const epsilon = 1e-3
