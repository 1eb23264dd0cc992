// Package intake parses inbound ctrl frames, validates and deduplicates
// them by sequence number, and holds the single latest-accepted command
// slot that VehicleIntegrator reads each physics tick.
package intake

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shota866/teleop-core/internal/protocol"
)

// ControlSnapshot is the most recently accepted command, plus the
// bookkeeping VehicleIntegrator and StatePublisher need to reason about
// its age. Immutable once constructed.
type ControlSnapshot struct {
	Seq               int64
	Throttle          float64
	Steer             float64
	Brake             float64
	Mode              string
	ReceivedAt        time.Time // monotonic
	ClientTimestampMs int64
	HasClientTs       bool
	LatencyMs         float64
	HasLatency        bool
}

// Stats is a point-in-time copy of intake's counters, for stats logging.
type Stats struct {
	Accepted int64
	Dropped  int64
}

// Intake owns the latest-command slot and its statistics. One mutex
// guards both, per spec.md §5 ("one mutex guards the latest-command slot
// and command statistics").
type Intake struct {
	mu            sync.Mutex
	latest        *ControlSnapshot
	lastAcceptSeq int64
	haveAccepted  bool
	accepted      int64
	dropped       int64

	// nowFn and wallFn are overridable for tests.
	nowFn  func() time.Time
	wallFn func() time.Time
}

// New returns an empty Intake.
func New() *Intake {
	return &Intake{nowFn: time.Now, wallFn: time.Now}
}

// Latest returns the current latest-accepted command snapshot, or
// ok=false if no command has ever been accepted. Safe for concurrent use;
// this is the accessor VehicleIntegrator calls each tick under the slot's
// own guard.
func (in *Intake) Latest() (ControlSnapshot, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.latest == nil {
		return ControlSnapshot{}, false
	}
	return *in.latest, true
}

// Stats returns accepted/dropped counters since the last call and resets
// them to zero, matching the teacher's periodic-stats-log idiom (cf.
// RunMetrics in the teacher repo, which also reports and resets interval
// counters).
func (in *Intake) Stats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()
	s := Stats{Accepted: in.accepted, Dropped: in.dropped}
	in.accepted, in.dropped = 0, 0
	return s
}

// HandleCtrl parses and validates a raw ctrl frame received on the ctrl
// channel. Malformed or out-of-order frames are dropped with a log line
// and never panic or propagate an error to the caller — the transport
// layer has nothing useful to do with a parse failure beyond logging it.
func (in *Intake) HandleCtrl(raw []byte) {
	var frame protocol.CtrlFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Warn("ctrl frame malformed json", "err", err)
		in.bumpDropped()
		return
	}
	if frame.Type != protocol.TypeCtrl {
		slog.Warn("ctrl frame wrong type", "type", frame.Type)
		in.bumpDropped()
		return
	}
	seq, err := frame.Seq.Int64()
	if err != nil || seq < 0 {
		slog.Warn("ctrl frame missing or invalid seq", "raw_seq", frame.Seq.String())
		in.bumpDropped()
		return
	}

	throttle := clamp(frame.Cmd.Throttle, -1, 1)
	steer := clamp(frame.Cmd.Steer, -1, 1)
	brake := clamp(frame.Cmd.Brake, 0, 1)

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.haveAccepted && seq <= in.lastAcceptSeq {
		in.dropped++
		slog.Info("ctrl frame rejected: replay/reorder", "seq", seq, "last_accepted", in.lastAcceptSeq)
		return
	}

	snap := &ControlSnapshot{
		Seq:        seq,
		Throttle:   throttle,
		Steer:      steer,
		Brake:      brake,
		Mode:       frame.Cmd.Mode,
		ReceivedAt: in.nowFn(),
	}
	if frame.T != nil {
		snap.HasClientTs = true
		snap.ClientTimestampMs = *frame.T
		snap.LatencyMs = float64(in.wallFn().UnixMilli()-*frame.T)
		snap.HasLatency = true
	}

	in.latest = snap
	in.lastAcceptSeq = seq
	in.haveAccepted = true
	in.accepted++
}

func (in *Intake) bumpDropped() {
	in.mu.Lock()
	in.dropped++
	in.mu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
