package intake

import (
	"fmt"
	"testing"
	"time"
)

func ctrlJSON(seq int64, throttle, steer, brake float64) []byte {
	return []byte(fmt.Sprintf(`{"type":"ctrl","seq":%d,"cmd":{"throttle":%v,"steer":%v,"brake":%v}}`, seq, throttle, steer, brake))
}

func TestHandleCtrlAcceptsFirstFrame(t *testing.T) {
	in := New()
	in.HandleCtrl(ctrlJSON(1, 1, 0, 0))

	snap, ok := in.Latest()
	if !ok {
		t.Fatal("expected a latest snapshot")
	}
	if snap.Seq != 1 || snap.Throttle != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if s := in.Stats(); s.Accepted != 1 || s.Dropped != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestHandleCtrlRejectsReplay(t *testing.T) {
	in := New()
	in.HandleCtrl(ctrlJSON(5, 1, 0, 0))
	in.HandleCtrl(ctrlJSON(5, 0, 1, 0))
	in.HandleCtrl(ctrlJSON(3, 0, 0, 1))

	snap, ok := in.Latest()
	if !ok {
		t.Fatal("expected a latest snapshot")
	}
	if snap.Seq != 5 || snap.Throttle != 1 {
		t.Fatalf("replay/reorder frames were not rejected: %+v", snap)
	}
	if s := in.Stats(); s.Accepted != 1 || s.Dropped != 2 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestHandleCtrlAcceptsMonotonicSeq(t *testing.T) {
	in := New()
	in.HandleCtrl(ctrlJSON(1, 0, 0, 0))
	in.HandleCtrl(ctrlJSON(2, 1, 0, 0))

	snap, ok := in.Latest()
	if !ok || snap.Seq != 2 {
		t.Fatalf("expected seq 2 to be accepted, got %+v ok=%v", snap, ok)
	}
}

func TestHandleCtrlClampsCommand(t *testing.T) {
	in := New()
	in.HandleCtrl([]byte(`{"type":"ctrl","seq":1,"cmd":{"throttle":5,"steer":-9,"brake":-3}}`))

	snap, ok := in.Latest()
	if !ok {
		t.Fatal("expected a latest snapshot")
	}
	if snap.Throttle != 1 {
		t.Errorf("throttle not clamped: %v", snap.Throttle)
	}
	if snap.Steer != -1 {
		t.Errorf("steer not clamped: %v", snap.Steer)
	}
	if snap.Brake != 0 {
		t.Errorf("brake not clamped: %v", snap.Brake)
	}
}

func TestHandleCtrlMalformedJSONDropped(t *testing.T) {
	in := New()
	in.HandleCtrl([]byte(`not json`))

	if _, ok := in.Latest(); ok {
		t.Fatal("expected no accepted snapshot")
	}
	if s := in.Stats(); s.Dropped != 1 {
		t.Fatalf("expected 1 dropped, got %+v", s)
	}
}

func TestHandleCtrlMissingSeqDropped(t *testing.T) {
	in := New()
	in.HandleCtrl([]byte(`{"type":"ctrl","cmd":{"throttle":1,"steer":0,"brake":0}}`))

	if _, ok := in.Latest(); ok {
		t.Fatal("expected no accepted snapshot")
	}
}

func TestHandleCtrlComputesLatency(t *testing.T) {
	in := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in.nowFn = func() time.Time { return base }
	in.wallFn = func() time.Time { return base.Add(50 * time.Millisecond) }

	clientTs := base.UnixMilli()
	in.HandleCtrl([]byte(fmt.Sprintf(`{"type":"ctrl","seq":1,"t":%d,"cmd":{"throttle":0,"steer":0,"brake":0}}`, clientTs)))

	snap, ok := in.Latest()
	if !ok {
		t.Fatal("expected a latest snapshot")
	}
	if !snap.HasLatency {
		t.Fatal("expected latency to be computed")
	}
	if snap.LatencyMs != 50 {
		t.Fatalf("expected 50ms latency, got %v", snap.LatencyMs)
	}
}

func TestStatsResetsOnRead(t *testing.T) {
	in := New()
	in.HandleCtrl(ctrlJSON(1, 0, 0, 0))
	_ = in.Stats()
	s := in.Stats()
	if s.Accepted != 0 || s.Dropped != 0 {
		t.Fatalf("expected stats to reset after read, got %+v", s)
	}
}
