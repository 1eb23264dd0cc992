package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shota866/teleop-core/internal/intake"
	"github.com/shota866/teleop-core/internal/liveness"
	"github.com/shota866/teleop-core/internal/publisher"
	"github.com/shota866/teleop-core/internal/transport"
	"github.com/shota866/teleop-core/internal/vehicle"
)

func newTestServer() *Server {
	in := intake.New()
	integrator := vehicle.New(in)
	lv := liveness.New(integrator)
	pub := publisher.New(integrator, lv)
	sess := transport.New(transport.Config{CtrlLabel: "#ctrl", StateLabel: "#state"})
	return New(sess, integrator, lv, pub)
}

func TestHealthzReportsIdleBeforeStart(t *testing.T) {
	s := newTestServer()
	ts := httptest.NewServer(s.echo)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var body healthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("body did not decode: %v", err)
	}
	if body.SessionState != "idle" {
		t.Fatalf("expected session_state idle before Start, got %q", body.SessionState)
	}
}

func TestStatusReturnsVehicleSnapshot(t *testing.T) {
	s := newTestServer()
	ts := httptest.NewServer(s.echo)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("body did not decode: %v", err)
	}
	if _, ok := body["vehicle"]; !ok {
		t.Fatalf("expected a vehicle snapshot in the status body, got %v", body)
	}
}
