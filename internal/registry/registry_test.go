package registry

import (
	"testing"
	"time"

	"github.com/boardroom-tee/fabric/internal/attest"
	"github.com/boardroom-tee/fabric/internal/clock"
	"github.com/boardroom-tee/fabric/internal/errkind"
	"github.com/boardroom-tee/fabric/internal/logging"
)

// fakeVerifier admits quotes matching "good-*" and rejects the rest.
type fakeVerifier struct{}

func (fakeVerifier) VerifyQuote(raw string) (bool, attest.Result) {
	if len(raw) >= 4 && raw[:4] == "good" {
		return true, attest.Result{Measurements: map[string]string{"mr_enclave": "m-" + raw}}
	}
	return false, attest.Result{Err: "measurement not in allow-list"}
}

func testRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	return New(fakeVerifier{}, clk, logging.New(false, "error")), clk
}

func reg(id, kind string) Registration {
	return Registration{
		AgentID:      id,
		AgentType:    kind,
		Capabilities: []string{kind + "_analysis", "roi_calculation"},
		Endpoint:     "http://" + id + ":8081",
		Quote:        "good-quote",
		PublicKey:    "-----BEGIN PUBLIC KEY-----\nfake\n-----END PUBLIC KEY-----",
	}
}

func TestRegisterVerified(t *testing.T) {
	r, _ := testRegistry(t)

	agent, err := r.Register(reg("finance-1", "finance"), "acme")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if agent.Status != StatusVerified {
		t.Errorf("status = %s, want verified", agent.Status)
	}
	if agent.Measurements["mr_enclave"] == "" {
		t.Error("verifier measurements not stored")
	}
	if agent.RegisteredAt != agent.LastSeen {
		t.Error("fresh registration should have last_seen == registered_at")
	}
}

func TestRegisterRejectedPersistsNothing(t *testing.T) {
	r, _ := testRegistry(t)

	bad := reg("rogue-1", "finance")
	bad.Quote = "bad-quote"
	_, err := r.Register(bad, "acme")
	if !errkind.IsKind(err, errkind.AttestationFailed) {
		t.Fatalf("err = %v, want attestation_failed", err)
	}

	if _, ok := r.Get("rogue-1", "acme"); ok {
		t.Error("rejected agent present in registry")
	}
	if len(r.Directory("acme")) != 0 {
		t.Error("rejected agent listed in directory")
	}
}

func TestRegisterRequiresQuoteAndKey(t *testing.T) {
	r, _ := testRegistry(t)

	missing := reg("finance-1", "finance")
	missing.Quote = ""
	if _, err := r.Register(missing, "acme"); !errkind.IsKind(err, errkind.AttestationFailed) {
		t.Errorf("err = %v, want attestation_failed for missing quote", err)
	}

	missing = reg("finance-1", "finance")
	missing.PublicKey = ""
	if _, err := r.Register(missing, "acme"); !errkind.IsKind(err, errkind.AttestationFailed) {
		t.Errorf("err = %v, want attestation_failed for missing key", err)
	}
}

func TestClientIsolation(t *testing.T) {
	r, _ := testRegistry(t)

	if _, err := r.Register(reg("finance-1", "finance"), "clientA"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, ok := r.Get("finance-1", "clientB"); ok {
		t.Error("cross-client Get returned a record")
	}
	if got := r.All("clientB"); len(got) != 0 {
		t.Errorf("cross-client All returned %d records", len(got))
	}
	if got := r.Directory("clientB"); len(got) != 0 {
		t.Errorf("cross-client Directory returned %d entries", len(got))
	}
	if r.Heartbeat("finance-1", "clientB") {
		t.Error("cross-client heartbeat accepted")
	}
}

func TestByCapability(t *testing.T) {
	r, _ := testRegistry(t)
	r.Register(reg("finance-1", "finance"), "acme")
	r.Register(reg("marketing-1", "marketing"), "acme")

	got := r.ByCapability("finance_analysis", "acme")
	if len(got) != 1 || got[0].AgentID != "finance-1" {
		t.Errorf("ByCapability(finance_analysis) = %v", got)
	}

	// Shared capability matches both.
	if got := r.ByCapability("roi_calculation", "acme"); len(got) != 2 {
		t.Errorf("ByCapability(roi_calculation) returned %d agents, want 2", len(got))
	}
}

func TestHeartbeatIdempotent(t *testing.T) {
	r, clk := testRegistry(t)
	r.Register(reg("finance-1", "finance"), "acme")

	clk.Advance(2 * time.Minute)
	for i := 0; i < 5; i++ {
		if !r.Heartbeat("finance-1", "acme") {
			t.Fatal("Heartbeat returned false for existing agent")
		}
	}

	a, _ := r.Get("finance-1", "acme")
	if !a.LastSeen.Equal(clk.Now()) {
		t.Errorf("last_seen = %s, want %s", a.LastSeen, clk.Now())
	}
}

func TestDirectoryOnlineFlag(t *testing.T) {
	r, clk := testRegistry(t)
	r.Register(reg("finance-1", "finance"), "acme")

	dir := r.Directory("acme")
	if len(dir) != 1 || dir[0].Status != "online" {
		t.Fatalf("fresh agent directory = %+v, want online", dir)
	}

	clk.Advance(6 * time.Minute)
	dir = r.Directory("acme")
	if dir[0].Status != "offline" {
		t.Errorf("status after 6m silence = %s, want offline", dir[0].Status)
	}
}

func TestHealthSweepBucketsAndTransitions(t *testing.T) {
	r, clk := testRegistry(t)
	r.Register(reg("fresh", "finance"), "acme")
	r.Register(reg("quiet", "marketing"), "acme")
	r.Register(reg("gone", "sales"), "acme")

	// Stagger last-seen: "fresh" heartbeats at +10m and +16m, "quiet" at +10m.
	clk.Advance(10 * time.Minute)
	r.Heartbeat("fresh", "acme")
	r.Heartbeat("quiet", "acme")
	clk.Advance(6 * time.Minute)
	r.Heartbeat("fresh", "acme")

	h, transitioned := r.HealthSweep("acme")
	if len(h.Healthy) != 1 || h.Healthy[0].AgentID != "fresh" {
		t.Errorf("healthy = %+v, want [fresh]", h.Healthy)
	}
	if len(transitioned) != 1 || transitioned[0].AgentID != "gone" || transitioned[0].ClientID != "acme" {
		t.Errorf("transitioned = %+v, want [gone]", transitioned)
	}
	if len(h.Unhealthy) != 1 || h.Unhealthy[0].AgentID != "quiet" {
		t.Errorf("unhealthy = %+v, want [quiet]", h.Unhealthy)
	}
	if len(h.Inactive) != 1 || h.Inactive[0].AgentID != "gone" {
		t.Errorf("inactive = %+v, want [gone]", h.Inactive)
	}

	// 16 minutes of silence: status transitions and routing skips it.
	a, _ := r.Get("gone", "acme")
	if a.Status != StatusInactive {
		t.Errorf("gone status = %s, want inactive", a.Status)
	}
	for _, v := range r.Verified("acme") {
		if v.AgentID == "gone" {
			t.Error("inactive agent still in verified set")
		}
	}
	if len(r.Directory("acme")) != 2 {
		t.Errorf("directory lists %d agents, want 2 after transition", len(r.Directory("acme")))
	}

	// A second sweep finds nothing new to transition.
	if _, again := r.HealthSweep("acme"); len(again) != 0 {
		t.Errorf("second sweep transitioned %+v, want none", again)
	}
}

func TestSweepAllCoversEveryClient(t *testing.T) {
	r, clk := testRegistry(t)
	r.Register(reg("finance-1", "finance"), "acme")
	r.Register(reg("sales-1", "sales"), "globex")

	clk.Advance(20 * time.Minute)
	retired := r.SweepAll()
	if len(retired) != 2 {
		t.Fatalf("retired = %+v, want both clients' agents", retired)
	}
	clients := map[string]bool{}
	for _, a := range retired {
		clients[a.ClientID] = true
	}
	if !clients["acme"] || !clients["globex"] {
		t.Errorf("retired clients = %v, want acme and globex", clients)
	}
}

func TestRemoveIsClientScoped(t *testing.T) {
	r, _ := testRegistry(t)
	r.Register(reg("finance-1", "finance"), "acme")

	if r.Remove("finance-1", "globex") {
		t.Fatal("cross-client remove succeeded")
	}
	if !r.Remove("finance-1", "acme") {
		t.Fatal("owner remove failed")
	}
	if _, ok := r.Get("finance-1", "acme"); ok {
		t.Fatal("record survived removal")
	}
	if r.Remove("finance-1", "acme") {
		t.Fatal("second remove reported success")
	}
}

func TestReRegistrationReplacesRecord(t *testing.T) {
	r, clk := testRegistry(t)
	r.Register(reg("finance-1", "finance"), "acme")

	clk.Advance(20 * time.Minute)
	r.HealthSweep("acme")
	a, _ := r.Get("finance-1", "acme")
	if a.Status != StatusInactive {
		t.Fatalf("status = %s, want inactive before re-registration", a.Status)
	}

	if _, err := r.Register(reg("finance-1", "finance"), "acme"); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	a, _ = r.Get("finance-1", "acme")
	if a.Status != StatusVerified {
		t.Errorf("status after re-registration = %s, want verified", a.Status)
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	r, _ := testRegistry(t)
	r.Register(reg("finance-1", "finance"), "acme")

	a, _ := r.Get("finance-1", "acme")
	a.Status = StatusFailed
	a.Capabilities[0] = "tampered"

	fresh, _ := r.Get("finance-1", "acme")
	if fresh.Status != StatusVerified {
		t.Error("mutating a returned record changed the registry")
	}
	if fresh.Capabilities[0] == "tampered" {
		t.Error("mutating a returned capability slice changed the registry")
	}
}
