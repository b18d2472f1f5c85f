package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/boardroom-tee/fabric/internal/analysis"
	"github.com/boardroom-tee/fabric/internal/attest"
	"github.com/boardroom-tee/fabric/internal/clock"
	"github.com/boardroom-tee/fabric/internal/events"
	"github.com/boardroom-tee/fabric/internal/intake"
	"github.com/boardroom-tee/fabric/internal/logging"
	"github.com/boardroom-tee/fabric/internal/notify"
	"github.com/boardroom-tee/fabric/internal/orchestrate"
	"github.com/boardroom-tee/fabric/internal/registry"
	"github.com/boardroom-tee/fabric/internal/store"
	"github.com/boardroom-tee/fabric/internal/transport"
)

// fakeVerifier admits quotes starting with "good".
type fakeVerifier struct{}

func (fakeVerifier) VerifyQuote(raw string) (bool, attest.Result) {
	if strings.HasPrefix(raw, "good") {
		return true, attest.Result{Measurements: map[string]string{"mr_enclave": "abc"}}
	}
	return false, attest.Result{Err: "measurement not in allow list"}
}

type fakeDispatcher struct {
	sent []string
}

func (d *fakeDispatcher) Send(_ context.Context, agentType string, _ map[string]any, _ time.Duration) (map[string]any, error) {
	d.sent = append(d.sent, agentType)
	return map[string]any{"status": "accepted"}, nil
}

type fakePeers struct{}

func (fakePeers) HealthCheckAll(context.Context) map[string]transport.PeerHealth {
	return map[string]transport.PeerHealth{
		"finance": {Status: "healthy", Endpoint: "http://localhost:8081"},
	}
}

type testHub struct {
	srv   *httptest.Server
	reg   *registry.Registry
	clk   *clock.Fake
	disp  *fakeDispatcher
	close func()
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	log := logging.New(false, "error")
	clk := clock.NewFake(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))

	reg := registry.New(fakeVerifier{}, clk, log)
	disp := &fakeDispatcher{}
	engine := orchestrate.New(orchestrate.KeywordPolicy{}, reg, disp, analysis.KeywordSynthesizer{}, clk, log)

	catalog, err := store.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	proc, err := intake.NewProcessor(t.TempDir(), catalog, analysis.TextExtractor{}, analysis.KeywordCategorizer{}, clk, log)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	s := NewServer(Dependencies{
		Registry:        reg,
		Engine:          engine,
		Intake:          proc,
		Peers:           fakePeers{},
		Settings:        catalog,
		EventBus:        events.New(),
		Notify:          notify.NewMulti(log),
		Clock:           clk,
		Log:             log,
		HubID:           "hub",
		KeyFingerprint:  "deadbeef",
		DevelopmentMode: true,
	})
	srv := httptest.NewServer(s.Handler())
	return &testHub{
		srv:  srv,
		reg:  reg,
		clk:  clk,
		disp: disp,
		close: func() {
			srv.Close()
			catalog.Close()
		},
	}
}

func (h *testHub) do(t *testing.T, method, path, client string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if client != "" {
		req.Header.Set("X-Client-ID", client)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (h *testHub) register(t *testing.T, client, agentID, agentType string) {
	t.Helper()
	resp, body := h.do(t, "POST", "/api/v1/agents/register", client, map[string]any{
		"agent_id":          agentID,
		"agent_type":        agentType,
		"capabilities":      []string{agentType + "_analysis"},
		"endpoint":          "http://localhost:8081",
		"attestation_quote": "good-quote",
		"public_key":        "-----BEGIN PUBLIC KEY-----\nMA==\n-----END PUBLIC KEY-----",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d body %v", agentID, resp.StatusCode, body)
	}
}

func TestHappyPathRoute(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	h.register(t, "acme", "finance-1", "finance")

	resp, body := h.do(t, "POST", "/api/v1/orchestration/route", "acme", map[string]any{
		"query":             "Compute Q4 ROI",
		"context":           map[string]any{"marketing_spend": 50000},
		"data_requirements": []string{"financial_data"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("route: status %d body %v", resp.StatusCode, body)
	}
	routingID, _ := body["routing_id"].(string)
	if len(strings.TrimPrefix(routingID, "route_")) != 8 {
		t.Fatalf("routing id = %q", routingID)
	}
	if body["agent_type"] != "finance" {
		t.Fatalf("agent_type = %v", body["agent_type"])
	}

	_, active := h.do(t, "GET", "/api/v1/orchestration/active", "acme", nil)
	if active["count"] != float64(1) {
		t.Fatalf("active count = %v, want 1", active["count"])
	}

	resp, outcome := h.do(t, "POST", "/api/v1/orchestration/response/"+routingID, "acme", map[string]any{
		"agent_id":   "finance-1",
		"agent_type": "finance",
		"result":     map[string]any{"confidence_score": 0.9, "summary": "healthy margins"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("response: status %d body %v", resp.StatusCode, outcome)
	}
	if outcome["status"] != "completed" {
		t.Fatalf("status = %v", outcome["status"])
	}
	responses, _ := outcome["responses"].([]any)
	if len(responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(responses))
	}
	if outcome["synthesis"] == nil {
		t.Fatal("synthesis missing")
	}

	_, active = h.do(t, "GET", "/api/v1/orchestration/active", "acme", nil)
	if active["count"] != float64(0) {
		t.Fatalf("active count after completion = %v, want 0", active["count"])
	}
}

func TestEscalationFlow(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	h.register(t, "acme", "finance-1", "finance")
	h.register(t, "acme", "marketing-1", "marketing")

	_, body := h.do(t, "POST", "/api/v1/orchestration/route", "acme", map[string]any{
		"query": "Compute Q4 ROI",
	})
	routingID := body["routing_id"].(string)

	resp, out := h.do(t, "POST", "/api/v1/orchestration/response/"+routingID, "acme", map[string]any{
		"agent_id":   "finance-1",
		"agent_type": "finance",
		"result":     map[string]any{"confidence_score": 0.6, "summary": "unclear"},
	})
	if resp.StatusCode != http.StatusOK || out["status"] != "escalated" {
		t.Fatalf("first response: status %d body %v", resp.StatusCode, out)
	}

	resp, out = h.do(t, "POST", "/api/v1/orchestration/response/"+routingID, "acme", map[string]any{
		"agent_id":   "marketing-1",
		"agent_type": "marketing",
		"result":     map[string]any{"confidence_score": 0.85, "summary": "campaign driven"},
	})
	if resp.StatusCode != http.StatusOK || out["status"] != "completed" {
		t.Fatalf("second response: status %d body %v", resp.StatusCode, out)
	}
	responses, _ := out["responses"].([]any)
	if len(responses) != 2 {
		t.Fatalf("responses = %d, want exactly 2", len(responses))
	}

	// A third post for the same id must answer unknown_routing_id.
	resp, out = h.do(t, "POST", "/api/v1/orchestration/response/"+routingID, "acme", map[string]any{
		"agent_id":   "finance-1",
		"agent_type": "finance",
		"result":     map[string]any{"confidence_score": 0.9},
	})
	if resp.StatusCode != http.StatusBadRequest || out["kind"] != "unknown_routing_id" {
		t.Fatalf("third response: status %d body %v", resp.StatusCode, out)
	}
}

func TestAttestationRejection(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	resp, body := h.do(t, "POST", "/api/v1/agents/register", "acme", map[string]any{
		"agent_id":          "shady-1",
		"agent_type":        "finance",
		"attestation_quote": "bad-quote",
		"public_key":        "-----BEGIN PUBLIC KEY-----\nMA==\n-----END PUBLIC KEY-----",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["status"] != "rejected" || body["verification_status"] != "failed" {
		t.Fatalf("body = %v", body)
	}

	_, dir := h.do(t, "GET", "/api/v1/agents/directory", "acme", nil)
	if dir["count"] != float64(0) {
		t.Fatalf("directory lists rejected agent: %v", dir)
	}
}

func TestRegistrationHeadersFoldIntoBody(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	payload, _ := json.Marshal(map[string]any{
		"agent_id":   "finance-9",
		"agent_type": "finance",
	})
	req, _ := http.NewRequest("POST", h.srv.URL+"/api/v1/agents/register", bytes.NewReader(payload))
	req.Header.Set("X-Client-ID", "acme")
	req.Header.Set("X-Attestation-Quote", "good-header-quote")
	req.Header.Set("X-Public-Key", "-----BEGIN PUBLIC KEY-----MA==-----END PUBLIC KEY-----")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
}

func TestClientIsolationOnDocuments(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	docID := h.upload(t, "acme", "budget.txt", "Q4 revenue and budget forecast")

	req, _ := http.NewRequest("GET", h.srv.URL+"/api/v1/documents/"+docID, nil)
	req.Header.Set("X-Client-ID", "globex")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-client read status = %d, want 403", resp.StatusCode)
	}

	// The owner still reads it fine.
	resp, body := h.do(t, "GET", "/api/v1/documents/"+docID, "acme", nil)
	if resp.StatusCode != http.StatusOK || body["document_id"] != docID {
		t.Fatalf("owner read: status %d body %v", resp.StatusCode, body)
	}
}

func TestLivenessSweepTransitionsAndRoutingSkips(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	h.register(t, "acme", "finance-1", "finance")

	// Past the online window but before the sweep the agent is still
	// listed, just marked offline.
	h.clk.Advance(16 * time.Minute)
	_, dir := h.do(t, "GET", "/api/v1/agents/directory", "acme", nil)
	agents := dir["agents"].([]any)
	if len(agents) != 1 || agents[0].(map[string]any)["status"] != "offline" {
		t.Fatalf("directory before sweep = %v", dir)
	}

	// The sweep transitions it to inactive, which removes it from the
	// discovery view.
	h.reg.SweepAll()
	_, dir = h.do(t, "GET", "/api/v1/agents/directory", "acme", nil)
	if dir["count"] != float64(0) {
		t.Fatalf("directory after sweep = %v", dir)
	}

	resp, body := h.do(t, "POST", "/api/v1/orchestration/route", "acme", map[string]any{
		"query": "roi check",
	})
	if resp.StatusCode != http.StatusBadRequest || body["kind"] != "no_agents_available" {
		t.Fatalf("route after sweep: status %d body %v", resp.StatusCode, body)
	}
}

func TestMissingClientIDRejected(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	for _, path := range []string{
		"/api/v1/documents",
		"/api/v1/agents/directory",
		"/api/v1/orchestration/active",
	} {
		resp, body := h.do(t, "GET", path, "", nil)
		if resp.StatusCode != http.StatusBadRequest || body["kind"] != "client_id_missing" {
			t.Fatalf("%s: status %d body %v", path, resp.StatusCode, body)
		}
	}
}

func TestHeartbeatFlow(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	h.register(t, "acme", "finance-1", "finance")

	resp, _ := h.do(t, "POST", "/api/v1/agents/heartbeat", "acme", map[string]any{"agent_id": "finance-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d", resp.StatusCode)
	}

	resp, body := h.do(t, "POST", "/api/v1/agents/heartbeat", "acme", map[string]any{"agent_id": "ghost"})
	if resp.StatusCode != http.StatusNotFound || body["kind"] != "not_found" {
		t.Fatalf("ghost heartbeat: status %d body %v", resp.StatusCode, body)
	}
}

func TestAgentRemoveIsClientScoped(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	h.register(t, "acme", "finance-1", "finance")

	resp, body := h.do(t, "DELETE", "/api/v1/agents/finance-1", "globex", nil)
	if resp.StatusCode != http.StatusNotFound || body["kind"] != "not_found" {
		t.Fatalf("cross-client remove: status %d body %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, "DELETE", "/api/v1/agents/finance-1", "acme", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "removed" {
		t.Fatalf("owner remove: status %d body %v", resp.StatusCode, body)
	}

	_, dir := h.do(t, "GET", "/api/v1/agents/directory", "acme", nil)
	if dir["count"] != float64(0) {
		t.Fatalf("directory after removal = %v", dir)
	}

	resp, _ = h.do(t, "DELETE", "/api/v1/agents/finance-1", "acme", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second remove: status %d, want 404", resp.StatusCode)
	}
}

func TestDocumentDeleteIsClientScoped(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	docID := h.upload(t, "acme", "budget.txt", "Q4 revenue and budget forecast")

	resp, body := h.do(t, "DELETE", "/api/v1/documents/"+docID, "globex", nil)
	if resp.StatusCode != http.StatusForbidden || body["kind"] != "forbidden" {
		t.Fatalf("cross-client delete: status %d body %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, "DELETE", "/api/v1/documents/"+docID, "acme", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "deleted" {
		t.Fatalf("owner delete: status %d body %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, "GET", "/api/v1/documents/"+docID, "acme", nil)
	if resp.StatusCode != http.StatusNotFound || body["kind"] != "not_found" {
		t.Fatalf("read after delete: status %d body %v", resp.StatusCode, body)
	}
}

func TestAgentHealthCombinesRegistryAndPeers(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	h.register(t, "acme", "finance-1", "finance")
	resp, body := h.do(t, "GET", "/api/v1/agents/health", "acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if body["registry"] == nil || body["peers"] == nil {
		t.Fatalf("health body = %v", body)
	}
}

func TestDocumentSearchFilters(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	h.upload(t, "acme", "fin.txt", "revenue and budget analysis")
	h.upload(t, "acme", "mkt.txt", "campaign brand awareness push")

	resp, body := h.do(t, "GET", "/api/v1/documents?department=Finance", "acme", nil)
	if resp.StatusCode != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("filtered search: status %d body %v", resp.StatusCode, body)
	}
	if body["total_count"] != float64(2) {
		t.Fatalf("total_count = %v, want 2 regardless of filters", body["total_count"])
	}

	resp, body = h.do(t, "GET", "/api/v1/documents?date_from=not-a-date", "acme", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date filter: status %d body %v", resp.StatusCode, body)
	}
}

func TestHealthAndAttestationEndpoints(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	resp, body := h.do(t, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("health: status %d body %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, "GET", "/attestation", "", nil)
	if resp.StatusCode != http.StatusOK || body["quote"] == "" {
		t.Fatalf("attestation: status %d body %v", resp.StatusCode, body)
	}
	if body["development_mode"] != true {
		t.Fatalf("development_mode = %v", body["development_mode"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHub(t)
	defer h.close()

	resp, err := http.Get(h.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "fabric_") {
		t.Fatalf("metrics: status %d", resp.StatusCode)
	}
}

// upload posts a multipart document and returns its document id.
func (h *testHub) upload(t *testing.T, client, filename, content string) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fmt.Fprint(fw, content)
	_ = mw.WriteField("source", "test")
	mw.Close()

	req, _ := http.NewRequest("POST", h.srv.URL+"/api/v1/documents/upload", &buf)
	req.Header.Set("X-Client-ID", client)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d body %v", resp.StatusCode, body)
	}
	return body["document_id"].(string)
}
