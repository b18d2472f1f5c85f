// Package hub is the coordination service's HTTP surface. It exposes the
// versioned API for document intake, agent registry and orchestration,
// plus the operational endpoints (health, attestation, metrics, SSE).
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boardroom-tee/fabric/internal/attest"
	"github.com/boardroom-tee/fabric/internal/clock"
	"github.com/boardroom-tee/fabric/internal/errkind"
	"github.com/boardroom-tee/fabric/internal/events"
	"github.com/boardroom-tee/fabric/internal/intake"
	"github.com/boardroom-tee/fabric/internal/logging"
	"github.com/boardroom-tee/fabric/internal/notify"
	"github.com/boardroom-tee/fabric/internal/orchestrate"
	"github.com/boardroom-tee/fabric/internal/registry"
	"github.com/boardroom-tee/fabric/internal/store"
	"github.com/boardroom-tee/fabric/internal/transport"
)

// AgentRegistry is what the server needs from the registry.
type AgentRegistry interface {
	Register(reg registry.Registration, clientID string) (*registry.Agent, error)
	Directory(clientID string) []registry.DirectoryEntry
	ByCapability(capability, clientID string) []*registry.Agent
	Heartbeat(agentID, clientID string) bool
	HealthSweep(clientID string) (registry.Health, []registry.InactiveAgent)
	Remove(agentID, clientID string) bool
}

// Orchestrator routes collaboration requests and processes responses.
type Orchestrator interface {
	Route(ctx context.Context, clientID string, req orchestrate.RouteRequest) (*orchestrate.RouteResult, error)
	Active(clientID string) []orchestrate.ActiveEntry
	ProcessResponse(ctx context.Context, clientID, routingID string, resp orchestrate.AgentResponse) (*orchestrate.Outcome, error)
}

// DocumentIntake runs uploads through the intake pipeline and serves
// catalog reads.
type DocumentIntake interface {
	Process(content []byte, filename string, metadata map[string]string, clientID string) (*intake.Result, error)
	Get(documentID, clientID string) (*store.Document, error)
	Search(clientID string, filters store.SearchFilters) ([]*store.Document, error)
	Delete(documentID, clientID string) error
	Count(clientID string) (int, error)
}

// SettingsReader serves sweep bookkeeping on the health endpoint.
type SettingsReader interface {
	GetSetting(key string) (string, error)
}

// PeerProber checks the configured spoke agents' live health.
type PeerProber interface {
	HealthCheckAll(ctx context.Context) map[string]transport.PeerHealth
}

// Dependencies defines what the hub server needs from the rest of the
// application.
type Dependencies struct {
	Registry        AgentRegistry
	Engine          Orchestrator
	Intake          DocumentIntake
	Peers           PeerProber
	Settings        SettingsReader
	EventBus        *events.Bus
	Notify          *notify.Multi
	Clock           clock.Clock
	Log             *logging.Logger
	HubID           string
	KeyFingerprint  string
	DevelopmentMode bool
}

// Server is the hub API server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/v1/documents/upload", s.apiDocumentUpload)
	s.mux.HandleFunc("GET /api/v1/documents/{id}", s.apiDocumentGet)
	s.mux.HandleFunc("DELETE /api/v1/documents/{id}", s.apiDocumentDelete)
	s.mux.HandleFunc("GET /api/v1/documents", s.apiDocumentSearch)

	s.mux.HandleFunc("POST /api/v1/agents/register", s.apiAgentRegister)
	s.mux.HandleFunc("GET /api/v1/agents/directory", s.apiAgentDirectory)
	s.mux.HandleFunc("POST /api/v1/agents/heartbeat", s.apiAgentHeartbeat)
	s.mux.HandleFunc("GET /api/v1/agents/health", s.apiAgentHealth)
	s.mux.HandleFunc("DELETE /api/v1/agents/{id}", s.apiAgentRemove)

	s.mux.HandleFunc("POST /api/v1/orchestration/route", s.apiOrchestrationRoute)
	s.mux.HandleFunc("GET /api/v1/orchestration/active", s.apiOrchestrationActive)
	s.mux.HandleFunc("POST /api/v1/orchestration/response/{routing_id}", s.apiOrchestrationResponse)

	s.mux.HandleFunc("GET /api/v1/events", s.apiSSE)

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /attestation", s.handleAttestation)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived; per-handler timeouts used instead.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("hub api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the route mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":    "healthy",
		"service":   "hub",
		"timestamp": s.deps.Clock.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Settings != nil {
		if last, err := s.deps.Settings.GetSetting(settingLastSweep); err == nil && last != "" {
			body["last_sweep"] = last
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAttestation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK,
		attest.CurrentEvidence(s.deps.HubID, s.deps.KeyFingerprint, s.deps.DevelopmentMode))
}

// clientID extracts the mandatory X-Client-ID header.
func clientID(r *http.Request) (string, error) {
	id := r.Header.Get("X-Client-ID")
	if id == "" {
		return "", errkind.New(errkind.ClientIDMissing, "X-Client-ID header required")
	}
	return id, nil
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a structured error to its HTTP status and JSON body.
func writeError(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	writeJSON(w, errkind.HTTPStatus(kind), map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}
