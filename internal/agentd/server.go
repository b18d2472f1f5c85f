package agentd

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boardroom-tee/fabric/internal/attest"
	"github.com/boardroom-tee/fabric/internal/clock"
	"github.com/boardroom-tee/fabric/internal/envelope"
	"github.com/boardroom-tee/fabric/internal/errkind"
	"github.com/boardroom-tee/fabric/internal/logging"
	"github.com/boardroom-tee/fabric/internal/metrics"
)

// Dependencies defines what the agent server needs from the rest of the
// process.
type Dependencies struct {
	Handlers        *Handlers
	Sealer          *envelope.Sealer
	Opener          *envelope.Opener
	Clock           clock.Clock
	Log             *logging.Logger
	AgentID         string
	AgentType       string
	Capabilities    []string
	KeyFingerprint  string
	DevelopmentMode bool
}

// Server is the agent API server.
type Server struct {
	deps    Dependencies
	mux     *http.ServeMux
	server  *http.Server
	started time.Time
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:    deps,
		mux:     http.NewServeMux(),
		started: deps.Clock.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/v1/process", s.apiProcess)
	s.mux.HandleFunc("POST /api/v1/collaborate", s.apiCollaborate)
	s.mux.HandleFunc("GET /api/v1/capabilities", s.apiCapabilities)
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/attestation", s.handleAttestation)
	s.mux.Handle("GET /api/v1/metrics", promhttp.Handler())

	// Unversioned aliases for probes that do not speak the API prefix.
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
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("agent api listening", "addr", addr, "agent_type", s.deps.AgentType)
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

// apiProcess dispatches hub work by its type field. Payloads without a
// type run the general handler.
func (s *Server) apiProcess(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, errkind.Wrap(errkind.BadRequest, "decode work payload", err))
		return
	}

	workType, _ := payload["type"].(string)
	if workType == "" {
		workType = "general"
	}

	result, err := s.deps.Handlers.Dispatch(r.Context(), workType, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// apiCollaborate answers peer envelopes. Every outcome, including a
// failed verification, is returned as an envelope signed by this agent;
// the raw error never crosses the wire.
func (s *Server) apiCollaborate(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, errkind.Wrap(errkind.BadRequest, "decode envelope", err))
		return
	}

	msg, err := s.deps.Opener.Open(&env)
	if err != nil {
		metrics.EnvelopesVerifiedTotal.WithLabelValues("rejected").Inc()
		s.deps.Log.Warn("rejected peer envelope", "error", err)
		s.writeErrorEnvelope(w, "requester", err)
		return
	}
	metrics.EnvelopesVerifiedTotal.WithLabelValues("verified").Inc()

	result, err := s.deps.Handlers.Dispatch(r.Context(), msg.MessageType, msg.Payload)
	if err != nil {
		s.writeErrorEnvelope(w, msg.SenderID, err)
		return
	}

	// Mirror the request's encryption choice on the way back.
	recipientPEM := ""
	if env.Encrypted {
		recipientPEM = env.SenderPublicKey
	}
	reply := envelope.NewCollaborationResponse(msg.Nonce, "completed", result)
	sealed, err := s.deps.Sealer.Seal(msg.SenderID, envelope.TypeCollaborationResponse, reply, recipientPEM)
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Internal, "seal response", err))
		return
	}
	writeJSON(w, http.StatusOK, sealed)
}

func (s *Server) writeErrorEnvelope(w http.ResponseWriter, recipientID string, cause error) {
	sealed, err := s.deps.Sealer.Seal(recipientID, envelope.TypeError, map[string]any{
		"error": cause.Error(),
		"kind":  string(errkind.KindOf(cause)),
	}, "")
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Internal, "seal error envelope", err))
		return
	}
	writeJSON(w, http.StatusOK, sealed)
}

func (s *Server) apiCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":            s.deps.AgentID,
		"agent_type":          s.deps.AgentType,
		"capabilities":        s.deps.Capabilities,
		"collaboration_types": s.deps.Handlers.Types(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"agent_id":         s.deps.AgentID,
		"agent_type":       s.deps.AgentType,
		"capabilities":     s.deps.Capabilities,
		"uptime_seconds":   int64(s.deps.Clock.Since(s.started).Seconds()),
		"development_mode": s.deps.DevelopmentMode,
	})
}

func (s *Server) handleAttestation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK,
		attest.CurrentEvidence(s.deps.AgentID, s.deps.KeyFingerprint, s.deps.DevelopmentMode))
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
