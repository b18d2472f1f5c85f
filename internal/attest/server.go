package attest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/boardroom-tee/fabric/internal/logging"
)

// Server is the attestation side-port listener. Verifiers fetch evidence
// from it without touching the component's API surface.
type Server struct {
	agentID         string
	fingerprint     string
	developmentMode bool
	log             *logging.Logger
	server          *http.Server
}

// NewServer creates the side-port server for one component identity.
func NewServer(agentID, keyFingerprint string, developmentMode bool, log *logging.Logger) *Server {
	s := &Server{
		agentID:         agentID,
		fingerprint:     keyFingerprint,
		developmentMode: developmentMode,
		log:             log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /attestation", s.handleEvidence)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleEvidence(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(CurrentEvidence(s.agentID, s.fingerprint, s.developmentMode))
}

// ListenAndServe starts the side-port listener on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server.Addr = addr
	s.log.Info("attestation listener up", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
