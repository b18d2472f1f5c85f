package hub

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/boardroom-tee/fabric/internal/errkind"
	"github.com/boardroom-tee/fabric/internal/events"
	"github.com/boardroom-tee/fabric/internal/notify"
	"github.com/boardroom-tee/fabric/internal/orchestrate"
	"github.com/boardroom-tee/fabric/internal/registry"
	"github.com/boardroom-tee/fabric/internal/store"
)

// maxUploadBytes bounds multipart uploads.
const maxUploadBytes = 64 << 20

func (s *Server) apiDocumentUpload(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, errkind.Wrap(errkind.BadRequest, "parse multipart form", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, errkind.New(errkind.BadRequest, "multipart field 'file' required"))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, errkind.Wrap(errkind.BadRequest, "read upload", err))
		return
	}

	metadata := make(map[string]string)
	for key, vals := range r.MultipartForm.Value {
		if len(vals) > 0 {
			metadata[key] = vals[0]
		}
	}

	result, err := s.deps.Intake.Process(content, header.Filename, metadata, client)
	if err != nil {
		s.deps.EventBus.Publish(events.SSEEvent{
			Type:      events.EventDocumentFailed,
			ClientID:  client,
			Message:   err.Error(),
			Timestamp: s.deps.Clock.Now(),
		})
		s.deps.Notify.Notify(r.Context(), notify.Event{
			Type:      notify.EventDocumentFailed,
			ClientID:  client,
			Error:     err.Error(),
			Timestamp: s.deps.Clock.Now(),
		})
		writeError(w, err)
		return
	}

	s.deps.EventBus.Publish(events.SSEEvent{
		Type:       events.EventDocumentProcessed,
		ClientID:   client,
		DocumentID: result.DocumentID,
		Timestamp:  s.deps.Clock.Now(),
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) apiDocumentGet(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.deps.Intake.Get(r.PathValue("id"), client)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) apiDocumentDelete(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Intake.Delete(id, client); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "deleted",
		"document_id": id,
	})
}

func (s *Server) apiDocumentSearch(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	filters := store.SearchFilters{
		Department:   r.URL.Query().Get("department"),
		DocumentType: r.URL.Query().Get("document_type"),
	}
	if v := r.URL.Query().Get("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, errkind.Newf(errkind.BadRequest, "invalid date_from %q", v))
			return
		}
		filters.DateFrom = t
	}
	if v := r.URL.Query().Get("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, errkind.Newf(errkind.BadRequest, "invalid date_to %q", v))
			return
		}
		filters.DateTo = t
	}

	docs, err := s.deps.Intake.Search(client, filters)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.deps.Intake.Count(client)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents":   docs,
		"count":       len(docs),
		"total_count": total,
	})
}

func (s *Server) apiAgentRegister(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		registry.Registration
		Quote     string `json:"attestation_quote"`
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errkind.Wrap(errkind.BadRequest, "decode registration body", err))
		return
	}
	reg := body.Registration
	reg.Quote = body.Quote
	reg.PublicKey = body.PublicKey
	// Header values take precedence over body fields.
	if v := r.Header.Get("X-Attestation-Quote"); v != "" {
		reg.Quote = v
	}
	if v := r.Header.Get("X-Public-Key"); v != "" {
		reg.PublicKey = v
	}

	agent, err := s.deps.Registry.Register(reg, client)
	if err != nil {
		s.deps.EventBus.Publish(events.SSEEvent{
			Type:      events.EventAgentRejected,
			AgentID:   reg.AgentID,
			AgentType: reg.AgentType,
			ClientID:  client,
			Message:   err.Error(),
			Timestamp: s.deps.Clock.Now(),
		})
		s.deps.Notify.Notify(r.Context(), notify.Event{
			Type:      notify.EventAgentRejected,
			AgentID:   reg.AgentID,
			AgentType: reg.AgentType,
			ClientID:  client,
			Error:     err.Error(),
			Timestamp: s.deps.Clock.Now(),
		})
		if errkind.IsKind(err, errkind.AttestationFailed) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"status":              "rejected",
				"verification_status": "failed",
				"error":               err.Error(),
				"kind":                string(errkind.AttestationFailed),
			})
			return
		}
		writeError(w, err)
		return
	}

	s.deps.EventBus.Publish(events.SSEEvent{
		Type:      events.EventAgentRegistered,
		AgentID:   agent.AgentID,
		AgentType: agent.AgentType,
		ClientID:  client,
		Timestamp: s.deps.Clock.Now(),
	})
	s.deps.Notify.Notify(r.Context(), notify.Event{
		Type:      notify.EventAgentRegistered,
		AgentID:   agent.AgentID,
		AgentType: agent.AgentType,
		ClientID:  client,
		Timestamp: s.deps.Clock.Now(),
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"status": "registered",
		"agent":  agent,
	})
}

func (s *Server) apiAgentDirectory(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if capability := r.URL.Query().Get("capability"); capability != "" {
		agents := s.deps.Registry.ByCapability(capability, client)
		entries := make([]registry.DirectoryEntry, 0, len(agents))
		for _, a := range agents {
			entries = append(entries, registry.DirectoryEntry{
				AgentID:      a.AgentID,
				AgentType:    a.AgentType,
				Capabilities: a.Capabilities,
				Endpoint:     a.Endpoint,
				Status:       "online",
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": entries, "count": len(entries)})
		return
	}

	entries := s.deps.Registry.Directory(client)
	writeJSON(w, http.StatusOK, map[string]any{"agents": entries, "count": len(entries)})
}

func (s *Server) apiAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		writeError(w, errkind.New(errkind.BadRequest, "agent_id required"))
		return
	}

	if !s.deps.Registry.Heartbeat(body.AgentID, client) {
		writeError(w, errkind.Newf(errkind.NotFound, "agent %q not registered", body.AgentID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) apiAgentRemove(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if !s.deps.Registry.Remove(id, client) {
		writeError(w, errkind.Newf(errkind.NotFound, "agent %q not registered", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "removed",
		"agent_id": id,
	})
}

func (s *Server) apiAgentHealth(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	health, _ := s.deps.Registry.HealthSweep(client)
	peers := s.deps.Peers.HealthCheckAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"registry": health,
		"peers":    peers,
	})
}

func (s *Server) apiOrchestrationRoute(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req orchestrate.RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.Wrap(errkind.BadRequest, "decode route request", err))
		return
	}
	if req.Query == "" {
		writeError(w, errkind.New(errkind.BadRequest, "query required"))
		return
	}

	result, err := s.deps.Engine.Route(r.Context(), client, req)
	if err != nil {
		writeError(w, err)
		return
	}

	s.deps.EventBus.Publish(events.SSEEvent{
		Type:      events.EventRouteStarted,
		ClientID:  client,
		RoutingID: result.RoutingID,
		AgentType: result.AgentType,
		Timestamp: s.deps.Clock.Now(),
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) apiOrchestrationActive(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	active := s.deps.Engine.Active(client)
	writeJSON(w, http.StatusOK, map[string]any{
		"active_requests": active,
		"count":           len(active),
	})
}

func (s *Server) apiOrchestrationResponse(w http.ResponseWriter, r *http.Request) {
	client, err := clientID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var resp orchestrate.AgentResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, errkind.Wrap(errkind.BadRequest, "decode agent response", err))
		return
	}

	routingID := r.PathValue("routing_id")
	outcome, err := s.deps.Engine.ProcessResponse(r.Context(), client, routingID, resp)
	if err != nil {
		writeError(w, err)
		return
	}

	evtType := events.EventRouteEscalated
	if outcome.Status == "completed" {
		evtType = events.EventCollaborationCompleted
		s.deps.Notify.Notify(r.Context(), notify.Event{
			Type:      notify.EventCollaborationCompleted,
			ClientID:  client,
			RoutingID: routingID,
			Timestamp: s.deps.Clock.Now(),
		})
	}
	s.deps.EventBus.Publish(events.SSEEvent{
		Type:      evtType,
		ClientID:  client,
		RoutingID: routingID,
		Timestamp: s.deps.Clock.Now(),
	})
	writeJSON(w, http.StatusOK, outcome)
}
