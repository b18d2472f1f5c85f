package orchestrate

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boardroom-tee/fabric/internal/analysis"
	"github.com/boardroom-tee/fabric/internal/clock"
	"github.com/boardroom-tee/fabric/internal/errkind"
	"github.com/boardroom-tee/fabric/internal/logging"
	"github.com/boardroom-tee/fabric/internal/metrics"
	"github.com/boardroom-tee/fabric/internal/registry"
	"github.com/boardroom-tee/fabric/internal/transport"
)

// MaxActivePerClient caps in-flight collaborations per client.
const MaxActivePerClient = 1024

// MaxResponses is the response ceiling per routing id: the first answer
// plus at most one escalation.
const MaxResponses = 2

// EscalationThreshold is the confidence below which a second opinion is
// sought.
const EscalationThreshold = 0.7

// RouteRequest is a collaboration request entering the engine.
type RouteRequest struct {
	Query            string         `json:"query"`
	RequestingAgent  string         `json:"requesting_agent,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	DataRequirements []string       `json:"data_requirements,omitempty"`
	Priority         string         `json:"priority,omitempty"`
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty"`
}

// RouteResult is returned to the caller after a successful dispatch.
type RouteResult struct {
	RoutingID        string         `json:"routing_id"`
	TargetAgent      string         `json:"target_agent"`
	AgentType        string         `json:"agent_type"`
	Reasoning        string         `json:"reasoning"`
	EstimatedMinutes int            `json:"estimated_time_minutes"`
	DataPackageSize  int            `json:"data_package_size"`
	RoutedAt         time.Time      `json:"routed_at"`
	PeerAck          map[string]any `json:"collaboration_result,omitempty"`
}

// AgentResponse is one peer's answer to a routed request.
type AgentResponse struct {
	AgentID    string         `json:"agent_id"`
	AgentType  string         `json:"agent_type"`
	Result     map[string]any `json:"result"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Outcome is the engine's verdict after processing a response.
type Outcome struct {
	RoutingID   string              `json:"routing_id"`
	Status      string              `json:"status"` // escalated or completed
	EscalatedTo string              `json:"escalated_to,omitempty"`
	Synthesis   *analysis.Synthesis `json:"synthesis,omitempty"`
	Responses   []AgentResponse     `json:"responses,omitempty"`
	CompletedAt time.Time           `json:"completed_at,omitempty"`
}

// ActiveEntry is the reduced listing of one in-flight collaboration.
type ActiveEntry struct {
	RoutingID   string    `json:"routing_id"`
	TargetAgent string    `json:"target_agent"`
	StartedAt   time.Time `json:"started_at"`
	Status      string    `json:"status"`
}

// Dispatcher delivers a routed payload to an agent kind. Satisfied by
// *transport.Connector.
type Dispatcher interface {
	Send(ctx context.Context, agentType string, payload map[string]any, timeout time.Duration) (map[string]any, error)
}

// Directory exposes the verified agent set. Satisfied by
// *registry.Registry.
type Directory interface {
	Verified(clientID string) []*registry.Agent
}

// collaboration is one in-flight routed request. Its own mutex serializes
// the append, escalate and finalize sequence per routing id; the engine
// mutex only guards the table itself.
type collaboration struct {
	mu        sync.Mutex
	routingID string
	clientID  string
	request   RouteRequest
	target    *registry.Agent
	startedAt time.Time
	deadline  time.Duration
	responses []AgentResponse
	escalated bool
	done      bool
}

// Engine routes collaboration requests and tracks them to completion.
type Engine struct {
	policy   Policy
	dir      Directory
	dispatch Dispatcher
	synth    analysis.Synthesizer
	clock    clock.Clock
	log      *logging.Logger

	mu     sync.Mutex
	active map[string]*collaboration
}

// New creates an Engine wired to the given directory and dispatcher.
func New(policy Policy, dir Directory, dispatch Dispatcher, synth analysis.Synthesizer, clk clock.Clock, log *logging.Logger) *Engine {
	return &Engine{
		policy:   policy,
		dir:      dir,
		dispatch: dispatch,
		synth:    synth,
		clock:    clk,
		log:      log,
		active:   make(map[string]*collaboration),
	}
}

// Route selects a verified agent for the request, records the
// collaboration and dispatches the work package. A dispatch failure
// removes the entry again, so failed routes leave no ghost record.
func (e *Engine) Route(ctx context.Context, clientID string, req RouteRequest) (*RouteResult, error) {
	agents := e.eligible(clientID, req.RequestingAgent)
	if len(agents) == 0 {
		metrics.RoutesTotal.WithLabelValues("no_agents").Inc()
		return nil, errkind.New(errkind.NoAgentsAvailable, "no verified agents available for collaboration")
	}

	decision := e.policy.Route(req.Query, agents)
	target := pickTarget(agents, decision.AgentType)
	if target == nil {
		target = agents[0]
		decision.Reasoning = "Primary agent not found, using fallback"
		decision.AgentType = target.AgentType
	}

	now := e.clock.Now()
	pkg := BuildPackage(clientID, req.Context, req.DataRequirements, now)
	pkgJSON, _ := json.Marshal(pkg)

	timeout := transport.DefaultWorkTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	entry := &collaboration{
		clientID:  clientID,
		request:   req,
		target:    target,
		startedAt: now,
		deadline:  timeout,
	}
	if err := e.insert(entry); err != nil {
		metrics.RoutesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	priority := decision.Priority
	if req.Priority != "" {
		priority = req.Priority
	}
	ack, err := e.dispatch.Send(ctx, target.AgentType, map[string]any{
		"routing_id":       entry.routingID,
		"query":            req.Query,
		"context":          req.Context,
		"data_package":     pkg,
		"requesting_agent": req.RequestingAgent,
		"priority":         priority,
	}, timeout)
	if err != nil {
		e.remove(entry.routingID)
		metrics.RoutesTotal.WithLabelValues("dispatch_failed").Inc()
		return nil, err
	}

	metrics.RoutesTotal.WithLabelValues("routed").Inc()
	e.log.Info("routed collaboration request",
		"routing_id", entry.routingID,
		"agent_type", target.AgentType,
		"client_id", clientID)

	return &RouteResult{
		RoutingID:        entry.routingID,
		TargetAgent:      target.AgentID,
		AgentType:        target.AgentType,
		Reasoning:        decision.Reasoning,
		EstimatedMinutes: decision.EstimatedMinutes,
		DataPackageSize:  len(pkgJSON),
		RoutedAt:         now,
		PeerAck:          ack,
	}, nil
}

// ProcessResponse appends a peer's answer to the collaboration and either
// escalates to a second agent or finalizes through the synthesizer. The
// whole sequence is serialized per routing id.
func (e *Engine) ProcessResponse(ctx context.Context, clientID, routingID string, resp AgentResponse) (*Outcome, error) {
	e.mu.Lock()
	entry, ok := e.active[routingID]
	e.mu.Unlock()
	if !ok || entry.clientID != clientID {
		return nil, errkind.Newf(errkind.UnknownRoutingID, "unknown routing id %q", routingID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.done {
		return nil, errkind.Newf(errkind.UnknownRoutingID, "unknown routing id %q", routingID)
	}

	resp.ReceivedAt = e.clock.Now()
	entry.responses = append(entry.responses, resp)

	if next := e.escalationTarget(entry, resp); next != nil {
		entry.escalated = true
		entry.target = next
		_, err := e.dispatch.Send(ctx, next.AgentType, map[string]any{
			"routing_id":       routingID,
			"query":            entry.request.Query,
			"context":          entry.request.Context,
			"data_package":     BuildPackage(clientID, entry.request.Context, entry.request.DataRequirements, e.clock.Now()),
			"requesting_agent": entry.request.RequestingAgent,
			"priority":         "high",
		}, entry.deadline)
		if err == nil {
			metrics.EscalationsTotal.Inc()
			e.log.Info("escalated collaboration",
				"routing_id", routingID, "agent_type", next.AgentType)
			return &Outcome{
				RoutingID:   routingID,
				Status:      "escalated",
				EscalatedTo: next.AgentID,
			}, nil
		}
		// The second opinion is best effort. Finalize with what we have.
		e.log.Warn("escalation dispatch failed, finalizing",
			"routing_id", routingID, "error", err)
	}

	return e.finalizeLocked(entry), nil
}

// finalizeLocked synthesizes the collected responses and retires the
// entry. Caller holds entry.mu.
func (e *Engine) finalizeLocked(entry *collaboration) *Outcome {
	inputs := make([]analysis.Response, 0, len(entry.responses))
	for _, r := range entry.responses {
		inputs = append(inputs, analysis.Response{AgentType: r.AgentType, Result: r.Result})
	}
	synthesis := e.synth.Synthesize(inputs)

	entry.done = true
	e.remove(entry.routingID)
	metrics.RoutesTotal.WithLabelValues("completed").Inc()

	return &Outcome{
		RoutingID:   entry.routingID,
		Status:      "completed",
		Synthesis:   &synthesis,
		Responses:   entry.responses,
		CompletedAt: e.clock.Now(),
	}
}

// escalationTarget returns the agent to escalate to, or nil when the
// collaboration should finalize instead.
func (e *Engine) escalationTarget(entry *collaboration, resp AgentResponse) *registry.Agent {
	if entry.escalated || len(entry.responses) >= MaxResponses {
		return nil
	}
	confidence := 1.0
	if c, ok := resp.Result["confidence_score"].(float64); ok {
		confidence = c
	}
	if confidence >= EscalationThreshold {
		return nil
	}

	responded := make(map[string]bool, len(entry.responses))
	for _, r := range entry.responses {
		responded[r.AgentID] = true
	}
	for _, a := range e.dir.Verified(entry.clientID) {
		if !responded[a.AgentID] && a.AgentID != entry.request.RequestingAgent {
			return a
		}
	}
	return nil
}

// Active lists the client's in-flight collaborations.
func (e *Engine) Active(clientID string) []ActiveEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ActiveEntry, 0)
	for id, entry := range e.active {
		if entry.clientID != clientID {
			continue
		}
		out = append(out, ActiveEntry{
			RoutingID:   id,
			TargetAgent: entry.target.AgentType,
			StartedAt:   entry.startedAt,
			Status:      "active",
		})
	}
	return out
}

// Reaped identifies one abandoned collaboration removed by a sweep.
type Reaped struct {
	RoutingID string
	ClientID  string
}

// Reap removes collaborations whose start time exceeds their deadline
// plus the given grace, and reports what it removed.
func (e *Engine) Reap(grace time.Duration) []Reaped {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	var reaped []Reaped
	for id, entry := range e.active {
		if now.Sub(entry.startedAt) > entry.deadline+grace {
			delete(e.active, id)
			reaped = append(reaped, Reaped{RoutingID: id, ClientID: entry.clientID})
			e.log.Info("reaped abandoned collaboration", "routing_id", id)
		}
	}
	if len(reaped) > 0 {
		metrics.ActiveCollaborations.Set(float64(len(e.active)))
	}
	return reaped
}

// eligible returns the client's verified agents minus the requester.
func (e *Engine) eligible(clientID, requestingAgent string) []*registry.Agent {
	agents := e.dir.Verified(clientID)
	out := agents[:0:0]
	for _, a := range agents {
		if a.AgentID != requestingAgent {
			out = append(out, a)
		}
	}
	return out
}

// insert assigns a fresh routing id and records the entry, enforcing the
// per-client cap.
func (e *Engine) insert(entry *collaboration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for _, a := range e.active {
		if a.clientID == entry.clientID {
			count++
		}
	}
	if count >= MaxActivePerClient {
		return errkind.Newf(errkind.BadRequest, "too many active collaborations for client %q", entry.clientID)
	}

	for {
		id := "route_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, taken := e.active[id]; !taken {
			entry.routingID = id
			break
		}
	}
	e.active[entry.routingID] = entry
	metrics.ActiveCollaborations.Set(float64(len(e.active)))
	return nil
}

func (e *Engine) remove(routingID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, routingID)
	metrics.ActiveCollaborations.Set(float64(len(e.active)))
}

func pickTarget(agents []*registry.Agent, agentType string) *registry.Agent {
	for _, a := range agents {
		if a.AgentType == agentType {
			return a
		}
	}
	return nil
}
