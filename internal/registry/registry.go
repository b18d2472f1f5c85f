// Package registry tracks the federation's agents. Admission is gated on
// attestation verification; records are scoped by client id and liveness is
// driven by heartbeats. The table is an in-memory cache with recoverable
// semantics: agents re-register after a hub restart.
package registry

import (
	"sync"
	"time"

	"github.com/boardroom-tee/fabric/internal/attest"
	"github.com/boardroom-tee/fabric/internal/clock"
	"github.com/boardroom-tee/fabric/internal/errkind"
	"github.com/boardroom-tee/fabric/internal/logging"
	"github.com/boardroom-tee/fabric/internal/metrics"
)

// Status is an agent's admission state. It moves from verified only towards
// inactive or failed; re-registration replaces the record.
type Status string

const (
	StatusVerified   Status = "verified"
	StatusUnverified Status = "unverified"
	StatusInactive   Status = "inactive"
	StatusFailed     Status = "failed"
)

// Liveness thresholds shared by the directory view and the health sweep.
const (
	OnlineWindow   = 5 * time.Minute
	InactiveWindow = 15 * time.Minute
)

// Agent is one registered peer.
type Agent struct {
	AgentID             string            `json:"agent_id"`
	AgentType           string            `json:"agent_type"`
	Capabilities        []string          `json:"capabilities"`
	Endpoint            string            `json:"endpoint"`
	AttestationEndpoint string            `json:"attestation_endpoint"`
	PublicKey           string            `json:"public_key"`
	AttestationQuote    string            `json:"attestation_quote"`
	Status              Status            `json:"status"`
	RegisteredAt        time.Time         `json:"registered_at"`
	LastSeen            time.Time         `json:"last_seen"`
	ClientID            string            `json:"client_id"`
	Measurements        map[string]string `json:"measurements"`
}

// Registration is the admission request body.
type Registration struct {
	AgentID             string   `json:"agent_id"`
	AgentType           string   `json:"agent_type"`
	Capabilities        []string `json:"capabilities"`
	Endpoint            string   `json:"endpoint"`
	AttestationEndpoint string   `json:"attestation_endpoint"`
	Quote               string   `json:"-"`
	PublicKey           string   `json:"-"`
}

// DirectoryEntry is the reduced view returned to discovery queries.
type DirectoryEntry struct {
	AgentID      string   `json:"agent_id"`
	AgentType    string   `json:"agent_type"`
	Capabilities []string `json:"capabilities"`
	Endpoint     string   `json:"endpoint"`
	Status       string   `json:"status"` // online or offline
}

// HealthBucket is one agent's liveness classification.
type HealthBucket struct {
	AgentID   string    `json:"agent_id"`
	AgentType string    `json:"agent_type"`
	LastSeen  time.Time `json:"last_seen"`
}

// Health groups a client's agents by liveness.
type Health struct {
	Healthy   []HealthBucket `json:"healthy"`
	Unhealthy []HealthBucket `json:"unhealthy"`
	Inactive  []HealthBucket `json:"inactive"`
}

// InactiveAgent records one sweep transition to inactive status.
type InactiveAgent struct {
	AgentID   string
	AgentType string
	ClientID  string
}

// Verifier is the attestation dependency, satisfied by *attest.Verifier.
type Verifier interface {
	VerifyQuote(raw string) (bool, attest.Result)
}

// Registry is the client-scoped agent table. A single RWMutex guards the
// map; read-modify-write sequences (heartbeat, sweep transitions) hold the
// write lock for their whole duration.
type Registry struct {
	mu       sync.RWMutex
	agents   map[key]*Agent
	verifier Verifier
	clock    clock.Clock
	log      *logging.Logger
}

type key struct {
	clientID string
	agentID  string
}

// New creates a Registry gated on the given verifier.
func New(verifier Verifier, clk clock.Clock, log *logging.Logger) *Registry {
	return &Registry{
		agents:   make(map[key]*Agent),
		verifier: verifier,
		clock:    clk,
		log:      log,
	}
}

// Register admits an agent after attestation verification. A rejection
// persists nothing. Re-registration of an existing (client, agent) pair
// replaces the record wholesale.
func (r *Registry) Register(reg Registration, clientID string) (*Agent, error) {
	if reg.AgentID == "" || reg.AgentType == "" {
		metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
		return nil, errkind.New(errkind.BadRequest, "agent_id and agent_type are required")
	}
	if reg.Quote == "" || reg.PublicKey == "" {
		metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
		return nil, errkind.New(errkind.AttestationFailed, "missing attestation quote or public key")
	}

	ok, res := r.verifier.VerifyQuote(reg.Quote)
	if !ok {
		metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
		r.log.Warn("agent registration rejected",
			"agent_id", reg.AgentID, "client_id", clientID, "reason", res.Err)
		return nil, errkind.New(errkind.AttestationFailed, res.Err)
	}

	now := r.clock.Now()
	agent := &Agent{
		AgentID:             reg.AgentID,
		AgentType:           reg.AgentType,
		Capabilities:        reg.Capabilities,
		Endpoint:            reg.Endpoint,
		AttestationEndpoint: reg.AttestationEndpoint,
		PublicKey:           reg.PublicKey,
		AttestationQuote:    reg.Quote,
		Status:              StatusVerified,
		RegisteredAt:        now,
		LastSeen:            now,
		ClientID:            clientID,
		Measurements:        res.Measurements,
	}

	r.mu.Lock()
	r.agents[key{clientID, reg.AgentID}] = agent
	r.updateGaugesLocked()
	r.mu.Unlock()

	metrics.RegistrationsTotal.WithLabelValues("verified").Inc()
	r.log.Info("agent registered",
		"agent_id", reg.AgentID, "agent_type", reg.AgentType, "client_id", clientID)
	return cloneAgent(agent), nil
}

// Get returns the record for (agentID, clientID). Cross-client lookups are
// not-found; this is the only sanctioned lookup path.
func (r *Registry) Get(agentID, clientID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[key{clientID, agentID}]
	if !ok {
		return nil, false
	}
	return cloneAgent(a), true
}

// All returns every agent registered under the client.
func (r *Registry) All(clientID string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for k, a := range r.agents {
		if k.clientID == clientID {
			out = append(out, cloneAgent(a))
		}
	}
	return out
}

// Verified returns the client's agents currently holding verified status.
func (r *Registry) Verified(clientID string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for k, a := range r.agents {
		if k.clientID == clientID && a.Status == StatusVerified {
			out = append(out, cloneAgent(a))
		}
	}
	return out
}

// ByCapability filters the client's verified agents by capability tag.
func (r *Registry) ByCapability(capability, clientID string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for k, a := range r.agents {
		if k.clientID != clientID || a.Status != StatusVerified {
			continue
		}
		for _, c := range a.Capabilities {
			if c == capability {
				out = append(out, cloneAgent(a))
				break
			}
		}
	}
	return out
}

// Directory returns the discovery view of the client's verified agents,
// with online derived from last-seen recency.
func (r *Registry) Directory(clientID string) []DirectoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	var out []DirectoryEntry
	for k, a := range r.agents {
		if k.clientID != clientID || a.Status != StatusVerified {
			continue
		}
		status := "offline"
		if now.Sub(a.LastSeen) < OnlineWindow {
			status = "online"
		}
		out = append(out, DirectoryEntry{
			AgentID:      a.AgentID,
			AgentType:    a.AgentType,
			Capabilities: a.Capabilities,
			Endpoint:     a.Endpoint,
			Status:       status,
		})
	}
	return out
}

// Heartbeat refreshes last-seen for an existing record. Idempotent: N
// consecutive heartbeats observe the same state as one.
func (r *Registry) Heartbeat(agentID, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[key{clientID, agentID}]
	if !ok {
		return false
	}
	a.LastSeen = r.clock.Now()
	metrics.HeartbeatsTotal.Inc()
	return true
}

// HealthSweep buckets the client's agents by last-seen age and transitions
// agents unseen for the inactive window to StatusInactive. The second
// return value lists only the agents that transitioned on this call.
func (r *Registry) HealthSweep(clientID string) (Health, []InactiveAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var h Health
	var transitioned []InactiveAgent
	for k, a := range r.agents {
		if k.clientID != clientID {
			continue
		}
		bucket := HealthBucket{AgentID: a.AgentID, AgentType: a.AgentType, LastSeen: a.LastSeen}
		switch age := now.Sub(a.LastSeen); {
		case age < OnlineWindow:
			h.Healthy = append(h.Healthy, bucket)
		case age < InactiveWindow:
			h.Unhealthy = append(h.Unhealthy, bucket)
		default:
			h.Inactive = append(h.Inactive, bucket)
			if a.Status == StatusVerified {
				a.Status = StatusInactive
				transitioned = append(transitioned, InactiveAgent{
					AgentID:   a.AgentID,
					AgentType: a.AgentType,
					ClientID:  clientID,
				})
				r.log.Info("agent transitioned to inactive",
					"agent_id", a.AgentID, "client_id", clientID, "last_seen", a.LastSeen)
			}
		}
	}
	r.updateGaugesLocked()
	return h, transitioned
}

// SweepAll runs the health sweep for every known client and reports the
// agents newly retired; used by the background job.
func (r *Registry) SweepAll() []InactiveAgent {
	r.mu.RLock()
	clients := make(map[string]struct{})
	for k := range r.agents {
		clients[k.clientID] = struct{}{}
	}
	r.mu.RUnlock()

	var out []InactiveAgent
	for clientID := range clients {
		_, transitioned := r.HealthSweep(clientID)
		out = append(out, transitioned...)
	}
	return out
}

// Remove deletes a record; client-scoped like every other lookup.
func (r *Registry) Remove(agentID, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{clientID, agentID}
	if _, ok := r.agents[k]; !ok {
		return false
	}
	delete(r.agents, k)
	r.updateGaugesLocked()
	r.log.Info("agent removed from registry", "agent_id", agentID, "client_id", clientID)
	return true
}

func (r *Registry) updateGaugesLocked() {
	verified := 0
	for _, a := range r.agents {
		if a.Status == StatusVerified {
			verified++
		}
	}
	metrics.AgentsRegistered.Set(float64(len(r.agents)))
	metrics.AgentsVerified.Set(float64(verified))
}

// cloneAgent copies a record so callers never hold a pointer into the map.
func cloneAgent(a *Agent) *Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Measurements != nil {
		c.Measurements = make(map[string]string, len(a.Measurements))
		for k, v := range a.Measurements {
			c.Measurements[k] = v
		}
	}
	return &c
}
