package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/boardroom-tee/fabric/internal/attest"
	"github.com/boardroom-tee/fabric/internal/clock"
	"github.com/boardroom-tee/fabric/internal/envelope"
	"github.com/boardroom-tee/fabric/internal/errkind"
	"github.com/boardroom-tee/fabric/internal/keystore"
	"github.com/boardroom-tee/fabric/internal/logging"
	"github.com/boardroom-tee/fabric/internal/registry"
)

// Hub protocol timeouts, applied when the config carries no override.
const (
	RegisterTimeout    = 30 * time.Second
	HeartbeatTimeout   = 5 * time.Second
	DiscoveryTimeout   = 10 * time.Second
	CollaborateTimeout = 60 * time.Second
	HeartbeatInterval  = 60 * time.Second
)

// HubClientConfig carries the identity an agent presents to the hub.
// Zero timeout fields fall back to the package defaults.
type HubClientConfig struct {
	HubEndpoint         string
	ClientID            string
	AgentID             string
	AgentType           string
	Capabilities        []string
	Endpoint            string // this agent's advertised base URL
	AttestationEndpoint string
	WorkTimeout         time.Duration // peer collaboration calls
	HealthTimeout       time.Duration // directory discovery
	HeartbeatTimeout    time.Duration // heartbeat posts
}

// HubClient is the agent side of the hub protocol: registration,
// heartbeats, directory discovery and peer collaboration.
type HubClient struct {
	cfg    HubClientConfig
	keys   *keystore.Store
	sealer *envelope.Sealer
	opener *envelope.Opener
	client *http.Client
	clock  clock.Clock
	log    *logging.Logger

	mu    sync.RWMutex
	peers map[string]registry.DirectoryEntry // by agent id, refreshed on discovery
}

// NewHubClient creates a HubClient for the given identity.
func NewHubClient(cfg HubClientConfig, keys *keystore.Store, sealer *envelope.Sealer, opener *envelope.Opener, clk clock.Clock, log *logging.Logger) *HubClient {
	return &HubClient{
		cfg:    cfg,
		keys:   keys,
		sealer: sealer,
		opener: opener,
		client: &http.Client{},
		clock:  clk,
		log:    log,
		peers:  make(map[string]registry.DirectoryEntry),
	}
}

// Register presents a fresh attestation quote and this agent's public key
// to the hub. A rejection carries the hub's error kind.
func (h *HubClient) Register(ctx context.Context) error {
	quote := attest.GenerateQuote(h.cfg.AgentID, h.keys.Fingerprint())
	body, err := json.Marshal(map[string]any{
		"agent_id":             h.cfg.AgentID,
		"agent_type":           h.cfg.AgentType,
		"capabilities":         h.cfg.Capabilities,
		"endpoint":             h.cfg.Endpoint,
		"attestation_endpoint": h.cfg.AttestationEndpoint,
		"attestation_quote":    quote,
		"public_key":           h.keys.PublicPEM(),
	})
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, RegisterTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		h.cfg.HubEndpoint+"/api/v1/agents/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", h.cfg.ClientID)
	req.Header.Set("X-Attestation-Quote", quote)

	resp, err := h.client.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.TransportUnreachable, "reach hub", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		h.log.Info("registered with hub",
			"hub", h.cfg.HubEndpoint, "agent_id", h.cfg.AgentID)
		return nil
	}
	return hubError(resp, "registration")
}

// Heartbeat posts one liveness update.
func (h *HubClient) Heartbeat(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"agent_id": h.cfg.AgentID})

	callCtx, cancel := context.WithTimeout(ctx, orDefault(h.cfg.HeartbeatTimeout, HeartbeatTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		h.cfg.HubEndpoint+"/api/v1/agents/heartbeat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", h.cfg.ClientID)

	resp, err := h.client.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.TransportUnreachable, "reach hub", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return hubError(resp, "heartbeat")
}

// HeartbeatLoop posts heartbeats until the context is cancelled. Failures
// are logged and the loop continues; the hub's health sweep handles the
// rest.
func (h *HubClient) HeartbeatLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = HeartbeatInterval
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.clock.After(every):
			if err := h.Heartbeat(ctx); err != nil {
				h.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// Discover queries the hub directory, optionally filtered by capability,
// and refreshes the local peer cache.
func (h *HubClient) Discover(ctx context.Context, capability string) ([]registry.DirectoryEntry, error) {
	u := h.cfg.HubEndpoint + "/api/v1/agents/directory"
	if capability != "" {
		u += "?capability=" + url.QueryEscape(capability)
	}

	callCtx, cancel := context.WithTimeout(ctx, orDefault(h.cfg.HealthTimeout, DiscoveryTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build directory request: %w", err)
	}
	req.Header.Set("X-Client-ID", h.cfg.ClientID)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportUnreachable, "reach hub", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, hubError(resp, "directory")
	}

	var decoded struct {
		Agents []registry.DirectoryEntry `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errkind.Wrap(errkind.TransportHTTP, "decode directory", err)
	}

	h.mu.Lock()
	for _, a := range decoded.Agents {
		h.peers[a.AgentID] = a
	}
	h.mu.Unlock()
	return decoded.Agents, nil
}

// Collaborate sends a sealed collaboration request to a peer agent and
// returns the verified response payload. A peer answering with an
// envelope that fails verification is a failed response.
func (h *HubClient) Collaborate(ctx context.Context, peerID, task string, taskCtx map[string]any, dataRequirements []string) (map[string]any, error) {
	peer, ok := h.peer(peerID)
	if !ok {
		if _, err := h.Discover(ctx, ""); err != nil {
			return nil, err
		}
		if peer, ok = h.peer(peerID); !ok {
			return nil, errkind.Newf(errkind.NotFound, "peer agent %q not in directory", peerID)
		}
	}

	payload := envelope.NewCollaborationRequest(task, taskCtx, dataRequirements)
	env, err := h.sealer.Seal(peerID, envelope.TypeCollaborationRequest, payload, "")
	if err != nil {
		return nil, fmt.Errorf("seal collaboration request: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, orDefault(h.cfg.WorkTimeout, CollaborateTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		peer.Endpoint+"/api/v1/collaborate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build collaboration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-ID", h.cfg.AgentID)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportUnreachable, "reach peer "+peerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e := errkind.Newf(errkind.TransportHTTP, "peer %s returned %d: %s", peerID, resp.StatusCode, detail)
		e.Code = resp.StatusCode
		return nil, e
	}

	var replyEnv envelope.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&replyEnv); err != nil {
		return nil, errkind.Wrap(errkind.TransportHTTP, "decode peer envelope", err)
	}
	msg, err := h.opener.Open(&replyEnv)
	if err != nil {
		// Keep the opener's kind: stale, replay and decrypt failures
		// are distinct outcomes for the caller.
		return nil, fmt.Errorf("verify response from peer %s: %w", peerID, err)
	}
	if msg.MessageType == envelope.TypeError {
		reason, _ := msg.Payload["error"].(string)
		return nil, errkind.Newf(errkind.BadRequest, "peer %s answered with error: %s", peerID, reason)
	}
	return msg.Payload, nil
}

func orDefault(configured, def time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return def
}

func (h *HubClient) peer(agentID string) (registry.DirectoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[agentID]
	return p, ok
}

// hubError turns a non-success hub reply into a structured error,
// preserving the hub's error kind when the body carries one.
func hubError(resp *http.Response, op string) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(detail, &body) == nil && body.Kind != "" {
		return errkind.Newf(errkind.Kind(body.Kind), "%s rejected by hub: %s", op, body.Error)
	}
	e := errkind.Newf(errkind.TransportHTTP, "%s returned %d: %s", op, resp.StatusCode, detail)
	e.Code = resp.StatusCode
	return e
}
