// Package transport delivers envelopes and work requests to spoke agents
// over their configured endpoints. Every call carries an explicit total
// timeout; expiry is a terminal failure of that call.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/boardroom-tee/fabric/internal/config"
	"github.com/boardroom-tee/fabric/internal/errkind"
	"github.com/boardroom-tee/fabric/internal/logging"
	"github.com/boardroom-tee/fabric/internal/metrics"
)

// Default call timeouts, applied when Timeouts fields are zero.
const (
	DefaultWorkTimeout   = 60 * time.Second
	DefaultHealthTimeout = 10 * time.Second
)

// Timeouts bounds the connector's outbound calls. Zero fields fall back
// to the package defaults.
type Timeouts struct {
	Work   time.Duration // work dispatch and broadcast
	Health time.Duration // health and attestation probes
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Work <= 0 {
		t.Work = DefaultWorkTimeout
	}
	if t.Health <= 0 {
		t.Health = DefaultHealthTimeout
	}
	return t
}

// PeerHealth is one configured peer's probe result.
type PeerHealth struct {
	Status    string `json:"status"` // healthy, unhealthy, unreachable
	Endpoint  string `json:"endpoint"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Connector sends requests to agents keyed by agent type.
type Connector struct {
	endpoints map[string]string
	clientID  string
	timeouts  Timeouts
	client    *http.Client
	log       *logging.Logger
}

// New creates a Connector over the configured agent-type → base URL map.
func New(endpoints map[string]string, clientID string, timeouts Timeouts, log *logging.Logger) *Connector {
	return &Connector{
		endpoints: endpoints,
		clientID:  clientID,
		timeouts:  timeouts.withDefaults(),
		client:    &http.Client{},
		log:       log,
	}
}

// Configured returns the agent types this connector can reach.
func (c *Connector) Configured() []string {
	out := make([]string, 0, len(c.endpoints))
	for kind := range c.endpoints {
		out = append(out, kind)
	}
	return out
}

// IsConfigured reports whether an agent type has an endpoint.
func (c *Connector) IsConfigured(agentType string) bool {
	_, ok := c.endpoints[agentType]
	return ok
}

// Send POSTs a work payload to the agent's /api/v1/process endpoint and
// decodes the JSON reply. timeout bounds the whole call; zero applies the
// connector's work timeout.
func (c *Connector) Send(ctx context.Context, agentType string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	base, ok := c.endpoints[agentType]
	if !ok {
		return nil, errkind.Newf(errkind.TransportUnreachable, "agent %s not configured", agentType)
	}
	if timeout <= 0 {
		timeout = c.timeouts.Work
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, base+"/api/v1/process", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Request", "true")
	req.Header.Set("X-Client-ID", c.clientID)

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.TransportDuration.WithLabelValues(agentType).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TransportErrors.WithLabelValues(agentType).Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errkind.Newf(errkind.TransportTimeout, "agent %s did not answer within %s", agentType, timeout)
		}
		return nil, errkind.Wrap(errkind.TransportUnreachable, "reach agent "+agentType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.TransportErrors.WithLabelValues(agentType).Inc()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e := errkind.Newf(errkind.TransportHTTP, "agent %s returned %d: %s", agentType, resp.StatusCode, detail)
		e.Code = resp.StatusCode
		return nil, e
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		metrics.TransportErrors.WithLabelValues(agentType).Inc()
		return nil, errkind.Wrap(errkind.TransportHTTP, "decode reply from "+agentType, err)
	}
	c.log.Debug("dispatched to agent", "agent_type", agentType, "bytes", len(body))
	return result, nil
}

// HealthCheckAll probes every configured peer's /health endpoint in
// parallel and reports best-effort latency.
func (c *Connector) HealthCheckAll(ctx context.Context) map[string]PeerHealth {
	results := make(map[string]PeerHealth, len(c.endpoints))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for agentType, base := range c.endpoints {
		wg.Add(1)
		go func(agentType, base string) {
			defer wg.Done()
			h := c.probe(ctx, base+"/health")
			h.Endpoint = base
			mu.Lock()
			results[agentType] = h
			mu.Unlock()
		}(agentType, base)
	}
	wg.Wait()
	return results
}

// CheckAttestation fetches a peer's evidence from its attestation
// side-port.
func (c *Connector) CheckAttestation(ctx context.Context, agentType string) (map[string]any, error) {
	base, ok := c.endpoints[agentType]
	if !ok {
		return nil, errkind.Newf(errkind.TransportUnreachable, "agent %s not configured", agentType)
	}
	attURL, err := attestationURL(base, agentType)
	if err != nil {
		return nil, fmt.Errorf("derive attestation url: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeouts.Health)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, attURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportUnreachable, "reach attestation endpoint of "+agentType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e := errkind.Newf(errkind.TransportHTTP, "attestation endpoint of %s returned %d", agentType, resp.StatusCode)
		e.Code = resp.StatusCode
		return nil, e
	}
	var evidence map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&evidence); err != nil {
		return nil, errkind.Wrap(errkind.TransportHTTP, "decode attestation evidence", err)
	}
	return evidence, nil
}

// Broadcast fans a payload out to all configured peers in parallel and
// collects per-peer results. Failures are recorded, never propagated.
func (c *Connector) Broadcast(ctx context.Context, payload map[string]any) map[string]map[string]any {
	results := make(map[string]map[string]any, len(c.endpoints))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for agentType := range c.endpoints {
		wg.Add(1)
		go func(agentType string) {
			defer wg.Done()
			reply, err := c.Send(ctx, agentType, payload, 0)
			if err != nil {
				reply = map[string]any{"error": err.Error()}
			}
			mu.Lock()
			results[agentType] = reply
			mu.Unlock()
		}(agentType)
	}
	wg.Wait()
	return results
}

func (c *Connector) probe(ctx context.Context, probeURL string) PeerHealth {
	callCtx, cancel := context.WithTimeout(ctx, c.timeouts.Health)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, probeURL, nil)
	if err != nil {
		return PeerHealth{Status: "unreachable", Error: err.Error()}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return PeerHealth{Status: "unreachable", Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusOK {
		return PeerHealth{Status: "healthy", LatencyMS: latency}
	}
	return PeerHealth{Status: "unhealthy", LatencyMS: latency, Error: fmt.Sprintf("HTTP %d", resp.StatusCode)}
}

// attestationURL swaps the API port of a base endpoint for the agent
// type's fixed attestation side-port.
func attestationURL(base, agentType string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	var port int
	switch agentType {
	case "finance":
		port = config.AttestationPortFinance
	case "marketing":
		port = config.AttestationPortMarketing
	case "sales":
		port = config.AttestationPortSales
	case "ceo":
		port = config.AttestationPortCEO
	default:
		port = config.AttestationPortHub
	}
	u.Host = u.Hostname() + ":" + strconv.Itoa(port)
	u.Path = "/attestation"
	return u.String(), nil
}
