// Package agentd is the spoke agent process: the HTTP surface a domain
// agent exposes to the hub and its peers, and the client side of the hub
// protocol (registration, heartbeats, discovery, peer collaboration).
package agentd

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boardroom-tee/fabric/internal/analysis"
	"github.com/boardroom-tee/fabric/internal/clock"
	"github.com/boardroom-tee/fabric/internal/errkind"
	"github.com/boardroom-tee/fabric/internal/logging"
)

// Handler processes one work payload and returns the result.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Handlers dispatches work requests by their type field. Registration
// happens at startup; dispatch is concurrent.
type Handlers struct {
	mu     sync.RWMutex
	byType map[string]Handler
	log    *logging.Logger
}

// NewHandlers creates an empty handler table.
func NewHandlers(log *logging.Logger) *Handlers {
	return &Handlers{
		byType: make(map[string]Handler),
		log:    log,
	}
}

// Register binds a handler to a work type, replacing any previous binding.
func (h *Handlers) Register(workType string, fn Handler) {
	h.mu.Lock()
	h.byType[workType] = fn
	h.mu.Unlock()
	h.log.Debug("registered work handler", "type", workType)
}

// Types returns the registered work types, sorted.
func (h *Handlers) Types() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.byType))
	for t := range h.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler bound to workType.
func (h *Handlers) Dispatch(ctx context.Context, workType string, payload map[string]any) (map[string]any, error) {
	h.mu.RLock()
	fn, ok := h.byType[workType]
	h.mu.RUnlock()
	if !ok {
		return nil, errkind.Newf(errkind.HandlerNotRegistered, "no handler for work type %q", workType)
	}
	return fn(ctx, payload)
}

// RegisterAnalysis wires a domain analyzer into the table under the work
// types the hub and peers send: the untyped default, the collaboration
// request shape, and the agent type's own alias.
func RegisterAnalysis(h *Handlers, agentID, agentType string, an analysis.Analyzer, clk clock.Clock) {
	run := func(_ context.Context, payload map[string]any) (map[string]any, error) {
		query, _ := payload["query"].(string)
		if query == "" {
			query, _ = payload["task_description"].(string)
		}
		pkg, _ := payload["data_package"].(map[string]any)

		started := clk.Now()
		result := an.Analyze(pkg, query)
		return map[string]any{
			"status":             "completed",
			"result":             result,
			"agent_id":           agentID,
			"agent_type":         agentType,
			"processing_time_ms": clk.Since(started).Milliseconds(),
			"processed_at":       clk.Now().UTC().Format(time.RFC3339),
		}, nil
	}
	h.Register("general", run)
	h.Register("collaboration_request", run)
	h.Register(agentType+"_analysis", run)
}
