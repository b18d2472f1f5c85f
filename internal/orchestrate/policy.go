// Package orchestrate routes collaboration requests between agents. A
// routing policy picks the target kind, the engine tracks the in-flight
// collaboration and escalates or finalizes as responses arrive.
package orchestrate

import (
	"fmt"
	"strings"

	"github.com/boardroom-tee/fabric/internal/registry"
)

// Decision is the routing policy's verdict for one query.
type Decision struct {
	AgentType        string  `json:"agent_type"`
	Reasoning        string  `json:"reasoning"`
	Priority         string  `json:"priority"`
	EstimatedMinutes int     `json:"estimated_minutes"`
	Confidence       float64 `json:"confidence"`
}

// Policy selects the target agent kind for a query from the currently
// verified set. Implementations must be deterministic given their inputs.
type Policy interface {
	Route(query string, agents []*registry.Agent) Decision
}

// KeywordPolicy is the default routing policy. Keyword hits pick the
// specialist kind; everything else goes to the first available agent.
type KeywordPolicy struct{}

var routingKeywords = []struct {
	agentType string
	priority  string
	reasoning string
	words     []string
}{
	{"finance", "high", "Query contains financial terms requiring specialized analysis",
		[]string{"roi", "budget", "financial", "revenue", "cost"}},
	{"marketing", "medium", "Query relates to marketing activities and campaigns",
		[]string{"campaign", "marketing", "customer", "brand"}},
	{"sales", "medium", "Query involves sales data and pipeline analysis",
		[]string{"sales", "pipeline", "leads", "deals"}},
}

func (KeywordPolicy) Route(query string, agents []*registry.Agent) Decision {
	lower := strings.ToLower(query)

	d := Decision{Priority: "low", EstimatedMinutes: 5, Confidence: 0.75}
	for _, rk := range routingKeywords {
		if containsAny(lower, rk.words) {
			d.AgentType = rk.agentType
			d.Priority = rk.priority
			d.Reasoning = rk.reasoning
			d.EstimatedMinutes = 3
			d.Confidence = 0.9
			break
		}
	}
	if d.AgentType == "" {
		if len(agents) > 0 {
			d.AgentType = agents[0].AgentType
		} else {
			d.AgentType = "finance"
		}
		d.Reasoning = "General business query routed to available specialist"
	}

	if !hasType(agents, d.AgentType) && len(agents) > 0 {
		d.AgentType = agents[0].AgentType
		d.Reasoning = fmt.Sprintf("Preferred agent not available, routing to %s", d.AgentType)
	}
	return d
}

func hasType(agents []*registry.Agent, agentType string) bool {
	for _, a := range agents {
		if a.AgentType == agentType {
			return true
		}
	}
	return false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
