package orchestrate

import (
	"time"
)

// Recognized data requirement tags.
const (
	TagFinancialData = "financial_data"
	TagMarketingData = "marketing_data"
)

// BuildPackage composes the data package dispatched alongside a routed
// query. Each recognized requirement tag materializes a slice drawn from
// the request context, with stable defaults where the context is silent.
func BuildPackage(clientID string, context map[string]any, requirements []string, now time.Time) map[string]any {
	data := map[string]any{
		"client_id":       clientID,
		"request_context": context,
		"data_types":      requirements,
		"documents":       []string{},
	}

	for _, tag := range requirements {
		switch tag {
		case TagFinancialData:
			data[TagFinancialData] = map[string]any{
				"revenue":  contextNumber(context, "revenue", 1000000),
				"expenses": contextNumber(context, "expenses", 800000),
				"period":   contextString(context, "period", "Q4 2024"),
			}
		case TagMarketingData:
			data[TagMarketingData] = map[string]any{
				"campaign_name": contextString(context, "campaign_name", "Holiday Campaign"),
				"spend":         contextNumber(context, "marketing_spend", 50000),
				"impressions":   contextNumber(context, "impressions", 1000000),
			}
		}
	}

	return map[string]any{
		"encrypted":   false,
		"data":        data,
		"prepared_at": now.UTC().Format(time.RFC3339),
	}
}

func contextNumber(context map[string]any, field string, def float64) float64 {
	switch v := context[field].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func contextString(context map[string]any, field, def string) string {
	if s, ok := context[field].(string); ok && s != "" {
		return s
	}
	return def
}
