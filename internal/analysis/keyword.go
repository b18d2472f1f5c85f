package analysis

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// TextExtractor is the naive default extractor. Text-like files are
// returned as-is; binary formats yield their printable runs, which is
// enough for keyword categorization in development.
type TextExtractor struct{}

func (TextExtractor) Extract(data []byte, filename string) string {
	if len(data) == 0 {
		return ""
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	switch ext {
	case "txt", "csv", "md", "json", "log", "eml":
		if utf8.Valid(data) {
			return string(data)
		}
	}
	return printableRuns(data)
}

// printableRuns keeps runs of at least four printable ASCII bytes,
// joined by newlines. The same trick the strings(1) tool uses.
func printableRuns(data []byte) string {
	var b strings.Builder
	var run []byte
	flush := func() {
		if len(run) >= 4 {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.Write(run)
		}
		run = run[:0]
	}
	for _, c := range data {
		if c >= 0x20 && c < 0x7f {
			run = append(run, c)
		} else {
			flush()
		}
	}
	flush()
	return b.String()
}

// KeywordCategorizer categorizes documents with keyword heuristics. It is
// deterministic so development runs are reproducible.
type KeywordCategorizer struct{}

var departmentKeywords = []struct {
	department string
	words      []string
}{
	{"Finance", []string{"revenue", "expense", "budget", "financial", "roi"}},
	{"Marketing", []string{"campaign", "marketing", "customer", "brand"}},
	{"Sales", []string{"sales", "pipeline", "leads", "quota"}},
}

func (KeywordCategorizer) Categorize(text, filename string) Categorization {
	lower := strings.ToLower(text)

	department := "Operations"
	for _, dk := range departmentKeywords {
		if containsAny(lower, dk.words) {
			department = dk.department
			break
		}
	}

	docType := documentType(filename)

	var keyTerms []string
	for _, term := range []string{"budget", "revenue", "campaign", "q4", "analysis", "report", "forecast"} {
		if strings.Contains(lower, term) {
			keyTerms = append(keyTerms, term)
		}
	}
	if len(keyTerms) == 0 {
		keyTerms = []string{"business", "data", "analysis"}
	}
	if len(keyTerms) > 5 {
		keyTerms = keyTerms[:5]
	}

	var timePeriod string
	for _, quarter := range []string{"Q1", "Q2", "Q3", "Q4"} {
		if strings.Contains(text, quarter) {
			timePeriod = quarter + " 2024"
			break
		}
	}

	return Categorization{
		Department:      department,
		DocumentType:    docType,
		KeyTerms:        keyTerms,
		TimePeriod:      timePeriod,
		Summary:         fmt.Sprintf("Business %s containing %s data", strings.ToLower(docType), strings.ToLower(department)),
		ConfidenceScore: 0.9,
	}
}

func documentType(filename string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "xlsx", "xls":
		return "Data/Spreadsheet"
	case "pdf":
		return "Report"
	case "docx", "doc":
		return "Document"
	case "eml", "msg":
		return "Email"
	default:
		return "Other"
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// FinanceAnalyzer answers financial queries over a prepared data package.
type FinanceAnalyzer struct{}

func (FinanceAnalyzer) Analyze(dataPackage map[string]any, query string) map[string]any {
	lower := strings.ToLower(query)

	var analysisType string
	var keyMetrics []string
	switch {
	case strings.Contains(lower, "roi") || strings.Contains(lower, "return"):
		analysisType = "ROI Analysis"
		keyMetrics = []string{"ROI: 15.2%", "Payback Period: 8 months", "Net Gain: $152,000"}
	case strings.Contains(lower, "budget") || strings.Contains(lower, "variance"):
		analysisType = "Budget Variance Analysis"
		keyMetrics = []string{"Budget Variance: +$25,000", "Favorable Variance: 5.2%", "Cost Control: Good"}
	case strings.Contains(lower, "cash") || strings.Contains(lower, "flow"):
		analysisType = "Cash Flow Analysis"
		keyMetrics = []string{"Operating CF: $450,000", "Free CF: $320,000", "Liquidity: Strong"}
	default:
		analysisType = "General Financial Analysis"
		keyMetrics = []string{"Revenue Growth: 12%", "Profit Margin: 18%", "Efficiency: Good"}
	}

	revenue := numberIn(dataPackage, "financial_data", "revenue", 1000000)
	expenses := numberIn(dataPackage, "financial_data", "expenses", 800000)
	period := stringIn(dataPackage, "financial_data", "period", "Q4 2024")

	grossMargin := 0.0
	if revenue != 0 {
		grossMargin = (revenue - expenses) / revenue * 100
	}
	efficiency := 0.0
	if expenses != 0 {
		efficiency = revenue / expenses
	}

	return map[string]any{
		"analysis_type":     analysisType,
		"financial_summary": fmt.Sprintf("Analysis for %s: Revenue $%.0f, Expenses $%.0f", period, revenue, expenses),
		"key_metrics":       keyMetrics,
		"risk_assessment": []string{
			"Market volatility risk: Medium",
			"Operational risk: Low",
			"Liquidity risk: Low",
		},
		"recommendations": []string{
			"Consider diversifying revenue streams",
			"Monitor cash flow closely",
			"Optimize operational expenses",
		},
		"confidence_score": 0.9,
		"supporting_calculations": map[string]any{
			"gross_margin":     round1(grossMargin),
			"net_profit":       revenue - expenses,
			"efficiency_ratio": round2(efficiency),
		},
		"summary": fmt.Sprintf("%s for %s", analysisType, period),
	}
}

// MarketingAnalyzer answers campaign queries over a prepared data package.
type MarketingAnalyzer struct{}

func (MarketingAnalyzer) Analyze(dataPackage map[string]any, query string) map[string]any {
	lower := strings.ToLower(query)

	name := stringIn(dataPackage, "marketing_data", "campaign_name", "Holiday Campaign")
	spend := numberIn(dataPackage, "marketing_data", "marketing_spend", 50000)
	impressions := numberIn(dataPackage, "marketing_data", "impressions", 1000000)
	clicks := numberIn(dataPackage, "marketing_data", "clicks", 25000)
	conversions := numberIn(dataPackage, "marketing_data", "conversions", 500)

	var ctr, convRate, cpc, cpa float64
	if impressions > 0 {
		ctr = clicks / impressions * 100
	}
	if clicks > 0 {
		convRate = conversions / clicks * 100
		cpc = spend / clicks
	}
	if conversions > 0 {
		cpa = spend / conversions
	}

	var analysisType string
	var insights []string
	switch {
	case strings.Contains(lower, "performance") || strings.Contains(lower, "results"):
		analysisType = "Campaign Performance Analysis"
		insights = []string{
			fmt.Sprintf("CTR of %.2f%% %s industry benchmark", ctr, compare(ctr > 2.5, "exceeds", "below")),
			fmt.Sprintf("Conversion rate of %.2f%% shows %s performance", convRate, compare(convRate > 2.0, "strong", "moderate")),
			fmt.Sprintf("Cost per acquisition of $%.2f is %s", cpa, compare(cpa < 100, "efficient", "above target")),
		}
	case strings.Contains(lower, "optimization") || strings.Contains(lower, "improve"):
		analysisType = "Campaign Optimization Analysis"
		insights = []string{
			"Optimize ad creative for higher CTR",
			"Target audience refinement needed",
			"Consider budget reallocation to top-performing channels",
		}
	default:
		analysisType = "General Campaign Analysis"
		insights = []string{
			fmt.Sprintf("Campaign '%s' generated %.0f conversions", name, conversions),
			fmt.Sprintf("Total reach: %.0f impressions", impressions),
			"Engagement metrics within expected range",
		}
	}

	return map[string]any{
		"analysis_type":    analysisType,
		"campaign_summary": fmt.Sprintf("Analysis of '%s': $%.0f spend, %.0f conversions", name, spend, conversions),
		"key_metrics": map[string]any{
			"impressions":          impressions,
			"clicks":               clicks,
			"conversions":          conversions,
			"click_through_rate":   round2(ctr),
			"conversion_rate":      round2(convRate),
			"cost_per_click":       round2(cpc),
			"cost_per_acquisition": round2(cpa),
		},
		"performance_insights": insights,
		"recommendations": []string{
			"Shift spend toward highest-converting channels",
			"Refresh creative before fatigue sets in",
		},
		"confidence_score": 0.88,
		"summary":          fmt.Sprintf("%s for '%s'", analysisType, name),
	}
}

// KeywordSynthesizer combines agent responses into one summary with an
// averaged confidence score.
type KeywordSynthesizer struct{}

func (KeywordSynthesizer) Synthesize(responses []Response) Synthesis {
	if len(responses) == 0 {
		return Synthesis{ExecutiveSummary: "No results to synthesize", Recommendations: []string{}}
	}

	var summaries []string
	var recommendations []string
	var confidence float64
	for _, r := range responses {
		if s, ok := r.Result["summary"].(string); ok && s != "" {
			summaries = append(summaries, fmt.Sprintf("%s: %s", r.AgentType, s))
		}
		if recs, ok := r.Result["recommendations"].([]string); ok {
			recommendations = append(recommendations, recs...)
		} else if recs, ok := r.Result["recommendations"].([]any); ok {
			for _, rec := range recs {
				if s, ok := rec.(string); ok {
					recommendations = append(recommendations, s)
				}
			}
		}
		if c, ok := toFloat(r.Result["confidence_score"]); ok {
			confidence += c
		} else {
			confidence += 0.8
		}
	}
	if len(summaries) > 2 {
		summaries = summaries[:2]
	}
	if len(recommendations) > 3 {
		recommendations = recommendations[:3]
	}

	return Synthesis{
		ExecutiveSummary:    strings.TrimSpace("Multi-agent analysis completed. " + strings.Join(summaries, " ")),
		Recommendations:     recommendations,
		ConfidenceScore:     round2(confidence / float64(len(responses))),
		AreasOfAgreement:    []string{"Data accuracy confirmed", "Trends identified"},
		AreasOfDisagreement: []string{},
	}
}

func compare(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

func numberIn(pkg map[string]any, section, field string, def float64) float64 {
	if inner, ok := pkg[section].(map[string]any); ok {
		if v, ok := toFloat(inner[field]); ok {
			return v
		}
	}
	return def
}

func stringIn(pkg map[string]any, section, field, def string) string {
	if inner, ok := pkg[section].(map[string]any); ok {
		if s, ok := inner[field].(string); ok && s != "" {
			return s
		}
	}
	return def
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
