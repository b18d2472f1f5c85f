// Package analysis defines the interfaces to the replaceable domain
// brains — categorizer, domain analyzers and synthesizer — together with
// the deterministic keyword implementations used in development and mock
// mode. Any implementation satisfying these shapes is substitutable.
package analysis

// Extractor pulls plain text out of an uploaded file. Extraction never
// fails hard: implementations return "" when nothing can be read.
type Extractor interface {
	Extract(data []byte, filename string) string
}

// Categorization is the categorizer's verdict on a document.
type Categorization struct {
	Department      string   `json:"department"`
	DocumentType    string   `json:"document_type"`
	KeyTerms        []string `json:"key_terms"`
	TimePeriod      string   `json:"time_period,omitempty"`
	Summary         string   `json:"summary"`
	ConfidenceScore float64  `json:"confidence_score"`
}

// Categorizer derives a categorization from extracted text.
type Categorizer interface {
	Categorize(text, filename string) Categorization
}

// Analyzer performs domain analysis over a data package.
type Analyzer interface {
	Analyze(dataPackage map[string]any, query string) map[string]any
}

// Response is one agent's contribution handed to the synthesizer.
type Response struct {
	AgentType string         `json:"agent_type"`
	Result    map[string]any `json:"result"`
}

// Synthesis is the combined verdict over all collected responses.
type Synthesis struct {
	ExecutiveSummary    string   `json:"executive_summary"`
	Recommendations     []string `json:"recommendations"`
	ConfidenceScore     float64  `json:"confidence_score"`
	AreasOfAgreement    []string `json:"areas_of_agreement"`
	AreasOfDisagreement []string `json:"areas_of_disagreement"`
}

// Synthesizer merges multiple agent responses into one result.
type Synthesizer interface {
	Synthesize(responses []Response) Synthesis
}
