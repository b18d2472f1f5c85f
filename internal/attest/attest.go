// Package attest parses and verifies attestation evidence for agent
// admission. Evidence is an opaque base64 blob from the peer's execution
// environment; the verifier extracts measurement fields and checks them
// against a configured allow-list. Development mode accepts any
// syntactically valid quote and returns synthetic measurements.
package attest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/boardroom-tee/fabric/internal/errkind"
)

// Quote is the decoded form of an attestation evidence blob.
type Quote struct {
	QuoteType    string            `json:"quote_type"`
	Measurements map[string]string `json:"measurements"`
	ReportData   string            `json:"report_data,omitempty"`
	Timestamp    string            `json:"timestamp"`
}

// Measurement field names every quote must carry.
const (
	MeasEnclave = "mr_enclave"
	MeasSigner  = "mr_signer"
)

// Result carries the verifier's output for storage in the registry.
type Result struct {
	Measurements map[string]string
	Err          string // verifier's reason when verification failed
}

// Verifier checks attestation quotes against policy.
type Verifier struct {
	policy          *Policy
	developmentMode bool
}

// NewVerifier creates a Verifier. In development mode policy may be nil.
func NewVerifier(policy *Policy, developmentMode bool) *Verifier {
	return &Verifier{policy: policy, developmentMode: developmentMode}
}

// VerifyQuote parses raw evidence and validates its measurements.
// The boolean mirrors whether admission should proceed; details are in the
// Result either way.
func (v *Verifier) VerifyQuote(raw string) (bool, Result) {
	quote, err := ParseQuote(raw)
	if err != nil {
		return false, Result{Err: fmt.Sprintf("malformed quote: %v", err)}
	}

	if v.developmentMode {
		// Any well-formed quote passes; measurements are surfaced as-is so
		// the registry still records what the peer claimed.
		return true, Result{Measurements: quote.Measurements}
	}

	if v.policy == nil {
		return false, Result{Err: "no attestation policy configured"}
	}
	if reason := v.policy.Check(quote.Measurements); reason != "" {
		return false, Result{Measurements: quote.Measurements, Err: reason}
	}
	return true, Result{Measurements: quote.Measurements}
}

// ParseQuote decodes a raw base64 evidence blob into a Quote.
func ParseQuote(raw string) (*Quote, error) {
	if raw == "" {
		return nil, errkind.New(errkind.AttestationFailed, "empty attestation quote")
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errkind.Wrap(errkind.AttestationFailed, "quote is not base64", err)
	}
	var q Quote
	if err := json.Unmarshal(decoded, &q); err != nil {
		return nil, errkind.Wrap(errkind.AttestationFailed, "quote is not valid JSON", err)
	}
	if q.Measurements == nil {
		return nil, errkind.New(errkind.AttestationFailed, "quote carries no measurements")
	}
	for _, field := range []string{MeasEnclave, MeasSigner} {
		if q.Measurements[field] == "" {
			return nil, errkind.Newf(errkind.AttestationFailed, "quote missing measurement %s", field)
		}
	}
	return &q, nil
}

// GenerateQuote produces this process's evidence blob. Outside a real
// enclave the measurements are synthetic but structurally complete, which
// is what the development policy admits. reportData binds the quote to the
// caller's key fingerprint.
func GenerateQuote(agentID, reportData string) string {
	q := Quote{
		QuoteType: "dev",
		Measurements: map[string]string{
			MeasEnclave:   "dev-" + uuid.NewString(),
			MeasSigner:    "dev-signer-" + agentID,
			"isv_prod_id": "1",
			"isv_svn":     "1",
		},
		ReportData: reportData,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(q)
	return base64.StdEncoding.EncodeToString(data)
}

// Evidence is the body served by every component's /attestation endpoint.
type Evidence struct {
	Status          string `json:"status"`
	Quote           string `json:"quote"`
	KeyFingerprint  string `json:"public_key_fingerprint"`
	DevelopmentMode bool   `json:"development_mode"`
	Timestamp       string `json:"timestamp"`
}

// CurrentEvidence assembles the evidence response for an agent or the hub.
func CurrentEvidence(agentID, keyFingerprint string, developmentMode bool) Evidence {
	return Evidence{
		Status:          "available",
		Quote:           GenerateQuote(agentID, keyFingerprint),
		KeyFingerprint:  keyFingerprint,
		DevelopmentMode: developmentMode,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
}
