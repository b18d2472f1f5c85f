package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.ClientID != "default" {
		t.Errorf("ClientID = %q, want default", cfg.ClientID)
	}
	if cfg.HubAPIPort != 8080 {
		t.Errorf("HubAPIPort = %d, want 8080", cfg.HubAPIPort)
	}
	if cfg.WorkTimeout != 60*time.Second {
		t.Errorf("WorkTimeout = %s, want 60s", cfg.WorkTimeout)
	}
	if cfg.HeartbeatTimeout != 5*time.Second {
		t.Errorf("HeartbeatTimeout = %s, want 5s", cfg.HeartbeatTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CLIENT_ID", "acme")
	t.Setenv("DEVELOPMENT_MODE", "true")
	t.Setenv("AGENT_TYPE", "finance")
	t.Setenv("AGENT_ID", "finance-1")
	t.Setenv("WORK_TIMEOUT", "30s")

	cfg := Load()
	if cfg.ClientID != "acme" {
		t.Errorf("ClientID = %q, want acme", cfg.ClientID)
	}
	if !cfg.DevelopmentMode {
		t.Error("DevelopmentMode = false, want true")
	}
	if cfg.AgentType != "finance" {
		t.Errorf("AgentType = %q, want finance", cfg.AgentType)
	}
	if cfg.WorkTimeout != 30*time.Second {
		t.Errorf("WorkTimeout = %s, want 30s", cfg.WorkTimeout)
	}
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.DevelopmentMode = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() on defaults: %v", err)
	}

	cfg.AgentType = "weather"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() accepted invalid agent type")
	}
	if !strings.Contains(err.Error(), "AGENT_TYPE") {
		t.Errorf("error %q does not mention AGENT_TYPE", err)
	}
}

func TestValidateRequiresPolicyInProduction(t *testing.T) {
	cfg := Load()
	cfg.DevelopmentMode = false
	cfg.AttestationPolicyPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() accepted missing attestation policy outside development mode")
	}
}

func TestValidateRequiresAgentID(t *testing.T) {
	cfg := Load()
	cfg.DevelopmentMode = true
	cfg.AgentType = "finance"
	cfg.AgentID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() accepted agent process without AGENT_ID")
	}
}

func TestValidateRequiresMockProcessingForAgents(t *testing.T) {
	cfg := Load()
	cfg.AgentType = "finance"
	cfg.AgentID = "finance-1"
	cfg.DevelopmentMode = false
	cfg.MockLLM = false
	cfg.AttestationPolicyPath = "/etc/fabric/policy.yaml"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "MOCK_LLM_PROCESSING") {
		t.Fatalf("Validate() = %v, want MOCK_LLM_PROCESSING error", err)
	}

	cfg.MockLLM = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() with mock processing enabled: %v", err)
	}
}

func TestSpokeEndpointsDevDefaults(t *testing.T) {
	cfg := Load()
	cfg.DevelopmentMode = true
	cfg.FinanceEndpoint = ""

	eps := cfg.SpokeEndpoints()
	if eps["finance"] != "http://localhost:8081" {
		t.Errorf("finance endpoint = %q, want dev default", eps["finance"])
	}
	if eps["marketing"] != "http://localhost:8082" {
		t.Errorf("marketing endpoint = %q, want dev default", eps["marketing"])
	}
}

func TestResolvedAttestationPort(t *testing.T) {
	cfg := Load()
	cfg.AgentType = "marketing"
	if got := cfg.ResolvedAttestationPort(); got != AttestationPortMarketing {
		t.Errorf("ResolvedAttestationPort() = %d, want %d", got, AttestationPortMarketing)
	}
	cfg.AttestationPort = 31000
	if got := cfg.ResolvedAttestationPort(); got != 31000 {
		t.Errorf("ResolvedAttestationPort() = %d, want override 31000", got)
	}
}
