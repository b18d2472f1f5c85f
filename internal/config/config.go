package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Attestation side-ports are fixed per component so peers can derive them
// without discovery.
const (
	AttestationPortHub       = 29343
	AttestationPortFinance   = 29344
	AttestationPortMarketing = 29345
	AttestationPortSales     = 29346
	AttestationPortCEO       = 29347
)

// Config holds all fabric configuration from environment variables.
// The hub and agent binaries read the same struct; fields irrelevant to a
// role are simply unused.
type Config struct {
	// Identity
	ClientID  string
	AgentID   string
	AgentType string // finance, marketing, sales, ceo, hub

	// Modes
	DevelopmentMode bool // bypass real attestation policy and model loading
	MockLLM         bool // force keyword heuristics instead of model inference

	// Network
	HubHost      string
	HubAPIPort   int
	AgentHost    string
	AgentAPIPort int
	HubEndpoint  string // agent-side: where to register and heartbeat

	// Spoke endpoints (hub-side)
	FinanceEndpoint   string
	MarketingEndpoint string
	SalesEndpoint     string

	// Storage
	DataDir string
	KeyDir  string
	DBPath  string

	// Attestation
	AttestationPolicyPath string
	AttestationPort       int

	// Timeouts
	WorkTimeout      time.Duration // outbound work requests
	HealthTimeout    time.Duration // health probes
	HeartbeatTimeout time.Duration // heartbeat posts
	HeartbeatEvery   time.Duration // agent heartbeat interval
	SweepInterval    time.Duration // registry/collaboration/replay sweeps

	// Notifications
	NotifyWebhookURL string
	NotifyMQTTBroker string
	NotifyMQTTTopic  string

	// Metrics
	MetricsTextfilePath string

	// Logging
	LogJSON  bool
	LogLevel string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ClientID:  envStr("CLIENT_ID", "default"),
		AgentID:   envStr("AGENT_ID", ""),
		AgentType: envStr("AGENT_TYPE", "hub"),

		DevelopmentMode: envBool("DEVELOPMENT_MODE", false),
		MockLLM:         envBool("MOCK_LLM_PROCESSING", false),

		HubHost:      envStr("HUB_HOST", "0.0.0.0"),
		HubAPIPort:   envInt("HUB_API_PORT", 8080),
		AgentHost:    envStr("AGENT_HOST", "0.0.0.0"),
		AgentAPIPort: envInt("AGENT_API_PORT", 8081),
		HubEndpoint:  envStr("HUB_ENDPOINT", "http://localhost:8080"),

		FinanceEndpoint:   envStr("FINANCE_ENDPOINT", ""),
		MarketingEndpoint: envStr("MARKETING_ENDPOINT", ""),
		SalesEndpoint:     envStr("SALES_ENDPOINT", ""),

		DataDir: envStr("DATA_DIR", "/app/data"),
		KeyDir:  envStr("KEY_DIR", "/app/keys"),
		DBPath:  envStr("DB_PATH", "/app/data/fabric.db"),

		AttestationPolicyPath: envStr("ATTESTATION_POLICY_PATH", ""),
		AttestationPort:       envInt("ATTESTATION_PORT", 0),

		WorkTimeout:      envDuration("WORK_TIMEOUT", 60*time.Second),
		HealthTimeout:    envDuration("HEALTH_TIMEOUT", 10*time.Second),
		HeartbeatTimeout: envDuration("HEARTBEAT_TIMEOUT", 5*time.Second),
		HeartbeatEvery:   envDuration("HEARTBEAT_INTERVAL", 60*time.Second),
		SweepInterval:    envDuration("SWEEP_INTERVAL", 60*time.Second),

		NotifyWebhookURL: envStr("NOTIFY_WEBHOOK_URL", ""),
		NotifyMQTTBroker: envStr("NOTIFY_MQTT_BROKER", ""),
		NotifyMQTTTopic:  envStr("NOTIFY_MQTT_TOPIC", "fabric/events"),

		MetricsTextfilePath: envStr("METRICS_TEXTFILE_PATH", ""),

		LogJSON:  envBool("LOG_JSON", true),
		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("CLIENT_ID must not be empty"))
	}
	switch c.AgentType {
	case "hub", "finance", "marketing", "sales", "ceo":
		// valid
	default:
		errs = append(errs, fmt.Errorf("AGENT_TYPE must be hub, finance, marketing, sales, or ceo, got %q", c.AgentType))
	}
	if c.AgentType != "hub" && c.AgentID == "" {
		errs = append(errs, errors.New("AGENT_ID is required for agent processes"))
	}
	if c.AgentType != "hub" && !c.MockLLM && !c.DevelopmentMode {
		errs = append(errs, errors.New("MOCK_LLM_PROCESSING or DEVELOPMENT_MODE must be enabled for agent processes: model-backed analysis is not built in"))
	}
	if c.HubAPIPort <= 0 || c.HubAPIPort > 65535 {
		errs = append(errs, fmt.Errorf("HUB_API_PORT must be a valid port, got %d", c.HubAPIPort))
	}
	if c.AgentAPIPort <= 0 || c.AgentAPIPort > 65535 {
		errs = append(errs, fmt.Errorf("AGENT_API_PORT must be a valid port, got %d", c.AgentAPIPort))
	}
	if c.WorkTimeout <= 0 {
		errs = append(errs, fmt.Errorf("WORK_TIMEOUT must be > 0, got %s", c.WorkTimeout))
	}
	if c.SweepInterval <= 0 || c.SweepInterval > time.Minute {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be in (0, 1m], got %s", c.SweepInterval))
	}
	if !c.DevelopmentMode && c.AttestationPolicyPath == "" {
		errs = append(errs, errors.New("ATTESTATION_POLICY_PATH is required outside development mode"))
	}
	return errors.Join(errs...)
}

// ResolvedAttestationPort returns the configured attestation port, falling
// back to the fixed per-component assignment.
func (c *Config) ResolvedAttestationPort() int {
	if c.AttestationPort > 0 {
		return c.AttestationPort
	}
	switch c.AgentType {
	case "finance":
		return AttestationPortFinance
	case "marketing":
		return AttestationPortMarketing
	case "sales":
		return AttestationPortSales
	case "ceo":
		return AttestationPortCEO
	default:
		return AttestationPortHub
	}
}

// SpokeEndpoints returns the configured agent-type → base URL map.
// Development mode fills in localhost defaults for missing spokes so a
// single-machine setup works without any endpoint configuration.
func (c *Config) SpokeEndpoints() map[string]string {
	eps := make(map[string]string)
	if c.FinanceEndpoint != "" {
		eps["finance"] = c.FinanceEndpoint
	}
	if c.MarketingEndpoint != "" {
		eps["marketing"] = c.MarketingEndpoint
	}
	if c.SalesEndpoint != "" {
		eps["sales"] = c.SalesEndpoint
	}
	if c.DevelopmentMode {
		if _, ok := eps["finance"]; !ok {
			eps["finance"] = "http://localhost:8081"
		}
		if _, ok := eps["marketing"]; !ok {
			eps["marketing"] = "http://localhost:8082"
		}
	}
	return eps
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
