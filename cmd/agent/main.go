package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/boardroom-tee/fabric/internal/agentd"
	"github.com/boardroom-tee/fabric/internal/analysis"
	"github.com/boardroom-tee/fabric/internal/attest"
	"github.com/boardroom-tee/fabric/internal/clock"
	"github.com/boardroom-tee/fabric/internal/config"
	"github.com/boardroom-tee/fabric/internal/envelope"
	"github.com/boardroom-tee/fabric/internal/keystore"
	"github.com/boardroom-tee/fabric/internal/logging"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("Boardroom Fabric Agent " + version)
	fmt.Println("=============================================")
	fmt.Printf("AGENT_ID=%s\n", cfg.AgentID)
	fmt.Printf("AGENT_TYPE=%s\n", cfg.AgentType)
	fmt.Printf("AGENT_API_PORT=%d\n", cfg.AgentAPIPort)
	fmt.Printf("HUB_ENDPOINT=%s\n", cfg.HubEndpoint)
	fmt.Printf("DEVELOPMENT_MODE=%t\n", cfg.DevelopmentMode)
	fmt.Printf("MOCK_LLM_PROCESSING=%t\n", cfg.MockLLM)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	keys, err := keystore.LoadOrGenerate(cfg.KeyDir)
	if err != nil {
		log.Error("key store unavailable", "error", err)
		os.Exit(1)
	}

	clk := clock.Real{}
	sealer := envelope.NewSealer(cfg.AgentID, keys, clk)
	opener := envelope.NewOpener(clk)

	handlers := agentd.NewHandlers(log)
	agentd.RegisterAnalysis(handlers, cfg.AgentID, cfg.AgentType, analyzerFor(cfg.AgentType), clk)

	capabilities := capabilitiesFor(cfg.AgentType)

	srv := agentd.NewServer(agentd.Dependencies{
		Handlers:        handlers,
		Sealer:          sealer,
		Opener:          opener,
		Clock:           clk,
		Log:             log,
		AgentID:         cfg.AgentID,
		AgentType:       cfg.AgentType,
		Capabilities:    capabilities,
		KeyFingerprint:  keys.Fingerprint(),
		DevelopmentMode: cfg.DevelopmentMode,
	})
	go func() {
		addr := net.JoinHostPort(cfg.AgentHost, strconv.Itoa(cfg.AgentAPIPort))
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("agent api server error", "error", err)
		}
	}()

	att := attest.NewServer(cfg.AgentID, keys.Fingerprint(), cfg.DevelopmentMode, log)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.ResolvedAttestationPort())
		if err := att.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("attestation server error", "error", err)
		}
	}()

	hubClient := agentd.NewHubClient(agentd.HubClientConfig{
		HubEndpoint:         cfg.HubEndpoint,
		ClientID:            cfg.ClientID,
		AgentID:             cfg.AgentID,
		AgentType:           cfg.AgentType,
		Capabilities:        capabilities,
		Endpoint:            fmt.Sprintf("http://%s:%d", cfg.AgentID, cfg.AgentAPIPort),
		AttestationEndpoint: fmt.Sprintf("http://%s:%d", cfg.AgentID, cfg.ResolvedAttestationPort()),
		WorkTimeout:         cfg.WorkTimeout,
		HealthTimeout:       cfg.HealthTimeout,
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
	}, keys, sealer, opener, clk, log)

	// Registration failure is recoverable: the hub may not be up yet, and
	// a later restart of either side re-registers.
	if err := hubClient.Register(ctx); err != nil {
		log.Warn("hub registration failed", "error", err)
	}
	go hubClient.HeartbeatLoop(ctx, cfg.HeartbeatEvery)

	// Periodic replay cache eviction alongside the inline checks.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-clk.After(cfg.SweepInterval):
				opener.EvictReplay()
			}
		}
	}()

	log.Info("agent started", "version", version,
		"agent_id", cfg.AgentID, "agent_type", cfg.AgentType)

	<-ctx.Done()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
	_ = att.Shutdown(shutdownCtx)

	log.Info("agent shutdown complete")
}

// analyzerFor picks the domain brain for an agent type. The keyword
// analyzers are the mock processing path; config validation rejects
// agent processes that disable both mock processing and development
// mode. Sales and ceo reuse the financial heuristics until they grow
// their own.
func analyzerFor(agentType string) analysis.Analyzer {
	switch agentType {
	case "marketing":
		return analysis.MarketingAnalyzer{}
	default:
		return analysis.FinanceAnalyzer{}
	}
}

func capabilitiesFor(agentType string) []string {
	switch agentType {
	case "finance":
		return []string{"financial_analysis", "roi_calculation", "budget_planning", "variance_analysis", "cash_flow_analysis"}
	case "marketing":
		return []string{"campaign_analysis", "marketing_analysis", "customer_insights", "brand_strategy"}
	case "sales":
		return []string{"sales_analysis", "pipeline_review", "lead_scoring"}
	case "ceo":
		return []string{"executive_synthesis", "strategic_review"}
	default:
		return nil
	}
}
