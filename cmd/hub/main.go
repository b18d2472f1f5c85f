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

	"github.com/boardroom-tee/fabric/internal/analysis"
	"github.com/boardroom-tee/fabric/internal/attest"
	"github.com/boardroom-tee/fabric/internal/clock"
	"github.com/boardroom-tee/fabric/internal/config"
	"github.com/boardroom-tee/fabric/internal/events"
	"github.com/boardroom-tee/fabric/internal/hub"
	"github.com/boardroom-tee/fabric/internal/intake"
	"github.com/boardroom-tee/fabric/internal/keystore"
	"github.com/boardroom-tee/fabric/internal/logging"
	"github.com/boardroom-tee/fabric/internal/notify"
	"github.com/boardroom-tee/fabric/internal/orchestrate"
	"github.com/boardroom-tee/fabric/internal/registry"
	"github.com/boardroom-tee/fabric/internal/store"
	"github.com/boardroom-tee/fabric/internal/transport"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("Boardroom Fabric Hub " + version)
	fmt.Println("=============================================")
	fmt.Printf("CLIENT_ID=%s\n", cfg.ClientID)
	fmt.Printf("HUB_API_PORT=%d\n", cfg.HubAPIPort)
	fmt.Printf("DEVELOPMENT_MODE=%t\n", cfg.DevelopmentMode)
	fmt.Printf("DATA_DIR=%s\n", cfg.DataDir)
	fmt.Printf("DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("SWEEP_INTERVAL=%s\n", cfg.SweepInterval)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	keys, err := keystore.LoadOrGenerate(cfg.KeyDir)
	if err != nil {
		log.Error("key store unavailable", "error", err)
		os.Exit(1)
	}

	var policy *attest.Policy
	if cfg.AttestationPolicyPath != "" {
		policy, err = attest.LoadPolicy(cfg.AttestationPolicyPath)
		if err != nil {
			log.Error("failed to load attestation policy", "error", err)
			os.Exit(1)
		}
	}
	verifier := attest.NewVerifier(policy, cfg.DevelopmentMode)

	catalog, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open catalog database", "error", err)
		os.Exit(1)
	}
	defer catalog.Close()

	// Build notification chain.
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.NotifyWebhookURL, nil))
		log.Info("webhook notifications enabled", "url", cfg.NotifyWebhookURL)
	}
	if cfg.NotifyMQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.NotifyMQTTBroker, cfg.NotifyMQTTTopic, "fabric-hub-"+cfg.ClientID, "", "", 1))
		log.Info("mqtt notifications enabled", "broker", cfg.NotifyMQTTBroker)
	}
	notifier := notify.NewMulti(log, notifiers...)

	clk := clock.Real{}
	bus := events.New()
	reg := registry.New(verifier, clk, log)
	connector := transport.New(cfg.SpokeEndpoints(), cfg.ClientID, transport.Timeouts{
		Work:   cfg.WorkTimeout,
		Health: cfg.HealthTimeout,
	}, log)
	engine := orchestrate.New(orchestrate.KeywordPolicy{}, reg, connector, analysis.KeywordSynthesizer{}, clk, log)

	proc, err := intake.NewProcessor(cfg.DataDir, catalog, analysis.TextExtractor{}, analysis.KeywordCategorizer{}, clk, log)
	if err != nil {
		log.Error("failed to initialize document intake", "error", err)
		os.Exit(1)
	}

	sweeper, err := hub.NewSweeper(hub.SweeperDeps{
		Registry: reg,
		Reaper:   engine,
		EventBus: bus,
		Notify:   notifier,
		Settings: catalog,
		Log:      log,
	}, cfg.SweepInterval, cfg.MetricsTextfilePath)
	if err != nil {
		log.Error("failed to start background sweeper", "error", err)
		os.Exit(1)
	}
	sweeper.Start()

	hubID := cfg.AgentID
	if hubID == "" {
		hubID = "fabric-hub"
	}

	srv := hub.NewServer(hub.Dependencies{
		Registry:        reg,
		Engine:          engine,
		Intake:          proc,
		Peers:           connector,
		Settings:        catalog,
		EventBus:        bus,
		Notify:          notifier,
		Clock:           clk,
		Log:             log,
		HubID:           hubID,
		KeyFingerprint:  keys.Fingerprint(),
		DevelopmentMode: cfg.DevelopmentMode,
	})
	go func() {
		addr := net.JoinHostPort(cfg.HubHost, strconv.Itoa(cfg.HubAPIPort))
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("hub api server error", "error", err)
		}
	}()

	att := attest.NewServer(hubID, keys.Fingerprint(), cfg.DevelopmentMode, log)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.ResolvedAttestationPort())
		if err := att.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("attestation server error", "error", err)
		}
	}()

	log.Info("hub started", "version", version, "client_id", cfg.ClientID,
		"spokes", connector.Configured())

	<-ctx.Done()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
	_ = att.Shutdown(shutdownCtx)
	sweeper.Stop()

	log.Info("hub shutdown complete")
}
