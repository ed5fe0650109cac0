package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keon-os/marketops/pkg/api"
	"github.com/keon-os/marketops/pkg/artifacts"
	"github.com/keon-os/marketops/pkg/audit"
	"github.com/keon-os/marketops/pkg/config"
	"github.com/keon-os/marketops/pkg/contracts"
	"github.com/keon-os/marketops/pkg/events"
	"github.com/keon-os/marketops/pkg/fcsign"
	"github.com/keon-os/marketops/pkg/observability"
	"github.com/keon-os/marketops/pkg/pipeline"
	"github.com/keon-os/marketops/pkg/policy"
	"github.com/keon-os/marketops/pkg/proofpack"
	"github.com/keon-os/marketops/pkg/proofsign"
	"github.com/keon-os/marketops/pkg/sideeffect"
)

//nolint:gocognit
func runServe() int {
	fmt.Fprintf(os.Stdout, "%sMarketOps starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx := context.Background()
	cfg := config.Load()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "marketops",
		Environment:  "production",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.TracingSampleRate,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.TracingEnabled,
		Insecure:     true,
	})
	if err != nil {
		log.Printf("[marketops] tracing init failed (continuing without): %v", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	auditLog := audit.NewLogger()

	fc, err := fcSigner(cfg.FcHmacKey)
	if err != nil {
		log.Printf("[marketops] fc signer init failed: %v", err)
		return 3
	}
	generator, err := artifacts.NewGenerator(fc, contracts.Issuer{ID: cfg.IssuerID})
	if err != nil {
		log.Printf("[marketops] generator init failed: %v", err)
		return 3
	}

	edSigner, err := proofsign.LoadOrGenerate(cfg.Ed25519KeyPath)
	if err != nil {
		log.Printf("[marketops] signing key init failed: %v", err)
		return 3
	}
	fmt.Fprintf(os.Stdout, "🔑 Pack signing key: %s%s%s\n", ColorBold+ColorGreen, edSigner.KeyID(), ColorReset)

	builder, err := proofpack.NewBuilder(edSigner, cfg.IssuerID)
	if err != nil {
		log.Printf("[marketops] pack builder init failed: %v", err)
		return 3
	}

	evaluator, err := policy.New()
	if err != nil {
		log.Printf("[marketops] policy evaluator init failed: %v", err)
		return 3
	}
	stages, err := pipeline.NewStages(evaluator, auditLog)
	if err != nil {
		log.Printf("[marketops] stage init failed: %v", err)
		return 3
	}

	hub := events.NewHub()
	store := sideeffect.NewIntentStore()
	orch, err := pipeline.NewOrchestrator(pipeline.Config{
		Stages:      stages,
		IntentStore: store,
		DryPort:     sideeffect.NewNullSink(store),
		Generator:   generator,
		Emitter:     hub,
		Log:         auditLog,
	})
	if err != nil {
		log.Printf("[marketops] orchestrator init failed: %v", err)
		return 3
	}

	server := api.NewServer(api.ServerConfig{
		Orchestrator: orch,
		Builder:      builder,
		Hub:          hub,
		TenantID:     cfg.TenantID,
		Port:         cfg.Port,
	})
	limiter := api.NewGlobalRateLimiter(50, 100)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           limiter.Middleware(server.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[marketops] ready: http://localhost:%s", cfg.Port)
		log.Println("[marketops] press ctrl+c to stop")
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Error("server failed", "error", serveErr)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[marketops] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	return 0
}

// fcSigner builds the receipt signer. Without a configured key, receipts
// are signed with an ephemeral key valid only for this process lifetime.
func fcSigner(key string) (*fcsign.Signer, error) {
	if key != "" {
		return fcsign.New("fc-primary", []byte(key))
	}
	ephemeral := make([]byte, 32)
	if _, err := rand.Read(ephemeral); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	log.Println("[marketops] MARKETOPS_FC_HMAC_KEY not set, using ephemeral receipt key")
	return fcsign.New("fc-ephemeral", ephemeral)
}
