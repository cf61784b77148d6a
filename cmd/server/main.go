// Plansmith generation engine, the service behind the questionnaire wizard.
//
// It turns a batch of prompt descriptors into dependency-ordered model
// invocations under quota and credit admission control, with durable job
// lifecycle tracking and per-call cost accounting, exposed over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plansmith/plansmith/engine/internal/api"
	"github.com/plansmith/plansmith/engine/internal/billing"
	"github.com/plansmith/plansmith/engine/internal/config"
	"github.com/plansmith/plansmith/engine/internal/generation"
	"github.com/plansmith/plansmith/engine/internal/guardrails"
	"github.com/plansmith/plansmith/engine/internal/pipeline"
	"github.com/plansmith/plansmith/engine/internal/ratelimit"
	"github.com/plansmith/plansmith/engine/internal/retention"
	"github.com/plansmith/plansmith/engine/internal/store"
	"github.com/plansmith/plansmith/engine/internal/telemetry"
	"github.com/plansmith/plansmith/engine/internal/tools"
	"github.com/plansmith/plansmith/engine/internal/usage"
	"github.com/plansmith/plansmith/engine/pkg/models"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()

	log.Info().Str("version", cfg.Version).Msg("Plansmith engine starting")

	shutdownTracing, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}
	defer shutdownTracing(context.Background())

	// Storage
	var st store.Store
	switch cfg.Database.Driver {
	case "memory":
		st = store.NewMemoryStore()
		log.Warn().Msg("Using in-memory store; jobs will not survive restarts")
	default:
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open database")
		}
		st = s
		log.Info().Str("path", cfg.Database.Path).Msg("SQLite store ready")
	}
	defer st.Close()

	// Quota ledger: Redis when configured (shared across replicas),
	// otherwise the database-backed ledger.
	var ledger ratelimit.Ledger = st
	if cfg.Redis.URL != "" {
		rl, err := ratelimit.NewRedisLedger(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis ledger")
		}
		defer rl.Close()
		ledger = rl
		log.Info().Msg("Redis rate-limit ledger ready")
	}
	limiter := ratelimit.NewLimiter(ledger, ratelimit.Config{
		AuthenticatedLimit: cfg.Limits.AuthenticatedPerWindow,
		AnonymousLimit:     cfg.Limits.AnonymousPerWindow,
		Window:             cfg.Limits.Window,
	})

	// Generation stack
	registry := tools.NewRegistry()
	if cfg.Search.Endpoint != "" {
		registry.Register(tools.NewWebSearch(cfg.Search.Endpoint, cfg.Search.APIKey, cfg.Search.MaxResults))
	}
	client := generation.NewOpenAIClient(cfg.Model.Endpoint, cfg.Model.APIKey, cfg.Model.RequestsPerSecond)
	executor := generation.NewExecutor(client, registry, cfg.Pipeline.MaxToolRounds, cfg.Pipeline.ModelCallTimeout)

	accountant := usage.NewAccountant(st)

	var gate billing.CreditGate = billing.StaticGate{Sufficient: true}
	if cfg.Billing.Endpoint != "" {
		gate = billing.NewHTTPGate(cfg.Billing.Endpoint, cfg.Billing.APIKey)
	} else {
		log.Warn().Msg("No billing endpoint configured; credit gate always allows")
	}

	var blocked []string
	if cfg.Guardrails.BlockedWords != "" {
		for _, w := range strings.Split(cfg.Guardrails.BlockedWords, ",") {
			if w = strings.TrimSpace(w); w != "" {
				blocked = append(blocked, w)
			}
		}
	}
	checker := guardrails.NewChecker(guardrails.Config{
		Sensitivity:   cfg.Guardrails.Sensitivity,
		MaxCharacters: cfg.Guardrails.MaxCharacters,
		MaxWords:      cfg.Guardrails.MaxWords,
		BlockedWords:  blocked,
	})

	orch := pipeline.NewOrchestrator(st, limiter, executor, accountant, gate, pipeline.Config{
		Model: models.ModelConfig{
			Model:     cfg.Model.Name,
			MaxTokens: cfg.Model.MaxTokens,
		},
		PromptTimeout: cfg.Pipeline.PromptTimeout,
		Verifier:      checker,
		RunRetention:  cfg.Pipeline.RunRetention,
	})

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	janitor := retention.NewJanitor(st, cfg.Retention.Interval, cfg.Retention.JobRetention)
	if cfg.Retention.ArchiveEnabled {
		janitor.SetArchiver(retention.NewLocalFileArchiver(cfg.Retention.ArchivePath, cfg.Retention.ArchiveCompress))
	}
	go janitor.Start(janitorCtx)

	handlers := api.New(st, orch)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(cfg, handlers),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully")
		stopJanitor()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", cfg.Port).Msg("Engine listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
