// Fleetgate — the agent backend for device and subscription inventory.
//
// This is the main entry point for the Fleetgate server. It wires:
//   - Conversation orchestrator (streaming turn loop over an LLM provider)
//   - Write operation engine (risk tiers, device ceilings, confirmations)
//   - Tenant quota tracking (atomic daily budgets)
//   - Confirmation store (durable with in-memory fallback)
//   - SSE chat transport
//
// With FLEETGATE_DEV_MODE=true it runs with built-in in-memory
// collaborators and zero configuration.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fleetgate/fleetgate/internal/api"
	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/config"
	"github.com/fleetgate/fleetgate/internal/confirm"
	"github.com/fleetgate/fleetgate/internal/localdev"
	"github.com/fleetgate/fleetgate/internal/orchestrator"
	"github.com/fleetgate/fleetgate/internal/quota"
	"github.com/fleetgate/fleetgate/internal/registry"
	"github.com/fleetgate/fleetgate/internal/risk"
	"github.com/fleetgate/fleetgate/internal/store"
	"github.com/fleetgate/fleetgate/internal/tasks"
	"github.com/fleetgate/fleetgate/internal/telemetry"
	"github.com/fleetgate/fleetgate/internal/writeops"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("Fleetgate starting...")

	cfg := config.Load()
	ctx := context.Background()

	// A gap in the risk tables is a build defect, not a runtime condition.
	if err := risk.ValidateTables(); err != nil {
		log.Fatal().Err(err).Msg("Risk table validation failed")
	}

	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}
	defer telemetryShutdown(ctx)

	// Durable store, or nil for the pure in-memory setup.
	var durable store.Store
	switch cfg.Store.Driver {
	case "postgres":
		durable, err = store.NewPostgresStore(ctx, cfg.Store.PostgresURL)
	case "sqlite":
		durable, err = store.NewSQLiteStore(ctx, cfg.Store.SQLitePath)
	case "memory":
	default:
		log.Fatal().Str("driver", cfg.Store.Driver).Msg("Unknown store driver")
	}
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("Failed to open store")
	}
	if durable != nil {
		if err := durable.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Store migration failed")
		}
		if err := durable.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("Store ping failed")
		}
		defer durable.Close()
		log.Info().Str("driver", cfg.Store.Driver).Msg("Durable store ready")
	} else {
		log.Warn().Msg("In-memory store: quotas and pending confirmations will not survive a restart")
	}

	// Quota tracker
	var tracker quota.Tracker
	if durable != nil {
		tracker = quota.NewStoreTracker(durable, cfg.Quota.DailyLimit)
	} else {
		tracker = quota.NewMemoryTracker(cfg.Quota.DailyLimit)
	}

	// Confirmation store: durable first, in-memory fallback.
	memoryConfirms := confirm.NewMemoryStore(cfg.Confirm.TTL)
	memoryConfirms.StartJanitor(cfg.Confirm.JanitorInterval)
	defer memoryConfirms.Close()

	var confirmations confirm.Store = memoryConfirms
	if durable != nil {
		confirmations = confirm.NewFallbackStore(
			confirm.NewDurableStore(durable, cfg.Confirm.TTL),
			memoryConfirms,
		)
	}

	// Expired durable confirmations are purged on the janitor cadence.
	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	if durable != nil {
		go purgeLoop(purgeCtx, durable, cfg.Confirm.JanitorInterval)
	}

	var auditBackend store.AuditStore
	if durable != nil {
		auditBackend = durable
	}
	auditLog := audit.New(auditBackend)

	pool := tasks.NewPool(cfg.Tasks.Workers, cfg.Tasks.QueueSize)
	defer pool.Shutdown(10 * time.Second)

	// Collaborators. Real providers and device APIs are wired by the
	// embedding deployment; the dev stubs keep the server runnable alone.
	if !cfg.DevMode {
		log.Fatal().Msg("No collaborators configured; set FLEETGATE_DEV_MODE=true to run with the built-in development implementations")
	}
	provider := localdev.Provider{}
	devices := localdev.NewDeviceManager()
	readExec := &localdev.ReadExecutor{Devices: devices}
	log.Warn().Msg("Dev mode: using in-memory provider, inventory, and device manager")

	engine := writeops.NewEngine(devices, tracker, confirmations, auditLog, cfg.Confirm.TTL)
	reg := registry.New(readExec, engine)
	orch := orchestrator.New(orchestrator.Deps{
		Provider:      provider,
		Tools:         reg,
		Engine:        engine,
		Confirmations: confirmations,
		Pool:          pool,
	}, orchestrator.Options{
		MaxTurns:            cfg.Chat.MaxTurns,
		MaxToolCallsPerTurn: cfg.Chat.MaxToolCallsPerTurn,
		MaxTokens:           cfg.Chat.MaxTokens,
		Temperature:         cfg.Chat.Temperature,
		MemoryLimit:         cfg.Chat.MemoryLimit,
		PatternThreshold:    cfg.Chat.PatternThreshold,
		ThinkingSummaryMax:  cfg.Chat.ThinkingSummaryMax,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(cfg, orch, confirmations, tracker),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", cfg.Port).Msg("Fleetgate is ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// purgeLoop removes expired durable confirmations on a fixed cadence.
func purgeLoop(ctx context.Context, s store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpiredConfirmations(ctx, time.Now().UTC())
			if err != nil {
				log.Warn().Err(err).Msg("Confirmation purge failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("purged", n).Msg("Expired confirmations removed")
			}
		}
	}
}
