// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command allocatord runs the allocation engine as a standalone
// process: it opens the live (and, if configured, historical) store,
// wires every engine component together behind internal/engine.Engine,
// starts the periodic allocate/expireJobs/tombstone tasks, and serves
// the reference BMP controller's observability endpoints until it
// receives SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spalloc/allocator-core/internal/alloc"
	"github.com/spalloc/allocator-core/internal/bmpsim"
	"github.com/spalloc/allocator-core/internal/collab"
	"github.com/spalloc/allocator-core/internal/engine"
	"github.com/spalloc/allocator-core/internal/epoch"
	"github.com/spalloc/allocator-core/internal/estop"
	"github.com/spalloc/allocator-core/internal/expiry"
	"github.com/spalloc/allocator-core/internal/lifecycle"
	"github.com/spalloc/allocator-core/internal/scheduler"
	"github.com/spalloc/allocator-core/internal/store"
	"github.com/spalloc/allocator-core/internal/tombstone"
	"github.com/spalloc/allocator-core/pkg/config"
	"github.com/spalloc/allocator-core/pkg/logging"
)

// Version is set at build time.
var Version = "dev"

const httpShutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.NewDefault()
	cfg.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = parseLogLevel(cfg.LogLevel)
	logCfg.Version = Version
	if cfg.LogFormat == "json" {
		logCfg.Format = logging.FormatJSON
	}
	logger := logging.NewLogger(logCfg)
	logging.SetDefaultLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	liveStore, err := store.Open(ctx, cfg.LiveStoreDriver, cfg.LiveStoreDSN, logger)
	if err != nil {
		return fmt.Errorf("open live store: %w", err)
	}
	defer liveStore.Close()

	var historicalStore *store.Store
	if cfg.HasHistoricalStore() {
		historicalStore, err = store.Open(ctx, cfg.HistoricalStoreDriver, cfg.HistoricalStoreDSN, logger)
		if err != nil {
			return fmt.Errorf("open historical store: %w", err)
		}
		defer historicalStore.Close()
	}

	epochs := epoch.NewRegistry()
	lc := lifecycle.New(liveStore, collab.NoOpQuotaManager{}, collab.NoOpSessionManager{}, epochs, logger)
	allocEngine := alloc.New(liveStore, lc, collab.NoOpSessionManager{}, epochs, cfg.ImportanceSpan, cfg.TriadDepth, logger)

	sched := scheduler.New(logger)

	// A placeholder BMPController is wired in first; the real one is
	// constructed just below once the Engine it reports completion
	// through already exists (spec §9's circular-collaborator note).
	estopCtrl := estop.New(liveStore, lc, nil, sched, logger)
	sweeper := expiry.New(liveStore, lc, collab.NoOpQuotaManager{}, nil, epochs, cfg.MaxQuotaCheckBatch, logger)

	var historical tombstone.HistoricalStore
	if historicalStore != nil {
		historical = historicalStore
	}
	tomb := tombstone.New(liveStore, historical, cfg.HistoryGracePeriod, logger)

	eng := engine.New(liveStore, lc, allocEngine, sweeper, tomb, estopCtrl, sched, nil, epochs, logger)

	bmpCtrl := bmpsim.New(liveStore, eng.UpdateJob, nil, logger)
	eng.SetBMPController(bmpCtrl)
	sweeper.SetBMPController(bmpCtrl)
	estopCtrl.SetBMPController(bmpCtrl)

	if err := eng.StartScheduled(ctx, cfg.AllocatorPeriod, cfg.KeepaliveExpiryPeriod, cfg.HistorySchedule); err != nil {
		return fmt.Errorf("start scheduled tasks: %w", err)
	}

	httpSrv := &http.Server{Addr: httpAddr(), Handler: bmpsim.NewServer(bmpCtrl).Handler()}
	go func() {
		logger.Info("bmpsim observability server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("bmpsim observability server failed", "error", err)
		}
	}()

	logger.Info("allocatord started",
		"allocator_period", cfg.AllocatorPeriod,
		"keepalive_expiry_period", cfg.KeepaliveExpiryPeriod,
		"history_schedule", cfg.HistorySchedule,
		"historical_store", cfg.HasHistoricalStore(),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, running emergency stop")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	if err := eng.EmergencyStop(shutdownCtx); err != nil {
		logger.Error("emergency stop failed", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability server shutdown failed", "error", err)
	}
	return nil
}

func httpAddr() string {
	if v := os.Getenv("ALLOCATOR_HTTP_ADDR"); v != "" {
		return v
	}
	return ":8080"
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		if level != "" && level != "info" {
			log.Printf("allocatord: unrecognized LOG_LEVEL %q, defaulting to info", level)
		}
		return slog.LevelInfo
	}
}
