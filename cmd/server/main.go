package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/VedantPanchal23/Studio-sub001/internal/api"
	"github.com/VedantPanchal23/Studio-sub001/internal/config"
	"github.com/VedantPanchal23/Studio-sub001/internal/driver"
	"github.com/VedantPanchal23/Studio-sub001/internal/engine"
	"github.com/VedantPanchal23/Studio-sub001/internal/language"
	"github.com/VedantPanchal23/Studio-sub001/internal/monitor"
	"github.com/VedantPanchal23/Studio-sub001/internal/schedule"
	"github.com/VedantPanchal23/Studio-sub001/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	// Container runtime
	drv, err := driver.NewContainerd(ctx, cfg.RuntimeDriverConfig())
	if err != nil {
		log.Fatal().Err(err).Str("socket", cfg.Runtime.ContainerdSocket).Msg("containerd unavailable")
	}

	// Database (optional — runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	var audit *storage.AuditWriter
	if db != nil {
		audit = storage.NewAuditWriter(db, 10000)
		audit.Start()
	}

	clock := schedule.RealClock{}
	sched := schedule.NewScheduler(clock, log.Logger)
	registry := engine.NewRegistry(clock)
	relay := engine.NewRelay(clock, cfg.Execution.Timeout, log.Logger)

	deps := engine.Deps{
		Driver:    drv,
		Languages: language.NewRegistry(),
		Registry:  registry,
		Relay:     relay,
		Detector:  monitor.NewEscapeDetector(log.Logger),
		Metrics:   metrics,
		Bus:       engine.NewBus(),
		Clock:     clock,
		Logger:    log.Logger,
	}
	if audit != nil {
		deps.Auditor = audit
	}

	mgr := engine.NewManager(cfg.EngineConfig(), deps)

	sec := monitor.NewSecurityMonitor(drv, registry, mgr, sched, metrics, cfg.MonitorConfig(), log.Logger)
	mgr.SetWatcher(sec)

	var cleanupAudit engine.CleanupAuditor
	if audit != nil {
		cleanupAudit = audit
	}
	cleaner := engine.NewCleaner(cfg.Cleanup, registry, drv, mgr, sec, sched, metrics, cleanupAudit, log.Logger)
	cleaner.Start(ctx)

	server := api.NewServer(cfg, mgr, cleaner, drv, db, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Sweeps and monitor ticks first, then live environments.
		sched.Shutdown()
		mgr.Shutdown(shutdownCtx)

		if audit != nil {
			audit.Flush(10 * time.Second)
		}
		if err := drv.Close(); err != nil {
			log.Error().Err(err).Msg("runtime close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
