// Package main is the entry point for the monitoring engine.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Fudheryk/monitoring-engine/internal/config"
	"github.com/Fudheryk/monitoring-engine/internal/database"
	"github.com/Fudheryk/monitoring-engine/internal/dispatcher"
	"github.com/Fudheryk/monitoring-engine/internal/evaluator"
	"github.com/Fudheryk/monitoring-engine/internal/freshness"
	"github.com/Fudheryk/monitoring-engine/internal/incidentstore"
	"github.com/Fudheryk/monitoring-engine/internal/ingest"
	"github.com/Fudheryk/monitoring-engine/internal/ledger"
	"github.com/Fudheryk/monitoring-engine/internal/metrics"
	"github.com/Fudheryk/monitoring-engine/internal/outbox"
	"github.com/Fudheryk/monitoring-engine/internal/probe"
	"github.com/Fudheryk/monitoring-engine/internal/storage"
	"github.com/Fudheryk/monitoring-engine/internal/tenantcache"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "/config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting monitoring engine",
		zap.String("name", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("log_level", cfg.App.LogLevel),
	)

	db, err := database.NewSQLiteDB(cfg.Storage.DBPath, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}

	// Read-through cache for tenant settings; a no-op wrapper when Redis
	// isn't configured, so every downstream component always just sees a
	// database.Database.
	cachedDB := tenantcache.New(db, cfg, logger)

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	metricsServer := metrics.NewServer(
		cfg.Metrics.Port,
		cfg.Metrics.Path,
		cfg.Health.LivenessPath,
		cfg.Health.ReadinessPath,
		registry,
	)
	metricsServer.UpdateHealthCheck("database", "ok")

	store := incidentstore.NewStore(cachedDB, cfg, logger)
	led := ledger.NewLedger(db, logger)

	providers := buildProviders(cfg)
	disp := dispatcher.NewDispatcher(cachedDB, led, providers, cfg, m, logger)

	eval := evaluator.NewEvaluator(cachedDB, store, disp, cfg.Evaluator.StartupGraceSeconds, m, logger)
	fresh := freshness.NewScanner(cachedDB, store, disp, cfg, m, logger)

	httpClient := &http.Client{Timeout: cfg.Probe.DefaultTimeout.Duration}
	probeRunner := probe.NewRunner(cachedDB, store, led, disp, httpClient, cfg, m, logger)

	ob := outbox.New(db, cfg, m, logger)
	ob.RegisterHandler("webhook", outbox.WebhookHandler(httpClient))

	ingestServer := ingest.NewServer(cachedDB, store, eval, probeRunner, cfg, m, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      ingestServer.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout: cfg.HTTP.WriteTimeout.Duration,
	}

	storageMonitor := storage.NewMonitor(db, cfg, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting metrics server", zap.Int("port", cfg.Metrics.Port))
		return metricsServer.Start()
	})

	g.Go(func() error {
		logger.Info("starting ingest http server", zap.Int("port", cfg.HTTP.Port))
		metricsServer.UpdateHealthCheck("ingest", "ok")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting freshness scanner", zap.Duration("interval", cfg.Freshness.Interval.Duration))
		metricsServer.UpdateHealthCheck("freshness", "ok")
		fresh.Start(gCtx)
		return nil
	})

	g.Go(func() error {
		logger.Info("starting probe runner", zap.Duration("interval", cfg.Probe.ScanInterval.Duration))
		metricsServer.UpdateHealthCheck("probe", "ok")
		probeRunner.Start(gCtx)
		return nil
	})

	g.Go(func() error {
		logger.Info("starting notification dispatcher", zap.Duration("interval", cfg.Notification.PollInterval.Duration))
		metricsServer.UpdateHealthCheck("dispatcher", "ok")
		disp.Start(gCtx)
		return nil
	})

	g.Go(func() error {
		logger.Info("starting outbox delivery", zap.Duration("interval", cfg.Outbox.PollInterval.Duration))
		metricsServer.UpdateHealthCheck("outbox", "ok")
		ob.Start(gCtx)
		return nil
	})

	g.Go(func() error {
		logger.Info("starting storage monitor", zap.Duration("interval", cfg.Storage.MonitorInterval.Duration))
		storageMonitor.Start(gCtx)
		return nil
	})

	metricsServer.SetReady(true)
	logger.Info("monitoring engine is ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-gCtx.Done():
		logger.Info("context cancelled")
	}

	logger.Info("starting graceful shutdown")
	metricsServer.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ingest http server shutdown error", zap.Error(err))
	}

	cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	if err := g.Wait(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	logger.Info("monitoring engine shutdown complete")
}

// buildProviders constructs the dispatcher's provider chain: webhook first
// (always available once a tenant sets a webhook URL in settings), email
// second when SMTP is configured.
func buildProviders(cfg *config.Config) []dispatcher.Provider {
	providers := []dispatcher.Provider{
		dispatcher.NewWebhookProvider(&http.Client{Timeout: 10 * time.Second}),
	}
	if cfg.SMTP.Host != "" {
		providers = append(providers, dispatcher.NewEmailProvider(cfg.SMTP))
	}
	return providers
}

func newLogger(level, format string) (*zap.Logger, error) {
	var zcfg zap.Config
	if format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}

	switch level {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return zcfg.Build()
}
