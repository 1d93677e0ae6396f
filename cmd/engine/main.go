// Package main is the entry point for the Stagehand case engine.
// It wires the definition registry, the case engine, the history job
// processor, and the operational HTTP surface together.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/stagehand/internal/config"
	"github.com/pitabwire/stagehand/internal/definition"
	"github.com/pitabwire/stagehand/internal/engine"
	"github.com/pitabwire/stagehand/internal/expression"
	"github.com/pitabwire/stagehand/internal/history"
	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/internal/store"
	"github.com/pitabwire/stagehand/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stagehand-engine", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load case definitions and deploy them into the registry.
	loader := definition.NewLoader()
	defs, err := loader.LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	registry := definition.NewRegistry()
	for _, def := range defs {
		if err := registry.Deploy(def); err != nil {
			logger.Error("definition deploy failed",
				zap.String("case_definition_id", def.ID),
				zap.Error(err),
			)
			return 1
		}
	}
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	// Step 5: Initialize the store.
	st, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Build the case engine.
	eng := engine.NewEngine(
		registry,
		st.cases,
		st.historic,
		expression.NewResolver(),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithZippedHistory(cfg.Engine.ZippedHistory),
	)
	// Step 7: Start the history job processor pool.
	processor := history.NewProcessor(
		st.jobs,
		history.NewProjector(st.historic),
		cfg.History,
		history.WithProcessorLogger(logger),
		history.WithProcessorMetrics(metrics),
	)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		processor.Run(bgCtx)
	}()

	// Step 8: Start the HTTP server.
	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = observability.Handler()
	}
	router := transport.NewRouter(transport.Dependencies{
		Engine:         eng,
		Logger:         logger,
		HealthHandler:  observability.HealthHandler(),
		ReadyHandler:   observability.ReadyHandler(st.health...),
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Observability.Metrics.Path,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("engine started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Len()),
		zap.Int("history_workers", cfg.History.Workers),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop workers and wait for the pool to drain.
	bgCancel()
	select {
	case <-processorDone:
	case <-shutdownCtx.Done():
		logger.Warn("history processor did not drain before shutdown timeout")
	}

	// Close the store.
	if storeCloser != nil {
		storeCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// stores groups the three persistence facets of one backing store.
type stores struct {
	cases    store.CaseStore
	historic store.HistoricStore
	jobs     store.JobStore
	health   []observability.HealthChecker
}

// buildStore creates the backing store based on config.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory store")
		mem := store.NewMemoryStore(nil)
		return stores{
			cases:    mem,
			historic: mem,
			jobs:     mem,
			health:   []observability.HealthChecker{mem},
		}, nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return stores{}, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return stores{}, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxConns)
		poolCfg.MinConns = int32(cfg.MinConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return stores{}, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return stores{}, nil, fmt.Errorf("store: ping: %w", err)
		}

		pg := store.NewPgStore(pool, nil)
		return stores{
			cases:    pg,
			historic: pg,
			jobs:     pg,
			health:   []observability.HealthChecker{pg},
		}, pool.Close, nil
	default:
		return stores{}, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}
