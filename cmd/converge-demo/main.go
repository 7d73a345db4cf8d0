// Command converge-demo runs an end-to-end walkthrough of the Converge
// client against a live store: definitions, batch creation with deliberate
// failures, facet updates, interaction registration, bounded convergence
// polling against the lagging index, hit expansion, inclusive-window
// retrieval, and a stale sweep with best-effort pruning.
//
// By default it drives a local SQLite store with simulated index lag, so it
// runs standalone. Point it at PostgreSQL with -engine and -dsn.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftline/converge/internal/config"
	"github.com/driftline/converge/internal/metrics"
	"github.com/driftline/converge/internal/orchestrate"
	"github.com/driftline/converge/internal/store"
	"github.com/driftline/converge/internal/store/postgres"
	"github.com/driftline/converge/internal/store/resilient"
	"github.com/driftline/converge/internal/store/sqlite"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file (optional, env vars by default)")
	engine     = flag.String("engine", "", "Store engine: sqlite or postgres (overrides config)")
	dsn        = flag.String("dsn", "", "Store DSN (overrides config)")
	keep       = flag.Bool("keep", false, "Leave walkthrough records in the store instead of pruning them")
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Command-line flags override both env vars and the config file.
	if *engine != "" {
		cfg.Store.Engine = *engine
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format, *verbose)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, reg, logger)
	}

	gw, err := openGateway(cfg, logger, m)
	if err != nil {
		log.Fatalf("Failed to open store gateway: %v", err)
	}
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Interrupt received, cancelling walkthrough")
		cancel()
	}()

	logger.Info("Starting walkthrough",
		"engine", cfg.Store.Engine,
		"index_delay", cfg.Store.IndexDelay,
		"poll_interval", cfg.Coordinator.PollInterval,
	)

	ocfg := coordinatorConfig(cfg, logger, m)
	if err := runWalkthrough(ctx, gw, ocfg, cfg.Coordinator.SearchWindow, *keep); err != nil {
		logger.Error("Walkthrough failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Walkthrough complete")
}

// loadConfig loads from the YAML file when a path is given, from env vars
// otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadConfigFromFile(path)
	}
	return config.LoadConfig()
}

// setupLogger builds the process logger from the logging config. The
// verbose flag forces debug level regardless of config.
func setupLogger(level, format string, verbose bool) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	if verbose {
		logLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", "converge-demo")
}

// openGateway builds the gateway stack: the configured backend, wrapped
// with the circuit breaker and rate limiter, wrapped with per-operation
// metrics.
func openGateway(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (store.Gateway, error) {
	var (
		backend store.Gateway
		err     error
	)
	switch cfg.Store.Engine {
	case "sqlite":
		backend, err = sqlite.New(cfg.Store.DSN, sqlite.Options{IndexDelay: cfg.Store.IndexDelay})
	case "postgres":
		backend, err = postgres.New(cfg.Store.DSN, postgres.Options{IndexDelay: cfg.Store.IndexDelay})
	default:
		return nil, fmt.Errorf("unknown store engine %q", cfg.Store.Engine)
	}
	if err != nil {
		return nil, err
	}

	wrapped := resilient.Wrap(backend, resilienceConfig(cfg, logger))
	return metrics.Instrument(wrapped, m), nil
}

// resilienceConfig maps the loaded config onto the resilient gateway knobs.
func resilienceConfig(cfg *config.Config, logger *slog.Logger) resilient.Config {
	return resilient.Config{
		MaxFailures:      uint32(cfg.Resilience.BreakerMaxFailures),
		OpenTimeout:      cfg.Resilience.BreakerOpenTimeout,
		HalfOpenMaxCalls: uint32(cfg.Resilience.BreakerHalfOpenCalls),
		RatePerSec:       cfg.Resilience.RatePerSec,
		Burst:            cfg.Resilience.RateBurst,
		Logger:           logger,
	}
}

// coordinatorConfig maps the loaded config onto the orchestration knobs.
func coordinatorConfig(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) orchestrate.Config {
	return orchestrate.Config{
		PollInterval:      cfg.Coordinator.PollInterval,
		MaxAttempts:       cfg.Coordinator.MaxAttempts,
		BatchSize:         cfg.Coordinator.BatchSize,
		ExpandConcurrency: cfg.Coordinator.ExpandConcurrency,
		DeleteConcurrency: cfg.Coordinator.DeleteConcurrency,
		Logger:            logger,
		Metrics:           m,
	}
}

// serveMetrics exposes the Prometheus registry over HTTP. Runs until the
// process exits; a listen failure is logged, not fatal.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	logger.Info("Metrics listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server stopped", "error", err)
	}
}
