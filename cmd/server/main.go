// Portfolio Analyzer is a real-time portfolio-analysis backend.
//
// Architecture:
//
//	main.go              entry point: loads config, connects the store, starts everything, waits for SIGINT/SIGTERM
//	store/gateway.go     state gateway: RedisJSON documents + Lua scripts for atomic multi-step mutations
//	portfolio/repository typed facade over the gateway: validation, initial documents, timestamps
//	analysis/kernel.go   five simulated metric kernels with cancellable latency
//	analysis/engine.go   parallel metric runs: snapshot-consistent, persist-before-emit, settle-on-cancel
//	session/controller   per-connection read loop: cancel-on-switch, idle teardown, single-writer emitter
//	session/registry.go  process-wide map of live sessions
//	market/updater.go    periodic tick recomputing total_value from walked mock prices
//	api/                 HTTP/WebSocket surface: /api/session, /ws/{id}, /health, /metrics
//
// A client creates a session (POST /api/session), opens /ws/{session_id},
// and sends {"action":"analyze","ticker":"AAPL"}. The five metrics stream
// back as each completes; a new analyze request cancels the in-flight run
// before the next one starts.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portfolio-analyzer/internal/analysis"
	"portfolio-analyzer/internal/api"
	"portfolio-analyzer/internal/config"
	"portfolio-analyzer/internal/market"
	"portfolio-analyzer/internal/observability"
	"portfolio-analyzer/internal/portfolio"
	"portfolio-analyzer/internal/session"
	"portfolio-analyzer/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PORTFOLIO_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Connect the document store and register the Lua scripts. Either
	// failing is fatal: the process is useless without atomic mutations.
	gw, err := store.Connect(context.Background(), cfg.Redis.URL, cfg.Session.TTL, cfg.Redis.OpTimeout, logger)
	if err != nil {
		logger.Error("failed to connect document store", "error", err, "url", cfg.Redis.URL)
		os.Exit(1)
	}
	if err := gw.LoadScripts(context.Background()); err != nil {
		logger.Error("failed to register scripts", "error", err)
		os.Exit(1)
	}

	obs := observability.New()
	repo := portfolio.New(gw, portfolio.Defaults{
		Holdings:   cfg.Session.DefaultHoldings,
		TotalValue: cfg.Session.InitialTotalValue,
	}, logger)

	engine, err := analysis.New(repo, cfg.Analysis, obs, logger)
	if err != nil {
		logger.Error("failed to create analysis engine", "error", err)
		os.Exit(1)
	}

	registry := session.NewRegistry()

	walker := market.NewWalker(cfg.Market, time.Now().UnixNano())
	updater := market.NewUpdater(repo, walker, cfg.Market.UpdateInterval, obs, logger)
	if err := updater.Start(); err != nil {
		logger.Error("failed to start market updater", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(*cfg, repo, starter{engine}, registry, obs, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("portfolio analyzer started",
		"port", cfg.Server.Port,
		"metrics", cfg.Analysis.Metrics,
		"market_interval", cfg.Market.UpdateInterval,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop accepting new connections, close live sessions (cancels their
	// runs and waits for settlement), then halt the updater and the store.
	if err := server.Stop(); err != nil {
		logger.Error("failed to stop server", "error", err)
	}
	registry.Shutdown()
	updater.Stop()
	if err := gw.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}

	logger.Info("shutdown complete")
}

// starter adapts the analysis engine to the session.Starter interface.
type starter struct {
	engine *analysis.Engine
}

func (s starter) Start(ctx context.Context, sessionID string, em session.Emitter, ticker string) (session.Run, error) {
	run, err := s.engine.Start(ctx, sessionID, em, ticker)
	if err != nil {
		return nil, err
	}
	return run, nil
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
		return slog.LevelInfo
	}
}
