// Command engine runs the passive measurement engine: discovery, one
// monitor per active 15-minute settlement window, a durable writer, and a
// quality manager, until SIGINT/SIGTERM triggers a graceful drain.
//
// Architecture:
//
//	main.go                — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	internal/engine         — orchestrator: wires discovery -> monitor -> writer/quality, manages market lifecycle
//	internal/monitor        — per-market state machine (STARTING -> ACTIVE -> DRAINING -> SETTLED)
//	internal/evaluator      — pure trigger-evaluation decision function
//	internal/discovery      — discovery/rotation loop, settlement-time window selection
//	internal/catalog        — REST catalog client and polling-fallback client
//	internal/stream         — WebSocket feed client with reconnect/backoff
//	internal/book           — order-book mirror
//	internal/writer         — single-consumer durable writer over sqlite
//	internal/quality        — anomaly aggregation and flagging
//	internal/metrics        — Prometheus counters/gauges
//	internal/config         — viper-based configuration load
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/engine"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	metricsSrv := &http.Server{Addr: ":9090", Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("measurement engine started",
		"assets", cfg.Discovery.Assets,
		"store_dsn", cfg.Store.DSN,
		"parameter_set", cfg.Parameter.Name,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go eng.Run(ctx)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	eng.Stop()
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
