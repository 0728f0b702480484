// terminald — the TraderTerminal execution core: webhook-driven trade
// routing and execution across live futures/equities brokers and a built-in
// paper matching engine.
//
// Architecture:
//
//	main.go             — entry point: loads config, starts engine + API, waits for SIGINT/SIGTERM
//	engine/engine.go    — orchestrator: wires ingress → router → backends, fills → tracker/funded/store
//	ingress/ingress.go  — webhook gauntlet: rate limit, HMAC, schema, replay window, idempotency
//	router/router.go    — account-group resolution, strategy mode overlay, funded-rule gate, dispatch
//	broker/rest.go      — REST adapters (Tradovate, Tastytrade, Schwab, TopstepX) with safe retries
//	sim/sim.go          — paper engine: price/time-priority book, slippage model, decimal ledger
//	funded/rules.go     — funded-account rules: daily loss cap, trailing drawdown, contract limits
//	tracker/tracker.go  — strategy performance sets and the live/paper/suspended mode machine
//	bus/bus.go          — sequenced event fan-out feeding the WebSocket stream
//	store/store.go      — SQLite audit streams and restart snapshots
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/grimmolf/traderterminal/internal/clock"
	"github.com/grimmolf/traderterminal/internal/config"
	"github.com/grimmolf/traderterminal/internal/engine"
	"github.com/grimmolf/traderterminal/internal/server"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()
	if p := os.Getenv("TT_CONFIG"); p != "" && !flagWasSet("config") {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
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

	eng, err := engine.New(cfg, clock.Real{}, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	apiServer := server.NewServer(cfg.Server, eng, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("traderterminal started",
		"addr", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
		"account_groups", len(cfg.Accounts),
		"webhook_secured", cfg.Ingress.Secret != "",
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	eng.Shutdown(context.Background())
}

func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
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
