// Portfolio tracker — the real-time valuation core of the wealth platform.
//
// Architecture:
//
//	main.go                    — entry point: config, wiring, leader supervisor, signals
//	collector/collector.go     — symbol collector: tracked-symbol universe + position cache
//	marketdata/consumer.go     — market data consumer: upstream quote stream → price cache
//	portfolio/calculator.go    — portfolio calculator: value + true daily return per account
//	api/server.go              — WebSocket broadcaster and portfolio REST endpoints
//	history/history.go         — snapshot store: intraday/EOD equity curve with gap-fill
//	leader/elector.go          — lease-based election gating the pipeline services
//	broker/alpaca.go           — brokerage client: positions, equity, activities, bars
//	aggregation/client.go      — aggregation-provider sync for plaid_/snaptrade_ accounts
//
// The pipeline services (collector, consumer, calculator, snapshot scheduler)
// run single-leader across the fleet; the HTTP/WebSocket surface runs on every
// replica.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"wealthcore/internal/aggregation"
	"wealthcore/internal/api"
	"wealthcore/internal/broker"
	"wealthcore/internal/bus"
	"wealthcore/internal/collector"
	"wealthcore/internal/config"
	"wealthcore/internal/history"
	"wealthcore/internal/leader"
	"wealthcore/internal/marketdata"
	"wealthcore/internal/portfolio"
	"wealthcore/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRACKER_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := bus.Dial(ctx, cfg.Redis)
	if err != nil {
		logger.Error("failed to connect redis", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	st, err := store.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		logger.Error("failed to connect database", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(ctx, "schema.sql"); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// Domain wiring. The store doubles as account, token, holding, and
	// transaction source.
	alpaca := broker.NewAlpaca(cfg.Broker, st, st, logger)
	histStore := history.NewStore(st.Pool(), logger)
	enricher := portfolio.NewEnricher(b, st, cfg.Calculator.EnrichmentTTL, logger)
	reconstructor := history.NewReconstructor(histStore, st, alpaca, logger)
	syncer := aggregation.NewSyncer(aggregation.NewClient(cfg.Aggregation), st, enricher, reconstructor, logger)

	stream := marketdata.NewAlpacaStream(cfg.Broker, logger)

	instanceID := uuid.NewString()
	supervisor := leader.NewSupervisor(b, instanceID, cfg.Leader, logger)
	supervisor.Register(collector.New(b, alpaca, st, st, cfg.Collector, logger))
	supervisor.Register(marketdata.New(b, stream, cfg.MarketData, logger))
	supervisor.Register(portfolio.New(b, alpaca, st, st, enricher, histStore,
		cfg.Calculator, cfg.History, logger))
	supervisor.Register(history.NewScheduler(histStore, st, b, cfg.History, logger))
	supervisor.Start(ctx)

	hub := api.NewHub(logger)
	handlers := api.NewHandlers(b, api.NewAuthenticator(cfg.Auth), st, histStore,
		syncer, hub, cfg.Server, logger)
	server := api.NewServer(api.ServerDeps{Addr: cfg.Server.Addr()}, b, hub, handlers, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("portfolio tracker started",
		"instance_id", instanceID,
		"addr", cfg.Server.Addr(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	supervisor.Stop()
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
