package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/khunter/autotrader/internal/broker"
	"github.com/khunter/autotrader/internal/bus"
	"github.com/khunter/autotrader/internal/callmon"
	"github.com/khunter/autotrader/internal/config"
	"github.com/khunter/autotrader/internal/console"
	"github.com/khunter/autotrader/internal/engine"
	"github.com/khunter/autotrader/internal/feed"
	"github.com/khunter/autotrader/internal/observ"
	"github.com/khunter/autotrader/internal/outbox"
	"github.com/khunter/autotrader/internal/position"
	"github.com/khunter/autotrader/internal/strategy"
	"github.com/khunter/autotrader/internal/surge"
)

func main() {
	var (
		configPath = flag.String("config", "config/trader.yaml", "path to config file")
		envPath    = flag.String("env", ".env", "path to env file with credentials")
		closeAll   = flag.Bool("close-all", false, "liquidate every position and exit")
	)
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		observ.Log("env_file_skipped", map[string]any{"path": *envPath, "error": err.Error()})
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		observ.Log("config_load_failed", map[string]any{"path": *configPath, "error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := bus.New()
	mon := callmon.New(cfg.Callmon.HistoryCap, cfg.Callmon.RateLimitPerSec)
	api := broker.New(cfg.Broker, mon)

	if !api.CheckConnection(ctx) {
		observ.Log("broker_unreachable", map[string]any{"base_url": cfg.Broker.BaseURL})
		os.Exit(1)
	}

	positions := position.NewManager(cfg.Exit, router)
	agent := strategy.New(cfg.Strategy, router, positions)
	surge.New(cfg.Surge, router)

	audit, err := outbox.New(cfg.Audit.Path, router)
	if err != nil {
		observ.Log("audit_init_failed", map[string]any{"path": cfg.Audit.Path, "error": err.Error()})
		os.Exit(1)
	}

	priceFeed := feed.New(cfg.Feed, router, mon)
	eng := engine.New(cfg.Engine, router, api, priceFeed, positions, agent)

	if *closeAll {
		closed := eng.CloseAll(ctx)
		observ.Log("close_all_done", map[string]any{"closed": closed})
		return
	}

	if err := priceFeed.Connect(ctx); err != nil {
		// the engine still works off polled quotes; the feed keeps retrying
		// once a later Connect succeeds
		observ.Log("feed_initial_connect_failed", map[string]any{"error": err.Error()})
	}
	if err := eng.Start(ctx); err != nil {
		observ.Log("engine_start_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	ui := console.New(router, eng, positions, agent, mon, priceFeed, audit)
	go func() {
		if err := ui.Serve(cfg.Console.Addr); err != nil {
			observ.Log("console_serve_failed", map[string]any{"error": err.Error()})
		}
	}()

	observ.Log("trader_up", map[string]any{"console": cfg.Console.Addr})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	observ.Log("trader_shutting_down", nil)
	eng.Stop()
	priceFeed.Close()
}
