package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"wallwatch/internal/alerts"
	"wallwatch/internal/app"
	"wallwatch/internal/infra"
	"wallwatch/internal/infra/binance"
	"wallwatch/internal/infra/telegram"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	cfg := bootstrap.Config

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Ops Server (metrics, health, pprof)
	opsSrv := infra.NewOpsServer(cfg, bootstrap.Metrics)
	go infra.RunOpsServer(ctx, opsSrv)

	// 4. Sink + Router. Channel resolution failures are fatal.
	sink := telegram.NewClient(cfg)
	router, err := alerts.NewRouter(cfg, sink, bootstrap.Storage, bootstrap.Metrics)
	if err != nil {
		slog.Error("❌ Alert router init failed", slog.Any("error", err))
		os.Exit(1)
	}
	go router.Run(ctx)

	// 5. REST client + pipeline
	rest, err := binance.NewRestClient(cfg)
	if err != nil {
		slog.Error("❌ REST client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	pipeline := app.NewPipeline(cfg, bootstrap.Storage, bootstrap.Metrics, router, rest)

	// 6. Cold-start state recovery
	if err := pipeline.Tracker.Recover(); err != nil {
		slog.Error("Wall recovery failed", slog.Any("error", err))
	}
	if err := pipeline.Aggregator.RecoverCVD(); err != nil {
		slog.Error("CVD recovery failed", slog.Any("error", err))
	}

	// 7. Streams + initial anchors
	wsm := binance.NewWSManager(cfg, pipeline, pipeline.NotifySystem, bootstrap.Metrics)
	wsm.Start(ctx)
	pipeline.Coordinator.ColdStart(ctx)

	// 8. Background tasks
	go pipeline.Coordinator.Run(ctx)
	go pipeline.RunRefreshRequests(ctx)
	go pipeline.Tracker.RunConfirmedChecker(ctx, pipeline.MidOf)
	go pipeline.Aggregator.RunFlusher(ctx)
	go pipeline.RunMinuteTask(ctx)
	go pipeline.Digests.Run(ctx)
	go pipeline.RunRetention(ctx)

	slog.InfoContext(ctx, "✨ wallwatch fully operational. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	slog.Info("👋 Shutting down gracefully...")
	wsm.Stop()
	pipeline.Aggregator.Flush(true)
	router.Shutdown()
}
