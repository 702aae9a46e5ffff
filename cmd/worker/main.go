package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/app"
	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/logging"
	"github.com/SirClappington/jobq/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Bootstrap(os.Stderr).Fatal("load config", zap.Error(err))
	}
	log, err := logging.New(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("open app", zap.Error(err))
	}
	defer func() { _ = a.Close(5 * time.Second) }()

	registry := worker.NewRegistry()
	registerDemoHandlers(registry, log)

	opts := []worker.Option{
		worker.WithMetrics(a.Metrics),
		worker.WithStoreRetrier(a.StoreRetrier()),
	}
	if a.Doorbell != nil {
		opts = append(opts, worker.WithSleeper(a.Doorbell))
	}
	pool := worker.NewPool(cfg.WorkerConcurrency, worker.Config{
		ID:                cfg.WorkerID,
		LeaseDuration:     cfg.LeaseDuration,
		IdleInterval:      cfg.IdleInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, a.Service, registry, log, opts...)

	log.Info("worker pool ready",
		zap.String("worker_id", cfg.WorkerID),
		zap.Strings("types", registry.Types()))
	if err := pool.Run(ctx); err != nil {
		log.Fatal("worker pool lost the store", zap.Error(err))
	}
}
