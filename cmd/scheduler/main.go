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
	"github.com/SirClappington/jobq/internal/scheduler"
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

	var opts []scheduler.Option
	if a.Doorbell != nil {
		opts = append(opts, scheduler.WithMover(a.Doorbell))
	}
	s := scheduler.New(a.Service, a.Elector(), cfg.ReapInterval, log, opts...)
	if err := s.Run(ctx); err != nil {
		log.Error("scheduler stopped", zap.Error(err))
	}
}
