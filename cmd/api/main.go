package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/app"
	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/httpapi"
	"github.com/SirClappington/jobq/internal/logging"
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
	defer func() {
		if err := a.Close(5 * time.Second); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}()

	opts := []httpapi.Option{
		httpapi.WithChecker("store", a.Service),
		httpapi.WithMetricsHandler(promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})),
		httpapi.WithDefaultLease(cfg.LeaseDuration),
	}
	if a.Doorbell != nil {
		opts = append(opts, httpapi.WithChecker("redis", httpapi.CheckerFunc(a.Doorbell.Ping)))
	}
	api := httpapi.New(a.Service, log, opts...)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	}()

	log.Info("api listening", zap.String("addr", cfg.APIAddr), zap.String("store", cfg.StoreDriver))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("listen", zap.Error(err))
	}
}
