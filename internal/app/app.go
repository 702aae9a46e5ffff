// Package app assembles the queue from configuration: store driver, redis
// doorbell, metrics and the job service. Every binary starts here.
package app

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/retry"
	"github.com/SirClappington/jobq/internal/scheduler"
	"github.com/SirClappington/jobq/internal/service"
	"github.com/SirClappington/jobq/internal/storage"
	"github.com/SirClappington/jobq/internal/storage/memory"
	"github.com/SirClappington/jobq/internal/storage/postgres"
	"github.com/SirClappington/jobq/internal/storage/sqlite"
)

// schedulerLockKey is the advisory lock id the schedulers compete for.
const schedulerLockKey = 42

type App struct {
	Config   config.Config
	Log      *zap.Logger
	Store    storage.Store
	Redis    *r.Client
	Doorbell *queue.RedisQ
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Service  *service.Service
}

// Open connects everything cfg names. Redis is optional: when REDIS_ADDR is
// empty the doorbell is off and workers rely on polling alone.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	store, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, store, log), nil
}

// New assembles the app around an already opened store.
func New(ctx context.Context, cfg config.Config, store storage.Store, log *zap.Logger) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := &App{
		Config:   cfg,
		Log:      log,
		Store:    store,
		Registry: reg,
		Metrics:  metrics.New(reg),
	}

	opts := []service.Option{
		service.WithMetrics(a.Metrics),
		service.WithRetryPolicy(retry.Exponential{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Jitter: cfg.BackoffJitter}),
		service.WithPriorityOrdering(cfg.PriorityOrdering),
	}
	if cfg.RedisAddr != "" {
		a.Redis = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.Doorbell = queue.New(a.Redis)
		if err := a.Doorbell.Ping(ctx); err != nil {
			// Not fatal: the store alone is a complete queue.
			log.Warn("redis unreachable, doorbell signals will be dropped", zap.Error(err))
		}
		opts = append(opts, service.WithDoorbell(a.Doorbell))
	}
	a.Service = service.New(store, log, opts...)
	return a
}

// OpenStore opens and migrates the configured store driver.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.PostgresDSN, log)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath, log)
	case config.DriverMemory:
		log.Warn("using the in-memory store; jobs do not survive a restart")
		return memory.New(), nil
	}
	return nil, errors.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// Elector returns the scheduler election for the configured store. Only
// postgres is shared between processes; the other drivers run solo.
func (a *App) Elector() scheduler.Elector {
	if pg, ok := a.Store.(*postgres.Store); ok {
		return pg.NewLeader(schedulerLockKey)
	}
	return scheduler.Solo{}
}

// StoreRetrier builds the worker-side retry for store calls.
func (a *App) StoreRetrier() *retry.StoreRetrier {
	return retry.NewStoreRetrier(a.Config.StoreRetryMaxElapsed)
}

// Close releases the store and redis, waiting at most timeout.
func (a *App) Close(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		err := a.Store.Close()
		if a.Redis != nil {
			err = multierr.Append(err, a.Redis.Close())
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return errors.New("timed out closing connections")
	}
}
