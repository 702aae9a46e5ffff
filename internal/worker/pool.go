package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs several workers in one process. Each has its own identity
// derived from the base id, so leases are never shared between them.
type Pool struct {
	workers []*Worker
	log     *zap.Logger
}

// NewPool builds n workers named <cfg.ID>-<i>. Every option is applied to
// every worker.
func NewPool(n int, cfg Config, lc Lifecycle, registry *Registry, log *zap.Logger, opts ...Option) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{log: log.Named("pool")}
	for i := 1; i <= n; i++ {
		c := cfg
		c.ID = fmt.Sprintf("%s-%d", cfg.ID, i)
		p.workers = append(p.workers, New(c, lc, registry, log, opts...))
	}
	return p
}

func (p *Pool) Workers() []*Worker { return p.workers }

// Run blocks until ctx is done and every worker has finished its current job,
// or until one worker loses the store, which stops the rest.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting", zap.Int("concurrency", len(p.workers)))
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}
