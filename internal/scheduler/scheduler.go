// Package scheduler runs the periodic housekeeping of the queue: dead-letter
// expired leases whose attempts are spent, and move delayed doorbell signals
// onto the ready list once due. Only one scheduler acts at a time; the others
// idle until they win the election.
package scheduler

import (
	"context"
	"time"

	"github.com/WatchBeam/clock"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

// Elector decides whether this process may act on a tick.
type Elector interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// Solo is the elector for single-process stores (sqlite, memory).
type Solo struct{}

func (Solo) TryAcquire(context.Context) (bool, error) { return true, nil }
func (Solo) Release(context.Context)                  {}

type Reaper interface {
	Reap(ctx context.Context) ([]*domain.Job, error)
}

// Mover moves due delayed signals to the ready list.
type Mover interface {
	MoveDue(ctx context.Context, now time.Time, batch int64) (int, error)
}

type Scheduler struct {
	reaper   Reaper
	elector  Elector
	mover    Mover
	clock    clock.Clock
	log      *zap.Logger
	interval time.Duration
	batch    int64
}

type Option func(*Scheduler)

func WithMover(m Mover) Option { return func(s *Scheduler) { s.mover = m } }

func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithBatch(n int64) Option { return func(s *Scheduler) { s.batch = n } }

func New(reaper Reaper, elector Elector, interval time.Duration, log *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		reaper:   reaper,
		elector:  elector,
		clock:    clock.C,
		log:      log.Named("scheduler"),
		interval: interval,
		batch:    200,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick performs one round if this process is the leader. It reports whether
// it acted.
func (s *Scheduler) Tick(ctx context.Context) bool {
	ok, err := s.elector.TryAcquire(ctx)
	if err != nil {
		s.log.Warn("leader election failed", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	reaped, err := s.reaper.Reap(ctx)
	if err != nil {
		s.log.Error("reap failed", zap.Error(err))
	} else if len(reaped) > 0 {
		s.log.Info("reaped expired leases", zap.Int("count", len(reaped)))
	}

	if s.mover != nil {
		n, err := s.mover.MoveDue(ctx, s.clock.Now(), s.batch)
		if err != nil {
			s.log.Warn("move due signals failed", zap.Error(err))
		} else if n > 0 {
			s.log.Debug("moved due signals", zap.Int("count", n))
		}
	}
	return true
}

// Run ticks until ctx is done, then gives up leadership.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler starting", zap.Duration("interval", s.interval))
	defer s.elector.Release(context.WithoutCancel(ctx))

	tick := s.clock.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.Chan():
			s.Tick(ctx)
		}
	}
}
