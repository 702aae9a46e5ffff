// Package service implements the job lifecycle on top of a storage.Store:
// idempotent enqueue, claiming, lease extension and reaping, and outcome
// reporting with retry/backoff and dead-lettering.
package service

import (
	"context"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/retry"
	"github.com/SirClappington/jobq/internal/storage"
)

// Doorbell is told about newly created jobs so idle workers can wake before
// their next poll. It never decides ownership; the store does.
type Doorbell interface {
	Ring(ctx context.Context, j *domain.Job) error
}

type Service struct {
	store            storage.Store
	clock            clock.Clock
	policy           retry.Policy
	doorbell         Doorbell
	metrics          *metrics.Metrics
	log              *zap.Logger
	newID            func() string
	priorityOrdering bool
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithRetryPolicy(p retry.Policy) Option { return func(s *Service) { s.policy = p } }

func WithDoorbell(d Doorbell) Option { return func(s *Service) { s.doorbell = d } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithPriorityOrdering makes claims prefer lower priority values ahead of
// run_at.
func WithPriorityOrdering(on bool) Option { return func(s *Service) { s.priorityOrdering = on } }

// WithIDGenerator replaces uuid.NewString for job ids.
func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }

func New(store storage.Store, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		clock:   clock.C,
		policy:  retry.DefaultPolicy(),
		metrics: metrics.Nop(),
		log:     log.Named("service"),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

// Get returns domain.ErrNotFound for an unknown id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.Get(ctx, id)
}

// Stats counts jobs per status.
func (s *Service) Stats(ctx context.Context) (map[domain.Status]int64, error) {
	return s.store.Stats(ctx)
}

// HealthCheck confirms store connectivity.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store.Ping(ctx)
}
