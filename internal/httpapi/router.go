// Package httpapi is the HTTP surface of the queue: job submission and
// lookup for producers, lease/complete/fail for remote workers, and health,
// stats and metrics for operators.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

// Service is the job service as seen by the API.
type Service interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Job, bool, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	Claim(ctx context.Context, w domain.WorkerContext) (*domain.Job, error)
	Succeed(ctx context.Context, w domain.WorkerContext, jobID string) (*domain.Job, error)
	Fail(ctx context.Context, w domain.WorkerContext, jobID, reason string) (*domain.Job, error)
	Heartbeat(ctx context.Context, w domain.WorkerContext, jobID string) (*domain.Job, error)
	Stats(ctx context.Context) (map[domain.Status]int64, error)
}

type API struct {
	svc           Service
	log           *zap.Logger
	checkers      map[string]Checker
	metrics       http.Handler
	defaultLease  time.Duration
	maxLease      time.Duration
	clientTimeout time.Duration
}

type Option func(*API)

// WithChecker adds a named dependency to /health.
func WithChecker(name string, c Checker) Option {
	return func(a *API) { a.checkers[name] = c }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(a *API) { a.metrics = h } }

// WithDefaultLease is used when a lease request omits lease_seconds.
func WithDefaultLease(d time.Duration) Option { return func(a *API) { a.defaultLease = d } }

func New(svc Service, log *zap.Logger, opts ...Option) *API {
	a := &API{
		svc:           svc,
		log:           log.Named("http"),
		checkers:      make(map[string]Checker),
		defaultLease:  30 * time.Second,
		maxLease:      time.Hour,
		clientTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) Router() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(a.requestLogger)
	rtr.Use(middleware.Recoverer)
	rtr.Use(middleware.Timeout(a.clientTimeout))

	rtr.Get("/health", healthHandler(a.log, a.checkers))
	if a.metrics != nil {
		rtr.Handle("/metrics", a.metrics)
	}

	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.Post("/jobs", a.createJob)
		rtr.Get("/jobs/{id}", a.getJob)
		rtr.Get("/stats", a.stats)

		rtr.Post("/lease", a.lease)
		rtr.Post("/lease/{id}/extend", a.extend)
		rtr.Post("/complete", a.complete)
		rtr.Post("/fail", a.fail)
	})

	// Unversioned aliases kept for older producers.
	rtr.Post("/jobs", a.createJob)
	rtr.Get("/jobs/{id}", a.getJob)

	return rtr
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
