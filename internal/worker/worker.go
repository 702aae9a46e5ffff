// Package worker drives jobs through claim, execution and reporting.
//
// A Worker is an explicit state machine. Step performs exactly one
// transition so tests can walk a worker through a lease lifecycle with a mock
// clock and a fake sleeper; Run loops Step until the context is done.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/retry"
)

type State int

const (
	Claiming State = iota
	Executing
	Reporting
	Idle
	Stopped
)

func (s State) String() string {
	switch s {
	case Claiming:
		return "claiming"
	case Executing:
		return "executing"
	case Reporting:
		return "reporting"
	case Idle:
		return "idle"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrStopped is returned by Step once the worker has stopped.
var ErrStopped = errors.New("worker stopped")

// Lifecycle is the part of the job service a worker drives.
type Lifecycle interface {
	Claim(ctx context.Context, w domain.WorkerContext) (*domain.Job, error)
	Succeed(ctx context.Context, w domain.WorkerContext, jobID string) (*domain.Job, error)
	Fail(ctx context.Context, w domain.WorkerContext, jobID, reason string) (*domain.Job, error)
	Heartbeat(ctx context.Context, w domain.WorkerContext, jobID string) (*domain.Job, error)
}

type Config struct {
	ID            string
	LeaseDuration time.Duration
	IdleInterval  time.Duration
	// HeartbeatInterval extends the lease of the running job on this period.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration
}

type Worker struct {
	wc        domain.WorkerContext
	idle      time.Duration
	heartbeat time.Duration

	lc       Lifecycle
	registry *Registry
	sleeper  Sleeper
	retrier  *retry.StoreRetrier
	clock    clock.Clock
	metrics  *metrics.Metrics
	log      *zap.Logger

	state   State
	current *domain.Job
	result  error
}

type Option func(*Worker)

func WithClock(c clock.Clock) Option { return func(w *Worker) { w.clock = c } }

func WithSleeper(s Sleeper) Option { return func(w *Worker) { w.sleeper = s } }

func WithStoreRetrier(r *retry.StoreRetrier) Option { return func(w *Worker) { w.retrier = r } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Worker) { w.metrics = m } }

func New(cfg Config, lc Lifecycle, registry *Registry, log *zap.Logger, opts ...Option) *Worker {
	w := &Worker{
		wc:        domain.WorkerContext{ID: cfg.ID, LeaseDuration: cfg.LeaseDuration},
		idle:      cfg.IdleInterval,
		heartbeat: cfg.HeartbeatInterval,
		lc:        lc,
		registry:  registry,
		clock:     clock.C,
		metrics:   metrics.Nop(),
		retrier:   retry.NewStoreRetrier(time.Minute),
		log:       log.Named("worker").With(zap.String("worker_id", cfg.ID)),
		state:     Claiming,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.sleeper == nil {
		w.sleeper = ClockSleeper{Clock: w.clock}
	}
	if w.retrier.Notify == nil {
		log := w.log
		w.retrier.Notify = func(err error, next time.Duration) {
			log.Warn("store unavailable, retrying", zap.Error(err), zap.Duration("next", next))
		}
	}
	return w
}

func (w *Worker) ID() string { return w.wc.ID }

func (w *Worker) State() State { return w.state }

// Current is the job being executed or reported, nil otherwise.
func (w *Worker) Current() *domain.Job { return w.current }

// Run steps the worker until ctx is done or the store is lost. A job already
// claimed when ctx ends is still executed and reported. It returns nil on
// cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker starting", zap.Duration("lease", w.wc.LeaseDuration))
	defer w.log.Info("worker stopped")
	for {
		if ctx.Err() != nil && (w.state == Claiming || w.state == Idle) {
			w.state = Stopped
		}
		if w.state == Stopped {
			return nil
		}
		if err := w.Step(ctx); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
	}
}

// Step performs one state transition. A non-nil error other than ErrStopped
// is fatal: the store stayed unreachable past the retry budget.
func (w *Worker) Step(ctx context.Context) error {
	switch w.state {
	case Claiming:
		return w.claim(ctx)
	case Idle:
		w.metrics.IdlePoll()
		if err := w.sleeper.Wait(ctx, w.idle); err != nil && ctx.Err() != nil {
			w.state = Stopped
			return nil
		}
		w.state = Claiming
		return nil
	case Executing:
		w.result = w.execute(ctx, w.current)
		w.state = Reporting
		return nil
	case Reporting:
		return w.report(ctx)
	case Stopped:
		return ErrStopped
	}
	return errors.Errorf("worker in unknown state %s", w.state)
}

func (w *Worker) claim(ctx context.Context) error {
	var j *domain.Job
	err := w.retrier.Do(ctx, func() error {
		var err error
		j, err = w.lc.Claim(ctx, w.wc)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			w.state = Stopped
			return nil
		}
		w.state = Stopped
		return errors.Wrap(err, "claim")
	}
	if j == nil {
		w.state = Idle
		return nil
	}
	w.current = j
	w.state = Executing
	return nil
}

// execute runs the handler for j, turning a missing handler or a panic into a
// HandlerError. Handlers get a context that survives shutdown; only the lease
// bounds them.
func (w *Worker) execute(ctx context.Context, j *domain.Job) (err error) {
	log := w.log.With(zap.String("job_id", j.ID), zap.String("type", j.Type), zap.Int("attempt", j.Attempts))
	h, ok := w.registry.Lookup(j.Type)
	if !ok {
		return &domain.HandlerError{JobID: j.ID, JobType: j.Type, Err: errors.Errorf("no handler registered for type %q", j.Type)}
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stopBeat := w.startHeartbeat(hctx, j, log)
	defer stopBeat()

	start := w.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = &domain.HandlerError{JobID: j.ID, JobType: j.Type, Err: errors.Errorf("panic: %v", r)}
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		w.metrics.Executed(j.Type, outcome, w.clock.Now().Sub(start))
	}()

	log.Debug("executing job")
	if herr := h(hctx, j.Payload); herr != nil {
		return &domain.HandlerError{JobID: j.ID, JobType: j.Type, Err: herr}
	}
	return nil
}

// startHeartbeat extends the lease of j every heartbeat interval until the
// returned stop func is called. A lost lease ends the heartbeat; the handler
// keeps running and its report will be rejected.
func (w *Worker) startHeartbeat(ctx context.Context, j *domain.Job, log *zap.Logger) (stop func()) {
	if w.heartbeat <= 0 {
		return func() {}
	}
	tick := w.clock.NewTicker(w.heartbeat)
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-tick.Chan():
				_, err := w.lc.Heartbeat(ctx, w.wc, j.ID)
				switch {
				case err == nil:
				case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
					log.Warn("lease lost during execution", zap.Error(err))
					return
				default:
					log.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (w *Worker) report(ctx context.Context) error {
	j := w.current
	log := w.log.With(zap.String("job_id", j.ID), zap.String("type", j.Type))
	// The report must land even when shutdown started mid-job.
	rctx := context.WithoutCancel(ctx)

	err := w.retrier.Do(rctx, func() error {
		var err error
		if w.result == nil {
			_, err = w.lc.Succeed(rctx, w.wc, j.ID)
		} else {
			_, err = w.lc.Fail(rctx, w.wc, j.ID, w.result.Error())
		}
		return err
	})

	w.current, w.result = nil, nil
	w.state = Claiming

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		// Another worker owns the job now; its outcome wins.
		log.Warn("report rejected, lease no longer held", zap.Error(err))
		return nil
	case domain.IsRetryableStore(err):
		w.state = Stopped
		return errors.Wrap(err, "report")
	default:
		log.Error("report failed", zap.Error(err))
		return nil
	}
}
