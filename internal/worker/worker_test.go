package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/retry"
	"github.com/SirClappington/jobq/internal/service"
	"github.com/SirClappington/jobq/internal/storage/memory"
)

type fixedDelay time.Duration

func (f fixedDelay) Delay(int) time.Duration { return time.Duration(f) }

// fakeSleeper advances the mock clock instead of blocking.
type fakeSleeper struct {
	mu    sync.Mutex
	clock *clock.MockClock
	waits []time.Duration
}

func (s *fakeSleeper) Wait(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.clock.AddTime(d)
	return nil
}

type harness struct {
	svc      *service.Service
	clock    *clock.MockClock
	sleeper  *fakeSleeper
	registry *Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	mc := clock.NewMockClock()
	return &harness{
		svc: service.New(store, zaptest.NewLogger(t),
			service.WithClock(mc),
			service.WithRetryPolicy(fixedDelay(5*time.Second))),
		clock:    mc,
		sleeper:  &fakeSleeper{clock: mc},
		registry: NewRegistry(),
	}
}

func (h *harness) worker(t *testing.T, id string) *Worker {
	return New(Config{ID: id, LeaseDuration: 30 * time.Second, IdleInterval: time.Second},
		h.svc, h.registry, zaptest.NewLogger(t),
		WithClock(h.clock), WithSleeper(h.sleeper))
}

func (h *harness) enqueue(t *testing.T, req domain.EnqueueRequest) *domain.Job {
	t.Helper()
	j, _, err := h.svc.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return j
}

func step(t *testing.T, w *Worker, want State) {
	t.Helper()
	require.NoError(t, w.Step(context.Background()))
	require.Equal(t, want, w.State())
}

func TestStepSuccess(t *testing.T) {
	h := newHarness(t)
	var got json.RawMessage
	h.registry.Register("echo", func(_ context.Context, p json.RawMessage) error {
		got = p
		return nil
	})
	job := h.enqueue(t, domain.EnqueueRequest{Type: "echo", Payload: json.RawMessage(`{"x":1}`)})
	w := h.worker(t, "w1")

	require.Equal(t, Claiming, w.State())
	step(t, w, Executing)
	require.NotNil(t, w.Current())
	assert.Equal(t, job.ID, w.Current().ID)
	step(t, w, Reporting)
	step(t, w, Claiming)
	assert.Nil(t, w.Current())
	assert.JSONEq(t, `{"x":1}`, string(got))

	done, err := h.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Succeeded, done.Status)
	assert.Equal(t, 1, done.Attempts)
}

func TestStepIdle(t *testing.T) {
	h := newHarness(t)
	w := h.worker(t, "w1")

	step(t, w, Idle)
	before := h.clock.Now()
	step(t, w, Claiming)
	assert.Equal(t, []time.Duration{time.Second}, h.sleeper.waits)
	assert.Equal(t, time.Second, h.clock.Now().Sub(before))
}

// A future job becomes claimable once idle waits carry the clock past run_at.
func TestIdleUntilDue(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("later", func(context.Context, json.RawMessage) error { return nil })
	runAt := h.clock.Now().Add(3 * time.Second)
	h.enqueue(t, domain.EnqueueRequest{Type: "later", RunAt: &runAt})
	w := h.worker(t, "w1")

	for i := 0; i < 3; i++ {
		step(t, w, Idle)
		step(t, w, Claiming)
	}
	step(t, w, Executing)
}

func TestHandlerFailureRetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("email", func(context.Context, json.RawMessage) error {
		return errors.New("smtp down")
	})
	job := h.enqueue(t, domain.EnqueueRequest{Type: "email", MaxAttempts: domain.Ptr(2)})
	w := h.worker(t, "w1")

	step(t, w, Executing)
	step(t, w, Reporting)
	step(t, w, Claiming)

	j, err := h.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Contains(t, *j.LastError, "smtp down")

	// Backoff is 5s; idle interval 1s.
	for i := 0; i < 5; i++ {
		step(t, w, Idle)
		step(t, w, Claiming)
	}
	step(t, w, Executing)
	step(t, w, Reporting)
	step(t, w, Claiming)

	j, err = h.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, j.Status)
	assert.Equal(t, 2, j.Attempts)
}

func TestPanicAndUnknownTypeBecomeFailures(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("boom", func(context.Context, json.RawMessage) error { panic("kaboom") })
	boom := h.enqueue(t, domain.EnqueueRequest{Type: "boom", MaxAttempts: domain.Ptr(1)})
	w := h.worker(t, "w1")

	step(t, w, Executing)
	step(t, w, Reporting)
	step(t, w, Claiming)

	j, err := h.svc.Get(context.Background(), boom.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, j.Status)
	assert.Contains(t, *j.LastError, "panic: kaboom")

	mystery := h.enqueue(t, domain.EnqueueRequest{Type: "mystery", MaxAttempts: domain.Ptr(1)})
	step(t, w, Executing)
	step(t, w, Reporting)
	step(t, w, Claiming)

	j, err = h.svc.Get(context.Background(), mystery.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, j.Status)
	assert.Contains(t, *j.LastError, `no handler registered for type "mystery"`)
}

// Worker a stalls past its lease; b reclaims the job and finishes it. a's late
// report is rejected and a keeps polling.
func TestLeaseExpiryDuringExecution(t *testing.T) {
	h := newHarness(t)
	b := h.worker(t, "b")
	var runs int
	h.registry.Register("slow", func(context.Context, json.RawMessage) error {
		runs++
		if runs == 1 {
			h.clock.AddTime(31 * time.Second)
			require.NoError(t, b.Step(context.Background()))
			require.Equal(t, Executing, b.State())
		}
		return nil
	})
	job := h.enqueue(t, domain.EnqueueRequest{Type: "slow"})
	a := h.worker(t, "a")

	step(t, a, Executing)
	step(t, a, Reporting)

	step(t, b, Reporting)
	step(t, b, Claiming)

	step(t, a, Claiming)
	assert.Equal(t, 2, runs)

	j, err := h.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Succeeded, j.Status)
	assert.Equal(t, 2, j.Attempts)
}

// failingLifecycle reports the store as unavailable for every call.
type failingLifecycle struct{ calls int }

func (f *failingLifecycle) Claim(context.Context, domain.WorkerContext) (*domain.Job, error) {
	f.calls++
	return nil, errors.Wrap(domain.ErrStoreUnavailable, "dial tcp")
}

func (f *failingLifecycle) Succeed(context.Context, domain.WorkerContext, string) (*domain.Job, error) {
	return nil, domain.ErrStoreUnavailable
}

func (f *failingLifecycle) Fail(context.Context, domain.WorkerContext, string, string) (*domain.Job, error) {
	return nil, domain.ErrStoreUnavailable
}

func (f *failingLifecycle) Heartbeat(context.Context, domain.WorkerContext, string) (*domain.Job, error) {
	return nil, domain.ErrStoreUnavailable
}

func TestStoreLossIsFatalAfterRetries(t *testing.T) {
	lc := &failingLifecycle{}
	r := &retry.StoreRetrier{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsed: 20 * time.Millisecond}
	w := New(Config{ID: "w1", LeaseDuration: time.Second, IdleInterval: time.Second},
		lc, NewRegistry(), zaptest.NewLogger(t), WithStoreRetrier(r))

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Greater(t, lc.calls, 1)
	assert.Equal(t, Stopped, w.State())
}

func TestRunFinishesJobOnShutdown(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.registry.Register("last", func(hctx context.Context, _ json.RawMessage) error {
		cancel()
		// Handlers are not cancelled by shutdown.
		assert.NoError(t, hctx.Err())
		return nil
	})
	job := h.enqueue(t, domain.EnqueueRequest{Type: "last"})
	w := h.worker(t, "w1")

	require.NoError(t, w.Run(ctx))
	assert.Equal(t, Stopped, w.State())

	j, err := h.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Succeeded, j.Status)
}

func TestPoolNamesAndDrains(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	seen := map[string]int{}
	h.registry.Register("n", func(context.Context, json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seen["n"]++
		return nil
	})
	for i := 0; i < 10; i++ {
		h.enqueue(t, domain.EnqueueRequest{Type: "n"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(3, Config{ID: "host", LeaseDuration: 30 * time.Second, IdleInterval: time.Millisecond},
		h.svc, h.registry, zaptest.NewLogger(t), WithClock(clock.C))

	var ids []string
	for _, w := range p.Workers() {
		ids = append(ids, w.ID())
	}
	assert.Equal(t, []string{"host-1", "host-2", "host-3"}, ids)

	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := h.svc.Stats(context.Background())
		return err == nil && stats[domain.Succeeded] == 10
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, seen["n"])
}

func TestHeartbeatExtendsLease(t *testing.T) {
	h := newHarness(t)
	var jobID string
	var extended time.Time
	h.registry.Register("long", func(context.Context, json.RawMessage) error {
		claimedAt := h.clock.Now()
		h.clock.AddTime(10 * time.Second)
		require.Eventually(t, func() bool {
			j, err := h.svc.Get(context.Background(), jobID)
			if err != nil || j.LeaseExpiresAt == nil {
				return false
			}
			extended = *j.LeaseExpiresAt
			return extended.After(claimedAt.Add(30 * time.Second))
		}, 2*time.Second, 5*time.Millisecond)
		return nil
	})
	jobID = h.enqueue(t, domain.EnqueueRequest{Type: "long"}).ID

	w := New(Config{ID: "w1", LeaseDuration: 30 * time.Second, IdleInterval: time.Second, HeartbeatInterval: 10 * time.Second},
		h.svc, h.registry, zaptest.NewLogger(t), WithClock(h.clock), WithSleeper(h.sleeper))
	step(t, w, Executing)
	step(t, w, Reporting)
	step(t, w, Claiming)
	assert.False(t, extended.IsZero())

	j, err := h.svc.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.Succeeded, j.Status)
}

func TestRegistryTypes(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, json.RawMessage) error { return nil }
	r.Register("b", noop)
	r.Register("a", noop)
	assert.Equal(t, []string{"a", "b"}, r.Types())
	_, ok := r.Lookup("c")
	assert.False(t, ok)
}
