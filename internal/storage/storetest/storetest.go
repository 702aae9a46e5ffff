// Package storetest is a contract suite every storage.Store driver must pass.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/storage"
)

// Factory returns an empty store; cleanup is registered on t.
type Factory func(t *testing.T) storage.Store

// Base is the fixed instant the suite measures time from. Microsecond
// precision keeps it exact across every driver's timestamp type.
var Base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, storage.Store)
	}{
		{"InsertGet", testInsertGet},
		{"IdempotencyKey", testIdempotencyKey},
		{"ClaimOrder", testClaimOrder},
		{"ClaimPriorityOrdering", testClaimPriorityOrdering},
		{"ClaimSkipsFuture", testClaimSkipsFuture},
		{"FarFutureRunAt", testFarFutureRunAt},
		{"ClaimConcurrent", testClaimConcurrent},
		{"LeaseExpiryReclaim", testLeaseExpiryReclaim},
		{"Transitions", testTransitions},
		{"TransitionGuards", testTransitionGuards},
		{"FailureResolvesRetryThenFail", testFailureResolves},
		{"ReapExpired", testReapExpired},
		{"Stats", testStats},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// NewJob builds a queued job due at runAt.
func NewJob(jobType string, runAt time.Time) *domain.Job {
	return domain.EnqueueRequest{
		Type:    jobType,
		Payload: json.RawMessage(`{"n":1}`),
		RunAt:   &runAt,
	}.NewJob(uuid.NewString(), Base)
}

func insert(t *testing.T, s storage.Store, j *domain.Job) *domain.Job {
	t.Helper()
	got, err := s.Insert(context.Background(), j)
	require.NoError(t, err)
	return got
}

func claim(t *testing.T, s storage.Store, worker string, lease time.Duration, now time.Time) *domain.Job {
	t.Helper()
	j, err := s.ClaimOne(context.Background(), storage.ClaimParams{WorkerID: worker, LeaseDuration: lease, Now: now})
	require.NoError(t, err)
	return j
}

func testInsertGet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	j := NewJob("email", Base)
	j.Priority = 4
	j.MaxAttempts = 2
	insert(t, s, j)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "email", got.Type)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	assert.Equal(t, domain.Queued, got.Status)
	assert.True(t, Base.Equal(got.RunAt))
	assert.Equal(t, 4, got.Priority)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 2, got.MaxAttempts)
	assert.Nil(t, got.LockedBy)
	assert.Nil(t, got.LeaseExpiresAt)
	assert.Nil(t, got.IdempotencyKey)

	_, err = s.Get(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)
}

func testIdempotencyKey(t *testing.T, s storage.Store) {
	ctx := context.Background()

	a := NewJob("email", Base)
	a.IdempotencyKey = domain.Ptr("abc")
	insert(t, s, a)

	b := NewJob("email", Base)
	b.IdempotencyKey = domain.Ptr("abc")
	_, err := s.Insert(ctx, b)
	assert.True(t, errors.Is(err, domain.ErrDuplicateKey), "got %v", err)

	// Same key under another type is a different job.
	c := NewJob("sms", Base)
	c.IdempotencyKey = domain.Ptr("abc")
	insert(t, s, c)

	// Jobs without a key never collide.
	insert(t, s, NewJob("email", Base))
	insert(t, s, NewJob("email", Base))

	got, err := s.GetByIdempotencyKey(ctx, "email", "abc")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = s.GetByIdempotencyKey(ctx, "email", "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)
}

func testClaimOrder(t *testing.T, s storage.Store) {
	late := insert(t, s, NewJob("t", Base.Add(-time.Second)))
	early := insert(t, s, NewJob("t", Base.Add(-time.Minute)))

	// Equal run_at ties break on id.
	tieA := NewJob("t", Base.Add(-time.Hour))
	tieA.ID = "00000000-0000-4000-8000-00000000000a"
	tieB := NewJob("t", Base.Add(-time.Hour))
	tieB.ID = "00000000-0000-4000-8000-00000000000b"
	insert(t, s, tieB)
	insert(t, s, tieA)

	want := []string{tieA.ID, tieB.ID, early.ID, late.ID}
	for i, id := range want {
		j := claim(t, s, fmt.Sprintf("w%d", i), time.Minute, Base)
		require.NotNil(t, j, "claim %d", i)
		assert.Equal(t, id, j.ID, "claim %d", i)
	}
	assert.Nil(t, claim(t, s, "w", time.Minute, Base))
}

func testClaimPriorityOrdering(t *testing.T, s storage.Store) {
	old := NewJob("t", Base.Add(-time.Hour))
	old.Priority = 5
	insert(t, s, old)
	urgent := NewJob("t", Base.Add(-time.Second))
	urgent.Priority = -1
	insert(t, s, urgent)

	p := storage.ClaimParams{WorkerID: "w", LeaseDuration: time.Minute, Now: Base, PriorityOrdering: true}
	j, err := s.ClaimOne(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, urgent.ID, j.ID)

	j, err = s.ClaimOne(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, old.ID, j.ID)
}

func testClaimSkipsFuture(t *testing.T, s storage.Store) {
	j := insert(t, s, NewJob("t", Base.Add(time.Minute)))
	assert.Nil(t, claim(t, s, "w", time.Minute, Base))

	got := claim(t, s, "w", time.Minute, Base.Add(time.Minute))
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)
}

func testFarFutureRunAt(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, runAt := range []time.Time{
		time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC),
		domain.MaxRunAt,
	} {
		j := insert(t, s, NewJob("t", runAt))
		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.True(t, runAt.Equal(got.RunAt), "stored run_at %s, want %s", got.RunAt, runAt)
	}
	assert.Nil(t, claim(t, s, "w", time.Minute, Base))
}

func testClaimConcurrent(t *testing.T, s storage.Store) {
	const (
		jobs    = 40
		workers = 8
	)
	for range jobs {
		insert(t, s, NewJob("t", Base.Add(-time.Second)))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		dupes   []string
		wg      sync.WaitGroup
		errs    = make(chan error, workers)
	)
	for w := range workers {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				j, err := s.ClaimOne(context.Background(), storage.ClaimParams{
					WorkerID: worker, LeaseDuration: time.Minute, Now: Base,
				})
				if err != nil {
					errs <- err
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				if _, ok := claimed[j.ID]; ok {
					dupes = append(dupes, j.ID)
				}
				claimed[j.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Empty(t, dupes)
	assert.Len(t, claimed, jobs)
	for id, worker := range claimed {
		j, err := s.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.Running, j.Status)
		require.NotNil(t, j.LockedBy)
		assert.Equal(t, worker, *j.LockedBy)
		assert.Equal(t, 1, j.Attempts)
	}
}

func testLeaseExpiryReclaim(t *testing.T, s storage.Store) {
	ctx := context.Background()
	lease := 30 * time.Second
	insert(t, s, NewJob("t", Base))

	a := claim(t, s, "worker-a", lease, Base)
	require.NotNil(t, a)
	assert.Equal(t, 1, a.Attempts)
	require.NotNil(t, a.LeaseExpiresAt)
	assert.True(t, Base.Add(lease).Equal(*a.LeaseExpiresAt))

	assert.Nil(t, claim(t, s, "worker-b", lease, Base.Add(lease/2)))
	// lease_expires_at < now is strict.
	assert.Nil(t, claim(t, s, "worker-b", lease, Base.Add(lease)))

	b := claim(t, s, "worker-b", lease, Base.Add(lease+time.Second))
	require.NotNil(t, b)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 2, b.Attempts)
	require.NotNil(t, b.LockedBy)
	assert.Equal(t, "worker-b", *b.LockedBy)

	// The first holder lost the lease.
	_, err := s.Transition(ctx, storage.Transition{Kind: storage.Succeed, JobID: a.ID, WorkerID: "worker-a", Now: Base.Add(lease * 2)})
	assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)

	done, err := s.Transition(ctx, storage.Transition{Kind: storage.Succeed, JobID: a.ID, WorkerID: "worker-b", Now: Base.Add(lease * 2)})
	require.NoError(t, err)
	assert.Equal(t, domain.Succeeded, done.Status)
}

func testTransitions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	lease := time.Minute

	insert(t, s, NewJob("t", Base))
	j := claim(t, s, "w", lease, Base)
	require.NotNil(t, j)

	// Extend.
	now := Base.Add(10 * time.Second)
	got, err := s.Transition(ctx, storage.Transition{Kind: storage.Extend, JobID: j.ID, WorkerID: "w", Now: now, LeaseDuration: lease})
	require.NoError(t, err)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, now.Add(lease).Equal(*got.LeaseExpiresAt))
	assert.Equal(t, domain.Running, got.Status)

	// Retry.
	now = Base.Add(20 * time.Second)
	retryAt := now.Add(8 * time.Second)
	got, err = s.Transition(ctx, storage.Transition{Kind: storage.Retry, JobID: j.ID, WorkerID: "w", Now: now, RunAt: retryAt, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, got.Status)
	assert.True(t, retryAt.Equal(got.RunAt))
	assert.Nil(t, got.LockedBy)
	assert.Nil(t, got.LeaseExpiresAt)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, now.Equal(got.UpdatedAt))

	assert.Nil(t, claim(t, s, "w", lease, retryAt.Add(-time.Second)))
	j = claim(t, s, "w", lease, retryAt)
	require.NotNil(t, j)
	assert.Equal(t, 2, j.Attempts)

	// Fail.
	got, err = s.Transition(ctx, storage.Transition{Kind: storage.Fail, JobID: j.ID, WorkerID: "w", Now: retryAt, Error: "fatal"})
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, got.Status)
	assert.Nil(t, got.LockedBy)
	assert.Nil(t, got.LeaseExpiresAt)
	assert.Equal(t, "fatal", *got.LastError)

	stored, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, stored.Status)
	assert.Equal(t, 2, stored.Attempts)

	// Terminal rows are never claimed again.
	assert.Nil(t, claim(t, s, "w", lease, retryAt.Add(time.Hour)))
}

func testTransitionGuards(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.Transition(ctx, storage.Transition{Kind: storage.Succeed, JobID: uuid.NewString(), WorkerID: "w", Now: Base})
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

	queued := insert(t, s, NewJob("t", Base.Add(time.Hour)))
	_, err = s.Transition(ctx, storage.Transition{Kind: storage.Succeed, JobID: queued.ID, WorkerID: "w", Now: Base})
	assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)

	insert(t, s, NewJob("t", Base))
	j := claim(t, s, "owner", time.Minute, Base)
	require.NotNil(t, j)
	_, err = s.Transition(ctx, storage.Transition{Kind: storage.Fail, JobID: j.ID, WorkerID: "intruder", Now: Base})
	assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)

	_, err = s.Transition(ctx, storage.Transition{Kind: storage.Succeed, JobID: j.ID, WorkerID: "owner", Now: Base})
	require.NoError(t, err)
	// A second report after completion conflicts.
	_, err = s.Transition(ctx, storage.Transition{Kind: storage.Succeed, JobID: j.ID, WorkerID: "owner", Now: Base})
	assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)
}

func testReapExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	lease := time.Minute

	exhausted := NewJob("t", Base.Add(-2*time.Second))
	exhausted.MaxAttempts = 1
	insert(t, s, exhausted)
	spare := NewJob("t", Base.Add(-time.Second))
	spare.MaxAttempts = 3
	insert(t, s, spare)

	require.NotNil(t, claim(t, s, "w", lease, Base))
	require.NotNil(t, claim(t, s, "w", lease, Base))

	reaped, err := s.ReapExpired(ctx, Base.Add(lease/2))
	require.NoError(t, err)
	assert.Empty(t, reaped)

	after := Base.Add(lease + time.Second)
	// The exhausted job is no longer claimable even though its lease lapsed.
	j := claim(t, s, "other", lease, after)
	require.NotNil(t, j)
	assert.Equal(t, spare.ID, j.ID)
	assert.Nil(t, claim(t, s, "other", lease, after))

	reaped, err = s.ReapExpired(ctx, after)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, exhausted.ID, reaped[0].ID)
	assert.Equal(t, domain.Failed, reaped[0].Status)

	got, err := s.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.LockedBy)
	require.NotNil(t, got.LastError)
	assert.Equal(t, storage.ReapReason, *got.LastError)
}

func testStats(t *testing.T, s storage.Store) {
	ctx := context.Background()
	insert(t, s, NewJob("t", Base))
	insert(t, s, NewJob("t", Base))
	insert(t, s, NewJob("t", Base.Add(time.Hour)))

	j := claim(t, s, "w", time.Minute, Base)
	require.NotNil(t, j)
	_, err := s.Transition(ctx, storage.Transition{Kind: storage.Succeed, JobID: j.ID, WorkerID: "w", Now: Base})
	require.NoError(t, err)
	require.NotNil(t, claim(t, s, "w", time.Minute, Base))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[domain.Queued])
	assert.Equal(t, int64(1), stats[domain.Running])
	assert.Equal(t, int64(1), stats[domain.Succeeded])
	assert.Equal(t, int64(0), stats[domain.Failed])

	require.NoError(t, s.Ping(ctx))
}

func testFailureResolves(t *testing.T, s storage.Store) {
	ctx := context.Background()
	lease := time.Minute
	backoff := func(attempts int) time.Duration { return time.Duration(attempts) * 10 * time.Second }

	j := NewJob("email", Base)
	j.MaxAttempts = 2
	insert(t, s, j)

	c := claim(t, s, "w", lease, Base)
	require.NotNil(t, c)
	assert.Equal(t, 1, c.Attempts)

	failedAt := Base.Add(time.Second)
	got, err := s.Transition(ctx, storage.Transition{Kind: storage.Failure, JobID: j.ID, WorkerID: "w", Now: failedAt, Backoff: backoff, Error: "smtp down"})
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, failedAt.Add(10*time.Second).Equal(got.RunAt), "run_at %v", got.RunAt)

	c = claim(t, s, "w", lease, got.RunAt)
	require.NotNil(t, c)
	assert.Equal(t, 2, c.Attempts)

	got, err = s.Transition(ctx, storage.Transition{Kind: storage.Failure, JobID: j.ID, WorkerID: "w", Now: got.RunAt, Backoff: backoff, Error: "smtp down"})
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.LockedBy)
}
