package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/service"
	"github.com/SirClappington/jobq/internal/storage/memory"
)

type follower struct{ err error }

func (f follower) TryAcquire(context.Context) (bool, error) { return false, f.err }
func (follower) Release(context.Context)                    {}

type countingReaper struct{ calls int }

func (c *countingReaper) Reap(context.Context) ([]*domain.Job, error) {
	c.calls++
	return nil, nil
}

func TestFollowerDoesNothing(t *testing.T) {
	rp := &countingReaper{}
	log := zaptest.NewLogger(t)

	assert.False(t, New(rp, follower{}, time.Second, log).Tick(context.Background()))
	assert.False(t, New(rp, follower{err: errors.New("conn refused")}, time.Second, log).Tick(context.Background()))
	assert.Zero(t, rp.calls)

	assert.True(t, New(rp, Solo{}, time.Second, log).Tick(context.Background()))
	assert.Equal(t, 1, rp.calls)
}

func TestTickReapsAndMovesDue(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	mc := clock.NewMockClock()

	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	defer rdb.Close()
	bell := queue.New(rdb, queue.WithClock(mc))

	svc := service.New(memory.New(), log, service.WithClock(mc), service.WithDoorbell(bell))
	w := domain.WorkerContext{ID: "w", LeaseDuration: time.Second}

	stuck, _, err := svc.Enqueue(ctx, domain.EnqueueRequest{Type: "once", MaxAttempts: domain.Ptr(1)})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, w)
	require.NoError(t, err)
	_, err = bell.Dequeue(ctx, time.Millisecond)
	require.NoError(t, err)

	later := mc.Now().Add(time.Minute)
	_, _, err = svc.Enqueue(ctx, domain.EnqueueRequest{Type: "later", RunAt: &later})
	require.NoError(t, err)

	mc.AddTime(2 * time.Minute)
	s := New(svc, Solo{}, time.Second, log, WithMover(bell), WithClock(mc))
	require.True(t, s.Tick(ctx))

	j, err := svc.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, j.Status)

	ready, err := mr.List("jobq:ready")
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(&countingReaper{}, Solo{}, time.Hour, zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
