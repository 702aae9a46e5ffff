// Package queue is the redis side channel of the job store. Postgres (or
// whichever store is configured) stays authoritative for ownership; redis only
// carries wake-up signals so idle workers do not have to sleep a full poll
// interval after an enqueue.
//
// Due jobs push their id onto a ready list that idle workers BRPOP. Jobs
// scheduled in the future sit in a sorted set scored by run_at until the
// scheduler moves them onto the ready list.
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/jobq/internal/domain"
)

const (
	defaultPrefix = "jobq"
	// maxReady caps the ready list. Signals past the cap carry no
	// information a claim would not find on its own.
	maxReady = 10000
)

type RedisQ struct {
	rdb   r.UniversalClient
	clock clock.Clock
	ready string
	delay string
}

type Option func(*RedisQ)

// WithPrefix namespaces the redis keys; the default is "jobq".
func WithPrefix(p string) Option {
	return func(q *RedisQ) {
		q.ready = p + ":ready"
		q.delay = p + ":delay"
	}
}

func WithClock(c clock.Clock) Option { return func(q *RedisQ) { q.clock = c } }

func New(rdb r.UniversalClient, opts ...Option) *RedisQ {
	q := &RedisQ{rdb: rdb, clock: clock.C}
	WithPrefix(defaultPrefix)(q)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Ring signals that j may be claimable: immediately when it is due, or once
// the scheduler moves it off the delayed set.
func (q *RedisQ) Ring(ctx context.Context, j *domain.Job) error {
	if j.RunAt.After(q.clock.Now()) {
		err := q.rdb.ZAdd(ctx, q.delay, r.Z{Score: float64(j.RunAt.Unix()), Member: j.ID}).Err()
		return classify(err, "zadd delayed")
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.ready, j.ID)
	pipe.LTrim(ctx, q.ready, 0, maxReady-1)
	_, err := pipe.Exec(ctx)
	return classify(err, "push ready")
}

// Dequeue pops one signal, blocking up to block. It returns "" on timeout.
func (q *RedisQ) Dequeue(ctx context.Context, block time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, block, q.ready).Result()
	if errors.Is(err, r.Nil) {
		return "", nil
	}
	if err != nil {
		return "", classify(err, "brpop ready")
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

// Wait blocks an idle worker until a signal arrives or d elapses. A redis
// failure falls back to sleeping out d so a broken side channel only costs
// latency.
func (q *RedisQ) Wait(ctx context.Context, d time.Duration) error {
	start := q.clock.Now()
	if _, err := q.Dequeue(ctx, d); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rest := d - q.clock.Now().Sub(start)
		if rest <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.clock.After(rest):
		}
	}
	return ctx.Err()
}

// MoveDue moves up to batch delayed ids with run_at <= now onto the ready
// list and returns how many it moved.
func (q *RedisQ) MoveDue(ctx context.Context, now time.Time, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.delay, &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, classify(err, "range delayed")
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, q.ready, id)
		pipe.ZRem(ctx, q.delay, id)
	}
	pipe.LTrim(ctx, q.ready, 0, maxReady-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, classify(err, "move due")
	}
	return len(ids), nil
}

// Ping reports redis connectivity.
func (q *RedisQ) Ping(ctx context.Context) error {
	return classify(q.rdb.Ping(ctx).Err(), "ping")
}

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(domain.ErrStoreUnavailable, "redis %s: %v", op, err)
}
