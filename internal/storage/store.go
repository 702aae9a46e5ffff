// Package storage defines the job store contract shared by every driver.
//
// A store is the only coordination point between workers: ClaimOne must hand a
// given eligible row to exactly one caller even when many claim concurrently,
// and every Transition is guarded by the caller's lease.
package storage

import (
	"context"
	"time"

	"github.com/SirClappington/jobq/internal/domain"
)

type Store interface {
	// Insert persists a new queued job. It returns domain.ErrDuplicateKey when
	// a job with the same (type, idempotency_key) already exists.
	Insert(ctx context.Context, j *domain.Job) (*domain.Job, error)

	// Get returns domain.ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// GetByIdempotencyKey returns domain.ErrNotFound when no row matches.
	GetByIdempotencyKey(ctx context.Context, jobType, key string) (*domain.Job, error)

	// ClaimOne atomically selects at most one claimable job, marks it running
	// and leased to p.WorkerID, and increments its attempts. It returns
	// (nil, nil) when nothing is claimable.
	ClaimOne(ctx context.Context, p ClaimParams) (*domain.Job, error)

	// Transition applies a lifecycle change to a job leased by t.WorkerID.
	// It returns domain.ErrNotFound for an unknown id and domain.ErrConflict
	// when the job is no longer running under that worker's lease.
	Transition(ctx context.Context, t Transition) (*domain.Job, error)

	// ReapExpired moves running jobs whose lease lapsed before now and whose
	// attempts are exhausted to failed, returning the rows it changed.
	ReapExpired(ctx context.Context, now time.Time) ([]*domain.Job, error)

	// Stats counts jobs per status.
	Stats(ctx context.Context) (map[domain.Status]int64, error)

	Ping(ctx context.Context) error
	Close() error
}

type ClaimParams struct {
	WorkerID      string
	LeaseDuration time.Duration
	Now           time.Time
	// PriorityOrdering puts priority ASC ahead of (run_at, id).
	PriorityOrdering bool
}

type TransitionKind string

const (
	// Succeed: running -> succeeded.
	Succeed TransitionKind = "succeed"
	// Retry: running -> queued with a new run_at.
	Retry TransitionKind = "retry"
	// Fail: running -> failed (dead-letter).
	Fail TransitionKind = "fail"
	// Failure picks Retry or Fail from the row's attempts under the same lock
	// that guards the lease, with Backoff(attempts) as the retry delay.
	Failure TransitionKind = "failure"
	// Extend pushes lease_expires_at to Now + LeaseDuration.
	Extend TransitionKind = "extend"
)

type Transition struct {
	Kind     TransitionKind
	JobID    string
	WorkerID string
	Now      time.Time

	// RunAt is the next eligibility time for Retry.
	RunAt time.Time
	// LeaseDuration is used by Extend.
	LeaseDuration time.Duration
	// Backoff is used by Failure.
	Backoff func(attempts int) time.Duration
	// Error is recorded as last_error on Retry, Fail and Failure.
	Error string
}

// Resolve turns a Failure into the concrete Retry or Fail for j. Other kinds
// are returned unchanged.
func (t Transition) Resolve(j *domain.Job) Transition {
	if t.Kind != Failure {
		return t
	}
	if j.AttemptsExhausted() {
		t.Kind = Fail
		return t
	}
	t.Kind = Retry
	t.RunAt = t.Now
	if t.Backoff != nil {
		if d := t.Backoff(j.Attempts); d > 0 {
			t.RunAt = t.Now.Add(d)
		}
	}
	return t
}

// Apply mutates j in place according to t. Drivers that load the row first
// share this so every store agrees on the resulting columns.
func (t Transition) Apply(j *domain.Job) {
	t = t.Resolve(j)
	switch t.Kind {
	case Succeed:
		j.Status = domain.Succeeded
		j.LockedBy = nil
		j.LeaseExpiresAt = nil
		j.LastError = nil
	case Retry:
		j.Status = domain.Queued
		j.RunAt = t.RunAt
		j.LockedBy = nil
		j.LeaseExpiresAt = nil
		j.LastError = nonEmpty(t.Error)
	case Fail:
		j.Status = domain.Failed
		j.LockedBy = nil
		j.LeaseExpiresAt = nil
		j.LastError = nonEmpty(t.Error)
	case Extend:
		exp := t.Now.Add(t.LeaseDuration)
		j.LeaseExpiresAt = &exp
	}
	j.UpdatedAt = t.Now
}

// Claim mutates j into the leased state for p.
func (p ClaimParams) Claim(j *domain.Job) {
	exp := p.Now.Add(p.LeaseDuration)
	worker := p.WorkerID
	j.Status = domain.Running
	j.LockedBy = &worker
	j.LeaseExpiresAt = &exp
	j.Attempts++
	j.UpdatedAt = p.Now
}

// ReapReason is recorded as last_error on jobs dead-lettered by ReapExpired.
const ReapReason = "lease expired with attempts exhausted"

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Before reports whether a is claimed ahead of b: (run_at, id) ascending,
// preceded by priority ascending when priorityOrdering is on.
func Before(a, b *domain.Job, priorityOrdering bool) bool {
	if priorityOrdering && a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.ID < b.ID
}
