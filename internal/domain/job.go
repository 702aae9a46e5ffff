package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Queued    Status = "queued"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{Queued, Running, Succeeded, Failed}

func (s Status) Terminal() bool { return s == Succeeded || s == Failed }

const (
	DefaultPriority    = 0
	DefaultMaxAttempts = 5
	MinMaxAttempts     = 1
	MaxMaxAttempts     = 100
)

type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	RunAt          time.Time       `json:"run_at"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LockedBy       *string         `json:"locked_by"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at"`
	IdempotencyKey *string         `json:"idempotency_key"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Claimable reports whether a claimant may take the job at now: a due queued
// job, or a running job whose lease lapsed with attempts left.
func (j *Job) Claimable(now time.Time) bool {
	switch j.Status {
	case Queued:
		return !j.RunAt.After(now)
	case Running:
		return j.LeaseExpired(now) && j.Attempts < j.MaxAttempts
	}
	return false
}

// LeaseExpired is true for a running job whose lease ended strictly before now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == Running && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}

// HeldBy reports whether workerID owns the job's current lease.
func (j *Job) HeldBy(workerID string) bool {
	return j.Status == Running && j.LockedBy != nil && *j.LockedBy == workerID
}

// AttemptsExhausted is true once another failure would be terminal.
func (j *Job) AttemptsExhausted() bool { return j.Attempts >= j.MaxAttempts }

// Clone returns a deep copy so callers cannot alias store-owned rows.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	c.LockedBy = cloneString(j.LockedBy)
	c.IdempotencyKey = cloneString(j.IdempotencyKey)
	c.LastError = cloneString(j.LastError)
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// WorkerContext identifies a claimant and the lease it takes on each claim.
// It lives as long as the worker process.
type WorkerContext struct {
	ID            string
	LeaseDuration time.Duration
}
