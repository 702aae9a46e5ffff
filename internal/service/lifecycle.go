package service

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/storage"
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Succeed marks a job leased by w as succeeded.
func (s *Service) Succeed(ctx context.Context, w domain.WorkerContext, jobID string) (*domain.Job, error) {
	j, err := s.transition(ctx, storage.Transition{
		Kind:     storage.Succeed,
		JobID:    jobID,
		WorkerID: w.ID,
		Now:      s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Outcome(j.Type, OutcomeSucceeded)
	s.log.Debug("job succeeded", zap.String("job_id", j.ID), zap.String("worker_id", w.ID))
	return j, nil
}

// Fail reports a failed execution. The job is re-queued after the policy's
// backoff while attempts remain, and dead-lettered once they are exhausted.
// The choice is made by the store under the row lock, so it always sees the
// attempts of the lease being reported on.
func (s *Service) Fail(ctx context.Context, w domain.WorkerContext, jobID, reason string) (*domain.Job, error) {
	j, err := s.transition(ctx, storage.Transition{
		Kind:     storage.Failure,
		JobID:    jobID,
		WorkerID: w.ID,
		Now:      s.now(),
		Backoff:  s.policy.Delay,
		Error:    reason,
	})
	if err != nil {
		return nil, err
	}

	outcome := OutcomeRetried
	if j.Status == domain.Failed {
		outcome = OutcomeFailed
	}
	s.metrics.Outcome(j.Type, outcome)

	fields := []zap.Field{
		zap.String("job_id", j.ID),
		zap.String("type", j.Type),
		zap.String("worker_id", w.ID),
		zap.Int("attempts", j.Attempts),
		zap.Int("max_attempts", j.MaxAttempts),
		zap.String("reason", reason),
	}
	if outcome == OutcomeFailed {
		s.log.Warn("job dead-lettered", fields...)
	} else {
		s.log.Info("job scheduled for retry", append(fields, zap.Time("run_at", j.RunAt))...)
		s.ring(ctx, j)
	}
	return j, nil
}

func (s *Service) transition(ctx context.Context, t storage.Transition) (*domain.Job, error) {
	j, err := s.store.Transition(ctx, t)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.metrics.Conflict()
			s.log.Info("lease no longer held",
				zap.String("job_id", t.JobID),
				zap.String("worker_id", t.WorkerID),
				zap.String("kind", string(t.Kind)))
		}
		return nil, err
	}
	return j, nil
}
