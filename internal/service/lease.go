package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/storage"
)

// Heartbeat pushes the lease of a job still held by w to now + w.LeaseDuration.
func (s *Service) Heartbeat(ctx context.Context, w domain.WorkerContext, jobID string) (*domain.Job, error) {
	if err := validWorker(w); err != nil {
		return nil, err
	}
	return s.transition(ctx, storage.Transition{
		Kind:          storage.Extend,
		JobID:         jobID,
		WorkerID:      w.ID,
		Now:           s.now(),
		LeaseDuration: w.LeaseDuration,
	})
}

// Reap dead-letters running jobs whose lease expired after their final
// attempt. Expired leases with attempts left need no action: they are
// claimable again as they stand.
func (s *Service) Reap(ctx context.Context) ([]*domain.Job, error) {
	reaped, err := s.store.ReapExpired(ctx, s.now())
	if err != nil {
		return nil, err
	}
	if len(reaped) > 0 {
		s.metrics.Reaped(len(reaped))
		for _, j := range reaped {
			s.metrics.Outcome(j.Type, OutcomeFailed)
			s.log.Warn("expired lease dead-lettered",
				zap.String("job_id", j.ID),
				zap.String("type", j.Type),
				zap.Int("attempts", j.Attempts))
		}
	}
	return reaped, nil
}
