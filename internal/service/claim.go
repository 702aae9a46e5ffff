package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/storage"
)

// Claim leases at most one eligible job to w. It returns (nil, nil) when
// nothing is claimable right now.
func (s *Service) Claim(ctx context.Context, w domain.WorkerContext) (*domain.Job, error) {
	if err := validWorker(w); err != nil {
		return nil, err
	}
	j, err := s.store.ClaimOne(ctx, storage.ClaimParams{
		WorkerID:         w.ID,
		LeaseDuration:    w.LeaseDuration,
		Now:              s.now(),
		PriorityOrdering: s.priorityOrdering,
	})
	if err != nil || j == nil {
		return nil, err
	}
	s.metrics.Claimed(j.Type)
	s.log.Debug("job claimed",
		zap.String("job_id", j.ID),
		zap.String("type", j.Type),
		zap.String("worker_id", w.ID),
		zap.Int("attempts", j.Attempts))
	return j, nil
}

func validWorker(w domain.WorkerContext) error {
	var fields []domain.FieldError
	if w.ID == "" {
		fields = append(fields, domain.FieldError{Field: "worker_id", Message: "must not be empty"})
	}
	if w.LeaseDuration <= 0 {
		fields = append(fields, domain.FieldError{Field: "lease_duration", Message: "must be positive"})
	}
	if len(fields) > 0 {
		return &domain.ValidationError{Fields: fields}
	}
	return nil
}
