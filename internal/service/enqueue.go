package service

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

// Enqueue validates req and inserts a queued job. When req carries an
// idempotency key that already exists for the same type, the existing job is
// returned unchanged with created == false.
func (s *Service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Job, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	j := req.NewJob(s.newID(), s.now())
	inserted, err := s.store.Insert(ctx, j)
	switch {
	case err == nil:
		s.metrics.Enqueued(inserted.Type, true)
		s.log.Debug("job enqueued",
			zap.String("job_id", inserted.ID),
			zap.String("type", inserted.Type),
			zap.Time("run_at", inserted.RunAt))
		s.ring(ctx, inserted)
		return inserted, true, nil

	case errors.Is(err, domain.ErrDuplicateKey) && req.IdempotencyKey != nil:
		existing, gerr := s.store.GetByIdempotencyKey(ctx, req.Type, *req.IdempotencyKey)
		if gerr != nil {
			if errors.Is(gerr, domain.ErrNotFound) {
				// The unique index rejected us but the row is gone; nothing
				// sane to return.
				return nil, false, errors.Wrapf(domain.ErrInternal,
					"idempotency key %q for type %q collided but no row found", *req.IdempotencyKey, req.Type)
			}
			return nil, false, gerr
		}
		s.metrics.Enqueued(existing.Type, false)
		s.log.Debug("enqueue deduplicated",
			zap.String("job_id", existing.ID),
			zap.String("type", existing.Type))
		return existing, false, nil

	default:
		return nil, false, err
	}
}

func (s *Service) ring(ctx context.Context, j *domain.Job) {
	if s.doorbell == nil {
		return
	}
	if err := s.doorbell.Ring(ctx, j); err != nil {
		s.log.Warn("doorbell ring failed", zap.String("job_id", j.ID), zap.Error(err))
	}
}
