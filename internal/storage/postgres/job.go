package postgres

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/storage"
)

const jobColumns = `id::text, type, payload, status, run_at, priority, attempts, max_attempts,
	locked_by, lease_expires_at, idempotency_key, last_error, created_at, updated_at`

func (s *Store) Insert(ctx context.Context, j *domain.Job) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `insert into jobs (
id, type, payload, status, run_at, priority, attempts, max_attempts,
idempotency_key, created_at, updated_at
) values ($1::uuid, $2, $3::jsonb, $4, $5, $6, $7, $8, $9, $10, $11)
returning `+jobColumns,
		j.ID, j.Type, []byte(j.Payload), string(j.Status), j.RunAt, j.Priority, j.Attempts, j.MaxAttempts,
		j.IdempotencyKey, j.CreatedAt, j.UpdatedAt,
	)
	out, err := scanJob(row)
	if err != nil {
		if isDuplicateKey(err) && j.IdempotencyKey != nil {
			return nil, domain.ErrDuplicateKey
		}
		return nil, classify(err, "insert job")
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	j, err := scanJob(s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, classify(err, "get job")
	}
	return j, nil
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, jobType, key string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`select `+jobColumns+` from jobs where type = $1 and idempotency_key = $2 limit 1`,
		jobType, key,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, classify(err, "get job by idempotency key")
	}
	return j, nil
}

const claimSelect = `select id::text from jobs
 where (status = 'queued' and run_at <= $1)
    or (status = 'running' and lease_expires_at < $1 and attempts < max_attempts)
 order by `

// ClaimOne runs select-for-update-skip-locked and the lease update in one
// transaction.
func (s *Store) ClaimOne(ctx context.Context, p storage.ClaimParams) (*domain.Job, error) {
	order := "run_at asc, id asc"
	if p.PriorityOrdering {
		order = "priority asc, run_at asc, id asc"
	}

	var claimed *domain.Job
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, claimSelect+order+` for update skip locked limit 1`, p.Now).Scan(&id)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}

		claimed, err = scanJob(tx.QueryRow(ctx, `update jobs
   set status = 'running',
       locked_by = $2,
       lease_expires_at = $3,
       attempts = attempts + 1,
       updated_at = $4
 where id = $1
returning `+jobColumns,
			id, p.WorkerID, p.Now.Add(p.LeaseDuration), p.Now,
		))
		return err
	})
	if err != nil {
		return nil, classify(err, "claim job")
	}
	return claimed, nil
}

// Transition locks the row, checks the caller's lease, and writes the result
// of storage.Transition.Apply back.
func (s *Store) Transition(ctx context.Context, t storage.Transition) (*domain.Job, error) {
	if _, err := uuid.Parse(t.JobID); err != nil {
		return nil, domain.ErrNotFound
	}
	var out *domain.Job
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1 for update`, t.JobID))
		if isNoRows(err) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if !j.HeldBy(t.WorkerID) {
			return domain.ErrConflict
		}

		t.Apply(j)
		out, err = scanJob(tx.QueryRow(ctx, `update jobs
   set status = $2, run_at = $3, locked_by = $4, lease_expires_at = $5,
       last_error = $6, updated_at = $7
 where id = $1
returning `+jobColumns,
			j.ID, string(j.Status), j.RunAt, j.LockedBy, j.LeaseExpiresAt, j.LastError, j.UpdatedAt,
		))
		return err
	})
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict):
		return nil, err
	case err != nil:
		return nil, classify(err, "transition job")
	}
	return out, nil
}

func (s *Store) ReapExpired(ctx context.Context, now time.Time) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `update jobs
   set status = 'failed', locked_by = null, lease_expires_at = null,
       last_error = $2, updated_at = $1
 where status = 'running'
   and lease_expires_at < $1
   and attempts >= max_attempts
returning `+jobColumns,
		now, storage.ReapReason,
	)
	if err != nil {
		return nil, classify(err, "reap expired")
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, classify(err, "reap expired")
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID < jobs[b].ID })
	if len(jobs) > 0 {
		s.log.Info("reaped expired jobs", zap.Int("count", len(jobs)))
	}
	return jobs, nil
}

func (s *Store) Stats(ctx context.Context) (map[domain.Status]int64, error) {
	rows, err := s.db.Query(ctx, `select status, count(*) from jobs group by status`)
	if err != nil {
		return nil, classify(err, "stats")
	}
	defer rows.Close()

	out := make(map[domain.Status]int64, len(domain.Statuses))
	for _, st := range domain.Statuses {
		out[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify(err, "stats")
		}
		out[domain.Status(status)] = n
	}
	return out, classify(rows.Err(), "stats")
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j       domain.Job
		payload []byte
		status  string
	)
	err := row.Scan(
		&j.ID, &j.Type, &payload, &status, &j.RunAt, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&j.LockedBy, &j.LeaseExpiresAt, &j.IdempotencyKey, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.Status = domain.Status(status)
	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if j.LeaseExpiresAt != nil {
		t := j.LeaseExpiresAt.UTC()
		j.LeaseExpiresAt = &t
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
