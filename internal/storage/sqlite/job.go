package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/storage"
)

const jobColumns = `id, type, payload, status, run_at, priority, attempts, max_attempts,
	locked_by, lease_expires_at, idempotency_key, last_error, created_at, updated_at`

// Timestamps are stored as UTC unix microseconds, the same precision as
// Postgres timestamptz. Nanoseconds would overflow int64 after 2262.
func ts(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromTS(n int64) time.Time { return time.UnixMicro(n).UTC() }

func nullTS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts(*t), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		j                           domain.Job
		payload, status             string
		runAt, createdAt, updatedAt int64
		lockedBy, idemKey, lastErr  sql.NullString
		leaseExpiresAt              sql.NullInt64
	)
	err := row.Scan(
		&j.ID, &j.Type, &payload, &status, &runAt, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&lockedBy, &leaseExpiresAt, &idemKey, &lastErr, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.Status = domain.Status(status)
	j.RunAt = fromTS(runAt)
	j.CreatedAt = fromTS(createdAt)
	j.UpdatedAt = fromTS(updatedAt)
	if lockedBy.Valid {
		j.LockedBy = &lockedBy.String
	}
	if leaseExpiresAt.Valid {
		t := fromTS(leaseExpiresAt.Int64)
		j.LeaseExpiresAt = &t
	}
	if idemKey.Valid {
		j.IdempotencyKey = &idemKey.String
	}
	if lastErr.Valid {
		j.LastError = &lastErr.String
	}
	return &j, nil
}

func (s *Store) Insert(ctx context.Context, j *domain.Job) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `INSERT INTO jobs (
id, type, payload, status, run_at, priority, attempts, max_attempts,
idempotency_key, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING `+jobColumns,
		j.ID, j.Type, string(j.Payload), string(j.Status), ts(j.RunAt), j.Priority, j.Attempts, j.MaxAttempts,
		nullString(j.IdempotencyKey), ts(j.CreatedAt), ts(j.UpdatedAt),
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
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classify(err, "get job")
	}
	return j, nil
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, jobType, key string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE type = ? AND idempotency_key = ? LIMIT 1`, jobType, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classify(err, "get job by idempotency key")
	}
	return j, nil
}

func (s *Store) ClaimOne(ctx context.Context, p storage.ClaimParams) (*domain.Job, error) {
	order := "run_at ASC, id ASC"
	if p.PriorityOrdering {
		order = "priority ASC, run_at ASC, id ASC"
	}
	now := ts(p.Now)

	j, err := scanJob(s.db.QueryRowContext(ctx, `UPDATE jobs
   SET status = 'running',
       locked_by = ?,
       lease_expires_at = ?,
       attempts = attempts + 1,
       updated_at = ?
 WHERE id = (
     SELECT id FROM jobs
      WHERE (status = 'queued' AND run_at <= ?)
         OR (status = 'running' AND lease_expires_at < ? AND attempts < max_attempts)
      ORDER BY `+order+`
      LIMIT 1
 )
RETURNING `+jobColumns,
		p.WorkerID, ts(p.Now.Add(p.LeaseDuration)), now, now, now,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "claim job")
	}
	return j, nil
}

func (s *Store) Transition(ctx context.Context, t storage.Transition) (*domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err, "begin transition")
	}
	defer tx.Rollback() //nolint:errcheck

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, t.JobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classify(err, "load job")
	}
	if !j.HeldBy(t.WorkerID) {
		return nil, domain.ErrConflict
	}

	t.Apply(j)
	out, err := scanJob(tx.QueryRowContext(ctx, `UPDATE jobs
   SET status = ?, run_at = ?, locked_by = ?, lease_expires_at = ?, last_error = ?, updated_at = ?
 WHERE id = ?
RETURNING `+jobColumns,
		string(j.Status), ts(j.RunAt), nullString(j.LockedBy), nullTS(j.LeaseExpiresAt),
		nullString(j.LastError), ts(j.UpdatedAt), j.ID,
	))
	if err != nil {
		return nil, classify(err, "update job")
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err, "commit transition")
	}
	return out, nil
}

func (s *Store) ReapExpired(ctx context.Context, now time.Time) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `UPDATE jobs
   SET status = 'failed', locked_by = NULL, lease_expires_at = NULL, last_error = ?, updated_at = ?
 WHERE status = 'running' AND lease_expires_at < ? AND attempts >= max_attempts
RETURNING `+jobColumns,
		storage.ReapReason, ts(now), ts(now),
	)
	if err != nil {
		return nil, classify(err, "reap expired")
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, classify(err, "reap expired")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "reap expired")
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID < jobs[b].ID })
	return jobs, nil
}

func (s *Store) Stats(ctx context.Context) (map[domain.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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
