// Package memory is an in-process implementation of storage.Store. A single
// mutex makes every operation one transaction, which satisfies the claim
// contract trivially. Intended for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	keys   map[idemKey]string
	closed bool
}

type idemKey struct{ typ, key string }

func New() *Store {
	return &Store{
		jobs: make(map[string]*domain.Job),
		keys: make(map[idemKey]string),
	}
}

func (m *Store) Insert(_ context.Context, j *domain.Job) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrStoreUnavailable
	}

	if _, ok := m.jobs[j.ID]; ok {
		return nil, errors.Wrapf(domain.ErrInternal, "job id %s already exists", j.ID)
	}
	if j.IdempotencyKey != nil {
		k := idemKey{j.Type, *j.IdempotencyKey}
		if _, ok := m.keys[k]; ok {
			return nil, domain.ErrDuplicateKey
		}
		m.keys[k] = j.ID
	}
	cp := j.Clone()
	m.jobs[j.ID] = cp
	return cp.Clone(), nil
}

func (m *Store) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrStoreUnavailable
	}

	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (m *Store) GetByIdempotencyKey(_ context.Context, jobType, key string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrStoreUnavailable
	}

	id, ok := m.keys[idemKey{jobType, key}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.jobs[id].Clone(), nil
}

func (m *Store) ClaimOne(_ context.Context, p storage.ClaimParams) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrStoreUnavailable
	}

	var best *domain.Job
	for _, j := range m.jobs {
		if !j.Claimable(p.Now) {
			continue
		}
		if best == nil || storage.Before(j, best, p.PriorityOrdering) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	p.Claim(best)
	return best.Clone(), nil
}

func (m *Store) Transition(_ context.Context, t storage.Transition) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrStoreUnavailable
	}

	j, ok := m.jobs[t.JobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !j.HeldBy(t.WorkerID) {
		return nil, domain.ErrConflict
	}
	t.Apply(j)
	return j.Clone(), nil
}

func (m *Store) ReapExpired(_ context.Context, now time.Time) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrStoreUnavailable
	}

	var reaped []*domain.Job
	for _, j := range m.jobs {
		if !j.LeaseExpired(now) || !j.AttemptsExhausted() {
			continue
		}
		storage.Transition{Kind: storage.Fail, Now: now, Error: storage.ReapReason}.Apply(j)
		reaped = append(reaped, j.Clone())
	}
	sort.Slice(reaped, func(a, b int) bool { return reaped[a].ID < reaped[b].ID })
	return reaped, nil
}

func (m *Store) Stats(_ context.Context) (map[domain.Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrStoreUnavailable
	}

	out := make(map[domain.Status]int64, len(domain.Statuses))
	for _, s := range domain.Statuses {
		out[s] = 0
	}
	for _, j := range m.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrStoreUnavailable
	}
	return nil
}

// Close makes every later call fail with domain.ErrStoreUnavailable.
func (m *Store) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
