package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SirClappington/jobq/internal/domain"
)

// createJobRequest accepts snake_case fields and the camelCase names older
// producers send. When both are present the snake_case value wins.
type createJobRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	RunAt          *string         `json:"run_at"`
	Priority       *int            `json:"priority"`
	MaxAttempts    *int            `json:"max_attempts"`
	IdempotencyKey *string         `json:"idempotency_key"`

	RunAtCamel          *string `json:"runAt"`
	MaxAttemptsCamel    *int    `json:"maxAttempts"`
	IdempotencyKeyCamel *string `json:"idempotencyKey"`
}

func (c createJobRequest) toDomain() (domain.EnqueueRequest, error) {
	req := domain.EnqueueRequest{
		Type:           c.Type,
		Payload:        c.Payload,
		Priority:       c.Priority,
		MaxAttempts:    firstNonNil(c.MaxAttempts, c.MaxAttemptsCamel),
		IdempotencyKey: firstNonNil(c.IdempotencyKey, c.IdempotencyKeyCamel),
	}
	if raw := firstNonNil(c.RunAt, c.RunAtCamel); raw != nil {
		t, err := time.Parse(time.RFC3339Nano, *raw)
		if err != nil {
			return req, &domain.ValidationError{Fields: []domain.FieldError{{Field: "run_at", Message: "must be an RFC 3339 timestamp"}}}
		}
		req.RunAt = &t
	}
	return req, nil
}

func firstNonNil[T any](vals ...*T) *T {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	var body createJobRequest
	if err := decode(r, &body); err != nil {
		writeError(w, a.log, err)
		return
	}
	req, err := body.toDomain()
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	job, created, err := a.svc.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, job)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := a.svc.Stats(r.Context())
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	out := make(map[string]int64, len(domain.Statuses))
	for _, s := range domain.Statuses {
		out[string(s)] = counts[s]
	}
	writeJSON(w, http.StatusOK, out)
}
