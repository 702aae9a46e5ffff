package domain

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/multierr"
)

const (
	maxTypeLen = 255
	maxKeyLen  = 255
)

// Every store represents run_at exactly within these bounds.
var (
	MinRunAt = time.Unix(0, 0).UTC()
	MaxRunAt = time.Date(9999, 12, 31, 23, 59, 59, 999999000, time.UTC)
)

// EnqueueRequest is the input of the enqueue protocol. Nil optionals take
// their defaults in NewJob.
type EnqueueRequest struct {
	Type           string
	Payload        json.RawMessage
	RunAt          *time.Time
	Priority       *int
	MaxAttempts    *int
	IdempotencyKey *string
}

// Validate checks every field and reports all failures at once.
func (r EnqueueRequest) Validate() error {
	var err error
	switch {
	case r.Type == "":
		err = multierr.Append(err, FieldError{Field: "type", Message: "must not be empty"})
	case utf8.RuneCountInString(r.Type) > maxTypeLen:
		err = multierr.Append(err, FieldError{Field: "type", Message: fmt.Sprintf("must be at most %d characters", maxTypeLen)})
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		err = multierr.Append(err, FieldError{Field: "payload", Message: "must be valid JSON"})
	}
	if r.RunAt != nil && (r.RunAt.Before(MinRunAt) || r.RunAt.After(MaxRunAt)) {
		err = multierr.Append(err, FieldError{Field: "run_at", Message: "must be between 1970-01-01 and 9999-12-31"})
	}
	if r.MaxAttempts != nil && (*r.MaxAttempts < MinMaxAttempts || *r.MaxAttempts > MaxMaxAttempts) {
		err = multierr.Append(err, FieldError{
			Field:   "max_attempts",
			Message: fmt.Sprintf("must be between %d and %d", MinMaxAttempts, MaxMaxAttempts),
		})
	}
	if r.IdempotencyKey != nil {
		switch {
		case *r.IdempotencyKey == "":
			err = multierr.Append(err, FieldError{Field: "idempotency_key", Message: "must not be empty when present"})
		case utf8.RuneCountInString(*r.IdempotencyKey) > maxKeyLen:
			err = multierr.Append(err, FieldError{Field: "idempotency_key", Message: fmt.Sprintf("must be at most %d characters", maxKeyLen)})
		}
	}
	return validationFromMulti(err)
}

// NewJob builds the queued row for a validated request.
func (r EnqueueRequest) NewJob(id string, now time.Time) *Job {
	j := &Job{
		ID:          id,
		Type:        r.Type,
		Payload:     r.Payload,
		Status:      Queued,
		RunAt:       now,
		Priority:    DefaultPriority,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(j.Payload) == 0 {
		j.Payload = json.RawMessage("null")
	}
	if r.RunAt != nil {
		j.RunAt = r.RunAt.UTC()
	}
	if r.Priority != nil {
		j.Priority = *r.Priority
	}
	if r.MaxAttempts != nil {
		j.MaxAttempts = *r.MaxAttempts
	}
	if r.IdempotencyKey != nil {
		j.IdempotencyKey = cloneString(r.IdempotencyKey)
	}
	return j
}
