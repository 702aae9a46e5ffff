package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("job not found")
	ErrDuplicateKey     = errors.New("duplicate idempotency key")
	ErrConflict         = errors.New("job lease not held by worker")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInternal         = errors.New("internal error")
)

// FieldError is a single field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }

// ValidationError collects every field failure of one request. It matches
// ErrInvalidInput under errors.Is.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("%s: %s", ErrInvalidInput, strings.Join(msgs, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// FieldMap groups messages per field, the shape returned to HTTP clients.
func (e *ValidationError) FieldMap() map[string][]string {
	out := make(map[string][]string, len(e.Fields))
	for _, f := range e.Fields {
		out[f.Field] = append(out[f.Field], f.Message)
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}

// validationFromMulti turns an accumulated multierr of FieldErrors into a
// *ValidationError, or nil when nothing was appended.
func validationFromMulti(err error) error {
	if err == nil {
		return nil
	}
	var fields []FieldError
	for _, e := range multierr.Errors(err) {
		var fe FieldError
		if errors.As(e, &fe) {
			fields = append(fields, fe)
			continue
		}
		fields = append(fields, FieldError{Field: "_", Message: e.Error()})
	}
	return &ValidationError{Fields: fields}
}

// HandlerError is a job-level execution failure. It drives the retry policy
// and never stops a worker.
type HandlerError struct {
	JobID   string
	JobType string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("job %s (%s): %v", e.JobID, e.JobType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// IsRetryableStore reports whether err is a transient store failure worth
// retrying with backoff.
func IsRetryableStore(err error) bool { return errors.Is(err, ErrStoreUnavailable) }
