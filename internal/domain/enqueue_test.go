package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueRequestValidate(t *testing.T) {
	cases := []struct {
		name   string
		req    EnqueueRequest
		fields []string
	}{
		{name: "minimal", req: EnqueueRequest{Type: "email"}},
		{name: "empty type", req: EnqueueRequest{}, fields: []string{"type"}},
		{name: "max attempts too low", req: EnqueueRequest{Type: "email", MaxAttempts: Ptr(0)}, fields: []string{"max_attempts"}},
		{name: "max attempts too high", req: EnqueueRequest{Type: "email", MaxAttempts: Ptr(101)}, fields: []string{"max_attempts"}},
		{name: "max attempts bounds", req: EnqueueRequest{Type: "email", MaxAttempts: Ptr(100)}},
		{name: "empty key", req: EnqueueRequest{Type: "email", IdempotencyKey: Ptr("")}, fields: []string{"idempotency_key"}},
		{name: "zero run_at", req: EnqueueRequest{Type: "email", RunAt: &time.Time{}}, fields: []string{"run_at"}},
		{name: "run_at before epoch", req: EnqueueRequest{Type: "email", RunAt: Ptr(MinRunAt.Add(-time.Second))}, fields: []string{"run_at"}},
		{name: "run_at past year 9999", req: EnqueueRequest{Type: "email", RunAt: Ptr(MaxRunAt.Add(time.Second))}, fields: []string{"run_at"}},
		{name: "far future run_at", req: EnqueueRequest{Type: "email", RunAt: Ptr(time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC))}},
		{name: "bad payload", req: EnqueueRequest{Type: "email", Payload: json.RawMessage(`{"to":`)}, fields: []string{"payload"}},
		{
			name:   "several",
			req:    EnqueueRequest{MaxAttempts: Ptr(-1), IdempotencyKey: Ptr("")},
			fields: []string{"idempotency_key", "max_attempts", "type"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.req.Validate()
			if len(c.fields) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			got := verr.FieldMap()
			assert.Len(t, got, len(c.fields))
			for _, f := range c.fields {
				assert.Contains(t, got, f)
			}
		})
	}
}

func TestEnqueueRequestNewJobDefaults(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	j := EnqueueRequest{Type: "email"}.NewJob("id-1", now)

	assert.Equal(t, Queued, j.Status)
	assert.Equal(t, now, j.RunAt)
	assert.Equal(t, DefaultPriority, j.Priority)
	assert.Equal(t, DefaultMaxAttempts, j.MaxAttempts)
	assert.Equal(t, 0, j.Attempts)
	assert.Nil(t, j.IdempotencyKey)
	assert.JSONEq(t, "null", string(j.Payload))

	runAt := now.Add(time.Hour)
	j = EnqueueRequest{
		Type:           "email",
		Payload:        json.RawMessage(`{"to":"a@b.com"}`),
		RunAt:          &runAt,
		Priority:       Ptr(-3),
		MaxAttempts:    Ptr(2),
		IdempotencyKey: Ptr("abc"),
	}.NewJob("id-2", now)
	assert.Equal(t, runAt, j.RunAt)
	assert.Equal(t, -3, j.Priority)
	assert.Equal(t, 2, j.MaxAttempts)
	require.NotNil(t, j.IdempotencyKey)
	assert.Equal(t, "abc", *j.IdempotencyKey)
}

func TestJobClaimable(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Second), now.Add(time.Second)

	cases := []struct {
		name string
		job  Job
		want bool
	}{
		{"queued due", Job{Status: Queued, RunAt: past, MaxAttempts: 1}, true},
		{"queued exactly now", Job{Status: Queued, RunAt: now, MaxAttempts: 1}, true},
		{"queued future", Job{Status: Queued, RunAt: future, MaxAttempts: 1}, false},
		{"running live lease", Job{Status: Running, LeaseExpiresAt: &future, Attempts: 1, MaxAttempts: 5}, false},
		{"running lease ends now", Job{Status: Running, LeaseExpiresAt: &now, Attempts: 1, MaxAttempts: 5}, false},
		{"running expired", Job{Status: Running, LeaseExpiresAt: &past, Attempts: 1, MaxAttempts: 5}, true},
		{"running expired exhausted", Job{Status: Running, LeaseExpiresAt: &past, Attempts: 5, MaxAttempts: 5}, false},
		{"succeeded", Job{Status: Succeeded, RunAt: past, MaxAttempts: 1}, false},
		{"failed", Job{Status: Failed, RunAt: past, MaxAttempts: 1}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.job.Claimable(now))
		})
	}
}

func TestJobClone(t *testing.T) {
	exp := time.Now()
	j := &Job{ID: "a", Payload: json.RawMessage(`{}`), LockedBy: Ptr("w"), LeaseExpiresAt: &exp}
	c := j.Clone()
	*c.LockedBy = "other"
	c.Payload[0] = '['
	assert.Equal(t, "w", *j.LockedBy)
	assert.Equal(t, `{}`, string(j.Payload))
}
