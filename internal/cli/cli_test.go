package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/jobq/internal/app"
	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/storage"
	"github.com/SirClappington/jobq/internal/storage/memory"
)

// sharedStore survives the app Close at the end of each command.
type sharedStore struct{ storage.Store }

func (sharedStore) Close() error { return nil }

func newOpener(t *testing.T) Opener {
	store := sharedStore{memory.New()}
	cfg := config.Config{StoreDriver: config.DriverMemory, BackoffBase: time.Second, BackoffMax: time.Minute}
	return func(ctx context.Context) (*app.App, error) {
		return app.New(ctx, cfg, store, zaptest.NewLogger(t)), nil
	}
}

func run(t *testing.T, open Opener, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(open)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueueAndGet(t *testing.T) {
	open := newOpener(t)

	out, err := run(t, open, "enqueue", "email", `{"to":"a@b.com"}`, "--max-attempts", "2", "--key", "abc")
	require.NoError(t, err)
	var j domain.Job
	require.NoError(t, json.Unmarshal([]byte(out), &j))
	assert.Equal(t, "email", j.Type)
	assert.Equal(t, 2, j.MaxAttempts)
	assert.Equal(t, domain.Queued, j.Status)

	out, err = run(t, open, "enqueue", "email", "--key", "abc")
	require.NoError(t, err)
	var again domain.Job
	require.NoError(t, json.Unmarshal([]byte(out), &again))
	assert.Equal(t, j.ID, again.ID)

	out, err = run(t, open, "get", j.ID)
	require.NoError(t, err)
	assert.Contains(t, out, j.ID)

	_, err = run(t, open, "get", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	open := newOpener(t)
	_, err := run(t, open, "enqueue", "email", `{not json`)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = run(t, open, "enqueue", "email", "--run-at", "tomorrow")
	assert.Error(t, err)
}

func TestSeedAndStats(t *testing.T) {
	open := newOpener(t)

	out, err := run(t, open, "seed", "25", "load")
	require.NoError(t, err)
	assert.Equal(t, "Inserted 25 jobs\n", out)

	out, err = run(t, open, "stats")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"queued", "25"}, strings.Fields(lines[0]))

	_, err = run(t, open, "seed", "-3")
	assert.Error(t, err)
}

func TestReapNothing(t *testing.T) {
	out, err := run(t, newOpener(t), "reap")
	require.NoError(t, err)
	assert.Empty(t, out)
}
