package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/jobq/internal/storage"
	"github.com/SirClappington/jobq/internal/storage/sqlite"
	"github.com/SirClappington/jobq/internal/storage/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"), zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestReopenKeepsJobs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	s, err := sqlite.Open(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	j, err := s.Insert(ctx, storetest.NewJob("email", storetest.Base))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.Open(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, j.ID, got.ID)
}
