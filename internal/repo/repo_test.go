package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefloop/internal/db"
	"briefloop/internal/migrate"
	"briefloop/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestSaveCycleStateRejectsStaleVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	tx, err := r.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, r.InitCycleState(ctx, tx, "onboarding", false, "2024-01-01T00:00:00Z"))
	st, err := r.GetCycleState(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)

	st.Stage = "audit_benchmark"
	v, err := r.SaveCycleState(ctx, tx, st)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = r.SaveCycleState(ctx, tx, st)
	assert.ErrorIs(t, err, repo.ErrConflict)
	require.NoError(t, tx.Commit())
}

func TestCycleLogIsTrimmed(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tx, err := r.Begin(ctx)
	require.NoError(t, err)
	for _, msg := range []string{"one", "two", "three", "four"} {
		require.NoError(t, r.AppendCycleLog(ctx, tx, "2024-01-01T00:00:00Z", msg, 2))
	}
	require.NoError(t, tx.Commit())

	entries, err := r.CycleLog(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "three", entries[0].Message)
	assert.Equal(t, "four", entries[1].Message)

	n, err := r.CountCycleLog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGetIntakeMissing(t *testing.T) {
	r := newRepo(t)
	_, err := r.GetIntake(context.Background(), "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
