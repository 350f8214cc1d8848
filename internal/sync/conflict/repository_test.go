package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnsync/learnsync/internal/types"
)

func TestMemoryRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	require.NoError(t, repo.SaveConflict(ctx, types.DataConflict{ID: "b", UserID: "u1", CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, repo.SaveConflict(ctx, types.DataConflict{ID: "a", UserID: "u1", CreatedAt: t0}))
	require.NoError(t, repo.SaveConflict(ctx, types.DataConflict{ID: "x", UserID: "u2", CreatedAt: t0}))
	assert.Error(t, repo.SaveConflict(ctx, types.DataConflict{}))

	open, err := repo.ListUnresolved(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ID)

	require.NoError(t, repo.MarkResolved(ctx, "a", types.StrategyClientWins, "user:u1", t0))
	err = repo.MarkResolved(ctx, "a", types.StrategyServerWins, "user:u1", t0)
	assert.ErrorIs(t, err, types.ErrAlreadyResolved)

	got, err := repo.GetConflict(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.Resolved())
	assert.Equal(t, types.StrategyClientWins, got.Strategy)
	assert.Equal(t, "user:u1", got.ResolvedBy)

	open, err = repo.ListUnresolved(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	_, err = repo.GetConflict(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, repo.MarkResolved(ctx, "nope", types.StrategyManual, "", t0), types.ErrNotFound)
}
