package version

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnsync/learnsync/internal/types"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	var seq atomic.Int64
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return NewMemoryStore(
		WithClock(func() time.Time { return base.Add(time.Duration(seq.Load()) * time.Second) }),
		WithIDGenerator(func() string { return fmt.Sprintf("v%d", seq.Add(1)) }),
	)
}

func TestCreateVersionChain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v1, err := s.CreateVersion(ctx, "r1", types.DataTypeProgressRecord, types.Fields{"accuracy": 0.5}, "d1", "u1", []string{"accuracy"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Number)
	assert.Empty(t, v1.PreviousVersionID)
	assert.NotEmpty(t, v1.Checksum)

	v2, err := s.CreateVersion(ctx, "r1", types.DataTypeProgressRecord, types.Fields{"accuracy": 0.7}, "d2", "u1", []string{"accuracy"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Number)
	assert.Equal(t, v1.ID, v2.PreviousVersionID)
	assert.NotEqual(t, v1.Checksum, v2.Checksum)

	head, content, err := s.GetLatest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, v2, head)
	assert.Equal(t, 0.7, content["accuracy"])

	// Snapshots are copies.
	content["accuracy"] = 0.1
	_, again, err := s.GetLatest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 0.7, again["accuracy"])
}

func TestGetLatestNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.GetLatest(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.GetHistory(context.Background(), "missing", 5)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGetHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.CreateVersion(ctx, "r1", types.DataTypeUserSettings, types.Fields{"n": i}, "d1", "u1", nil)
		require.NoError(t, err)
	}

	all, err := s.GetHistory(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int64(5), all[0].Number)
	assert.Equal(t, int64(1), all[4].Number)

	limited, err := s.GetHistory(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, int64(5), limited[0].Number)
	assert.Equal(t, int64(4), limited[1].Number)
}

func TestAppendVersionExpectedPrevious(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AppendVersion(ctx, Append{RecordID: "r1", RequireHead: true, Content: types.Fields{}})
	require.NoError(t, err, "empty expectation on a new record succeeds")

	_, err = s.AppendVersion(ctx, Append{RecordID: "r1", RequireHead: true, Content: types.Fields{}})
	assert.ErrorIs(t, err, types.ErrConflict)

	head, _, err := s.GetLatest(ctx, "r1")
	require.NoError(t, err)

	v, err := s.AppendVersion(ctx, Append{RecordID: "r1", ExpectedPrevious: head.ID, Content: types.Fields{"x": 1}, Deleted: true})
	require.NoError(t, err)
	assert.True(t, v.Deleted)

	_, err = s.AppendVersion(ctx, Append{RecordID: "r1", ExpectedPrevious: head.ID, Content: types.Fields{"x": 2}})
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestCreateVersionInvalidContent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateVersion(context.Background(), "r1", types.DataTypeProgressRecord,
		types.Fields{"accuracy": math.NaN()}, "d1", "u1", nil)
	assert.ErrorIs(t, err, types.ErrInvalidContent)

	_, _, err = s.GetLatest(context.Background(), "r1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestConcurrentCreateStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.CreateVersion(ctx, "shared", types.DataTypeProgressRecord,
					types.Fields{"w": w, "i": i}, fmt.Sprintf("d%d", w), "u1", nil)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	hist, err := s.GetHistory(ctx, "shared", 0)
	require.NoError(t, err)
	require.Len(t, hist, writers*perWriter)

	// Newest first: numbers strictly decrease and each links to the next.
	seen := make(map[string]bool)
	for i, v := range hist {
		assert.False(t, seen[v.ID], "cycle at %s", v.ID)
		seen[v.ID] = true
		assert.Equal(t, int64(len(hist)-i), v.Number)
		if i+1 < len(hist) {
			assert.Equal(t, hist[i+1].ID, v.PreviousVersionID)
		} else {
			assert.Empty(t, v.PreviousVersionID)
		}
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newTestStore(t)
	_, err := s.CreateVersion(ctx, "r1", types.DataTypeUserProfile, types.Fields{}, "d1", "u1", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
