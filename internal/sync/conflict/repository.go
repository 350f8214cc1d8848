package conflict

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/learnsync/learnsync/internal/types"
)

// Repository persists conflicts so that none is silently discarded.
type Repository interface {
	SaveConflict(ctx context.Context, c types.DataConflict) error
	GetConflict(ctx context.Context, id string) (types.DataConflict, error)
	// ListUnresolved returns the user's unresolved conflicts, oldest first.
	ListUnresolved(ctx context.Context, userID string) ([]types.DataConflict, error)
	// MarkResolved records the resolution. It fails with
	// types.ErrAlreadyResolved if the conflict was resolved before.
	MarkResolved(ctx context.Context, id string, strategy types.Strategy, actor string, at time.Time) error
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu        sync.Mutex
	conflicts map[string]types.DataConflict
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{conflicts: make(map[string]types.DataConflict)}
}

func (r *MemoryRepository) SaveConflict(_ context.Context, c types.DataConflict) error {
	if c.ID == "" {
		return fmt.Errorf("conflict id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts[c.ID] = c
	return nil
}

func (r *MemoryRepository) GetConflict(_ context.Context, id string) (types.DataConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return types.DataConflict{}, fmt.Errorf("conflict %s: %w", id, types.ErrNotFound)
	}
	return c, nil
}

func (r *MemoryRepository) ListUnresolved(_ context.Context, userID string) ([]types.DataConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.DataConflict
	for _, c := range r.conflicts {
		if c.UserID == userID && !c.Resolved() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) MarkResolved(_ context.Context, id string, strategy types.Strategy, actor string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return fmt.Errorf("conflict %s: %w", id, types.ErrNotFound)
	}
	if c.Resolved() {
		return fmt.Errorf("conflict %s: %w", id, types.ErrAlreadyResolved)
	}
	c.Strategy = strategy
	c.ResolvedBy = actor
	c.ResolvedAt = &at
	r.conflicts[id] = c
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
