package coordinator

import (
	"context"
	"fmt"

	"github.com/learnsync/learnsync/internal/sync/version"
	"github.com/learnsync/learnsync/internal/types"
)

// Resolution settles a stored conflict.
type Resolution struct {
	ConflictID string
	// Strategy merges the stored server and client content. It is ignored
	// when Content is set.
	Strategy types.Strategy
	// Content is a hand-merged replacement for the record.
	Content types.Fields
	Actor   string
}

// ResolveManually writes the resolution of a stored conflict as a new
// version on top of the conflicting server version and marks the conflict
// resolved. A conflict resolves once; a second call fails with
// ErrAlreadyResolved. If the record has moved past the server version the
// call fails with ErrConflict and the record must be synced again.
func (c *Coordinator) ResolveManually(ctx context.Context, r Resolution) (types.DataVersion, error) {
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()

	dc, err := c.conflicts.GetConflict(ctx, r.ConflictID)
	if err != nil {
		return types.DataVersion{}, err
	}
	if dc.Resolved() {
		return types.DataVersion{}, fmt.Errorf("conflict %s: %w", dc.ID, types.ErrAlreadyResolved)
	}

	content, strategy := r.Content, r.Strategy
	if content == nil {
		if strategy == types.StrategyManual {
			return types.DataVersion{}, fmt.Errorf("conflict %s: manual resolution needs content: %w", dc.ID, types.ErrInvalidContent)
		}
		merged, err := c.merger.Merge(&dc, dc.ServerContent, dc.ClientContent, strategy)
		if err != nil {
			return types.DataVersion{}, fmt.Errorf("merge %s: %w", dc.RecordID, err)
		}
		content, strategy = merged.Content, merged.Strategy
	} else {
		if _, err := types.DecodeContent(dc.DataType, content); err != nil {
			return types.DataVersion{}, fmt.Errorf("conflict %s: %w", dc.ID, err)
		}
		strategy = types.StrategyManual
	}

	v, err := c.versions.AppendVersion(ctx, version.Append{
		RecordID:         dc.RecordID,
		DataType:         dc.DataType,
		Content:          content,
		DeviceID:         dc.ClientVersion.DeviceID,
		UserID:           dc.UserID,
		ChangedFields:    dc.Fields,
		ExpectedPrevious: dc.ServerVersion.ID,
	})
	if err != nil {
		return types.DataVersion{}, fmt.Errorf("resolve %s: %w", dc.ID, err)
	}
	if err := c.conflicts.MarkResolved(ctx, dc.ID, strategy, r.Actor, c.now()); err != nil {
		return v, err
	}
	if err := c.commit(ctx, nil, v, content); err != nil {
		return v, err
	}
	c.notifyWrite(ctx, v, "")
	return v, nil
}

// Unresolved lists the user's stored conflicts awaiting resolution.
func (c *Coordinator) Unresolved(ctx context.Context, userID string) ([]types.DataConflict, error) {
	return c.conflicts.ListUnresolved(ctx, userID)
}
