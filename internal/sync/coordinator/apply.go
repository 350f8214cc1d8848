package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/learnsync/learnsync/internal/canonical"
	"github.com/learnsync/learnsync/internal/sync/cache"
	"github.com/learnsync/learnsync/internal/sync/version"
	"github.com/learnsync/learnsync/internal/types"
)

// staged is a local change that conflicts with the record head.
type staged struct {
	change   LocalChange
	content  types.Fields
	conflict *types.DataConflict
}

// stage writes ch when it does not conflict with the record head and
// returns it staged otherwise. A head that moves between the read and the
// write is re-read, up to maxAttempts times.
func (c *Coordinator) stage(ctx context.Context, userID, deviceID string, ch LocalChange, p *pass) (*staged, error) {
	if ch.RecordID == "" {
		return nil, fmt.Errorf("record id is required: %w", types.ErrInvalidContent)
	}
	ts := ch.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		head, current, err := c.versions.GetLatest(ctx, ch.RecordID)
		if errors.Is(err, types.ErrNotFound) {
			if ch.Deleted {
				return nil, fmt.Errorf("delete of record %s: %w", ch.RecordID, types.ErrNotFound)
			}
			content := ch.Content.Clone()
			if content == nil {
				content = types.Fields{}
			}
			if _, err := types.DecodeContent(ch.DataType, content); err != nil {
				return nil, fmt.Errorf("record %s: %w", ch.RecordID, err)
			}
			v, err := c.versions.AppendVersion(ctx, version.Append{
				RecordID:      ch.RecordID,
				DataType:      ch.DataType,
				Content:       content,
				DeviceID:      deviceID,
				UserID:        userID,
				ChangedFields: changedFields(ch, nil, content),
				Timestamp:     ts,
				RequireHead:   true,
			})
			if errors.Is(err, types.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return nil, c.commit(ctx, p, v, content)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read head of %s: %w", ch.RecordID, err)
		}

		dataType := ch.DataType
		if dataType == "" {
			dataType = head.DataType
		}
		if dataType != head.DataType {
			return nil, fmt.Errorf("record %s is %s, not %s: %w", ch.RecordID, head.DataType, dataType, types.ErrInvalidContent)
		}

		content := ch.Content.Clone()
		switch {
		case ch.Deleted:
			content = current.Clone()
		case ch.Patch:
			content = current.Clone()
			if content == nil {
				content = types.Fields{}
			}
			for k, v := range ch.Content.Clone() {
				content[k] = v
			}
		}
		if content == nil {
			content = types.Fields{}
		}
		if !ch.Deleted {
			if _, err := types.DecodeContent(dataType, content); err != nil {
				return nil, fmt.Errorf("record %s: %w", ch.RecordID, err)
			}
		}

		incoming := types.DataVersion{
			RecordID:          ch.RecordID,
			DataType:          dataType,
			Timestamp:         ts,
			DeviceID:          deviceID,
			UserID:            userID,
			ChangedFields:     ch.ChangedFields,
			PreviousVersionID: ch.BaseVersionID,
			Deleted:           ch.Deleted,
		}
		// A device's own writes are ordered.
		if head.DeviceID == deviceID {
			incoming.PreviousVersionID = head.ID
		}
		if !ch.Deleted {
			if dc := c.detector.Compare(ch.RecordID, head, current, incoming, content); dc != nil {
				return &staged{change: ch, content: content, conflict: dc}, nil
			}
		}

		// Replays of an already applied change are no-ops.
		if ch.Deleted == head.Deleted && canonical.Equal(current, content) {
			return nil, nil
		}

		v, err := c.versions.AppendVersion(ctx, version.Append{
			RecordID:         ch.RecordID,
			DataType:         dataType,
			Content:          content,
			DeviceID:         deviceID,
			UserID:           userID,
			ChangedFields:    changedFields(ch, current, content),
			Deleted:          ch.Deleted,
			Timestamp:        ts,
			ExpectedPrevious: head.ID,
		})
		if errors.Is(err, types.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return nil, c.commit(ctx, p, v, content)
	}
	return nil, fmt.Errorf("record %s: head kept moving after %d attempts: %w", ch.RecordID, c.maxAttempts, types.ErrConflict)
}

// settle merges a staged conflict and writes the result on top of the
// conflicting server version. If the head has moved on, the change is
// staged again against the new head. A conflict that cannot be settled is
// parked before the error is returned.
func (c *Coordinator) settle(ctx context.Context, userID, deviceID string, st staged, p *pass) error {
	for attempt := 1; ; attempt++ {
		dc := st.conflict
		merged, err := c.merger.Merge(dc, dc.ServerContent, st.content, p.strategy())
		if errors.Is(err, types.ErrConflict) {
			return c.park(ctx, dc)
		}
		if err != nil {
			return c.parkAfter(ctx, dc, fmt.Errorf("merge %s: %w", dc.RecordID, err))
		}

		v, err := c.versions.AppendVersion(ctx, version.Append{
			RecordID:         dc.RecordID,
			DataType:         dc.DataType,
			Content:          merged.Content,
			DeviceID:         deviceID,
			UserID:           userID,
			ChangedFields:    dc.Fields,
			ExpectedPrevious: dc.ServerVersion.ID,
		})
		if errors.Is(err, types.ErrConflict) {
			if attempt >= c.maxAttempts {
				return c.parkAfter(ctx, dc, err)
			}
			next, err := c.stage(ctx, userID, deviceID, st.change, p)
			if err != nil {
				return c.parkAfter(ctx, dc, err)
			}
			if next == nil {
				return nil
			}
			p.detected(*next.conflict)
			st = *next
			continue
		}
		if err != nil {
			return c.parkAfter(ctx, dc, fmt.Errorf("write merge of %s: %w", dc.RecordID, err))
		}

		now := c.now()
		dc.Strategy = merged.Strategy
		dc.ResolvedAt = &now
		dc.ResolvedBy = resolvedByAuto
		if err := c.conflicts.SaveConflict(ctx, *dc); err != nil {
			c.logger.Printf("WARNING: failed to record resolved conflict %s: %v", dc.ID, err)
		}
		p.resolved(*dc)
		return c.commit(ctx, p, v, merged.Content)
	}
}

// parkAfter parks dc unresolved after settling it failed with err, and
// returns err.
func (c *Coordinator) parkAfter(ctx context.Context, dc *types.DataConflict, err error) error {
	if perr := c.park(ctx, dc); perr != nil {
		return errors.Join(err, perr)
	}
	return err
}

// park stores a conflict for manual resolution and tells the user's
// devices about it.
func (c *Coordinator) park(ctx context.Context, dc *types.DataConflict) error {
	if err := c.conflicts.SaveConflict(ctx, *dc); err != nil {
		return fmt.Errorf("failed to store conflict %s: %w", dc.ID, err)
	}
	if c.notifier != nil {
		c.notifier.Publish(ctx, types.RealtimeUpdate{
			UserID:   dc.UserID,
			Kind:     types.MessageConflictDetected,
			DataType: dc.DataType,
			RecordID: dc.RecordID,
			Priority: 2,
			Payload: types.Fields{
				"conflict_id":       dc.ID,
				"fields":            dc.Fields,
				"severity":          string(dc.Severity),
				"server_version_id": dc.ServerVersion.ID,
				"client_version_id": dc.ClientVersion.ID,
			},
		})
	}
	return nil
}

// commit pushes a written version to the canonical store and refreshes
// the writing device's cache.
func (c *Coordinator) commit(ctx context.Context, p *pass, v types.DataVersion, content types.Fields) error {
	if p != nil {
		p.written(v)
	}
	if err := c.canonical.CommitRecord(ctx, v.RecordID, content, v); err != nil {
		return fmt.Errorf("commit %s version %d: %w", v.RecordID, v.Number, err)
	}
	if v.Deleted {
		c.cache.Delete(v.UserID, v.DeviceID, CacheKey(v.RecordID))
		return nil
	}
	if err := c.cacheRecord(v.UserID, v.DeviceID, v.RecordID, v.DataType, content); err != nil {
		c.logger.Printf("WARNING: failed to cache %s for %s/%s: %v", v.RecordID, v.UserID, v.DeviceID, err)
	}
	return nil
}

func (c *Coordinator) cacheRecord(userID, deviceID, recordID string, dt types.DataType, content types.Fields) error {
	payload, err := canonical.Marshal(content)
	if err != nil {
		return err
	}
	var opts []cache.PutOption
	if subject, ok := content[types.FieldSubject].(string); ok && subject != "" {
		opts = append(opts, cache.WithSubject(subject))
	}
	return c.cache.Put(userID, deviceID, CacheKey(recordID), payload, tierFor(dt), opts...)
}

// execute replays one offline operation. It runs inside a queue
// processing pass.
func (c *Coordinator) execute(ctx context.Context, op types.OfflineOperation) error {
	p, _ := ctx.Value(passKey{}).(*pass)
	if p == nil {
		p = &pass{
			req:    Request{UserID: op.UserID, DeviceID: op.DeviceID},
			policy: c.policy(op.UserID, op.DeviceID),
			res:    &Result{UserID: op.UserID, DeviceID: op.DeviceID},
		}
	}

	ch := LocalChange{
		RecordID:      op.RecordID,
		DataType:      op.DataType,
		Content:       op.Payload,
		Patch:         op.Kind == types.MutationUpdate || op.Kind == types.MutationMerge,
		Deleted:       op.Kind == types.MutationDelete,
		BaseVersionID: op.BaseVersionID,
		Timestamp:     op.QueuedAt,
	}
	st, err := c.stage(ctx, op.UserID, op.DeviceID, ch, p)
	if ch.Deleted && errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil || st == nil {
		return err
	}

	p.detected(*st.conflict)
	if p.manual() {
		return c.park(ctx, st.conflict)
	}
	return c.settle(ctx, op.UserID, op.DeviceID, *st, p)
}

// changedFields returns the fields a change declares, or every field that
// differs between before and after.
func changedFields(ch LocalChange, before, after types.Fields) []string {
	if len(ch.ChangedFields) > 0 {
		out := append([]string(nil), ch.ChangedFields...)
		sort.Strings(out)
		return out
	}
	var out []string
	for k, v := range after {
		if old, ok := before[k]; !ok || !canonical.Equal(old, v) {
			out = append(out, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
