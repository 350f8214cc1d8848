package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/learnsync/learnsync/internal/realtime"
	"github.com/learnsync/learnsync/internal/types"
)

// AppendUpdate implements realtime.BacklogStore.
func (db *DB) AppendUpdate(ctx context.Context, u types.RealtimeUpdate) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal update %s: %w", u.ID, err)
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO backlog (id, user_id, created_at, body) VALUES (?, ?, ?, ?)`,
		u.ID, u.UserID, formatTime(u.CreatedAt), string(body))
	if err != nil {
		return fmt.Errorf("failed to store update %s: %w", u.ID, err)
	}
	return nil
}

// PruneUpdates implements realtime.BacklogStore.
func (db *DB) PruneUpdates(ctx context.Context, before time.Time) (int, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM backlog WHERE created_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune backlog: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned updates: %w", err)
	}
	return int(n), nil
}

// ListUpdates returns the stored updates for userID created after since,
// oldest first. A non-empty deviceID keeps only updates that target it.
func (db *DB) ListUpdates(ctx context.Context, userID, deviceID string, since time.Time) ([]types.RealtimeUpdate, error) {
	updates, err := db.queryUpdates(ctx, `
		SELECT body FROM backlog
		WHERE user_id = ? AND created_at > ?
		ORDER BY created_at, id
	`, userID, formatTime(since))
	if err != nil {
		return nil, err
	}
	if deviceID == "" {
		return updates, nil
	}
	out := updates[:0]
	for _, u := range updates {
		if u.TargetsDevice(deviceID) {
			out = append(out, u)
		}
	}
	return out, nil
}

// LoadUpdates implements realtime.BacklogStore. It returns every user's
// updates created after since, oldest first.
func (db *DB) LoadUpdates(ctx context.Context, since time.Time) ([]types.RealtimeUpdate, error) {
	return db.queryUpdates(ctx, `
		SELECT body FROM backlog
		WHERE created_at > ?
		ORDER BY created_at, id
	`, formatTime(since))
}

func (db *DB) queryUpdates(ctx context.Context, query string, args ...any) ([]types.RealtimeUpdate, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query backlog: %w", err)
	}
	defer rows.Close()

	var out []types.RealtimeUpdate
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan update: %w", err)
		}
		var u types.RealtimeUpdate
		if err := json.Unmarshal([]byte(body), &u); err != nil {
			return nil, fmt.Errorf("failed to decode update: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backlog: %w", err)
	}
	return out, nil
}

var _ realtime.BacklogStore = (*DB)(nil)
