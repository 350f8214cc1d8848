package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/learnsync/learnsync/internal/sync/conflict"
	"github.com/learnsync/learnsync/internal/types"
)

// SaveConflict implements conflict.Repository.
func (db *DB) SaveConflict(ctx context.Context, c types.DataConflict) error {
	if c.ID == "" {
		return fmt.Errorf("conflict id is required")
	}
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict %s: %w", c.ID, err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO conflicts (id, record_id, user_id, created_at, resolved, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resolved = excluded.resolved,
			body = excluded.body
	`, c.ID, c.RecordID, c.UserID, formatTime(c.CreatedAt), boolToInt(c.Resolved()), string(body))
	if err != nil {
		return fmt.Errorf("failed to save conflict %s: %w", c.ID, err)
	}
	return nil
}

// GetConflict implements conflict.Repository.
func (db *DB) GetConflict(ctx context.Context, id string) (types.DataConflict, error) {
	return getConflict(ctx, db.conn, id)
}

// ListUnresolved implements conflict.Repository.
func (db *DB) ListUnresolved(ctx context.Context, userID string) ([]types.DataConflict, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT body FROM conflicts
		WHERE user_id = ? AND resolved = 0
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []types.DataConflict
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		var c types.DataConflict
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, fmt.Errorf("failed to decode conflict: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return out, nil
}

// MarkResolved implements conflict.Repository.
func (db *DB) MarkResolved(ctx context.Context, id string, strategy types.Strategy, actor string, at time.Time) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c, err := getConflict(ctx, tx, id)
	if err != nil {
		return err
	}
	if c.Resolved() {
		return fmt.Errorf("conflict %s: %w", id, types.ErrAlreadyResolved)
	}
	at = at.UTC()
	c.Strategy = strategy
	c.ResolvedBy = actor
	c.ResolvedAt = &at

	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conflicts SET resolved = 1, body = ? WHERE id = ?`, string(body), id); err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getConflict(ctx context.Context, q queryRower, id string) (types.DataConflict, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM conflicts WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DataConflict{}, fmt.Errorf("conflict %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return types.DataConflict{}, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	var c types.DataConflict
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return types.DataConflict{}, fmt.Errorf("failed to decode conflict %s: %w", id, err)
	}
	return c, nil
}

var _ conflict.Repository = (*DB)(nil)
