package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/learnsync/learnsync/internal/canonical"
	"github.com/learnsync/learnsync/internal/canonstore"
	"github.com/learnsync/learnsync/internal/types"
)

// FetchRecord implements canonstore.Store.
func (db *DB) FetchRecord(ctx context.Context, id string) (types.Fields, error) {
	var content string
	var deleted int
	err := db.conn.QueryRowContext(ctx,
		`SELECT content, deleted FROM records WHERE id = ?`, id).Scan(&content, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted != 0) {
		return nil, fmt.Errorf("record %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	return decodeFields(content)
}

// CommitRecord implements canonstore.Store. updated_at is the commit time.
func (db *DB) CommitRecord(ctx context.Context, id string, content types.Fields, v types.DataVersion) error {
	body, err := canonical.Marshal(content)
	if err != nil {
		return fmt.Errorf("record %s: %w: %v", id, types.ErrInvalidContent, err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM records WHERE id = ?`, id).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read record %s: %w", id, err)
	case current > v.Number:
		return fmt.Errorf("record %s: committing version %d over %d: %w", id, v.Number, current, types.ErrConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (id, data_type, user_id, content, version_id, version, device_id, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data_type = excluded.data_type,
			user_id = excluded.user_id,
			content = excluded.content,
			version_id = excluded.version_id,
			version = excluded.version,
			device_id = excluded.device_id,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`, id, string(v.DataType), v.UserID, string(body), v.ID, v.Number, v.DeviceID, boolToInt(v.Deleted), formatTime(db.now()))
	if err != nil {
		return fmt.Errorf("failed to commit record %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FetchUpdatesSince implements canonstore.Store.
func (db *DB) FetchUpdatesSince(ctx context.Context, userID, deviceID string, since time.Time) ([]canonstore.SyncData, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, data_type, user_id, content, version_id, version, device_id, deleted, updated_at
		FROM records
		WHERE user_id = ? AND device_id != ? AND updated_at > ?
		ORDER BY updated_at, id
	`, userID, deviceID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	defer rows.Close()

	var out []canonstore.SyncData
	for rows.Next() {
		var (
			rec                        canonstore.SyncData
			dataType, content, updated string
			deleted                    int
		)
		if err := rows.Scan(&rec.RecordID, &dataType, &rec.UserID, &content, &rec.VersionID,
			&rec.Version, &rec.DeviceID, &deleted, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.DataType = types.DataType(dataType)
		rec.Deleted = deleted != 0
		if rec.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		if rec.Content, err = decodeFields(content); err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.RecordID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

var _ canonstore.Store = (*DB)(nil)
