package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/learnsync/learnsync/internal/canonical"
	"github.com/learnsync/learnsync/internal/sync/version"
	"github.com/learnsync/learnsync/internal/types"
)

const versionColumns = `id, record_id, data_type, number, timestamp, device_id, user_id,
	checksum, changed_fields, previous_version_id, deleted, content`

// CreateVersion implements version.Store.
func (db *DB) CreateVersion(ctx context.Context, recordID string, dataType types.DataType, content types.Fields,
	deviceID, userID string, changedFields []string) (types.DataVersion, error) {
	return db.AppendVersion(ctx, version.Append{
		RecordID:      recordID,
		DataType:      dataType,
		Content:       content,
		DeviceID:      deviceID,
		UserID:        userID,
		ChangedFields: changedFields,
	})
}

// AppendVersion implements version.Store. The head read and the insert run
// in one transaction.
func (db *DB) AppendVersion(ctx context.Context, in version.Append) (types.DataVersion, error) {
	if in.RecordID == "" {
		return types.DataVersion{}, fmt.Errorf("record id is required")
	}
	body, err := canonical.Marshal(in.Content)
	if err != nil {
		return types.DataVersion{}, fmt.Errorf("record %s: %w: %v", in.RecordID, types.ErrInvalidContent, err)
	}
	checksum, err := canonical.Checksum(in.Content)
	if err != nil {
		return types.DataVersion{}, fmt.Errorf("record %s: %w", in.RecordID, err)
	}
	changed, err := json.Marshal(nonNil(in.ChangedFields))
	if err != nil {
		return types.DataVersion{}, fmt.Errorf("failed to marshal changed fields: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.DataVersion{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	head, _, err := scanVersion(tx.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE record_id = ? ORDER BY number DESC LIMIT 1`, in.RecordID))
	hasHead := err == nil
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return types.DataVersion{}, err
	}

	if in.ExpectedPrevious != "" || in.RequireHead {
		headID := ""
		if hasHead {
			headID = head.ID
		}
		if headID != in.ExpectedPrevious {
			return types.DataVersion{}, fmt.Errorf("record %s: head is %q, expected %q: %w",
				in.RecordID, headID, in.ExpectedPrevious, types.ErrConflict)
		}
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = db.now()
	}
	v := types.DataVersion{
		ID:            db.newID(),
		RecordID:      in.RecordID,
		DataType:      in.DataType,
		Number:        1,
		Timestamp:     ts.UTC(),
		DeviceID:      in.DeviceID,
		UserID:        in.UserID,
		Checksum:      checksum,
		ChangedFields: slices.Clone(in.ChangedFields),
		Deleted:       in.Deleted,
	}
	if hasHead {
		v.Number = head.Number + 1
		v.PreviousVersionID = head.ID
		if v.DataType == "" {
			v.DataType = head.DataType
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.RecordID, string(v.DataType), v.Number, formatTime(v.Timestamp), v.DeviceID, v.UserID,
		v.Checksum, string(changed), v.PreviousVersionID, boolToInt(v.Deleted), string(body))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return types.DataVersion{}, fmt.Errorf("record %s version %d: %w", v.RecordID, v.Number, types.ErrConflict)
		}
		return types.DataVersion{}, fmt.Errorf("failed to insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return types.DataVersion{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return v, nil
}

// GetLatest implements version.Store.
func (db *DB) GetLatest(ctx context.Context, recordID string) (types.DataVersion, types.Fields, error) {
	v, content, err := scanVersion(db.conn.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE record_id = ? ORDER BY number DESC LIMIT 1`, recordID))
	if err != nil {
		return types.DataVersion{}, nil, fmt.Errorf("record %s: %w", recordID, err)
	}
	return v, content, nil
}

// GetHistory implements version.Store; newest first.
func (db *DB) GetHistory(ctx context.Context, recordID string, limit int) ([]types.DataVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM versions WHERE record_id = ? ORDER BY number DESC`
	args := []any{recordID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history of %s: %w", recordID, err)
	}
	defer rows.Close()

	var out []types.DataVersion
	for rows.Next() {
		v, _, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("record %s: %w", recordID, types.ErrNotFound)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (types.DataVersion, types.Fields, error) {
	var (
		v                              types.DataVersion
		dataType, ts, changed, content string
		deleted                        int
	)
	err := row.Scan(&v.ID, &v.RecordID, &dataType, &v.Number, &ts, &v.DeviceID, &v.UserID,
		&v.Checksum, &changed, &v.PreviousVersionID, &deleted, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return v, nil, types.ErrNotFound
	}
	if err != nil {
		return v, nil, fmt.Errorf("failed to scan version: %w", err)
	}
	v.DataType = types.DataType(dataType)
	v.Deleted = deleted != 0
	if v.Timestamp, err = parseTime(ts); err != nil {
		return v, nil, err
	}
	if err := json.Unmarshal([]byte(changed), &v.ChangedFields); err != nil {
		return v, nil, fmt.Errorf("failed to decode changed fields of %s: %w", v.ID, err)
	}
	if len(v.ChangedFields) == 0 {
		v.ChangedFields = nil
	}
	fields, err := decodeFields(content)
	if err != nil {
		return v, nil, fmt.Errorf("version %s: %w", v.ID, err)
	}
	return v, fields, nil
}

func decodeFields(s string) (types.Fields, error) {
	var f types.Fields
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	return f, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ version.Store = (*DB)(nil)
