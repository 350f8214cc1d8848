// Package postgres is a canonical record store backed by PostgreSQL, for
// deployments where several sync servers share one source of truth.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/learnsync/learnsync/internal/canonical"
	"github.com/learnsync/learnsync/internal/canonstore"
	"github.com/learnsync/learnsync/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_records (
	id TEXT PRIMARY KEY,
	data_type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	content JSONB NOT NULL,
	version_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	device_id TEXT NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_records_user_updated ON sync_records (user_id, updated_at);
`

// Store implements canonstore.Store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New connects to dsn and creates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	s := &Store{pool: pool, now: time.Now}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the records table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) FetchRecord(ctx context.Context, id string) (types.Fields, error) {
	const query = `SELECT content::text, deleted FROM sync_records WHERE id = $1`

	var content string
	var deleted bool
	err := s.pool.QueryRow(ctx, query, id).Scan(&content, &deleted)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && deleted) {
		return nil, fmt.Errorf("record %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	var f types.Fields
	if err := json.Unmarshal([]byte(content), &f); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return f, nil
}

func (s *Store) CommitRecord(ctx context.Context, id string, content types.Fields, v types.DataVersion) error {
	body, err := canonical.Marshal(content)
	if err != nil {
		return fmt.Errorf("record %s: %w: %v", id, types.ErrInvalidContent, err)
	}

	// The WHERE clause keeps a newer committed version in place.
	const query = `
		INSERT INTO sync_records (id, data_type, user_id, content, version_id, version, device_id, deleted, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			data_type = EXCLUDED.data_type,
			user_id = EXCLUDED.user_id,
			content = EXCLUDED.content,
			version_id = EXCLUDED.version_id,
			version = EXCLUDED.version,
			device_id = EXCLUDED.device_id,
			deleted = EXCLUDED.deleted,
			updated_at = EXCLUDED.updated_at
		WHERE sync_records.version <= EXCLUDED.version`

	tag, err := s.pool.Exec(ctx, query, id, string(v.DataType), v.UserID, string(body), v.ID, v.Number,
		v.DeviceID, v.Deleted, s.now().UTC())
	if err != nil {
		return fmt.Errorf("commit record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: committing version %d over a newer one: %w", id, v.Number, types.ErrConflict)
	}
	return nil
}

func (s *Store) FetchUpdatesSince(ctx context.Context, userID, deviceID string, since time.Time) ([]canonstore.SyncData, error) {
	const query = `
		SELECT id, data_type, user_id, content::text, version_id, version, device_id, deleted, updated_at
		FROM sync_records
		WHERE user_id = $1 AND device_id <> $2 AND updated_at > $3
		ORDER BY updated_at, id`

	rows, err := s.pool.Query(ctx, query, userID, deviceID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	var out []canonstore.SyncData
	for rows.Next() {
		var rec canonstore.SyncData
		var dataType, content string
		if err := rows.Scan(&rec.RecordID, &dataType, &rec.UserID, &content, &rec.VersionID, &rec.Version,
			&rec.DeviceID, &rec.Deleted, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.DataType = types.DataType(dataType)
		if err := json.Unmarshal([]byte(content), &rec.Content); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", rec.RecordID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	return out, nil
}

var _ canonstore.Store = (*Store)(nil)
