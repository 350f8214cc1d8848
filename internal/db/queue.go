package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/learnsync/learnsync/internal/sync/queue"
	"github.com/learnsync/learnsync/internal/types"
)

// SaveOperations implements queue.Persister. It replaces everything stored
// under key with ops, in order.
func (db *DB) SaveOperations(ctx context.Context, key string, ops []types.OfflineOperation) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_operations WHERE queue_key = ?`, key); err != nil {
		return fmt.Errorf("failed to clear queue %s: %w", key, err)
	}
	for i, op := range ops {
		body, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to marshal operation %s: %w", op.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO offline_operations (queue_key, id, position, body) VALUES (?, ?, ?, ?)`,
			key, op.ID, i, string(body))
		if err != nil {
			return fmt.Errorf("failed to store operation %s: %w", op.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadOperations implements queue.Persister.
func (db *DB) LoadOperations(ctx context.Context, key string) ([]types.OfflineOperation, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT body FROM offline_operations WHERE queue_key = ? ORDER BY position`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue %s: %w", key, err)
	}
	defer rows.Close()

	var ops []types.OfflineOperation
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		var op types.OfflineOperation
		if err := json.Unmarshal([]byte(body), &op); err != nil {
			return nil, fmt.Errorf("failed to decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue %s: %w", key, err)
	}
	return ops, nil
}

// QueueSize is the number of persisted operations under one queue key.
type QueueSize struct {
	Key   string `json:"key" yaml:"key"`
	Count int    `json:"count" yaml:"count"`
}

// ListQueues returns the persisted queues that hold operations.
func (db *DB) ListQueues(ctx context.Context) ([]QueueSize, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT queue_key, COUNT(*) FROM offline_operations
		GROUP BY queue_key ORDER BY queue_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queues: %w", err)
	}
	defer rows.Close()

	var out []QueueSize
	for rows.Next() {
		var qs QueueSize
		if err := rows.Scan(&qs.Key, &qs.Count); err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		out = append(out, qs)
	}
	return out, rows.Err()
}

var _ queue.Persister = (*DB)(nil)
