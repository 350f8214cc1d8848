// Package canonstore is the narrow interface through which the engine
// reads and writes canonical records, plus an in-memory implementation.
package canonstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/learnsync/learnsync/internal/types"
)

// SyncData is a canonical record as returned to pulling devices.
type SyncData struct {
	RecordID  string         `json:"record_id" yaml:"record_id"`
	DataType  types.DataType `json:"data_type" yaml:"data_type"`
	UserID    string         `json:"user_id" yaml:"user_id"`
	Content   types.Fields   `json:"content" yaml:"content"`
	VersionID string         `json:"version_id" yaml:"version_id"`
	Version   int64          `json:"version" yaml:"version"`
	DeviceID  string         `json:"device_id" yaml:"device_id"`
	Deleted   bool           `json:"deleted" yaml:"deleted"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
}

// Store is the canonical record store. The engine assumes nothing beyond
// these operations.
type Store interface {
	// FetchRecord returns the content of a record, or types.ErrNotFound.
	FetchRecord(ctx context.Context, id string) (types.Fields, error)
	// CommitRecord writes content as the canonical state at version.
	CommitRecord(ctx context.Context, id string, content types.Fields, version types.DataVersion) error
	// FetchUpdatesSince returns the user's records committed after since
	// by devices other than deviceID, oldest first.
	FetchUpdatesSince(ctx context.Context, userID, deviceID string, since time.Time) ([]SyncData, error)
}

// MemoryStore is an in-process Store. UpdatedAt is the commit time.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]SyncData
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore. now defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{records: make(map[string]SyncData), now: now}
}

func (s *MemoryStore) FetchRecord(_ context.Context, id string) (types.Fields, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec.Deleted {
		return nil, fmt.Errorf("record %s: %w", id, types.ErrNotFound)
	}
	return rec.Content.Clone(), nil
}

func (s *MemoryStore) CommitRecord(_ context.Context, id string, content types.Fields, version types.DataVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[id]; ok && cur.Version > version.Number {
		return fmt.Errorf("record %s: committing version %d over %d: %w", id, version.Number, cur.Version, types.ErrConflict)
	}
	s.records[id] = SyncData{
		RecordID:  id,
		DataType:  version.DataType,
		UserID:    version.UserID,
		Content:   content.Clone(),
		VersionID: version.ID,
		Version:   version.Number,
		DeviceID:  version.DeviceID,
		Deleted:   version.Deleted,
		UpdatedAt: s.now(),
	}
	return nil
}

func (s *MemoryStore) FetchUpdatesSince(_ context.Context, userID, deviceID string, since time.Time) ([]SyncData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SyncData
	for _, rec := range s.records {
		if rec.UserID != userID || rec.DeviceID == deviceID || !rec.UpdatedAt.After(since) {
			continue
		}
		rec.Content = rec.Content.Clone()
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
