package version

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/learnsync/learnsync/internal/canonical"
	"github.com/learnsync/learnsync/internal/types"
)

// MemoryStore is an in-process Store. Each record has its own lock; the
// store-wide lock only guards the record map.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*history

	now   func() time.Time
	newID func() string
}

type history struct {
	mu        sync.Mutex
	versions  []types.DataVersion
	snapshots []types.Fields
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithClock sets the clock used for version timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// WithIDGenerator sets the version id generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *MemoryStore) { s.newID = newID }
}

// NewMemoryStore creates an empty in-memory version store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*history),
		now:     time.Now,
		newID:   NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateVersion implements Store.
func (s *MemoryStore) CreateVersion(ctx context.Context, recordID string, dataType types.DataType, content types.Fields,
	deviceID, userID string, changedFields []string) (types.DataVersion, error) {
	return s.AppendVersion(ctx, Append{
		RecordID:      recordID,
		DataType:      dataType,
		Content:       content,
		DeviceID:      deviceID,
		UserID:        userID,
		ChangedFields: changedFields,
	})
}

// AppendVersion implements Store.
func (s *MemoryStore) AppendVersion(ctx context.Context, in Append) (types.DataVersion, error) {
	if err := ctx.Err(); err != nil {
		return types.DataVersion{}, err
	}
	if in.RecordID == "" {
		return types.DataVersion{}, fmt.Errorf("record id is required")
	}

	checksum, err := canonical.Checksum(in.Content)
	if err != nil {
		return types.DataVersion{}, fmt.Errorf("record %s: %w", in.RecordID, err)
	}

	h := s.record(in.RecordID, true)
	h.mu.Lock()
	defer h.mu.Unlock()

	var head *types.DataVersion
	if n := len(h.versions); n > 0 {
		head = &h.versions[n-1]
	}
	if err := checkExpected(in, head); err != nil {
		return types.DataVersion{}, err
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	v := types.DataVersion{
		ID:            s.newID(),
		RecordID:      in.RecordID,
		DataType:      in.DataType,
		Number:        1,
		Timestamp:     ts,
		DeviceID:      in.DeviceID,
		UserID:        in.UserID,
		Checksum:      checksum,
		ChangedFields: slices.Clone(in.ChangedFields),
		Deleted:       in.Deleted,
	}
	if head != nil {
		v.Number = head.Number + 1
		v.PreviousVersionID = head.ID
		if v.DataType == "" {
			v.DataType = head.DataType
		}
	}

	h.versions = append(h.versions, v)
	h.snapshots = append(h.snapshots, in.Content.Clone())
	return v, nil
}

// checkExpected enforces Append.ExpectedPrevious against the current head.
func checkExpected(in Append, head *types.DataVersion) error {
	if in.ExpectedPrevious == "" && !in.RequireHead {
		return nil
	}
	headID := ""
	if head != nil {
		headID = head.ID
	}
	if headID != in.ExpectedPrevious {
		return fmt.Errorf("record %s: head is %q, expected %q: %w",
			in.RecordID, headID, in.ExpectedPrevious, types.ErrConflict)
	}
	return nil
}

// GetLatest implements Store.
func (s *MemoryStore) GetLatest(ctx context.Context, recordID string) (types.DataVersion, types.Fields, error) {
	if err := ctx.Err(); err != nil {
		return types.DataVersion{}, nil, err
	}
	h := s.record(recordID, false)
	if h == nil {
		return types.DataVersion{}, nil, fmt.Errorf("record %s: %w", recordID, types.ErrNotFound)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.versions)
	if n == 0 {
		return types.DataVersion{}, nil, fmt.Errorf("record %s: %w", recordID, types.ErrNotFound)
	}
	return h.versions[n-1], h.snapshots[n-1].Clone(), nil
}

// GetHistory implements Store.
func (s *MemoryStore) GetHistory(ctx context.Context, recordID string, limit int) ([]types.DataVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := s.record(recordID, false)
	if h == nil {
		return nil, fmt.Errorf("record %s: %w", recordID, types.ErrNotFound)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.versions)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.DataVersion, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.versions[i])
	}
	return out, nil
}

func (s *MemoryStore) record(recordID string, create bool) *history {
	s.mu.RLock()
	h, ok := s.records[recordID]
	s.mu.RUnlock()
	if ok || !create {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.records[recordID]; !ok {
		h = &history{}
		s.records[recordID] = h
	}
	return h
}

var _ Store = (*MemoryStore)(nil)
