package realtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/learnsync/learnsync/internal/types"
)

// BacklogStore persists backlog entries so they survive a restart.
type BacklogStore interface {
	AppendUpdate(ctx context.Context, u types.RealtimeUpdate) error
	PruneUpdates(ctx context.Context, before time.Time) (int, error)
	// LoadUpdates returns every user's updates created after since, oldest
	// first.
	LoadUpdates(ctx context.Context, since time.Time) ([]types.RealtimeUpdate, error)
}

// BacklogConfig configures a Backlog.
type BacklogConfig struct {
	// MaxLength bounds the entries kept per user; the oldest go first.
	MaxLength int

	// Retention is how long an entry is kept.
	Retention time.Duration

	Store  BacklogStore
	Logger *log.Logger
	Now    func() time.Time
}

// DefaultBacklogConfig keeps 500 entries per user for 24 hours.
func DefaultBacklogConfig() BacklogConfig {
	return BacklogConfig{MaxLength: 500, Retention: 24 * time.Hour}
}

type backlogEntry struct {
	update    types.RealtimeUpdate
	delivered map[string]bool
}

type userBacklog struct {
	mu      sync.Mutex
	entries []*backlogEntry
}

// Backlog keeps recent updates per user so devices that reconnect can
// catch up on what they missed.
type Backlog struct {
	cfg    BacklogConfig
	logger *log.Logger
	now    func() time.Time

	mu    sync.RWMutex
	users map[string]*userBacklog
}

// NewBacklog creates a Backlog.
func NewBacklog(cfg BacklogConfig) *Backlog {
	def := DefaultBacklogConfig()
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = def.MaxLength
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Backlog{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    cfg.Now,
		users:  make(map[string]*userBacklog),
	}
}

func (b *Backlog) user(userID string, create bool) *userBacklog {
	b.mu.RLock()
	ub := b.users[userID]
	b.mu.RUnlock()
	if ub != nil || !create {
		return ub
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ub = b.users[userID]; ub == nil {
		ub = &userBacklog{}
		b.users[userID] = ub
	}
	return ub
}

// Append records u as delivered to the given devices.
func (b *Backlog) Append(ctx context.Context, u types.RealtimeUpdate, deliveredTo []string) {
	e := &backlogEntry{update: u, delivered: make(map[string]bool, len(deliveredTo))}
	for _, id := range deliveredTo {
		e.delivered[id] = true
	}

	ub := b.user(u.UserID, true)
	ub.mu.Lock()
	ub.entries = append(ub.entries, e)
	if over := len(ub.entries) - b.cfg.MaxLength; over > 0 {
		ub.entries = append([]*backlogEntry(nil), ub.entries[over:]...)
	}
	ub.mu.Unlock()

	if b.cfg.Store != nil {
		if err := b.cfg.Store.AppendUpdate(ctx, u); err != nil {
			b.logger.Printf("WARNING: failed to persist backlog entry %s: %v", u.ID, err)
		}
	}
}

// Load reads the stored updates of the retention window back into memory
// and returns how many were added. Delivery marks are not stored, so a
// reconnecting device is replayed everything created after it was last
// seen. Updates already held are skipped.
func (b *Backlog) Load(ctx context.Context) (int, error) {
	if b.cfg.Store == nil {
		return 0, nil
	}
	now := b.now()
	updates, err := b.cfg.Store.LoadUpdates(ctx, now.Add(-b.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to load backlog: %w", err)
	}

	byUser := make(map[string][]types.RealtimeUpdate)
	for _, u := range updates {
		if u.UserID == "" || u.Expired(now) {
			continue
		}
		byUser[u.UserID] = append(byUser[u.UserID], u)
	}

	added := 0
	for userID, list := range byUser {
		ub := b.user(userID, true)
		ub.mu.Lock()
		held := make(map[string]bool, len(ub.entries))
		for _, e := range ub.entries {
			held[e.update.ID] = true
		}
		var loaded []*backlogEntry
		for _, u := range list {
			if held[u.ID] {
				continue
			}
			held[u.ID] = true
			loaded = append(loaded, &backlogEntry{update: u, delivered: make(map[string]bool)})
		}
		merged := append(loaded, ub.entries...)
		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].update.CreatedAt.Before(merged[j].update.CreatedAt)
		})
		if over := len(merged) - b.cfg.MaxLength; over > 0 {
			merged = merged[over:]
		}
		added += len(loaded)
		ub.entries = merged
		ub.mu.Unlock()
	}
	return added, nil
}

// MarkDelivered records that deviceID received the update.
func (b *Backlog) MarkDelivered(userID, updateID, deviceID string) {
	ub := b.user(userID, false)
	if ub == nil {
		return
	}
	ub.mu.Lock()
	defer ub.mu.Unlock()
	for _, e := range ub.entries {
		if e.update.ID == updateID {
			e.delivered[deviceID] = true
			return
		}
	}
}

// Pending returns the updates created after since that target deviceID,
// have not expired and were not delivered to it, oldest first.
func (b *Backlog) Pending(userID, deviceID string, since time.Time) []types.RealtimeUpdate {
	ub := b.user(userID, false)
	if ub == nil {
		return nil
	}
	now := b.now()
	ub.mu.Lock()
	defer ub.mu.Unlock()

	var out []types.RealtimeUpdate
	for _, e := range ub.entries {
		u := e.update
		if !u.CreatedAt.After(since) || e.delivered[deviceID] || u.Expired(now) || !u.TargetsDevice(deviceID) {
			continue
		}
		out = append(out, u)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of entries kept for the user.
func (b *Backlog) Len(userID string) int {
	ub := b.user(userID, false)
	if ub == nil {
		return 0
	}
	ub.mu.Lock()
	defer ub.mu.Unlock()
	return len(ub.entries)
}

// Prune drops expired entries and entries older than the retention
// window, returning how many were removed.
func (b *Backlog) Prune(ctx context.Context) int {
	now := b.now()
	cutoff := now.Add(-b.cfg.Retention)

	b.mu.RLock()
	users := make(map[string]*userBacklog, len(b.users))
	for id, ub := range b.users {
		users[id] = ub
	}
	b.mu.RUnlock()

	removed := 0
	for _, ub := range users {
		ub.mu.Lock()
		kept := ub.entries[:0]
		for _, e := range ub.entries {
			if e.update.CreatedAt.Before(cutoff) || e.update.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		ub.entries = kept
		ub.mu.Unlock()
	}

	if b.cfg.Store != nil {
		if _, err := b.cfg.Store.PruneUpdates(ctx, cutoff); err != nil {
			b.logger.Printf("WARNING: failed to prune stored backlog: %v", err)
		}
	}
	return removed
}
