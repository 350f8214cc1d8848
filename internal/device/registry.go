// Package device tracks the devices each user syncs from. Devices are
// never hard-deleted; inactive ones are soft-expired.
package device

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/learnsync/learnsync/internal/types"
)

// Store persists device records.
type Store interface {
	UpsertDevice(ctx context.Context, d types.DeviceInfo) error
	ListDevices(ctx context.Context, userID string) ([]types.DeviceInfo, error)
}

// Config configures a Registry.
type Config struct {
	// Store is optional; without it devices live only in memory.
	Store Store

	// PersistEvery bounds how often heartbeats write LastSeen to the store.
	// Zero means one minute.
	PersistEvery time.Duration

	Logger *log.Logger
	Now    func() time.Time
}

// Registry is the set of known devices per user.
type Registry struct {
	store        Store
	persistEvery time.Duration
	logger       *log.Logger
	now          func() time.Time

	mu     sync.RWMutex
	users  map[string]map[string]*types.DeviceInfo
	loaded map[string]bool
	saved  map[string]time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[device] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PersistEvery <= 0 {
		cfg.PersistEvery = time.Minute
	}
	return &Registry{
		store:        cfg.Store,
		persistEvery: cfg.PersistEvery,
		logger:       cfg.Logger,
		now:          cfg.Now,
		users:        make(map[string]map[string]*types.DeviceInfo),
		loaded:       make(map[string]bool),
		saved:        make(map[string]time.Time),
	}
}

// Touch records activity from a device, creating it on first sight. Zero
// fields of info do not overwrite known values.
func (r *Registry) Touch(ctx context.Context, info types.DeviceInfo) types.DeviceInfo {
	return r.update(ctx, info.UserID, info.ID, func(d *types.DeviceInfo) {
		if info.Class != "" {
			d.Class = info.Class
		}
		if info.Platform != "" {
			d.Platform = info.Platform
		}
		if info.AppVersion != "" {
			d.AppVersion = info.AppVersion
		}
	}, true)
}

// Connect marks the device online.
func (r *Registry) Connect(ctx context.Context, info types.DeviceInfo) types.DeviceInfo {
	r.Touch(ctx, info)
	return r.update(ctx, info.UserID, info.ID, func(d *types.DeviceInfo) { d.Online = true }, true)
}

// Disconnect marks the device offline.
func (r *Registry) Disconnect(ctx context.Context, userID, deviceID string) {
	r.update(ctx, userID, deviceID, func(d *types.DeviceInfo) { d.Online = false }, true)
}

// Heartbeat refreshes LastSeen. It is written to the store at most once per
// PersistEvery.
func (r *Registry) Heartbeat(userID, deviceID string) {
	r.update(context.Background(), userID, deviceID, func(*types.DeviceInfo) {}, false)
}

// Get returns a known device.
func (r *Registry) Get(ctx context.Context, userID, deviceID string) (types.DeviceInfo, bool) {
	r.ensureLoaded(ctx, userID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.users[userID][deviceID]
	if !ok {
		return types.DeviceInfo{}, false
	}
	return *d, true
}

// List returns the user's devices ordered by id.
func (r *Registry) List(ctx context.Context, userID string) []types.DeviceInfo {
	r.ensureLoaded(ctx, userID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.DeviceInfo, 0, len(r.users[userID]))
	for _, d := range r.users[userID] {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExpireInactive marks offline devices not seen for ttl as expired and
// returns how many were marked.
func (r *Registry) ExpireInactive(ctx context.Context, ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)
	var expired []types.DeviceInfo

	r.mu.Lock()
	for _, devices := range r.users {
		for _, d := range devices {
			if d.Online || d.Expired || !d.LastSeen.Before(cutoff) {
				continue
			}
			d.Expired = true
			expired = append(expired, *d)
		}
	}
	r.mu.Unlock()

	for _, d := range expired {
		r.persist(ctx, d)
	}
	return len(expired)
}

func (r *Registry) update(ctx context.Context, userID, deviceID string, fn func(*types.DeviceInfo), save bool) types.DeviceInfo {
	r.ensureLoaded(ctx, userID)
	now := r.now()

	r.mu.Lock()
	devices, ok := r.users[userID]
	if !ok {
		devices = make(map[string]*types.DeviceInfo)
		r.users[userID] = devices
	}
	d, ok := devices[deviceID]
	if !ok {
		d = &types.DeviceInfo{ID: deviceID, UserID: userID, FirstSeen: now}
		devices[deviceID] = d
		save = true
	}
	fn(d)
	d.LastSeen = now
	d.Expired = false
	out := *d
	key := userID + "/" + deviceID
	if !save && now.Sub(r.saved[key]) >= r.persistEvery {
		save = true
	}
	if save {
		r.saved[key] = now
	}
	r.mu.Unlock()

	if save {
		r.persist(ctx, out)
	}
	return out
}

func (r *Registry) persist(ctx context.Context, d types.DeviceInfo) {
	if r.store == nil {
		return
	}
	if err := r.store.UpsertDevice(ctx, d); err != nil {
		r.logger.Printf("WARNING: failed to persist device %s/%s: %v", d.UserID, d.ID, err)
	}
}

// ensureLoaded reads the user's devices from the store once.
func (r *Registry) ensureLoaded(ctx context.Context, userID string) {
	if r.store == nil {
		return
	}
	r.mu.RLock()
	done := r.loaded[userID]
	r.mu.RUnlock()
	if done {
		return
	}

	devices, err := r.store.ListDevices(ctx, userID)
	if err != nil {
		r.logger.Printf("WARNING: failed to load devices for %s: %v", userID, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded[userID] {
		return
	}
	r.loaded[userID] = true
	m, ok := r.users[userID]
	if !ok {
		m = make(map[string]*types.DeviceInfo)
		r.users[userID] = m
	}
	for i := range devices {
		d := devices[i]
		if _, exists := m[d.ID]; !exists {
			d.Online = false
			m[d.ID] = &d
		}
	}
}
