package realtime

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/learnsync/learnsync/internal/types"
)

// Connection is one registered device connection.
type Connection struct {
	Conn        Conn
	UserID      string
	DeviceID    string
	SessionID   string
	Info        types.DeviceInfo
	ConnectedAt time.Time

	lastSeen atomic.Int64
}

// Touch records activity on the connection.
func (c *Connection) Touch(t time.Time) { c.lastSeen.Store(t.UnixNano()) }

// LastSeen is the time of the most recent activity.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// PingInterval is how often Monitor pings a connection.
	PingInterval time.Duration

	// HeartbeatTimeout is how long a connection may stay silent before it
	// is dropped.
	HeartbeatTimeout time.Duration

	// OnUnregister is called after a connection leaves the registry.
	OnUnregister func(c *Connection)

	Logger *log.Logger
	Now    func() time.Time
}

// DefaultRegistryConfig returns a 30s ping and 90s timeout.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		PingInterval:     30 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
	}
}

// Registry maps (user, device) to the device's live connection. A device
// has at most one connection.
type Registry struct {
	cfg    RegistryConfig
	logger *log.Logger
	now    func() time.Time

	mu    sync.RWMutex
	users map[string]map[string]*Connection
}

// NewRegistry creates a Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	def := DefaultRegistryConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    cfg.Now,
		users:  make(map[string]map[string]*Connection),
	}
}

// Register adds a connection and reports whether it was accepted.
func (r *Registry) Register(conn Conn, userID, deviceID string, info types.DeviceInfo) bool {
	_, ok := r.Attach(conn, userID, deviceID, info)
	return ok
}

// Attach adds a connection and returns its registry entry. An existing
// connection for the same device is replaced and closed.
func (r *Registry) Attach(conn Conn, userID, deviceID string, info types.DeviceInfo) (*Connection, bool) {
	if conn == nil || userID == "" || deviceID == "" {
		return nil, false
	}
	now := r.now()
	info.ID = deviceID
	info.UserID = userID
	c := &Connection{
		Conn:        conn,
		UserID:      userID,
		DeviceID:    deviceID,
		SessionID:   uuid.NewString(),
		Info:        info,
		ConnectedAt: now,
	}
	c.Touch(now)

	r.mu.Lock()
	devices, ok := r.users[userID]
	if !ok {
		devices = make(map[string]*Connection)
		r.users[userID] = devices
	}
	prev := devices[deviceID]
	devices[deviceID] = c
	r.mu.Unlock()

	if prev != nil {
		_ = prev.Conn.Close("replaced by a newer connection")
		r.logger.Printf("Replaced connection for %s/%s", userID, deviceID)
	}
	r.logger.Printf("Device connected %s/%s (total: %d)", userID, deviceID, r.Count())
	return c, true
}

// Unregister removes c if it is still the device's current connection.
func (r *Registry) Unregister(c *Connection) bool {
	if c == nil {
		return false
	}
	r.mu.Lock()
	devices := r.users[c.UserID]
	if devices == nil || devices[c.DeviceID] != c {
		r.mu.Unlock()
		return false
	}
	delete(devices, c.DeviceID)
	if len(devices) == 0 {
		delete(r.users, c.UserID)
	}
	r.mu.Unlock()

	_ = c.Conn.Close("")
	r.logger.Printf("Device disconnected %s/%s (total: %d)", c.UserID, c.DeviceID, r.Count())
	if r.cfg.OnUnregister != nil {
		r.cfg.OnUnregister(c)
	}
	return true
}

// UnregisterDevice removes whatever connection the device has.
func (r *Registry) UnregisterDevice(userID, deviceID string) bool {
	c, ok := r.Lookup(userID, deviceID)
	if !ok {
		return false
	}
	return r.Unregister(c)
}

// Lookup returns the device's current connection.
func (r *Registry) Lookup(userID, deviceID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.users[userID][deviceID]
	return c, ok
}

// Connected reports whether the device has a live connection.
func (r *Registry) Connected(userID, deviceID string) bool {
	_, ok := r.Lookup(userID, deviceID)
	return ok
}

// Connections returns the user's connections ordered by device id.
func (r *Registry) Connections(userID string) []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, devices := range r.users {
		n += len(devices)
	}
	return n
}

// Heartbeat records activity from a device.
func (r *Registry) Heartbeat(userID, deviceID string) bool {
	c, ok := r.Lookup(userID, deviceID)
	if ok {
		c.Touch(r.now())
	}
	return ok
}

// CheckHeartbeats drops every connection silent for longer than the
// heartbeat timeout and returns how many were dropped.
func (r *Registry) CheckHeartbeats() int {
	cutoff := r.now().Add(-r.cfg.HeartbeatTimeout)
	var stale []*Connection
	r.mu.RLock()
	for _, devices := range r.users {
		for _, c := range devices {
			if c.LastSeen().Before(cutoff) {
				stale = append(stale, c)
			}
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range stale {
		r.logger.Printf("WARNING: heartbeat timeout for %s/%s", c.UserID, c.DeviceID)
		if r.Unregister(c) {
			n++
		}
	}
	return n
}

// Monitor pings c every PingInterval until ctx is done or c leaves the
// registry. A failed ping or a silent connection unregisters it.
func (r *Registry) Monitor(ctx context.Context, c *Connection) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if cur, ok := r.Lookup(c.UserID, c.DeviceID); !ok || cur != c {
			return
		}
		if r.now().Sub(c.LastSeen()) > r.cfg.HeartbeatTimeout {
			r.logger.Printf("WARNING: heartbeat timeout for %s/%s", c.UserID, c.DeviceID)
			r.Unregister(c)
			return
		}

		pingCtx, cancel := context.WithTimeout(ctx, r.cfg.PingInterval)
		err := c.Conn.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Printf("WARNING: ping failed for %s/%s: %v", c.UserID, c.DeviceID, err)
			r.Unregister(c)
			return
		}
		c.Touch(r.now())
	}
}

// CloseAll unregisters every connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var all []*Connection
	for _, devices := range r.users {
		for _, c := range devices {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range all {
		r.Unregister(c)
	}
}
