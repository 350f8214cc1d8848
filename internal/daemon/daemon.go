// Package daemon runs the sync server's background work.
//
// The daemon:
//  1. Sweeps expired entries out of device caches
//  2. Drains offline queues of devices that are connected
//  3. Prunes the real-time backlog
//  4. Soft-expires devices that have not been seen for a while
//  5. Reapplies cache limits and queue pacing when the config file changes
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/learnsync/learnsync/internal/config"
	"github.com/learnsync/learnsync/internal/sync/queue"
	"github.com/learnsync/learnsync/internal/types"
)

// Cache is the part of the cache store the daemon maintains.
type Cache interface {
	Sweep(now time.Time) int
	SetLimits(maxBytes int64, maxEntries int)
}

// Queues lists the devices with queued operations and drains them.
type Queues interface {
	Devices() []queue.DeviceKey
	DrainDevice(ctx context.Context, userID, deviceID string, conn types.Connectivity) (queue.Result, error)
	SetPacing(batchSize, degradedBatchSize int, degradedDelay time.Duration)
}

// Presence reports live connections.
type Presence interface {
	Connected(userID, deviceID string) bool
	CheckHeartbeats() int
}

type BacklogPruner interface {
	Prune(ctx context.Context) int
}

type DeviceExpirer interface {
	ExpireInactive(ctx context.Context, ttl time.Duration) int
}

// Deps are the components the daemon works on. Any of them may be nil; the
// matching worker is then not started.
type Deps struct {
	Cache    Cache
	Queues   Queues
	Presence Presence
	Backlog  BacklogPruner
	Devices  DeviceExpirer
}

// Config holds configuration for the daemon.
type Config struct {
	CacheSweepInterval time.Duration
	// DrainInterval is how often connected devices' queues are drained.
	DrainInterval          time.Duration
	BacklogPruneInterval   time.Duration
	DeviceCheckInterval    time.Duration
	HeartbeatCheckInterval time.Duration
	DeviceTTL              time.Duration

	// ConfigPath is watched for changes when set.
	ConfigPath string
	// DebounceInterval batches bursts of writes to the config file.
	DebounceInterval time.Duration
	// Load reads the config file; defaults to config.Load.
	Load func(path string) (*config.Config, error)

	Logger *log.Logger
	Now    func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CacheSweepInterval:     time.Minute,
		DrainInterval:          30 * time.Second,
		BacklogPruneInterval:   10 * time.Minute,
		DeviceCheckInterval:    time.Minute,
		HeartbeatCheckInterval: 30 * time.Second,
		DeviceTTL:              30 * 24 * time.Hour,
		DebounceInterval:       100 * time.Millisecond,
		Logger:                 log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// FromConfig derives the daemon configuration from the server config.
func FromConfig(cfg *config.Config, path string) *Config {
	d := DefaultConfig()
	d.CacheSweepInterval = cfg.Daemon.CacheSweepInterval.Std()
	d.DrainInterval = cfg.Sync.AutoSyncInterval.Std()
	d.BacklogPruneInterval = cfg.Daemon.BacklogPruneInterval.Std()
	d.DeviceCheckInterval = cfg.Daemon.DeviceCheckInterval.Std()
	d.HeartbeatCheckInterval = cfg.Realtime.PingInterval.Std()
	d.DeviceTTL = cfg.Daemon.DeviceTTL.Std()
	if cfg.Daemon.WatchConfig {
		d.ConfigPath = path
	}
	return d
}

// Daemon runs the background workers.
type Daemon struct {
	deps   Deps
	config *Config

	watcher  *ConfigWatcher
	reloadMu sync.Mutex
	reloadAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon. Use Start to run it.
func New(deps Deps, cfg *Config) (*Daemon, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Load == nil {
		cfg.Load = config.Load
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 100 * time.Millisecond
	}

	d := &Daemon{deps: deps, config: cfg}
	if cfg.ConfigPath != "" {
		w, err := NewConfigWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start begins the daemon's operation. It blocks until ctx is cancelled
// or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.watcher != nil {
		if err := d.watcher.Start(d.config.ConfigPath); err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		d.config.Logger.Printf("Watching: %s", d.config.ConfigPath)
		d.wg.Add(2)
		go d.watchConfig()
		go d.processReloads()
	}

	if d.deps.Cache != nil {
		d.every(d.config.CacheSweepInterval, func() { d.SweepCache() })
	}
	if d.deps.Queues != nil {
		d.every(d.config.DrainInterval, func() { d.DrainConnected(d.ctx) })
	}
	if d.deps.Backlog != nil {
		d.every(d.config.BacklogPruneInterval, func() { d.PruneBacklog(d.ctx) })
	}
	if d.deps.Devices != nil && d.config.DeviceTTL > 0 {
		d.every(d.config.DeviceCheckInterval, func() { d.ExpireDevices(d.ctx) })
	}
	if d.deps.Presence != nil {
		d.every(d.config.HeartbeatCheckInterval, func() { d.CheckHeartbeats() })
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.config.Logger.Printf("Error closing watcher: %v", err)
			}
		}
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// every runs fn on a ticker until the daemon stops. A non-positive
// interval disables the worker.
func (d *Daemon) every(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// SweepCache drops expired cache entries.
func (d *Daemon) SweepCache() int {
	n := d.deps.Cache.Sweep(d.config.Now())
	if n > 0 {
		d.config.Logger.Printf("Swept %d expired cache entries", n)
	}
	return n
}

// DrainConnected replays queued operations of every connected device and
// returns how many operations succeeded.
func (d *Daemon) DrainConnected(ctx context.Context) int {
	succeeded := 0
	for _, key := range d.deps.Queues.Devices() {
		if ctx.Err() != nil {
			return succeeded
		}
		if d.deps.Presence != nil && !d.deps.Presence.Connected(key.UserID, key.DeviceID) {
			continue
		}
		res, err := d.deps.Queues.DrainDevice(ctx, key.UserID, key.DeviceID, types.ConnectivityOnline)
		if err != nil {
			d.config.Logger.Printf("WARNING: failed to drain %s/%s: %v", key.UserID, key.DeviceID, err)
			continue
		}
		if res.AlreadyProcessing {
			continue
		}
		succeeded += res.Succeeded
		if res.Failed > 0 || res.Dropped > 0 {
			d.config.Logger.Printf("Drained %s/%s: %d ok, %d failed, %d dropped, %d remaining",
				key.UserID, key.DeviceID, res.Succeeded, res.Failed, res.Dropped, res.Remaining)
		}
	}
	return succeeded
}

// PruneBacklog drops stale real-time updates.
func (d *Daemon) PruneBacklog(ctx context.Context) int {
	n := d.deps.Backlog.Prune(ctx)
	if n > 0 {
		d.config.Logger.Printf("Pruned %d backlog updates", n)
	}
	return n
}

// ExpireDevices soft-expires inactive devices.
func (d *Daemon) ExpireDevices(ctx context.Context) int {
	n := d.deps.Devices.ExpireInactive(ctx, d.config.DeviceTTL)
	if n > 0 {
		d.config.Logger.Printf("Expired %d inactive devices", n)
	}
	return n
}

// CheckHeartbeats drops connections that stopped answering.
func (d *Daemon) CheckHeartbeats() int {
	n := d.deps.Presence.CheckHeartbeats()
	if n > 0 {
		d.config.Logger.Printf("Dropped %d silent connections", n)
	}
	return n
}

// Apply pushes reloadable settings from cfg into the running components.
func (d *Daemon) Apply(cfg *config.Config) {
	if d.deps.Cache != nil {
		d.deps.Cache.SetLimits(cfg.Cache.MaxBytes, cfg.Cache.MaxEntries)
	}
	if d.deps.Queues != nil {
		d.deps.Queues.SetPacing(cfg.Sync.MaxConcurrentOperations, cfg.Queue.DegradedBatchSize, cfg.Sync.RetryDelay.Std())
	}
	d.config.Logger.Printf("Applied config: cache %d bytes / %d entries, batch %d",
		cfg.Cache.MaxBytes, cfg.Cache.MaxEntries, cfg.Sync.MaxConcurrentOperations)
}

// watchConfig records config file writes for processReloads.
func (d *Daemon) watchConfig() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if event.Op != OpWrite {
				d.config.Logger.Printf("Config file %s: %s, keeping current settings", event.Op, event.Path)
				continue
			}
			d.reloadMu.Lock()
			d.reloadAt = d.config.Now()
			d.reloadMu.Unlock()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processReloads reloads the config once writes have settled.
func (d *Daemon) processReloads() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.reloadIfSettled()
		}
	}
}

func (d *Daemon) reloadIfSettled() {
	d.reloadMu.Lock()
	pending := !d.reloadAt.IsZero() && d.config.Now().Sub(d.reloadAt) >= d.config.DebounceInterval
	if pending {
		d.reloadAt = time.Time{}
	}
	d.reloadMu.Unlock()
	if !pending {
		return
	}

	cfg, err := d.config.Load(d.config.ConfigPath)
	if err != nil {
		d.config.Logger.Printf("WARNING: failed to reload %s: %v", d.config.ConfigPath, err)
		return
	}
	d.Apply(cfg)
}
