package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/learnsync/learnsync/internal/config"
	"github.com/learnsync/learnsync/internal/sync/queue"
	"github.com/learnsync/learnsync/internal/types"
)

type fakeCache struct {
	sweeps     atomic.Int32
	mu         sync.Mutex
	maxBytes   int64
	maxEntries int
}

func (c *fakeCache) Sweep(time.Time) int {
	c.sweeps.Add(1)
	return 2
}

func (c *fakeCache) SetLimits(maxBytes int64, maxEntries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBytes, c.maxEntries = maxBytes, maxEntries
}

func (c *fakeCache) limits() (int64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxBytes, c.maxEntries
}

type fakeQueues struct {
	keys    []queue.DeviceKey
	results map[string]queue.Result
	errs    map[string]error

	mu      sync.Mutex
	drained []string
	batch   int
	delay   time.Duration
}

func (q *fakeQueues) Devices() []queue.DeviceKey { return q.keys }

func (q *fakeQueues) DrainDevice(_ context.Context, userID, deviceID string, conn types.Connectivity) (queue.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := userID + "/" + deviceID
	q.drained = append(q.drained, key)
	if conn != types.ConnectivityOnline {
		return queue.Result{}, errors.New("unexpected connectivity")
	}
	return q.results[key], q.errs[key]
}

func (q *fakeQueues) SetPacing(batchSize, _ int, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batch, q.delay = batchSize, delay
}

func (q *fakeQueues) drainedKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.drained...)
}

type fakePresence struct {
	online map[string]bool
	checks atomic.Int32
}

func (p *fakePresence) Connected(userID, deviceID string) bool { return p.online[userID+"/"+deviceID] }

func (p *fakePresence) CheckHeartbeats() int {
	p.checks.Add(1)
	return 0
}

type fakeBacklog struct{ prunes atomic.Int32 }

func (b *fakeBacklog) Prune(context.Context) int {
	b.prunes.Add(1)
	return 1
}

type fakeDevices struct {
	mu  sync.Mutex
	ttl time.Duration
}

func (d *fakeDevices) ExpireInactive(_ context.Context, ttl time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ttl = ttl
	return 1
}

func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	return cfg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDrainConnected_OnlyConnectedDevices(t *testing.T) {
	q := &fakeQueues{
		keys: []queue.DeviceKey{
			{UserID: "u1", DeviceID: "phone"},
			{UserID: "u1", DeviceID: "laptop"},
			{UserID: "u2", DeviceID: "tablet"},
			{UserID: "u2", DeviceID: "web"},
		},
		results: map[string]queue.Result{
			"u1/phone":  {Processed: 3, Succeeded: 2, Failed: 1},
			"u2/tablet": {Processed: 1, Succeeded: 1},
			"u2/web":    {AlreadyProcessing: true, Succeeded: 9},
		},
		errs: map[string]error{},
	}
	presence := &fakePresence{online: map[string]bool{"u1/phone": true, "u2/tablet": true, "u2/web": true}}

	d, err := New(Deps{Queues: q, Presence: presence}, quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if got := d.DrainConnected(context.Background()); got != 3 {
		t.Errorf("DrainConnected() = %d, want 3", got)
	}
	drained := q.drainedKeys()
	if len(drained) != 3 {
		t.Fatalf("drained %v, want the three connected devices", drained)
	}
	for _, key := range drained {
		if key == "u1/laptop" {
			t.Error("offline device was drained")
		}
	}
}

func TestDrainConnected_ErrorsDoNotStopOthers(t *testing.T) {
	q := &fakeQueues{
		keys: []queue.DeviceKey{{UserID: "u1", DeviceID: "a"}, {UserID: "u1", DeviceID: "b"}},
		results: map[string]queue.Result{
			"u1/b": {Succeeded: 1},
		},
		errs: map[string]error{"u1/a": types.ErrAlreadyProcessing},
	}
	d, err := New(Deps{Queues: q}, quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if got := d.DrainConnected(context.Background()); got != 1 {
		t.Errorf("DrainConnected() = %d, want 1", got)
	}
}

func TestMaintenanceWorkers(t *testing.T) {
	cache := &fakeCache{}
	backlog := &fakeBacklog{}
	devices := &fakeDevices{}
	presence := &fakePresence{}

	cfg := quietConfig()
	cfg.CacheSweepInterval = 10 * time.Millisecond
	cfg.BacklogPruneInterval = 10 * time.Millisecond
	cfg.DeviceCheckInterval = 10 * time.Millisecond
	cfg.HeartbeatCheckInterval = 10 * time.Millisecond
	cfg.DeviceTTL = time.Hour

	d, err := New(Deps{Cache: cache, Backlog: backlog, Devices: devices, Presence: presence}, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, "cache sweep", func() bool { return cache.sweeps.Load() > 0 })
	waitFor(t, "backlog prune", func() bool { return backlog.prunes.Load() > 0 })
	waitFor(t, "heartbeat check", func() bool { return presence.checks.Load() > 0 })
	waitFor(t, "device expiry", func() bool {
		devices.mu.Lock()
		defer devices.mu.Unlock()
		return devices.ttl == time.Hour
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
	if err := d.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
}

func TestApply(t *testing.T) {
	cache := &fakeCache{}
	q := &fakeQueues{}
	d, err := New(Deps{Cache: cache, Queues: q}, quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	cfg := config.Default()
	cfg.Cache.MaxBytes = 4096
	cfg.Cache.MaxEntries = 12
	cfg.Sync.MaxConcurrentOperations = 4
	cfg.Sync.RetryDelay = config.Duration(time.Second)
	d.Apply(&cfg)

	if b, e := cache.limits(); b != 4096 || e != 12 {
		t.Errorf("cache limits = %d/%d, want 4096/12", b, e)
	}
	if q.batch != 4 || q.delay != time.Second {
		t.Errorf("pacing = %d/%v, want 4/1s", q.batch, q.delay)
	}
}

func TestConfigReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lsync.toml")
	if err := os.WriteFile(path, []byte("[cache]\nmax_entries = 100\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cache := &fakeCache{}
	cfg := quietConfig()
	cfg.ConfigPath = path
	cfg.DebounceInterval = 20 * time.Millisecond

	d, err := New(Deps{Cache: cache}, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	defer d.Stop()

	waitFor(t, "watcher start", func() bool { return d.watcher.IsRunning() })

	if err := os.WriteFile(path, []byte("[cache]\nmax_entries = 250\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	waitFor(t, "reloaded limits", func() bool {
		_, entries := cache.limits()
		return entries == 250
	})
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Sync.AutoSyncInterval = config.Duration(5 * time.Second)
	cfg.Daemon.WatchConfig = false

	d := FromConfig(&cfg, "lsync.toml")
	if d.DrainInterval != 5*time.Second {
		t.Errorf("drain interval = %v, want 5s", d.DrainInterval)
	}
	if d.ConfigPath != "" {
		t.Errorf("config path = %q, want empty when watching is off", d.ConfigPath)
	}
	if d.DeviceTTL != cfg.Daemon.DeviceTTL.Std() {
		t.Errorf("device ttl = %v", d.DeviceTTL)
	}
}
