package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/learnsync/learnsync/internal/types"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lsync.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	def := Default()
	if cfg.Server.Addr != def.Server.Addr {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, def.Server.Addr)
	}
	if cfg.Cache.DefaultTTL.Std() != 24*time.Hour {
		t.Errorf("default ttl = %v, want 24h", cfg.Cache.DefaultTTL.Std())
	}
	if len(cfg.Sync.PriorityDataTypes) != 2 || cfg.Sync.PriorityDataTypes[0] != types.DataTypeUserProfile {
		t.Errorf("priority data types = %v", cfg.Sync.PriorityDataTypes)
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeFile(t, `
[sync]
strategy = "client_wins"
auto_sync_interval = "10s"

[cache]
preferred_subjects = ["math", "physics"]

[overrides."u1/phone"]
manual_resolution = true
cache_max_entries = 10
strategy = "server_wins"
`)
	t.Setenv("LSYNC_CACHE_MAX_BYTES", "2048")
	t.Setenv("LSYNC_SERVER_ADDR", "127.0.0.1:9000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Sync.Strategy != types.StrategyClientWins {
		t.Errorf("strategy = %q, want client_wins", cfg.Sync.Strategy)
	}
	if cfg.Sync.AutoSyncInterval.Std() != 10*time.Second {
		t.Errorf("auto sync interval = %v, want 10s", cfg.Sync.AutoSyncInterval.Std())
	}
	if cfg.Cache.MaxBytes != 2048 {
		t.Errorf("cache max bytes = %d, want 2048 from env", cfg.Cache.MaxBytes)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("addr = %q, want env value", cfg.Server.Addr)
	}
	if cfg.Queue.Capacity != Default().Queue.Capacity {
		t.Errorf("queue capacity = %d, want default", cfg.Queue.Capacity)
	}

	phone := cfg.SyncFor("u1", "phone")
	if !phone.ManualResolution || phone.Strategy != types.StrategyServerWins {
		t.Errorf("phone sync = %+v, want override applied", phone)
	}
	if phone.AutoSyncInterval.Std() != 10*time.Second {
		t.Errorf("phone auto sync interval = %v, want global value", phone.AutoSyncInterval.Std())
	}
	if got := cfg.CacheFor("u1", "phone"); got.MaxEntries != 10 || got.MaxBytes != 2048 {
		t.Errorf("phone cache = %+v, want 10 entries and global bytes", got)
	}

	laptop := cfg.SyncFor("u1", "laptop")
	if laptop.ManualResolution || laptop.Strategy != types.StrategyClientWins {
		t.Errorf("laptop sync = %+v, want global values", laptop)
	}
	subjects := cfg.CacheFor("u1", "laptop").PreferredSubjects
	if len(subjects) != 2 || subjects[1] != "physics" {
		t.Errorf("preferred subjects = %v", subjects)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown strategy", "[sync]\nstrategy = \"coin_flip\"\n"},
		{"unknown data type", "[sync]\npriority_data_types = [\"HOMEWORK\"]\n"},
		{"bad override key", "[overrides.phone]\nmanual_resolution = true\n"},
		{"bad duration", "[cache]\ndefault_ttl = \"soon\"\n"},
		{"bad toml", "[cache\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.content)); err == nil {
				t.Error("Load() succeeded, want error")
			}
		})
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "lsync.toml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}
	if err := WriteDefault(path); err == nil {
		t.Error("second WriteDefault() should refuse to overwrite")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	def := Default()
	if cfg.Realtime.HeartbeatTimeout != def.Realtime.HeartbeatTimeout {
		t.Errorf("heartbeat timeout = %v, want %v", cfg.Realtime.HeartbeatTimeout.Std(), def.Realtime.HeartbeatTimeout.Std())
	}
	if cfg.Daemon.DeviceTTL != def.Daemon.DeviceTTL {
		t.Errorf("device ttl = %v, want %v", cfg.Daemon.DeviceTTL.Std(), def.Daemon.DeviceTTL.Std())
	}
	if cfg.Database.Path != def.Database.Path {
		t.Errorf("database path = %q, want %q", cfg.Database.Path, def.Database.Path)
	}
}

func TestSyncFor_CopiesSlices(t *testing.T) {
	cfg := Default()
	s := cfg.SyncFor("u1", "d1")
	s.PriorityDataTypes[0] = types.DataTypeTutorSession
	if cfg.Sync.PriorityDataTypes[0] != types.DataTypeUserProfile {
		t.Error("SyncFor() result aliases the global slice")
	}
}
