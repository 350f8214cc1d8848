// Package config loads the sync server configuration.
//
// Values come from, in increasing precedence: built-in defaults, a TOML
// file, a .env file and LSYNC_* environment variables. Nested keys map to
// variables with dots replaced by underscores, so cache.max_bytes is read
// from LSYNC_CACHE_MAX_BYTES.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/learnsync/learnsync/internal/logging"
	"github.com/learnsync/learnsync/internal/types"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LSYNC"

// Duration is a time.Duration written as "5m0s" in config files.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig       `mapstructure:"server" toml:"server"`
	Database DatabaseConfig     `mapstructure:"database" toml:"database"`
	Log      logging.Config     `mapstructure:"log" toml:"log"`
	Sync     SyncConfiguration  `mapstructure:"sync" toml:"sync"`
	Cache    CacheConfiguration `mapstructure:"cache" toml:"cache"`
	Queue    QueueConfig        `mapstructure:"queue" toml:"queue"`
	Realtime RealtimeConfig     `mapstructure:"realtime" toml:"realtime"`
	Daemon   DaemonConfig       `mapstructure:"daemon" toml:"daemon"`

	// Overrides are keyed "user/device"; keys are matched case-insensitively.
	Overrides map[string]Override `mapstructure:"overrides" toml:"overrides,omitempty"`
}

type ServerConfig struct {
	Addr         string   `mapstructure:"addr" toml:"addr"`
	WriteTimeout Duration `mapstructure:"write_timeout" toml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
	// PostgresDSN moves canonical records to PostgreSQL when set.
	PostgresDSN string `mapstructure:"postgres_dsn" toml:"postgres_dsn"`
}

// SyncConfiguration is the sync behaviour of one device.
type SyncConfiguration struct {
	// AutoSyncInterval is how often queued operations are drained for
	// connected devices.
	AutoSyncInterval  Duration         `mapstructure:"auto_sync_interval" toml:"auto_sync_interval"`
	Strategy          types.Strategy   `mapstructure:"strategy" toml:"strategy"`
	PriorityDataTypes []types.DataType `mapstructure:"priority_data_types" toml:"priority_data_types"`
	// MaxConcurrentOperations is the replay batch size.
	MaxConcurrentOperations int      `mapstructure:"max_concurrent_operations" toml:"max_concurrent_operations"`
	OperationTimeout        Duration `mapstructure:"operation_timeout" toml:"operation_timeout"`
	// RetryDelay paces replays under degraded connectivity.
	RetryDelay       Duration `mapstructure:"retry_delay" toml:"retry_delay"`
	ManualResolution bool     `mapstructure:"manual_resolution" toml:"manual_resolution"`
}

// CacheConfiguration bounds one device cache.
type CacheConfiguration struct {
	MaxBytes          int64    `mapstructure:"max_bytes" toml:"max_bytes"`
	MaxEntries        int      `mapstructure:"max_entries" toml:"max_entries"`
	MaxItemSize       int64    `mapstructure:"max_item_size" toml:"max_item_size"`
	DefaultTTL        Duration `mapstructure:"default_ttl" toml:"default_ttl"`
	CriticalTTL       Duration `mapstructure:"critical_ttl" toml:"critical_ttl"`
	Compression       bool     `mapstructure:"compression" toml:"compression"`
	CompressThreshold int      `mapstructure:"compress_threshold" toml:"compress_threshold"`
	PreferredSubjects []string `mapstructure:"preferred_subjects" toml:"preferred_subjects"`
}

type QueueConfig struct {
	Capacity          int      `mapstructure:"capacity" toml:"capacity"`
	MaxAttempts       int      `mapstructure:"max_attempts" toml:"max_attempts"`
	DegradedBatchSize int      `mapstructure:"degraded_batch_size" toml:"degraded_batch_size"`
	BatchBudget       Duration `mapstructure:"batch_budget" toml:"batch_budget"`
}

type RealtimeConfig struct {
	InstanceID       string   `mapstructure:"instance_id" toml:"instance_id"`
	PingInterval     Duration `mapstructure:"ping_interval" toml:"ping_interval"`
	HeartbeatTimeout Duration `mapstructure:"heartbeat_timeout" toml:"heartbeat_timeout"`
	BacklogMaxLength int      `mapstructure:"backlog_max_length" toml:"backlog_max_length"`
	BacklogRetention Duration `mapstructure:"backlog_retention" toml:"backlog_retention"`
	UpdateExpiry     Duration `mapstructure:"update_expiry" toml:"update_expiry"`
	InboundRate      float64  `mapstructure:"inbound_rate" toml:"inbound_rate"`
	InboundBurst     int      `mapstructure:"inbound_burst" toml:"inbound_burst"`
	BrokerBuffer     int      `mapstructure:"broker_buffer" toml:"broker_buffer"`
}

type DaemonConfig struct {
	CacheSweepInterval   Duration `mapstructure:"cache_sweep_interval" toml:"cache_sweep_interval"`
	BacklogPruneInterval Duration `mapstructure:"backlog_prune_interval" toml:"backlog_prune_interval"`
	DeviceCheckInterval  Duration `mapstructure:"device_check_interval" toml:"device_check_interval"`
	// DeviceTTL soft-expires devices not seen for this long.
	DeviceTTL Duration `mapstructure:"device_ttl" toml:"device_ttl"`
	// WatchConfig reloads cache limits and queue pacing when the file changes.
	WatchConfig bool `mapstructure:"watch_config" toml:"watch_config"`
}

// Override replaces parts of the sync and cache configuration for one
// device. Unset fields keep the global value.
type Override struct {
	Strategy          *types.Strategy  `mapstructure:"strategy" toml:"strategy,omitempty"`
	ManualResolution  *bool            `mapstructure:"manual_resolution" toml:"manual_resolution,omitempty"`
	PriorityDataTypes []types.DataType `mapstructure:"priority_data_types" toml:"priority_data_types,omitempty"`
	CacheMaxBytes     *int64           `mapstructure:"cache_max_bytes" toml:"cache_max_bytes,omitempty"`
	CacheMaxEntries   *int             `mapstructure:"cache_max_entries" toml:"cache_max_entries,omitempty"`
	Compression       *bool            `mapstructure:"compression" toml:"compression,omitempty"`
	PreferredSubjects []string         `mapstructure:"preferred_subjects" toml:"preferred_subjects,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			WriteTimeout: Duration(5 * time.Second),
		},
		Database: DatabaseConfig{
			Path: filepath.Join(".learnsync", "sync.db"),
		},
		Log: logging.Config{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Sync: SyncConfiguration{
			AutoSyncInterval:        Duration(30 * time.Second),
			PriorityDataTypes:       []types.DataType{types.DataTypeUserProfile, types.DataTypeProgressRecord},
			MaxConcurrentOperations: 10,
			OperationTimeout:        Duration(30 * time.Second),
			RetryDelay:              Duration(500 * time.Millisecond),
		},
		Cache: CacheConfiguration{
			MaxBytes:          50 * 1024 * 1024,
			MaxEntries:        5000,
			MaxItemSize:       5 * 1024 * 1024,
			DefaultTTL:        Duration(24 * time.Hour),
			CriticalTTL:       Duration(7 * 24 * time.Hour),
			Compression:       true,
			CompressThreshold: 1024,
		},
		Queue: QueueConfig{
			Capacity:          1000,
			MaxAttempts:       3,
			DegradedBatchSize: 3,
			BatchBudget:       Duration(2 * time.Minute),
		},
		Realtime: RealtimeConfig{
			PingInterval:     Duration(30 * time.Second),
			HeartbeatTimeout: Duration(90 * time.Second),
			BacklogMaxLength: 500,
			BacklogRetention: Duration(24 * time.Hour),
			UpdateExpiry:     Duration(24 * time.Hour),
			InboundRate:      20,
			InboundBurst:     40,
			BrokerBuffer:     256,
		},
		Daemon: DaemonConfig{
			CacheSweepInterval:   Duration(time.Minute),
			BacklogPruneInterval: Duration(10 * time.Minute),
			DeviceCheckInterval:  Duration(time.Minute),
			DeviceTTL:            Duration(30 * 24 * time.Hour),
			WatchConfig:          true,
		},
	}
}

// Load reads the configuration. path may be empty or name a missing file,
// in which case defaults and the environment apply.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults, err := Encode(Default())
	if err != nil {
		return nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to read defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if _, err := types.ParseStrategy(string(c.Sync.Strategy)); err != nil {
		return fmt.Errorf("sync.strategy: %w", err)
	}
	for _, dt := range c.Sync.PriorityDataTypes {
		if !dt.Valid() {
			return fmt.Errorf("sync.priority_data_types: unknown data type %q", dt)
		}
	}
	for key, o := range c.Overrides {
		if !strings.Contains(key, "/") {
			return fmt.Errorf("overrides: key %q is not user/device", key)
		}
		if o.Strategy != nil {
			if _, err := types.ParseStrategy(string(*o.Strategy)); err != nil {
				return fmt.Errorf("overrides.%s.strategy: %w", key, err)
			}
		}
	}
	if c.Cache.MaxBytes <= 0 || c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache limits must be positive")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive")
	}
	return nil
}

func (c *Config) override(userID, deviceID string) (Override, bool) {
	o, ok := c.Overrides[strings.ToLower(userID+"/"+deviceID)]
	return o, ok
}

// SyncFor returns the sync configuration of one device.
func (c *Config) SyncFor(userID, deviceID string) SyncConfiguration {
	s := c.Sync
	s.PriorityDataTypes = append([]types.DataType(nil), c.Sync.PriorityDataTypes...)
	o, ok := c.override(userID, deviceID)
	if !ok {
		return s
	}
	if o.Strategy != nil {
		s.Strategy = *o.Strategy
	}
	if o.ManualResolution != nil {
		s.ManualResolution = *o.ManualResolution
	}
	if len(o.PriorityDataTypes) > 0 {
		s.PriorityDataTypes = append([]types.DataType(nil), o.PriorityDataTypes...)
	}
	return s
}

// CacheFor returns the cache configuration of one device.
func (c *Config) CacheFor(userID, deviceID string) CacheConfiguration {
	cc := c.Cache
	cc.PreferredSubjects = append([]string(nil), c.Cache.PreferredSubjects...)
	o, ok := c.override(userID, deviceID)
	if !ok {
		return cc
	}
	if o.CacheMaxBytes != nil {
		cc.MaxBytes = *o.CacheMaxBytes
	}
	if o.CacheMaxEntries != nil {
		cc.MaxEntries = *o.CacheMaxEntries
	}
	if o.Compression != nil {
		cc.Compression = *o.Compression
	}
	if len(o.PreferredSubjects) > 0 {
		cc.PreferredSubjects = append([]string(nil), o.PreferredSubjects...)
	}
	return cc
}

// Encode renders cfg as TOML.
func Encode(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default configuration to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	data, err := Encode(Default())
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
