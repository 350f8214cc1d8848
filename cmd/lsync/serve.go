package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/learnsync/learnsync/internal/canonstore"
	"github.com/learnsync/learnsync/internal/config"
	"github.com/learnsync/learnsync/internal/daemon"
	"github.com/learnsync/learnsync/internal/db"
	"github.com/learnsync/learnsync/internal/db/postgres"
	"github.com/learnsync/learnsync/internal/device"
	"github.com/learnsync/learnsync/internal/logging"
	"github.com/learnsync/learnsync/internal/realtime"
	"github.com/learnsync/learnsync/internal/sync/cache"
	"github.com/learnsync/learnsync/internal/sync/coordinator"
	"github.com/learnsync/learnsync/internal/sync/queue"
	"github.com/learnsync/learnsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the sync server",
	Long: `Run the sync server in the foreground.

The server:
  1. Opens the SQLite database (and PostgreSQL when a DSN is configured)
  2. Restores persisted offline queues and the update backlog
  3. Accepts device connections on /ws
  4. Runs cache sweeps, queue drains, backlog pruning and device expiry
  5. Reloads cache limits and queue pacing when the config file changes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logs := logging.New(cfg.Log)
		defer logs.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e, err := newEngine(ctx, cfg, logs)
		if err != nil {
			return err
		}
		if err := e.start(ctx); err != nil {
			e.close()
			return err
		}

		addr := e.server.GetAddr()
		fmt.Printf("%s Sync server started\n", ui.RenderAccent("▶"))
		fmt.Printf("   WebSocket: ws://%s/ws\n", addr)
		fmt.Printf("   Health:    http://%s/health\n", addr)
		fmt.Printf("   Database:  %s\n", e.db.Path())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		<-ctx.Done()
		fmt.Println("\nShutting down...")
		e.close()
		fmt.Printf("%s Stopped\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// engine is the wired server.
type engine struct {
	cfg  *config.Config
	logs *logging.Logger

	db        *db.DB
	pg        *postgres.Store
	cache     *cache.Store
	queue     *queue.Queue
	devices   *device.Registry
	coord     *coordinator.Coordinator
	registry  *realtime.Registry
	backlog   *realtime.Backlog
	publisher *realtime.Publisher
	server    *realtime.Server
	daemon    *daemon.Daemon
	daemonErr chan error
}

// queueControl lets the daemon list, drain and pace device queues.
type queueControl struct {
	*coordinator.Coordinator
	queue *queue.Queue
}

func (q queueControl) Devices() []queue.DeviceKey { return q.queue.Devices() }

func (q queueControl) SetPacing(batchSize, degradedBatchSize int, degradedDelay time.Duration) {
	q.Processor().SetPacing(batchSize, degradedBatchSize, degradedDelay)
}

// policyFor maps per-device sync configuration to coordinator policy.
func policyFor(cfg *config.Config) coordinator.PolicyFunc {
	return func(userID, deviceID string) coordinator.Policy {
		s := cfg.SyncFor(userID, deviceID)
		return coordinator.Policy{
			Strategy:          s.Strategy,
			ManualResolution:  s.ManualResolution,
			PriorityDataTypes: s.PriorityDataTypes,
		}
	}
}

func newEngine(ctx context.Context, cfg *config.Config, logs *logging.Logger) (*engine, error) {
	e := &engine{cfg: cfg, logs: logs}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	e.db = database

	var canonical canonstore.Store = database
	if cfg.Database.PostgresDSN != "" {
		pg, err := postgres.New(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			e.close()
			return nil, err
		}
		e.pg = pg
		canonical = pg
	}

	e.cache = cache.New(cache.Config{
		MaxBytes:          cfg.Cache.MaxBytes,
		MaxEntries:        cfg.Cache.MaxEntries,
		MaxItemSize:       cfg.Cache.MaxItemSize,
		DefaultTTL:        cfg.Cache.DefaultTTL.Std(),
		CriticalTTL:       cfg.Cache.CriticalTTL.Std(),
		Compression:       cfg.Cache.Compression,
		CompressThreshold: cfg.Cache.CompressThreshold,
		PreferredSubjects: cfg.Cache.PreferredSubjects,
		Logger:            logs.Component("cache"),
	})
	e.queue = queue.New(queue.Config{
		Capacity:           cfg.Queue.Capacity,
		DefaultMaxAttempts: cfg.Queue.MaxAttempts,
		Persister:          database,
		Logger:             logs.Component("queue"),
	})
	e.devices = device.NewRegistry(device.Config{Store: database, Logger: logs.Component("device")})

	rt := logs.Component("realtime")
	e.registry = realtime.NewRegistry(realtime.RegistryConfig{
		PingInterval:     cfg.Realtime.PingInterval.Std(),
		HeartbeatTimeout: cfg.Realtime.HeartbeatTimeout.Std(),
		Logger:           rt,
	})
	e.backlog = realtime.NewBacklog(realtime.BacklogConfig{
		MaxLength: cfg.Realtime.BacklogMaxLength,
		Retention: cfg.Realtime.BacklogRetention.Std(),
		Store:     database,
		Logger:    rt,
	})
	e.publisher = realtime.NewPublisher(e.registry, e.backlog, realtime.NewMemoryBroker(cfg.Realtime.BrokerBuffer),
		realtime.PublisherConfig{
			InstanceID:   cfg.Realtime.InstanceID,
			UpdateExpiry: cfg.Realtime.UpdateExpiry.Std(),
			Logger:       rt,
		})

	e.coord, err = coordinator.New(coordinator.Config{
		Versions:  database,
		Conflicts: database,
		Canonical: canonical,
		Cache:     e.cache,
		Queue:     e.queue,
		Notifier:  e.publisher,
		Devices:   e.devices,
		Policy:    policyFor(cfg),
		Processor: queue.ProcessorConfig{
			BatchSize:         cfg.Sync.MaxConcurrentOperations,
			DegradedBatchSize: cfg.Queue.DegradedBatchSize,
			DegradedDelay:     cfg.Sync.RetryDelay.Std(),
			OperationTimeout:  cfg.Sync.OperationTimeout.Std(),
			BatchBudget:       cfg.Queue.BatchBudget.Std(),
		},
		Logger: logs.Component("sync"),
	})
	if err != nil {
		e.close()
		return nil, err
	}

	e.server = realtime.NewServer(realtime.ServerConfig{
		Addr:         cfg.Server.Addr,
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		InboundRate:  cfg.Realtime.InboundRate,
		InboundBurst: cfg.Realtime.InboundBurst,
		Logger:       rt,
	}, e.registry, e.publisher, e.devices)
	e.server.SetSyncTrigger(e.coord)

	dcfg := daemon.FromConfig(cfg, configPath)
	dcfg.Logger = logs.Component("daemon")
	e.daemon, err = daemon.New(daemon.Deps{
		Cache:    e.cache,
		Queues:   queueControl{Coordinator: e.coord, queue: e.queue},
		Presence: e.registry,
		Backlog:  e.backlog,
		Devices:  e.devices,
	}, dcfg)
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// restoreQueues reloads every persisted device queue.
func (e *engine) restoreQueues(ctx context.Context) error {
	sizes, err := e.db.ListQueues(ctx)
	if err != nil {
		return err
	}
	for _, qs := range sizes {
		userID, deviceID, ok := splitQueueKey(qs.Key)
		if !ok {
			e.logs.Printf("WARNING: skipping queue with unexpected key %q", qs.Key)
			continue
		}
		n, err := e.queue.Restore(ctx, userID, deviceID)
		if err != nil {
			e.logs.Printf("WARNING: failed to restore queue %s: %v", qs.Key, err)
			continue
		}
		e.logs.Printf("Restored %d queued operations for %s/%s", n, userID, deviceID)
	}
	return nil
}

// splitQueueKey inverts queue.Key.
func splitQueueKey(key string) (userID, deviceID string, ok bool) {
	prefix := queue.Key("", "")
	prefix = prefix[:len(prefix)-1]
	rest, found := strings.CutPrefix(key, prefix)
	if !found {
		return "", "", false
	}
	userID, deviceID, ok = strings.Cut(rest, ":")
	if !ok || userID == "" || deviceID == "" {
		return "", "", false
	}
	return userID, deviceID, true
}

func (e *engine) start(ctx context.Context) error {
	if err := e.restoreQueues(ctx); err != nil {
		return err
	}
	n, err := e.backlog.Load(ctx)
	if err != nil {
		return err
	}
	e.logs.Printf("Loaded %d backlog updates", n)
	if err := e.publisher.Start(); err != nil {
		return err
	}
	if err := e.server.Start(); err != nil {
		return err
	}
	e.daemonErr = make(chan error, 1)
	go func() { e.daemonErr <- e.daemon.Start(context.Background()) }()
	return nil
}

// close stops everything that was started, in reverse order.
func (e *engine) close() {
	if e.daemon != nil {
		_ = e.daemon.Stop()
		if e.daemonErr != nil {
			if err := <-e.daemonErr; err != nil {
				e.logs.Printf("WARNING: daemon: %v", err)
			}
		}
	}
	if e.server != nil {
		if err := e.server.Stop(); err != nil {
			e.logs.Printf("WARNING: failed to stop server: %v", err)
		}
	}
	if e.publisher != nil {
		e.publisher.Stop()
	}
	if e.registry != nil {
		e.registry.CloseAll()
	}
	if e.pg != nil {
		_ = e.pg.Close()
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.logs.Printf("WARNING: %v", err)
		}
	}
}
