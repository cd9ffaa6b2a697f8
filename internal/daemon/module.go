// Package daemon composes the engine for one profile with fx.
package daemon

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/bus/natsbridge"
	"github.com/matheus3301/msgsync/internal/config"
	"github.com/matheus3301/msgsync/internal/connectivity"
	"github.com/matheus3301/msgsync/internal/lock"
	"github.com/matheus3301/msgsync/internal/logging"
	"github.com/matheus3301/msgsync/internal/metrics"
	"github.com/matheus3301/msgsync/internal/outbox"
	"github.com/matheus3301/msgsync/internal/presence"
	"github.com/matheus3301/msgsync/internal/profile"
	"github.com/matheus3301/msgsync/internal/realtime"
	"github.com/matheus3301/msgsync/internal/remote"
	"github.com/matheus3301/msgsync/internal/remote/redisdoc"
	"github.com/matheus3301/msgsync/internal/store"
	intsync "github.com/matheus3301/msgsync/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string // also the signed-in user id
	Layout     profile.Layout
	Config     *config.Config
	SocketPath string      // optional override for testing; empty = use default
	Logger     *zap.Logger // optional; nil = log to the profile's log file
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return p.Layout.SocketPath(p.Profile)
}

func (p Params) config() *config.Config {
	if p.Config == nil {
		return config.Default()
	}
	return p.Config.WithDefaults()
}

// Module returns the fx module for the engine, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRedis,
			provideRemote,
			provideChannels,
			provideMonitor,
			provideOrchestrator,
			provideEngine,
			provideTracker,
			provideNATS,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config { return p.config() }

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(p.Layout.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := p.Layout.Ensure(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(p.Layout.LockDir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two
// engines.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.Layout.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideRedis returns nil for the memory backend.
func provideRedis(cfg *config.Config) *redis.Client {
	if cfg.Remote.Backend != config.BackendRedis {
		return nil
	}
	return redisdoc.NewClient(redisdoc.Options{
		Addr:     cfg.Remote.RedisAddr,
		Password: cfg.Remote.RedisPassword,
		DB:       cfg.Remote.RedisDB,
	})
}

func provideRemote(rdb *redis.Client, logger *zap.Logger) remote.DocumentStore {
	if rdb == nil {
		logger.Warn("using in-memory remote store; messages stay on this device")
		return remote.NewMemory()
	}
	return redisdoc.New(rdb, logger.Named("remote"))
}

type channels struct {
	fx.Out

	Channel  presence.Channel
	Realtime *realtime.Channel
}

func provideChannels(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) channels {
	if rdb == nil {
		ch := presence.NewMemoryChannel()
		ch.SetConnected(true)
		return channels{Channel: ch}
	}
	rt := realtime.NewChannel(rdb, logger.Named("realtime"), realtime.Options{LeaseTTL: cfg.Presence.LeaseTTL.Duration})
	return channels{Channel: rt, Realtime: rt}
}

// provideMonitor starts online when no probe address is configured.
func provideMonitor(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(cfg.Connectivity.ProbeAddr == "", b, logger.Named("connectivity"))
}

func provideOrchestrator(cfg *config.Config, db *store.DB, rs remote.DocumentStore, mon *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *outbox.Orchestrator {
	return outbox.New(db, rs, mon, b, logger.Named("outbox"), outbox.Options{
		MaxRetries:   cfg.Sync.MaxRetries,
		Backoff:      cfg.Sync.BackoffDurations(),
		PollInterval: cfg.Sync.PollInterval.Duration,
	})
}

func provideEngine(db *store.DB, rs remote.DocumentStore, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, rs, b, logger.Named("sync"))
}

func provideTracker(p Params, cfg *config.Config, ch presence.Channel, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(p.Profile, ch, b, logger.Named("presence"), presence.Options{
		Debounce: cfg.Presence.Debounce.Duration,
		Grace:    cfg.Presence.Grace.Duration,
	})
}

// provideNATS returns nil when no NATS url is configured.
func provideNATS(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*natsbridge.Bridge, *nats.Conn, error) {
	if cfg.NATS.URL == "" {
		return nil, nil, nil
	}
	nc, err := natsbridge.Connect(natsbridge.Config{URL: cfg.NATS.URL, MaxReconnects: -1}, logger.Named("nats"))
	if err != nil {
		return nil, nil, err
	}
	return natsbridge.New(nc, b, cfg.NATS.SubjectPrefix, logger.Named("nats")), nc, nil
}

func provideService(p Params, orch *outbox.Orchestrator, db *store.DB, mon *connectivity.Monitor, tracker *presence.Tracker, logger *zap.Logger) *api.Service {
	return api.NewService(p.Profile, orch, db, mon, tracker, logger.Named("api"))
}

type lifecycleIn struct {
	fx.In

	Params   Params
	Config   *config.Config
	Server   *Server
	Lock     *lock.Lock
	DB       *store.DB
	Redis    *redis.Client
	Remote   remote.DocumentStore
	Channel  presence.Channel
	Realtime *realtime.Channel
	Monitor  *connectivity.Monitor
	Outbox   *outbox.Orchestrator
	Engine   *intsync.Engine
	Tracker  *presence.Tracker
	Bridge   *natsbridge.Bridge
	NATS     *nats.Conn
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleIn) {
	var (
		cancel       context.CancelFunc
		unsubMonitor func()
		unsubMirror  func()
	)
	logger := in.Logger
	cfg := in.Config

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			metrics.Register()

			if err := in.Engine.Start(ctx, in.Params.Profile); err != nil {
				cancel()
				return err
			}

			// Every offline -> online transition drains the outbox.
			unsubMonitor = in.Monitor.Subscribe(func(online bool) {
				if online {
					in.Outbox.Trigger()
				}
			})
			in.Outbox.Start(ctx)

			if in.Realtime != nil {
				in.Realtime.Start(ctx)
			}
			// Without a presence server the mirror runs in-process.
			if mc, ok := in.Channel.(*presence.MemoryChannel); ok {
				mirror := presence.NewMirror(in.Remote, logger.Named("mirror"))
				unsubMirror = mc.OnWrite(func(ev presence.WriteEvent) {
					if err := mirror.Handle(ctx, ev); err != nil {
						logger.Warn("mirror write failed", zap.Error(err))
					}
				})
			}
			in.Tracker.Start(ctx)

			if addr := cfg.Connectivity.ProbeAddr; addr != "" {
				prober := connectivity.NewProber(addr, cfg.Connectivity.ProbeInterval.Duration, in.Monitor, logger.Named("prober"))
				go prober.Run(ctx)
			}
			if addr := cfg.Metrics.Addr; addr != "" {
				go func() {
					if err := metrics.Serve(ctx, addr, logger); err != nil {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}
			if in.Bridge != nil {
				in.Bridge.Start(ctx)
			}

			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if in.Monitor.Online() {
				in.Outbox.Trigger()
			}
			logger.Info("engine started", zap.String("user_id", in.Params.Profile), zap.String("remote", cfg.Remote.Backend))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			in.Server.Stop(ctx)
			if unsubMonitor != nil {
				unsubMonitor()
			}
			in.Outbox.Stop()
			in.Tracker.Stop()
			if unsubMirror != nil {
				unsubMirror()
			}
			if in.Realtime != nil {
				in.Realtime.Stop()
			}
			in.Engine.Stop()
			if in.Bridge != nil {
				in.Bridge.Stop()
			}
			if cancel != nil {
				cancel()
			}
			if in.NATS != nil {
				in.NATS.Close()
			}
			if in.Redis != nil {
				_ = in.Redis.Close()
			}
			if err := in.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
