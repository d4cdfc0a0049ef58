package daemon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/matheus3301/wppbak/internal/api"
	"github.com/matheus3301/wppbak/internal/backup"
	"github.com/matheus3301/wppbak/internal/bus"
	"github.com/matheus3301/wppbak/internal/config"
	"github.com/matheus3301/wppbak/internal/lock"
	"github.com/matheus3301/wppbak/internal/logging"
	"github.com/matheus3301/wppbak/internal/outbox"
	"github.com/matheus3301/wppbak/internal/relay"
	"github.com/matheus3301/wppbak/internal/session"
	"github.com/matheus3301/wppbak/internal/status"
	"github.com/matheus3301/wppbak/internal/store"
	intsync "github.com/matheus3301/wppbak/internal/sync"
	"github.com/matheus3301/wppbak/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	// Config overrides ~/.wpp/config.toml when set.
	Config *config.Config
	// Addr overrides the configured HTTP listen address.
	Addr string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideListener,
			provideStore,
			provideAdapter,
			provideSyncEngine,
			provideSource,
			provideBackupStores,
			provideTracker,
			provideEngine,
			provideScheduler,
			provideSender,
			provideRelay,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), cfg.HTTP.Addr)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideListener binds the API address and advertises the bound address in
// the session lock so clients can find the daemon.
func provideListener(p Params, cfg *config.Config, lk *lock.Lock) (net.Listener, error) {
	addr := p.Addr
	if addr == "" {
		addr = cfg.HTTP.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := lk.Advertise(ln.Addr().String()); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("advertise address: %w", err)
	}
	return ln, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
	db, result, err := store.OpenMigrated(dbPath)
	if err != nil {
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

func provideAdapter(p Params, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (*wa.Adapter, error) {
	return wa.NewAdapter(context.Background(), p.SessionName, b, logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideSource(db *store.DB, adapter *wa.Adapter, machine *status.Machine, logger *zap.Logger) *wa.Source {
	return wa.NewSource(db, adapter, machine, logger.Named("source"))
}

func provideBackupStores(p Params, cfg *config.Config) (*backup.SnapshotStore, *backup.Catalog, error) {
	dir := session.BackupDir(p.SessionName, cfg.Backup.Dir)
	if err := session.EnsureDir(p.SessionName, dir); err != nil {
		return nil, nil, err
	}
	return backup.NewSnapshotStore(dir), backup.NewCatalog(session.CatalogPath(dir)), nil
}

func provideTracker(logger *zap.Logger) *backup.Tracker {
	return backup.NewTracker(logger.Named("backup"))
}

func provideEngine(src *wa.Source, snapshots *backup.SnapshotStore, catalog *backup.Catalog, tracker *backup.Tracker, b *bus.Bus, logger *zap.Logger) *backup.Engine {
	return backup.NewEngine(src, snapshots, catalog, tracker, logger.Named("backup"), backup.WithBus(b))
}

// provideScheduler returns nil when the nightly scheduler is disabled.
func provideScheduler(cfg *config.Config, engine *backup.Engine, catalog *backup.Catalog, logger *zap.Logger) *backup.Scheduler {
	if !cfg.Backup.SchedulerEnabled {
		return nil
	}
	return backup.NewScheduler(engine, catalog, logger.Named("scheduler"))
}

func provideSender(cfg *config.Config, db *store.DB, adapter *wa.Adapter, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *outbox.Sender {
	opts := []outbox.Option{}
	if n := cfg.Outbox.MessagesPerMin; n > 0 {
		opts = append(opts, outbox.WithPace(time.Minute/time.Duration(n)))
	}
	if d := cfg.Outbox.PollInterval.Duration; d > 0 {
		opts = append(opts, outbox.WithPollInterval(d))
	}
	return outbox.NewSender(db, adapter, b, machine, logger.Named("outbox"), opts...)
}

// provideRelay returns nil unless a Redis URL is configured.
func provideRelay(p Params, cfg *config.Config, db *store.DB, logger *zap.Logger) (*relay.Relay, error) {
	if cfg.Relay.RedisURL == "" {
		return nil, nil
	}
	q, err := relay.NewRedisQueue(cfg.Relay.RedisURL, p.SessionName)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Ping(ctx); err != nil {
		// the relay loop keeps retrying
		logger.Warn("relay queue unreachable", zap.String("key", relay.Key(p.SessionName)), zap.Error(err))
	} else {
		logger.Info("relay queue connected", zap.String("key", relay.Key(p.SessionName)))
	}
	return relay.New(q, db, logger.Named("relay")), nil
}

type handlerDeps struct {
	fx.In

	Params    Params
	Config    *config.Config
	Engine    *backup.Engine
	Source    *wa.Source
	Snapshots *backup.SnapshotStore
	Catalog   *backup.Catalog
	Tracker   *backup.Tracker
	Scheduler *backup.Scheduler
	Adapter   *wa.Adapter
	Machine   *status.Machine
	DB        *store.DB
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func provideHandler(d handlerDeps) *api.Handler {
	return api.NewHandler(api.Deps{
		SessionName: d.Params.SessionName,
		Runner:      d.Engine,
		Chats:       d.Source,
		Snapshots:   d.Snapshots,
		Catalog:     d.Catalog,
		Progress:    d.Tracker,
		Scheduler:   d.Scheduler,
		Session:     d.Adapter,
		Machine:     d.Machine,
		DB:          d.DB,
		Bus:         d.Bus,
		Logger:      d.Logger.Named("api"),
		RateLimit:   d.Config.HTTP.RateLimit,
	})
}

type lifecycleDeps struct {
	fx.In

	Lifecycle fx.Lifecycle
	Server    *Server
	Handler   *api.Handler
	Lock      *lock.Lock
	DB        *store.DB
	Adapter   *wa.Adapter
	Engine    *intsync.Engine
	Sender    *outbox.Sender
	Relay     *relay.Relay
	Scheduler *backup.Scheduler
	Machine   *status.Machine
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func registerLifecycle(d lifecycleDeps) {
	logger := d.Logger
	d.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start sync engine (subscribes to wa.* bus events).
			d.Engine.Start(context.Background())

			// Register event handler for whatsmeow events.
			handler := wa.NewEventHandler(d.Bus, d.Machine, d.Adapter, logger)
			d.Adapter.RegisterEventHandler(handler.Handle)

			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			d.Sender.Start(context.Background())
			if d.Relay != nil {
				d.Relay.Start(context.Background())
			}
			if d.Scheduler != nil {
				d.Scheduler.Start(context.Background())
			}

			// Transition state based on auth status.
			if d.Adapter.IsLoggedIn() {
				_ = d.Machine.Transition(status.Connecting)
				go func() {
					if err := d.Adapter.Connect(); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
						_ = d.Machine.Transition(status.Error)
					}
				}()
			} else {
				logger.Info("no credentials found, auth required")
				_ = d.Machine.Transition(status.AuthRequired)
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Server.Stop(ctx)
			d.Handler.Close()
			if d.Scheduler != nil {
				d.Scheduler.Stop()
			}
			if d.Relay != nil {
				if err := d.Relay.Stop(); err != nil {
					logger.Warn("error closing relay queue", zap.Error(err))
				}
			}
			d.Sender.Stop()
			d.Engine.Stop()
			d.Adapter.Disconnect()
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
