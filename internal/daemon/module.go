package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/backend/memory"
	"github.com/matheus3301/chatsync/internal/backend/remote"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/subscription"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/upload"
	"github.com/matheus3301/chatsync/internal/watermark"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	// Dir overrides the profile directory; empty means ~/.chatsync/profiles/<profile>.
	Dir        string
	SocketPath string // optional override for testing; empty = <dir>/daemon.sock
	// Config overrides config.toml when set.
	Config *config.Config
}

func (p Params) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return profile.Dir(p.Profile)
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return filepath.Join(p.dir(), "daemon.sock")
}

// Backend is everything the engine needs from the backing store.
type Backend interface {
	subscription.Feed
	outbox.Writer
	watermark.Publisher
	watermark.SettingsProvider
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
			provideStore,
			provideBackend,
			provideKeys,
			provideSession,
			provideUploads,
			provideQueue,
			provideSender,
			provideScheduler,
			provideSettings,
			provideUpdater,
			provideRegistry,
			provideReconciler,
			provideEngine,
			provideOutboxService,
			provideConversationService,
			provideSessionService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(filepath.Join(p.dir(), "logs", "chatsyncd.log"), p.Profile, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(p.dir(), "outbox.db")
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (Backend, error) {
	if cfg.Backend.Kind != config.BackendRemote {
		logger.Info("using in-process backend")
		return memory.New(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	b, err := remote.Open(ctx, remote.Config{
		PostgresDSN: cfg.Backend.PostgresDSN,
		NATSURL:     cfg.Backend.NATSURL,
		Stream:      cfg.Backend.Stream,
	}, logger.Named("remote"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(b.Close))
	return b, nil
}

func provideKeys(db *store.DB) (*outbox.KeyGenerator, error) {
	return outbox.LoadKeyGenerator(db)
}

func provideSession(cfg *config.Config, m *status.Machine, b *bus.Bus, logger *zap.Logger) *auth.Session {
	return auth.NewSession(cfg.Auth.SigningKey, m, b, logger.Named("auth"))
}

func provideUploads(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *upload.Coordinator {
	root := cfg.Uploads.Dir
	if root == "" {
		root = filepath.Join(p.dir(), "blobs")
	}
	return upload.NewCoordinator(upload.DirStore{Root: root}, b, logger.Named("upload"))
}

func provideQueue(db *store.DB, keys *outbox.KeyGenerator, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	limits := upload.Limits{MaxSize: cfg.Uploads.MaxSize}
	for _, k := range cfg.Uploads.AllowedKinds {
		limits.AllowedKinds = append(limits.AllowedKinds, store.Kind(k))
	}
	return outbox.NewQueue(db, keys, limits, b, logger.Named("outbox"))
}

func provideSender(q *outbox.Queue, uploads *upload.Coordinator, backend Backend, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(q, uploads, backend, outbox.SenderOptions{
		Backoff:       outbox.Backoff{Base: cfg.Outbox.BaseDelay.Duration, Max: cfg.Outbox.MaxDelay.Duration},
		MaxAttempts:   cfg.Outbox.MaxAttempts,
		WriteTimeout:  cfg.Outbox.WriteTimeout.Duration,
		UploadTimeout: cfg.Outbox.UploadTimeout.Duration,
		AckTimeout:    cfg.Outbox.AckTimeout.Duration,
		Concurrency:   cfg.Outbox.Concurrency,
	}, b, logger.Named("sender"))
}

func provideScheduler(sender *outbox.Sender, m *status.Machine, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbox.Scheduler {
	return outbox.NewScheduler(sender, m.Ready, outbox.SchedulerOptions{
		Interval:    cfg.Outbox.DrainInterval.Duration,
		MinInterval: cfg.Outbox.MinDrainInterval.Duration,
	}, b, logger.Named("scheduler"))
}

func provideSettings(backend Backend, cfg *config.Config) *watermark.CachedSettings {
	return watermark.NewCachedSettings(backend, cfg.Receipts.SettingsCacheSize, cfg.Receipts.SettingsCacheTTL.Duration)
}

func provideUpdater(db *store.DB, backend Backend, settings *watermark.CachedSettings, session *auth.Session, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *watermark.Updater {
	return watermark.NewUpdater(db, backend, settings, session, watermark.Options{
		AutoMarkRead:  cfg.Receipts.AutoMarkRead,
		SkewTolerance: cfg.Receipts.SkewTolerance.Duration,
	}, b, logger.Named("watermark"))
}

func provideRegistry(backend Backend, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *subscription.Registry {
	return subscription.NewRegistry(backend, subscription.Options{
		InitialLimit: cfg.Sync.InitialLimit,
		PageSize:     cfg.Sync.PageSize,
		Debounce:     cfg.Sync.LoadOlderDebounce.Duration,
	}, b, logger.Named("subscription"))
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger)
}

func provideEngine(db *store.DB, q *outbox.Queue, sender *outbox.Sender, updater *watermark.Updater, r *intsync.Reconciler, session *auth.Session, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, q, sender, updater, r, session, b, logger.Named("sync"))
}

func provideOutboxService(q *outbox.Queue, s *outbox.Scheduler, uploads *upload.Coordinator, session *auth.Session, logger *zap.Logger) *api.OutboxService {
	return api.NewOutboxService(q, s, uploads, session, logger)
}

func provideConversationService(r *subscription.Registry, e *intsync.Engine, u *watermark.Updater, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *api.ConversationService {
	return api.NewConversationService(r, e, u, b, cfg.Sync.InitialLimit, logger)
}

func provideSessionService(p Params, m *status.Machine, session *auth.Session, q *outbox.Queue, keys *outbox.KeyGenerator,
	s *outbox.Scheduler, r *subscription.Registry, db *store.DB, b *bus.Bus) *api.SessionService {
	return api.NewSessionService(p.Profile, m, session, q, keys, s, r, db, b)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, cfg *config.Config, session *auth.Session,
	engine *intsync.Engine, uploads *upload.Coordinator, scheduler *outbox.Scheduler, registry *subscription.Registry, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start sync engine (subscribes to subscription.* and outbox.* bus events).
			engine.Start(context.Background())
			uploads.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Start the drain scheduler; it waits for READY.
			scheduler.Start(context.Background())

			if cfg.Auth.Token != "" {
				if err := session.Login(cfg.Auth.Token); err != nil {
					logger.Warn("configured token rejected, auth required", zap.Error(err))
				}
			} else {
				logger.Info("no credentials found, auth required")
				_ = session.RequireLogin()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Stop()
			registry.CloseAll()
			engine.Stop()
			uploads.Stop()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
