// Package daemon assembles a session daemon: the reconciler and its
// collaborators, the cache, and the gRPC server on the session socket.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/palaver/internal/api"
	"github.com/matheus3301/palaver/internal/bus"
	"github.com/matheus3301/palaver/internal/config"
	"github.com/matheus3301/palaver/internal/lock"
	"github.com/matheus3301/palaver/internal/logging"
	"github.com/matheus3301/palaver/internal/outbox"
	"github.com/matheus3301/palaver/internal/reconcile"
	"github.com/matheus3301/palaver/internal/restapi"
	"github.com/matheus3301/palaver/internal/session"
	"github.com/matheus3301/palaver/internal/status"
	"github.com/matheus3301/palaver/internal/store"
	intsync "github.com/matheus3301/palaver/internal/sync"
	"github.com/matheus3301/palaver/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.palaver/config.toml
	LogLevel    string
	Quiet       bool
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
			provideReconciler,
			provideREST,
			provideTransport,
			provideSyncEngine,
			provideSender,
			provideRunner,
			provideSessionService,
			provideChatService,
			provideMessageService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Resolve(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, logging.Options{Level: p.LogLevel, Quiet: p.Quiet})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the cache is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed() {
		logger.Info("cache schema migrated", zap.Uint("from", result.From), zap.Uint("to", result.To))
	}
	logger.Info("store initialized", zap.String("path", dbPath), zap.Uint("schema", result.To))
	return db, nil
}

func provideReconciler(b *bus.Bus, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(b, logger.Named("reconcile"))
}

func provideREST(cfg *config.Config, logger *zap.Logger) *restapi.Client {
	return restapi.New(cfg.Server.APIURL, restapi.WithLogger(logger))
}

func provideTransport(cfg *config.Config, logger *zap.Logger) *transport.Client {
	return transport.New(transport.Config{URL: cfg.Server.SocketURL, AckTimeout: cfg.Send.AckTimeout()}, logger)
}

func provideSyncEngine(db *store.DB, rec *reconcile.Reconciler, ws *transport.Client, rest *restapi.Client, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, rec, ws, rest, machine, b, logger)
}

func provideSender(cfg *config.Config, db *store.DB, rec *reconcile.Reconciler, ws *transport.Client, rest *restapi.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, rec, ws, rest, b, logger, outbox.Config{
		RatePerSecond: cfg.Send.RatePerSecond,
		Burst:         cfg.Send.Burst,
		MaxAttempts:   cfg.Send.MaxAttempts,
		AckTimeout:    cfg.Send.AckTimeout(),
	})
}

func provideRunner(cfg *config.Config, db *store.DB, rest *restapi.Client, ws *transport.Client, engine *intsync.Engine, rec *reconcile.Reconciler, machine *status.Machine, logger *zap.Logger) *Runner {
	return NewRunner(cfg.Auth, db, rest, ws, engine, rec, machine, logger)
}

func provideSessionService(p Params, machine *status.Machine, rec *reconcile.Reconciler, db *store.DB, runner *Runner) *api.SessionService {
	return api.NewSessionService(p.SessionName, machine, rec, db, runner)
}

func provideChatService(p Params, rec *reconcile.Reconciler, engine *intsync.Engine, rest *restapi.Client, b *bus.Bus) *api.ChatService {
	return api.NewChatService(rec, engine, rest, b, p.SessionName)
}

func provideMessageService(sender *outbox.Sender, db *store.DB) *api.MessageService {
	return api.NewMessageService(sender, db)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, engine *intsync.Engine, sender *outbox.Sender, runner *Runner, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Handlers first, so the first connected event is not missed.
			engine.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			sender.Start(context.Background())
			runner.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			runner.Stop()
			sender.Stop()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
