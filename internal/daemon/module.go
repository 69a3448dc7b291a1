// Package daemon composes slinkd with fx: providers for every component and
// the lifecycle that starts and stops them in order.
package daemon

import (
	"context"
	"fmt"
	"net/http"

	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/api"
	"github.com/matheus3301/smartlink/internal/assist"
	"github.com/matheus3301/smartlink/internal/backend"
	"github.com/matheus3301/smartlink/internal/bus"
	"github.com/matheus3301/smartlink/internal/chat"
	"github.com/matheus3301/smartlink/internal/config"
	"github.com/matheus3301/smartlink/internal/contacts"
	"github.com/matheus3301/smartlink/internal/lock"
	"github.com/matheus3301/smartlink/internal/logging"
	"github.com/matheus3301/smartlink/internal/metrics"
	"github.com/matheus3301/smartlink/internal/nets"
	"github.com/matheus3301/smartlink/internal/outbox"
	"github.com/matheus3301/smartlink/internal/profile"
	"github.com/matheus3301/smartlink/internal/push"
	"github.com/matheus3301/smartlink/internal/status"
	"github.com/matheus3301/smartlink/internal/store"
	intsync "github.com/matheus3301/smartlink/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// hydrateMessages is how many messages per conversation are loaded into the
// cache at startup.
const hydrateMessages = 100

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	Debug      bool
	// Config overrides the profile config files when set.
	Config *config.Config
	// Logger overrides the profile log file when set.
	Logger *zap.Logger
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
			provideDialer,
			provideBackend,
			provideSession,
			provideSender,
			provideTransport,
			provideSynchronizer,
			provideDirectory,
			provideAssist,
			provideSyncEngine,
			provideServices,
			NewServer,
			NewDebugServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadProfile(profile.ConfigPath(p.Profile), profile.EnvPath(p.Profile), ".env")
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Debug)
}

func provideBus() *bus.Bus {
	b := bus.New()
	b.OnDrop(func(kind string) { metrics.BusDropped.WithLabelValues(kind).Inc() })
	return b
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile), p.Profile)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.AppDBPath(p.Profile)
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

func provideDialer(cfg *config.Config) (nets.Dialer, error) {
	return nets.NewDialer(cfg.Server.ProxyAddr)
}

func provideBackend(cfg *config.Config, d nets.Dialer, logger *zap.Logger) (*backend.Client, error) {
	return backend.New(nets.HTTPClient(d), logger, backend.Options{
		BaseURL:      cfg.Server.APIURL,
		Timeout:      cfg.Timeouts.Call.Duration,
		ReadAttempts: cfg.Backend.ReadAttempts,
	})
}

func provideSession(c *backend.Client, db *store.DB, logger *zap.Logger) *account.Session {
	return account.NewSession(c, db, logger)
}

func provideSender(db *store.DB, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *outbox.Sender {
	return outbox.NewSender(db, b, logger, outbox.Options{Timeout: cfg.Timeouts.Call.Duration})
}

func provideTransport(cfg *config.Config, d nets.Dialer, logger *zap.Logger) *push.Dialer {
	return push.NewDialer(push.Options{
		HandshakeTimeout: cfg.Timeouts.Handshake.Duration,
		PongWait:         cfg.Push.PongWait.Duration,
		PingPeriod:       cfg.Push.Heartbeat.Duration,
		MaxFrameBytes:    cfg.Push.MaxFrameBytes,
		NetDial:          d,
	}, logger)
}

func provideSynchronizer(c *backend.Client, t *push.Dialer, session *account.Session, sender *outbox.Sender, b *bus.Bus, m *status.Machine, cfg *config.Config, logger *zap.Logger) *chat.Synchronizer {
	return chat.New(c, t, session, sender, b, m, logger, chat.Options{
		Endpoint:          cfg.Server.PushURL,
		HandshakeTimeout:  cfg.Timeouts.Handshake.Duration,
		CallTimeout:       cfg.Timeouts.Call.Duration,
		ReconnectAttempts: cfg.Reconnect.MaxAttempts,
		ReconnectDelay:    cfg.Reconnect.Delay.Duration,
		EventBuffer:       cfg.Push.EventBuffer,
	})
}

func provideDirectory(c *backend.Client, db *store.DB, session *account.Session, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *contacts.Directory {
	return contacts.NewDirectory(c, db, session, b, logger, cfg.Timeouts.Call.Duration)
}

func provideAssist(cfg *config.Config, d nets.Dialer, logger *zap.Logger) *assist.Client {
	return assist.New(cfg.Assist.BaseURL, cfg.AssistAPIKey, cfg.Assist.Model, nets.HTTPClient(d), logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

// Services are the registered gRPC services.
type Services []api.Registrar

func provideServices(
	p Params,
	m *status.Machine,
	s *chat.Synchronizer,
	session *account.Session,
	sender *outbox.Sender,
	db *store.DB,
	b *bus.Bus,
	dir *contacts.Directory,
	ac *assist.Client,
	engine *intsync.Engine,
	logger *zap.Logger,
) Services {
	return Services{
		api.NewConnectionService(p.Profile, m, s, session, sender, engine),
		api.NewAccountService(session, s, db, logger),
		api.NewConversationService(s),
		api.NewMessageService(p.Profile, s, db, b),
		api.NewContactService(dir),
		api.NewAssistService(ac),
	}
}

type lifecycleParams struct {
	fx.In

	Server  *Server
	Debug   *DebugServer
	Lock    *lock.Lock
	DB      *store.DB
	Engine  *intsync.Engine
	Sender  *outbox.Sender
	Sync    *chat.Synchronizer
	Session *account.Session
	Machine *status.Machine
	Bus     *bus.Bus
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, lp lifecycleParams) {
	logger := lp.Logger
	stopWatch := func() {}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			stopWatch = watchState(lp.Bus, lp.Machine)

			// The mirror subscribes before anything publishes cache changes.
			lp.Engine.Start(context.Background())
			lp.Sender.Start(context.Background())
			lp.Sync.Start(context.Background())

			if err := intsync.Hydrate(ctx, lp.DB, lp.Sync, hydrateMessages, logger); err != nil {
				return fmt.Errorf("hydrate: %w", err)
			}

			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			if lp.Debug != nil {
				go func() {
					if err := lp.Debug.Start(); err != nil && err != http.ErrServerClosed {
						logger.Error("debug server error", zap.Error(err))
					}
				}()
			}

			restored, err := lp.Session.Restore()
			if err != nil {
				logger.Warn("failed to restore session", zap.Error(err))
			}
			if !restored {
				logger.Info("no stored credentials, login required")
				return nil
			}
			go func() {
				if err := lp.Sync.Connect(context.Background(), ""); err != nil {
					logger.Warn("auto-connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			lp.Server.Stop(ctx)
			if lp.Debug != nil {
				lp.Debug.Stop(ctx)
			}
			lp.Sync.Stop()
			lp.Sender.Stop()
			lp.Engine.Stop()
			stopWatch()
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// watchState mirrors connection state changes into the state gauge.
func watchState(b *bus.Bus, m *status.Machine) func() {
	all := make([]string, len(status.All))
	for i, s := range status.All {
		all[i] = string(s)
	}
	metrics.SetConnectionState(string(m.Current()), all)

	ch, unsub := b.Subscribe(bus.KindStatusChanged, 16)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					metrics.SetConnectionState(string(change.To), all)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		unsub()
		close(done)
	}
}
