package daemon

import (
	"cmp"
	"context"

	"github.com/matheus3301/chatmerge/internal/api"
	"github.com/matheus3301/chatmerge/internal/bus"
	"github.com/matheus3301/chatmerge/internal/config"
	"github.com/matheus3301/chatmerge/internal/gateway"
	"github.com/matheus3301/chatmerge/internal/job"
	"github.com/matheus3301/chatmerge/internal/live"
	"github.com/matheus3301/chatmerge/internal/lock"
	"github.com/matheus3301/chatmerge/internal/logging"
	"github.com/matheus3301/chatmerge/internal/profile"
	"github.com/matheus3301/chatmerge/internal/status"
	"github.com/matheus3301/chatmerge/internal/store"
	"github.com/matheus3301/chatmerge/internal/wa"
	"github.com/matheus3301/chatmerge/internal/watch"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	ConfigPath string // optional override; empty = use default
}

// Machines are the daemon's two state machines.
type Machines struct {
	// Job tracks the reconciliation runner.
	Job *status.Machine
	// Conn tracks the live source connection.
	Conn *status.Machine
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMachines,
			provideLock,
			provideArchive,
			provideGateway,
			provideAdapter,
			provideIngestor,
			api.NewJobEvents,
			provideRunner,
			provideArchives,
			provideReconcileService,
			provideLiveService,
			provideWatcher,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.LoadWithEnv(cmp.Or(p.ConfigPath, profile.ConfigPath()), profile.EnvPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.NewLevel(profile.LogPath(p.Profile), p.Profile, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMachines(b *bus.Bus) Machines {
	return Machines{Job: status.NewJobMachine(b), Conn: status.NewConnMachine(b)}
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideArchive opens the profile's own archive, the target of live ingestion.
func provideArchive(p Params, logger *zap.Logger) (*store.DB, error) {
	path := profile.ArchivePath(p.Profile)
	db, err := store.Open(path)
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
	logger.Info("archive initialized", zap.String("path", path))
	return db, nil
}

func provideGateway(cfg *config.Config, logger *zap.Logger) *gateway.Gateway {
	return gateway.New(cfg.GatewayConfig(), gateway.WithLogger(logger))
}

func provideAdapter(p Params, b *bus.Bus, logger *zap.Logger) (*wa.Adapter, error) {
	return wa.NewAdapter(context.Background(), profile.SessionDBPath(p.Profile), b, logger)
}

// provideIngestor gives live ingestion its own job machine so a pull never
// contends with a running reconciliation for state.
func provideIngestor(p Params, cfg *config.Config, db *store.DB, gw *gateway.Gateway, b *bus.Bus, logger *zap.Logger) *live.Ingestor {
	lockPath := lock.ForArchive(profile.ArchivePath(p.Profile))
	return live.NewIngestor(db, gw, b, status.NewJobMachine(nil), cfg.LiveConfig(lockPath), logger)
}

func provideRunner(events *api.JobEvents, m Machines, logger *zap.Logger) *job.Runner {
	return job.New(events.Post, m.Job, logger)
}

func provideArchives(logger *zap.Logger) *api.Archives {
	return api.NewArchives(logger)
}

func provideReconcileService(p Params, cfg *config.Config, runner *job.Runner, events *api.JobEvents, b *bus.Bus, archives *api.Archives, logger *zap.Logger) *api.ReconcileService {
	return api.NewReconcileService(runner, events, b, archives, cfg.ReconcileOptions(), p.Profile, logger)
}

func provideLiveService(p Params, adapter *wa.Adapter, ingestor *live.Ingestor, m Machines, db *store.DB, logger *zap.Logger) *api.LiveService {
	return api.NewLiveService(adapter, ingestor, m.Conn, db, p.Profile, logger)
}

// provideWatcher returns nil unless a watch source and target are configured.
func provideWatcher(cfg *config.Config, svc *api.ReconcileService, logger *zap.Logger) *watch.Watcher {
	if !cfg.Watch.Enabled() {
		return nil
	}
	return watch.New(cfg.Watch.Source, cfg.Watch.Target, cfg.Watch.Debounce.Duration, svc.SubmitMerge, logger)
}

type lifecycleDeps struct {
	fx.In

	Server   *Server
	Lock     *lock.Lock
	Archive  *store.DB
	Archives *api.Archives
	Adapter  *wa.Adapter
	Ingestor *live.Ingestor
	Runner   *job.Runner
	Watcher  *watch.Watcher
	Machines Machines
	Bus      *bus.Bus
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	logger := d.Logger
	var stopAccounts func()

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Register event handler for whatsmeow events.
			handler := wa.NewEventHandler(d.Bus, d.Machines.Conn, d.Adapter, d.Adapter.History(), logger)
			d.Adapter.RegisterEventHandler(handler.Handle)

			// Start push ingestion (subscribes to wa.* bus events).
			if err := d.Ingestor.Start(context.Background()); err != nil {
				return err
			}
			stopAccounts = recordAccounts(d.Bus, d.Archive, logger)

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if d.Watcher != nil {
				if err := d.Watcher.Start(context.Background()); err != nil {
					logger.Warn("source watcher not started", zap.Error(err))
				}
			}

			// Transition state based on auth status.
			if d.Adapter.IsLoggedIn() {
				_ = d.Machines.Conn.Transition(status.Connecting)
				go func() {
					if err := d.Adapter.Connect(); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
						_ = d.Machines.Conn.Transition(status.Error)
						return
					}
					importAccount(context.Background(), d.Adapter, d.Archive, logger)
				}()
			} else {
				logger.Info("no credentials found, auth required")
				_ = d.Machines.Conn.Transition(status.AuthRequired)
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if d.Watcher != nil {
				d.Watcher.Stop()
			}
			d.Runner.Stop(true)
			d.Runner.Wait()
			d.Ingestor.Stop()
			if stopAccounts != nil {
				stopAccounts()
			}
			d.Adapter.Disconnect()
			d.Server.Stop(ctx)
			if err := d.Archives.Close(); err != nil {
				logger.Warn("error closing archives", zap.Error(err))
			}
			if err := d.Archive.Close(); err != nil {
				logger.Warn("error closing archive", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

type accountSource interface {
	OwnIdentity() string
	Contacts(ctx context.Context) ([]store.Contact, error)
}

type accountStore interface {
	AddAccountIdentity(ctx context.Context, identity string) error
	UpsertContacts(ctx context.Context, contacts []store.Contact) error
}

// importAccount records the logged-in identity as one of the archive's own
// accounts and copies the address book, so authors normalize the same way
// a reconciliation would.
func importAccount(ctx context.Context, src accountSource, st accountStore, logger *zap.Logger) {
	if id := src.OwnIdentity(); id != "" {
		if err := st.AddAccountIdentity(ctx, id); err != nil {
			logger.Warn("record own identity", zap.Error(err))
		}
	}
	contacts, err := src.Contacts(ctx)
	if err != nil {
		logger.Warn("read contacts", zap.Error(err))
		return
	}
	if err := st.UpsertContacts(ctx, contacts); err != nil {
		logger.Warn("import contacts", zap.Error(err))
		return
	}
	logger.Info("contacts imported", zap.Int("count", len(contacts)))
}

// recordAccounts adds identities paired over QR to the archive's accounts.
func recordAccounts(b *bus.Bus, st accountStore, logger *zap.Logger) func() {
	ch, unsub := b.Subscribe(bus.WAPairSuccess, 4)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case evt := <-ch:
				id, _ := evt.Payload.(string)
				if id == "" {
					continue
				}
				if err := st.AddAccountIdentity(context.Background(), id); err != nil {
					logger.Warn("record paired identity", zap.Error(err))
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		unsub()
		close(done)
		<-stopped
	}
}
