package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/reactivegraph/plugind/pkg/api"
	"github.com/reactivegraph/plugind/pkg/config"
	"github.com/reactivegraph/plugind/pkg/loaders"
	"github.com/reactivegraph/plugind/pkg/plugins"
	"github.com/reactivegraph/plugind/pkg/policy"
	"github.com/reactivegraph/plugind/pkg/repository"
	"github.com/reactivegraph/plugind/pkg/stores"
	"github.com/reactivegraph/plugind/pkg/telemetry"
)

// daemon is every long-lived component of plugind run, wired from config.
type daemon struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store    *stores.SQLiteStore
	policies *policy.Engine
	manager  *plugins.Manager
	resolver *plugins.Resolver
	admin    *plugins.Admin
	repo     *repository.Repository
	server   *http.Server

	// stopWatch cancels the deploy and policy watchers; watching holds a
	// channel per watcher that closes once it has exited.
	stopWatch context.CancelFunc
	watching  []<-chan struct{}
}

func newDaemon(ctx context.Context, cfg *config.Config, version string) (*daemon, error) {
	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	// From here on the level configured for the daemon logger applies.
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	d := &daemon{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}

	if cfg.Store.Enabled {
		if err := d.openStore(ctx); err != nil {
			d.close(ctx)
			return nil, err
		}
	}

	d.policies, err = policy.NewEngine(d.logger)
	if err != nil {
		d.close(ctx)
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	for _, name := range cfg.Policy.Builtins {
		if err := d.policies.EnablePolicy(name); err != nil {
			d.close(ctx)
			return nil, err
		}
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := d.policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			d.close(ctx)
			return nil, err
		}
	}

	loader := loaders.NewDefault(cfg.WASMConfig(), d.logger)
	collabs := plugins.NewMemoryCollaborators()
	observers := []plugins.Observer{tel.NewPluginObserver()}
	if d.store != nil {
		observers = append(observers, stores.NewRecorder(d.store, d.logger))
	}
	d.manager = plugins.NewManager(plugins.ManagerConfig{
		Loader:          loader,
		Collaborators:   collabs,
		ContextFactory:  plugins.NewContextFactory(d.logger, collabs, cfg.Plugins.Settings, tel.NewEventSink()),
		Layout:          cfg.Layout(),
		NamePrefix:      cfg.Plugins.NamePrefix,
		Observers:       observers,
		Instrumentation: tel.NewPluginInstrumentation(),
	}, d.logger)

	disable := plugins.AnyPolicy{cfg.StaticPolicy(), d.policies}
	d.resolver = plugins.NewResolver(d.manager, disable, cfg.ResolverConfig(), d.logger)
	d.admin = plugins.NewAdmin(d.manager, d.resolver, d.logger)
	d.repo = repository.New(d.admin, repository.Config{
		Layout:   cfg.Layout(),
		Accepter: loader,
		Reporter: tel.NewDeployReporter(),
		Debounce: cfg.DeployDebounce(),
	}, d.logger)
	return d, nil
}

func (d *daemon) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(d.cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	d.store = store

	if retention := d.cfg.HistoryRetention(); retention > 0 {
		n, err := store.PruneTransitions(ctx, time.Now().Add(-retention))
		if err != nil {
			d.logger.Warn().Err(err).Msg("Failed to prune transition history")
		} else if n > 0 {
			d.logger.Info().Int64("removed", n).Dur("retention", retention).Msg("Pruned transition history")
		}
	}
	return nil
}

// start boots the plugins and starts the watchers and the admin API.
func (d *daemon) start(ctx context.Context) error {
	if err := d.repo.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap plugins: %w", err)
	}
	d.logger.Info().Str("plugins", d.manager.CountsSummary()).Msg("Plugins booted")

	watchCtx, stopWatch := context.WithCancel(ctx)
	d.stopWatch = stopWatch
	if d.cfg.Plugins.HotDeploy {
		done, err := d.repo.Watch(watchCtx)
		if err != nil {
			return err
		}
		d.watching = append(d.watching, done)
	}
	if d.cfg.Policy.Watch {
		done, err := d.policies.Watch(watchCtx, d.cfg.Policy.Paths, func() { d.reapplyPolicies(watchCtx) })
		if err != nil {
			return err
		}
		d.watching = append(d.watching, done)
	}

	d.tel.StartMetricsServer()
	if d.cfg.Admin.Enabled {
		if err := d.serve(); err != nil {
			return err
		}
	}
	return nil
}

// reapplyPolicies lets the resolver act on a reloaded policy set.
func (d *daemon) reapplyPolicies(ctx context.Context) {
	n := d.admin.Reconcile(ctx)
	d.logger.Info().Int("transitions", n).Str("plugins", d.manager.CountsSummary()).Msg("Policies reloaded")
}

func (d *daemon) serve() error {
	cfg := api.ServerConfig{}
	if d.store != nil {
		cfg.Store = d.store
	}
	if d.cfg.Telemetry.MetricsEnabled && d.cfg.Telemetry.MetricsListen == "" {
		cfg.Metrics = d.tel.Metrics.Handler()
		cfg.MetricsPath = d.cfg.Telemetry.MetricsPath
	}
	srv := api.NewServer(d.admin, cfg, d.logger)

	ln, err := net.Listen("tcp", d.cfg.Admin.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Admin.Listen, err)
	}
	d.server = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error().Err(err).Msg("Admin API failed")
		}
	}()
	d.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin API listening")
	return nil
}

// shutdown stops the watchers and the admin API, drains every plugin and
// releases the rest.
func (d *daemon) shutdown(ctx context.Context) {
	d.stopWatchers(ctx)
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to stop admin API")
		}
	}
	if d.resolver != nil {
		if !d.resolver.Shutdown(ctx) {
			d.logger.Warn().Str("plugins", d.manager.CountsSummary()).Msg("Not every plugin stopped")
		}
	}
	d.close(ctx)
}

// stopWatchers cancels the watchers and waits until no hot deploy or policy
// reload is running, so nothing restarts plugins while they are drained.
func (d *daemon) stopWatchers(ctx context.Context) {
	if d.stopWatch == nil {
		return
	}
	d.stopWatch()
	for _, done := range d.watching {
		select {
		case <-done:
		case <-ctx.Done():
			d.logger.Warn().Msg("Watchers did not stop in time")
			return
		}
	}
	d.watching = nil
}

func (d *daemon) close(ctx context.Context) {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if err := d.tel.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}
