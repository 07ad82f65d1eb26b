package commands

import (
	"context"
	"database/sql"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/teranos/bibexport/am"
	"github.com/teranos/bibexport/autoexport"
	"github.com/teranos/bibexport/cache"
	"github.com/teranos/bibexport/catalog"
	"github.com/teranos/bibexport/db"
	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/export"
	"github.com/teranos/bibexport/internal/util"
	"github.com/teranos/bibexport/library"
	"github.com/teranos/bibexport/logger"
	"github.com/teranos/bibexport/pulse"
	"github.com/teranos/bibexport/pulse/async"
	"github.com/teranos/bibexport/version"
	"github.com/teranos/bibexport/worker"
)

// ConfigPath is set by --config; empty uses the layered config lookup
var ConfigPath string

// app holds everything a command needs to run exports
type app struct {
	cfg         *am.Config
	db          *sql.DB
	libraryPath string
	library     *library.MemoryStore
	catalog     *catalog.Catalog
	cacheStore  cache.Store
	cache       *cache.Facade
	events      *pulse.Bus
	history     *async.Store
	autoexports *autoexport.Store
	exporter    *export.Exporter
	logger      *zap.SugaredLogger
}

// loadConfig honours --config, falling back to the layered lookup
func loadConfig() (*am.Config, error) {
	if ConfigPath != "" {
		return am.LoadFromFile(ConfigPath)
	}
	return am.Load()
}

// openDatabase opens and migrates the configured database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path, err := util.ExpandPath(cfg.Database.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid database path %s", cfg.Database.Path)
	}
	return db.OpenWithMigrations(path, logger.Named("db"))
}

// openCache opens the configured cache backend. The caller closes the store.
func openCache(cfg *am.Config, conn *sql.DB) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case am.CacheBackendBadger:
		dir, err := util.ExpandPath(cfg.Cache.BadgerPath)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid cache path %s", cfg.Cache.BadgerPath)
		}
		return cache.OpenBadgerStore(dir)
	default:
		return cache.NewSQLiteStore(conn), nil
	}
}

// openApp wires the exporter from configuration. With withLibrary false the
// library file is not read (cache and job maintenance commands).
func openApp(ctx context.Context, withLibrary bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}

	a := &app{
		cfg:    cfg,
		events: pulse.NewBus(),
		logger: logger.Named("bibexport"),
	}

	a.db, err = openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	a.history = async.NewStore(a.db)
	a.autoexports = autoexport.NewStore(a.db)

	a.catalog, err = catalog.Load(cfg.Catalog.Path, version.Get().Version)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.cacheStore, err = openCache(cfg, a.db)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.cache = cache.NewFacade(a.cacheStore, cfg.Cache.Enabled, logger.Named("cache"))

	if !withLibrary {
		return a, nil
	}

	a.libraryPath, err = util.ExpandPath(cfg.Library.Path)
	if err != nil {
		a.Close(ctx)
		return nil, errors.Wrapf(err, "invalid library path %s", cfg.Library.Path)
	}
	a.library, err = library.LoadFile(a.libraryPath)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	if n, err := a.history.RecoverInterrupted(); err != nil {
		a.logger.Warnw("Failed to recover interrupted jobs", "error", err)
	} else if n > 0 {
		a.logger.Infow("Marked interrupted jobs as cancelled", "count", n)
	}

	channel, err := a.channel()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.exporter, err = export.New(export.Config{
		Catalog:        a.catalog,
		Library:        a.library,
		Cache:          a.cache,
		Channel:        channel,
		Events:         a.events,
		History:        a.history,
		Preferences:    cfg.Preferences,
		DefaultLibrary: cfg.Library.DefaultID,
		YieldAfter:     cfg.Export.YieldAfter(),
		Debug:          cfg.Worker.Debug,
		Logger:         logger.Named("export"),
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// channel builds the worker channel for the configured mode
func (a *app) channel() (*worker.Channel, error) {
	info := version.Get()
	env := worker.Environment{
		Version:  info.Version,
		Platform: info.Platform,
		Client:   "bibexport",
		Debug:    a.cfg.Worker.Debug,
	}
	log := logger.Named("worker")

	if a.cfg.Worker.Mode == am.WorkerModeInProcess {
		rt := worker.NewRuntime(nil, log)
		return worker.NewChannel(worker.InProcessLauncher(rt.Serve), env, log), nil
	}

	argv, err := worker.ResolveCommand(a.cfg.Worker.Command)
	if err != nil {
		return nil, err
	}
	log.Debugw("Worker command resolved", "argv", argv)
	return worker.NewChannel(worker.ProcessLauncher(argv, log), env, log), nil
}

// maintainCache drops entries of changed converters and reaps stale ones.
// Converters that changed have their auto-exports rescheduled.
func (a *app) maintainCache(ctx context.Context, runner *autoexport.Runner) {
	changed, err := a.cache.Reconcile(ctx, a.catalog.Descriptors())
	if err != nil {
		a.logger.Warnw("Cache reconcile failed", "error", err)
	}
	if runner != nil {
		runner.Rescheduled(changed)
	}
	if _, err := a.cache.Reap(ctx, a.cfg.Cache.TTL()); err != nil {
		a.logger.Warnw("Cache reap failed", "error", err)
	}
}

// runner builds the auto-export runner over the configured exports
func (a *app) runner() (*autoexport.Runner, error) {
	return autoexport.NewRunner(autoexport.Config{
		Submitter:   a.exporter,
		Catalog:     a.catalog,
		Store:       a.autoexports,
		Exports:     a.cfg.AutoExports,
		LibraryPath: a.libraryPath,
		Reload:      a.reloadLibrary,
		Logger:      logger.Named("autoexport"),
	})
}

// reloadLibrary re-reads the library file after a change on disk
func (a *app) reloadLibrary() error {
	snap, err := library.ReadSnapshot(a.libraryPath)
	if err != nil {
		return err
	}
	a.library.Replace(*snap)
	a.logger.Infow("Library reloaded", "path", filepath.Base(a.libraryPath), "items", len(snap.Items))
	return nil
}

// Close stops the exporter and releases storage
func (a *app) Close(ctx context.Context) {
	if a.exporter != nil {
		if err := a.exporter.Close(ctx); err != nil {
			a.logger.Warnw("Exporter shutdown incomplete", "error", err)
		}
	}
	if a.cacheStore != nil {
		if err := a.cacheStore.Close(); err != nil {
			a.logger.Warnw("Failed to close cache", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
