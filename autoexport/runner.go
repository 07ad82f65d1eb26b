// Package autoexport keeps configured exports up to date. Each auto-export is
// re-submitted to the exporter when the library file changes, on a cron
// schedule, or both.
package autoexport

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/bibexport/am"
	"github.com/teranos/bibexport/catalog"
	"github.com/teranos/bibexport/db"
	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/export"
	"github.com/teranos/bibexport/pulse/async"
)

// DefaultDebounce is how long the library file must stay quiet before
// watched exports run
const DefaultDebounce = time.Second

// Submitter queues export jobs. *export.Exporter implements it.
type Submitter interface {
	Submit(job *export.Job) (*async.Future, error)
}

// Runner drives the configured auto-exports
type Runner struct {
	submitter Submitter
	catalog   *catalog.Catalog
	store     *Store // nil skips status tracking
	logger    *zap.SugaredLogger

	exports     map[string]am.AutoExportConfig
	order       []string
	libraryPath string
	reload      func() error // reloads the library before watched exports run
	debounce    time.Duration

	mu      sync.Mutex
	running map[string]bool
}

// Config wires a Runner
type Config struct {
	Submitter   Submitter
	Catalog     *catalog.Catalog
	Store       *Store
	Exports     []am.AutoExportConfig
	LibraryPath string
	Reload      func() error
	Debounce    time.Duration
	Logger      *zap.SugaredLogger
}

// NewRunner validates every auto-export and registers it in the store
func NewRunner(cfg Config) (*Runner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	r := &Runner{
		submitter:   cfg.Submitter,
		catalog:     cfg.Catalog,
		store:       cfg.Store,
		logger:      logger,
		exports:     make(map[string]am.AutoExportConfig, len(cfg.Exports)),
		libraryPath: cfg.LibraryPath,
		reload:      cfg.Reload,
		debounce:    debounce,
		running:     make(map[string]bool),
	}

	for _, ae := range cfg.Exports {
		if ae.ID == "" {
			return nil, errors.NewInvalidRequestError("auto-export for %s has no id", ae.Path)
		}
		if _, dup := r.exports[ae.ID]; dup {
			return nil, errors.NewInvalidRequestError("duplicate auto-export id %s", ae.ID)
		}
		converter, err := r.catalog.ResolveID(ae.Converter)
		if err != nil {
			return nil, errors.Wrapf(err, "auto-export %s", ae.ID)
		}
		if _, err := export.ParseScope(ae.Scope); err != nil {
			return nil, errors.Wrapf(err, "auto-export %s", ae.ID)
		}
		if ae.Schedule != "" {
			if _, err := cron.ParseStandard(ae.Schedule); err != nil {
				return nil, errors.Wrapf(err, "auto-export %s: invalid schedule %q", ae.ID, ae.Schedule)
			}
		}
		ae.Converter = converter
		r.exports[ae.ID] = ae
		r.order = append(r.order, ae.ID)

		if r.store != nil {
			if err := r.store.Register(ae.ID, converter, ae.Path); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// IDs lists the configured auto-exports in configuration order
func (r *Runner) IDs() []string {
	return append([]string(nil), r.order...)
}

// Run watches the library and runs schedules until ctx ends
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var watched []string
	for _, id := range r.order {
		if r.exports[id].Watch {
			watched = append(watched, id)
		}
	}
	if len(watched) > 0 && r.libraryPath != "" {
		g.Go(func() error {
			return r.watch(gctx, watched)
		})
	}

	g.Go(func() error {
		return r.schedule(gctx)
	})

	return g.Wait()
}

// watch re-runs ids whenever the library file changes
func (r *Runner) watch(ctx context.Context, ids []string) error {
	w, err := am.NewWatcher(r.debounce, r.libraryPath)
	if err != nil {
		return err
	}
	w.OnChange(func(path string) {
		if r.reload != nil {
			if err := r.reload(); err != nil {
				r.logger.Errorw("Library reload failed, skipping auto-exports", "path", path, "error", err)
				return
			}
		}
		for _, id := range ids {
			r.trigger(ctx, id)
		}
	})
	w.Start()
	r.logger.Infow("Watching library for auto-exports", "path", r.libraryPath, "exports", len(ids))

	<-ctx.Done()
	return w.Stop()
}

// schedule runs cron-scheduled exports
func (r *Runner) schedule(ctx context.Context) error {
	c := cron.New()
	for _, id := range r.order {
		ae := r.exports[id]
		if ae.Schedule == "" {
			continue
		}
		id := id
		if _, err := c.AddFunc(ae.Schedule, func() { r.trigger(ctx, id) }); err != nil {
			return errors.Wrapf(err, "auto-export %s", id)
		}
	}
	if len(c.Entries()) == 0 {
		<-ctx.Done()
		return nil
	}

	c.Start()
	r.logger.Infow("Auto-export schedules started", "entries", len(c.Entries()))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// trigger runs an export in the background unless it is already running
func (r *Runner) trigger(ctx context.Context, id string) {
	r.mu.Lock()
	if r.running[id] {
		r.mu.Unlock()
		r.logger.Debugw("Auto-export already running, skipping", "autoexport", id)
		return
	}
	r.running[id] = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.running, id)
			r.mu.Unlock()
		}()
		if err := r.RunOnce(ctx, id); err != nil {
			r.logger.Warnw("Auto-export failed", "autoexport", id, "error", err)
		}
	}()
}

// RunOnce submits one auto-export and waits for it
func (r *Runner) RunOnce(ctx context.Context, id string) error {
	ae, ok := r.exports[id]
	if !ok {
		return errors.NewNotFoundError("auto-export not found: %s", id)
	}
	scope, err := export.ParseScope(ae.Scope)
	if err != nil {
		return err
	}

	r.setStatus(id, StatusRunning, nil)
	future, err := r.submitter.Submit(&export.Job{
		ConverterID:    ae.Converter,
		DisplayOptions: ae.Options,
		Scope:          scope,
		Path:           ae.Path,
		AutoExport:     ae.ID,
		Preferences:    ae.Preferences,
	})
	if err == nil {
		_, err = future.Wait(ctx)
	}
	if err != nil {
		r.setStatus(id, StatusError, err)
		return err
	}
	r.setStatus(id, StatusDone, nil)
	return nil
}

// RunAll runs every auto-export in order, continuing past failures
func (r *Runner) RunAll(ctx context.Context) error {
	var failed []string
	for _, id := range r.order {
		if err := r.RunOnce(ctx, id); err != nil {
			r.logger.Warnw("Auto-export failed", "autoexport", id, "error", err)
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return errors.Newf("%d of %d auto-exports failed: %v", len(failed), len(r.order), failed)
	}
	return nil
}

// Rescheduled marks auto-exports whose converter changed as scheduled
func (r *Runner) Rescheduled(changed []*catalog.Descriptor) {
	if r.store == nil || len(changed) == 0 {
		return
	}
	ids := make([]string, 0, len(changed))
	for _, d := range changed {
		ids = append(ids, d.ID)
	}
	n, err := r.store.MarkScheduledByConverter(ids...)
	if err != nil {
		r.logger.Warnw("Failed to reschedule auto-exports", "error", err)
		return
	}
	r.logger.Infow("Auto-exports rescheduled after converter change", "count", n)
}

func (r *Runner) setStatus(id string, status Status, runErr error) {
	if r.store == nil {
		return
	}
	if err := r.store.SetStatus(id, status, runErr); err != nil {
		if db.IsDatabaseClosed(err) {
			r.logger.Debugw("Auto-export status not recorded, database closed", "autoexport", id, "status", status)
			return
		}
		r.logger.Warnw("Failed to record auto-export status", "autoexport", id, "status", status, "error", err)
	}
}
