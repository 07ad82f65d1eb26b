package export

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/bibexport/cache"
	"github.com/teranos/bibexport/catalog"
	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/library"
	"github.com/teranos/bibexport/pulse"
	"github.com/teranos/bibexport/pulse/async"
	"github.com/teranos/bibexport/worker"
)

var errDisabled = errors.New("background export is disabled after a worker start failure")

// Config wires an Exporter
type Config struct {
	Catalog *catalog.Catalog
	Library library.Store
	Cache   *cache.Facade // nil disables caching
	Channel *worker.Channel
	Events  *pulse.Bus   // nil drops progress events
	History *async.Store // nil skips job history

	Preferences    map[string]interface{}
	DefaultLibrary int64
	YieldAfter     time.Duration
	Debug          bool
	Logger         *zap.SugaredLogger
}

// Exporter is the job submission service. Jobs run one at a time, in
// submission order, on the shared worker.
type Exporter struct {
	coordinator *Coordinator
	queue       *async.Queue
	channel     *worker.Channel
	events      *pulse.Bus
	logger      *zap.SugaredLogger

	disabled atomic.Bool
}

// New starts an exporter
func New(cfg Config) (*Exporter, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("exporter requires a converter catalog")
	}
	if cfg.Library == nil {
		return nil, errors.New("exporter requires a library store")
	}
	if cfg.Channel == nil {
		return nil, errors.New("exporter requires a worker channel")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	e := &Exporter{
		queue:   async.NewQueue(cfg.History, logger.Named("queue")),
		channel: cfg.Channel,
		events:  cfg.Events,
		logger:  logger,
	}
	e.coordinator = NewCoordinator(CoordinatorConfig{
		Catalog:        cfg.Catalog,
		Library:        cfg.Library,
		Cache:          cfg.Cache,
		Dispatcher:     cfg.Channel,
		Events:         cfg.Events,
		Preferences:    cfg.Preferences,
		DefaultLibrary: cfg.DefaultLibrary,
		YieldAfter:     cfg.YieldAfter,
		Debug:          cfg.Debug,
		Logger:         logger,
	})
	e.coordinator.queued = e.queue.Queued
	e.coordinator.gate = e.gate
	return e, nil
}

// Submit queues job and returns its pending result
func (e *Exporter) Submit(job *Job) (*async.Future, error) {
	record := async.NewJob(job.ID, job.ConverterID, job.Scope.String(), job.Path, job.AutoExport)
	job.ID = record.ID

	return e.queue.Enqueue(record, func(ctx context.Context) (async.Result, error) {
		res, err := e.coordinator.Run(ctx, job)
		if err != nil && errors.IsWorkerUnavailable(err) && !errors.Is(err, errDisabled) {
			e.disable(err)
		}
		if err != nil {
			e.logger.Warnw("Export failed", "job_id", job.ID, "converter", job.ConverterID, "error", err)
		}
		e.events.Done(job.ID, job.AutoExport, err)
		return res, err
	})
}

// Export submits job and waits for its output
func (e *Exporter) Export(ctx context.Context, job *Job) (string, error) {
	future, err := e.Submit(job)
	if err != nil {
		return "", err
	}
	return future.Wait(ctx)
}

// gate refuses dispatch while background export is disabled
func (e *Exporter) gate() error {
	if e.disabled.Load() {
		return errors.Mark(errDisabled, errors.ErrWorkerUnavailable)
	}
	return nil
}

func (e *Exporter) disable(cause error) {
	if !e.disabled.CompareAndSwap(false, true) {
		return
	}
	e.logger.Errorw("Worker could not be started, background export disabled", "error", cause)
	e.events.Notice("Export worker could not be started; background export is disabled until restart: " + cause.Error())
}

// Disabled reports whether a worker start failure disabled export
func (e *Exporter) Disabled() bool {
	return e.disabled.Load()
}

// Reset re-enables export after a worker failure and drops the current
// worker so the next job starts a fresh one
func (e *Exporter) Reset() {
	e.disabled.Store(false)
	e.channel.Reset()
}

// Queued returns the number of jobs waiting to run
func (e *Exporter) Queued() int {
	return e.queue.Queued()
}

// Queue exposes job state subscriptions and metrics
func (e *Exporter) Queue() *async.Queue {
	return e.queue
}

// Health reports on the worker
func (e *Exporter) Health() worker.Health {
	return e.channel.Health()
}

// Close drains the queue and stops the worker
func (e *Exporter) Close(ctx context.Context) error {
	qerr := e.queue.Close(ctx)
	if err := e.channel.Close(ctx); err != nil {
		e.logger.Warnw("Failed to stop worker", "error", err)
	}
	return qerr
}
