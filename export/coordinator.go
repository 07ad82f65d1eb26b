package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/bibexport/cache"
	"github.com/teranos/bibexport/catalog"
	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/internal/util"
	"github.com/teranos/bibexport/library"
	"github.com/teranos/bibexport/pulse"
	"github.com/teranos/bibexport/pulse/async"
	"github.com/teranos/bibexport/worker"
)

// Dispatcher runs one job on the worker. *worker.Channel implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, config json.RawMessage, h worker.Handlers) (string, error)
}

// Coordinator runs a single job end to end:
// validate, resolve, serialize, cache lookup, dispatch.
// It is not safe for concurrent Run calls; the queue serializes them.
type Coordinator struct {
	catalog        *catalog.Catalog
	resolver       *Resolver
	serializer     *Serializer
	cache          *cache.Facade // nil disables caching
	dispatcher     Dispatcher
	events         *pulse.Bus
	preferences    map[string]interface{}
	defaultLibrary int64
	debug          bool
	logger         *zap.SugaredLogger

	// queued reports how many jobs wait behind the running one
	queued func() int
	// gate runs right before dispatch; an error fails the job without
	// contacting the worker
	gate func() error
}

// CoordinatorConfig collects the coordinator's collaborators
type CoordinatorConfig struct {
	Catalog        *catalog.Catalog
	Library        library.Store
	Cache          *cache.Facade
	Dispatcher     Dispatcher
	Events         *pulse.Bus
	Preferences    map[string]interface{}
	DefaultLibrary int64
	YieldAfter     time.Duration
	Debug          bool
	Logger         *zap.SugaredLogger
}

// NewCoordinator builds a coordinator
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Coordinator{
		catalog:        cfg.Catalog,
		resolver:       NewResolver(cfg.Library),
		serializer:     NewSerializer(cfg.YieldAfter),
		cache:          cfg.Cache,
		dispatcher:     cfg.Dispatcher,
		events:         cfg.Events,
		preferences:    cfg.Preferences,
		defaultLibrary: cfg.DefaultLibrary,
		debug:          cfg.Debug,
		logger:         logger,
		queued:         func() int { return 0 },
	}
}

// canceledResult is the result of a job stopped at a checkpoint
var canceledResult = async.Result{Canceled: true}

// Run executes job. A job cancelled before dispatch succeeds with an empty
// output and Result.Canceled set; the worker never hears of it.
func (c *Coordinator) Run(ctx context.Context, job *Job) (async.Result, error) {
	job.markStarted()
	log := c.logger.With("job_id", job.ID)
	if job.Canceled() {
		return c.cancel(log, "validate")
	}

	// Validating
	desc, scope, err := c.validate(job)
	if err != nil {
		return async.Result{}, err
	}
	log = log.With("converter", desc.Label, "scope", scope.String())

	// Resolving
	if job.Canceled() {
		return c.cancel(log, "resolve")
	}
	resolved, err := c.resolver.Resolve(ctx, scope)
	if err != nil {
		return async.Result{}, err
	}
	if job.Canceled() {
		return c.cancel(log, "resolve")
	}

	// Serializing
	status := "Preparing " + desc.Label
	if n := c.queued(); n > 0 {
		status = fmt.Sprintf("%s +%d", status, n)
	}
	pinger := pulse.NewPinger(len(resolved.Records), func(pct int) {
		c.events.Progress(job.ID, pct, status, job.AutoExport)
	})
	items, ok := c.serializer.Serialize(resolved.Records, pinger.Update, job.Canceled)
	if !ok || job.Canceled() {
		return c.cancel(log, "serialize")
	}
	pinger.Done()

	options, err := c.catalog.DisplayOptions(desc.ID, job.DisplayOptions)
	if err != nil {
		return async.Result{}, err
	}
	if job.Path != "" {
		options["export_path"] = job.Path
		options["export_dir"] = filepath.Dir(job.Path)
	}
	preferences := c.mergePreferences(job.Preferences)

	payload := worker.StartPayload{
		Preferences:    preferences,
		Options:        options,
		Converter:      desc.Label,
		Implementation: desc.Converter,
		Output:         job.Path,
		DebugEnabled:   c.debug,
		AutoExport:     job.AutoExport,
		Data:           worker.Data{Items: items, Order: make([]int64, 0, len(items))},
	}
	for _, it := range items {
		payload.Data.Order = append(payload.Data.Order, it.ID)
	}
	if desc.WantsCollections {
		payload.Data.Collections = FlattenCollections(resolved.Collections)
	}

	// CacheLookup
	var fp cache.Fingerprint
	cacheable := c.cache != nil && c.cache.IsCacheable(desc, options, preferences)
	if cacheable {
		fp = cache.NewFingerprint(desc.Label, options, preferences)
		c.applyCache(ctx, log, fp, &payload.Data)
	}
	payload.Cacheable = cacheable

	config, err := payload.Encode()
	if err != nil {
		return async.Result{}, errors.Wrap(err, "failed to encode job payload")
	}

	if c.gate != nil {
		if err := c.gate(); err != nil {
			return async.Result{}, err
		}
	}

	// Dispatched
	log.Debugw("Dispatching export",
		"records", len(payload.Data.Order),
		"to_convert", len(payload.Data.Items),
		"cached", len(payload.Data.Cache),
	)
	output, err := c.dispatcher.Dispatch(ctx, job.ID, config, worker.Handlers{
		Item: job.ItemDone,
		Progress: func(pct int, text string) {
			c.events.Progress(job.ID, pct, text, job.AutoExport)
		},
		Cache: func(itemID int64, entry string, metadata map[string]interface{}) {
			if !cacheable {
				return
			}
			if err := c.cache.Store(ctx, fp, itemID, entry, metadata); err != nil {
				log.Warnw("Failed to cache converter output", "item_id", itemID, "error", err)
			}
		},
		Debug: func(text string) {
			log.Debug(text)
		},
	})
	if err != nil {
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		return async.Result{}, errors.WithDetail(err, fmt.Sprintf("Converter: %s", desc.Label))
	}

	log.Infow("Export completed", "bytes", len(output), "path", job.Path, "duration_ms", time.Since(job.Started()).Milliseconds())
	return async.Result{Output: output}, nil
}

func (c *Coordinator) cancel(log *zap.SugaredLogger, checkpoint string) (async.Result, error) {
	log.Infow("Export cancelled", "checkpoint", checkpoint)
	return canceledResult, nil
}

// validate resolves the converter, defaults the scope and checks the
// destination. Nothing here touches the worker.
func (c *Coordinator) validate(job *Job) (*catalog.Descriptor, *Scope, error) {
	id, err := c.catalog.ResolveID(job.ConverterID)
	if err != nil {
		return nil, nil, err
	}
	desc, err := c.catalog.ByID(id)
	if err != nil {
		return nil, nil, err
	}

	scope := job.Scope
	if scope == nil {
		scope = LibraryScope(c.defaultLibrary)
	}
	if err := scope.Validate(); err != nil {
		return nil, nil, err
	}

	if job.Path != "" {
		path, err := c.checkDestination(job.Path)
		if err != nil {
			return nil, nil, err
		}
		job.Path = path
	}
	return desc, scope, nil
}

// checkDestination expands path and makes sure a file can be created next
// to it
func (c *Coordinator) checkDestination(path string) (string, error) {
	expanded, err := util.ExpandFilePath(path)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "invalid destination"), errors.ErrDestinationUnwritable)
	}

	dir := filepath.Dir(expanded)
	probe, err := os.CreateTemp(dir, ".bibexport-probe-*")
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "destination directory %s is not writable", dir), errors.ErrDestinationUnwritable)
	}
	if err := probe.Close(); err != nil {
		c.logger.Debugw("Failed to close write probe", "path", probe.Name(), "error", err)
	}
	if err := os.Remove(probe.Name()); err != nil {
		c.logger.Debugw("Failed to remove write probe", "path", probe.Name(), "error", err)
	}

	return expanded, nil
}

// mergePreferences overlays the job's overrides on the configured
// preferences
func (c *Coordinator) mergePreferences(overrides map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(c.preferences)+len(overrides))
	for k, v := range c.preferences {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// applyCache moves records with a cache hit out of data.Items. A failed
// lookup degrades to converting everything.
func (c *Coordinator) applyCache(ctx context.Context, log *zap.SugaredLogger, fp cache.Fingerprint, data *worker.Data) {
	hits, err := c.cache.Lookup(ctx, fp, data.Order)
	if err != nil {
		log.Warnw("Cache lookup failed, converting all records", "error", err)
		return
	}
	if len(hits) == 0 {
		return
	}

	data.Cache = make(map[int64]worker.CacheEntry, len(hits))
	uncached := data.Items[:0:0]
	for _, it := range data.Items {
		if hit, ok := hits[it.ID]; ok {
			data.Cache[it.ID] = worker.CacheEntry{Entry: hit.Entry, Metadata: hit.Metadata}
			continue
		}
		uncached = append(uncached, it)
	}
	data.Items = uncached
}
