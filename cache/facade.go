package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/bibexport/catalog"
	"github.com/teranos/bibexport/errors"
)

// Facade decides whether a job may use the cache and mediates every read and
// write against the Store.
type Facade struct {
	store   Store
	rules   []Rule
	enabled atomic.Bool
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewFacade wraps store. enabled mirrors the cache.enabled setting.
func NewFacade(store Store, enabled bool, logger *zap.SugaredLogger) *Facade {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	f := &Facade{
		store:  store,
		rules:  append([]Rule(nil), DefaultRules...),
		logger: logger,
		now:    time.Now,
	}
	f.enabled.Store(enabled)
	return f
}

// AddRule appends a cache-disabling rule
func (f *Facade) AddRule(r Rule) {
	f.rules = append(f.rules, r)
}

// SetEnabled toggles caching globally
func (f *Facade) SetEnabled(enabled bool) {
	f.enabled.Store(enabled)
}

// Enabled reports the global toggle
func (f *Facade) Enabled() bool {
	return f.enabled.Load()
}

// IsCacheable reports whether a job with these options may read and write
// cache entries
func (f *Facade) IsCacheable(d *catalog.Descriptor, options, preferences map[string]interface{}) bool {
	if !f.Enabled() || f.store == nil {
		return false
	}
	for _, r := range f.rules {
		if r.Applies(d, options, preferences) {
			f.logger.Debugw("Cache disabled for job", "converter", d.Label, "rule", r.Name)
			return false
		}
	}
	return true
}

// Lookup returns the entries stored under fp for itemIDs and refreshes their
// last-touched time. Records without an entry are simply absent from the map.
func (f *Facade) Lookup(ctx context.Context, fp Fingerprint, itemIDs []int64) (map[int64]*Entry, error) {
	if len(itemIDs) == 0 {
		return map[int64]*Entry{}, nil
	}

	hits, err := f.store.Find(ctx, fp.Query(itemIDs))
	if err != nil {
		return nil, errors.Wrapf(err, "cache lookup for %s", fp.Converter)
	}
	if len(hits) == 0 {
		return hits, nil
	}

	ids := make([]int64, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	now := f.now()
	if err := f.store.Touch(ctx, fp.Query(ids), now); err != nil {
		// a failed touch only shortens the entries' lifetime
		f.logger.Warnw("Failed to touch cache entries", "converter", fp.Converter, "count", len(ids), "error", err)
	}
	for _, e := range hits {
		e.Touched = now
	}
	return hits, nil
}

// Store writes the fragment a worker produced for one record
func (f *Facade) Store(ctx context.Context, fp Fingerprint, itemID int64, fragment string, metadata map[string]interface{}) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	err := f.store.Put(ctx, &Entry{
		Key:      fp.Key(itemID),
		Entry:    fragment,
		Metadata: metadata,
		Touched:  f.now(),
	})
	if err != nil {
		return errors.Wrapf(err, "cache store for %s item %d", fp.Converter, itemID)
	}
	return nil
}

// Reap evicts entries not touched within ttl
func (f *Facade) Reap(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	n, err := f.store.DeleteOlderThan(ctx, f.now().Add(-ttl))
	if err != nil {
		return 0, errors.Wrap(err, "cache reap")
	}
	if n > 0 {
		f.logger.Infow("Reaped cache entries", "count", n, "ttl", ttl)
	}
	return n, nil
}

// Reconcile compares each descriptor's hash with the one recorded at the
// last install. Converters whose hash changed lose their cache entries and
// are returned so the caller can reschedule their auto-exports.
func (f *Facade) Reconcile(ctx context.Context, descs []*catalog.Descriptor) ([]*catalog.Descriptor, error) {
	var changed []*catalog.Descriptor
	for _, d := range descs {
		installed, err := f.store.ConverterHash(ctx, d.Label)
		if err != nil {
			return changed, errors.Wrapf(err, "read installed hash for %s", d.Label)
		}
		if installed == d.Hash {
			continue
		}

		n, err := f.store.DeleteConverter(ctx, d.Label)
		if err != nil {
			return changed, errors.Wrapf(err, "drop cache for %s", d.Label)
		}
		if err := f.store.SetConverterHash(ctx, d.Label, d.Hash); err != nil {
			return changed, errors.Wrapf(err, "record hash for %s", d.Label)
		}
		if installed != "" {
			f.logger.Infow("Converter changed, cache dropped", "converter", d.Label, "dropped", n)
			changed = append(changed, d)
		}
	}
	return changed, nil
}

// Clear drops every entry
func (f *Facade) Clear(ctx context.Context) (int, error) {
	return f.store.Clear(ctx)
}

// Stats summarizes entries per converter
func (f *Facade) Stats(ctx context.Context) ([]ConverterStats, error) {
	return f.store.Stats(ctx)
}
