package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/bibexport/catalog"
)

func newBadgerFacade(t *testing.T) *Facade {
	t.Helper()
	store, err := OpenBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewFacade(store, true, nil)
}

func TestBadgerRoundTrip(t *testing.T) {
	f := newBadgerFacade(t)
	ctx := context.Background()
	fp := NewFingerprint("X", map[string]interface{}{"export_notes": true}, nil)

	require.NoError(t, f.Store(ctx, fp, 1, "one", map[string]interface{}{"citation_key": "k1"}))
	require.NoError(t, f.Store(ctx, fp, 2, "two", nil))
	require.NoError(t, f.Store(ctx, fp, 2, "two again", nil))

	hits, err := f.Lookup(ctx, fp, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "k1", hits[1].Metadata["citation_key"])
	assert.Equal(t, "two again", hits[2].Entry)

	other := NewFingerprint("X", map[string]interface{}{"export_notes": false}, nil)
	miss, err := f.Lookup(ctx, other, []int64{1, 2})
	require.NoError(t, err)
	assert.Empty(t, miss)
}

func TestBadgerReapAndReconcile(t *testing.T) {
	f := newBadgerFacade(t)
	ctx := context.Background()
	fp := NewFingerprint("X", nil, nil)

	base := time.UnixMilli(1_700_000_000_000)
	f.now = func() time.Time { return base }
	require.NoError(t, f.Store(ctx, fp, 1, "old", nil))
	f.now = func() time.Time { return base.Add(10 * time.Hour) }
	require.NoError(t, f.Store(ctx, fp, 2, "new", nil))

	n, err := f.Reap(ctx, 5*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d := &catalog.Descriptor{Label: "X", Hash: "a"}
	_, err = f.Reconcile(ctx, []*catalog.Descriptor{d})
	require.NoError(t, err)
	d.Hash = "b"
	changed, err := f.Reconcile(ctx, []*catalog.Descriptor{d})
	require.NoError(t, err)
	assert.Len(t, changed, 1)

	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats)
}
