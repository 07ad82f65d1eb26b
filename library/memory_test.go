package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/bibexport/errors"
)

const snapshotYAML = `
libraries:
  - id: 1
    name: My Library
items:
  - id: 10
    key: AAAA1111
    library_id: 1
    item_type: journalArticle
    fields:
      title: On Queues
  - id: 11
    key: BBBB2222
    library_id: 1
    item_type: book
  - id: 12
    key: CCCC3333
    library_id: 1
    item_type: annotation
collections:
  - id: 100
    key: ROOT
    library_id: 1
    name: Thesis
    items: [10]
  - id: 101
    key: CHILD
    library_id: 1
    name: Chapter 1
    parent_id: 100
    items: [10, 11]
  - id: 102
    key: GRANDCHILD
    library_id: 1
    name: Section 1.1
    parent_id: 101
    items: [11]
`

func loadTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "library.yaml")
	require.NoError(t, os.WriteFile(path, []byte(snapshotYAML), 0o644))
	store, err := LoadFile(path)
	require.NoError(t, err)
	return store
}

func TestItemsOrderedByID(t *testing.T) {
	store := loadTestStore(t)

	items, err := store.Items(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, int64(10), items[0].ID)
	assert.Equal(t, "On Queues", items[0].Fields["title"])
	assert.True(t, items[2].IsAnnotation())
}

func TestUnknownLibrary(t *testing.T) {
	store := loadTestStore(t)

	_, err := store.Items(context.Background(), 99)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestChildCollections(t *testing.T) {
	store := loadTestStore(t)
	ctx := context.Background()

	direct, err := store.ChildCollections(ctx, 100, false)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, "CHILD", direct[0].Key)

	all, err := store.ChildCollections(ctx, 100, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "GRANDCHILD", all[1].Key)
}

func TestCollectionByKey(t *testing.T) {
	store := loadTestStore(t)

	coll, err := store.CollectionByKey(context.Background(), "CHILD")
	require.NoError(t, err)
	assert.Equal(t, int64(101), coll.ID)

	_, err = store.CollectionByKey(context.Background(), "NOPE")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestCollectionItemsShareIdentity(t *testing.T) {
	store := loadTestStore(t)
	ctx := context.Background()

	root, err := store.CollectionItems(ctx, 100)
	require.NoError(t, err)
	child, err := store.CollectionItems(ctx, 101)
	require.NoError(t, err)

	assert.Same(t, root[0], child[0], "the same record must be returned through every collection")
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"items":[{"id":1,"key":"K","library_id":1,"item_type":"book"}]}`), 0o644))

	store, err := LoadFile(path)
	require.NoError(t, err)
	items, err := store.Items(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestReplace(t *testing.T) {
	store := loadTestStore(t)
	store.Replace(Snapshot{Items: []*Record{{ID: 1, LibraryID: 2, ItemType: "book"}}})

	_, err := store.Items(context.Background(), 1)
	assert.Error(t, err)
	items, err := store.Items(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
