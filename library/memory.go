package library

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/teranos/bibexport/errors"
)

// Snapshot is the on-disk form of a library export from the host application
type Snapshot struct {
	Libraries   []Library     `yaml:"libraries" json:"libraries"`
	Items       []*Record     `yaml:"items" json:"items"`
	Collections []*Collection `yaml:"collections" json:"collections"`
}

// MemoryStore serves a Snapshot from memory. Replace swaps the whole snapshot,
// so readers always see one consistent version.
type MemoryStore struct {
	mu          sync.RWMutex
	libraries   map[int64]Library
	items       map[int64]*Record
	collections map[int64]*Collection
	byKey       map[string]*Collection
}

// NewMemoryStore indexes a snapshot
func NewMemoryStore(snap Snapshot) *MemoryStore {
	s := &MemoryStore{}
	s.Replace(snap)
	return s
}

// LoadFile reads a snapshot from a .yaml/.yml or .json file
func LoadFile(path string) (*MemoryStore, error) {
	snap, err := ReadSnapshot(path)
	if err != nil {
		return nil, err
	}
	return NewMemoryStore(*snap), nil
}

// ReadSnapshot decodes a snapshot file
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read library %s", path)
	}

	var snap Snapshot
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &snap)
	default:
		err = yaml.Unmarshal(data, &snap)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse library %s", path)
	}
	return &snap, nil
}

// Replace swaps in a new snapshot
func (s *MemoryStore) Replace(snap Snapshot) {
	libraries := make(map[int64]Library, len(snap.Libraries))
	for _, lib := range snap.Libraries {
		libraries[lib.ID] = lib
	}
	items := make(map[int64]*Record, len(snap.Items))
	for _, item := range snap.Items {
		items[item.ID] = item
		if _, ok := libraries[item.LibraryID]; !ok {
			libraries[item.LibraryID] = Library{ID: item.LibraryID}
		}
	}
	collections := make(map[int64]*Collection, len(snap.Collections))
	byKey := make(map[string]*Collection, len(snap.Collections))
	for _, coll := range snap.Collections {
		collections[coll.ID] = coll
		if coll.Key != "" {
			byKey[coll.Key] = coll
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.libraries = libraries
	s.items = items
	s.collections = collections
	s.byKey = byKey
}

// Items implements Store
func (s *MemoryStore) Items(ctx context.Context, libraryID int64) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.libraries[libraryID]; !ok {
		return nil, errors.NewNotFoundError("library %d not found", libraryID)
	}

	var out []*Record
	for _, item := range s.items {
		if item.LibraryID == libraryID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Collections implements Store
func (s *MemoryStore) Collections(ctx context.Context, libraryID int64) ([]*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.libraries[libraryID]; !ok {
		return nil, errors.NewNotFoundError("library %d not found", libraryID)
	}

	var out []*Collection
	for _, coll := range s.collections {
		if coll.LibraryID == libraryID {
			out = append(out, coll)
		}
	}
	sortCollections(out)
	return out, nil
}

// Collection implements Store
func (s *MemoryStore) Collection(ctx context.Context, id int64) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.collections[id]
	if !ok {
		return nil, errors.NewNotFoundError("collection %d not found", id)
	}
	return coll, nil
}

// CollectionByKey implements Store
func (s *MemoryStore) CollectionByKey(ctx context.Context, key string) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.byKey[key]
	if !ok {
		return nil, errors.NewNotFoundError("collection %q not found", key)
	}
	return coll, nil
}

// ChildCollections implements Store
func (s *MemoryStore) ChildCollections(ctx context.Context, parentID int64, recursive bool) ([]*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.collections[parentID]; !ok {
		return nil, errors.NewNotFoundError("collection %d not found", parentID)
	}

	var out []*Collection
	visited := map[int64]bool{parentID: true}
	queue := []int64{parentID}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		var children []*Collection
		for _, coll := range s.collections {
			if coll.ParentID == parent && !visited[coll.ID] {
				children = append(children, coll)
			}
		}
		sortCollections(children)
		for _, child := range children {
			visited[child.ID] = true
			out = append(out, child)
			if recursive {
				queue = append(queue, child.ID)
			}
		}
	}
	return out, nil
}

// CollectionItems implements Store
func (s *MemoryStore) CollectionItems(ctx context.Context, collectionID int64) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.collections[collectionID]
	if !ok {
		return nil, errors.NewNotFoundError("collection %d not found", collectionID)
	}

	out := make([]*Record, 0, len(coll.ItemIDs))
	for _, id := range coll.ItemIDs {
		if item, ok := s.items[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// Item looks a record up by id
func (s *MemoryStore) Item(id int64) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

func sortCollections(colls []*Collection) {
	sort.Slice(colls, func(i, j int) bool { return colls[i].ID < colls[j].ID })
}
