package export

import (
	"context"
	"strconv"

	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/library"
)

// Resolved is the concrete content of a scope
type Resolved struct {
	Records     []*library.Record
	Collections []*library.Collection
}

// Resolver turns scopes into record lists
type Resolver struct {
	store library.Store
}

// NewResolver reads from store
func NewResolver(store library.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the records a scope targets. Item scopes come back as
// given. Library scopes include the library's collections; collection scopes
// walk every descendant and return each record once, along with the visited
// collections.
func (r *Resolver) Resolve(ctx context.Context, scope *Scope) (*Resolved, error) {
	if scope == nil {
		return nil, errors.InvalidScopef("no scope")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	switch scope.Kind {
	case ScopeItems:
		return &Resolved{Records: scope.Items}, nil
	case ScopeLibrary:
		return r.library(ctx, scope.LibraryID)
	default:
		return r.collection(ctx, scope.Collection)
	}
}

func (r *Resolver) library(ctx context.Context, id int64) (*Resolved, error) {
	records, err := r.store.Items(ctx, id)
	if err != nil {
		return nil, scopeError(err, "library %d", id)
	}
	collections, err := r.store.Collections(ctx, id)
	if err != nil {
		return nil, scopeError(err, "library %d", id)
	}
	return &Resolved{Records: records, Collections: collections}, nil
}

func (r *Resolver) collection(ctx context.Context, handle string) (*Resolved, error) {
	root, err := r.lookupCollection(ctx, handle)
	if err != nil {
		return nil, err
	}

	children, err := r.store.ChildCollections(ctx, root.ID, true)
	if err != nil {
		return nil, scopeError(err, "collection %s", handle)
	}
	visited := append([]*library.Collection{root}, children...)

	seen := make(map[int64]bool)
	var records []*library.Record
	for _, coll := range visited {
		items, err := r.store.CollectionItems(ctx, coll.ID)
		if err != nil {
			return nil, scopeError(err, "collection %d", coll.ID)
		}
		for _, item := range items {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			records = append(records, item)
		}
	}
	return &Resolved{Records: records, Collections: visited}, nil
}

// lookupCollection accepts a numeric id or a key
func (r *Resolver) lookupCollection(ctx context.Context, handle string) (*library.Collection, error) {
	if id, err := strconv.ParseInt(handle, 10, 64); err == nil {
		if id <= 0 {
			return nil, errors.InvalidScopef("invalid collection id %d", id)
		}
		coll, err := r.store.Collection(ctx, id)
		if err != nil {
			return nil, scopeError(err, "collection %d", id)
		}
		return coll, nil
	}

	coll, err := r.store.CollectionByKey(ctx, handle)
	if err != nil {
		return nil, scopeError(err, "collection %q", handle)
	}
	return coll, nil
}

// scopeError turns an unknown handle into InvalidScope; other store failures
// pass through wrapped
func scopeError(err error, format string, args ...interface{}) error {
	if errors.IsNotFoundError(err) {
		return errors.Mark(errors.Wrapf(err, "cannot resolve "+format, args...), errors.ErrInvalidScope)
	}
	return errors.Wrapf(err, "failed to resolve "+format, args...)
}
