// Package export runs export jobs: it resolves a job's scope to records,
// serializes them, consults the cache and hands the payload to the worker.
package export

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/library"
)

// ScopeKind selects the variant of a Scope
type ScopeKind string

const (
	ScopeItems      ScopeKind = "items"
	ScopeLibrary    ScopeKind = "library"
	ScopeCollection ScopeKind = "collection"
)

// Scope is the set of records an export targets. Exactly one of Items,
// LibraryID and Collection is meaningful, as selected by Kind.
type Scope struct {
	Kind       ScopeKind         `json:"kind"`
	Items      []*library.Record `json:"items,omitempty"`
	LibraryID  int64             `json:"library,omitempty"`
	Collection string            `json:"collection,omitempty"` // numeric id or collection key
}

// ItemsScope targets an explicit list of records
func ItemsScope(records ...*library.Record) *Scope {
	return &Scope{Kind: ScopeItems, Items: records}
}

// LibraryScope targets a whole library
func LibraryScope(id int64) *Scope {
	return &Scope{Kind: ScopeLibrary, LibraryID: id}
}

// CollectionScope targets a collection and its descendants. handle is the
// collection id or key.
func CollectionScope(handle string) *Scope {
	return &Scope{Kind: ScopeCollection, Collection: handle}
}

// ParseScope reads the "library:<id>" and "collection:<id|key>" forms used in
// configuration and on the command line
func ParseScope(s string) (*Scope, error) {
	kind, value, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || value == "" {
		return nil, errors.InvalidScopef("invalid scope %q (expected library:<id> or collection:<id|key>)", s)
	}

	switch ScopeKind(kind) {
	case ScopeLibrary:
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, errors.InvalidScopef("invalid library id %q", value)
		}
		scope := LibraryScope(id)
		return scope, scope.Validate()
	case ScopeCollection:
		scope := CollectionScope(value)
		return scope, scope.Validate()
	default:
		return nil, errors.InvalidScopef("unknown scope kind %q", kind)
	}
}

// Validate checks the scope's shape without looking anything up
func (s *Scope) Validate() error {
	switch s.Kind {
	case ScopeItems:
		if len(s.Items) == 0 {
			return errors.InvalidScopef("items scope is empty")
		}
		for i, r := range s.Items {
			if r == nil {
				return errors.InvalidScopef("items scope has a nil record at position %d", i)
			}
		}
	case ScopeLibrary:
		if s.LibraryID <= 0 {
			return errors.InvalidScopef("invalid library id %d", s.LibraryID)
		}
	case ScopeCollection:
		if strings.TrimSpace(s.Collection) == "" {
			return errors.InvalidScopef("collection scope has no handle")
		}
	default:
		return errors.InvalidScopef("unknown scope kind %q", s.Kind)
	}
	return nil
}

// String renders the scope for logs and job history
func (s *Scope) String() string {
	if s == nil {
		return "default"
	}
	switch s.Kind {
	case ScopeItems:
		return fmt.Sprintf("items:%d", len(s.Items))
	case ScopeLibrary:
		return fmt.Sprintf("library:%d", s.LibraryID)
	case ScopeCollection:
		return "collection:" + s.Collection
	default:
		return string(s.Kind)
	}
}

// Job is one export request. The owner may Cancel it at any time; the
// coordinator only looks at the flag at its checkpoints, so a job already
// handed to the worker runs to the end.
type Job struct {
	ID             string                 `json:"id,omitempty"`
	ConverterID    string                 `json:"converter"` // id, label or shortcut
	DisplayOptions map[string]interface{} `json:"options,omitempty"`
	Scope          *Scope                 `json:"scope,omitempty"` // nil exports the default library
	Path           string                 `json:"path,omitempty"`
	AutoExport     string                 `json:"autoexport,omitempty"`
	Preferences    map[string]interface{} `json:"preferences,omitempty"` // overrides of the configured preferences

	// ItemDone is called for every record the worker finishes
	ItemDone func(itemID int64) `json:"-"`

	started  atomic.Int64
	canceled atomic.Bool
}

// Cancel asks the job to stop at its next checkpoint
func (j *Job) Cancel() {
	j.canceled.Store(true)
}

// Canceled reports whether Cancel was called
func (j *Job) Canceled() bool {
	return j.canceled.Load()
}

// Started returns when the coordinator picked the job up (zero before)
func (j *Job) Started() time.Time {
	ns := j.started.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (j *Job) markStarted() {
	j.started.Store(time.Now().UnixNano())
}
