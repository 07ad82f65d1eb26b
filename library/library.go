// Package library models the host application's records and collections.
//
// The exporter never owns this data: it reads it through Store. MemoryStore
// is the implementation used by the CLI, loaded from a YAML or JSON snapshot
// of the host library.
package library

import (
	"context"
	"time"
)

// Item types with special handling during export
const (
	ItemTypeAnnotation = "annotation"
	ItemTypeNote       = "note"
	ItemTypeAttachment = "attachment"
)

// Creator is one author/editor/etc. of a record
type Creator struct {
	CreatorType string `yaml:"creator_type" json:"creator_type"`
	FirstName   string `yaml:"first_name,omitempty" json:"first_name,omitempty"`
	LastName    string `yaml:"last_name,omitempty" json:"last_name,omitempty"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"` // single-field names (institutions)
}

// Attachment is a file linked to a record
type Attachment struct {
	Title       string `yaml:"title" json:"title"`
	Path        string `yaml:"path" json:"path"`
	ContentType string `yaml:"content_type,omitempty" json:"content_type,omitempty"`
}

// Record is one bibliographic entry in the host library
type Record struct {
	ID           int64                  `yaml:"id" json:"id"`
	Key          string                 `yaml:"key" json:"key"`
	LibraryID    int64                  `yaml:"library_id" json:"library_id"`
	ItemType     string                 `yaml:"item_type" json:"item_type"`
	CitationKey  string                 `yaml:"citation_key,omitempty" json:"citation_key,omitempty"`
	Fields       map[string]interface{} `yaml:"fields,omitempty" json:"fields,omitempty"`
	Creators     []Creator              `yaml:"creators,omitempty" json:"creators,omitempty"`
	Tags         []string               `yaml:"tags,omitempty" json:"tags,omitempty"`
	Notes        []string               `yaml:"notes,omitempty" json:"notes,omitempty"`
	Attachments  []Attachment           `yaml:"attachments,omitempty" json:"attachments,omitempty"`
	DateAdded    time.Time              `yaml:"date_added,omitempty" json:"date_added,omitempty"`
	DateModified time.Time              `yaml:"date_modified,omitempty" json:"date_modified,omitempty"`
}

// IsAnnotation reports whether the record is a reader annotation rather than
// an exportable bibliographic entry
func (r *Record) IsAnnotation() bool {
	return r.ItemType == ItemTypeAnnotation
}

// Collection groups records; collections nest through ParentID (0 = top level)
type Collection struct {
	ID        int64   `yaml:"id" json:"id"`
	Key       string  `yaml:"key" json:"key"`
	LibraryID int64   `yaml:"library_id" json:"library_id"`
	Name      string  `yaml:"name" json:"name"`
	ParentID  int64   `yaml:"parent_id,omitempty" json:"parent_id,omitempty"`
	ItemIDs   []int64 `yaml:"items,omitempty" json:"items,omitempty"`
}

// Library is a top-level container of records
type Library struct {
	ID   int64  `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Store is the host storage capability the exporter reads from
type Store interface {
	// Items returns every record in the library, ordered by id
	Items(ctx context.Context, libraryID int64) ([]*Record, error)
	// Collections returns every collection in the library
	Collections(ctx context.Context, libraryID int64) ([]*Collection, error)
	// Collection looks a collection up by id
	Collection(ctx context.Context, id int64) (*Collection, error)
	// CollectionByKey looks a collection up by its key
	CollectionByKey(ctx context.Context, key string) (*Collection, error)
	// ChildCollections returns the children of parentID, all descendants when recursive
	ChildCollections(ctx context.Context, parentID int64, recursive bool) ([]*Collection, error)
	// CollectionItems returns the records filed directly in the collection
	CollectionItems(ctx context.Context, collectionID int64) ([]*Record, error)
}
