// Package convert holds the converters run inside the worker process and the
// flat record format they consume.
package convert

import (
	"sort"
	"strconv"
	"strings"

	"github.com/teranos/bibexport/errors"
)

// Creator is a flattened record creator
type Creator struct {
	CreatorType string `json:"creatorType"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Attachment is a flattened attachment reference
type Attachment struct {
	Title       string `json:"title"`
	Path        string `json:"path"`
	ContentType string `json:"contentType,omitempty"`
}

// Item is the transport-safe snapshot of one record
type Item struct {
	ID           int64                  `json:"itemID"`
	Key          string                 `json:"key"`
	LibraryID    int64                  `json:"libraryID"`
	ItemType     string                 `json:"itemType"`
	CitationKey  string                 `json:"citationKey,omitempty"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
	Creators     []Creator              `json:"creators,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	Notes        []string               `json:"notes,omitempty"`
	Attachments  []Attachment           `json:"attachments,omitempty"`
	DateAdded    string                 `json:"dateAdded,omitempty"`
	DateModified string                 `json:"dateModified,omitempty"`
}

// Field returns a field as a string ("" when absent)
func (it *Item) Field(name string) string {
	v, ok := it.Fields[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// Year extracts a four digit year from the date field
func (it *Item) Year() string {
	date := it.Field("date")
	for i := 0; i+4 <= len(date); i++ {
		if _, err := strconv.Atoi(date[i : i+4]); err == nil {
			return date[i : i+4]
		}
	}
	return ""
}

// Collection is a flattened collection
type Collection struct {
	ID     int64   `json:"id"`
	Key    string  `json:"key"`
	Name   string  `json:"name"`
	Parent int64   `json:"parent,omitempty"`
	Items  []int64 `json:"items,omitempty"`
}

// Job is what a converter sees of one export
type Job struct {
	Options     map[string]interface{}
	Preferences map[string]interface{}
	Collections []Collection
}

// Option returns a display option
func (j *Job) Option(name string) interface{} {
	return j.Options[name]
}

// BoolOption reports a boolean display option
func (j *Job) BoolOption(name string) bool {
	b, _ := j.Options[name].(bool)
	return b
}

// StringOption returns a string display option
func (j *Job) StringOption(name string) string {
	s, _ := j.Options[name].(string)
	return s
}

// BoolPreference reports a boolean preference
func (j *Job) BoolPreference(name string) bool {
	b, _ := j.Preferences[name].(bool)
	return b
}

// IntPreference returns a numeric preference
func (j *Job) IntPreference(name string) int {
	switch t := j.Preferences[name].(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	default:
		return 0
	}
}

// CollectionsOf returns the names of the collections an item is filed in
func (j *Job) CollectionsOf(itemID int64) []string {
	var names []string
	for _, c := range j.Collections {
		for _, id := range c.Items {
			if id == itemID {
				names = append(names, c.Name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// Converter renders records in one output format. Entry must depend only on
// the item, options and preferences so its result can be cached.
type Converter interface {
	// Entry renders one record
	Entry(item *Item, job *Job) (fragment string, metadata map[string]interface{}, err error)
	// Assemble joins the per-record fragments, in export order, into the output
	Assemble(fragments []string, job *Job) (string, error)
}

// Registry maps implementation names to converters
type Registry struct {
	converters map[string]Converter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{converters: make(map[string]Converter)}
}

// Default returns a registry holding every built-in converter
func Default() *Registry {
	r := NewRegistry()
	r.Register("identifiers", Identifiers{})
	r.Register("bibtex", BibTeX{})
	r.Register("biblatex", BibTeX{BibLaTeX: true})
	r.Register("csljson", CSLJSON{})
	r.Register("cslyaml", CSLYAML{})
	r.Register("bbtjson", NativeJSON{})
	return r
}

// Register adds or replaces a converter
func (r *Registry) Register(name string, c Converter) {
	r.converters[name] = c
}

// Get looks a converter up
func (r *Registry) Get(name string) (Converter, error) {
	c, ok := r.converters[name]
	if !ok {
		return nil, errors.NewNotFoundError("no converter implementation %q", name)
	}
	return c, nil
}

// Names lists registered implementations
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.converters))
	for name := range r.converters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Identifiers echoes each record's id; useful for smoke tests and scripting
type Identifiers struct{}

// Entry implements Converter
func (Identifiers) Entry(item *Item, _ *Job) (string, map[string]interface{}, error) {
	return strconv.FormatInt(item.ID, 10), nil, nil
}

// Assemble implements Converter
func (Identifiers) Assemble(fragments []string, job *Job) (string, error) {
	return strings.Join(fragments, job.StringOption("separator")), nil
}
