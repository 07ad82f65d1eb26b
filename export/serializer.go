package export

import (
	"runtime"
	"time"

	"github.com/teranos/bibexport/library"
	"github.com/teranos/bibexport/worker/convert"
)

// DefaultYieldAfter is the serializer burst length when none is configured
const DefaultYieldAfter = 100 * time.Millisecond

const dateLayout = "2006-01-02 15:04:05"

// Serializer flattens records for the worker. Long runs are broken up with a
// cooperative yield so other goroutines on the process get scheduled.
type Serializer struct {
	yieldAfter time.Duration
	now        func() time.Time
	yield      func()
}

// NewSerializer yields after every burst longer than yieldAfter
func NewSerializer(yieldAfter time.Duration) *Serializer {
	if yieldAfter <= 0 {
		yieldAfter = DefaultYieldAfter
	}
	return &Serializer{yieldAfter: yieldAfter, now: time.Now, yield: runtime.Gosched}
}

// Serialize converts records, skipping annotations. tick runs once per input
// record. canceled is consulted after every yield; when it reports true the
// serializer stops and returns ok=false.
func (s *Serializer) Serialize(records []*library.Record, tick func(), canceled func() bool) (items []convert.Item, ok bool) {
	items = make([]convert.Item, 0, len(records))
	burst := s.now()

	for _, r := range records {
		if !r.IsAnnotation() {
			items = append(items, Flatten(r))
		}
		if tick != nil {
			tick()
		}

		if s.now().Sub(burst) > s.yieldAfter {
			s.yield()
			if canceled != nil && canceled() {
				return nil, false
			}
			burst = s.now()
		}
	}
	return items, true
}

// Flatten snapshots one record in wire form
func Flatten(r *library.Record) convert.Item {
	item := convert.Item{
		ID:          r.ID,
		Key:         r.Key,
		LibraryID:   r.LibraryID,
		ItemType:    r.ItemType,
		CitationKey: r.CitationKey,
		Tags:        append([]string(nil), r.Tags...),
		Notes:       append([]string(nil), r.Notes...),
	}
	if len(r.Fields) > 0 {
		item.Fields = make(map[string]interface{}, len(r.Fields))
		for k, v := range r.Fields {
			item.Fields[k] = v
		}
	}
	for _, c := range r.Creators {
		item.Creators = append(item.Creators, convert.Creator{
			CreatorType: c.CreatorType,
			FirstName:   c.FirstName,
			LastName:    c.LastName,
			Name:        c.Name,
		})
	}
	for _, a := range r.Attachments {
		item.Attachments = append(item.Attachments, convert.Attachment{
			Title:       a.Title,
			Path:        a.Path,
			ContentType: a.ContentType,
		})
	}
	if !r.DateAdded.IsZero() {
		item.DateAdded = r.DateAdded.UTC().Format(dateLayout)
	}
	if !r.DateModified.IsZero() {
		item.DateModified = r.DateModified.UTC().Format(dateLayout)
	}
	return item
}

// FlattenCollections snapshots collections in wire form
func FlattenCollections(colls []*library.Collection) []convert.Collection {
	out := make([]convert.Collection, 0, len(colls))
	for _, c := range colls {
		out = append(out, convert.Collection{
			ID:     c.ID,
			Key:    c.Key,
			Name:   c.Name,
			Parent: c.ParentID,
			Items:  append([]int64(nil), c.ItemIDs...),
		})
	}
	return out
}
