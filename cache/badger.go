package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/teranos/bibexport/errors"
)

// badgerEntry is the stored form; metadata is kept as JSON since the gob
// encoder cannot carry arbitrary interface values
type badgerEntry struct {
	Converter     string
	ItemID        int64
	OptionsFP     string
	PreferencesFP string
	Entry         string
	Metadata      string
	Touched       int64 // unix millis
}

type badgerHash struct {
	Converter string
	Hash      string
	UpdatedAt time.Time
}

// BadgerStore keeps cache entries in an embedded Badger database
type BadgerStore struct {
	store *badgerhold.Store
}

// OpenBadgerStore opens (creating if needed) the database at dir
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache directory %s", dir)
	}

	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open badger cache at %s", dir)
	}
	return &BadgerStore{store: store}, nil
}

func badgerKey(k Key) string {
	return fmt.Sprintf("%s\x00%d\x00%s\x00%s", k.Converter, k.ItemID, k.OptionsFP, k.PreferencesFP)
}

func (s *BadgerStore) query(q Query) *badgerhold.Query {
	ids := make([]interface{}, len(q.ItemIDs))
	for i, id := range q.ItemIDs {
		ids[i] = id
	}
	return badgerhold.Where("Converter").Eq(q.Converter).
		And("OptionsFP").Eq(q.OptionsFP).
		And("PreferencesFP").Eq(q.PreferencesFP).
		And("ItemID").In(ids...)
}

// Find implements Store
func (s *BadgerStore) Find(ctx context.Context, q Query) (map[int64]*Entry, error) {
	out := make(map[int64]*Entry, len(q.ItemIDs))
	if len(q.ItemIDs) == 0 {
		return out, nil
	}

	var records []badgerEntry
	if err := s.store.Find(&records, s.query(q)); err != nil {
		return nil, errors.Wrap(err, "failed to query cache entries")
	}
	for _, r := range records {
		e := &Entry{
			Key: Key{
				Converter:     r.Converter,
				ItemID:        r.ItemID,
				OptionsFP:     r.OptionsFP,
				PreferencesFP: r.PreferencesFP,
			},
			Entry:   r.Entry,
			Touched: time.UnixMilli(r.Touched),
		}
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return nil, errors.Wrapf(err, "corrupt metadata for item %d", r.ItemID)
		}
		out[r.ItemID] = e
	}
	return out, nil
}

// Touch implements Store
func (s *BadgerStore) Touch(ctx context.Context, q Query, at time.Time) error {
	if len(q.ItemIDs) == 0 {
		return nil
	}
	millis := at.UnixMilli()
	err := s.store.UpdateMatching(&badgerEntry{}, s.query(q), func(record interface{}) error {
		r, ok := record.(*badgerEntry)
		if !ok {
			return errors.AssertionFailedf("unexpected record type %T", record)
		}
		r.Touched = millis
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to touch cache entries")
	}
	return nil
}

// Put implements Store
func (s *BadgerStore) Put(ctx context.Context, e *Entry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return errors.Wrapf(err, "failed to encode metadata for item %d", e.ItemID)
	}
	record := badgerEntry{
		Converter:     e.Converter,
		ItemID:        e.ItemID,
		OptionsFP:     e.OptionsFP,
		PreferencesFP: e.PreferencesFP,
		Entry:         e.Entry,
		Metadata:      string(metadata),
		Touched:       e.Touched.UnixMilli(),
	}
	if err := s.store.Upsert(badgerKey(e.Key), &record); err != nil {
		return errors.Wrapf(err, "failed to store cache entry for item %d", e.ItemID)
	}
	return nil
}

func (s *BadgerStore) deleteMatching(query *badgerhold.Query) (int, error) {
	n, err := s.store.Count(&badgerEntry{}, query)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count cache entries")
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.store.DeleteMatching(&badgerEntry{}, query); err != nil {
		return 0, errors.Wrap(err, "failed to delete cache entries")
	}
	return int(n), nil
}

// DeleteOlderThan implements Store
func (s *BadgerStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteMatching(badgerhold.Where("Touched").Lt(cutoff.UnixMilli()))
}

// DeleteConverter implements Store
func (s *BadgerStore) DeleteConverter(ctx context.Context, converter string) (int, error) {
	return s.deleteMatching(badgerhold.Where("Converter").Eq(converter))
}

// Clear implements Store
func (s *BadgerStore) Clear(ctx context.Context) (int, error) {
	return s.deleteMatching(nil)
}

// Stats implements Store
func (s *BadgerStore) Stats(ctx context.Context) ([]ConverterStats, error) {
	var records []badgerEntry
	if err := s.store.Find(&records, nil); err != nil {
		return nil, errors.Wrap(err, "failed to scan cache entries")
	}

	byConverter := make(map[string]*ConverterStats)
	for _, r := range records {
		touched := time.UnixMilli(r.Touched)
		st, ok := byConverter[r.Converter]
		if !ok {
			st = &ConverterStats{Converter: r.Converter, Oldest: touched, Newest: touched}
			byConverter[r.Converter] = st
		}
		st.Entries++
		if touched.Before(st.Oldest) {
			st.Oldest = touched
		}
		if touched.After(st.Newest) {
			st.Newest = touched
		}
	}

	out := make([]ConverterStats, 0, len(byConverter))
	for _, st := range byConverter {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Converter < out[j].Converter })
	return out, nil
}

// ConverterHash implements Store
func (s *BadgerStore) ConverterHash(ctx context.Context, converter string) (string, error) {
	var record badgerHash
	err := s.store.Get(converter, &record)
	if err == badgerhold.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read hash for %s", converter)
	}
	return record.Hash, nil
}

// SetConverterHash implements Store
func (s *BadgerStore) SetConverterHash(ctx context.Context, converter, hash string) error {
	record := badgerHash{Converter: converter, Hash: hash, UpdatedAt: time.Now()}
	if err := s.store.Upsert(converter, &record); err != nil {
		return errors.Wrapf(err, "failed to record hash for %s", converter)
	}
	return nil
}

// Close closes the database
func (s *BadgerStore) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
