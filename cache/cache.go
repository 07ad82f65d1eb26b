// Package cache holds per-record converter output that may be reused across
// exports.
//
// An entry is addressed by (converter label, record id, options fingerprint,
// preferences fingerprint) and is only ever returned for that exact key.
// Facade decides per job whether caching applies at all; Store is the
// persistence capability behind it (SQLite or Badger).
package cache

import (
	"context"
	"time"
)

// Key addresses one cache entry
type Key struct {
	Converter     string
	ItemID        int64
	OptionsFP     string
	PreferencesFP string
}

// Entry is a cached per-record converter fragment
type Entry struct {
	Key
	Entry    string                 `json:"entry"`
	Metadata map[string]interface{} `json:"metadata"`
	Touched  time.Time              `json:"touched"`
}

// Query selects entries for a set of records under one fingerprint
type Query struct {
	Converter     string
	OptionsFP     string
	PreferencesFP string
	ItemIDs       []int64
}

// ConverterStats summarizes the entries held for one converter
type ConverterStats struct {
	Converter string
	Entries   int
	Oldest    time.Time
	Newest    time.Time
}

// Store is the keyed persistence capability used by Facade
type Store interface {
	// Find returns the entries matching q, keyed by record id
	Find(ctx context.Context, q Query) (map[int64]*Entry, error)
	// Touch sets the last-touched time of the entries matching q
	Touch(ctx context.Context, q Query, at time.Time) error
	// Put inserts or replaces an entry
	Put(ctx context.Context, e *Entry) error
	// DeleteOlderThan evicts entries last touched before cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	// DeleteConverter drops every entry of one converter
	DeleteConverter(ctx context.Context, converter string) (int, error)
	// Clear drops every entry
	Clear(ctx context.Context) (int, error)
	// Stats summarizes entries per converter
	Stats(ctx context.Context) ([]ConverterStats, error)

	// ConverterHash returns the installed hash for a converter ("" when unknown)
	ConverterHash(ctx context.Context, converter string) (string, error)
	// SetConverterHash records the installed hash for a converter
	SetConverterHash(ctx context.Context, converter, hash string) error

	Close() error
}
