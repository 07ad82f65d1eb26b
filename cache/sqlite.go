package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/bibexport/errors"
)

// maxQueryParams keeps IN lists well under SQLite's bound-variable limit
const maxQueryParams = 500

// SQLiteStore keeps cache entries in the cache_entries table
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore uses an already migrated database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Find implements Store
func (s *SQLiteStore) Find(ctx context.Context, q Query) (map[int64]*Entry, error) {
	out := make(map[int64]*Entry, len(q.ItemIDs))
	for _, chunk := range chunkIDs(q.ItemIDs) {
		args := []interface{}{q.Converter, q.OptionsFP, q.PreferencesFP}
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT item_id, entry, metadata, touched_at
			FROM cache_entries
			WHERE converter = ? AND options_fp = ? AND preferences_fp = ?
			  AND item_id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to query cache entries")
		}

		for rows.Next() {
			var (
				e        Entry
				metadata string
				touched  int64
			)
			if err := rows.Scan(&e.ItemID, &e.Entry, &metadata, &touched); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "failed to scan cache entry")
			}
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				rows.Close()
				return nil, errors.Wrapf(err, "corrupt metadata for item %d", e.ItemID)
			}
			e.Converter = q.Converter
			e.OptionsFP = q.OptionsFP
			e.PreferencesFP = q.PreferencesFP
			e.Touched = time.UnixMilli(touched)
			out[e.ItemID] = &e
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read cache entries")
		}
	}
	return out, nil
}

// Touch implements Store
func (s *SQLiteStore) Touch(ctx context.Context, q Query, at time.Time) error {
	for _, chunk := range chunkIDs(q.ItemIDs) {
		args := []interface{}{at.UnixMilli(), q.Converter, q.OptionsFP, q.PreferencesFP}
		for _, id := range chunk {
			args = append(args, id)
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE cache_entries SET touched_at = ?
			WHERE converter = ? AND options_fp = ? AND preferences_fp = ?
			  AND item_id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return errors.Wrap(err, "failed to touch cache entries")
		}
	}
	return nil
}

// Put implements Store
func (s *SQLiteStore) Put(ctx context.Context, e *Entry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return errors.Wrapf(err, "failed to encode metadata for item %d", e.ItemID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (converter, item_id, options_fp, preferences_fp, entry, metadata, touched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (converter, item_id, options_fp, preferences_fp)
		DO UPDATE SET entry = excluded.entry, metadata = excluded.metadata, touched_at = excluded.touched_at`,
		e.Converter, e.ItemID, e.OptionsFP, e.PreferencesFP, e.Entry, string(metadata), e.Touched.UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "failed to store cache entry for item %d", e.ItemID)
	}
	return nil
}

// DeleteOlderThan implements Store
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return s.exec(ctx, `DELETE FROM cache_entries WHERE touched_at < ?`, cutoff.UnixMilli())
}

// DeleteConverter implements Store
func (s *SQLiteStore) DeleteConverter(ctx context.Context, converter string) (int, error) {
	return s.exec(ctx, `DELETE FROM cache_entries WHERE converter = ?`, converter)
}

// Clear implements Store
func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	return s.exec(ctx, `DELETE FROM cache_entries`)
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...interface{}) (int, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete cache entries")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count deleted cache entries")
	}
	return int(n), nil
}

// Stats implements Store
func (s *SQLiteStore) Stats(ctx context.Context) ([]ConverterStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT converter, COUNT(*), MIN(touched_at), MAX(touched_at)
		FROM cache_entries
		GROUP BY converter
		ORDER BY converter`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query cache stats")
	}
	defer rows.Close()

	var out []ConverterStats
	for rows.Next() {
		var (
			st             ConverterStats
			oldest, newest int64
		)
		if err := rows.Scan(&st.Converter, &st.Entries, &oldest, &newest); err != nil {
			return nil, errors.Wrap(err, "failed to scan cache stats")
		}
		st.Oldest = time.UnixMilli(oldest)
		st.Newest = time.UnixMilli(newest)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ConverterHash implements Store
func (s *SQLiteStore) ConverterHash(ctx context.Context, converter string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM converter_hashes WHERE converter = ?`, converter).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read hash for %s", converter)
	}
	return hash, nil
}

// SetConverterHash implements Store
func (s *SQLiteStore) SetConverterHash(ctx context.Context, converter, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO converter_hashes (converter, hash, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (converter) DO UPDATE SET hash = excluded.hash, updated_at = excluded.updated_at`,
		converter, hash)
	if err != nil {
		return errors.Wrapf(err, "failed to record hash for %s", converter)
	}
	return nil
}

// Close is a no-op: the database belongs to the caller
func (s *SQLiteStore) Close() error {
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunkIDs(ids []int64) [][]int64 {
	var chunks [][]int64
	for len(ids) > maxQueryParams {
		chunks = append(chunks, ids[:maxQueryParams])
		ids = ids[maxQueryParams:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}
