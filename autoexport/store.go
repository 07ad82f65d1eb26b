package autoexport

import (
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/bibexport/errors"
)

// Status is the state of one auto-export
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

// State is the persisted status row of an auto-export
type State struct {
	ID        string     `json:"id"`
	Converter string     `json:"converter"` // descriptor id
	Path      string     `json:"path"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store persists auto-export state
type Store struct {
	db *sql.DB
}

// NewStore creates a new auto-export store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Register inserts or refreshes an auto-export. A changed converter or path
// puts it back to scheduled.
func (s *Store) Register(id, converter, path string) error {
	_, err := s.db.Exec(`
		INSERT INTO auto_exports (id, converter, path, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    status = CASE
		        WHEN auto_exports.converter != excluded.converter OR auto_exports.path != excluded.path
		        THEN excluded.status ELSE auto_exports.status END,
		    converter = excluded.converter,
		    path = excluded.path,
		    updated_at = excluded.updated_at`,
		id, converter, path, StatusScheduled, time.Now(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to register auto-export %s", id)
	}
	return nil
}

// SetStatus records a transition. err is stored for StatusError only; a run
// that finishes (done or error) updates last_run.
func (s *Store) SetStatus(id string, status Status, runErr error) error {
	now := time.Now()
	var msg sql.NullString
	if status == StatusError && runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	var lastRun interface{}
	if status == StatusDone || status == StatusError {
		lastRun = now
	}

	res, err := s.db.Exec(`
		UPDATE auto_exports
		SET status = ?,
		    error = ?,
		    last_run = COALESCE(?, last_run),
		    updated_at = ?
		WHERE id = ?`,
		status, msg, lastRun, now, id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update auto-export %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("auto-export not found: %s", id)
	}
	return nil
}

// MarkScheduledByConverter puts every auto-export using one of the given
// converters back to scheduled
func (s *Store) MarkScheduledByConverter(converters ...string) (int, error) {
	if len(converters) == 0 {
		return 0, nil
	}
	args := []interface{}{StatusScheduled, time.Now()}
	for _, c := range converters {
		args = append(args, c)
	}
	res, err := s.db.Exec(`
		UPDATE auto_exports
		SET status = ?, error = NULL, updated_at = ?
		WHERE converter IN (`+strings.TrimSuffix(strings.Repeat("?,", len(converters)), ",")+`)`,
		args...,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reschedule auto-exports")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count rescheduled auto-exports")
	}
	return int(n), nil
}

// Get retrieves one auto-export
func (s *Store) Get(id string) (*State, error) {
	row := s.db.QueryRow(`SELECT id, converter, path, status, error, last_run, updated_at FROM auto_exports WHERE id = ?`, id)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("auto-export not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get auto-export")
	}
	return st, nil
}

// List returns every auto-export ordered by id
func (s *Store) List() ([]*State, error) {
	rows, err := s.db.Query(`SELECT id, converter, path, status, error, last_run, updated_at FROM auto_exports ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list auto-exports")
	}
	defer rows.Close()

	var out []*State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan auto-export")
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row scanner) (*State, error) {
	var (
		st      State
		msg     sql.NullString
		lastRun sql.NullTime
	)
	if err := row.Scan(&st.ID, &st.Converter, &st.Path, &st.Status, &msg, &lastRun, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Error = msg.String
	if lastRun.Valid {
		t := lastRun.Time
		st.LastRun = &t
	}
	return &st, nil
}
