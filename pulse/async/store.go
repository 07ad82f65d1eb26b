package async

import (
	"database/sql"
	"time"

	"github.com/teranos/bibexport/errors"
)

const jobColumns = `id, converter, scope, path, autoexport, status, error, created_at, started_at, completed_at, updated_at`

// Store handles persistence of export job history
type Store struct {
	db *sql.DB
}

// NewStore creates a new job history store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(job *Job) error {
	_, err := s.db.Exec(`
		INSERT INTO export_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Converter,
		job.Scope,
		nullString(job.Path),
		nullString(job.AutoExport),
		job.Status,
		nullString(job.Error),
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// UpdateJob updates an existing job in the database
func (s *Store) UpdateJob(job *Job) error {
	_, err := s.db.Exec(`
		UPDATE export_jobs
		SET status = ?,
		    error = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?`,
		job.Status,
		nullString(job.Error),
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM export_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// ListJobs returns the most recent jobs, optionally filtered by status
func (s *Store) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM export_jobs`
	var args []interface{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RecoverInterrupted marks jobs left queued or running by a previous process
// as cancelled. Returns the number of jobs touched.
func (s *Store) RecoverInterrupted() (int, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE export_jobs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE status IN (?, ?)`,
		JobStatusCancelled, "interrupted by shutdown", now, now,
		JobStatusQueued, JobStatusRunning,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover interrupted jobs")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CleanupOldJobs removes finished jobs older than olderThan
func (s *Store) CleanupOldJobs(olderThan time.Duration) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM export_jobs
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up jobs")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job                    Job
		path, ae, errMsg       sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.Converter,
		&job.Scope,
		&path,
		&ae,
		&job.Status,
		&errMsg,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Path = path.String
	job.AutoExport = ae.String
	job.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
