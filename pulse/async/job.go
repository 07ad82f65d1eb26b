// Package async runs export jobs one at a time, in submission order.
//
// The converter worker is a single shared process, so Queue executes with
// concurrency 1: a job is dequeued only after the previous one reached a
// terminal state. Every job gets a Future resolved exactly once. With a Store
// attached, the queue also keeps a history of each job's lifecycle.
package async

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is the queue's record of one export request
type Job struct {
	ID          string     `json:"id"`
	Converter   string     `json:"converter"`
	Scope       string     `json:"scope"`
	Path        string     `json:"path,omitempty"`
	AutoExport  string     `json:"autoexport,omitempty"`
	Status      JobStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewJob creates a queued job record. An empty id gets a fresh UUID.
func NewJob(id, converter, scope, path, autoExport string) *Job {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &Job{
		ID:         id,
		Converter:  converter,
		Scope:      scope,
		Path:       path,
		AutoExport: autoExport,
		Status:     JobStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Start marks the job as running
func (j *Job) Start() {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Complete marks the job as completed
func (j *Job) Complete() {
	j.finish(JobStatusCompleted, "")
}

// Fail marks the job as failed with an error message
func (j *Job) Fail(err error) {
	j.finish(JobStatusFailed, err.Error())
}

// Cancel marks the job as cancelled
func (j *Job) Cancel() {
	j.finish(JobStatusCancelled, "")
}

func (j *Job) finish(status JobStatus, msg string) {
	if j.Status.IsTerminal() {
		return
	}
	now := time.Now()
	j.Status = status
	j.Error = msg
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Duration is the running time of a finished job (0 otherwise)
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
