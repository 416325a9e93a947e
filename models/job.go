// ABOUTME: Import job model and its forward-only state machine
// ABOUTME: Tracks counts, timestamps, and a bounded ring of per-record errors
package models

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of an import job.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// DefaultMaxJobErrors bounds the error list kept on a job.
const DefaultMaxJobErrors = 100

// ErrInvalidTransition is returned for any transition the state machine forbids.
var ErrInvalidTransition = errors.New("invalid job status transition")

// JobError attributes a failure to the external record that caused it.
type JobError struct {
	ExternalID string    `json:"external_id,omitempty"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// ImportJob tracks one import or sync run. Only the pipeline mutates it.
type ImportJob struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	IntegrationID  string     `json:"integration_id"`
	Status         JobStatus  `json:"status"`
	TotalCount     int        `json:"total_count"`
	ProcessedCount int        `json:"processed_count"`
	ImportedCount  int        `json:"imported_count"`
	UpdatedCount   int        `json:"updated_count"`
	SkippedCount   int        `json:"skipped_count"`
	DeletedCount   int        `json:"deleted_count"`
	FailedCount    int        `json:"failed_count"`
	Errors         []JobError `json:"errors"`
	MaxErrors      int        `json:"-"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NewImportJob returns a queued job.
func NewImportJob(id, userID, integrationID string, now time.Time) *ImportJob {
	return &ImportJob{
		ID:            id,
		UserID:        userID,
		IntegrationID: integrationID,
		Status:        JobQueued,
		Errors:        []JobError{},
		MaxErrors:     DefaultMaxJobErrors,
		CreatedAt:     now,
	}
}

// Start moves a queued job to processing.
func (j *ImportJob) Start(now time.Time) error {
	if j.Status != JobQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobProcessing)
	}
	j.Status = JobProcessing
	j.StartedAt = &now
	return nil
}

// Complete moves a processing job to completed.
func (j *ImportJob) Complete(now time.Time) error {
	if j.Status != JobProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobCompleted)
	}
	j.Status = JobCompleted
	j.CompletedAt = &now
	return nil
}

// Fail moves a queued or processing job to failed and records the cause.
func (j *ImportJob) Fail(now time.Time, cause error) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobFailed)
	}
	j.Status = JobFailed
	j.CompletedAt = &now
	if cause != nil {
		j.AddError("", cause.Error(), now)
	}
	return nil
}

// AddError appends to the error ring, evicting the oldest entry when full.
func (j *ImportJob) AddError(externalID, message string, at time.Time) {
	limit := j.MaxErrors
	if limit <= 0 {
		limit = DefaultMaxJobErrors
	}
	j.Errors = append(j.Errors, JobError{ExternalID: externalID, Message: message, At: at})
	if over := len(j.Errors) - limit; over > 0 {
		j.Errors = append([]JobError(nil), j.Errors[over:]...)
	}
}

// Percent reports progress as a whole percentage of TotalCount.
func (j *ImportJob) Percent() int {
	if j.TotalCount <= 0 {
		if j.Status == JobCompleted {
			return 100
		}
		return 0
	}
	p := j.ProcessedCount * 100 / j.TotalCount
	if p > 100 {
		p = 100
	}
	return p
}

// Snapshot returns a copy safe to hand to callers.
func (j *ImportJob) Snapshot() ImportJob {
	cp := *j
	cp.Errors = append([]JobError(nil), j.Errors...)
	return cp
}
