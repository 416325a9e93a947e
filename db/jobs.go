// ABOUTME: Import job persistence
// ABOUTME: Stores job status, counters, and the bounded error list as JSON
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prokopsimek/pmcrm-sub000/models"
)

const jobColumns = `id, user_id, integration_id, status, total_count, processed_count, imported_count,
	updated_count, skipped_count, deleted_count, failed_count, errors, started_at, completed_at, created_at`

type jobRow struct {
	ID             string       `db:"id"`
	UserID         string       `db:"user_id"`
	IntegrationID  string       `db:"integration_id"`
	Status         string       `db:"status"`
	TotalCount     int          `db:"total_count"`
	ProcessedCount int          `db:"processed_count"`
	ImportedCount  int          `db:"imported_count"`
	UpdatedCount   int          `db:"updated_count"`
	SkippedCount   int          `db:"skipped_count"`
	DeletedCount   int          `db:"deleted_count"`
	FailedCount    int          `db:"failed_count"`
	Errors         string       `db:"errors"`
	StartedAt      sql.NullTime `db:"started_at"`
	CompletedAt    sql.NullTime `db:"completed_at"`
	CreatedAt      time.Time    `db:"created_at"`
}

func newJobRow(j *models.ImportJob) (*jobRow, error) {
	errs, err := marshalJSON(j.Errors, "[]")
	if err != nil {
		return nil, fmt.Errorf("failed to encode job errors: %w", err)
	}
	return &jobRow{
		ID:             j.ID,
		UserID:         j.UserID,
		IntegrationID:  j.IntegrationID,
		Status:         string(j.Status),
		TotalCount:     j.TotalCount,
		ProcessedCount: j.ProcessedCount,
		ImportedCount:  j.ImportedCount,
		UpdatedCount:   j.UpdatedCount,
		SkippedCount:   j.SkippedCount,
		DeletedCount:   j.DeletedCount,
		FailedCount:    j.FailedCount,
		Errors:         errs,
		StartedAt:      nullTime(j.StartedAt),
		CompletedAt:    nullTime(j.CompletedAt),
		CreatedAt:      j.CreatedAt,
	}, nil
}

func (r *jobRow) toModel() (*models.ImportJob, error) {
	errs := []models.JobError{}
	if r.Errors != "" {
		if err := json.Unmarshal([]byte(r.Errors), &errs); err != nil {
			return nil, fmt.Errorf("failed to decode job errors: %w", err)
		}
	}
	return &models.ImportJob{
		ID:             r.ID,
		UserID:         r.UserID,
		IntegrationID:  r.IntegrationID,
		Status:         models.JobStatus(r.Status),
		TotalCount:     r.TotalCount,
		ProcessedCount: r.ProcessedCount,
		ImportedCount:  r.ImportedCount,
		UpdatedCount:   r.UpdatedCount,
		SkippedCount:   r.SkippedCount,
		DeletedCount:   r.DeletedCount,
		FailedCount:    r.FailedCount,
		Errors:         errs,
		MaxErrors:      models.DefaultMaxJobErrors,
		StartedAt:      timePtr(r.StartedAt),
		CompletedAt:    timePtr(r.CompletedAt),
		CreatedAt:      r.CreatedAt,
	}, nil
}

func updateJob(ctx context.Context, e sqlx.ExtContext, job *models.ImportJob) error {
	row, err := newJobRow(job)
	if err != nil {
		return err
	}

	res, err := sqlx.NamedExecContext(ctx, e, `
		UPDATE import_jobs SET
			status = :status,
			total_count = :total_count,
			processed_count = :processed_count,
			imported_count = :imported_count,
			updated_count = :updated_count,
			skipped_count = :skipped_count,
			deleted_count = :deleted_count,
			failed_count = :failed_count,
			errors = :errors,
			started_at = :started_at,
			completed_at = :completed_at
		WHERE id = :id
	`, row)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return requireRow(res, "job", job.ID)
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job *models.ImportJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	row, err := newJobRow(job)
	if err != nil {
		return err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO import_jobs (`+jobColumns+`)
		VALUES (:id, :user_id, :integration_id, :status, :total_count, :processed_count, :imported_count,
			:updated_count, :skipped_count, :deleted_count, :failed_count, :errors, :started_at, :completed_at, :created_at)
	`, row)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", mapError(err))
	}
	return nil
}

// UpdateJob persists status and counters outside a batch.
func (s *Store) UpdateJob(ctx context.Context, job *models.ImportJob) error {
	return updateJob(ctx, s.db, job)
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.ImportJob, error) {
	var row jobRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM import_jobs WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, mapError(err))
	}
	return row.toModel()
}

// ListJobs returns the most recent jobs of an integration, newest first.
func (s *Store) ListJobs(ctx context.Context, integrationID string, limit int) ([]*models.ImportJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+`
		FROM import_jobs
		WHERE integration_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*models.ImportJob, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// UpdateJob persists job counters as part of the batch they describe.
func (t *Tx) UpdateJob(ctx context.Context, job *models.ImportJob) error {
	return updateJob(ctx, t.tx, job)
}
