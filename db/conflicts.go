// ABOUTME: Conflict persistence for manual review
// ABOUTME: Stores pending field conflicts and records how each was resolved
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prokopsimek/pmcrm-sub000/models"
)

const conflictColumns = `id, contact_id, integration_id, external_id, field, local_value, remote_value,
	local_modified_at, remote_modified_at, resolution, status, created_at, resolved_at`

type conflictRow struct {
	ID               string       `db:"id"`
	ContactID        string       `db:"contact_id"`
	IntegrationID    string       `db:"integration_id"`
	ExternalID       string       `db:"external_id"`
	Field            string       `db:"field"`
	LocalValue       string       `db:"local_value"`
	RemoteValue      string       `db:"remote_value"`
	LocalModifiedAt  time.Time    `db:"local_modified_at"`
	RemoteModifiedAt time.Time    `db:"remote_modified_at"`
	Resolution       string       `db:"resolution"`
	Status           string       `db:"status"`
	CreatedAt        time.Time    `db:"created_at"`
	ResolvedAt       sql.NullTime `db:"resolved_at"`
}

func (r *conflictRow) toModel() (models.Conflict, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return models.Conflict{}, fmt.Errorf("invalid conflict id %q: %w", r.ID, err)
	}
	contactID, err := uuid.Parse(r.ContactID)
	if err != nil {
		return models.Conflict{}, fmt.Errorf("invalid contact id %q: %w", r.ContactID, err)
	}
	return models.Conflict{
		ID:               id,
		ContactID:        contactID,
		IntegrationID:    r.IntegrationID,
		ExternalID:       r.ExternalID,
		Field:            r.Field,
		LocalValue:       r.LocalValue,
		RemoteValue:      r.RemoteValue,
		LocalModifiedAt:  r.LocalModifiedAt,
		RemoteModifiedAt: r.RemoteModifiedAt,
		Resolution:       r.Resolution,
		Status:           r.Status,
		CreatedAt:        r.CreatedAt,
		ResolvedAt:       timePtr(r.ResolvedAt),
	}, nil
}

// CreateConflict records a pending conflict.
func (t *Tx) CreateConflict(ctx context.Context, c *models.Conflict) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = models.ConflictPending
	}
	c.CreatedAt = t.now()

	row := conflictRow{
		ID:               c.ID.String(),
		ContactID:        c.ContactID.String(),
		IntegrationID:    c.IntegrationID,
		ExternalID:       c.ExternalID,
		Field:            c.Field,
		LocalValue:       c.LocalValue,
		RemoteValue:      c.RemoteValue,
		LocalModifiedAt:  c.LocalModifiedAt,
		RemoteModifiedAt: c.RemoteModifiedAt,
		Resolution:       c.Resolution,
		Status:           c.Status,
		CreatedAt:        c.CreatedAt,
		ResolvedAt:       nullTime(c.ResolvedAt),
	}

	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO conflicts (`+conflictColumns+`)
		VALUES (:id, :contact_id, :integration_id, :external_id, :field, :local_value, :remote_value,
			:local_modified_at, :remote_modified_at, :resolution, :status, :created_at, :resolved_at)
	`, row)
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", mapError(err))
	}
	return nil
}

// ResolveConflict marks a pending conflict resolved in favour of one side.
func (t *Tx) ResolveConflict(ctx context.Context, id uuid.UUID, resolution string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE conflicts SET status = ?, resolution = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, models.ConflictResolved, resolution, t.now(), id.String(), models.ConflictPending)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	return requireRow(res, "pending conflict", id.String())
}

func (t *Tx) PendingConflictFields(ctx context.Context, contactID uuid.UUID, integrationID string) ([]string, error) {
	var fields []string
	err := t.tx.SelectContext(ctx, &fields, `
		SELECT DISTINCT field FROM conflicts
		WHERE contact_id = ? AND integration_id = ? AND status = ?
		ORDER BY field
	`, contactID.String(), integrationID, models.ConflictPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending conflict fields: %w", err)
	}
	return fields, nil
}

// ListConflicts returns conflicts of an integration. An empty status lists all.
func (s *Store) ListConflicts(ctx context.Context, integrationID, status string) ([]models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE integration_id = ?`
	args := []any{integrationID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, field ASC`

	var rows []conflictRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	conflicts := make([]models.Conflict, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, nil
}
