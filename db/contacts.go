// ABOUTME: Contact database operations
// ABOUTME: Handles creation, updates, soft deletion, and snapshot loading of local contacts
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prokopsimek/pmcrm-sub000/models"
)

const contactColumns = `id, user_id, first_name, last_name, email, phone, company, position, tags, source, created_at, updated_at, deleted_at`

type contactRow struct {
	ID        string       `db:"id"`
	UserID    string       `db:"user_id"`
	FirstName string       `db:"first_name"`
	LastName  string       `db:"last_name"`
	Email     string       `db:"email"`
	Phone     string       `db:"phone"`
	Company   string       `db:"company"`
	Position  string       `db:"position"`
	Tags      string       `db:"tags"`
	Source    string       `db:"source"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
	DeletedAt sql.NullTime `db:"deleted_at"`
}

func newContactRow(c *models.LocalContact) (*contactRow, error) {
	tags, err := marshalJSON(c.Tags, "[]")
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	return &contactRow{
		ID:        c.ID.String(),
		UserID:    c.UserID,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Email:     c.Email,
		Phone:     c.Phone,
		Company:   c.Company,
		Position:  c.Position,
		Tags:      tags,
		Source:    c.Source,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		DeletedAt: nullTime(c.DeletedAt),
	}, nil
}

func (r *contactRow) toModel() (models.LocalContact, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return models.LocalContact{}, fmt.Errorf("invalid contact id %q: %w", r.ID, err)
	}
	tags := []string{}
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
			return models.LocalContact{}, fmt.Errorf("failed to decode tags for %s: %w", r.ID, err)
		}
	}
	return models.LocalContact{
		ID:        id,
		UserID:    r.UserID,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
		Phone:     r.Phone,
		Company:   r.Company,
		Position:  r.Position,
		Tags:      tags,
		Source:    r.Source,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		DeletedAt: timePtr(r.DeletedAt),
	}, nil
}

func insertContact(ctx context.Context, e sqlx.ExtContext, contact *models.LocalContact, now time.Time) error {
	if contact.ID == uuid.Nil {
		contact.ID = uuid.New()
	}
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = now
	}
	if contact.UpdatedAt.IsZero() {
		contact.UpdatedAt = now
	}
	if contact.Source == "" {
		contact.Source = models.SourceManual
	}

	row, err := newContactRow(contact)
	if err != nil {
		return err
	}

	_, err = sqlx.NamedExecContext(ctx, e, `
		INSERT INTO contacts (`+contactColumns+`)
		VALUES (:id, :user_id, :first_name, :last_name, :email, :phone, :company, :position, :tags, :source, :created_at, :updated_at, :deleted_at)
	`, row)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", mapError(err))
	}
	return nil
}

func updateContact(ctx context.Context, e sqlx.ExtContext, contact *models.LocalContact, now time.Time) error {
	contact.UpdatedAt = now

	row, err := newContactRow(contact)
	if err != nil {
		return err
	}

	res, err := sqlx.NamedExecContext(ctx, e, `
		UPDATE contacts SET
			first_name = :first_name,
			last_name = :last_name,
			email = :email,
			phone = :phone,
			company = :company,
			position = :position,
			tags = :tags,
			updated_at = :updated_at
		WHERE id = :id
	`, row)
	if err != nil {
		return fmt.Errorf("failed to update contact: %w", mapError(err))
	}
	return requireRow(res, "contact", contact.ID.String())
}

func getContact(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*models.LocalContact, error) {
	var row contactRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get contact %s: %w", id, mapError(err))
	}
	contact, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// ListActiveContacts loads every non-deleted contact of a user, oldest first.
func (s *Store) ListActiveContacts(ctx context.Context, userID string) ([]models.LocalContact, error) {
	var rows []contactRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}

	contacts := make([]models.LocalContact, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

// GetContact returns a contact by id, including soft-deleted ones.
func (s *Store) GetContact(ctx context.Context, id uuid.UUID) (*models.LocalContact, error) {
	return getContact(ctx, s.db, id)
}

// CreateContact inserts a contact outside of any sync batch.
func (s *Store) CreateContact(ctx context.Context, contact *models.LocalContact) error {
	return insertContact(ctx, s.db, contact, s.now())
}

// UpdateContact saves manual edits outside of any sync batch.
func (s *Store) UpdateContact(ctx context.Context, contact *models.LocalContact) error {
	return updateContact(ctx, s.db, contact, s.now())
}

func (t *Tx) CreateContact(ctx context.Context, contact *models.LocalContact) error {
	return insertContact(ctx, t.tx, contact, t.now())
}

func (t *Tx) UpdateContact(ctx context.Context, contact *models.LocalContact) error {
	return updateContact(ctx, t.tx, contact, t.now())
}

func (t *Tx) GetContact(ctx context.Context, id uuid.UUID) (*models.LocalContact, error) {
	return getContact(ctx, t.tx, id)
}

// SoftDeleteContact marks a contact deleted; already deleted contacts keep their marker.
func (t *Tx) SoftDeleteContact(ctx context.Context, id uuid.UUID) error {
	now := t.now()
	_, err := t.tx.ExecContext(ctx, `
		UPDATE contacts SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, now, now, id.String())
	if err != nil {
		return fmt.Errorf("failed to soft delete contact: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, mapError(sql.ErrNoRows))
	}
	return nil
}
