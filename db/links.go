// ABOUTME: Integration link database operations
// ABOUTME: Maintains the (integration, external id) to contact mapping used for idempotent sync
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prokopsimek/pmcrm-sub000/models"
)

const linkColumns = `integration_id, contact_id, external_id, metadata, created_at, updated_at`

type linkRow struct {
	IntegrationID string    `db:"integration_id"`
	ContactID     string    `db:"contact_id"`
	ExternalID    string    `db:"external_id"`
	Metadata      string    `db:"metadata"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func newLinkRow(l *models.IntegrationLink) (*linkRow, error) {
	meta, err := marshalJSON(l.Metadata, "{}")
	if err != nil {
		return nil, fmt.Errorf("failed to encode link metadata: %w", err)
	}
	return &linkRow{
		IntegrationID: l.IntegrationID,
		ContactID:     l.ContactID.String(),
		ExternalID:    l.ExternalID,
		Metadata:      meta,
		CreatedAt:     l.CreatedAt,
		UpdatedAt:     l.UpdatedAt,
	}, nil
}

func (r *linkRow) toModel() (models.IntegrationLink, error) {
	contactID, err := uuid.Parse(r.ContactID)
	if err != nil {
		return models.IntegrationLink{}, fmt.Errorf("invalid contact id %q: %w", r.ContactID, err)
	}
	var meta map[string]any
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			return models.IntegrationLink{}, fmt.Errorf("failed to decode link metadata: %w", err)
		}
	}
	return models.IntegrationLink{
		IntegrationID: r.IntegrationID,
		ContactID:     contactID,
		ExternalID:    r.ExternalID,
		Metadata:      meta,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func (t *Tx) GetLinkByExternalID(ctx context.Context, integrationID, externalID string) (*models.IntegrationLink, error) {
	var row linkRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT `+linkColumns+`
		FROM integration_links
		WHERE integration_id = ? AND external_id = ?
	`, integrationID, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get link for %s: %w", externalID, mapError(err))
	}
	link, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (t *Tx) GetLinkByContact(ctx context.Context, integrationID string, contactID uuid.UUID) (*models.IntegrationLink, error) {
	var row linkRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT `+linkColumns+`
		FROM integration_links
		WHERE integration_id = ? AND contact_id = ?
	`, integrationID, contactID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get link for contact %s: %w", contactID, mapError(err))
	}
	link, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// CountLinksForContact counts links from any integration to a contact.
func (t *Tx) CountLinksForContact(ctx context.Context, contactID uuid.UUID) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM integration_links WHERE contact_id = ?`, contactID.String())
	if err != nil {
		return 0, fmt.Errorf("failed to count links for contact %s: %w", contactID, err)
	}
	return n, nil
}

func (t *Tx) DeleteLink(ctx context.Context, integrationID, externalID string) error {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM integration_links WHERE integration_id = ? AND external_id = ?
	`, integrationID, externalID)
	if err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return requireRow(res, "link", externalID)
}

// SetLinkMetadata rewrites metadata only. updated_at marks the last sync and
// is left alone.
func (t *Tx) SetLinkMetadata(ctx context.Context, integrationID, externalID string, metadata map[string]any) error {
	meta, err := marshalJSON(metadata, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode link metadata: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE integration_links SET metadata = ?
		WHERE integration_id = ? AND external_id = ?
	`, meta, integrationID, externalID)
	if err != nil {
		return fmt.Errorf("failed to update link metadata: %w", err)
	}
	return requireRow(res, "link", externalID)
}

// CreateLink inserts a new link and fails if the external id is already linked.
func (t *Tx) CreateLink(ctx context.Context, link *models.IntegrationLink) error {
	now := t.now()
	link.CreatedAt = now
	link.UpdatedAt = now

	row, err := newLinkRow(link)
	if err != nil {
		return err
	}

	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO integration_links (`+linkColumns+`)
		VALUES (:integration_id, :contact_id, :external_id, :metadata, :created_at, :updated_at)
	`, row)
	if err != nil {
		return fmt.Errorf("failed to create link: %w", mapError(err))
	}
	return nil
}

// UpsertLink inserts the link or repoints an existing one at the given contact.
func (t *Tx) UpsertLink(ctx context.Context, link *models.IntegrationLink) error {
	now := t.now()
	if link.CreatedAt.IsZero() {
		link.CreatedAt = now
	}
	link.UpdatedAt = now

	row, err := newLinkRow(link)
	if err != nil {
		return err
	}

	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO integration_links (`+linkColumns+`)
		VALUES (:integration_id, :contact_id, :external_id, :metadata, :created_at, :updated_at)
		ON CONFLICT(integration_id, external_id) DO UPDATE SET
			contact_id = excluded.contact_id,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, row)
	if err != nil {
		return fmt.Errorf("failed to upsert link: %w", mapError(err))
	}
	return nil
}

// ListLinksForContact returns every link pointing at a contact.
func (s *Store) ListLinksForContact(ctx context.Context, contactID uuid.UUID) ([]models.IntegrationLink, error) {
	var rows []linkRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+linkColumns+`
		FROM integration_links
		WHERE contact_id = ?
		ORDER BY created_at ASC
	`, contactID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	links := make([]models.IntegrationLink, 0, len(rows))
	for i := range rows {
		l, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, nil
}

// DeleteLinksForIntegration removes every link of an integration. Contacts are kept.
func (s *Store) DeleteLinksForIntegration(ctx context.Context, integrationID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM integration_links WHERE integration_id = ?`, integrationID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete links: %w", err)
	}
	return res.RowsAffected()
}

// CountLinks returns the number of links held by an integration.
func (s *Store) CountLinks(ctx context.Context, integrationID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM integration_links WHERE integration_id = ?`, integrationID); err != nil {
		return 0, fmt.Errorf("failed to count links: %w", err)
	}
	return n, nil
}
