// ABOUTME: Persistence ports used by the sync engine
// ABOUTME: Store exposes reads and a batch-scoped unit of work; Tx carries all writes
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/prokopsimek/pmcrm-sub000/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a write violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate key")
)

// Store is the authoritative contact set plus sync bookkeeping.
//
// Implementations backed by a single connection must not be called from
// inside WithinTx; use the Tx instead.
type Store interface {
	CreateIntegration(ctx context.Context, integration *models.Integration) error
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)

	ListActiveContacts(ctx context.Context, userID string) ([]models.LocalContact, error)
	GetContact(ctx context.Context, id uuid.UUID) (*models.LocalContact, error)
	ListLinksForContact(ctx context.Context, contactID uuid.UUID) ([]models.IntegrationLink, error)
	DeleteLinksForIntegration(ctx context.Context, integrationID string) (int64, error)

	CreateJob(ctx context.Context, job *models.ImportJob) error
	UpdateJob(ctx context.Context, job *models.ImportJob) error
	GetJob(ctx context.Context, id string) (*models.ImportJob, error)

	GetCursor(ctx context.Context, integrationID string) (*models.SyncCursor, error)
	SaveCursor(ctx context.Context, cursor *models.SyncCursor) error
	DeleteCursor(ctx context.Context, integrationID string) error

	ListConflicts(ctx context.Context, integrationID, status string) ([]models.Conflict, error)

	// WithinTx runs fn in one atomic unit of work. The unit commits when fn
	// returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is a unit of work over the contact set.
type Tx interface {
	CreateContact(ctx context.Context, contact *models.LocalContact) error
	UpdateContact(ctx context.Context, contact *models.LocalContact) error
	GetContact(ctx context.Context, id uuid.UUID) (*models.LocalContact, error)
	SoftDeleteContact(ctx context.Context, id uuid.UUID) error

	GetLinkByExternalID(ctx context.Context, integrationID, externalID string) (*models.IntegrationLink, error)
	CreateLink(ctx context.Context, link *models.IntegrationLink) error
	UpsertLink(ctx context.Context, link *models.IntegrationLink) error
	// GetLinkByContact returns the integration's link to a contact.
	GetLinkByContact(ctx context.Context, integrationID string, contactID uuid.UUID) (*models.IntegrationLink, error)
	CountLinksForContact(ctx context.Context, contactID uuid.UUID) (int, error)
	DeleteLink(ctx context.Context, integrationID, externalID string) error
	// SetLinkMetadata replaces a link's metadata without moving its sync time.
	SetLinkMetadata(ctx context.Context, integrationID, externalID string, metadata map[string]any) error

	CreateConflict(ctx context.Context, conflict *models.Conflict) error
	ResolveConflict(ctx context.Context, id uuid.UUID, resolution string) error
	// PendingConflictFields lists the fields of a contact with an unresolved
	// conflict against the integration.
	PendingConflictFields(ctx context.Context, contactID uuid.UUID, integrationID string) ([]string, error)

	UpdateJob(ctx context.Context, job *models.ImportJob) error

	// Savepoint runs fn so that its writes are undone on error without
	// aborting the surrounding unit of work.
	Savepoint(ctx context.Context, fn func() error) error
}
