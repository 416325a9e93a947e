// ABOUTME: Data models for contact sync and reconciliation
// ABOUTME: Defines contact records, local contacts, links, import jobs, cursors, and conflicts
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Contact sources. Imported contacts carry the provider name instead.
const (
	SourceManual = "MANUAL"
)

// Provider names.
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
)

// Metadata keys written by the normalizer.
const (
	MetaAlternateEmails = "alternateEmails"
	MetaDeleted         = "deleted"
	MetaFolderID        = "folderId"
	MetaDisplayName     = "displayName"
	MetaEtag            = "etag"
)

// MetaPendingPush is the link metadata key listing fields whose write-back
// has not reached the provider yet.
const MetaPendingPush = "pendingPush"

// ContactRecord is a provider contact mapped into a uniform shape.
// Produced fresh per fetch and never persisted as-is.
type ContactRecord struct {
	ExternalID string         `json:"external_id"`
	FirstName  string         `json:"first_name"`
	LastName   string         `json:"last_name,omitempty"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	Company    string         `json:"company,omitempty"`
	Position   string         `json:"position,omitempty"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ModifiedAt *time.Time     `json:"modified_at,omitempty"`
}

// FullName joins first and last name.
func (r ContactRecord) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// Deleted reports whether the provider marked the record as removed.
func (r ContactRecord) Deleted() bool {
	deleted, _ := r.Metadata[MetaDeleted].(bool)
	return deleted
}

// LocalContact is a contact owned by the store.
type LocalContact struct {
	ID        uuid.UUID  `json:"id"`
	UserID    string     `json:"user_id"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name,omitempty"`
	Email     string     `json:"email,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	Company   string     `json:"company,omitempty"`
	Position  string     `json:"position,omitempty"`
	Tags      []string   `json:"tags"`
	Source    string     `json:"source"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// FullName joins first and last name.
func (c LocalContact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// IsDeleted reports whether the contact carries a soft-delete marker.
func (c LocalContact) IsDeleted() bool {
	return c.DeletedAt != nil
}

// IntegrationLink joins a local contact to its record in an external directory.
// Unique on (IntegrationID, ExternalID).
type IntegrationLink struct {
	IntegrationID string         `json:"integration_id"`
	ContactID     uuid.UUID      `json:"contact_id"`
	ExternalID    string         `json:"external_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Integration is a connected external directory for one user.
type Integration struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Provider  string           `json:"provider"`
	Strategy  ConflictStrategy `json:"strategy"`
	WriteBack bool             `json:"write_back"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// MatchType classifies how an imported record matched a local contact.
type MatchType string

const (
	MatchExact     MatchType = "EXACT"
	MatchPotential MatchType = "POTENTIAL"
	MatchFuzzy     MatchType = "FUZZY"
)

// MatchResult pairs an imported record with the local contact it matched.
type MatchResult struct {
	ImportedRecord  ContactRecord `json:"imported_record"`
	ExistingContact *LocalContact `json:"existing_contact"`
	Similarity      float64       `json:"similarity"`
	MatchType       MatchType     `json:"match_type"`
	MatchedFields   []string      `json:"matched_fields"`
}

// SyncCursor is the provider's incremental-sync position for an integration.
type SyncCursor struct {
	IntegrationID string    `json:"integration_id"`
	Token         string    `json:"token"`
	LastSyncAt    time.Time `json:"last_sync_at"`
}

// ConflictStrategy selects how divergent edits are resolved for an integration.
type ConflictStrategy string

const (
	StrategyLastWriteWins    ConflictStrategy = "LAST_WRITE_WINS"
	StrategyCRMPriority      ConflictStrategy = "CRM_PRIORITY"
	StrategyProviderPriority ConflictStrategy = "PROVIDER_PRIORITY"
	StrategyManualReview     ConflictStrategy = "MANUAL_REVIEW"
)

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyCRMPriority, StrategyProviderPriority, StrategyManualReview:
		return true
	}
	return false
}

// Conflict status constants.
const (
	ConflictPending  = "pending"
	ConflictResolved = "resolved"
)

// Resolution sides.
const (
	ResolutionLocal  = "local"
	ResolutionRemote = "remote"
)

// Conflict is a field whose local and remote values diverged after the last sync.
type Conflict struct {
	ID               uuid.UUID  `json:"id"`
	ContactID        uuid.UUID  `json:"contact_id"`
	IntegrationID    string     `json:"integration_id"`
	ExternalID       string     `json:"external_id"`
	Field            string     `json:"field"`
	LocalValue       string     `json:"local_value"`
	RemoteValue      string     `json:"remote_value"`
	LocalModifiedAt  time.Time  `json:"local_modified_at"`
	RemoteModifiedAt time.Time  `json:"remote_modified_at"`
	Resolution       string     `json:"resolution,omitempty"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// ResolvedConflict is the outcome of applying a strategy to one conflict.
type ResolvedConflict struct {
	Conflict Conflict `json:"conflict"`
	Winner   string   `json:"winner,omitempty"`
	Value    string   `json:"value,omitempty"`
	Deferred bool     `json:"deferred"`
}
