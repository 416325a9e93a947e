// ABOUTME: Sync cursor persistence on the sync_state table
// ABOUTME: One opaque provider token per integration, replaced only after a full successful sync
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/prokopsimek/pmcrm-sub000/store"
)

type cursorRow struct {
	IntegrationID string    `db:"integration_id"`
	Token         string    `db:"sync_token"`
	LastSyncAt    time.Time `db:"last_sync_at"`
}

// GetCursor returns the stored cursor, or nil when the integration has never synced.
func (s *Store) GetCursor(ctx context.Context, integrationID string) (*models.SyncCursor, error) {
	var row cursorRow
	err := s.db.GetContext(ctx, &row, `
		SELECT integration_id, sync_token, last_sync_at
		FROM sync_state
		WHERE integration_id = ?
	`, integrationID)
	if err != nil {
		if errors.Is(mapError(err), store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return &models.SyncCursor{
		IntegrationID: row.IntegrationID,
		Token:         row.Token,
		LastSyncAt:    row.LastSyncAt,
	}, nil
}

// SaveCursor replaces the cursor of an integration.
func (s *Store) SaveCursor(ctx context.Context, cursor *models.SyncCursor) error {
	if cursor.LastSyncAt.IsZero() {
		cursor.LastSyncAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (integration_id, sync_token, last_sync_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(integration_id) DO UPDATE SET
			sync_token = excluded.sync_token,
			last_sync_at = excluded.last_sync_at,
			updated_at = excluded.updated_at
	`, cursor.IntegrationID, cursor.Token, cursor.LastSyncAt, s.now())
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

// DeleteCursor forgets the cursor so the next sync runs in full.
func (s *Store) DeleteCursor(ctx context.Context, integrationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE integration_id = ?`, integrationID); err != nil {
		return fmt.Errorf("failed to delete sync cursor: %w", err)
	}
	return nil
}
