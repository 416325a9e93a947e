// ABOUTME: Integration records for connected external directories
// ABOUTME: Each integration carries its provider, conflict strategy, and write-back flag
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prokopsimek/pmcrm-sub000/models"
)

const integrationColumns = `id, user_id, provider, strategy, write_back, created_at, updated_at`

type integrationRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Provider  string    `db:"provider"`
	Strategy  string    `db:"strategy"`
	WriteBack bool      `db:"write_back"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *integrationRow) toModel() *models.Integration {
	return &models.Integration{
		ID:        r.ID,
		UserID:    r.UserID,
		Provider:  r.Provider,
		Strategy:  models.ConflictStrategy(r.Strategy),
		WriteBack: r.WriteBack,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// CreateIntegration registers a provider connection for a user.
func (s *Store) CreateIntegration(ctx context.Context, in *models.Integration) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Strategy == "" {
		in.Strategy = models.StrategyLastWriteWins
	}
	if !in.Strategy.Valid() {
		return fmt.Errorf("unknown conflict strategy %q", in.Strategy)
	}
	now := s.now()
	in.CreatedAt = now
	in.UpdatedAt = now

	row := integrationRow{
		ID:        in.ID,
		UserID:    in.UserID,
		Provider:  in.Provider,
		Strategy:  string(in.Strategy),
		WriteBack: in.WriteBack,
		CreatedAt: in.CreatedAt,
		UpdatedAt: in.UpdatedAt,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO integrations (`+integrationColumns+`)
		VALUES (:id, :user_id, :provider, :strategy, :write_back, :created_at, :updated_at)
	`, row)
	if err != nil {
		return fmt.Errorf("failed to create integration: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	var row integrationRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+integrationColumns+` FROM integrations WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to get integration %s: %w", id, mapError(err))
	}
	return row.toModel(), nil
}

// ListIntegrations returns a user's integrations, oldest first.
func (s *Store) ListIntegrations(ctx context.Context, userID string) ([]*models.Integration, error) {
	var rows []integrationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE user_id = ?
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	out := make([]*models.Integration, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// SetIntegrationStrategy changes how future conflicts are resolved.
func (s *Store) SetIntegrationStrategy(ctx context.Context, id string, strategy models.ConflictStrategy, writeBack bool) error {
	if !strategy.Valid() {
		return fmt.Errorf("unknown conflict strategy %q", strategy)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE integrations SET strategy = ?, write_back = ?, updated_at = ? WHERE id = ?
	`, string(strategy), writeBack, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update integration: %w", err)
	}
	return requireRow(res, "integration", id)
}
