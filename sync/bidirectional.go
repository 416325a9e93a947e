// ABOUTME: Bidirectional sync of single contacts and manual conflict resolution
// ABOUTME: Pushes local edits to linked directories and applies chosen conflict winners
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/prokopsimek/pmcrm-sub000/store"
	"go.uber.org/zap"
)

// BidirectionalSyncResult reports what pushing one contact did.
type BidirectionalSyncResult struct {
	ContactID      uuid.UUID                 `json:"contact_id"`
	Integrations   int                       `json:"integrations"`
	ConflictsFound bool                      `json:"conflicts_found"`
	Conflicts      int                       `json:"conflicts"`
	AutoResolved   int                       `json:"auto_resolved"`
	Deferred       int                       `json:"deferred"`
	PushedFields   []string                  `json:"pushed_fields"`
	PulledFields   []string                  `json:"pulled_fields"`
	Resolutions    []models.ResolvedConflict `json:"resolutions,omitempty"`
}

// PushContact reconciles one contact with every directory it is linked to.
// Local edits made since the last sync of the contact are written back;
// remote edits are pulled; conflicts follow each integration's strategy.
func (e *Engine) PushContact(ctx context.Context, contactID uuid.UUID) (*BidirectionalSyncResult, error) {
	links, err := e.store.ListLinksForContact(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("%s: %w", contactID, ErrContactNotLinked)
	}

	result := &BidirectionalSyncResult{ContactID: contactID}
	pushed := map[string]bool{}
	pulled := map[string]bool{}

	for i := range links {
		link := links[i]
		integration, err := e.integration(ctx, link.IntegrationID)
		if err != nil {
			return result, err
		}
		recon, err := e.pushLink(ctx, integration, &link)
		if err != nil {
			return result, fmt.Errorf("failed to sync with %s: %w", integration.Provider, err)
		}

		result.Integrations++
		result.Conflicts += len(recon.Conflicts)
		result.AutoResolved += recon.AutoResolved()
		result.Deferred += len(recon.Deferred())
		result.Resolutions = append(result.Resolutions, recon.Resolved...)
		for f := range recon.RemoteUpdates {
			pushed[f] = true
		}
		for f := range recon.LocalUpdates {
			pulled[f] = true
		}
	}

	result.ConflictsFound = result.Conflicts > 0
	result.PushedFields = sortedKeys(pushed)
	result.PulledFields = sortedKeys(pulled)
	return result, nil
}

func (e *Engine) pushLink(ctx context.Context, integration *models.Integration, link *models.IntegrationLink) (*Reconciliation, error) {
	lk, err := e.acquire(ctx, integration)
	if err != nil {
		return nil, err
	}
	defer e.release(lk)

	client, err := e.resolver.Directory(ctx, integration)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory: %w", err)
	}
	writer, ok := client.(DirectoryWriter)
	if !ok {
		return nil, ErrWriteBackUnsupported
	}

	contact, err := e.store.GetContact(ctx, link.ContactID)
	if err != nil {
		return nil, err
	}
	raw, err := writer.GetContact(ctx, link.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote contact: %w", err)
	}
	remote := Normalize(raw)

	resolver, err := NewConflictResolver(e.matcher, integration.Strategy)
	if err != nil {
		return nil, err
	}
	var holds Holds
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		holds, err = linkHolds(ctx, tx, link)
		return err
	})
	if err != nil {
		return nil, err
	}
	recon := resolver.ReconcileHeld(contact, remote, &link.UpdatedAt, holds)

	// Remote first: a failed write-back leaves the local side untouched.
	if len(recon.RemoteUpdates) > 0 {
		if err := writer.UpdateContact(ctx, link.ExternalID, recon.RemoteUpdates); err != nil {
			return nil, fmt.Errorf("failed to write back: %w", err)
		}
	}

	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		if len(recon.LocalUpdates) > 0 {
			fresh, err := tx.GetContact(ctx, contact.ID)
			if err != nil {
				return err
			}
			for field, value := range recon.LocalUpdates {
				SetContactField(fresh, field, value)
			}
			if err := tx.UpdateContact(ctx, fresh); err != nil {
				return err
			}
		}
		for _, c := range recon.Deferred() {
			c.IntegrationID = integration.ID
			if err := tx.CreateConflict(ctx, &c); err != nil {
				return err
			}
		}
		link.Metadata = linkMetadata(remote)
		return tx.UpsertLink(ctx, link)
	})
	if err != nil {
		return nil, err
	}

	e.metrics.Conflicts(string(integration.Strategy), "auto_resolved", recon.AutoResolved())
	e.metrics.Conflicts(string(integration.Strategy), "deferred", len(recon.Deferred()))
	e.logger.Info("contact pushed",
		zap.String("contact_id", contact.ID.String()),
		zap.String("integration_id", integration.ID),
		zap.Int("pushed", len(recon.RemoteUpdates)),
		zap.Int("pulled", len(recon.LocalUpdates)),
		zap.Int("conflicts", len(recon.Conflicts)))
	return &recon, nil
}

// ResolveConflicts decides conflicts with strategy. Stored pending conflicts
// that get a winner are applied: remote winners update the local contact,
// local winners are written back, and the conflict is marked resolved.
// Remote winners take the provider's current value when the directory can
// fetch single contacts; the stored value may be outdated. Conflicts without
// an id are only decided.
func (e *Engine) ResolveConflicts(ctx context.Context, conflicts []models.Conflict, strategy models.ConflictStrategy) ([]models.ResolvedConflict, error) {
	resolved, err := ResolveConflicts(conflicts, strategy)
	if err != nil {
		return nil, err
	}

	byIntegration := map[string][]*models.ResolvedConflict{}
	var order []string
	for i := range resolved {
		rc := &resolved[i]
		if rc.Deferred || rc.Conflict.ID == uuid.Nil {
			continue
		}
		id := rc.Conflict.IntegrationID
		if _, ok := byIntegration[id]; !ok {
			order = append(order, id)
		}
		byIntegration[id] = append(byIntegration[id], rc)
	}

	for _, id := range order {
		if err := e.applyResolutions(ctx, id, byIntegration[id]); err != nil {
			return resolved, err
		}
	}
	return resolved, nil
}

func (e *Engine) applyResolutions(ctx context.Context, integrationID string, resolved []*models.ResolvedConflict) error {
	integration, err := e.integration(ctx, integrationID)
	if err != nil {
		return err
	}
	lk, err := e.acquire(ctx, integration)
	if err != nil {
		return err
	}
	defer e.release(lk)

	type contactPlan struct {
		externalID string
		local      map[string]string
		remote     map[string]string
		conflicts  []*models.ResolvedConflict
	}
	plans := map[uuid.UUID]*contactPlan{}
	var order []uuid.UUID
	for _, rc := range resolved {
		c := rc.Conflict
		p, ok := plans[c.ContactID]
		if !ok {
			p = &contactPlan{externalID: c.ExternalID, local: map[string]string{}, remote: map[string]string{}}
			plans[c.ContactID] = p
			order = append(order, c.ContactID)
		}
		if rc.Winner == models.ResolutionRemote {
			p.local[c.Field] = rc.Value
		} else {
			p.remote[c.Field] = rc.Value
		}
		p.conflicts = append(p.conflicts, rc)
	}

	client, err := e.resolver.Directory(ctx, integration)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	writer, canWrite := client.(DirectoryWriter)

	for _, id := range order {
		p := plans[id]
		if len(p.local) > 0 {
			if canWrite {
				if err := e.refreshRemoteWinners(ctx, writer, p.externalID, p.local, p.conflicts); err != nil {
					return err
				}
			} else {
				e.logger.Debug("directory cannot fetch single contacts, applying stored remote values",
					zap.String("external_id", p.externalID))
			}
		}
		if len(p.remote) == 0 {
			continue
		}
		if !canWrite {
			return ErrWriteBackUnsupported
		}
		if err := writer.UpdateContact(ctx, p.externalID, p.remote); err != nil {
			return fmt.Errorf("failed to write back %s: %w", p.externalID, err)
		}
	}

	return e.store.WithinTx(ctx, func(tx store.Tx) error {
		for _, id := range order {
			p := plans[id]
			if len(p.local) > 0 {
				contact, err := tx.GetContact(ctx, id)
				if err != nil {
					return err
				}
				for field, value := range p.local {
					SetContactField(contact, field, value)
				}
				if err := tx.UpdateContact(ctx, contact); err != nil {
					return err
				}
			}
			for _, rc := range p.conflicts {
				err := tx.ResolveConflict(ctx, rc.Conflict.ID, rc.Winner)
				if errors.Is(err, store.ErrNotFound) {
					e.logger.Debug("conflict already resolved", zap.String("conflict_id", rc.Conflict.ID.String()))
					continue
				}
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// refreshRemoteWinners replaces the stored remote values of winning fields
// with what the provider holds now. A field the provider has since cleared
// keeps the stored value.
func (e *Engine) refreshRemoteWinners(ctx context.Context, writer DirectoryWriter, externalID string, local map[string]string, conflicts []*models.ResolvedConflict) error {
	raw, err := writer.GetContact(ctx, externalID)
	if err != nil {
		return fmt.Errorf("failed to fetch remote contact %s: %w", externalID, err)
	}
	current := Normalize(raw)
	for _, rc := range conflicts {
		if rc.Winner != models.ResolutionRemote {
			continue
		}
		field := rc.Conflict.Field
		v := RecordField(current, field)
		if v == "" || v == rc.Value {
			continue
		}
		e.logger.Info("remote value changed since the conflict was recorded",
			zap.String("external_id", externalID),
			zap.String("field", field))
		rc.Value = v
		local[field] = v
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
