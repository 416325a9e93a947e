// ABOUTME: Conflict detection and resolution for bidirectionally linked contacts
// ABOUTME: Compares fields changed on both sides since the last sync and applies a per-integration strategy
package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/prokopsimek/pmcrm-sub000/models"
)

// Syncable fields.
const (
	FieldFirstName = "first_name"
	FieldLastName  = "last_name"
	FieldEmail     = "email"
	FieldPhone     = "phone"
	FieldCompany   = "company"
	FieldPosition  = "position"
)

// SyncableFields lists the fields compared between local and remote contacts, in order.
var SyncableFields = []string{FieldFirstName, FieldLastName, FieldEmail, FieldPhone, FieldCompany, FieldPosition}

// ResolutionStrategy decides one conflict.
type ResolutionStrategy interface {
	Resolve(c models.Conflict) models.ResolvedConflict
}

type lastWriteWins struct{}

// Resolve picks the later edit. Equal timestamps keep the local value.
func (lastWriteWins) Resolve(c models.Conflict) models.ResolvedConflict {
	if c.RemoteModifiedAt.After(c.LocalModifiedAt) {
		return resolvedTo(c, models.ResolutionRemote)
	}
	return resolvedTo(c, models.ResolutionLocal)
}

type crmPriority struct{}

func (crmPriority) Resolve(c models.Conflict) models.ResolvedConflict {
	return resolvedTo(c, models.ResolutionLocal)
}

type providerPriority struct{}

func (providerPriority) Resolve(c models.Conflict) models.ResolvedConflict {
	return resolvedTo(c, models.ResolutionRemote)
}

type manualReview struct{}

func (manualReview) Resolve(c models.Conflict) models.ResolvedConflict {
	return models.ResolvedConflict{Conflict: c, Deferred: true}
}

func resolvedTo(c models.Conflict, winner string) models.ResolvedConflict {
	value := c.LocalValue
	if winner == models.ResolutionRemote {
		value = c.RemoteValue
	}
	c.Resolution = winner
	return models.ResolvedConflict{Conflict: c, Winner: winner, Value: value}
}

// StrategyFor returns the resolution strategy for a configured strategy name.
func StrategyFor(s models.ConflictStrategy) (ResolutionStrategy, error) {
	switch s {
	case models.StrategyLastWriteWins, "":
		return lastWriteWins{}, nil
	case models.StrategyCRMPriority:
		return crmPriority{}, nil
	case models.StrategyProviderPriority:
		return providerPriority{}, nil
	case models.StrategyManualReview:
		return manualReview{}, nil
	}
	return nil, fmt.Errorf("unknown conflict strategy %q", s)
}

// ResolveConflicts applies strategy to each conflict.
func ResolveConflicts(conflicts []models.Conflict, strategy models.ConflictStrategy) ([]models.ResolvedConflict, error) {
	s, err := StrategyFor(strategy)
	if err != nil {
		return nil, err
	}
	out := make([]models.ResolvedConflict, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, s.Resolve(c))
	}
	return out, nil
}

// Reconciliation is the field-level plan for one linked contact.
type Reconciliation struct {
	// LocalUpdates are values to write to the local contact.
	LocalUpdates map[string]string
	// RemoteUpdates are values to write back to the provider.
	RemoteUpdates map[string]string
	Conflicts     []models.Conflict
	Resolved      []models.ResolvedConflict
}

// AutoResolved counts conflicts the strategy decided.
func (r Reconciliation) AutoResolved() int {
	n := 0
	for _, rc := range r.Resolved {
		if !rc.Deferred {
			n++
		}
	}
	return n
}

// Deferred returns the conflicts left for manual review.
func (r Reconciliation) Deferred() []models.Conflict {
	var out []models.Conflict
	for _, rc := range r.Resolved {
		if rc.Deferred {
			out = append(out, rc.Conflict)
		}
	}
	return out
}

// ConflictResolver reconciles a local contact with its linked remote record.
type ConflictResolver struct {
	matcher  *Matcher
	strategy ResolutionStrategy
}

// NewConflictResolver creates a resolver for one integration's strategy.
func NewConflictResolver(matcher *Matcher, strategy models.ConflictStrategy) (*ConflictResolver, error) {
	s, err := StrategyFor(strategy)
	if err != nil {
		return nil, err
	}
	return &ConflictResolver{matcher: matcher, strategy: s}, nil
}

// Holds carry per-field state from earlier syncs of a linked contact.
type Holds struct {
	// Review fields have a conflict awaiting manual resolution. Neither side
	// changes them until it is resolved.
	Review map[string]bool
	// Push fields hold local values whose write-back has not reached the
	// provider. They count as locally changed until it does.
	Push map[string]bool
}

// Reconcile compares every syncable field. A field conflicts only when the
// values differ and both sides were modified strictly after lastSync. Other
// differences flow from whichever side changed; with no local change the
// remote value is taken. Empty remote values never clear local data.
func (r *ConflictResolver) Reconcile(local *models.LocalContact, remote models.ContactRecord, lastSync *time.Time) Reconciliation {
	return r.ReconcileHeld(local, remote, lastSync, Holds{})
}

// ReconcileHeld is Reconcile with the holds of earlier syncs applied.
func (r *ConflictResolver) ReconcileHeld(local *models.LocalContact, remote models.ContactRecord, lastSync *time.Time, holds Holds) Reconciliation {
	rec := Reconciliation{
		LocalUpdates:  map[string]string{},
		RemoteUpdates: map[string]string{},
	}

	contactChanged := lastSync != nil && local.UpdatedAt.After(*lastSync)
	remoteStamped := remote.ModifiedAt != nil
	remoteChanged := !remoteStamped || lastSync == nil || remote.ModifiedAt.After(*lastSync)

	for _, field := range SyncableFields {
		if holds.Review[field] {
			continue
		}
		localChanged := contactChanged || holds.Push[field]
		lv := ContactField(local, field)
		rv := RecordField(remote, field)
		if r.equal(field, lv, rv) {
			continue
		}
		if rv == "" {
			// An empty remote value never clears local data; a local edit fills it.
			if localChanged {
				rec.RemoteUpdates[field] = lv
			}
			continue
		}

		if localChanged && remoteStamped && remoteChanged {
			c := models.Conflict{
				ContactID:        local.ID,
				ExternalID:       remote.ExternalID,
				Field:            field,
				LocalValue:       lv,
				RemoteValue:      rv,
				LocalModifiedAt:  local.UpdatedAt,
				RemoteModifiedAt: *remote.ModifiedAt,
				Status:           models.ConflictPending,
			}
			rec.Conflicts = append(rec.Conflicts, c)

			resolved := r.strategy.Resolve(c)
			rec.Resolved = append(rec.Resolved, resolved)
			switch resolved.Winner {
			case models.ResolutionRemote:
				rec.LocalUpdates[field] = rv
			case models.ResolutionLocal:
				rec.RemoteUpdates[field] = lv
			}
			continue
		}

		if localChanged && !(remoteStamped && remoteChanged) {
			rec.RemoteUpdates[field] = lv
			continue
		}
		rec.LocalUpdates[field] = rv
	}
	return rec
}

func (r *ConflictResolver) equal(field, a, b string) bool {
	switch field {
	case FieldEmail:
		return normalizeEmail(a) == normalizeEmail(b)
	case FieldPhone:
		na, nb := r.matcher.NormalizePhone(a), r.matcher.NormalizePhone(b)
		if na != "" || nb != "" {
			return na == nb
		}
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// ContactField reads a syncable field of a local contact.
func ContactField(c *models.LocalContact, field string) string {
	switch field {
	case FieldFirstName:
		return c.FirstName
	case FieldLastName:
		return c.LastName
	case FieldEmail:
		return c.Email
	case FieldPhone:
		return c.Phone
	case FieldCompany:
		return c.Company
	case FieldPosition:
		return c.Position
	}
	return ""
}

// SetContactField writes a syncable field of a local contact.
func SetContactField(c *models.LocalContact, field, value string) {
	switch field {
	case FieldFirstName:
		c.FirstName = value
	case FieldLastName:
		c.LastName = value
	case FieldEmail:
		c.Email = value
	case FieldPhone:
		c.Phone = value
	case FieldCompany:
		c.Company = value
	case FieldPosition:
		c.Position = value
	}
}

// RecordField reads a syncable field of a remote record.
func RecordField(r models.ContactRecord, field string) string {
	switch field {
	case FieldFirstName:
		return r.FirstName
	case FieldLastName:
		return r.LastName
	case FieldEmail:
		return r.Email
	case FieldPhone:
		return r.Phone
	case FieldCompany:
		return r.Company
	case FieldPosition:
		return r.Position
	}
	return ""
}
