// ABOUTME: Reconciliation pipeline that applies fetched records to the contact store
// ABOUTME: Processes records in sequential batches, one transaction each, with per-record savepoints
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prokopsimek/pmcrm-sub000/metrics"
	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/prokopsimek/pmcrm-sub000/store"
	"go.uber.org/zap"
)

// DefaultBatchSize keeps one batch transaction short.
const DefaultBatchSize = 200

var errEmptyRecord = errors.New("record has no name, email, or phone")

// ImportConfig selects and shapes what an import writes.
type ImportConfig struct {
	UserID               string            `json:"user_id"`
	IntegrationID        string            `json:"integration_id"`
	SkipDuplicates       bool              `json:"skip_duplicates"`
	UpdateExisting       bool              `json:"update_existing"`
	SelectedExternalIDs  []string          `json:"selected_external_ids,omitempty"`
	TagMapping           map[string]string `json:"tag_mapping,omitempty"`
	ExcludeTags          []string          `json:"exclude_tags,omitempty"`
	PreserveOriginalTags bool              `json:"preserve_original_tags,omitempty"`
	FolderFilter         string            `json:"folder_filter,omitempty"`
}

// TagRules returns the configured tag rules.
func (c ImportConfig) TagRules() TagRules {
	return TagRules{Mapping: c.TagMapping, Exclude: c.ExcludeTags, PreserveOriginal: c.PreserveOriginalTags}
}

// Filtered reports whether the config imports only part of the directory.
func (c ImportConfig) Filtered() bool {
	return len(c.SelectedExternalIDs) > 0 || c.FolderFilter != ""
}

// Select keeps the records chosen by SelectedExternalIDs and FolderFilter.
// A folder filter matches the record's folder id or one of its tags.
func (c ImportConfig) Select(records []models.ContactRecord) []models.ContactRecord {
	if !c.Filtered() {
		return records
	}
	selected := make(map[string]bool, len(c.SelectedExternalIDs))
	for _, id := range c.SelectedExternalIDs {
		selected[id] = true
	}

	out := make([]models.ContactRecord, 0, len(records))
	for _, r := range records {
		if len(selected) > 0 && !selected[r.ExternalID] {
			continue
		}
		if c.FolderFilter != "" && !inFolder(r, c.FolderFilter) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func inFolder(r models.ContactRecord, folder string) bool {
	if id, _ := r.Metadata[models.MetaFolderID].(string); id == folder {
		return true
	}
	for _, t := range r.Tags {
		if strings.EqualFold(t, folder) {
			return true
		}
	}
	return false
}

// ProgressFunc receives a job snapshot after every committed batch.
type ProgressFunc func(job models.ImportJob)

// WriteBack is a set of field values to push to the provider.
type WriteBack struct {
	ContactID     uuid.UUID
	IntegrationID string
	ExternalID    string
	Fields        map[string]string
	// Settled is the link metadata to store once the push lands.
	Settled map[string]any
}

// RunInput is everything one pipeline run needs.
type RunInput struct {
	Job         *models.ImportJob
	Integration *models.Integration
	Config      ImportConfig
	Records     []models.ContactRecord
	Removed     []string
	Dedup       *Deduplicator

	// Resolver routes updates of linked contacts through conflict detection.
	// Without one, non-empty remote values overwrite local ones.
	Resolver *ConflictResolver
	// Writer receives write-backs after each committed batch.
	Writer DirectoryWriter

	Cancelled func() bool
	// Renew runs before every batch. An error stops the run.
	Renew    func(ctx context.Context) error
	Progress ProgressFunc
}

// RunResult summarizes the side effects of a run.
type RunResult struct {
	Touched      []uuid.UUID
	Conflicts    int
	AutoResolved int
	Deferred     int
	Pushed       int
}

type outcomeKind int

const (
	outcomeCreated outcomeKind = iota + 1
	outcomeUpdated
	outcomeSkipped
	outcomeDeleted
)

type outcome struct {
	kind      outcomeKind
	contact   *models.LocalContact
	writeBack *WriteBack
	recon     *Reconciliation
}

type workItem struct {
	record    *models.ContactRecord
	removedID string
}

func (w workItem) externalID() string {
	if w.record != nil {
		return w.record.ExternalID
	}
	return w.removedID
}

// Pipeline applies records to the store.
type Pipeline struct {
	store     store.Store
	logger    *zap.Logger
	metrics   *metrics.Recorder
	batchSize int
	now       func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

func WithBatchSize(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithPipelineLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

func WithPipelineMetrics(m *metrics.Recorder) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline creates a pipeline over st.
func NewPipeline(st store.Store, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:     st,
		logger:    zap.NewNop(),
		batchSize: DefaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes every record and removal in sequential batches. The job must
// already be PROCESSING; Run updates its counts but leaves the final
// transition to the caller. Cancellation is honoured between batches only.
func (p *Pipeline) Run(ctx context.Context, in *RunInput) (*RunResult, error) {
	items := make([]workItem, 0, len(in.Records)+len(in.Removed))
	for i := range in.Records {
		if in.Records[i].Deleted() {
			items = append(items, workItem{removedID: in.Records[i].ExternalID})
			continue
		}
		items = append(items, workItem{record: &in.Records[i]})
	}
	for _, id := range in.Removed {
		items = append(items, workItem{removedID: id})
	}

	in.Job.TotalCount = len(items)
	if err := p.store.UpdateJob(ctx, in.Job); err != nil {
		return nil, fmt.Errorf("failed to record job size: %w", err)
	}

	result := &RunResult{}
	provider := in.Integration.Provider

	for batch, start := 0, 0; start < len(items); batch, start = batch+1, start+p.batchSize {
		if in.Cancelled != nil && in.Cancelled() {
			return result, ErrJobCancelled
		}
		if in.Renew != nil {
			if err := in.Renew(ctx); err != nil {
				return result, err
			}
		}
		end := min(start+p.batchSize, len(items))

		began := time.Now()
		next, outcomes, err := p.applyBatch(ctx, in, batch, items[start:end])
		if err != nil {
			p.logger.Error("batch failed",
				zap.String("job_id", in.Job.ID),
				zap.Int("batch", batch),
				zap.Error(err))
			return result, err
		}
		p.metrics.BatchCommitted(provider, time.Since(began))

		*in.Job = next
		var created, updated, skipped, deleted int
		for _, o := range outcomes {
			switch o.kind {
			case outcomeCreated:
				created++
			case outcomeUpdated:
				updated++
			case outcomeSkipped:
				skipped++
			case outcomeDeleted:
				deleted++
			}
			if o.contact != nil && (o.kind == outcomeCreated || o.kind == outcomeUpdated) {
				result.Touched = append(result.Touched, o.contact.ID)
			}
			if o.recon != nil {
				result.Conflicts += len(o.recon.Conflicts)
				result.AutoResolved += o.recon.AutoResolved()
				result.Deferred += len(o.recon.Deferred())
			}
			if o.writeBack != nil {
				result.Pushed += p.push(ctx, in, o.writeBack)
			}
		}
		p.metrics.Records(provider, "imported", created)
		p.metrics.Records(provider, "updated", updated)
		p.metrics.Records(provider, "skipped", skipped)
		p.metrics.Records(provider, "deleted", deleted)
		p.metrics.Records(provider, "failed", len(items[start:end])-len(outcomes))

		if in.Progress != nil {
			in.Progress(in.Job.Snapshot())
		}
	}

	if result.Conflicts > 0 {
		strategy := string(in.Integration.Strategy)
		p.metrics.Conflicts(strategy, "auto_resolved", result.AutoResolved)
		p.metrics.Conflicts(strategy, "deferred", result.Deferred)
	}
	return result, nil
}

// applyBatch runs one batch in one transaction and returns the job as it
// should look once the batch is committed.
func (p *Pipeline) applyBatch(ctx context.Context, in *RunInput, batch int, items []workItem) (models.ImportJob, []outcome, error) {
	var next models.ImportJob
	var outcomes []outcome

	err := p.store.WithinTx(ctx, func(tx store.Tx) error {
		next = in.Job.Snapshot()
		outcomes = outcomes[:0]
		var last error

		for _, item := range items {
			var out outcome
			err := tx.Savepoint(ctx, func() error {
				var err error
				out, err = p.apply(ctx, tx, in, item)
				return err
			})
			next.ProcessedCount++
			if err != nil {
				last = &RecordError{ExternalID: item.externalID(), Err: err}
				next.FailedCount++
				next.AddError(item.externalID(), err.Error(), p.now())
				p.logger.Warn("record failed",
					zap.String("job_id", in.Job.ID),
					zap.String("external_id", item.externalID()),
					zap.Error(err))
				continue
			}

			p.index(in.Dedup, out)
			switch out.kind {
			case outcomeCreated:
				next.ImportedCount++
			case outcomeUpdated:
				next.UpdatedCount++
			case outcomeSkipped:
				next.SkippedCount++
			case outcomeDeleted:
				next.DeletedCount++
			}
			outcomes = append(outcomes, out)
		}

		if len(items) > 0 && len(outcomes) == 0 {
			return &BatchError{Batch: batch, Size: len(items), Last: last}
		}
		return tx.UpdateJob(ctx, &next)
	})
	return next, outcomes, err
}

// index keeps the deduplicator in step with what the batch wrote.
func (p *Pipeline) index(d *Deduplicator, out outcome) {
	if d == nil || out.contact == nil {
		return
	}
	switch out.kind {
	case outcomeCreated, outcomeUpdated:
		d.Add(out.contact)
	case outcomeDeleted:
		d.Remove(out.contact.ID)
	}
}

func (p *Pipeline) apply(ctx context.Context, tx store.Tx, in *RunInput, item workItem) (outcome, error) {
	if item.record == nil {
		return p.remove(ctx, tx, in, item.removedID)
	}

	rec := *item.record
	if rec.ExternalID == "" {
		return outcome{}, errors.New("record has no external id")
	}
	if rec.FullName() == "" && rec.Email == "" && rec.Phone == "" {
		return outcome{}, errEmptyRecord
	}
	rec.Tags = in.Config.TagRules().Apply(rec.Tags)

	link, err := tx.GetLinkByExternalID(ctx, in.Integration.ID, rec.ExternalID)
	switch {
	case err == nil:
		return p.updateLinked(ctx, tx, in, link, rec)
	case !errors.Is(err, store.ErrNotFound):
		return outcome{}, err
	}

	if in.Dedup != nil {
		if match, ok := in.Dedup.Match(rec); ok {
			switch {
			case in.Config.UpdateExisting:
				return p.updateMatched(ctx, tx, in, match, rec)
			case in.Config.SkipDuplicates:
				return outcome{kind: outcomeSkipped}, nil
			}
		}
	}
	return p.create(ctx, tx, in, rec)
}

func (p *Pipeline) create(ctx context.Context, tx store.Tx, in *RunInput, rec models.ContactRecord) (outcome, error) {
	contact := &models.LocalContact{
		UserID:    in.Job.UserID,
		FirstName: rec.FirstName,
		LastName:  rec.LastName,
		Email:     rec.Email,
		Phone:     rec.Phone,
		Company:   rec.Company,
		Position:  rec.Position,
		Tags:      rec.Tags,
		Source:    in.Integration.Provider,
	}
	if err := tx.CreateContact(ctx, contact); err != nil {
		return outcome{}, err
	}
	link := &models.IntegrationLink{
		IntegrationID: in.Integration.ID,
		ContactID:     contact.ID,
		ExternalID:    rec.ExternalID,
		Metadata:      linkMetadata(rec),
	}
	if err := tx.CreateLink(ctx, link); err != nil {
		return outcome{}, err
	}
	return outcome{kind: outcomeCreated, contact: contact}, nil
}

// updateMatched merges a record into the local contact it deduplicated onto
// and links the two. A contact the integration already links to another
// external record is left alone.
func (p *Pipeline) updateMatched(ctx context.Context, tx store.Tx, in *RunInput, match *models.MatchResult, rec models.ContactRecord) (outcome, error) {
	linked, err := tx.GetLinkByContact(ctx, in.Integration.ID, match.ExistingContact.ID)
	switch {
	case err == nil:
		p.logger.Debug("duplicate of a linked contact skipped",
			zap.String("external_id", rec.ExternalID),
			zap.String("linked_external_id", linked.ExternalID))
		return outcome{kind: outcomeSkipped}, nil
	case !errors.Is(err, store.ErrNotFound):
		return outcome{}, err
	}

	// Reload; the snapshot may be stale.
	contact, err := tx.GetContact(ctx, match.ExistingContact.ID)
	if err != nil {
		return outcome{}, err
	}
	mergeRecord(contact, rec)
	if err := tx.UpdateContact(ctx, contact); err != nil {
		return outcome{}, err
	}
	link := &models.IntegrationLink{
		IntegrationID: in.Integration.ID,
		ContactID:     contact.ID,
		ExternalID:    rec.ExternalID,
		Metadata:      linkMetadata(rec),
	}
	if err := tx.UpsertLink(ctx, link); err != nil {
		return outcome{}, err
	}
	return outcome{kind: outcomeUpdated, contact: contact}, nil
}

// updateLinked applies a record to the contact it was imported into before.
func (p *Pipeline) updateLinked(ctx context.Context, tx store.Tx, in *RunInput, link *models.IntegrationLink, rec models.ContactRecord) (outcome, error) {
	if !in.Config.UpdateExisting {
		return outcome{kind: outcomeSkipped}, nil
	}
	contact, err := tx.GetContact(ctx, link.ContactID)
	if err != nil {
		return outcome{}, err
	}
	if contact.IsDeleted() {
		// Local deletion stands until the user restores the contact.
		return outcome{kind: outcomeSkipped}, nil
	}

	out := outcome{kind: outcomeUpdated, contact: contact}
	meta := linkMetadata(rec)
	if in.Resolver == nil {
		mergeRecord(contact, rec)
	} else {
		holds, err := linkHolds(ctx, tx, link)
		if err != nil {
			return outcome{}, err
		}
		recon := in.Resolver.ReconcileHeld(contact, rec, &link.UpdatedAt, holds)
		for field, value := range recon.LocalUpdates {
			SetContactField(contact, field, value)
		}
		for _, c := range recon.Deferred() {
			c.IntegrationID = in.Integration.ID
			if err := tx.CreateConflict(ctx, &c); err != nil {
				return outcome{}, err
			}
		}
		contact.Tags = mergeTags(contact.Tags, rec.Tags)
		if len(recon.RemoteUpdates) > 0 {
			out.writeBack = &WriteBack{
				ContactID:     contact.ID,
				IntegrationID: in.Integration.ID,
				ExternalID:    rec.ExternalID,
				Fields:        recon.RemoteUpdates,
				Settled:       meta,
			}
			// Held until the provider accepts them or holds the same value.
			meta = withPendingPush(meta, recon.RemoteUpdates)
		}
		out.recon = &recon
	}

	if err := tx.UpdateContact(ctx, contact); err != nil {
		return outcome{}, err
	}
	link.Metadata = meta
	if err := tx.UpsertLink(ctx, link); err != nil {
		return outcome{}, err
	}
	return out, nil
}

// remove soft-deletes the contact linked to a removed external record. A
// contact still linked from another integration only loses this link.
func (p *Pipeline) remove(ctx context.Context, tx store.Tx, in *RunInput, externalID string) (outcome, error) {
	link, err := tx.GetLinkByExternalID(ctx, in.Integration.ID, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return outcome{kind: outcomeSkipped}, nil
	}
	if err != nil {
		return outcome{}, err
	}
	contact, err := tx.GetContact(ctx, link.ContactID)
	if err != nil {
		return outcome{}, err
	}
	if contact.IsDeleted() {
		return outcome{kind: outcomeSkipped}, nil
	}
	links, err := tx.CountLinksForContact(ctx, contact.ID)
	if err != nil {
		return outcome{}, err
	}
	if links > 1 {
		if err := tx.DeleteLink(ctx, in.Integration.ID, externalID); err != nil {
			return outcome{}, err
		}
		return outcome{kind: outcomeDeleted}, nil
	}
	if err := tx.SoftDeleteContact(ctx, contact.ID); err != nil {
		return outcome{}, err
	}
	return outcome{kind: outcomeDeleted, contact: contact}, nil
}

// push writes back one contact's winning local values. The fields stay held
// on the link until the provider accepts them, so a skipped or failed push is
// retried by the next sync instead of being overwritten by the stale remote
// value.
func (p *Pipeline) push(ctx context.Context, in *RunInput, wb *WriteBack) int {
	if !pushes(in) {
		p.logger.Debug("write-back skipped",
			zap.String("external_id", wb.ExternalID),
			zap.Int("fields", len(wb.Fields)))
		return 0
	}
	if err := in.Writer.UpdateContact(ctx, wb.ExternalID, wb.Fields); err != nil {
		p.logger.Warn("write-back failed, fields held for the next sync",
			zap.String("external_id", wb.ExternalID),
			zap.Strings("fields", sortedFields(wb.Fields)),
			zap.Error(err))
		return 0
	}
	err := p.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.SetLinkMetadata(ctx, wb.IntegrationID, wb.ExternalID, wb.Settled)
	})
	if err != nil {
		// The fields stay held and are pushed again; the values are the same.
		p.logger.Warn("failed to release write-back hold",
			zap.String("external_id", wb.ExternalID),
			zap.Error(err))
	}
	return 1
}

func pushes(in *RunInput) bool {
	return in.Writer != nil && in.Integration.WriteBack
}

// linkHolds loads the per-field holds of a linked contact.
func linkHolds(ctx context.Context, tx store.Tx, link *models.IntegrationLink) (Holds, error) {
	fields, err := tx.PendingConflictFields(ctx, link.ContactID, link.IntegrationID)
	if err != nil {
		return Holds{}, err
	}
	holds := Holds{Review: make(map[string]bool, len(fields)), Push: pendingPush(link.Metadata)}
	for _, f := range fields {
		holds.Review[f] = true
	}
	return holds, nil
}

// pendingPush reads the held fields back from link metadata, which arrives
// as []any after a JSON round trip.
func pendingPush(meta map[string]any) map[string]bool {
	held := map[string]bool{}
	switch v := meta[models.MetaPendingPush].(type) {
	case []string:
		for _, f := range v {
			held[f] = true
		}
	case []any:
		for _, f := range v {
			if name, ok := f.(string); ok {
				held[name] = true
			}
		}
	}
	return held
}

func withPendingPush(meta map[string]any, fields map[string]string) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[models.MetaPendingPush] = sortedFields(fields)
	return out
}

func sortedFields(fields map[string]string) []string {
	out := make([]string, 0, len(fields))
	for f := range fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// mergeRecord copies non-empty remote fields over the contact and unions tags.
func mergeRecord(contact *models.LocalContact, rec models.ContactRecord) {
	for _, field := range SyncableFields {
		if v := RecordField(rec, field); v != "" {
			SetContactField(contact, field, v)
		}
	}
	contact.Tags = mergeTags(contact.Tags, rec.Tags)
}

func linkMetadata(rec models.ContactRecord) map[string]any {
	if len(rec.Metadata) == 0 {
		return nil
	}
	meta := make(map[string]any, len(rec.Metadata))
	for k, v := range rec.Metadata {
		if k == models.MetaDeleted {
			continue
		}
		meta[k] = v
	}
	return meta
}
