// ABOUTME: Contact sync MCP tool handlers
// ABOUTME: Implements start_import, job_status, sync_integration, preview_import, push_contact, conflict, and disconnect tools
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/prokopsimek/pmcrm-sub000/sync"
)

// SyncStore is the read side the handlers need beyond the engine.
type SyncStore interface {
	ListIntegrations(ctx context.Context, userID string) ([]*models.Integration, error)
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	ListConflicts(ctx context.Context, integrationID, status string) ([]models.Conflict, error)
}

type SyncHandlers struct {
	engine *sync.Engine
	store  SyncStore
	userID string
}

func NewSyncHandlers(engine *sync.Engine, store SyncStore, userID string) *SyncHandlers {
	return &SyncHandlers{engine: engine, store: store, userID: userID}
}

type ImportInput struct {
	IntegrationID        string            `json:"integration_id" jsonschema:"Integration to import from (required)"`
	AllowDuplicates      bool              `json:"allow_duplicates,omitempty" jsonschema:"Create contacts even when they match an existing one"`
	UpdateExisting       bool              `json:"update_existing,omitempty" jsonschema:"Merge imported fields into matched contacts"`
	SelectedExternalIDs  []string          `json:"selected_external_ids,omitempty" jsonschema:"Import only these external ids"`
	TagMapping           map[string]string `json:"tag_mapping,omitempty" jsonschema:"Rename provider tags (source to target)"`
	ExcludeTags          []string          `json:"exclude_tags,omitempty" jsonschema:"Provider tags to drop"`
	PreserveOriginalTags bool              `json:"preserve_original_tags,omitempty" jsonschema:"Keep original tags next to mapped ones"`
	FolderFilter         string            `json:"folder_filter,omitempty" jsonschema:"Import only contacts in this folder or group"`
}

func (in ImportInput) config(userID string) (sync.ImportConfig, error) {
	if in.IntegrationID == "" {
		return sync.ImportConfig{}, fmt.Errorf("integration_id is required")
	}
	return sync.ImportConfig{
		UserID:               userID,
		IntegrationID:        in.IntegrationID,
		SkipDuplicates:       !in.AllowDuplicates,
		UpdateExisting:       in.UpdateExisting,
		SelectedExternalIDs:  in.SelectedExternalIDs,
		TagMapping:           in.TagMapping,
		ExcludeTags:          in.ExcludeTags,
		PreserveOriginalTags: in.PreserveOriginalTags,
		FolderFilter:         in.FolderFilter,
	}, nil
}

type StartImportOutput struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// StartImport enqueues a full import and returns immediately.
func (h *SyncHandlers) StartImport(ctx context.Context, _ *mcp.CallToolRequest, input ImportInput) (*mcp.CallToolResult, StartImportOutput, error) {
	cfg, err := input.config(h.userID)
	if err != nil {
		return nil, StartImportOutput{}, err
	}
	jobID, err := h.engine.StartImport(ctx, cfg)
	if err != nil {
		return nil, StartImportOutput{}, fmt.Errorf("failed to start import: %w", err)
	}
	return nil, StartImportOutput{JobID: jobID, Status: string(models.JobQueued)}, nil
}

type JobInput struct {
	JobID string `json:"job_id" jsonschema:"Job id returned by start_import (required)"`
}

type JobErrorOutput struct {
	ExternalID string `json:"external_id,omitempty"`
	Message    string `json:"message"`
}

type JobOutput struct {
	ID             string           `json:"id"`
	IntegrationID  string           `json:"integration_id"`
	Status         string           `json:"status"`
	TotalCount     int              `json:"total_count"`
	ProcessedCount int              `json:"processed_count"`
	ImportedCount  int              `json:"imported_count"`
	UpdatedCount   int              `json:"updated_count"`
	SkippedCount   int              `json:"skipped_count"`
	DeletedCount   int              `json:"deleted_count"`
	FailedCount    int              `json:"failed_count"`
	Errors         []JobErrorOutput `json:"errors"`
	StartedAt      string           `json:"started_at,omitempty"`
	CompletedAt    string           `json:"completed_at,omitempty"`
	CreatedAt      string           `json:"created_at"`
}

func (h *SyncHandlers) JobStatus(ctx context.Context, _ *mcp.CallToolRequest, input JobInput) (*mcp.CallToolResult, JobOutput, error) {
	if input.JobID == "" {
		return nil, JobOutput{}, fmt.Errorf("job_id is required")
	}
	job, err := h.engine.GetJobStatus(ctx, input.JobID)
	if err != nil {
		return nil, JobOutput{}, err
	}
	return nil, jobToOutput(job), nil
}

type CancelJobOutput struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

// CancelJob stops a running job at the next batch boundary.
func (h *SyncHandlers) CancelJob(_ context.Context, _ *mcp.CallToolRequest, input JobInput) (*mcp.CallToolResult, CancelJobOutput, error) {
	if err := h.engine.Cancel(input.JobID); err != nil {
		return nil, CancelJobOutput{}, err
	}
	return nil, CancelJobOutput{JobID: input.JobID, Cancelled: true}, nil
}

type IntegrationInput struct {
	IntegrationID string `json:"integration_id" jsonschema:"Integration id (required)"`
}

// SyncIntegration runs an incremental sync and waits for it.
func (h *SyncHandlers) SyncIntegration(ctx context.Context, _ *mcp.CallToolRequest, input IntegrationInput) (*mcp.CallToolResult, sync.SyncResult, error) {
	if err := h.owned(ctx, input.IntegrationID); err != nil {
		return nil, sync.SyncResult{}, err
	}
	result, err := h.engine.StartIncrementalSync(ctx, input.IntegrationID)
	if err != nil {
		return nil, sync.SyncResult{}, fmt.Errorf("sync failed: %w", err)
	}
	return nil, *result, nil
}

type DuplicateOutput struct {
	ExternalID        string   `json:"external_id"`
	Name              string   `json:"name"`
	ExistingContactID string   `json:"existing_contact_id"`
	ExistingName      string   `json:"existing_name"`
	MatchType         string   `json:"match_type"`
	Similarity        float64  `json:"similarity"`
	MatchedFields     []string `json:"matched_fields"`
}

type NewRecordOutput struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Company    string `json:"company,omitempty"`
}

type PreviewOutput struct {
	Summary    sync.Summary      `json:"summary"`
	Duplicates []DuplicateOutput `json:"duplicates"`
	New        []NewRecordOutput `json:"new"`
}

func (h *SyncHandlers) PreviewImport(ctx context.Context, _ *mcp.CallToolRequest, input ImportInput) (*mcp.CallToolResult, PreviewOutput, error) {
	cfg, err := input.config(h.userID)
	if err != nil {
		return nil, PreviewOutput{}, err
	}
	if err := h.owned(ctx, cfg.IntegrationID); err != nil {
		return nil, PreviewOutput{}, err
	}
	preview, err := h.engine.PreviewImport(ctx, cfg)
	if err != nil {
		return nil, PreviewOutput{}, fmt.Errorf("failed to preview import: %w", err)
	}

	out := PreviewOutput{
		Summary:    preview.Summary,
		Duplicates: make([]DuplicateOutput, 0, len(preview.Matches)),
		New:        make([]NewRecordOutput, 0, len(preview.New)),
	}
	for _, m := range preview.Matches {
		out.Duplicates = append(out.Duplicates, DuplicateOutput{
			ExternalID:        m.ImportedRecord.ExternalID,
			Name:              m.ImportedRecord.FullName(),
			ExistingContactID: m.ExistingContact.ID.String(),
			ExistingName:      m.ExistingContact.FullName(),
			MatchType:         string(m.MatchType),
			Similarity:        m.Similarity,
			MatchedFields:     m.MatchedFields,
		})
	}
	for _, r := range preview.New {
		out.New = append(out.New, NewRecordOutput{
			ExternalID: r.ExternalID,
			Name:       r.FullName(),
			Email:      r.Email,
			Phone:      r.Phone,
			Company:    r.Company,
		})
	}
	return nil, out, nil
}

type PushContactInput struct {
	ContactID string `json:"contact_id" jsonschema:"Local contact id (required)"`
}

type PushContactOutput struct {
	ContactID    string   `json:"contact_id"`
	Integrations int      `json:"integrations"`
	Conflicts    int      `json:"conflicts"`
	AutoResolved int      `json:"auto_resolved"`
	Deferred     int      `json:"deferred"`
	PushedFields []string `json:"pushed_fields"`
	PulledFields []string `json:"pulled_fields"`
}

func (h *SyncHandlers) PushContact(ctx context.Context, _ *mcp.CallToolRequest, input PushContactInput) (*mcp.CallToolResult, PushContactOutput, error) {
	id, err := uuid.Parse(input.ContactID)
	if err != nil {
		return nil, PushContactOutput{}, fmt.Errorf("invalid contact_id: %w", err)
	}
	result, err := h.engine.PushContact(ctx, id)
	if err != nil {
		return nil, PushContactOutput{}, err
	}
	return nil, PushContactOutput{
		ContactID:    result.ContactID.String(),
		Integrations: result.Integrations,
		Conflicts:    result.Conflicts,
		AutoResolved: result.AutoResolved,
		Deferred:     result.Deferred,
		PushedFields: nonNil(result.PushedFields),
		PulledFields: nonNil(result.PulledFields),
	}, nil
}

type ListConflictsInput struct {
	IntegrationID   string `json:"integration_id" jsonschema:"Integration id (required)"`
	IncludeResolved bool   `json:"include_resolved,omitempty" jsonschema:"Also list resolved conflicts"`
}

type ConflictOutput struct {
	ID          string `json:"id"`
	ContactID   string `json:"contact_id"`
	ExternalID  string `json:"external_id"`
	Field       string `json:"field"`
	LocalValue  string `json:"local_value"`
	RemoteValue string `json:"remote_value"`
	Status      string `json:"status"`
	Resolution  string `json:"resolution,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type ListConflictsOutput struct {
	Conflicts []ConflictOutput `json:"conflicts"`
}

func (h *SyncHandlers) ListConflicts(ctx context.Context, _ *mcp.CallToolRequest, input ListConflictsInput) (*mcp.CallToolResult, ListConflictsOutput, error) {
	if err := h.owned(ctx, input.IntegrationID); err != nil {
		return nil, ListConflictsOutput{}, err
	}
	status := models.ConflictPending
	if input.IncludeResolved {
		status = ""
	}
	conflicts, err := h.store.ListConflicts(ctx, input.IntegrationID, status)
	if err != nil {
		return nil, ListConflictsOutput{}, err
	}

	out := ListConflictsOutput{Conflicts: make([]ConflictOutput, len(conflicts))}
	for i, c := range conflicts {
		out.Conflicts[i] = conflictToOutput(c)
	}
	return nil, out, nil
}

type ResolveConflictsInput struct {
	IntegrationID string   `json:"integration_id" jsonschema:"Integration id (required)"`
	Keep          string   `json:"keep,omitempty" jsonschema:"Winning side for every conflict: local or remote"`
	Strategy      string   `json:"strategy,omitempty" jsonschema:"LAST_WRITE_WINS, CRM_PRIORITY, or PROVIDER_PRIORITY; used when keep is empty"`
	ConflictIDs   []string `json:"conflict_ids,omitempty" jsonschema:"Resolve only these conflicts (default: all pending)"`
}

type ResolvedOutput struct {
	ConflictID string `json:"conflict_id"`
	ContactID  string `json:"contact_id"`
	Field      string `json:"field"`
	Winner     string `json:"winner,omitempty"`
	Value      string `json:"value,omitempty"`
	Deferred   bool   `json:"deferred"`
}

type ResolveConflictsOutput struct {
	Resolved []ResolvedOutput `json:"resolved"`
}

func (h *SyncHandlers) ResolveConflicts(ctx context.Context, _ *mcp.CallToolRequest, input ResolveConflictsInput) (*mcp.CallToolResult, ResolveConflictsOutput, error) {
	strategy, err := strategyFor(input.Keep, input.Strategy)
	if err != nil {
		return nil, ResolveConflictsOutput{}, err
	}
	if err := h.owned(ctx, input.IntegrationID); err != nil {
		return nil, ResolveConflictsOutput{}, err
	}

	pending, err := h.store.ListConflicts(ctx, input.IntegrationID, models.ConflictPending)
	if err != nil {
		return nil, ResolveConflictsOutput{}, err
	}
	if len(input.ConflictIDs) > 0 {
		wanted := make(map[string]bool, len(input.ConflictIDs))
		for _, id := range input.ConflictIDs {
			wanted[id] = true
		}
		var selected []models.Conflict
		for _, c := range pending {
			if wanted[c.ID.String()] {
				selected = append(selected, c)
			}
		}
		pending = selected
	}

	resolved, err := h.engine.ResolveConflicts(ctx, pending, strategy)
	if err != nil {
		return nil, ResolveConflictsOutput{}, fmt.Errorf("failed to resolve conflicts: %w", err)
	}
	out := ResolveConflictsOutput{Resolved: make([]ResolvedOutput, len(resolved))}
	for i, rc := range resolved {
		out.Resolved[i] = ResolvedOutput{
			ConflictID: rc.Conflict.ID.String(),
			ContactID:  rc.Conflict.ContactID.String(),
			Field:      rc.Conflict.Field,
			Winner:     rc.Winner,
			Value:      rc.Value,
			Deferred:   rc.Deferred,
		}
	}
	return nil, out, nil
}

type DisconnectOutput struct {
	IntegrationID string `json:"integration_id"`
	LinksRemoved  int64  `json:"links_removed"`
}

func (h *SyncHandlers) Disconnect(ctx context.Context, _ *mcp.CallToolRequest, input IntegrationInput) (*mcp.CallToolResult, DisconnectOutput, error) {
	if err := h.owned(ctx, input.IntegrationID); err != nil {
		return nil, DisconnectOutput{}, err
	}
	removed, err := h.engine.Disconnect(ctx, input.IntegrationID)
	if err != nil {
		return nil, DisconnectOutput{}, err
	}
	return nil, DisconnectOutput{IntegrationID: input.IntegrationID, LinksRemoved: removed}, nil
}

// owned rejects integrations of other users.
func (h *SyncHandlers) owned(ctx context.Context, integrationID string) error {
	if integrationID == "" {
		return fmt.Errorf("integration_id is required")
	}
	integration, err := h.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return err
	}
	if integration.UserID != h.userID {
		return fmt.Errorf("integration %s: %w", integrationID, sync.ErrIntegrationNotFound)
	}
	return nil
}

func strategyFor(keep, strategy string) (models.ConflictStrategy, error) {
	switch keep {
	case models.ResolutionLocal:
		return models.StrategyCRMPriority, nil
	case models.ResolutionRemote:
		return models.StrategyProviderPriority, nil
	case "":
	default:
		return "", fmt.Errorf("keep must be local or remote, got %q", keep)
	}

	s := models.ConflictStrategy(strategy)
	if !s.Valid() || s == models.StrategyManualReview {
		return "", fmt.Errorf("keep or a deciding strategy is required, got %q", strategy)
	}
	return s, nil
}

func jobToOutput(job models.ImportJob) JobOutput {
	out := JobOutput{
		ID:             job.ID,
		IntegrationID:  job.IntegrationID,
		Status:         string(job.Status),
		TotalCount:     job.TotalCount,
		ProcessedCount: job.ProcessedCount,
		ImportedCount:  job.ImportedCount,
		UpdatedCount:   job.UpdatedCount,
		SkippedCount:   job.SkippedCount,
		DeletedCount:   job.DeletedCount,
		FailedCount:    job.FailedCount,
		Errors:         make([]JobErrorOutput, len(job.Errors)),
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
	}
	for i, e := range job.Errors {
		out.Errors[i] = JobErrorOutput{ExternalID: e.ExternalID, Message: e.Message}
	}
	if job.StartedAt != nil {
		out.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func conflictToOutput(c models.Conflict) ConflictOutput {
	return ConflictOutput{
		ID:          c.ID.String(),
		ContactID:   c.ContactID.String(),
		ExternalID:  c.ExternalID,
		Field:       c.Field,
		LocalValue:  c.LocalValue,
		RemoteValue: c.RemoteValue,
		Status:      c.Status,
		Resolution:  c.Resolution,
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
