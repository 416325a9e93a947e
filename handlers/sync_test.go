// ABOUTME: Tests for contact sync MCP tool handlers
// ABOUTME: Runs the handlers against a temp database and a scripted directory
package handlers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prokopsimek/pmcrm-sub000/db"
	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/prokopsimek/pmcrm-sub000/store"
	"github.com/prokopsimek/pmcrm-sub000/sync"
)

const testUser = "user-1"

func setupTestDB(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.OpenDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return db.NewStore(database)
}

// staticDirectory returns the same single page for every request.
type staticDirectory struct {
	records []sync.RawContact
}

func (d *staticDirectory) FetchPage(_ context.Context, _ sync.FetchRequest) (*sync.Page, error) {
	return &sync.Page{Records: d.records, NextSyncCursor: "cursor-1"}, nil
}

func msContact(id, first, last, email string) sync.MicrosoftRawContact {
	return sync.MicrosoftRawContact{
		ID:             id,
		GivenName:      first,
		Surname:        last,
		EmailAddresses: []sync.GraphEmailAddress{{Address: email}},
	}
}

type fixture struct {
	store       *db.Store
	engine      *sync.Engine
	handlers    *SyncHandlers
	integration *models.Integration
}

func newFixture(t *testing.T, records ...sync.RawContact) *fixture {
	t.Helper()
	st := setupTestDB(t)
	integration := &models.Integration{UserID: testUser, Provider: models.ProviderMicrosoft}
	require.NoError(t, st.CreateIntegration(context.Background(), integration))

	dir := &staticDirectory{records: records}
	engine := sync.NewEngine(st,
		sync.DirectoryResolverFunc(func(context.Context, *models.Integration) (sync.DirectoryClient, error) {
			return dir, nil
		}),
		sync.WithFetcherOptions(sync.WithBackOff(func() backoff.BackOff { return &backoff.StopBackOff{} })),
	)
	t.Cleanup(engine.Wait)

	return &fixture{
		store:       st,
		engine:      engine,
		handlers:    NewSyncHandlers(engine, st, testUser),
		integration: integration,
	}
}

func (f *fixture) importAll(t *testing.T) JobOutput {
	t.Helper()
	ctx := context.Background()
	_, started, err := f.handlers.StartImport(ctx, nil, ImportInput{IntegrationID: f.integration.ID})
	require.NoError(t, err)
	assert.Equal(t, string(models.JobQueued), started.Status)

	h, ok := f.engine.Handle(started.JobID)
	require.True(t, ok)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("import did not finish")
	}

	_, job, err := f.handlers.JobStatus(ctx, nil, JobInput{JobID: started.JobID})
	require.NoError(t, err)
	return job
}

func TestStartImportAndJobStatus(t *testing.T) {
	f := newFixture(t,
		msContact("m1", "Ada", "Lovelace", "ada@example.com"),
		msContact("m2", "Grace", "Hopper", "grace@example.com"))

	job := f.importAll(t)
	assert.Equal(t, string(models.JobCompleted), job.Status)
	assert.Equal(t, 2, job.TotalCount)
	assert.Equal(t, 2, job.ImportedCount)
	assert.Empty(t, job.Errors)
	assert.NotEmpty(t, job.CompletedAt)
}

func TestStartImportRequiresIntegration(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.handlers.StartImport(context.Background(), nil, ImportInput{})
	assert.Error(t, err)
}

func TestJobStatusUnknownJob(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.handlers.JobStatus(context.Background(), nil, JobInput{JobID: "nope"})
	assert.ErrorIs(t, err, sync.ErrJobNotFound)
}

func TestPreviewImportReportsDuplicates(t *testing.T) {
	f := newFixture(t,
		msContact("m1", "Ada", "Lovelace", "ada@example.com"),
		msContact("m2", "Grace", "Hopper", "grace@example.com"))

	existing := &models.LocalContact{UserID: testUser, FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Source: models.SourceManual}
	require.NoError(t, f.store.CreateContact(context.Background(), existing))

	_, preview, err := f.handlers.PreviewImport(context.Background(), nil, ImportInput{IntegrationID: f.integration.ID})
	require.NoError(t, err)
	assert.Equal(t, sync.Summary{Total: 2, New: 1, Exact: 1}, preview.Summary)
	require.Len(t, preview.Duplicates, 1)
	assert.Equal(t, existing.ID.String(), preview.Duplicates[0].ExistingContactID)
	assert.Equal(t, string(models.MatchExact), preview.Duplicates[0].MatchType)
	require.Len(t, preview.New, 1)
	assert.Equal(t, "m2", preview.New[0].ExternalID)
}

func TestSyncIntegrationRejectsForeignIntegration(t *testing.T) {
	f := newFixture(t)
	other := &models.Integration{UserID: "user-2", Provider: models.ProviderGoogle}
	require.NoError(t, f.store.CreateIntegration(context.Background(), other))

	_, _, err := f.handlers.SyncIntegration(context.Background(), nil, IntegrationInput{IntegrationID: other.ID})
	assert.ErrorIs(t, err, sync.ErrIntegrationNotFound)
}

func TestSyncIntegrationRunsFullSyncWithoutCursor(t *testing.T) {
	f := newFixture(t, msContact("m1", "Ada", "Lovelace", "ada@example.com"))

	_, result, err := f.handlers.SyncIntegration(context.Background(), nil, IntegrationInput{IntegrationID: f.integration.ID})
	require.NoError(t, err)
	assert.True(t, result.FullSync)
	assert.Equal(t, 1, result.Added)
}

func TestListAndResolveConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	contact := &models.LocalContact{UserID: testUser, FirstName: "Ada", Email: "ada@local.com", Source: models.SourceManual}
	require.NoError(t, f.store.CreateContact(ctx, contact))
	conflict := &models.Conflict{
		ContactID:     contact.ID,
		IntegrationID: f.integration.ID,
		ExternalID:    "m1",
		Field:         "email",
		LocalValue:    "ada@local.com",
		RemoteValue:   "ada@remote.com",
	}
	require.NoError(t, f.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.CreateConflict(ctx, conflict)
	}))

	_, listed, err := f.handlers.ListConflicts(ctx, nil, ListConflictsInput{IntegrationID: f.integration.ID})
	require.NoError(t, err)
	require.Len(t, listed.Conflicts, 1)
	assert.Equal(t, conflict.ID.String(), listed.Conflicts[0].ID)
	assert.Equal(t, models.ConflictPending, listed.Conflicts[0].Status)

	_, resolved, err := f.handlers.ResolveConflicts(ctx, nil, ResolveConflictsInput{
		IntegrationID: f.integration.ID,
		Keep:          models.ResolutionRemote,
	})
	require.NoError(t, err)
	require.Len(t, resolved.Resolved, 1)
	assert.Equal(t, models.ResolutionRemote, resolved.Resolved[0].Winner)
	assert.Equal(t, "ada@remote.com", resolved.Resolved[0].Value)

	updated, err := f.store.GetContact(ctx, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@remote.com", updated.Email)

	_, listed, err = f.handlers.ListConflicts(ctx, nil, ListConflictsInput{IntegrationID: f.integration.ID})
	require.NoError(t, err)
	assert.Empty(t, listed.Conflicts)

	_, listed, err = f.handlers.ListConflicts(ctx, nil, ListConflictsInput{IntegrationID: f.integration.ID, IncludeResolved: true})
	require.NoError(t, err)
	require.Len(t, listed.Conflicts, 1)
	assert.Equal(t, models.ResolutionRemote, listed.Conflicts[0].Resolution)
}

func TestStrategyFor(t *testing.T) {
	tests := []struct {
		keep, strategy string
		want           models.ConflictStrategy
		wantErr        bool
	}{
		{keep: "local", want: models.StrategyCRMPriority},
		{keep: "remote", want: models.StrategyProviderPriority},
		{strategy: "LAST_WRITE_WINS", want: models.StrategyLastWriteWins},
		{keep: "both", wantErr: true},
		{strategy: "MANUAL_REVIEW", wantErr: true},
		{wantErr: true},
	}
	for _, tt := range tests {
		got, err := strategyFor(tt.keep, tt.strategy)
		if tt.wantErr {
			assert.Error(t, err, "keep=%q strategy=%q", tt.keep, tt.strategy)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestDisconnectRemovesLinks(t *testing.T) {
	f := newFixture(t,
		msContact("m1", "Ada", "Lovelace", "ada@example.com"),
		msContact("m2", "Grace", "Hopper", "grace@example.com"))
	f.importAll(t)

	_, out, err := f.handlers.Disconnect(context.Background(), nil, IntegrationInput{IntegrationID: f.integration.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.LinksRemoved)
}

func TestPushContactRejectsBadID(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.handlers.PushContact(context.Background(), nil, PushContactInput{ContactID: "not-a-uuid"})
	assert.Error(t, err)
}

func TestServerListsTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := NewServer(f.engine, f.store, testUser, "test")

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer func() { _ = serverSession.Close() }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer func() { _ = session.Close() }()

	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"start_import", "job_status", "cancel_job", "sync_integration", "preview_import",
		"push_contact", "list_conflicts", "resolve_conflicts", "disconnect_integration",
	}, names)
}
