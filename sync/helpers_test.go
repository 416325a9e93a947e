// ABOUTME: Shared fixtures for sync tests
// ABOUTME: Provides a temp SQLite store, a scripted fake directory, and a recording publisher
package sync

import (
	"context"
	"path/filepath"
	"strconv"
	gosync "sync"
	"testing"
	"time"

	"github.com/prokopsimek/pmcrm-sub000/db"
	"github.com/prokopsimek/pmcrm-sub000/events"
	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.OpenDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return db.NewStore(database)
}

func createIntegration(t *testing.T, st *db.Store, strategy models.ConflictStrategy, writeBack bool) *models.Integration {
	t.Helper()
	in := &models.Integration{
		UserID:    "user-1",
		Provider:  models.ProviderMicrosoft,
		Strategy:  strategy,
		WriteBack: writeBack,
	}
	require.NoError(t, st.CreateIntegration(context.Background(), in))
	return in
}

func activeContacts(t *testing.T, st *db.Store) []models.LocalContact {
	t.Helper()
	contacts, err := st.ListActiveContacts(context.Background(), "user-1")
	require.NoError(t, err)
	return contacts
}

func msContact(id, first, last, email string) MicrosoftRawContact {
	c := MicrosoftRawContact{ID: id, GivenName: first, Surname: last}
	if email != "" {
		c.EmailAddresses = []GraphEmailAddress{{Address: email}}
	}
	return c
}

func msContactAt(id, first, last, email string, modified time.Time) MicrosoftRawContact {
	c := msContact(id, first, last, email)
	c.LastModifiedDateTime = modified.UTC().Format(time.RFC3339Nano)
	return c
}

type listing struct {
	pages []*Page
	err   error
}

type fakeUpdate struct {
	ExternalID string
	Fields     map[string]string
}

// fakeDirectory serves scripted listings keyed by sync cursor. Page tokens are
// page indexes; the last page carries the listing's next cursor.
type fakeDirectory struct {
	mu       gosync.Mutex
	listings map[string]*listing
	requests []FetchRequest
	gate     chan struct{}

	remote    map[string]RawContact
	updates   []fakeUpdate
	updateErr error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		listings: map[string]*listing{},
		remote:   map[string]RawContact{},
	}
}

// set scripts the listing for cursor, split into pages of pageSize records.
func (d *fakeDirectory) set(cursor, next string, pageSize int, removed []string, records ...RawContact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pageSize <= 0 {
		pageSize = len(records) + 1
	}
	l := &listing{}
	for start := 0; start < len(records) || start == 0; start += pageSize {
		end := min(start+pageSize, len(records))
		l.pages = append(l.pages, &Page{Records: append([]RawContact(nil), records[start:end]...)})
		if end == len(records) {
			break
		}
	}
	last := l.pages[len(l.pages)-1]
	last.NextSyncCursor = next
	last.RemovedExternalIDs = removed
	d.listings[cursor] = l
}

func (d *fakeDirectory) fail(cursor string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listings[cursor] = &listing{err: err}
}

// block makes FetchPage wait until the returned function is called.
func (d *fakeDirectory) block() func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
	gate := d.gate
	var once gosync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (d *fakeDirectory) FetchPage(ctx context.Context, req FetchRequest) (*Page, error) {
	d.mu.Lock()
	gate := d.gate
	d.requests = append(d.requests, req)
	l, ok := d.listings[req.SyncCursor]
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, ErrCursorExpired
	}
	if l.err != nil {
		return nil, l.err
	}

	idx := 0
	if req.PageToken != "" {
		idx, _ = strconv.Atoi(req.PageToken)
	}
	page := *l.pages[idx]
	if idx+1 < len(l.pages) {
		page.NextPageToken = strconv.Itoa(idx + 1)
		page.NextSyncCursor = ""
	}
	return &page, nil
}

func (d *fakeDirectory) GetContact(_ context.Context, externalID string) (RawContact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.remote[externalID]
	if !ok {
		return nil, ErrTransient
	}
	return c, nil
}

func (d *fakeDirectory) UpdateContact(_ context.Context, externalID string, fields map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.updateErr != nil {
		return d.updateErr
	}
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	d.updates = append(d.updates, fakeUpdate{ExternalID: externalID, Fields: cp})
	return nil
}

func (d *fakeDirectory) setUpdateErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateErr = err
}

func (d *fakeDirectory) setRemote(c MicrosoftRawContact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remote[c.ID] = c
}

func (d *fakeDirectory) recordedUpdates() []fakeUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]fakeUpdate(nil), d.updates...)
}

// readOnlyDirectory hides the write-back methods of a fakeDirectory.
type readOnlyDirectory struct {
	dir *fakeDirectory
}

func (r readOnlyDirectory) FetchPage(ctx context.Context, req FetchRequest) (*Page, error) {
	return r.dir.FetchPage(ctx, req)
}

func resolverFor(client DirectoryClient) DirectoryResolver {
	return DirectoryResolverFunc(func(context.Context, *models.Integration) (DirectoryClient, error) {
		return client, nil
	})
}

type recordingPublisher struct {
	mu     gosync.Mutex
	events []events.ImportCompleted
}

func (p *recordingPublisher) PublishImportCompleted(_ context.Context, evt *events.ImportCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []events.ImportCompleted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.ImportCompleted(nil), p.events...)
}
