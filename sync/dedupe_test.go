// ABOUTME: Tests for the deduplication engine
// ABOUTME: Covers best-match selection, tie-breaks, intra-batch duplicates, and index maintenance
package sync

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPrefersExactOverFuzzy(t *testing.T) {
	fuzzy := models.LocalContact{ID: uuid.New(), FirstName: "Ann", LastName: "Leas", CreatedAt: time.Now()}
	exact := models.LocalContact{ID: uuid.New(), FirstName: "Someone", Email: "ann@example.com", CreatedAt: time.Now()}
	d := NewDeduplicator(NewMatcher(""), []models.LocalContact{fuzzy, exact})

	m, ok := d.Match(models.ContactRecord{FirstName: "Ann", LastName: "Lees", Email: "ANN@example.com"})
	require.True(t, ok)
	assert.Equal(t, exact.ID, m.ExistingContact.ID)
	assert.Equal(t, models.MatchExact, m.MatchType)
}

func TestMatchTieGoesToEarliestContact(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := models.LocalContact{ID: uuid.New(), FirstName: "A", Email: "a@x.com", CreatedAt: base.Add(time.Hour)}
	older := models.LocalContact{ID: uuid.New(), FirstName: "A", Email: "a@x.com", CreatedAt: base}
	d := NewDeduplicator(NewMatcher(""), []models.LocalContact{newer, older})

	m, ok := d.Match(models.ContactRecord{Email: "a@x.com"})
	require.True(t, ok)
	assert.Equal(t, older.ID, m.ExistingContact.ID)
}

func TestMatchIgnoresDeletedContacts(t *testing.T) {
	deleted := time.Now()
	d := NewDeduplicator(NewMatcher(""), []models.LocalContact{
		{ID: uuid.New(), FirstName: "Gone", Email: "gone@x.com", DeletedAt: &deleted},
	})
	assert.Equal(t, 0, d.Len())
	_, ok := d.Match(models.ContactRecord{Email: "gone@x.com"})
	assert.False(t, ok)
}

func TestDeduplicateSummary(t *testing.T) {
	d := NewDeduplicator(NewMatcher(""), []models.LocalContact{
		{ID: uuid.New(), FirstName: "Anne", Email: "a@x.com", CreatedAt: time.Now()},
	})

	report := d.Deduplicate([]models.ContactRecord{
		{ExternalID: "1", FirstName: "Anne", Email: "a@x.com"},
		{ExternalID: "2", FirstName: "Bea", Email: "b@y.com"},
	})

	assert.Equal(t, Summary{Total: 2, New: 1, Exact: 1, Potential: 0}, report.Summary)
	require.Len(t, report.New, 1)
	assert.Equal(t, "2", report.New[0].ExternalID)
	require.Len(t, report.Matches, 1)
	assert.Equal(t, "1", report.Matches[0].ImportedRecord.ExternalID)
}

func TestDeduplicateMatchesWithinBatch(t *testing.T) {
	d := NewDeduplicator(NewMatcher(""), nil)

	report := d.Deduplicate([]models.ContactRecord{
		{ExternalID: "1", FirstName: "Ann", LastName: "Lees"},
		{ExternalID: "2", FirstName: "Ann", LastName: "Leas"},
		{ExternalID: "3", FirstName: "Ann", LastName: "Lees", Email: "ann@x.com"},
	})

	assert.Equal(t, 3, report.Summary.Total)
	assert.Equal(t, 1, report.Summary.New)
	assert.Equal(t, 2, report.Summary.Potential)
	assert.Equal(t, 0, d.Len(), "preview must not mutate the index")
}

func TestAddReindexesContact(t *testing.T) {
	d := NewDeduplicator(NewMatcher(""), nil)
	c := &models.LocalContact{ID: uuid.New(), FirstName: "Zed", Email: "old@x.com", CreatedAt: time.Now()}
	d.Add(c)

	_, ok := d.Match(models.ContactRecord{FirstName: "Yolanda", Email: "old@x.com"})
	require.True(t, ok)

	moved := *c
	moved.Email = "new@x.com"
	d.Add(&moved)
	assert.Equal(t, 1, d.Len())

	_, ok = d.Match(models.ContactRecord{FirstName: "Yolanda", Email: "old@x.com"})
	assert.False(t, ok)
	m, ok := d.Match(models.ContactRecord{FirstName: "Yolanda", Email: "new@x.com"})
	require.True(t, ok)
	assert.Equal(t, c.ID, m.ExistingContact.ID)
}

func TestRemoveDropsContact(t *testing.T) {
	c := models.LocalContact{ID: uuid.New(), FirstName: "Zed", Phone: "+14155552671", CreatedAt: time.Now()}
	d := NewDeduplicator(NewMatcher("US"), []models.LocalContact{c})

	_, ok := d.Match(models.ContactRecord{Phone: "(415) 555-2671"})
	require.True(t, ok)

	d.Remove(c.ID)
	_, ok = d.Match(models.ContactRecord{Phone: "(415) 555-2671"})
	assert.False(t, ok)
}
