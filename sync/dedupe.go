// ABOUTME: Deduplication engine over a snapshot of local contacts
// ABOUTME: Picks the best match per record and tracks contacts created during the same job
package sync

import (
	"github.com/google/uuid"
	"github.com/prokopsimek/pmcrm-sub000/models"
)

// Summary counts how a set of records would be classified.
type Summary struct {
	Total     int `json:"total"`
	New       int `json:"new"`
	Exact     int `json:"exact"`
	Potential int `json:"potential"`
}

type dedupeEntry struct {
	contact *models.LocalContact
	keys    matchKeys
	order   int
}

// Deduplicator matches records against the user's contacts as of the start of
// a job plus every contact added since.
type Deduplicator struct {
	matcher *Matcher
	entries []*dedupeEntry
	byID    map[uuid.UUID]*dedupeEntry
	byEmail map[string][]*dedupeEntry
	byPhone map[string][]*dedupeEntry
	seq     int
}

// NewDeduplicator indexes a snapshot of existing contacts. Deleted contacts are ignored.
func NewDeduplicator(matcher *Matcher, existing []models.LocalContact) *Deduplicator {
	d := &Deduplicator{
		matcher: matcher,
		byID:    make(map[uuid.UUID]*dedupeEntry),
		byEmail: make(map[string][]*dedupeEntry),
		byPhone: make(map[string][]*dedupeEntry),
	}
	for i := range existing {
		c := existing[i]
		d.Add(&c)
	}
	return d
}

// Len returns the number of indexed contacts.
func (d *Deduplicator) Len() int {
	return len(d.entries)
}

// Add indexes a contact. Adding a contact already present re-indexes it with
// its current fields.
func (d *Deduplicator) Add(contact *models.LocalContact) {
	if contact == nil || contact.IsDeleted() {
		return
	}
	if contact.ID != uuid.Nil {
		if _, ok := d.byID[contact.ID]; ok {
			d.Remove(contact.ID)
		}
	}

	d.seq++
	e := &dedupeEntry{contact: contact, keys: d.matcher.keysForContact(contact), order: d.seq}
	d.entries = append(d.entries, e)
	if contact.ID != uuid.Nil {
		d.byID[contact.ID] = e
	}
	if e.keys.email != "" {
		d.byEmail[e.keys.email] = append(d.byEmail[e.keys.email], e)
	}
	if e.keys.phone != "" {
		d.byPhone[e.keys.phone] = append(d.byPhone[e.keys.phone], e)
	}
}

// Remove drops a contact from the index.
func (d *Deduplicator) Remove(id uuid.UUID) {
	e, ok := d.byID[id]
	if !ok {
		return
	}
	delete(d.byID, id)
	d.entries = without(d.entries, e)
	if e.keys.email != "" {
		d.byEmail[e.keys.email] = without(d.byEmail[e.keys.email], e)
	}
	if e.keys.phone != "" {
		d.byPhone[e.keys.phone] = without(d.byPhone[e.keys.phone], e)
	}
}

func without(list []*dedupeEntry, e *dedupeEntry) []*dedupeEntry {
	out := list[:0]
	for _, x := range list {
		if x != e {
			out = append(out, x)
		}
	}
	return out
}

// Match returns the best local match for record, if any scores at or above the threshold.
// Ties go to the earliest created contact.
func (d *Deduplicator) Match(record models.ContactRecord) (*models.MatchResult, bool) {
	keys := d.matcher.keysForRecord(record)

	var best *dedupeEntry
	var bestScore Score

	consider := func(e *dedupeEntry, s Score) {
		if !s.Matched() {
			return
		}
		if best == nil || s.Similarity > bestScore.Similarity+scoreEpsilon ||
			(s.Similarity+scoreEpsilon >= bestScore.Similarity && earlier(e, best)) {
			best, bestScore = e, s
		}
	}

	// Exact candidates come straight from the indexes.
	for _, e := range d.byEmail[keys.email] {
		consider(e, d.matcher.score(keys, e.keys))
	}
	for _, e := range d.byPhone[keys.phone] {
		consider(e, d.matcher.score(keys, e.keys))
	}
	if best == nil {
		for _, e := range d.entries {
			consider(e, d.matcher.score(keys, e.keys))
		}
	}

	if best == nil {
		return nil, false
	}
	return &models.MatchResult{
		ImportedRecord:  record,
		ExistingContact: best.contact,
		Similarity:      bestScore.Similarity,
		MatchType:       bestScore.MatchType,
		MatchedFields:   bestScore.MatchedFields,
	}, true
}

// earlier orders by creation time. Pending contacts have none and sort last.
func earlier(a, b *dedupeEntry) bool {
	az, bz := a.contact.CreatedAt.IsZero(), b.contact.CreatedAt.IsZero()
	if az != bz {
		return bz
	}
	if !a.contact.CreatedAt.Equal(b.contact.CreatedAt) {
		return a.contact.CreatedAt.Before(b.contact.CreatedAt)
	}
	return a.order < b.order
}

// Report is the read-only classification of a list of records.
type Report struct {
	Matches []models.MatchResult   `json:"duplicates"`
	New     []models.ContactRecord `json:"new"`
	Summary Summary                `json:"summary"`
}

// Deduplicate classifies records without touching the index. Records that
// would be created are matched against each other too, so two records for the
// same person count once as new.
func (d *Deduplicator) Deduplicate(records []models.ContactRecord) Report {
	scratch := d.clone()
	report := Report{Summary: Summary{Total: len(records)}}

	for _, rec := range records {
		m, ok := scratch.Match(rec)
		if !ok {
			report.New = append(report.New, rec)
			report.Summary.New++
			scratch.Add(pendingContact(rec))
			continue
		}
		report.Matches = append(report.Matches, *m)
		if m.MatchType == models.MatchExact {
			report.Summary.Exact++
		} else {
			report.Summary.Potential++
		}
	}
	return report
}

func (d *Deduplicator) clone() *Deduplicator {
	c := &Deduplicator{
		matcher: d.matcher,
		entries: append([]*dedupeEntry(nil), d.entries...),
		byID:    make(map[uuid.UUID]*dedupeEntry, len(d.byID)),
		byEmail: make(map[string][]*dedupeEntry, len(d.byEmail)),
		byPhone: make(map[string][]*dedupeEntry, len(d.byPhone)),
		seq:     d.seq,
	}
	for k, v := range d.byID {
		c.byID[k] = v
	}
	for k, v := range d.byEmail {
		c.byEmail[k] = append([]*dedupeEntry(nil), v...)
	}
	for k, v := range d.byPhone {
		c.byPhone[k] = append([]*dedupeEntry(nil), v...)
	}
	return c
}

// pendingContact stands in for a contact that an import would create.
func pendingContact(rec models.ContactRecord) *models.LocalContact {
	return &models.LocalContact{
		FirstName: rec.FirstName,
		LastName:  rec.LastName,
		Email:     rec.Email,
		Phone:     rec.Phone,
		Company:   rec.Company,
		Position:  rec.Position,
		Tags:      rec.Tags,
	}
}
