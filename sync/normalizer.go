// ABOUTME: Canonical record normalizer for provider contact payloads
// ABOUTME: Maps Google People and Microsoft Graph contacts into uniform ContactRecords
package sync

import (
	"strings"
	"time"

	"github.com/prokopsimek/pmcrm-sub000/models"
	"google.golang.org/api/people/v1"
)

// GoogleRawContact wraps a People API person.
type GoogleRawContact struct {
	Person *people.Person
}

func (GoogleRawContact) provider() string { return models.ProviderGoogle }

// MicrosoftRawContact is a Microsoft Graph contact as returned by /me/contacts/delta.
type MicrosoftRawContact struct {
	ID                   string              `json:"id"`
	ETag                 string              `json:"@odata.etag,omitempty"`
	GivenName            string              `json:"givenName,omitempty"`
	Surname              string              `json:"surname,omitempty"`
	DisplayName          string              `json:"displayName,omitempty"`
	EmailAddresses       []GraphEmailAddress `json:"emailAddresses,omitempty"`
	MobilePhone          string              `json:"mobilePhone,omitempty"`
	BusinessPhones       []string            `json:"businessPhones,omitempty"`
	HomePhones           []string            `json:"homePhones,omitempty"`
	CompanyName          string              `json:"companyName,omitempty"`
	JobTitle             string              `json:"jobTitle,omitempty"`
	Categories           []string            `json:"categories,omitempty"`
	ParentFolderID       string              `json:"parentFolderId,omitempty"`
	LastModifiedDateTime string              `json:"lastModifiedDateTime,omitempty"`
	Removed              *GraphRemoved       `json:"@removed,omitempty"`
}

// GraphEmailAddress is one entry of a Graph contact's emailAddresses.
type GraphEmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// GraphRemoved marks a delta entry as deleted.
type GraphRemoved struct {
	Reason string `json:"reason"`
}

func (MicrosoftRawContact) provider() string { return models.ProviderMicrosoft }

// Normalize maps a provider payload into a ContactRecord. It does not validate.
func Normalize(raw RawContact) models.ContactRecord {
	switch c := raw.(type) {
	case GoogleRawContact:
		return normalizeGoogle(c.Person)
	case *GoogleRawContact:
		return normalizeGoogle(c.Person)
	case MicrosoftRawContact:
		return normalizeMicrosoft(&c)
	case *MicrosoftRawContact:
		return normalizeMicrosoft(c)
	}
	return models.ContactRecord{Tags: []string{}, Metadata: map[string]any{}}
}

func normalizeGoogle(p *people.Person) models.ContactRecord {
	rec := models.ContactRecord{Tags: []string{}, Metadata: map[string]any{}}
	if p == nil {
		return rec
	}
	rec.ExternalID = p.ResourceName
	if p.Etag != "" {
		rec.Metadata[models.MetaEtag] = p.Etag
	}

	if name := primaryName(p.Names); name != nil {
		rec.FirstName = strings.TrimSpace(name.GivenName)
		rec.LastName = strings.TrimSpace(name.FamilyName)
		if rec.FirstName == "" && rec.LastName == "" {
			rec.FirstName, rec.LastName = splitDisplayName(name.DisplayName)
		}
		if name.DisplayName != "" {
			rec.Metadata[models.MetaDisplayName] = name.DisplayName
		}
	}

	// Primary email, else the first present
	primary := -1
	for i, e := range p.EmailAddresses {
		if e == nil || e.Value == "" {
			continue
		}
		if primary < 0 {
			primary = i
		}
		if e.Metadata != nil && e.Metadata.Primary {
			primary = i
			break
		}
	}
	var alternates []string
	for i, e := range p.EmailAddresses {
		if e == nil || e.Value == "" {
			continue
		}
		if i == primary {
			rec.Email = e.Value
			continue
		}
		alternates = append(alternates, e.Value)
	}
	if len(alternates) > 0 {
		rec.Metadata[models.MetaAlternateEmails] = alternates
	}

	var mobile, work, first string
	for _, ph := range p.PhoneNumbers {
		if ph == nil || ph.Value == "" {
			continue
		}
		if first == "" {
			first = ph.Value
		}
		switch strings.ToLower(ph.Type) {
		case "mobile":
			if mobile == "" {
				mobile = ph.Value
			}
		case "work", "workmobile":
			if work == "" {
				work = ph.Value
			}
		}
	}
	rec.Phone = firstNonEmpty(mobile, work, first)

	if len(p.Organizations) > 0 && p.Organizations[0] != nil {
		rec.Company = p.Organizations[0].Name
		rec.Position = p.Organizations[0].Title
	}

	for _, m := range p.Memberships {
		if m == nil || m.ContactGroupMembership == nil {
			continue
		}
		if group := m.ContactGroupMembership.ContactGroupResourceName; group != "" {
			rec.Tags = append(rec.Tags, group)
		}
	}

	if p.Metadata != nil {
		if p.Metadata.Deleted {
			rec.Metadata[models.MetaDeleted] = true
		}
		rec.ModifiedAt = latestSourceUpdate(p.Metadata.Sources)
	}

	return rec
}

func primaryName(names []*people.Name) *people.Name {
	var first *people.Name
	for _, n := range names {
		if n == nil {
			continue
		}
		if first == nil {
			first = n
		}
		if n.Metadata != nil && n.Metadata.Primary {
			return n
		}
	}
	return first
}

func latestSourceUpdate(sources []*people.Source) *time.Time {
	var latest *time.Time
	for _, s := range sources {
		if s == nil || s.UpdateTime == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, s.UpdateTime)
		if err != nil {
			continue
		}
		if latest == nil || t.After(*latest) {
			t := t.UTC()
			latest = &t
		}
	}
	return latest
}

func normalizeMicrosoft(c *MicrosoftRawContact) models.ContactRecord {
	rec := models.ContactRecord{
		ExternalID: c.ID,
		FirstName:  strings.TrimSpace(c.GivenName),
		LastName:   strings.TrimSpace(c.Surname),
		Company:    c.CompanyName,
		Position:   c.JobTitle,
		Tags:       append([]string{}, c.Categories...),
		Metadata:   map[string]any{},
	}
	if rec.FirstName == "" && rec.LastName == "" {
		rec.FirstName, rec.LastName = splitDisplayName(c.DisplayName)
	}
	if c.DisplayName != "" {
		rec.Metadata[models.MetaDisplayName] = c.DisplayName
	}
	if c.ETag != "" {
		rec.Metadata[models.MetaEtag] = c.ETag
	}
	if c.ParentFolderID != "" {
		rec.Metadata[models.MetaFolderID] = c.ParentFolderID
	}

	var alternates []string
	for _, e := range c.EmailAddresses {
		if e.Address == "" {
			continue
		}
		if rec.Email == "" {
			rec.Email = e.Address
			continue
		}
		alternates = append(alternates, e.Address)
	}
	if len(alternates) > 0 {
		rec.Metadata[models.MetaAlternateEmails] = alternates
	}

	var business, home string
	if len(c.BusinessPhones) > 0 {
		business = c.BusinessPhones[0]
	}
	if len(c.HomePhones) > 0 {
		home = c.HomePhones[0]
	}
	rec.Phone = firstNonEmpty(c.MobilePhone, business, home)

	if c.LastModifiedDateTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, c.LastModifiedDateTime); err == nil {
			t = t.UTC()
			rec.ModifiedAt = &t
		}
	}
	if c.Removed != nil {
		rec.Metadata[models.MetaDeleted] = true
	}

	return rec
}

func splitDisplayName(display string) (string, string) {
	parts := strings.Fields(display)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
