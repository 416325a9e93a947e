// ABOUTME: Tests for provider payload normalization
// ABOUTME: Verifies Google People and Microsoft Graph contacts map into ContactRecords
package sync

import (
	"testing"
	"time"

	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/people/v1"
)

func TestNormalizeGooglePerson(t *testing.T) {
	person := &people.Person{
		ResourceName: "people/c123",
		Etag:         "etag-1",
		Names: []*people.Name{
			{GivenName: "Old", FamilyName: "Name"},
			{GivenName: "Ada", FamilyName: "Lovelace", DisplayName: "Ada Lovelace", Metadata: &people.FieldMetadata{Primary: true}},
		},
		EmailAddresses: []*people.EmailAddress{
			{Value: "ada@work.example"},
			{Value: "ada@home.example", Metadata: &people.FieldMetadata{Primary: true}},
		},
		PhoneNumbers: []*people.PhoneNumber{
			{Value: "+1 415 555 0100", Type: "work"},
			{Value: "+1 415 555 0199", Type: "mobile"},
		},
		Organizations: []*people.Organization{{Name: "Analytical Engines", Title: "Programmer"}},
		Memberships: []*people.Membership{
			{ContactGroupMembership: &people.ContactGroupMembership{ContactGroupResourceName: "contactGroups/friends"}},
		},
		Metadata: &people.PersonMetadata{
			Sources: []*people.Source{
				{UpdateTime: "2024-01-02T03:04:05Z"},
				{UpdateTime: "2024-03-01T00:00:00Z"},
			},
		},
	}

	rec := Normalize(GoogleRawContact{Person: person})

	assert.Equal(t, "people/c123", rec.ExternalID)
	assert.Equal(t, "Ada", rec.FirstName)
	assert.Equal(t, "Lovelace", rec.LastName)
	assert.Equal(t, "ada@home.example", rec.Email)
	assert.Equal(t, []string{"ada@work.example"}, rec.Metadata[models.MetaAlternateEmails])
	assert.Equal(t, "+1 415 555 0199", rec.Phone)
	assert.Equal(t, "Analytical Engines", rec.Company)
	assert.Equal(t, "Programmer", rec.Position)
	assert.Equal(t, []string{"contactGroups/friends"}, rec.Tags)
	assert.Equal(t, "etag-1", rec.Metadata[models.MetaEtag])
	require.NotNil(t, rec.ModifiedAt)
	assert.True(t, rec.ModifiedAt.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, rec.Deleted())
}

func TestNormalizeGoogleDisplayNameFallback(t *testing.T) {
	rec := Normalize(&GoogleRawContact{Person: &people.Person{
		ResourceName: "people/c1",
		Names:        []*people.Name{{DisplayName: "Grace Brewster Hopper"}},
	}})
	assert.Equal(t, "Grace Brewster", rec.FirstName)
	assert.Equal(t, "Hopper", rec.LastName)
	assert.NotNil(t, rec.Tags)
}

func TestNormalizeGoogleDeleted(t *testing.T) {
	rec := Normalize(GoogleRawContact{Person: &people.Person{
		ResourceName: "people/c9",
		Metadata:     &people.PersonMetadata{Deleted: true},
	}})
	assert.True(t, rec.Deleted())
}

func TestNormalizeMicrosoftContact(t *testing.T) {
	c := MicrosoftRawContact{
		ID:                   "AAMk1",
		GivenName:            "Linus",
		Surname:              "Torvalds",
		EmailAddresses:       []GraphEmailAddress{{Address: "linus@example.org"}, {Address: "lt@example.org"}},
		BusinessPhones:       []string{"+1 503 555 0100"},
		HomePhones:           []string{"+1 503 555 0111"},
		CompanyName:          "Linux Foundation",
		JobTitle:             "Fellow",
		Categories:           []string{"Kernel"},
		ParentFolderID:       "folder-1",
		LastModifiedDateTime: "2024-05-06T07:08:09Z",
	}

	rec := Normalize(c)

	assert.Equal(t, "AAMk1", rec.ExternalID)
	assert.Equal(t, "Linus", rec.FirstName)
	assert.Equal(t, "linus@example.org", rec.Email)
	assert.Equal(t, []string{"lt@example.org"}, rec.Metadata[models.MetaAlternateEmails])
	assert.Equal(t, "+1 503 555 0100", rec.Phone)
	assert.Equal(t, "Linux Foundation", rec.Company)
	assert.Equal(t, "Fellow", rec.Position)
	assert.Equal(t, []string{"Kernel"}, rec.Tags)
	assert.Equal(t, "folder-1", rec.Metadata[models.MetaFolderID])
	require.NotNil(t, rec.ModifiedAt)
	assert.True(t, rec.ModifiedAt.Equal(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)))

	c.MobilePhone = "+1 503 555 0199"
	assert.Equal(t, "+1 503 555 0199", Normalize(&c).Phone)
}

func TestNormalizeMicrosoftRemoved(t *testing.T) {
	rec := Normalize(MicrosoftRawContact{ID: "gone", Removed: &GraphRemoved{Reason: "deleted"}})
	assert.True(t, rec.Deleted())
	assert.Equal(t, "gone", rec.ExternalID)
}

func TestNormalizeMicrosoftDisplayNameFallback(t *testing.T) {
	rec := Normalize(MicrosoftRawContact{ID: "x", DisplayName: "Cher"})
	assert.Equal(t, "Cher", rec.FirstName)
	assert.Equal(t, "", rec.LastName)
}
