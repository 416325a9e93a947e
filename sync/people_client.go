// ABOUTME: Google People API directory client for contacts sync and write-back
// ABOUTME: Lists connections with sync tokens and maps API errors to sync sentinels
package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/people/v1"
)

const (
	peoplePageSize     = 1000
	peoplePersonFields = "names,emailAddresses,phoneNumbers,organizations,memberships,metadata"
	peopleResource     = "people/me"
)

// PeopleDirectory reads and writes Google Contacts.
type PeopleDirectory struct {
	service *people.Service
	now     func() time.Time
}

// NewGoogleDirectory builds a directory authorized by tokens.
func NewGoogleDirectory(ctx context.Context, tokens TokenProvider) (*PeopleDirectory, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token provider cannot be nil")
	}
	return NewPeopleDirectory(ctx, option.WithHTTPClient(HTTPClient(ctx, tokens)))
}

// NewPeopleDirectory builds a directory from raw client options.
func NewPeopleDirectory(ctx context.Context, opts ...option.ClientOption) (*PeopleDirectory, error) {
	service, err := people.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create People service: %w", err)
	}
	return &PeopleDirectory{service: service, now: time.Now}, nil
}

func (d *PeopleDirectory) FetchPage(ctx context.Context, req FetchRequest) (*Page, error) {
	call := d.service.People.Connections.List(peopleResource).
		PersonFields(peoplePersonFields).
		PageSize(peoplePageSize).
		RequestSyncToken(true).
		Context(ctx)
	if req.SyncCursor != "" {
		call = call.SyncToken(req.SyncCursor)
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, d.mapError(ctx, err)
	}

	page := &Page{
		NextPageToken:  resp.NextPageToken,
		NextSyncCursor: resp.NextSyncToken,
		Records:        make([]RawContact, 0, len(resp.Connections)),
	}
	for _, p := range resp.Connections {
		if p == nil {
			continue
		}
		page.Records = append(page.Records, GoogleRawContact{Person: p})
	}
	return page, nil
}

func (d *PeopleDirectory) GetContact(ctx context.Context, externalID string) (RawContact, error) {
	p, err := d.service.People.Get(externalID).PersonFields(peoplePersonFields).Context(ctx).Do()
	if err != nil {
		return nil, d.mapError(ctx, err)
	}
	return GoogleRawContact{Person: p}, nil
}

// UpdateContact patches the given fields onto the current person. The fetched
// etag guards against overwriting a concurrent remote edit.
func (d *PeopleDirectory) UpdateContact(ctx context.Context, externalID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	p, err := d.service.People.Get(externalID).PersonFields(peoplePersonFields).Context(ctx).Do()
	if err != nil {
		return d.mapError(ctx, err)
	}

	mask := applyPersonFields(p, fields)
	_, err = d.service.People.UpdateContact(externalID, p).
		UpdatePersonFields(strings.Join(mask, ",")).
		Context(ctx).
		Do()
	if err != nil {
		return d.mapError(ctx, err)
	}
	return nil
}

func applyPersonFields(p *people.Person, fields map[string]string) []string {
	var mask []string
	touched := map[string]bool{}
	add := func(m string) {
		if !touched[m] {
			touched[m] = true
			mask = append(mask, m)
		}
	}

	for field, value := range fields {
		switch field {
		case FieldFirstName, FieldLastName:
			name := primaryName(p.Names)
			if name == nil {
				name = &people.Name{}
				p.Names = append(p.Names, name)
			}
			if field == FieldFirstName {
				name.GivenName = value
			} else {
				name.FamilyName = value
			}
			name.DisplayName = ""
			add("names")
		case FieldEmail:
			if e := primaryEmail(p.EmailAddresses); e != nil {
				e.Value = value
			} else {
				p.EmailAddresses = append(p.EmailAddresses, &people.EmailAddress{Value: value})
			}
			add("emailAddresses")
		case FieldPhone:
			if len(p.PhoneNumbers) > 0 && p.PhoneNumbers[0] != nil {
				p.PhoneNumbers[0].Value = value
			} else {
				p.PhoneNumbers = append(p.PhoneNumbers, &people.PhoneNumber{Value: value, Type: "mobile"})
			}
			add("phoneNumbers")
		case FieldCompany, FieldPosition:
			if len(p.Organizations) == 0 || p.Organizations[0] == nil {
				p.Organizations = []*people.Organization{{}}
			}
			if field == FieldCompany {
				p.Organizations[0].Name = value
			} else {
				p.Organizations[0].Title = value
			}
			add("organizations")
		}
	}
	return mask
}

func primaryEmail(emails []*people.EmailAddress) *people.EmailAddress {
	var first *people.EmailAddress
	for _, e := range emails {
		if e == nil {
			continue
		}
		if first == nil {
			first = e
		}
		if e.Metadata != nil && e.Metadata.Primary {
			return e
		}
	}
	return first
}

func (d *PeopleDirectory) mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	switch {
	case gerr.Code == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(gerr.Header.Get("Retry-After"), d.now()), Err: err}
	case gerr.Code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	case gerr.Code == http.StatusGone, isExpiredSyncToken(gerr):
		return fmt.Errorf("%w: %v", ErrCursorExpired, err)
	case gerr.Code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("people api: %w", err)
}

func isExpiredSyncToken(gerr *googleapi.Error) bool {
	if gerr.Code != http.StatusBadRequest {
		return false
	}
	return strings.Contains(gerr.Message, "EXPIRED_SYNC_TOKEN") || strings.Contains(gerr.Body, "EXPIRED_SYNC_TOKEN")
}
