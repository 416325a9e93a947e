// ABOUTME: Microsoft Graph directory client over the contacts delta endpoint
// ABOUTME: Follows nextLink/deltaLink continuation and maps HTTP failures to sync sentinels
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	graphPageSize       = 200
	graphSelect         = "givenName,surname,displayName,emailAddresses,mobilePhone,businessPhones,homePhones,companyName,jobTitle,categories,parentFolderId,lastModifiedDateTime"
	maxErrorBody        = 4 << 10
)

// GraphDirectory reads and writes Microsoft 365 contacts.
type GraphDirectory struct {
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewGraphDirectory uses client for every request; it is expected to carry auth.
func NewGraphDirectory(client *http.Client, baseURL string) *GraphDirectory {
	if baseURL == "" {
		baseURL = DefaultGraphBaseURL
	}
	return &GraphDirectory{client: client, baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}
}

// NewMicrosoftDirectory builds a Graph directory authorized by tokens.
func NewMicrosoftDirectory(ctx context.Context, tokens TokenProvider) *GraphDirectory {
	return NewGraphDirectory(HTTPClient(ctx, tokens), "")
}

type graphDeltaResponse struct {
	Value     []MicrosoftRawContact `json:"value"`
	NextLink  string                `json:"@odata.nextLink"`
	DeltaLink string                `json:"@odata.deltaLink"`
}

// FetchPage walks the delta query. Page tokens are nextLink URLs and the
// sync cursor is the final deltaLink.
func (d *GraphDirectory) FetchPage(ctx context.Context, req FetchRequest) (*Page, error) {
	target := req.PageToken
	if target == "" {
		target = req.SyncCursor
	}
	if target == "" {
		q := url.Values{}
		q.Set("$select", graphSelect)
		target = d.baseURL + "/me/contacts/delta?" + q.Encode()
	}

	var resp graphDeltaResponse
	if err := d.do(ctx, http.MethodGet, target, nil, &resp); err != nil {
		return nil, err
	}

	page := &Page{
		NextPageToken:  resp.NextLink,
		NextSyncCursor: resp.DeltaLink,
		Records:        make([]RawContact, 0, len(resp.Value)),
	}
	for i := range resp.Value {
		c := resp.Value[i]
		if c.Removed != nil {
			page.RemovedExternalIDs = append(page.RemovedExternalIDs, c.ID)
			continue
		}
		page.Records = append(page.Records, c)
	}
	return page, nil
}

func (d *GraphDirectory) GetContact(ctx context.Context, externalID string) (RawContact, error) {
	var c MicrosoftRawContact
	if err := d.do(ctx, http.MethodGet, d.contactURL(externalID), nil, &c); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *GraphDirectory) UpdateContact(ctx context.Context, externalID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	patch := map[string]any{}
	for field, value := range fields {
		switch field {
		case FieldFirstName:
			patch["givenName"] = value
		case FieldLastName:
			patch["surname"] = value
		case FieldPhone:
			patch["mobilePhone"] = value
		case FieldCompany:
			patch["companyName"] = value
		case FieldPosition:
			patch["jobTitle"] = value
		}
	}
	if email, ok := fields[FieldEmail]; ok {
		// Keep alternate addresses; only the primary slot is synced.
		current, err := d.GetContact(ctx, externalID)
		if err != nil {
			return err
		}
		addrs := []GraphEmailAddress{{Address: email}}
		if mc, ok := current.(MicrosoftRawContact); ok && len(mc.EmailAddresses) > 1 {
			addrs = append(addrs, mc.EmailAddresses[1:]...)
		}
		patch["emailAddresses"] = addrs
	}

	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode contact patch: %w", err)
	}
	return d.do(ctx, http.MethodPatch, d.contactURL(externalID), body, nil)
}

func (d *GraphDirectory) contactURL(externalID string) string {
	return d.baseURL + "/me/contacts/" + url.PathEscape(externalID)
}

func (d *GraphDirectory) do(ctx context.Context, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build graph request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodGet {
		req.Header.Set("Prefer", "odata.maxpagesize="+strconv.Itoa(graphPageSize))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return d.statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode graph response: %w", err)
	}
	return nil
}

func (d *GraphDirectory) statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	base := fmt.Errorf("graph %s: %s", resp.Status, strings.TrimSpace(string(msg)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), d.now()), Err: base}
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", ErrAuthExpired, base)
	case resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %v", ErrCursorExpired, base)
	case resp.StatusCode == http.StatusServiceUnavailable:
		if ra := parseRetryAfter(resp.Header.Get("Retry-After"), d.now()); ra > 0 {
			return &RateLimitError{RetryAfter: ra, Err: base}
		}
		return fmt.Errorf("%w: %v", ErrTransient, base)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %v", ErrTransient, base)
	}
	return base
}

// parseRetryAfter reads delay-seconds or an HTTP date. Unparseable values yield 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
