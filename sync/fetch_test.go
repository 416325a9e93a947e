// ABOUTME: Tests for paginated fetching with retry
// ABOUTME: Covers transient retries, Retry-After waits, permanent errors, and lost pagination
package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedResponse struct {
	page *Page
	err  error
}

// scriptedClient returns its responses in order, repeating the last one.
type scriptedClient struct {
	responses []scriptedResponse
	calls     int
	requests  []FetchRequest
}

func (c *scriptedClient) FetchPage(_ context.Context, req FetchRequest) (*Page, error) {
	c.requests = append(c.requests, req)
	r := c.responses[min(c.calls, len(c.responses)-1)]
	c.calls++
	return r.page, r.err
}

func fastRetries() FetcherOption {
	return WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5)
	})
}

func TestFetchPageRetriesTransientErrors(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{err: ErrTransient},
		{err: ErrTransient},
		{page: &Page{NextSyncCursor: "c1"}},
	}}

	page, err := NewFetcher(client, "microsoft", fastRetries()).FetchPage(context.Background(), FetchRequest{})
	require.NoError(t, err)
	assert.Equal(t, "c1", page.NextSyncCursor)
	assert.Equal(t, 3, client.calls)
}

func TestFetchPageHonoursRetryAfter(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{err: &RateLimitError{RetryAfter: 20 * time.Millisecond}},
		{page: &Page{NextSyncCursor: "c1"}},
	}}

	start := time.Now()
	_, err := NewFetcher(client, "google", fastRetries()).FetchPage(context.Background(), FetchRequest{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 2, client.calls)
}

func TestFetchPageDoesNotRetryPermanentErrors(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{{err: ErrAuthExpired}}}

	_, err := NewFetcher(client, "google", fastRetries()).FetchPage(context.Background(), FetchRequest{})
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, 1, client.calls)
}

func TestFetchPageGivesUpAfterRetries(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{{err: ErrTransient}}}

	_, err := NewFetcher(client, "google", fastRetries()).FetchPage(context.Background(), FetchRequest{})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 6, client.calls)
}

func TestFetchPageStopsWaitingOnCancel(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{{err: &RateLimitError{RetryAfter: time.Hour}}}}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := NewFetcher(client, "google", fastRetries()).FetchPage(ctx, FetchRequest{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFetchAllFollowsPageTokens(t *testing.T) {
	client := &scriptedClient{}
	client.responses = []scriptedResponse{
		{page: &Page{Records: []RawContact{msContact("1", "A", "", "")}, NextPageToken: "p2"}},
		{page: &Page{Records: []RawContact{msContact("2", "B", "", "")}, NextPageToken: "p3", RemovedExternalIDs: []string{"9"}}},
		{page: &Page{Records: []RawContact{msContact("3", "C", "", "")}, NextSyncCursor: "c2"}},
	}

	res, err := NewFetcher(client, "microsoft", fastRetries()).FetchAll(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, []string{"9"}, res.Removed)
	assert.Equal(t, "c2", res.SyncCursor)
	assert.Equal(t, 3, res.Pages)

	require.Len(t, client.requests, 3)
	assert.Equal(t, FetchRequest{SyncCursor: "c1"}, client.requests[0])
	assert.Equal(t, FetchRequest{SyncCursor: "c1", PageToken: "p3"}, client.requests[2])
}

func TestFetchAllEndsWithoutSyncCursor(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{page: &Page{Records: []RawContact{msContact("1", "A", "", "")}, NextPageToken: "p2"}},
		{page: &Page{Records: []RawContact{msContact("2", "B", "", "")}}},
	}}
	res, err := NewFetcher(client, "google", fastRetries()).FetchAll(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, "", res.SyncCursor)
	assert.Equal(t, 2, res.Pages)
}

func TestFetchAllDetectsRepeatedToken(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{{page: &Page{NextPageToken: "same"}}}}
	_, err := NewFetcher(client, "google", fastRetries()).FetchAll(context.Background(), "")
	assert.ErrorIs(t, err, ErrPaginationLost)
	assert.Equal(t, 2, client.calls)
}
