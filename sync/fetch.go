// ABOUTME: Paginated directory fetching with rate-limit backoff
// ABOUTME: Retries throttled and transient failures, honours Retry-After, and follows page tokens to the end
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prokopsimek/pmcrm-sub000/metrics"
	"go.uber.org/zap"
)

// DefaultMaxElapsed bounds how long one page fetch keeps retrying.
const DefaultMaxElapsed = 2 * time.Minute

// FetchResult is the concatenation of every page of one listing.
type FetchResult struct {
	Records    []RawContact
	Removed    []string
	SyncCursor string
	Pages      int
}

// Fetcher pulls pages from a DirectoryClient with retry.
type Fetcher struct {
	client     DirectoryClient
	provider   string
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
	metrics    *metrics.Recorder
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithBackOff replaces the retry policy. The factory is called once per page.
func WithBackOff(factory func() backoff.BackOff) FetcherOption {
	return func(f *Fetcher) { f.newBackOff = factory }
}

// WithFetchLogger sets the logger.
func WithFetchLogger(l *zap.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = l }
}

// WithFetchMetrics sets the metrics recorder.
func WithFetchMetrics(m *metrics.Recorder) FetcherOption {
	return func(f *Fetcher) { f.metrics = m }
}

// NewFetcher wraps client.
func NewFetcher(client DirectoryClient, provider string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:   client,
		provider: provider,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = DefaultMaxElapsed
			return b
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchPage fetches one page, retrying rate-limit and transient errors.
func (f *Fetcher) FetchPage(ctx context.Context, req FetchRequest) (*Page, error) {
	var page *Page
	operation := func() error {
		p, err := f.client.FetchPage(ctx, req)
		if err == nil {
			page = p
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}

		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			f.metrics.FetchRetry(f.provider, "rate_limited")
			if werr := wait(ctx, rl.RetryAfter); werr != nil {
				return backoff.Permanent(werr)
			}
			return err
		}
		f.metrics.FetchRetry(f.provider, "transient")
		return err
	}

	notify := func(err error, next time.Duration) {
		f.logger.Warn("directory fetch failed, retrying",
			zap.String("provider", f.provider),
			zap.Duration("backoff", next),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(f.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	if page == nil {
		page = &Page{}
	}
	return page, nil
}

// FetchAll follows page tokens until a page carries none. The last page's
// sync cursor, possibly empty, becomes the result's cursor.
func (f *Fetcher) FetchAll(ctx context.Context, syncCursor string) (*FetchResult, error) {
	result := &FetchResult{}
	req := FetchRequest{SyncCursor: syncCursor}

	for {
		page, err := f.FetchPage(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch page %d: %w", result.Pages+1, err)
		}
		result.Pages++
		result.Records = append(result.Records, page.Records...)
		result.Removed = append(result.Removed, page.RemovedExternalIDs...)

		if page.NextPageToken != "" {
			if page.NextPageToken == req.PageToken {
				return nil, fmt.Errorf("page %d repeated its token: %w", result.Pages, ErrPaginationLost)
			}
			req.PageToken = page.NextPageToken
			continue
		}
		// The last page. Providers may end a listing without a cursor; the
		// next sync then starts over from a full listing.
		if page.NextSyncCursor == "" {
			f.logger.Info("listing ended without a sync cursor",
				zap.String("provider", f.provider),
				zap.Int("pages", result.Pages))
		}
		result.SyncCursor = page.NextSyncCursor
		return result, nil
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
