// ABOUTME: Error taxonomy for contact sync
// ABOUTME: Sentinels for transient, systemic, and policy errors plus typed per-record and rate-limit errors
package sync

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is returned by a directory when the provider throttles requests.
	ErrRateLimited = errors.New("provider rate limit exceeded")
	// ErrAuthExpired is returned when the provider rejects the credential.
	ErrAuthExpired = errors.New("provider credential expired")
	// ErrCursorExpired is returned when the provider no longer accepts a sync cursor.
	ErrCursorExpired = errors.New("sync cursor expired")
	// ErrPaginationLost is returned when a page repeats the continuation token it was fetched with.
	ErrPaginationLost = errors.New("pagination token lost")
	// ErrTransient marks a retryable network or server failure.
	ErrTransient = errors.New("transient provider failure")

	ErrJobAlreadyRunning    = errors.New("an import is already running for this integration")
	ErrJobCancelled         = errors.New("import cancelled")
	ErrLockLost             = errors.New("job lock lost")
	ErrJobNotFound          = errors.New("import job not found")
	ErrIntegrationNotFound  = errors.New("integration not found")
	ErrContactNotLinked     = errors.New("contact is not linked to any integration")
	ErrWriteBackUnsupported = errors.New("directory does not support write-back")
)

// RateLimitError carries the provider's suggested wait.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrRateLimited) match any RateLimitError.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RecordError attributes a failure to one external record.
type RecordError struct {
	ExternalID string
	Err        error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s: %v", e.ExternalID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// BatchError is returned when every record of a batch failed.
type BatchError struct {
	Batch int
	Size  int
	Last  error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("all %d records in batch %d failed: %v", e.Size, e.Batch, e.Last)
}

func (e *BatchError) Unwrap() error {
	return e.Last
}

// IsRetryable reports whether a fetch error may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}
