// ABOUTME: Single-holder locks that guard one active job per user and integration
// ABOUTME: Provides an in-process locker and a Redis-backed locker for multi-process deployments
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotAcquired is returned when the key is already held.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld is returned when releasing or extending a lock that expired or was taken over.
	ErrNotHeld = errors.New("lock not held")
)

// Locker hands out exclusive, expiring locks by key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}
