// ABOUTME: In-process integration lock for single-binary deployments
// ABOUTME: Entries expire after their TTL like the Redis variant
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryEntry), clock: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	l.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLock{locker: l, key: key, token: token}, nil
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (m *memoryLock) Release(_ context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	e, ok := m.locker.held[m.key]
	if !ok || e.token != m.token {
		return ErrNotHeld
	}
	delete(m.locker.held, m.key)
	return nil
}

func (m *memoryLock) Extend(_ context.Context, ttl time.Duration) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	e, ok := m.locker.held[m.key]
	now := m.locker.clock()
	if !ok || e.token != m.token || !now.Before(e.expires) {
		return ErrNotHeld
	}
	e.expires = now.Add(ttl)
	m.locker.held[m.key] = e
	return nil
}
