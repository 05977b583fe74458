// Package lock provides scoped per-key critical sections used to serialize
// the check-then-act window of concurrent webhook deliveries for the same
// report. A Redis-backed implementation covers multi-process deployments;
// the in-memory one covers tests and single-process runs.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when another holder owns the key.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker acquires a lease on a key. The returned release function is safe
// to call exactly once and must run on every exit path; the TTL bounds the
// lease if the holder dies without releasing.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewMemoryLocker creates a process-local locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]time.Time),
		clock: time.Now,
	}
}

// Acquire takes the key if it is free or its previous lease expired.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if expiry, ok := l.held[key]; ok && expiry.After(now) {
		return nil, ErrNotAcquired
	}
	l.held[key] = now.Add(ttl)

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}
	return release, nil
}
