package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long a writer waits for a path lock.
const DefaultLockTimeout = 30 * time.Second

// maxTrackedLocks bounds the lock map; above it, currently-unlocked entries
// are pruned (half of them) under the registry mutex.
const maxTrackedLocks = 512

// pathLock is a channel-based mutex so acquisition can respect contexts.
type pathLock struct {
	ch   chan struct{}
	refs int
}

// LockManager hands out per-path async mutexes keyed by resolved absolute
// path. Locks are created on demand in an internal map guarded by a
// short-held registry mutex.
type LockManager struct {
	mu      sync.Mutex
	locks   map[string]*pathLock
	timeout time.Duration
	logger  *slog.Logger
}

// NewLockManager creates a lock manager with the default 30s timeout.
func NewLockManager(logger *slog.Logger) *LockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockManager{
		locks:   make(map[string]*pathLock),
		timeout: DefaultLockTimeout,
		logger:  logger.With("component", "filelock"),
	}
}

// WithTimeout overrides the acquisition timeout.
func (m *LockManager) WithTimeout(d time.Duration) *LockManager {
	if d > 0 {
		m.timeout = d
	}
	return m
}

// Acquire blocks until the lock for path is held, the context is cancelled,
// or the timeout elapses. The returned release function must be called
// exactly once.
func (m *LockManager) Acquire(ctx context.Context, path string) (release func(), err error) {
	m.mu.Lock()
	l, ok := m.locks[path]
	if !ok {
		if len(m.locks) >= maxTrackedLocks {
			m.pruneLocked()
		}
		l = &pathLock{ch: make(chan struct{}, 1)}
		m.locks[path] = l
	}
	l.refs++
	m.mu.Unlock()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			m.mu.Lock()
			l.refs--
			m.mu.Unlock()
		}, nil
	case <-ctx.Done():
		m.drop(l)
		return nil, fmt.Errorf("acquiring lock for %s: %w", path, ctx.Err())
	case <-timer.C:
		m.drop(l)
		m.logger.Warn("file lock acquisition timed out", "path", path, "timeout", m.timeout)
		return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, path, m.timeout)
	}
}

func (m *LockManager) drop(l *pathLock) {
	m.mu.Lock()
	l.refs--
	m.mu.Unlock()
}

// pruneLocked evicts half of the currently-unlocked, unreferenced entries.
// Caller holds m.mu.
func (m *LockManager) pruneLocked() {
	toEvict := len(m.locks) / 2
	evicted := 0
	for path, l := range m.locks {
		if evicted >= toEvict {
			break
		}
		if l.refs == 0 && len(l.ch) == 0 {
			delete(m.locks, path)
			evicted++
		}
	}
	m.logger.Debug("pruned lock registry", "evicted", evicted, "remaining", len(m.locks))
}

// Size reports the number of tracked locks. Used in tests.
func (m *LockManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
