package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"targeting/pkg/platform/sentinel"
)

// MemoryLocker implements Locker for a single process. It has the same
// blocking and expiry behaviour as RedisLocker and backs tests and
// single-node deployments without Redis.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	opts  Options
	clock func() time.Time
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryOption configures a MemoryLocker.
type MemoryOption func(*MemoryLocker)

// WithClock sets the clock used for expiry checks.
func WithClock(clock func() time.Time) MemoryOption {
	return func(l *MemoryLocker) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewMemoryLocker constructs an in-process locker.
func NewMemoryLocker(opts Options, options ...MemoryOption) *MemoryLocker {
	l := &MemoryLocker{
		held:  make(map[string]memoryEntry),
		opts:  opts.withDefaults(),
		clock: time.Now,
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	start := time.Now()
	deadline := start.Add(l.opts.AcquireTimeout)
	token := uuid.NewString()

	for {
		if l.tryAcquire(key, token) {
			observeWait(start, "acquired")
			return &memoryLease{locker: l, key: key, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			observeWait(start, "timeout")
			return nil, fmt.Errorf("%w: %s after %s", sentinel.ErrLockNotAcquired, key, l.opts.AcquireTimeout)
		}
		if err := waitPoll(ctx, l.opts.PollInterval); err != nil {
			observeWait(start, "error")
			return nil, err
		}
	}
}

func (l *MemoryLocker) tryAcquire(key, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if entry, ok := l.held[key]; ok && now.Before(entry.expiresAt) {
		return false
	}
	l.held[key] = memoryEntry{token: token, expiresAt: now.Add(l.opts.TTL)}
	return true
}

func (l *MemoryLocker) release(key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.held[key]
	if !ok || entry.token != token {
		return fmt.Errorf("%w: %s", sentinel.ErrLockLost, key)
	}
	delete(l.held, key)
	if !l.clock().Before(entry.expiresAt) {
		return fmt.Errorf("%w: %s", sentinel.ErrLockLost, key)
	}
	return nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.held[key]
	return ok && l.clock().Before(entry.expiresAt)
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (m *memoryLease) Key() string { return m.key }

func (m *memoryLease) Release(_ context.Context) error {
	return m.locker.release(m.key, m.token)
}
