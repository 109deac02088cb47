package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockTimeout is returned when a lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timeout")
	// ErrLockNotHeld is returned by Unlock when the key expired or changed owner.
	ErrLockNotHeld = errors.New("lock was not held by this instance")
)

// Unlocker releases a held lock.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Locker hands out keyed mutual exclusion.
type Locker interface {
	Acquire(ctx context.Context, key string) (Unlocker, error)
}

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// DistributedLock provides distributed locking using Redis
type DistributedLock struct {
	client    redis.UniversalClient
	key       string
	value     string // Unique identifier for this lock holder
	ttl       time.Duration
	stopRenew chan struct{}
	stopOnce  sync.Once
}

// NewDistributedLock creates a new distributed lock
func NewDistributedLock(client redis.UniversalClient, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client:    client,
		key:       key,
		value:     generateLockValue(),
		ttl:       ttl,
		stopRenew: make(chan struct{}),
	}
}

func generateLockValue() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Lock acquires the lock, blocking until it's available
func (l *DistributedLock) Lock(ctx context.Context) error {
	return l.LockWithTimeout(ctx, 0)
}

// LockWithTimeout acquires the lock, polling every 50ms. A zero timeout waits
// up to 30s.
func (l *DistributedLock) LockWithTimeout(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// TryLock attempts to acquire the lock without blocking
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to try lock: %w", err)
	}

	if acquired {
		go l.renewLock()
		return true, nil
	}
	return false, nil
}

// Unlock releases the lock
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopRenew) })

	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// renewLock extends the TTL at half-life while the lock is still ours.
func (l *DistributedLock) renewLock() {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			renewed, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || renewed == 0 {
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}

// IsLocked checks if the lock is currently held
func (l *DistributedLock) IsLocked(ctx context.Context) (bool, error) {
	exists, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// LockManager hands out Redis locks under a common key prefix.
type LockManager struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewLockManager creates a new lock manager
func NewLockManager(client redis.UniversalClient, prefix string, ttl time.Duration) *LockManager {
	return &LockManager{
		client:  client,
		prefix:  prefix + "lock:",
		ttl:     ttl,
		timeout: ttl,
	}
}

// NewLock returns an unacquired lock for key.
func (lm *LockManager) NewLock(key string) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+key, lm.ttl)
}

// Acquire blocks until key is locked, the manager timeout passes, or ctx ends.
func (lm *LockManager) Acquire(ctx context.Context, key string) (Unlocker, error) {
	lock := lm.NewLock(key)
	if err := lock.LockWithTimeout(ctx, lm.timeout); err != nil {
		return nil, err
	}
	return lock, nil
}

// LocalLocker is an in-process Locker keyed by string. Entries are reference
// counted and removed when the last holder or waiter leaves.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localEntry)}
}

// Acquire blocks until key is free or ctx ends.
func (ll *LocalLocker) Acquire(ctx context.Context, key string) (Unlocker, error) {
	ll.mu.Lock()
	entry, ok := ll.locks[key]
	if !ok {
		entry = &localEntry{ch: make(chan struct{}, 1)}
		ll.locks[key] = entry
	}
	entry.refs++
	ll.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return &localLease{locker: ll, key: key, entry: entry}, nil
	case <-ctx.Done():
		ll.drop(key, entry)
		return nil, ctx.Err()
	}
}

func (ll *LocalLocker) drop(key string, entry *localEntry) {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(ll.locks, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (ll *LocalLocker) Len() int {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	return len(ll.locks)
}

type localLease struct {
	locker *LocalLocker
	key    string
	entry  *localEntry
	once   sync.Once
}

func (l *localLease) Unlock(context.Context) error {
	released := false
	l.once.Do(func() {
		<-l.entry.ch
		l.locker.drop(l.key, l.entry)
		released = true
	})
	if !released {
		return ErrLockNotHeld
	}
	return nil
}
