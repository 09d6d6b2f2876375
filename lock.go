package memo

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/goforj/memo/memocore"
)

const (
	// DefaultLockTTL bounds how long a crashed holder can block other fillers.
	DefaultLockTTL = 10 * time.Second
	// DefaultLockAcquireTimeout bounds how long a filler waits for the lock
	// before falling through and computing anyway.
	DefaultLockAcquireTimeout = 5 * time.Second

	defaultLockRetryInterval = 50 * time.Millisecond

	lockKeyPrefix = "lock:"
)

// LockConfig tunes the distributed single-fill lock.
type LockConfig struct {
	// Disable turns off distributed locking entirely.
	Disable bool
	// TTL is the lock entry lifetime. Zero means DefaultLockTTL.
	TTL time.Duration
	// AcquireTimeout is the longest a filler polls for the lock.
	// Zero means DefaultLockAcquireTimeout.
	AcquireTimeout time.Duration
	// RetryInterval is the poll spacing while waiting. Zero means 50ms.
	RetryInterval time.Duration

	newToken func() []byte
}

func (c LockConfig) withDefaults() LockConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultLockTTL
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultLockAcquireTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultLockRetryInterval
	}
	if c.newToken == nil {
		c.newToken = func() []byte { return []byte(uuid.NewString()) }
	}
	return c
}

// lockLease is proof of lock ownership. Only the holder of the matching
// token can release the entry.
type lockLease struct {
	key   string
	token []byte
}

// fillLock coordinates cross-process cache fills with a set-if-absent entry
// under lock:{cacheKey}. Backends that cannot add atomically degrade to
// uncoordinated fills: acquire reports unheld and the caller fills without
// the lock.
type fillLock struct {
	backend memocore.Backend
	cfg     LockConfig
}

func newFillLock(backend memocore.Backend, cfg LockConfig) *fillLock {
	return &fillLock{backend: backend, cfg: cfg.withDefaults()}
}

// enabled reports whether acquire can ever grant a lease. A reliability
// wrapper always satisfies the capability assertion, so a backend without
// atomic add is still discovered dynamically via errors.ErrUnsupported.
func (l *fillLock) enabled() bool {
	if l.cfg.Disable {
		return false
	}
	_, ok := l.backend.(memocore.AtomicAdder)
	return ok
}

// tryAcquire makes a single non-blocking attempt.
func (l *fillLock) tryAcquire(ctx context.Context, cacheKey string) (*lockLease, error) {
	lease, err := l.tryOnce(ctx, cacheKey)
	if errors.Is(err, errors.ErrUnsupported) {
		return nil, nil
	}
	return lease, err
}

func (l *fillLock) tryOnce(ctx context.Context, cacheKey string) (*lockLease, error) {
	if l.cfg.Disable {
		return nil, nil
	}
	adder, ok := l.backend.(memocore.AtomicAdder)
	if !ok {
		return nil, nil
	}
	token := l.cfg.newToken()
	key := lockKeyPrefix + cacheKey
	created, err := adder.Add(ctx, key, token, l.cfg.TTL)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}
	return &lockLease{key: key, token: token}, nil
}

// acquire polls for the lock until AcquireTimeout. A nil lease with a nil
// error means the caller should proceed without coordination, either because
// locking is unavailable or because the wait timed out.
func (l *fillLock) acquire(ctx context.Context, cacheKey string) (*lockLease, error) {
	if l.cfg.Disable {
		return nil, nil
	}
	if _, ok := l.backend.(memocore.AtomicAdder); !ok {
		return nil, nil
	}

	deadline := time.NewTimer(l.cfg.AcquireTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		lease, err := l.tryOnce(ctx, cacheKey)
		if errors.Is(err, errors.ErrUnsupported) {
			return nil, nil
		}
		if err != nil || lease != nil {
			return lease, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}

// release removes the lock entry if the lease token still owns it. A lost
// lease (expired and reacquired elsewhere) is not an error.
func (l *fillLock) release(ctx context.Context, lease *lockLease) error {
	if lease == nil {
		return nil
	}
	if releaser, ok := l.backend.(memocore.TokenReleaser); ok {
		_, err := releaser.ReleaseToken(ctx, lease.key, lease.token)
		if !errors.Is(err, errors.ErrUnsupported) {
			return err
		}
	}
	// Without an atomic compare-and-delete, read the entry and delete it only
	// while it still holds this lease's token.
	current, found, err := l.backend.Get(ctx, lease.key)
	if err != nil || !found || !bytes.Equal(current, lease.token) {
		return err
	}
	return l.backend.Delete(ctx, lease.key)
}
