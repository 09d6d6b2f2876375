package memo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goforj/memo/memocore"
)

// refreshBudget bounds a single background refresh, loader included.
const refreshBudget = 30 * time.Second

// callSpec carries the per-call identity and policy resolved by the wrapper.
type callSpec struct {
	key        string
	namespace  string
	ttl        time.Duration
	serializer Serializer
	// decodePlain converts envelope plaintext into the caller's value.
	// Nil means serializer.Decode.
	decodePlain func(plain []byte) (any, error)
}

// loaderFunc computes the value on a miss. Errors and panics surface as
// ApplicationError and are never cached.
type loaderFunc func(ctx context.Context) (any, error)

// handler runs the two-tier read path: first tier, second tier, single-fill
// lock, loader, write-back. One handler serves every function wrapped by the
// owning instance.
type handler struct {
	l1         *L1
	backend    Backend
	lock       *fillLock
	codec      *EnvelopeCodec
	encryptor  *Encryptor
	fallback   FallbackMode
	disableSWR bool

	refreshSem chan struct{}
	refreshWG  sync.WaitGroup

	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	refreshes struct {
		mu                 sync.Mutex
		completed, skipped uint64
		discarded, failed  uint64
	}
}

// readOrFill serves spec.key, filling both tiers on a miss.
func (h *handler) readOrFill(ctx context.Context, spec callSpec, load loaderFunc) (any, error) {
	start := h.now()

	// First tier. Fresh entries return immediately; stale entries are served
	// while one goroutine refreshes behind the caller.
	var staleBody []byte
	if h.l1 != nil {
		body, freshness, version := h.l1.Get(spec.key)
		switch freshness {
		case memocore.FreshnessFresh:
			value, err := h.decode(spec, body)
			if err == nil {
				h.observe(ctx, "get", spec.key, TierL1, true, nil, start)
				return value, nil
			}
			h.l1.Invalidate(spec.key)
		case memocore.FreshnessStale:
			if h.disableSWR {
				staleBody = body
				break
			}
			value, err := h.decode(spec, body)
			if err != nil {
				h.l1.Invalidate(spec.key)
				break
			}
			h.spawnRefresh(spec, version, load)
			h.observe(ctx, "get", spec.key, TierL1, true, nil, start)
			return value, nil
		}
	}

	// Second tier.
	body, found, err := h.backend.Get(ctx, spec.key)
	if err != nil {
		return h.fallThrough(ctx, spec, staleBody, load, err, start)
	}
	if found {
		if value, err := h.decode(spec, body); err == nil {
			h.l1Put(spec, body)
			h.observe(ctx, "get", spec.key, TierL2, true, nil, start)
			return value, nil
		}
		// Undecodable second-tier bytes are treated as a miss and overwritten
		// by the fill below.
	}

	return h.fill(ctx, spec, load, start)
}

// fill coordinates a single cross-process computation for spec.key.
func (h *handler) fill(ctx context.Context, spec callSpec, load loaderFunc, start time.Time) (any, error) {
	if h.lock.enabled() {
		lockStart := h.now()
		lease, err := h.lock.acquire(ctx, spec.key)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, err
		case err != nil:
			// Lock traffic failing is backend trouble, but the fill can proceed
			// uncoordinated.
			h.observeLock(spec.key, "error", h.now().Sub(lockStart))
			h.logger.Warn("fill lock unavailable", "key", spec.key, "error", err)
		case lease != nil:
			h.observeLock(spec.key, "acquired", h.now().Sub(lockStart))
			defer func() {
				if err := h.lock.release(context.WithoutCancel(ctx), lease); err != nil {
					h.logger.Warn("fill lock release failed", "key", spec.key, "error", err)
				}
			}()
		default:
			h.observeLock(spec.key, "timeout", h.now().Sub(lockStart))
		}

		// The winner of the lock race has usually written both tiers by the
		// time a waiter gets here.
		if lease == nil || h.waitedForLock(lockStart) {
			if h.l1 != nil {
				if body, freshness, _ := h.l1.Get(spec.key); freshness == memocore.FreshnessFresh {
					if value, err := h.decode(spec, body); err == nil {
						h.observe(ctx, "get", spec.key, TierL1, true, nil, start)
						return value, nil
					}
				}
			}
			if body, found, err := h.backend.Get(ctx, spec.key); err == nil && found {
				if value, err := h.decode(spec, body); err == nil {
					h.l1Put(spec, body)
					h.observe(ctx, "get", spec.key, TierL2, true, nil, start)
					return value, nil
				}
			}
		}
	}

	value, err := runLoader(ctx, load)
	if err != nil {
		h.observe(ctx, "get", spec.key, TierLoader, false, err, start)
		return nil, err
	}

	envelope, err := h.encode(spec, value)
	if err != nil {
		// The caller has its value; an unstorable one only costs the cache.
		h.logger.Warn("value not cacheable", "key", spec.key, "error", err)
		h.observe(ctx, "get", spec.key, TierLoader, false, nil, start)
		return value, nil
	}
	if err := h.backend.Set(ctx, spec.key, envelope, spec.ttl); err != nil {
		if h.fallback == FailClosed {
			return nil, err
		}
		h.logger.Warn("second-tier write failed", "key", spec.key, "error", err)
	}
	h.l1Put(spec, envelope)
	h.observe(ctx, "get", spec.key, TierLoader, false, nil, start)
	return value, nil
}

// fallThrough applies the configured fallback after a second-tier read error.
func (h *handler) fallThrough(ctx context.Context, spec callSpec, staleBody []byte, load loaderFunc, backendErr error, start time.Time) (any, error) {
	switch h.fallback {
	case FailClosed:
		h.observe(ctx, "get", spec.key, TierL2, false, backendErr, start)
		return nil, backendErr
	case StaleOnError:
		if staleBody != nil {
			if value, err := h.decode(spec, staleBody); err == nil {
				h.observe(ctx, "get", spec.key, TierL1, true, backendErr, start)
				return value, nil
			}
		}
	}
	h.logger.Warn("second tier unavailable, loading direct", "key", spec.key, "error", backendErr)
	value, err := runLoader(ctx, load)
	h.observe(ctx, "get", spec.key, TierLoader, false, err, start)
	return value, err
}

// spawnRefresh starts one background fill for a stale entry. Admission is
// double-gated: the entry's refresh flag dedupes per key, the semaphore
// bounds process-wide concurrency. A saturated pool skips the refresh and
// the stale read stands.
func (h *handler) spawnRefresh(spec callSpec, version uint64, load loaderFunc) {
	if !h.l1.MarkRefreshing(spec.key, version) {
		return
	}
	expiresAt, ok := h.l1.ExpiresAt(spec.key)
	if !ok {
		h.l1.AbortRefresh(spec.key)
		return
	}
	select {
	case h.refreshSem <- struct{}{}:
	default:
		h.l1.AbortRefresh(spec.key)
		h.noteRefresh(spec.key, "skipped", nil)
		return
	}

	h.refreshWG.Add(1)
	go func() {
		defer h.refreshWG.Done()
		defer func() { <-h.refreshSem }()

		ctx, cancel := context.WithTimeout(context.Background(), refreshBudget)
		defer cancel()
		h.refresh(ctx, spec, version, expiresAt, load)
	}()
}

func (h *handler) refresh(ctx context.Context, spec callSpec, version uint64, expiresAt time.Time, load loaderFunc) {
	value, err := runLoader(ctx, load)
	if err != nil {
		h.l1.AbortRefresh(spec.key)
		h.noteRefresh(spec.key, "failed", err)
		return
	}
	envelope, err := h.encode(spec, value)
	if err != nil {
		h.l1.AbortRefresh(spec.key)
		h.noteRefresh(spec.key, "failed", err)
		return
	}
	// The refresh replaces content, not lifetime: both tiers keep the expiry
	// set by the original write.
	remaining := expiresAt.Sub(h.now())
	if remaining <= 0 {
		h.l1.AbortRefresh(spec.key)
		h.noteRefresh(spec.key, "discarded", nil)
		return
	}
	if err := h.backend.Set(ctx, spec.key, envelope, remaining); err != nil {
		h.logger.Warn("refresh write failed", "key", spec.key, "error", err)
	}
	if h.l1.CompleteRefresh(spec.key, version, envelope, spec.ttl, spec.namespace) {
		h.noteRefresh(spec.key, "completed", nil)
	} else {
		h.noteRefresh(spec.key, "discarded", nil)
	}
}

// close drains in-flight refreshes.
func (h *handler) close() {
	h.refreshWG.Wait()
}

// encode runs value through the serializer, envelope codec, and encryptor.
func (h *handler) encode(spec callSpec, value any) ([]byte, error) {
	plain, err := spec.serializer.Encode(value)
	if err != nil {
		return nil, err
	}
	envelope, err := h.codec.Store(plain, spec.serializer.Tag())
	if err != nil {
		return nil, err
	}
	if h.encryptor != nil {
		return h.encryptor.Seal(spec.namespace, spec.key, envelope)
	}
	return envelope, nil
}

// decode reverses encode and verifies the format tag.
func (h *handler) decode(spec callSpec, blob []byte) (any, error) {
	if h.encryptor != nil {
		opened, err := h.encryptor.Open(spec.namespace, spec.key, blob)
		if err != nil {
			return nil, err
		}
		blob = opened
	}
	plain, tag, err := h.codec.Retrieve(blob)
	if err != nil {
		return nil, err
	}
	if tag != spec.serializer.Tag() {
		return nil, fmt.Errorf("%w: stored %q, configured %q", ErrSerializerMismatch, tag, spec.serializer.Tag())
	}
	if spec.decodePlain != nil {
		return spec.decodePlain(plain)
	}
	return spec.serializer.Decode(plain)
}

func (h *handler) l1Put(spec callSpec, envelope []byte) {
	if h.l1 == nil {
		return
	}
	h.l1.Put(spec.key, envelope, spec.ttl, spec.namespace)
}

// waitedForLock reports whether the acquire blocked long enough for another
// filler to have plausibly completed.
func (h *handler) waitedForLock(lockStart time.Time) bool {
	return h.now().Sub(lockStart) >= h.lock.cfg.RetryInterval
}

func (h *handler) observe(ctx context.Context, op, key, tier string, hit bool, err error, start time.Time) {
	h.observer.OnCacheOp(ctx, op, key, tier, hit, err, h.now().Sub(start))
}

func (h *handler) observeLock(key, outcome string, wait time.Duration) {
	if lo, ok := h.observer.(LockObserver); ok {
		lo.OnLock(key, outcome, wait)
	}
}

func (h *handler) noteRefresh(key, outcome string, err error) {
	h.refreshes.mu.Lock()
	switch outcome {
	case "completed":
		h.refreshes.completed++
	case "skipped":
		h.refreshes.skipped++
	case "discarded":
		h.refreshes.discarded++
	case "failed":
		h.refreshes.failed++
	}
	h.refreshes.mu.Unlock()

	if err != nil {
		h.logger.Warn("background refresh failed", "key", key, "error", err)
	}
	if ro, ok := h.observer.(RefreshObserver); ok {
		ro.OnRefresh(key, outcome, err)
	}
}

func (h *handler) refreshCounts() (completed, skipped, discarded, failed uint64) {
	h.refreshes.mu.Lock()
	defer h.refreshes.mu.Unlock()
	return h.refreshes.completed, h.refreshes.skipped, h.refreshes.discarded, h.refreshes.failed
}

// runLoader executes the user computation, converting panics and errors into
// ApplicationError so they propagate uncached and do not count as backend
// health evidence.
func runLoader(ctx context.Context, load loaderFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ApplicationError{Err: fmt.Errorf("memo: loader panic: %v", r)}
		}
	}()
	value, err = load(ctx)
	if err != nil {
		var appErr *ApplicationError
		if !errors.As(err, &appErr) {
			err = &ApplicationError{Err: err}
		}
		return nil, err
	}
	return value, nil
}
