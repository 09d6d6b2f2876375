package memo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goforj/memo/memocore"
)

// DefaultMaxInFlight is the admission limit on concurrent backend calls.
const DefaultMaxInFlight = 512

const (
	opClassRead  = "read"
	opClassWrite = "write"
)

// ReliabilityConfig tunes the protections wrapped around every second-tier
// call. Each control can be disabled independently; the zero value enables
// all three with defaults.
type ReliabilityConfig struct {
	// DisableBreaker turns off circuit breaking.
	DisableBreaker bool
	// FailureThreshold is the consecutive transient failure count that opens
	// a circuit. Zero means DefaultFailureThreshold.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit waits before probing.
	// Zero means DefaultRecoveryTimeout.
	RecoveryTimeout time.Duration

	// DisableAdaptiveTimeout turns off the latency-derived deadline.
	DisableAdaptiveTimeout bool
	// TimeoutBase is the deadline floor. Zero means DefaultTimeoutBase.
	TimeoutBase time.Duration
	// TimeoutMultiplier scales observed p99 latency into a deadline.
	// Zero means DefaultTimeoutMultiplier.
	TimeoutMultiplier float64
	// TimeoutMax caps the deadline. Zero means DefaultTimeoutMax.
	TimeoutMax time.Duration

	// DisableBackpressure turns off the in-flight admission limit.
	DisableBackpressure bool
	// MaxInFlight is the concurrent call ceiling. Zero means
	// DefaultMaxInFlight.
	MaxInFlight int

	// OnStateChange is invoked on every circuit transition.
	OnStateChange func(namespace, opClass string, from, to BreakerState)

	now func() time.Time
}

func (c ReliabilityConfig) withDefaults() ReliabilityConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.TimeoutBase <= 0 {
		c.TimeoutBase = DefaultTimeoutBase
	}
	if c.TimeoutMultiplier <= 0 {
		c.TimeoutMultiplier = DefaultTimeoutMultiplier
	}
	if c.TimeoutMax <= 0 {
		c.TimeoutMax = DefaultTimeoutMax
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// reliabilityCell holds the breaker and timeout estimator for one
// (namespace, op-class) pair. Read and write paths degrade independently so a
// slow write backend does not block cached reads.
type reliabilityCell struct {
	breaker *breaker
	timeout *adaptiveTimeout
}

// reliableBackend wraps a backend with circuit breaking, adaptive timeouts,
// and backpressure. Only transient failures feed the breaker; rejections and
// permanent errors carry no health signal.
type reliableBackend struct {
	inner memocore.Backend
	cfg   ReliabilityConfig

	mu    sync.Mutex
	cells map[string]*reliabilityCell

	inFlight atomic.Int64
}

var (
	_ memocore.Backend       = (*reliableBackend)(nil)
	_ memocore.AtomicAdder   = (*reliableBackend)(nil)
	_ memocore.TokenReleaser = (*reliableBackend)(nil)
	_ memocore.Flusher       = (*reliableBackend)(nil)
)

func newReliableBackend(inner memocore.Backend, cfg ReliabilityConfig) *reliableBackend {
	return &reliableBackend{
		inner: inner,
		cfg:   cfg.withDefaults(),
		cells: make(map[string]*reliabilityCell),
	}
}

func (r *reliableBackend) Driver() memocore.Driver { return r.inner.Driver() }

func (r *reliableBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var body []byte
	var ok bool
	err := r.do(ctx, "get", key, opClassRead, func(ctx context.Context) error {
		var err error
		body, ok, err = r.inner.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return body, ok, nil
}

func (r *reliableBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.do(ctx, "set", key, opClassWrite, func(ctx context.Context) error {
		return r.inner.Set(ctx, key, value, ttl)
	})
}

func (r *reliableBackend) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", key, opClassWrite, func(ctx context.Context) error {
		return r.inner.Delete(ctx, key)
	})
}

func (r *reliableBackend) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := r.do(ctx, "exists", key, opClassRead, func(ctx context.Context) error {
		var err error
		ok, err = r.inner.Exists(ctx, key)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *reliableBackend) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	adder, ok := r.inner.(memocore.AtomicAdder)
	if !ok {
		return false, fmt.Errorf("memo: driver %s: add: %w", r.inner.Driver(), errors.ErrUnsupported)
	}
	var created bool
	err := r.do(ctx, "add", key, opClassWrite, func(ctx context.Context) error {
		var err error
		created, err = adder.Add(ctx, key, value, ttl)
		return err
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (r *reliableBackend) ReleaseToken(ctx context.Context, key string, token []byte) (bool, error) {
	releaser, ok := r.inner.(memocore.TokenReleaser)
	if !ok {
		return false, fmt.Errorf("memo: driver %s: release: %w", r.inner.Driver(), errors.ErrUnsupported)
	}
	var released bool
	err := r.do(ctx, "release", key, opClassWrite, func(ctx context.Context) error {
		var err error
		released, err = releaser.ReleaseToken(ctx, key, token)
		return err
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

func (r *reliableBackend) Flush(ctx context.Context) error {
	flusher, ok := r.inner.(memocore.Flusher)
	if !ok {
		return fmt.Errorf("memo: driver %s: flush: %w", r.inner.Driver(), errors.ErrUnsupported)
	}
	return r.do(ctx, "flush", "", opClassWrite, func(ctx context.Context) error {
		return flusher.Flush(ctx)
	})
}

// do runs fn through admission, circuit, and deadline checks, then feeds the
// outcome back into the cell owning this namespace and op-class.
func (r *reliableBackend) do(ctx context.Context, op, key, class string, fn func(context.Context) error) error {
	if !r.cfg.DisableBackpressure {
		if r.inFlight.Add(1) > int64(r.cfg.MaxInFlight) {
			r.inFlight.Add(-1)
			return newBackendError(op, key, ErrBackpressure)
		}
		defer r.inFlight.Add(-1)
	}

	cell := r.cell(namespaceOf(key), class)

	if !r.cfg.DisableBreaker && !cell.breaker.Allow() {
		return newBackendError(op, key, ErrCircuitOpen)
	}

	callCtx := ctx
	var deadline time.Duration
	if !r.cfg.DisableAdaptiveTimeout {
		deadline = cell.timeout.Current()
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	start := r.cfg.now()
	err := fn(callCtx)
	latency := r.cfg.now().Sub(start)

	if err == nil {
		cell.timeout.Observe(latency)
		if !r.cfg.DisableBreaker {
			cell.breaker.OnSuccess()
		}
		return nil
	}

	if !r.cfg.DisableAdaptiveTimeout && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s", ErrBackendTimeout, deadline)
	}

	cell.timeout.Observe(latency)
	if !r.cfg.DisableBreaker {
		if IsTransient(err) {
			cell.breaker.OnFailure()
		} else {
			cell.breaker.OnNeutral()
		}
	}
	return newBackendError(op, key, err)
}

func (r *reliableBackend) cell(namespace, class string) *reliabilityCell {
	id := namespace + "/" + class
	r.mu.Lock()
	defer r.mu.Unlock()
	if cell, ok := r.cells[id]; ok {
		return cell
	}
	ns, cl := namespace, class
	cell := &reliabilityCell{
		breaker: newBreaker(breakerConfig{
			FailureThreshold: r.cfg.FailureThreshold,
			RecoveryTimeout:  r.cfg.RecoveryTimeout,
			now:              r.cfg.now,
			onTransition: func(from, to BreakerState) {
				if r.cfg.OnStateChange != nil {
					r.cfg.OnStateChange(ns, cl, from, to)
				}
			},
		}),
		timeout: newAdaptiveTimeout(r.cfg.TimeoutBase, r.cfg.TimeoutMultiplier, r.cfg.TimeoutMax),
	}
	r.cells[id] = cell
	return cell
}

// CircuitStates reports the current breaker state per namespace and op-class.
// Keys have the form "namespace/class".
func (r *reliableBackend) CircuitStates() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerState, len(r.cells))
	for id, cell := range r.cells {
		out[id] = cell.breaker.State()
	}
	return out
}

// InFlight reports the number of backend calls currently admitted.
func (r *reliableBackend) InFlight() int64 { return r.inFlight.Load() }

// namespaceOf extracts the namespace segment from a composite cache key.
// Lock keys share the cell of the entry they guard.
func namespaceOf(key string) string {
	key = strings.TrimPrefix(key, "lock:")
	if rest, ok := strings.CutPrefix(key, "ns:"); ok {
		if idx := strings.IndexByte(rest, ':'); idx > 0 {
			return rest[:idx]
		}
		if rest != "" {
			return rest
		}
	}
	return "default"
}
