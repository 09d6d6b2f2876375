package memo

import (
	"sync"
	"time"
)

// BreakerState represents the current circuit breaker state.
type BreakerState int

const (
	// BreakerClosed lets calls flow normally while counting failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen blocks calls until the recovery timeout elapses.
	BreakerOpen
	// BreakerHalfOpen admits a limited number of probe calls; success closes
	// the breaker, any failure reopens it.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

const (
	// DefaultFailureThreshold is the consecutive transient failure count that
	// trips a closed breaker.
	DefaultFailureThreshold = 5
	// DefaultRecoveryTimeout is how long an open breaker waits before
	// admitting a probe.
	DefaultRecoveryTimeout = 30 * time.Second

	breakerHalfOpenSuccesses = 1
)

type breakerConfig struct {
	FailureThreshold   int
	RecoveryTimeout    time.Duration
	HalfOpenMaxSuccess int

	now          func() time.Time
	onTransition func(from, to BreakerState)
}

func (c breakerConfig) withDefaults() breakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.HalfOpenMaxSuccess <= 0 {
		c.HalfOpenMaxSuccess = breakerHalfOpenSuccesses
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// breaker is a minimal three-state circuit breaker. All methods are safe
// for concurrent use.
type breaker struct {
	mu sync.Mutex

	cfg breakerConfig

	state     BreakerState
	failures  int // consecutive failures in Closed
	successes int // consecutive successes in HalfOpen
	probes    int // probe calls admitted but not yet reported in HalfOpen
	openedAt  time.Time
}

func newBreaker(cfg breakerConfig) *breaker {
	return &breaker{cfg: cfg.withDefaults(), state: BreakerClosed}
}

// State returns the current state. In Open state it may auto-transition to
// HalfOpen when the recovery timeout has elapsed.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecoveryTimeout()
	return b.state
}

// Allow reports whether a call may proceed. It returns true when the
// breaker is Closed, or HalfOpen with a free probe slot. An admitted
// half-open call reserves its slot until OnSuccess, OnFailure, or OnNeutral
// reports the outcome, so concurrent callers cannot share one probe.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkRecoveryTimeout()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probes+b.successes >= b.cfg.HalfOpenMaxSuccess {
			return false
		}
		b.probes++
		return true
	default:
		return false
	}
}

// OnSuccess records a successful call.
func (b *breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		b.successes++
		if b.successes >= b.cfg.HalfOpenMaxSuccess {
			b.transition(BreakerClosed)
			b.failures = 0
			b.successes = 0
			b.probes = 0
		}
	}
}

// OnNeutral records a call whose outcome carries no health signal. It only
// frees the probe slot the call reserved in HalfOpen.
func (b *breaker) OnNeutral() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// OnFailure records a transient failure. Permanent errors and rejections
// must not reach this method.
func (b *breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.toOpen()
		}
	case BreakerHalfOpen:
		b.toOpen()
	}
}

// checkRecoveryTimeout moves Open to HalfOpen once the recovery timeout has
// elapsed. Must be called with b.mu held.
func (b *breaker) checkRecoveryTimeout() {
	if b.state == BreakerOpen && b.cfg.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.transition(BreakerHalfOpen)
		b.successes = 0
		b.probes = 0
	}
}

func (b *breaker) toOpen() {
	b.transition(BreakerOpen)
	b.openedAt = b.cfg.now()
	b.successes = 0
	b.probes = 0
}

func (b *breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.onTransition != nil {
		b.cfg.onTransition(from, to)
	}
}
