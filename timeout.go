package memo

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTimeoutBase is the floor deadline applied before enough latency
	// samples exist to estimate a percentile.
	DefaultTimeoutBase = 100 * time.Millisecond
	// DefaultTimeoutMultiplier scales the observed p99 latency into a deadline.
	DefaultTimeoutMultiplier = 2.0
	// DefaultTimeoutMax caps the adaptive deadline regardless of observed
	// latency.
	DefaultTimeoutMax = 2 * time.Second

	timeoutWindowSize     = 1000
	timeoutRecomputeEvery = 100
	timeoutMinSamples     = 20
)

// adaptiveTimeout derives a call deadline from a rolling window of observed
// latencies. The deadline is p99 of the window times a multiplier, clamped to
// [base, max], and is recomputed every timeoutRecomputeEvery observations.
type adaptiveTimeout struct {
	mu sync.Mutex

	base       time.Duration
	multiplier float64
	max        time.Duration

	samples []time.Duration
	next    int // ring write position
	filled  bool
	seen    int // observations since last recompute

	current time.Duration
}

func newAdaptiveTimeout(base time.Duration, multiplier float64, max time.Duration) *adaptiveTimeout {
	if base <= 0 {
		base = DefaultTimeoutBase
	}
	if multiplier <= 0 {
		multiplier = DefaultTimeoutMultiplier
	}
	if max <= 0 {
		max = DefaultTimeoutMax
	}
	if max < base {
		max = base
	}
	return &adaptiveTimeout{
		base:       base,
		multiplier: multiplier,
		max:        max,
		samples:    make([]time.Duration, 0, timeoutWindowSize),
		current:    base,
	}
}

// Current returns the deadline to apply to the next call.
func (a *adaptiveTimeout) Current() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Observe records the latency of a completed call. Rejected calls must not be
// observed; they carry no information about backend latency.
func (a *adaptiveTimeout) Observe(latency time.Duration) {
	if latency < 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.filled {
		a.samples[a.next] = latency
		a.next = (a.next + 1) % timeoutWindowSize
	} else {
		a.samples = append(a.samples, latency)
		if len(a.samples) == timeoutWindowSize {
			a.filled = true
		}
	}

	a.seen++
	if a.seen >= timeoutRecomputeEvery {
		a.recompute()
		a.seen = 0
	}
}

// recompute rebuilds the deadline from the window. Must be called with a.mu
// held.
func (a *adaptiveTimeout) recompute() {
	if len(a.samples) < timeoutMinSamples {
		return
	}
	sorted := make([]time.Duration, len(a.samples))
	copy(sorted, a.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (len(sorted)*99 + 99) / 100
	if idx > len(sorted) {
		idx = len(sorted)
	}
	p99 := sorted[idx-1]

	deadline := time.Duration(float64(p99) * a.multiplier)
	if deadline < a.base {
		deadline = a.base
	}
	if deadline > a.max {
		deadline = a.max
	}
	a.current = deadline
}
