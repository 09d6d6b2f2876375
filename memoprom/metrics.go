// Package memoprom exports memoization cache activity as Prometheus metrics.
//
// Wire it in through the observer option:
//
//	collector := memoprom.New(prometheus.DefaultRegisterer)
//	m, err := memo.New(ctx, memo.Production(), memo.WithObserver(collector))
//
// Metrics are labeled by operation, tier, and outcome. Cache keys are never
// used as label values.
package memoprom

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goforj/memo"
)

// Collector implements memo.Observer plus the optional circuit, lock, and
// refresh observer capabilities.
type Collector struct {
	ops          *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	circuitState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	lockOutcomes *prometheus.CounterVec
	lockWait     prometheus.Histogram
	refreshes    *prometheus.CounterVec
}

// New registers the cache metric set with reg and returns the collector.
// Passing nil skips registration, which is useful for tests that only need
// the Observer surface.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memo_cache_ops_total",
			Help: "Cache operations by serving tier and result.",
		}, []string{"op", "tier", "result"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memo_cache_op_duration_seconds",
			Help:    "Cache operation latency by serving tier.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op", "tier"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memo_circuit_state",
			Help: "Circuit breaker state per namespace and operation class (0 closed, 1 half-open, 2 open).",
		}, []string{"namespace", "op_class"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memo_circuit_transitions_total",
			Help: "Circuit breaker transitions per namespace and operation class.",
		}, []string{"namespace", "op_class", "to"}),
		lockOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memo_fill_lock_outcomes_total",
			Help: "Distributed fill lock attempts by outcome.",
		}, []string{"outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "memo_fill_lock_wait_seconds",
			Help:    "Time spent waiting for the distributed fill lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memo_refresh_outcomes_total",
			Help: "Background refresh attempts by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(c.ops, c.opDuration, c.circuitState, c.transitions, c.lockOutcomes, c.lockWait, c.refreshes)
	}
	return c
}

// OnCacheOp implements memo.Observer.
func (c *Collector) OnCacheOp(_ context.Context, op, _ string, tier string, hit bool, err error, dur time.Duration) {
	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case hit:
		result = "hit"
	}
	c.ops.WithLabelValues(op, tier, result).Inc()
	c.opDuration.WithLabelValues(op, tier).Observe(dur.Seconds())
}

// OnCircuitTransition implements memo.CircuitObserver.
func (c *Collector) OnCircuitTransition(namespace, opClass string, _, to memo.BreakerState) {
	c.circuitState.WithLabelValues(namespace, opClass).Set(stateValue(to))
	c.transitions.WithLabelValues(namespace, opClass, to.String()).Inc()
}

// OnLock implements memo.LockObserver.
func (c *Collector) OnLock(_ string, outcome string, wait time.Duration) {
	c.lockOutcomes.WithLabelValues(outcome).Inc()
	c.lockWait.Observe(wait.Seconds())
}

// OnRefresh implements memo.RefreshObserver.
func (c *Collector) OnRefresh(_ string, outcome string, _ error) {
	c.refreshes.WithLabelValues(outcome).Inc()
}

func stateValue(s memo.BreakerState) float64 {
	switch s {
	case memo.BreakerOpen:
		return 2
	case memo.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}
