package memo

import (
	"context"
	"time"
)

// Tier labels where a cache operation was served from.
const (
	TierL1     = "l1"
	TierL2     = "l2"
	TierLoader = "loader"
)

// Observer receives an event after each cache operation completes.
type Observer interface {
	OnCacheOp(ctx context.Context, op, key, tier string, hit bool, err error, dur time.Duration)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, op, key, tier string, hit bool, err error, dur time.Duration)

// OnCacheOp implements Observer.
func (f ObserverFunc) OnCacheOp(ctx context.Context, op, key, tier string, hit bool, err error, dur time.Duration) {
	if f == nil {
		return
	}
	f(ctx, op, key, tier, hit, err, dur)
}

// CircuitObserver is an optional Observer capability: circuit transitions.
type CircuitObserver interface {
	OnCircuitTransition(namespace, opClass string, from, to BreakerState)
}

// LockObserver is an optional Observer capability: distributed lock outcomes.
// Outcome is one of "acquired", "timeout", "error".
type LockObserver interface {
	OnLock(key, outcome string, wait time.Duration)
}

// RefreshObserver is an optional Observer capability: background refresh
// outcomes. Outcome is one of "completed", "discarded", "failed", "skipped".
type RefreshObserver interface {
	OnRefresh(key, outcome string, err error)
}

type nopObserver struct{}

func (nopObserver) OnCacheOp(context.Context, string, string, string, bool, error, time.Duration) {}
