package memo

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goforj/memo/memocore"
)

// scriptedBackend returns queued errors in order, then succeeds. It also
// supports blocking until released to exercise deadlines and backpressure.
type scriptedBackend struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	release chan struct{} // when set, calls block until closed
	values  map[string][]byte
	ttls    map[string]time.Duration
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		values: map[string][]byte{},
		ttls:   map[string]time.Duration{},
	}
}

func (s *scriptedBackend) queue(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
}

func (s *scriptedBackend) next(ctx context.Context) error {
	s.mu.Lock()
	s.calls++
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	release := s.release
	s.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *scriptedBackend) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedBackend) Driver() memocore.Driver { return memocore.DriverMemory }

func (s *scriptedBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.next(ctx); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *scriptedBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.next(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.ttls[key] = ttl
	return nil
}

func (s *scriptedBackend) lastTTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttls[key]
}

func (s *scriptedBackend) Delete(ctx context.Context, key string) error {
	if err := s.next(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *scriptedBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.next(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok, nil
}

func (s *scriptedBackend) Add(ctx context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	if err := s.next(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		return false, nil
	}
	s.values[key] = value
	return true, nil
}

func (s *scriptedBackend) ReleaseToken(ctx context.Context, key string, token []byte) (bool, error) {
	if err := s.next(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok || !bytes.Equal(v, token) {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

func (s *scriptedBackend) Flush(ctx context.Context) error {
	if err := s.next(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.values {
		delete(s.values, k)
	}
	return nil
}

var errConnRefused = errors.New("dial tcp: connection refused")

func TestReliableBackendPassesThrough(t *testing.T) {
	inner := newScriptedBackend()
	r := newReliableBackend(inner, ReliabilityConfig{})
	ctx := context.Background()

	if err := r.Set(ctx, "ns:a:func:f:args:1", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	body, ok, err := r.Get(ctx, "ns:a:func:f:args:1")
	if err != nil || !ok || string(body) != "v" {
		t.Fatalf("get failed: ok=%v err=%v body=%s", ok, err, string(body))
	}
	exists, err := r.Exists(ctx, "ns:a:func:f:args:1")
	if err != nil || !exists {
		t.Fatalf("exists failed: ok=%v err=%v", exists, err)
	}
	if err := r.Delete(ctx, "ns:a:func:f:args:1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if created, err := r.Add(ctx, "lock:ns:a:func:f:args:1", []byte("tok"), time.Second); err != nil || !created {
		t.Fatalf("add failed: created=%v err=%v", created, err)
	}
	if released, err := r.ReleaseToken(ctx, "lock:ns:a:func:f:args:1", []byte("tok")); err != nil || !released {
		t.Fatalf("release failed: released=%v err=%v", released, err)
	}
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if r.Driver() != memocore.DriverMemory {
		t.Fatalf("expected driver passthrough, got %s", r.Driver())
	}
}

func TestReliableBackendOpensCircuitOnTransientErrors(t *testing.T) {
	inner := newScriptedBackend()
	clock := newFakeClock()
	r := newReliableBackend(inner, ReliabilityConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  10 * time.Second,
		now:              clock.Now,
	})
	ctx := context.Background()
	key := "ns:orders:func:f:args:1"

	inner.queue(errConnRefused, errConnRefused, errConnRefused)
	for i := 0; i < 3; i++ {
		if _, _, err := r.Get(ctx, key); err == nil {
			t.Fatalf("expected injected failure %d", i)
		}
	}

	calls := inner.callCount()
	_, _, err := r.Get(ctx, key)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if !IsRejection(err) {
		t.Fatalf("expected rejection classification")
	}
	if inner.callCount() != calls {
		t.Fatalf("expected open circuit to skip the backend")
	}

	// recovery timeout admits a probe; its success closes the circuit
	clock.Advance(11 * time.Second)
	if _, _, err := r.Get(ctx, key); err != nil {
		t.Fatalf("expected probe to pass, got %v", err)
	}
	if _, _, err := r.Get(ctx, key); err != nil {
		t.Fatalf("expected closed circuit after probe, got %v", err)
	}
}

func TestReliableBackendPermanentErrorsDoNotTrip(t *testing.T) {
	inner := newScriptedBackend()
	r := newReliableBackend(inner, ReliabilityConfig{FailureThreshold: 2})
	ctx := context.Background()
	key := "ns:a:func:f:args:1"

	authErr := errors.New("NOAUTH authentication required")
	inner.queue(authErr, authErr, authErr, authErr)
	for i := 0; i < 4; i++ {
		_, _, err := r.Get(ctx, key)
		if !errors.Is(err, authErr) {
			t.Fatalf("expected permanent error surfaced, got %v", err)
		}
		var be *BackendError
		if !errors.As(err, &be) || be.Kind != KindPermanent {
			t.Fatalf("expected permanent classification, got %v", err)
		}
	}
	if _, _, err := r.Get(ctx, key); err != nil {
		t.Fatalf("expected circuit still closed, got %v", err)
	}
}

func TestReliableBackendCellsAreIndependent(t *testing.T) {
	inner := newScriptedBackend()
	r := newReliableBackend(inner, ReliabilityConfig{FailureThreshold: 1})
	ctx := context.Background()

	inner.queue(errConnRefused)
	if _, _, err := r.Get(ctx, "ns:orders:func:f:args:1"); err == nil {
		t.Fatalf("expected injected failure")
	}

	// reads for orders are now rejected
	if _, _, err := r.Get(ctx, "ns:orders:func:f:args:2"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected orders read circuit open, got %v", err)
	}
	// writes for orders use a separate cell
	if err := r.Set(ctx, "ns:orders:func:f:args:1", []byte("v"), 0); err != nil {
		t.Fatalf("expected orders write circuit closed, got %v", err)
	}
	// reads for a different namespace are unaffected
	if _, _, err := r.Get(ctx, "ns:users:func:f:args:1"); err != nil {
		t.Fatalf("expected users read circuit closed, got %v", err)
	}

	states := r.CircuitStates()
	if states["orders/read"] != BreakerOpen {
		t.Fatalf("expected orders/read open, got %s", states["orders/read"])
	}
	if states["orders/write"] != BreakerClosed || states["users/read"] != BreakerClosed {
		t.Fatalf("unexpected states: %v", states)
	}
}

func TestReliableBackendLockKeysShareNamespaceCell(t *testing.T) {
	inner := newScriptedBackend()
	r := newReliableBackend(inner, ReliabilityConfig{FailureThreshold: 1})
	ctx := context.Background()

	inner.queue(errConnRefused)
	if _, err := r.Add(ctx, "lock:ns:orders:func:f:args:1", []byte("tok"), time.Second); err == nil {
		t.Fatalf("expected injected failure")
	}
	if err := r.Set(ctx, "ns:orders:func:f:args:1", []byte("v"), 0); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected shared write cell open, got %v", err)
	}
}

func TestReliableBackendBackpressure(t *testing.T) {
	inner := newScriptedBackend()
	inner.release = make(chan struct{})
	r := newReliableBackend(inner, ReliabilityConfig{
		MaxInFlight:            2,
		DisableAdaptiveTimeout: true,
	})
	ctx := context.Background()

	started := make(chan struct{}, 2)
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			started <- struct{}{}
			_, _, err := r.Get(ctx, "ns:a:func:f:args:1")
			done <- err
		}()
	}
	<-started
	<-started
	for r.InFlight() != 2 {
		time.Sleep(time.Millisecond)
	}

	_, _, err := r.Get(ctx, "ns:a:func:f:args:2")
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected backpressure rejection, got %v", err)
	}
	if !IsRejection(err) {
		t.Fatalf("expected rejection classification")
	}

	close(inner.release)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("expected blocked call to finish, got %v", err)
		}
	}

	// capacity is released once calls drain
	inner.release = nil
	if _, _, err := r.Get(ctx, "ns:a:func:f:args:3"); err != nil {
		t.Fatalf("expected admission after drain, got %v", err)
	}
}

func TestReliableBackendAdaptiveDeadline(t *testing.T) {
	inner := newScriptedBackend()
	inner.release = make(chan struct{})
	r := newReliableBackend(inner, ReliabilityConfig{
		TimeoutBase:    20 * time.Millisecond,
		DisableBreaker: true,
	})
	ctx := context.Background()

	_, _, err := r.Get(ctx, "ns:a:func:f:args:1")
	if !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("expected timeout classified transient")
	}
	close(inner.release)
}

func TestReliableBackendCallerCancellationIsNotTimeout(t *testing.T) {
	inner := newScriptedBackend()
	inner.release = make(chan struct{})
	defer close(inner.release)
	r := newReliableBackend(inner, ReliabilityConfig{
		TimeoutBase:    10 * time.Second,
		DisableBreaker: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, _, err := r.Get(ctx, "ns:a:func:f:args:1")
	if err == nil || errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("expected caller cancellation surfaced unchanged, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReliableBackendDisabledControls(t *testing.T) {
	inner := newScriptedBackend()
	r := newReliableBackend(inner, ReliabilityConfig{
		DisableBreaker:         true,
		DisableAdaptiveTimeout: true,
		DisableBackpressure:    true,
		FailureThreshold:       1,
	})
	ctx := context.Background()
	key := "ns:a:func:f:args:1"

	inner.queue(errConnRefused, errConnRefused, errConnRefused)
	for i := 0; i < 3; i++ {
		if _, _, err := r.Get(ctx, key); err == nil {
			t.Fatalf("expected injected failure %d", i)
		}
	}
	// with the breaker disabled every call reaches the backend
	if _, _, err := r.Get(ctx, key); err != nil {
		t.Fatalf("expected call through disabled breaker, got %v", err)
	}
	if inner.callCount() != 4 {
		t.Fatalf("expected 4 backend calls, got %d", inner.callCount())
	}
}

func TestReliableBackendStateChangeHook(t *testing.T) {
	inner := newScriptedBackend()
	var mu sync.Mutex
	var events []string
	r := newReliableBackend(inner, ReliabilityConfig{
		FailureThreshold: 1,
		OnStateChange: func(namespace, opClass string, from, to BreakerState) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, namespace+"/"+opClass+":"+from.String()+">"+to.String())
		},
	})

	inner.queue(errConnRefused)
	_, _, _ = r.Get(context.Background(), "ns:orders:func:f:args:1")

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0] != "orders/read:closed>open" {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestReliableBackendCapabilityFallback(t *testing.T) {
	r := newReliableBackend(coreOnlyBackend{}, ReliabilityConfig{})
	ctx := context.Background()

	if _, err := r.Add(ctx, "k", nil, 0); !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("expected unsupported add, got %v", err)
	}
	if _, err := r.ReleaseToken(ctx, "k", nil); !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("expected unsupported release, got %v", err)
	}
	if err := r.Flush(ctx); !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("expected unsupported flush, got %v", err)
	}
}

// coreOnlyBackend implements the base contract and nothing else.
type coreOnlyBackend struct{}

func (coreOnlyBackend) Driver() memocore.Driver { return memocore.DriverNull }
func (coreOnlyBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}
func (coreOnlyBackend) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (coreOnlyBackend) Delete(context.Context, string) error                     { return nil }
func (coreOnlyBackend) Exists(context.Context, string) (bool, error)             { return false, nil }

func TestNamespaceOf(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"ns:orders:func:pkg.Fn:args:abc", "orders"},
		{"lock:ns:orders:func:pkg.Fn:args:abc", "orders"},
		{"ns:solo", "solo"},
		{"plainkey", "default"},
		{"", "default"},
		{"ns:", "default"},
	}
	for _, tc := range cases {
		if got := namespaceOf(tc.key); got != tc.want {
			t.Fatalf("namespaceOf(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}
