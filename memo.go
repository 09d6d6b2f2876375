package memo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Memo is the orchestrator: one per process and backend, shared by every
// wrapped function. Construction wires the tiers together but touches no
// network until the first call.
type Memo struct {
	cfg       Config
	l1        *L1
	backend   *reliableBackend
	handler   *handler
	keygen    KeyGenerator
	bus       Bus
	sourceID  string
	busCancel context.CancelFunc
	closed    atomic.Bool
}

// New builds an orchestrator from cfg with opts applied on top. The context
// covers backend construction only, not the instance lifetime.
func New(ctx context.Context, cfg Config, opts ...Option) (*Memo, error) {
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var encryptor *Encryptor
	if len(cfg.MasterKey) > 0 {
		var err error
		encryptor, err = NewEncryptor(cfg.MasterKey, WithRetiredKeys(cfg.RetiredKeys...))
		if err != nil {
			return nil, err
		}
	}

	inner := cfg.Backend
	if inner == nil {
		inner = NewBackend(ctx, cfg)
	}
	relCfg := cfg.Reliability
	if relCfg.OnStateChange == nil {
		if co, ok := cfg.Observer.(CircuitObserver); ok {
			relCfg.OnStateChange = co.OnCircuitTransition
		}
	}
	backend := newReliableBackend(inner, relCfg)

	var l1 *L1
	if !cfg.DisableL1 {
		l1 = NewL1(L1Config{
			MaxBytes:       cfg.L1MaxBytes,
			SWRRatio:       cfg.SWRRatio,
			SWRJitter:      cfg.SWRJitter,
			NamespaceIndex: cfg.NamespaceIndex,
			now:            cfg.now,
		})
	}

	h := &handler{
		l1:      l1,
		backend: backend,
		lock:    newFillLock(backend, cfg.Lock),
		codec: &EnvelopeCodec{
			MaxUncompressedSize: cfg.MaxUncompressedSize,
			MaxCompressionRatio: cfg.MaxCompressionRatio,
			DisableCompression:  cfg.DisableCompression || serializerSkipsCompression(cfg.Serializer),
		},
		encryptor:  encryptor,
		fallback:   cfg.Fallback,
		disableSWR: cfg.DisableSWR,
		refreshSem: make(chan struct{}, cfg.RefreshWorkers),
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		now:        cfg.now,
	}

	m := &Memo{
		cfg:      cfg,
		l1:       l1,
		backend:  backend,
		handler:  h,
		bus:      cfg.Bus,
		sourceID: uuid.NewString(),
	}

	if m.bus != nil && l1 != nil {
		busCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		if err := m.bus.Subscribe(busCtx, m.applyEvent); err != nil {
			cancel()
			return nil, fmt.Errorf("memo: bus subscribe: %w", err)
		}
		m.busCancel = cancel
	}
	return m, nil
}

// applyEvent performs the first-tier invalidation a remote process asked for.
// Events published by this process already ran locally and are skipped.
func (m *Memo) applyEvent(event Event) {
	if event.SourceID == m.sourceID {
		return
	}
	switch event.Kind {
	case EventKey:
		m.l1.Invalidate(event.Target)
	case EventNamespace:
		m.l1.InvalidateNamespace(event.Target)
	case EventAll:
		m.l1.InvalidateAll()
	}
}

// Invalidate removes one composite key from both tiers and announces the
// removal on the bus.
func (m *Memo) Invalidate(ctx context.Context, key string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.l1 != nil {
		m.l1.Invalidate(key)
	}
	err := m.backend.Delete(ctx, key)
	m.publish(ctx, Event{Kind: EventKey, Target: key, SourceID: m.sourceID})
	return err
}

// InvalidateNamespace removes every first-tier key in a namespace, here and
// in every subscribed process. Second-tier entries age out through their TTL.
func (m *Memo) InvalidateNamespace(ctx context.Context, namespace string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.l1 != nil {
		m.l1.InvalidateNamespace(namespace)
	}
	m.publish(ctx, Event{Kind: EventNamespace, Target: namespace, SourceID: m.sourceID})
	return nil
}

// InvalidateAll empties the first tier everywhere and flushes the second tier
// when the backend supports it.
func (m *Memo) InvalidateAll(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.l1 != nil {
		m.l1.InvalidateAll()
	}
	err := m.backend.Flush(ctx)
	if errors.Is(err, errors.ErrUnsupported) {
		err = nil
	}
	m.publish(ctx, Event{Kind: EventAll, SourceID: m.sourceID})
	return err
}

func (m *Memo) publish(ctx context.Context, event Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, event); err != nil {
		m.cfg.Logger.Warn("invalidation publish failed", "kind", event.Kind, "target", event.Target, "error", err)
	}
}

// Close drains background refreshes and stops the bus subscription. The
// instance rejects further calls with ErrClosed.
func (m *Memo) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.handler.close()
	if m.busCancel != nil {
		m.busCancel()
	}
	if m.bus != nil {
		return m.bus.Close()
	}
	return nil
}

// Health reports backend reachability and the current protection state.
type Health struct {
	BackendOK  bool
	BackendErr error
	Circuits   map[string]BreakerState
	InFlight   int64
}

// CheckHealth probes the second tier with a cheap existence check and
// snapshots the circuit cells.
func (m *Memo) CheckHealth(ctx context.Context) Health {
	h := Health{
		Circuits: m.backend.CircuitStates(),
		InFlight: m.backend.InFlight(),
	}
	_, err := m.backend.Exists(ctx, m.cfg.Prefix+":healthz")
	h.BackendOK = err == nil
	h.BackendErr = err
	return h
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	L1Hits      uint64
	L1Misses    uint64
	L1Evictions uint64
	L1Entries   int
	L1SizeBytes int64

	RefreshCompleted uint64
	RefreshSkipped   uint64
	RefreshDiscarded uint64
	RefreshFailed    uint64
}

// Stats snapshots the first-tier and refresh counters.
func (m *Memo) Stats() Stats {
	var s Stats
	if m.l1 != nil {
		s.L1Hits, s.L1Misses, s.L1Evictions = m.l1.Counters()
		s.L1Entries = m.l1.Len()
		s.L1SizeBytes = m.l1.SizeBytes()
	}
	s.RefreshCompleted, s.RefreshSkipped, s.RefreshDiscarded, s.RefreshFailed = m.handler.refreshCounts()
	return s
}

// wrapConfig is the per-function policy layered over the instance defaults.
type wrapConfig struct {
	ttl        time.Duration
	namespace  string
	serializer Serializer
}

// WrapOption adjusts one wrapped function without touching the instance.
type WrapOption func(*wrapConfig)

// WrapTTL overrides the instance default TTL for this function.
func WrapTTL(ttl time.Duration) WrapOption {
	return func(w *wrapConfig) { w.ttl = ttl }
}

// WrapNamespace places this function's keys in their own invalidation scope.
func WrapNamespace(namespace string) WrapOption {
	return func(w *wrapConfig) { w.namespace = namespace }
}

// WrapSerializer overrides the value serialization strategy for this function.
func WrapSerializer(s Serializer) WrapOption {
	return func(w *wrapConfig) { w.serializer = s }
}

// Fn is a memoized function of positional arguments.
type Fn[T any] struct {
	m       *Memo
	id      string
	cfg     wrapConfig
	compute func(ctx context.Context, args ...any) (T, error)
}

// Wrap binds compute to a stable identity string. Equal (fnID, args) pairs
// share one cache entry across processes and runs.
func Wrap[T any](m *Memo, fnID string, compute func(ctx context.Context, args ...any) (T, error), opts ...WrapOption) *Fn[T] {
	return &Fn[T]{m: m, id: fnID, cfg: m.wrapConfig(opts), compute: compute}
}

func (m *Memo) wrapConfig(opts []WrapOption) wrapConfig {
	cfg := wrapConfig{
		ttl:        m.cfg.DefaultTTL,
		namespace:  m.cfg.Namespace,
		serializer: m.cfg.Serializer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ttl <= 0 {
		cfg.ttl = m.cfg.DefaultTTL
	}
	return cfg
}

// Call returns the cached value for args, computing and storing it on a miss.
func (f *Fn[T]) Call(ctx context.Context, args ...any) (T, error) {
	return call(ctx, f.m, f.id, f.cfg, args, nil, func(ctx context.Context) (T, error) {
		return f.compute(ctx, args...)
	})
}

// Key returns the composite cache key Call would use for args.
func (f *Fn[T]) Key(args ...any) (string, error) {
	return f.m.keygen.Key(f.id, args, nil, f.cfg.namespace)
}

// Invalidate removes the cached entry for args from both tiers.
func (f *Fn[T]) Invalidate(ctx context.Context, args ...any) error {
	key, err := f.Key(args...)
	if err != nil {
		return err
	}
	return f.m.Invalidate(ctx, key)
}

// KWFn is a memoized function of positional and keyword arguments.
type KWFn[T any] struct {
	m       *Memo
	id      string
	cfg     wrapConfig
	compute func(ctx context.Context, args []any, kwargs map[string]any) (T, error)
}

// WrapKW is Wrap for computations keyed by positional and named arguments.
func WrapKW[T any](m *Memo, fnID string, compute func(ctx context.Context, args []any, kwargs map[string]any) (T, error), opts ...WrapOption) *KWFn[T] {
	return &KWFn[T]{m: m, id: fnID, cfg: m.wrapConfig(opts), compute: compute}
}

// Call returns the cached value for (args, kwargs), computing it on a miss.
func (f *KWFn[T]) Call(ctx context.Context, args []any, kwargs map[string]any) (T, error) {
	return call(ctx, f.m, f.id, f.cfg, args, kwargs, func(ctx context.Context) (T, error) {
		return f.compute(ctx, args, kwargs)
	})
}

// Key returns the composite cache key Call would use for (args, kwargs).
func (f *KWFn[T]) Key(args []any, kwargs map[string]any) (string, error) {
	return f.m.keygen.Key(f.id, args, kwargs, f.cfg.namespace)
}

// Invalidate removes the cached entry for (args, kwargs) from both tiers.
func (f *KWFn[T]) Invalidate(ctx context.Context, args []any, kwargs map[string]any) error {
	key, err := f.Key(args, kwargs)
	if err != nil {
		return err
	}
	return f.m.Invalidate(ctx, key)
}

func call[T any](ctx context.Context, m *Memo, fnID string, cfg wrapConfig, args []any, kwargs map[string]any, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	if m.closed.Load() {
		return zero, ErrClosed
	}
	key, err := m.keygen.Key(fnID, args, kwargs, cfg.namespace)
	if err != nil {
		return zero, err
	}

	spec := callSpec{
		key:         key,
		namespace:   cfg.namespace,
		ttl:         cfg.ttl,
		serializer:  cfg.serializer,
		decodePlain: decodeTyped[T](cfg.serializer),
	}
	value, err := m.handler.readOrFill(ctx, spec, func(ctx context.Context) (any, error) {
		return compute(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		if value == nil {
			return zero, nil
		}
		return zero, fmt.Errorf("%w: cached value is %T", ErrSerializerMismatch, value)
	}
	return typed, nil
}

// decodeTyped decodes envelope plaintext straight into T when the serializer
// can, so callers get concrete structs back instead of generic maps.
func decodeTyped[T any](s Serializer) func(plain []byte) (any, error) {
	td, ok := s.(TypedDecoder)
	if !ok {
		return nil
	}
	return func(plain []byte) (any, error) {
		var dst T
		if err := td.DecodeInto(plain, &dst); err != nil {
			return nil, err
		}
		return dst, nil
	}
}
