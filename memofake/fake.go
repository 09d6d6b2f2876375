package memofake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goforj/memo"
	"github.com/goforj/memo/memocore"
)

// Op identifies a backend operation for assertions.
type Op string

const (
	OpGet     Op = "get"
	OpSet     Op = "set"
	OpAdd     Op = "add"
	OpRelease Op = "release"
	OpDelete  Op = "delete"
	OpExists  Op = "exists"
	OpFlush   Op = "flush"
)

// Fake exposes a deterministic in-memory second tier plus assertion helpers
// for tests. It wraps the memory backend so no external services are needed.
// The bundled Memo uses the Test preset: no distributed lock, no jitter, and
// all reliability protections off, so call counts are exact.
type Fake struct {
	memo    *memo.Memo
	backend *countingBackend
	counts  map[Op]map[string]int
	mu      sync.Mutex
}

// New creates a Fake using an in-memory backend.
func New(opts ...memo.Option) *Fake {
	backend := &countingBackend{inner: memo.NewBackend(context.Background(), memo.Config{Driver: memo.DriverMemory})}
	f := &Fake{
		backend: backend,
		counts:  make(map[Op]map[string]int),
	}
	backend.onCount = f.record
	opts = append([]memo.Option{memo.WithBackend(backend)}, opts...)
	m, err := memo.New(context.Background(), memo.Test(), opts...)
	if err != nil {
		panic("memofake: " + err.Error())
	}
	f.memo = m
	return f
}

// Memo returns the memoizer facade to inject into code under test.
func (f *Fake) Memo() *memo.Memo { return f.memo }

// Backend returns the counting backend for direct seeding or inspection.
func (f *Fake) Backend() memocore.Backend { return f.backend }

// Close releases the bundled memoizer.
func (f *Fake) Close() error { return f.memo.Close() }

// Reset clears recorded counts.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = make(map[Op]map[string]int)
}

// AssertCalled verifies key was touched by op the expected number of times.
func (f *Fake) AssertCalled(t *testing.T, op Op, key string, times int) {
	t.Helper()
	if got := f.Count(op, key); got != times {
		t.Fatalf("expected %s %q called %d times, got %d", op, key, times, got)
	}
}

// AssertNotCalled ensures key was never touched by op.
func (f *Fake) AssertNotCalled(t *testing.T, op Op, key string) {
	t.Helper()
	if got := f.Count(op, key); got != 0 {
		t.Fatalf("expected %s %q not called, got %d", op, key, got)
	}
}

// AssertTotal ensures the total call count for an op matches times.
func (f *Fake) AssertTotal(t *testing.T, op Op, times int) {
	t.Helper()
	if got := f.Total(op); got != times {
		t.Fatalf("expected %s total=%d, got %d", op, times, got)
	}
}

// Count returns calls for op+key.
func (f *Fake) Count(op Op, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[op] == nil {
		return 0
	}
	return f.counts[op][key]
}

// Total returns total calls for an op across keys.
func (f *Fake) Total(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int
	for _, v := range f.counts[op] {
		sum += v
	}
	return sum
}

func (f *Fake) record(op Op, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[op] == nil {
		f.counts[op] = make(map[string]int)
	}
	f.counts[op][key]++
}

// countingBackend wraps a Backend to record calls.
type countingBackend struct {
	inner   memocore.Backend
	onCount func(Op, string)
}

func (b *countingBackend) Driver() memocore.Driver { return b.inner.Driver() }

func (b *countingBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.bump(OpGet, key)
	return b.inner.Get(ctx, key)
}

func (b *countingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.bump(OpSet, key)
	return b.inner.Set(ctx, key, value, ttl)
}

func (b *countingBackend) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.bump(OpAdd, key)
	return b.inner.(memocore.AtomicAdder).Add(ctx, key, value, ttl)
}

func (b *countingBackend) ReleaseToken(ctx context.Context, key string, token []byte) (bool, error) {
	b.bump(OpRelease, key)
	return b.inner.(memocore.TokenReleaser).ReleaseToken(ctx, key, token)
}

func (b *countingBackend) Delete(ctx context.Context, key string) error {
	b.bump(OpDelete, key)
	return b.inner.Delete(ctx, key)
}

func (b *countingBackend) Exists(ctx context.Context, key string) (bool, error) {
	b.bump(OpExists, key)
	return b.inner.Exists(ctx, key)
}

func (b *countingBackend) Flush(ctx context.Context) error {
	b.bump(OpFlush, "")
	return b.inner.(memocore.Flusher).Flush(ctx)
}

func (b *countingBackend) bump(op Op, key string) {
	if b.onCount != nil {
		b.onCount(op, key)
	}
}
