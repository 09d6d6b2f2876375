package memo

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/goforj/memo/memocore"
)

const defaultMemoryCleanupInterval = time.Minute

// memoryBackend is an in-process second tier for tests and single-process
// deployments that still want the full byte pipeline.
type memoryBackend struct {
	cache      *gocache.Cache
	defaultTTL time.Duration
	mu         sync.Mutex
}

func newMemoryBackend(defaultTTL time.Duration) Backend {
	if defaultTTL <= 0 {
		defaultTTL = defaultBackendTTL
	}
	return &memoryBackend{
		cache:      gocache.New(defaultTTL, defaultMemoryCleanupInterval),
		defaultTTL: defaultTTL,
	}
}

func (b *memoryBackend) Driver() Driver { return DriverMemory }

func (b *memoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	item, ok := b.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	body, ok := item.([]byte)
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(body), true, nil
}

func (b *memoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	b.cache.Set(key, cloneBytes(value), ttl)
	return nil
}

func (b *memoryBackend) Delete(_ context.Context, key string) error {
	b.cache.Delete(key)
	return nil
}

func (b *memoryBackend) Exists(_ context.Context, key string) (bool, error) {
	_, ok := b.cache.Get(key)
	return ok, nil
}

// Add implements memocore.AtomicAdder.
func (b *memoryBackend) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.cache.Add(key, cloneBytes(value), ttl); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReleaseToken implements memocore.TokenReleaser with a read-compare-delete
// under the backend mutex.
func (b *memoryBackend) ReleaseToken(_ context.Context, key string, token []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.cache.Get(key)
	if !ok {
		return false, nil
	}
	body, ok := item.([]byte)
	if !ok || !bytes.Equal(body, token) {
		return false, nil
	}
	b.cache.Delete(key)
	return true, nil
}

// Flush implements memocore.Flusher.
func (b *memoryBackend) Flush(_ context.Context) error {
	b.cache.Flush()
	return nil
}

var (
	_ memocore.AtomicAdder   = (*memoryBackend)(nil)
	_ memocore.TokenReleaser = (*memoryBackend)(nil)
	_ memocore.Flusher       = (*memoryBackend)(nil)
)
