package memo

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goforj/memo/memocore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestL1(cfg L1Config, clock *fakeClock) *L1 {
	cfg.SWRJitter = -1
	cfg.now = clock.Now
	return NewL1(cfg)
}

func TestL1HitFreshStale(t *testing.T) {
	clock := newFakeClock()
	l1 := newTestL1(L1Config{SWRRatio: 0.5}, clock)

	l1.Put("k", []byte("v"), 10*time.Second, "ns")

	body, freshness, version := l1.Get("k")
	if string(body) != "v" || freshness != memocore.FreshnessFresh || version != 1 {
		t.Fatalf("expected fresh v1 hit, got %q %v v%d", body, freshness, version)
	}

	clock.Advance(6 * time.Second)
	_, freshness, _ = l1.Get("k")
	if freshness != memocore.FreshnessStale {
		t.Fatalf("expected stale at 60%% of ttl, got %v", freshness)
	}

	clock.Advance(5 * time.Second)
	if _, freshness, _ = l1.Get("k"); freshness != memocore.FreshnessMiss {
		t.Fatalf("expected miss after expiry, got %v", freshness)
	}
	if l1.Len() != 0 {
		t.Fatalf("expired entry must be removed on read")
	}
}

func TestL1VersionBumpsOnPut(t *testing.T) {
	clock := newFakeClock()
	l1 := newTestL1(L1Config{}, clock)

	if v := l1.Put("k", []byte("a"), time.Minute, ""); v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}
	if v := l1.Put("k", []byte("b"), time.Minute, ""); v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}
	body, _, version := l1.Get("k")
	if string(body) != "b" || version != 2 {
		t.Fatalf("expected latest write, got %q v%d", body, version)
	}
}

func TestL1MarkRefreshingSingleWinner(t *testing.T) {
	clock := newFakeClock()
	l1 := newTestL1(L1Config{}, clock)
	l1.Put("k", []byte("v"), time.Minute, "")

	if !l1.MarkRefreshing("k", 1) {
		t.Fatalf("first refresher must win")
	}
	if l1.MarkRefreshing("k", 1) {
		t.Fatalf("second refresher must lose while first is active")
	}
	l1.AbortRefresh("k")
	if !l1.MarkRefreshing("k", 1) {
		t.Fatalf("refresher must win again after abort")
	}
}

func TestL1MarkRefreshingVersionGuard(t *testing.T) {
	clock := newFakeClock()
	l1 := newTestL1(L1Config{}, clock)
	l1.Put("k", []byte("v"), time.Minute, "")
	l1.Put("k", []byte("w"), time.Minute, "")

	if l1.MarkRefreshing("k", 1) {
		t.Fatalf("stale version must not be admitted")
	}
	if !l1.MarkRefreshing("k", 2) {
		t.Fatalf("current version must be admitted")
	}
	if l1.MarkRefreshing("missing", 1) {
		t.Fatalf("missing key must not be admitted")
	}
}

func TestL1CompleteRefreshDiscardsOnNewerWrite(t *testing.T) {
	clock := newFakeClock()
	l1 := newTestL1(L1Config{}, clock)
	l1.Put("k", []byte("old"), time.Minute, "")

	if !l1.MarkRefreshing("k", 1) {
		t.Fatalf("mark refreshing failed")
	}
	// A direct write lands while the refresh is in flight.
	l1.Put("k", []byte("direct"), time.Minute, "")

	if l1.CompleteRefresh("k", 1, []byte("refreshed"), time.Minute, "") {
		t.Fatalf("refresh result must be discarded after a newer write")
	}
	body, _, _ := l1.Get("k")
	if string(body) != "direct" {
		t.Fatalf("newer write must survive, got %q", body)
	}
}

func TestL1CompleteRefreshInstallsResult(t *testing.T) {
	clock := newFakeClock()
	l1 := newTestL1(L1Config{}, clock)
	l1.Put("k", []byte("old"), time.Minute, "")

	if !l1.MarkRefreshing("k", 1) {
		t.Fatalf("mark refreshing failed")
	}
	if !l1.CompleteRefresh("k", 1, []byte("new"), time.Minute, "") {
		t.Fatalf("refresh result must install when version matches")
	}
	body, _, version := l1.Get("k")
	if string(body) != "new" || version != 2 {
		t.Fatalf("expected installed refresh v2, got %q v%d", body, version)
	}
}

func TestL1CompleteRefreshKeepsExpiry(t *testing.T) {
	clock := newFakeClock()
	l1 := newTestL1(L1Config{}, clock)
	l1.Put("k", []byte("old"), time.Minute, "")
	wantExpiry, ok := l1.ExpiresAt("k")
	if !ok {
		t.Fatalf("entry missing after put")
	}

	clock.Advance(50 * time.Second)
	if !l1.MarkRefreshing("k", 1) {
		t.Fatalf("mark refreshing failed")
	}
	if !l1.CompleteRefresh("k", 1, []byte("new"), time.Minute, "") {
		t.Fatalf("refresh result must install")
	}

	gotExpiry, ok := l1.ExpiresAt("k")
	if !ok || !gotExpiry.Equal(wantExpiry) {
		t.Fatalf("refresh must not move expiry: want %v, got %v", wantExpiry, gotExpiry)
	}
	body, freshness, _ := l1.Get("k")
	if string(body) != "new" || freshness != memocore.FreshnessFresh {
		t.Fatalf("expected fresh refreshed body, got %q %v", body, freshness)
	}

	// 61 seconds after the original write the entry is gone, refresh or not.
	clock.Advance(11 * time.Second)
	if _, freshness, _ = l1.Get("k"); freshness != memocore.FreshnessMiss {
		t.Fatalf("expected expiry at the original deadline, got %v", freshness)
	}
}

func TestL1ByteBudgetEviction(t *testing.T) {
	clock := newFakeClock()
	budget := int64(19 * (1024 + l1EntryOverhead + 3))
	l1 := newTestL1(L1Config{MaxBytes: budget}, clock)

	body := make([]byte, 1024)
	for i := 0; i < 20; i++ {
		l1.Put(fmt.Sprintf("k%02d", i), body, time.Minute, "")
	}
	if l1.SizeBytes() > budget {
		t.Fatalf("size %d exceeds budget %d", l1.SizeBytes(), budget)
	}
	// Eviction drains below the low-water mark, not just under budget.
	if l1.SizeBytes() > int64(float64(budget)*l1LowWater) {
		t.Fatalf("size %d above low-water mark", l1.SizeBytes())
	}

	// Recently used keys survive, the oldest are gone.
	if _, freshness, _ := l1.Get("k19"); freshness == memocore.FreshnessMiss {
		t.Fatalf("most recent entry was evicted")
	}
	if _, freshness, _ := l1.Get("k00"); freshness != memocore.FreshnessMiss {
		t.Fatalf("oldest entry survived eviction")
	}
	if _, _, evictions := l1.Counters(); evictions == 0 {
		t.Fatalf("expected eviction counter to advance")
	}
}

func TestL1LRUOrderRespectsReads(t *testing.T) {
	clock := newFakeClock()
	budget := int64(3 * (100 + l1EntryOverhead + 2))
	l1 := newTestL1(L1Config{MaxBytes: budget}, clock)

	body := make([]byte, 100)
	l1.Put("a", body, time.Minute, "")
	l1.Put("b", body, time.Minute, "")
	l1.Put("c", body, time.Minute, "")
	l1.Get("a") // a becomes MRU

	l1.Put("d", body, time.Minute, "")
	l1.Put("e", body, time.Minute, "")

	if _, f, _ := l1.Get("a"); f == memocore.FreshnessMiss {
		t.Fatalf("recently read entry was evicted")
	}
	if _, f, _ := l1.Get("b"); f != memocore.FreshnessMiss {
		t.Fatalf("least recently used entry survived")
	}
}

func TestL1NamespaceInvalidation(t *testing.T) {
	for _, indexed := range []bool{true, false} {
		clock := newFakeClock()
		l1 := newTestL1(L1Config{NamespaceIndex: indexed}, clock)

		l1.Put("a1", []byte("x"), time.Minute, "alpha")
		l1.Put("a2", []byte("x"), time.Minute, "alpha")
		l1.Put("b1", []byte("x"), time.Minute, "beta")

		l1.InvalidateNamespace("alpha")

		if _, f, _ := l1.Get("a1"); f != memocore.FreshnessMiss {
			t.Fatalf("indexed=%v: alpha entry survived", indexed)
		}
		if _, f, _ := l1.Get("a2"); f != memocore.FreshnessMiss {
			t.Fatalf("indexed=%v: alpha entry survived", indexed)
		}
		if _, f, _ := l1.Get("b1"); f == memocore.FreshnessMiss {
			t.Fatalf("indexed=%v: beta entry was removed", indexed)
		}
	}
}

func TestL1InvalidateAll(t *testing.T) {
	clock := newFakeClock()
	l1 := newTestL1(L1Config{}, clock)
	l1.Put("a", []byte("x"), time.Minute, "")
	l1.Put("b", []byte("x"), time.Minute, "")

	l1.InvalidateAll()
	if l1.Len() != 0 || l1.SizeBytes() != 0 {
		t.Fatalf("expected empty tier, got %d entries %d bytes", l1.Len(), l1.SizeBytes())
	}
}

func TestL1CloneDiscipline(t *testing.T) {
	clock := newFakeClock()
	l1 := newTestL1(L1Config{}, clock)

	src := []byte("mutable")
	l1.Put("k", src, time.Minute, "")
	src[0] = 'X'

	body, _, _ := l1.Get("k")
	if string(body) != "mutable" {
		t.Fatalf("stored bytes aliased caller slice")
	}
	body[0] = 'Y'
	again, _, _ := l1.Get("k")
	if string(again) != "mutable" {
		t.Fatalf("returned bytes aliased stored slice")
	}
}

func TestL1ConcurrentAccess(t *testing.T) {
	clock := newFakeClock()
	l1 := newTestL1(L1Config{}, clock)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%10)
				l1.Put(key, []byte("v"), time.Minute, "ns")
				l1.Get(key)
				if i%50 == 0 {
					l1.Invalidate(key)
				}
			}
		}(g)
	}
	wg.Wait()
}
