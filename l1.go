package memo

import (
	"container/list"
	"math/rand"
	"sync"
	"time"

	"github.com/goforj/memo/memocore"
)

const (
	// DefaultL1MaxBytes is the per-process first-tier byte budget.
	DefaultL1MaxBytes = 100 << 20
	// DefaultSWRRatio is the fraction of the TTL after which an entry turns
	// stale and becomes eligible for background refresh.
	DefaultSWRRatio = 0.8
	// DefaultSWRJitter spreads fresh windows by this fraction either way so
	// co-written entries do not all go stale in the same instant.
	DefaultSWRJitter = 0.10

	// Eviction drains to this fraction of the budget, not just under it.
	l1LowWater = 0.7

	// Fixed per-entry overhead charged against the byte budget.
	l1EntryOverhead = 96
)

// L1Config tunes the first-tier store.
//
// The tier holds envelope bytes exactly as written to the second tier
// (ciphertext when encryption is on), so invalidation and tamper checks see
// identical bytes in both tiers.
type L1Config struct {
	// MaxBytes is the byte budget. Zero means DefaultL1MaxBytes.
	MaxBytes int64
	// SWRRatio is the stale threshold as a fraction of TTL, (0, 1].
	// Zero means DefaultSWRRatio.
	SWRRatio float64
	// SWRJitter widens the fresh window by ±(jitter × window). Zero means
	// DefaultSWRJitter; negative disables jitter.
	SWRJitter float64
	// NamespaceIndex maintains a namespace → keys index so namespace
	// invalidation is O(|namespace|) instead of O(|cache|).
	NamespaceIndex bool

	now  func() time.Time
	rand *rand.Rand
}

// L1 is the in-process tier: a byte-bounded LRU map with per-entry TTL,
// freshness windows, versions, and a refresh admission flag. All operations
// are O(1) amortized behind one mutex; eviction is O(victims).
type L1 struct {
	mu    sync.Mutex
	cfg   L1Config
	items map[string]*list.Element
	lru   *list.List // front = most recent
	size  int64
	nsIdx map[string]map[string]struct{}

	hits      uint64
	misses    uint64
	evictions uint64
}

type l1Entry struct {
	key        string
	namespace  string
	body       []byte
	expiresAt  time.Time
	freshUntil time.Time
	version    uint64
	refreshing bool
}

// NewL1 builds a first-tier store.
func NewL1(cfg L1Config) *L1 {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultL1MaxBytes
	}
	if cfg.SWRRatio <= 0 || cfg.SWRRatio > 1 {
		cfg.SWRRatio = DefaultSWRRatio
	}
	if cfg.SWRJitter == 0 {
		cfg.SWRJitter = DefaultSWRJitter
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.rand == nil {
		cfg.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &L1{
		cfg:   cfg,
		items: make(map[string]*list.Element),
		lru:   list.New(),
		nsIdx: make(map[string]map[string]struct{}),
	}
}

// Get returns the entry bytes, its freshness, and its version. Expired
// entries are removed and reported as a miss. A hit marks the entry MRU.
func (l *L1) Get(key string) ([]byte, memocore.Freshness, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if !ok {
		l.misses++
		return nil, memocore.FreshnessMiss, 0
	}
	entry := elem.Value.(*l1Entry)
	now := l.cfg.now()
	if now.After(entry.expiresAt) {
		l.removeLocked(elem)
		l.misses++
		return nil, memocore.FreshnessMiss, 0
	}

	l.lru.MoveToFront(elem)
	l.hits++
	freshness := memocore.FreshnessFresh
	if now.After(entry.freshUntil) {
		freshness = memocore.FreshnessStale
	}
	return cloneBytes(entry.body), freshness, entry.version
}

// Put stores body under key, evicting LRU victims until the budget fits.
// It returns the entry's new version.
func (l *L1) Put(key string, body []byte, ttl time.Duration, namespace string) uint64 {
	if ttl <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.putLocked(key, body, ttl, namespace)
}

func (l *L1) putLocked(key string, body []byte, ttl time.Duration, namespace string) uint64 {
	now := l.cfg.now()
	entry := &l1Entry{
		key:        key,
		namespace:  namespace,
		body:       cloneBytes(body),
		expiresAt:  now.Add(ttl),
		freshUntil: now.Add(l.freshWindow(ttl)),
		version:    1,
	}

	if elem, ok := l.items[key]; ok {
		prev := elem.Value.(*l1Entry)
		entry.version = prev.version + 1
		l.size -= entrySize(prev)
		l.dropFromIndex(prev)
		elem.Value = entry
		l.lru.MoveToFront(elem)
	} else {
		elem := l.lru.PushFront(entry)
		l.items[key] = elem
	}
	l.size += entrySize(entry)
	l.addToIndex(entry)
	l.evictLocked()
	return entry.version
}

// MarkRefreshing admits exactly one refresher per (key, version). It fails
// when the entry is gone, already refreshing, or has moved past version.
func (l *L1) MarkRefreshing(key string, version uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if !ok {
		return false
	}
	entry := elem.Value.(*l1Entry)
	if entry.refreshing || entry.version != version {
		return false
	}
	entry.refreshing = true
	return true
}

// CompleteRefresh installs a refresh result if the entry still carries the
// version captured at MarkRefreshing. The entry's expiry is untouched: a
// refresh replaces content, not lifetime. A lost race clears the refresh
// flag and discards the result.
func (l *L1) CompleteRefresh(key string, version uint64, body []byte, ttl time.Duration, namespace string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if !ok {
		return false
	}
	entry := elem.Value.(*l1Entry)
	entry.refreshing = false
	if entry.version != version {
		return false
	}

	fresh := l.cfg.now().Add(l.freshWindow(ttl))
	if fresh.After(entry.expiresAt) {
		fresh = entry.expiresAt
	}
	next := &l1Entry{
		key:        key,
		namespace:  namespace,
		body:       cloneBytes(body),
		expiresAt:  entry.expiresAt,
		freshUntil: fresh,
		version:    entry.version + 1,
	}
	l.size -= entrySize(entry)
	l.dropFromIndex(entry)
	elem.Value = next
	l.lru.MoveToFront(elem)
	l.size += entrySize(next)
	l.addToIndex(next)
	l.evictLocked()
	return true
}

// ExpiresAt reports the entry's fixed expiry deadline.
func (l *L1) ExpiresAt(key string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.items[key]; ok {
		return elem.Value.(*l1Entry).expiresAt, true
	}
	return time.Time{}, false
}

// AbortRefresh clears the refresh flag after a failed background fill so a
// later stale read can try again.
func (l *L1) AbortRefresh(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.items[key]; ok {
		elem.Value.(*l1Entry).refreshing = false
	}
}

// Invalidate removes one key.
func (l *L1) Invalidate(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.items[key]; ok {
		l.removeLocked(elem)
	}
}

// InvalidateNamespace removes every key in a namespace. With the namespace
// index enabled this is O(|namespace|); without it the whole tier is walked.
func (l *L1) InvalidateNamespace(namespace string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.NamespaceIndex {
		for key := range l.nsIdx[namespace] {
			if elem, ok := l.items[key]; ok {
				l.removeLocked(elem)
			}
		}
		delete(l.nsIdx, namespace)
		return
	}
	for _, elem := range l.items {
		if elem.Value.(*l1Entry).namespace == namespace {
			l.removeLocked(elem)
		}
	}
}

// InvalidateAll empties the tier.
func (l *L1) InvalidateAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = make(map[string]*list.Element)
	l.lru.Init()
	l.nsIdx = make(map[string]map[string]struct{})
	l.size = 0
}

// Len returns the live entry count.
func (l *L1) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// SizeBytes returns the budgeted size of all live entries.
func (l *L1) SizeBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Counters returns cumulative hits, misses, and evictions.
func (l *L1) Counters() (hits, misses, evictions uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hits, l.misses, l.evictions
}

func (l *L1) freshWindow(ttl time.Duration) time.Duration {
	window := time.Duration(float64(ttl) * l.cfg.SWRRatio)
	if l.cfg.SWRJitter > 0 {
		spread := (l.cfg.rand.Float64()*2 - 1) * l.cfg.SWRJitter
		window = time.Duration(float64(window) * (1 + spread))
	}
	if window > ttl {
		window = ttl
	}
	return window
}

func (l *L1) evictLocked() {
	if l.size <= l.cfg.MaxBytes {
		return
	}
	target := int64(float64(l.cfg.MaxBytes) * l1LowWater)
	for l.size > target {
		back := l.lru.Back()
		if back == nil {
			return
		}
		l.removeLocked(back)
		l.evictions++
	}
}

func (l *L1) removeLocked(elem *list.Element) {
	entry := elem.Value.(*l1Entry)
	l.lru.Remove(elem)
	delete(l.items, entry.key)
	l.dropFromIndex(entry)
	l.size -= entrySize(entry)
}

func (l *L1) addToIndex(entry *l1Entry) {
	if !l.cfg.NamespaceIndex || entry.namespace == "" {
		return
	}
	keys, ok := l.nsIdx[entry.namespace]
	if !ok {
		keys = make(map[string]struct{})
		l.nsIdx[entry.namespace] = keys
	}
	keys[entry.key] = struct{}{}
}

func (l *L1) dropFromIndex(entry *l1Entry) {
	if !l.cfg.NamespaceIndex || entry.namespace == "" {
		return
	}
	if keys, ok := l.nsIdx[entry.namespace]; ok {
		delete(keys, entry.key)
		if len(keys) == 0 {
			delete(l.nsIdx, entry.namespace)
		}
	}
}

func entrySize(e *l1Entry) int64 {
	return int64(len(e.key) + len(e.body) + l1EntryOverhead)
}
