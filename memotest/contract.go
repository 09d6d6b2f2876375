package memotest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goforj/memo/memocore"
)

// Options configures shared backend contract checks.
type Options struct {
	// CaseName is used to namespace keys. Defaults to t.Name().
	CaseName string
	// NullSemantics enables relaxed expectations for the null backend.
	NullSemantics bool
	// SkipCloneCheck disables the "get returns a cloned value" assertion.
	SkipCloneCheck bool
	// TTL controls the expiry duration used in TTL tests.
	TTL time.Duration
	// TTLWait is how long the harness waits for expiry to occur.
	TTLWait time.Duration
	// SkipFlush disables the flush assertion for backends where it is expensive or unavailable.
	SkipFlush bool
}

// Backend is the minimal contract required by RunBackendContract.
type Backend = memocore.Backend

// RunBackendContract runs a driver-agnostic backend contract suite. Optional
// capabilities (memocore.AtomicAdder, memocore.TokenReleaser, memocore.Flusher)
// are exercised only when the backend implements them.
func RunBackendContract(t *testing.T, backend Backend, opts Options) {
	t.Helper()

	caseName := opts.CaseName
	if caseName == "" {
		caseName = t.Name()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 50 * time.Millisecond
	}
	wait := opts.TTLWait
	if wait <= 0 {
		wait = 120 * time.Millisecond
	}

	ctx := context.Background()
	key := func(s string) string {
		return sanitize(caseName) + ":" + s
	}

	// Set/Get round-trip.
	if err := backend.Set(ctx, key("alpha"), []byte("value"), time.Second); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	body, ok, err := backend.Get(ctx, key("alpha"))
	if err != nil {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if opts.NullSemantics {
		if ok {
			t.Fatalf("expected miss for null semantics")
		}
	} else {
		if !ok || string(body) != "value" {
			t.Fatalf("unexpected get result: ok=%v body=%q err=%v", ok, string(body), err)
		}
		if !opts.SkipCloneCheck {
			body[0] = 'X'
			body2, ok2, err2 := backend.Get(ctx, key("alpha"))
			if err2 != nil || !ok2 || string(body2) != "value" {
				t.Fatalf("expected stored value unchanged, got ok=%v body=%q err=%v", ok2, string(body2), err2)
			}
		}
	}

	// Exists mirrors Get visibility.
	exists, err := backend.Exists(ctx, key("alpha"))
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if exists == opts.NullSemantics {
		t.Fatalf("unexpected exists result: %v", exists)
	}

	// Overwrite replaces the prior value.
	if !opts.NullSemantics {
		if err := backend.Set(ctx, key("alpha"), []byte("value2"), time.Second); err != nil {
			t.Fatalf("overwrite failed: %v", err)
		}
		body, ok, err = backend.Get(ctx, key("alpha"))
		if err != nil || !ok || string(body) != "value2" {
			t.Fatalf("expected overwritten value, got ok=%v body=%q err=%v", ok, string(body), err)
		}
	}

	// TTL expiry.
	if err := backend.Set(ctx, key("ttl"), []byte("v"), ttl); err != nil {
		t.Fatalf("set with ttl failed: %v", err)
	}
	if !opts.NullSemantics {
		if !waitForMiss(ctx, backend, key("ttl"), wait) {
			t.Fatalf("expected key to expire within %v", wait)
		}
	}

	// Delete removes the entry.
	if err := backend.Set(ctx, key("del"), []byte("v"), time.Second); err != nil {
		t.Fatalf("set before delete failed: %v", err)
	}
	if err := backend.Delete(ctx, key("del")); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, err := backend.Get(ctx, key("del")); err != nil || ok {
		t.Fatalf("expected miss after delete, got ok=%v err=%v", ok, err)
	}
	exists, err = backend.Exists(ctx, key("del"))
	if err != nil || exists {
		t.Fatalf("expected absent after delete, got exists=%v err=%v", exists, err)
	}

	// Deleting an absent key is not an error.
	if err := backend.Delete(ctx, key("never-set")); err != nil {
		t.Fatalf("delete of absent key failed: %v", err)
	}

	if adder, ok := backend.(memocore.AtomicAdder); ok {
		runAdderContract(t, ctx, adder, backend, key, opts)
	}
	if releaser, ok := backend.(memocore.TokenReleaser); ok {
		runReleaserContract(t, ctx, releaser, backend, key, opts)
	}
	if flusher, ok := backend.(memocore.Flusher); ok && !opts.SkipFlush {
		runFlusherContract(t, ctx, flusher, backend, key, opts)
	}
}

func runAdderContract(t *testing.T, ctx context.Context, adder memocore.AtomicAdder, backend Backend, key func(string) string, opts Options) {
	t.Helper()

	won, err := adder.Add(ctx, key("add"), []byte("first"), time.Second)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if opts.NullSemantics {
		return
	}
	if !won {
		t.Fatalf("expected add to win on absent key")
	}
	won, err = adder.Add(ctx, key("add"), []byte("second"), time.Second)
	if err != nil {
		t.Fatalf("second add failed: %v", err)
	}
	if won {
		t.Fatalf("expected add to lose on present key")
	}
	body, ok, err := backend.Get(ctx, key("add"))
	if err != nil || !ok || string(body) != "first" {
		t.Fatalf("expected first writer's value, got ok=%v body=%q err=%v", ok, string(body), err)
	}
	if err := backend.Delete(ctx, key("add")); err != nil {
		t.Fatalf("delete after add failed: %v", err)
	}
	won, err = adder.Add(ctx, key("add"), []byte("third"), time.Second)
	if err != nil || !won {
		t.Fatalf("expected add to win again after delete, got won=%v err=%v", won, err)
	}
}

func runReleaserContract(t *testing.T, ctx context.Context, releaser memocore.TokenReleaser, backend Backend, key func(string) string, opts Options) {
	t.Helper()

	if err := backend.Set(ctx, key("rel"), []byte("token-a"), time.Second); err != nil {
		t.Fatalf("set before release failed: %v", err)
	}
	if opts.NullSemantics {
		return
	}
	released, err := releaser.ReleaseToken(ctx, key("rel"), []byte("token-b"))
	if err != nil {
		t.Fatalf("release with wrong token failed: %v", err)
	}
	if released {
		t.Fatalf("expected wrong token to be refused")
	}
	if _, ok, err := backend.Get(ctx, key("rel")); err != nil || !ok {
		t.Fatalf("expected entry to survive wrong-token release, got ok=%v err=%v", ok, err)
	}
	released, err = releaser.ReleaseToken(ctx, key("rel"), []byte("token-a"))
	if err != nil || !released {
		t.Fatalf("expected matching token to release, got released=%v err=%v", released, err)
	}
	if _, ok, err := backend.Get(ctx, key("rel")); err != nil || ok {
		t.Fatalf("expected miss after release, got ok=%v err=%v", ok, err)
	}
	released, err = releaser.ReleaseToken(ctx, key("rel"), []byte("token-a"))
	if err != nil || released {
		t.Fatalf("expected release of absent key to report false, got released=%v err=%v", released, err)
	}
}

func runFlusherContract(t *testing.T, ctx context.Context, flusher memocore.Flusher, backend Backend, key func(string) string, opts Options) {
	t.Helper()

	if err := backend.Set(ctx, key("flush"), []byte("v"), time.Second); err != nil {
		t.Fatalf("set before flush failed: %v", err)
	}
	if err := flusher.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if opts.NullSemantics {
		return
	}
	if _, ok, err := backend.Get(ctx, key("flush")); err != nil || ok {
		t.Fatalf("expected miss after flush, got ok=%v err=%v", ok, err)
	}
}

func waitForMiss(ctx context.Context, backend Backend, key string, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		_, ok, err := backend.Get(ctx, key)
		if err == nil && !ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func sanitize(name string) string {
	replacer := strings.NewReplacer("/", "_", " ", "_", ":", "_")
	return fmt.Sprintf("contract:%s", replacer.Replace(name))
}
