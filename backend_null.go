package memo

import (
	"context"
	"time"

	"github.com/goforj/memo/memocore"
)

// nullBackend discards writes and misses on every read. It is the default
// second tier, leaving the L1 tier as the only cache.
type nullBackend struct{}

func newNullBackend() Backend { return &nullBackend{} }

func (*nullBackend) Driver() Driver { return DriverNull }

func (*nullBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (*nullBackend) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

func (*nullBackend) Delete(context.Context, string) error { return nil }

func (*nullBackend) Exists(context.Context, string) (bool, error) {
	return false, nil
}

// Add always succeeds so single-fill locking degrades to local-only
// coordination when no real second tier is configured.
func (*nullBackend) Add(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (*nullBackend) ReleaseToken(context.Context, string, []byte) (bool, error) {
	return true, nil
}

func (*nullBackend) Flush(context.Context) error { return nil }

var (
	_ memocore.AtomicAdder   = (*nullBackend)(nil)
	_ memocore.TokenReleaser = (*nullBackend)(nil)
	_ memocore.Flusher       = (*nullBackend)(nil)
)
