package memo

import (
	"context"
	"time"

	"github.com/goforj/memo/memocore"
)

// errorBackend is returned when a driver fails to initialize; it preserves
// the driver identity while surfacing the construction error on every call.
type errorBackend struct {
	driver Driver
	err    error
}

func newErrorBackend(driver Driver, err error) Backend {
	return &errorBackend{driver: driver, err: err}
}

func (e *errorBackend) Driver() Driver { return e.driver }

func (e *errorBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, e.err
}

func (e *errorBackend) Set(context.Context, string, []byte, time.Duration) error {
	return e.err
}

func (e *errorBackend) Delete(context.Context, string) error { return e.err }

func (e *errorBackend) Exists(context.Context, string) (bool, error) {
	return false, e.err
}

func (e *errorBackend) Add(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, e.err
}

func (e *errorBackend) ReleaseToken(context.Context, string, []byte) (bool, error) {
	return false, e.err
}

func (e *errorBackend) Flush(context.Context) error { return e.err }

var (
	_ memocore.AtomicAdder   = (*errorBackend)(nil)
	_ memocore.TokenReleaser = (*errorBackend)(nil)
	_ memocore.Flusher       = (*errorBackend)(nil)
)
