package memo

import (
	"context"
	"fmt"

	"github.com/goforj/memo/memocore"
)

// Backend aliases the shared second-tier contract.
type Backend = memocore.Backend

// Driver aliases the shared driver enum.
type Driver = memocore.Driver

// Driver identifiers re-exported for call sites that only import memo.
const (
	DriverNull      = memocore.DriverNull
	DriverFile      = memocore.DriverFile
	DriverMemory    = memocore.DriverMemory
	DriverMemcached = memocore.DriverMemcached
	DriverDynamo    = memocore.DriverDynamo
	DriverSQL       = memocore.DriverSQL
	DriverRedis     = memocore.DriverRedis
	DriverNATS      = memocore.DriverNATS
)

const (
	defaultBackendTTL = defaultTTL
	defaultKeyPrefix  = "memo"
)

// NewBackend constructs the configured second-tier backend. Construction
// failures return an errorBackend that preserves the driver identity and
// surfaces the original error on first use.
func NewBackend(ctx context.Context, cfg Config) Backend {
	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		return newErrorBackend(cfg.Driver, err)
	}
	return backend
}

func buildBackend(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Driver {
	case DriverNull, "":
		return newNullBackend(), nil
	case DriverMemory:
		return newMemoryBackend(cfg.DefaultTTL), nil
	case DriverFile:
		return newFileBackend(cfg.FileDir, cfg.DefaultTTL)
	case DriverRedis:
		client := cfg.RedisClient
		if client == nil {
			var err error
			client, err = dialRedis(cfg)
			if err != nil {
				return nil, err
			}
		}
		return newRedisBackend(client, cfg.DefaultTTL, cfg.Prefix), nil
	case DriverMemcached:
		return newMemcachedBackend(cfg.MemcachedAddrs, cfg.DefaultTTL, cfg.Prefix, cfg.SocketTimeout)
	case DriverNATS:
		kv := cfg.NATSKeyValue
		if kv == nil {
			var err error
			kv, err = dialNATSKV(cfg)
			if err != nil {
				return nil, err
			}
		}
		return newNATSBackend(kv, cfg.DefaultTTL, cfg.Prefix), nil
	case DriverDynamo:
		return newDynamoBackend(ctx, cfg)
	case DriverSQL:
		return newSQLBackend(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrConfiguration, cfg.Driver)
	}
}
