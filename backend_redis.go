package memo

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goforj/memo/memocore"
)

// releaseScript deletes the key only while it still holds the caller's
// token, so a lock that expired and was reacquired elsewhere is never
// released by the old holder.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// RedisClient captures the subset of redis.Client used by the backend.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

type redisBackend struct {
	client     RedisClient
	defaultTTL time.Duration
	prefix     string
}

func newRedisBackend(client RedisClient, defaultTTL time.Duration, prefix string) Backend {
	if defaultTTL <= 0 {
		defaultTTL = defaultBackendTTL
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &redisBackend{
		client:     client,
		defaultTTL: defaultTTL,
		prefix:     prefix,
	}
}

func dialRedis(cfg Config) (RedisClient, error) {
	if cfg.RedisURL == "" {
		return nil, errors.New("memo: redis driver requires a client or url")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.SocketTimeout > 0 {
		opts.ReadTimeout = cfg.SocketTimeout
		opts.WriteTimeout = cfg.SocketTimeout
	}
	return redis.NewClient(opts), nil
}

func (b *redisBackend) Driver() Driver { return DriverRedis }

func (b *redisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if b.client == nil {
		return nil, false, errors.New("memo: redis client unavailable")
	}
	value, err := b.client.Get(ctx, b.cacheKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (b *redisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if b.client == nil {
		return errors.New("memo: redis client unavailable")
	}
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	return b.client.Set(ctx, b.cacheKey(key), value, ttl).Err()
}

func (b *redisBackend) Delete(ctx context.Context, key string) error {
	if b.client == nil {
		return errors.New("memo: redis client unavailable")
	}
	return b.client.Del(ctx, b.cacheKey(key)).Err()
}

func (b *redisBackend) Exists(ctx context.Context, key string) (bool, error) {
	if b.client == nil {
		return false, errors.New("memo: redis client unavailable")
	}
	n, err := b.client.Exists(ctx, b.cacheKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Add implements memocore.AtomicAdder via SETNX.
func (b *redisBackend) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if b.client == nil {
		return false, errors.New("memo: redis client unavailable")
	}
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	return b.client.SetNX(ctx, b.cacheKey(key), value, ttl).Result()
}

// ReleaseToken implements memocore.TokenReleaser with a compare-and-delete
// Lua script executed atomically on the server.
func (b *redisBackend) ReleaseToken(ctx context.Context, key string, token []byte) (bool, error) {
	if b.client == nil {
		return false, errors.New("memo: redis client unavailable")
	}
	n, err := b.client.Eval(ctx, releaseScript, []string{b.cacheKey(key)}, string(token)).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Flush implements memocore.Flusher by scanning the prefix scope.
func (b *redisBackend) Flush(ctx context.Context) error {
	if b.client == nil {
		return errors.New("memo: redis client unavailable")
	}
	pattern := b.cacheKey("*")
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := b.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (b *redisBackend) cacheKey(key string) string {
	return b.prefix + ":" + key
}

var (
	_ memocore.AtomicAdder   = (*redisBackend)(nil)
	_ memocore.TokenReleaser = (*redisBackend)(nil)
	_ memocore.Flusher       = (*redisBackend)(nil)
)
