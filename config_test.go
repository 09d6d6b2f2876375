package memo

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := (Config{}).withDefaults()

	if cfg.DefaultTTL != defaultTTL {
		t.Fatalf("unexpected default ttl: %v", cfg.DefaultTTL)
	}
	if cfg.Namespace != defaultNamespace {
		t.Fatalf("unexpected namespace: %s", cfg.Namespace)
	}
	if cfg.Prefix != defaultKeyPrefix {
		t.Fatalf("unexpected prefix: %s", cfg.Prefix)
	}
	if cfg.Serializer == nil || cfg.Serializer.Tag() != TagMsgpack {
		t.Fatalf("expected msgpack serializer default")
	}
	if cfg.RefreshWorkers != DefaultRefreshWorkers {
		t.Fatalf("unexpected refresh workers: %d", cfg.RefreshWorkers)
	}
	if cfg.PoolSize != defaultRedisPoolSize {
		t.Fatalf("unexpected pool size: %d", cfg.PoolSize)
	}
	if cfg.Observer == nil {
		t.Fatalf("expected a default observer")
	}
	if cfg.Logger == nil {
		t.Fatalf("expected a default logger")
	}
	if cfg.now == nil {
		t.Fatalf("expected a default clock")
	}
}

func TestConfigWithDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		DefaultTTL:     time.Second,
		Namespace:      "orders",
		Prefix:         "svc",
		RefreshWorkers: 9,
	}.withDefaults()

	if cfg.DefaultTTL != time.Second || cfg.Namespace != "orders" || cfg.Prefix != "svc" || cfg.RefreshWorkers != 9 {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	key := make([]byte, MinMasterKeyLen)

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero value", Config{}, false},
		{"valid master key", Config{MasterKey: key}, false},
		{"short master key", Config{MasterKey: []byte("short")}, true},
		{"short retired key", Config{MasterKey: key, RetiredKeys: [][]byte{[]byte("short")}}, true},
		{"retired without master", Config{RetiredKeys: [][]byte{key}}, true},
		{"swr ratio above one", Config{SWRRatio: 1.5}, true},
		{"swr ratio negative", Config{SWRRatio: -0.1}, true},
		{"swr ratio in range", Config{SWRRatio: 0.5}, false},
		{"unknown fallback", Config{Fallback: FallbackMode(9)}, true},
		{"stale-on-error without l1", Config{DisableL1: true, Fallback: StaleOnError}, true},
		{"stale-on-error with l1", Config{Fallback: StaleOnError}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if tc.wantErr {
				if !errors.Is(err, ErrConfiguration) {
					t.Fatalf("expected ErrConfiguration, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestFallbackModeString(t *testing.T) {
	if FailOpen.String() != "fail-open" || FailClosed.String() != "fail-closed" || StaleOnError.String() != "stale-on-error" {
		t.Fatalf("unexpected fallback mode strings")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("MEMO_REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("MEMO_DEFAULT_TTL", "90s")
	t.Setenv("MEMO_MASTER_KEY", "0000000000000000000000000000000000000000000000000000000000000001")
	t.Setenv("MEMO_POOL_SIZE", "25")
	t.Setenv("MEMO_SOCKET_TIMEOUT", "250ms")

	cfg := ConfigFromEnv()
	if cfg.Driver != DriverRedis {
		t.Fatalf("expected redis driver, got %q", cfg.Driver)
	}
	if cfg.RedisURL != "redis://localhost:6379/2" {
		t.Fatalf("unexpected redis url: %s", cfg.RedisURL)
	}
	if cfg.DefaultTTL != 90*time.Second {
		t.Fatalf("unexpected ttl: %v", cfg.DefaultTTL)
	}
	wantKey := append(bytes.Repeat([]byte{0}, 31), 1)
	if !bytes.Equal(cfg.MasterKey, wantKey) {
		t.Fatalf("master key not hex-decoded: %x", cfg.MasterKey)
	}
	if cfg.PoolSize != 25 {
		t.Fatalf("unexpected pool size: %d", cfg.PoolSize)
	}
	if cfg.SocketTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected socket timeout: %v", cfg.SocketTimeout)
	}
}

func TestConfigFromEnvIgnoresBadValues(t *testing.T) {
	t.Setenv("MEMO_DEFAULT_TTL", "not-a-duration")
	t.Setenv("MEMO_POOL_SIZE", "-3")
	t.Setenv("MEMO_MASTER_KEY", "not-hex")

	cfg := ConfigFromEnv()
	if cfg.MasterKey != nil {
		t.Fatalf("expected nil master key, got %x", cfg.MasterKey)
	}
	if cfg.DefaultTTL != 0 {
		t.Fatalf("expected zero ttl, got %v", cfg.DefaultTTL)
	}
	if cfg.PoolSize != 0 {
		t.Fatalf("expected zero pool size, got %d", cfg.PoolSize)
	}
}
