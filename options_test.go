package memo

import (
	"testing"
	"time"
)

func applyOptions(cfg Config, opts ...Option) Config {
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return cfg
}

func TestOptionsApplyInOrder(t *testing.T) {
	cfg := applyOptions(Config{},
		WithDefaultTTL(time.Second),
		WithDefaultTTL(time.Minute),
		WithNamespace("orders"),
		WithPrefix("svc"),
		WithFallback(FailClosed),
	)

	if cfg.DefaultTTL != time.Minute {
		t.Fatalf("expected last ttl to win, got %v", cfg.DefaultTTL)
	}
	if cfg.Namespace != "orders" || cfg.Prefix != "svc" || cfg.Fallback != FailClosed {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestBackendSelectionOptions(t *testing.T) {
	if cfg := applyOptions(Config{}, WithRedisURL("redis://h:6379/0")); cfg.Driver != DriverRedis || cfg.RedisURL == "" {
		t.Fatalf("redis option: %+v", cfg)
	}
	if cfg := applyOptions(Config{}, WithMemcached("a:11211", "b:11211")); cfg.Driver != DriverMemcached || len(cfg.MemcachedAddrs) != 2 {
		t.Fatalf("memcached option: %+v", cfg)
	}
	if cfg := applyOptions(Config{}, WithNATS("nats://h:4222", "cache")); cfg.Driver != DriverNATS || cfg.NATSBucket != "cache" {
		t.Fatalf("nats option: %+v", cfg)
	}
	if cfg := applyOptions(Config{}, WithDynamo("cache-table")); cfg.Driver != DriverDynamo || cfg.DynamoTable != "cache-table" {
		t.Fatalf("dynamo option: %+v", cfg)
	}
	if cfg := applyOptions(Config{}, WithSQL("sqlite3", "file::memory:")); cfg.Driver != DriverSQL || cfg.SQLDriverName != "sqlite3" {
		t.Fatalf("sql option: %+v", cfg)
	}
	if cfg := applyOptions(Config{}, WithFileDir("/tmp/cache")); cfg.Driver != DriverFile || cfg.FileDir != "/tmp/cache" {
		t.Fatalf("file option: %+v", cfg)
	}
}

func TestReliabilityOptions(t *testing.T) {
	cfg := applyOptions(Config{},
		WithCircuitBreaker(3, 10*time.Second),
		WithAdaptiveTimeout(50*time.Millisecond, 3.0, time.Second),
		WithMaxInFlight(64),
	)

	rc := cfg.Reliability
	if rc.FailureThreshold != 3 || rc.RecoveryTimeout != 10*time.Second {
		t.Fatalf("breaker tuning: %+v", rc)
	}
	if rc.TimeoutBase != 50*time.Millisecond || rc.TimeoutMultiplier != 3.0 || rc.TimeoutMax != time.Second {
		t.Fatalf("timeout tuning: %+v", rc)
	}
	if rc.MaxInFlight != 64 {
		t.Fatalf("admission tuning: %+v", rc)
	}

	cfg = applyOptions(cfg, WithoutCircuitBreaker(), WithoutAdaptiveTimeout(), WithoutBackpressure())
	rc = cfg.Reliability
	if !rc.DisableBreaker || !rc.DisableAdaptiveTimeout || !rc.DisableBackpressure {
		t.Fatalf("expected all protections disabled: %+v", rc)
	}
}

func TestKeyRotationOption(t *testing.T) {
	current := make([]byte, MinMasterKeyLen)
	old := make([]byte, MinMasterKeyLen)
	old[0] = 1

	cfg := applyOptions(Config{}, WithKeyRotation(current, old))
	if string(cfg.MasterKey) != string(current) {
		t.Fatalf("unexpected master key")
	}
	if len(cfg.RetiredKeys) != 1 || string(cfg.RetiredKeys[0]) != string(old) {
		t.Fatalf("unexpected retired keys")
	}
}

func TestPresetProduction(t *testing.T) {
	cfg := Production()
	if !cfg.NamespaceIndex {
		t.Fatalf("expected namespace index on")
	}
	rc := cfg.Reliability
	if rc.DisableBreaker || rc.DisableAdaptiveTimeout || rc.DisableBackpressure {
		t.Fatalf("expected all protections on: %+v", rc)
	}
	if rc.FailureThreshold != DefaultFailureThreshold || rc.MaxInFlight != DefaultMaxInFlight {
		t.Fatalf("unexpected hardened settings: %+v", rc)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("production preset invalid: %v", err)
	}
}

func TestPresetSecure(t *testing.T) {
	key := make([]byte, MinMasterKeyLen)
	cfg := Secure(key)
	if len(cfg.MasterKey) != MinMasterKeyLen {
		t.Fatalf("expected master key set")
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("secure preset invalid: %v", err)
	}
}

func TestPresetTest(t *testing.T) {
	cfg := Test()
	if !cfg.Lock.Disable {
		t.Fatalf("expected locking off")
	}
	rc := cfg.Reliability
	if !rc.DisableBreaker || !rc.DisableAdaptiveTimeout || !rc.DisableBackpressure {
		t.Fatalf("expected protections off: %+v", rc)
	}
	if cfg.SWRJitter >= 0 {
		t.Fatalf("expected jitter disabled")
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("test preset invalid: %v", err)
	}
}

func TestPresetDev(t *testing.T) {
	cfg := Dev()
	if cfg.Driver != DriverMemory {
		t.Fatalf("expected in-memory second tier, got %q", cfg.Driver)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("dev preset invalid: %v", err)
	}
}

func TestPresetsComposeWithOverrides(t *testing.T) {
	cfg := applyOptions(Production(), WithoutL1(), WithFallback(FailClosed))
	if !cfg.DisableL1 || cfg.Fallback != FailClosed {
		t.Fatalf("override lost: %+v", cfg)
	}
	if !cfg.NamespaceIndex {
		t.Fatalf("preset base lost: %+v", cfg)
	}
}
