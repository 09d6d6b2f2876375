package memo

import (
	"log/slog"
	"time"
)

// Option adjusts a Config before construction. Options apply in order, last
// write wins, so presets compose with targeted overrides:
//
//	m, err := memo.New(ctx, memo.Production(), memo.WithRedisURL(url))
type Option func(Config) Config

// WithDriver selects the second-tier backend driver.
func WithDriver(driver Driver) Option {
	return func(c Config) Config { c.Driver = driver; return c }
}

// WithBackend installs a ready-made backend, bypassing driver construction.
func WithBackend(backend Backend) Option {
	return func(c Config) Config { c.Backend = backend; return c }
}

// WithDefaultTTL sets the TTL applied when a call does not provide one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c Config) Config { c.DefaultTTL = ttl; return c }
}

// WithNamespace sets the default invalidation scope for wrapped functions.
func WithNamespace(namespace string) Option {
	return func(c Config) Config { c.Namespace = namespace; return c }
}

// WithPrefix sets the key prefix for shared backends.
func WithPrefix(prefix string) Option {
	return func(c Config) Config { c.Prefix = prefix; return c }
}

// WithSerializer selects the value serialization strategy.
func WithSerializer(s Serializer) Option {
	return func(c Config) Config { c.Serializer = s; return c }
}

// WithMasterKey enables envelope encryption.
func WithMasterKey(key []byte) Option {
	return func(c Config) Config { c.MasterKey = key; return c }
}

// WithKeyRotation sets the active master key plus retired keys that are
// still accepted on decrypt.
func WithKeyRotation(current []byte, retired ...[]byte) Option {
	return func(c Config) Config {
		c.MasterKey = current
		c.RetiredKeys = retired
		return c
	}
}

// WithoutL1 disables the in-process tier.
func WithoutL1() Option {
	return func(c Config) Config { c.DisableL1 = true; return c }
}

// WithL1MaxBytes sets the first-tier byte budget.
func WithL1MaxBytes(n int64) Option {
	return func(c Config) Config { c.L1MaxBytes = n; return c }
}

// WithoutSWR serves stale first-tier entries as misses instead of refreshing
// them in the background.
func WithoutSWR() Option {
	return func(c Config) Config { c.DisableSWR = true; return c }
}

// WithSWRRatio sets the stale threshold as a fraction of TTL, (0, 1].
func WithSWRRatio(ratio float64) Option {
	return func(c Config) Config { c.SWRRatio = ratio; return c }
}

// WithNamespaceIndex maintains the namespace index in the first tier.
func WithNamespaceIndex() Option {
	return func(c Config) Config { c.NamespaceIndex = true; return c }
}

// WithRefreshWorkers bounds concurrent background refreshes.
func WithRefreshWorkers(n int) Option {
	return func(c Config) Config { c.RefreshWorkers = n; return c }
}

// WithBus fans invalidation events out across processes.
func WithBus(bus Bus) Option {
	return func(c Config) Config { c.Bus = bus; return c }
}

// WithFallback selects behavior when the second tier fails.
func WithFallback(mode FallbackMode) Option {
	return func(c Config) Config { c.Fallback = mode; return c }
}

// WithReliability replaces the full reliability tuning block.
func WithReliability(rc ReliabilityConfig) Option {
	return func(c Config) Config { c.Reliability = rc; return c }
}

// WithoutCircuitBreaker disables the per-namespace breaker.
func WithoutCircuitBreaker() Option {
	return func(c Config) Config { c.Reliability.DisableBreaker = true; return c }
}

// WithCircuitBreaker tunes the breaker thresholds.
func WithCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) Option {
	return func(c Config) Config {
		c.Reliability.DisableBreaker = false
		c.Reliability.FailureThreshold = failureThreshold
		c.Reliability.RecoveryTimeout = recoveryTimeout
		return c
	}
}

// WithoutAdaptiveTimeout disables latency-derived backend deadlines.
func WithoutAdaptiveTimeout() Option {
	return func(c Config) Config { c.Reliability.DisableAdaptiveTimeout = true; return c }
}

// WithAdaptiveTimeout tunes the latency-derived deadline computation.
func WithAdaptiveTimeout(base time.Duration, multiplier float64, max time.Duration) Option {
	return func(c Config) Config {
		c.Reliability.DisableAdaptiveTimeout = false
		c.Reliability.TimeoutBase = base
		c.Reliability.TimeoutMultiplier = multiplier
		c.Reliability.TimeoutMax = max
		return c
	}
}

// WithoutBackpressure disables the in-flight admission limit.
func WithoutBackpressure() Option {
	return func(c Config) Config { c.Reliability.DisableBackpressure = true; return c }
}

// WithMaxInFlight sets the in-flight admission limit.
func WithMaxInFlight(n int) Option {
	return func(c Config) Config {
		c.Reliability.DisableBackpressure = false
		c.Reliability.MaxInFlight = n
		return c
	}
}

// WithLock replaces the distributed single-fill lock tuning block.
func WithLock(lc LockConfig) Option {
	return func(c Config) Config { c.Lock = lc; return c }
}

// WithoutLock disables cross-process fill coordination.
func WithoutLock() Option {
	return func(c Config) Config { c.Lock.Disable = true; return c }
}

// WithoutCompression stores every payload pass-through.
func WithoutCompression() Option {
	return func(c Config) Config { c.DisableCompression = true; return c }
}

// WithObserver installs an operation event sink.
func WithObserver(o Observer) Option {
	return func(c Config) Config { c.Observer = o; return c }
}

// WithLogger installs a diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(c Config) Config { c.Logger = l; return c }
}

// WithRedisURL selects the redis driver with a connection URL.
func WithRedisURL(url string) Option {
	return func(c Config) Config {
		c.Driver = DriverRedis
		c.RedisURL = url
		return c
	}
}

// WithRedisClient selects the redis driver with a ready-made client.
func WithRedisClient(client RedisClient) Option {
	return func(c Config) Config {
		c.Driver = DriverRedis
		c.RedisClient = client
		return c
	}
}

// WithMemcached selects the memcached driver with server addresses.
func WithMemcached(addrs ...string) Option {
	return func(c Config) Config {
		c.Driver = DriverMemcached
		c.MemcachedAddrs = addrs
		return c
	}
}

// WithNATS selects the nats driver with a server URL and bucket.
func WithNATS(url, bucket string) Option {
	return func(c Config) Config {
		c.Driver = DriverNATS
		c.NATSURL = url
		c.NATSBucket = bucket
		return c
	}
}

// WithDynamo selects the dynamodb driver with a table name.
func WithDynamo(table string) Option {
	return func(c Config) Config {
		c.Driver = DriverDynamo
		c.DynamoTable = table
		return c
	}
}

// WithSQL selects the sql driver with a database/sql driver name and DSN.
func WithSQL(driverName, dsn string) Option {
	return func(c Config) Config {
		c.Driver = DriverSQL
		c.SQLDriverName = driverName
		c.SQLDSN = dsn
		return c
	}
}

// WithFileDir selects the file driver rooted at dir.
func WithFileDir(dir string) Option {
	return func(c Config) Config {
		c.Driver = DriverFile
		c.FileDir = dir
		return c
	}
}

// Minimal is the bare profile: first tier only, no second tier, protections
// at their defaults.
func Minimal() Config {
	return Config{}
}

// Dev is the local-development profile: in-memory second tier, short TTL,
// relaxed breaker so local hiccups do not latch it open.
func Dev() Config {
	return Config{
		Driver:     DriverMemory,
		DefaultTTL: time.Minute,
		Reliability: ReliabilityConfig{
			FailureThreshold: 10,
			RecoveryTimeout:  5 * time.Second,
		},
	}
}

// Production is the service profile: namespace index on and every protection
// at hardened settings. Pair it with a backend option such as WithRedisURL.
func Production() Config {
	return Config{
		DefaultTTL:     5 * time.Minute,
		NamespaceIndex: true,
		Reliability: ReliabilityConfig{
			FailureThreshold: DefaultFailureThreshold,
			RecoveryTimeout:  DefaultRecoveryTimeout,
			TimeoutBase:      DefaultTimeoutBase,
			TimeoutMax:       DefaultTimeoutMax,
			MaxInFlight:      DefaultMaxInFlight,
		},
	}
}

// Secure is the production profile plus envelope encryption under masterKey.
func Secure(masterKey []byte) Config {
	cfg := Production()
	cfg.MasterKey = masterKey
	return cfg
}

// Test is the deterministic-test profile: no second tier, no freshness
// jitter, locking off, protections off so failures surface directly.
func Test() Config {
	return Config{
		DefaultTTL: time.Minute,
		SWRJitter:  -1,
		Lock:       LockConfig{Disable: true},
		Reliability: ReliabilityConfig{
			DisableBreaker:         true,
			DisableAdaptiveTimeout: true,
			DisableBackpressure:    true,
		},
	}
}
