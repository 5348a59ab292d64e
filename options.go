package netstore

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/meigma/netstore/core"
)

// CacheOption configures a Cache.
type CacheOption func(*cacheConfig) error

// CookieJarOption configures a CookieJar.
type CookieJarOption func(*jarConfig) error

type cacheConfig struct {
	logger        *slog.Logger
	metrics       *Metrics
	workers       int
	maxSparseSize int64
	syncOnClose   bool
	clock         func() time.Time
}

// storeKind selects the persistent store a jar opens for itself.
type storeKind int

const (
	storeNone storeKind = iota
	storeCustom
	storeFile
	storeRedis
)

type jarConfig struct {
	logger          *slog.Logger
	metrics         *Metrics
	clock           func() time.Time
	domainKey       func(string) string
	limits          CookieLimits
	accessThreshold time.Duration
	persistSession  bool
	keyedLoadOnly   bool
	restoreSession  bool
	commitInterval  time.Duration

	store       storeKind
	customStore PersistentCookieStore
	filePath    string
	redisClient redis.Cmdable
	redisPrefix string
}

// WithCacheLogger sets a logger for the cache. By default, logging is disabled.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *cacheConfig) error {
		c.logger = logger
		return nil
	}
}

// WithCacheMetrics records cache operations in m.
func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *cacheConfig) error {
		c.metrics = m
		return nil
	}
}

// WithWorkers bounds the number of entry operations running at once.
// The default is GOMAXPROCS.
func WithWorkers(n int) CacheOption {
	return func(c *cacheConfig) error {
		if n < 0 {
			return fmt.Errorf("%w: negative worker count %d", core.ErrInvalidArgument, n)
		}
		c.workers = n
		return nil
	}
}

// WithMaxSparseSize caps the sparse data kept per entry.
// Zero means no limit.
func WithMaxSparseSize(size int64) CacheOption {
	return func(c *cacheConfig) error {
		if size < 0 {
			return fmt.Errorf("%w: negative sparse size %d", core.ErrInvalidArgument, size)
		}
		c.maxSparseSize = size
		return nil
	}
}

// WithSyncOnClose fsyncs entry files when an entry is closed.
func WithSyncOnClose(sync bool) CacheOption {
	return func(c *cacheConfig) error {
		c.syncOnClose = sync
		return nil
	}
}

// WithCacheClock overrides the time source used for entry timestamps.
func WithCacheClock(clock func() time.Time) CacheOption {
	return func(c *cacheConfig) error {
		c.clock = clock
		return nil
	}
}

// WithJarLogger sets a logger for the jar and the store it opens.
// By default, logging is disabled.
func WithJarLogger(logger *slog.Logger) CookieJarOption {
	return func(c *jarConfig) error {
		c.logger = logger
		return nil
	}
}

// WithJarMetrics records cookie changes and collections in m.
func WithJarMetrics(m *Metrics) CookieJarOption {
	return func(c *jarConfig) error {
		c.metrics = m
		return nil
	}
}

// WithJarClock overrides the jar's time source.
func WithJarClock(clock func() time.Time) CookieJarOption {
	return func(c *jarConfig) error {
		c.clock = clock
		return nil
	}
}

// WithDomainKey overrides how cookies are bucketed. The default maps a host
// to its registrable domain using the public suffix list.
func WithDomainKey(fn func(host string) string) CookieJarOption {
	return func(c *jarConfig) error {
		c.domainKey = fn
		return nil
	}
}

// WithCookieLimits sets the eviction limits.
func WithCookieLimits(limits CookieLimits) CookieJarOption {
	return func(c *jarConfig) error {
		if limits.DomainPurge > limits.DomainMax || limits.Purge > limits.Max {
			return fmt.Errorf("%w: purge count exceeds limit", core.ErrInvalidArgument)
		}
		c.limits = limits
		return nil
	}
}

// WithAccessThreshold sets the minimum interval between last-access updates
// of one cookie. Negative disables the threshold.
func WithAccessThreshold(d time.Duration) CookieJarOption {
	return func(c *jarConfig) error {
		c.accessThreshold = d
		return nil
	}
}

// WithPersistSessionCookies writes session cookies to the store as well.
func WithPersistSessionCookies(persist bool) CookieJarOption {
	return func(c *jarConfig) error {
		c.persistSession = persist
		return nil
	}
}

// WithKeyedLoadOnly keeps per-host operations from starting the full store
// load.
func WithKeyedLoadOnly(keyed bool) CookieJarOption {
	return func(c *jarConfig) error {
		c.keyedLoadOnly = keyed
		return nil
	}
}

// WithRestoreSessionCookies loads session cookies left in a file or Redis
// store. Without it they are discarded on load.
func WithRestoreSessionCookies(restore bool) CookieJarOption {
	return func(c *jarConfig) error {
		c.restoreSession = restore
		return nil
	}
}

// WithCommitInterval sets how long a file or Redis store holds writes before
// committing them.
func WithCommitInterval(d time.Duration) CookieJarOption {
	return func(c *jarConfig) error {
		c.commitInterval = d
		return nil
	}
}

// WithCookieStore backs the jar with store. The caller owns it.
func WithCookieStore(store PersistentCookieStore) CookieJarOption {
	return func(c *jarConfig) error {
		if store == nil {
			return fmt.Errorf("%w: nil cookie store", core.ErrInvalidArgument)
		}
		c.store = storeCustom
		c.customStore = store
		return nil
	}
}

// WithCookieFile backs the jar with a zstd-compressed file at path.
func WithCookieFile(path string) CookieJarOption {
	return func(c *jarConfig) error {
		c.store = storeFile
		c.filePath = path
		return nil
	}
}

// WithRedisCookieStore backs the jar with Redis hashes under prefix. The
// caller owns client.
func WithRedisCookieStore(client redis.Cmdable, prefix string) CookieJarOption {
	return func(c *jarConfig) error {
		if client == nil {
			return fmt.Errorf("%w: nil redis client", core.ErrInvalidArgument)
		}
		c.store = storeRedis
		c.redisClient = client
		c.redisPrefix = prefix
		return nil
	}
}
