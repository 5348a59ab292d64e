package netstore

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/meigma/netstore/internal/contracts"
	"github.com/meigma/netstore/internal/cookies"
	"github.com/meigma/netstore/internal/cookiestore"
)

// CookieJar is an in-memory cookie jar with an optional persistent store.
//
// Cookie operations are methods of the embedded jar. Each blocking method
// takes a context; the Async forms deliver their result to a callback.
type CookieJar struct {
	*cookies.Monster

	// owned is the store the jar opened itself, closed with the jar.
	owned io.Closer
}

// NewCookieJar creates a jar. Without a store option cookies live in memory
// only.
func NewCookieJar(opts ...CookieJarOption) (*CookieJar, error) {
	cfg := &jarConfig{
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	storeOpts := cookiestore.Options{
		Logger:                cfg.logger,
		DomainKey:             cfg.domainKey,
		CommitInterval:        cfg.commitInterval,
		RestoreSessionCookies: cfg.restoreSession,
	}

	var (
		store contracts.PersistentCookieStore
		owned *cookiestore.Store
		err   error
	)
	switch cfg.store {
	case storeCustom:
		store = cfg.customStore
	case storeFile:
		path, pathErr := resolveCachePath(cfg.filePath)
		if pathErr != nil {
			return nil, pathErr
		}
		owned, err = cookiestore.NewFileStore(path, storeOpts)
	case storeRedis:
		owned, err = cookiestore.NewRedisStore(cookiestore.RedisOptions{
			Client: cfg.redisClient,
			Prefix: cfg.redisPrefix,
		}, storeOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("open cookie store: %w", err)
	}

	jar := &CookieJar{}
	if owned != nil {
		store = owned
		jar.owned = owned
	}

	jar.Monster = cookies.New(store, cookies.Options{
		Logger:                cfg.logger,
		Metrics:               cfg.metrics,
		Clock:                 cfg.clock,
		DomainKey:             cfg.domainKey,
		Limits:                cfg.limits,
		AccessThreshold:       cfg.accessThreshold,
		PersistSessionCookies: cfg.persistSession,
		KeyedLoadOnly:         cfg.keyedLoadOnly,
	})
	return jar, nil
}

// Close stops the jar. Queued operations are dropped. A store opened by the
// jar commits pending writes and is closed; a store supplied with
// WithCookieStore is left open.
func (j *CookieJar) Close() error {
	j.Monster.Close()
	if j.owned == nil {
		return nil
	}
	if err := j.owned.Close(); err != nil {
		return fmt.Errorf("close cookie store: %w", err)
	}
	return nil
}
