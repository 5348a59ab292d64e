package netstore

import (
	"fmt"
	"log/slog"

	"github.com/meigma/netstore/internal/diskcache"
)

// Cache is a disk cache rooted at one directory.
//
// Entry operations are methods of the embedded backend: CreateEntry,
// OpenEntry, OpenOrCreateEntry, DoomEntry, DoomAllEntries, GetEntryCount and
// their Async forms, plus Prune, Verify, Entries, Size and Clear.
type Cache struct {
	*diskcache.Backend
}

// OpenCache opens the cache in dir, creating the directory if needed.
// A leading ~ expands to the home directory.
func OpenCache(dir string, opts ...CacheOption) (*Cache, error) {
	cfg := &cacheConfig{
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	absDir, err := resolveCachePath(dir)
	if err != nil {
		return nil, err
	}

	b, err := diskcache.Open(absDir, diskcache.Options{
		Workers:       cfg.workers,
		MaxSparseSize: cfg.maxSparseSize,
		SyncOnClose:   cfg.syncOnClose,
		Logger:        cfg.logger,
		Metrics:       cfg.metrics,
		Clock:         cfg.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &Cache{Backend: b}, nil
}
