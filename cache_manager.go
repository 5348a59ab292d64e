package netstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/meigma/netstore/internal/diskcache"
)

// CacheInfo contains statistics about a cache directory.
type CacheInfo struct {
	// Path is the absolute path to the cache directory.
	Path string
	// TotalSize is the combined size of all entry files in bytes.
	TotalSize int64
	// EntryCount is the number of entries.
	EntryCount int
	// Entries contains detailed information about each entry.
	// Sorted by LastModified, most recent first.
	Entries []CacheEntry
}

// CacheEntry describes a single cache entry.
type CacheEntry struct {
	// Key is the entry key.
	Key string
	// Hash is the entry hash that names its files, in hex.
	Hash string
	// Digest is the SHA-256 digest of the key (sha256:...).
	Digest string
	// Size is the combined size of the entry files in bytes.
	Size int64
	// SparseSize is the size of the sparse file, zero if absent.
	SparseSize int64
	// LastModified is when the entry was last written.
	LastModified time.Time
}

// CachePruneOptions configures cache pruning behavior.
type CachePruneOptions struct {
	// MaxSize is the maximum total cache size in bytes.
	// Entries are evicted oldest first until the cache is under this limit.
	// Zero means no size limit.
	MaxSize int64

	// MaxAge is the maximum age for cache entries.
	// Entries not modified within this duration are evicted.
	// Zero means no age limit.
	MaxAge time.Duration
}

// CachePruneResult contains statistics about a prune operation.
type CachePruneResult struct {
	// EntriesRemoved is the number of entries that were evicted.
	EntriesRemoved int
	// BytesRemoved is the total bytes freed.
	BytesRemoved int64
	// EntriesRemaining is the number of entries still in cache.
	EntriesRemaining int
	// BytesRemaining is the total bytes still in cache.
	BytesRemaining int64
}

// CacheVerifyResult summarizes a verification pass.
type CacheVerifyResult struct {
	// Checked is the number of entries read in full.
	Checked int
	// Removed is the number of corrupt entries deleted.
	Removed int
	// SparseChildrenDropped counts corrupt sparse blocks removed from
	// otherwise valid entries.
	SparseChildrenDropped int
}

// CacheStats returns statistics about the cache at the given path.
// If the cache directory doesn't exist, returns an empty CacheInfo.
func CacheStats(path string) (*CacheInfo, error) {
	absPath, err := resolveCachePath(path)
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(absPath); os.IsNotExist(statErr) {
		return &CacheInfo{Path: absPath}, nil
	}

	b, err := openOffline(absPath)
	if err != nil {
		return nil, err
	}

	entries, err := b.Entries()
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	info := &CacheInfo{
		Path:       absPath,
		EntryCount: len(entries),
		Entries:    make([]CacheEntry, len(entries)),
	}

	for i, e := range entries {
		info.TotalSize += e.Size
		info.Entries[i] = CacheEntry{
			Key:          e.Key,
			Hash:         formatHash(e.Hash),
			Digest:       diskcache.KeyDigest(e.Key).String(),
			Size:         e.Size,
			SparseSize:   e.SparseSize,
			LastModified: e.LastModified,
		}
	}

	return info, nil
}

// CacheVerify reads every entry in the cache at the given path in full and
// deletes entries whose files are malformed or fail their checksums.
// Returns an empty result if the cache directory doesn't exist.
func CacheVerify(ctx context.Context, path string) (*CacheVerifyResult, error) {
	absPath, err := resolveCachePath(path)
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(absPath); os.IsNotExist(statErr) {
		return &CacheVerifyResult{}, nil
	}

	b, err := openOffline(absPath)
	if err != nil {
		return nil, err
	}

	result, err := b.Verify(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify cache: %w", err)
	}

	return &CacheVerifyResult{
		Checked:               result.Checked,
		Removed:               result.Removed,
		SparseChildrenDropped: result.SparseChildrenDropped,
	}, nil
}

// CacheClear removes all entries from the cache at the given path.
// Returns nil if the cache directory doesn't exist.
func CacheClear(ctx context.Context, path string) error {
	absPath, err := resolveCachePath(path)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(absPath); os.IsNotExist(statErr) {
		return nil
	}

	b, err := openOffline(absPath)
	if err != nil {
		return err
	}

	if err := b.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}

	return nil
}

// CachePrune removes entries based on the provided options.
// Entries exceeding MaxAge are removed first, then the oldest entries
// are removed until TotalSize is under MaxSize.
// Returns nil if the cache directory doesn't exist.
func CachePrune(ctx context.Context, path string, opts CachePruneOptions) (*CachePruneResult, error) {
	absPath, err := resolveCachePath(path)
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(absPath); os.IsNotExist(statErr) {
		return &CachePruneResult{}, nil
	}

	b, err := openOffline(absPath)
	if err != nil {
		return nil, err
	}

	result, err := b.Prune(ctx, diskcache.PruneOptions{
		MaxSize: opts.MaxSize,
		MaxAge:  opts.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("prune cache: %w", err)
	}

	return &CachePruneResult{
		EntriesRemoved:   result.EntriesRemoved,
		BytesRemoved:     result.BytesRemoved,
		EntriesRemaining: result.EntriesRemaining,
		BytesRemaining:   result.BytesRemaining,
	}, nil
}

func openOffline(absPath string) (*diskcache.Backend, error) {
	b, err := diskcache.Open(absPath, diskcache.Options{Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return b, nil
}

func formatHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// resolveCachePath expands ~ and converts to absolute path.
func resolveCachePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is empty")
	}

	// Expand ~ to home directory
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	// Convert to absolute path
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	return absPath, nil
}
