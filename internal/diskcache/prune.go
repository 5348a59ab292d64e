package diskcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/netstore/core"
)

// PruneOptions configures cache pruning behavior.
type PruneOptions struct {
	// MaxSize is the maximum total cache size in bytes.
	// Entries are evicted LRU until the cache is under this limit.
	// Zero means no size limit.
	MaxSize int64

	// MaxAge is the maximum age for cache entries.
	// Entries older than this (based on LastModified) are evicted.
	// Zero means no age limit.
	MaxAge time.Duration
}

// PruneResult contains statistics about a prune operation.
type PruneResult struct {
	// EntriesRemoved is the number of entries that were evicted.
	EntriesRemoved int
	// BytesRemoved is the total bytes freed.
	BytesRemoved int64
	// EntriesRemaining is the number of entries still in cache.
	EntriesRemaining int
	// BytesRemaining is the total bytes still in cache.
	BytesRemaining int64
}

// EntryInfo describes an entry on disk.
type EntryInfo struct {
	Key  string
	Hash uint64
	// Size is the combined size of the entry files.
	Size int64
	// SparseSize is the size of the sparse file, if any.
	SparseSize   int64
	LastModified time.Time
	// Active reports whether the entry is currently open.
	Active bool
}

// VerifyResult summarizes a verification pass.
type VerifyResult struct {
	// Checked is the number of entries read in full.
	Checked int
	// Removed is the number of corrupt entries deleted.
	Removed int
	// SparseChildrenDropped counts corrupt sparse children removed from
	// otherwise valid entries.
	SparseChildrenDropped int
	// Skipped is the number of entries left alone because they were open.
	Skipped int
}

// Prune removes closed entries based on the provided options.
// Entries are evicted based on TTL first, then LRU until size limits are met.
// Open entries are never pruned but count toward the total size.
func (b *Backend) Prune(ctx context.Context, opts PruneOptions) (PruneResult, error) {
	entries, err := b.Entries()
	if err != nil {
		return PruneResult{}, err
	}
	if len(entries) == 0 {
		return PruneResult{}, nil
	}

	toRemove := b.selectEntriesToRemove(entries, opts)

	result, err := b.executeRemovals(ctx, entries, toRemove)
	if err != nil {
		return result, err
	}

	b.logger.Debug("cache pruned",
		"removed", result.EntriesRemoved,
		"bytes_removed", result.BytesRemoved,
		"remaining", result.EntriesRemaining,
		"bytes_remaining", result.BytesRemaining)

	return result, nil
}

// selectEntriesToRemove determines which entries should be evicted based on TTL and size limits.
func (b *Backend) selectEntriesToRemove(entries []EntryInfo, opts PruneOptions) map[uint64]bool {
	toRemove := make(map[uint64]bool)

	// Phase 1: Mark entries exceeding TTL
	if opts.MaxAge > 0 {
		cutoff := b.cfg.now().Add(-opts.MaxAge)
		for _, e := range entries {
			if !e.Active && e.LastModified.Before(cutoff) {
				toRemove[e.Hash] = true
			}
		}
	}

	// Phase 2: Mark LRU entries to meet size limit
	if opts.MaxSize > 0 {
		markLRUEntries(entries, toRemove, opts.MaxSize)
	}

	return toRemove
}

// markLRUEntries marks oldest entries for removal until size is under limit.
func markLRUEntries(entries []EntryInfo, toRemove map[uint64]bool, maxSize int64) {
	remaining := make([]EntryInfo, 0, len(entries))
	var totalSize int64
	for _, e := range entries {
		if !toRemove[e.Hash] {
			remaining = append(remaining, e)
			totalSize += e.Size
		}
	}

	if totalSize <= maxSize {
		return
	}

	// Oldest first
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].LastModified.Before(remaining[j].LastModified)
	})

	for _, e := range remaining {
		if totalSize <= maxSize {
			break
		}
		if e.Active {
			continue
		}
		toRemove[e.Hash] = true
		totalSize -= e.Size
	}
}

// executeRemovals removes marked entries and returns statistics.
func (b *Backend) executeRemovals(ctx context.Context, entries []EntryInfo, toRemove map[uint64]bool) (PruneResult, error) {
	var result PruneResult
	for _, e := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if toRemove[e.Hash] {
			if _, err := b.doomHash(e.Hash).Wait(ctx); err != nil {
				b.logger.Warn("failed to evict entry", "key", e.Key, "error", err)
				continue
			}
			result.EntriesRemoved++
			result.BytesRemoved += e.Size
		} else {
			result.EntriesRemaining++
			result.BytesRemaining += e.Size
		}
	}
	return result, nil
}

// Size returns the total size of all entry files in bytes.
func (b *Backend) Size() (int64, error) {
	entries, err := b.Entries()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, nil
}

// Entries returns metadata for all entries on disk.
// The returned slice is sorted by LastModified (most recent first).
func (b *Backend) Entries() ([]EntryInfo, error) {
	hashes, err := b.listHashes()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	active := make(map[uint64]bool, len(b.active))
	for h := range b.active {
		active[h] = true
	}
	b.mu.Unlock()

	entries := make([]EntryInfo, 0, len(hashes))
	for _, h := range hashes {
		info, statErr := statEntry(b.dir, h)
		if statErr != nil {
			b.logger.Debug("failed to stat entry", "hash", fmt.Sprintf("%016x", h), "error", statErr)
			continue
		}
		info.Active = active[h]
		entries = append(entries, info)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastModified.After(entries[j].LastModified)
	})

	return entries, nil
}

// Clear removes every entry.
func (b *Backend) Clear(ctx context.Context) error {
	return b.DoomAllEntries(ctx)
}

// Verify reads every closed entry in full, deleting entries that fail
// validation or a checksum and dropping corrupt sparse children.
func (b *Backend) Verify(ctx context.Context) (VerifyResult, error) {
	hashes, err := b.listHashes()
	if err != nil {
		return VerifyResult{}, err
	}

	var (
		mu     sync.Mutex
		result VerifyResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, h := range hashes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := b.verifyHash(h)
			if err != nil {
				return err
			}
			mu.Lock()
			result.Checked += r.Checked
			result.Removed += r.Removed
			result.SparseChildrenDropped += r.SparseChildrenDropped
			result.Skipped += r.Skipped
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return result, err
}

// verifyHash checks one entry while holding its hash in the pending-doom
// table so it cannot be opened concurrently.
func (b *Backend) verifyHash(hash uint64) (VerifyResult, error) {
	b.mu.Lock()
	_, isActive := b.active[hash]
	_, isPending := b.pendingDoom[hash]
	if isActive || isPending {
		b.mu.Unlock()
		return VerifyResult{Skipped: 1}, nil
	}
	done := make(chan struct{})
	b.pendingDoom[hash] = done
	b.mu.Unlock()
	defer b.endDoom(hash, done)

	file0, _, _ := entryPaths(b.dir, hash)
	key, err := readEntryKey(file0)
	if err != nil {
		if errors.Is(err, core.ErrFormatInvalid) {
			b.logger.Warn("removing unreadable entry", "hash", fmt.Sprintf("%016x", hash), "error", err)
			return VerifyResult{Removed: 1}, deleteEntryFiles(b.dir, hash)
		}
		if errors.Is(err, core.ErrNotFound) {
			return VerifyResult{}, nil
		}
		return VerifyResult{}, err
	}

	se, err := openSyncEntry(b.cfg, key)
	if err != nil {
		if errors.Is(err, core.ErrFormatInvalid) {
			return VerifyResult{Removed: 1}, nil
		}
		return VerifyResult{}, err
	}

	result := VerifyResult{Checked: 1}
	buf := make([]byte, 64<<10)
	for _, i := range []core.StreamIndex{core.StreamBody, core.StreamSideData} {
		if err := readWholeStream(se, i, buf); err != nil {
			if errors.Is(err, core.ErrChecksumMismatch) {
				b.logger.Warn("removing corrupt entry", "key", key, "error", err)
				b.metrics.EntryDoomed()
				return VerifyResult{Checked: 1, Removed: 1}, se.doom()
			}
			se.closeFiles()
			return result, err
		}
	}
	if se.sparse != nil {
		dropped, err := se.sparse.verify()
		if err != nil {
			se.closeFiles()
			return result, err
		}
		result.SparseChildrenDropped = dropped
	}
	return result, se.close()
}

func readWholeStream(se *syncEntry, i core.StreamIndex, buf []byte) error {
	var off int64
	for off < se.size[i] {
		n, err := se.readStream(i, off, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: short read of stream %d", core.ErrIO, i)
		}
		off += int64(n)
	}
	return nil
}

// readEntryKey returns the key recorded in an entry file header.
func readEntryKey(path string) (string, error) {
	if err := ensureEntryFile(path); err != nil {
		return "", err
	}
	//nolint:gosec // G304: path is derived from the entry hash
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open entry: %w", core.ErrIO, err)
	}
	defer f.Close()

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return "", fmt.Errorf("%w: short header", core.ErrFormatInvalid)
	}
	h, err := parseFileHeader(hdr)
	if err != nil {
		return "", err
	}
	if h.keyLength > maxKeyLength {
		return "", fmt.Errorf("%w: key length %d", core.ErrFormatInvalid, h.keyLength)
	}
	key := make([]byte, h.keyLength)
	if _, err := io.ReadFull(f, key); err != nil {
		return "", fmt.Errorf("%w: short key", core.ErrFormatInvalid)
	}
	if keyHash(string(key)) != h.keyHash {
		return "", fmt.Errorf("%w: key hash mismatch", core.ErrFormatInvalid)
	}
	return string(key), nil
}

// statEntry reads the key and file sizes of an entry without opening it.
func statEntry(dir string, hash uint64) (EntryInfo, error) {
	file0, file1, sparse := entryPaths(dir, hash)
	key, err := readEntryKey(file0)
	if err != nil {
		return EntryInfo{}, err
	}
	info0, err := os.Stat(file0)
	if err != nil {
		return EntryInfo{}, err
	}

	ei := EntryInfo{
		Key:          key,
		Hash:         hash,
		Size:         info0.Size(),
		LastModified: info0.ModTime(),
	}
	if info1, err := os.Stat(file1); err == nil {
		ei.Size += info1.Size()
	}
	if infoS, err := os.Stat(sparse); err == nil {
		ei.Size += infoS.Size()
		ei.SparseSize = infoS.Size()
	}
	return ei, nil
}
