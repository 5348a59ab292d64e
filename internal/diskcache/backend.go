// Package diskcache implements a simple disk cache: one set of files per
// entry, three data streams plus sparse data, and an asynchronous per-entry
// operation queue on top of blocking file I/O.
package diskcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/meigma/netstore/core"
	"github.com/meigma/netstore/internal/metrics"
)

// Options configures a Backend.
type Options struct {
	// Workers bounds the number of operations executing at once.
	// Zero means GOMAXPROCS.
	Workers int

	// MaxSparseSize caps the sparse file of each entry. A write that would
	// exceed it discards the entry's sparse data first. Zero means no limit.
	MaxSparseSize int64

	// SyncOnClose fsyncs entry files when they are closed.
	SyncOnClose bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// EntryResult is the outcome of creating or opening an entry.
type EntryResult struct {
	Entry *Entry
	// Opened reports whether an existing entry was opened rather than created.
	Opened bool
}

// Backend owns a cache directory and the entries open in it.
type Backend struct {
	dir     string
	cfg     entryConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	workers int
	sem     *semaphore.Weighted

	mu          sync.Mutex
	active      map[uint64]*Entry
	pendingDoom map[uint64]chan struct{}
	closed      bool

	flushMu  sync.Mutex
	inflight int
	idle     chan struct{}
}

// Open returns a backend rooted at dir, creating the directory if needed.
func Open(dir string, opts Options) (*Backend, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.MaxSparseSize < 0 {
		return nil, fmt.Errorf("%w: negative max sparse size", core.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
	}

	return &Backend{
		dir: dir,
		cfg: entryConfig{
			dir:           dir,
			logger:        opts.Logger,
			metrics:       opts.Metrics,
			now:           opts.Clock,
			maxSparseSize: opts.MaxSparseSize,
			syncOnClose:   opts.SyncOnClose,
		},
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		workers:     opts.Workers,
		sem:         semaphore.NewWeighted(int64(opts.Workers)),
		active:      make(map[uint64]*Entry),
		pendingDoom: make(map[uint64]chan struct{}),
	}, nil
}

// Dir returns the cache directory.
func (b *Backend) Dir() string {
	return b.dir
}

// submit runs fn on the worker pool.
func (b *Backend) submit(fn func()) {
	b.flushMu.Lock()
	if b.inflight == 0 {
		b.idle = make(chan struct{})
	}
	b.inflight++
	b.flushMu.Unlock()

	go func() {
		defer b.done()
		// Acquire only fails for a canceled context.
		_ = b.sem.Acquire(context.Background(), 1)
		defer b.sem.Release(1)
		fn()
	}()
}

func (b *Backend) done() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.inflight--
	if b.inflight == 0 {
		close(b.idle)
	}
}

// Flush waits until no operation is executing or queued on the pool.
func (b *Backend) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	if b.inflight == 0 {
		b.flushMu.Unlock()
		return nil
	}
	idle := b.idle
	b.flushMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new entries and waits for running operations. Entries that
// are still referenced stay usable until closed.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.Flush(ctx)
}

// CreateEntryAsync creates a new entry. It fails with core.ErrExists when the
// key is already present.
func (b *Backend) CreateEntryAsync(key string) *Completion[EntryResult] {
	return b.startEntry(key, initCreate)
}

// OpenEntryAsync opens an existing entry. A miss is core.ErrNotFound.
func (b *Backend) OpenEntryAsync(key string) *Completion[EntryResult] {
	return b.startEntry(key, initOpen)
}

// OpenOrCreateEntryAsync opens the entry or creates it when missing.
func (b *Backend) OpenOrCreateEntryAsync(key string) *Completion[EntryResult] {
	return b.startEntry(key, initOpenOrCreate)
}

// CreateEntry is the blocking form of CreateEntryAsync.
func (b *Backend) CreateEntry(ctx context.Context, key string) (*Entry, error) {
	res, err := b.waitEntry(ctx, b.CreateEntryAsync(key))
	return res.Entry, err
}

// OpenEntry is the blocking form of OpenEntryAsync.
func (b *Backend) OpenEntry(ctx context.Context, key string) (*Entry, error) {
	res, err := b.waitEntry(ctx, b.OpenEntryAsync(key))
	return res.Entry, err
}

// OpenOrCreateEntry is the blocking form of OpenOrCreateEntryAsync. The
// boolean reports whether the entry already existed.
func (b *Backend) OpenOrCreateEntry(ctx context.Context, key string) (*Entry, bool, error) {
	res, err := b.waitEntry(ctx, b.OpenOrCreateEntryAsync(key))
	return res.Entry, res.Opened, err
}

// waitEntry waits for c. If ctx ends first, an entry that still arrives is
// closed so its reference does not leak.
func (b *Backend) waitEntry(ctx context.Context, c *Completion[EntryResult]) (EntryResult, error) {
	res, err := c.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		go func() {
			<-c.Done()
			if late, lateErr := c.Result(); lateErr == nil {
				late.Entry.CloseAsync()
			}
		}()
	}
	return res, err
}

func (b *Backend) startEntry(key string, mode initMode) *Completion[EntryResult] {
	c := newCompletion[EntryResult]()
	if err := checkKey(key); err != nil {
		c.complete(EntryResult{}, err)
		return c
	}
	b.attach(key, mode, c)
	return c
}

// attach adds a reference to the active entry for key, creating it if
// needed, and queues the init operation. A key being doomed waits for the
// doom to finish first.
func (b *Backend) attach(key string, mode initMode, c *Completion[EntryResult]) {
	hash := EntryHash(key)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		c.complete(EntryResult{}, core.ErrClosed)
		return
	}
	if pending, ok := b.pendingDoom[hash]; ok {
		go func() {
			<-pending
			b.attach(key, mode, c)
		}()
		return
	}

	e, ok := b.active[hash]
	if ok && e.key != key {
		b.logger.Warn("entry hash collision", "key", key, "active", e.key, "hash", hash)
		if mode == initOpen {
			c.complete(EntryResult{}, fmt.Errorf("%w: %s", core.ErrNotFound, key))
		} else {
			c.complete(EntryResult{}, fmt.Errorf("%w: hash collision with %q", core.ErrExists, e.key))
		}
		return
	}
	if !ok {
		e = newEntry(b, key, hash)
		b.active[hash] = e
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs++
	e.enqueueLocked(e.initOp(mode, c))
}

// release drops an entry without references from the active table.
func (b *Backend) release(e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs == 0 && b.active[e.hash] == e {
		delete(b.active, e.hash)
	}
}

// delist removes e from the active table and marks it doomed.
func (b *Backend) delist(e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active[e.hash] == e {
		delete(b.active, e.hash)
	}
	e.mu.Lock()
	e.doomed = true
	e.mu.Unlock()
}

// beginDoom delists e and records a pending doom for its hash. It returns nil
// when e was already doomed.
func (b *Backend) beginDoom(e *Entry) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doomed {
		return nil
	}
	e.doomed = true
	if b.active[e.hash] == e {
		delete(b.active, e.hash)
	}
	done := make(chan struct{})
	b.pendingDoom[e.hash] = done
	return done
}

func (b *Backend) endDoom(hash uint64, done chan struct{}) {
	b.mu.Lock()
	if b.pendingDoom[hash] == done {
		delete(b.pendingDoom, hash)
	}
	b.mu.Unlock()
	close(done)
}

// DoomEntryAsync deletes the entry for key, whether or not it is open.
func (b *Backend) DoomEntryAsync(key string) *Completion[struct{}] {
	return b.doomHash(EntryHash(key))
}

// DoomEntry is the blocking form of DoomEntryAsync.
func (b *Backend) DoomEntry(ctx context.Context, key string) error {
	_, err := b.DoomEntryAsync(key).Wait(ctx)
	return err
}

func (b *Backend) doomHash(hash uint64) *Completion[struct{}] {
	b.mu.Lock()
	if e, ok := b.active[hash]; ok {
		b.mu.Unlock()
		return e.doomAsync()
	}
	if pending, ok := b.pendingDoom[hash]; ok {
		b.mu.Unlock()
		c := newCompletion[struct{}]()
		go func() {
			<-pending
			c.complete(struct{}{}, nil)
		}()
		return c
	}
	done := make(chan struct{})
	b.pendingDoom[hash] = done
	b.mu.Unlock()

	c := newCompletion[struct{}]()
	b.submit(func() {
		err := deleteEntryFiles(b.dir, hash)
		b.metrics.CacheOp(opDoom.String(), err)
		if err == nil {
			b.metrics.EntryDoomed()
		}
		b.endDoom(hash, done)
		c.complete(struct{}{}, err)
	})
	return c
}

// DoomAllEntries deletes every entry, open or not.
func (b *Backend) DoomAllEntries(ctx context.Context) error {
	hashes, err := b.listHashes()
	if err != nil {
		return err
	}
	seen := make(map[uint64]bool, len(hashes))
	for _, h := range hashes {
		seen[h] = true
	}
	b.mu.Lock()
	for h := range b.active {
		if !seen[h] {
			hashes = append(hashes, h)
		}
	}
	b.mu.Unlock()

	pending := make([]*Completion[struct{}], 0, len(hashes))
	for _, h := range hashes {
		pending = append(pending, b.doomHash(h))
	}
	var errs []error
	for _, c := range pending {
		if _, err := c.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetEntryCount returns the number of entries stored in the directory.
func (b *Backend) GetEntryCount() (int, error) {
	hashes, err := b.listHashes()
	return len(hashes), err
}

// listHashes returns the hashes of all entries with a stream 0 file.
func (b *Backend) listHashes() ([]uint64, error) {
	files, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache directory: %w", err)
	}

	var hashes []uint64
	for _, f := range files {
		if !f.Type().IsRegular() {
			continue
		}
		if hash, ok := parseStreamFileName(f.Name()); ok {
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}

// parseStreamFileName extracts the hash from a "%016x_0" file name.
func parseStreamFileName(name string) (uint64, bool) {
	hexHash, ok := strings.CutSuffix(name, "_0")
	if !ok || len(hexHash) != 16 {
		return 0, false
	}
	hash, err := strconv.ParseUint(hexHash, 16, 64)
	if err != nil {
		return 0, false
	}
	return hash, true
}
