// Package cookiestore persists cookie jar contents.
//
// Store adapts a backend (a compressed file or Redis) to the jar's
// PersistentCookieStore contract: writes are queued and committed in batches,
// loads run on their own goroutine. MemoryStore is a synchronous in-memory
// implementation for tests and ephemeral jars.
package cookiestore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/netstore/core"
	"github.com/meigma/netstore/internal/contracts"
	"github.com/meigma/netstore/internal/domainkey"
)

// Defaults for Options.
const (
	DefaultBatchSize      = 512
	DefaultCommitInterval = 30 * time.Second
	DefaultTimeout        = 30 * time.Second
)

// Options configures a Store.
type Options struct {
	Logger *slog.Logger

	// DomainKey must match the jar's. Defaults to domainkey.Of.
	DomainKey contracts.DomainKeyFunc

	// BatchSize commits as soon as this many writes are pending.
	BatchSize int

	// CommitInterval commits pending writes this long after the first one.
	CommitInterval time.Duration

	// Timeout bounds each backend call.
	Timeout time.Duration

	// RestoreSessionCookies returns stored session cookies from Load. When
	// unset they are discarded and deleted from the backend.
	RestoreSessionCookies bool
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.DomainKey == nil {
		o.DomainKey = domainkey.Of
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.CommitInterval <= 0 {
		o.CommitInterval = DefaultCommitInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
}

type opKind int

const (
	opAdd opKind = iota
	opUpdateAccess
	opDelete
)

type op struct {
	kind   opKind
	cookie *core.CanonicalCookie
}

// identity is the uniqueness key of a stored cookie.
type identity struct {
	name, domain, path string
}

func identityOf(c *core.CanonicalCookie) identity {
	return identity{c.Name, c.Domain, c.Path}
}

// backend is the storage a Store commits to.
type backend interface {
	loadAll(ctx context.Context) ([]*core.CanonicalCookie, error)
	loadKey(ctx context.Context, key string) ([]*core.CanonicalCookie, error)
	commit(ctx context.Context, ops []op) error
	// purgeSession deletes every stored cookie without an expiry.
	purgeSession(ctx context.Context) error
	close() error
}

// Store is a batching PersistentCookieStore over a backend.
type Store struct {
	b       backend
	opts    Options
	logger  *slog.Logger
	batch   *batcher
	loads   sync.WaitGroup
	keep    atomic.Bool
	closed  atomic.Bool
	closeMu sync.Mutex
}

var _ contracts.PersistentCookieStore = (*Store)(nil)

func newStore(b backend, opts Options) *Store {
	s := &Store{b: b, opts: opts, logger: opts.Logger}
	s.batch = newBatcher(opts.BatchSize, opts.CommitInterval, s.commit, opts.Logger)
	return s
}

func (s *Store) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opts.Timeout)
}

func (s *Store) commit(ops []op) error {
	ctx, cancel := s.context()
	defer cancel()
	return s.b.commit(ctx, ops)
}

// Load reads every stored cookie on a new goroutine. Pending writes are
// committed first.
func (s *Store) Load(loaded func([]*core.CanonicalCookie)) {
	s.loadAsync("", func(ctx context.Context) ([]*core.CanonicalCookie, error) {
		return s.b.loadAll(ctx)
	}, loaded)
}

// LoadCookiesForKey reads the cookies stored under key on a new goroutine.
func (s *Store) LoadCookiesForKey(key string, loaded func([]*core.CanonicalCookie)) {
	s.loadAsync(key, func(ctx context.Context) ([]*core.CanonicalCookie, error) {
		return s.b.loadKey(ctx, key)
	}, loaded)
}

func (s *Store) loadAsync(key string, load func(context.Context) ([]*core.CanonicalCookie, error), loaded func([]*core.CanonicalCookie)) {
	s.loads.Add(1)
	go func() {
		defer s.loads.Done()
		if err := s.batch.commitNow(); err != nil {
			s.logger.Warn("committing cookies before load", "error", err)
		}

		ctx, cancel := s.context()
		cs, err := load(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("loading cookies", "key", key, "error", err)
		}
		cs = s.filterLoaded(cs)
		s.logger.Debug("loaded cookies", "key", key, "count", len(cs))
		loaded(cs)
	}()
}

// filterLoaded drops session cookies unless they are restored, queueing
// their deletion.
func (s *Store) filterLoaded(cs []*core.CanonicalCookie) []*core.CanonicalCookie {
	if s.opts.RestoreSessionCookies {
		return cs
	}
	kept := cs[:0]
	for _, c := range cs {
		if c.IsPersistent() {
			kept = append(kept, c)
			continue
		}
		s.batch.add(op{kind: opDelete, cookie: c})
	}
	return kept
}

func (s *Store) enqueue(kind opKind, c *core.CanonicalCookie) {
	if s.closed.Load() {
		return
	}
	s.batch.add(op{kind: kind, cookie: c.Clone()})
}

// AddCookie queues c for writing.
func (s *Store) AddCookie(c *core.CanonicalCookie) { s.enqueue(opAdd, c) }

// UpdateCookieAccessTime queues a last access update for c.
func (s *Store) UpdateCookieAccessTime(c *core.CanonicalCookie) { s.enqueue(opUpdateAccess, c) }

// DeleteCookie queues c for deletion.
func (s *Store) DeleteCookie(c *core.CanonicalCookie) { s.enqueue(opDelete, c) }

// SetForceKeepSessionState keeps session cookies in the backend on Close.
func (s *Store) SetForceKeepSessionState() { s.keep.Store(true) }

// Flush commits pending writes on a new goroutine and then calls done.
func (s *Store) Flush(done func()) {
	go func() {
		if err := s.batch.commitNow(); err != nil {
			s.logger.Warn("flushing cookies", "error", err)
		}
		if done != nil {
			done()
		}
	}()
}

// Close commits pending writes, waits for in-flight loads and releases the
// backend. Stored session cookies are deleted unless SetForceKeepSessionState
// was called.
func (s *Store) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	s.loads.Wait()
	s.batch.stop()
	err := s.batch.commitNow()

	if !s.keep.Load() {
		ctx, cancel := s.context()
		if perr := s.b.purgeSession(ctx); perr != nil && err == nil {
			err = perr
		}
		cancel()
	}
	if cerr := s.b.close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
