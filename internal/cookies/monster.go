// Package cookies implements an in-memory cookie jar backed by an optional
// persistent store.
//
// All state lives behind one mutex. Operations that need cookies from the
// store are queued until the relevant load finishes. Result callbacks and
// change notifications are delivered in order, outside the lock, by whichever
// goroutine is draining the delivery queue. Callbacks must not call the
// blocking methods of the same Monster.
package cookies

import (
	"context"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/netstore/core"
	"github.com/meigma/netstore/internal/contracts"
	"github.com/meigma/netstore/internal/metrics"
)

// Monster is a cookie jar.
type Monster struct {
	store           contracts.PersistentCookieStore
	logger          *slog.Logger
	metrics         *metrics.Metrics
	clock           contracts.Clock
	domainKey       contracts.DomainKeyFunc
	limits          Limits
	accessThreshold time.Duration
	persistSession  bool
	keyedLoadOnly   bool

	mu             sync.Mutex
	cookies        map[string][]*core.CanonicalCookie
	count          int
	creations      map[int64]struct{}
	lastTimeSeen   time.Time
	earliestAccess time.Time

	loader loaderState

	subscribers      []*subscriber
	nextSubscriberID uint64

	out        []func()
	delivering bool
	closed     atomic.Bool
	done       chan struct{}
}

// New returns a jar. A nil store keeps cookies in memory only.
func New(store contracts.PersistentCookieStore, opts Options) *Monster {
	opts.applyDefaults()
	return &Monster{
		store:           store,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		clock:           opts.Clock,
		domainKey:       opts.DomainKey,
		limits:          opts.Limits,
		accessThreshold: opts.AccessThreshold,
		persistSession:  opts.PersistSessionCookies,
		keyedLoadOnly:   opts.KeyedLoadOnly,
		cookies:         make(map[string][]*core.CanonicalCookie),
		creations:       make(map[int64]struct{}),
		loader:          newLoaderState(),
		done:            make(chan struct{}),
	}
}

// Close drops queued operations and deliveries without running them. The
// store is left open.
func (m *Monster) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Swap(true) {
		return
	}
	m.loader.drop()
	m.out = nil
	close(m.done)
}

// postLocked queues fn for delivery after the lock is released.
func (m *Monster) postLocked(fn func()) {
	if m.closed.Load() {
		return
	}
	m.out = append(m.out, fn)
}

// post queues fn from outside the lock and delivers it.
func (m *Monster) post(fn func()) {
	m.mu.Lock()
	m.postLocked(fn)
	m.unlockAndDeliver()
}

// unlockAndDeliver releases m.mu and runs queued deliveries unless another
// goroutine is already doing so.
func (m *Monster) unlockAndDeliver() {
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.out) > 0 {
		batch := m.out
		m.out = nil
		m.mu.Unlock()
		for _, fn := range batch {
			if m.closed.Load() {
				break
			}
			fn()
		}
		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}

// currentTime returns a time strictly after any time handed out before.
func (m *Monster) currentTime() time.Time {
	now := m.clock()
	if !now.After(m.lastTimeSeen) {
		now = m.lastTimeSeen.Add(time.Nanosecond)
	}
	m.lastTimeSeen = now
	return now
}

// uniqueCreation moves t forward until no resident cookie was created at it.
func (m *Monster) uniqueCreation(t time.Time) time.Time {
	for {
		if _, taken := m.creations[t.UnixNano()]; !taken {
			break
		}
		t = t.Add(time.Nanosecond)
	}
	if t.After(m.lastTimeSeen) {
		m.lastTimeSeen = t
	}
	return t
}

func (m *Monster) keyOf(c *core.CanonicalCookie) string {
	return m.domainKey(c.DomainWithoutDot())
}

func (m *Monster) shouldUpdateStore(c *core.CanonicalCookie) bool {
	return m.store != nil && (c.IsPersistent() || m.persistSession)
}

// insertLocked adds c to the bucket for key. Caller must hold m.mu.
func (m *Monster) insertLocked(key string, c *core.CanonicalCookie, syncStore, notify bool) {
	c.Creation = m.uniqueCreation(c.Creation)
	if c.LastAccess.IsZero() {
		c.LastAccess = c.Creation
	}
	m.cookies[key] = append(m.cookies[key], c)
	m.count++
	m.creations[c.Creation.UnixNano()] = struct{}{}

	if syncStore && m.shouldUpdateStore(c) {
		m.store.AddCookie(c.Clone())
	}
	if notify {
		m.dispatchLocked(c, core.CauseInserted)
	}
}

// deleteLocked removes c from the bucket for key. Caller must hold m.mu.
func (m *Monster) deleteLocked(key string, c *core.CanonicalCookie, syncStore bool, cause core.ChangeCause, notify bool) {
	bucket := m.cookies[key]
	for i, cur := range bucket {
		if cur != c {
			continue
		}
		bucket = append(bucket[:i], bucket[i+1:]...)
		if len(bucket) == 0 {
			delete(m.cookies, key)
		} else {
			m.cookies[key] = bucket
		}
		m.count--
		delete(m.creations, c.Creation.UnixNano())

		if syncStore && m.shouldUpdateStore(c) {
			m.store.DeleteCookie(c.Clone())
		}
		if notify {
			m.dispatchLocked(c, cause)
		}
		return
	}
}

// updateAccessTimeLocked bumps the last access time once the threshold has
// passed since the previous bump.
func (m *Monster) updateAccessTimeLocked(c *core.CanonicalCookie, now time.Time) {
	if now.Sub(c.LastAccess) < m.accessThreshold {
		return
	}
	c.LastAccess = now
	if m.shouldUpdateStore(c) {
		m.store.UpdateCookieAccessTime(c.Clone())
	}
}

// sortCookies orders cookies by path length, longest first, then by
// creation time, oldest first.
func sortCookies(cs []*core.CanonicalCookie) {
	sort.Slice(cs, func(i, j int) bool {
		if len(cs[i].Path) != len(cs[j].Path) {
			return len(cs[i].Path) > len(cs[j].Path)
		}
		return cs[i].Creation.Before(cs[j].Creation)
	})
}

func copyCookies(cs []*core.CanonicalCookie) []core.CanonicalCookie {
	out := make([]core.CanonicalCookie, len(cs))
	for i, c := range cs {
		out[i] = *c
	}
	return out
}

// SetCanonicalCookieAsync stores c as set by a response from source. Setting
// HttpOnly cookies, or replacing them, requires opts.IncludeHTTPOnly. cb
// reports whether the cookie was accepted.
func (m *Monster) SetCanonicalCookieAsync(c *core.CanonicalCookie, source *url.URL, opts core.CookieOptions, cb func(bool)) {
	cc := c.Clone()
	m.doCookieCallbackForHost(cc.DomainWithoutDot(), func() {
		ok := m.setCanonicalCookieLocked(cc, source, opts)
		m.deliverLocked(func() { cb(ok) }, cb != nil)
	})
}

func (m *Monster) setCanonicalCookieLocked(cc *core.CanonicalCookie, source *url.URL, opts core.CookieOptions) bool {
	if source == nil || !cc.IsCanonical() {
		m.logger.Debug("rejecting non-canonical cookie", "name", cc.Name, "domain", cc.Domain)
		return false
	}
	secureSource := core.IsSecureScheme(source.Scheme)
	if cc.Secure && !secureSource {
		m.logger.Debug("rejecting secure cookie from insecure source", "name", cc.Name, "domain", cc.Domain)
		return false
	}
	if !cc.IsDomainMatch(source.Hostname()) {
		m.logger.Debug("rejecting cookie for foreign domain", "name", cc.Name, "domain", cc.Domain, "host", source.Hostname())
		return false
	}
	if cc.HTTPOnly && !opts.IncludeHTTPOnly {
		return false
	}

	key := m.keyOf(cc)
	if cc.Creation.IsZero() {
		cc.Creation = m.currentTime()
	}
	if cc.LastAccess.IsZero() {
		cc.LastAccess = cc.Creation
	}
	alreadyExpired := cc.IsExpired(cc.Creation)

	inherit, ok := m.deleteAnyEquivalentLocked(key, cc, secureSource, !opts.IncludeHTTPOnly, alreadyExpired)
	if !ok {
		return false
	}

	if !alreadyExpired {
		if !inherit.IsZero() {
			cc.Creation = inherit
		}
		m.insertLocked(key, cc, true, true)
	}
	m.garbageCollectLocked(m.clock(), key)
	return true
}

// deleteAnyEquivalentLocked removes the cookie equivalent to cc unless a
// secure or HttpOnly cookie blocks the write. It returns the creation time cc
// inherits, which is set only when the replaced cookie had the same value.
func (m *Monster) deleteAnyEquivalentLocked(key string, cc *core.CanonicalCookie, secureSource, skipHTTPOnly, alreadyExpired bool) (time.Time, bool) {
	var (
		candidate       *core.CanonicalCookie
		blockedSecure   bool
		blockedHTTPOnly bool
	)
	for _, cur := range m.cookies[key] {
		if cur.Secure && !secureSource && cc.IsEquivalentForSecureCookieMatching(cur) {
			blockedSecure = true
		}
		if cc.IsEquivalent(cur) {
			if skipHTTPOnly && cur.HTTPOnly {
				blockedHTTPOnly = true
			} else {
				candidate = cur
			}
		}
	}

	var inherit time.Time
	if candidate != nil && candidate.Value == cc.Value {
		inherit = candidate.Creation
	}
	if blockedSecure || blockedHTTPOnly {
		m.logger.Debug("not clobbering protected cookie",
			"name", cc.Name, "domain", cc.Domain, "secure", blockedSecure, "http_only", blockedHTTPOnly)
		return time.Time{}, false
	}
	if candidate != nil {
		cause := core.CauseOverwrite
		if alreadyExpired {
			cause = core.CauseExpiredOverwrite
		}
		m.deleteLocked(key, candidate, true, cause, true)
	}
	return inherit, true
}

// SetAllCookiesAsync replaces every cookie with list. Expired cookies in list
// are skipped.
func (m *Monster) SetAllCookiesAsync(list []core.CanonicalCookie, cb func(bool)) {
	cs := make([]*core.CanonicalCookie, len(list))
	for i := range list {
		cs[i] = list[i].Clone()
	}
	m.doCookieCallback(func() {
		for key, bucket := range m.cookies {
			for _, c := range append([]*core.CanonicalCookie(nil), bucket...) {
				m.deleteLocked(key, c, true, core.CauseExplicit, true)
			}
		}
		for _, c := range cs {
			if c.Creation.IsZero() {
				c.Creation = m.currentTime()
			}
			if c.IsExpired(c.Creation) {
				continue
			}
			key := m.keyOf(c)
			m.insertLocked(key, c, true, true)
			m.garbageCollectLocked(m.clock(), key)
		}
		m.deliverLocked(func() { cb(true) }, cb != nil)
	})
}

// GetCookieListWithOptionsAsync returns the cookies that would be sent on a
// request to u.
func (m *Monster) GetCookieListWithOptionsAsync(u *url.URL, opts core.CookieOptions, cb func([]core.CanonicalCookie)) {
	m.doCookieCallbackForHost(u.Hostname(), func() {
		now := m.clock()
		key := m.domainKey(u.Hostname())

		var live []*core.CanonicalCookie
		for _, c := range append([]*core.CanonicalCookie(nil), m.cookies[key]...) {
			if c.IsExpired(now) {
				m.deleteLocked(key, c, true, core.CauseExpired, true)
				continue
			}
			live = append(live, c)
		}
		sortCookies(live)

		included := live[:0]
		for _, c := range live {
			if !c.IncludeForRequest(u, opts) {
				continue
			}
			if !opts.SkipAccessTimeUpdate {
				m.updateAccessTimeLocked(c, now)
			}
			included = append(included, c)
		}
		result := copyCookies(included)
		m.deliverLocked(func() { cb(result) }, cb != nil)
	})
}

// GetAllCookiesAsync returns every unexpired cookie. Expired cookies are
// removed on the way.
func (m *Monster) GetAllCookiesAsync(cb func([]core.CanonicalCookie)) {
	m.doCookieCallback(func() {
		m.collectAllExpiredLocked(m.clock())
		all := make([]*core.CanonicalCookie, 0, m.count)
		for _, bucket := range m.cookies {
			all = append(all, bucket...)
		}
		sortCookies(all)
		result := copyCookies(all)
		m.deliverLocked(func() { cb(result) }, cb != nil)
	})
}

// DeleteCanonicalCookieAsync deletes the cookie equivalent to c if it still
// has c's value. cb receives the number of cookies deleted.
func (m *Monster) DeleteCanonicalCookieAsync(c *core.CanonicalCookie, cb func(int)) {
	target := c.Clone()
	m.doCookieCallbackForHost(target.DomainWithoutDot(), func() {
		key := m.keyOf(target)
		n := 0
		for _, cur := range m.cookies[key] {
			if cur.IsEquivalent(target) && cur.Value == target.Value {
				m.deleteLocked(key, cur, true, core.CauseExplicit, true)
				n = 1
				break
			}
		}
		m.postLocked(func() { m.flushThen(cb, n) })
	})
}

// DeleteAllCreatedInTimeRangeAsync deletes cookies created in [start, end).
// A zero bound is open.
func (m *Monster) DeleteAllCreatedInTimeRangeAsync(start, end time.Time, cb func(int)) {
	m.deleteMatching(func(c *core.CanonicalCookie) bool {
		if !start.IsZero() && c.Creation.Before(start) {
			return false
		}
		return end.IsZero() || c.Creation.Before(end)
	}, cb)
}

// DeleteMatchingCookiesAsync deletes every cookie for which pred is true.
func (m *Monster) DeleteMatchingCookiesAsync(pred func(*core.CanonicalCookie) bool, cb func(int)) {
	m.deleteMatching(pred, cb)
}

// DeleteSessionCookiesAsync deletes every cookie without an expiry.
func (m *Monster) DeleteSessionCookiesAsync(cb func(int)) {
	m.deleteMatching(func(c *core.CanonicalCookie) bool { return !c.IsPersistent() }, cb)
}

func (m *Monster) deleteMatching(pred func(*core.CanonicalCookie) bool, cb func(int)) {
	m.doCookieCallback(func() {
		n := 0
		for key, bucket := range m.cookies {
			for _, c := range append([]*core.CanonicalCookie(nil), bucket...) {
				if pred(c) {
					m.deleteLocked(key, c, true, core.CauseExplicit, true)
					n++
				}
			}
		}
		m.postLocked(func() { m.flushThen(cb, n) })
	})
}

// flushThen flushes the store and then delivers cb(n).
func (m *Monster) flushThen(cb func(int), n int) {
	m.FlushStore(func() {
		if cb != nil {
			cb(n)
		}
	})
}

// deliverLocked queues fn when ok is set. Caller must hold m.mu.
func (m *Monster) deliverLocked(fn func(), ok bool) {
	if ok {
		m.postLocked(fn)
	}
}

// FlushStore commits pending store writes and then calls cb, which may be nil.
func (m *Monster) FlushStore(cb func()) {
	if m.closed.Load() {
		return
	}
	if m.store == nil {
		if cb != nil {
			m.post(cb)
		}
		return
	}
	m.store.Flush(func() {
		if cb != nil {
			m.post(cb)
		}
	})
}

// SetForceKeepSessionState asks the store to keep session cookies on disk.
func (m *Monster) SetForceKeepSessionState() {
	if m.store != nil {
		m.store.SetForceKeepSessionState()
	}
}

// await runs an asynchronous operation and waits for its callback.
func await[T any](ctx context.Context, m *Monster, start func(func(T))) (T, error) {
	ch := make(chan T, 1)
	start(func(v T) { ch <- v })

	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.done:
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, core.ErrClosed
		}
	}
}

// SetCanonicalCookie is the blocking form of SetCanonicalCookieAsync.
func (m *Monster) SetCanonicalCookie(ctx context.Context, c *core.CanonicalCookie, source *url.URL, opts core.CookieOptions) (bool, error) {
	return await(ctx, m, func(cb func(bool)) { m.SetCanonicalCookieAsync(c, source, opts, cb) })
}

// SetAllCookies is the blocking form of SetAllCookiesAsync.
func (m *Monster) SetAllCookies(ctx context.Context, list []core.CanonicalCookie) error {
	_, err := await(ctx, m, func(cb func(bool)) { m.SetAllCookiesAsync(list, cb) })
	return err
}

// GetCookieListWithOptions is the blocking form of GetCookieListWithOptionsAsync.
func (m *Monster) GetCookieListWithOptions(ctx context.Context, u *url.URL, opts core.CookieOptions) ([]core.CanonicalCookie, error) {
	return await(ctx, m, func(cb func([]core.CanonicalCookie)) { m.GetCookieListWithOptionsAsync(u, opts, cb) })
}

// GetAllCookies is the blocking form of GetAllCookiesAsync.
func (m *Monster) GetAllCookies(ctx context.Context) ([]core.CanonicalCookie, error) {
	return await(ctx, m, m.GetAllCookiesAsync)
}

// DeleteCanonicalCookie is the blocking form of DeleteCanonicalCookieAsync.
func (m *Monster) DeleteCanonicalCookie(ctx context.Context, c *core.CanonicalCookie) (int, error) {
	return await(ctx, m, func(cb func(int)) { m.DeleteCanonicalCookieAsync(c, cb) })
}

// DeleteAllCreatedInTimeRange is the blocking form of DeleteAllCreatedInTimeRangeAsync.
func (m *Monster) DeleteAllCreatedInTimeRange(ctx context.Context, start, end time.Time) (int, error) {
	return await(ctx, m, func(cb func(int)) { m.DeleteAllCreatedInTimeRangeAsync(start, end, cb) })
}

// DeleteMatchingCookies is the blocking form of DeleteMatchingCookiesAsync.
func (m *Monster) DeleteMatchingCookies(ctx context.Context, pred func(*core.CanonicalCookie) bool) (int, error) {
	return await(ctx, m, func(cb func(int)) { m.DeleteMatchingCookiesAsync(pred, cb) })
}

// DeleteSessionCookies is the blocking form of DeleteSessionCookiesAsync.
func (m *Monster) DeleteSessionCookies(ctx context.Context) (int, error) {
	return await(ctx, m, m.DeleteSessionCookiesAsync)
}

// Flush is the blocking form of FlushStore.
func (m *Monster) Flush(ctx context.Context) error {
	_, err := await(ctx, m, func(cb func(struct{})) {
		m.FlushStore(func() { cb(struct{}{}) })
	})
	return err
}
