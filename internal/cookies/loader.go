package cookies

import (
	"github.com/meigma/netstore/core"
)

// loaderState tracks the deferred load from the persistent store.
type loaderState struct {
	startedAll  bool
	finishedAll bool
	// seenGlobal is set once a global operation or the full load has been
	// seen. From then on keyed operations queue globally too.
	seenGlobal bool

	pending       []func()
	pendingForKey map[string][]func()
	keyOrder      []string
	keysLoaded    map[string]bool
}

func newLoaderState() loaderState {
	return loaderState{
		pendingForKey: make(map[string][]func()),
		keysLoaded:    make(map[string]bool),
	}
}

func (l *loaderState) drop() {
	l.pending = nil
	l.pendingForKey = make(map[string][]func())
	l.keyOrder = nil
}

// loaded reports whether operations can run without waiting on the store.
func (m *Monster) loadedLocked() bool {
	return m.store == nil || m.loader.finishedAll
}

// fetchAllIfNecessaryLocked starts the full load once. The store is called
// after the lock is released.
func (m *Monster) fetchAllIfNecessaryLocked() {
	if m.store == nil || m.loader.startedAll {
		return
	}
	m.loader.startedAll = true
	m.logger.Debug("loading cookie store")
	m.postLocked(func() { m.store.Load(m.onLoaded) })
}

// doCookieCallback runs task under the lock once every cookie is loaded.
func (m *Monster) doCookieCallback(task func()) {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return
	}
	m.fetchAllIfNecessaryLocked()
	m.loader.seenGlobal = true

	if !m.loadedLocked() {
		m.loader.pending = append(m.loader.pending, task)
		m.unlockAndDeliver()
		return
	}
	task()
	m.unlockAndDeliver()
}

// doCookieCallbackForHost runs task under the lock once the cookies for the
// domain key of host are loaded.
func (m *Monster) doCookieCallbackForHost(host string, task func()) {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return
	}
	if !m.keyedLoadOnly {
		m.fetchAllIfNecessaryLocked()
	}

	if !m.loadedLocked() {
		if m.loader.seenGlobal {
			m.loader.pending = append(m.loader.pending, task)
			m.unlockAndDeliver()
			return
		}
		key := m.domainKey(host)
		if !m.loader.keysLoaded[key] {
			queue, ok := m.loader.pendingForKey[key]
			if !ok {
				m.loader.keyOrder = append(m.loader.keyOrder, key)
				m.postLocked(func() {
					m.store.LoadCookiesForKey(key, func(cs []*core.CanonicalCookie) {
						m.onKeyLoaded(key, cs)
					})
				})
			}
			m.loader.pendingForKey[key] = append(queue, task)
			m.unlockAndDeliver()
			return
		}
	}
	task()
	m.unlockAndDeliver()
}

// onLoaded receives every stored cookie and runs all queued operations.
func (m *Monster) onLoaded(cs []*core.CanonicalCookie) {
	m.mu.Lock()
	if m.closed.Load() || m.loader.finishedAll {
		m.mu.Unlock()
		return
	}
	m.storeLoadedCookiesLocked(cs)
	m.logger.Debug("cookie store loaded", "cookies", m.count)

	// Per-key queues move to the front of the global queue in case the full
	// load finished before a key load was delivered.
	m.loader.seenGlobal = true
	var moved []func()
	for _, key := range m.loader.keyOrder {
		moved = append(moved, m.loader.pendingForKey[key]...)
	}
	m.loader.pending = append(moved, m.loader.pending...)
	m.loader.pendingForKey = make(map[string][]func())
	m.loader.keyOrder = nil

	for len(m.loader.pending) > 0 {
		task := m.loader.pending[0]
		m.loader.pending[0] = nil
		m.loader.pending = m.loader.pending[1:]
		task()
	}
	m.loader.finishedAll = true
	m.loader.keysLoaded = make(map[string]bool)
	m.unlockAndDeliver()
}

// onKeyLoaded receives the cookies for key and runs the operations queued
// behind it in order.
func (m *Monster) onKeyLoaded(key string, cs []*core.CanonicalCookie) {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return
	}
	if !m.loader.finishedAll {
		m.storeLoadedCookiesLocked(cs)
	}

	tasks, ok := m.loader.pendingForKey[key]
	if !ok {
		m.unlockAndDeliver()
		return
	}
	delete(m.loader.pendingForKey, key)
	for i, k := range m.loader.keyOrder {
		if k == key {
			m.loader.keyOrder = append(m.loader.keyOrder[:i], m.loader.keyOrder[i+1:]...)
			break
		}
	}
	for _, task := range tasks {
		task()
	}
	m.loader.keysLoaded[key] = true
	m.unlockAndDeliver()
}

// storeLoadedCookiesLocked inserts cookies read from the store. Cookies that
// are not canonical, or whose creation time is already taken by a resident
// cookie, are dropped. Caller must hold m.mu.
func (m *Monster) storeLoadedCookiesLocked(cs []*core.CanonicalCookie) {
	touched := make(map[string]bool)
	for _, c := range cs {
		if c == nil {
			continue
		}
		if !c.IsCanonical() {
			m.logger.Warn("dropping invalid stored cookie", "name", c.Name, "domain", c.Domain)
			if m.store != nil {
				m.store.DeleteCookie(c.Clone())
			}
			continue
		}
		cc := c.Clone()
		if cc.Creation.IsZero() {
			cc.Creation = m.currentTime()
		} else if _, dup := m.creations[cc.Creation.UnixNano()]; dup {
			continue
		}
		key := m.keyOf(cc)
		m.insertLocked(key, cc, false, false)
		touched[key] = true

		if m.earliestAccess.IsZero() || cc.LastAccess.Before(m.earliestAccess) {
			m.earliestAccess = cc.LastAccess
		}
	}
	for key := range touched {
		m.trimDuplicatesLocked(key)
	}
}

// trimDuplicatesLocked keeps only the most recently created cookie of each
// (name, domain, path) in the bucket for key. Caller must hold m.mu.
func (m *Monster) trimDuplicatesLocked(key string) {
	type identity struct{ name, domain, path string }
	newest := make(map[identity]*core.CanonicalCookie)
	var dupes []*core.CanonicalCookie
	for _, c := range m.cookies[key] {
		id := identity{c.Name, c.Domain, c.Path}
		cur, ok := newest[id]
		switch {
		case !ok:
			newest[id] = c
		case c.Creation.After(cur.Creation):
			dupes = append(dupes, cur)
			newest[id] = c
		default:
			dupes = append(dupes, c)
		}
	}
	if len(dupes) == 0 {
		return
	}
	m.logger.Warn("removing duplicate stored cookies", "key", key, "count", len(dupes))
	for _, c := range dupes {
		m.deleteLocked(key, c, true, core.CauseExplicit, false)
	}
}
