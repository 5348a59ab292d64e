package cookies

import (
	"net/url"
	"sync/atomic"

	"github.com/meigma/netstore/core"
)

// Subscription is a registered change callback.
type Subscription struct {
	m  *Monster
	id uint64
}

// Unsubscribe stops further deliveries. A change already queued for delivery
// is dropped as well.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.m == nil {
		return
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for i, sub := range s.m.subscribers {
		if sub.id == s.id {
			sub.active.Store(false)
			s.m.subscribers = append(s.m.subscribers[:i], s.m.subscribers[i+1:]...)
			return
		}
	}
}

type subscriber struct {
	id     uint64
	url    *url.URL
	name   string
	cb     func(core.CookieChange)
	active atomic.Bool
}

// matches reports whether the change is of interest to the subscriber.
// Subscribers for a URL see changes to cookies that would be sent to it.
func (s *subscriber) matches(c *core.CanonicalCookie) bool {
	if s.url == nil {
		return true
	}
	if c.Name != s.name {
		return false
	}
	return c.IncludeForRequest(s.url, core.CookieOptions{
		IncludeHTTPOnly: true,
		SameSiteContext: core.ContextSameSiteStrict,
	})
}

// AddCallbackForCookie registers cb for changes to cookies named name that
// would be sent to u.
func (m *Monster) AddCallbackForCookie(u *url.URL, name string, cb func(core.CookieChange)) *Subscription {
	return m.subscribe(&subscriber{url: u, name: name, cb: cb})
}

// AddCallbackForAllChanges registers cb for every change.
func (m *Monster) AddCallbackForAllChanges(cb func(core.CookieChange)) *Subscription {
	return m.subscribe(&subscriber{cb: cb})
}

func (m *Monster) subscribe(s *subscriber) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubscriberID++
	s.id = m.nextSubscriberID
	s.active.Store(true)
	m.subscribers = append(m.subscribers, s)
	return &Subscription{m: m, id: s.id}
}

// dispatchLocked queues a change notification. Caller must hold m.mu.
func (m *Monster) dispatchLocked(c *core.CanonicalCookie, cause core.ChangeCause) {
	m.metrics.CookieChange(cause.String())
	if len(m.subscribers) == 0 {
		return
	}
	change := core.CookieChange{Cookie: *c, Cause: cause}
	for _, s := range m.subscribers {
		if !s.matches(c) {
			continue
		}
		m.postLocked(func() {
			if s.active.Load() {
				s.cb(change)
			}
		})
	}
}
