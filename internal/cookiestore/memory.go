package cookiestore

import (
	"sort"
	"sync"

	"github.com/meigma/netstore/core"
	"github.com/meigma/netstore/internal/contracts"
	"github.com/meigma/netstore/internal/domainkey"
)

// MemoryStore keeps cookies in memory and completes every call synchronously.
type MemoryStore struct {
	domainKey contracts.DomainKeyFunc

	mu        sync.Mutex
	cookies   map[identity]*core.CanonicalCookie
	forceKeep bool
	flushes   int
}

var _ contracts.PersistentCookieStore = (*MemoryStore)(nil)

// NewMemoryStore returns a store holding seed. A nil domainKey defaults to
// domainkey.Of.
func NewMemoryStore(domainKey contracts.DomainKeyFunc, seed ...core.CanonicalCookie) *MemoryStore {
	if domainKey == nil {
		domainKey = domainkey.Of
	}
	s := &MemoryStore{domainKey: domainKey, cookies: make(map[identity]*core.CanonicalCookie)}
	for i := range seed {
		c := seed[i]
		s.cookies[identityOf(&c)] = &c
	}
	return s
}

func (s *MemoryStore) collect(match func(*core.CanonicalCookie) bool) []*core.CanonicalCookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.CanonicalCookie
	for _, c := range s.cookies {
		if match == nil || match(c) {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (s *MemoryStore) Load(loaded func([]*core.CanonicalCookie)) {
	loaded(s.collect(nil))
}

func (s *MemoryStore) LoadCookiesForKey(key string, loaded func([]*core.CanonicalCookie)) {
	loaded(s.collect(func(c *core.CanonicalCookie) bool {
		return s.domainKey(c.DomainWithoutDot()) == key
	}))
}

func (s *MemoryStore) AddCookie(c *core.CanonicalCookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies[identityOf(c)] = c.Clone()
}

func (s *MemoryStore) UpdateCookieAccessTime(c *core.CanonicalCookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cookies[identityOf(c)]; ok {
		cur.LastAccess = c.LastAccess
	}
}

func (s *MemoryStore) DeleteCookie(c *core.CanonicalCookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cookies, identityOf(c))
}

func (s *MemoryStore) SetForceKeepSessionState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceKeep = true
}

func (s *MemoryStore) Flush(done func()) {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	if done != nil {
		done()
	}
}

// Cookies returns the stored cookies ordered by creation time.
func (s *MemoryStore) Cookies() []core.CanonicalCookie {
	cs := s.collect(nil)
	sort.Slice(cs, func(i, j int) bool { return cs[i].Creation.Before(cs[j].Creation) })
	out := make([]core.CanonicalCookie, len(cs))
	for i, c := range cs {
		out[i] = *c
	}
	return out
}

// Flushes reports how many times Flush was called.
func (s *MemoryStore) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// ForceKeepSessionState reports whether SetForceKeepSessionState was called.
func (s *MemoryStore) ForceKeepSessionState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceKeep
}
