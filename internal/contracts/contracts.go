// Package contracts defines internal interfaces shared across netstore components.
// These interfaces are intentionally internal to avoid exposing implementation
// contracts as part of the public API.
package contracts

import (
	"time"

	"github.com/meigma/netstore/core"
)

// PersistentCookieStore backs a cookie jar.
//
// Load and LoadCookiesForKey may complete on any goroutine, including the
// caller's. The jar never calls a store while holding its own lock for a load,
// so a synchronous implementation is safe. AddCookie, UpdateCookieAccessTime
// and DeleteCookie must not block on I/O and must not call back into the jar.
type PersistentCookieStore interface {
	// Load reads every stored cookie and passes them to loaded exactly once.
	Load(loaded func([]*core.CanonicalCookie))

	// LoadCookiesForKey reads the cookies whose domain key equals key.
	LoadCookiesForKey(key string, loaded func([]*core.CanonicalCookie))

	AddCookie(c *core.CanonicalCookie)
	UpdateCookieAccessTime(c *core.CanonicalCookie)
	DeleteCookie(c *core.CanonicalCookie)

	// SetForceKeepSessionState keeps session cookies on disk across restarts.
	SetForceKeepSessionState()

	// Flush commits pending writes and calls done when finished. done may be nil.
	Flush(done func())
}

// DomainKeyFunc maps a cookie domain (without leading dot) or host to the
// key cookies are bucketed by, usually the registrable domain.
type DomainKeyFunc func(host string) string

// Clock returns the current time.
type Clock func() time.Time
