package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Priority is the eviction priority of a cookie.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// DefaultPriority is assigned to cookies that do not specify one.
const DefaultPriority = PriorityMedium

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority parses "low", "medium" or "high". An empty string is
// DefaultPriority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return DefaultPriority, fmt.Errorf("%w: priority %q", ErrInvalidArgument, s)
	}
}

// SameSite is the SameSite attribute of a cookie.
type SameSite int

const (
	SameSiteUnspecified SameSite = iota
	SameSiteNone
	SameSiteLax
	SameSiteStrict
)

func (s SameSite) String() string {
	switch s {
	case SameSiteNone:
		return "none"
	case SameSiteLax:
		return "lax"
	case SameSiteStrict:
		return "strict"
	default:
		return "unspecified"
	}
}

// ParseSameSite parses "none", "lax", "strict" or "unspecified". An empty
// string is SameSiteUnspecified.
func ParseSameSite(s string) (SameSite, error) {
	switch strings.ToLower(s) {
	case "none":
		return SameSiteNone, nil
	case "lax":
		return SameSiteLax, nil
	case "strict":
		return SameSiteStrict, nil
	case "unspecified", "":
		return SameSiteUnspecified, nil
	default:
		return SameSiteUnspecified, fmt.Errorf("%w: same-site %q", ErrInvalidArgument, s)
	}
}

// SameSiteContext describes the relationship between a request and the site
// that initiated it.
type SameSiteContext int

const (
	// ContextSameSiteStrict is a same-site request; every cookie is eligible.
	ContextSameSiteStrict SameSiteContext = iota
	// ContextSameSiteLax is a top-level cross-site navigation.
	ContextSameSiteLax
	// ContextCrossSite is any other cross-site request.
	ContextCrossSite
)

// ChangeCause explains why a cookie was added to or removed from the jar.
type ChangeCause int

const (
	// CauseInserted means the cookie was added.
	CauseInserted ChangeCause = iota
	// CauseExplicit means the cookie was deleted by an explicit request.
	CauseExplicit
	// CauseUnknownDeletion means the cookie was deleted for an unspecified reason.
	CauseUnknownDeletion
	// CauseOverwrite means the cookie was replaced by an equivalent one.
	CauseOverwrite
	// CauseExpired means the cookie expired.
	CauseExpired
	// CauseEvicted means the cookie was removed by garbage collection.
	CauseEvicted
	// CauseExpiredOverwrite means the cookie was replaced by an already expired one.
	CauseExpiredOverwrite
)

// IsDeletion reports whether the cause describes a removal.
func (c ChangeCause) IsDeletion() bool {
	return c != CauseInserted
}

func (c ChangeCause) String() string {
	switch c {
	case CauseInserted:
		return "inserted"
	case CauseExplicit:
		return "explicit"
	case CauseUnknownDeletion:
		return "unknown_deletion"
	case CauseOverwrite:
		return "overwrite"
	case CauseExpired:
		return "expired"
	case CauseEvicted:
		return "evicted"
	case CauseExpiredOverwrite:
		return "expired_overwrite"
	default:
		return "unknown"
	}
}

// CanonicalCookie is a parsed and validated cookie.
//
// Domain starts with a dot for domain cookies and is the bare host for
// host-only cookies. A zero Expiry marks a session cookie.
type CanonicalCookie struct {
	Name       string    `json:"name"`
	Value      string    `json:"value"`
	Domain     string    `json:"domain"`
	Path       string    `json:"path"`
	Creation   time.Time `json:"creation"`
	Expiry     time.Time `json:"expiry,omitzero"`
	LastAccess time.Time `json:"last_access,omitzero"`
	Secure     bool      `json:"secure,omitempty"`
	HTTPOnly   bool      `json:"http_only,omitempty"`
	SameSite   SameSite  `json:"same_site,omitempty"`
	Priority   Priority  `json:"priority"`
}

// CookieChange is delivered to change subscribers.
type CookieChange struct {
	Cookie CanonicalCookie
	Cause  ChangeCause
}

// CookieOptions controls which cookies a request may read.
type CookieOptions struct {
	// IncludeHTTPOnly includes HttpOnly cookies. Script access leaves this false.
	IncludeHTTPOnly bool
	// SameSiteContext is the same-site relationship of the request.
	SameSiteContext SameSiteContext
	// SkipAccessTimeUpdate leaves last access times untouched.
	SkipAccessTimeUpdate bool
}

// Clone returns a copy of the cookie.
func (c *CanonicalCookie) Clone() *CanonicalCookie {
	cp := *c
	return &cp
}

// IsPersistent reports whether the cookie has an expiry date.
func (c *CanonicalCookie) IsPersistent() bool {
	return !c.Expiry.IsZero()
}

// IsExpired reports whether the cookie is expired at now.
func (c *CanonicalCookie) IsExpired(now time.Time) bool {
	return c.IsPersistent() && !c.Expiry.After(now)
}

// IsDomainCookie reports whether the cookie applies to subdomains.
func (c *CanonicalCookie) IsDomainCookie() bool {
	return strings.HasPrefix(c.Domain, ".")
}

// DomainWithoutDot returns the domain with any leading dot removed.
func (c *CanonicalCookie) DomainWithoutDot() string {
	return strings.TrimPrefix(c.Domain, ".")
}

// IsEquivalent reports whether both cookies share name, domain and path.
func (c *CanonicalCookie) IsEquivalent(o *CanonicalCookie) bool {
	return c.Name == o.Name && c.Domain == o.Domain && c.Path == o.Path
}

// IsEquivalentForSecureCookieMatching reports whether c would shadow the
// secure cookie: same name, domains matching in either direction and c's
// path on the secure cookie's path.
func (c *CanonicalCookie) IsEquivalentForSecureCookieMatching(secure *CanonicalCookie) bool {
	if c.Name != secure.Name {
		return false
	}
	a, b := c.DomainWithoutDot(), secure.DomainWithoutDot()
	if !isSubdomainOf(a, b) && !isSubdomainOf(b, a) {
		return false
	}
	return secure.IsOnPath(c.Path)
}

// IsOnPath reports whether the cookie path matches the request path.
func (c *CanonicalCookie) IsOnPath(urlPath string) bool {
	if c.Path == "/" {
		return true
	}
	if !strings.HasPrefix(urlPath, c.Path) {
		return false
	}
	if len(urlPath) == len(c.Path) || strings.HasSuffix(c.Path, "/") {
		return true
	}
	return urlPath[len(c.Path)] == '/'
}

// IsDomainMatch reports whether the cookie may be sent to host.
func (c *CanonicalCookie) IsDomainMatch(host string) bool {
	host = strings.ToLower(host)
	if !c.IsDomainCookie() {
		return host == c.Domain
	}
	return host == c.Domain[1:] || strings.HasSuffix(host, c.Domain)
}

// IncludeForRequest reports whether the cookie is sent on a request to u.
func (c *CanonicalCookie) IncludeForRequest(u *url.URL, opts CookieOptions) bool {
	if c.HTTPOnly && !opts.IncludeHTTPOnly {
		return false
	}
	if c.Secure && !IsSecureScheme(u.Scheme) {
		return false
	}
	if !c.IsDomainMatch(u.Hostname()) {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if !c.IsOnPath(path) {
		return false
	}
	switch opts.SameSiteContext {
	case ContextSameSiteLax:
		return c.SameSite != SameSiteStrict
	case ContextCrossSite:
		return c.SameSite == SameSiteNone
	default:
		return true
	}
}

// IsCanonical reports whether the cookie is well formed enough to store.
func (c *CanonicalCookie) IsCanonical() bool {
	if c.Name == "" && c.Value == "" {
		return false
	}
	if !validToken(c.Name, "=;") || !validToken(c.Value, ";") {
		return false
	}
	if c.Name != strings.TrimSpace(c.Name) || c.Value != strings.TrimSpace(c.Value) {
		return false
	}
	if c.Domain == "" || c.Domain != strings.ToLower(c.Domain) {
		return false
	}
	if c.Path == "" || c.Path[0] != '/' {
		return false
	}
	if !c.LastAccess.IsZero() && c.Creation.IsZero() {
		return false
	}
	switch {
	case strings.HasPrefix(c.Name, "__Host-"):
		if !c.Secure || c.Path != "/" || c.IsDomainCookie() {
			return false
		}
	case strings.HasPrefix(c.Name, "__Secure-"):
		if !c.Secure {
			return false
		}
	}
	return true
}

// IsSecureScheme reports whether the scheme is considered cryptographic.
func IsSecureScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "https", "wss":
		return true
	default:
		return false
	}
}

func isSubdomainOf(sub, parent string) bool {
	return sub == parent || strings.HasSuffix(sub, "."+parent)
}

func validToken(s, forbidden string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b < 0x20 || b == 0x7f {
			return false
		}
		if strings.IndexByte(forbidden, b) >= 0 {
			return false
		}
	}
	return true
}
