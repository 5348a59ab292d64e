package core

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalCookie_IsDomainMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		domain string
		host   string
		want   bool
	}{
		{name: "host-only exact", domain: "www.example.com", host: "www.example.com", want: true},
		{name: "host-only subdomain", domain: "example.com", host: "www.example.com", want: false},
		{name: "domain cookie apex", domain: ".example.com", host: "example.com", want: true},
		{name: "domain cookie subdomain", domain: ".example.com", host: "a.b.example.com", want: true},
		{name: "domain cookie suffix only", domain: ".example.com", host: "badexample.com", want: false},
		{name: "host is case-insensitive", domain: ".example.com", host: "WWW.Example.COM", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &CanonicalCookie{Name: "a", Domain: tt.domain, Path: "/"}
			assert.Equal(t, tt.want, c.IsDomainMatch(tt.host))
		})
	}
}

func TestCanonicalCookie_IsOnPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path    string
		urlPath string
		want    bool
	}{
		{path: "/", urlPath: "/anything", want: true},
		{path: "/docs", urlPath: "/docs", want: true},
		{path: "/docs", urlPath: "/docs/intro", want: true},
		{path: "/docs", urlPath: "/docsearch", want: false},
		{path: "/docs/", urlPath: "/docs/intro", want: true},
		{path: "/docs", urlPath: "/", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.path+"|"+tt.urlPath, func(t *testing.T) {
			t.Parallel()
			c := &CanonicalCookie{Name: "a", Domain: "x.com", Path: tt.path}
			assert.Equal(t, tt.want, c.IsOnPath(tt.urlPath))
		})
	}
}

func TestCanonicalCookie_IncludeForRequest(t *testing.T) {
	t.Parallel()

	base := CanonicalCookie{Name: "a", Value: "1", Domain: ".example.com", Path: "/"}
	tests := []struct {
		name   string
		mutate func(*CanonicalCookie)
		rawURL string
		opts   CookieOptions
		want   bool
	}{
		{name: "plain", rawURL: "http://www.example.com/", want: true},
		{name: "foreign host", rawURL: "http://example.org/", want: false},
		{
			name:   "secure over http",
			mutate: func(c *CanonicalCookie) { c.Secure = true },
			rawURL: "http://example.com/",
			want:   false,
		},
		{
			name:   "secure over wss",
			mutate: func(c *CanonicalCookie) { c.Secure = true },
			rawURL: "wss://example.com/socket",
			want:   true,
		},
		{
			name:   "httponly hidden from scripts",
			mutate: func(c *CanonicalCookie) { c.HTTPOnly = true },
			rawURL: "http://example.com/",
			want:   false,
		},
		{
			name:   "httponly for http requests",
			mutate: func(c *CanonicalCookie) { c.HTTPOnly = true },
			rawURL: "http://example.com/",
			opts:   CookieOptions{IncludeHTTPOnly: true},
			want:   true,
		},
		{
			name:   "empty url path matches root",
			mutate: func(c *CanonicalCookie) { c.Path = "/" },
			rawURL: "http://example.com",
			want:   true,
		},
		{
			name:   "path mismatch",
			mutate: func(c *CanonicalCookie) { c.Path = "/admin" },
			rawURL: "http://example.com/",
			want:   false,
		},
		{
			name:   "strict on lax navigation",
			mutate: func(c *CanonicalCookie) { c.SameSite = SameSiteStrict },
			rawURL: "http://example.com/",
			opts:   CookieOptions{SameSiteContext: ContextSameSiteLax},
			want:   false,
		},
		{
			name:   "lax on lax navigation",
			mutate: func(c *CanonicalCookie) { c.SameSite = SameSiteLax },
			rawURL: "http://example.com/",
			opts:   CookieOptions{SameSiteContext: ContextSameSiteLax},
			want:   true,
		},
		{
			name:   "unspecified on cross-site",
			rawURL: "http://example.com/",
			opts:   CookieOptions{SameSiteContext: ContextCrossSite},
			want:   false,
		},
		{
			name:   "none on cross-site",
			mutate: func(c *CanonicalCookie) { c.SameSite = SameSiteNone },
			rawURL: "http://example.com/",
			opts:   CookieOptions{SameSiteContext: ContextCrossSite},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			u, err := url.Parse(tt.rawURL)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.IncludeForRequest(u, tt.opts))
		})
	}
}

func TestCanonicalCookie_IsCanonical(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		cookie CanonicalCookie
		want   bool
	}{
		{name: "valid", cookie: CanonicalCookie{Name: "a", Value: "1", Domain: "x.com", Path: "/"}, want: true},
		{name: "value only", cookie: CanonicalCookie{Value: "1", Domain: "x.com", Path: "/"}, want: true},
		{name: "empty name and value", cookie: CanonicalCookie{Domain: "x.com", Path: "/"}, want: false},
		{name: "equals in name", cookie: CanonicalCookie{Name: "a=b", Value: "1", Domain: "x.com", Path: "/"}, want: false},
		{name: "semicolon in value", cookie: CanonicalCookie{Name: "a", Value: "1;2", Domain: "x.com", Path: "/"}, want: false},
		{name: "control character", cookie: CanonicalCookie{Name: "a", Value: "1\n", Domain: "x.com", Path: "/"}, want: false},
		{name: "padded name", cookie: CanonicalCookie{Name: " a", Value: "1", Domain: "x.com", Path: "/"}, want: false},
		{name: "upper-case domain", cookie: CanonicalCookie{Name: "a", Value: "1", Domain: "X.com", Path: "/"}, want: false},
		{name: "relative path", cookie: CanonicalCookie{Name: "a", Value: "1", Domain: "x.com", Path: "docs"}, want: false},
		{name: "access without creation", cookie: CanonicalCookie{Name: "a", Value: "1", Domain: "x.com", Path: "/", LastAccess: now}, want: false},
		{name: "host prefix", cookie: CanonicalCookie{Name: "__Host-id", Value: "1", Domain: "x.com", Path: "/", Secure: true}, want: true},
		{name: "host prefix on domain cookie", cookie: CanonicalCookie{Name: "__Host-id", Value: "1", Domain: ".x.com", Path: "/", Secure: true}, want: false},
		{name: "host prefix with path", cookie: CanonicalCookie{Name: "__Host-id", Value: "1", Domain: "x.com", Path: "/a", Secure: true}, want: false},
		{name: "secure prefix insecure", cookie: CanonicalCookie{Name: "__Secure-id", Value: "1", Domain: "x.com", Path: "/"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.cookie.IsCanonical())
		})
	}
}

func TestCanonicalCookie_Equivalence(t *testing.T) {
	t.Parallel()

	a := &CanonicalCookie{Name: "sid", Value: "1", Domain: ".example.com", Path: "/"}
	b := &CanonicalCookie{Name: "sid", Value: "2", Domain: ".example.com", Path: "/"}
	host := &CanonicalCookie{Name: "sid", Value: "1", Domain: "example.com", Path: "/"}
	assert.True(t, a.IsEquivalent(b))
	assert.False(t, a.IsEquivalent(host))

	secure := &CanonicalCookie{Name: "sid", Domain: ".example.com", Path: "/app", Secure: true}
	assert.True(t, (&CanonicalCookie{Name: "sid", Domain: "www.example.com", Path: "/app/x"}).IsEquivalentForSecureCookieMatching(secure))
	assert.True(t, (&CanonicalCookie{Name: "sid", Domain: "com", Path: "/app"}).IsEquivalentForSecureCookieMatching(secure))
	assert.False(t, (&CanonicalCookie{Name: "sid", Domain: "www.example.com", Path: "/"}).IsEquivalentForSecureCookieMatching(secure))
	assert.False(t, (&CanonicalCookie{Name: "other", Domain: "example.com", Path: "/app"}).IsEquivalentForSecureCookieMatching(secure))
	assert.False(t, (&CanonicalCookie{Name: "sid", Domain: "example.org", Path: "/app"}).IsEquivalentForSecureCookieMatching(secure))
}

func TestCanonicalCookie_Expiry(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	session := &CanonicalCookie{Name: "a"}
	assert.False(t, session.IsPersistent())
	assert.False(t, session.IsExpired(now))

	c := &CanonicalCookie{Name: "a", Expiry: now}
	assert.True(t, c.IsPersistent())
	assert.True(t, c.IsExpired(now))
	assert.False(t, c.IsExpired(now.Add(-time.Second)))
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Priority{"": PriorityMedium, "low": PriorityLow, "HIGH": PriorityHigh, "medium": PriorityMedium} {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		if in != "" {
			assert.Equal(t, want.String(), got.String())
		}
	}

	_, err := ParsePriority("urgent")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestParseSameSite(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]SameSite{"": SameSiteUnspecified, "none": SameSiteNone, "Lax": SameSiteLax, "strict": SameSiteStrict} {
		got, err := ParseSameSite(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSameSite("sometimes")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestChangeCause_IsDeletion(t *testing.T) {
	t.Parallel()
	assert.False(t, CauseInserted.IsDeletion())
	for _, c := range []ChangeCause{CauseExplicit, CauseUnknownDeletion, CauseOverwrite, CauseExpired, CauseEvicted, CauseExpiredOverwrite} {
		assert.True(t, c.IsDeletion(), c.String())
	}
}
