package cookies

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/netstore/core"
)

type change struct {
	name, value string
	cause       core.ChangeCause
}

func TestChangeCallbacks_AllChanges(t *testing.T) {
	t.Parallel()
	m := newMemoryMonster(t, newTestClock(), Options{})

	var got []change
	sub := m.AddCallbackForAllChanges(func(c core.CookieChange) {
		got = append(got, change{c.Cookie.Name, c.Cookie.Value, c.Cause})
	})

	require.True(t, setCookie(t, m, newCookie("a", "1", "x.com", "/"), "http://x.com/", core.CookieOptions{}))
	require.True(t, setCookie(t, m, newCookie("a", "2", "x.com", "/"), "http://x.com/", core.CookieOptions{}))
	n, err := m.DeleteCanonicalCookie(context.Background(), newCookie("a", "2", "x.com", "/"))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	want := []change{
		{"a", "1", core.CauseInserted},
		{"a", "1", core.CauseOverwrite},
		{"a", "2", core.CauseInserted},
		{"a", "2", core.CauseExplicit},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(change{})); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}

	sub.Unsubscribe()
	require.True(t, setCookie(t, m, newCookie("b", "1", "x.com", "/"), "http://x.com/", core.CookieOptions{}))
	assert.Len(t, got, 4)

	// Unsubscribing twice is harmless.
	sub.Unsubscribe()
}

func TestChangeCallbacks_ForCookie(t *testing.T) {
	t.Parallel()
	m := newMemoryMonster(t, newTestClock(), Options{})

	var got []string
	m.AddCallbackForCookie(mustURL(t, "http://www.x.com/app"), "sid", func(c core.CookieChange) {
		got = append(got, c.Cookie.Domain+c.Cookie.Path)
	})

	set := func(c *core.CanonicalCookie, source string) {
		t.Helper()
		require.True(t, setCookie(t, m, c, source, core.CookieOptions{IncludeHTTPOnly: true}))
	}
	set(newCookie("sid", "1", ".x.com", "/"), "http://www.x.com/")
	set(newCookie("sid", "1", "www.x.com", "/app"), "http://www.x.com/")
	set(&core.CanonicalCookie{Name: "sid", Value: "1", Domain: "www.x.com", Path: "/", HTTPOnly: true}, "http://www.x.com/")
	// Not sent to the URL.
	set(newCookie("sid", "1", "x.com", "/"), "http://x.com/")
	set(newCookie("sid", "1", "www.x.com", "/other"), "http://www.x.com/")
	set(&core.CanonicalCookie{Name: "sid", Value: "1", Domain: "www.x.com", Path: "/app", Secure: true}, "https://www.x.com/")
	// Wrong name.
	set(newCookie("other", "1", "www.x.com", "/"), "http://www.x.com/")

	// The secure cookie replaced the /app one, so that removal is reported.
	want := []string{".x.com/", "www.x.com/app", "www.x.com/", "www.x.com/app"}
	assert.Equal(t, want, got)
}

func TestChangeCallbacks_UnsubscribeDropsQueuedDelivery(t *testing.T) {
	t.Parallel()
	m := newMemoryMonster(t, newTestClock(), Options{})

	var first, second int
	var sub2 *Subscription
	m.AddCallbackForAllChanges(func(core.CookieChange) {
		first++
		sub2.Unsubscribe()
	})
	sub2 = m.AddCallbackForAllChanges(func(core.CookieChange) { second++ })

	require.True(t, setCookie(t, m, newCookie("a", "1", "x.com", "/"), "http://x.com/", core.CookieOptions{}))
	assert.Equal(t, 1, first)
	assert.Zero(t, second)
}
