package cookies

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/netstore/core"
)

// storedCookie builds a persistent cookie as it would come back from a store,
// created and last accessed at t.
func storedCookie(name, domain string, t time.Time, p core.Priority, secure bool) *core.CanonicalCookie {
	return &core.CanonicalCookie{
		Name:       name,
		Value:      "v",
		Domain:     domain,
		Path:       "/",
		Creation:   t,
		LastAccess: t,
		Expiry:     testEpoch.Add(365 * 24 * time.Hour),
		Secure:     secure,
		Priority:   p,
	}
}

func countBy(cs []core.CanonicalCookie, pred func(core.CanonicalCookie) bool) int {
	n := 0
	for _, c := range cs {
		if pred(c) {
			n++
		}
	}
	return n
}

func TestGarbageCollect_DomainPurgeKeepsMostRecent(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	clock.Advance(300 * time.Minute)

	var seed []*core.CanonicalCookie
	for i := range 200 {
		seed = append(seed, storedCookie(fmt.Sprintf("c%03d", i), "x.com", testEpoch.Add(time.Duration(i)*time.Minute), core.PriorityLow, false))
	}
	store := newFakeStore(true, seed...)
	m := newStoreMonster(t, store, clock, Options{})

	var mu sync.Mutex
	evicted := 0
	m.AddCallbackForAllChanges(func(c core.CookieChange) {
		mu.Lock()
		defer mu.Unlock()
		if c.Cause == core.CauseEvicted {
			evicted++
		}
	})

	trigger := &core.CanonicalCookie{Name: "new", Value: "v", Domain: "x.com", Path: "/", Priority: core.PriorityLow}
	require.True(t, setCookie(t, m, trigger, "http://x.com/", core.CookieOptions{}))

	got := allCookies(t, m)
	require.Len(t, got, 150)
	present := make(map[string]bool)
	for _, c := range got {
		present[c.Name] = true
	}
	for i := range 51 {
		assert.False(t, present[fmt.Sprintf("c%03d", i)], "c%03d should be evicted", i)
	}
	for i := 170; i < 200; i++ {
		assert.True(t, present[fmt.Sprintf("c%03d", i)], "c%03d is within the quota", i)
	}
	assert.True(t, present["new"])

	mu.Lock()
	assert.Equal(t, 51, evicted)
	mu.Unlock()
	_, _, deleted, _ := store.snapshot()
	assert.Len(t, deleted, 51)
}

func TestGarbageCollect_PriorityQuotas(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	clock.Advance(300 * time.Minute)

	// Low priority cookies are the oldest but fit in their quota.
	var seed []*core.CanonicalCookie
	for i := range 30 {
		seed = append(seed, storedCookie(fmt.Sprintf("low%02d", i), "x.com", testEpoch.Add(time.Duration(i)*time.Minute), core.PriorityLow, false))
	}
	for i := range 150 {
		seed = append(seed, storedCookie(fmt.Sprintf("high%03d", i), "x.com", testEpoch.Add(time.Duration(30+i)*time.Minute), core.PriorityHigh, false))
	}
	m := newStoreMonster(t, newFakeStore(true, seed...), clock, Options{})

	require.True(t, setCookie(t, m, newCookie("med", "v", "x.com", "/"), "http://x.com/", core.CookieOptions{}))

	got := allCookies(t, m)
	require.Len(t, got, 150)
	assert.Equal(t, 30, countBy(got, func(c core.CanonicalCookie) bool { return c.Priority == core.PriorityLow }))
	assert.Equal(t, 1, countBy(got, func(c core.CanonicalCookie) bool { return c.Priority == core.PriorityMedium }))
	assert.Equal(t, 119, countBy(got, func(c core.CanonicalCookie) bool { return c.Priority == core.PriorityHigh }))
	assert.Zero(t, countBy(got, func(c core.CanonicalCookie) bool { return c.Name == "high000" || c.Name == "high030" }))
	assert.Equal(t, 1, countBy(got, func(c core.CanonicalCookie) bool { return c.Name == "high031" }))
}

func TestGarbageCollect_SecureCookiesOutliveNonSecure(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	clock.Advance(300 * time.Minute)

	var seed []*core.CanonicalCookie
	for i := range 100 {
		seed = append(seed, storedCookie(fmt.Sprintf("s%03d", i), "x.com", testEpoch.Add(time.Duration(i)*time.Minute), core.PriorityLow, true))
	}
	for i := range 80 {
		seed = append(seed, storedCookie(fmt.Sprintf("n%03d", i), "x.com", testEpoch.Add(time.Duration(100+i)*time.Minute), core.PriorityLow, false))
	}
	m := newStoreMonster(t, newFakeStore(true, seed...), clock, Options{})

	trigger := &core.CanonicalCookie{Name: "new", Value: "v", Domain: "x.com", Path: "/", Priority: core.PriorityLow}
	require.True(t, setCookie(t, m, trigger, "http://x.com/", core.CookieOptions{}))

	got := allCookies(t, m)
	require.Len(t, got, 150)
	assert.Equal(t, 100, countBy(got, func(c core.CanonicalCookie) bool { return c.Secure }))
	assert.Zero(t, countBy(got, func(c core.CanonicalCookie) bool { return c.Name == "n000" || c.Name == "n030" }))
	assert.Equal(t, 1, countBy(got, func(c core.CanonicalCookie) bool { return c.Name == "n031" }))
}

func TestGarbageCollect_Global(t *testing.T) {
	t.Parallel()
	limits := Limits{
		DomainMax:           50,
		DomainPurge:         10,
		Max:                 20,
		Purge:               5,
		QuotaLow:            10,
		QuotaMedium:         10,
		QuotaHigh:           10,
		SafeFromGlobalPurge: 30 * 24 * time.Hour,
	}
	now := testEpoch.Add(90 * 24 * time.Hour)
	day := 24 * time.Hour

	tests := []struct {
		name       string
		accessed   func(i int) time.Time
		secure     func(i int) bool
		wantCount  int
		wantSecure int
	}{
		{
			name:      "old cookies evicted to purge target",
			accessed:  func(i int) time.Time { return now.Add(-60*day + time.Duration(i)*time.Minute) },
			wantCount: 15,
		},
		{
			name:      "watermark inside safety window skips eviction",
			accessed:  func(i int) time.Time { return now.Add(-10*day + time.Duration(i)*time.Minute) },
			wantCount: 26,
		},
		{
			name: "recently accessed cookies survive a short purge",
			accessed: func(i int) time.Time {
				if i < 10 {
					return now.Add(-60*day + time.Duration(i)*time.Minute)
				}
				return now.Add(-day + time.Duration(i)*time.Minute)
			},
			wantCount: 16,
		},
		{
			name:     "secure cookies go after non-secure",
			accessed: func(i int) time.Time { return now.Add(-60*day + time.Duration(i)*time.Minute) },
			// The secure cookies are the oldest.
			secure:     func(i int) bool { return i < 20 },
			wantCount:  15,
			wantSecure: 14,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clock := &testClock{now: now}
			var seed []*core.CanonicalCookie
			for i := range 25 {
				secure := tt.secure != nil && tt.secure(i)
				seed = append(seed, storedCookie(fmt.Sprintf("c%02d", i), fmt.Sprintf("d%02d.com", i), tt.accessed(i), core.PriorityMedium, secure))
			}
			m := newStoreMonster(t, newFakeStore(true, seed...), clock, Options{Limits: limits})

			require.True(t, setCookie(t, m, newCookie("fresh", "v", "fresh.com", "/"), "http://fresh.com/", core.CookieOptions{}))

			got := allCookies(t, m)
			assert.Len(t, got, tt.wantCount)
			assert.Equal(t, tt.wantSecure, countBy(got, func(c core.CanonicalCookie) bool { return c.Secure }))
			assert.Equal(t, 1, countBy(got, func(c core.CanonicalCookie) bool { return c.Name == "fresh" }))
		})
	}
}

func TestGarbageCollect_DomainCapHolds(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	m := newMemoryMonster(t, clock, Options{})

	priorities := []core.Priority{core.PriorityLow, core.PriorityMedium, core.PriorityHigh}
	for i := range 400 {
		clock.Advance(time.Second)
		c := newCookie(fmt.Sprintf("c%03d", i), "v", "x.com", "/")
		c.Priority = priorities[i%3]
		c.Secure = i%4 == 0
		require.True(t, setCookie(t, m, c, "https://x.com/", core.CookieOptions{}))
		if i%50 == 0 {
			assert.LessOrEqual(t, len(allCookies(t, m)), 180)
		}
	}
	assert.LessOrEqual(t, len(allCookies(t, m)), 180)
}

func TestGarbageCollect_ExpiredRemovedBelowDomainCap(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	m := newMemoryMonster(t, clock, Options{})

	a := newCookie("a", "1", "x.com", "/")
	a.Expiry = clock.Now().Add(time.Hour)
	require.True(t, setCookie(t, m, a, "http://x.com/", core.CookieOptions{}))

	var changes []core.CookieChange
	m.AddCallbackForAllChanges(func(c core.CookieChange) { changes = append(changes, c) })

	clock.Advance(2 * time.Hour)
	require.True(t, setCookie(t, m, newCookie("b", "1", "x.com", "/"), "http://x.com/", core.CookieOptions{}))

	m.mu.Lock()
	resident := m.count
	m.mu.Unlock()
	assert.Equal(t, 1, resident)

	require.Len(t, changes, 2)
	assert.Equal(t, core.CauseInserted, changes[0].Cause)
	assert.Equal(t, "b", changes[0].Cookie.Name)
	assert.Equal(t, core.CauseExpired, changes[1].Cause)
	assert.Equal(t, "a", changes[1].Cookie.Name)
}
