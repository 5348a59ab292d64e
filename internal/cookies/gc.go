package cookies

import (
	"sort"
	"time"

	"github.com/meigma/netstore/core"
)

type purgeRound struct {
	priority      core.Priority
	protectSecure bool
}

// Low priority goes first, and within each priority non-secure cookies are
// evicted before secure ones.
var purgeRounds = []purgeRound{
	{core.PriorityLow, true},
	{core.PriorityLow, false},
	{core.PriorityMedium, true},
	{core.PriorityHigh, true},
	{core.PriorityMedium, false},
	{core.PriorityHigh, false},
}

func (m *Monster) quota(p core.Priority) int {
	switch p {
	case core.PriorityLow:
		return m.limits.QuotaLow
	case core.PriorityHigh:
		return m.limits.QuotaHigh
	default:
		return m.limits.QuotaMedium
	}
}

// garbageCollectLocked enforces the per-key and global limits after a write
// to key. It returns the number of cookies removed. Caller must hold m.mu.
func (m *Monster) garbageCollectLocked(now time.Time, key string) int {
	live, deleted := m.collectExpiredLocked(now, key)
	if len(live) > m.limits.DomainMax {
		deleted += m.purgeDomainLocked(key, live)
	}

	safeDate := now.Add(-m.limits.SafeFromGlobalPurge)
	if m.count > m.limits.Max && m.earliestAccess.Before(safeDate) {
		deleted += m.purgeGlobalLocked(now, safeDate)
	}
	if deleted > 0 {
		m.logger.Debug("cookie garbage collection", "key", key, "deleted", deleted, "remaining", m.count)
	}
	return deleted
}

// purgeDomainLocked evicts least recently accessed cookies of key, by
// priority round, until the key is back to DomainMax - DomainPurge.
func (m *Monster) purgeDomainLocked(key string, live []*core.CanonicalCookie) int {
	goal := len(live) - (m.limits.DomainMax - m.limits.DomainPurge)
	sortLeastRecentlyAccessed(live)
	m.metrics.CookieGC("domain")

	deleted := 0
	for _, round := range purgeRounds {
		if goal <= 0 {
			break
		}
		var n int
		live, n = m.purgeLeastRecentMatchesLocked(key, live, round.priority, m.quota(round.priority), goal, round.protectSecure)
		goal -= n
		deleted += n
	}
	return deleted
}

// purgeLeastRecentMatchesLocked deletes up to goal cookies of the given
// priority from the front of list, leaving at least protect of them. With
// protectSecure set only non-secure cookies are deleted and the secure ones
// count against the quota. The pruned list is returned.
func (m *Monster) purgeLeastRecentMatchesLocked(key string, list []*core.CanonicalCookie, priority core.Priority, protect, goal int, protectSecure bool) ([]*core.CanonicalCookie, int) {
	total, secure := 0, 0
	for _, c := range list {
		if c.Priority != priority {
			continue
		}
		total++
		if c.Secure {
			secure++
		}
	}
	if total <= protect {
		return list, 0
	}
	possible := total - protect
	if protectSecure {
		possible = total - max(secure, protect)
	}

	removed := 0
	kept := list[:0]
	for _, c := range list {
		eligible := c.Priority == priority && (!protectSecure || !c.Secure)
		if eligible && removed < goal && possible > 0 {
			m.deleteLocked(key, c, true, core.CauseEvicted, true)
			removed++
			possible--
			continue
		}
		kept = append(kept, c)
	}
	return kept, removed
}

// purgeGlobalLocked evicts cookies not accessed since safeDate until the jar
// is back to Max - Purge, non-secure first.
func (m *Monster) purgeGlobalLocked(now, safeDate time.Time) int {
	deleted := m.collectAllExpiredLocked(now)
	if m.count <= m.limits.Max {
		return deleted
	}
	goal := m.count - (m.limits.Max - m.limits.Purge)
	var secure, nonSecure []*core.CanonicalCookie
	for _, bucket := range m.cookies {
		for _, c := range bucket {
			if c.Secure {
				secure = append(secure, c)
			} else {
				nonSecure = append(nonSecure, c)
			}
		}
	}

	n, earliestNonSecure := m.collectLeastRecentlyAccessedLocked(safeDate, min(goal, len(nonSecure)), nonSecure)
	deleted += n

	switch {
	case len(secure) == 0:
		m.earliestAccess = earliestNonSecure
	case n < goal:
		sn, earliestSecure := m.collectLeastRecentlyAccessedLocked(safeDate, min(goal-n, len(secure)), secure)
		deleted += sn
		if !earliestNonSecure.IsZero() && earliestNonSecure.Before(earliestSecure) {
			m.earliestAccess = earliestNonSecure
		} else {
			m.earliestAccess = earliestSecure
		}
	}
	// When non-secure deletions met the goal the secure cookies were not
	// examined and the watermark stays no later than the true earliest access.
	if deleted > 0 {
		m.metrics.CookieGC("global")
	}
	return deleted
}

// collectLeastRecentlyAccessedLocked deletes the least recently accessed
// cookies in list, at most goal of them, stopping at the first one accessed
// on or after safeDate. It returns the count and the last access time of the
// oldest survivor.
func (m *Monster) collectLeastRecentlyAccessedLocked(safeDate time.Time, goal int, list []*core.CanonicalCookie) (int, time.Time) {
	sortLeastRecentlyAccessed(list)
	bound := sort.Search(goal, func(i int) bool {
		return !list[i].LastAccess.Before(safeDate)
	})
	for _, c := range list[:bound] {
		m.deleteLocked(m.keyOf(c), c, true, core.CauseEvicted, true)
	}
	var earliest time.Time
	if bound < len(list) {
		earliest = list[bound].LastAccess
	}
	return bound, earliest
}

// collectExpiredLocked deletes expired cookies of key and returns the rest.
func (m *Monster) collectExpiredLocked(now time.Time, key string) ([]*core.CanonicalCookie, int) {
	var live []*core.CanonicalCookie
	n := 0
	for _, c := range append([]*core.CanonicalCookie(nil), m.cookies[key]...) {
		if c.IsExpired(now) {
			m.deleteLocked(key, c, true, core.CauseExpired, true)
			n++
			continue
		}
		live = append(live, c)
	}
	return live, n
}

// collectAllExpiredLocked deletes every expired cookie.
func (m *Monster) collectAllExpiredLocked(now time.Time) int {
	n := 0
	for key := range m.cookies {
		_, deleted := m.collectExpiredLocked(now, key)
		n += deleted
	}
	return n
}

// sortLeastRecentlyAccessed orders cookies by last access, oldest first, then
// by creation.
func sortLeastRecentlyAccessed(cs []*core.CanonicalCookie) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].LastAccess.Equal(cs[j].LastAccess) {
			return cs[i].LastAccess.Before(cs[j].LastAccess)
		}
		return cs[i].Creation.Before(cs[j].Creation)
	})
}
