package netstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/netstore/core"
	"github.com/meigma/netstore/internal/contracts"
	"github.com/meigma/netstore/internal/cookies"
	"github.com/meigma/netstore/internal/diskcache"
	"github.com/meigma/netstore/internal/metrics"
)

// Cache types. Re-exported from internal packages.
type (
	// StreamIndex selects one of the three data streams of an entry.
	StreamIndex = core.StreamIndex

	// EntryState is the lifecycle state of an open entry.
	EntryState = core.EntryState

	// Entry is an open cache entry. Close it when done.
	Entry = diskcache.Entry

	// Range is a byte range of sparse data.
	Range = diskcache.Range

	// EntryResult is the outcome of an asynchronous create or open.
	EntryResult = diskcache.EntryResult

	// Completion is the pending result of an asynchronous operation.
	Completion[T any] = diskcache.Completion[T]
)

// Stream indexes.
const (
	StreamMetadata = core.StreamMetadata
	StreamBody     = core.StreamBody
	StreamSideData = core.StreamSideData
)

// Cookie types. Re-exported from core and internal packages.
type (
	CanonicalCookie = core.CanonicalCookie
	CookieOptions   = core.CookieOptions
	CookieChange    = core.CookieChange
	CookiePriority  = core.Priority
	SameSite        = core.SameSite
	SameSiteContext = core.SameSiteContext
	ChangeCause     = core.ChangeCause

	// CookieLimits bounds the number of cookies a jar keeps.
	CookieLimits = cookies.Limits

	// Subscription cancels a change callback.
	Subscription = cookies.Subscription

	// PersistentCookieStore backs a cookie jar. Implementations receive every
	// change the jar makes and supply cookies on load.
	PersistentCookieStore = contracts.PersistentCookieStore
)

// Cookie priorities.
const (
	PriorityLow    = core.PriorityLow
	PriorityMedium = core.PriorityMedium
	PriorityHigh   = core.PriorityHigh
)

// Same-site contexts.
const (
	ContextSameSiteStrict = core.ContextSameSiteStrict
	ContextSameSiteLax    = core.ContextSameSiteLax
	ContextCrossSite      = core.ContextCrossSite
)

// Change causes.
const (
	CauseInserted         = core.CauseInserted
	CauseExplicit         = core.CauseExplicit
	CauseUnknownDeletion  = core.CauseUnknownDeletion
	CauseOverwrite        = core.CauseOverwrite
	CauseExpired          = core.CauseExpired
	CauseEvicted          = core.CauseEvicted
	CauseExpiredOverwrite = core.CauseExpiredOverwrite
)

// DefaultCookieLimits returns the standard browser limits.
func DefaultCookieLimits() CookieLimits {
	return cookies.DefaultLimits()
}

// Metrics holds the Prometheus counters of a cache and a jar.
type Metrics = metrics.Metrics

// NewMetrics creates the counters and registers them with reg. Share one
// Metrics between a Cache and a CookieJar registered with the same registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	return metrics.New(reg)
}
