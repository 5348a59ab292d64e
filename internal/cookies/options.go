package cookies

import (
	"log/slog"
	"time"

	"github.com/meigma/netstore/internal/contracts"
	"github.com/meigma/netstore/internal/domainkey"
	"github.com/meigma/netstore/internal/metrics"
)

// Limits bounds the number of cookies the jar keeps.
type Limits struct {
	// DomainMax is the most cookies kept per domain key. Garbage collection
	// brings a key over the limit down to DomainMax - DomainPurge.
	DomainMax   int
	DomainPurge int

	// Max is the most cookies kept overall. Global collection brings the jar
	// down to Max - Purge.
	Max   int
	Purge int

	// Per-priority quotas protected from domain eviction.
	QuotaLow    int
	QuotaMedium int
	QuotaHigh   int

	// SafeFromGlobalPurge exempts cookies accessed within this window from
	// global eviction.
	SafeFromGlobalPurge time.Duration
}

// DefaultLimits returns the standard browser limits.
func DefaultLimits() Limits {
	return Limits{
		DomainMax:           180,
		DomainPurge:         30,
		Max:                 3300,
		Purge:               300,
		QuotaLow:            30,
		QuotaMedium:         50,
		QuotaHigh:           180 - 30 - 30 - 50,
		SafeFromGlobalPurge: 30 * 24 * time.Hour,
	}
}

// DefaultAccessThreshold is the minimum interval between two last-access
// updates of the same cookie.
const DefaultAccessThreshold = 60 * time.Second

// Options configures a Monster.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Clock returns the current time. Defaults to time.Now.
	Clock contracts.Clock

	// DomainKey buckets cookies by domain. Defaults to domainkey.Of.
	DomainKey contracts.DomainKeyFunc

	// Limits defaults to DefaultLimits when DomainMax is zero.
	Limits Limits

	// AccessThreshold defaults to DefaultAccessThreshold. Negative disables
	// the threshold.
	AccessThreshold time.Duration

	// PersistSessionCookies writes session cookies to the store too.
	PersistSessionCookies bool

	// KeyedLoadOnly stops keyed operations from starting the full store
	// load. The full load then starts with the first global operation.
	KeyedLoadOnly bool
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.DomainKey == nil {
		o.DomainKey = domainkey.Of
	}
	if o.Limits.DomainMax == 0 {
		o.Limits = DefaultLimits()
	}
	switch {
	case o.AccessThreshold == 0:
		o.AccessThreshold = DefaultAccessThreshold
	case o.AccessThreshold < 0:
		o.AccessThreshold = 0
	}
}
