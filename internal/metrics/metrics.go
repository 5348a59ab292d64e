// Package metrics exposes Prometheus counters for the cache and the cookie jar.
//
// All methods are safe on a nil *Metrics, so components can take one
// optionally.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "netstore"

// Metrics holds the counters.
type Metrics struct {
	cacheOps         *prometheus.CounterVec
	checksumFailures prometheus.Counter
	entriesDoomed    prometheus.Counter
	sparseDropped    prometheus.Counter
	cookieChanges    *prometheus.CounterVec
	cookieGC         *prometheus.CounterVec
}

// New creates the counters and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Entry operations by kind and result.",
		}, []string{"op", "result"}),
		checksumFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "checksum_failures_total",
			Help:      "Reads that failed CRC verification.",
		}),
		entriesDoomed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries_doomed_total",
			Help:      "Entries whose files were deleted.",
		}),
		sparseDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "sparse_bytes_dropped_total",
			Help:      "Sparse bytes written but not retained.",
		}),
		cookieChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cookies",
			Name:      "changes_total",
			Help:      "Cookie insertions and deletions by cause.",
		}, []string{"cause"}),
		cookieGC: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cookies",
			Name:      "gc_runs_total",
			Help:      "Garbage collection passes that evicted cookies, by scope.",
		}, []string{"scope"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.cacheOps, m.checksumFailures, m.entriesDoomed, m.sparseDropped, m.cookieChanges, m.cookieGC,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CacheOp counts one entry operation.
func (m *Metrics) CacheOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cacheOps.WithLabelValues(op, result).Inc()
}

// ChecksumFailure counts one failed CRC check.
func (m *Metrics) ChecksumFailure() {
	if m == nil {
		return
	}
	m.checksumFailures.Inc()
}

// EntryDoomed counts one deleted entry.
func (m *Metrics) EntryDoomed() {
	if m == nil {
		return
	}
	m.entriesDoomed.Inc()
}

// SparseDropped counts sparse bytes that were not retained.
func (m *Metrics) SparseDropped(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sparseDropped.Add(float64(n))
}

// CookieChange counts one cookie change.
func (m *Metrics) CookieChange(cause string) {
	if m == nil {
		return
	}
	m.cookieChanges.WithLabelValues(cause).Inc()
}

// CookieGC counts one eviction pass.
func (m *Metrics) CookieGC(scope string) {
	if m == nil {
		return
	}
	m.cookieGC.WithLabelValues(scope).Inc()
}
