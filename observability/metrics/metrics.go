// Package metrics registers the Prometheus collectors the pending
// envelopes pipeline and the ledger scope stack report through, using a
// lazily-initialised singleton registry per module (sync.Once-guarded)
// rather than passing a collector bag through every constructor.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type pendingMetrics struct {
	slotSetSize  *prometheus.GaugeVec
	fetchLatency prometheus.Histogram
	discards     prometheus.Counter
	processed    prometheus.Counter
}

var (
	pendingOnce sync.Once
	pendingReg  *pendingMetrics

	ledgerOnce sync.Once
	ledgerReg  *ledgerMetrics
)

// Pending returns the lazily-initialised metrics registry for the
// pending envelopes pipeline.
func Pending() *pendingMetrics {
	pendingOnce.Do(func() {
		pendingReg = &pendingMetrics{
			slotSetSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "quorumcore",
				Subsystem: "pending",
				Name:      "slot_set_size",
				Help:      "Size of a per-slot envelope set, segmented by set name.",
			}, []string{"set"}),
			fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "quorumcore",
				Subsystem: "pending",
				Name:      "fetch_duration_seconds",
				Help:      "Time from an envelope entering the fetching set to its promotion into ready.",
				Buckets:   prometheus.DefBuckets,
			}),
			discards: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "quorumcore",
				Subsystem: "pending",
				Name:      "discards_total",
				Help:      "Total envelopes moved into the discarded set.",
			}),
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "quorumcore",
				Subsystem: "pending",
				Name:      "processed_total",
				Help:      "Total envelopes moved into the processed set.",
			}),
		}
		prometheus.MustRegister(
			pendingReg.slotSetSize,
			pendingReg.fetchLatency,
			pendingReg.discards,
			pendingReg.processed,
		)
	})
	return pendingReg
}

// SetSize records the current size of a named per-slot set aggregated
// across all live slots (discarded/processed/fetching/ready).
func (m *pendingMetrics) SetSize(name string, size int) {
	if m == nil {
		return
	}
	m.slotSetSize.WithLabelValues(name).Set(float64(size))
}

// ObserveFetchSeconds records the fetch-start-to-ready latency for one
// envelope.
func (m *pendingMetrics) ObserveFetchSeconds(seconds float64) {
	if m == nil {
		return
	}
	m.fetchLatency.Observe(seconds)
}

// IncDiscards increments the discard counter by n.
func (m *pendingMetrics) IncDiscards(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.discards.Add(float64(n))
}

// IncProcessed increments the processed counter.
func (m *pendingMetrics) IncProcessed() {
	if m == nil {
		return
	}
	m.processed.Inc()
}

type ledgerMetrics struct {
	commits       prometheus.Counter
	rollbacks     prometheus.Counter
	storeFailures prometheus.Counter
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
}

// Ledger returns the lazily-initialised metrics registry for the ledger
// scope stack.
func Ledger() *ledgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &ledgerMetrics{
			commits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "quorumcore",
				Subsystem: "ledger",
				Name:      "commits_total",
				Help:      "Total scope commits applied to a parent.",
			}),
			rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "quorumcore",
				Subsystem: "ledger",
				Name:      "rollbacks_total",
				Help:      "Total scope rollbacks.",
			}),
			storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "quorumcore",
				Subsystem: "ledger",
				Name:      "store_failures_total",
				Help:      "Total commit failures surfaced by the relational store.",
			}),
			cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "quorumcore",
				Subsystem: "ledger",
				Name:      "cache_hits_total",
				Help:      "Root cache hits segmented by cache name.",
			}, []string{"cache"}),
			cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "quorumcore",
				Subsystem: "ledger",
				Name:      "cache_misses_total",
				Help:      "Root cache misses segmented by cache name.",
			}, []string{"cache"}),
		}
		prometheus.MustRegister(
			ledgerReg.commits,
			ledgerReg.rollbacks,
			ledgerReg.storeFailures,
			ledgerReg.cacheHits,
			ledgerReg.cacheMisses,
		)
	})
	return ledgerReg
}

func (m *ledgerMetrics) IncCommits() {
	if m == nil {
		return
	}
	m.commits.Inc()
}

func (m *ledgerMetrics) IncRollbacks() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

func (m *ledgerMetrics) IncStoreFailures() {
	if m == nil {
		return
	}
	m.storeFailures.Inc()
}

func (m *ledgerMetrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(cache).Inc()
}

func (m *ledgerMetrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(cache).Inc()
}
