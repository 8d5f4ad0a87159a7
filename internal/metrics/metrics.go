// Package metrics exposes Prometheus collectors for aligned allocations.
package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "memalign"

// Failure reasons used as the "reason" label.
const (
	ReasonInvalidAlignment = "invalid_alignment"
	ReasonInvalidSize      = "invalid_size"
	ReasonUnderlying       = "underlying_allocation"
	ReasonInvalidRelease   = "invalid_release"
)

// Metrics holds the allocator collectors. A nil registerer creates working
// but unregistered collectors. Allocators created with the same registerer
// share one set of collectors, so their counts add up.
type Metrics struct {
	allocations    prometheus.Counter
	releases       prometheus.Counter
	failures       *prometheus.CounterVec
	allocatedBytes prometheus.Counter
	paddingBytes   prometheus.Counter
	live           prometheus.Gauge
	requestSize    prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		allocations: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Total number of successful aligned allocations.",
		})),
		releases: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Total number of successful releases.",
		})),
		failures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Total number of failed allocations and releases by reason.",
		}, []string{"reason"})),
		allocatedBytes: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocated_bytes_total",
			Help:      "Total usable bytes handed out.",
		})),
		paddingBytes: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "padding_bytes_total",
			Help:      "Total bytes requested from the underlying allocator beyond the usable size.",
		})),
		live: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_allocations",
			Help:      "Number of allocations not yet released.",
		})),
		requestSize: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_size_bytes",
			Help:      "Size of successful allocation requests.",
			Buckets:   prometheus.ExponentialBuckets(8, 4, 10),
		})),
	}
}

// register registers c with reg and returns it. If an equal collector is
// already registered, the existing one is returned instead.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// ObserveAllocate records a successful allocation of size usable bytes that
// cost padding extra bytes from the underlying allocator.
func (m *Metrics) ObserveAllocate(size, padding uintptr) {
	m.allocations.Inc()
	m.allocatedBytes.Add(float64(size))
	m.paddingBytes.Add(float64(padding))
	m.live.Inc()
	m.requestSize.Observe(float64(size))
}

// ObserveRelease records a successful release.
func (m *Metrics) ObserveRelease() {
	m.releases.Inc()
	m.live.Dec()
}

// ObserveFailure records a failed operation.
func (m *Metrics) ObserveFailure(reason string) {
	m.failures.WithLabelValues(reason).Inc()
}
