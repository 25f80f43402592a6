// Package metric exposes Prometheus metrics for the lookup, queue and storage layers.
// A nil *Metrics is valid and records nothing, so components can be built without one.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "foodlens"

// Metrics contains all data-access layer metrics
type Metrics struct {
	LookupsTotal        *prometheus.CounterVec
	LookupFailures      *prometheus.CounterVec
	OperationsTotal     *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
	NetworkOnline       prometheus.Gauge
	ProcessingDuration  prometheus.Histogram
	OperationsProcessed prometheus.Counter
	StorageBytes        prometheus.Gauge
	EvictionsTotal      prometheus.Counter
}

// New creates the metrics and registers them with reg.
// Passing a nil registerer creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lookup",
				Name:      "resolved_total",
				Help:      "Barcode lookups resolved, by source tier",
			},
			[]string{"source"},
		),
		LookupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lookup",
				Name:      "failures_total",
				Help:      "Barcode lookups that failed, by error kind",
			},
			[]string{"kind"},
		),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "operations_total",
				Help:      "Queued operation attempts, by type and outcome (completed, retry, failed)",
			},
			[]string{"type", "outcome"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Operations currently queued, by status group (pending, failed)",
			},
			[]string{"status"},
		),
		NetworkOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "online",
			Help:      "1 when the network monitor reports connectivity",
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pass_duration_seconds",
			Help:      "Duration of queue processing passes",
			Buckets:   prometheus.DefBuckets,
		}),
		OperationsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "completed_total",
			Help:      "Operations completed across all passes",
		}),
		StorageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "bytes",
			Help:      "Bytes used by the key-value storage namespace",
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "evictions_total",
			Help:      "Entries evicted to stay within the storage budget",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.LookupsTotal,
			m.LookupFailures,
			m.OperationsTotal,
			m.QueueDepth,
			m.NetworkOnline,
			m.ProcessingDuration,
			m.OperationsProcessed,
			m.StorageBytes,
			m.EvictionsTotal,
		)
	}
	return m
}

// NewRegistry returns a registry with the Go runtime collectors and foodlens metrics.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, New(reg)
}

func (m *Metrics) ObserveLookup(source string) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveLookupFailure(kind string) {
	if m == nil {
		return
	}
	m.LookupFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveOperation(opType, outcome string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(opType, outcome).Inc()
}

func (m *Metrics) SetQueueDepth(pending, failed int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	m.QueueDepth.WithLabelValues("failed").Set(float64(failed))
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.NetworkOnline.Set(1)
	} else {
		m.NetworkOnline.Set(0)
	}
}

func (m *Metrics) ObservePass(d time.Duration, completed int) {
	if m == nil {
		return
	}
	m.ProcessingDuration.Observe(d.Seconds())
	m.OperationsProcessed.Add(float64(completed))
}

func (m *Metrics) SetStorageBytes(n int64) {
	if m == nil {
		return
	}
	m.StorageBytes.Set(float64(n))
}

func (m *Metrics) ObserveEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EvictionsTotal.Add(float64(n))
}
