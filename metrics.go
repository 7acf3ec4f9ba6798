package farmagent

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const waitSampleCap = 1024

// Metrics tracks scheduling health. Prometheus collectors feed the scrape
// endpoint of whoever embeds the engine; the atomic mirrors back the
// in-process MetricsSnapshot used by the control plane.
type Metrics struct {
	dispatchSuccess prometheus.Counter
	dispatchFailure prometheus.Counter
	scanCycles      prometheus.Counter
	scanDuration    prometheus.Histogram
	queueDepth      prometheus.Gauge
	batchWait       prometheus.Histogram
	staleTimeouts   prometheus.Counter

	successCount atomic.Uint64
	failureCount atomic.Uint64
	staleCount   atomic.Uint64
	depth        atomic.Int64

	mu      sync.Mutex
	waits   []time.Duration
	waitIdx int
}

// NewMetrics registers the engine collectors on reg. Pass nil to skip
// Prometheus registration (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{waits: make([]time.Duration, 0, waitSampleCap)}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	m.dispatchSuccess = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "farmagent", Name: "dispatch_success_total",
		Help: "Batches that completed without a fatal condition.",
	})
	m.dispatchFailure = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "farmagent", Name: "dispatch_failure_total",
		Help: "Batches aborted by a fatal condition or runner error.",
	})
	m.scanCycles = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "farmagent", Name: "scan_cycles_total",
		Help: "Completed scanner cycles.",
	})
	m.scanDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "farmagent", Name: "scan_duration_seconds",
		Help:    "Wall time of one scanner cycle.",
		Buckets: prometheus.DefBuckets,
	})
	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmagent", Name: "queue_depth",
		Help: "Pending batches waiting for an idle device.",
	})
	m.batchWait = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "farmagent", Name: "batch_wait_seconds",
		Help:    "Time a batch spent queued before dispatch.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	m.staleTimeouts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "farmagent", Name: "stale_timeouts_total",
		Help: "Intents cancelled by the inactivity watchdog.",
	})
	return m
}

func (m *Metrics) RecordBatchDone(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.dispatchSuccess.Inc()
		m.successCount.Add(1)
	} else {
		m.dispatchFailure.Inc()
		m.failureCount.Add(1)
	}
}

func (m *Metrics) RecordStaleTimeout() {
	if m == nil {
		return
	}
	m.staleTimeouts.Inc()
	m.staleCount.Add(1)
}

func (m *Metrics) ObserveScanCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.scanCycles.Inc()
	m.scanDuration.Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
	m.depth.Store(int64(n))
}

// ObserveBatchWait records queued-to-dispatched latency. Samples beyond the
// ring capacity overwrite the oldest entries.
func (m *Metrics) ObserveBatchWait(d time.Duration) {
	if m == nil {
		return
	}
	m.batchWait.Observe(d.Seconds())
	m.mu.Lock()
	if len(m.waits) < waitSampleCap {
		m.waits = append(m.waits, d)
	} else {
		m.waits[m.waitIdx] = d
		m.waitIdx = (m.waitIdx + 1) % waitSampleCap
	}
	m.mu.Unlock()
}

// MetricsSnapshot is the read-only view handed to the control plane.
type MetricsSnapshot struct {
	QueueDepth      int
	DispatchSuccess uint64
	DispatchFailure uint64
	StaleTimeouts   uint64
	WaitP50         time.Duration
	WaitP90         time.Duration
	WaitP99         time.Duration
}

// Snapshot computes wait-time percentiles over the recent sample ring.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	snap := MetricsSnapshot{
		QueueDepth:      int(m.depth.Load()),
		DispatchSuccess: m.successCount.Load(),
		DispatchFailure: m.failureCount.Load(),
		StaleTimeouts:   m.staleCount.Load(),
	}
	m.mu.Lock()
	samples := make([]time.Duration, len(m.waits))
	copy(samples, m.waits)
	m.mu.Unlock()
	if len(samples) == 0 {
		return snap
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	snap.WaitP50 = percentile(samples, 0.50)
	snap.WaitP90 = percentile(samples, 0.90)
	snap.WaitP99 = percentile(samples, 0.99)
	return snap
}

// percentile expects sorted samples.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
