// Package metrics collects the builder's prometheus metrics. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pbh"

// Metrics holds every collector the builder reports.
type Metrics struct {
	admissions  *prometheus.CounterVec
	tickets     *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	jobDuration prometheus.Histogram
	blockGas    *prometheus.HistogramVec
	pool        *prometheus.GaugeVec
	requests    *prometheus.CounterVec
	reqDuration *prometheus.HistogramVec
}

// New constructs the collectors and registers them with the registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := Metrics{
		admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "admissions_total",
				Help:      "Pool submissions by kind and result",
			},
			[]string{"kind", "result"},
		),
		tickets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nullifier",
				Name:      "tickets_total",
				Help:      "Nullifier ticket transitions",
			},
			[]string{"op"},
		),
		jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payload",
				Name:      "jobs_total",
				Help:      "Build jobs by outcome",
			},
			[]string{"outcome"},
		),
		jobDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "payload",
				Name:      "job_duration_seconds",
				Help:      "Build job duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		),
		blockGas: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "payload",
				Name:      "gas_used",
				Help:      "Gas used per payload by partition",
				Buckets:   prometheus.ExponentialBuckets(21_000, 2, 12),
			},
			[]string{"partition"},
		),
		pool: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "transactions",
				Help:      "Transactions in the pool by partition",
			},
			[]string{"partition"},
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		reqDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "path"},
		),
	}

	return &m
}

// Admission records a pool submission.
func (m *Metrics) Admission(kind string, result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(kind, result).Inc()
}

// Ticket records a nullifier ticket transition.
func (m *Metrics) Ticket(op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.tickets.WithLabelValues(op).Add(float64(n))
}

// Job records a finished build job.
func (m *Metrics) Job(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(d.Seconds())
}

// Gas records the gas a payload used in each partition.
func (m *Metrics) Gas(verified uint64, regular uint64) {
	if m == nil {
		return
	}
	m.blockGas.WithLabelValues("verified").Observe(float64(verified))
	m.blockGas.WithLabelValues("regular").Observe(float64(regular))
}

// Pool records the size of each partition.
func (m *Metrics) Pool(verified int, regular int) {
	if m == nil {
		return
	}
	m.pool.WithLabelValues("verified").Set(float64(verified))
	m.pool.WithLabelValues("regular").Set(float64(regular))
}

// Request records a handled API request.
func (m *Metrics) Request(method string, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.reqDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
