// Package obs carries the service's observability surface: request
// metrics with percentile latencies, the Prometheus registry, and the
// alert manager.
package obs

import (
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// Health states derived from per-endpoint error rates.
const (
	HealthIdle     = "idle"
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// Error-rate boundaries between health states.
const (
	degradedErrorRate = 0.05
	criticalErrorRate = 0.10
)

// histogramCapacity bounds memory per endpoint; histogramWindow drops
// samples older than the retention period from percentile reads.
const (
	histogramCapacity = 4096
	histogramWindow   = 24 * time.Hour
)

type latencySample struct {
	ms float64
	at time.Time
}

// Histogram tracks latencies in a fixed circular buffer and serves
// percentiles over a rolling 24 h window.
type Histogram struct {
	mu      sync.RWMutex
	samples []latencySample
	maxSize int
	window  time.Duration
	current int
	full    bool
}

// NewHistogram creates a rolling latency histogram.
func NewHistogram(maxSize int) *Histogram {
	if maxSize <= 0 {
		maxSize = histogramCapacity
	}
	return &Histogram{
		samples: make([]latencySample, maxSize),
		maxSize: maxSize,
		window:  histogramWindow,
	}
}

// Record adds one latency measurement.
func (h *Histogram) Record(d time.Duration) {
	sample := latencySample{
		ms: float64(d.Nanoseconds()) / 1e6,
		at: time.Now(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.current] = sample
	h.current = (h.current + 1) % h.maxSize
	if !h.full && h.current == 0 {
		h.full = true
	}
}

// Percentile computes the given percentile (0.0-1.0) in milliseconds over
// in-window samples, with linear interpolation between neighbours.
func (h *Histogram) Percentile(p float64) float64 {
	values := h.windowValues()
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)

	index := p * float64(len(values)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return values[lower]
	}
	weight := index - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}

// P50 returns the median latency.
func (h *Histogram) P50() float64 { return h.Percentile(0.50) }

// P95 returns the 95th percentile latency.
func (h *Histogram) P95() float64 { return h.Percentile(0.95) }

// P99 returns the 99th percentile latency.
func (h *Histogram) P99() float64 { return h.Percentile(0.99) }

// Count returns the number of in-window samples.
func (h *Histogram) Count() int {
	return len(h.windowValues())
}

func (h *Histogram) windowValues() []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.maxSize
	if !h.full {
		size = h.current
	}
	cutoff := time.Now().Add(-h.window)
	values := make([]float64, 0, size)
	for i := 0; i < size; i++ {
		if h.samples[i].at.After(cutoff) {
			values = append(values, h.samples[i].ms)
		}
	}
	return values
}

// EndpointStats is the per-endpoint summary served by the observability
// endpoint.
type EndpointStats struct {
	Requests  int64   `json:"requests"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
	P99Ms     float64 `json:"p99_ms"`
	Health    string  `json:"health"`
}

type endpointTracker struct {
	requests int64
	errors   int64
	hist     *Histogram
}

// Metrics aggregates in-process request tracking with the Prometheus
// registry. The in-process side feeds the JSON observability endpoint;
// the registry feeds /metrics.
type Metrics struct {
	mu        sync.RWMutex
	endpoints map[string]*endpointTracker

	registry *prometheus.Registry

	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	UpstreamRequests *prometheus.CounterVec
	UpstreamRetries  *prometheus.CounterVec
	RateLimitedTotal *prometheus.CounterVec
	SourceDecisions  *prometheus.CounterVec
	BackfillRuns     *prometheus.CounterVec
	ScheduledRuns    *prometheus.CounterVec
	RowsInserted     prometheus.Counter
	ValidationScore  prometheus.Histogram
	ActiveBackfills  prometheus.Gauge
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	AlertsFired      *prometheus.CounterVec
}

// NewMetrics builds the collector with its own registry so instances stay
// independent under test.
func NewMetrics() *Metrics {
	m := &Metrics{
		endpoints: make(map[string]*endpointTracker),
		registry:  prometheus.NewRegistry(),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_http_requests_total",
				Help: "HTTP requests by endpoint, method and status class",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "candlevault_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint"},
		),
		UpstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_upstream_requests_total",
				Help: "Upstream fetches by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		UpstreamRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_upstream_retries_total",
				Help: "Retry attempts by provider",
			},
			[]string{"provider"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_upstream_rate_limited_total",
				Help: "Upstream 429 responses by provider",
			},
			[]string{"provider"},
		),
		SourceDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_source_decisions_total",
				Help: "Orchestrator source-selection events",
			},
			[]string{"decision"},
		),
		BackfillRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_backfill_executions_total",
				Help: "Per-pair backfill executions by terminal status",
			},
			[]string{"status"},
		),
		ScheduledRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_backfill_runs_total",
				Help: "Whole backfill runs by trigger",
			},
			[]string{"trigger"},
		),
		RowsInserted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "candlevault_rows_inserted_total",
				Help: "market_data rows inserted",
			},
		),
		ValidationScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "candlevault_validation_score",
				Help:    "Quality scores assigned to fetched candles",
				Buckets: []float64{0.0, 0.25, 0.5, 0.6, 0.75, 0.85, 0.9, 0.95, 1.0},
			},
		),
		ActiveBackfills: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "candlevault_active_backfills",
				Help: "Symbol/timeframe pairs currently in progress",
			},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "candlevault_query_cache_hits_total",
				Help: "Query cache hits",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "candlevault_query_cache_misses_total",
				Help: "Query cache misses",
			},
		),
		AlertsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_alerts_fired_total",
				Help: "Alerts fired by severity",
			},
			[]string{"severity"},
		),
	}

	m.registry.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.UpstreamRequests,
		m.UpstreamRetries,
		m.RateLimitedTotal,
		m.SourceDecisions,
		m.BackfillRuns,
		m.ScheduledRuns,
		m.RowsInserted,
		m.ValidationScore,
		m.ActiveBackfills,
		m.CacheHits,
		m.CacheMisses,
		m.AlertsFired,
	)

	return m
}

// ObserveHTTP records one served request on both the in-process tracker
// and the Prometheus registry.
func (m *Metrics) ObserveHTTP(endpoint, method string, status int, d time.Duration) {
	statusClass := statusClass(status)
	m.HTTPRequests.WithLabelValues(endpoint, method, statusClass).Inc()
	m.HTTPDuration.WithLabelValues(endpoint).Observe(d.Seconds())

	m.mu.Lock()
	tracker, ok := m.endpoints[endpoint]
	if !ok {
		tracker = &endpointTracker{hist: NewHistogram(histogramCapacity)}
		m.endpoints[endpoint] = tracker
	}
	tracker.requests++
	if status >= 500 {
		tracker.errors++
	}
	m.mu.Unlock()

	tracker.hist.Record(d)
}

// Snapshot returns per-endpoint stats for the observability endpoint.
func (m *Metrics) Snapshot() map[string]EndpointStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]EndpointStats, len(m.endpoints))
	for endpoint, t := range m.endpoints {
		stats := EndpointStats{
			Requests: t.requests,
			Errors:   t.errors,
			P50Ms:    t.hist.P50(),
			P95Ms:    t.hist.P95(),
			P99Ms:    t.hist.P99(),
		}
		if t.requests > 0 {
			stats.ErrorRate = float64(t.errors) / float64(t.requests)
		}
		stats.Health = healthFor(t.requests, stats.ErrorRate)
		out[endpoint] = stats
	}
	return out
}

// Overall folds every endpoint into one summary.
func (m *Metrics) Overall() EndpointStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var requests, errors int64
	for _, t := range m.endpoints {
		requests += t.requests
		errors += t.errors
	}
	stats := EndpointStats{Requests: requests, Errors: errors}
	if requests > 0 {
		stats.ErrorRate = float64(errors) / float64(requests)
	}
	stats.Health = healthFor(requests, stats.ErrorRate)
	return stats
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CounterValue reads a counter's current value, for surfacing registry
// counters on JSON endpoints.
func CounterValue(c prometheus.Counter) float64 {
	var pb io_prometheus_client.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

func healthFor(requests int64, errorRate float64) string {
	switch {
	case requests == 0:
		return HealthIdle
	case errorRate > criticalErrorRate:
		return HealthCritical
	case errorRate >= degradedErrorRate:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
