package obs

import (
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func almost(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestHistogram_Percentiles(t *testing.T) {
	h := NewHistogram(256)
	for i := 1; i <= 100; i++ {
		h.Record(time.Duration(i) * time.Millisecond)
	}

	if got := h.Count(); got != 100 {
		t.Fatalf("Count = %d, want 100", got)
	}
	if got := h.Percentile(0); !almost(got, 1) {
		t.Errorf("min = %v, want 1", got)
	}
	if got := h.Percentile(1); !almost(got, 100) {
		t.Errorf("max = %v, want 100", got)
	}
	// Linear interpolation between the two middle samples.
	if got := h.P50(); !almost(got, 50.5) {
		t.Errorf("P50 = %v, want 50.5", got)
	}
	if got := h.P95(); !almost(got, 95.05) {
		t.Errorf("P95 = %v, want 95.05", got)
	}
	if got := h.P99(); !almost(got, 99.01) {
		t.Errorf("P99 = %v, want 99.01", got)
	}
}

func TestHistogram_Empty(t *testing.T) {
	h := NewHistogram(16)
	if got := h.P50(); got != 0 {
		t.Errorf("empty P50 = %v", got)
	}
	if got := h.Count(); got != 0 {
		t.Errorf("empty Count = %d", got)
	}
}

func TestHistogram_WrapsAtCapacity(t *testing.T) {
	h := NewHistogram(4)
	for i := 1; i <= 6; i++ {
		h.Record(time.Duration(i) * time.Millisecond)
	}

	// Only the newest four samples survive.
	if got := h.Count(); got != 4 {
		t.Fatalf("Count = %d, want 4", got)
	}
	if got := h.Percentile(0); !almost(got, 3) {
		t.Errorf("oldest surviving sample = %v, want 3", got)
	}
	if got := h.Percentile(1); !almost(got, 6) {
		t.Errorf("newest sample = %v, want 6", got)
	}
}

func TestMetrics_ObserveHTTPSnapshot(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 18; i++ {
		m.ObserveHTTP("/api/v1/health", "GET", 200, 2*time.Millisecond)
	}
	m.ObserveHTTP("/api/v1/health", "GET", 500, 8*time.Millisecond)
	m.ObserveHTTP("/api/v1/health", "GET", 500, 8*time.Millisecond)
	m.ObserveHTTP("/api/v1/symbols", "GET", 404, time.Millisecond)

	snap := m.Snapshot()
	health := snap["/api/v1/health"]
	if health.Requests != 20 || health.Errors != 2 {
		t.Errorf("health stats = %+v", health)
	}
	if !almost(health.ErrorRate, 0.1) {
		t.Errorf("error rate = %v, want 0.1", health.ErrorRate)
	}
	// 10% is the top of the degraded band, not yet critical.
	if health.Health != HealthDegraded {
		t.Errorf("health = %q, want degraded", health.Health)
	}
	if health.P50Ms <= 0 {
		t.Errorf("P50 = %v, want > 0", health.P50Ms)
	}

	// 4xx responses are not errors.
	symbols := snap["/api/v1/symbols"]
	if symbols.Errors != 0 || symbols.Health != HealthHealthy {
		t.Errorf("symbols stats = %+v", symbols)
	}

	overall := m.Overall()
	if overall.Requests != 21 || overall.Errors != 2 {
		t.Errorf("overall = %+v", overall)
	}
}

func TestHealthFor(t *testing.T) {
	cases := []struct {
		requests  int64
		errorRate float64
		want      string
	}{
		{0, 0, HealthIdle},
		{100, 0, HealthHealthy},
		{100, 0.049, HealthHealthy},
		{100, 0.05, HealthDegraded},
		{100, 0.10, HealthDegraded},
		{100, 0.101, HealthCritical},
	}
	for _, tc := range cases {
		if got := healthFor(tc.requests, tc.errorRate); got != tc.want {
			t.Errorf("healthFor(%d, %v) = %q, want %q", tc.requests, tc.errorRate, got, tc.want)
		}
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 301: "3xx", 404: "4xx", 500: "5xx", 503: "5xx"}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestCounterValue(t *testing.T) {
	m := NewMetrics()
	m.RowsInserted.Add(5)
	if got := CounterValue(m.RowsInserted); !almost(got, 5) {
		t.Errorf("CounterValue = %v, want 5", got)
	}
	if got := CounterValue(m.CacheHits); got != 0 {
		t.Errorf("untouched counter = %v, want 0", got)
	}
}

func TestMetrics_RegistriesAreIndependent(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.RowsInserted.Add(3)
	if got := CounterValue(b.RowsInserted); got != 0 {
		t.Errorf("second instance saw %v rows", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.CacheHits.Inc()
	m.BackfillRuns.WithLabelValues("completed").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "candlevault_query_cache_hits_total 1") {
		t.Errorf("exposition missing cache hits:\n%s", body)
	}
	if !strings.Contains(body, `candlevault_backfill_executions_total{status="completed"} 1`) {
		t.Errorf("exposition missing backfill executions:\n%s", body)
	}
}
