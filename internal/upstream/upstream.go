// Package upstream implements the market-data provider clients: a paid
// primary, a free fallback, and the orchestrator that chooses between them.
package upstream

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/marketforge/candlevault/internal/models"
)

// Client is the shared fetch contract of both providers. Candles come back
// normalised to UTC bucket-start times in ascending order.
type Client interface {
	// Name identifies the client in logs and metrics.
	Name() string

	// FetchRange returns all candles for the window [start, end].
	FetchRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, asset models.AssetClass) ([]models.Candle, error)

	// Healthy reports whether the client's circuit allows requests.
	Healthy() bool

	// Counters returns the request statistics gathered so far.
	Counters() Counters
}

// Counters are the per-client observability counters.
type Counters struct {
	TotalRequests    int64 `json:"total_requests"`
	RateLimitedCount int64 `json:"rate_limited_count"`
}

// Hooks receives client events for the metrics layer. Nil funcs are
// skipped, so the zero value is a no-op.
type Hooks struct {
	OnRequest     func(provider, outcome string)
	OnRetry       func(provider string)
	OnRateLimited func(provider string)
}

func (h Hooks) request(provider, outcome string) {
	if h.OnRequest != nil {
		h.OnRequest(provider, outcome)
	}
}

func (h Hooks) retry(provider string) {
	if h.OnRetry != nil {
		h.OnRetry(provider)
	}
}

func (h Hooks) rateLimited(provider string) {
	if h.OnRateLimited != nil {
		h.OnRateLimited(provider)
	}
}

// newBreaker builds the circuit breaker used by both clients: trip on 3
// consecutive failures, or on >5% failures once at least 20 requests have
// been seen in the rolling interval.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}
	return gobreaker.NewCircuitBreaker(st)
}
