package upstream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketforge/candlevault/internal/models"
)

// stubClient is a canned Client for orchestrator tests.
type stubClient struct {
	name    string
	candles []models.Candle
	err     error
	down    bool
	calls   atomic.Int64
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) FetchRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, asset models.AssetClass) ([]models.Candle, error) {
	s.calls.Add(1)
	return s.candles, s.err
}

func (s *stubClient) Healthy() bool { return !s.down }

func (s *stubClient) Counters() Counters { return Counters{} }

func cleanBatch(src models.Source, n int) []models.Candle {
	out := make([]models.Candle, n)
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = models.Candle{
			Symbol:    "AAPL",
			Timeframe: models.TF1d,
			Time:      base.AddDate(0, 0, i),
			Open:      100, High: 105, Low: 99, Close: 104,
			Volume: 1000,
			Source: src,
		}
	}
	return out
}

// brokenBatch scores 0.6 per candle (hard OHLC failure), under the 0.85
// arbitration threshold.
func brokenBatch(n int) []models.Candle {
	out := cleanBatch(models.SourcePrimary, n)
	for i := range out {
		out[i].Low = out[i].High + 1
	}
	return out
}

func fetchOpts() Options { return DefaultOptions() }

func do(o *Orchestrator, opts Options) ([]models.Candle, models.Source, error) {
	return o.FetchRange(context.Background(), "AAPL", models.TF1d,
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC),
		models.AssetStock, opts)
}

func TestOrchestrator_PrimaryWins(t *testing.T) {
	primary := &stubClient{name: "primary", candles: cleanBatch(models.SourcePrimary, 3)}
	fallback := &stubClient{name: "fallback", candles: cleanBatch(models.SourceFallback, 3)}
	o := NewOrchestrator(primary, fallback)

	candles, source, err := do(o, fetchOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source != models.SourcePrimary {
		t.Errorf("source = %q, want primary", source)
	}
	if len(candles) != 3 {
		t.Errorf("candles = %d, want 3", len(candles))
	}
	if fallback.calls.Load() != 0 {
		t.Error("fallback must not be touched when the primary succeeds")
	}
	if stats := o.Stats(); stats.PrimaryUsed != 1 || stats.FallbackUsed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestOrchestrator_FallbackOnUnavailable(t *testing.T) {
	primary := &stubClient{name: "primary", err: unavailable("primary", "retries exhausted", 503, false, nil)}
	fallback := &stubClient{name: "fallback", candles: cleanBatch(models.SourceFallback, 2)}
	o := NewOrchestrator(primary, fallback)

	var events []string
	o.SetEventFunc(func(e string) { events = append(events, e) })

	candles, source, err := do(o, fetchOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source != models.SourceFallback {
		t.Errorf("source = %q, want fallback", source)
	}
	if len(candles) != 2 {
		t.Errorf("candles = %d", len(candles))
	}
	if stats := o.Stats(); stats.FallbackUsed != 1 {
		t.Errorf("fallback_used = %d, want 1", stats.FallbackUsed)
	}
	if len(events) != 1 || events[0] != "orchestrator_fallback_used" {
		t.Errorf("events = %v", events)
	}
}

func TestOrchestrator_FallbackOnEmptyPrimary(t *testing.T) {
	primary := &stubClient{name: "primary"} // success, zero candles
	fallback := &stubClient{name: "fallback", candles: cleanBatch(models.SourceFallback, 2)}
	o := NewOrchestrator(primary, fallback)

	_, source, err := do(o, fetchOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source != models.SourceFallback {
		t.Errorf("source = %q, want fallback for an empty primary window", source)
	}
}

func TestOrchestrator_RejectionDoesNotFallBack(t *testing.T) {
	primary := &stubClient{name: "primary", err: rejected("primary", "unknown ticker", 404)}
	fallback := &stubClient{name: "fallback", candles: cleanBatch(models.SourceFallback, 2)}
	o := NewOrchestrator(primary, fallback)

	_, source, err := do(o, fetchOpts())
	if !IsRejected(err) {
		t.Fatalf("err = %v, want the primary rejection to surface", err)
	}
	if source != models.SourceNone {
		t.Errorf("source = %q, want none", source)
	}
	if fallback.calls.Load() != 0 {
		t.Error("permanent rejections must not trigger the fallback")
	}
	if stats := o.Stats(); stats.BothFailed != 1 {
		t.Errorf("both_failed = %d, want 1", stats.BothFailed)
	}
}

func TestOrchestrator_BothFailed(t *testing.T) {
	primaryErr := unavailable("primary", "server error", 502, false, nil)
	fallbackErr := unavailable("fallback", "rate limited", 429, true, nil)
	primary := &stubClient{name: "primary", err: primaryErr}
	fallback := &stubClient{name: "fallback", err: fallbackErr}
	o := NewOrchestrator(primary, fallback)

	_, source, err := do(o, fetchOpts())
	if source != models.SourceNone {
		t.Errorf("source = %q, want none", source)
	}
	if !errors.Is(err, primaryErr) || !errors.Is(err, fallbackErr) {
		t.Errorf("joined error should carry both causes, got %v", err)
	}
	if stats := o.Stats(); stats.BothFailed != 1 {
		t.Errorf("both_failed = %d, want 1", stats.BothFailed)
	}
}

func TestOrchestrator_BothEmpty(t *testing.T) {
	o := NewOrchestrator(&stubClient{name: "primary"}, &stubClient{name: "fallback"})

	candles, source, err := do(o, fetchOpts())
	if err != nil {
		t.Fatalf("two empty successes should not error: %v", err)
	}
	if len(candles) != 0 || source != models.SourceNone {
		t.Errorf("got %d candles from %q, want none", len(candles), source)
	}
}

func TestOrchestrator_FallbackDisabled(t *testing.T) {
	primary := &stubClient{name: "primary", err: unavailable("primary", "down", 503, false, nil)}
	fallback := &stubClient{name: "fallback", candles: cleanBatch(models.SourceFallback, 2)}
	o := NewOrchestrator(primary, fallback)

	opts := fetchOpts()
	opts.UseFallback = false
	_, _, err := do(o, opts)
	if !IsUnavailable(err) {
		t.Fatalf("err = %v, want the primary error", err)
	}
	if fallback.calls.Load() != 0 {
		t.Error("disabled fallback must not be called")
	}
}

func TestOrchestrator_SkipsUnhealthyPrimary(t *testing.T) {
	primary := &stubClient{name: "primary", down: true, candles: cleanBatch(models.SourcePrimary, 3)}
	fallback := &stubClient{name: "fallback", candles: cleanBatch(models.SourceFallback, 1)}
	o := NewOrchestrator(primary, fallback)

	_, source, err := do(o, fetchOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls.Load() != 0 {
		t.Error("open circuit should skip the primary entirely")
	}
	if source != models.SourceFallback {
		t.Errorf("source = %q, want fallback", source)
	}
}

func TestOrchestrator_NoFallbackConfigured(t *testing.T) {
	primary := &stubClient{name: "primary", err: unavailable("primary", "down", 503, false, nil)}
	o := NewOrchestrator(primary, nil)

	_, source, err := do(o, fetchOpts())
	if !IsUnavailable(err) {
		t.Fatalf("err = %v", err)
	}
	if source != models.SourceNone {
		t.Errorf("source = %q", source)
	}
}

func TestOrchestrator_ArbitrationPrefersCleanerBatch(t *testing.T) {
	primary := &stubClient{name: "primary", candles: brokenBatch(3)}
	fallback := &stubClient{name: "fallback", candles: cleanBatch(models.SourceFallback, 3)}
	o := NewOrchestrator(primary, fallback)

	opts := fetchOpts()
	opts.Validate = true

	candles, source, err := do(o, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source != models.SourceFallback {
		t.Errorf("source = %q, want the higher-scoring fallback", source)
	}
	if len(candles) != 3 {
		t.Errorf("candles = %d", len(candles))
	}
	stats := o.Stats()
	if stats.FallbackBetter != 1 || stats.FallbackUsed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestOrchestrator_ArbitrationKeepsPrimaryWhenFallbackFails(t *testing.T) {
	primary := &stubClient{name: "primary", candles: brokenBatch(3)}
	fallback := &stubClient{name: "fallback", err: unavailable("fallback", "down", 503, false, nil)}
	o := NewOrchestrator(primary, fallback)

	opts := fetchOpts()
	opts.Validate = true

	candles, source, err := do(o, opts)
	if err != nil {
		t.Fatalf("low quality still beats nothing: %v", err)
	}
	if source != models.SourcePrimary {
		t.Errorf("source = %q, want primary", source)
	}
	if len(candles) != 3 {
		t.Errorf("candles = %d", len(candles))
	}
	if stats := o.Stats(); stats.PrimaryUsed != 1 {
		t.Errorf("primary_used = %d, want 1", stats.PrimaryUsed)
	}
}

func TestOrchestrator_ArbitrationTieKeepsPrimary(t *testing.T) {
	primary := &stubClient{name: "primary", candles: brokenBatch(3)}
	fallback := &stubClient{name: "fallback", candles: brokenBatch(3)}
	o := NewOrchestrator(primary, fallback)

	opts := fetchOpts()
	opts.Validate = true

	_, source, err := do(o, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source != models.SourcePrimary {
		t.Errorf("tie should keep the primary, got %q", source)
	}
	if stats := o.Stats(); stats.Equal != 1 {
		t.Errorf("equal = %d, want 1", stats.Equal)
	}
}

func TestOrchestrator_ValidationSkippedAboveThreshold(t *testing.T) {
	primary := &stubClient{name: "primary", candles: cleanBatch(models.SourcePrimary, 3)}
	fallback := &stubClient{name: "fallback", candles: cleanBatch(models.SourceFallback, 3)}
	o := NewOrchestrator(primary, fallback)

	opts := fetchOpts()
	opts.Validate = true

	_, source, err := do(o, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source != models.SourcePrimary {
		t.Errorf("source = %q", source)
	}
	if fallback.calls.Load() != 0 {
		t.Error("clean primary batch should not trigger arbitration")
	}
}
