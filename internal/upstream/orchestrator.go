package upstream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/validate"
)

// attemptDelay spaces the primary and fallback attempts so a failing
// primary does not immediately double the upstream pressure.
const attemptDelay = 50 * time.Millisecond

// Options steer one orchestrated fetch.
type Options struct {
	UseFallback bool
	Validate    bool
	Threshold   float64
}

// DefaultOptions enables the fallback with the standard quality threshold.
func DefaultOptions() Options {
	return Options{UseFallback: true, Validate: false, Threshold: 0.85}
}

// OrchestratorStats are the cumulative source-selection tallies.
type OrchestratorStats struct {
	PrimaryUsed    int64 `json:"primary_used"`
	FallbackUsed   int64 `json:"fallback_used"`
	BothFailed     int64 `json:"both_failed"`
	PrimaryBetter  int64 `json:"primary_better"`
	FallbackBetter int64 `json:"fallback_better"`
	Equal          int64 `json:"equal"`
}

// Orchestrator routes fetches to the primary client and falls back to the
// free source when the primary is unavailable, empty, or low quality.
// The fallback is a resilience boundary, not a load balancer.
type Orchestrator struct {
	primary  Client
	fallback Client

	primaryUsed    atomic.Int64
	fallbackUsed   atomic.Int64
	bothFailed     atomic.Int64
	primaryBetter  atomic.Int64
	fallbackBetter atomic.Int64
	equal          atomic.Int64

	// onEvent, when set, receives one call per source decision for the
	// metrics layer.
	onEvent func(event string)
}

// NewOrchestrator wires the two clients. fallback may be nil.
func NewOrchestrator(primary, fallback Client) *Orchestrator {
	return &Orchestrator{primary: primary, fallback: fallback}
}

// SetEventFunc installs the metrics callback.
func (o *Orchestrator) SetEventFunc(fn func(event string)) {
	o.onEvent = fn
}

// FetchRange applies the source-selection policy and returns the winning
// batch with its source. Both sources failing returns SourceNone with the
// joined error; both succeeding empty returns SourceNone with nil error.
func (o *Orchestrator) FetchRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, asset models.AssetClass, opts Options) ([]models.Candle, models.Source, error) {
	if opts.Threshold == 0 {
		opts.Threshold = 0.85
	}

	primaryCandles, primaryErr := o.fetchPrimary(ctx, symbol, tf, start, end, asset)

	// Quality arbitration: a populated primary batch below the threshold
	// is raced against the fallback and the higher-scoring batch wins.
	if primaryErr == nil && len(primaryCandles) > 0 {
		if opts.Validate && o.fallbackAvailable() {
			primaryScore := validate.ScoreBatch(primaryCandles)
			if primaryScore < opts.Threshold {
				return o.arbitrate(ctx, symbol, tf, start, end, asset, primaryCandles, primaryScore)
			}
		}
		o.primaryUsed.Add(1)
		o.emit("orchestrator_primary_used")
		return primaryCandles, models.SourcePrimary, nil
	}

	fallbackWorthy := primaryErr == nil || IsUnavailable(primaryErr)
	if !opts.UseFallback || !fallbackWorthy || !o.fallbackAvailable() {
		if primaryErr != nil {
			o.bothFailed.Add(1)
			o.emit("orchestrator_both_failed")
			return nil, models.SourceNone, primaryErr
		}
		return nil, models.SourceNone, nil
	}

	if primaryErr != nil {
		log.Warn().
			Str("symbol", symbol).
			Str("timeframe", string(tf)).
			Err(primaryErr).
			Msg("primary unavailable, trying fallback")
	}

	select {
	case <-time.After(attemptDelay):
	case <-ctx.Done():
		return nil, models.SourceNone, ctx.Err()
	}

	fallbackCandles, fallbackErr := o.fallback.FetchRange(ctx, symbol, tf, start, end, asset)
	if fallbackErr != nil {
		o.bothFailed.Add(1)
		o.emit("orchestrator_both_failed")
		if primaryErr != nil {
			return nil, models.SourceNone, errors.Join(primaryErr, fallbackErr)
		}
		return nil, models.SourceNone, fallbackErr
	}
	if len(fallbackCandles) == 0 {
		// Both sources succeeded with nothing for the window.
		return nil, models.SourceNone, nil
	}

	o.fallbackUsed.Add(1)
	o.emit("orchestrator_fallback_used")
	return fallbackCandles, models.SourceFallback, nil
}

// arbitrate fetches the fallback batch and returns whichever side scores
// higher, counting the outcome.
func (o *Orchestrator) arbitrate(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, asset models.AssetClass, primaryCandles []models.Candle, primaryScore float64) ([]models.Candle, models.Source, error) {
	select {
	case <-time.After(attemptDelay):
	case <-ctx.Done():
		return nil, models.SourceNone, ctx.Err()
	}

	fallbackCandles, err := o.fallback.FetchRange(ctx, symbol, tf, start, end, asset)
	if err != nil || len(fallbackCandles) == 0 {
		// Low quality still beats nothing.
		o.primaryUsed.Add(1)
		o.emit("orchestrator_primary_used")
		return primaryCandles, models.SourcePrimary, nil
	}

	fallbackScore := validate.ScoreBatch(fallbackCandles)
	log.Debug().
		Str("symbol", symbol).
		Float64("primary_score", primaryScore).
		Float64("fallback_score", fallbackScore).
		Msg("source quality arbitration")

	switch {
	case fallbackScore > primaryScore:
		o.fallbackBetter.Add(1)
		o.fallbackUsed.Add(1)
		o.emit("orchestrator_fallback_better")
		return fallbackCandles, models.SourceFallback, nil
	case primaryScore > fallbackScore:
		o.primaryBetter.Add(1)
		o.primaryUsed.Add(1)
		o.emit("orchestrator_primary_better")
		return primaryCandles, models.SourcePrimary, nil
	default:
		o.equal.Add(1)
		o.primaryUsed.Add(1)
		o.emit("orchestrator_equal")
		return primaryCandles, models.SourcePrimary, nil
	}
}

func (o *Orchestrator) fetchPrimary(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, asset models.AssetClass) ([]models.Candle, error) {
	if !o.primary.Healthy() {
		o.emit("orchestrator_primary_skipped_unhealthy")
		return nil, unavailable(o.primary.Name(), "circuit open", 0, false, nil)
	}
	return o.primary.FetchRange(ctx, symbol, tf, start, end, asset)
}

func (o *Orchestrator) fallbackAvailable() bool {
	return o.fallback != nil && o.fallback.Healthy()
}

// Healthy reports whether at least one source can currently accept
// fetches. False means every configured circuit is open.
func (o *Orchestrator) Healthy() bool {
	return o.primary.Healthy() || o.fallbackAvailable()
}

// Stats snapshots the selection counters.
func (o *Orchestrator) Stats() OrchestratorStats {
	return OrchestratorStats{
		PrimaryUsed:    o.primaryUsed.Load(),
		FallbackUsed:   o.fallbackUsed.Load(),
		BothFailed:     o.bothFailed.Load(),
		PrimaryBetter:  o.primaryBetter.Load(),
		FallbackBetter: o.fallbackBetter.Load(),
		Equal:          o.equal.Load(),
	}
}

func (o *Orchestrator) emit(event string) {
	if o.onEvent != nil {
		o.onEvent(event)
	}
}
