package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/quant"
)

// runEnrichment recomputes feature columns over the most recent window for
// every active pair. Upserts are idempotent, so rerunning is safe.
func (s *Scheduler) runEnrichment(ctx context.Context) {
	traceID := uuid.NewString()
	logger := s.logger.With().
		Str("trace_id", traceID).
		Str("job", "enrichment").
		Logger()

	symbols, err := s.store.Symbols.List(ctx, true)
	if err != nil {
		logger.Error().Err(err).Msg("enrichment aborted, symbol listing failed")
		return
	}

	var pairs, updated int
	for _, sym := range symbols {
		for _, tf := range sym.Timeframes {
			if ctx.Err() != nil {
				logger.Warn().Msg("enrichment stopped mid-run")
				return
			}
			if !s.cfg.TimeframeAllowed(tf) {
				continue
			}
			pairs++
			n := s.enrichPair(ctx, logger, sym.Symbol, tf)
			updated += n
			if n > 0 && s.cache != nil {
				s.cache.InvalidateSymbol(ctx, sym.Symbol)
			}
		}
	}

	logger.Info().
		Int("pairs", pairs).
		Int("rows_updated", updated).
		Msg("enrichment run finished")
}

// enrichPair computes and writes features for one (symbol, timeframe).
func (s *Scheduler) enrichPair(ctx context.Context, logger zerolog.Logger, symbol string, tf models.Timeframe) int {
	candles, err := s.store.Candles.Recent(ctx, symbol, tf, enrichmentWindow)
	if err != nil {
		logger.Error().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("failed to load window")
		s.logFeatureRun(symbol, tf, 0, 0, fmt.Sprintf("failed: %v", err))
		return 0
	}
	if len(candles) == 0 {
		return 0
	}

	rows := quant.Compute(candles)
	updated, err := s.store.Features.Upsert(ctx, symbol, tf, rows)
	if err != nil {
		logger.Error().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("feature upsert failed")
		s.logFeatureRun(symbol, tf, len(candles), 0, fmt.Sprintf("failed: %v", err))
		return 0
	}

	s.logFeatureRun(symbol, tf, len(candles), updated, "completed")
	logger.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("window", len(candles)).
		Int("updated", updated).
		Msg("pair enriched")
	return updated
}

func (s *Scheduler) logFeatureRun(symbol string, tf models.Timeframe, window, records int, outcome string) {
	dctx, cancel := s.stateCtx()
	defer cancel()
	run := models.FeatureRun{
		Symbol:     symbol,
		Timeframe:  tf,
		WindowSize: window,
		Records:    records,
		Outcome:    outcome,
		RanAt:      s.now().UTC(),
	}
	if err := s.store.Features.LogRun(dctx, run); err != nil {
		s.logger.Error().Err(err).Msg("failed to log feature run")
	}
}
