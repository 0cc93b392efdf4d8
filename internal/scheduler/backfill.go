package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/obs"
	"github.com/marketforge/candlevault/internal/store"
	"github.com/marketforge/candlevault/internal/upstream"
	"github.com/marketforge/candlevault/internal/validate"
)

// medianVolumeLookback sizes the trailing window behind the volume
// anomaly check.
const medianVolumeLookback = 20

// cancelledMessage is persisted on states whose worker was stopped
// mid-flight.
const cancelledMessage = "cancelled"

// BackfillRequest describes one backfill run. Zero ranges mean
// incremental: from each pair's latest stored candle, or the configured
// lookback when the pair has no history.
type BackfillRequest struct {
	JobID      string
	Trigger    string
	Symbols    []string
	Timeframes []models.Timeframe
	Start      time.Time
	End        time.Time
}

// runTally accumulates per-symbol outcomes across workers.
type runTally struct {
	mu        sync.Mutex
	succeeded int
	failed    int
	cancelled int
	records   int
}

func (t *runTally) add(outcome string, records int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case "succeeded":
		t.succeeded++
	case "failed":
		t.failed++
	case "cancelled":
		t.cancelled++
	}
	t.records += records
}

// runBackfill executes one full backfill run: group partitioning,
// staggered parallel workers, state transitions, failure tracking, and the
// run summary.
func (s *Scheduler) runBackfill(ctx context.Context, req BackfillRequest) {
	logger := s.logger.With().
		Str("trace_id", req.JobID).
		Str("trigger", req.Trigger).
		Logger()
	startedAt := s.now().UTC()

	symbols, unknown, err := s.resolveSymbols(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("backfill aborted, symbol resolution failed")
		s.alerts.Fire(ctx, obs.Alert{
			Kind:     obs.AlertSchedulerFailed,
			Severity: obs.SeverityCritical,
			Message:  fmt.Sprintf("backfill %s aborted: %v", req.JobID, err),
		})
		return
	}

	tally := &runTally{}
	for _, name := range unknown {
		logger.Warn().Str("symbol", name).Msg("symbol not tracked, skipping")
		tally.add("failed", 0)
	}
	if len(symbols) == 0 {
		logger.Info().Msg("no active symbols to backfill")
		s.logRun(req, tally, len(unknown), startedAt)
		return
	}

	groupSize := s.cfg.MaxConcurrentSymbols
	if !s.cfg.ParallelBackfill {
		groupSize = 1
	}
	groups := partition(symbols, groupSize)

	logger.Info().
		Int("symbols", len(symbols)).
		Int("groups", len(groups)).
		Int("group_size", groupSize).
		Msg("backfill run starting")

	for gi, group := range groups {
		if ctx.Err() != nil {
			break
		}
		var wg sync.WaitGroup
		for i := range group {
			if ctx.Err() != nil {
				break
			}
			if i > 0 && !s.sleep(ctx, staggerDelay) {
				break
			}
			wg.Add(1)
			go func(sym models.Symbol) {
				defer wg.Done()
				s.backfillSymbol(ctx, logger, req, sym, tally)
			}(group[i])
		}
		wg.Wait()

		if gi < len(groups)-1 && !s.sleep(ctx, s.jitter()) {
			break
		}
	}

	s.logRun(req, tally, len(symbols)+len(unknown), startedAt)
}

// logRun persists and emits the run summary.
func (s *Scheduler) logRun(req BackfillRequest, tally *runTally, symbolCount int, startedAt time.Time) {
	completedAt := s.now().UTC()
	run := models.BackfillRun{
		JobID:       req.JobID,
		Trigger:     req.Trigger,
		Symbols:     symbolCount,
		Succeeded:   tally.succeeded,
		Failed:      tally.failed + tally.cancelled,
		Records:     tally.records,
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
	}

	dctx, cancel := s.stateCtx()
	defer cancel()
	if err := s.store.Backfills.LogRun(dctx, run); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist run summary")
	}

	s.metrics.ScheduledRuns.WithLabelValues(req.Trigger).Inc()
	s.logger.Info().
		Str("trace_id", req.JobID).
		Str("trigger", req.Trigger).
		Int("symbols", symbolCount).
		Int("succeeded", tally.succeeded).
		Int("failed", tally.failed).
		Int("cancelled", tally.cancelled).
		Int("records", tally.records).
		Dur("duration", completedAt.Sub(startedAt)).
		Msg("backfill run finished")

	if symbolCount > 0 && tally.succeeded == 0 && tally.failed > 0 {
		s.alerts.Fire(dctx, obs.Alert{
			Kind:     obs.AlertSchedulerFailed,
			Severity: obs.SeverityCritical,
			Message:  fmt.Sprintf("backfill run %s failed for all %d symbols", req.JobID, symbolCount),
		})
	}
}

// backfillSymbol processes every timeframe for one symbol, then settles
// the symbol's failure tracker once for the run.
func (s *Scheduler) backfillSymbol(ctx context.Context, logger zerolog.Logger, req BackfillRequest, sym models.Symbol, tally *runTally) {
	tfs := s.timeframesFor(req, sym)
	if len(tfs) == 0 {
		logger.Warn().Str("symbol", sym.Symbol).Msg("no allowed timeframes, skipping")
		return
	}

	var (
		records   int
		failed    bool
		cancelled bool
	)
	for _, tf := range tfs {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		inserted, err := s.backfillPair(ctx, logger, req, sym, tf)
		records += inserted
		if err != nil {
			if wasCancelled(ctx, err) {
				cancelled = true
				break
			}
			failed = true
		}
	}

	dctx, cancel := s.stateCtx()
	defer cancel()

	if records > 0 && s.cache != nil {
		s.cache.InvalidateSymbol(dctx, sym.Symbol)
	}

	// A stop mid-run says nothing about data health; the tracker only
	// moves on real outcomes.
	if cancelled && !failed {
		tally.add("cancelled", records)
		return
	}

	now := s.now().UTC()
	if failed {
		tally.add("failed", records)
		if err := s.store.Symbols.RecordBackfillOutcome(dctx, sym.Symbol, "failed", now); err != nil {
			logger.Error().Err(err).Str("symbol", sym.Symbol).Msg("failed to record backfill outcome")
		}
		shouldAlert, err := s.store.Failures.MarkFailure(dctx, sym.Symbol)
		if err != nil {
			logger.Error().Err(err).Str("symbol", sym.Symbol).Msg("failed to mark failure")
			return
		}
		if shouldAlert {
			s.alerts.Fire(dctx, obs.Alert{
				Kind:     obs.AlertSchedulerFailed,
				Severity: obs.SeverityCritical,
				Symbol:   sym.Symbol,
				Message:  fmt.Sprintf("%s reached 3 consecutive failed backfills", sym.Symbol),
			})
			if err := s.store.Failures.MarkAlerted(dctx, sym.Symbol); err != nil {
				logger.Error().Err(err).Str("symbol", sym.Symbol).Msg("failed to mark alerted")
			}
		}
		return
	}

	tally.add("succeeded", records)
	if err := s.store.Symbols.RecordBackfillOutcome(dctx, sym.Symbol, "completed", now); err != nil {
		logger.Error().Err(err).Str("symbol", sym.Symbol).Msg("failed to record backfill outcome")
	}
	if err := s.store.Failures.MarkSuccess(dctx, sym.Symbol); err != nil {
		logger.Error().Err(err).Str("symbol", sym.Symbol).Msg("failed to mark success")
	}
}

// backfillPair runs the fetch/validate/insert pipeline for one
// (symbol, timeframe) under a fresh execution state.
func (s *Scheduler) backfillPair(ctx context.Context, logger zerolog.Logger, req BackfillRequest, sym models.Symbol, tf models.Timeframe) (int, error) {
	pairLogger := logger.With().
		Str("symbol", sym.Symbol).
		Str("timeframe", string(tf)).
		Logger()

	state, err := s.store.Backfills.CreateState(ctx, sym.Symbol, tf)
	if err != nil {
		return 0, fmt.Errorf("failed to create backfill state: %w", err)
	}

	s.active.Add(1)
	s.metrics.ActiveBackfills.Inc()
	defer func() {
		s.active.Add(-1)
		s.metrics.ActiveBackfills.Dec()
	}()

	if err := s.store.Backfills.UpdateState(ctx, state.ExecutionID, models.BackfillInProgress, 0, nil); err != nil {
		s.failState(state.ExecutionID, fmt.Sprintf("failed to start: %v", err))
		return 0, err
	}

	start, end := s.window(ctx, sym.Symbol, tf, req)

	candles, source, err := s.fetcher.FetchRange(ctx, sym.Symbol, tf, start, end, sym.AssetClass, upstream.DefaultOptions())
	if err != nil {
		if wasCancelled(ctx, err) {
			s.failState(state.ExecutionID, cancelledMessage)
			s.metrics.BackfillRuns.WithLabelValues("cancelled").Inc()
			return 0, err
		}
		s.failState(state.ExecutionID, err.Error())
		s.metrics.BackfillRuns.WithLabelValues("failed").Inc()
		pairLogger.Error().Err(err).Msg("fetch failed")
		return 0, err
	}

	s.scoreCandles(ctx, sym.Symbol, tf, candles)

	// The batch in hand always lands, even when a stop arrived during
	// the fetch; only then is the state marked cancelled.
	insertCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		insertCtx, cancel = s.stateCtx()
		defer cancel()
	}
	inserted, err := s.store.Candles.InsertBatch(insertCtx, candles)
	if err != nil {
		s.failState(state.ExecutionID, fmt.Sprintf("insert failed: %v", err))
		s.metrics.BackfillRuns.WithLabelValues("failed").Inc()
		pairLogger.Error().Err(err).Msg("insert failed")
		return 0, err
	}

	if ctx.Err() != nil {
		s.failState(state.ExecutionID, cancelledMessage)
		s.metrics.BackfillRuns.WithLabelValues("cancelled").Inc()
		return inserted, ctx.Err()
	}

	dctx, cancel := s.stateCtx()
	defer cancel()
	if err := s.store.Backfills.UpdateState(dctx, state.ExecutionID, models.BackfillCompleted, inserted, nil); err != nil {
		pairLogger.Error().Err(err).Msg("failed to complete state")
		return inserted, err
	}

	s.metrics.BackfillRuns.WithLabelValues("completed").Inc()
	s.metrics.RowsInserted.Add(float64(inserted))
	pairLogger.Info().
		Str("source", string(source)).
		Int("fetched", len(candles)).
		Int("inserted", inserted).
		Time("start", start).
		Time("end", end).
		Msg("pair backfilled")
	return inserted, nil
}

// scoreCandles runs the validation engine over the batch, chaining
// previous closes from stored history into the batch itself.
func (s *Scheduler) scoreCandles(ctx context.Context, symbol string, tf models.Timeframe, candles []models.Candle) {
	if len(candles) == 0 {
		return
	}

	prevClose, err := s.store.Candles.PrevClose(ctx, symbol, tf, candles[0].Time)
	if err != nil {
		prevClose = nil
	}
	medianVolume, err := s.store.Candles.MedianVolume(ctx, symbol, tf, medianVolumeLookback)
	if err != nil {
		medianVolume = nil
	}

	for i := range candles {
		out := validate.Score(candles[i], prevClose, medianVolume)
		validate.Apply(&candles[i], out)
		s.metrics.ValidationScore.Observe(out.Score)
		c := candles[i].Close
		prevClose = &c
	}
}

// window resolves the fetch range: explicit from the request, otherwise
// incremental from the pair's newest stored candle.
func (s *Scheduler) window(ctx context.Context, symbol string, tf models.Timeframe, req BackfillRequest) (time.Time, time.Time) {
	if !req.Start.IsZero() && !req.End.IsZero() {
		return req.Start, req.End
	}

	end := s.now().UTC()
	latest, err := s.store.Candles.Latest(ctx, symbol, tf)
	if err == nil {
		// Refetch the newest bucket too; conflict handling makes the
		// overlap free, and it picks up buckets that were partial.
		return latest.Time, end
	}
	return end.AddDate(0, 0, -s.cfg.BackfillLookbackDays), end
}

// failState marks an execution failed on a detached context so the write
// survives cancellation.
func (s *Scheduler) failState(executionID, message string) {
	dctx, cancel := s.stateCtx()
	defer cancel()
	if err := s.store.Backfills.UpdateState(dctx, executionID, models.BackfillFailed, 0, &message); err != nil {
		s.logger.Error().Err(err).Str("execution_id", executionID).Msg("failed to mark state failed")
	}
}

func (s *Scheduler) stateCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), stateWriteTimeout)
}

// resolveSymbols maps the request onto registry rows. Unknown symbols are
// returned separately so the run can count them failed without states.
func (s *Scheduler) resolveSymbols(ctx context.Context, req BackfillRequest) ([]models.Symbol, []string, error) {
	if len(req.Symbols) == 0 {
		symbols, err := s.store.Symbols.List(ctx, true)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list active symbols: %w", err)
		}
		return symbols, nil, nil
	}

	var (
		out     []models.Symbol
		unknown []string
	)
	for _, name := range req.Symbols {
		sym, err := s.store.Symbols.Get(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			unknown = append(unknown, name)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve symbol %s: %w", name, err)
		}
		out = append(out, *sym)
	}
	return out, unknown, nil
}

// timeframesFor picks the run's timeframes for one symbol, honouring the
// configured allow list.
func (s *Scheduler) timeframesFor(req BackfillRequest, sym models.Symbol) []models.Timeframe {
	source := sym.Timeframes
	if len(req.Timeframes) > 0 {
		source = req.Timeframes
	}
	out := make([]models.Timeframe, 0, len(source))
	for _, tf := range source {
		if s.cfg.TimeframeAllowed(tf) {
			out = append(out, tf)
		}
	}
	return out
}

func partition(symbols []models.Symbol, size int) [][]models.Symbol {
	if size < 1 {
		size = 1
	}
	var groups [][]models.Symbol
	for i := 0; i < len(symbols); i += size {
		end := i + size
		if end > len(symbols) {
			end = len(symbols)
		}
		groups = append(groups, symbols[i:end])
	}
	return groups
}

// wasCancelled distinguishes a stop signal from a genuine failure.
func wasCancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// randomGroupDelay returns the 10-15 s pause between groups.
func randomGroupDelay() time.Duration {
	return groupDelayMin + time.Duration(rand.Int63n(int64(groupDelayJitter)))
}
