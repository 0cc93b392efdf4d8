package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketforge/candlevault/internal/cache"
	"github.com/marketforge/candlevault/internal/config"
	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/obs"
	"github.com/marketforge/candlevault/internal/store"
	"github.com/marketforge/candlevault/internal/store/storetest"
	"github.com/marketforge/candlevault/internal/upstream"
)

var testClock = time.Date(2025, 7, 14, 9, 0, 0, 0, time.UTC)

// stubFetcher stands in for the orchestrator. Each call delegates to fn.
type stubFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, symbol string, tf models.Timeframe) ([]models.Candle, models.Source, error)
}

func (f *stubFetcher) FetchRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, asset models.AssetClass, opts upstream.Options) ([]models.Candle, models.Source, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn == nil {
		return nil, models.SourceNone, nil
	}
	return f.fn(ctx, symbol, tf)
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *config.Config {
	return &config.Config{
		BackfillInterval:       "daily",
		BackfillScheduleHour:   2,
		BackfillScheduleMinute: 0,
		MaxConcurrentSymbols:   2,
		ParallelBackfill:       true,
		BackfillLookbackDays:   30,
	}
}

func newTestScheduler(t *testing.T, fake *storetest.Store, fetcher Fetcher) *Scheduler {
	t.Helper()
	metrics := obs.NewMetrics()
	alerts := obs.NewAlertManager(zerolog.Nop(), metrics)
	s := New(testConfig(), fake.Store, fetcher, nil, metrics, alerts, nil, zerolog.Nop())
	s.now = func() time.Time { return testClock }
	s.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	s.jitter = func() time.Duration { return 0 }
	return s
}

func trackSymbol(t *testing.T, fake *storetest.Store, name string, tfs ...models.Timeframe) {
	t.Helper()
	if len(tfs) == 0 {
		tfs = []models.Timeframe{models.TF1d}
	}
	err := fake.Symbols.Create(context.Background(), models.Symbol{
		Symbol:     name,
		AssetClass: models.AssetStock,
		Active:     true,
		Timeframes: tfs,
	})
	require.NoError(t, err)
}

func dailyCandles(symbol string, n int, base time.Time) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = models.Candle{
			Symbol:    symbol,
			Timeframe: models.TF1d,
			Time:      base.AddDate(0, 0, i),
			Open:      100, High: 105, Low: 99, Close: 104,
			Volume: 1000,
			Source: models.SourcePrimary,
		}
	}
	return out
}

func adhocRequest(symbols ...string) BackfillRequest {
	return BackfillRequest{JobID: "job-1", Trigger: "manual", Symbols: symbols}
}

func TestRunBackfill_PersistsAndScores(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	trackSymbol(t, fake, "AAPL")
	trackSymbol(t, fake, "MSFT")

	base := time.Date(2025, 7, 7, 0, 0, 0, 0, time.UTC)
	fetcher := &stubFetcher{fn: func(_ context.Context, symbol string, _ models.Timeframe) ([]models.Candle, models.Source, error) {
		return dailyCandles(symbol, 3, base), models.SourcePrimary, nil
	}}
	s := newTestScheduler(t, fake, fetcher)

	s.runBackfill(ctx, BackfillRequest{JobID: "job-1", Trigger: "scheduled"})

	count, err := fake.Candles.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), count)

	rows, err := fake.Candles.QueryRange(ctx, "AAPL", models.TF1d,
		store.TimeRange{From: base, To: base.AddDate(0, 0, 7)}, store.CandleFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, c := range rows {
		assert.True(t, c.Validated)
		assert.Equal(t, 1.0, c.QualityScore)
	}

	states, err := fake.Backfills.ListRecentStates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, st := range states {
		assert.Equal(t, models.BackfillCompleted, st.Status)
		assert.Equal(t, 3, st.RecordsInserted)
		assert.NotNil(t, st.StartedAt)
		assert.NotNil(t, st.CompletedAt)
	}

	sym, err := fake.Symbols.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "completed", sym.BackfillStatus)
	require.NotNil(t, sym.LastBackfill)

	rec, err := fake.Failures.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.NotNil(t, rec.LastSuccessAt)

	runs, err := fake.Backfills.RecentRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "scheduled", runs[0].Trigger)
	assert.Equal(t, 2, runs[0].Symbols)
	assert.Equal(t, 2, runs[0].Succeeded)
	assert.Zero(t, runs[0].Failed)
	assert.Equal(t, 6, runs[0].Records)

	assert.Equal(t, 6.0, obs.CounterValue(s.metrics.RowsInserted))
	assert.Equal(t, 2.0, obs.CounterValue(s.metrics.BackfillRuns.WithLabelValues("completed")))
}

func TestRunBackfill_GapStaysValidated(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	trackSymbol(t, fake, "AAPL")

	base := time.Date(2025, 7, 7, 0, 0, 0, 0, time.UTC)
	batch := dailyCandles("AAPL", 2, base)
	// Second bar opens 15% above the prior close: gap flag, soft penalty.
	batch[1].Open = 120
	batch[1].High = 125
	batch[1].Close = 122

	fetcher := &stubFetcher{fn: func(context.Context, string, models.Timeframe) ([]models.Candle, models.Source, error) {
		return batch, models.SourcePrimary, nil
	}}
	s := newTestScheduler(t, fake, fetcher)

	s.runBackfill(ctx, adhocRequest("AAPL"))

	rows, err := fake.Candles.QueryRange(ctx, "AAPL", models.TF1d,
		store.TimeRange{From: base, To: base.AddDate(0, 0, 7)}, store.CandleFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 1.0, rows[0].QualityScore)
	assert.InDelta(t, 0.9, rows[1].QualityScore, 1e-9)
	assert.True(t, rows[1].Validated, "soft flags alone must not fail validation")
	assert.True(t, rows[1].GapDetected)
	assert.Contains(t, rows[1].ValidationNotes, "gap")
}

func TestRunBackfill_ExtremeMoveFailsValidation(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	trackSymbol(t, fake, "AAPL")

	base := time.Date(2025, 7, 7, 0, 0, 0, 0, time.UTC)
	batch := dailyCandles("AAPL", 2, base)
	// Second bar closes 6x the prior close.
	batch[1].Open = 104
	batch[1].High = 700
	batch[1].Low = 100
	batch[1].Close = 650

	fetcher := &stubFetcher{fn: func(context.Context, string, models.Timeframe) ([]models.Candle, models.Source, error) {
		return batch, models.SourcePrimary, nil
	}}
	s := newTestScheduler(t, fake, fetcher)

	s.runBackfill(ctx, adhocRequest("AAPL"))

	rows, err := fake.Candles.QueryRange(ctx, "AAPL", models.TF1d,
		store.TimeRange{From: base, To: base.AddDate(0, 0, 7)}, store.CandleFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2, "hard-failed candles are still persisted")

	assert.False(t, rows[1].Validated)
	assert.LessOrEqual(t, rows[1].QualityScore, 0.6)
	assert.Contains(t, rows[1].ValidationNotes, "extreme")
}

func TestRunBackfill_ChainsPrevCloseFromHistory(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	trackSymbol(t, fake, "AAPL")

	// One stored bar closing at 104; the fetched bar opens at 150, a 44%
	// jump that only the stored history can reveal.
	old := time.Date(2025, 7, 6, 0, 0, 0, 0, time.UTC)
	_, err := fake.Candles.InsertBatch(ctx, dailyCandles("AAPL", 1, old))
	require.NoError(t, err)

	next := dailyCandles("AAPL", 1, old.AddDate(0, 0, 1))
	next[0].Open = 150
	next[0].High = 155
	next[0].Close = 152

	fetcher := &stubFetcher{fn: func(context.Context, string, models.Timeframe) ([]models.Candle, models.Source, error) {
		return next, models.SourcePrimary, nil
	}}
	s := newTestScheduler(t, fake, fetcher)

	s.runBackfill(ctx, adhocRequest("AAPL"))

	got, err := fake.Candles.Latest(ctx, "AAPL", models.TF1d)
	require.NoError(t, err)
	assert.True(t, got.GapDetected)
	assert.InDelta(t, 0.9, got.QualityScore, 1e-9)
}

func TestRunBackfill_FetchFailureTracksSymbol(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	trackSymbol(t, fake, "AAPL")

	fetcher := &stubFetcher{fn: func(context.Context, string, models.Timeframe) ([]models.Candle, models.Source, error) {
		return nil, models.SourceNone, errors.New("both sources failed")
	}}
	s := newTestScheduler(t, fake, fetcher)

	s.runBackfill(ctx, adhocRequest("AAPL"))

	states, err := fake.Backfills.ListRecentStates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, models.BackfillFailed, states[0].Status)
	require.NotNil(t, states[0].ErrorMessage)
	assert.Contains(t, *states[0].ErrorMessage, "both sources failed")

	sym, err := fake.Symbols.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "failed", sym.BackfillStatus)

	rec, err := fake.Failures.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ConsecutiveFailures)
	assert.False(t, rec.AlertSent, "first failure must not alert")

	runs, err := fake.Backfills.RecentRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Failed)
	assert.Zero(t, runs[0].Succeeded)
}

func TestRunBackfill_AlertsOnThirdConsecutiveFailure(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	trackSymbol(t, fake, "AAPL")

	for i := 0; i < 2; i++ {
		_, err := fake.Failures.MarkFailure(ctx, "AAPL")
		require.NoError(t, err)
	}

	fetcher := &stubFetcher{fn: func(context.Context, string, models.Timeframe) ([]models.Candle, models.Source, error) {
		return nil, models.SourceNone, errors.New("both sources failed")
	}}
	s := newTestScheduler(t, fake, fetcher)

	s.runBackfill(ctx, adhocRequest("AAPL"))

	rec, err := fake.Failures.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.ConsecutiveFailures)
	assert.True(t, rec.AlertSent)

	var found bool
	for _, a := range s.alerts.Recent(20) {
		if a.Kind == obs.AlertSchedulerFailed && a.Symbol == "AAPL" {
			found = true
		}
	}
	assert.True(t, found, "expected a consecutive-failure alert for AAPL")
}

func TestRunBackfill_UnknownSymbolCountedFailed(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()

	fetcher := &stubFetcher{}
	s := newTestScheduler(t, fake, fetcher)

	s.runBackfill(ctx, adhocRequest("NOPE"))

	assert.Zero(t, fetcher.callCount(), "unknown symbols must not reach the fetcher")

	states, err := fake.Backfills.ListRecentStates(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, states)

	runs, err := fake.Backfills.RecentRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Symbols)
	assert.Equal(t, 1, runs[0].Failed)
}

func TestRunBackfill_CancelledFetchMarksStateCancelled(t *testing.T) {
	fake := storetest.New()
	trackSymbol(t, fake, "AAPL")

	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &stubFetcher{fn: func(c context.Context, _ string, _ models.Timeframe) ([]models.Candle, models.Source, error) {
		cancel()
		return nil, models.SourceNone, c.Err()
	}}
	s := newTestScheduler(t, fake, fetcher)

	s.runBackfill(ctx, adhocRequest("AAPL"))

	states, err := fake.Backfills.ListRecentStates(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, models.BackfillFailed, states[0].Status)
	require.NotNil(t, states[0].ErrorMessage)
	assert.Equal(t, "cancelled", *states[0].ErrorMessage)

	// A stop is not a data failure; the tracker must stay untouched.
	_, err = fake.Failures.Get(context.Background(), "AAPL")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunBackfill_StopAfterFetchStillLandsBatch(t *testing.T) {
	fake := storetest.New()
	trackSymbol(t, fake, "AAPL")

	base := time.Date(2025, 7, 7, 0, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &stubFetcher{fn: func(context.Context, string, models.Timeframe) ([]models.Candle, models.Source, error) {
		cancel() // stop arrives while the response is in hand
		return dailyCandles("AAPL", 3, base), models.SourcePrimary, nil
	}}
	s := newTestScheduler(t, fake, fetcher)

	s.runBackfill(ctx, adhocRequest("AAPL"))

	count, err := fake.Candles.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count, "the fetched batch must land before shutdown")

	states, err := fake.Backfills.ListRecentStates(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, models.BackfillFailed, states[0].Status)
	require.NotNil(t, states[0].ErrorMessage)
	assert.Equal(t, "cancelled", *states[0].ErrorMessage)
}

func TestRunBackfill_InvalidatesCacheAfterInsert(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	trackSymbol(t, fake, "AAPL")

	base := time.Date(2025, 7, 7, 0, 0, 0, 0, time.UTC)
	fetcher := &stubFetcher{fn: func(_ context.Context, symbol string, _ models.Timeframe) ([]models.Candle, models.Source, error) {
		return dailyCandles(symbol, 2, base), models.SourcePrimary, nil
	}}
	s := newTestScheduler(t, fake, fetcher)
	spy := &invalidationSpy{}
	s.cache = spy

	s.runBackfill(ctx, adhocRequest("AAPL"))

	assert.Equal(t, []string{"AAPL"}, spy.symbols())
}

func TestWindow_IncrementalFromLatest(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()

	latest := time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC)
	_, err := fake.Candles.InsertBatch(ctx, dailyCandles("AAPL", 1, latest))
	require.NoError(t, err)

	s := newTestScheduler(t, fake, &stubFetcher{})

	start, end := s.window(ctx, "AAPL", models.TF1d, BackfillRequest{})
	assert.Equal(t, latest, start, "incremental runs resume at the newest stored bucket")
	assert.Equal(t, testClock, end)
}

func TestWindow_LookbackWhenNoHistory(t *testing.T) {
	s := newTestScheduler(t, storetest.New(), &stubFetcher{})

	start, end := s.window(context.Background(), "AAPL", models.TF1d, BackfillRequest{})
	assert.Equal(t, testClock, end)
	assert.Equal(t, testClock.AddDate(0, 0, -30), start)
}

func TestWindow_ExplicitRangeWins(t *testing.T) {
	s := newTestScheduler(t, storetest.New(), &stubFetcher{})

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	start, end := s.window(context.Background(), "AAPL", models.TF1d, BackfillRequest{Start: from, End: to})
	assert.Equal(t, from, start)
	assert.Equal(t, to, end)
}

func TestTimeframesFor_AllowList(t *testing.T) {
	s := newTestScheduler(t, storetest.New(), &stubFetcher{})
	s.cfg.AllowedTimeframes = []models.Timeframe{models.TF1d, models.TF1h}

	sym := models.Symbol{Symbol: "AAPL", Timeframes: []models.Timeframe{models.TF1m, models.TF1h, models.TF1d}}
	got := s.timeframesFor(BackfillRequest{}, sym)
	assert.Equal(t, []models.Timeframe{models.TF1h, models.TF1d}, got)

	// A request override is filtered through the same allow list.
	got = s.timeframesFor(BackfillRequest{Timeframes: []models.Timeframe{models.TF1m, models.TF1d}}, sym)
	assert.Equal(t, []models.Timeframe{models.TF1d}, got)
}

func TestPartition(t *testing.T) {
	symbols := make([]models.Symbol, 5)
	for i := range symbols {
		symbols[i] = models.Symbol{Symbol: string(rune('A' + i))}
	}

	groups := partition(symbols, 2)
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 2)
	assert.Len(t, groups[2], 1)

	groups = partition(symbols, 0)
	assert.Len(t, groups, 5, "size below one degrades to sequential")
}

// invalidationSpy is a Cache that only tracks invalidations.
type invalidationSpy struct {
	mu   sync.Mutex
	syms []string
}

func (c *invalidationSpy) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (c *invalidationSpy) Set(context.Context, string, []byte)        {}
func (c *invalidationSpy) InvalidateSymbol(_ context.Context, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syms = append(c.syms, symbol)
}
func (c *invalidationSpy) Stats(context.Context) cache.Stats { return cache.Stats{Backend: "spy"} }
func (c *invalidationSpy) Close() error                      { return nil }

func (c *invalidationSpy) symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.syms...)
}
