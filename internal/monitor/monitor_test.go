package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/obs"
	"github.com/marketforge/candlevault/internal/store"
	"github.com/marketforge/candlevault/internal/store/storetest"
)

var sweepClock = time.Date(2025, 7, 14, 12, 0, 0, 0, time.UTC)

func newTestMonitor(t *testing.T, fake *storetest.Store) (*Monitor, *obs.AlertManager) {
	t.Helper()
	alerts := obs.NewAlertManager(zerolog.Nop(), obs.NewMetrics())
	m := New(fake.Store, alerts, zerolog.Nop())
	m.now = func() time.Time { return sweepClock }
	return m, alerts
}

func trackPair(t *testing.T, fake *storetest.Store, symbol string, tfs ...models.Timeframe) {
	t.Helper()
	err := fake.Symbols.Create(context.Background(), models.Symbol{
		Symbol:     symbol,
		AssetClass: models.AssetStock,
		Active:     true,
		Timeframes: tfs,
	})
	require.NoError(t, err)
}

func seedCandle(t *testing.T, fake *storetest.Store, symbol string, tf models.Timeframe, at time.Time, mutate func(*models.Candle)) {
	t.Helper()
	c := models.Candle{
		Symbol:    symbol,
		Timeframe: tf,
		Time:      at,
		Open:      100, High: 105, Low: 99, Close: 104,
		Volume:    1000,
		Source:    models.SourcePrimary,
		Validated: true, QualityScore: 1.0,
		FetchedAt: at,
	}
	if mutate != nil {
		mutate(&c)
	}
	_, err := fake.Candles.InsertBatch(context.Background(), []models.Candle{c})
	require.NoError(t, err)
}

func anomaliesOf(t *testing.T, fake *storetest.Store, kind models.AnomalyType) []models.Anomaly {
	t.Helper()
	all, err := fake.Anomalies.Query(context.Background(), store.AnomalyFilter{})
	require.NoError(t, err)
	var out []models.Anomaly
	for _, a := range all {
		if a.AnomalyType == kind {
			out = append(out, a)
		}
	}
	return out
}

func TestSweep_FlagsStalePair(t *testing.T) {
	fake := storetest.New()
	trackPair(t, fake, "AAPL", models.TF1d)
	// Newest daily bar is three days old, past the 24h threshold.
	seedCandle(t, fake, "AAPL", models.TF1d, sweepClock.Add(-72*time.Hour), nil)

	m, alerts := newTestMonitor(t, fake)
	require.NoError(t, m.Sweep(context.Background()))

	stale := anomaliesOf(t, fake, models.AnomalyStale)
	require.Len(t, stale, 1)
	assert.Equal(t, "AAPL", stale[0].Symbol)
	assert.Equal(t, models.TF1d, stale[0].Timeframe)
	assert.Equal(t, models.SeverityLow, stale[0].Severity, "daily staleness grades low")
	assert.Contains(t, stale[0].Description, "threshold")

	var fired bool
	for _, a := range alerts.Recent(10) {
		if a.Kind == obs.AlertDataStale {
			fired = true
			assert.Equal(t, obs.SeverityWarning, a.Severity)
		}
	}
	assert.True(t, fired, "stale pairs must raise a data_stale alert")
}

func TestSweep_StalenessSeverityTracksTimeframe(t *testing.T) {
	fake := storetest.New()
	trackPair(t, fake, "BTC-USD", models.TF5m, models.TF1h)
	old := sweepClock.Add(-48 * time.Hour)
	seedCandle(t, fake, "BTC-USD", models.TF5m, old, nil)
	seedCandle(t, fake, "BTC-USD", models.TF1h, old, nil)

	m, _ := newTestMonitor(t, fake)
	require.NoError(t, m.Sweep(context.Background()))

	bySeverity := map[models.Severity]int{}
	for _, a := range anomaliesOf(t, fake, models.AnomalyStale) {
		bySeverity[a.Severity]++
	}
	assert.Equal(t, 1, bySeverity[models.SeverityHigh], "sub-hour buckets grade high")
	assert.Equal(t, 1, bySeverity[models.SeverityMedium], "hourly buckets grade medium")
}

func TestSweep_FreshPairStaysQuiet(t *testing.T) {
	fake := storetest.New()
	trackPair(t, fake, "AAPL", models.TF1d)
	seedCandle(t, fake, "AAPL", models.TF1d, sweepClock.Add(-6*time.Hour), nil)

	m, alerts := newTestMonitor(t, fake)
	require.NoError(t, m.Sweep(context.Background()))

	assert.Empty(t, anomaliesOf(t, fake, models.AnomalyStale))
	assert.Empty(t, alerts.Recent(10))
}

func TestSweep_EmptyPairSkipped(t *testing.T) {
	fake := storetest.New()
	trackPair(t, fake, "NEWCO", models.TF1d)

	m, _ := newTestMonitor(t, fake)
	require.NoError(t, m.Sweep(context.Background()))

	assert.Empty(t, anomaliesOf(t, fake, models.AnomalyStale),
		"pairs with no rows yet are not stale")
}

func TestSweep_RecordsDuplicates(t *testing.T) {
	fake := storetest.New()
	fake.AddDuplicate(store.DuplicateKey{
		Symbol:    "AAPL",
		Timeframe: models.TF1d,
		Time:      time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC),
		Rows:      2,
	})

	m, _ := newTestMonitor(t, fake)
	require.NoError(t, m.Sweep(context.Background()))

	dups := anomaliesOf(t, fake, models.AnomalyDuplicate)
	require.Len(t, dups, 1)
	assert.Equal(t, models.SeverityHigh, dups[0].Severity)
	assert.Equal(t, 2, dups[0].AffectedRows)
}

func TestSweep_GroupsOutliersPerPair(t *testing.T) {
	fake := storetest.New()
	base := sweepClock.Add(-2 * time.Hour)
	// Two 30% bodies on the same pair collapse into one anomaly.
	for i := 0; i < 2; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		seedCandle(t, fake, "MEME", models.TF1m, at, func(c *models.Candle) {
			c.Open, c.High, c.Low, c.Close = 100, 135, 99, 130
			c.FetchedAt = at
		})
	}
	// A calm candle on another pair stays out of it.
	seedCandle(t, fake, "AAPL", models.TF1d, base, nil)

	m, _ := newTestMonitor(t, fake)
	require.NoError(t, m.Sweep(context.Background()))

	outliers := anomaliesOf(t, fake, models.AnomalyOutlier)
	require.Len(t, outliers, 1)
	assert.Equal(t, "MEME", outliers[0].Symbol)
	assert.Equal(t, 2, outliers[0].AffectedRows)
	assert.Equal(t, models.SeverityMedium, outliers[0].Severity)
}

func TestSweep_IgnoresOldOutliers(t *testing.T) {
	fake := storetest.New()
	stale := sweepClock.Add(-30 * time.Hour) // outside the 24h window
	seedCandle(t, fake, "MEME", models.TF1m, stale, func(c *models.Candle) {
		c.Open, c.High, c.Low, c.Close = 100, 135, 99, 130
		c.FetchedAt = stale
	})

	m, _ := newTestMonitor(t, fake)
	require.NoError(t, m.Sweep(context.Background()))

	assert.Empty(t, anomaliesOf(t, fake, models.AnomalyOutlier))
}

func TestSweep_AlertsConsecutiveFailuresOnce(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	for i := 0; i < 3; i++ {
		_, err := fake.Failures.MarkFailure(ctx, "AAPL")
		require.NoError(t, err)
	}

	m, alerts := newTestMonitor(t, fake)
	require.NoError(t, m.Sweep(ctx))

	var critical int
	for _, a := range alerts.Recent(10) {
		if a.Kind == obs.AlertSchedulerFailed && a.Symbol == "AAPL" {
			critical++
			assert.Equal(t, obs.SeverityCritical, a.Severity)
			assert.Contains(t, a.Message, "3 consecutive")
		}
	}
	require.Equal(t, 1, critical)

	rec, err := fake.Failures.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, rec.AlertSent)

	// The streak already alerted; a second sweep stays quiet.
	require.NoError(t, m.Sweep(ctx))
	var again int
	for _, a := range alerts.Recent(10) {
		if a.Kind == obs.AlertSchedulerFailed {
			again++
		}
	}
	assert.Equal(t, 1, again, "one alert per failure streak")
}
