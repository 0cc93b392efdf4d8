// Package quant derives the feature columns from an ordered OHLCV series.
// Compute is a pure function: no I/O, no suspension, deterministic for a
// given input window.
package quant

import (
	"math"
	"sort"

	"github.com/marketforge/candlevault/internal/models"
)

// Window sizes and thresholds.
const (
	volWindowShort = 20
	volWindowLong  = 50
	atrPeriod      = 14
	volumeWindow   = 20
	structureBars  = 5
	emaFast        = 20
	emaSlow        = 50
	bollingerBars  = 20
	widthHistory   = 50

	// annualFactor converts per-bar return volatility to annual terms.
	annualFactor = 252

	// trendDeadZone is the EMA spread below which the trend regime is
	// ranging, as a fraction of price.
	trendDeadZone = 0.001

	// compressionPercentile is the width percentile under which the
	// Bollinger regime reads compressed.
	compressionPercentile = 0.60
)

// Compute annotates the series with its derived columns. Candles must be
// one (symbol, timeframe) in ascending time order. Rows without enough
// history keep nil columns.
func Compute(candles []models.Candle) []models.FeatureRow {
	n := len(candles)
	rows := make([]models.FeatureRow, n)
	if n == 0 {
		return rows
	}

	for i := range rows {
		rows[i].Time = candles[i].Time
	}

	returns := make([]float64, n) // return_1d by index, NaN when unknown
	for i := range returns {
		returns[i] = math.NaN()
	}

	for i := 0; i < n; i++ {
		c := candles[i]
		if c.Open > 0 && c.Close > 0 {
			rows[i].LogReturn = finite(math.Log(c.Close / c.Open))
		}
		if i > 0 && candles[i-1].Close > 0 && c.Close > 0 {
			r := math.Log(c.Close / candles[i-1].Close)
			if v := finite(r); v != nil {
				rows[i].Return1d = v
				rows[i].Return1h = finite(r)
				returns[i] = r
			}
		}
	}

	computeVolatility(rows, returns)
	computeATR(rows, candles)
	computeVolume(rows, candles)
	computeStructure(rows, candles)
	computeTrendRegime(rows, candles)
	computeCompression(rows, candles)
	computeVolatilityRegime(rows)

	return rows
}

// computeVolatility fills volatility_20 and volatility_50: rolling sample
// standard deviation of the 1-bar log return, annualised by sqrt(252).
func computeVolatility(rows []models.FeatureRow, returns []float64) {
	for i := range rows {
		if sd, ok := rollingStd(returns, i, volWindowShort); ok {
			rows[i].Volatility20 = finite(sd * math.Sqrt(annualFactor))
		}
		if sd, ok := rollingStd(returns, i, volWindowLong); ok {
			rows[i].Volatility50 = finite(sd * math.Sqrt(annualFactor))
		}
	}
}

// rollingStd computes the sample standard deviation of the window ending
// at index i (inclusive), requiring window non-NaN values.
func rollingStd(values []float64, i, window int) (float64, bool) {
	if i+1 < window {
		return 0, false
	}
	var sum float64
	for j := i - window + 1; j <= i; j++ {
		if math.IsNaN(values[j]) {
			return 0, false
		}
		sum += values[j]
	}
	mean := sum / float64(window)

	var ss float64
	for j := i - window + 1; j <= i; j++ {
		d := values[j] - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(window-1)), true
}

// computeATR fills atr_14 with Wilder smoothing: true ranges seeded by a
// simple average, then atr = (prev*(p-1) + tr) / p.
func computeATR(rows []models.FeatureRow, candles []models.Candle) {
	n := len(candles)
	if n == 0 {
		return
	}

	tr := make([]float64, n)
	tr[0] = candles[0].High - candles[0].Low
	for i := 1; i < n; i++ {
		hl := candles[i].High - candles[i].Low
		hc := math.Abs(candles[i].High - candles[i-1].Close)
		lc := math.Abs(candles[i].Low - candles[i-1].Close)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}

	if n < atrPeriod {
		return
	}
	var atr float64
	for i := 0; i < atrPeriod; i++ {
		atr += tr[i]
	}
	atr /= atrPeriod
	rows[atrPeriod-1].ATR14 = finite(atr)

	for i := atrPeriod; i < n; i++ {
		atr = (atr*(atrPeriod-1) + tr[i]) / atrPeriod
		rows[i].ATR14 = finite(atr)
	}
}

// computeVolume fills rolling_volume_20 and volume_ratio.
func computeVolume(rows []models.FeatureRow, candles []models.Candle) {
	var sum float64
	for i := range candles {
		sum += candles[i].Volume
		if i >= volumeWindow {
			sum -= candles[i-volumeWindow].Volume
		}
		if i+1 < volumeWindow {
			continue
		}
		avg := sum / volumeWindow
		rows[i].RollingVolume20 = finite(avg)
		if avg > 0 {
			rows[i].VolumeRatio = finite(candles[i].Volume / avg)
		}
	}
}

// computeStructure fills the 5-bar swing flags, trend direction, and the
// structure label.
func computeStructure(rows []models.FeatureRow, candles []models.Candle) {
	for i := structureBars; i < len(candles); i++ {
		maxHigh := candles[i-structureBars].High
		minLow := candles[i-structureBars].Low
		for j := i - structureBars + 1; j < i; j++ {
			maxHigh = math.Max(maxHigh, candles[j].High)
			minLow = math.Min(minLow, candles[j].Low)
		}

		hh := candles[i].High > maxHigh
		lh := candles[i].High < maxHigh
		hl := candles[i].Low > minLow
		ll := candles[i].Low < minLow
		rows[i].HigherHigh = &hh
		rows[i].HigherLow = &hl
		rows[i].LowerHigh = &lh
		rows[i].LowerLow = &ll

		direction := models.TrendNeutral
		if prev := candles[i-structureBars].Close; prev > 0 {
			switch r := candles[i].Close/prev - 1; {
			case r > 0:
				direction = models.TrendUp
			case r < 0:
				direction = models.TrendDown
			}
		}
		rows[i].TrendDirection = strPtr(direction)

		label := models.StructureRange
		switch {
		case hh && hl:
			label = models.StructureBullish
		case lh && ll:
			label = models.StructureBearish
		}
		rows[i].StructureLabel = strPtr(label)
	}
}

// computeTrendRegime labels rows by the EMA20-EMA50 spread with a 0.1%
// dead zone around zero.
func computeTrendRegime(rows []models.FeatureRow, candles []models.Candle) {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	fast := emaSeries(closes, emaFast)
	slow := emaSeries(closes, emaSlow)

	for i := range rows {
		if math.IsNaN(fast[i]) || math.IsNaN(slow[i]) {
			continue
		}
		diff := fast[i] - slow[i]
		zone := trendDeadZone * closes[i]
		label := models.TrendRegimeRanging
		switch {
		case diff > zone:
			label = models.TrendRegimeUp
		case diff < -zone:
			label = models.TrendRegimeDown
		}
		rows[i].TrendRegime = strPtr(label)
	}
}

// emaSeries returns the EMA of values, seeded with the simple average of
// the first period values. Entries before the seed are NaN.
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(values) < period {
		return out
	}

	var seed float64
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)
	out[period-1] = seed

	alpha := 2.0 / (float64(period) + 1)
	ema := seed
	for i := period; i < len(values); i++ {
		ema = alpha*values[i] + (1-alpha)*ema
		out[i] = ema
	}
	return out
}

// computeCompression labels rows compressed when the Bollinger band width
// sits under the 60th percentile of its trailing 50-bar width history.
func computeCompression(rows []models.FeatureRow, candles []models.Candle) {
	n := len(candles)
	widths := make([]float64, n)
	for i := range widths {
		widths[i] = math.NaN()
	}

	closes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
	}
	for i := bollingerBars - 1; i < n; i++ {
		if sd, ok := windowStd(closes, i, bollingerBars); ok {
			widths[i] = 4 * sd // (mean+2sd) - (mean-2sd)
		}
	}

	history := make([]float64, 0, widthHistory)
	for i := range rows {
		if math.IsNaN(widths[i]) {
			continue
		}
		history = history[:0]
		for j := i - widthHistory + 1; j <= i; j++ {
			if j >= 0 && !math.IsNaN(widths[j]) {
				history = append(history, widths[j])
			}
		}
		if len(history) < widthHistory {
			continue
		}
		sort.Float64s(history)
		threshold := percentile(history, compressionPercentile)
		label := models.CompressionExpanded
		if widths[i] < threshold {
			label = models.CompressionCompressed
		}
		rows[i].CompressionRegime = strPtr(label)
	}
}

// computeVolatilityRegime assigns low/medium/high by the tertiles of
// volatility_50 across the input window.
func computeVolatilityRegime(rows []models.FeatureRow) {
	vols := make([]float64, 0, len(rows))
	for i := range rows {
		if rows[i].Volatility50 != nil {
			vols = append(vols, *rows[i].Volatility50)
		}
	}
	if len(vols) < 3 {
		return
	}
	sort.Float64s(vols)
	lowCut := percentile(vols, 1.0/3)
	highCut := percentile(vols, 2.0/3)

	for i := range rows {
		if rows[i].Volatility50 == nil {
			continue
		}
		v := *rows[i].Volatility50
		label := models.VolRegimeMedium
		switch {
		case v <= lowCut:
			label = models.VolRegimeLow
		case v > highCut:
			label = models.VolRegimeHigh
		}
		rows[i].VolatilityRegime = strPtr(label)
	}
}

// windowStd is the sample standard deviation of values[i-window+1 .. i].
func windowStd(values []float64, i, window int) (float64, bool) {
	if i+1 < window {
		return 0, false
	}
	var sum float64
	for j := i - window + 1; j <= i; j++ {
		sum += values[j]
	}
	mean := sum / float64(window)
	var ss float64
	for j := i - window + 1; j <= i; j++ {
		d := values[j] - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(window-1)), true
}

// percentile interpolates linearly over a sorted slice. p is in [0, 1].
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func strPtr(s string) *string { return &s }
