// Package validate scores candle integrity. Scoring is pure: the engine
// returns an Outcome and never aborts the batch.
package validate

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/marketforge/candlevault/internal/models"
)

// Scoring weights and thresholds.
const (
	HardPenalty    = 0.40
	SoftPenalty    = 0.10
	ValidThreshold = 0.85

	// ExtremeMoveThreshold fails a candle whose close moved more than
	// 500% against the previous close.
	ExtremeMoveThreshold = 5.0

	// GapThreshold flags an open more than 10% away from the previous
	// close.
	GapThreshold = 0.10

	// Volume anomaly bounds relative to the symbol's median volume.
	VolumeHighRatio = 10.0
	VolumeLowRatio  = 0.1
)

// Outcome is the result of scoring one candle.
type Outcome struct {
	Score         float64  `json:"score"`
	Validated     bool     `json:"validated"`
	GapDetected   bool     `json:"gap_detected"`
	VolumeAnomaly bool     `json:"volume_anomaly"`
	FailedChecks  []string `json:"failed_checks,omitempty"`
}

// Notes renders the failed checks for the validation_notes column.
func (o Outcome) Notes() string {
	if len(o.FailedChecks) == 0 {
		return "ok"
	}
	return strings.Join(o.FailedChecks, "; ")
}

// Score runs the per-candle checks. prevClose and medianVolume are nil
// when unknown, which skips the checks that depend on them; a first-ever
// candle with clean OHLC therefore scores 1.0.
func Score(c models.Candle, prevClose, medianVolume *float64) Outcome {
	out := Outcome{Score: 1.0}

	if reason, ok := checkOHLC(c); !ok {
		out.Score -= HardPenalty
		out.FailedChecks = append(out.FailedChecks, reason)
	}

	if prevClose != nil && *prevClose > 0 {
		if move := math.Abs(c.Close-*prevClose) / *prevClose; move > ExtremeMoveThreshold {
			out.Score -= HardPenalty
			out.FailedChecks = append(out.FailedChecks, fmt.Sprintf("extreme move %.1f%% vs prev close", move*100))
		}
		if gap := math.Abs(c.Open-*prevClose) / *prevClose; gap > GapThreshold {
			out.Score -= SoftPenalty
			out.GapDetected = true
			out.FailedChecks = append(out.FailedChecks, fmt.Sprintf("gap %.1f%% vs prev close", gap*100))
		}
	}

	if medianVolume != nil && *medianVolume > 0 {
		if c.Volume > VolumeHighRatio*(*medianVolume) || c.Volume < VolumeLowRatio*(*medianVolume) {
			out.Score -= SoftPenalty
			out.VolumeAnomaly = true
			out.FailedChecks = append(out.FailedChecks, fmt.Sprintf("volume %.0f vs median %.0f", c.Volume, *medianVolume))
		}
	}

	if out.Score < 0 {
		out.Score = 0
	}
	out.Validated = out.Score >= ValidThreshold
	return out
}

// Apply writes an outcome onto the candle's validation columns.
func Apply(c *models.Candle, out Outcome) {
	c.Validated = out.Validated
	c.QualityScore = out.Score
	c.ValidationNotes = out.Notes()
	c.GapDetected = out.GapDetected
	c.VolumeAnomaly = out.VolumeAnomaly
}

// StructurallySound reports whether the candle satisfies the hard OHLC
// constraints and may be persisted at all. Unsound rows are skipped by the
// pipeline; the rest of their batch proceeds.
func StructurallySound(c models.Candle) bool {
	_, ok := checkOHLC(c)
	return ok
}

func checkOHLC(c models.Candle) (string, bool) {
	switch {
	case c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0:
		return "negative price", false
	case c.Volume < 0:
		return "negative volume", false
	case c.Low > c.High:
		return "low above high", false
	case c.High < math.Max(c.Open, c.Close):
		return "high below open/close", false
	case c.Low > math.Min(c.Open, c.Close):
		return "low above open/close", false
	}
	return "", true
}

// ScoreBatch computes the mean quality score of a batch, using each
// candle's predecessor inside the batch as prev close and the batch median
// volume. Used by the orchestrator for source arbitration.
func ScoreBatch(candles []models.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}

	median := MedianVolume(candles)
	var sum float64
	for i, c := range candles {
		var prev *float64
		if i > 0 {
			prev = &candles[i-1].Close
		}
		sum += Score(c, prev, &median).Score
	}
	return sum / float64(len(candles))
}

// MedianVolume returns the median candle volume of the batch.
func MedianVolume(candles []models.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	vols := make([]float64, len(candles))
	for i, c := range candles {
		vols[i] = c.Volume
	}
	sort.Float64s(vols)
	mid := len(vols) / 2
	if len(vols)%2 == 0 {
		return (vols[mid-1] + vols[mid]) / 2
	}
	return vols[mid]
}
