package models

import (
	"testing"
	"time"
)

func TestParseTimeframe(t *testing.T) {
	for _, tf := range AllowedTimeframes {
		got, err := ParseTimeframe(string(tf))
		if err != nil {
			t.Errorf("ParseTimeframe(%q) returned error: %v", tf, err)
		}
		if got != tf {
			t.Errorf("ParseTimeframe(%q) = %q", tf, got)
		}
	}

	for _, bad := range []string{"", "3m", "1D", "daily", "60"} {
		if _, err := ParseTimeframe(bad); err == nil {
			t.Errorf("ParseTimeframe(%q) should fail", bad)
		}
	}
}

func TestTimeframe_Duration(t *testing.T) {
	cases := map[Timeframe]time.Duration{
		TF1m: time.Minute,
		TF4h: 4 * time.Hour,
		TF1d: 24 * time.Hour,
		TF1w: 7 * 24 * time.Hour,
	}
	for tf, want := range cases {
		if got := tf.Duration(); got != want {
			t.Errorf("%s.Duration() = %v, want %v", tf, got, want)
		}
	}
}

func TestTimeframe_StalenessThreshold(t *testing.T) {
	cases := map[Timeframe]time.Duration{
		TF1m:  time.Hour,
		TF30m: time.Hour,
		TF1h:  6 * time.Hour,
		TF4h:  6 * time.Hour,
		TF1d:  24 * time.Hour,
		TF1w:  24 * time.Hour,
	}
	for tf, want := range cases {
		if got := tf.StalenessThreshold(); got != want {
			t.Errorf("%s.StalenessThreshold() = %v, want %v", tf, got, want)
		}
	}
}

func TestTimeframe_BucketStart(t *testing.T) {
	// Wednesday 2025-06-11 14:37:22 UTC.
	ref := time.Date(2025, 6, 11, 14, 37, 22, 0, time.UTC)

	cases := []struct {
		tf   Timeframe
		want time.Time
	}{
		{TF1m, time.Date(2025, 6, 11, 14, 37, 0, 0, time.UTC)},
		{TF5m, time.Date(2025, 6, 11, 14, 35, 0, 0, time.UTC)},
		{TF15m, time.Date(2025, 6, 11, 14, 30, 0, 0, time.UTC)},
		{TF1h, time.Date(2025, 6, 11, 14, 0, 0, 0, time.UTC)},
		{TF2h, time.Date(2025, 6, 11, 14, 0, 0, 0, time.UTC)},
		{TF4h, time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)},
		{TF1d, time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC)},
		// Weeks anchor to Monday 00:00 UTC.
		{TF1w, time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := tc.tf.BucketStart(ref); !got.Equal(tc.want) {
			t.Errorf("%s.BucketStart(%v) = %v, want %v", tc.tf, ref, got, tc.want)
		}
	}
}

func TestTimeframe_BucketStartWeekEdges(t *testing.T) {
	// A Monday maps to itself; a Sunday maps back six days.
	monday := time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)
	if got := TF1w.BucketStart(monday); !got.Equal(time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Monday bucket = %v", got)
	}
	sunday := time.Date(2025, 6, 15, 23, 59, 0, 0, time.UTC)
	if got := TF1w.BucketStart(sunday); !got.Equal(time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Sunday bucket = %v", got)
	}
}

func TestTimeframe_BucketStartNormalisesZone(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	local := time.Date(2025, 6, 11, 22, 15, 0, 0, est) // 03:15 UTC next day
	got := TF1d.BucketStart(local)
	want := time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("BucketStart across zones = %v, want %v", got, want)
	}
	if got.Location() != time.UTC {
		t.Errorf("BucketStart location = %v, want UTC", got.Location())
	}
}

func TestAssetClass_Valid(t *testing.T) {
	for _, ac := range []AssetClass{AssetStock, AssetETF, AssetCrypto} {
		if !ac.Valid() {
			t.Errorf("%q should be valid", ac)
		}
	}
	if AssetClass("bond").Valid() {
		t.Error("bond should not be a valid asset class")
	}
	if AssetClass("").Valid() {
		t.Error("empty asset class should not be valid")
	}
}

func TestBackfillStatus_Terminal(t *testing.T) {
	cases := map[BackfillStatus]bool{
		BackfillPending:    false,
		BackfillInProgress: false,
		BackfillCompleted:  true,
		BackfillFailed:     true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %t, want %t", status, got, want)
		}
	}
}
