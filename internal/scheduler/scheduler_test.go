package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/store/storetest"
)

// drainJobs empties the queue and returns the job names in order.
func drainJobs(s *Scheduler) []string {
	var names []string
	for {
		select {
		case j := <-s.jobs:
			names = append(names, j.name)
		default:
			return names
		}
	}
}

func TestCheckDue_DailyScheduleFiresOnce(t *testing.T) {
	s := newTestScheduler(t, storetest.New(), &stubFetcher{})
	at := time.Date(2025, 7, 14, 2, 0, 12, 0, time.UTC)
	s.now = func() time.Time { return at }

	s.checkDue()
	names := drainJobs(s)
	require.Len(t, names, 1)
	assert.Equal(t, "backfill:scheduled", names[0])

	// A second tick in the same minute must not enqueue again.
	s.now = func() time.Time { return at.Add(30 * time.Second) }
	s.checkDue()
	assert.Empty(t, drainJobs(s))
}

func TestCheckDue_DailyScheduleIgnoresOtherHours(t *testing.T) {
	s := newTestScheduler(t, storetest.New(), &stubFetcher{})
	s.now = func() time.Time { return time.Date(2025, 7, 14, 5, 0, 0, 0, time.UTC) }

	s.checkDue()
	assert.Empty(t, drainJobs(s))
}

func TestCheckDue_HourlyScheduleFiresEveryHour(t *testing.T) {
	s := newTestScheduler(t, storetest.New(), &stubFetcher{})
	s.cfg.BackfillInterval = "hourly"

	for hour := 9; hour < 12; hour++ {
		s.now = func() time.Time { return time.Date(2025, 7, 14, hour, 0, 0, 0, time.UTC) }
		s.checkDue()
		names := drainJobs(s)
		require.Len(t, names, 1, "hour %d", hour)
		assert.Equal(t, "backfill:scheduled", names[0])
	}
}

func TestCheckDue_EnrichmentAtHalfPastOne(t *testing.T) {
	s := newTestScheduler(t, storetest.New(), &stubFetcher{})
	s.now = func() time.Time { return time.Date(2025, 7, 14, 1, 30, 5, 0, time.UTC) }

	s.checkDue()
	names := drainJobs(s)
	require.Len(t, names, 1)
	assert.Equal(t, "enrichment", names[0])
}

func TestCheckDue_MonitorEverySixHours(t *testing.T) {
	sweeper := &stubSweeper{}
	s := newTestScheduler(t, storetest.New(), &stubFetcher{})
	s.monitor = sweeper

	base := time.Date(2025, 7, 14, 9, 13, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.mu.Lock()
	s.lastMonitor = base.Add(-monitorInterval)
	s.mu.Unlock()

	s.checkDue()
	names := drainJobs(s)
	require.Len(t, names, 1)
	assert.Equal(t, "monitor", names[0])

	// Under the interval, nothing fires.
	s.mu.Lock()
	s.lastMonitor = base.Add(-time.Hour)
	s.mu.Unlock()
	s.checkDue()
	assert.Empty(t, drainJobs(s))
}

func TestEnqueueAdHoc_RequiresRunningScheduler(t *testing.T) {
	s := newTestScheduler(t, storetest.New(), &stubFetcher{})

	_, err := s.EnqueueAdHoc(BackfillRequest{Symbols: []string{"AAPL"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestEnqueueAdHoc_QueueFull(t *testing.T) {
	s := newTestScheduler(t, storetest.New(), &stubFetcher{})
	s.running.Store(true) // loops intentionally not started, so jobs pile up

	for i := 0; i < adhocQueueDepth; i++ {
		_, err := s.EnqueueAdHoc(BackfillRequest{Symbols: []string{fmt.Sprintf("SYM%d", i)}})
		require.NoError(t, err)
	}
	_, err := s.EnqueueAdHoc(BackfillRequest{Symbols: []string{"OVERFLOW"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}

func TestScheduler_StartStop(t *testing.T) {
	fake := storetest.New()
	trackSymbol(t, fake, "AAPL")

	done := make(chan string, 1)
	fetcher := &stubFetcher{fn: func(_ context.Context, symbol string, _ models.Timeframe) ([]models.Candle, models.Source, error) {
		select {
		case done <- symbol:
		default:
		}
		return nil, models.SourceNone, nil
	}}
	s := newTestScheduler(t, fake, fetcher)

	require.NoError(t, s.Start())
	require.Error(t, s.Start(), "double start must be rejected")
	assert.True(t, s.Running())

	jobID, err := s.EnqueueAdHoc(BackfillRequest{Symbols: []string{"AAPL"}})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	select {
	case sym := <-done:
		assert.Equal(t, "AAPL", sym)
	case <-time.After(5 * time.Second):
		t.Fatal("queued backfill never ran")
	}

	s.Stop()
	assert.False(t, s.Running())
	s.Stop() // second stop is a no-op
}

func TestRunAdHoc_AssignsJobIDAndTrigger(t *testing.T) {
	fake := storetest.New()
	trackSymbol(t, fake, "AAPL")
	s := newTestScheduler(t, fake, &stubFetcher{})

	jobID := s.RunAdHoc(context.Background(), BackfillRequest{Symbols: []string{"AAPL"}})
	require.NotEmpty(t, jobID)

	runs, err := fake.Backfills.RecentRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, jobID, runs[0].JobID)
	assert.Equal(t, "cli", runs[0].Trigger)
}

func TestStatus_ReportsLastRuns(t *testing.T) {
	s := newTestScheduler(t, storetest.New(), &stubFetcher{})

	st := s.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.LastBackfill)
	assert.Nil(t, st.LastMonitor)

	at := time.Date(2025, 7, 14, 2, 0, 0, 0, time.UTC)
	s.mu.Lock()
	s.lastBackfill = at
	s.lastEnrichment = at.Add(-30 * time.Minute)
	s.mu.Unlock()

	st = s.Status()
	require.NotNil(t, st.LastBackfill)
	assert.Equal(t, at, *st.LastBackfill)
	require.NotNil(t, st.LastEnrichment)
}

func TestSameMinute(t *testing.T) {
	a := time.Date(2025, 7, 14, 2, 0, 10, 0, time.UTC)
	assert.True(t, sameMinute(a, a.Add(40*time.Second)))
	assert.False(t, sameMinute(a, a.Add(time.Minute)))
	assert.False(t, sameMinute(time.Time{}, a), "zero time never matches")
}

type stubSweeper struct{ calls int }

func (s *stubSweeper) Sweep(context.Context) error {
	s.calls++
	return nil
}
