// Package scheduler owns the time-triggered jobs: the OHLCV backfill, the
// feature enrichment pass, and the health monitor sweep. One runner
// goroutine executes jobs in order so scheduled and ad-hoc backfills never
// compete for upstream budget.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketforge/candlevault/internal/cache"
	"github.com/marketforge/candlevault/internal/config"
	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/obs"
	"github.com/marketforge/candlevault/internal/store"
	"github.com/marketforge/candlevault/internal/upstream"
)

// Job pacing. Worker launches within a group are staggered; groups are
// separated by a randomised pause for rate-limit headroom.
const (
	tickInterval      = 30 * time.Second
	staggerDelay      = 5 * time.Second
	groupDelayMin     = 10 * time.Second
	groupDelayJitter  = 5 * time.Second
	enrichmentHour    = 1
	enrichmentMinute  = 30
	monitorInterval   = 6 * time.Hour
	enrichmentWindow  = 100
	adhocQueueDepth   = 16
	stateWriteTimeout = 10 * time.Second
)

// HealthSweeper runs one monitor pass; the monitor package implements it.
type HealthSweeper interface {
	Sweep(ctx context.Context) error
}

// Fetcher is the slice of the orchestrator the scheduler uses.
type Fetcher interface {
	FetchRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, asset models.AssetClass, opts upstream.Options) ([]models.Candle, models.Source, error)
}

type job struct {
	name string
	run  func(ctx context.Context)
}

// Status is the scheduler state served by the API.
type Status struct {
	Running        bool       `json:"running"`
	QueuedJobs     int        `json:"queued_jobs"`
	ActivePairs    int32      `json:"active_pairs"`
	LastBackfill   *time.Time `json:"last_backfill,omitempty"`
	LastEnrichment *time.Time `json:"last_enrichment,omitempty"`
	LastMonitor    *time.Time `json:"last_monitor,omitempty"`
}

// Scheduler runs the recurring jobs and the ad-hoc backfill queue.
type Scheduler struct {
	cfg     *config.Config
	store   *store.Store
	fetcher Fetcher
	cache   cache.Cache
	metrics *obs.Metrics
	alerts  *obs.AlertManager
	monitor HealthSweeper
	logger  zerolog.Logger

	jobs    chan job
	running atomic.Bool
	active  atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	lastBackfill   time.Time
	lastEnrichment time.Time
	lastMonitor    time.Time

	// Test seams; real clock and sleeps in production.
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
	jitter func() time.Duration
}

// New builds the scheduler. The monitor may be nil when the sweep is
// disabled.
func New(cfg *config.Config, st *store.Store, fetcher Fetcher, qc cache.Cache, metrics *obs.Metrics, alerts *obs.AlertManager, monitor HealthSweeper, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		fetcher: fetcher,
		cache:   qc,
		metrics: metrics,
		alerts:  alerts,
		monitor: monitor,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		jobs:    make(chan job, adhocQueueDepth),
		now:     time.Now,
		sleep:   sleepCtx,
		jitter:  randomGroupDelay,
	}
}

// Start launches the tick loop and the job runner. It returns immediately;
// Stop joins both.
func (s *Scheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.mu.Lock()
	s.lastMonitor = s.now()
	s.mu.Unlock()

	s.wg.Add(2)
	go s.tickLoop(ctx)
	go s.runLoop(ctx)

	s.logger.Info().
		Str("interval", s.cfg.BackfillInterval).
		Int("schedule_hour", s.cfg.BackfillScheduleHour).
		Int("schedule_minute", s.cfg.BackfillScheduleMinute).
		Int("max_concurrent", s.cfg.MaxConcurrentSymbols).
		Msg("scheduler started")
	return nil
}

// Stop signals every worker and joins them. In-flight pairs finish their
// current batch and are marked failed with message "cancelled".
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// Running reports whether the loops are up.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Status summarises scheduler state for the API.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:     s.running.Load(),
		QueuedJobs:  len(s.jobs),
		ActivePairs: s.active.Load(),
	}
	if !s.lastBackfill.IsZero() {
		t := s.lastBackfill
		st.LastBackfill = &t
	}
	if !s.lastEnrichment.IsZero() {
		t := s.lastEnrichment
		st.LastEnrichment = &t
	}
	if !s.lastMonitor.IsZero() {
		t := s.lastMonitor
		st.LastMonitor = &t
	}
	return st
}

// EnqueueAdHoc queues a manual backfill and returns its job id without
// waiting for execution.
func (s *Scheduler) EnqueueAdHoc(req BackfillRequest) (string, error) {
	if !s.running.Load() {
		return "", fmt.Errorf("scheduler not running")
	}
	req.Trigger = "manual"
	req.JobID = uuid.NewString()

	j := job{
		name: "backfill:" + req.JobID,
		run: func(ctx context.Context) {
			s.runBackfill(ctx, req)
		},
	}
	select {
	case s.jobs <- j:
		s.logger.Info().
			Str("job_id", req.JobID).
			Int("symbols", len(req.Symbols)).
			Msg("ad-hoc backfill queued")
		return req.JobID, nil
	default:
		return "", fmt.Errorf("job queue full")
	}
}

// RunAdHoc executes one backfill synchronously, bypassing the job queue.
// This is the CLI path; the HTTP path goes through EnqueueAdHoc.
func (s *Scheduler) RunAdHoc(ctx context.Context, req BackfillRequest) string {
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if req.Trigger == "" {
		req.Trigger = "cli"
	}
	s.runBackfill(ctx, req)
	return req.JobID
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkDue()
		}
	}
}

// checkDue enqueues every job whose schedule matched this tick.
func (s *Scheduler) checkDue() {
	now := s.now().UTC()

	s.mu.Lock()
	backfillDue := s.backfillDueLocked(now)
	if backfillDue {
		s.lastBackfill = now
	}
	enrichmentDue := now.Hour() == enrichmentHour && now.Minute() == enrichmentMinute &&
		!sameMinute(s.lastEnrichment, now)
	if enrichmentDue {
		s.lastEnrichment = now
	}
	monitorDue := now.Sub(s.lastMonitor) >= monitorInterval
	if monitorDue {
		s.lastMonitor = now
	}
	s.mu.Unlock()

	if backfillDue {
		s.enqueue(job{name: "backfill:scheduled", run: func(ctx context.Context) {
			s.runBackfill(ctx, BackfillRequest{Trigger: "scheduled", JobID: uuid.NewString()})
		}})
	}
	if enrichmentDue {
		s.enqueue(job{name: "enrichment", run: s.runEnrichment})
	}
	if monitorDue && s.monitor != nil {
		s.enqueue(job{name: "monitor", run: func(ctx context.Context) {
			if err := s.monitor.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("monitor sweep failed")
			}
		}})
	}
}

// backfillDueLocked applies the daily or hourly schedule. Caller holds mu.
func (s *Scheduler) backfillDueLocked(now time.Time) bool {
	if now.Minute() != s.cfg.BackfillScheduleMinute || sameMinute(s.lastBackfill, now) {
		return false
	}
	if s.cfg.BackfillInterval == "hourly" {
		return true
	}
	return now.Hour() == s.cfg.BackfillScheduleHour
}

func (s *Scheduler) enqueue(j job) {
	select {
	case s.jobs <- j:
	default:
		s.logger.Warn().Str("job", j.name).Msg("job queue full, skipping")
	}
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			s.logger.Info().Str("job", j.name).Msg("job starting")
			started := s.now()
			j.run(ctx)
			s.logger.Info().
				Str("job", j.name).
				Dur("duration", s.now().Sub(started)).
				Msg("job finished")
		}
	}
}

// sleepCtx pauses for d unless the context ends first; reports whether the
// full pause elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func sameMinute(a, b time.Time) bool {
	return !a.IsZero() && a.Truncate(time.Minute).Equal(b.Truncate(time.Minute))
}
