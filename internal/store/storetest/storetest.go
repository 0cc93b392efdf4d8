// Package storetest provides an in-memory store.Store for package tests.
// The fake repositories share one mutex-guarded state and keep the edge
// semantics of the postgres implementations: key conflicts are skipped,
// terminal executions refuse updates, and missing rows come back as
// store.ErrNotFound.
package storetest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/store"
)

// Store is the in-memory fake. The embedded store.Store is wired to the
// fake repositories, so it plugs into anything expecting the real
// aggregate. Individual repositories can still be swapped for failing
// stand-ins by reassigning the interface fields.
type Store struct {
	*store.Store

	mu          sync.Mutex
	candles     map[string][]models.Candle
	features    map[string]map[int64]models.FeatureColumns
	symbols     map[string]*models.Symbol
	states      map[string]*models.BackfillState
	stateOrder  []string
	runs        []models.BackfillRun
	failures    map[string]*models.FailureRecord
	anomalies   []models.Anomaly
	featureRuns []models.FeatureRun
	keys        map[string]*models.APIKey
	keyOrder    []string
	audits      []models.APIKeyAudit
	duplicates  []store.DuplicateKey
}

// New returns an empty fake store.
func New() *Store {
	f := &Store{
		candles:  make(map[string][]models.Candle),
		features: make(map[string]map[int64]models.FeatureColumns),
		symbols:  make(map[string]*models.Symbol),
		states:   make(map[string]*models.BackfillState),
		failures: make(map[string]*models.FailureRecord),
		keys:     make(map[string]*models.APIKey),
	}
	f.Store = &store.Store{
		Candles:   &candleRepo{f},
		Symbols:   &symbolRepo{f},
		Backfills: &backfillRepo{f},
		Failures:  &failureRepo{f},
		Anomalies: &anomalyRepo{f},
		Features:  &featureRepo{f},
		APIKeys:   &apiKeyRepo{f},
		Health:    &healthRepo{},
	}
	return f
}

// AddDuplicate seeds a row for FindDuplicates. The insert path cannot
// produce one, same as the real primary key.
func (f *Store) AddDuplicate(key store.DuplicateKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duplicates = append(f.duplicates, key)
}

func pairKey(symbol string, tf models.Timeframe) string {
	return symbol + "|" + string(tf)
}

type candleRepo struct{ f *Store }

func (r *candleRepo) InsertBatch(_ context.Context, candles []models.Candle) (int, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	touched := make(map[string]struct{})
	inserted := 0
	for _, c := range candles {
		key := pairKey(c.Symbol, c.Timeframe)
		if candleAt(r.f.candles[key], c.Time) != nil {
			continue
		}
		r.f.candles[key] = append(r.f.candles[key], c)
		touched[key] = struct{}{}
		inserted++
	}
	for key := range touched {
		rows := r.f.candles[key]
		sort.Slice(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })
	}
	return inserted, nil
}

func candleAt(rows []models.Candle, t time.Time) *models.Candle {
	for i := range rows {
		if rows[i].Time.Equal(t) {
			return &rows[i]
		}
	}
	return nil
}

func matches(c models.Candle, tr store.TimeRange, filter store.CandleFilter) bool {
	if c.Time.Before(tr.From) || c.Time.After(tr.To) {
		return false
	}
	if filter.ValidatedOnly && !c.Validated {
		return false
	}
	if filter.MinQuality > 0 && c.QualityScore < filter.MinQuality {
		return false
	}
	return true
}

func (r *candleRepo) QueryRange(_ context.Context, symbol string, tf models.Timeframe, tr store.TimeRange, filter store.CandleFilter) ([]models.Candle, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	var out []models.Candle
	for _, c := range r.f.candles[pairKey(symbol, tf)] {
		if !matches(c, tr, filter) {
			continue
		}
		out = append(out, c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *candleRepo) QueryRangeWithFeatures(_ context.Context, symbol string, tf models.Timeframe, tr store.TimeRange, filter store.CandleFilter) ([]models.CandleWithFeatures, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	feats := r.f.features[pairKey(symbol, tf)]
	var out []models.CandleWithFeatures
	for _, c := range r.f.candles[pairKey(symbol, tf)] {
		if !matches(c, tr, filter) {
			continue
		}
		row := models.CandleWithFeatures{Candle: c}
		if cols, ok := feats[c.Time.UnixNano()]; ok {
			row.FeatureColumns = cols
		}
		out = append(out, row)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *candleRepo) Latest(_ context.Context, symbol string, tf models.Timeframe) (*models.Candle, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	rows := r.f.candles[pairKey(symbol, tf)]
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	c := rows[len(rows)-1]
	return &c, nil
}

func (r *candleRepo) Recent(_ context.Context, symbol string, tf models.Timeframe, n int) ([]models.Candle, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	rows := r.f.candles[pairKey(symbol, tf)]
	if n > len(rows) {
		n = len(rows)
	}
	if n <= 0 {
		return nil, nil
	}
	return append([]models.Candle(nil), rows[len(rows)-n:]...), nil
}

func (r *candleRepo) PrevClose(_ context.Context, symbol string, tf models.Timeframe, t time.Time) (*float64, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	rows := r.f.candles[pairKey(symbol, tf)]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Time.Before(t) {
			prev := rows[i].Close
			return &prev, nil
		}
	}
	return nil, nil
}

func (r *candleRepo) MedianVolume(_ context.Context, symbol string, tf models.Timeframe, lookback int) (*float64, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	rows := r.f.candles[pairKey(symbol, tf)]
	if len(rows) == 0 || lookback <= 0 {
		return nil, nil
	}
	if lookback > len(rows) {
		lookback = len(rows)
	}
	vols := make([]float64, 0, lookback)
	for _, c := range rows[len(rows)-lookback:] {
		vols = append(vols, c.Volume)
	}
	sort.Float64s(vols)
	var median float64
	if n := len(vols); n%2 == 1 {
		median = vols[n/2]
	} else {
		median = (vols[n/2-1] + vols[n/2]) / 2
	}
	return &median, nil
}

func (r *candleRepo) Count(_ context.Context) (int64, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	var count int64
	for _, rows := range r.f.candles {
		count += int64(len(rows))
	}
	return count, nil
}

func (r *candleRepo) ValidationRate(_ context.Context) (float64, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	total, validated := 0, 0
	for _, rows := range r.f.candles {
		for _, c := range rows {
			total++
			if c.Validated {
				validated++
			}
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(validated) / float64(total), nil
}

func (r *candleRepo) FindDuplicates(_ context.Context) ([]store.DuplicateKey, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	return append([]store.DuplicateKey(nil), r.f.duplicates...), nil
}

func (r *candleRepo) RecentOutliers(_ context.Context, since time.Time, ratio float64) ([]models.Candle, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	var out []models.Candle
	for _, rows := range r.f.candles {
		for _, c := range rows {
			if c.FetchedAt.Before(since) || c.Open <= 0 {
				continue
			}
			if math.Abs(c.Close-c.Open)/c.Open > ratio {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FetchedAt.After(out[j].FetchedAt) })
	return out, nil
}

type symbolRepo struct{ f *Store }

func (f *Store) putSymbolLocked(sym models.Symbol) {
	if len(sym.Timeframes) == 0 {
		sym.Timeframes = []models.Timeframe{models.TF1d}
	}
	if sym.BackfillStatus == "" {
		sym.BackfillStatus = "pending"
	}
	if sym.CreatedAt.IsZero() {
		sym.CreatedAt = time.Now().UTC()
	}
	cp := sym
	f.symbols[sym.Symbol] = &cp
}

func (r *symbolRepo) Create(_ context.Context, sym models.Symbol) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	if _, ok := r.f.symbols[sym.Symbol]; ok {
		return fmt.Errorf("symbol %s already tracked", sym.Symbol)
	}
	r.f.putSymbolLocked(sym)
	return nil
}

func (r *symbolRepo) Ensure(_ context.Context, sym models.Symbol) (bool, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	if _, ok := r.f.symbols[sym.Symbol]; ok {
		return false, nil
	}
	r.f.putSymbolLocked(sym)
	return true, nil
}

func copySymbol(sym *models.Symbol) models.Symbol {
	cp := *sym
	cp.Timeframes = append([]models.Timeframe(nil), sym.Timeframes...)
	return cp
}

func (r *symbolRepo) Get(_ context.Context, symbol string) (*models.Symbol, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	sym, ok := r.f.symbols[symbol]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := copySymbol(sym)
	return &cp, nil
}

func (r *symbolRepo) List(_ context.Context, activeOnly bool) ([]models.Symbol, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	names := make([]string, 0, len(r.f.symbols))
	for name := range r.f.symbols {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []models.Symbol
	for _, name := range names {
		sym := r.f.symbols[name]
		if activeOnly && !sym.Active {
			continue
		}
		out = append(out, copySymbol(sym))
	}
	return out, nil
}

func (r *symbolRepo) Deactivate(_ context.Context, symbol string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	sym, ok := r.f.symbols[symbol]
	if !ok {
		return fmt.Errorf("symbol %s: %w", symbol, store.ErrNotFound)
	}
	sym.Active = false
	return nil
}

func (r *symbolRepo) UpdateTimeframes(_ context.Context, symbol string, tfs []models.Timeframe) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	sym, ok := r.f.symbols[symbol]
	if !ok {
		return fmt.Errorf("symbol %s: %w", symbol, store.ErrNotFound)
	}
	if len(tfs) == 0 {
		tfs = []models.Timeframe{models.TF1d}
	}
	sym.Timeframes = append([]models.Timeframe(nil), tfs...)
	return nil
}

func (r *symbolRepo) RecordBackfillOutcome(_ context.Context, symbol, status string, at time.Time) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	sym, ok := r.f.symbols[symbol]
	if !ok {
		return fmt.Errorf("symbol %s: %w", symbol, store.ErrNotFound)
	}
	sym.LastBackfill = &at
	sym.BackfillStatus = status
	return nil
}

type backfillRepo struct{ f *Store }

func (r *backfillRepo) CreateState(_ context.Context, symbol string, tf models.Timeframe) (*models.BackfillState, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	state := models.BackfillState{
		ExecutionID: uuid.NewString(),
		Symbol:      symbol,
		Timeframe:   tf,
		Status:      models.BackfillPending,
		CreatedAt:   time.Now().UTC(),
	}
	cp := state
	r.f.states[state.ExecutionID] = &cp
	r.f.stateOrder = append(r.f.stateOrder, state.ExecutionID)
	return &state, nil
}

func (r *backfillRepo) UpdateState(_ context.Context, executionID string, status models.BackfillStatus, recordsInserted int, errorMessage *string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	state, ok := r.f.states[executionID]
	if !ok || state.Status.Terminal() {
		return fmt.Errorf("execution %s not updatable: %w", executionID, store.ErrNotFound)
	}
	now := time.Now().UTC()
	state.Status = status
	state.RecordsInserted = recordsInserted
	state.ErrorMessage = errorMessage
	switch {
	case status == models.BackfillInProgress:
		if state.StartedAt == nil {
			state.StartedAt = &now
		}
	case status.Terminal():
		state.CompletedAt = &now
	}
	return nil
}

func (r *backfillRepo) GetState(_ context.Context, executionID string) (*models.BackfillState, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	state, ok := r.f.states[executionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *state
	return &cp, nil
}

func (r *backfillRepo) ListActiveStates(_ context.Context) ([]models.BackfillState, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	var out []models.BackfillState
	for _, id := range r.f.stateOrder {
		if state := r.f.states[id]; !state.Status.Terminal() {
			out = append(out, *state)
		}
	}
	return out, nil
}

func (r *backfillRepo) ListRecentStates(_ context.Context, limit int) ([]models.BackfillState, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	var out []models.BackfillState
	for i := len(r.f.stateOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, *r.f.states[r.f.stateOrder[i]])
	}
	return out, nil
}

func (r *backfillRepo) FailOrphaned(_ context.Context, before time.Time) (int, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	n := 0
	for _, id := range r.f.stateOrder {
		state := r.f.states[id]
		if state.Status.Terminal() || !state.CreatedAt.Before(before) {
			continue
		}
		now := time.Now().UTC()
		msg := "orphaned by restart"
		state.Status = models.BackfillFailed
		state.ErrorMessage = &msg
		state.CompletedAt = &now
		n++
	}
	return n, nil
}

func (r *backfillRepo) LogRun(_ context.Context, run models.BackfillRun) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	run.ID = int64(len(r.f.runs) + 1)
	r.f.runs = append(r.f.runs, run)
	return nil
}

func (r *backfillRepo) RecentRuns(_ context.Context, limit int) ([]models.BackfillRun, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	var out []models.BackfillRun
	for i := len(r.f.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, r.f.runs[i])
	}
	return out, nil
}

type failureRepo struct{ f *Store }

func (r *failureRepo) MarkSuccess(_ context.Context, symbol string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := r.f.failures[symbol]
	if !ok {
		rec = &models.FailureRecord{Symbol: symbol}
		r.f.failures[symbol] = rec
	}
	rec.ConsecutiveFailures = 0
	rec.LastSuccessAt = &now
	rec.AlertSent = false
	rec.AlertSentAt = nil
	return nil
}

func (r *failureRepo) MarkFailure(_ context.Context, symbol string) (bool, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := r.f.failures[symbol]
	if !ok {
		rec = &models.FailureRecord{Symbol: symbol}
		r.f.failures[symbol] = rec
	}
	rec.ConsecutiveFailures++
	rec.LastFailureAt = &now
	return rec.ConsecutiveFailures >= 3 && !rec.AlertSent, nil
}

func (r *failureRepo) MarkAlerted(_ context.Context, symbol string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	rec, ok := r.f.failures[symbol]
	if !ok {
		return fmt.Errorf("symbol %s: %w", symbol, store.ErrNotFound)
	}
	now := time.Now().UTC()
	rec.AlertSent = true
	rec.AlertSentAt = &now
	return nil
}

func (r *failureRepo) Get(_ context.Context, symbol string) (*models.FailureRecord, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	rec, ok := r.f.failures[symbol]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *failureRepo) ListAlertable(_ context.Context) ([]models.FailureRecord, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	var out []models.FailureRecord
	for _, rec := range r.f.failures {
		if rec.ConsecutiveFailures >= 3 && !rec.AlertSent {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConsecutiveFailures != out[j].ConsecutiveFailures {
			return out[i].ConsecutiveFailures > out[j].ConsecutiveFailures
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

type anomalyRepo struct{ f *Store }

func (r *anomalyRepo) Log(_ context.Context, a models.Anomaly) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now().UTC()
	}
	if a.ResolutionStatus == "" {
		a.ResolutionStatus = models.ResolutionOpen
	}
	a.ID = int64(len(r.f.anomalies) + 1)
	r.f.anomalies = append(r.f.anomalies, a)
	return nil
}

func (r *anomalyRepo) Query(_ context.Context, filter store.AnomalyFilter) ([]models.Anomaly, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	var out []models.Anomaly
	for _, a := range r.f.anomalies {
		if filter.Symbol != "" && a.Symbol != filter.Symbol {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if !filter.Since.IsZero() && a.DetectedAt.Before(filter.Since) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type featureRepo struct{ f *Store }

func (r *featureRepo) Upsert(_ context.Context, symbol string, tf models.Timeframe, rows []models.FeatureRow) (int, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	key := pairKey(symbol, tf)
	updated := 0
	for _, row := range rows {
		if candleAt(r.f.candles[key], row.Time) == nil {
			continue
		}
		if r.f.features[key] == nil {
			r.f.features[key] = make(map[int64]models.FeatureColumns)
		}
		r.f.features[key][row.Time.UnixNano()] = row.FeatureColumns
		updated++
	}
	return updated, nil
}

func (r *featureRepo) LogRun(_ context.Context, run models.FeatureRun) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	if run.RanAt.IsZero() {
		run.RanAt = time.Now().UTC()
	}
	run.ID = int64(len(r.f.featureRuns) + 1)
	r.f.featureRuns = append(r.f.featureRuns, run)
	return nil
}

func (r *featureRepo) RecentRuns(_ context.Context, limit int) ([]models.FeatureRun, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	var out []models.FeatureRun
	for i := len(r.f.featureRuns) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, r.f.featureRuns[i])
	}
	return out, nil
}

type apiKeyRepo struct{ f *Store }

func (r *apiKeyRepo) Create(_ context.Context, name string) (*models.APIKey, string, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	material := "cv_" + uuid.NewString()
	key := models.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		Hash:      store.HashAPIKey(material),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	cp := key
	r.f.keys[key.ID] = &cp
	r.f.keyOrder = append(r.f.keyOrder, key.ID)
	return &key, material, nil
}

func (r *apiKeyRepo) Validate(_ context.Context, material string) (*models.APIKey, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	hash := store.HashAPIKey(material)
	for _, key := range r.f.keys {
		if key.Hash == hash && key.Active {
			key.RequestCount++
			cp := *key
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *apiKeyRepo) List(_ context.Context) ([]models.APIKey, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	out := make([]models.APIKey, 0, len(r.f.keyOrder))
	for i := len(r.f.keyOrder) - 1; i >= 0; i-- {
		out = append(out, *r.f.keys[r.f.keyOrder[i]])
	}
	return out, nil
}

func (r *apiKeyRepo) Revoke(_ context.Context, id string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	key, ok := r.f.keys[id]
	if !ok {
		return fmt.Errorf("api key %s: %w", id, store.ErrNotFound)
	}
	key.Active = false
	return nil
}

func (r *apiKeyRepo) Audit(_ context.Context, entry models.APIKeyAudit) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	entry.ID = int64(len(r.f.audits) + 1)
	r.f.audits = append(r.f.audits, entry)
	return nil
}

func (r *apiKeyRepo) AuditLog(_ context.Context, limit int) ([]models.APIKeyAudit, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []models.APIKeyAudit
	for i := len(r.f.audits) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.f.audits[i])
	}
	return out, nil
}

type healthRepo struct{}

func (r *healthRepo) Ping(context.Context) error { return nil }

func (r *healthRepo) Health(context.Context) store.HealthCheck {
	return store.HealthCheck{
		Healthy:        true,
		ConnectionPool: map[string]int{"open": 1, "in_use": 0, "idle": 1, "max": 1, "waiting": 0},
		LastCheck:      time.Now().UTC(),
	}
}
