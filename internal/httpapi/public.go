package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/marketforge/candlevault/internal/cache"
	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/store"
	"github.com/marketforge/candlevault/internal/upstream"
)

const (
	defaultFeatureLimit = 500
	maxFeatureLimit     = 5000
)

type healthResponse struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	SchedulerRunning bool      `json:"scheduler_running"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := s.store.Health.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:           status,
		Timestamp:        time.Now().UTC(),
		SchedulerRunning: s.sched.Running(),
	})
}

type statusResponse struct {
	Status         string                     `json:"status"`
	UptimeSeconds  int64                      `json:"uptime_seconds"`
	Candles        int64                      `json:"candles"`
	ActiveSymbols  int                        `json:"active_symbols"`
	ValidationRate float64                    `json:"validation_rate"`
	Scheduler      any                        `json:"scheduler"`
	Database       store.HealthCheck          `json:"database"`
	Upstream       upstream.OrchestratorStats `json:"upstream"`
	Cache          cache.Stats                `json:"cache"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	candles, err := s.store.Candles.Count(ctx)
	if err != nil {
		s.serverError(w, r, err, "failed to count candles")
		return
	}
	rate, err := s.store.Candles.ValidationRate(ctx)
	if err != nil {
		s.serverError(w, r, err, "failed to compute validation rate")
		return
	}
	symbols, err := s.store.Symbols.List(ctx, true)
	if err != nil {
		s.serverError(w, r, err, "failed to list symbols")
		return
	}

	db := s.store.Health.Health(ctx)
	status := "ok"
	if !db.Healthy {
		status = "degraded"
	}

	cacheStats := s.cache.Stats(ctx)

	writeJSON(w, http.StatusOK, statusResponse{
		Status:         status,
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		Candles:        candles,
		ActiveSymbols:  len(symbols),
		ValidationRate: rate,
		Scheduler:      s.sched.Status(),
		Database:       db,
		Upstream:       s.upstream.Stats(),
		Cache:          cacheStats,
	})
}

type historicalResponse struct {
	Symbol    string           `json:"symbol"`
	Timeframe models.Timeframe `json:"timeframe"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
	Count     int              `json:"count"`
	Staleness string           `json:"staleness,omitempty"`
	Candles   []models.Candle  `json:"candles"`
}

func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])

	tf, err := s.queryTimeframe(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	start, end, err := queryWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	validatedOnly, err := queryBool(r, "validated_only")
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	minQuality, err := queryFloat(r, "min_quality")
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	if !s.symbolExists(w, r, symbol) {
		return
	}

	key := cache.Key(symbol, "hist", string(tf),
		strconv.FormatInt(start.Unix(), 10), strconv.FormatInt(end.Unix(), 10),
		strconv.FormatBool(validatedOnly), strconv.FormatFloat(minQuality, 'f', 2, 64))
	if s.serveCached(w, r, key) {
		return
	}

	candles, err := s.store.Candles.QueryRange(ctx, symbol, tf, store.TimeRange{From: start, To: end}, store.CandleFilter{
		ValidatedOnly: validatedOnly,
		MinQuality:    minQuality,
	})
	if err != nil {
		s.serverError(w, r, err, "failed to query candles")
		return
	}
	if len(candles) == 0 {
		writeError(w, http.StatusNotFound, "no data for %s %s in range", symbol, tf)
		return
	}

	resp := historicalResponse{
		Symbol:    symbol,
		Timeframe: tf,
		Start:     start,
		End:       end,
		Count:     len(candles),
		Candles:   candles,
	}
	// With every upstream circuit open the warehouse cannot refresh, so
	// flag the rows as possibly lagging. Degraded responses skip the
	// cache so the hint clears the moment a source recovers.
	if !s.upstream.Healthy() {
		resp.Staleness = "all upstream sources unavailable; rows may lag the market"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	s.writeCached(w, r, key, resp)
}

type featuresResponse struct {
	Symbol    string                      `json:"symbol"`
	Timeframe models.Timeframe            `json:"timeframe"`
	Count     int                         `json:"count"`
	Staleness string                      `json:"staleness,omitempty"`
	Rows      []models.CandleWithFeatures `json:"rows"`
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])

	tf, err := s.queryTimeframe(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	start, end, err := queryWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	limit, err := queryInt(r, "limit", defaultFeatureLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if limit > maxFeatureLimit {
		limit = maxFeatureLimit
	}

	if !s.symbolExists(w, r, symbol) {
		return
	}

	key := cache.Key(symbol, "feat", string(tf),
		strconv.FormatInt(start.Unix(), 10), strconv.FormatInt(end.Unix(), 10),
		strconv.Itoa(limit))
	if s.serveCached(w, r, key) {
		return
	}

	rows, err := s.store.Candles.QueryRangeWithFeatures(ctx, symbol, tf, store.TimeRange{From: start, To: end}, store.CandleFilter{
		Limit: limit,
	})
	if err != nil {
		s.serverError(w, r, err, "failed to query features")
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "no data for %s %s in range", symbol, tf)
		return
	}

	resp := featuresResponse{
		Symbol:    symbol,
		Timeframe: tf,
		Count:     len(rows),
		Rows:      rows,
	}
	if !s.upstream.Healthy() {
		resp.Staleness = "all upstream sources unavailable; rows may lag the market"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	s.writeCached(w, r, key, resp)
}

type symbolListResponse struct {
	Count   int      `json:"count"`
	Symbols []string `json:"symbols"`
}

func (s *Server) handleSymbolList(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.store.Symbols.List(r.Context(), true)
	if err != nil {
		s.serverError(w, r, err, "failed to list symbols")
		return
	}
	codes := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		codes = append(codes, sym.Symbol)
	}
	writeJSON(w, http.StatusOK, symbolListResponse{Count: len(codes), Symbols: codes})
}

type symbolsDetailedResponse struct {
	Count   int             `json:"count"`
	Symbols []models.Symbol `json:"symbols"`
}

func (s *Server) handleSymbolsDetailed(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.store.Symbols.List(r.Context(), false)
	if err != nil {
		s.serverError(w, r, err, "failed to list symbols")
		return
	}
	writeJSON(w, http.StatusOK, symbolsDetailedResponse{Count: len(symbols), Symbols: symbols})
}

type obsMetricsResponse struct {
	Timestamp time.Time                  `json:"timestamp"`
	Health    string                     `json:"health"`
	Overall   any                        `json:"overall"`
	Endpoints any                        `json:"endpoints"`
	Upstream  upstream.OrchestratorStats `json:"upstream"`
	Cache     cache.Stats                `json:"cache"`
	Alerts    alertCounts                `json:"alerts"`
}

type alertCounts struct {
	Fired     int64 `json:"fired"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

func (s *Server) handleObsMetrics(w http.ResponseWriter, r *http.Request) {
	overall := s.metrics.Overall()
	cacheStats := s.cache.Stats(r.Context())
	fired, delivered, failed := s.alerts.Counts()

	writeJSON(w, http.StatusOK, obsMetricsResponse{
		Timestamp: time.Now().UTC(),
		Health:    overall.Health,
		Overall:   overall,
		Endpoints: s.metrics.Snapshot(),
		Upstream:  s.upstream.Stats(),
		Cache:     cacheStats,
		Alerts:    alertCounts{Fired: fired, Delivered: delivered, Failed: failed},
	})
}

func (s *Server) handleObsAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	alerts := s.alerts.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

type backfillOverviewResponse struct {
	Active []models.BackfillState `json:"active"`
	Recent []models.BackfillState `json:"recent"`
	Runs   []models.BackfillRun   `json:"runs"`
}

// handleBackfillStatus exposes execution state so failed or stuck
// backfills can be diagnosed without database access.
func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	active, err := s.store.Backfills.ListActiveStates(ctx)
	if err != nil {
		s.serverError(w, r, err, "failed to list active executions")
		return
	}
	recent, err := s.store.Backfills.ListRecentStates(ctx, limit)
	if err != nil {
		s.serverError(w, r, err, "failed to list recent executions")
		return
	}
	runs, err := s.store.Backfills.RecentRuns(ctx, limit)
	if err != nil {
		s.serverError(w, r, err, "failed to list backfill runs")
		return
	}

	writeJSON(w, http.StatusOK, backfillOverviewResponse{Active: active, Recent: recent, Runs: runs})
}

func (s *Server) handleBackfillDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	state, err := s.store.Backfills.GetState(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown execution: %s", id)
			return
		}
		s.serverError(w, r, err, "failed to get execution state")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	filter := store.AnomalyFilter{
		Symbol: strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol"))),
		Limit:  limit,
	}
	if raw := r.URL.Query().Get("severity"); raw != "" {
		sev := models.Severity(raw)
		switch sev {
		case models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
			filter.Severity = sev
		default:
			writeError(w, http.StatusBadRequest, "unknown severity: %s", raw)
			return
		}
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := parseTimestamp(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: %s", raw)
			return
		}
		filter.Since = t
	}

	anomalies, err := s.store.Anomalies.Query(r.Context(), filter)
	if err != nil {
		s.serverError(w, r, err, "failed to query anomalies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(anomalies),
		"anomalies": anomalies,
	})
}

func (s *Server) handleFeatureRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	runs, err := s.store.Features.RecentRuns(r.Context(), limit)
	if err != nil {
		s.serverError(w, r, err, "failed to list feature runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(runs),
		"runs":  runs,
	})
}

// symbolExists resolves the symbol or writes the 404. It returns true when
// the handler may continue.
func (s *Server) symbolExists(w http.ResponseWriter, r *http.Request, symbol string) bool {
	_, err := s.store.Symbols.Get(r.Context(), symbol)
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown symbol: %s", symbol)
		return false
	}
	s.serverError(w, r, err, "failed to resolve symbol")
	return false
}

// serveCached writes a cached response body when present.
func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, key string) bool {
	data, ok := s.cache.Get(r.Context(), key)
	if !ok {
		s.metrics.CacheMisses.Inc()
		return false
	}
	s.metrics.CacheHits.Inc()
	w.WriteHeader(http.StatusOK)
	w.Write(data)
	return true
}

// writeCached sends the response and stores the encoded body for the next
// identical query.
func (s *Server) writeCached(w http.ResponseWriter, r *http.Request, key string, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		s.serverError(w, r, err, "failed to encode response")
		return
	}
	s.cache.Set(r.Context(), key, body)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	s.logger.Error().
		Err(err).
		Str("trace_id", RequestID(r.Context())).
		Str("path", r.URL.Path).
		Msg(msg)
	writeError(w, http.StatusInternalServerError, "%s", msg)
}
