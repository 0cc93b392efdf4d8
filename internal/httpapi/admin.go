package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/scheduler"
	"github.com/marketforge/candlevault/internal/store"
)

const maxBackfillSymbols = 100

// authMiddleware guards admin routes. Every attempt lands in the audit
// trail, granted or not.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := routeTemplate(r)
		ip := remoteIP(r)

		material := r.Header.Get("X-API-Key")
		if material == "" {
			s.audit(r, nil, endpoint, models.AuditDenied, ip)
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		key, err := s.store.APIKeys.Validate(r.Context(), material)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("key validation failed")
			}
			s.audit(r, nil, endpoint, models.AuditDenied, ip)
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		s.audit(r, &key.ID, endpoint, models.AuditGranted, ip)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) audit(r *http.Request, keyID *string, endpoint, outcome, ip string) {
	entry := models.APIKeyAudit{
		KeyID:    keyID,
		Endpoint: endpoint,
		Outcome:  outcome,
		RemoteIP: ip,
		At:       time.Now().UTC(),
	}
	if err := s.store.APIKeys.Audit(r.Context(), entry); err != nil {
		s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("audit write failed")
	}
}

type createSymbolRequest struct {
	Symbol     string   `json:"symbol"`
	AssetClass string   `json:"asset_class"`
	Timeframes []string `json:"timeframes"`
}

func (s *Server) handleSymbolCreate(w http.ResponseWriter, r *http.Request) {
	var req createSymbolRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	code := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if code == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	assetClass := models.AssetClass(req.AssetClass)
	if req.AssetClass == "" {
		assetClass = models.AssetStock
	}
	if !assetClass.Valid() {
		writeError(w, http.StatusBadRequest, "unknown asset class: %s", req.AssetClass)
		return
	}

	tfs, err := s.parseTimeframes(req.Timeframes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if len(tfs) == 0 {
		tfs = []models.Timeframe{models.TF1d}
	}

	if _, err := s.store.Symbols.Get(r.Context(), code); err == nil {
		writeError(w, http.StatusBadRequest, "symbol %s already exists", code)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.serverError(w, r, err, "failed to check symbol")
		return
	}

	sym := models.Symbol{
		Symbol:     code,
		AssetClass: assetClass,
		Active:     true,
		Timeframes: tfs,
	}
	if err := s.store.Symbols.Create(r.Context(), sym); err != nil {
		s.serverError(w, r, err, "failed to create symbol")
		return
	}

	s.logger.Info().Str("symbol", code).Str("asset_class", string(assetClass)).Msg("symbol created")
	writeJSON(w, http.StatusCreated, sym)
}

func (s *Server) handleSymbolDeactivate(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(mux.Vars(r)["symbol"])

	if err := s.store.Symbols.Deactivate(r.Context(), code); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown symbol: %s", code)
			return
		}
		s.serverError(w, r, err, "failed to deactivate symbol")
		return
	}

	s.cache.InvalidateSymbol(r.Context(), code)

	s.logger.Info().Str("symbol", code).Msg("symbol deactivated")
	writeJSON(w, http.StatusOK, map[string]any{"symbol": code, "active": false})
}

type updateTimeframesRequest struct {
	Timeframes []string `json:"timeframes"`
}

func (s *Server) handleSymbolTimeframes(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(mux.Vars(r)["symbol"])

	var req updateTimeframesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	tfs, err := s.parseTimeframes(req.Timeframes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if len(tfs) == 0 {
		writeError(w, http.StatusBadRequest, "timeframes must not be empty")
		return
	}

	if err := s.store.Symbols.UpdateTimeframes(r.Context(), code, tfs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown symbol: %s", code)
			return
		}
		s.serverError(w, r, err, "failed to update timeframes")
		return
	}

	s.logger.Info().Str("symbol", code).Int("timeframes", len(tfs)).Msg("timeframes updated")
	writeJSON(w, http.StatusOK, map[string]any{"symbol": code, "timeframes": tfs})
}

type backfillRequest struct {
	Symbols    []string `json:"symbols"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	Timeframes []string `json:"timeframes"`
}

type backfillResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Symbols int    `json:"symbols"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	if len(req.Symbols) == 0 || len(req.Symbols) > maxBackfillSymbols {
		writeError(w, http.StatusBadRequest, "symbols must contain between 1 and %d entries", maxBackfillSymbols)
		return
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_date: expected YYYY-MM-DD")
		return
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_date: expected YYYY-MM-DD")
		return
	}
	if !start.Before(end) {
		writeError(w, http.StatusBadRequest, "start_date must be before end_date")
		return
	}

	tfs, err := s.parseTimeframes(req.Timeframes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	symbols := make([]string, 0, len(req.Symbols))
	for _, raw := range req.Symbols {
		code := strings.ToUpper(strings.TrimSpace(raw))
		if code == "" {
			writeError(w, http.StatusBadRequest, "symbols must not contain empty entries")
			return
		}
		symbols = append(symbols, code)
	}

	jobID, err := s.sched.EnqueueAdHoc(scheduler.BackfillRequest{
		Symbols:    symbols,
		Timeframes: tfs,
		Start:      start.UTC(),
		End:        end.UTC(),
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "%s", err)
		return
	}

	s.logger.Info().
		Str("job_id", jobID).
		Int("symbols", len(symbols)).
		Str("start", req.StartDate).
		Str("end", req.EndDate).
		Msg("backfill queued")
	writeJSON(w, http.StatusOK, backfillResponse{JobID: jobID, Status: "queued", Symbols: len(symbols)})
}

type createKeyRequest struct {
	Name string `json:"name"`
}

type createKeyResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	key, material, err := s.store.APIKeys.Create(r.Context(), name)
	if err != nil {
		s.serverError(w, r, err, "failed to create API key")
		return
	}

	s.logger.Info().Str("key_id", key.ID).Str("name", name).Msg("api key created")

	// The raw material appears exactly once, in this response.
	writeJSON(w, http.StatusCreated, createKeyResponse{
		ID:        key.ID,
		Name:      key.Name,
		Key:       material,
		CreatedAt: key.CreatedAt,
	})
}

func (s *Server) handleKeyList(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.APIKeys.List(r.Context())
	if err != nil {
		s.serverError(w, r, err, "failed to list API keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(keys), "keys": keys})
}

func (s *Server) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.store.APIKeys.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown API key: %s", id)
			return
		}
		s.serverError(w, r, err, "failed to revoke API key")
		return
	}

	s.logger.Info().Str("key_id", id).Msg("api key revoked")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	entries, err := s.store.APIKeys.AuditLog(r.Context(), limit)
	if err != nil {
		s.serverError(w, r, err, "failed to read audit log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

func (s *Server) parseTimeframes(raw []string) ([]models.Timeframe, error) {
	tfs := make([]models.Timeframe, 0, len(raw))
	for _, code := range raw {
		tf, err := models.ParseTimeframe(code)
		if err != nil {
			return nil, err
		}
		if !s.cfg.TimeframeAllowed(tf) {
			return nil, errors.New("timeframe " + code + " is not enabled")
		}
		tfs = append(tfs, tf)
	}
	return tfs, nil
}
