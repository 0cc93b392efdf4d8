package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/marketforge/candlevault/internal/models"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"detail":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorBody{Detail: fmt.Sprintf(format, args...)})
}

// decodeBody parses a JSON request body into dst, capped at 1 MiB.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// queryTimeframe parses the ?timeframe parameter, defaulting to 1d, and
// enforces the configured allow list.
func (s *Server) queryTimeframe(r *http.Request) (models.Timeframe, error) {
	raw := r.URL.Query().Get("timeframe")
	if raw == "" {
		raw = string(models.TF1d)
	}
	tf, err := models.ParseTimeframe(raw)
	if err != nil {
		return "", err
	}
	if !s.cfg.TimeframeAllowed(tf) {
		return "", fmt.Errorf("timeframe %s is not enabled", tf)
	}
	return tf, nil
}

// queryWindow parses optional ?start and ?end bounds. Both accept
// YYYY-MM-DD or RFC 3339. Defaults cover the trailing 30 days, with now
// truncated to the minute so default windows stay cacheable.
func queryWindow(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC().Truncate(time.Minute)
	start := now.AddDate(0, 0, -30)
	end := now

	if raw := r.URL.Query().Get("start"); raw != "" {
		t, err := parseTimestamp(raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %s", raw)
		}
		start = t
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		t, err := parseTimestamp(raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %s", raw)
		}
		end = t
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start must be before end")
	}
	return start, end, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return v, nil
}

func queryFloat(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return v, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return v, nil
}
