// Package httpapi serves the warehouse over HTTP: public query endpoints,
// key-protected admin endpoints, Prometheus exposition, and the OpenAPI
// document.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/marketforge/candlevault/internal/cache"
	"github.com/marketforge/candlevault/internal/config"
	"github.com/marketforge/candlevault/internal/obs"
	"github.com/marketforge/candlevault/internal/scheduler"
	"github.com/marketforge/candlevault/internal/store"
	"github.com/marketforge/candlevault/internal/upstream"
)

const (
	requestTimeout = 30 * time.Second
	readTimeout    = 15 * time.Second
	writeTimeout   = 45 * time.Second
	idleTimeout    = 60 * time.Second
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the trace id bound to the request context, or "unknown"
// before the middleware has run.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// Scheduler is the job-control surface the API needs.
type Scheduler interface {
	Running() bool
	Status() scheduler.Status
	EnqueueAdHoc(req scheduler.BackfillRequest) (string, error)
}

// Server is the HTTP front end.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	sched    Scheduler
	upstream *upstream.Orchestrator
	cache    cache.Cache
	metrics  *obs.Metrics
	alerts   *obs.AlertManager
	logger   zerolog.Logger

	router     *mux.Router
	http       *http.Server
	querySlots chan struct{}
	started    time.Time
}

// New builds the router and binds middleware. It probes the listen address
// so a busy port fails fast instead of at Start.
func New(cfg *config.Config, st *store.Store, sched Scheduler, orch *upstream.Orchestrator, qc cache.Cache, metrics *obs.Metrics, alerts *obs.AlertManager, logger zerolog.Logger) (*Server, error) {
	addr := cfg.ListenAddr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port unavailable on %s: %w", addr, err)
	}
	listener.Close()

	workers := cfg.APIWorkers
	if workers < 1 {
		workers = 4
	}

	s := &Server{
		cfg:        cfg,
		store:      st,
		sched:      sched,
		upstream:   orch,
		cache:      qc,
		metrics:    metrics,
		alerts:     alerts,
		logger:     logger.With().Str("component", "httpapi").Logger(),
		router:     mux.NewRouter(),
		querySlots: make(chan struct{}, workers),
		started:    time.Now().UTC(),
	}
	s.routes()

	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.observeMiddleware)
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.timeoutMiddleware)

	// Prometheus exposition and the OpenAPI document bypass the JSON
	// content-type middleware.
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/docs", s.handleDocs).Methods(http.MethodGet)

	api := s.router.NewRoute().Subrouter()
	api.Use(s.jsonMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := api.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/historical/{symbol}", s.limited(s.handleHistorical)).Methods(http.MethodGet)
	v1.HandleFunc("/features/quant/{symbol}", s.limited(s.handleFeatures)).Methods(http.MethodGet)
	v1.HandleFunc("/features/runs", s.handleFeatureRuns).Methods(http.MethodGet)
	v1.HandleFunc("/symbols", s.handleSymbolList).Methods(http.MethodGet)
	v1.HandleFunc("/symbols/detailed", s.handleSymbolsDetailed).Methods(http.MethodGet)
	v1.HandleFunc("/backfill", s.handleBackfillStatus).Methods(http.MethodGet)
	v1.HandleFunc("/backfill/{id}", s.handleBackfillDetail).Methods(http.MethodGet)
	v1.HandleFunc("/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	v1.HandleFunc("/observability/metrics", s.handleObsMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/observability/alerts", s.handleObsAlerts).Methods(http.MethodGet)

	admin := v1.NewRoute().Subrouter()
	admin.Use(s.authMiddleware)
	admin.HandleFunc("/symbols", s.handleSymbolCreate).Methods(http.MethodPost)
	admin.HandleFunc("/symbols/{symbol}", s.handleSymbolDeactivate).Methods(http.MethodDelete)
	admin.HandleFunc("/symbols/{symbol}/timeframes", s.handleSymbolTimeframes).Methods(http.MethodPut)
	admin.HandleFunc("/backfill", s.handleBackfill).Methods(http.MethodPost)
	admin.HandleFunc("/admin/api-keys", s.handleKeyCreate).Methods(http.MethodPost)
	admin.HandleFunc("/admin/api-keys", s.handleKeyList).Methods(http.MethodGet)
	admin.HandleFunc("/admin/api-keys/{id}", s.handleKeyRevoke).Methods(http.MethodDelete)
	admin.HandleFunc("/admin/audit", s.handleAuditLog).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// observeMiddleware records the access log line and per-endpoint latency
// metrics from a single response wrapper.
func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)
		endpoint := routeTemplate(r)
		s.metrics.ObserveHTTP(endpoint, r.Method, wrapper.statusCode, duration)

		s.logger.Info().
			Str("trace_id", RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Str("remote", remoteIP(r)).
			Msg("request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// limited bounds concurrent data queries to API_WORKERS slots so one burst
// of heavy range scans cannot exhaust the connection pool.
func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.querySlots <- struct{}{}:
			defer func() { <-s.querySlots }()
			h(w, r)
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "server busy")
		}
	}
}

// routeTemplate reports the matched mux pattern so metrics keep a bounded
// label set regardless of path parameters.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
