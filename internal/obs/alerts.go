package obs

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxRetainedAlerts caps the in-memory alert history.
const maxRetainedAlerts = 1000

// AlertKind classifies an alert.
type AlertKind string

// Alert kinds.
const (
	AlertHighErrorRate   AlertKind = "high_error_rate"
	AlertDataStale       AlertKind = "data_stale"
	AlertSchedulerFailed AlertKind = "scheduler_failed"
	AlertUpstreamTimeout AlertKind = "upstream_timeout"
	AlertCustom          AlertKind = "custom"
)

// AlertSeverity grades an alert.
type AlertSeverity string

// Alert severities.
const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one operational event worth human attention.
type Alert struct {
	ID       string            `json:"id"`
	Kind     AlertKind         `json:"kind"`
	Severity AlertSeverity     `json:"severity"`
	Symbol   string            `json:"symbol,omitempty"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
	At       time.Time         `json:"at"`
}

// AlertHandler delivers alerts to one destination. Delivery failures are
// logged and never block other handlers.
type AlertHandler interface {
	Name() string
	Deliver(ctx context.Context, alert Alert) error
}

// AlertManager fans alerts out to handlers and retains recent history.
type AlertManager struct {
	mu       sync.RWMutex
	recent   []Alert
	handlers []AlertHandler

	fired     int64
	delivered int64
	failed    int64

	logger  zerolog.Logger
	metrics *Metrics
}

// NewAlertManager builds the manager; the log handler is always attached.
func NewAlertManager(logger zerolog.Logger, metrics *Metrics) *AlertManager {
	m := &AlertManager{
		logger:  logger.With().Str("component", "alerts").Logger(),
		metrics: metrics,
	}
	m.AddHandler(&LogHandler{logger: m.logger})
	return m
}

// AddHandler attaches one more destination.
func (m *AlertManager) AddHandler(h AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Fire records the alert and dispatches it to every handler.
func (m *AlertManager) Fire(ctx context.Context, alert Alert) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}
	if alert.Kind == "" {
		alert.Kind = AlertCustom
	}
	if alert.Severity == "" {
		alert.Severity = SeverityWarning
	}

	m.mu.Lock()
	m.fired++
	m.recent = append(m.recent, alert)
	if len(m.recent) > maxRetainedAlerts {
		m.recent = m.recent[len(m.recent)-maxRetainedAlerts:]
	}
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AlertsFired.WithLabelValues(string(alert.Severity)).Inc()
	}

	for _, h := range handlers {
		if err := h.Deliver(ctx, alert); err != nil {
			m.logger.Error().
				Err(err).
				Str("handler", h.Name()).
				Str("alert_id", alert.ID).
				Msg("alert delivery failed")
			m.mu.Lock()
			m.failed++
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		m.delivered++
		m.mu.Unlock()
	}
}

// Recent returns the newest alerts, most recent first.
func (m *AlertManager) Recent(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]Alert, 0, limit)
	for i := len(m.recent) - 1; i >= len(m.recent)-limit; i-- {
		out = append(out, m.recent[i])
	}
	return out
}

// Counts returns fired/delivered/failed totals.
func (m *AlertManager) Counts() (fired, delivered, failed int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fired, m.delivered, m.failed
}

// LogHandler writes alerts to the structured log.
type LogHandler struct {
	logger zerolog.Logger
}

func (h *LogHandler) Name() string { return "log" }

func (h *LogHandler) Deliver(_ context.Context, alert Alert) error {
	event := h.logger.Warn()
	switch alert.Severity {
	case SeverityCritical:
		event = h.logger.Error()
	case SeverityInfo:
		event = h.logger.Info()
	}
	event.
		Str("alert_id", alert.ID).
		Str("kind", string(alert.Kind)).
		Str("severity", string(alert.Severity))
	if alert.Symbol != "" {
		event.Str("symbol", alert.Symbol)
	}
	event.Msg(alert.Message)
	return nil
}

// SMTPConfig configures the email handler.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// SMTPHandler emails alerts through a plain SMTP relay.
type SMTPHandler struct {
	cfg  SMTPConfig
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPHandler builds the email destination.
func NewSMTPHandler(cfg SMTPConfig) *SMTPHandler {
	return &SMTPHandler{cfg: cfg, send: smtp.SendMail}
}

func (h *SMTPHandler) Name() string { return "smtp" }

func (h *SMTPHandler) Deliver(_ context.Context, alert Alert) error {
	subject := fmt.Sprintf("[candlevault][%s] %s", strings.ToUpper(string(alert.Severity)), alert.Kind)

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", h.cfg.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(h.cfg.To, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n\r\n", subject)
	fmt.Fprintf(&body, "%s\n\nkind: %s\nsymbol: %s\ntime: %s\nalert id: %s\n",
		alert.Message, alert.Kind, alert.Symbol, alert.At.Format(time.RFC3339), alert.ID)
	for k, v := range alert.Details {
		fmt.Fprintf(&body, "%s: %s\n", k, v)
	}

	var auth smtp.Auth
	if h.cfg.Username != "" {
		auth = smtp.PlainAuth("", h.cfg.Username, h.cfg.Password, h.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)
	if err := h.send(addr, auth, h.cfg.From, h.cfg.To, []byte(body.String())); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}
