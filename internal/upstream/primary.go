package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/ratelimit"
)

// primarySpan is one entry of the fixed timeframe pagination map.
type primarySpan struct {
	Multiplier int
	Timespan   string
}

// primarySpans maps timeframe codes to the primary provider's aggregate
// window parameters. The map is closed; unknown codes are rejected before
// any request is made.
var primarySpans = map[models.Timeframe]primarySpan{
	models.TF1m:  {1, "minute"},
	models.TF5m:  {5, "minute"},
	models.TF15m: {15, "minute"},
	models.TF30m: {30, "minute"},
	models.TF1h:  {1, "hour"},
	models.TF2h:  {2, "hour"},
	models.TF4h:  {4, "hour"},
	models.TF1d:  {1, "day"},
	models.TF1w:  {1, "week"},
}

// PrimaryClient talks to the paid aggregates API. All requests pass the
// shared token bucket and the circuit breaker; transient failures are
// retried on the exponential backoff schedule.
type PrimaryClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	bucket     *ratelimit.Bucket
	breaker    *gobreaker.CircuitBreaker
	hooks      Hooks

	totalRequests atomic.Int64
	rateLimited   atomic.Int64
}

// NewPrimaryClient builds the primary client.
func NewPrimaryClient(baseURL, apiKey string, timeout time.Duration, bucket *ratelimit.Bucket) *PrimaryClient {
	return &PrimaryClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		bucket:     bucket,
		breaker:    newBreaker("primary"),
	}
}

// SetHooks installs the metrics callbacks.
func (p *PrimaryClient) SetHooks(h Hooks) { p.hooks = h }

// Name implements Client.
func (p *PrimaryClient) Name() string { return string(models.SourcePrimary) }

// Healthy implements Client: false while the circuit is open.
func (p *PrimaryClient) Healthy() bool {
	return p.breaker.State() != gobreaker.StateOpen
}

// Counters implements Client.
func (p *PrimaryClient) Counters() Counters {
	return Counters{
		TotalRequests:    p.totalRequests.Load(),
		RateLimitedCount: p.rateLimited.Load(),
	}
}

// primaryAggsResponse is the aggregates payload. Decoding rejects fields
// outside this schema so payload drift fails loudly.
type primaryAggsResponse struct {
	Ticker       string       `json:"ticker"`
	Adjusted     bool         `json:"adjusted"`
	QueryCount   int          `json:"queryCount"`
	ResultsCount int          `json:"resultsCount"`
	Status       string       `json:"status"`
	RequestID    string       `json:"request_id"`
	Count        int          `json:"count"`
	NextURL      string       `json:"next_url"`
	Results      []primaryBar `json:"results"`
}

type primaryBar struct {
	Time   int64   `json:"t"` // milliseconds since epoch
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
	VWAP   float64 `json:"vw"`
	Trades int64   `json:"n"`
	OTC    bool    `json:"otc"`
}

// FetchRange implements Client.
func (p *PrimaryClient) FetchRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, asset models.AssetClass) ([]models.Candle, error) {
	span, ok := primarySpans[tf]
	if !ok {
		return nil, rejected(p.Name(), fmt.Sprintf("timeframe %s not supported", tf), 0)
	}

	url := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%d/%d?adjusted=true&sort=asc&limit=50000",
		p.baseURL, symbol, span.Multiplier, span.Timespan, start.UnixMilli(), end.UnixMilli())

	var payload primaryAggsResponse
	err := withRetry(ctx, p.Name(), p.hooks, func() error {
		return p.getJSON(ctx, url, true, &payload)
	})
	if err != nil {
		return nil, err
	}

	fetched := time.Now().UTC()
	candles := make([]models.Candle, 0, len(payload.Results))
	for _, bar := range payload.Results {
		candles = append(candles, models.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			Time:      time.Unix(bar.Time/1000, 0).UTC(),
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
			Source:    models.SourcePrimary,
			FetchedAt: fetched,
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

type primaryDividendsResponse struct {
	Status    string            `json:"status"`
	RequestID string            `json:"request_id"`
	Count     int               `json:"count"`
	NextURL   string            `json:"next_url"`
	Results   []primaryDividend `json:"results"`
}

type primaryDividend struct {
	ID              string  `json:"id"`
	Ticker          string  `json:"ticker"`
	CashAmount      float64 `json:"cash_amount"`
	Currency        string  `json:"currency"`
	DeclarationDate string  `json:"declaration_date"`
	DividendType    string  `json:"dividend_type"`
	ExDividendDate  string  `json:"ex_dividend_date"`
	Frequency       int     `json:"frequency"`
	PayDate         string  `json:"pay_date"`
	RecordDate      string  `json:"record_date"`
}

// FetchDividends returns cash distributions with ex-dates inside [start, end].
func (p *PrimaryClient) FetchDividends(ctx context.Context, symbol string, start, end time.Time) ([]models.Dividend, error) {
	url := fmt.Sprintf("%s/v3/reference/dividends?ticker=%s&ex_dividend_date.gte=%s&ex_dividend_date.lte=%s&limit=1000",
		p.baseURL, symbol, start.Format("2006-01-02"), end.Format("2006-01-02"))

	var payload primaryDividendsResponse
	err := withRetry(ctx, p.Name(), p.hooks, func() error {
		return p.getJSON(ctx, url, false, &payload)
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Dividend, 0, len(payload.Results))
	for _, d := range payload.Results {
		out = append(out, models.Dividend{
			Symbol:     symbol,
			ExDate:     parseDate(d.ExDividendDate),
			PayDate:    parseDate(d.PayDate),
			CashAmount: d.CashAmount,
			Frequency:  d.Frequency,
			DeclaredAt: parseDate(d.DeclarationDate),
		})
	}
	return out, nil
}

type primarySplitsResponse struct {
	Status    string         `json:"status"`
	RequestID string         `json:"request_id"`
	Count     int            `json:"count"`
	NextURL   string         `json:"next_url"`
	Results   []primarySplit `json:"results"`
}

type primarySplit struct {
	ID            string  `json:"id"`
	Ticker        string  `json:"ticker"`
	ExecutionDate string  `json:"execution_date"`
	SplitFrom     float64 `json:"split_from"`
	SplitTo       float64 `json:"split_to"`
}

// FetchSplits returns share splits executed inside [start, end].
func (p *PrimaryClient) FetchSplits(ctx context.Context, symbol string, start, end time.Time) ([]models.Split, error) {
	url := fmt.Sprintf("%s/v3/reference/splits?ticker=%s&execution_date.gte=%s&execution_date.lte=%s&limit=1000",
		p.baseURL, symbol, start.Format("2006-01-02"), end.Format("2006-01-02"))

	var payload primarySplitsResponse
	err := withRetry(ctx, p.Name(), p.hooks, func() error {
		return p.getJSON(ctx, url, false, &payload)
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Split, 0, len(payload.Results))
	for _, s := range payload.Results {
		out = append(out, models.Split{
			Symbol:        symbol,
			ExecutionDate: parseDate(s.ExecutionDate),
			SplitFrom:     s.SplitFrom,
			SplitTo:       s.SplitTo,
		})
	}
	return out, nil
}

// getJSON performs one paced, breaker-guarded GET and decodes the body.
// strict enables unknown-field rejection for the closed aggregate schema.
func (p *PrimaryClient) getJSON(ctx context.Context, url string, strict bool, out any) error {
	if err := p.bucket.Wait(ctx); err != nil {
		return err
	}

	_, err := p.breaker.Execute(func() (any, error) {
		p.totalRequests.Add(1)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, rejected(p.Name(), err.Error(), 0)
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			p.hooks.request(p.Name(), "transport_error")
			return nil, unavailable(p.Name(), err.Error(), 0, false, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests:
			p.rateLimited.Add(1)
			p.hooks.rateLimited(p.Name())
			p.hooks.request(p.Name(), "rate_limited")
			return nil, unavailable(p.Name(), "rate limited", resp.StatusCode, true, nil)
		case resp.StatusCode >= 500:
			p.hooks.request(p.Name(), "server_error")
			return nil, unavailable(p.Name(), "server error", resp.StatusCode, false, nil)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			p.hooks.request(p.Name(), "rejected")
			return nil, rejected(p.Name(), string(body), resp.StatusCode)
		}

		dec := json.NewDecoder(resp.Body)
		if strict {
			dec.DisallowUnknownFields()
		}
		if err := dec.Decode(out); err != nil {
			p.hooks.request(p.Name(), "malformed")
			return nil, malformed(p.Name(), err)
		}
		p.hooks.request(p.Name(), "success")
		return nil, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return unavailable(p.Name(), "circuit open", 0, false, err)
	}
	return err
}

func parseDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
