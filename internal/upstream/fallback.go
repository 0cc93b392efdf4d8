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

// fallbackIntervals maps timeframe codes to the chart API's interval
// strings. 2h and 4h are not served natively and are resampled from 60m.
var fallbackIntervals = map[models.Timeframe]string{
	models.TF1m:  "1m",
	models.TF5m:  "5m",
	models.TF15m: "15m",
	models.TF30m: "30m",
	models.TF1h:  "60m",
	models.TF2h:  "60m",
	models.TF4h:  "60m",
	models.TF1d:  "1d",
	models.TF1w:  "1wk",
}

// FallbackClient talks to the free chart API. Broader symbol coverage,
// lower throughput; no corporate-event endpoints.
type FallbackClient struct {
	baseURL    string
	httpClient *http.Client
	bucket     *ratelimit.Bucket
	breaker    *gobreaker.CircuitBreaker
	hooks      Hooks

	totalRequests atomic.Int64
	rateLimited   atomic.Int64
}

// NewFallbackClient builds the fallback client.
func NewFallbackClient(baseURL string, timeout time.Duration, bucket *ratelimit.Bucket) *FallbackClient {
	return &FallbackClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		bucket:     bucket,
		breaker:    newBreaker("fallback"),
	}
}

// SetHooks installs the metrics callbacks.
func (f *FallbackClient) SetHooks(h Hooks) { f.hooks = h }

// Name implements Client.
func (f *FallbackClient) Name() string { return string(models.SourceFallback) }

// Healthy implements Client.
func (f *FallbackClient) Healthy() bool {
	return f.breaker.State() != gobreaker.StateOpen
}

// Counters implements Client.
func (f *FallbackClient) Counters() Counters {
	return Counters{
		TotalRequests:    f.totalRequests.Load(),
		RateLimitedCount: f.rateLimited.Load(),
	}
}

// chartResponse is the free provider's envelope. Its meta block drifts
// between asset classes, so only the series arrays are modelled.
type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *chartError   `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Meta       json.RawMessage `json:"meta"`
	Timestamps []int64         `json:"timestamp"`
	Indicators struct {
		Quote []chartQuote `json:"quote"`
	} `json:"indicators"`
}

type chartQuote struct {
	Open   []*float64 `json:"open"`
	High   []*float64 `json:"high"`
	Low    []*float64 `json:"low"`
	Close  []*float64 `json:"close"`
	Volume []*float64 `json:"volume"`
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// FetchRange implements Client.
func (f *FallbackClient) FetchRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, asset models.AssetClass) ([]models.Candle, error) {
	interval, ok := fallbackIntervals[tf]
	if !ok {
		return nil, rejected(f.Name(), fmt.Sprintf("timeframe %s not supported", tf), 0)
	}

	url := fmt.Sprintf("%s/v8/finance/chart/%s?period1=%d&period2=%d&interval=%s&includePrePost=false",
		f.baseURL, symbol, start.Unix(), end.Unix(), interval)

	var payload chartResponse
	err := withRetry(ctx, f.Name(), f.hooks, func() error {
		return f.getJSON(ctx, url, &payload)
	})
	if err != nil {
		return nil, err
	}
	if payload.Chart.Error != nil {
		return nil, rejected(f.Name(), payload.Chart.Error.Description, 0)
	}
	if len(payload.Chart.Result) == 0 {
		return nil, nil
	}

	result := payload.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, nil
	}
	quote := result.Indicators.Quote[0]

	fetched := time.Now().UTC()
	candles := make([]models.Candle, 0, len(result.Timestamps))
	for i, ts := range result.Timestamps {
		if i >= len(quote.Open) || i >= len(quote.High) || i >= len(quote.Low) ||
			i >= len(quote.Close) || i >= len(quote.Volume) {
			break
		}
		if quote.Open[i] == nil || quote.High[i] == nil || quote.Low[i] == nil ||
			quote.Close[i] == nil || quote.Volume[i] == nil {
			continue
		}
		candles = append(candles, models.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			Time:      tf.BucketStart(time.Unix(ts, 0)),
			Open:      *quote.Open[i],
			High:      *quote.High[i],
			Low:       *quote.Low[i],
			Close:     *quote.Close[i],
			Volume:    *quote.Volume[i],
			Source:    models.SourceFallback,
			FetchedAt: fetched,
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })

	if tf == models.TF2h || tf == models.TF4h {
		candles = resample(candles, tf)
	}
	return candles, nil
}

// resample folds hourly candles into wider buckets: open from the first
// bar, close from the last, extrema over the bucket, summed volume.
func resample(hourly []models.Candle, tf models.Timeframe) []models.Candle {
	if len(hourly) == 0 {
		return hourly
	}

	out := make([]models.Candle, 0, len(hourly)/2+1)
	var cur models.Candle
	haveCur := false

	for _, c := range hourly {
		bucket := tf.BucketStart(c.Time)
		if !haveCur || !cur.Time.Equal(bucket) {
			if haveCur {
				out = append(out, cur)
			}
			cur = c
			cur.Time = bucket
			cur.Timeframe = tf
			haveCur = true
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	out = append(out, cur)
	return out
}

func (f *FallbackClient) getJSON(ctx context.Context, url string, out any) error {
	if err := f.bucket.Wait(ctx); err != nil {
		return err
	}

	_, err := f.breaker.Execute(func() (any, error) {
		f.totalRequests.Add(1)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, rejected(f.Name(), err.Error(), 0)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "candlevault/1.0")

		resp, err := f.httpClient.Do(req)
		if err != nil {
			f.hooks.request(f.Name(), "transport_error")
			return nil, unavailable(f.Name(), err.Error(), 0, false, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests:
			f.rateLimited.Add(1)
			f.hooks.rateLimited(f.Name())
			f.hooks.request(f.Name(), "rate_limited")
			return nil, unavailable(f.Name(), "rate limited", resp.StatusCode, true, nil)
		case resp.StatusCode >= 500:
			f.hooks.request(f.Name(), "server_error")
			return nil, unavailable(f.Name(), "server error", resp.StatusCode, false, nil)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			f.hooks.request(f.Name(), "rejected")
			return nil, rejected(f.Name(), string(body), resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			f.hooks.request(f.Name(), "malformed")
			return nil, malformed(f.Name(), err)
		}
		f.hooks.request(f.Name(), "success")
		return nil, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return unavailable(f.Name(), "circuit open", 0, false, err)
	}
	return err
}
