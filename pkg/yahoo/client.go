// Package yahoo provides a rate-limited client for Yahoo Finance price
// history and summary fundamentals.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://query1.finance.yahoo.com"

// summaryModules are the quoteSummary modules holding the fundamentals the
// valuation engine maps from.
const summaryModules = "financialData,defaultKeyStatistics,summaryDetail"

// PricePoint is one day of price history.
type PricePoint struct {
	Date     time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	AdjClose float64
	Volume   float64
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit sets the requests-per-second limit.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMaxRetries sets the retry budget for transient failures.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// Client talks to the Yahoo Finance chart and quoteSummary APIs.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewClient creates a Yahoo Finance client with the given options.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(2, 2),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *apiError `json:"error"`
	} `json:"chart"`
}

// PriceHistory fetches daily candles for the ticker between start and end.
// Days with null quotes (holidays, halts) are skipped.
func (c *Client) PriceHistory(ctx context.Context, ticker string, start, end time.Time) ([]PricePoint, error) {
	q := url.Values{}
	q.Set("period1", fmt.Sprintf("%d", start.Unix()))
	q.Set("period2", fmt.Sprintf("%d", end.Unix()))
	q.Set("interval", "1d")

	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.baseURL, url.PathEscape(ticker), q.Encode())
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var parsed chartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "yahoo: decode chart response")
	}
	if parsed.Chart.Error != nil {
		return nil, eris.Errorf("yahoo: chart API error %s: %s", parsed.Chart.Error.Code, parsed.Chart.Error.Description)
	}
	if len(parsed.Chart.Result) == 0 {
		return nil, eris.Errorf("yahoo: no chart data for %s", ticker)
	}

	result := parsed.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, eris.Errorf("yahoo: no quote data for %s", ticker)
	}
	quote := result.Indicators.Quote[0]

	var adj []*float64
	if len(result.Indicators.AdjClose) > 0 {
		adj = result.Indicators.AdjClose[0].AdjClose
	}

	points := make([]PricePoint, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == nil {
			continue
		}
		p := PricePoint{
			Date:  time.Unix(ts, 0).UTC(),
			Close: *quote.Close[i],
		}
		if i < len(quote.Open) && quote.Open[i] != nil {
			p.Open = *quote.Open[i]
		}
		if i < len(quote.High) && quote.High[i] != nil {
			p.High = *quote.High[i]
		}
		if i < len(quote.Low) && quote.Low[i] != nil {
			p.Low = *quote.Low[i]
		}
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			p.Volume = *quote.Volume[i]
		}
		p.AdjClose = p.Close
		if i < len(adj) && adj[i] != nil {
			p.AdjClose = *adj[i]
		}
		points = append(points, p)
	}
	return points, nil
}

type summaryResponse struct {
	QuoteSummary struct {
		Result []map[string]map[string]json.RawMessage `json:"result"`
		Error  *apiError                               `json:"error"`
	} `json:"quoteSummary"`
}

// Fundamentals fetches summary fundamentals for the ticker and flattens them
// into a field → value map. Yahoo wraps numbers as {"raw": n, "fmt": "..."};
// the raw number is kept.
func (c *Client) Fundamentals(ctx context.Context, ticker string) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/v10/finance/quoteSummary/%s?modules=%s",
		c.baseURL, url.PathEscape(ticker), summaryModules)
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var parsed summaryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "yahoo: decode summary response")
	}
	if parsed.QuoteSummary.Error != nil {
		return nil, eris.Errorf("yahoo: summary API error %s: %s",
			parsed.QuoteSummary.Error.Code, parsed.QuoteSummary.Error.Description)
	}
	if len(parsed.QuoteSummary.Result) == 0 {
		return nil, eris.Errorf("yahoo: no summary data for %s", ticker)
	}

	fields := make(map[string]any)
	for _, module := range parsed.QuoteSummary.Result[0] {
		for name, raw := range module {
			v, ok := flattenValue(raw)
			if ok {
				fields[name] = v
			}
		}
	}
	return fields, nil
}

// flattenValue unwraps Yahoo's {"raw": n} envelopes and keeps plain scalars.
// Structured values without a raw number are dropped.
func flattenValue(data json.RawMessage) (any, bool) {
	var envelope struct {
		Raw *float64 `json:"raw"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Raw != nil {
		return *envelope.Raw, true
	}

	var scalar any
	if err := json.Unmarshal(data, &scalar); err != nil {
		return nil, false
	}
	switch scalar.(type) {
	case float64, string, bool:
		return scalar, true
	default:
		return nil, false
	}
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	for attempt := range c.maxRetries {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "yahoo: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, eris.Wrap(err, "yahoo: create request")
		}
		req.Header.Set("User-Agent", "valuation-cli/1.0")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			zap.L().Warn("yahoo request failed, retrying",
				zap.String("url", endpoint),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			c.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("yahoo: http %d from %s", resp.StatusCode, endpoint)
			zap.L().Warn("yahoo transient error, retrying",
				zap.String("url", endpoint),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			c.backoff(ctx, attempt)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, eris.Wrap(err, "yahoo: read response body")
		}
		if resp.StatusCode != http.StatusOK {
			return nil, eris.Errorf("yahoo: unexpected status %d from %s", resp.StatusCode, endpoint)
		}
		return body, nil
	}
	return nil, eris.Wrap(lastErr, "yahoo: all retries exhausted")
}

func (c *Client) backoff(ctx context.Context, attempt int) {
	base := time.Second
	maxBackoff := 15 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	d += time.Duration(rand.Int64N(int64(d) / 2))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
