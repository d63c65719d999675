package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE SPOT - Klines over REST and WebSocket
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultRESTURL = "https://api.binance.com"
	DefaultWSURL   = "wss://stream.binance.com:9443"

	// maxKlines is the page size limit of /api/v3/klines
	maxKlines = 1000
)

// ErrRateLimited is returned on HTTP 429 and 418
var ErrRateLimited = errors.New("binance: rate limited")

// APIError is a non-2xx response
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: http %d: %s", e.Status, e.Body)
}

// Client fetches spot candles
type Client struct {
	restURL string
	wsURL   string
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit caps REST requests per second
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1) }
}

// WithClock replaces time.Now; used to decide whether the newest candle closed
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client. Empty URLs take the public endpoints.
func NewClient(restURL, wsURL string, opts ...Option) *Client {
	if restURL == "" {
		restURL = DefaultRESTURL
	}
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	c := &Client{
		restURL: strings.TrimRight(restURL, "/"),
		wsURL:   strings.TrimRight(wsURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 1),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchCandles returns the candles of symbol that open and close inside r,
// oldest first. Pages through the klines endpoint until r is exhausted.
func (c *Client) FetchCandles(ctx context.Context, symbol, interval string, r types.Range) ([]types.PriceSample, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("binance: empty range %s..%s", r.Start, r.End)
	}

	var out []types.PriceSample
	cursor := r.Start.UnixMilli()
	end := r.End.UnixMilli() - 1
	for cursor <= end {
		q := url.Values{}
		q.Set("symbol", strings.ToUpper(symbol))
		q.Set("interval", interval)
		q.Set("startTime", strconv.FormatInt(cursor, 10))
		q.Set("endTime", strconv.FormatInt(end, 10))
		q.Set("limit", strconv.Itoa(maxKlines))

		body, err := c.get(ctx, "/api/v3/klines", q)
		if err != nil {
			return nil, err
		}
		page, last, err := parseKlines(symbol, body)
		if err != nil {
			return nil, err
		}
		for _, s := range page {
			if !s.Timestamp.After(r.End) {
				out = append(out, s)
			}
		}
		if len(page) < maxKlines || last < cursor {
			break
		}
		cursor = last + 1
	}

	log.Debug().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("candles", len(out)).
		Msg("📊 Klines fetched")
	return out, nil
}

// LatestCandles returns up to limit of the most recent closed candles
func (c *Client) LatestCandles(ctx context.Context, symbol, interval string, limit int) ([]types.PriceSample, error) {
	if limit <= 0 || limit > maxKlines-1 {
		limit = maxKlines - 1
	}
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", interval)
	// one extra for the candle still forming
	q.Set("limit", strconv.Itoa(limit+1))

	body, err := c.get(ctx, "/api/v3/klines", q)
	if err != nil {
		return nil, err
	}
	page, _, err := parseKlines(symbol, body)
	if err != nil {
		return nil, err
	}

	now := c.now()
	closed := page[:0]
	for _, s := range page {
		if !s.Timestamp.After(now) {
			closed = append(closed, s)
		}
	}
	if len(closed) > limit {
		closed = closed[len(closed)-limit:]
	}
	return closed, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.restURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("binance: read %s: %w", path, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		return nil, ErrRateLimited
	case resp.StatusCode/100 != 2:
		return nil, &APIError{Status: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return body, nil
}

// parseKlines reads the array-of-arrays kline payload. The returned last is
// the open time of the final row in milliseconds.
func parseKlines(symbol string, body []byte) ([]types.PriceSample, int64, error) {
	if !gjson.ValidBytes(body) {
		return nil, 0, fmt.Errorf("binance: invalid klines payload")
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, 0, fmt.Errorf("binance: klines payload is not an array")
	}

	var (
		out  []types.PriceSample
		last int64
	)
	root.ForEach(func(_, row gjson.Result) bool {
		last = row.Get("0").Int()
		// close time is the last millisecond of the candle
		closeAt := time.UnixMilli(row.Get("6").Int() + 1).UTC()
		out = append(out, types.PriceSample{
			Instrument: strings.ToUpper(symbol),
			Timestamp:  closeAt,
			Open:       row.Get("1").Float(),
			High:       row.Get("2").Float(),
			Low:        row.Get("3").Float(),
			Close:      row.Get("4").Float(),
			Volume:     row.Get("5").Float(),
		})
		return true
	})
	return out, last, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
