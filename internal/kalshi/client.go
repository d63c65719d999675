package kalshi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/malekhnovich/kalshi-arb/internal/resilience"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KALSHI - Markets, trades and settlements over the v2 trade API
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultRESTURL = "https://api.elections.kalshi.com/trade-api/v2"
	DefaultWSURL   = "wss://api.elections.kalshi.com/trade-api/ws/v2"

	marketsPage = 200
	tradesPage  = 1000
)

// ErrRateLimited is returned once 429 retries are exhausted
var ErrRateLimited = errors.New("kalshi: rate limited")

// APIError is a non-2xx, non-429 response
type APIError struct {
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kalshi: %s: http %d: %s", e.Path, e.Status, e.Body)
}

// Client is a read-only REST client
type Client struct {
	baseURL *url.URL
	http    *http.Client
	limiter *rate.Limiter
	signer  *Signer
	retries int
	backoff resilience.Backoff
	now     func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithSigner signs every request; unsigned requests only reach public endpoints
func WithSigner(s *Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithRateLimit caps requests per second
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1) }
}

// WithRetries sets how often a 429 is retried and the delay between tries
func WithRetries(n int, b resilience.Backoff) Option {
	return func(c *Client) {
		c.retries = n
		c.backoff = b
	}
}

// WithClock replaces time.Now for quote timestamps and request signing
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for baseURL, the public endpoint when empty
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("kalshi: base url: %w", err)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 1),
		retries: 3,
		backoff: resilience.DefaultBackoff(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// apiMarket is the market object of the v2 API
type apiMarket struct {
	Ticker         string   `json:"ticker"`
	EventTicker    string   `json:"event_ticker"`
	Title          string   `json:"title"`
	Status         string   `json:"status"`
	CloseTime      string   `json:"close_time"`
	ExpirationTime string   `json:"expiration_time"`
	FloorStrike    *float64 `json:"floor_strike"`
	YesAsk         float64  `json:"yes_ask"`
	NoAsk          float64  `json:"no_ask"`
	LastPrice      float64  `json:"last_price"`
	Volume         int64    `json:"volume"`
	Result         string   `json:"result"`
}

type apiTrade struct {
	TradeID     string  `json:"trade_id"`
	Ticker      string  `json:"ticker"`
	Count       int64   `json:"count"`
	YesPrice    float64 `json:"yes_price"`
	NoPrice     float64 `json:"no_price"`
	CreatedTime string  `json:"created_time"`
}

// MarketQuery filters FetchMarkets. Zero fields are not sent.
type MarketQuery struct {
	Series   string
	Status   string
	MinClose time.Time
	MaxClose time.Time
}

// FetchMarkets pages through /markets with the cursor until exhausted
func (c *Client) FetchMarkets(ctx context.Context, mq MarketQuery) ([]types.Market, error) {
	raw, err := c.markets(ctx, mq)
	if err != nil {
		return nil, err
	}
	out := make([]types.Market, 0, len(raw))
	for _, m := range raw {
		out = append(out, toMarket(m, mq.Series))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Expiry.Before(out[j].Expiry) })
	return out, nil
}

// OpenMarkets returns the current quote of every open market in series
func (c *Client) OpenMarkets(ctx context.Context, series string) ([]types.OddsSample, error) {
	raw, err := c.markets(ctx, MarketQuery{Series: series, Status: "open"})
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	out := make([]types.OddsSample, 0, len(raw))
	for _, m := range raw {
		out = append(out, quote(toMarket(m, series), m, now))
	}
	return out, nil
}

// FetchOddsHistory returns the market's trades inside r as odds samples, oldest first
func (c *Client) FetchOddsHistory(ctx context.Context, m types.Market, r types.Range) ([]types.OddsSample, error) {
	q := url.Values{}
	q.Set("ticker", m.ID)
	q.Set("limit", strconv.Itoa(tradesPage))
	q.Set("min_ts", strconv.FormatInt(r.Start.Unix(), 10))
	q.Set("max_ts", strconv.FormatInt(r.End.Unix(), 10))

	var out []types.OddsSample
	for {
		var page struct {
			Trades []apiTrade `json:"trades"`
			Cursor string     `json:"cursor"`
		}
		if err := c.getJSON(ctx, "/markets/trades", q, &page); err != nil {
			return nil, err
		}
		for _, t := range page.Trades {
			at, err := time.Parse(time.RFC3339, t.CreatedTime)
			if err != nil || !r.Contains(at) {
				continue
			}
			out = append(out, types.OddsSample{
				MarketID:   m.ID,
				Instrument: m.Instrument,
				Strike:     m.Strike,
				Expiry:     m.Expiry,
				Timestamp:  at.UTC(),
				YesPrice:   t.YesPrice,
				NoPrice:    t.NoPrice,
				Volume:     t.Count,
			})
		}
		if page.Cursor == "" || len(page.Trades) == 0 {
			break
		}
		q.Set("cursor", page.Cursor)
	}

	// the API lists newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	log.Debug().Str("market", m.ID).Int("trades", len(out)).Msg("📜 Odds history fetched")
	return out, nil
}

// FetchSettlement returns the market's result. ok is false while unsettled.
func (c *Client) FetchSettlement(ctx context.Context, ticker string) (types.Settlement, bool, error) {
	var resp struct {
		Market apiMarket `json:"market"`
	}
	if err := c.getJSON(ctx, "/markets/"+url.PathEscape(ticker), nil, &resp); err != nil {
		return types.Settlement{}, false, err
	}
	m := resp.Market
	var outcome types.Outcome
	switch strings.ToLower(m.Result) {
	case "yes":
		outcome = types.OutcomeYes
	case "no":
		outcome = types.OutcomeNo
	default:
		return types.Settlement{}, false, nil
	}
	at := parseTime(m.CloseTime)
	if at.IsZero() {
		at = parseTime(m.ExpirationTime)
	}
	return types.Settlement{MarketID: ticker, Outcome: outcome, Timestamp: at}, true, nil
}

func (c *Client) markets(ctx context.Context, mq MarketQuery) ([]apiMarket, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(marketsPage))
	if mq.Series != "" {
		q.Set("series_ticker", mq.Series)
	}
	if mq.Status != "" {
		q.Set("status", mq.Status)
	}
	if !mq.MinClose.IsZero() {
		q.Set("min_close_ts", strconv.FormatInt(mq.MinClose.Unix(), 10))
	}
	if !mq.MaxClose.IsZero() {
		q.Set("max_close_ts", strconv.FormatInt(mq.MaxClose.Unix(), 10))
	}

	var out []apiMarket
	for {
		var page struct {
			Markets []apiMarket `json:"markets"`
			Cursor  string      `json:"cursor"`
		}
		if err := c.getJSON(ctx, "/markets", q, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Markets...)
		if page.Cursor == "" || len(page.Markets) == 0 {
			return out, nil
		}
		q.Set("cursor", page.Cursor)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v interface{}) error {
	body, err := c.get(ctx, path, q)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("kalshi: decode %s: %w", path, err)
	}
	return nil
}

// get performs a signed GET, retrying 429 responses with backoff
func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = q.Encode()

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		if c.signer != nil {
			if err := c.signer.Apply(req.Header, http.MethodGet, u.Path, c.now()); err != nil {
				return nil, err
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("kalshi: %s: %w", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("kalshi: read %s: %w", path, err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if attempt >= c.retries {
				return nil, ErrRateLimited
			}
			d := c.backoff.Delay(attempt + 1)
			log.Warn().Str("path", path).Int("attempt", attempt+1).Dur("backoff", d).Msg("⏳ Kalshi rate limit, backing off")
			if err := resilience.Sleep(ctx, d); err != nil {
				return nil, err
			}
			continue
		case resp.StatusCode/100 != 2:
			msg := string(body)
			if len(msg) > 200 {
				msg = msg[:200]
			}
			return nil, &APIError{Status: resp.StatusCode, Path: path, Body: msg}
		}
		return body, nil
	}
}

func toMarket(m apiMarket, series string) types.Market {
	if series == "" {
		series = SeriesOf(m.EventTicker)
	}
	strike := ParseStrike(m.Ticker, m.Title)
	if m.FloorStrike != nil && *m.FloorStrike > 0 {
		strike = *m.FloorStrike
	}
	expiry := parseTime(m.CloseTime)
	if expiry.IsZero() {
		expiry = parseTime(m.ExpirationTime)
	}
	return types.Market{
		ID:         m.Ticker,
		Series:     series,
		Title:      m.Title,
		Instrument: InstrumentFor(m.Ticker),
		Strike:     strike,
		Expiry:     expiry,
		Status:     m.Status,
	}
}

// quote prefers the asks, falling back to the last trade and its complement
func quote(mkt types.Market, m apiMarket, now time.Time) types.OddsSample {
	yes, no := m.YesAsk, m.NoAsk
	if yes == 0 {
		yes = m.LastPrice
	}
	if no == 0 && yes > 0 {
		no = 100 - yes
	}
	return types.OddsSample{
		MarketID:   mkt.ID,
		Instrument: mkt.Instrument,
		Strike:     mkt.Strike,
		Expiry:     mkt.Expiry,
		Timestamp:  now,
		YesPrice:   yes,
		NoPrice:    no,
		Volume:     m.Volume,
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
