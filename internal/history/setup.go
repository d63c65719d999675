package history

import (
	"fmt"
	"time"

	"github.com/malekhnovich/kalshi-arb/internal/binance"
	"github.com/malekhnovich/kalshi-arb/internal/cache"
	"github.com/malekhnovich/kalshi-arb/internal/config"
	"github.com/malekhnovich/kalshi-arb/internal/kalshi"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// Open builds a Loader over the configured cache and exchange clients. The
// caller closes the returned cache.
func Open(cfg *config.Config, opts ...Option) (*Loader, *cache.Cache, error) {
	store, err := cache.Open(cfg.CacheDSN)
	if err != nil {
		return nil, nil, err
	}

	kopts := []kalshi.Option{kalshi.WithRateLimit(cfg.KalshiRateLimit)}
	if cfg.Authenticated() {
		signer, err := kalshi.LoadSigner(cfg.KalshiAPIKeyID, cfg.KalshiPrivateKeyPath)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		kopts = append(kopts, kalshi.WithSigner(signer))
	}
	markets, err := kalshi.NewClient(cfg.KalshiAPIURL, kopts...)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	spot := binance.NewClient(cfg.BinanceAPIURL, cfg.BinanceWSURL)
	return NewLoader(store, spot, markets, cfg.SpotInterval, opts...), store, nil
}

// ParseRange reads a window from start and end given as dates (2006-01-02)
// or RFC 3339 times. A missing end is now truncated to the hour; a missing
// start is days before the end.
func ParseRange(start, end string, days int, now time.Time) (types.Range, error) {
	var r types.Range
	var err error

	if end == "" {
		r.End = now.UTC().Truncate(time.Hour)
	} else if r.End, err = parseTime(end); err != nil {
		return types.Range{}, fmt.Errorf("end: %w", err)
	}

	if start == "" {
		if days <= 0 {
			return types.Range{}, fmt.Errorf("start or a positive day count is required")
		}
		r.Start = r.End.AddDate(0, 0, -days)
	} else if r.Start, err = parseTime(start); err != nil {
		return types.Range{}, fmt.Errorf("start: %w", err)
	}

	if !r.Valid() {
		return types.Range{}, fmt.Errorf("range %s..%s is empty", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return r, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a date nor an RFC 3339 time", s)
	}
	return t.UTC(), nil
}

// DefaultSeries is the daily price series of an instrument, e.g. BTCUSDT
// maps to KXBTCD
func DefaultSeries(instrument string) string {
	base := instrument
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if len(base) > len(quote) && base[len(base)-len(quote):] == quote {
			base = base[:len(base)-len(quote)]
			break
		}
	}
	return "KX" + base + "D"
}
