package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/malekhnovich/kalshi-arb/internal/cache"
	"github.com/malekhnovich/kalshi-arb/internal/kalshi"
	"github.com/malekhnovich/kalshi-arb/internal/replay"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// Cache sources
const (
	SourceCandles     = "binance-klines"
	SourceMarkets     = "kalshi-markets"
	SourceTrades      = "kalshi-trades"
	SourceSettlements = "kalshi-settlements"
)

// Store is the cache the loader reads through
type Store interface {
	Get(ctx context.Context, key cache.Key, r types.Range) (cache.Lookup, error)
	Put(ctx context.Context, key cache.Key, r types.Range, payload []byte) error
}

// CandleSource fetches spot candles
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol, interval string, r types.Range) ([]types.PriceSample, error)
}

// MarketSource fetches prediction market history
type MarketSource interface {
	FetchMarkets(ctx context.Context, q kalshi.MarketQuery) ([]types.Market, error)
	FetchOddsHistory(ctx context.Context, m types.Market, r types.Range) ([]types.OddsSample, error)
	FetchSettlement(ctx context.Context, ticker string) (types.Settlement, bool, error)
}

// Loader assembles replay datasets, serving from the cache when it fully
// covers a request and fetching and storing otherwise
type Loader struct {
	store    Store
	spot     CandleSource
	markets  MarketSource
	interval string
	workers  int
	now      func() time.Time
}

// Option configures a Loader
type Option func(*Loader)

// WithWorkers bounds concurrent per-market fetches
func WithWorkers(n int) Option {
	return func(l *Loader) { l.workers = n }
}

// WithClock replaces time.Now; ranges ending after now are never cached
func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// NewLoader creates a loader for candles of the given interval
func NewLoader(store Store, spot CandleSource, markets MarketSource, interval string, opts ...Option) *Loader {
	l := &Loader{
		store:    store,
		spot:     spot,
		markets:  markets,
		interval: interval,
		workers:  4,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dataset loads everything a replay over r needs: candles of instrument,
// the series' markets closing in r with their trades and settlements
func (l *Loader) Dataset(ctx context.Context, instrument, series string, r types.Range) (replay.Dataset, error) {
	if !r.Valid() {
		return replay.Dataset{}, fmt.Errorf("history: empty range %s..%s", r.Start, r.End)
	}

	prices, err := l.Candles(ctx, instrument, r)
	if err != nil {
		return replay.Dataset{}, err
	}
	markets, err := l.Markets(ctx, instrument, series, r)
	if err != nil {
		return replay.Dataset{}, err
	}

	odds := make([][]types.OddsSample, len(markets))
	settled := make([]*types.Settlement, len(markets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, m := range markets {
		i, m := i, m
		g.Go(func() error {
			o, err := l.Odds(gctx, m, r)
			if err != nil {
				return err
			}
			odds[i] = o
			s, ok, err := l.Settlement(gctx, m)
			if err != nil {
				return err
			}
			if ok {
				settled[i] = &s
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return replay.Dataset{}, err
	}

	ds := replay.Dataset{Instrument: instrument, Range: r, Prices: prices, Markets: markets}
	for i := range markets {
		ds.Odds = append(ds.Odds, odds[i]...)
		if settled[i] != nil {
			ds.Settlements = append(ds.Settlements, *settled[i])
		}
	}
	sort.SliceStable(ds.Odds, func(i, j int) bool { return ds.Odds[i].Timestamp.Before(ds.Odds[j].Timestamp) })
	sort.SliceStable(ds.Settlements, func(i, j int) bool {
		return ds.Settlements[i].Timestamp.Before(ds.Settlements[j].Timestamp)
	})

	log.Info().
		Str("instrument", instrument).
		Str("series", series).
		Int("candles", len(ds.Prices)).
		Int("markets", len(ds.Markets)).
		Int("odds", len(ds.Odds)).
		Int("settlements", len(ds.Settlements)).
		Msg("📦 Dataset loaded")
	return ds, nil
}

// Candles returns the closed candles of instrument ending inside r
func (l *Loader) Candles(ctx context.Context, instrument string, r types.Range) ([]types.PriceSample, error) {
	key := cache.Key{Source: SourceCandles, Subject: instrument, Interval: l.interval}
	all, err := load(ctx, l, key, r, func(ctx context.Context) ([]types.PriceSample, error) {
		return l.spot.FetchCandles(ctx, instrument, l.interval, r)
	})
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, s := range all {
		if s.Timestamp.After(r.Start) && !s.Timestamp.After(r.End) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Markets returns the series' markets that close inside r and track instrument
func (l *Loader) Markets(ctx context.Context, instrument, series string, r types.Range) ([]types.Market, error) {
	key := cache.Key{Source: SourceMarkets, Subject: series}
	all, err := load(ctx, l, key, r, func(ctx context.Context) ([]types.Market, error) {
		return l.markets.FetchMarkets(ctx, kalshi.MarketQuery{Series: series, MinClose: r.Start, MaxClose: r.End})
	})
	if err != nil {
		return nil, err
	}
	var out []types.Market
	for _, m := range all {
		if !r.Contains(m.Expiry) && !m.Expiry.Equal(r.End) {
			continue
		}
		switch m.Instrument {
		case instrument:
		case "":
			m.Instrument = instrument
		default:
			log.Warn().Str("market", m.ID).Str("instrument", m.Instrument).Msg("Market tracks another instrument, skipped")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Odds returns the market's trades inside r, up to its expiry
func (l *Loader) Odds(ctx context.Context, m types.Market, r types.Range) ([]types.OddsSample, error) {
	span := r
	if !m.Expiry.IsZero() && m.Expiry.Before(span.End) {
		span.End = m.Expiry
	}
	if !span.Valid() {
		return nil, nil
	}
	key := cache.Key{Source: SourceTrades, Subject: m.ID}
	all, err := load(ctx, l, key, span, func(ctx context.Context) ([]types.OddsSample, error) {
		return l.markets.FetchOddsHistory(ctx, m, span)
	})
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, o := range all {
		if span.Contains(o.Timestamp) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Settlement returns the market's result once it has settled. Unsettled
// markets are asked again on every call.
func (l *Loader) Settlement(ctx context.Context, m types.Market) (types.Settlement, bool, error) {
	if m.Expiry.IsZero() || m.Expiry.After(l.now()) {
		return types.Settlement{}, false, nil
	}
	key := cache.Key{Source: SourceSettlements, Subject: m.ID}
	span := types.Range{Start: m.Expiry, End: m.Expiry.Add(time.Millisecond)}

	look, err := l.store.Get(ctx, key, span)
	if err != nil {
		return types.Settlement{}, false, err
	}
	if look.Status == cache.Hit {
		var s types.Settlement
		if err := json.Unmarshal(look.Payload, &s); err != nil {
			return types.Settlement{}, false, fmt.Errorf("history: decode %s: %w", key, err)
		}
		return s, true, nil
	}

	s, ok, err := l.markets.FetchSettlement(ctx, m.ID)
	if err != nil || !ok {
		return types.Settlement{}, false, err
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return types.Settlement{}, false, err
	}
	if err := l.store.Put(ctx, key, span, payload); err != nil {
		return types.Settlement{}, false, err
	}
	return s, true, nil
}

// load serves key over r from the store on a full hit, otherwise fetches and
// stores the result. Ranges reaching past now are not stored.
func load[T any](ctx context.Context, l *Loader, key cache.Key, r types.Range, fetch func(context.Context) ([]T, error)) ([]T, error) {
	look, err := l.store.Get(ctx, key, r)
	if err != nil {
		return nil, err
	}
	if look.Status == cache.Hit {
		var out []T
		if err := json.Unmarshal(look.Payload, &out); err != nil {
			return nil, fmt.Errorf("history: decode %s: %w", key, err)
		}
		log.Debug().Str("key", key.String()).Msg("Cache hit")
		return out, nil
	}

	log.Debug().Str("key", key.String()).Str("status", look.Status.String()).Msg("Cache fetch")
	out, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if r.End.After(l.now()) {
		return out, nil
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	if err := l.store.Put(ctx, key, r, payload); err != nil {
		return nil, err
	}
	return out, nil
}
