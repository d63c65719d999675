package arbitrage

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/malekhnovich/kalshi-arb/internal/market"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// Detector pairs the latest price update per instrument with the latest
// odds per market and runs the engine on every change. Live and replay both
// drive this type, so they share one decision path.
type Detector struct {
	engine    *Engine
	agg       *Aggregator
	positions PositionBook

	mu      sync.Mutex
	prices  map[string]market.Update
	odds    map[string]types.OddsSample
	strikes map[string]float64
	markets map[string]map[string]struct{} // instrument -> market ids
}

// NewDetector creates a detector. positions may be nil.
func NewDetector(engine *Engine, positions PositionBook) *Detector {
	return &Detector{
		engine:    engine,
		agg:       NewAggregator(engine.Config().SignalBucket),
		positions: positions,
		prices:    make(map[string]market.Update),
		odds:      make(map[string]types.OddsSample),
		strikes:   make(map[string]float64),
		markets:   make(map[string]map[string]struct{}),
	}
}

// OnPrice evaluates every known market of the update's instrument in ticker
// order
func (d *Detector) OnPrice(u market.Update) []types.Signal {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst := u.Sample.Instrument
	d.prices[inst] = u

	ids := make([]string, 0, len(d.markets[inst]))
	for id := range d.markets[inst] {
		o := d.odds[id]
		if !o.Expiry.IsZero() && !u.Sample.Timestamp.Before(o.Expiry) {
			d.forget(inst, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// every market here sees the same position book, so with the
	// correlation check on only the first admitted strike may open
	single := d.engine.Config().CorrelationCheck

	var out []types.Signal
	for _, id := range ids {
		o := d.odds[id]
		if sig, ok := d.evaluate(u, o); ok {
			out = append(out, sig)
			if single {
				break
			}
		}
	}
	return out
}

// OnOdds records the quote and evaluates its market against the latest price
func (d *Detector) OnOdds(o types.OddsSample) []types.Signal {
	d.mu.Lock()
	defer d.mu.Unlock()

	if strike, ok := d.strikes[o.MarketID]; ok {
		if o.Strike != 0 && o.Strike != strike {
			log.Warn().Str("market", o.MarketID).Float64("strike", strike).Float64("got", o.Strike).Msg("Strike change ignored")
		}
		o.Strike = strike
	} else if o.Strike != 0 {
		d.strikes[o.MarketID] = o.Strike
	}

	if d.markets[o.Instrument] == nil {
		d.markets[o.Instrument] = make(map[string]struct{})
	}
	d.markets[o.Instrument][o.MarketID] = struct{}{}
	d.odds[o.MarketID] = o

	u, ok := d.prices[o.Instrument]
	if !ok {
		return nil
	}
	if sig, ok := d.evaluate(u, o); ok {
		return []types.Signal{sig}
	}
	return nil
}

// Odds returns the latest quote for a market
func (d *Detector) Odds(marketID string) (types.OddsSample, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.odds[marketID]
	return o, ok
}

func (d *Detector) evaluate(u market.Update, o types.OddsSample) (types.Signal, bool) {
	if !o.Expiry.IsZero() && !u.Sample.Timestamp.Before(o.Expiry) {
		return types.Signal{}, false
	}
	dec := d.engine.Evaluate(Input{
		Price:     u.Sample,
		Odds:      &o,
		History:   u.Window,
		Positions: d.positions,
	})
	if dec.Signal == nil {
		log.Debug().
			Str("instrument", u.Sample.Instrument).
			Str("market", o.MarketID).
			Str("gate", string(dec.Rejected)).
			Str("reason", dec.Reason).
			Msg("No signal")
		return types.Signal{}, false
	}
	if !d.agg.Admit(*dec.Signal) {
		return types.Signal{}, false
	}
	return *dec.Signal, true
}

func (d *Detector) forget(instrument, marketID string) {
	delete(d.markets[instrument], marketID)
	delete(d.odds, marketID)
}
