package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of a signal or trade
type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
)

// Sign returns +1 for Up, -1 for Down, 0 otherwise
func (d Direction) Sign() int {
	switch d {
	case Up:
		return 1
	case Down:
		return -1
	}
	return 0
}

// PriceSample is one closed spot candle annotated with window-derived fields.
// Timestamp is the candle close time.
type PriceSample struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`

	// Set by market.Tracker
	Momentum       float64   `json:"momentum"`
	TrendConfirmed bool      `json:"trend_confirmed"`
	Trend          Direction `json:"trend,omitempty"`
	Volatility     float64   `json:"volatility"` // stdev of % returns
	Candles        int       `json:"candles"`
}

// OddsSample is a prediction market quote or trade, prices in cents
type OddsSample struct {
	MarketID   string    `json:"market_id"`
	Instrument string    `json:"instrument"`
	Strike     float64   `json:"strike"`
	Expiry     time.Time `json:"expiry,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	YesPrice   float64   `json:"yes_price"`
	NoPrice    float64   `json:"no_price"`
	Volume     int64     `json:"volume"`
}

// Market is prediction market metadata
type Market struct {
	ID         string    `json:"id"`
	Series     string    `json:"series"`
	Title      string    `json:"title"`
	Instrument string    `json:"instrument"`
	Strike     float64   `json:"strike"`
	Expiry     time.Time `json:"expiry"`
	Status     string    `json:"status"`
}

// Outcome of a settled market
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Settlement is the recorded resolution of a market
type Settlement struct {
	MarketID  string    `json:"market_id"`
	Outcome   Outcome   `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

// Price returns the settlement value in cents for a position in dir
func (s Settlement) Price(dir Direction) float64 {
	won := (s.Outcome == OutcomeYes && dir == Up) || (s.Outcome == OutcomeNo && dir == Down)
	if won {
		return 100
	}
	return 0
}

// Signal is an actionable lag detection
type Signal struct {
	Instrument          string    `json:"instrument"`
	MarketID            string    `json:"market_id"`
	Direction           Direction `json:"direction"`
	Confidence          float64   `json:"confidence"`
	FairProbability     float64   `json:"fair_probability"`
	ExpectedProbability float64   `json:"expected_probability"`
	Spread              float64   `json:"spread"`
	Momentum            float64   `json:"momentum"`
	SpotPrice           float64   `json:"spot_price"`
	Strike              float64   `json:"strike"`
	YesPrice            float64   `json:"yes_price"`
	NoPrice             float64   `json:"no_price"`
	Timestamp           time.Time `json:"timestamp"`
	Gates               []string  `json:"gates"`
	Reasoning           []string  `json:"reasoning"`
	Recommendation      string    `json:"recommendation"`
}

// Side is the contract side bought for the signal direction
func (s Signal) Side() string {
	if s.Direction == Down {
		return "NO"
	}
	return "YES"
}

// ExitReason for a closed trade
type ExitReason string

const (
	ExitTime       ExitReason = "TIME"
	ExitSettlement ExitReason = "SETTLEMENT"
)

// Trade is a simulated position. Prices in cents, money in dollars.
type Trade struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	MarketID   string          `json:"market_id"`
	Direction  Direction       `json:"direction"`
	Confidence float64         `json:"confidence"`
	SignalTime time.Time       `json:"signal_time"`
	EntryTime  time.Time       `json:"entry_time"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Size       int64           `json:"size"`
	ExitTime   time.Time       `json:"exit_time"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	ExitReason ExitReason      `json:"exit_reason"`
	Fallback   bool            `json:"fallback,omitempty"`
	Fees       decimal.Decimal `json:"fees"`
	Slippage   decimal.Decimal `json:"slippage"`
	PnL        decimal.Decimal `json:"pnl"`
}

// Won reports a strictly positive P&L
func (t Trade) Won() bool {
	return t.PnL.IsPositive()
}

// NoFill reasons
const (
	NoFillMissed       = "FILL_MISSED"
	NoFillNoLiquidity  = "NO_LIQUIDITY"
	NoFillZeroQuantity = "ZERO_QUANTITY"
	NoFillNoPrice      = "NO_PRICE"
)

// NoFill records a signal the simulator could not execute
type NoFill struct {
	ID         string    `json:"id"`
	Instrument string    `json:"instrument"`
	MarketID   string    `json:"market_id"`
	Direction  Direction `json:"direction"`
	SignalTime time.Time `json:"signal_time"`
	Time       time.Time `json:"time"`
	Reason     string    `json:"reason"`
}

// Range is a half-open time interval [Start, End)
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether End is after Start
func (r Range) Valid() bool {
	return r.End.After(r.Start)
}

// Covers reports whether r fully contains o
func (r Range) Covers(o Range) bool {
	return !r.Start.After(o.Start) && !r.End.Before(o.End)
}

// Contains reports whether t is inside [Start, End)
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Overlap returns the intersection and whether it is non-empty
func (r Range) Overlap(o Range) (Range, bool) {
	out := Range{Start: r.Start, End: r.End}
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	return out, out.Valid()
}

// Duration of the range
func (r Range) Duration() time.Duration {
	return r.End.Sub(r.Start)
}
