package risk

import (
	"github.com/shopspring/decimal"
)

// Sizer turns a fixed dollar stake into a contract count
type Sizer struct {
	stake decimal.Decimal
}

// NewSizer creates a sizer for stake dollars per trade
func NewSizer(stake decimal.Decimal) *Sizer {
	return &Sizer{stake: stake}
}

// Contracts is floor(stake / price) with the price quoted in cents.
// Zero means the stake cannot buy a single contract.
func (s *Sizer) Contracts(priceCents decimal.Decimal) int64 {
	if !priceCents.IsPositive() || !s.stake.IsPositive() {
		return 0
	}
	dollars := priceCents.Div(decimal.NewFromInt(100))
	return s.stake.Div(dollars).Floor().IntPart()
}

// Cost is the dollar outlay for n contracts at priceCents
func Cost(n int64, priceCents decimal.Decimal) decimal.Decimal {
	return priceCents.Mul(decimal.NewFromInt(n)).Div(decimal.NewFromInt(100))
}
