package arbitrage

import (
	"math"
	"time"

	"github.com/malekhnovich/kalshi-arb/internal/indicators"
)

// FairProbability estimates P(spot > strike at expiry) in cents from the
// per-candle return volatility (percent) and the candles left until expiry.
func FairProbability(spot, strike, volatilityPct float64, candlesLeft float64) float64 {
	if spot <= 0 || strike <= 0 {
		return 50
	}
	sigma := volatilityPct / 100 * math.Sqrt(math.Max(candlesLeft, 1))
	if sigma <= 0 {
		switch {
		case spot > strike:
			return 100
		case spot < strike:
			return 0
		}
		return 50
	}
	p := indicators.NormalCDF(math.Log(spot/strike)/sigma) * 100
	return math.Max(0, math.Min(100, p))
}

// candlesToExpiry converts the time left to a candle count, using the
// configured horizon when the expiry is unknown or already past
func (c StrategyConfig) candlesToExpiry(now, expiry time.Time) float64 {
	left := c.FairHorizon
	if !expiry.IsZero() && expiry.After(now) {
		left = expiry.Sub(now)
	}
	return float64(left) / float64(c.CandleInterval)
}
