package indicators

import (
	"math"

	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// weight floor so flat candles still count toward volume weighting
const magnitudeFloor = 0.0001

// Momentum is the hybrid green-candle score in [0,100]:
// 0.7 × volume-weighted green fraction + 0.3 × simple green fraction.
// A candle is green when close >= open. Empty input is neutral.
func Momentum(candles []types.PriceSample) float64 {
	if len(candles) == 0 {
		return 50
	}

	simpleUp := 0
	weightedUp, weightedDown := 0.0, 0.0

	for _, c := range candles {
		up := c.Close >= c.Open
		if up {
			simpleUp++
		}
		if c.Open > 0 && c.Volume > 0 {
			w := c.Volume * (math.Abs(c.Close-c.Open)/c.Open + magnitudeFloor)
			if up {
				weightedUp += w
			} else {
				weightedDown += w
			}
		}
	}

	simplePct := float64(simpleUp) / float64(len(candles)) * 100
	volumePct := 50.0
	if total := weightedUp + weightedDown; total > 0 {
		volumePct = weightedUp / total * 100
	}

	return clamp(0.7*volumePct+0.3*simplePct, 0, 100)
}

// Trend compares the last sub closes against the sub closes before them.
// Up when both the high and the low are higher, Down when both are lower.
func Trend(candles []types.PriceSample, sub int) types.Direction {
	if sub <= 0 || len(candles) < 2*sub {
		return ""
	}
	closes := Closes(candles)
	recent := closes[len(closes)-sub:]
	prior := closes[len(closes)-2*sub : len(closes)-sub]

	rh, rl := max(recent), min(recent)
	ph, pl := max(prior), min(prior)

	switch {
	case rh > ph && rl > pl:
		return types.Up
	case rh < ph && rl < pl:
		return types.Down
	}
	return ""
}

// Returns are consecutive close-to-close percentage changes
func Returns(candles []types.PriceSample) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev <= 0 {
			continue
		}
		out = append(out, (candles[i].Close-prev)/prev*100)
	}
	return out
}

// Volatility is the sample standard deviation of percentage returns
func Volatility(candles []types.PriceSample) float64 {
	return StdDev(Returns(candles))
}

// StdDev is the sample (n-1) standard deviation
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	avg := average(data)
	sumSquares := 0.0
	for _, v := range data {
		sumSquares += (v - avg) * (v - avg)
	}
	return math.Sqrt(sumSquares / float64(len(data)-1))
}

// Aggregate merges consecutive groups of factor candles into one, keeping
// the newest group complete. Leading candles that do not fill a group are dropped.
func Aggregate(candles []types.PriceSample, factor int) []types.PriceSample {
	if factor <= 1 {
		out := make([]types.PriceSample, len(candles))
		copy(out, candles)
		return out
	}
	skip := len(candles) % factor
	out := make([]types.PriceSample, 0, len(candles)/factor)
	for i := skip; i+factor <= len(candles); i += factor {
		group := candles[i : i+factor]
		agg := types.PriceSample{
			Instrument: group[0].Instrument,
			Timestamp:  group[len(group)-1].Timestamp,
			Open:       group[0].Open,
			Close:      group[len(group)-1].Close,
			High:       group[0].High,
			Low:        group[0].Low,
		}
		for _, c := range group {
			agg.High = math.Max(agg.High, c.High)
			agg.Low = math.Min(agg.Low, c.Low)
			agg.Volume += c.Volume
		}
		out = append(out, agg)
	}
	return out
}

// TotalVolume sums candle volume
func TotalVolume(candles []types.PriceSample) float64 {
	total := 0.0
	for _, c := range candles {
		total += c.Volume
	}
	return total
}

// Closes extracts close prices
func Closes(candles []types.PriceSample) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// NormalCDF is the standard normal cumulative distribution
func NormalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func average(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func min(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	m := data[0]
	for _, v := range data[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func max(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	m := data[0]
	for _, v := range data[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
