package replay

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// Metrics summarise one run's closed-trade ledger. P&L and drawdown are in
// dollars, WinRate in percent.
type Metrics struct {
	Signals       int             `json:"signals"`
	Trades        int             `json:"trades"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	NoFills       int             `json:"no_fills"`
	Unresolved    int             `json:"unresolved"`
	FallbackExits int             `json:"fallback_exits"`
	WinRate       float64         `json:"win_rate"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	AvgTradePnL   decimal.Decimal `json:"avg_trade_pnl"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
	ProfitFactor  float64         `json:"profit_factor"`
	ReturnOnRisk  float64         `json:"return_on_risk"`
	TradesPerDay  float64         `json:"trades_per_day"`
}

// ComputeMetrics derives the ledger statistics. No-fills are counted but never
// enter P&L. ProfitFactor is avg win / avg loss and zero when either side is
// empty; ReturnOnRisk is zero without a drawdown.
func ComputeMetrics(trades []types.Trade, noFills []types.NoFill, window types.Range) Metrics {
	m := Metrics{
		Trades:      len(trades),
		NoFills:     len(noFills),
		TotalPnL:    decimal.Zero,
		AvgTradePnL: decimal.Zero,
		TotalFees:   decimal.Zero,
		MaxDrawdown: decimal.Zero,
	}
	if len(trades) == 0 {
		return m
	}

	ordered := make([]types.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ExitTime.Before(ordered[j].ExitTime) })

	winSum, lossSum := decimal.Zero, decimal.Zero
	equity, peak := decimal.Zero, decimal.Zero
	for _, t := range ordered {
		switch {
		case t.PnL.IsPositive():
			m.Wins++
			winSum = winSum.Add(t.PnL)
		case t.PnL.IsNegative():
			m.Losses++
			lossSum = lossSum.Add(t.PnL.Abs())
		}
		if t.Fallback {
			m.FallbackExits++
		}
		m.TotalFees = m.TotalFees.Add(t.Fees)

		equity = equity.Add(t.PnL)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(m.MaxDrawdown) {
			m.MaxDrawdown = dd
		}
	}

	n := decimal.NewFromInt(int64(len(trades)))
	m.TotalPnL = equity
	m.AvgTradePnL = equity.Div(n).Round(4)
	m.WinRate = round4(float64(m.Wins) / float64(len(trades)) * 100)

	if m.Wins > 0 && m.Losses > 0 {
		avgWin := winSum.Div(decimal.NewFromInt(int64(m.Wins)))
		avgLoss := lossSum.Div(decimal.NewFromInt(int64(m.Losses)))
		m.ProfitFactor = round4(avgWin.Div(avgLoss).InexactFloat64())
	}
	if m.MaxDrawdown.IsPositive() {
		m.ReturnOnRisk = round4(equity.Div(m.MaxDrawdown).InexactFloat64())
	}

	days := window.Duration().Hours() / 24
	m.TradesPerDay = round4(float64(len(trades)) / math.Max(days, 1))
	return m
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
