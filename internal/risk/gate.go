package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - Entry approval before a trade opens
// ═══════════════════════════════════════════════════════════════════════════════
//
// Signal → Gate approves/rejects → Simulator opens
//
// All limits run on event time, never the wall clock, so a replay makes the
// same decisions every run.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Limits are the entry rules. Zero disables MaxPerDay, MaxDailyLoss and
// MaxConsecutiveLosses.
type Limits struct {
	MinConfidence        float64       `mapstructure:"min_confidence"`
	MaxOpen              int           `mapstructure:"max_open"`
	MaxPerDay            int           `mapstructure:"max_per_day"`
	MaxDailyLoss         float64       `mapstructure:"max_daily_loss"`
	MaxConsecutiveLosses int           `mapstructure:"max_consecutive_losses"`
	LossCooldown         time.Duration `mapstructure:"loss_cooldown"`
}

// DefaultLimits: confidence 70, three open trades, no daily caps
func DefaultLimits() Limits {
	return Limits{
		MinConfidence: 70,
		MaxOpen:       3,
		LossCooldown:  30 * time.Minute,
	}
}

// Request asks to open a trade
type Request struct {
	Instrument string
	MarketID   string
	Confidence float64
	Time       time.Time
}

// Approval is the gate's answer. An approved request holds a slot until
// Release or RecordExit.
type Approval struct {
	Approved bool
	Reason   string
}

// Gate tracks open trades and daily counters
type Gate struct {
	mu     sync.RWMutex
	limits Limits

	open       map[string]int // instrument -> open or pending trades
	openTotal  int
	day        string
	dayTrades  int
	dayPnL     decimal.Decimal
	consecLoss int
	pausedTill time.Time
}

// NewGate creates a gate
func NewGate(limits Limits) *Gate {
	return &Gate{
		limits: limits,
		open:   make(map[string]int),
		dayPnL: decimal.Zero,
	}
}

// CanEnter checks req against every limit and reserves a slot on approval
func (g *Gate) CanEnter(req Request) Approval {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDay(req.Time)

	reject := func(format string, args ...interface{}) Approval {
		msg := fmt.Sprintf(format, args...)
		log.Debug().
			Str("instrument", req.Instrument).
			Str("market", req.MarketID).
			Str("reason", msg).
			Msg("🚫 Entry rejected")
		return Approval{Reason: msg}
	}

	if req.Confidence < g.limits.MinConfidence {
		return reject("confidence %.1f below %.1f", req.Confidence, g.limits.MinConfidence)
	}
	if g.limits.MaxOpen > 0 && g.openTotal >= g.limits.MaxOpen {
		return reject("%d trades already open", g.openTotal)
	}
	if g.limits.MaxPerDay > 0 && g.dayTrades >= g.limits.MaxPerDay {
		return reject("daily cap of %d trades reached", g.limits.MaxPerDay)
	}
	if g.limits.MaxDailyLoss > 0 && g.dayPnL.LessThanOrEqual(decimal.NewFromFloat(-g.limits.MaxDailyLoss)) {
		return reject("daily loss %s at limit", g.dayPnL.StringFixed(2))
	}
	if req.Time.Before(g.pausedTill) {
		return reject("paused after %d consecutive losses", g.consecLoss)
	}

	g.open[req.Instrument]++
	g.openTotal++
	g.dayTrades++
	return Approval{Approved: true}
}

// Release returns a reserved slot for a trade that never filled
func (g *Gate) Release(instrument string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.release(instrument)
}

// RecordExit frees the trade's slot and books its P&L on the exit day
func (g *Gate) RecordExit(instrument string, pnl decimal.Decimal, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.release(instrument)
	g.rollDay(at)
	g.dayPnL = g.dayPnL.Add(pnl)

	if !pnl.IsNegative() {
		g.consecLoss = 0
		return
	}
	g.consecLoss++
	if g.limits.MaxConsecutiveLosses > 0 && g.consecLoss >= g.limits.MaxConsecutiveLosses {
		g.pausedTill = at.Add(g.limits.LossCooldown)
		log.Warn().
			Int("consecutive_losses", g.consecLoss).
			Time("until", g.pausedTill).
			Msg("🛑 Entries paused")
		g.consecLoss = 0
	}
}

// HasOpenPosition reports an open or pending trade on instrument
func (g *Gate) HasOpenPosition(instrument string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.open[instrument] > 0
}

// Open returns the number of open or pending trades
func (g *Gate) Open() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.openTotal
}

// GetStats returns current risk state
func (g *Gate) GetStats() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]interface{}{
		"open":               g.openTotal,
		"day":                g.day,
		"day_trades":         g.dayTrades,
		"day_pnl":            g.dayPnL.StringFixed(2),
		"consecutive_losses": g.consecLoss,
		"paused_till":        g.pausedTill,
	}
}

func (g *Gate) release(instrument string) {
	if g.open[instrument] == 0 {
		return
	}
	g.open[instrument]--
	if g.open[instrument] == 0 {
		delete(g.open, instrument)
	}
	g.openTotal--
}

// rollDay resets the daily counters when t falls on a new UTC day
func (g *Gate) rollDay(t time.Time) {
	day := t.UTC().Format("2006-01-02")
	if day == g.day {
		return
	}
	if g.day != "" && day < g.day {
		return
	}
	g.day = day
	g.dayTrades = 0
	g.dayPnL = decimal.Zero
}
