package replay

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/malekhnovich/kalshi-arb/internal/risk"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION SIMULATOR - Fills, exits and the trade ledger
// ═══════════════════════════════════════════════════════════════════════════════
//
// Signal → risk gate → pending until the market's next trade → open → exit
//
// Exits happen at the earlier of the hold deadline and the market's
// settlement. Nothing here reads the wall clock.
//
// ═══════════════════════════════════════════════════════════════════════════════

var idSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("kalshi-arb/replay"))

var (
	hundred = decimal.NewFromInt(100)
	minTick = decimal.NewFromInt(1)
	maxTick = decimal.NewFromInt(99)
)

type pendingEntry struct {
	sig types.Signal
	seq int
}

type position struct {
	trade    types.Trade
	seq      int
	deadline time.Time
	expiry   time.Time
	strike   float64
}

// Simulator owns every trade for one replay run. Not safe for concurrent use.
type Simulator struct {
	exec     Execution
	fallback SettlementFallback
	rng      *rand.Rand
	sizer    *risk.Sizer
	gate     *risk.Gate

	markets  map[string]types.Market
	settled  map[string]bool
	lastOdds map[string]types.OddsSample
	lastSpot map[string]types.PriceSample

	pending    map[string][]pendingEntry
	open       []*position
	trades     []types.Trade
	noFills    []types.NoFill
	unresolved []types.Trade
	seq        int
}

// NewSimulator creates a simulator. settlements only marks which markets have
// a settlement record; the records themselves arrive through OnSettlement.
func NewSimulator(exec Execution, fallback SettlementFallback, gate *risk.Gate, markets []types.Market, settlements []types.Settlement) *Simulator {
	s := &Simulator{
		exec:     exec,
		fallback: fallback,
		rng:      rand.New(rand.NewSource(exec.Seed)),
		sizer:    risk.NewSizer(decimal.NewFromFloat(exec.Stake)),
		gate:     gate,
		markets:  make(map[string]types.Market),
		settled:  make(map[string]bool),
		lastOdds: make(map[string]types.OddsSample),
		lastSpot: make(map[string]types.PriceSample),
		pending:  make(map[string][]pendingEntry),
	}
	for _, m := range markets {
		s.markets[m.ID] = m
	}
	for _, st := range settlements {
		s.settled[st.MarketID] = true
	}
	return s
}

// Enter queues sig for a fill at its market's next trade. It returns false
// when the risk gate rejects the entry.
func (s *Simulator) Enter(sig types.Signal) bool {
	a := s.gate.CanEnter(risk.Request{
		Instrument: sig.Instrument,
		MarketID:   sig.MarketID,
		Confidence: sig.Confidence,
		Time:       sig.Timestamp,
	})
	if !a.Approved {
		return false
	}
	s.seq++
	s.pending[sig.MarketID] = append(s.pending[sig.MarketID], pendingEntry{sig: sig, seq: s.seq})
	return true
}

// OnPrice records the latest spot per instrument
func (s *Simulator) OnPrice(p types.PriceSample) {
	s.lastSpot[p.Instrument] = p
}

// OnOdds fills the market's pending entries at this trade, then records it
func (s *Simulator) OnOdds(o types.OddsSample) {
	m, ok := s.markets[o.MarketID]
	if !ok {
		m = types.Market{ID: o.MarketID, Instrument: o.Instrument, Strike: o.Strike, Expiry: o.Expiry}
		s.markets[o.MarketID] = m
	}

	queue := s.pending[o.MarketID]
	delete(s.pending, o.MarketID)
	for _, p := range queue {
		s.fill(p, o, m)
	}
	s.lastOdds[o.MarketID] = o
}

// OnSettlement closes the market's open trades at 0 or 100
func (s *Simulator) OnSettlement(st types.Settlement) {
	for _, p := range s.pending[st.MarketID] {
		s.miss(p, st.Timestamp, types.NoFillNoPrice)
	}
	delete(s.pending, st.MarketID)

	kept := s.open[:0]
	var closing []*position
	for _, p := range s.open {
		if p.trade.MarketID == st.MarketID {
			closing = append(closing, p)
			continue
		}
		kept = append(kept, p)
	}
	s.open = kept

	for _, p := range closing {
		at := st.Timestamp
		if at.Before(p.trade.EntryTime) {
			at = p.trade.EntryTime
		}
		s.close(p, at, decimal.NewFromFloat(st.Price(p.trade.Direction)), types.ExitSettlement, false, false)
	}
}

// Advance resolves everything due strictly before t. Call it before handling
// an event at t.
func (s *Simulator) Advance(t time.Time) {
	s.expirePending(t)
	s.resolve(func(at time.Time) bool { return at.Before(t) })
}

// Finish resolves what is due by end and leaves the rest unresolved
func (s *Simulator) Finish(end time.Time) {
	s.resolve(func(at time.Time) bool { return !at.After(end) })

	for _, p := range s.open {
		s.gate.Release(p.trade.Instrument)
		s.unresolved = append(s.unresolved, p.trade)
	}
	s.open = nil

	var missed []pendingEntry
	for _, q := range s.pending {
		missed = append(missed, q...)
	}
	s.pending = make(map[string][]pendingEntry)
	s.missAll(missed, end)
}

// Trades is the closed-trade ledger in exit order
func (s *Simulator) Trades() []types.Trade { return s.trades }

// NoFills lists accepted signals that never became trades
func (s *Simulator) NoFills() []types.NoFill { return s.noFills }

// Unresolved lists trades still open when the data ran out
func (s *Simulator) Unresolved() []types.Trade { return s.unresolved }

// OpenCount returns open plus pending trades
func (s *Simulator) OpenCount() int {
	n := len(s.open)
	for _, q := range s.pending {
		n += len(q)
	}
	return n
}

func (s *Simulator) fill(p pendingEntry, o types.OddsSample, m types.Market) {
	// always draw three numbers so outcomes never shift the sequence
	u1, u2, u3 := s.rng.Float64(), s.rng.Float64(), s.rng.Float64()

	expiry := marketExpiry(m, o)
	side := sidePrice(o, p.sig.Direction)
	switch {
	case !expiry.IsZero() && !o.Timestamp.Before(expiry):
		s.miss(p, o.Timestamp, types.NoFillNoPrice)
		return
	case side <= 0 || side >= 100 || o.Volume <= 0:
		s.miss(p, o.Timestamp, types.NoFillNoLiquidity)
		return
	case u1 >= s.exec.FillProbability:
		s.miss(p, o.Timestamp, types.NoFillMissed)
		return
	}

	quoted := decimal.NewFromFloat(side)
	entry := quoted.Add(decimal.NewFromFloat(u3 * s.exec.MaxSlippage).Round(2))
	if entry.LessThan(minTick) {
		entry = minTick
	}
	if entry.GreaterThan(maxTick) {
		entry = maxTick
	}

	frac := s.exec.MinFillFraction + u2*(1-s.exec.MinFillFraction)
	size := int64(float64(s.sizer.Contracts(entry)) * frac)
	if size > o.Volume {
		size = o.Volume
	}
	if size <= 0 {
		s.miss(p, o.Timestamp, types.NoFillZeroQuantity)
		return
	}

	n := decimal.NewFromInt(size)
	// the 99¢ cap can land below a quote past it
	slippage := decimal.Max(decimal.Zero, entry.Sub(quoted)).Mul(n).Div(hundred)
	strike := m.Strike
	if strike == 0 {
		strike = o.Strike
	}
	pos := &position{
		seq:      p.seq,
		deadline: o.Timestamp.Add(s.exec.HoldDuration),
		expiry:   expiry,
		strike:   strike,
		trade: types.Trade{
			ID:         tradeID(p.sig, p.seq),
			Instrument: p.sig.Instrument,
			MarketID:   p.sig.MarketID,
			Direction:  p.sig.Direction,
			Confidence: p.sig.Confidence,
			SignalTime: p.sig.Timestamp,
			EntryTime:  o.Timestamp,
			EntryPrice: entry,
			Size:       size,
			Fees:       s.fee(size),
			Slippage:   slippage,
		},
	}
	s.open = append(s.open, pos)

	log.Debug().
		Str("id", pos.trade.ID).
		Str("market", pos.trade.MarketID).
		Str("direction", string(pos.trade.Direction)).
		Str("entry", entry.StringFixed(2)).
		Int64("size", size).
		Msg("📥 Simulated fill")
}

func (s *Simulator) miss(p pendingEntry, at time.Time, reason string) {
	s.gate.Release(p.sig.Instrument)
	s.noFills = append(s.noFills, types.NoFill{
		ID:         tradeID(p.sig, p.seq),
		Instrument: p.sig.Instrument,
		MarketID:   p.sig.MarketID,
		Direction:  p.sig.Direction,
		SignalTime: p.sig.Timestamp,
		Time:       at,
		Reason:     reason,
	})
}

// exitPoint is when a position resolves and whether the settlement fallback
// applies there
func (s *Simulator) exitPoint(p *position) (time.Time, bool) {
	if !s.settled[p.trade.MarketID] && !p.expiry.IsZero() && !p.expiry.After(p.deadline) {
		return p.expiry, true
	}
	return p.deadline, false
}

func (s *Simulator) resolve(due func(time.Time) bool) {
	type closing struct {
		p        *position
		at       time.Time
		fallback bool
	}
	var out []closing
	kept := s.open[:0]
	for _, p := range s.open {
		at, fb := s.exitPoint(p)
		if due(at) {
			out = append(out, closing{p, at, fb})
			continue
		}
		kept = append(kept, p)
	}
	s.open = kept

	sort.SliceStable(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	for _, c := range out {
		if !c.fallback {
			s.close(c.p, c.at, s.markPrice(c.p), types.ExitTime, false, true)
			continue
		}
		switch s.fallback {
		case FallbackSkip:
			s.gate.Release(c.p.trade.Instrument)
			s.unresolved = append(s.unresolved, c.p.trade)
		case FallbackMomentum:
			price, ok := s.momentumPrice(c.p)
			if !ok {
				price = s.markPrice(c.p)
			}
			s.close(c.p, c.at, price, types.ExitSettlement, true, false)
		default:
			s.close(c.p, c.at, s.markPrice(c.p), types.ExitSettlement, true, false)
		}
	}
}

// expirePending drops entries whose market stopped trading by t
func (s *Simulator) expirePending(t time.Time) {
	var missed []pendingEntry
	for id, q := range s.pending {
		expiry := s.markets[id].Expiry
		if expiry.IsZero() || t.Before(expiry) {
			continue
		}
		missed = append(missed, q...)
		delete(s.pending, id)
	}
	s.missAll(missed, t)
}

func (s *Simulator) missAll(missed []pendingEntry, at time.Time) {
	sort.Slice(missed, func(i, j int) bool { return missed[i].seq < missed[j].seq })
	for _, p := range missed {
		s.miss(p, at, types.NoFillNoPrice)
	}
}

func (s *Simulator) close(p *position, at time.Time, exit decimal.Decimal, reason types.ExitReason, fallback, exitFee bool) {
	t := p.trade
	t.ExitTime = at
	t.ExitPrice = exit
	t.ExitReason = reason
	t.Fallback = fallback
	if exitFee {
		t.Fees = t.Fees.Add(s.fee(t.Size))
	}
	t.PnL = exit.Sub(t.EntryPrice).Mul(decimal.NewFromInt(t.Size)).Div(hundred).Sub(t.Fees)

	s.gate.RecordExit(t.Instrument, t.PnL, at)
	s.trades = append(s.trades, t)

	log.Debug().
		Str("id", t.ID).
		Str("market", t.MarketID).
		Str("reason", string(reason)).
		Bool("fallback", fallback).
		Str("exit", exit.StringFixed(2)).
		Str("pnl", t.PnL.StringFixed(2)).
		Msg("📤 Simulated exit")
}

// markPrice is the position side's last traded price
func (s *Simulator) markPrice(p *position) decimal.Decimal {
	o, ok := s.lastOdds[p.trade.MarketID]
	if !ok {
		return p.trade.EntryPrice
	}
	return decimal.NewFromFloat(sidePrice(o, p.trade.Direction))
}

// momentumPrice settles on the last spot against the strike
func (s *Simulator) momentumPrice(p *position) (decimal.Decimal, bool) {
	spot, ok := s.lastSpot[p.trade.Instrument]
	if !ok || p.strike <= 0 || spot.Close <= 0 {
		return decimal.Zero, false
	}
	outcome := types.OutcomeNo
	if spot.Close > p.strike {
		outcome = types.OutcomeYes
	}
	st := types.Settlement{MarketID: p.trade.MarketID, Outcome: outcome}
	return decimal.NewFromFloat(st.Price(p.trade.Direction)), true
}

// fee is the per-contract fee in dollars
func (s *Simulator) fee(size int64) decimal.Decimal {
	return decimal.NewFromFloat(s.exec.FeePerContract).Mul(decimal.NewFromInt(size)).Div(hundred)
}

func sidePrice(o types.OddsSample, dir types.Direction) float64 {
	if dir != types.Down {
		return o.YesPrice
	}
	if o.NoPrice > 0 {
		return o.NoPrice
	}
	return 100 - o.YesPrice
}

func marketExpiry(m types.Market, o types.OddsSample) time.Time {
	if !m.Expiry.IsZero() {
		return m.Expiry
	}
	return o.Expiry
}

func tradeID(sig types.Signal, seq int) string {
	key := fmt.Sprintf("%s|%s|%s|%d", sig.Instrument, sig.MarketID, sig.Timestamp.UTC().Format(time.RFC3339Nano), seq)
	return uuid.NewSHA1(idSpace, []byte(key)).String()
}
