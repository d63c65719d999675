package replay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/malekhnovich/kalshi-arb/internal/arbitrage"
	"github.com/malekhnovich/kalshi-arb/internal/market"
	"github.com/malekhnovich/kalshi-arb/internal/risk"
)

var ErrInvalidConfig = errors.New("invalid replay config")

// SettlementFallback decides how a trade closes when its market expires
// inside the holding window and the dataset has no settlement record
type SettlementFallback string

const (
	// FallbackMarkToMarket closes at the last traded price before expiry
	FallbackMarkToMarket SettlementFallback = "mark_to_market"
	// FallbackMomentum settles on spot versus strike at expiry
	FallbackMomentum SettlementFallback = "momentum"
	// FallbackSkip leaves the trade unresolved and out of the ledger
	FallbackSkip SettlementFallback = "skip"
)

// Execution models fills. Prices are in cents, the stake in dollars.
type Execution struct {
	Stake           float64       `mapstructure:"stake" json:"stake"`
	FillProbability float64       `mapstructure:"fill_probability" json:"fill_probability"`
	MinFillFraction float64       `mapstructure:"min_fill_fraction" json:"min_fill_fraction"`
	MaxSlippage     float64       `mapstructure:"max_slippage" json:"max_slippage"`
	FeePerContract  float64       `mapstructure:"fee_per_contract" json:"fee_per_contract"`
	HoldDuration    time.Duration `mapstructure:"hold_duration" json:"hold_duration"`
	Seed            int64         `mapstructure:"seed" json:"seed"`
}

// Config is one replay run: strategy, window sizes, risk limits and execution
type Config struct {
	Strategy  arbitrage.StrategyConfig `mapstructure:"strategy" json:"strategy"`
	Window    market.Config            `mapstructure:"window" json:"window"`
	Risk      risk.Limits              `mapstructure:"risk" json:"risk"`
	Execution Execution                `mapstructure:"execution" json:"execution"`
	Fallback  SettlementFallback       `mapstructure:"settlement_fallback" json:"settlement_fallback"`
}

// DefaultExecution: $100 stake, 95% fills, up to 1¢ slippage, 1¢ fee, 15m hold
func DefaultExecution() Execution {
	return Execution{
		Stake:           100,
		FillProbability: 0.95,
		MinFillFraction: 0.5,
		MaxSlippage:     1,
		FeePerContract:  1,
		HoldDuration:    15 * time.Minute,
		Seed:            1,
	}
}

// DefaultConfig combines every package default
func DefaultConfig() Config {
	return Config{
		Strategy:  arbitrage.DefaultStrategyConfig(),
		Window:    market.DefaultConfig(),
		Risk:      risk.DefaultLimits(),
		Execution: DefaultExecution(),
		Fallback:  FallbackMarkToMarket,
	}
}

// Validate checks the execution and fallback settings, then the strategy
func (c Config) Validate() error {
	var problems []string
	e := c.Execution
	if e.Stake <= 0 {
		problems = append(problems, "stake must be positive")
	}
	if e.FillProbability < 0 || e.FillProbability > 1 {
		problems = append(problems, fmt.Sprintf("fill_probability %.3f outside [0,1]", e.FillProbability))
	}
	if e.MinFillFraction <= 0 || e.MinFillFraction > 1 {
		problems = append(problems, fmt.Sprintf("min_fill_fraction %.3f outside (0,1]", e.MinFillFraction))
	}
	if e.MaxSlippage < 0 || e.FeePerContract < 0 {
		problems = append(problems, "slippage and fee must not be negative")
	}
	if e.HoldDuration <= 0 {
		problems = append(problems, "hold_duration must be positive")
	}
	switch c.Fallback {
	case FallbackMarkToMarket, FallbackMomentum, FallbackSkip:
	default:
		problems = append(problems, fmt.Sprintf("unknown settlement_fallback %q", c.Fallback))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return c.Strategy.Validate()
}
