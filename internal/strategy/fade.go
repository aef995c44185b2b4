package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPrice is returned when sizing against a non-positive price.
	ErrInvalidPrice = errors.New("strategy: price must be greater than zero")
	// ErrInvalidNotional is returned when the configured notional is not positive.
	ErrInvalidNotional = errors.New("strategy: notional must be greater than zero")
)

var hundred = decimal.NewFromInt(100)

// HourlyPeriodsPerYear is the number of hourly funding payments in a year.
const HourlyPeriodsPerYear = 365 * 24

// Side is the direction of an order intent.
type Side string

const (
	SideNone  Side = "none"
	SideLong  Side = "long"
	SideShort Side = "short"
)

// IsBuy reports whether the side opens with a buy.
func (s Side) IsBuy() bool {
	return s == SideLong
}

// Params holds the fixed inputs of the fade heuristic.
type Params struct {
	PeriodsPerYear int64
	ThresholdPct   decimal.Decimal
	NotionalUSD    decimal.Decimal
	Leverage       int
	Slippage       decimal.Decimal
}

// Validate checks the parameters before the loop starts.
func (p Params) Validate() error {
	if p.PeriodsPerYear <= 0 {
		return fmt.Errorf("periods per year must be greater than zero")
	}
	if p.ThresholdPct.IsNegative() {
		return fmt.Errorf("threshold pct cannot be negative")
	}
	if !p.NotionalUSD.IsPositive() {
		return ErrInvalidNotional
	}
	if p.Leverage < 1 {
		return fmt.Errorf("leverage must be at least 1")
	}
	if p.Slippage.IsNegative() || p.Slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("slippage must be within [0, 1)")
	}
	return nil
}

// Decision is the outcome of evaluating one funding reading.
type Decision struct {
	FundingRate   decimal.Decimal
	AnnualizedPct decimal.Decimal
	ThresholdPct  decimal.Decimal
	Side          Side
}

// Triggered reports whether the decision asks for a trade.
func (d Decision) Triggered() bool {
	return d.Side != SideNone
}

// Annualize extrapolates a per-period funding rate to a yearly percentage.
func Annualize(rate decimal.Decimal, periodsPerYear int64) decimal.Decimal {
	return rate.Mul(decimal.NewFromInt(periodsPerYear)).Mul(hundred)
}

// Decide fades extreme funding: longs paying above the threshold opens a
// short, shorts paying beyond the negative threshold opens a long.
func Decide(rate decimal.Decimal, periodsPerYear int64, thresholdPct decimal.Decimal) Decision {
	annualized := Annualize(rate, periodsPerYear)
	d := Decision{
		FundingRate:   rate,
		AnnualizedPct: annualized,
		ThresholdPct:  thresholdPct,
		Side:          SideNone,
	}
	switch {
	case annualized.GreaterThan(thresholdPct):
		d.Side = SideShort
	case annualized.LessThan(thresholdPct.Neg()):
		d.Side = SideLong
	}
	return d
}

// OrderSize converts a USD notional into base units at the given price.
func OrderSize(notional, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Decimal{}, ErrInvalidPrice
	}
	if !notional.IsPositive() {
		return decimal.Decimal{}, ErrInvalidNotional
	}
	return notional.Div(price), nil
}

// Evaluate runs Decide with the configured parameters.
func (p Params) Evaluate(rate decimal.Decimal) Decision {
	return Decide(rate, p.PeriodsPerYear, p.ThresholdPct)
}
