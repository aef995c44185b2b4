package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"funding-fade/internal/strategy"
)

var (
	// ErrRejected marks a request the venue understood and refused.
	ErrRejected = errors.New("exchange: request rejected")
	// ErrUnknownSymbol is returned when a symbol is not listed in the perp universe.
	ErrUnknownSymbol = errors.New("exchange: unknown symbol")
	// ErrSizeTooSmall is returned when the order size rounds to zero lots.
	ErrSizeTooSmall = errors.New("exchange: order size rounds to zero")
	// ErrNoCredentials is returned by signed actions when no key was loaded.
	ErrNoCredentials = errors.New("exchange: signing key not configured")
)

// IsTransient reports whether err is worth retrying on the next tick.
// Rejections and configuration problems are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrRejected),
		errors.Is(err, ErrUnknownSymbol),
		errors.Is(err, ErrSizeTooSmall),
		errors.Is(err, ErrNoCredentials),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Asset describes one perpetual listed by the venue.
type Asset struct {
	Index       int
	Name        string
	SzDecimals  int32
	MaxLeverage int
}

// Observation is a single market reading for a symbol.
type Observation struct {
	Symbol      string
	MidPrice    decimal.Decimal
	FundingRate decimal.Decimal
	MarkPrice   decimal.Decimal
	OraclePrice decimal.Decimal
	Premium     decimal.Decimal
	MidSource   string
	ObservedAt  time.Time
}

// FundingPoint is one historical funding payment.
type FundingPoint struct {
	Symbol  string
	Rate    decimal.Decimal
	Premium decimal.Decimal
	Time    time.Time
}

// OrderIntent is a market order the loop wants to submit.
type OrderIntent struct {
	ClientOrderID  string
	Symbol         string
	Side           strategy.Side
	NotionalUSD    decimal.Decimal
	Size           decimal.Decimal
	ReferencePrice decimal.Decimal
	Slippage       decimal.Decimal
	Leverage       int
}

// OrderStatus is the terminal state reported for an order intent.
type OrderStatus string

const (
	OrderFilled    OrderStatus = "filled"
	OrderResting   OrderStatus = "resting"
	OrderRejected  OrderStatus = "rejected"
	OrderFailed    OrderStatus = "failed"
	OrderSimulated OrderStatus = "simulated"
)

// OrderResult is what the venue reported back for an order.
type OrderResult struct {
	Status          OrderStatus
	ExchangeOrderID int64
	Size            decimal.Decimal
	LimitPrice      decimal.Decimal
	FilledSize      decimal.Decimal
	AvgPrice        decimal.Decimal
	Error           string
}

// MarketFetcher retrieves the current observation for a symbol.
type MarketFetcher interface {
	FetchObservation(ctx context.Context, symbol string) (Observation, error)
}

// FundingHistoryFetcher retrieves past funding payments.
type FundingHistoryFetcher interface {
	FundingHistory(ctx context.Context, symbol string, from, to time.Time) ([]FundingPoint, error)
}

// OrderExecutor places orders and adjusts account settings.
type OrderExecutor interface {
	UpdateLeverage(ctx context.Context, symbol string, leverage int, cross bool) error
	MarketOrder(ctx context.Context, intent OrderIntent) (OrderResult, error)
}
