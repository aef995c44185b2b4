package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sample statuses.
const (
	SampleComplete   = "complete"
	SampleBackfilled = "backfilled"
)

// FundingSample is one persisted funding observation.
type FundingSample struct {
	Bucket        time.Time
	Symbol        string
	MidPrice      decimal.Decimal
	FundingRate   decimal.Decimal
	AnnualizedPct decimal.Decimal
	MarkPrice     decimal.Decimal
	OraclePrice   decimal.Decimal
	Premium       decimal.Decimal
	MidSource     string
	Decision      string
	Status        string
	Error         *string
	CreatedAt     time.Time
}

// TradeRecord captures an order intent and what the venue reported.
type TradeRecord struct {
	ID              int64
	ClientOrderID   string
	Bucket          time.Time
	Symbol          string
	Side            string
	NotionalUSD     decimal.Decimal
	Size            decimal.Decimal
	ReferencePrice  decimal.Decimal
	LimitPrice      decimal.Decimal
	Leverage        int
	AnnualizedPct   decimal.Decimal
	Status          string
	ExchangeOrderID *int64
	FilledSize      decimal.Decimal
	AvgPrice        decimal.Decimal
	Error           *string
	CreatedAt       time.Time
}
