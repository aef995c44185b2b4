package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"funding-fade/internal/exchange"
	"funding-fade/internal/service"
)

// Simulate 用给定的资金费率与中间价跑一次完整决策流程, 不访问网络也不下单。
func (a *App) Simulate(ctx context.Context, rate, price decimal.Decimal) (service.Outcome, error) {
	if !price.IsPositive() {
		return service.Outcome{}, errors.New("--price 必须大于 0")
	}

	market := &staticMarketFetcher{rate: rate, price: price}
	executor := exchange.NewPaperExecutor(nil, a.Logger)

	cfg := *a.Config
	cfg.Strategy.DryRun = true
	svc := service.New(&cfg, nil, market, executor, nil, nil, nil, nil, a.Logger)

	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	out, err := svc.Tick(ctx, bucket)
	if err != nil {
		return out, err
	}

	a.printOutcome(out)
	return out, nil
}

func (a *App) printOutcome(out service.Outcome) {
	d := out.Decision
	fmt.Fprintf(a.Out, "symbol:       %s\n", out.Observation.Symbol)
	fmt.Fprintf(a.Out, "funding rate: %s\n", d.FundingRate.String())
	fmt.Fprintf(a.Out, "annualized:   %s%% (threshold %s%%)\n", formatDecimal(d.AnnualizedPct, 2), formatDecimal(d.ThresholdPct, 2))
	fmt.Fprintf(a.Out, "decision:     %s\n", d.Side)
	if out.Skipped != "" {
		fmt.Fprintf(a.Out, "skipped:      %s\n", out.Skipped)
	}
	if out.Intent != nil && out.Result != nil {
		fmt.Fprintf(a.Out, "order:        %s %s @ %s (notional %s USD, %dx, %s)\n",
			out.Intent.Side,
			out.Result.Size.String(),
			out.Result.LimitPrice.String(),
			formatDecimal(out.Intent.NotionalUSD, 2),
			out.Intent.Leverage,
			out.Result.Status,
		)
	}
}

type staticMarketFetcher struct {
	rate  decimal.Decimal
	price decimal.Decimal
}

func (s *staticMarketFetcher) FetchObservation(ctx context.Context, symbol string) (exchange.Observation, error) {
	return exchange.Observation{
		Symbol:      symbol,
		MidPrice:    s.price,
		FundingRate: s.rate,
		MarkPrice:   s.price,
		OraclePrice: s.price,
		MidSource:   "simulated",
		ObservedAt:  time.Now().UTC(),
	}, nil
}

var _ exchange.MarketFetcher = (*staticMarketFetcher)(nil)
