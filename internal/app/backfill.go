package app

import (
	"context"
	"errors"

	"funding-fade/internal/exchange"
	"funding-fade/internal/storage"
	"funding-fade/internal/strategy"
)

// Backfill loads historical funding payments and stores them as samples with
// the decision the loop would have taken. It never trades.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	from := opts.From.UTC()
	to := opts.To.UTC()
	if !from.Before(to) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}
	symbol := a.resolveSymbol(opts.Symbol)

	var store *storage.Store
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	} else {
		s, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if s == nil {
			return errors.New("database.dsn 未配置，无法回填")
		}
		if closeStore != nil {
			defer closeStore()
		}
		store = s
	}

	client, _, err := a.newClient(false)
	if err != nil {
		return err
	}

	points, err := client.FundingHistory(ctx, symbol, from, to)
	if err != nil {
		return err
	}

	samples := samplesFromFunding(points, a.Config.Strategy.Params())

	triggered := 0
	for _, sample := range samples {
		if sample.Decision != string(strategy.SideNone) {
			triggered++
		}
	}

	if store == nil {
		a.Logger.Info().Int("fetched", len(samples)).Int("would_trigger", triggered).Msg("回填 dry-run 完成")
		return nil
	}

	processed := 0
	failed := 0
	for _, sample := range samples {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := store.UpsertSample(ctx, sample); err != nil {
			failed++
			a.Logger.Error().Err(err).Time("bucket", sample.Bucket).Msg("回填失败")
			continue
		}
		processed++
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Int("would_trigger", triggered).Msg("回填完成")
	if failed > 0 {
		return errors.New("部分样本回填失败，请检查日志")
	}
	return nil
}

// samplesFromFunding evaluates each historical rate with params. Mid prices
// are not part of the funding history and stay zero.
func samplesFromFunding(points []exchange.FundingPoint, params strategy.Params) []storage.FundingSample {
	samples := make([]storage.FundingSample, 0, len(points))
	for _, point := range points {
		decision := params.Evaluate(point.Rate)
		samples = append(samples, storage.FundingSample{
			Bucket:        point.Time.UTC(),
			Symbol:        point.Symbol,
			FundingRate:   point.Rate,
			AnnualizedPct: decision.AnnualizedPct,
			Premium:       point.Premium,
			MidSource:     "funding_history",
			Decision:      string(decision.Side),
			Status:        storage.SampleBackfilled,
		})
	}
	return samples
}
