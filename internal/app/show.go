package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"funding-fade/internal/storage"
)

// Show prints recent samples and trades.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	if closeStore != nil {
		defer closeStore()
	}

	samples, err := store.ListRecentSamples(ctx, a.resolveSymbol(opts.Symbol), opts.Limit)
	if err != nil {
		return err
	}
	trades, err := store.ListRecentTrades(ctx, opts.Limit)
	if err != nil {
		return err
	}

	a.renderSamples(samples)
	fmt.Fprintln(a.Out)
	a.renderTrades(trades)
	return nil
}

func (a *App) renderSamples(samples []storage.FundingSample) {
	if len(samples) == 0 {
		fmt.Fprintln(a.Out, "no samples found")
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tMid\tFunding\tAnnualized%\tDecision\tSource\tStatus\tError")

	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = sanitizeInline(*sample.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sample.Bucket.UTC().Format(time.RFC3339),
			sample.Symbol,
			sample.MidPrice.String(),
			sample.FundingRate.String(),
			formatDecimal(sample.AnnualizedPct, 2),
			sample.Decision,
			sample.MidSource,
			sample.Status,
			errMsg,
		)
	}

	writer.Flush()
}

func (a *App) renderTrades(trades []storage.TradeRecord) {
	if len(trades) == 0 {
		fmt.Fprintln(a.Out, "no trades found")
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tSymbol\tSide\tSize\tLimit\tAnnualized%\tStatus\tOID\tError")

	for _, trade := range trades {
		oid := "-"
		if trade.ExchangeOrderID != nil {
			oid = fmt.Sprintf("%d", *trade.ExchangeOrderID)
		}
		errMsg := ""
		if trade.Error != nil {
			errMsg = sanitizeInline(*trade.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			trade.CreatedAt.UTC().Format(time.RFC3339),
			trade.Symbol,
			trade.Side,
			trade.Size.String(),
			trade.LimitPrice.String(),
			formatDecimal(trade.AnnualizedPct, 2),
			trade.Status,
			oid,
			errMsg,
		)
	}

	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
