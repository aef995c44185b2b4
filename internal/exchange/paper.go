package exchange

import (
	"context"

	"github.com/rs/zerolog"
)

// AssetLookup resolves venue metadata for a symbol.
type AssetLookup interface {
	Asset(ctx context.Context, symbol string) (Asset, error)
}

// PaperExecutor prices orders like the live client but never submits them.
type PaperExecutor struct {
	assets AssetLookup
	logger zerolog.Logger
}

// NewPaperExecutor builds a paper executor. With a nil lookup sizes are left
// unrounded and prices use the coarsest tick rules.
func NewPaperExecutor(assets AssetLookup, logger zerolog.Logger) *PaperExecutor {
	return &PaperExecutor{
		assets: assets,
		logger: logger.With().Str("component", "paper_executor").Logger(),
	}
}

// UpdateLeverage only logs.
func (p *PaperExecutor) UpdateLeverage(_ context.Context, symbol string, leverage int, cross bool) error {
	p.logger.Info().Str("symbol", symbol).Int("leverage", leverage).Bool("cross", cross).Msg("dry-run: leverage not changed")
	return nil
}

// MarketOrder returns a simulated result carrying the size and limit price
// the live client would have sent.
func (p *PaperExecutor) MarketOrder(ctx context.Context, intent OrderIntent) (OrderResult, error) {
	size := intent.Size
	var szDecimals int32
	if p.assets != nil {
		asset, err := p.assets.Asset(ctx, intent.Symbol)
		if err != nil {
			return OrderResult{Status: OrderFailed, Error: err.Error()}, err
		}
		szDecimals = asset.SzDecimals
		size = RoundSize(size, szDecimals)
	}

	result := OrderResult{
		Status:     OrderSimulated,
		Size:       size,
		LimitPrice: SlippagePrice(intent.ReferencePrice, intent.Side.IsBuy(), intent.Slippage, szDecimals),
	}

	p.logger.Info().Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Str("size", result.Size.String()).
		Str("limit_px", result.LimitPrice.String()).
		Str("cloid", intent.ClientOrderID).
		Msg("dry-run: order not submitted")
	return result, nil
}

var _ OrderExecutor = (*PaperExecutor)(nil)
