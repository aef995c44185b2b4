package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// fundingHistory pages are capped server side.
const fundingHistoryPageSize = 500

type infoRequest struct {
	Type      string `json:"type"`
	Coin      string `json:"coin,omitempty"`
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
}

type universeResponse struct {
	Universe []struct {
		Name        string `json:"name"`
		SzDecimals  int32  `json:"szDecimals"`
		MaxLeverage int    `json:"maxLeverage"`
	} `json:"universe"`
}

type assetContext struct {
	Funding      decimal.Decimal     `json:"funding"`
	MarkPx       decimal.Decimal     `json:"markPx"`
	OraclePx     decimal.Decimal     `json:"oraclePx"`
	MidPx        decimal.NullDecimal `json:"midPx"`
	Premium      decimal.NullDecimal `json:"premium"`
	OpenInterest decimal.Decimal     `json:"openInterest"`
}

type fundingHistoryEntry struct {
	Coin        string          `json:"coin"`
	FundingRate decimal.Decimal `json:"fundingRate"`
	Premium     decimal.Decimal `json:"premium"`
	Time        int64           `json:"time"`
}

func (u universeResponse) assets() []Asset {
	assets := make([]Asset, 0, len(u.Universe))
	for i, entry := range u.Universe {
		assets = append(assets, Asset{
			Index:       i,
			Name:        entry.Name,
			SzDecimals:  entry.SzDecimals,
			MaxLeverage: entry.MaxLeverage,
		})
	}
	return assets
}

// Universe lists the perpetuals the venue trades.
func (c *Client) Universe(ctx context.Context) ([]Asset, error) {
	var res universeResponse
	if err := c.post(ctx, infoPath, infoRequest{Type: "meta"}, &res); err != nil {
		return nil, fmt.Errorf("fetch meta: %w", err)
	}
	assets := res.assets()
	c.cacheAssets(assets)
	return assets, nil
}

// Mids returns the current mid price of every listed symbol.
func (c *Client) Mids(ctx context.Context) (map[string]decimal.Decimal, error) {
	raw := make(map[string]string)
	if err := c.post(ctx, infoPath, infoRequest{Type: "allMids"}, &raw); err != nil {
		return nil, fmt.Errorf("fetch all mids: %w", err)
	}
	return parseMids(raw)
}

func parseMids(raw map[string]string) (map[string]decimal.Decimal, error) {
	mids := make(map[string]decimal.Decimal, len(raw))
	for sym, px := range raw {
		value, err := decimal.NewFromString(px)
		if err != nil {
			return nil, fmt.Errorf("parse mid for %s: %w", sym, err)
		}
		mids[sym] = value
	}
	return mids, nil
}

// AssetContext pairs an asset with its live funding context.
type AssetContext struct {
	Asset        Asset
	Funding      decimal.Decimal
	MarkPrice    decimal.Decimal
	OraclePrice  decimal.Decimal
	MidPrice     decimal.NullDecimal
	Premium      decimal.Decimal
	OpenInterest decimal.Decimal
}

// AssetContexts returns funding, mark and oracle data for every perpetual.
func (c *Client) AssetContexts(ctx context.Context) (map[string]AssetContext, error) {
	var parts []json.RawMessage
	if err := c.post(ctx, infoPath, infoRequest{Type: "metaAndAssetCtxs"}, &parts); err != nil {
		return nil, fmt.Errorf("fetch asset contexts: %w", err)
	}
	if len(parts) != 2 {
		return nil, fmt.Errorf("unexpected metaAndAssetCtxs response with %d parts", len(parts))
	}

	var meta universeResponse
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	var ctxs []assetContext
	if err := json.Unmarshal(parts[1], &ctxs); err != nil {
		return nil, fmt.Errorf("decode asset contexts: %w", err)
	}

	assets := meta.assets()
	if len(ctxs) != len(assets) {
		return nil, fmt.Errorf("universe has %d assets but %d contexts", len(assets), len(ctxs))
	}
	c.cacheAssets(assets)

	result := make(map[string]AssetContext, len(assets))
	for i, asset := range assets {
		raw := ctxs[i]
		entry := AssetContext{
			Asset:        asset,
			Funding:      raw.Funding,
			MarkPrice:    raw.MarkPx,
			OraclePrice:  raw.OraclePx,
			MidPrice:     raw.MidPx,
			OpenInterest: raw.OpenInterest,
		}
		if raw.Premium.Valid {
			entry.Premium = raw.Premium.Decimal
		}
		result[asset.Name] = entry
	}
	return result, nil
}

// FetchObservation combines the funding context and the freshest mid for symbol.
func (c *Client) FetchObservation(ctx context.Context, symbol string) (Observation, error) {
	ctxs, err := c.AssetContexts(ctx)
	if err != nil {
		return Observation{}, err
	}
	assetCtx, ok := ctxs[symbol]
	if !ok {
		return Observation{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	obs := Observation{
		Symbol:      symbol,
		FundingRate: assetCtx.Funding,
		MarkPrice:   assetCtx.MarkPrice,
		OraclePrice: assetCtx.OraclePrice,
		Premium:     assetCtx.Premium,
		ObservedAt:  time.Now().UTC(),
	}

	mid, source, err := c.resolveMid(ctx, symbol, assetCtx)
	if err != nil {
		return Observation{}, err
	}
	obs.MidPrice = mid
	obs.MidSource = source
	return obs, nil
}

func (c *Client) resolveMid(ctx context.Context, symbol string, assetCtx AssetContext) (decimal.Decimal, string, error) {
	if c.opts.Stream != nil {
		if mid, ok := c.opts.Stream.Mid(symbol); ok {
			return mid, "stream", nil
		}
	}

	mids, err := c.Mids(ctx)
	if err == nil {
		if mid, ok := mids[symbol]; ok && mid.IsPositive() {
			return mid, "all_mids", nil
		}
	} else {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("allMids unavailable, falling back to asset context")
	}

	if assetCtx.MidPrice.Valid && assetCtx.MidPrice.Decimal.IsPositive() {
		return assetCtx.MidPrice.Decimal, "asset_ctx_mid", nil
	}
	if assetCtx.MarkPrice.IsPositive() {
		return assetCtx.MarkPrice, "mark", nil
	}
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	return decimal.Decimal{}, "", fmt.Errorf("no mid price available for %s", symbol)
}

// FundingHistory pages through historical funding payments in [from, to).
func (c *Client) FundingHistory(ctx context.Context, symbol string, from, to time.Time) ([]FundingPoint, error) {
	if !from.Before(to) {
		return nil, errors.New("funding history range is empty")
	}

	start := from.UnixMilli()
	end := to.UnixMilli()
	points := make([]FundingPoint, 0)

	for start < end {
		var page []fundingHistoryEntry
		req := infoRequest{Type: "fundingHistory", Coin: symbol, StartTime: start, EndTime: end}
		if err := c.post(ctx, infoPath, req, &page); err != nil {
			return nil, fmt.Errorf("fetch funding history: %w", err)
		}
		if len(page) == 0 {
			break
		}

		last := start
		for _, entry := range page {
			if entry.Time >= end {
				continue
			}
			points = append(points, FundingPoint{
				Symbol:  symbol,
				Rate:    entry.FundingRate,
				Premium: entry.Premium,
				Time:    time.UnixMilli(entry.Time).UTC(),
			})
			if entry.Time > last {
				last = entry.Time
			}
		}

		if len(page) < fundingHistoryPageSize || last <= start {
			break
		}
		start = last + 1
	}

	return points, nil
}
