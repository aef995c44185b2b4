package exchange

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxPriceDecimals = 6
	priceSigFigs     = 5
)

type limitWire struct {
	Tif string `msgpack:"tif" json:"tif"`
}

type orderTypeWire struct {
	Limit *limitWire `msgpack:"limit,omitempty" json:"limit,omitempty"`
}

// Field order is part of the signed payload.
type orderWire struct {
	Asset      int           `msgpack:"a" json:"a"`
	IsBuy      bool          `msgpack:"b" json:"b"`
	LimitPx    string        `msgpack:"p" json:"p"`
	Size       string        `msgpack:"s" json:"s"`
	ReduceOnly bool          `msgpack:"r" json:"r"`
	OrderType  orderTypeWire `msgpack:"t" json:"t"`
	Cloid      string        `msgpack:"c,omitempty" json:"c,omitempty"`
}

type orderAction struct {
	Type     string      `msgpack:"type" json:"type"`
	Orders   []orderWire `msgpack:"orders" json:"orders"`
	Grouping string      `msgpack:"grouping" json:"grouping"`
}

type updateLeverageAction struct {
	Type     string `msgpack:"type" json:"type"`
	Asset    int    `msgpack:"asset" json:"asset"`
	IsCross  bool   `msgpack:"isCross" json:"isCross"`
	Leverage int    `msgpack:"leverage" json:"leverage"`
}

type exchangeRequest struct {
	Action       any       `json:"action"`
	Nonce        uint64    `json:"nonce"`
	Signature    Signature `json:"signature"`
	VaultAddress *string   `json:"vaultAddress"`
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type orderResponseBody struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

type orderStatusWire struct {
	Filled *struct {
		TotalSz decimal.Decimal `json:"totalSz"`
		AvgPx   decimal.Decimal `json:"avgPx"`
		Oid     int64           `json:"oid"`
	} `json:"filled"`
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting"`
	Error string `json:"error"`
}

// NewClientOrderID returns a 16-byte hex client order id.
func NewClientOrderID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

// UpdateLeverage sets the account leverage for symbol.
func (c *Client) UpdateLeverage(ctx context.Context, symbol string, leverage int, cross bool) error {
	asset, err := c.Asset(ctx, symbol)
	if err != nil {
		return err
	}
	if asset.MaxLeverage > 0 && leverage > asset.MaxLeverage {
		return fmt.Errorf("%w: leverage %d exceeds max %d for %s", ErrRejected, leverage, asset.MaxLeverage, symbol)
	}

	action := updateLeverageAction{
		Type:     "updateLeverage",
		Asset:    asset.Index,
		IsCross:  cross,
		Leverage: leverage,
	}

	if _, err := c.submit(ctx, action); err != nil {
		return fmt.Errorf("update leverage: %w", err)
	}

	c.logger.Info().Str("symbol", symbol).Int("leverage", leverage).Bool("cross", cross).Msg("leverage updated")
	return nil
}

// MarketOrder submits an IOC limit order priced through the mid by the
// intent's slippage tolerance.
func (c *Client) MarketOrder(ctx context.Context, intent OrderIntent) (OrderResult, error) {
	asset, err := c.Asset(ctx, intent.Symbol)
	if err != nil {
		return OrderResult{Status: OrderFailed, Error: err.Error()}, err
	}

	isBuy := intent.Side.IsBuy()
	limitPx := SlippagePrice(intent.ReferencePrice, isBuy, intent.Slippage, asset.SzDecimals)
	size := RoundSize(intent.Size, asset.SzDecimals)
	if !size.IsPositive() {
		err := fmt.Errorf("%w: %s at %d decimals", ErrSizeTooSmall, intent.Size.String(), asset.SzDecimals)
		return OrderResult{Status: OrderRejected, Error: err.Error()}, err
	}
	if !limitPx.IsPositive() {
		err := fmt.Errorf("%w: limit price %s", ErrRejected, limitPx.String())
		return OrderResult{Status: OrderRejected, Error: err.Error()}, err
	}

	action := orderAction{
		Type: "order",
		Orders: []orderWire{{
			Asset:      asset.Index,
			IsBuy:      isBuy,
			LimitPx:    limitPx.String(),
			Size:       size.String(),
			ReduceOnly: false,
			OrderType:  orderTypeWire{Limit: &limitWire{Tif: "Ioc"}},
			Cloid:      intent.ClientOrderID,
		}},
		Grouping: "na",
	}

	result := OrderResult{Size: size, LimitPrice: limitPx}

	body, err := c.submit(ctx, action)
	if err != nil {
		result.Status = OrderFailed
		if !IsTransient(err) {
			result.Status = OrderRejected
		}
		result.Error = err.Error()
		return result, fmt.Errorf("place order: %w", err)
	}

	if err := parseOrderStatus(body, &result); err != nil {
		if result.Status == "" {
			result.Status = OrderFailed
			result.Error = err.Error()
		}
		return result, fmt.Errorf("place order: %w", err)
	}

	c.logger.Info().Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Str("size", size.String()).
		Str("limit_px", limitPx.String()).
		Str("status", string(result.Status)).
		Int64("oid", result.ExchangeOrderID).
		Msg("order submitted")
	return result, nil
}

func (c *Client) submit(ctx context.Context, action any) (json.RawMessage, error) {
	if c.opts.Signer == nil {
		return nil, ErrNoCredentials
	}

	nonce := c.nextNonce()
	sig, err := c.opts.Signer.SignAction(action, nonce, c.vault)
	if err != nil {
		return nil, err
	}

	req := exchangeRequest{Action: action, Nonce: nonce, Signature: sig}
	if c.vault != nil {
		vault := c.vault.Hex()
		req.VaultAddress = &vault
	}

	var res exchangeResponse
	if err := c.post(ctx, exchangePath, req, &res); err != nil {
		return nil, err
	}
	if res.Status != "ok" {
		var msg string
		if err := json.Unmarshal(res.Response, &msg); err != nil {
			msg = string(res.Response)
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return res.Response, nil
}

// nextNonce is millisecond time, forced strictly increasing.
func (c *Client) nextNonce() uint64 {
	for {
		last := c.lastNonce.Load()
		next := uint64(time.Now().UnixMilli())
		if next <= last {
			next = last + 1
		}
		if c.lastNonce.CompareAndSwap(last, next) {
			return next
		}
	}
}

func parseOrderStatus(body json.RawMessage, result *OrderResult) error {
	var res orderResponseBody
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("decode order response: %w", err)
	}
	if len(res.Data.Statuses) == 0 {
		return fmt.Errorf("order response has no statuses")
	}

	var status orderStatusWire
	if err := json.Unmarshal(res.Data.Statuses[0], &status); err != nil {
		// bare string statuses such as "waitingForFill"
		var text string
		if strErr := json.Unmarshal(res.Data.Statuses[0], &text); strErr == nil {
			result.Status = OrderResting
			return nil
		}
		return fmt.Errorf("decode order status: %w", err)
	}

	switch {
	case status.Error != "":
		result.Status = OrderRejected
		result.Error = status.Error
		return fmt.Errorf("%w: %s", ErrRejected, status.Error)
	case status.Filled != nil:
		result.Status = OrderFilled
		result.ExchangeOrderID = status.Filled.Oid
		result.FilledSize = status.Filled.TotalSz
		result.AvgPrice = status.Filled.AvgPx
	case status.Resting != nil:
		result.Status = OrderResting
		result.ExchangeOrderID = status.Resting.Oid
	default:
		return fmt.Errorf("unrecognised order status %s", string(res.Data.Statuses[0]))
	}
	return nil
}

// SlippagePrice moves ref by slippage against the taker and rounds to the
// venue's tick rules: five significant figures and at most
// 6-szDecimals decimal places.
func SlippagePrice(ref decimal.Decimal, isBuy bool, slippage decimal.Decimal, szDecimals int32) decimal.Decimal {
	one := decimal.NewFromInt(1)
	factor := one.Sub(slippage)
	if isBuy {
		factor = one.Add(slippage)
	}
	px := ref.Mul(factor)

	f, _ := px.Float64()
	rounded, err := decimal.NewFromString(strconv.FormatFloat(f, 'g', priceSigFigs, 64))
	if err != nil {
		rounded = px
	}

	places := maxPriceDecimals - szDecimals
	if places < 0 {
		places = 0
	}
	return rounded.Round(places)
}

// RoundSize truncates size to the asset's lot precision.
func RoundSize(size decimal.Decimal, szDecimals int32) decimal.Decimal {
	return size.RoundDown(szDecimals)
}
