package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	MainnetAPIURL = "https://api.hyperliquid.xyz"
	TestnetAPIURL = "https://api.hyperliquid-testnet.xyz"

	infoPath     = "/info"
	exchangePath = "/exchange"
)

// Options parameterise the Hyperliquid client.
type Options struct {
	BaseURL           string
	Testnet           bool
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	Burst             int
	VaultAddress      string
	Signer            *Signer
	Stream            *MidStream
}

// Client talks to the Hyperliquid info and exchange endpoints.
type Client struct {
	opts    Options
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	vault     *common.Address
	lastNonce atomic.Uint64

	assetsMu sync.RWMutex
	assets   map[string]Asset
}

// NewClient constructs a venue client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = MainnetAPIURL
		if opts.Testnet {
			baseURL = TestnetAPIURL
		}
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		opts:    opts,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 15 * time.Second}).DialContext,
				MaxIdleConns:        16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger.With().Str("component", "hyperliquid").Logger(),
		assets:  make(map[string]Asset),
	}
	if opts.VaultAddress != "" {
		addr := common.HexToAddress(opts.VaultAddress)
		c.vault = &addr
	}
	return c
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "fundingfade/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func parseHTTPError(status int, payload []byte) error {
	msg := strings.TrimSpace(string(payload))
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			msg = apiErr.Error
		} else if apiErr.Message != "" {
			msg = apiErr.Message
		}
	}

	// 4xx other than rate limiting means the request itself is bad.
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		if msg == "" {
			return fmt.Errorf("%w: hyperliquid api error (%d)", ErrRejected, status)
		}
		return fmt.Errorf("%w: hyperliquid api error (%d): %s", ErrRejected, status, msg)
	}
	if msg == "" {
		return fmt.Errorf("hyperliquid api error (%d)", status)
	}
	return fmt.Errorf("hyperliquid api error (%d): %s", status, msg)
}

func (c *Client) cacheAssets(assets []Asset) {
	c.assetsMu.Lock()
	defer c.assetsMu.Unlock()
	for _, a := range assets {
		c.assets[a.Name] = a
	}
}

func (c *Client) cachedAsset(symbol string) (Asset, bool) {
	c.assetsMu.RLock()
	defer c.assetsMu.RUnlock()
	a, ok := c.assets[symbol]
	return a, ok
}

// Asset resolves symbol metadata, loading the universe on a cache miss.
func (c *Client) Asset(ctx context.Context, symbol string) (Asset, error) {
	if a, ok := c.cachedAsset(symbol); ok {
		return a, nil
	}
	if _, err := c.Universe(ctx); err != nil {
		return Asset{}, err
	}
	if a, ok := c.cachedAsset(symbol); ok {
		return a, nil
	}
	return Asset{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

var (
	_ MarketFetcher         = (*Client)(nil)
	_ FundingHistoryFetcher = (*Client)(nil)
	_ OrderExecutor         = (*Client)(nil)
)
