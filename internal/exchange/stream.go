package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	MainnetWSURL = "wss://api.hyperliquid.xyz/ws"
	TestnetWSURL = "wss://api.hyperliquid-testnet.xyz/ws"
)

// StreamOptions tune the allMids websocket feed.
type StreamOptions struct {
	URL            string
	MaxAge         time.Duration
	ReconnectDelay time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
}

// MidStream keeps the latest streamed mid prices in memory.
type MidStream struct {
	opts   StreamOptions
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu      sync.RWMutex
	mids    map[string]decimal.Decimal
	updated time.Time
}

type wsSubscribe struct {
	Method       string `json:"method"`
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsAllMids struct {
	Mids map[string]string `json:"mids"`
}

// NewMidStream constructs a stream; call Run to start it.
func NewMidStream(opts StreamOptions, logger zerolog.Logger) *MidStream {
	if opts.URL == "" {
		opts.URL = MainnetWSURL
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 15 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	return &MidStream{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.With().Str("component", "mid_stream").Logger(),
		mids:   make(map[string]decimal.Decimal),
	}
}

// Mid returns the streamed mid for symbol when it is fresher than MaxAge.
func (s *MidStream) Mid(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.updated.IsZero() || time.Since(s.updated) > s.opts.MaxAge {
		return decimal.Decimal{}, false
	}
	mid, ok := s.mids[symbol]
	if !ok || !mid.IsPositive() {
		return decimal.Decimal{}, false
	}
	return mid, true
}

// Run connects and re-connects until ctx is cancelled.
func (s *MidStream) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Dur("retry_in", s.opts.ReconnectDelay).Msg("mid stream disconnected")

		timer := time.NewTimer(s.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *MidStream) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.opts.URL, err)
	}
	defer conn.Close()

	sub := wsSubscribe{Method: "subscribe"}
	sub.Subscription.Type = "allMids"
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe allMids: %w", err)
	}
	s.logger.Info().Str("url", s.opts.URL).Msg("subscribed to allMids")

	done := make(chan struct{})
	defer close(done)
	go s.keepAlive(ctx, conn, done)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handle(payload); err != nil {
			s.logger.Debug().Err(err).Msg("skip malformed stream message")
		}
	}
}

// keepAlive pings the server and unblocks the reader on shutdown.
func (s *MidStream) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"method": "ping"}); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *MidStream) handle(payload []byte) error {
	var msg wsMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	if !strings.EqualFold(msg.Channel, "allMids") {
		return nil
	}

	var data wsAllMids
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return err
	}
	mids, err := parseMids(data.Mids)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for sym, px := range mids {
		s.mids[sym] = px
	}
	s.updated = time.Now()
	s.mu.Unlock()
	return nil
}
