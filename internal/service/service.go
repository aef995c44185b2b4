package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-fade/internal/alerting"
	"funding-fade/internal/config"
	"funding-fade/internal/exchange"
	"funding-fade/internal/metrics"
	"funding-fade/internal/scheduler"
	"funding-fade/internal/storage"
	"funding-fade/internal/strategy"
)

// Skip reasons reported in an Outcome.
const (
	SkipLockHeld = "lock_held"
	SkipCooldown = "cooldown"
)

// Outcome describes what one tick observed and did.
type Outcome struct {
	Bucket      time.Time
	Observation exchange.Observation
	Decision    strategy.Decision
	Intent      *exchange.OrderIntent
	Result      *exchange.OrderResult
	Skipped     string
}

// Service runs the fetch, decide, act loop.
type Service struct {
	scheduler *scheduler.Scheduler
	market    exchange.MarketFetcher
	executor  exchange.OrderExecutor
	samples   storage.SampleStore
	trades    storage.TradeStore
	notifier  alerting.Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	symbol          string
	params          strategy.Params
	crossMargin     bool
	dryRun          bool
	cooldown        time.Duration
	haltOnRejection bool
	channels        []string
	alertsOn        bool
	locker          storage.AdvisoryLocker
	lockKey         int64

	now         func() time.Time
	mu          sync.Mutex
	lastTrigger map[strategy.Side]time.Time
}

// New constructs the trading service. samples, trades, notifier and m may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, market exchange.MarketFetcher, executor exchange.OrderExecutor, samples storage.SampleStore, trades storage.TradeStore, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := samples.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:       sched,
		market:          market,
		executor:        executor,
		samples:         samples,
		trades:          trades,
		notifier:        notifier,
		metrics:         m,
		logger:          logger.With().Str("component", "service").Str("symbol", cfg.Strategy.Symbol).Logger(),
		symbol:          cfg.Strategy.Symbol,
		params:          cfg.Strategy.Params(),
		crossMargin:     cfg.Strategy.CrossMargin,
		dryRun:          cfg.Strategy.DryRun,
		cooldown:        cfg.Strategy.Cooldown,
		haltOnRejection: cfg.Strategy.HaltOnRejection,
		channels:        cfg.Alerting.Channels,
		alertsOn:        cfg.Alerting.Enabled,
		locker:          locker,
		lockKey:         cfg.Scheduler.AdvisoryLockKey,
		now:             func() time.Time { return time.Now().UTC() },
		lastTrigger:     make(map[strategy.Side]time.Time),
	}
}

// Run applies leverage once, then drives ProcessTick until ctx is cancelled
// or a rejection halts the loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.params.Validate(); err != nil {
		return fmt.Errorf("strategy params: %w", err)
	}
	if !s.dryRun {
		if err := s.executor.UpdateLeverage(ctx, s.symbol, s.params.Leverage, s.crossMargin); err != nil {
			return fmt.Errorf("set leverage: %w", err)
		}
	}

	s.logger.Info().
		Bool("dry_run", s.dryRun).
		Str("threshold_pct", s.params.ThresholdPct.String()).
		Str("notional_usd", s.params.NotionalUSD.String()).
		Int("leverage", s.params.Leverage).
		Msg("funding fade loop started")
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick 执行单个轮询周期, 结果写入指标。
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	out, err := s.Tick(ctx, bucket)

	result := metrics.TickOK
	switch {
	case errors.Is(err, scheduler.ErrHalt):
		result = metrics.TickHalted
	case err != nil:
		result = metrics.TickFailed
	case out.Skipped != "":
		result = metrics.TickSkipped
	}
	s.metrics.ObserveTick(result, s.now())
	return err
}

// Tick runs one iteration and reports what happened. Transient failures are
// returned so the scheduler backs off. Venue rejections are recorded and halt
// the loop only when halt_on_rejection is set, as do non-transient fetch
// errors such as an unknown symbol.
func (s *Service) Tick(ctx context.Context, bucket time.Time) (Outcome, error) {
	out := Outcome{Bucket: bucket}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return out, err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		out.Skipped = SkipLockHeld
		return out, nil
	}
	if unlock != nil {
		defer unlock()
	}

	obs, err := s.market.FetchObservation(ctx, s.symbol)
	if err != nil {
		if s.haltOnRejection && !exchange.IsTransient(err) {
			return out, fmt.Errorf("fetch observation: %w: %w", err, scheduler.ErrHalt)
		}
		return out, fmt.Errorf("fetch observation: %w", err)
	}
	out.Observation = obs

	decision := s.params.Evaluate(obs.FundingRate)
	out.Decision = decision
	s.metrics.ObserveFunding(s.symbol, decision.AnnualizedPct)
	s.recordSample(ctx, bucket, obs, decision)

	s.logger.Info().Time("bucket", bucket).
		Str("mid", obs.MidPrice.String()).
		Str("mid_source", obs.MidSource).
		Str("funding_rate", obs.FundingRate.String()).
		Str("annualized_pct", decision.AnnualizedPct.StringFixed(2)).
		Str("decision", string(decision.Side)).
		Msg("observation evaluated")

	if !decision.Triggered() {
		return out, nil
	}
	s.metrics.ObserveTrigger(s.symbol, string(decision.Side))

	if s.coolingDown(ctx, decision.Side) {
		s.logger.Info().Str("side", string(decision.Side)).Dur("cooldown", s.cooldown).Msg("trigger suppressed by cooldown")
		out.Skipped = SkipCooldown
		return out, nil
	}

	size, err := strategy.OrderSize(s.params.NotionalUSD, obs.MidPrice)
	if err != nil {
		return out, fmt.Errorf("size order: %w", err)
	}

	intent := exchange.OrderIntent{
		ClientOrderID:  exchange.NewClientOrderID(),
		Symbol:         s.symbol,
		Side:           decision.Side,
		NotionalUSD:    s.params.NotionalUSD,
		Size:           size,
		ReferencePrice: obs.MidPrice,
		Slippage:       s.params.Slippage,
		Leverage:       s.params.Leverage,
	}
	out.Intent = &intent

	result, orderErr := s.executor.MarketOrder(ctx, intent)
	if orderErr != nil && result.Error == "" {
		result.Error = orderErr.Error()
	}
	if result.Status == "" {
		result.Status = exchange.OrderFailed
	}
	out.Result = &result

	s.metrics.ObserveOrder(s.symbol, string(result.Status))
	s.recordTrade(ctx, bucket, intent, decision, result)
	if orderErr == nil {
		s.markTriggered(decision.Side)
	}
	s.notify(ctx, bucket, intent, decision, result)

	if orderErr == nil {
		s.logger.Info().Str("side", string(intent.Side)).
			Str("size", result.Size.String()).
			Str("limit_px", result.LimitPrice.String()).
			Str("status", string(result.Status)).
			Str("cloid", intent.ClientOrderID).
			Msg("order placed")
		return out, nil
	}

	if exchange.IsTransient(orderErr) {
		return out, fmt.Errorf("place order: %w", orderErr)
	}

	s.logger.Error().Err(orderErr).
		Str("side", string(intent.Side)).
		Str("cloid", intent.ClientOrderID).
		Msg("order rejected")
	if s.haltOnRejection {
		return out, fmt.Errorf("order rejected: %w: %w", orderErr, scheduler.ErrHalt)
	}
	return out, nil
}

func (s *Service) recordSample(ctx context.Context, bucket time.Time, obs exchange.Observation, decision strategy.Decision) {
	if s.samples == nil {
		return
	}
	sample := storage.FundingSample{
		Bucket:        bucket,
		Symbol:        s.symbol,
		MidPrice:      obs.MidPrice,
		FundingRate:   obs.FundingRate,
		AnnualizedPct: decision.AnnualizedPct,
		MarkPrice:     obs.MarkPrice,
		OraclePrice:   obs.OraclePrice,
		Premium:       obs.Premium,
		MidSource:     obs.MidSource,
		Decision:      string(decision.Side),
		Status:        storage.SampleComplete,
		CreatedAt:     s.now(),
	}
	if err := s.samples.UpsertSample(ctx, sample); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to upsert sample")
	}
}

func (s *Service) recordTrade(ctx context.Context, bucket time.Time, intent exchange.OrderIntent, decision strategy.Decision, result exchange.OrderResult) {
	if s.trades == nil {
		return
	}
	record := storage.TradeRecord{
		ClientOrderID:  intent.ClientOrderID,
		Bucket:         bucket,
		Symbol:         intent.Symbol,
		Side:           string(intent.Side),
		NotionalUSD:    intent.NotionalUSD,
		Size:           nonZeroOr(result.Size, intent.Size),
		ReferencePrice: intent.ReferencePrice,
		LimitPrice:     result.LimitPrice,
		Leverage:       intent.Leverage,
		AnnualizedPct:  decision.AnnualizedPct,
		Status:         string(result.Status),
		FilledSize:     result.FilledSize,
		AvgPrice:       result.AvgPrice,
	}
	if result.ExchangeOrderID != 0 {
		oid := result.ExchangeOrderID
		record.ExchangeOrderID = &oid
	}
	if result.Error != "" {
		msg := result.Error
		record.Error = &msg
	}
	if _, err := s.trades.InsertTrade(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("cloid", intent.ClientOrderID).Msg("failed to persist trade")
	}
}

func (s *Service) notify(ctx context.Context, bucket time.Time, intent exchange.OrderIntent, decision strategy.Decision, result exchange.OrderResult) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	note := alerting.Notification{
		Bucket:        bucket,
		Symbol:        intent.Symbol,
		Side:          string(intent.Side),
		FundingRate:   decision.FundingRate,
		AnnualizedPct: decision.AnnualizedPct,
		ThresholdPct:  decision.ThresholdPct,
		NotionalUSD:   intent.NotionalUSD,
		Size:          nonZeroOr(result.Size, intent.Size),
		LimitPrice:    result.LimitPrice,
		Leverage:      intent.Leverage,
		Status:        string(result.Status),
		DryRun:        s.dryRun,
		Error:         result.Error,
		Channels:      s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to dispatch alert")
	}
}

// coolingDown checks the persisted trade log first so a restart keeps the
// window, then the in-memory record.
func (s *Service) coolingDown(ctx context.Context, side strategy.Side) bool {
	if s.cooldown <= 0 {
		return false
	}
	now := s.now()

	if s.trades != nil {
		at, ok, err := s.trades.LastTradeAt(ctx, s.symbol, string(side))
		if err != nil {
			s.logger.Warn().Err(err).Msg("cooldown lookup failed, using in-memory state")
		} else if ok && now.Sub(at) < s.cooldown {
			return true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastTrigger[side]
	return ok && now.Sub(last) < s.cooldown
}

func (s *Service) markTriggered(side strategy.Side) {
	s.mu.Lock()
	s.lastTrigger[side] = s.now()
	s.mu.Unlock()
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func nonZeroOr(preferred, fallback decimal.Decimal) decimal.Decimal {
	if preferred.IsZero() {
		return fallback
	}
	return preferred
}
