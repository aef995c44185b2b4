package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
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

type fakeMarket struct {
	obs   exchange.Observation
	err   error
	calls int
}

func (f *fakeMarket) FetchObservation(ctx context.Context, symbol string) (exchange.Observation, error) {
	f.calls++
	if f.err != nil {
		return exchange.Observation{}, f.err
	}
	obs := f.obs
	obs.Symbol = symbol
	return obs, nil
}

type fakeExecutor struct {
	result    exchange.OrderResult
	err       error
	intents   []exchange.OrderIntent
	leverages []int
}

func (f *fakeExecutor) UpdateLeverage(ctx context.Context, symbol string, leverage int, cross bool) error {
	f.leverages = append(f.leverages, leverage)
	return nil
}

func (f *fakeExecutor) MarketOrder(ctx context.Context, intent exchange.OrderIntent) (exchange.OrderResult, error) {
	f.intents = append(f.intents, intent)
	return f.result, f.err
}

type fakeSamples struct {
	samples  []storage.FundingSample
	lockHeld bool
	unlocked int
}

func (f *fakeSamples) UpsertSample(ctx context.Context, sample storage.FundingSample) error {
	f.samples = append(f.samples, sample)
	return nil
}

func (f *fakeSamples) ListSamplesBetween(ctx context.Context, symbol string, from, to time.Time) ([]storage.FundingSample, error) {
	return f.samples, nil
}

func (f *fakeSamples) ListRecentSamples(ctx context.Context, symbol string, limit int) ([]storage.FundingSample, error) {
	return f.samples, nil
}

func (f *fakeSamples) CountSamples(ctx context.Context) (int64, error) {
	return int64(len(f.samples)), nil
}

func (f *fakeSamples) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if f.lockHeld {
		return nil, false, nil
	}
	return func() { f.unlocked++ }, true, nil
}

type fakeTrades struct {
	trades []storage.TradeRecord
	lastAt map[string]time.Time
}

func (f *fakeTrades) InsertTrade(ctx context.Context, trade storage.TradeRecord) (storage.TradeRecord, error) {
	trade.ID = int64(len(f.trades) + 1)
	f.trades = append(f.trades, trade)
	return trade, nil
}

func (f *fakeTrades) ListRecentTrades(ctx context.Context, limit int) ([]storage.TradeRecord, error) {
	return f.trades, nil
}

func (f *fakeTrades) LastTradeAt(ctx context.Context, symbol, side string) (time.Time, bool, error) {
	at, ok := f.lastAt[symbol+"/"+side]
	return at, ok, nil
}

type fakeNotifier struct {
	notes []alerting.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	f.notes = append(f.notes, note)
	return nil
}

type fixture struct {
	svc      *Service
	market   *fakeMarket
	executor *fakeExecutor
	samples  *fakeSamples
	trades   *fakeTrades
	notifier *fakeNotifier
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Interval: time.Minute, AdvisoryLockKey: 42},
		Strategy: config.StrategyConfig{
			Symbol:         "BTC",
			PeriodsPerYear: 8760,
			ThresholdPct:   1000,
			NotionalUSD:    10,
			Leverage:       3,
			CrossMargin:    true,
			Slippage:       0.01,
		},
		Alerting: config.AlertingConfig{Enabled: true, Channels: []string{"telegram"}},
	}
}

func newFixture(cfg *config.Config, rate string) *fixture {
	f := &fixture{
		market: &fakeMarket{obs: exchange.Observation{
			MidPrice:    decimal.NewFromInt(60000),
			FundingRate: decimal.RequireFromString(rate),
			MidSource:   "all_mids",
		}},
		executor: &fakeExecutor{result: exchange.OrderResult{
			Status:          exchange.OrderFilled,
			ExchangeOrderID: 77,
			Size:            decimal.RequireFromString("0.00016"),
			LimitPrice:      decimal.NewFromInt(59400),
		}},
		samples:  &fakeSamples{},
		trades:   &fakeTrades{lastAt: map[string]time.Time{}},
		notifier: &fakeNotifier{},
	}
	sched := scheduler.New(scheduler.Options{Interval: cfg.Scheduler.Interval}, zerolog.Nop())
	f.svc = New(cfg, sched, f.market, f.executor, f.samples, f.trades, f.notifier, metrics.New("test"), zerolog.Nop())
	return f
}

var bucket = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTickShortsExtremePositiveFunding(t *testing.T) {
	f := newFixture(testConfig(), "0.05")

	out, err := f.svc.Tick(context.Background(), bucket)
	if err != nil {
		t.Fatalf("tick 不应报错: %v", err)
	}
	if out.Decision.Side != strategy.SideShort {
		t.Fatalf("年化 43800%% 应做空, 实际 %s", out.Decision.Side)
	}
	if !out.Decision.AnnualizedPct.Equal(decimal.NewFromInt(43800)) {
		t.Fatalf("年化计算错误: %s", out.Decision.AnnualizedPct)
	}
	if len(f.executor.intents) != 1 {
		t.Fatalf("应下单 1 次, 实际 %d", len(f.executor.intents))
	}

	intent := f.executor.intents[0]
	if !intent.Size.Equal(decimal.NewFromInt(10).Div(decimal.NewFromInt(60000))) {
		t.Fatalf("数量应为 notional/mid, 实际 %s", intent.Size)
	}
	if intent.Leverage != 3 || !intent.Slippage.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("杠杆或滑点未传递: %+v", intent)
	}
	if len(intent.ClientOrderID) != 34 {
		t.Fatalf("client order id 格式错误: %s", intent.ClientOrderID)
	}

	if len(f.samples.samples) != 1 || f.samples.samples[0].Decision != "short" {
		t.Fatalf("样本未记录: %+v", f.samples.samples)
	}
	if f.samples.unlocked != 1 {
		t.Fatal("tick 结束后应释放 advisory lock")
	}
	if len(f.trades.trades) != 1 {
		t.Fatalf("应记录 1 笔交易, 实际 %d", len(f.trades.trades))
	}
	trade := f.trades.trades[0]
	if trade.Status != "filled" || trade.ExchangeOrderID == nil || *trade.ExchangeOrderID != 77 {
		t.Fatalf("交易记录字段错误: %+v", trade)
	}
	if len(f.notifier.notes) != 1 || f.notifier.notes[0].Side != "short" {
		t.Fatalf("应发送 1 条告警: %+v", f.notifier.notes)
	}
}

func TestTickLongsExtremeNegativeFunding(t *testing.T) {
	f := newFixture(testConfig(), "-0.05")

	out, err := f.svc.Tick(context.Background(), bucket)
	if err != nil {
		t.Fatalf("tick 不应报错: %v", err)
	}
	if out.Decision.Side != strategy.SideLong || !f.executor.intents[0].Side.IsBuy() {
		t.Fatalf("负费率极端值应做多, 实际 %s", out.Decision.Side)
	}
}

func TestTickNoTradeBelowThreshold(t *testing.T) {
	f := newFixture(testConfig(), "0.0001")

	out, err := f.svc.Tick(context.Background(), bucket)
	if err != nil {
		t.Fatalf("tick 不应报错: %v", err)
	}
	if out.Decision.Triggered() || out.Intent != nil {
		t.Fatalf("87.6%% 不应触发: %+v", out.Decision)
	}
	if len(f.executor.intents) != 0 || len(f.trades.trades) != 0 || len(f.notifier.notes) != 0 {
		t.Fatal("未触发时不应下单、记录交易或告警")
	}
	if len(f.samples.samples) != 1 || f.samples.samples[0].Decision != "none" {
		t.Fatal("未触发时仍应记录样本")
	}
}

func TestTickRetriggersEveryTickWithoutCooldown(t *testing.T) {
	f := newFixture(testConfig(), "0.05")

	for i := 0; i < 3; i++ {
		if _, err := f.svc.Tick(context.Background(), bucket.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("tick %d 报错: %v", i, err)
		}
	}
	if len(f.executor.intents) != 3 {
		t.Fatalf("无冷却时每个 tick 都应下单, 实际 %d", len(f.executor.intents))
	}
}

func TestTickCooldownSuppressesRepeat(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.Cooldown = time.Hour
	f := newFixture(cfg, "0.05")
	now := bucket
	f.svc.now = func() time.Time { return now }

	if _, err := f.svc.Tick(context.Background(), bucket); err != nil {
		t.Fatalf("首次 tick 报错: %v", err)
	}
	now = now.Add(10 * time.Minute)
	out, err := f.svc.Tick(context.Background(), bucket.Add(time.Minute))
	if err != nil {
		t.Fatalf("第二次 tick 报错: %v", err)
	}
	if out.Skipped != SkipCooldown || len(f.executor.intents) != 1 {
		t.Fatalf("冷却期内不应重复下单: skipped=%q intents=%d", out.Skipped, len(f.executor.intents))
	}

	now = now.Add(time.Hour)
	if _, err := f.svc.Tick(context.Background(), bucket.Add(2*time.Minute)); err != nil {
		t.Fatalf("冷却结束后 tick 报错: %v", err)
	}
	if len(f.executor.intents) != 2 {
		t.Fatalf("冷却结束后应再次下单, 实际 %d", len(f.executor.intents))
	}
}

func TestTickCooldownUsesPersistedTrades(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.Cooldown = time.Hour
	f := newFixture(cfg, "0.05")
	f.svc.now = func() time.Time { return bucket }
	f.trades.lastAt["BTC/short"] = bucket.Add(-5 * time.Minute)

	out, err := f.svc.Tick(context.Background(), bucket)
	if err != nil {
		t.Fatalf("tick 报错: %v", err)
	}
	if out.Skipped != SkipCooldown || len(f.executor.intents) != 0 {
		t.Fatal("重启后应沿用已持久化的冷却窗口")
	}
}

func TestTickFetchErrorIsReturned(t *testing.T) {
	f := newFixture(testConfig(), "0.05")
	f.market.err = errors.New("connection reset")

	_, err := f.svc.Tick(context.Background(), bucket)
	if err == nil || errors.Is(err, scheduler.ErrHalt) {
		t.Fatalf("抓取失败应返回可重试错误, 实际 %v", err)
	}
	if len(f.executor.intents) != 0 || len(f.samples.samples) != 0 {
		t.Fatal("抓取失败时不应下单或记录样本")
	}
}

func TestTickPermanentFetchErrorHaltsWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.HaltOnRejection = true
	f := newFixture(cfg, "0.05")
	f.market.err = fmt.Errorf("%w: DOGE", exchange.ErrUnknownSymbol)

	err := f.svc.ProcessTick(context.Background(), bucket)
	if !errors.Is(err, scheduler.ErrHalt) || !errors.Is(err, exchange.ErrUnknownSymbol) {
		t.Fatalf("未知 symbol 应终止循环, 实际 %v", err)
	}

	f.market.err = errors.New("connection reset")
	if _, err := f.svc.Tick(context.Background(), bucket); err == nil || errors.Is(err, scheduler.ErrHalt) {
		t.Fatalf("暂时性抓取错误不应终止循环, 实际 %v", err)
	}
}

func TestTickPermanentFetchErrorBacksOffByDefault(t *testing.T) {
	f := newFixture(testConfig(), "0.05")
	f.market.err = fmt.Errorf("%w: DOGE", exchange.ErrUnknownSymbol)

	if _, err := f.svc.Tick(context.Background(), bucket); err == nil || errors.Is(err, scheduler.ErrHalt) {
		t.Fatalf("未开启 halt_on_rejection 时应退避重试, 实际 %v", err)
	}
}

func TestTickRejectionContinuesByDefault(t *testing.T) {
	f := newFixture(testConfig(), "0.05")
	f.executor.result = exchange.OrderResult{Status: exchange.OrderRejected, Error: "Insufficient margin"}
	f.executor.err = fmt.Errorf("place order: %w: Insufficient margin", exchange.ErrRejected)

	out, err := f.svc.Tick(context.Background(), bucket)
	if err != nil {
		t.Fatalf("默认情况下拒单只记录不终止, 实际 %v", err)
	}
	if out.Result == nil || out.Result.Status != exchange.OrderRejected {
		t.Fatalf("结果应为 rejected: %+v", out.Result)
	}
	trade := f.trades.trades[0]
	if trade.Status != "rejected" || trade.Error == nil || *trade.Error != "Insufficient margin" {
		t.Fatalf("拒单应被记录: %+v", trade)
	}
	if !trade.Size.Equal(f.executor.intents[0].Size) {
		t.Fatal("无回报数量时应记录原始数量")
	}
	if len(f.notifier.notes) != 1 || f.notifier.notes[0].Status != "rejected" {
		t.Fatal("拒单也应告警")
	}
}

func TestTickRejectionHaltsWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.HaltOnRejection = true
	f := newFixture(cfg, "0.05")
	f.executor.result = exchange.OrderResult{Status: exchange.OrderRejected}
	f.executor.err = fmt.Errorf("place order: %w", exchange.ErrRejected)

	err := f.svc.ProcessTick(context.Background(), bucket)
	if !errors.Is(err, scheduler.ErrHalt) || !errors.Is(err, exchange.ErrRejected) {
		t.Fatalf("应同时包含 ErrHalt 与 ErrRejected, 实际 %v", err)
	}
}

func TestTickTransientOrderErrorBacksOff(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.HaltOnRejection = true
	f := newFixture(cfg, "0.05")
	f.executor.result = exchange.OrderResult{Status: exchange.OrderFailed}
	f.executor.err = errors.New("http 502")

	_, err := f.svc.Tick(context.Background(), bucket)
	if err == nil || errors.Is(err, scheduler.ErrHalt) {
		t.Fatalf("瞬时错误应返回且不终止, 实际 %v", err)
	}
	if f.trades.trades[0].Status != "failed" {
		t.Fatalf("失败订单应记录为 failed: %+v", f.trades.trades[0])
	}
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(testConfig(), "0.05")
	f.samples.lockHeld = true

	out, err := f.svc.Tick(context.Background(), bucket)
	if err != nil {
		t.Fatalf("锁被占用时不应报错: %v", err)
	}
	if out.Skipped != SkipLockHeld || f.market.calls != 0 {
		t.Fatal("锁被占用时应跳过整个 tick")
	}
}

func TestTickWithoutStorageOrAlerts(t *testing.T) {
	cfg := testConfig()
	cfg.Alerting.Enabled = false
	market := &fakeMarket{obs: exchange.Observation{MidPrice: decimal.NewFromInt(100), FundingRate: decimal.RequireFromString("0.05")}}
	executor := exchange.NewPaperExecutor(nil, zerolog.Nop())
	sched := scheduler.New(scheduler.Options{Interval: time.Minute}, zerolog.Nop())
	svc := New(cfg, sched, market, executor, nil, nil, nil, nil, zerolog.Nop())

	out, err := svc.Tick(context.Background(), bucket)
	if err != nil {
		t.Fatalf("无存储时 tick 不应报错: %v", err)
	}
	if out.Result == nil || out.Result.Status != exchange.OrderSimulated {
		t.Fatalf("paper executor 应返回 simulated: %+v", out.Result)
	}
}

func TestRunSetsLeverageOnlyWhenLive(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.DryRun = true
	f := newFixture(cfg, "0.0001")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.svc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
	}
	if len(f.executor.leverages) != 0 {
		t.Fatal("dry-run 不应修改杠杆")
	}

	cfg.Strategy.DryRun = false
	f = newFixture(cfg, "0.0001")
	if err := f.svc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
	}
	if len(f.executor.leverages) != 1 || f.executor.leverages[0] != 3 {
		t.Fatalf("实盘启动时应设置一次杠杆: %v", f.executor.leverages)
	}
}
