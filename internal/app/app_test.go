package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-fade/internal/config"
	"funding-fade/internal/exchange"
	"funding-fade/internal/storage"
	"funding-fade/internal/strategy"
)

func testApp() (*App, *bytes.Buffer) {
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Interval: time.Minute},
		Strategy: config.StrategyConfig{
			Symbol:         "BTC",
			PeriodsPerYear: 8760,
			ThresholdPct:   1000,
			NotionalUSD:    10,
			Leverage:       2,
			Slippage:       0.01,
		},
	}
	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func TestSimulateExtremeFunding(t *testing.T) {
	a, out := testApp()

	res, err := a.Simulate(context.Background(), decimal.RequireFromString("0.05"), decimal.NewFromInt(60000))
	if err != nil {
		t.Fatalf("simulate 不应报错: %v", err)
	}
	if res.Decision.Side != strategy.SideShort {
		t.Fatalf("应做空, 实际 %s", res.Decision.Side)
	}
	if res.Result == nil || res.Result.Status != exchange.OrderSimulated {
		t.Fatalf("应返回 simulated 结果: %+v", res.Result)
	}
	text := out.String()
	for _, want := range []string{"annualized:   43800.00% (threshold 1000.00%)", "decision:     short", "order:        short"} {
		if !strings.Contains(text, want) {
			t.Fatalf("输出缺少 %q:\n%s", want, text)
		}
	}
}

func TestSimulateNoTrade(t *testing.T) {
	a, out := testApp()

	res, err := a.Simulate(context.Background(), decimal.RequireFromString("0.0001"), decimal.NewFromInt(60000))
	if err != nil {
		t.Fatalf("simulate 不应报错: %v", err)
	}
	if res.Decision.Triggered() || res.Intent != nil {
		t.Fatal("87.6% 不应触发下单")
	}
	if strings.Contains(out.String(), "order:") {
		t.Fatalf("未触发时不应输出订单: %s", out.String())
	}
}

func TestSimulateSendsNoAlerts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("simulate 不应访问网络: %s", r.URL.Path)
	}))
	defer srv.Close()

	a, _ := testApp()
	a.Config.Alerting = config.AlertingConfig{
		Enabled:  true,
		Channels: []string{"telegram"},
		Telegram: config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c", APIBase: srv.URL},
	}

	res, err := a.Simulate(context.Background(), decimal.RequireFromString("0.05"), decimal.NewFromInt(60000))
	if err != nil {
		t.Fatalf("simulate 不应报错: %v", err)
	}
	if res.Result == nil || res.Result.Status != exchange.OrderSimulated {
		t.Fatalf("应返回 simulated 结果: %+v", res.Result)
	}
}

func TestSimulateRejectsBadPrice(t *testing.T) {
	a, _ := testApp()
	if _, err := a.Simulate(context.Background(), decimal.RequireFromString("0.05"), decimal.Zero); err == nil {
		t.Fatal("价格为 0 应报错")
	}
}

func TestSamplesFromFunding(t *testing.T) {
	params := strategy.Params{PeriodsPerYear: 8760, ThresholdPct: decimal.NewFromInt(1000)}
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	points := []exchange.FundingPoint{
		{Symbol: "BTC", Rate: decimal.RequireFromString("0.0001"), Time: at},
		{Symbol: "BTC", Rate: decimal.RequireFromString("-0.05"), Time: at.Add(time.Hour)},
	}

	samples := samplesFromFunding(points, params)
	if len(samples) != 2 {
		t.Fatalf("样本数量错误: %d", len(samples))
	}
	if samples[0].Decision != "none" || !samples[0].AnnualizedPct.Equal(decimal.RequireFromString("87.6")) {
		t.Fatalf("首个样本错误: %+v", samples[0])
	}
	if samples[1].Decision != "long" || samples[1].Status != storage.SampleBackfilled {
		t.Fatalf("第二个样本错误: %+v", samples[1])
	}
}

func TestDownsampleSamples(t *testing.T) {
	samples := make([]storage.FundingSample, 10)
	for i := range samples {
		samples[i].Bucket = time.Unix(int64(i), 0)
	}

	got := downsampleSamples(samples, 4)
	if len(got) != 4 {
		t.Fatalf("降采样数量错误: %d", len(got))
	}
	if !got[0].Bucket.Equal(samples[0].Bucket) || !got[3].Bucket.Equal(samples[9].Bucket) {
		t.Fatal("降采样应保留首尾")
	}
	if len(downsampleSamples(samples, 20)) != 10 {
		t.Fatal("数量不足时应原样返回")
	}
}

func TestWriteSamplesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "samples.csv")
	msg := "timeout"
	samples := []storage.FundingSample{{
		Bucket:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Symbol:        "BTC",
		MidPrice:      decimal.NewFromInt(60000),
		FundingRate:   decimal.RequireFromString("0.05"),
		AnnualizedPct: decimal.NewFromInt(43800),
		Decision:      "short",
		Status:        storage.SampleComplete,
		Error:         &msg,
	}}

	if err := writeSamplesCSV(path, samples); err != nil {
		t.Fatalf("写 CSV 失败: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("读取 CSV 失败: %v", err)
	}
	if len(rows) != 2 || rows[0][0] != "bucket_ts" {
		t.Fatalf("CSV 结构错误: %v", rows)
	}
	row := rows[1]
	if row[0] != "2025-03-01T12:00:00Z" || row[1] != "BTC" || row[4] != "43800" || row[9] != "short" || row[11] != "timeout" {
		t.Fatalf("CSV 内容错误: %v", row)
	}
}

func TestWriteSamplesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.png")
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	samples := make([]storage.FundingSample, 5)
	for i := range samples {
		samples[i] = storage.FundingSample{
			Bucket:        base.Add(time.Duration(i) * time.Hour),
			MidPrice:      decimal.NewFromInt(int64(60000 + i*10)),
			AnnualizedPct: decimal.NewFromInt(int64(100 * (i + 1))),
		}
	}

	if err := writeSamplesPNG(path, samples); err != nil {
		t.Fatalf("渲染 PNG 失败: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Fatalf("PNG 文件应非空: %v", err)
	}
}

func TestResolveSymbol(t *testing.T) {
	a, _ := testApp()
	if a.resolveSymbol("") != "BTC" || a.resolveSymbol(" eth ") != "ETH" {
		t.Fatal("symbol 解析错误")
	}
}
