package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	if err != nil {
		t.Fatalf("默认配置应合法: %v", err)
	}
	if cfg.Scheduler.Interval != time.Minute {
		t.Fatalf("默认 interval 应为 60s, 实际 %s", cfg.Scheduler.Interval)
	}
	if cfg.Strategy.PeriodsPerYear != 8760 {
		t.Fatalf("默认 periods_per_year 应为 8760, 实际 %d", cfg.Strategy.PeriodsPerYear)
	}
	if cfg.Strategy.ThresholdPct != 1000 {
		t.Fatalf("默认 threshold 应为 1000, 实际 %v", cfg.Strategy.ThresholdPct)
	}
	if !cfg.Strategy.DryRun {
		t.Fatal("默认应为 dry-run")
	}
	if cfg.App.Environment != "test" {
		t.Fatalf("文件值应覆盖默认值: %s", cfg.App.Environment)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("FUNDINGFADE_STRATEGY_NOTIONAL_USD", "25")
	path := writeConfig(t, `
scheduler:
  interval: 2m
  error_backoff: 10s
strategy:
  symbol: eth
  threshold_pct: 500
  leverage: 3
  slippage: 0.02
  cooldown: 15m
alerting:
  channels: telegram,log
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 不应报错: %v", err)
	}
	if cfg.Strategy.Symbol != "ETH" {
		t.Fatalf("symbol 应转为大写, 实际 %s", cfg.Strategy.Symbol)
	}
	if cfg.Scheduler.Interval != 2*time.Minute || cfg.Scheduler.ErrorBackoff != 10*time.Second {
		t.Fatalf("duration 解析错误: %s %s", cfg.Scheduler.Interval, cfg.Scheduler.ErrorBackoff)
	}
	if cfg.Strategy.NotionalUSD != 25 {
		t.Fatalf("环境变量应覆盖 notional, 实际 %v", cfg.Strategy.NotionalUSD)
	}
	if cfg.Strategy.Cooldown != 15*time.Minute {
		t.Fatalf("cooldown 解析错误: %s", cfg.Strategy.Cooldown)
	}
	if len(cfg.Alerting.Channels) != 2 || cfg.Alerting.Channels[1] != "log" {
		t.Fatalf("channels 解析错误: %#v", cfg.Alerting.Channels)
	}

	params := cfg.Strategy.Params()
	if !params.ThresholdPct.Equal(decimal.NewFromInt(500)) || params.Leverage != 3 {
		t.Fatalf("Params 转换错误: %#v", params)
	}
	if err := params.Validate(); err != nil {
		t.Fatalf("Params 应合法: %v", err)
	}
}

func TestLoadEnvWithoutFileKeys(t *testing.T) {
	t.Setenv("FUNDINGFADE_DATABASE_DSN", "postgres://bot@localhost/fade")
	t.Setenv("FUNDINGFADE_ALERTING_TELEGRAM_ENABLED", "true")
	t.Setenv("FUNDINGFADE_ALERTING_TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("FUNDINGFADE_ALERTING_TELEGRAM_CHAT_ID", "-100")
	t.Setenv("FUNDINGFADE_HYPERLIQUID_VAULT_ADDRESS", "0x00000000000000000000000000000000000000aa")

	cfg, err := Load(writeConfig(t, "strategy:\n  symbol: btc\n"))
	if err != nil {
		t.Fatalf("Load 不应报错: %v", err)
	}
	if cfg.Database.DSN != "postgres://bot@localhost/fade" {
		t.Fatalf("环境变量应提供 database.dsn, 实际 %q", cfg.Database.DSN)
	}
	if !cfg.Alerting.Telegram.Enabled || cfg.Alerting.Telegram.BotToken != "123:abc" || cfg.Alerting.Telegram.ChatID != "-100" {
		t.Fatalf("环境变量应提供 telegram 配置: %#v", cfg.Alerting.Telegram)
	}
	if cfg.Hyperliquid.VaultAddress != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("环境变量应提供 vault_address, 实际 %q", cfg.Hyperliquid.VaultAddress)
	}
}

func TestEveryKeyHasDefault(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	var walk func(prefix string, typ reflect.Type)
	walk = func(prefix string, typ reflect.Type) {
		for i := 0; i < typ.NumField(); i++ {
			field := typ.Field(i)
			key := field.Tag.Get("mapstructure")
			if prefix != "" {
				key = prefix + "." + key
			}
			if field.Type.Kind() == reflect.Struct {
				walk(key, field.Type)
				continue
			}
			if !v.IsSet(key) {
				t.Errorf("%s 缺少默认值, 环境变量无法覆盖", key)
			}
		}
	}
	walk("", reflect.TypeOf(Config{}))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"zero notional", "strategy:\n  notional_usd: 0\n"},
		{"negative threshold", "strategy:\n  threshold_pct: -1\n"},
		{"zero leverage", "strategy:\n  leverage: 0\n"},
		{"slippage too large", "strategy:\n  slippage: 1.5\n"},
		{"zero interval", "scheduler:\n  interval: 0s\n"},
		{"live without credentials", "strategy:\n  dry_run: false\nhyperliquid:\n  credentials_path: \"\"\n"},
		{"telegram without token", "alerting:\n  telegram:\n    enabled: true\n    chat_id: x\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatalf("%s 应校验失败", tc.name)
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if cfg.ResolveMaxPoints(0) != 10 || cfg.ResolveMaxPoints(3) != 3 {
		t.Fatal("ResolveMaxPoints 逻辑错误")
	}
}
