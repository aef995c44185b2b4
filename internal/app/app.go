package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"funding-fade/internal/alerting"
	"funding-fade/internal/config"
	"funding-fade/internal/exchange"
	"funding-fade/internal/metrics"
	"funding-fade/internal/scheduler"
	"funding-fade/internal/service"
	"funding-fade/internal/storage"
	"funding-fade/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// newClient builds the venue client. Credentials are read only when signing
// is needed; the websocket feed is returned unstarted.
func (a *App) newClient(withSigner bool) (*exchange.Client, *exchange.MidStream, error) {
	hl := a.Config.Hyperliquid

	opts := exchange.Options{
		BaseURL:           hl.BaseURL,
		Testnet:           hl.Testnet,
		Timeout:           hl.RequestTimeout,
		UserAgent:         hl.UserAgent,
		RequestsPerSecond: hl.RequestsPerSecond,
		Burst:             hl.Burst,
		VaultAddress:      hl.VaultAddress,
	}

	if withSigner {
		creds, err := exchange.LoadCredentials(hl.CredentialsPath)
		if err != nil {
			return nil, nil, err
		}
		signer, account, err := creds.Signer(!hl.Testnet)
		if err != nil {
			return nil, nil, fmt.Errorf("load signing key: %w", err)
		}
		opts.Signer = signer
		a.Logger.Info().
			Str("account", account).
			Str("signer", signer.Address().Hex()).
			Bool("testnet", hl.Testnet).
			Msg("credentials loaded")
	}

	var stream *exchange.MidStream
	if hl.Stream.Enabled {
		url := hl.Stream.URL
		if url == "" {
			url = exchange.MainnetWSURL
			if hl.Testnet {
				url = exchange.TestnetWSURL
			}
		}
		stream = exchange.NewMidStream(exchange.StreamOptions{
			URL:            url,
			MaxAge:         hl.Stream.MaxAge,
			ReconnectDelay: hl.Stream.ReconnectDelay,
		}, a.Logger)
		opts.Stream = stream
	}

	return exchange.NewClient(opts, a.Logger), stream, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	if a.Config.Database.AutoMigrate {
		applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if len(applied) > 0 {
			a.Logger.Info().Strs("migrations", applied).Msg("database migrations applied")
		}
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running trading loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	dryRun := a.Config.Strategy.DryRun
	client, stream, err := a.newClient(!dryRun)
	if err != nil {
		return err
	}
	if stream != nil {
		go func() {
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("mid stream stopped")
			}
		}()
	}

	m := metrics.New(a.Config.Metrics.Namespace)
	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		go func() {
			if err := m.Serve(ctx, addr, a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	var executor exchange.OrderExecutor = client
	if dryRun {
		a.Logger.Warn().Msg("strategy.dry_run enabled; orders are simulated")
		executor = exchange.NewPaperExecutor(client, a.Logger)
	}

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		ErrorBackoff:   a.Config.Scheduler.ErrorBackoff,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: !a.Config.Scheduler.AlignToBucket,
	}, a.Logger)

	var sampleStore storage.SampleStore
	var tradeStore storage.TradeStore
	if store != nil {
		sampleStore = store
		tradeStore = store
	}

	svc := service.New(a.Config, sched, client, executor, sampleStore, tradeStore, a.newNotifier(), m, a.Logger)

	a.Logger.Info().Str("symbol", a.Config.Strategy.Symbol).Str("version", version.Version).Msg("starting funding fade service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("funding fade service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Symbol    string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Symbol string
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	Symbol string
	DryRun bool
}

func (a *App) resolveSymbol(override string) string {
	if override = strings.ToUpper(strings.TrimSpace(override)); override != "" {
		return override
	}
	return a.Config.Strategy.Symbol
}
