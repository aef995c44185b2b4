package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Tick results.
const (
	TickOK      = "ok"
	TickFailed  = "failed"
	TickSkipped = "skipped"
	TickHalted  = "halted"
)

// Metrics holds the loop collectors on a private registry. A nil *Metrics is
// a valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	ticks      *prometheus.CounterVec
	triggers   *prometheus.CounterVec
	orders     *prometheus.CounterVec
	annualized *prometheus.GaugeVec
	lastTick   prometheus.Gauge
}

// New registers the collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "fundingfade"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Loop iterations by result.",
		}, []string{"result"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Threshold crossings by symbol and side.",
		}, []string{"symbol", "side"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order outcomes by symbol and status.",
		}, []string{"symbol", "status"}),
		annualized: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "funding_annualized_pct",
			Help:      "Last observed annualized funding rate in percent.",
		}, []string{"symbol"}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_tick_timestamp_seconds",
			Help:      "Unix time of the last completed tick.",
		}),
	}

	m.registry.MustRegister(
		m.ticks,
		m.triggers,
		m.orders,
		m.annualized,
		m.lastTick,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveTick counts a finished tick.
func (m *Metrics) ObserveTick(result string, at time.Time) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
	m.lastTick.Set(float64(at.Unix()))
}

// ObserveFunding records the latest annualized funding for symbol.
func (m *Metrics) ObserveFunding(symbol string, annualizedPct decimal.Decimal) {
	if m == nil {
		return
	}
	m.annualized.WithLabelValues(symbol).Set(annualizedPct.InexactFloat64())
}

// ObserveTrigger counts a threshold crossing.
func (m *Metrics) ObserveTrigger(symbol, side string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(symbol, side).Inc()
}

// ObserveOrder counts an order outcome.
func (m *Metrics) ObserveOrder(symbol, status string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(symbol, status).Inc()
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics listener: %w", err)
		}
		return nil
	}
}
