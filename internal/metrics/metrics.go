package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the controller collectors. A nil *Metrics is valid and
// records nothing, so components can run without a registry in tests.
type Metrics struct {
	RiskChecks           *prometheus.CounterVec
	TradesOpened         *prometheus.CounterVec
	TradesClosed         *prometheus.CounterVec
	OpenTrades           prometheus.Gauge
	ReconcileCycles      *prometheus.CounterVec
	ReconcileDuration    prometheus.Histogram
	ExchangeErrors       *prometheus.CounterVec
	NotificationsDropped prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RiskChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracketbot_risk_checks_total",
				Help: "Risk gate evaluations by result and deciding check.",
			},
			[]string{"result", "check"},
		),
		TradesOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracketbot_trades_opened_total",
				Help: "Trades opened, by initial status.",
			},
			[]string{"status"},
		),
		TradesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracketbot_trades_closed_total",
				Help: "Trades closed, by terminal status.",
			},
			[]string{"status"},
		),
		OpenTrades: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bracketbot_open_trades",
				Help: "Open trades seen by the last reconciliation cycle.",
			},
		),
		ReconcileCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracketbot_reconcile_cycles_total",
				Help: "Reconciliation cycles by result.",
			},
			[]string{"result"},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bracketbot_reconcile_duration_seconds",
				Help:    "Reconciliation cycle duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ExchangeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracketbot_exchange_errors_total",
				Help: "Exchange call failures by operation.",
			},
			[]string{"op"},
		),
		NotificationsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bracketbot_notifications_dropped_total",
				Help: "Notifications dropped because the outbound queue was full or sending failed.",
			},
		),
	}

	registry.MustRegister(m.RiskChecks, m.TradesOpened, m.TradesClosed, m.OpenTrades,
		m.ReconcileCycles, m.ReconcileDuration, m.ExchangeErrors, m.NotificationsDropped)
	return m
}

func (m *Metrics) ObserveRiskDecision(allowed bool, check string) {
	if m == nil {
		return
	}
	result := "rejected"
	if allowed {
		result = "allowed"
	}
	m.RiskChecks.WithLabelValues(result, check).Inc()
}

func (m *Metrics) TradeOpened(status string) {
	if m == nil {
		return
	}
	m.TradesOpened.WithLabelValues(status).Inc()
}

func (m *Metrics) TradeClosed(status string) {
	if m == nil {
		return
	}
	m.TradesClosed.WithLabelValues(status).Inc()
}

// ObserveReconcile records one monitor cycle.
func (m *Metrics) ObserveReconcile(started time.Time, openTrades int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ReconcileCycles.WithLabelValues(result).Inc()
	m.ReconcileDuration.Observe(time.Since(started).Seconds())
	m.OpenTrades.Set(float64(openTrades))
}

func (m *Metrics) ExchangeError(op string) {
	if m == nil {
		return
	}
	m.ExchangeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}
