package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRiskDecision(true, "ok")
		m.TradeOpened("OPEN_SL_TP")
		m.TradeClosed("CLOSED_TP")
		m.ObserveReconcile(time.Now(), 3, nil)
		m.ExchangeError("MarketBuy")
		m.NotificationDropped()
	})
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRiskDecision(true, "ok")
	m.ObserveRiskDecision(false, "daily_loss")
	m.ObserveRiskDecision(false, "daily_loss")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RiskChecks.WithLabelValues("allowed", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RiskChecks.WithLabelValues("rejected", "daily_loss")))

	m.TradeOpened("OPEN")
	m.TradeClosed("CLOSED_SL")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TradesOpened.WithLabelValues("OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TradesClosed.WithLabelValues("CLOSED_SL")))

	m.ObserveReconcile(time.Now(), 4, nil)
	m.ObserveReconcile(time.Now(), 2, errors.New("exchange down"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileCycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileCycles.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OpenTrades))

	m.ExchangeError("GetOrder")
	m.NotificationDropped()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExchangeErrors.WithLabelValues("GetOrder")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDropped))
}

func TestNewMetrics_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
