package sqlledger

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

// setupTestDB creates a temporary sqlite ledger for testing
func setupTestDB(t *testing.T, startingCapital float64) (*Ledger, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "ledger-test-*")
	require.NoError(t, err)

	ledger, err := New(Config{
		DBPath:          filepath.Join(tmpDir, "test.db"),
		Logger:          &mockLogger{},
		StartingCapital: startingCapital,
		Now:             func() time.Time { return testNow },
	})
	require.NoError(t, err)

	cleanup := func() {
		ledger.Close()
		os.RemoveAll(tmpDir)
	}
	return ledger, cleanup
}

func ref(id int64) *int64 { return &id }

func newTrade(symbol string, buyID, tpID, slID int64) (*domain.Trade, []*domain.Order) {
	trade := &domain.Trade{
		Symbol:        symbol,
		Side:          domain.Buy,
		AvgPrice:      100,
		Quantity:      2,
		SpentNotional: 200,
		TakeProfitPct: 10,
		StopLossPct:   2,
		TPPrice:       110,
		SLStopPrice:   98,
		SLLimitPrice:  97.51,
		TPOrderRef:    ref(tpID),
		SLOrderRef:    ref(slID),
		Status:        domain.TradeStatusOpenSLTP,
		CreatedAt:     testNow.Add(-time.Hour),
	}
	orders := []*domain.Order{
		{ExchangeOrderID: buyID, Symbol: symbol, Side: domain.Buy, Type: domain.OrderTypeMarket, Quantity: 2, Price: 100, Status: domain.OrderStatusFilled},
		{ExchangeOrderID: tpID, Symbol: symbol, Side: domain.Sell, Type: domain.OrderTypeLimit, Quantity: 2, Price: 110, Status: domain.OrderStatusNew},
		{ExchangeOrderID: slID, Symbol: symbol, Side: domain.Sell, Type: domain.OrderTypeStopLossLimit, Quantity: 2, Price: 97.51, StopPrice: 98, Status: domain.OrderStatusNew},
	}
	return trade, orders
}

func TestLedger_RecordOpenedTrade(t *testing.T) {
	ledger, cleanup := setupTestDB(t, 0)
	defer cleanup()
	ctx := context.Background()

	trade, orders := newTrade("BTCUSDC", 1, 2, 3)
	id, err := ledger.RecordOpenedTrade(ctx, trade, orders)
	require.NoError(t, err)
	assert.Equal(t, id, trade.ID)

	got, err := ledger.GetTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDC", got.Symbol)
	assert.Equal(t, domain.TradeStatusOpenSLTP, got.Status)
	assert.Equal(t, int64(2), *got.TPOrderRef)
	assert.Equal(t, int64(3), *got.SLOrderRef)
	assert.Nil(t, got.ClosedAt)
	assert.Nil(t, got.RealizedPnL)
	assert.Nil(t, got.ClosePrice)

	stored, err := ledger.ListOrdersByTrade(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for _, o := range stored {
		require.NotNil(t, o.TradeID)
		assert.Equal(t, id, *o.TradeID)
	}
	assert.Equal(t, domain.OrderStatusFilled, stored[0].Status)
	assert.Equal(t, domain.OrderTypeStopLossLimit, stored[2].Type)
	assert.InDelta(t, 98.0, stored[2].StopPrice, 1e-9)
}

func TestLedger_RecordOpenedTradeIsAtomic(t *testing.T) {
	ledger, cleanup := setupTestDB(t, 0)
	defer cleanup()
	ctx := context.Background()

	first, orders := newTrade("BTCUSDC", 1, 2, 3)
	_, err := ledger.RecordOpenedTrade(ctx, first, orders)
	require.NoError(t, err)

	// Exchange id 3 already belongs to the first trade.
	second, dupOrders := newTrade("ETHUSDC", 4, 5, 3)
	_, err = ledger.RecordOpenedTrade(ctx, second, dupOrders)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrPersistence)
	assert.ErrorIs(t, err, ports.ErrDuplicateEntry)

	trades, err := ledger.ListTrades(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1, "failed insert must not leave a trade row behind")

	orphan, err := ledger.FindOrderByExchangeID(ctx, 4)
	require.NoError(t, err)
	assert.Nil(t, orphan, "failed insert must not leave order rows behind")
}

func TestLedger_RecordOpenedTradeRejectsTerminalStatus(t *testing.T) {
	ledger, cleanup := setupTestDB(t, 0)
	defer cleanup()

	trade, orders := newTrade("BTCUSDC", 1, 2, 3)
	trade.Status = domain.TradeStatusClosedTP
	_, err := ledger.RecordOpenedTrade(context.Background(), trade, orders)
	assert.ErrorIs(t, err, ports.ErrValidation)
}

func TestLedger_GetTradeNotFound(t *testing.T) {
	ledger, cleanup := setupTestDB(t, 0)
	defer cleanup()

	_, err := ledger.GetTrade(context.Background(), 42)
	assert.ErrorIs(t, err, ports.ErrNotFound)
	assert.NotErrorIs(t, err, ports.ErrPersistence)
}

func TestLedger_CloseTrade(t *testing.T) {
	tests := []struct {
		name           string
		status         domain.TradeStatus
		filledOrderID  int64
		exitOrder      *domain.Order
		wantOrderCount int
	}{
		{name: "take profit fill", status: domain.TradeStatusClosedTP, filledOrderID: 2, wantOrderCount: 3},
		{name: "stop loss fill", status: domain.TradeStatusClosedSL, filledOrderID: 3, wantOrderCount: 3},
		{
			name:   "manual close with exit order",
			status: domain.TradeStatusClosedManual,
			exitOrder: &domain.Order{
				ExchangeOrderID: 9, Symbol: "BTCUSDC", Side: domain.Sell, Type: domain.OrderTypeMarket,
				Quantity: 2, Price: 110, Status: domain.OrderStatusFilled,
			},
			wantOrderCount: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, cleanup := setupTestDB(t, 1000)
			defer cleanup()
			ctx := context.Background()

			trade, orders := newTrade("BTCUSDC", 1, 2, 3)
			id, err := ledger.RecordOpenedTrade(ctx, trade, orders)
			require.NoError(t, err)

			snap, err := ledger.CloseTrade(ctx, domain.TradeClose{
				TradeID:       id,
				Status:        tt.status,
				ClosePrice:    110,
				PnL:           20,
				ClosedAt:      testNow,
				FilledOrderID: tt.filledOrderID,
				ExitOrder:     tt.exitOrder,
			})
			require.NoError(t, err)
			require.NotNil(t, snap)
			assert.InDelta(t, 20.0, snap.PnL, 1e-9)
			assert.InDelta(t, 1020.0, snap.Equity, 1e-9)
			assert.InDelta(t, 0.0, snap.Drawdown, 1e-9)
			assert.InDelta(t, 20.0, snap.DailyPnL, 1e-9)

			got, err := ledger.GetTrade(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			require.NotNil(t, got.ClosedAt)
			require.NotNil(t, got.RealizedPnL)
			assert.InDelta(t, 20.0, *got.RealizedPnL, 1e-9)
			assert.InDelta(t, 110.0, *got.ClosePrice, 1e-9)

			stored, err := ledger.ListOrdersByTrade(ctx, id)
			require.NoError(t, err)
			assert.Len(t, stored, tt.wantOrderCount)

			if tt.filledOrderID != 0 {
				filled, err := ledger.FindOrderByExchangeID(ctx, tt.filledOrderID)
				require.NoError(t, err)
				assert.Equal(t, domain.OrderStatusFilled, filled.Status)
				assert.NotNil(t, filled.ExecutedAt)
			}
		})
	}
}

func TestLedger_CloseTradeIsTerminal(t *testing.T) {
	ledger, cleanup := setupTestDB(t, 0)
	defer cleanup()
	ctx := context.Background()

	trade, orders := newTrade("BTCUSDC", 1, 2, 3)
	id, err := ledger.RecordOpenedTrade(ctx, trade, orders)
	require.NoError(t, err)

	_, err = ledger.CloseTrade(ctx, domain.TradeClose{TradeID: id, Status: domain.TradeStatusClosedTP, ClosePrice: 110, PnL: 20})
	require.NoError(t, err)

	_, err = ledger.CloseTrade(ctx, domain.TradeClose{TradeID: id, Status: domain.TradeStatusClosedManual, ClosePrice: 90, PnL: -20})
	assert.ErrorIs(t, err, ports.ErrInvalidState)

	err = ledger.ReplaceBrackets(ctx, domain.BracketUpdate{TradeID: id, Status: domain.TradeStatusOpenSLTP}, nil, nil)
	assert.ErrorIs(t, err, ports.ErrInvalidState)

	got, err := ledger.GetTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusClosedTP, got.Status)
	assert.InDelta(t, 20.0, *got.RealizedPnL, 1e-9)

	snaps, err := ledger.ListSnapshots(ctx, domain.PeriodAll, testNow)
	require.NoError(t, err)
	assert.Len(t, snaps, 1, "a rejected close must not append a snapshot")

	_, err = ledger.CloseTrade(ctx, domain.TradeClose{TradeID: 999, Status: domain.TradeStatusClosedManual})
	assert.ErrorIs(t, err, ports.ErrNotFound)

	_, err = ledger.CloseTrade(ctx, domain.TradeClose{TradeID: id, Status: domain.TradeStatusOpen})
	assert.ErrorIs(t, err, ports.ErrValidation)
}

func TestLedger_SnapshotEquityFallsBackToBaseline(t *testing.T) {
	ledger, cleanup := setupTestDB(t, 0)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, ledger.PutSetting(ctx, domain.BaselineKey(testNow), "900"))
	require.NoError(t, ledger.PutSetting(ctx, domain.BaselineKey(testNow.AddDate(0, 0, -1)), "800"))

	trade, orders := newTrade("BTCUSDC", 1, 2, 3)
	id, err := ledger.RecordOpenedTrade(ctx, trade, orders)
	require.NoError(t, err)
	snap, err := ledger.CloseTrade(ctx, domain.TradeClose{TradeID: id, Status: domain.TradeStatusClosedTP, ClosePrice: 110, PnL: 20, ClosedAt: testNow})
	require.NoError(t, err)
	assert.InDelta(t, 820.0, snap.Equity, 1e-9, "earliest baseline seeds equity")
	assert.InDelta(t, 0.0, snap.Drawdown, 1e-9)

	trade, orders = newTrade("BTCUSDC", 4, 5, 6)
	id, err = ledger.RecordOpenedTrade(ctx, trade, orders)
	require.NoError(t, err)
	snap, err = ledger.CloseTrade(ctx, domain.TradeClose{TradeID: id, Status: domain.TradeStatusClosedSL, ClosePrice: 95, PnL: -10, ClosedAt: testNow})
	require.NoError(t, err)
	assert.InDelta(t, 810.0, snap.Equity, 1e-9)
	assert.InDelta(t, 10.0/820.0*100, snap.Drawdown, 1e-9)
}

func TestLedger_ConcurrentClosesCommitOnce(t *testing.T) {
	ledger, cleanup := setupTestDB(t, 0)
	defer cleanup()
	ctx := context.Background()

	trade, orders := newTrade("BTCUSDC", 1, 2, 3)
	id, err := ledger.RecordOpenedTrade(ctx, trade, orders)
	require.NoError(t, err)

	statuses := []domain.TradeStatus{domain.TradeStatusClosedTP, domain.TradeStatusClosedManual, domain.TradeStatusClosedSL, domain.TradeStatusClosedManual}
	errs := make([]error, len(statuses))
	var wg sync.WaitGroup
	for i, st := range statuses {
		wg.Add(1)
		go func(i int, st domain.TradeStatus) {
			defer wg.Done()
			_, errs[i] = ledger.CloseTrade(ctx, domain.TradeClose{TradeID: id, Status: st, ClosePrice: 110, PnL: 20})
		}(i, st)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ports.ErrInvalidState)
	}
	assert.Equal(t, 1, succeeded)

	snaps, err := ledger.ListSnapshots(ctx, domain.PeriodAll, testNow)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.InDelta(t, 20.0, snaps[0].Equity, 1e-9, "pnl must be counted once")
}

func TestLedger_ReplaceBrackets(t *testing.T) {
	ledger, cleanup := setupTestDB(t, 0)
	defer cleanup()
	ctx := context.Background()

	trade, orders := newTrade("BTCUSDC", 1, 2, 3)
	id, err := ledger.RecordOpenedTrade(ctx, trade, orders)
	require.NoError(t, err)

	update := domain.BracketUpdate{
		TradeID: id, TakeProfitPct: 5, StopLossPct: 3,
		TPPrice: 105, SLStopPrice: 97, SLLimitPrice: 96.51,
		TPOrderRef: ref(12), SLOrderRef: ref(13),
		Status: domain.TradeStatusOpenSLTP,
	}
	newOrders := []*domain.Order{
		{ExchangeOrderID: 12, Symbol: "BTCUSDC", Side: domain.Sell, Type: domain.OrderTypeLimit, Quantity: 2, Price: 105, Status: domain.OrderStatusNew},
		{ExchangeOrderID: 13, Symbol: "BTCUSDC", Side: domain.Sell, Type: domain.OrderTypeStopLossLimit, Quantity: 2, Price: 96.51, StopPrice: 97, Status: domain.OrderStatusNew},
	}
	require.NoError(t, ledger.ReplaceBrackets(ctx, update, []int64{2, 3}, newOrders))

	got, err := ledger.GetTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(12), *got.TPOrderRef)
	assert.Equal(t, int64(13), *got.SLOrderRef)
	assert.InDelta(t, 5.0, got.TakeProfitPct, 1e-9)
	assert.InDelta(t, 96.51, got.SLLimitPrice, 1e-9)

	stored, err := ledger.ListOrdersByTrade(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored, 5)
	assert.Equal(t, domain.OrderStatusFilled, stored[0].Status, "entry order must stay filled")
	assert.Equal(t, domain.OrderStatusCanceled, stored[1].Status)
	assert.Equal(t, domain.OrderStatusCanceled, stored[2].Status)
	assert.Equal(t, domain.OrderStatusNew, stored[3].Status)

	err = ledger.ReplaceBrackets(ctx, domain.BracketUpdate{TradeID: 77, Status: domain.TradeStatusOpen}, nil, nil)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestLedger_TradeQueries(t *testing.T) {
	ledger, cleanup := setupTestDB(t, 0)
	defer cleanup()
	ctx := context.Background()

	old, orders := newTrade("BTCUSDC", 1, 2, 3)
	old.CreatedAt = testNow.Add(-48 * time.Hour)
	oldID, err := ledger.RecordOpenedTrade(ctx, old, orders)
	require.NoError(t, err)

	fresh, orders := newTrade("ETHUSDC", 4, 5, 6)
	_, err = ledger.RecordOpenedTrade(ctx, fresh, orders)
	require.NoError(t, err)

	_, err = ledger.CloseTrade(ctx, domain.TradeClose{TradeID: oldID, Status: domain.TradeStatusClosedSL, ClosePrice: 98, PnL: -4})
	require.NoError(t, err)

	open, err := ledger.ListOpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "ETHUSDC", open[0].Symbol)

	recent, err := ledger.ListTradesCreatedSince(ctx, testNow.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "ETHUSDC", recent[0].Symbol)

	limited, err := ledger.ListTrades(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "ETHUSDC", limited[0].Symbol, "newest first")
}

func TestLedger_OrderStatus(t *testing.T) {
	ledger, cleanup := setupTestDB(t, 0)
	defer cleanup()
	ctx := context.Background()

	_, err := ledger.CreateOrder(ctx, &domain.Order{
		ExchangeOrderID: 50, Symbol: "BTCUSDC", Side: domain.Sell, Type: domain.OrderTypeLimit,
		Quantity: 1, Price: 101, Status: domain.OrderStatusNew,
	})
	require.NoError(t, err)

	require.NoError(t, ledger.UpdateOrderStatus(ctx, 50, domain.OrderStatusFilled, testNow))
	o, err := ledger.FindOrderByExchangeID(ctx, 50)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Nil(t, o.TradeID)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	require.NotNil(t, o.ExecutedAt)
	assert.WithinDuration(t, testNow, *o.ExecutedAt, time.Second)

	err = ledger.UpdateOrderStatus(ctx, 51, domain.OrderStatusCanceled, testNow)
	assert.ErrorIs(t, err, ports.ErrNotFound)

	missing, err := ledger.FindOrderByExchangeID(ctx, 51)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLedger_ListSnapshotsByPeriod(t *testing.T) {
	ledger, cleanup := setupTestDB(t, 100)
	defer cleanup()
	ctx := context.Background()

	closes := []struct {
		at  time.Time
		pnl float64
	}{
		{testNow.Add(-40 * 24 * time.Hour), 10},
		{testNow.Add(-3 * 24 * time.Hour), -22},
		{testNow.Add(-time.Hour), 5},
	}
	for i, c := range closes {
		trade, orders := newTrade("BTCUSDC", int64(i*10+1), int64(i*10+2), int64(i*10+3))
		trade.CreatedAt = c.at.Add(-time.Minute)
		id, err := ledger.RecordOpenedTrade(ctx, trade, orders)
		require.NoError(t, err)
		_, err = ledger.CloseTrade(ctx, domain.TradeClose{TradeID: id, Status: domain.TradeStatusClosedManual, ClosePrice: 1, PnL: c.pnl, ClosedAt: c.at})
		require.NoError(t, err)
	}

	counts := map[domain.Period]int{
		domain.PeriodDay:   1,
		domain.PeriodWeek:  2,
		domain.PeriodMonth: 2,
		domain.PeriodYear:  3,
		domain.PeriodAll:   3,
	}
	for period, want := range counts {
		snaps, err := ledger.ListSnapshots(ctx, period, testNow)
		require.NoError(t, err)
		assert.Len(t, snaps, want, "period %s", period)
	}

	all, err := ledger.ListSnapshots(ctx, domain.PeriodAll, testNow)
	require.NoError(t, err)
	// equity 110 -> 88 -> 93; peak 110
	assert.InDelta(t, 110.0, all[0].Equity, 1e-9)
	assert.InDelta(t, 20.0, all[1].Drawdown, 1e-9)
	assert.InDelta(t, 93.0, all[2].Equity, 1e-9)
	assert.InDelta(t, (110.0-93.0)/110.0*100, all[2].Drawdown, 1e-9)
}

func TestLedger_EventsAndSettings(t *testing.T) {
	ledger, cleanup := setupTestDB(t, 0)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, ledger.AppendEvent(ctx, &domain.Event{Level: domain.EventInfo, Module: "risk", Message: "approved", Data: map[string]interface{}{"symbol": "BTCUSDC"}}))
	require.NoError(t, ledger.AppendEvent(ctx, &domain.Event{Level: domain.EventWarn, Module: "monitor", Message: "orphan order"}))

	events, err := ledger.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "orphan order", events[0].Message)
	assert.Equal(t, "BTCUSDC", events[1].Data["symbol"])

	_, ok, err := ledger.GetSetting(ctx, "trading_mode")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ledger.PutSetting(ctx, "trading_mode", "AUTO_GATED"))
	require.NoError(t, ledger.PutSetting(ctx, "trading_mode", "CONFIRM_ALL"))
	v, ok, err := ledger.GetSetting(ctx, "trading_mode")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "CONFIRM_ALL", v)

	stored, err := ledger.PutSettingIfAbsent(ctx, "equity_baseline:2026-10-18", "1000")
	require.NoError(t, err)
	assert.True(t, stored)
	stored, err = ledger.PutSettingIfAbsent(ctx, "equity_baseline:2026-10-18", "900")
	require.NoError(t, err)
	assert.False(t, stored)
	v, _, _ = ledger.GetSetting(ctx, "equity_baseline:2026-10-18")
	assert.Equal(t, "1000", v)
}

func TestDialect_Rebind(t *testing.T) {
	pg, err := dialectFor(DriverPostgres)
	require.NoError(t, err)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", pg.rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)"))

	lite, err := dialectFor("")
	require.NoError(t, err)
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))

	_, err = dialectFor("oracle")
	assert.Error(t, err)
}
