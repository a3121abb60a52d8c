package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bracketBot/internal/adapters/sqlledger"
	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
	"bracketBot/internal/risk"
)

var appNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

// mockExchange is an in-memory spot venue. Market orders fill at price.
type mockExchange struct {
	mu      sync.Mutex
	nextID  int64
	price   float64
	filters ports.SymbolFilters
	orders  map[int64]*ports.OrderState
	calls   []string

	buyErr    error
	sellErr   error
	tpErr     error
	slErr     error
	noFills   bool
	priceErr  error
	cancelErr map[int64]error
	extraOpen []ports.OpenOrder
}

func newMockExchange(price float64) *mockExchange {
	return &mockExchange{
		nextID:    1000,
		price:     price,
		filters:   ports.SymbolFilters{Symbol: "BTCUSDC", TickSize: "0.01000000", StepSize: "0.00001000", QuotePrecision: 8},
		orders:    map[int64]*ports.OrderState{},
		cancelErr: map[int64]error{},
	}
}

func (m *mockExchange) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockExchange) called(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (m *mockExchange) newOrder(symbol string, status domain.OrderStatus) int64 {
	m.nextID++
	m.orders[m.nextID] = &ports.OrderState{OrderID: m.nextID, Symbol: symbol, Status: status, UpdateTime: appNow}
	return m.nextID
}

// fill marks an order as executed at avg.
func (m *mockExchange) fill(id int64, avg float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	o.Status = domain.OrderStatusFilled
	o.AvgPrice = avg
}

func (m *mockExchange) status(id int64) domain.OrderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

func (m *mockExchange) marketOrder(symbol string, qty float64) *ports.MarketOrderResult {
	id := m.newOrder(symbol, domain.OrderStatusFilled)
	res := &ports.MarketOrderResult{OrderID: id, Symbol: symbol, Status: domain.OrderStatusFilled, TransactTime: appNow}
	if !m.noFills {
		res.Fills = []domain.Fill{{Price: m.price, Quantity: qty}}
	}
	return res
}

func (m *mockExchange) MarketBuy(ctx context.Context, symbol, quoteAmount string) (*ports.MarketOrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MarketBuy")
	if m.buyErr != nil {
		return nil, m.buyErr
	}
	quote, err := strconv.ParseFloat(quoteAmount, 64)
	if err != nil {
		return nil, err
	}
	return m.marketOrder(symbol, quote/m.price), nil
}

func (m *mockExchange) MarketSell(ctx context.Context, symbol, quantity string) (*ports.MarketOrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MarketSell")
	if m.sellErr != nil {
		return nil, m.sellErr
	}
	qty, err := strconv.ParseFloat(quantity, 64)
	if err != nil {
		return nil, err
	}
	return m.marketOrder(symbol, qty), nil
}

func (m *mockExchange) PlaceLimitSell(ctx context.Context, symbol, quantity, price string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PlaceLimitSell")
	if m.tpErr != nil {
		return 0, m.tpErr
	}
	return m.newOrder(symbol, domain.OrderStatusNew), nil
}

func (m *mockExchange) PlaceStopLimitSell(ctx context.Context, symbol, quantity, stopPrice, limitPrice string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PlaceStopLimitSell")
	if m.slErr != nil {
		return 0, m.slErr
	}
	return m.newOrder(symbol, domain.OrderStatusNew), nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CancelOrder")
	if err := m.cancelErr[orderID]; err != nil {
		return err
	}
	o, ok := m.orders[orderID]
	if !ok || !o.Status.IsLive() {
		return fmt.Errorf("cancel %d: %w", orderID, ports.ErrOrderNotFound)
	}
	o.Status = domain.OrderStatusCanceled
	return nil
}

func (m *mockExchange) GetOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, ports.ErrOrderNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *mockExchange) GetOpenOrders(ctx context.Context) ([]ports.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ports.OpenOrder
	for _, o := range m.orders {
		if o.Status.IsLive() {
			out = append(out, ports.OpenOrder{OrderID: o.OrderID, Symbol: o.Symbol, Side: domain.Sell, Status: o.Status})
		}
	}
	return append(out, m.extraOpen...), nil
}

func (m *mockExchange) GetSymbolFilters(ctx context.Context, symbol string) (*ports.SymbolFilters, error) {
	f := m.filters
	f.Symbol = symbol
	return &f, nil
}

func (m *mockExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, m.priceErr
}

type mockGate struct {
	decision risk.Decision
	requests []risk.Request
}

func allowAll() *mockGate {
	return &mockGate{decision: risk.Decision{Allowed: true, Check: risk.CheckPassed, Reason: "OK"}}
}

func (m *mockGate) Evaluate(ctx context.Context, req risk.Request) risk.Decision {
	m.requests = append(m.requests, req)
	return m.decision
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (m *mockNotifier) Notify(ctx context.Context, n domain.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
}

func (m *mockNotifier) kinds() []domain.NotificationKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.NotificationKind, 0, len(m.sent))
	for _, n := range m.sent {
		out = append(out, n.Kind)
	}
	return out
}

type mockBalances struct {
	free float64
}

func (m *mockBalances) GetFreeBalance(ctx context.Context, asset string) (float64, error) {
	return m.free, nil
}

type mockLocker struct {
	held     bool
	unlocked int
}

func (m *mockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if m.held {
		return false, nil
	}
	return true, nil
}

func (m *mockLocker) Unlock(ctx context.Context, key string) error {
	m.unlocked++
	return nil
}

// newTestLedger opens a sqlite ledger in a temp dir with 1000 starting capital.
func newTestLedger(t *testing.T) *sqlledger.Ledger {
	t.Helper()
	ledger, err := sqlledger.New(sqlledger.Config{
		DBPath:          filepath.Join(t.TempDir(), "ledger.db"),
		Logger:          &mockLogger{},
		StartingCapital: 1000,
		Now:             func() time.Time { return appNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

type testEnv struct {
	ex       *mockExchange
	ledger   *sqlledger.Ledger
	gate     *mockGate
	notifier *mockNotifier
	manager  *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ex:       newMockExchange(100),
		ledger:   newTestLedger(t),
		gate:     allowAll(),
		notifier: &mockNotifier{},
	}
	m, err := NewManager(env.ex, env.ledger, env.gate, env.notifier, &mockLogger{}, nil)
	require.NoError(t, err)
	m.now = func() time.Time { return appNow }
	env.manager = m
	return env
}

func (env *testEnv) newMonitor(t *testing.T, balances ports.BalanceProvider, locker ports.Locker) *Monitor {
	t.Helper()
	mon, err := NewMonitor(MonitorConfig{Interval: time.Second, QuoteAsset: "USDC"},
		env.ex, env.manager, env.ledger, balances, locker, env.notifier, &mockLogger{}, nil)
	require.NoError(t, err)
	mon.now = func() time.Time { return appNow }
	return mon
}

// openBTC opens 200 USDC of BTCUSDC at 100 with TP 10% and SL 2%.
func (env *testEnv) openBTC(t *testing.T) *domain.Trade {
	t.Helper()
	res, err := env.manager.OpenTrade(context.Background(), OpenRequest{
		Symbol: "BTCUSDC", Amount: 200, TakeProfitPct: 10, StopLossPct: 2, VolatilityPct: 2,
	})
	require.NoError(t, err)
	return res.Trade
}
