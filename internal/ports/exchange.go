package ports

import (
	"context"
	"time"

	"bracketBot/internal/domain"
)

// MarketOrderResult is the outcome of a filled market order.
type MarketOrderResult struct {
	OrderID      int64
	Symbol       string
	Status       domain.OrderStatus
	Fills        []domain.Fill
	TransactTime time.Time
}

// OrderState is the exchange view of a single order.
type OrderState struct {
	OrderID     int64
	Symbol      string
	Status      domain.OrderStatus
	ExecutedQty float64
	// AvgPrice is cumulative quote / executed quantity, 0 when nothing executed.
	AvgPrice   float64
	UpdateTime time.Time
}

// OpenOrder is an order the exchange reports as still working.
type OpenOrder struct {
	OrderID  int64
	Symbol   string
	Side     domain.OrderSide
	Type     domain.OrderType
	Price    float64
	Quantity float64
	Status   domain.OrderStatus
}

// SymbolFilters carries the exchange-mandated increments for a symbol, as the
// exchange reports them (decimal strings, e.g. "0.01000000").
type SymbolFilters struct {
	Symbol         string
	TickSize       string
	StepSize       string
	QuotePrecision int
}

// ExchangeReader is the read-only half of the exchange gateway. Components
// that must never trade (the reconciliation monitor, the risk gate, the API)
// only ever receive this interface.
type ExchangeReader interface {
	// GetOrder retrieves the current exchange state of an order.
	GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderState, error)
	// GetOpenOrders lists every open order on the account across symbols.
	GetOpenOrders(ctx context.Context) ([]OpenOrder, error)
	// GetSymbolFilters returns tick and step sizes for a symbol.
	GetSymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error)
	// GetPrice returns the last traded price of a symbol.
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// OrderExecutor is the mutating exchange gateway. Only the trade lifecycle
// manager holds one.
type OrderExecutor interface {
	ExchangeReader

	// MarketBuy spends quoteAmount of the quote asset at market.
	MarketBuy(ctx context.Context, symbol, quoteAmount string) (*MarketOrderResult, error)
	// MarketSell sells quantity of the base asset at market.
	MarketSell(ctx context.Context, symbol, quantity string) (*MarketOrderResult, error)
	// PlaceLimitSell places a GTC limit sell and returns its exchange order id.
	PlaceLimitSell(ctx context.Context, symbol, quantity, price string) (int64, error)
	// PlaceStopLimitSell places a GTC stop-loss-limit sell and returns its exchange order id.
	PlaceStopLimitSell(ctx context.Context, symbol, quantity, stopPrice, limitPrice string) (int64, error)
	// CancelOrder cancels an order. ErrOrderNotFound is returned when the
	// exchange no longer knows the order as open.
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}

// BalanceProvider returns spendable balances.
type BalanceProvider interface {
	// GetFreeBalance returns the free (unlocked) amount of an asset.
	GetFreeBalance(ctx context.Context, asset string) (float64, error)
}
