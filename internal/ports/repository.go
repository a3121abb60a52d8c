package ports

import (
	"context"
	"time"

	"bracketBot/internal/domain"
)

// TradeLedger stores trades and their orders. Every method is atomic; all
// failures wrap ErrPersistence, unknown ids wrap ErrNotFound and rejected
// status transitions wrap ErrInvalidState.
type TradeLedger interface {
	// RecordOpenedTrade persists a trade and its orders in one transaction and
	// returns the trade id. trade.ID and every order's TradeID are set on success.
	RecordOpenedTrade(ctx context.Context, trade *domain.Trade, orders []*domain.Order) (int64, error)
	// GetTrade returns the trade or an error wrapping ErrNotFound.
	GetTrade(ctx context.Context, id int64) (*domain.Trade, error)
	// ListOpenTrades returns trades whose status is OPEN or OPEN_SL_TP.
	ListOpenTrades(ctx context.Context) ([]*domain.Trade, error)
	// ListTrades returns trades newest first. limit <= 0 means no limit.
	ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error)
	// ListTradesCreatedSince returns trades with created_at >= since.
	ListTradesCreatedSince(ctx context.Context, since time.Time) ([]*domain.Trade, error)
	// CloseTrade applies a terminal transition only if the trade is still open
	// and appends the resulting PnL snapshot in the same transaction.
	CloseTrade(ctx context.Context, close domain.TradeClose) (*domain.PnLSnapshot, error)
	// ReplaceBrackets swaps the bracket fields of a live trade, marks the given
	// old orders CANCELED and inserts the new bracket orders.
	ReplaceBrackets(ctx context.Context, update domain.BracketUpdate, canceled []int64, orders []*domain.Order) error
}

// OrderLedger stores exchange orders.
type OrderLedger interface {
	// CreateOrder inserts an order and returns its id.
	CreateOrder(ctx context.Context, order *domain.Order) (int64, error)
	// UpdateOrderStatus sets the status of the order with the given exchange id.
	UpdateOrderStatus(ctx context.Context, exchangeOrderID int64, status domain.OrderStatus, at time.Time) error
	// FindOrderByExchangeID returns nil, nil when no local order matches.
	FindOrderByExchangeID(ctx context.Context, exchangeOrderID int64) (*domain.Order, error)
	// ListOrdersByTrade returns the orders of a trade oldest first.
	ListOrdersByTrade(ctx context.Context, tradeID int64) ([]*domain.Order, error)
}

// SnapshotLedger reads the PnL snapshot series.
type SnapshotLedger interface {
	// ListSnapshots returns snapshots inside the period window, oldest first.
	ListSnapshots(ctx context.Context, period domain.Period, now time.Time) ([]*domain.PnLSnapshot, error)
}

// EventLog is the append-only audit log.
type EventLog interface {
	AppendEvent(ctx context.Context, event *domain.Event) error
	// RecentEvents returns up to limit events newest first.
	RecentEvents(ctx context.Context, limit int) ([]*domain.Event, error)
}

// SettingsStore persists small configuration records.
type SettingsStore interface {
	// GetSetting returns the value and whether it exists.
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
	// PutSettingIfAbsent stores the value only if the key is missing and
	// reports whether it was stored.
	PutSettingIfAbsent(ctx context.Context, key, value string) (bool, error)
}

// Ledger is the full persistent store.
type Ledger interface {
	TradeLedger
	OrderLedger
	SnapshotLedger
	EventLog
	SettingsStore
}
