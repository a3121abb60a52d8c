package sqlledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

const orderColumns = `id, trade_id, exchange_order_id, symbol, side, type, quantity,
	COALESCE(price, 0), COALESCE(stop_price, 0), status, created_at, executed_at`

// CreateOrder inserts a standalone or trade-bound order.
func (l *Ledger) CreateOrder(ctx context.Context, order *domain.Order) (int64, error) {
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		return l.insertOrderTx(ctx, tx, order)
	})
	if err != nil {
		return 0, wrap("CreateOrder", err)
	}
	return order.ID, nil
}

func (l *Ledger) insertOrderTx(ctx context.Context, tx *sql.Tx, o *domain.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = l.now()
	}
	const query = `
	INSERT INTO orders (trade_id, exchange_order_id, symbol, side, type, quantity, price, stop_price,
	                    status, created_at, executed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING id`
	err := tx.QueryRowContext(ctx, l.q(query),
		nullInt64(o.TradeID), o.ExchangeOrderID, o.Symbol, o.Side, o.Type, o.Quantity,
		nullFloat(o.Price), nullFloat(o.StopPrice), o.Status, o.CreatedAt.UTC(), nullTime(o.ExecutedAt),
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("insert order %d (%s %s): %w", o.ExchangeOrderID, o.Symbol, o.Type, err)
	}
	return nil
}

// UpdateOrderStatus mirrors an exchange status onto the local order. The
// execution time is stamped the first time an order is seen FILLED.
func (l *Ledger) UpdateOrderStatus(ctx context.Context, exchangeOrderID int64, status domain.OrderStatus, at time.Time) error {
	op := "UpdateOrderStatus"
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var executedAt sql.NullTime
		if status == domain.OrderStatusFilled {
			executedAt = nullTime(&at)
		}
		res, err := tx.ExecContext(ctx, l.q(`
			UPDATE orders SET status = ?, executed_at = COALESCE(executed_at, ?)
			WHERE exchange_order_id = ?`),
			status, executedAt, exchangeOrderID)
		if err != nil {
			return fmt.Errorf("update order %d: %w", exchangeOrderID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("order %d: %w", exchangeOrderID, ports.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return wrap(op, err)
	}
	l.logger.Debug(ctx, "Order status updated", map[string]interface{}{"exchangeOrderID": exchangeOrderID, "status": status})
	return nil
}

// FindOrderByExchangeID returns nil, nil when the exchange id is unknown locally.
func (l *Ledger) FindOrderByExchangeID(ctx context.Context, exchangeOrderID int64) (*domain.Order, error) {
	row := l.db.QueryRowContext(ctx, l.q(`SELECT `+orderColumns+` FROM orders WHERE exchange_order_id = ?`), exchangeOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("FindOrderByExchangeID", err)
	}
	return o, nil
}

// ListOrdersByTrade returns the orders of a trade, oldest first.
func (l *Ledger) ListOrdersByTrade(ctx context.Context, tradeID int64) ([]*domain.Order, error) {
	op := "ListOrdersByTrade"
	rows, err := l.db.QueryContext(ctx, l.q(`SELECT `+orderColumns+` FROM orders WHERE trade_id = ? ORDER BY id ASC`), tradeID)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, wrap(op, fmt.Errorf("scan order: %w", err))
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return orders, nil
}

func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var (
		tradeID           sql.NullInt64
		side, typ, status string
		executedAt        sql.NullTime
	)
	err := s.Scan(&o.ID, &tradeID, &o.ExchangeOrderID, &o.Symbol, &side, &typ, &o.Quantity,
		&o.Price, &o.StopPrice, &status, &o.CreatedAt, &executedAt)
	if err != nil {
		return nil, err
	}
	if tradeID.Valid {
		o.TradeID = &tradeID.Int64
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	if executedAt.Valid {
		ts := executedAt.Time.UTC()
		o.ExecutedAt = &ts
	}
	return o, nil
}
