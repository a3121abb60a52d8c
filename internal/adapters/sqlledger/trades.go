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

const tradeColumns = `id, symbol, side, avg_price, quantity, spent_notional, take_profit_pct, stop_loss_pct,
	tp_price, sl_stop_price, sl_limit_price, tp_order_ref, sl_order_ref, status, created_at,
	closed_at, close_price, realized_pnl`

const openStatusFilter = `status IN ('OPEN', 'OPEN_SL_TP')`

// RecordOpenedTrade persists a trade and its orders atomically.
func (l *Ledger) RecordOpenedTrade(ctx context.Context, trade *domain.Trade, orders []*domain.Order) (int64, error) {
	op := "RecordOpenedTrade"
	if trade.Status.IsTerminal() {
		return 0, wrap(op, ports.Validationf("cannot record trade in terminal status %s", trade.Status))
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = l.now()
	}

	err := l.withTx(ctx, func(tx *sql.Tx) error {
		const query = `
		INSERT INTO trades (symbol, side, avg_price, quantity, spent_notional, take_profit_pct, stop_loss_pct,
		                    tp_price, sl_stop_price, sl_limit_price, tp_order_ref, sl_order_ref, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`
		var id int64
		err := tx.QueryRowContext(ctx, l.q(query),
			trade.Symbol, trade.Side, trade.AvgPrice, trade.Quantity, trade.SpentNotional,
			trade.TakeProfitPct, trade.StopLossPct, trade.TPPrice, trade.SLStopPrice, trade.SLLimitPrice,
			nullInt64(trade.TPOrderRef), nullInt64(trade.SLOrderRef), trade.Status, trade.CreatedAt.UTC(),
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert trade for %s: %w", trade.Symbol, err)
		}
		trade.ID = id

		for _, o := range orders {
			tradeID := id
			o.TradeID = &tradeID
			if err := l.insertOrderTx(ctx, tx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		trade.ID = 0
		return 0, wrap(op, err)
	}
	l.logger.Debug(ctx, "Trade recorded", map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol, "status": trade.Status, "orders": len(orders)})
	return trade.ID, nil
}

// GetTrade retrieves a trade by id.
func (l *Ledger) GetTrade(ctx context.Context, id int64) (*domain.Trade, error) {
	op := "GetTrade"
	row := l.db.QueryRowContext(ctx, l.q(`SELECT `+tradeColumns+` FROM trades WHERE id = ?`), id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrap(op, fmt.Errorf("trade %d: %w", id, ports.ErrNotFound))
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	return t, nil
}

// ListOpenTrades returns trades that are not yet terminal, oldest first.
func (l *Ledger) ListOpenTrades(ctx context.Context) ([]*domain.Trade, error) {
	return l.queryTrades(ctx, "ListOpenTrades",
		`SELECT `+tradeColumns+` FROM trades WHERE `+openStatusFilter+` ORDER BY id ASC`)
}

// ListTrades returns trades newest first, up to limit (all when limit <= 0).
func (l *Ledger) ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		return l.queryTrades(ctx, "ListTrades", `SELECT `+tradeColumns+` FROM trades ORDER BY id DESC`)
	}
	return l.queryTrades(ctx, "ListTrades", `SELECT `+tradeColumns+` FROM trades ORDER BY id DESC LIMIT ?`, limit)
}

// ListTradesCreatedSince returns trades created at or after since, oldest first.
func (l *Ledger) ListTradesCreatedSince(ctx context.Context, since time.Time) ([]*domain.Trade, error) {
	return l.queryTrades(ctx, "ListTradesCreatedSince",
		`SELECT `+tradeColumns+` FROM trades WHERE created_at >= ? ORDER BY id ASC`, since.UTC())
}

func (l *Ledger) queryTrades(ctx context.Context, op, query string, args ...interface{}) ([]*domain.Trade, error) {
	rows, err := l.db.QueryContext(ctx, l.q(query), args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, wrap(op, fmt.Errorf("scan trade: %w", err))
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return trades, nil
}

// CloseTrade moves a live trade to a terminal status. The update is a
// compare-and-set on status: a trade that is already terminal is left
// untouched and ErrInvalidState is returned.
func (l *Ledger) CloseTrade(ctx context.Context, c domain.TradeClose) (*domain.PnLSnapshot, error) {
	op := "CloseTrade"
	if !c.Status.IsTerminal() {
		return nil, wrap(op, ports.Validationf("status %s is not terminal", c.Status))
	}
	if c.ClosedAt.IsZero() {
		c.ClosedAt = l.now()
	}
	closedAt := c.ClosedAt.UTC()

	var snap *domain.PnLSnapshot
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, l.q(`
			UPDATE trades SET status = ?, closed_at = ?, close_price = ?, realized_pnl = ?
			WHERE id = ? AND `+openStatusFilter),
			c.Status, closedAt, c.ClosePrice, c.PnL, c.TradeID)
		if err != nil {
			return fmt.Errorf("update trade %d: %w", c.TradeID, err)
		}
		if err := l.checkTransitionTx(ctx, tx, res, c.TradeID); err != nil {
			return err
		}

		if c.FilledOrderID != 0 {
			if _, err := tx.ExecContext(ctx, l.q(`
				UPDATE orders SET status = ?, executed_at = COALESCE(executed_at, ?)
				WHERE exchange_order_id = ?`),
				domain.OrderStatusFilled, closedAt, c.FilledOrderID); err != nil {
				return fmt.Errorf("mark order %d filled: %w", c.FilledOrderID, err)
			}
		}
		if c.ExitOrder != nil {
			tradeID := c.TradeID
			c.ExitOrder.TradeID = &tradeID
			if err := l.insertOrderTx(ctx, tx, c.ExitOrder); err != nil {
				return err
			}
		}

		snap, err = l.appendSnapshotTx(ctx, tx, c.PnL, closedAt)
		return err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	l.logger.Info(ctx, "Trade closed in ledger", map[string]interface{}{
		"tradeID": c.TradeID, "status": c.Status, "closePrice": c.ClosePrice, "pnl": c.PnL,
	})
	return snap, nil
}

// ReplaceBrackets updates bracket fields of a live trade, cancels the old
// bracket orders locally and records the new ones.
func (l *Ledger) ReplaceBrackets(ctx context.Context, u domain.BracketUpdate, canceled []int64, orders []*domain.Order) error {
	op := "ReplaceBrackets"
	if u.Status.IsTerminal() {
		return wrap(op, ports.Validationf("bracket update cannot set terminal status %s", u.Status))
	}

	err := l.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, l.q(`
			UPDATE trades SET take_profit_pct = ?, stop_loss_pct = ?, tp_price = ?, sl_stop_price = ?,
			                  sl_limit_price = ?, tp_order_ref = ?, sl_order_ref = ?, status = ?
			WHERE id = ? AND `+openStatusFilter),
			u.TakeProfitPct, u.StopLossPct, u.TPPrice, u.SLStopPrice, u.SLLimitPrice,
			nullInt64(u.TPOrderRef), nullInt64(u.SLOrderRef), u.Status, u.TradeID)
		if err != nil {
			return fmt.Errorf("update brackets of trade %d: %w", u.TradeID, err)
		}
		if err := l.checkTransitionTx(ctx, tx, res, u.TradeID); err != nil {
			return err
		}

		for _, id := range canceled {
			if _, err := tx.ExecContext(ctx, l.q(`
				UPDATE orders SET status = ? WHERE exchange_order_id = ? AND status IN ('NEW', 'PARTIALLY_FILLED')`),
				domain.OrderStatusCanceled, id); err != nil {
				return fmt.Errorf("cancel order %d: %w", id, err)
			}
		}
		for _, o := range orders {
			tradeID := u.TradeID
			o.TradeID = &tradeID
			if err := l.insertOrderTx(ctx, tx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrap(op, err)
	}
	l.logger.Debug(ctx, "Trade brackets replaced", map[string]interface{}{"tradeID": u.TradeID, "status": u.Status})
	return nil
}

// checkTransitionTx turns a zero-row compare-and-set into NotFound or InvalidState.
func (l *Ledger) checkTransitionTx(ctx context.Context, tx *sql.Tx, res sql.Result, tradeID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for trade %d: %w", tradeID, err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = tx.QueryRowContext(ctx, l.q(`SELECT status FROM trades WHERE id = ?`), tradeID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("trade %d: %w", tradeID, ports.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load status of trade %d: %w", tradeID, err)
	}
	return fmt.Errorf("trade %d is already %s: %w", tradeID, status, ports.ErrInvalidState)
}

// scanTrade scans a row into a domain.Trade struct.
func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var (
		side, status    string
		tpRef, slRef    sql.NullInt64
		closedAt        sql.NullTime
		closePrice, pnl sql.NullFloat64
	)
	err := s.Scan(
		&t.ID, &t.Symbol, &side, &t.AvgPrice, &t.Quantity, &t.SpentNotional, &t.TakeProfitPct, &t.StopLossPct,
		&t.TPPrice, &t.SLStopPrice, &t.SLLimitPrice, &tpRef, &slRef, &status, &t.CreatedAt,
		&closedAt, &closePrice, &pnl)
	if err != nil {
		return nil, err
	}
	t.Side = domain.OrderSide(side)
	t.Status = domain.TradeStatus(status)
	t.CreatedAt = t.CreatedAt.UTC()
	if tpRef.Valid {
		t.TPOrderRef = &tpRef.Int64
	}
	if slRef.Valid {
		t.SLOrderRef = &slRef.Int64
	}
	if closedAt.Valid {
		ts := closedAt.Time.UTC()
		t.ClosedAt = &ts
	}
	if closePrice.Valid {
		t.ClosePrice = &closePrice.Float64
	}
	if pnl.Valid {
		t.RealizedPnL = &pnl.Float64
	}
	return t, nil
}
