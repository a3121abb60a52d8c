package sqlledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"bracketBot/internal/domain"
)

// appendSnapshotTx records the equity point produced by a realized pnl.
// Equity is the starting capital plus cumulative realized pnl, drawdown is
// measured against the highest equity seen so far.
func (l *Ledger) appendSnapshotTx(ctx context.Context, tx *sql.Tx, pnl float64, at time.Time) (*domain.PnLSnapshot, error) {
	var cumulative, daily, prevPeak float64
	capital, err := l.capitalTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0.0) FROM trades WHERE closed_at IS NOT NULL`,
	).Scan(&cumulative); err != nil {
		return nil, fmt.Errorf("sum realized pnl: %w", err)
	}
	if err := tx.QueryRowContext(ctx, l.q(
		`SELECT COALESCE(SUM(realized_pnl), 0.0) FROM trades WHERE closed_at >= ?`),
		domain.StartOfUTCDay(at),
	).Scan(&daily); err != nil {
		return nil, fmt.Errorf("sum daily pnl: %w", err)
	}
	if err := tx.QueryRowContext(ctx, l.q(
		`SELECT COALESCE(MAX(equity), ?) FROM pnl_snapshots`), capital,
	).Scan(&prevPeak); err != nil {
		return nil, fmt.Errorf("load equity peak: %w", err)
	}

	snap := &domain.PnLSnapshot{
		Timestamp: at.UTC(),
		PnL:       pnl,
		Equity:    capital + cumulative,
		DailyPnL:  daily,
	}
	peak := math.Max(math.Max(prevPeak, capital), snap.Equity)
	if peak > 0 {
		snap.Drawdown = (peak - snap.Equity) / peak * 100
	}

	err = tx.QueryRowContext(ctx, l.q(`
		INSERT INTO pnl_snapshots (timestamp, pnl, equity, drawdown, daily_pnl)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		snap.Timestamp, snap.PnL, snap.Equity, snap.Drawdown, snap.DailyPnL,
	).Scan(&snap.ID)
	if err != nil {
		return nil, fmt.Errorf("insert pnl snapshot: %w", err)
	}
	return snap, nil
}

// capitalTx is the configured starting capital or, when none is set, the
// earliest daily equity baseline recorded by reconciliation.
func (l *Ledger) capitalTx(ctx context.Context, tx *sql.Tx) (float64, error) {
	if l.startingCapital > 0 {
		return l.startingCapital, nil
	}
	var raw string
	err := tx.QueryRowContext(ctx, l.q(
		`SELECT value FROM settings WHERE name LIKE ? ORDER BY name ASC LIMIT 1`),
		domain.SettingBaselinePrefix+"%",
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load equity baseline: %w", err)
	}
	capital, perr := strconv.ParseFloat(raw, 64)
	if perr != nil || capital < 0 {
		l.logger.Warn(ctx, "Ignoring malformed equity baseline", map[string]interface{}{"value": raw})
		return 0, nil
	}
	return capital, nil
}

// ListSnapshots returns the snapshots inside the period window, oldest first.
func (l *Ledger) ListSnapshots(ctx context.Context, period domain.Period, now time.Time) ([]*domain.PnLSnapshot, error) {
	op := "ListSnapshots"
	query := `SELECT id, timestamp, pnl, equity, drawdown, daily_pnl FROM pnl_snapshots`
	var args []interface{}
	if since, bounded := period.Since(now); bounded {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY id ASC`

	rows, err := l.db.QueryContext(ctx, l.q(query), args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	snaps := make([]*domain.PnLSnapshot, 0)
	for rows.Next() {
		s := &domain.PnLSnapshot{}
		if err := rows.Scan(&s.ID, &s.Timestamp, &s.PnL, &s.Equity, &s.Drawdown, &s.DailyPnL); err != nil {
			return nil, wrap(op, fmt.Errorf("scan snapshot: %w", err))
		}
		s.Timestamp = s.Timestamp.UTC()
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return snaps, nil
}

// AppendEvent writes an audit record. Data is stored as JSON.
func (l *Ledger) AppendEvent(ctx context.Context, e *domain.Event) error {
	op := "AppendEvent"
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	var data sql.NullString
	if len(e.Data) > 0 {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return wrap(op, fmt.Errorf("encode event data: %w", err))
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	err := l.withTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, l.q(`
			INSERT INTO events (timestamp, level, module, message, data)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id`),
			e.Timestamp.UTC(), e.Level, e.Module, e.Message, data,
		).Scan(&e.ID)
	})
	return wrap(op, err)
}

// RecentEvents returns up to limit events, newest first.
func (l *Ledger) RecentEvents(ctx context.Context, limit int) ([]*domain.Event, error) {
	op := "RecentEvents"
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, l.q(
		`SELECT id, timestamp, level, module, message, data FROM events ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	events := make([]*domain.Event, 0)
	for rows.Next() {
		e := &domain.Event{}
		var level string
		var data sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &level, &e.Module, &e.Message, &data); err != nil {
			return nil, wrap(op, fmt.Errorf("scan event: %w", err))
		}
		e.Level = domain.EventLevel(level)
		e.Timestamp = e.Timestamp.UTC()
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				l.logger.Warn(ctx, "Event data is not valid JSON", map[string]interface{}{"eventID": e.ID})
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return events, nil
}

// GetSetting reads a persisted setting.
func (l *Ledger) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := l.db.QueryRowContext(ctx, l.q(`SELECT value FROM settings WHERE name = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("GetSetting", err)
	}
	return value, true, nil
}

// PutSetting creates or replaces a setting.
func (l *Ledger) PutSetting(ctx context.Context, key, value string) error {
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, l.q(`
			INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
			key, value, l.now())
		return err
	})
	return wrap("PutSetting", err)
}

// PutSettingIfAbsent stores value only when key does not exist yet.
func (l *Ledger) PutSettingIfAbsent(ctx context.Context, key, value string) (bool, error) {
	var stored bool
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, l.q(`
			INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO NOTHING`),
			key, value, l.now())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		stored = n > 0
		return err
	})
	if err != nil {
		return false, wrap("PutSettingIfAbsent", err)
	}
	return stored, nil
}
