package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bracketBot/internal/domain"
)

const allTradesLimit = 0

// ReportStore is the read-only ledger surface for reports.
type ReportStore interface {
	ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error)
	ListTradesCreatedSince(ctx context.Context, since time.Time) ([]*domain.Trade, error)
	ListSnapshots(ctx context.Context, period domain.Period, now time.Time) ([]*domain.PnLSnapshot, error)
}

// Reports answers profit and PnL history queries.
type Reports struct {
	store ReportStore
	now   func() time.Time
}

func NewReports(store ReportStore) *Reports {
	return &Reports{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// ProfitByPeriod sums realized pnl per symbol over closed trades created in
// the period, plus a TOTAL entry. Values are rounded to 8 decimals.
func (r *Reports) ProfitByPeriod(ctx context.Context, period domain.Period) (map[string]float64, error) {
	var (
		trades []*domain.Trade
		err    error
	)
	if since, bounded := period.Since(r.now()); bounded {
		trades, err = r.store.ListTradesCreatedSince(ctx, since)
	} else {
		trades, err = r.store.ListTrades(ctx, allTradesLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("profit for %s: %w", period, err)
	}

	sums := map[string]decimal.Decimal{}
	total := decimal.Zero
	for _, t := range trades {
		if !t.Status.IsTerminal() || t.RealizedPnL == nil {
			continue
		}
		pnl := decimal.NewFromFloat(*t.RealizedPnL)
		sums[t.Symbol] = sums[t.Symbol].Add(pnl)
		total = total.Add(pnl)
	}

	out := make(map[string]float64, len(sums)+1)
	for symbol, v := range sums {
		out[symbol] = v.Round(8).InexactFloat64()
	}
	out[domain.TotalKey] = total.Round(8).InexactFloat64()
	return out, nil
}

// PnLHistory returns the snapshots inside the period window, oldest first.
func (r *Reports) PnLHistory(ctx context.Context, period domain.Period) ([]*domain.PnLSnapshot, error) {
	snaps, err := r.store.ListSnapshots(ctx, period, r.now())
	if err != nil {
		return nil, fmt.Errorf("pnl history for %s: %w", period, err)
	}
	return snaps, nil
}
