package domain

import "time"

// Trade represents one round-trip position attempt: a market buy protected by
// a take-profit limit sell and a stop-loss-limit sell.
type Trade struct {
	ID            int64
	Symbol        string
	Side          OrderSide
	AvgPrice      float64 // quantity-weighted average fill price of the entry
	Quantity      float64 // filled quantity, quantised to the lot step
	SpentNotional float64 // quote amount requested for the entry
	TakeProfitPct float64
	StopLossPct   float64
	TPPrice       float64
	SLStopPrice   float64
	SLLimitPrice  float64
	TPOrderRef    *int64 // exchange order id of the TP bracket (nil if never placed)
	SLOrderRef    *int64 // exchange order id of the SL bracket (nil if never placed)
	Status        TradeStatus
	CreatedAt     time.Time

	// Set if and only if Status is terminal.
	ClosedAt    *time.Time
	ClosePrice  *float64
	RealizedPnL *float64
}

// IsOpen reports whether the trade is still live.
func (t *Trade) IsOpen() bool {
	return !t.Status.IsTerminal()
}

// BracketRefs returns the non-nil bracket order references.
func (t *Trade) BracketRefs() []int64 {
	refs := make([]int64, 0, 2)
	if t.TPOrderRef != nil {
		refs = append(refs, *t.TPOrderRef)
	}
	if t.SLOrderRef != nil {
		refs = append(refs, *t.SLOrderRef)
	}
	return refs
}

// PnLAt returns the realized PnL of selling the full quantity at exitPrice.
func (t *Trade) PnLAt(exitPrice float64) float64 {
	return (exitPrice - t.AvgPrice) * t.Quantity
}

// TradeClose describes a terminal transition applied by the ledger with
// compare-and-set on status.
type TradeClose struct {
	TradeID    int64
	Status     TradeStatus // one of the CLOSED_* statuses
	ClosePrice float64
	PnL        float64
	ClosedAt   time.Time

	// FilledOrderID, when non-zero, is the exchange id of the bracket whose
	// fill closed the trade. Its local Order is marked FILLED in the same transaction.
	FilledOrderID int64
	// ExitOrder, when set, is the market sell that closed the trade.
	ExitOrder *Order
}

// BracketUpdate carries the replacement bracket fields for a live trade.
type BracketUpdate struct {
	TradeID       int64
	TakeProfitPct float64
	StopLossPct   float64
	TPPrice       float64
	SLStopPrice   float64
	SLLimitPrice  float64
	TPOrderRef    *int64
	SLOrderRef    *int64
	Status        TradeStatus // OPEN_SL_TP when both refs are set, OPEN otherwise
}
