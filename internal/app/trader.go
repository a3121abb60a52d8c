package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bracketBot/internal/domain"
	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
	"bracketBot/internal/pricing"
	"bracketBot/internal/risk"
)

const traderModule = "trader"

// RiskGate is the admission check consulted before every risk-checked open.
type RiskGate interface {
	Evaluate(ctx context.Context, req risk.Request) risk.Decision
}

// TradeStore is the ledger surface the Manager writes through.
type TradeStore interface {
	ports.TradeLedger
	ports.OrderLedger
	ports.EventLog
}

// OpenRequest describes a position to open.
type OpenRequest struct {
	Symbol        string
	Amount        float64 // quote currency to spend
	TakeProfitPct float64
	StopLossPct   float64
	VolatilityPct float64
	SkipRiskCheck bool
}

// OpenResult is returned by OpenTrade. Trade is set whenever a position
// exists after the call, including the partial-failure case.
type OpenResult struct {
	Trade    *domain.Trade
	Decision *risk.Decision
	// Unprotected is true when the entry filled but at least one bracket is missing.
	Unprotected bool
}

// CloseResult is returned by a successful manual close.
type CloseResult struct {
	Trade     *domain.Trade
	ExitPrice float64
	PnL       float64
	Snapshot  *domain.PnLSnapshot
}

// Manager is the trade lifecycle manager and the only component holding the
// mutating exchange gateway.
type Manager struct {
	exchange ports.OrderExecutor
	store    TradeStore
	gate     RiskGate
	notifier ports.Notifier
	logger   ports.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	inflightMu sync.Mutex
	inflight   map[int64]struct{}
}

// NewManager wires a Manager. notifier and metrics may be nil.
func NewManager(
	exchange ports.OrderExecutor,
	store TradeStore,
	gate RiskGate,
	notifier ports.Notifier,
	logger ports.Logger,
	m *metrics.Metrics,
) (*Manager, error) {
	if exchange == nil || store == nil || gate == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Manager")
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Manager{
		exchange: exchange,
		store:    store,
		gate:     gate,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[int64]struct{}),
	}, nil
}

// OpenTrade buys at market and attaches take-profit and stop-loss orders.
//
// Errors: ErrValidation for bad input, *ports.RiskRejectedError when the gate
// denies, ErrExchange when nothing was bought, ErrUnprotectedPosition when a
// position exists without full protection (the result then carries the
// persisted trade), ErrPersistence when the ledger write failed.
//
// The call runs to completion once started: cancellation of ctx is ignored so
// a filled entry is always recorded and protected.
func (m *Manager) OpenTrade(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	op := "OpenTrade"
	ctx = context.WithoutCancel(ctx)
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := validateOpen(req); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	res := &OpenResult{}

	if !req.SkipRiskCheck {
		d := m.gate.Evaluate(ctx, risk.Request{
			Symbol:        req.Symbol,
			Notional:      req.Amount,
			StopLossPct:   req.StopLossPct,
			VolatilityPct: req.VolatilityPct,
		})
		res.Decision = &d
		if !d.Allowed {
			m.notifier.Notify(ctx, domain.Notification{
				Kind:   domain.NotifyRejected,
				Title:  "Trade rejected by risk gate",
				Symbol: req.Symbol,
				Fields: map[string]interface{}{"reason": d.Reason, "amount": req.Amount},
			})
			return res, d.Err()
		}
	}

	filters, err := m.exchange.GetSymbolFilters(ctx, req.Symbol)
	if err != nil {
		return res, fmt.Errorf("%s: symbol filters for %s: %w: %w", op, req.Symbol, ports.ErrExchange, err)
	}

	// 1. Entry
	quote := pricing.FormatQuote(req.Amount, filters.QuotePrecision)
	m.logger.Info(ctx, op+": Placing market buy", map[string]interface{}{"symbol": req.Symbol, "quoteAmount": quote})
	buy, err := m.exchange.MarketBuy(ctx, req.Symbol, quote)
	if err != nil {
		m.logger.Error(ctx, err, op+": Market buy failed", map[string]interface{}{"symbol": req.Symbol, "quoteAmount": quote})
		return res, fmt.Errorf("%s: market buy %s: %w: %w", op, req.Symbol, ports.ErrExchange, err)
	}
	avgPrice, filledQty, err := pricing.AverageFill(buy.Fills)
	if err != nil {
		m.logger.Error(ctx, err, op+": Market buy returned no fills", map[string]interface{}{"symbol": req.Symbol, "orderID": buy.OrderID})
		return res, fmt.Errorf("%s: market buy %s order %d: %w: %w", op, req.Symbol, buy.OrderID, ports.ErrExchange, ports.ErrNoFills)
	}
	m.logger.Info(ctx, op+": Entry filled", map[string]interface{}{"symbol": req.Symbol, "orderID": buy.OrderID, "avgPrice": avgPrice, "quantity": filledQty})

	trade := &domain.Trade{
		Symbol:        req.Symbol,
		Side:          domain.Buy,
		AvgPrice:      avgPrice,
		Quantity:      filledQty,
		SpentNotional: req.Amount,
		TakeProfitPct: req.TakeProfitPct,
		StopLossPct:   req.StopLossPct,
		Status:        domain.TradeStatusOpen,
		CreatedAt:     buy.TransactTime,
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = m.now()
	}
	executedAt := trade.CreatedAt
	orders := []*domain.Order{{
		ExchangeOrderID: buy.OrderID,
		Symbol:          req.Symbol,
		Side:            domain.Buy,
		Type:            domain.OrderTypeMarket,
		Quantity:        filledQty,
		Price:           avgPrice,
		Status:          domain.OrderStatusFilled,
		CreatedAt:       trade.CreatedAt,
		ExecutedAt:      &executedAt,
	}}

	// 2. Protection
	var bracketErrs []error
	b, err := pricing.Compute(avgPrice, filledQty, req.TakeProfitPct, req.StopLossPct, filters.TickSize, filters.StepSize)
	if err != nil {
		raw := pricing.Raw(avgPrice, req.TakeProfitPct, req.StopLossPct)
		trade.TPPrice = raw.TakeProfit.InexactFloat64()
		trade.SLStopPrice = raw.StopPrice.InexactFloat64()
		trade.SLLimitPrice = raw.StopLimit.InexactFloat64()
		bracketErrs = append(bracketErrs, fmt.Errorf("bracket prices: %w", err))
	} else {
		trade.Quantity = b.Quantity.InexactFloat64()
		trade.TPPrice = b.TakeProfit.InexactFloat64()
		trade.SLStopPrice = b.StopPrice.InexactFloat64()
		trade.SLLimitPrice = b.StopLimit.InexactFloat64()
		placed, errs := m.placeBrackets(ctx, trade.Symbol, b)
		bracketErrs = append(bracketErrs, errs...)
		trade.TPOrderRef, trade.SLOrderRef = placed.tp, placed.sl
		orders = append(orders, placed.orders...)
	}
	if trade.TPOrderRef != nil && trade.SLOrderRef != nil {
		trade.Status = domain.TradeStatusOpenSLTP
	}
	res.Trade = trade
	res.Unprotected = trade.Status != domain.TradeStatusOpenSLTP

	// 3. Persistence
	if _, err := m.store.RecordOpenedTrade(ctx, trade, orders); err != nil {
		m.logger.Error(ctx, err, op+": Position is live on the exchange but was not recorded", map[string]interface{}{
			"symbol": trade.Symbol, "buyOrderID": buy.OrderID, "quantity": trade.Quantity, "avgPrice": avgPrice,
		})
		return res, fmt.Errorf("%s: record %s trade (buy order %d): %w", op, trade.Symbol, buy.OrderID, err)
	}
	m.metrics.TradeOpened(string(trade.Status))

	fields := map[string]interface{}{
		"tradeID": trade.ID, "symbol": trade.Symbol, "avgPrice": trade.AvgPrice, "quantity": trade.Quantity,
		"tpPrice": trade.TPPrice, "slStop": trade.SLStopPrice, "slLimit": trade.SLLimitPrice, "status": string(trade.Status),
	}
	if res.Unprotected {
		joined := errors.Join(bracketErrs...)
		fields["error"] = joined.Error()
		m.logger.Error(ctx, joined, op+": POSITION OPEN WITHOUT FULL PROTECTION", fields)
		m.audit(ctx, domain.EventError, fmt.Sprintf("Unprotected position: trade %d %s", trade.ID, trade.Symbol), fields)
		m.notifier.Notify(ctx, domain.Notification{
			Kind: domain.NotifyUnprotected, Title: "Position open without protection",
			Symbol: trade.Symbol, TradeID: trade.ID, Fields: fields,
		})
		return res, fmt.Errorf("%s: trade %d %s: %w: %w", op, trade.ID, trade.Symbol, ports.ErrUnprotectedPosition, joined)
	}

	m.logger.Info(ctx, op+": Trade opened", fields)
	m.audit(ctx, domain.EventInfo, fmt.Sprintf("Trade opened: %d %s", trade.ID, trade.Symbol), fields)
	m.notifier.Notify(ctx, domain.Notification{
		Kind: domain.NotifyTradeOpened, Title: "Trade opened",
		Symbol: trade.Symbol, TradeID: trade.ID, Fields: fields,
	})
	return res, nil
}

func validateOpen(req OpenRequest) error {
	switch {
	case req.Symbol == "":
		return ports.Validationf("symbol is required")
	case req.Amount <= 0:
		return ports.Validationf("amount must be positive, got %v", req.Amount)
	case req.TakeProfitPct <= 0:
		return ports.Validationf("take-profit %% must be positive, got %v", req.TakeProfitPct)
	case req.StopLossPct <= 0 || req.StopLossPct >= 100:
		return ports.Validationf("stop-loss %% must be in (0, 100), got %v", req.StopLossPct)
	}
	return nil
}

type placedBrackets struct {
	tp, sl *int64
	orders []*domain.Order
}

// placeBrackets submits the TP limit and SL stop-limit. Both are attempted
// even if the first fails.
func (m *Manager) placeBrackets(ctx context.Context, symbol string, b *pricing.Brackets) (placedBrackets, []error) {
	op := "placeBrackets"
	var out placedBrackets
	var errs []error
	qty := b.Quantity.InexactFloat64()
	now := m.now()

	tpID, err := m.exchange.PlaceLimitSell(ctx, symbol, b.QuantityString(), b.TakeProfitString())
	if err != nil {
		m.logger.Error(ctx, err, op+": Take-profit placement failed", map[string]interface{}{"symbol": symbol, "price": b.TakeProfitString()})
		errs = append(errs, fmt.Errorf("take-profit: %w: %w", ports.ErrExchange, err))
	} else {
		out.tp = &tpID
		out.orders = append(out.orders, &domain.Order{
			ExchangeOrderID: tpID, Symbol: symbol, Side: domain.Sell, Type: domain.OrderTypeLimit,
			Quantity: qty, Price: b.TakeProfit.InexactFloat64(), Status: domain.OrderStatusNew, CreatedAt: now,
		})
	}

	slID, err := m.exchange.PlaceStopLimitSell(ctx, symbol, b.QuantityString(), b.StopPriceString(), b.StopLimitString())
	if err != nil {
		m.logger.Error(ctx, err, op+": Stop-loss placement failed", map[string]interface{}{"symbol": symbol, "stop": b.StopPriceString(), "limit": b.StopLimitString()})
		errs = append(errs, fmt.Errorf("stop-loss: %w: %w", ports.ErrExchange, err))
	} else {
		out.sl = &slID
		out.orders = append(out.orders, &domain.Order{
			ExchangeOrderID: slID, Symbol: symbol, Side: domain.Sell, Type: domain.OrderTypeStopLossLimit,
			Quantity: qty, Price: b.StopLimit.InexactFloat64(), StopPrice: b.StopPrice.InexactFloat64(),
			Status: domain.OrderStatusNew, CreatedAt: now,
		})
	}
	return out, errs
}

// CloseTrade cancels the brackets of a live trade and sells the full
// quantity at market. If a bracket turns out to be already filled the close
// is abandoned with ErrInvalidState and reconciliation records the exit.
// Like OpenTrade it ignores cancellation of ctx.
func (m *Manager) CloseTrade(ctx context.Context, tradeID int64) (*CloseResult, error) {
	op := "CloseTrade"
	ctx = context.WithoutCancel(ctx)
	release, err := m.acquire(tradeID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer release()

	trade, err := m.liveTrade(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.logger.Info(ctx, op+": Closing trade", map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol, "quantity": trade.Quantity})

	cr := m.cancelBrackets(ctx, trade)
	if cr.filled != 0 {
		m.logger.Warn(ctx, op+": Bracket already filled, leaving the close to reconciliation", map[string]interface{}{"tradeID": trade.ID, "orderID": cr.filled})
		return nil, fmt.Errorf("%s: trade %d bracket %d already filled: %w", op, trade.ID, cr.filled, ports.ErrInvalidState)
	}

	qty := m.formatQuantity(ctx, trade.Symbol, trade.Quantity)
	soldQty, perr := strconv.ParseFloat(qty, 64)
	if perr != nil {
		soldQty = trade.Quantity
	}
	sell, err := m.exchange.MarketSell(ctx, trade.Symbol, qty)
	if err != nil {
		m.logger.Error(ctx, err, op+": Market sell failed, position is now without brackets", map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol, "quantity": qty})
		m.markUnprotected(ctx, trade, cr.canceled)
		return nil, fmt.Errorf("%s: market sell for trade %d: %w: %w: %w", op, trade.ID, ports.ErrExchange, ports.ErrUnprotectedPosition, err)
	}

	exitPrice, _, err := pricing.AverageFill(sell.Fills)
	if err != nil {
		m.logger.Warn(ctx, op+": Market sell returned no fills, using ticker price", map[string]interface{}{"tradeID": trade.ID, "orderID": sell.OrderID})
		if exitPrice, err = m.exchange.GetPrice(ctx, trade.Symbol); err != nil {
			m.logger.Error(ctx, err, op+": No exit price available, recording entry price", map[string]interface{}{"tradeID": trade.ID})
			exitPrice = trade.AvgPrice
		}
	}
	pnl := trade.PnLAt(exitPrice)
	closedAt := sell.TransactTime
	if closedAt.IsZero() {
		closedAt = m.now()
	}

	snap, err := m.store.CloseTrade(ctx, domain.TradeClose{
		TradeID:    trade.ID,
		Status:     domain.TradeStatusClosedManual,
		ClosePrice: exitPrice,
		PnL:        pnl,
		ClosedAt:   closedAt,
		ExitOrder: &domain.Order{
			ExchangeOrderID: sell.OrderID, Symbol: trade.Symbol, Side: domain.Sell, Type: domain.OrderTypeMarket,
			Quantity: soldQty, Price: exitPrice, Status: domain.OrderStatusFilled, CreatedAt: closedAt, ExecutedAt: &closedAt,
		},
	})
	if err != nil {
		m.logger.Error(ctx, err, op+": Position sold but the ledger close failed", map[string]interface{}{"tradeID": trade.ID, "sellOrderID": sell.OrderID, "exitPrice": exitPrice})
		return nil, fmt.Errorf("%s: trade %d: %w", op, trade.ID, err)
	}
	m.metrics.TradeClosed(string(domain.TradeStatusClosedManual))

	fields := map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol, "exitPrice": exitPrice, "pnl": pnl}
	m.logger.Info(ctx, op+": Trade closed", fields)
	m.audit(ctx, domain.EventInfo, fmt.Sprintf("Trade closed manually: %d %s pnl %.8f", trade.ID, trade.Symbol, pnl), fields)
	m.notifier.Notify(ctx, domain.Notification{
		Kind: domain.NotifyTradeClosed, Title: "Trade closed manually",
		Symbol: trade.Symbol, TradeID: trade.ID, Fields: fields,
	})
	if len(cr.stuck) > 0 {
		m.reportStuckBrackets(ctx, trade, cr.stuck, "close")
	}

	closed, err := m.store.GetTrade(ctx, trade.ID)
	if err != nil {
		closed = trade
	}
	return &CloseResult{Trade: closed, ExitPrice: exitPrice, PnL: pnl, Snapshot: snap}, nil
}

// UpdateTpSl replaces the brackets of a live trade. Nil percentages keep the
// current value; prices are recomputed from the original entry price.
// Cancellation of ctx is ignored.
func (m *Manager) UpdateTpSl(ctx context.Context, tradeID int64, tpPct, slPct *float64) (*domain.Trade, error) {
	op := "UpdateTpSl"
	ctx = context.WithoutCancel(ctx)
	if tpPct == nil && slPct == nil {
		return nil, fmt.Errorf("%s: %w", op, ports.Validationf("at least one of take-profit or stop-loss is required"))
	}
	release, err := m.acquire(tradeID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer release()

	trade, err := m.liveTrade(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	newTp, newSl := trade.TakeProfitPct, trade.StopLossPct
	if tpPct != nil {
		newTp = *tpPct
	}
	if slPct != nil {
		newSl = *slPct
	}

	filters, err := m.exchange.GetSymbolFilters(ctx, trade.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%s: symbol filters for %s: %w: %w", op, trade.Symbol, ports.ErrExchange, err)
	}
	b, err := pricing.Compute(trade.AvgPrice, trade.Quantity, newTp, newSl, filters.TickSize, filters.StepSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ports.Validationf("trade %d: %v", trade.ID, err))
	}

	cr := m.cancelBrackets(ctx, trade)
	if cr.filled != 0 {
		return nil, fmt.Errorf("%s: trade %d bracket %d already filled: %w", op, trade.ID, cr.filled, ports.ErrInvalidState)
	}
	if len(cr.stuck) > 0 {
		m.reportStuckBrackets(ctx, trade, cr.stuck, "bracket update")
	}

	placed, bracketErrs := m.placeBrackets(ctx, trade.Symbol, b)
	update := domain.BracketUpdate{
		TradeID:       trade.ID,
		TakeProfitPct: newTp,
		StopLossPct:   newSl,
		TPPrice:       b.TakeProfit.InexactFloat64(),
		SLStopPrice:   b.StopPrice.InexactFloat64(),
		SLLimitPrice:  b.StopLimit.InexactFloat64(),
		TPOrderRef:    placed.tp,
		SLOrderRef:    placed.sl,
		Status:        domain.TradeStatusOpen,
	}
	if placed.tp != nil && placed.sl != nil {
		update.Status = domain.TradeStatusOpenSLTP
	}
	if err := m.store.ReplaceBrackets(ctx, update, cr.canceled, placed.orders); err != nil {
		m.logger.Error(ctx, err, op+": New brackets placed but the ledger update failed", map[string]interface{}{"tradeID": trade.ID})
		return nil, fmt.Errorf("%s: trade %d: %w", op, trade.ID, err)
	}

	fields := map[string]interface{}{
		"tradeID": trade.ID, "symbol": trade.Symbol, "tpPct": newTp, "slPct": newSl,
		"tpPrice": update.TPPrice, "slStop": update.SLStopPrice, "slLimit": update.SLLimitPrice, "status": string(update.Status),
	}
	updated, err := m.store.GetTrade(ctx, trade.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: trade %d: %w", op, trade.ID, err)
	}

	if len(bracketErrs) > 0 {
		joined := errors.Join(bracketErrs...)
		m.logger.Error(ctx, joined, op+": POSITION OPEN WITHOUT FULL PROTECTION", fields)
		m.audit(ctx, domain.EventError, fmt.Sprintf("Unprotected position after bracket update: trade %d %s", trade.ID, trade.Symbol), fields)
		m.notifier.Notify(ctx, domain.Notification{
			Kind: domain.NotifyUnprotected, Title: "Bracket update left position unprotected",
			Symbol: trade.Symbol, TradeID: trade.ID, Fields: fields,
		})
		return updated, fmt.Errorf("%s: trade %d: %w: %w", op, trade.ID, ports.ErrUnprotectedPosition, joined)
	}
	m.logger.Info(ctx, op+": Brackets replaced", fields)
	m.audit(ctx, domain.EventInfo, fmt.Sprintf("Brackets updated: trade %d %s", trade.ID, trade.Symbol), fields)
	return updated, nil
}

// ReleaseSiblingBrackets cancels the brackets of a closed trade other than
// the one that filled.
func (m *Manager) ReleaseSiblingBrackets(ctx context.Context, trade *domain.Trade, filledOrderID int64) error {
	op := "ReleaseSiblingBrackets"
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, ref := range trade.BracketRefs() {
		if ref == filledOrderID {
			continue
		}
		if err := m.cancelOrderWarn(ctx, trade.Symbol, ref); err != nil {
			errs = append(errs, fmt.Errorf("order %d: %w: %w", ref, ports.ErrExchange, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s: trade %d: %w", op, trade.ID, errors.Join(errs...))
	}
	return nil
}

// ReleaseOrder cancels a leftover sell order that no live trade references.
func (m *Manager) ReleaseOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := m.cancelOrderWarn(context.WithoutCancel(ctx), symbol, orderID); err != nil {
		return fmt.Errorf("ReleaseOrder: order %d: %w: %w", orderID, ports.ErrExchange, err)
	}
	return nil
}

// Busy reports whether tradeID has a close or bracket update in flight.
func (m *Manager) Busy(tradeID int64) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	_, busy := m.inflight[tradeID]
	return busy
}

// liveTrade loads a trade and requires it to be non-terminal.
func (m *Manager) liveTrade(ctx context.Context, tradeID int64) (*domain.Trade, error) {
	trade, err := m.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.IsOpen() {
		return nil, fmt.Errorf("trade %d is %s: %w", tradeID, trade.Status, ports.ErrInvalidState)
	}
	return trade, nil
}

type cancelResult struct {
	canceled []int64 // no longer live
	stuck    []int64 // cancel failed, possibly still live
	filled   int64   // set when a bracket was found FILLED
}

// cancelBrackets cancels every bracket of trade. It stops at the first
// bracket found FILLED. Cancel failures are logged and do not stop the caller.
func (m *Manager) cancelBrackets(ctx context.Context, trade *domain.Trade) cancelResult {
	op := "cancelBrackets"
	var res cancelResult
	for _, ref := range trade.BracketRefs() {
		err := m.exchange.CancelOrder(ctx, trade.Symbol, ref)
		if err == nil {
			res.canceled = append(res.canceled, ref)
			m.markOrder(ctx, ref, domain.OrderStatusCanceled)
			continue
		}

		state, serr := m.exchange.GetOrder(ctx, trade.Symbol, ref)
		if serr != nil {
			m.logger.Warn(ctx, op+": Cancel failed and order state is unknown", map[string]interface{}{
				"tradeID": trade.ID, "orderID": ref, "cancelError": err.Error(), "statusError": serr.Error(),
			})
			res.stuck = append(res.stuck, ref)
			continue
		}
		switch {
		case state.Status == domain.OrderStatusFilled:
			res.filled = ref
			return res
		case !state.Status.IsLive():
			res.canceled = append(res.canceled, ref)
			m.markOrder(ctx, ref, state.Status)
		default:
			m.logger.Warn(ctx, op+": Bracket could not be canceled and is still live", map[string]interface{}{
				"tradeID": trade.ID, "orderID": ref, "status": string(state.Status), "error": err.Error(),
			})
			res.stuck = append(res.stuck, ref)
		}
	}
	return res
}

// reportStuckBrackets records brackets left on the exchange after the trade
// stopped relying on them. Reconciliation releases them on a later cycle.
func (m *Manager) reportStuckBrackets(ctx context.Context, trade *domain.Trade, stuck []int64, action string) {
	fields := map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol, "orderIDs": stuck}
	err := fmt.Errorf("%d bracket order(s) not canceled: %w", len(stuck), ports.ErrExchange)
	m.logger.Error(ctx, err, "Bracket may still be live after "+action, fields)
	m.audit(ctx, domain.EventError, fmt.Sprintf("Bracket still live after %s: trade %d %s orders %v", action, trade.ID, trade.Symbol, stuck), fields)
	m.notifier.Notify(ctx, domain.Notification{
		Kind: domain.NotifyOrphan, Title: "Bracket still live after " + action,
		Symbol: trade.Symbol, TradeID: trade.ID, Fields: fields,
	})
}

// cancelOrderWarn cancels an order and treats an already-gone order as success.
func (m *Manager) cancelOrderWarn(ctx context.Context, symbol string, orderID int64) error {
	op := "cancelOrderWarn"
	err := m.exchange.CancelOrder(ctx, symbol, orderID)
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			m.logger.Warn(ctx, op+": Order not found, likely already filled or canceled", map[string]interface{}{"orderID": orderID})
			return nil
		}
		m.logger.Error(ctx, err, op+": Failed to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})
		return err
	}
	m.markOrder(ctx, orderID, domain.OrderStatusCanceled)
	return nil
}

// markOrder mirrors a status onto the local order, best effort.
func (m *Manager) markOrder(ctx context.Context, orderID int64, status domain.OrderStatus) {
	if err := m.store.UpdateOrderStatus(ctx, orderID, status, m.now()); err != nil && !errors.Is(err, ports.ErrNotFound) {
		m.logger.Warn(ctx, "Failed to update local order status", map[string]interface{}{"orderID": orderID, "status": string(status), "error": err.Error()})
	}
}

// markUnprotected records that a trade lost its brackets.
func (m *Manager) markUnprotected(ctx context.Context, trade *domain.Trade, canceled []int64) {
	update := domain.BracketUpdate{
		TradeID:       trade.ID,
		TakeProfitPct: trade.TakeProfitPct,
		StopLossPct:   trade.StopLossPct,
		TPPrice:       trade.TPPrice,
		SLStopPrice:   trade.SLStopPrice,
		SLLimitPrice:  trade.SLLimitPrice,
		TPOrderRef:    trade.TPOrderRef,
		SLOrderRef:    trade.SLOrderRef,
		Status:        domain.TradeStatusOpen,
	}
	for _, id := range canceled {
		if update.TPOrderRef != nil && *update.TPOrderRef == id {
			update.TPOrderRef = nil
		}
		if update.SLOrderRef != nil && *update.SLOrderRef == id {
			update.SLOrderRef = nil
		}
	}
	if update.TPOrderRef != nil && update.SLOrderRef != nil {
		update.Status = domain.TradeStatusOpenSLTP
	}
	if err := m.store.ReplaceBrackets(ctx, update, canceled, nil); err != nil {
		m.logger.Error(ctx, err, "Failed to record lost protection", map[string]interface{}{"tradeID": trade.ID})
	}
	fields := map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol}
	m.audit(ctx, domain.EventError, fmt.Sprintf("Unprotected position after failed close: trade %d %s", trade.ID, trade.Symbol), fields)
	m.notifier.Notify(ctx, domain.Notification{
		Kind: domain.NotifyUnprotected, Title: "Close failed, position without brackets",
		Symbol: trade.Symbol, TradeID: trade.ID, Fields: fields,
	})
}

// formatQuantity renders qty on the symbol's lot step grid.
func (m *Manager) formatQuantity(ctx context.Context, symbol string, qty float64) string {
	filters, err := m.exchange.GetSymbolFilters(ctx, symbol)
	if err == nil {
		if step, perr := pricing.ParseIncrement(filters.StepSize); perr == nil {
			return step.Format(step.Floor(decimal.NewFromFloat(qty)))
		}
	}
	m.logger.Warn(ctx, "Step size unavailable, sending raw quantity", map[string]interface{}{"symbol": symbol})
	return strconv.FormatFloat(qty, 'f', -1, 64)
}

// acquire marks tradeID as having an exchange-side operation in flight.
func (m *Manager) acquire(tradeID int64) (func(), error) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if _, busy := m.inflight[tradeID]; busy {
		return nil, fmt.Errorf("trade %d has an operation in progress: %w", tradeID, ports.ErrInvalidState)
	}
	m.inflight[tradeID] = struct{}{}
	return func() {
		m.inflightMu.Lock()
		delete(m.inflight, tradeID)
		m.inflightMu.Unlock()
	}, nil
}

func (m *Manager) audit(ctx context.Context, level domain.EventLevel, msg string, data map[string]interface{}) {
	if err := m.store.AppendEvent(ctx, &domain.Event{Level: level, Module: traderModule, Message: msg, Data: data}); err != nil {
		m.logger.Error(ctx, err, "Failed to write audit event", map[string]interface{}{"message": msg})
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.Notification) {}
