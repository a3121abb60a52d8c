package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bracketBot/internal/domain"
	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
)

const (
	monitorModule        = "monitor"
	monitorLockKey       = "bracketbot:lock:reconcile"
	defaultMonitorPeriod = 30 * time.Second
)

// BracketReleaser cancels brackets on behalf of reconciliation, which never
// mutates the exchange itself.
type BracketReleaser interface {
	ReleaseSiblingBrackets(ctx context.Context, trade *domain.Trade, filledOrderID int64) error
	ReleaseOrder(ctx context.Context, symbol string, orderID int64) error
	// Busy reports whether a close or bracket update is in flight for the trade.
	Busy(tradeID int64) bool
}

// MonitorStore is the ledger surface used by reconciliation.
type MonitorStore interface {
	ports.TradeLedger
	ports.OrderLedger
	ports.EventLog
	ports.SettingsStore
}

// MonitorConfig configures the reconciliation loop.
type MonitorConfig struct {
	Interval   time.Duration
	QuoteAsset string // asset whose free balance seeds the daily baseline
}

// CycleReport summarises one reconciliation pass.
type CycleReport struct {
	Skipped       bool // another instance holds the reconcile lock
	OpenTrades    int
	OrdersChecked int
	StatusUpdates int
	Closed        int
	Unprotected   int // trades that lost a bracket on the exchange
	Orphans       int
	Released      int // stale brackets of closed or updated trades canceled
	Errors        int
}

// Monitor reconciles ledger state with the exchange. It only reads from the
// exchange; leftover brackets are released through the Manager.
type Monitor struct {
	cfg      MonitorConfig
	exchange ports.ExchangeReader
	releaser BracketReleaser
	store    MonitorStore
	balances ports.BalanceProvider
	locker   ports.Locker
	notifier ports.Notifier
	logger   ports.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewMonitor creates a reconciliation monitor. balances, locker, notifier
// and metrics are optional.
func NewMonitor(
	cfg MonitorConfig,
	exchange ports.ExchangeReader,
	releaser BracketReleaser,
	store MonitorStore,
	balances ports.BalanceProvider,
	locker ports.Locker,
	notifier ports.Notifier,
	logger ports.Logger,
	m *metrics.Metrics,
) (*Monitor, error) {
	if exchange == nil || releaser == nil || store == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Monitor")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultMonitorPeriod
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Monitor{
		cfg:      cfg,
		exchange: exchange,
		releaser: releaser,
		store:    store,
		balances: balances,
		locker:   locker,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run reconciles immediately and then on every interval until ctx is done.
func (mon *Monitor) Run(ctx context.Context) error {
	mon.logger.Info(ctx, "Starting reconciliation monitor", map[string]interface{}{"interval": mon.cfg.Interval.String()})
	ticker := time.NewTicker(mon.cfg.Interval)
	defer ticker.Stop()

	mon.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			mon.logger.Info(ctx, "Reconciliation monitor stopped")
			return nil
		case <-ticker.C:
			mon.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconciliation pass. Failures on one trade or
// order are logged and counted; they never abort the pass.
func (mon *Monitor) RunOnce(ctx context.Context) CycleReport {
	op := "RunOnce"
	started := time.Now()
	var report CycleReport

	if mon.locker != nil {
		ok, err := mon.locker.TryLock(ctx, monitorLockKey, 2*mon.cfg.Interval)
		if err != nil {
			mon.logger.Warn(ctx, op+": Reconcile lock unavailable, running unlocked", map[string]interface{}{"error": err.Error()})
		} else if !ok {
			mon.logger.Debug(ctx, op+": Another instance is reconciling, skipping cycle")
			report.Skipped = true
			return report
		} else {
			defer func() {
				if err := mon.locker.Unlock(ctx, monitorLockKey); err != nil {
					mon.logger.Warn(ctx, op+": Failed to release reconcile lock", map[string]interface{}{"error": err.Error()})
				}
			}()
		}
	}

	mon.recordBaseline(ctx)

	trades, err := mon.store.ListOpenTrades(ctx)
	if err != nil {
		mon.logger.Error(ctx, err, op+": Failed to list open trades")
		report.Errors++
		mon.metrics.ObserveReconcile(started, 0, err)
		return report
	}
	report.OpenTrades = len(trades)

	for _, trade := range trades {
		mon.syncTrade(ctx, trade, &report)
	}
	mon.detectOrphans(ctx, &report)

	var cycleErr error
	if report.Errors > 0 {
		cycleErr = fmt.Errorf("%d reconciliation errors", report.Errors)
	}
	mon.metrics.ObserveReconcile(started, report.OpenTrades-report.Closed, cycleErr)
	if report.Closed > 0 || report.Unprotected > 0 || report.Orphans > 0 || report.Released > 0 || report.Errors > 0 {
		mon.logger.Info(ctx, op+": Reconciliation cycle finished", map[string]interface{}{
			"openTrades": report.OpenTrades, "checked": report.OrdersChecked, "updated": report.StatusUpdates,
			"closed": report.Closed, "unprotected": report.Unprotected, "orphans": report.Orphans,
			"released": report.Released, "errors": report.Errors,
		})
	}
	return report
}

// syncTrade refreshes the bracket orders of one trade and closes it when a
// bracket has filled. A bracket that died without filling is dropped from
// the trade and reported.
func (mon *Monitor) syncTrade(ctx context.Context, trade *domain.Trade, report *CycleReport) {
	op := "syncTrade"
	var dead []int64
	for _, ref := range trade.BracketRefs() {
		state, err := mon.exchange.GetOrder(ctx, trade.Symbol, ref)
		if err != nil {
			mon.logger.Warn(ctx, op+": Failed to fetch order status", map[string]interface{}{
				"tradeID": trade.ID, "orderID": ref, "error": err.Error(),
			})
			report.Errors++
			continue
		}
		report.OrdersChecked++

		if state.Status == domain.OrderStatusFilled {
			if mon.closeOnFill(ctx, trade, ref, state, report) {
				return
			}
			continue
		}

		local, err := mon.store.FindOrderByExchangeID(ctx, ref)
		if err != nil {
			mon.logger.Warn(ctx, op+": Failed to load local order", map[string]interface{}{"orderID": ref, "error": err.Error()})
			report.Errors++
			continue
		}
		if state.Status.IsDead() {
			dead = append(dead, ref)
		}
		if local == nil || local.Status == state.Status {
			continue
		}
		if err := mon.store.UpdateOrderStatus(ctx, ref, state.Status, state.UpdateTime); err != nil {
			mon.logger.Warn(ctx, op+": Failed to update order status", map[string]interface{}{"orderID": ref, "error": err.Error()})
			report.Errors++
			continue
		}
		report.StatusUpdates++
		mon.logger.Debug(ctx, op+": Order status changed", map[string]interface{}{
			"tradeID": trade.ID, "orderID": ref, "from": string(local.Status), "to": string(state.Status),
		})
	}
	if len(dead) > 0 {
		mon.dropDeadBrackets(ctx, trade, dead, report)
	}
}

// dropDeadBrackets clears bracket refs that ended on the exchange without
// filling, moves the trade to OPEN and raises the unprotected alert.
func (mon *Monitor) dropDeadBrackets(ctx context.Context, listed *domain.Trade, dead []int64, report *CycleReport) {
	op := "dropDeadBrackets"
	if mon.releaser.Busy(listed.ID) {
		return
	}
	// Re-read so a bracket replaced since the listing is not dropped.
	trade, err := mon.store.GetTrade(ctx, listed.ID)
	if err != nil {
		mon.logger.Warn(ctx, op+": Failed to reload trade", map[string]interface{}{"tradeID": listed.ID, "error": err.Error()})
		report.Errors++
		return
	}
	if !trade.IsOpen() {
		return
	}

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
	var dropped []int64
	for _, id := range dead {
		switch {
		case update.TPOrderRef != nil && *update.TPOrderRef == id:
			update.TPOrderRef = nil
			dropped = append(dropped, id)
		case update.SLOrderRef != nil && *update.SLOrderRef == id:
			update.SLOrderRef = nil
			dropped = append(dropped, id)
		}
	}
	if len(dropped) == 0 {
		return
	}
	if err := mon.store.ReplaceBrackets(ctx, update, nil, nil); err != nil {
		if errors.Is(err, ports.ErrInvalidState) {
			return
		}
		mon.logger.Error(ctx, err, op+": Failed to record lost bracket", map[string]interface{}{"tradeID": trade.ID})
		report.Errors++
		return
	}

	report.Unprotected++
	fields := map[string]interface{}{
		"tradeID": trade.ID, "symbol": trade.Symbol, "orderIDs": dropped,
		"hasTakeProfit": update.TPOrderRef != nil, "hasStopLoss": update.SLOrderRef != nil,
	}
	mon.logger.Error(ctx, fmt.Errorf("bracket ended without filling: %w", ports.ErrUnprotectedPosition),
		op+": POSITION OPEN WITHOUT FULL PROTECTION", fields)
	if err := mon.store.AppendEvent(ctx, &domain.Event{
		Level: domain.EventError, Module: monitorModule,
		Message: fmt.Sprintf("Unprotected position: trade %d %s lost bracket %v on the exchange", trade.ID, trade.Symbol, dropped),
		Data:    fields,
	}); err != nil {
		mon.logger.Error(ctx, err, op+": Failed to write audit event", map[string]interface{}{"tradeID": trade.ID})
	}
	mon.notifier.Notify(ctx, domain.Notification{
		Kind: domain.NotifyUnprotected, Title: "Bracket canceled on the exchange, position unprotected",
		Symbol: trade.Symbol, TradeID: trade.ID, Fields: fields,
	})
}

// closeOnFill records the exit of a trade whose bracket filled. It returns
// true when the trade is no longer open.
func (mon *Monitor) closeOnFill(ctx context.Context, trade *domain.Trade, ref int64, state *ports.OrderState, report *CycleReport) bool {
	op := "closeOnFill"
	status := domain.TradeStatusClosedSL
	if trade.TPOrderRef != nil && *trade.TPOrderRef == ref {
		status = domain.TradeStatusClosedTP
	}

	// The bracket's executed average is the real exit price; the ticker is only a fallback.
	closePrice := state.AvgPrice
	if closePrice <= 0 {
		price, err := mon.exchange.GetPrice(ctx, trade.Symbol)
		if err != nil {
			mon.logger.Warn(ctx, op+": No fill price and ticker unavailable, retrying next cycle", map[string]interface{}{
				"tradeID": trade.ID, "orderID": ref, "error": err.Error(),
			})
			report.Errors++
			return false
		}
		closePrice = price
	}
	closedAt := state.UpdateTime
	if closedAt.IsZero() {
		closedAt = mon.now()
	}
	pnl := trade.PnLAt(closePrice)

	_, err := mon.store.CloseTrade(ctx, domain.TradeClose{
		TradeID:       trade.ID,
		Status:        status,
		ClosePrice:    closePrice,
		PnL:           pnl,
		ClosedAt:      closedAt,
		FilledOrderID: ref,
	})
	switch {
	case errors.Is(err, ports.ErrInvalidState):
		// Closed by someone else since the listing; keep the order row accurate.
		mon.logger.Debug(ctx, op+": Trade already closed", map[string]interface{}{"tradeID": trade.ID})
		if uerr := mon.store.UpdateOrderStatus(ctx, ref, domain.OrderStatusFilled, closedAt); uerr == nil {
			report.StatusUpdates++
		}
		return true
	case err != nil:
		mon.logger.Error(ctx, err, op+": Failed to record bracket exit", map[string]interface{}{"tradeID": trade.ID, "orderID": ref})
		report.Errors++
		return false
	}

	report.Closed++
	mon.metrics.TradeClosed(string(status))
	fields := map[string]interface{}{
		"tradeID": trade.ID, "symbol": trade.Symbol, "status": string(status),
		"closePrice": closePrice, "pnl": pnl, "orderID": ref,
	}
	mon.logger.Info(ctx, op+": Trade closed by bracket fill", fields)
	if err := mon.store.AppendEvent(ctx, &domain.Event{
		Level: domain.EventInfo, Module: monitorModule,
		Message: fmt.Sprintf("Trade %d %s closed as %s, pnl %.8f", trade.ID, trade.Symbol, status, pnl),
		Data:    fields,
	}); err != nil {
		mon.logger.Error(ctx, err, op+": Failed to write audit event", map[string]interface{}{"tradeID": trade.ID})
	}
	mon.notifier.Notify(ctx, domain.Notification{
		Kind: domain.NotifyTradeClosed, Title: "Trade closed (" + string(status) + ")",
		Symbol: trade.Symbol, TradeID: trade.ID, Fields: fields,
	})

	if err := mon.releaser.ReleaseSiblingBrackets(ctx, trade, ref); err != nil {
		mon.logger.Error(ctx, err, op+": Sibling bracket still live", map[string]interface{}{"tradeID": trade.ID})
		if aerr := mon.store.AppendEvent(ctx, &domain.Event{
			Level: domain.EventError, Module: monitorModule,
			Message: fmt.Sprintf("Sibling bracket of closed trade %d %s could not be canceled", trade.ID, trade.Symbol),
			Data:    map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol, "error": err.Error()},
		}); aerr != nil {
			mon.logger.Error(ctx, aerr, op+": Failed to write audit event", map[string]interface{}{"tradeID": trade.ID})
		}
	}
	return true
}

// detectOrphans reports open exchange orders unknown to the ledger and
// releases known ones that no live trade references any more.
func (mon *Monitor) detectOrphans(ctx context.Context, report *CycleReport) {
	op := "detectOrphans"
	open, err := mon.exchange.GetOpenOrders(ctx)
	if err != nil {
		mon.logger.Warn(ctx, op+": Failed to list open orders", map[string]interface{}{"error": err.Error()})
		report.Errors++
		return
	}
	for _, o := range open {
		local, err := mon.store.FindOrderByExchangeID(ctx, o.OrderID)
		if err != nil {
			report.Errors++
			continue
		}
		if local != nil {
			mon.releaseIfStale(ctx, o, local, report)
			continue
		}
		report.Orphans++
		fields := map[string]interface{}{
			"orderID": o.OrderID, "symbol": o.Symbol, "side": string(o.Side), "type": string(o.Type),
			"price": o.Price, "quantity": o.Quantity,
		}
		mon.logger.Warn(ctx, op+": Open exchange order is not in the ledger", fields)
		if err := mon.store.AppendEvent(ctx, &domain.Event{
			Level: domain.EventWarn, Module: monitorModule,
			Message: fmt.Sprintf("Orphan order %d on %s", o.OrderID, o.Symbol),
			Data:    fields,
		}); err != nil {
			mon.logger.Error(ctx, err, op+": Failed to write audit event")
		}
		mon.notifier.Notify(ctx, domain.Notification{
			Kind: domain.NotifyOrphan, Title: "Orphan exchange order", Symbol: o.Symbol, Fields: fields,
		})
	}
}

// releaseIfStale cancels an open exchange order whose trade is closed or no
// longer references it.
func (mon *Monitor) releaseIfStale(ctx context.Context, o ports.OpenOrder, local *domain.Order, report *CycleReport) {
	op := "releaseIfStale"
	if local.TradeID == nil || local.Side != domain.Sell || mon.releaser.Busy(*local.TradeID) {
		return
	}
	trade, err := mon.store.GetTrade(ctx, *local.TradeID)
	if err != nil {
		mon.logger.Warn(ctx, op+": Failed to load trade of open order", map[string]interface{}{"orderID": o.OrderID, "error": err.Error()})
		report.Errors++
		return
	}
	if trade.IsOpen() {
		for _, ref := range trade.BracketRefs() {
			if ref == o.OrderID {
				return
			}
		}
	}

	fields := map[string]interface{}{
		"orderID": o.OrderID, "symbol": o.Symbol, "tradeID": trade.ID, "tradeStatus": string(trade.Status),
	}
	level, msg := domain.EventWarn, fmt.Sprintf("Released stale order %d of trade %d %s", o.OrderID, trade.ID, trade.Symbol)
	if err := mon.releaser.ReleaseOrder(ctx, o.Symbol, o.OrderID); err != nil {
		report.Errors++
		fields["error"] = err.Error()
		level, msg = domain.EventError, fmt.Sprintf("Stale order %d of trade %d %s is still live", o.OrderID, trade.ID, trade.Symbol)
		mon.logger.Error(ctx, err, op+": Failed to release stale order", fields)
		mon.notifier.Notify(ctx, domain.Notification{
			Kind: domain.NotifyOrphan, Title: "Stale bracket still live", Symbol: o.Symbol, TradeID: trade.ID, Fields: fields,
		})
	} else {
		report.Released++
		mon.logger.Warn(ctx, op+": Stale order released", fields)
	}
	if err := mon.store.AppendEvent(ctx, &domain.Event{Level: level, Module: monitorModule, Message: msg, Data: fields}); err != nil {
		mon.logger.Error(ctx, err, op+": Failed to write audit event")
	}
}

// recordBaseline stores the day's opening free balance once per UTC day.
func (mon *Monitor) recordBaseline(ctx context.Context) {
	if mon.balances == nil {
		return
	}
	key := domain.BaselineKey(mon.now())
	if _, ok, err := mon.store.GetSetting(ctx, key); err != nil || ok {
		return
	}
	balance, err := mon.balances.GetFreeBalance(ctx, mon.cfg.QuoteAsset)
	if err != nil || balance <= 0 {
		return
	}
	stored, err := mon.store.PutSettingIfAbsent(ctx, key, strconv.FormatFloat(balance, 'f', -1, 64))
	if err != nil {
		mon.logger.Warn(ctx, "Failed to record daily equity baseline", map[string]interface{}{"error": err.Error()})
		return
	}
	if stored {
		mon.logger.Info(ctx, "Daily equity baseline recorded", map[string]interface{}{"key": key, "balance": balance})
	}
}
