package risk

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"bracketBot/internal/domain"
	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
)

// Names of the checks, in evaluation order.
const (
	CheckVolatility  = "volatility"
	CheckBalance     = "balance"
	CheckTradeRisk   = "risk_per_trade"
	CheckDailyLoss   = "daily_loss"
	CheckDrawdown    = "drawdown"
	CheckCorrelated  = "correlated_positions"
	CheckOpenTrades  = "open_trades"
	CheckLedger      = "ledger"
	CheckPassed      = "ok"
	auditModuleName  = "risk"
	defaultQuoteCoin = "USDC"
)

// Config holds the risk thresholds. Percentages are expressed in percent
// (0.5 means 0.5%).
type Config struct {
	MaxRiskPerTrade        float64
	MaxDailyLoss           float64
	MaxDrawdown            float64
	MaxCorrelatedPositions int
	MinVolatility          float64
	MaxVolatility          float64
	MaxOpenTrades          int
	QuoteAsset             string
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MaxRiskPerTrade:        0.5,
		MaxDailyLoss:           2.0,
		MaxDrawdown:            10.0,
		MaxCorrelatedPositions: 2,
		MinVolatility:          0.5,
		MaxVolatility:          8.0,
		MaxOpenTrades:          10,
		QuoteAsset:             defaultQuoteCoin,
	}
}

// Store is the part of the ledger the gate reads, plus the audit log it writes.
type Store interface {
	ListOpenTrades(ctx context.Context) ([]*domain.Trade, error)
	ListTradesCreatedSince(ctx context.Context, since time.Time) ([]*domain.Trade, error)
	ListSnapshots(ctx context.Context, period domain.Period, now time.Time) ([]*domain.PnLSnapshot, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	AppendEvent(ctx context.Context, event *domain.Event) error
}

// Request is a proposed trade.
type Request struct {
	Symbol        string
	Notional      float64 // quote amount to spend
	StopLossPct   float64
	VolatilityPct float64
}

// Decision is the outcome of an evaluation. Check names the deciding check.
type Decision struct {
	Allowed bool
	Check   string
	Reason  string
	Details map[string]interface{}
}

// Err returns nil for an approval and a *ports.RiskRejectedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ports.RiskRejectedError{Check: d.Check, Reason: d.Reason, Details: d.Details}
}

// Summary is a point-in-time view of the risk state.
type Summary struct {
	Config       Config
	FreeBalance  float64
	DailyPnL     float64
	DailyLossPct float64
	DrawdownPct  float64
	OpenTrades   int
	BalanceError string
}

// Gate is the pre-trade admission check. It never mutates ledger state
// except for audit events.
type Gate struct {
	cfg      Config
	store    Store
	balances ports.BalanceProvider
	logger   ports.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewGate creates a risk gate. metrics may be nil.
func NewGate(cfg Config, store Store, balances ports.BalanceProvider, logger ports.Logger, m *metrics.Metrics) (*Gate, error) {
	if store == nil || balances == nil || logger == nil {
		return nil, fmt.Errorf("risk gate requires store, balance provider and logger")
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = defaultQuoteCoin
	}
	return &Gate{
		cfg:      cfg,
		store:    store,
		balances: balances,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}, nil
}

// Config returns the thresholds in use.
func (g *Gate) Config() Config { return g.cfg }

// Evaluate runs the checks in order and stops at the first failure. Every
// decision is written to the audit log.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	d := g.evaluate(ctx, req)
	g.metrics.ObserveRiskDecision(d.Allowed, d.Check)

	level := domain.EventInfo
	msg := fmt.Sprintf("Risk approved: %s, notional %.2f", req.Symbol, req.Notional)
	if !d.Allowed {
		level = domain.EventWarn
		msg = fmt.Sprintf("Risk denied: %s: %s", req.Symbol, d.Reason)
	}
	data := map[string]interface{}{
		"symbol":     req.Symbol,
		"notional":   req.Notional,
		"slPct":      req.StopLossPct,
		"volatility": req.VolatilityPct,
		"check":      d.Check,
	}
	for k, v := range d.Details {
		data[k] = v
	}
	if err := g.store.AppendEvent(ctx, &domain.Event{Level: level, Module: auditModuleName, Message: msg, Data: data}); err != nil {
		g.logger.Error(ctx, err, "Failed to write risk audit event", map[string]interface{}{"symbol": req.Symbol})
	}
	if d.Allowed {
		g.logger.Info(ctx, "Risk check passed", data)
	} else {
		g.logger.Warn(ctx, "Risk check rejected: "+d.Reason, data)
	}
	return d
}

func (g *Gate) evaluate(ctx context.Context, req Request) Decision {
	// 1. volatility window
	if req.VolatilityPct < g.cfg.MinVolatility {
		return deny(CheckVolatility, fmt.Sprintf("volatility too low: %.2f%% (min %.2f%%)", req.VolatilityPct, g.cfg.MinVolatility),
			map[string]interface{}{"min": g.cfg.MinVolatility})
	}
	if req.VolatilityPct > g.cfg.MaxVolatility {
		return deny(CheckVolatility, fmt.Sprintf("volatility too high: %.2f%% (max %.2f%%)", req.VolatilityPct, g.cfg.MaxVolatility),
			map[string]interface{}{"max": g.cfg.MaxVolatility})
	}

	// 2. usable balance
	balance, err := g.balances.GetFreeBalance(ctx, g.cfg.QuoteAsset)
	if err != nil {
		return deny(CheckBalance, fmt.Sprintf("%s balance unknown: %v", g.cfg.QuoteAsset, err), nil)
	}
	if balance <= 0 {
		return deny(CheckBalance, fmt.Sprintf("no free %s balance", g.cfg.QuoteAsset),
			map[string]interface{}{"balance": balance})
	}

	// 3. risk per trade
	riskPct := req.Notional * (req.StopLossPct / 100) / balance * 100
	if riskPct > g.cfg.MaxRiskPerTrade {
		return deny(CheckTradeRisk, fmt.Sprintf("risk per trade %.2f%% exceeds limit %.2f%%", riskPct, g.cfg.MaxRiskPerTrade),
			map[string]interface{}{"riskPct": riskPct, "limit": g.cfg.MaxRiskPerTrade, "balance": balance})
	}

	// 4. daily loss
	_, dailyLossPct, err := g.dailyLoss(ctx, balance)
	if err != nil {
		return deny(CheckLedger, fmt.Sprintf("daily loss unavailable: %v", err), nil)
	}
	if dailyLossPct > g.cfg.MaxDailyLoss {
		return deny(CheckDailyLoss, fmt.Sprintf("daily loss %.2f%% exceeds limit %.2f%%", dailyLossPct, g.cfg.MaxDailyLoss),
			map[string]interface{}{"dailyLossPct": dailyLossPct, "limit": g.cfg.MaxDailyLoss})
	}

	// 5. drawdown
	drawdown, err := g.drawdown(ctx, balance)
	if err != nil {
		return deny(CheckLedger, fmt.Sprintf("drawdown unavailable: %v", err), nil)
	}
	if drawdown > g.cfg.MaxDrawdown {
		return deny(CheckDrawdown, fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", drawdown, g.cfg.MaxDrawdown),
			map[string]interface{}{"drawdownPct": drawdown, "limit": g.cfg.MaxDrawdown})
	}

	// 6 and 7. open positions
	open, err := g.store.ListOpenTrades(ctx)
	if err != nil {
		return deny(CheckLedger, fmt.Sprintf("open trades unavailable: %v", err), nil)
	}
	sameSymbol := 0
	for _, t := range open {
		if t.Symbol == req.Symbol {
			sameSymbol++
		}
	}
	if sameSymbol >= g.cfg.MaxCorrelatedPositions {
		return deny(CheckCorrelated, fmt.Sprintf("%d open trades on %s reach the correlated position limit %d", sameSymbol, req.Symbol, g.cfg.MaxCorrelatedPositions),
			map[string]interface{}{"open": sameSymbol, "limit": g.cfg.MaxCorrelatedPositions})
	}
	if len(open) >= g.cfg.MaxOpenTrades {
		return deny(CheckOpenTrades, fmt.Sprintf("%d open trades reach the limit %d", len(open), g.cfg.MaxOpenTrades),
			map[string]interface{}{"open": len(open), "limit": g.cfg.MaxOpenTrades})
	}

	return Decision{
		Allowed: true,
		Check:   CheckPassed,
		Reason:  "OK",
		Details: map[string]interface{}{"riskPct": riskPct, "balance": balance},
	}
}

func deny(check, reason string, details map[string]interface{}) Decision {
	return Decision{Allowed: false, Check: check, Reason: reason, Details: details}
}

// dailyLoss sums realized pnl of trades created since UTC midnight and
// expresses the net loss (floored at 0) against the day's opening baseline,
// falling back to the free balance when no baseline was recorded.
func (g *Gate) dailyLoss(ctx context.Context, balance float64) (float64, float64, error) {
	now := g.now().UTC()
	trades, err := g.store.ListTradesCreatedSince(ctx, domain.StartOfUTCDay(now))
	if err != nil {
		return 0, 0, err
	}
	var pnl float64
	for _, t := range trades {
		if t.RealizedPnL != nil {
			pnl += *t.RealizedPnL
		}
	}

	denominator := balance
	if base, ok, err := g.baseline(ctx); err != nil {
		return 0, 0, err
	} else if ok {
		denominator = base
	}
	if denominator <= 0 {
		return pnl, 0, nil
	}
	return pnl, math.Abs(math.Min(0, pnl)) / denominator * 100, nil
}

// drawdown compares the latest snapshot equity with the highest one.
// Snapshots recorded without a starting capital are re-based on the day's
// baseline, or on balance when no baseline exists.
func (g *Gate) drawdown(ctx context.Context, balance float64) (float64, error) {
	snaps, err := g.store.ListSnapshots(ctx, domain.PeriodAll, g.now())
	if err != nil {
		return 0, err
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	var cumulative, offset, current float64
	seeded := false
	peak := math.Inf(-1)
	for _, s := range snaps {
		cumulative += s.PnL
		equity := s.Equity
		if equity-cumulative < 1e-9 {
			if !seeded {
				offset = balance
				base, ok, err := g.baseline(ctx)
				if err != nil {
					return 0, err
				}
				if ok {
					offset = base
				}
				seeded = true
			}
			equity += offset
		}
		peak = math.Max(peak, equity)
		current = equity
	}
	if peak <= 0 {
		return 0, nil
	}
	return math.Max(0, (peak-current)/peak*100), nil
}

// baseline returns today's recorded opening balance, if any.
func (g *Gate) baseline(ctx context.Context) (float64, bool, error) {
	raw, ok, err := g.store.GetSetting(ctx, domain.BaselineKey(g.now()))
	if err != nil || !ok {
		return 0, false, err
	}
	base, perr := strconv.ParseFloat(raw, 64)
	if perr != nil || base <= 0 {
		return 0, false, nil
	}
	return base, true, nil
}

// Summary reports the current thresholds and measured values. A balance
// failure is reported in BalanceError rather than failing the call.
func (g *Gate) Summary(ctx context.Context) (*Summary, error) {
	s := &Summary{Config: g.cfg}

	balance, err := g.balances.GetFreeBalance(ctx, g.cfg.QuoteAsset)
	if err != nil {
		s.BalanceError = err.Error()
	}
	s.FreeBalance = balance

	if s.DailyPnL, s.DailyLossPct, err = g.dailyLoss(ctx, balance); err != nil {
		return nil, fmt.Errorf("risk summary failed: %w", err)
	}
	if s.DrawdownPct, err = g.drawdown(ctx, balance); err != nil {
		return nil, fmt.Errorf("risk summary failed: %w", err)
	}
	open, err := g.store.ListOpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk summary failed: %w", err)
	}
	s.OpenTrades = len(open)
	return s, nil
}
