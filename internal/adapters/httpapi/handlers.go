package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"bracketBot/internal/app"
	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
	"bracketBot/internal/risk"
)

const defaultListLimit = 50

type tradeView struct {
	ID            int64      `json:"id"`
	Symbol        string     `json:"symbol"`
	Side          string     `json:"side"`
	AvgPrice      float64    `json:"avg_price"`
	Quantity      float64    `json:"quantity"`
	SpentNotional float64    `json:"spent_notional"`
	TakeProfitPct float64    `json:"tp_pct"`
	StopLossPct   float64    `json:"sl_pct"`
	TPPrice       float64    `json:"tp_price"`
	SLStopPrice   float64    `json:"sl_stop_price"`
	SLLimitPrice  float64    `json:"sl_limit_price"`
	TPOrderRef    *int64     `json:"tp_order_ref"`
	SLOrderRef    *int64     `json:"sl_order_ref"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	ClosePrice    *float64   `json:"close_price,omitempty"`
	RealizedPnL   *float64   `json:"realized_pnl,omitempty"`
}

func toTradeView(t *domain.Trade) *tradeView {
	if t == nil {
		return nil
	}
	return &tradeView{
		ID: t.ID, Symbol: t.Symbol, Side: string(t.Side), AvgPrice: t.AvgPrice, Quantity: t.Quantity,
		SpentNotional: t.SpentNotional, TakeProfitPct: t.TakeProfitPct, StopLossPct: t.StopLossPct,
		TPPrice: t.TPPrice, SLStopPrice: t.SLStopPrice, SLLimitPrice: t.SLLimitPrice,
		TPOrderRef: t.TPOrderRef, SLOrderRef: t.SLOrderRef, Status: string(t.Status),
		CreatedAt: t.CreatedAt, ClosedAt: t.ClosedAt, ClosePrice: t.ClosePrice, RealizedPnL: t.RealizedPnL,
	}
}

func toTradeViews(trades []*domain.Trade) []*tradeView {
	out := make([]*tradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, toTradeView(t))
	}
	return out
}

type snapshotView struct {
	Timestamp time.Time `json:"timestamp"`
	PnL       float64   `json:"pnl"`
	Equity    float64   `json:"equity"`
	Drawdown  float64   `json:"drawdown"`
	DailyPnL  float64   `json:"daily_pnl"`
}

type eventView struct {
	ID        int64                  `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Module    string                 `json:"module"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type openTradeRequest struct {
	Symbol        string  `json:"symbol" binding:"required"`
	Amount        float64 `json:"amount" binding:"required"`
	TakeProfitPct float64 `json:"tp_pct" binding:"required"`
	StopLossPct   float64 `json:"sl_pct" binding:"required"`
	VolatilityPct float64 `json:"volatility"`
	SkipRiskCheck bool    `json:"skip_risk_check"`
	Confirmed     bool    `json:"confirmed"`
}

type bracketsRequest struct {
	TakeProfitPct *float64 `json:"tp_pct"`
	StopLossPct   *float64 `json:"sl_pct"`
}

type evaluateRequest struct {
	Symbol        string  `json:"symbol" binding:"required"`
	Notional      float64 `json:"notional" binding:"required"`
	StopLossPct   float64 `json:"sl_pct" binding:"required"`
	VolatilityPct float64 `json:"volatility"`
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	var rejected *ports.RiskRejectedError
	switch {
	case errors.As(err, &rejected):
		c.JSON(http.StatusForbidden, gin.H{"error": "RISK_REJECTED", "check": rejected.Check, "reason": rejected.Reason})
	case errors.Is(err, ports.ErrConfirmationRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": "CONFIRM_REQUIRED", "message": err.Error()})
	case errors.Is(err, ports.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION", "message": err.Error()})
	case errors.Is(err, ports.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": err.Error()})
	case errors.Is(err, ports.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "INVALID_STATE", "message": err.Error()})
	case errors.Is(err, ports.ErrUnprotectedPosition):
		c.JSON(http.StatusBadGateway, gin.H{"error": "UNPROTECTED_POSITION", "message": err.Error()})
	case errors.Is(err, ports.ErrExchange):
		c.JSON(http.StatusBadGateway, gin.H{"error": "EXCHANGE", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": err.Error()})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION", "message": msg})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": s.deps.Modes.Get(c.Request.Context())})
}

func (s *Server) listOpenTrades(c *gin.Context) {
	trades, err := s.deps.Ledger.ListOpenTrades(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTradeViews(trades))
}

func (s *Server) listTrades(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	trades, err := s.deps.Ledger.ListTrades(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTradeViews(trades))
}

func (s *Server) openTrade(c *gin.Context) {
	var req openTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	if mode := s.deps.Modes.Get(ctx); mode.RequiresConfirmation() && !req.Confirmed {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "CONFIRM_REQUIRED",
			"message": ports.ErrConfirmationRequired.Error(),
			"mode":    mode,
		})
		return
	}

	res, err := s.deps.Trades.OpenTrade(ctx, app.OpenRequest{
		Symbol:        req.Symbol,
		Amount:        req.Amount,
		TakeProfitPct: req.TakeProfitPct,
		StopLossPct:   req.StopLossPct,
		VolatilityPct: req.VolatilityPct,
		SkipRiskCheck: req.SkipRiskCheck,
	})
	if err != nil {
		if errors.Is(err, ports.ErrUnprotectedPosition) && res != nil && res.Trade != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"error": "UNPROTECTED_POSITION", "message": err.Error(), "trade": toTradeView(res.Trade),
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade": toTradeView(res.Trade)})
}

func (s *Server) closeTrade(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := s.deps.Trades.CloseTrade(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trade":      toTradeView(res.Trade),
		"exit_price": res.ExitPrice,
		"pnl":        res.PnL,
	})
}

func (s *Server) updateBrackets(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req bracketsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	trade, err := s.deps.Trades.UpdateTpSl(c.Request.Context(), id, req.TakeProfitPct, req.StopLossPct)
	if err != nil {
		if errors.Is(err, ports.ErrUnprotectedPosition) && trade != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"error": "UNPROTECTED_POSITION", "message": err.Error(), "trade": toTradeView(trade),
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": toTradeView(trade)})
}

func (s *Server) profit(c *gin.Context) {
	period, ok := queryPeriod(c)
	if !ok {
		return
	}
	out, err := s.deps.Reports.ProfitByPeriod(c.Request.Context(), period)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"period": period, "profit": out})
}

func (s *Server) pnlHistory(c *gin.Context) {
	period, ok := queryPeriod(c)
	if !ok {
		return
	}
	snaps, err := s.deps.Reports.PnLHistory(c.Request.Context(), period)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]snapshotView, 0, len(snaps))
	for _, sn := range snaps {
		views = append(views, snapshotView{Timestamp: sn.Timestamp, PnL: sn.PnL, Equity: sn.Equity, Drawdown: sn.Drawdown, DailyPnL: sn.DailyPnL})
	}
	c.JSON(http.StatusOK, gin.H{"period": period, "snapshots": views})
}

func (s *Server) riskSummary(c *gin.Context) {
	sum, err := s.deps.Risk.Summary(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"limits": gin.H{
			"max_risk_per_trade":       sum.Config.MaxRiskPerTrade,
			"max_daily_loss":           sum.Config.MaxDailyLoss,
			"max_drawdown":             sum.Config.MaxDrawdown,
			"max_correlated_positions": sum.Config.MaxCorrelatedPositions,
			"min_volatility":           sum.Config.MinVolatility,
			"max_volatility":           sum.Config.MaxVolatility,
			"max_open_trades":          sum.Config.MaxOpenTrades,
		},
		"free_balance":   sum.FreeBalance,
		"balance_error":  sum.BalanceError,
		"daily_pnl":      sum.DailyPnL,
		"daily_loss_pct": sum.DailyLossPct,
		"drawdown_pct":   sum.DrawdownPct,
		"open_trades":    sum.OpenTrades,
	})
}

func (s *Server) riskEvaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	d := s.deps.Risk.Evaluate(c.Request.Context(), risk.Request{
		Symbol:        req.Symbol,
		Notional:      req.Notional,
		StopLossPct:   req.StopLossPct,
		VolatilityPct: req.VolatilityPct,
	})
	c.JSON(http.StatusOK, gin.H{"allowed": d.Allowed, "check": d.Check, "reason": d.Reason, "details": d.Details})
}

func (s *Server) events(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	events, err := s.deps.Ledger.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{ID: e.ID, Timestamp: e.Timestamp, Level: string(e.Level), Module: e.Module, Message: e.Message, Data: e.Data})
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) balance(c *gin.Context) {
	free, err := s.deps.Balances.GetFreeBalance(c.Request.Context(), s.deps.QuoteAsset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": s.deps.QuoteAsset, "free": free})
}

func (s *Server) getMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": s.deps.Modes.Get(c.Request.Context())})
}

func (s *Server) setMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	mode, err := s.deps.Modes.Set(c.Request.Context(), req.Mode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "trade id must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("limit", strconv.Itoa(defaultListLimit))
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		badRequest(c, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}

func queryPeriod(c *gin.Context) (domain.Period, bool) {
	period, err := domain.ParsePeriod(c.Query("period"))
	if err != nil {
		badRequest(c, err.Error())
		return "", false
	}
	return period, true
}
