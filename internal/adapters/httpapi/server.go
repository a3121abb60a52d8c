package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bracketBot/internal/app"
	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
	"bracketBot/internal/risk"
)

// TradeService is the lifecycle surface exposed over HTTP.
type TradeService interface {
	OpenTrade(ctx context.Context, req app.OpenRequest) (*app.OpenResult, error)
	CloseTrade(ctx context.Context, tradeID int64) (*app.CloseResult, error)
	UpdateTpSl(ctx context.Context, tradeID int64, tpPct, slPct *float64) (*domain.Trade, error)
}

type RiskService interface {
	Evaluate(ctx context.Context, req risk.Request) risk.Decision
	Summary(ctx context.Context) (*risk.Summary, error)
}

type ModeService interface {
	Get(ctx context.Context) domain.TradingMode
	Set(ctx context.Context, raw string) (domain.TradingMode, error)
}

type ReportService interface {
	ProfitByPeriod(ctx context.Context, period domain.Period) (map[string]float64, error)
	PnLHistory(ctx context.Context, period domain.Period) ([]*domain.PnLSnapshot, error)
}

// LedgerReader is the read-only ledger surface used by listing endpoints.
type LedgerReader interface {
	ListOpenTrades(ctx context.Context) ([]*domain.Trade, error)
	ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error)
	RecentEvents(ctx context.Context, limit int) ([]*domain.Event, error)
}

// Deps are the services behind the API.
type Deps struct {
	Trades     TradeService
	Risk       RiskService
	Modes      ModeService
	Reports    ReportService
	Ledger     LedgerReader
	Balances   ports.BalanceProvider
	QuoteAsset string
	Logger     ports.Logger
	Registry   *prometheus.Registry // nil serves the default registry
	Debug      bool
}

// Server is the operational HTTP API.
type Server struct {
	deps   Deps
	engine *gin.Engine
	server *http.Server
}

func New(addr string, deps Deps) (*Server, error) {
	if deps.Trades == nil || deps.Risk == nil || deps.Modes == nil || deps.Reports == nil ||
		deps.Ledger == nil || deps.Balances == nil || deps.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for HTTP API")
	}
	if deps.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{deps: deps}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(deps.Logger, deps.Debug))
	s.routes(r)
	s.engine = r
	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/health", s.health)
	if s.deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})))
	} else {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	trades := r.Group("/trades")
	{
		trades.GET("", s.listTrades)
		trades.GET("/open", s.listOpenTrades)
		trades.POST("", s.openTrade)
		trades.POST("/:id/close", s.closeTrade)
		trades.PATCH("/:id/brackets", s.updateBrackets)
	}

	r.GET("/profit", s.profit)
	r.GET("/pnl", s.pnlHistory)
	r.GET("/risk", s.riskSummary)
	r.POST("/risk/evaluate", s.riskEvaluate)
	r.GET("/events", s.events)
	r.GET("/balance", s.balance)
	r.GET("/mode", s.getMode)
	r.PUT("/mode", s.setMode)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info(ctx, "HTTP API listening", map[string]interface{}{"addr": s.server.Addr})
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.deps.Logger.Info(ctx, "HTTP API stopped")
	return nil
}

// requestLogger logs failed requests, and every request in debug mode.
func requestLogger(logger ports.Logger, logAll bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		if !logAll && status < http.StatusBadRequest {
			return
		}
		fields := map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  status,
			"latency": time.Since(start).String(),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields["error"] = errs
		}
		if status >= http.StatusInternalServerError {
			logger.Warn(c.Request.Context(), "HTTP request failed", fields)
			return
		}
		logger.Debug(c.Request.Context(), "HTTP request", fields)
	}
}
