package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

const (
	defaultAutoTradeInterval = time.Minute
	defaultRecommendBatch    = 10
)

// TradeOpener opens positions on behalf of the AutoTrader.
type TradeOpener interface {
	OpenTrade(ctx context.Context, req OpenRequest) (*OpenResult, error)
}

// ModeReader exposes the current trading mode.
type ModeReader interface {
	Get(ctx context.Context) domain.TradingMode
}

// AutoTraderConfig configures the recommendation loop.
type AutoTraderConfig struct {
	Interval  time.Duration
	BatchSize int
}

// AutoStats counts what one pass did with the recommendations it pulled.
type AutoStats struct {
	Mode     domain.TradingMode
	Received int
	Opened   int
	Rejected int
	Failed   int
	Proposed int
}

// AutoTrader turns recommendations into trades according to the trading mode.
type AutoTrader struct {
	cfg      AutoTraderConfig
	source   ports.RecommendationSource
	opener   TradeOpener
	modes    ModeReader
	notifier ports.Notifier
	logger   ports.Logger
}

func NewAutoTrader(
	cfg AutoTraderConfig,
	source ports.RecommendationSource,
	opener TradeOpener,
	modes ModeReader,
	notifier ports.Notifier,
	logger ports.Logger,
) (*AutoTrader, error) {
	if source == nil || opener == nil || modes == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for AutoTrader")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultAutoTradeInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultRecommendBatch
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &AutoTrader{cfg: cfg, source: source, opener: opener, modes: modes, notifier: notifier, logger: logger}, nil
}

// Run processes recommendations on every interval until ctx is done.
func (a *AutoTrader) Run(ctx context.Context) error {
	a.logger.Info(ctx, "Starting auto trader", map[string]interface{}{"interval": a.cfg.Interval.String()})
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info(ctx, "Auto trader stopped")
			return nil
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Error(ctx, err, "Auto trader cycle failed")
			}
		}
	}
}

// RunOnce pulls one batch of recommendations. In AUTO_GATED each is opened
// through the risk gate; in the other modes they are only proposed.
func (a *AutoTrader) RunOnce(ctx context.Context) (AutoStats, error) {
	op := "AutoTrader.RunOnce"
	stats := AutoStats{Mode: a.modes.Get(ctx)}

	recs, err := a.source.Next(ctx, a.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("%s: %w", op, err)
	}
	stats.Received = len(recs)

	for _, rec := range recs {
		// AUTO_ALL would trade without the gate; that path stays switched off
		// and the mode forwards proposals like CONFIRM_ALL.
		if !stats.Mode.IsAutoGated() {
			a.propose(ctx, rec, stats.Mode)
			stats.Proposed++
			continue
		}

		fields := map[string]interface{}{"symbol": rec.Symbol, "amount": rec.Amount, "mode": string(stats.Mode)}
		res, err := a.opener.OpenTrade(ctx, OpenRequest{
			Symbol:        rec.Symbol,
			Amount:        rec.Amount,
			TakeProfitPct: rec.TakeProfitPct,
			StopLossPct:   rec.StopLossPct,
			VolatilityPct: rec.VolatilityPct,
		})
		switch {
		case err == nil:
			stats.Opened++
			fields["tradeID"] = res.Trade.ID
			a.logger.Info(ctx, op+": Recommendation executed", fields)
		case errors.Is(err, ports.ErrRiskRejected):
			stats.Rejected++
			a.logger.Info(ctx, op+": Recommendation rejected by risk gate", fields)
		case errors.Is(err, ports.ErrUnprotectedPosition):
			// The position exists; count it as opened.
			stats.Opened++
			a.logger.Error(ctx, err, op+": Recommendation opened without full protection", fields)
		default:
			stats.Failed++
			a.logger.Error(ctx, err, op+": Recommendation failed", fields)
		}
	}
	return stats, nil
}

func (a *AutoTrader) propose(ctx context.Context, rec domain.Recommendation, mode domain.TradingMode) {
	title := "Trade proposal awaiting confirmation"
	if mode.CanAutoTrade() {
		title = "Trade proposal (ungated auto-trading is disabled)"
	}
	a.notifier.Notify(ctx, domain.Notification{
		Kind:   domain.NotifyProposal,
		Title:  title,
		Symbol: rec.Symbol,
		Fields: map[string]interface{}{
			"amount": rec.Amount, "tpPct": rec.TakeProfitPct, "slPct": rec.StopLossPct,
			"volatility": rec.VolatilityPct, "mode": string(mode),
		},
	})
}
