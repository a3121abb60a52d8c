package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

// ExchangeStartup is the gateway surface checked before any loop starts.
type ExchangeStartup interface {
	SetServerTime(ctx context.Context) error
	Ping(ctx context.Context) error
}

// OpenTradeLister is used to report state carried over from a previous run.
type OpenTradeLister interface {
	ListOpenTrades(ctx context.Context) ([]*domain.Trade, error)
}

// Component is a long-running part of the daemon. Run must return when ctx
// is done.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

// Service runs the daemon components until a shutdown signal arrives or one
// of them fails.
type Service struct {
	logger     ports.Logger
	exchange   ExchangeStartup
	trades     OpenTradeLister
	components []Component
	signals    bool
}

// NewService creates the daemon supervisor.
func NewService(logger ports.Logger, exchange ExchangeStartup, trades OpenTradeLister, components ...Component) (*Service, error) {
	if logger == nil || exchange == nil || trades == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("service needs at least one component")
	}
	for _, c := range components {
		if c.Name == "" || c.Run == nil {
			return nil, fmt.Errorf("component must have a name and a run func")
		}
	}
	return &Service{logger: logger, exchange: exchange, trades: trades, components: components, signals: true}, nil
}

// Start blocks until all components have stopped.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting bracket service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.signals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case sig := <-sigCh:
				s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	// Signed requests fail with clock skew, so this one is fatal.
	if err := s.exchange.SetServerTime(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to synchronize server time")
		return fmt.Errorf("failed to set server time: %w", err)
	}
	if err := s.exchange.Ping(ctx); err != nil {
		s.logger.Error(ctx, err, "Exchange ping failed")
		return fmt.Errorf("exchange unreachable: %w", err)
	}
	s.logger.Info(ctx, "Exchange reachable, server time synchronized")

	open, err := s.trades.ListOpenTrades(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to load open trades")
		return fmt.Errorf("failed to load open trades: %w", err)
	}
	for _, t := range open {
		s.logger.Info(ctx, "Resuming open trade", map[string]interface{}{
			"tradeID": t.ID, "symbol": t.Symbol, "status": string(t.Status),
			"tpOrderRef": t.TPOrderRef, "slOrderRef": t.SLOrderRef,
		})
	}

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for _, c := range s.components {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()
			err := c.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error(ctx, err, "Component stopped with error", map[string]interface{}{"component": c.Name})
				errOnce.Do(func() { firstErr = fmt.Errorf("%s: %w", c.Name, err) })
			}
			// One component going down takes the rest with it.
			cancel()
		}(c)
	}
	wg.Wait()

	s.logger.Info(context.Background(), "Bracket service stopped", map[string]interface{}{"openTradesAtStart": len(open)})
	return firstErr
}
