package app

import (
	"context"
	"fmt"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

// ModeStore persists the trading mode.
type ModeStore interface {
	ports.SettingsStore
	AppendEvent(ctx context.Context, event *domain.Event) error
}

// ModeService reads and writes the persisted trading mode.
type ModeService struct {
	store    ModeStore
	fallback domain.TradingMode
	logger   ports.Logger
}

func NewModeService(store ModeStore, fallback domain.TradingMode, logger ports.Logger) (*ModeService, error) {
	if store == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for ModeService")
	}
	if _, err := domain.ParseTradingMode(string(fallback)); err != nil {
		return nil, fmt.Errorf("default trading mode: %w", err)
	}
	return &ModeService{store: store, fallback: fallback, logger: logger}, nil
}

// Get returns the stored mode. A missing or unreadable value yields the
// configured default.
func (s *ModeService) Get(ctx context.Context) domain.TradingMode {
	raw, ok, err := s.store.GetSetting(ctx, domain.SettingTradingMode)
	if err != nil {
		s.logger.Warn(ctx, "Trading mode unavailable, using default", map[string]interface{}{"default": string(s.fallback), "error": err.Error()})
		return s.fallback
	}
	if !ok {
		return s.fallback
	}
	mode, err := domain.ParseTradingMode(raw)
	if err != nil {
		s.logger.Warn(ctx, "Stored trading mode is invalid, using default", map[string]interface{}{"stored": raw, "default": string(s.fallback)})
		return s.fallback
	}
	return mode
}

// Set validates and persists a new mode.
func (s *ModeService) Set(ctx context.Context, raw string) (domain.TradingMode, error) {
	op := "SetMode"
	mode, err := domain.ParseTradingMode(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, ports.Validationf("%v", err))
	}
	previous := s.Get(ctx)
	if err := s.store.PutSetting(ctx, domain.SettingTradingMode, string(mode)); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Info(ctx, op+": Trading mode changed", map[string]interface{}{"from": string(previous), "to": string(mode)})
	if err := s.store.AppendEvent(ctx, &domain.Event{
		Level:   domain.EventInfo,
		Module:  "mode",
		Message: fmt.Sprintf("Trading mode set to %s", mode),
		Data:    map[string]interface{}{"from": string(previous), "to": string(mode)},
	}); err != nil {
		s.logger.Error(ctx, err, op+": Failed to write audit event")
	}
	return mode, nil
}
