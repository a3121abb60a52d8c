package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

func TestModeService(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	svc, err := NewModeService(ledger, domain.ModeAutoGated, &mockLogger{})
	require.NoError(t, err)

	assert.Equal(t, domain.ModeAutoGated, svc.Get(ctx), "default before anything is stored")

	mode, err := svc.Set(ctx, "confirm_all")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeConfirmAll, mode)
	assert.Equal(t, domain.ModeConfirmAll, svc.Get(ctx))
	assert.True(t, svc.Get(ctx).RequiresConfirmation())

	_, err = svc.Set(ctx, "YOLO")
	assert.ErrorIs(t, err, ports.ErrValidation)
	assert.Equal(t, domain.ModeConfirmAll, svc.Get(ctx))

	require.NoError(t, ledger.PutSetting(ctx, domain.SettingTradingMode, "garbage"))
	assert.Equal(t, domain.ModeAutoGated, svc.Get(ctx), "unreadable value falls back to default")

	events, err := ledger.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "mode", events[0].Module)
}

func TestNewModeService_RejectsBadDefault(t *testing.T) {
	_, err := NewModeService(newTestLedger(t), domain.TradingMode("SOMETIMES"), &mockLogger{})
	assert.Error(t, err)
}
