package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/domain"
)

type mockLogger struct {
	warnings int
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnings++
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return s, client
}

func TestLocker_TryLock(t *testing.T) {
	s, client := setupRedis(t)
	ctx := context.Background()
	a := NewLocker(client, "test:")
	b := NewLocker(client, "test:")

	ok, err := a.TryLock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second instance must not get the lock")

	assert.ErrorIs(t, b.Unlock(ctx, "reconcile"), ErrLockNotHeld)
	assert.True(t, s.Exists("test:reconcile"), "foreign unlock leaves the key")

	require.NoError(t, a.Unlock(ctx, "reconcile"))
	ok, err = b.TryLock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocker_ExpiredLockIsNotReleasedByOldOwner(t *testing.T) {
	s, client := setupRedis(t)
	ctx := context.Background()
	a := NewLocker(client, "")
	b := NewLocker(client, "")

	ok, err := a.TryLock(ctx, "reconcile", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	s.FastForward(2 * time.Second)
	ok, err = b.TryLock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, a.Unlock(ctx, "reconcile"), ErrLockNotHeld)
	assert.True(t, s.Exists(defaultPrefix+"reconcile"), "b still owns the key")
}

func TestFeed_PushAndNext(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()
	feed := NewFeed(client, "", &mockLogger{})

	recs := []domain.Recommendation{
		{Symbol: "BTCUSDC", Amount: 50, TakeProfitPct: 2, StopLossPct: 1, VolatilityPct: 2},
		{Symbol: "ETHUSDC", Amount: 40, TakeProfitPct: 3, StopLossPct: 1.5, VolatilityPct: 3},
		{Symbol: "SOLUSDC", Amount: 30, TakeProfitPct: 4, StopLossPct: 2, VolatilityPct: 4},
	}
	for _, r := range recs {
		require.NoError(t, feed.Push(ctx, r))
	}
	n, err := feed.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := feed.Next(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, recs[:2], got, "fifo order")

	got, err = feed.Next(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, recs[2:], got)

	got, err = feed.Next(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFeed_DropsMalformedEntries(t *testing.T) {
	s, client := setupRedis(t)
	ctx := context.Background()
	logger := &mockLogger{}
	feed := NewFeed(client, "recs", logger)

	_, err := s.Push(defaultPrefix+"recs", "not json", `{"amount":5}`, `{"symbol":"BTCUSDC","amount":10,"tp_pct":1,"sl_pct":1,"volatility":2}`)
	require.NoError(t, err)

	got, err := feed.Next(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "BTCUSDC", got[0].Symbol)
	assert.InDelta(t, 2.0, got[0].VolatilityPct, 1e-9)
	assert.Equal(t, 2, logger.warnings)
}
