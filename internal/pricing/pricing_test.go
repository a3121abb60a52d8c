package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/domain"
)

func TestParseIncrement(t *testing.T) {
	tests := []struct {
		name          string
		in            string
		wantPrecision int32
		wantErr       bool
	}{
		{name: "binance tick with trailing zeros", in: "0.01000000", wantPrecision: 2},
		{name: "step of five decimals", in: "0.00001000", wantPrecision: 5},
		{name: "whole units", in: "1.00000000", wantPrecision: 0},
		{name: "integer string", in: "10", wantPrecision: 0},
		{name: "half tick", in: "0.5", wantPrecision: 1},
		{name: "exponent form", in: "1e-4", wantPrecision: 4},
		{name: "zero", in: "0.00000000", wantErr: true},
		{name: "garbage", in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inc, err := ParseIncrement(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidIncrement)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrecision, inc.Precision)
		})
	}
}

func TestQuantize_FloorAndIdempotent(t *testing.T) {
	increments := []string{"0.01000000", "0.00001000", "0.5", "1.00000000"}
	values := []float64{97.519, 0.123456, 105, 98.0 * 0.995, 3.14159265, 0.7, 12345.6789}

	for _, inc := range increments {
		for _, v := range values {
			q1, err := Quantize(v, inc)
			require.NoError(t, err)
			q2, err := Quantize(q1, inc)
			require.NoError(t, err)

			assert.Equal(t, q1, q2, "quantize must be idempotent for %v on %s", v, inc)
			assert.LessOrEqual(t, q1, v, "quantize must not round up %v on %s", v, inc)
		}
	}
}

func TestQuantize_Values(t *testing.T) {
	tests := []struct {
		v    float64
		inc  string
		want float64
	}{
		{97.519, "0.01", 97.51},
		{0.123456, "0.001", 0.123},
		{105, "0.01000000", 105},
		{99.274, "0.5", 99},
		{-1, "0.01", 0},
	}
	for _, tt := range tests {
		got, err := Quantize(tt.v, tt.inc)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-12)
	}
}

func TestRaw(t *testing.T) {
	raw := Raw(100, 5, 2)

	assert.True(t, raw.TakeProfit.Equal(decimal.NewFromInt(105)), "tp=%s", raw.TakeProfit)
	assert.True(t, raw.StopPrice.Equal(decimal.NewFromInt(98)), "stop=%s", raw.StopPrice)
	assert.True(t, raw.StopLimit.Equal(decimal.RequireFromString("97.51")), "limit=%s", raw.StopLimit)
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name                    string
		entry, qty, tp, sl      float64
		tick, step              string
		wantQty, wantTP         string
		wantStop, wantStopLimit string
		wantErr                 error
	}{
		{
			name: "usdc pair", entry: 100, qty: 0.123456, tp: 5, sl: 2,
			tick: "0.01000000", step: "0.00001000",
			wantQty: "0.12345", wantTP: "105.00", wantStop: "98.00", wantStopLimit: "97.51",
		},
		{
			name: "coarse tick", entry: 101.3, qty: 3.7, tp: 3, sl: 2,
			tick: "0.5", step: "1.00000000",
			wantQty: "3", wantTP: "104.0", wantStop: "99.0", wantStopLimit: "98.5",
		},
		{
			name: "quantity below step", entry: 100, qty: 0.000001, tp: 5, sl: 2,
			tick: "0.01", step: "0.001",
			wantErr: ErrBelowIncrement,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Compute(tt.entry, tt.qty, tt.tp, tt.sl, tt.tick, tt.step)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantQty, b.QuantityString())
			assert.Equal(t, tt.wantTP, b.TakeProfitString())
			assert.Equal(t, tt.wantStop, b.StopPriceString())
			assert.Equal(t, tt.wantStopLimit, b.StopLimitString())
		})
	}
}

func TestCompute_RejectsBadPercentages(t *testing.T) {
	_, err := Compute(100, 1, 0, 2, "0.01", "0.01")
	assert.Error(t, err)
	_, err = Compute(100, 1, 5, 100, "0.01", "0.01")
	assert.Error(t, err)
	_, err = Compute(0, 1, 5, 2, "0.01", "0.01")
	assert.Error(t, err)
}

func TestAverageFill(t *testing.T) {
	avg, qty, err := AverageFill([]domain.Fill{
		{Price: 100, Quantity: 0.5},
		{Price: 103, Quantity: 1.5},
	})
	require.NoError(t, err)
	assert.InDelta(t, 102.25, avg, 1e-9)
	assert.InDelta(t, 2.0, qty, 1e-12)

	_, _, err = AverageFill(nil)
	assert.Error(t, err)
}

func TestFormatQuote(t *testing.T) {
	assert.Equal(t, "50.12", FormatQuote(50.129, 2))
	assert.Equal(t, "50.00", FormatQuote(50, 2))
	assert.Equal(t, "7", FormatQuote(7.9, 0))
}
