package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// StopLimitFactor places the stop-loss limit price just under the stop
// trigger so the order fills promptly once triggered.
var StopLimitFactor = decimal.RequireFromString("0.995")

var hundred = decimal.NewFromInt(100)

// Brackets holds exchange-ready take-profit and stop-loss values for a position.
type Brackets struct {
	Quantity   decimal.Decimal
	TakeProfit decimal.Decimal
	StopPrice  decimal.Decimal
	StopLimit  decimal.Decimal
	tick, step Increment
}

// RawBrackets are the unquantised targets derived from the entry price.
type RawBrackets struct {
	TakeProfit decimal.Decimal
	StopPrice  decimal.Decimal
	StopLimit  decimal.Decimal
}

// Raw derives the take-profit, stop and stop-limit prices before any tick rounding.
func Raw(entry, tpPct, slPct float64) RawBrackets {
	avg := decimal.NewFromFloat(entry)
	stop := avg.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(slPct).Div(hundred)))
	return RawBrackets{
		TakeProfit: avg.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(tpPct).Div(hundred))),
		StopPrice:  stop,
		StopLimit:  stop.Mul(StopLimitFactor),
	}
}

// Compute quantises bracket prices to tickSize and the quantity to stepSize.
// The stop-limit price is derived from the already quantised stop price.
func Compute(entry, quantity, tpPct, slPct float64, tickSize, stepSize string) (*Brackets, error) {
	if entry <= 0 {
		return nil, fmt.Errorf("entry price must be positive, got %v", entry)
	}
	if tpPct <= 0 || slPct <= 0 || slPct >= 100 {
		return nil, fmt.Errorf("take-profit %% must be > 0 and stop-loss %% in (0,100), got tp=%v sl=%v", tpPct, slPct)
	}
	tick, err := ParseIncrement(tickSize)
	if err != nil {
		return nil, fmt.Errorf("tick size: %w", err)
	}
	step, err := ParseIncrement(stepSize)
	if err != nil {
		return nil, fmt.Errorf("step size: %w", err)
	}

	raw := Raw(entry, tpPct, slPct)
	b := &Brackets{tick: tick, step: step}
	b.Quantity = step.Floor(decimal.NewFromFloat(quantity))
	b.TakeProfit = tick.Floor(raw.TakeProfit)
	b.StopPrice = tick.Floor(raw.StopPrice)
	b.StopLimit = tick.Floor(b.StopPrice.Mul(StopLimitFactor))

	if b.Quantity.IsZero() {
		return nil, fmt.Errorf("%w: quantity %v with step %s", ErrBelowIncrement, quantity, stepSize)
	}
	if b.StopLimit.IsZero() {
		return nil, fmt.Errorf("%w: stop-limit price with tick %s", ErrBelowIncrement, tickSize)
	}
	return b, nil
}

func (b *Brackets) QuantityString() string   { return b.step.Format(b.Quantity) }
func (b *Brackets) TakeProfitString() string { return b.tick.Format(b.TakeProfit) }
func (b *Brackets) StopPriceString() string  { return b.tick.Format(b.StopPrice) }
func (b *Brackets) StopLimitString() string  { return b.tick.Format(b.StopLimit) }
