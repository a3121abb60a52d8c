// Package pricing converts raw prices and quantities into values the exchange
// accepts. All arithmetic is decimal; floats only enter and leave at the edges.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"bracketBot/internal/domain"
)

var (
	ErrInvalidIncrement = errors.New("invalid tick/step increment")
	ErrBelowIncrement   = errors.New("value rounds down to zero on the exchange grid")
)

// Increment is an exchange tick or step size together with the number of
// decimals implied by its string form.
type Increment struct {
	Size      decimal.Decimal
	Precision int32
}

// ParseIncrement parses an exchange filter value such as "0.01000000". The
// precision comes from the significant decimal places of the string.
func ParseIncrement(s string) (Increment, error) {
	s = strings.TrimSpace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Increment{}, fmt.Errorf("%w: %q: %v", ErrInvalidIncrement, s, err)
	}
	if !d.IsPositive() {
		return Increment{}, fmt.Errorf("%w: %q must be positive", ErrInvalidIncrement, s)
	}
	return Increment{Size: d, Precision: precisionOf(s, d)}, nil
}

func precisionOf(s string, d decimal.Decimal) int32 {
	if strings.ContainsAny(s, "eE") {
		if exp := d.Exponent(); exp < 0 {
			return -exp
		}
		return 0
	}
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0
	}
	return int32(len(strings.TrimRight(s[dot+1:], "0")))
}

// Floor rounds v down to the nearest multiple of the increment. Non-positive
// values floor to zero.
func (inc Increment) Floor(v decimal.Decimal) decimal.Decimal {
	if !v.IsPositive() {
		return decimal.Zero
	}
	return v.Sub(v.Mod(inc.Size)).Truncate(inc.Precision)
}

// Format renders v with the increment's precision.
func (inc Increment) Format(v decimal.Decimal) string {
	return v.StringFixed(inc.Precision)
}

// Quantize floors a float to the increment grid given as an exchange string.
func Quantize(v float64, increment string) (float64, error) {
	inc, err := ParseIncrement(increment)
	if err != nil {
		return 0, err
	}
	return inc.Floor(decimal.NewFromFloat(v)).InexactFloat64(), nil
}

// FormatQuote floors a quote-currency amount to precision decimals.
func FormatQuote(amount float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	return decimal.NewFromFloat(amount).Truncate(int32(precision)).StringFixed(int32(precision))
}

// AverageFill returns the quantity-weighted average price and the total
// quantity of a set of fills.
func AverageFill(fills []domain.Fill) (avgPrice, quantity float64, err error) {
	notional := decimal.Zero
	qty := decimal.Zero
	for _, f := range fills {
		q := decimal.NewFromFloat(f.Quantity)
		notional = notional.Add(decimal.NewFromFloat(f.Price).Mul(q))
		qty = qty.Add(q)
	}
	if !qty.IsPositive() {
		return 0, 0, fmt.Errorf("no executed quantity in %d fills", len(fills))
	}
	return notional.Div(qty).InexactFloat64(), qty.InexactFloat64(), nil
}
