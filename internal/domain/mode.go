package domain

import (
	"fmt"
	"strings"
	"time"
)

// TradingMode controls whether recommendations are executed automatically.
type TradingMode string

const (
	ModeConfirmAll TradingMode = "CONFIRM_ALL" // every trade needs operator confirmation
	ModeAutoGated  TradingMode = "AUTO_GATED"  // automatic, through the risk gate
	ModeAutoAll    TradingMode = "AUTO_ALL"    // ungated execution, switched off: recommendations are proposed
)

// ParseTradingMode accepts the mode name case-insensitively.
func ParseTradingMode(s string) (TradingMode, error) {
	m := TradingMode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeConfirmAll, ModeAutoGated, ModeAutoAll:
		return m, nil
	default:
		return "", fmt.Errorf("unknown trading mode %q", s)
	}
}

func (m TradingMode) String() string { return string(m) }

// CanAutoTrade reports whether recommendations may be opened without an operator.
func (m TradingMode) CanAutoTrade() bool {
	return m == ModeAutoGated || m == ModeAutoAll
}

// RequiresConfirmation reports whether every open needs explicit confirmation.
func (m TradingMode) RequiresConfirmation() bool {
	return m == ModeConfirmAll
}

// IsAutoGated reports whether automatic trading is restricted by the risk gate.
func (m TradingMode) IsAutoGated() bool {
	return m == ModeAutoGated
}

// Keys of the records kept in the settings store.
const (
	SettingTradingMode    = "trading_mode"
	SettingBaselinePrefix = "equity_baseline:"
)

// BaselineKey names the opening-equity baseline of the UTC day containing t.
func BaselineKey(t time.Time) string {
	return SettingBaselinePrefix + t.UTC().Format("2006-01-02")
}
