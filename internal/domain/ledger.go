package domain

import "time"

// PnLSnapshot is an append-only realized PnL sample used for equity and
// drawdown curves.
type PnLSnapshot struct {
	ID        int64
	Timestamp time.Time
	PnL       float64 // realized pnl of the transition that produced the snapshot
	Equity    float64 // starting capital + cumulative realized pnl
	Drawdown  float64 // percent below the running equity peak
	DailyPnL  float64 // realized pnl of trades closed on the same UTC day
}

// EventLevel is the severity of an audit event.
type EventLevel string

const (
	EventDebug EventLevel = "DEBUG"
	EventInfo  EventLevel = "INFO"
	EventWarn  EventLevel = "WARN"
	EventError EventLevel = "ERROR"
)

// Event is an append-only audit record.
type Event struct {
	ID        int64
	Timestamp time.Time
	Level     EventLevel
	Module    string
	Message   string
	Data      map[string]interface{}
}

// Recommendation is an externally sourced trade proposal. It is untrusted input.
type Recommendation struct {
	Symbol        string  `json:"symbol"`
	Amount        float64 `json:"amount"`
	TakeProfitPct float64 `json:"tp_pct"`
	StopLossPct   float64 `json:"sl_pct"`
	VolatilityPct float64 `json:"volatility"`
}

// NotificationKind classifies messages sent to the notification sink.
type NotificationKind string

const (
	NotifyTradeOpened NotificationKind = "trade_opened"
	NotifyTradeClosed NotificationKind = "trade_closed"
	NotifyRejected    NotificationKind = "rejected"
	NotifyUnprotected NotificationKind = "unprotected"
	NotifyProposal    NotificationKind = "proposal"
	NotifyOrphan      NotificationKind = "orphan"
)

// Notification is a fire-and-forget message for operators.
type Notification struct {
	Kind    NotificationKind
	Title   string
	Symbol  string
	TradeID int64
	Fields  map[string]interface{}
}
