package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType mirrors the exchange order types the bot places.
type OrderType string

const (
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeStopLossLimit OrderType = "STOP_LOSS_LIMIT"
)

// IsBracket reports whether the type is used for take-profit or stop-loss protection.
func (t OrderType) IsBracket() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLossLimit
}

// OrderStatus mirrors the exchange order status enum verbatim.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsLive reports whether the order can still execute on the exchange.
func (s OrderStatus) IsLive() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// IsDead reports whether the order ended on the exchange without filling.
func (s OrderStatus) IsDead() bool {
	return s == OrderStatusCanceled || s == OrderStatusRejected || s == OrderStatusExpired
}

// TradeStatus is the trade state machine vocabulary. External collaborators
// depend on these strings, do not rename them.
type TradeStatus string

const (
	TradeStatusOpen         TradeStatus = "OPEN"       // entry filled, brackets missing
	TradeStatusOpenSLTP     TradeStatus = "OPEN_SL_TP" // both brackets accepted
	TradeStatusClosedTP     TradeStatus = "CLOSED_TP"
	TradeStatusClosedSL     TradeStatus = "CLOSED_SL"
	TradeStatusClosedManual TradeStatus = "CLOSED_MANUAL"
)

// IsTerminal reports whether no further transition is allowed.
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case TradeStatusClosedTP, TradeStatusClosedSL, TradeStatusClosedManual:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is part of the vocabulary.
func (s TradeStatus) IsValid() bool {
	switch s {
	case TradeStatusOpen, TradeStatusOpenSLTP, TradeStatusClosedTP, TradeStatusClosedSL, TradeStatusClosedManual:
		return true
	default:
		return false
	}
}

// OpenTradeStatuses lists the non-terminal statuses.
var OpenTradeStatuses = []TradeStatus{TradeStatusOpen, TradeStatusOpenSLTP}

// TotalKey is the aggregate key used in per-symbol profit maps.
const TotalKey = "TOTAL"
