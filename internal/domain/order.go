package domain

import "time"

// Order is one exchange order, optionally associated with a Trade. It is the
// only local authority mapping an exchange order id to a trade.
type Order struct {
	ID              int64
	TradeID         *int64
	ExchangeOrderID int64
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Quantity        float64
	Price           float64 // 0 when not applicable (market orders)
	StopPrice       float64 // 0 when not applicable
	Status          OrderStatus
	CreatedAt       time.Time
	ExecutedAt      *time.Time
}

// Fill is a single execution reported by the exchange for an order.
type Fill struct {
	Price           float64
	Quantity        float64
	Commission      float64
	CommissionAsset string
}
