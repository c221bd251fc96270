package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Broker-agnostic types exchanged with the quote source and execution gateway.

// Quote represents the latest tradable price for a symbol
type Quote struct {
	AsOf     time.Time       // Quote timestamp
	Price    decimal.Decimal // Last price
	Symbol   string          // Security symbol
	Exchange string          // Listing exchange, used for market hours
}

// OrderRequest is submitted to the execution gateway
type OrderRequest struct {
	LimitPrice    decimal.Decimal // Price locked during preparation
	ClientOrderID string          // Trade id; lets the gateway deduplicate retries
	AccountID     string          // User whose account settles the order
	Symbol        string
	Action        TradeAction
	Quantity      int64
}

// OrderStatus is the gateway's verdict on a submitted order
type OrderStatus string

const (
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// OrderOutcome represents the result of a submitted order
type OrderOutcome struct {
	FillPrice      decimal.Decimal
	OrderID        string
	Status         OrderStatus
	RejectReason   string
	FilledQuantity int64
}

// Value returns the filled notional (filled quantity x fill price).
func (o *OrderOutcome) Value() decimal.Decimal {
	return o.FillPrice.Mul(decimal.NewFromInt(o.FilledQuantity))
}
