// Package event defines the integration events exchanged between services and
// the envelope they travel in. The set of events is closed: every kind is
// declared here and decoded by its discriminator string.
package event

import (
	"github.com/shopspring/decimal"
)

// Event discriminators. They double as bus routing keys.
const (
	KindOrderCreated       = "OrderCreatedEvent"
	KindOrderItemsAdded    = "OrderItemsAddedEvent"
	KindOrderStatusChanged = "OrderStatusChangedEvent"
	KindPaymentCreated     = "PaymentCreatedEvent"
)

// Aggregate types that raise events.
const (
	AggregateOrder   = "order"
	AggregatePayment = "payment"
)

// Event is implemented only by the types in this package.
type Event interface {
	Kind() string
	AggregateType() string
	AggregateID() string

	sealed()
}

type OrderItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// OrderCreated is raised once when an order is placed.
type OrderCreated struct {
	OrderID         string          `json:"orderId"`
	CustomerID      string          `json:"customerId"`
	ShippingAddress string          `json:"shippingAddress,omitempty"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Items           []OrderItem     `json:"items"`
}

func (OrderCreated) Kind() string { return KindOrderCreated }
func (OrderCreated) AggregateType() string { return AggregateOrder }
func (e OrderCreated) AggregateID() string { return e.OrderID }
func (OrderCreated) sealed() {}

// OrderItemsAdded is raised when items are added to a pending order.
// TotalAmount is the order total after the change.
type OrderItemsAdded struct {
	OrderID     string          `json:"orderId"`
	Items       []OrderItem     `json:"items"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

func (OrderItemsAdded) Kind() string { return KindOrderItemsAdded }
func (OrderItemsAdded) AggregateType() string { return AggregateOrder }
func (e OrderItemsAdded) AggregateID() string { return e.OrderID }
func (OrderItemsAdded) sealed() {}

// OrderStatusChanged is raised on every accepted status transition.
type OrderStatusChanged struct {
	OrderID string `json:"orderId"`
	From    string `json:"from"`
	To      string `json:"to"`
}

func (OrderStatusChanged) Kind() string { return KindOrderStatusChanged }
func (OrderStatusChanged) AggregateType() string { return AggregateOrder }
func (e OrderStatusChanged) AggregateID() string { return e.OrderID }
func (OrderStatusChanged) sealed() {}

// PaymentCreated is raised when the payments service opens a payment for an order.
type PaymentCreated struct {
	PaymentID string          `json:"paymentId"`
	OrderID   string          `json:"orderId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

func (PaymentCreated) Kind() string { return KindPaymentCreated }
func (PaymentCreated) AggregateType() string { return AggregatePayment }
func (e PaymentCreated) AggregateID() string { return e.PaymentID }
func (PaymentCreated) sealed() {}
