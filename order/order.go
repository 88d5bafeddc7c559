// Package order implements the Order aggregate and the commands that change it.
package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/overtonx/outbox/v4/event"
	"github.com/overtonx/outbox/v4/internal/apperr"
)

// Item is one order line. Lines are unique by product id.
type Item struct {
	ProductID string
	Quantity  int
	Price     decimal.Decimal
}

func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Snapshot is an immutable view of an order as persisted.
type Snapshot struct {
	ID              string
	CustomerID      string
	ShippingAddress string
	Items           []Item
	Total           decimal.Decimal
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
	// Version is 0 for an order that was never stored.
	Version int64
}

// Order is the aggregate root. Mutations keep Total equal to the sum of
// item subtotals and collect the integration events they raise.
type Order struct {
	id              string
	customerID      string
	shippingAddress string
	items           []Item
	total           decimal.Decimal
	status          Status
	createdAt       time.Time
	updatedAt       time.Time
	version         int64

	pending []event.Event
}

// Create places a new pending order and raises OrderCreated.
func Create(id, customerID, shippingAddress string, items []Item, now time.Time) (*Order, error) {
	if id == "" {
		return nil, apperr.Validation("id", "is required")
	}
	if customerID == "" {
		return nil, apperr.Validation("customerId", "is required")
	}
	if len(items) == 0 {
		return nil, apperr.Validation("items", "must contain at least one item")
	}

	now = now.UTC()
	o := &Order{
		id:              id,
		customerID:      customerID,
		shippingAddress: shippingAddress,
		status:          StatusPending,
		total:           decimal.Zero,
		createdAt:       now,
		updatedAt:       now,
	}
	for i, item := range items {
		if err := o.addItem(item); err != nil {
			return nil, fieldAt(i, err)
		}
	}
	o.recalculateTotal()

	o.raise(event.OrderCreated{
		OrderID:         o.id,
		CustomerID:      o.customerID,
		ShippingAddress: o.shippingAddress,
		TotalAmount:     o.total,
		Items:           eventItems(o.items),
	})
	return o, nil
}

// Restore rebuilds an order from storage without raising events.
func Restore(s Snapshot) *Order {
	items := make([]Item, len(s.Items))
	copy(items, s.Items)
	return &Order{
		id:              s.ID,
		customerID:      s.CustomerID,
		shippingAddress: s.ShippingAddress,
		items:           items,
		total:           s.Total,
		status:          s.Status,
		createdAt:       s.CreatedAt,
		updatedAt:       s.UpdatedAt,
		version:         s.Version,
	}
}

func (o *Order) ID() string { return o.id }
func (o *Order) Status() Status { return o.status }
func (o *Order) Total() decimal.Decimal { return o.total }
func (o *Order) Version() int64 { return o.version }

// AddItems merges items into a pending order and raises OrderItemsAdded.
func (o *Order) AddItems(items []Item, now time.Time) error {
	if len(items) == 0 {
		return apperr.Validation("items", "must contain at least one item")
	}
	if o.status != StatusPending {
		return apperr.Validation("status", fmt.Sprintf("items cannot be added to a %s order", o.status))
	}

	next := Restore(o.Snapshot())
	for i, item := range items {
		if err := next.addItem(item); err != nil {
			return fieldAt(i, err)
		}
	}
	o.items = next.items
	o.recalculateTotal()
	o.updatedAt = now.UTC()

	o.raise(event.OrderItemsAdded{
		OrderID:     o.id,
		Items:       eventItems(items),
		TotalAmount: o.total,
	})
	return nil
}

// ChangeStatus moves the order along the transition table and raises
// OrderStatusChanged.
func (o *Order) ChangeStatus(next Status, now time.Time) error {
	if !next.Valid() {
		return apperr.Validation("status", fmt.Sprintf("unknown status %q", next))
	}
	if !o.status.CanTransitionTo(next) {
		return apperr.Validation("status", fmt.Sprintf("transition %s -> %s is not allowed", o.status, next))
	}

	from := o.status
	o.status = next
	o.updatedAt = now.UTC()

	o.raise(event.OrderStatusChanged{
		OrderID: o.id,
		From:    string(from),
		To:      string(next),
	})
	return nil
}

// PullEvents returns the events raised since the last call and forgets them.
func (o *Order) PullEvents() []event.Event {
	out := o.pending
	o.pending = nil
	return out
}

func (o *Order) Snapshot() Snapshot {
	items := make([]Item, len(o.items))
	copy(items, o.items)
	return Snapshot{
		ID:              o.id,
		CustomerID:      o.customerID,
		ShippingAddress: o.shippingAddress,
		Items:           items,
		Total:           o.total,
		Status:          o.status,
		CreatedAt:       o.createdAt,
		UpdatedAt:       o.updatedAt,
		Version:         o.version,
	}
}

func (o *Order) addItem(item Item) error {
	if item.ProductID == "" {
		return apperr.Validation("productId", "is required")
	}
	if item.Quantity <= 0 {
		return apperr.Validation("quantity", "must be greater than zero")
	}
	if item.Price.IsNegative() {
		return apperr.Validation("price", "must not be negative")
	}

	for i := range o.items {
		if o.items[i].ProductID == item.ProductID {
			o.items[i].Quantity += item.Quantity
			o.items[i].Price = item.Price
			return nil
		}
	}
	o.items = append(o.items, item)
	return nil
}

func (o *Order) recalculateTotal() {
	total := decimal.Zero
	for _, item := range o.items {
		total = total.Add(item.Subtotal())
	}
	o.total = total
}

func (o *Order) raise(ev event.Event) {
	o.pending = append(o.pending, ev)
}

func eventItems(items []Item) []event.OrderItem {
	out := make([]event.OrderItem, 0, len(items))
	for _, item := range items {
		out = append(out, event.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity, Price: item.Price})
	}
	return out
}

func fieldAt(index int, err error) error {
	if ve, ok := err.(*apperr.ValidationError); ok {
		return apperr.Validation(fmt.Sprintf("items[%d].%s", index, ve.Field), ve.Reason)
	}
	return err
}
