// Package payment implements the Payment aggregate owned by the payments
// service and the handlers that react to order events.
package payment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/overtonx/outbox/v4/event"
	"github.com/overtonx/outbox/v4/internal/apperr"
)

const DefaultCurrency = "AUD"

type Status string

const (
	StatusPending   Status = "Pending"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusRefunded  Status = "Refunded"
)

// Snapshot is a payment as persisted.
type Snapshot struct {
	ID           string
	OrderID      string
	Amount       decimal.Decimal
	Currency     string
	Status       Status
	ExternalID   string
	ErrorMessage string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	// Version is 0 for a payment that was never stored.
	Version int64
}

type Payment struct {
	s       Snapshot
	pending []event.Event
}

// New opens a pending payment for an order and raises PaymentCreated.
func New(id, orderID string, amount decimal.Decimal, currency string, now time.Time) (*Payment, error) {
	if id == "" {
		return nil, apperr.Validation("id", "is required")
	}
	if orderID == "" {
		return nil, apperr.Validation("orderId", "is required")
	}
	if amount.IsNegative() {
		return nil, apperr.Validation("amount", "must not be negative")
	}
	if currency == "" {
		currency = DefaultCurrency
	}

	p := &Payment{s: Snapshot{
		ID:        id,
		OrderID:   orderID,
		Amount:    amount,
		Currency:  currency,
		Status:    StatusPending,
		CreatedAt: now.UTC(),
	}}
	p.pending = append(p.pending, event.PaymentCreated{
		PaymentID: id,
		OrderID:   orderID,
		Amount:    amount,
		Currency:  currency,
	})
	return p, nil
}

func Restore(s Snapshot) *Payment {
	return &Payment{s: s}
}

func (p *Payment) Snapshot() Snapshot {
	return p.s
}

func (p *Payment) ID() string { return p.s.ID }
func (p *Payment) Status() Status { return p.s.Status }

// AdjustAmount follows a change of the order total while nothing was charged.
func (p *Payment) AdjustAmount(amount decimal.Decimal) error {
	if err := p.requireStatus(StatusPending, "adjust"); err != nil {
		return err
	}
	if amount.IsNegative() {
		return apperr.Validation("amount", "must not be negative")
	}
	p.s.Amount = amount
	return nil
}

func (p *Payment) MarkCompleted(externalID string, now time.Time) error {
	if err := p.requireStatus(StatusPending, "complete"); err != nil {
		return err
	}
	p.s.Status = StatusCompleted
	p.s.ExternalID = externalID
	p.processed(now)
	return nil
}

func (p *Payment) MarkFailed(reason string, now time.Time) error {
	if err := p.requireStatus(StatusPending, "fail"); err != nil {
		return err
	}
	p.s.Status = StatusFailed
	p.s.ErrorMessage = reason
	p.processed(now)
	return nil
}

func (p *Payment) MarkRefunded(now time.Time) error {
	if err := p.requireStatus(StatusCompleted, "refund"); err != nil {
		return err
	}
	p.s.Status = StatusRefunded
	p.processed(now)
	return nil
}

func (p *Payment) PullEvents() []event.Event {
	out := p.pending
	p.pending = nil
	return out
}

func (p *Payment) requireStatus(want Status, action string) error {
	if p.s.Status != want {
		return apperr.Validation("status", fmt.Sprintf("cannot %s a %s payment", action, p.s.Status))
	}
	return nil
}

func (p *Payment) processed(now time.Time) {
	t := now.UTC()
	p.s.ProcessedAt = &t
}
