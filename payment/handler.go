package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4"
	"github.com/overtonx/outbox/v4/consumer"
	"github.com/overtonx/outbox/v4/event"
	"github.com/overtonx/outbox/v4/internal/apperr"
	"github.com/overtonx/outbox/v4/storage"
)

// DefaultTopic carries every payment event.
const DefaultTopic = "payments.events"

const orderCancelledReason = "order cancelled"

var ErrNotFound = errors.New("payment not found")

// Repository persists payments. Save inserts when Version is 0 and otherwise
// updates only if the stored version still equals Version. At most one
// payment exists per order.
type Repository interface {
	Get(ctx context.Context, id string) (Snapshot, error)
	GetByOrderID(ctx context.Context, orderID string) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
}

type Outbox interface {
	Append(ctx context.Context, events ...outbox.Event) error
}

type HandlerOption func(*Handler)

func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.now = now
	}
}

func WithCurrency(currency string) HandlerOption {
	return func(h *Handler) {
		h.currency = currency
	}
}

// Handler reacts to order events. Its methods run inside the consumer's unit
// of work, so the payment row, its outbox entry and the dedup record commit
// together.
type Handler struct {
	repo     Repository
	outbox   Outbox
	logger   *zap.Logger
	now      func() time.Time
	currency string
}

func NewHandler(repo Repository, ob Outbox, opts ...HandlerOption) *Handler {
	h := &Handler{
		repo:     repo,
		outbox:   ob,
		logger:   zap.NewNop(),
		now:      time.Now,
		currency: DefaultCurrency,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

// Register binds the handler to the order events it consumes.
func (h *Handler) Register(r *consumer.Registry) {
	consumer.On(r, h.CreateForOrder)
	consumer.On(r, h.OnOrderItemsAdded)
	consumer.On(r, h.OnOrderStatusChanged)
}

// CreateForOrder opens the order's payment for its total.
func (h *Handler) CreateForOrder(ctx context.Context, ev event.OrderCreated) error {
	existing, err := h.repo.GetByOrderID(ctx, ev.OrderID)
	switch {
	case err == nil:
		return apperr.Poison(fmt.Sprintf("payment %s already exists for order %s", existing.ID, ev.OrderID), nil)
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("load payment for order %s: %w", ev.OrderID, err)
	}

	p, err := New(uuid.NewString(), ev.OrderID, ev.TotalAmount, h.currency, h.now())
	if err != nil {
		return apperr.Poison("invalid order total", err)
	}
	if err := h.save(ctx, p); err != nil {
		return err
	}

	h.logger.Info("Payment created",
		zap.String("payment_id", p.ID()),
		zap.String("order_id", ev.OrderID),
		zap.String("amount", ev.TotalAmount.String()))
	return nil
}

// OnOrderItemsAdded keeps a pending payment's amount equal to the order total.
func (h *Handler) OnOrderItemsAdded(ctx context.Context, ev event.OrderItemsAdded) error {
	p, err := h.load(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	if p.Status() != StatusPending {
		h.logger.Warn("Order changed after payment was processed",
			zap.String("payment_id", p.ID()),
			zap.String("status", string(p.Status())))
		return nil
	}
	if err := p.AdjustAmount(ev.TotalAmount); err != nil {
		return apperr.Poison("invalid order total", err)
	}
	return h.save(ctx, p)
}

// OnOrderStatusChanged fails or refunds the payment of a cancelled order.
func (h *Handler) OnOrderStatusChanged(ctx context.Context, ev event.OrderStatusChanged) error {
	if ev.To != "Cancelled" {
		return nil
	}
	p, err := h.load(ctx, ev.OrderID)
	if err != nil {
		return err
	}

	now := h.now()
	switch p.Status() {
	case StatusPending:
		err = p.MarkFailed(orderCancelledReason, now)
	case StatusCompleted:
		err = p.MarkRefunded(now)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if err := h.save(ctx, p); err != nil {
		return err
	}

	h.logger.Info("Payment closed for cancelled order",
		zap.String("payment_id", p.ID()),
		zap.String("order_id", ev.OrderID),
		zap.String("status", string(p.Status())))
	return nil
}

func (h *Handler) Get(ctx context.Context, id string) (Snapshot, error) {
	s, err := h.repo.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, err
}

func (h *Handler) GetByOrderID(ctx context.Context, orderID string) (Snapshot, error) {
	s, err := h.repo.GetByOrderID(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return s, err
}

func (h *Handler) load(ctx context.Context, orderID string) (*Payment, error) {
	s, err := h.repo.GetByOrderID(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Poison("no payment for order "+orderID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load payment for order %s: %w", orderID, err)
	}
	return Restore(s), nil
}

// save stores the payment and its events. A lost race surfaces as a plain
// error so the message is redelivered and hits the dedup record.
func (h *Handler) save(ctx context.Context, p *Payment) error {
	if err := h.repo.Save(ctx, p.Snapshot()); err != nil {
		return fmt.Errorf("save payment %s: %w", p.ID(), err)
	}
	events, err := outbox.EventsFrom(DefaultTopic, h.now(), p.PullEvents()...)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	return h.outbox.Append(ctx, events...)
}
