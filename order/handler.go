package order

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4"
	"github.com/overtonx/outbox/v4/internal/apperr"
	"github.com/overtonx/outbox/v4/storage"
)

// DefaultTopic carries every order event.
const DefaultTopic = "orders.events"

var ErrNotFound = errors.New("order not found")

// Repository persists order snapshots. Save inserts when Version is 0 and
// otherwise updates only if the stored version still equals Version.
type Repository interface {
	Get(ctx context.Context, id string) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
}

// Outbox appends events inside the unit of work carried by ctx.
type Outbox interface {
	Append(ctx context.Context, events ...outbox.Event) error
}

type ItemInput struct {
	ProductID string          `json:"productId" validate:"required,max=64"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	Price     decimal.Decimal `json:"price"`
}

type CreateOrder struct {
	// OrderID is generated when empty.
	OrderID         string      `json:"orderId" validate:"omitempty,uuid"`
	CustomerID      string      `json:"customerId" validate:"required,max=64"`
	ShippingAddress string      `json:"shippingAddress" validate:"max=512"`
	Items           []ItemInput `json:"items" validate:"required,min=1,dive"`
}

type AddItems struct {
	OrderID         string      `json:"orderId" validate:"required"`
	Items           []ItemInput `json:"items" validate:"required,min=1,dive"`
	ExpectedVersion int64       `json:"expectedVersion" validate:"gte=0"`
}

type ChangeStatus struct {
	OrderID         string `json:"orderId" validate:"required"`
	Status          Status `json:"status" validate:"required"`
	ExpectedVersion int64  `json:"expectedVersion" validate:"gte=0"`
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

func WithTopic(topic string) HandlerOption {
	return func(h *Handler) {
		h.topic = topic
	}
}

// Handler executes order commands. Each command is one unit of work holding
// the order rows and the outbox entries it produced; the bus is never called.
type Handler struct {
	uow      storage.UnitOfWork
	repo     Repository
	outbox   Outbox
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
	topic    string
}

func NewHandler(uow storage.UnitOfWork, repo Repository, ob Outbox, opts ...HandlerOption) *Handler {
	h := &Handler{
		uow:      uow,
		repo:     repo,
		outbox:   ob,
		validate: newValidator(),
		logger:   zap.NewNop(),
		now:      time.Now,
		topic:    DefaultTopic,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

func (h *Handler) Create(ctx context.Context, cmd CreateOrder) (Snapshot, error) {
	if err := h.check(cmd); err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	id := cmd.OrderID
	if id == "" {
		id = uuid.NewString()
	}
	o, err := Create(id, cmd.CustomerID, cmd.ShippingAddress, toItems(cmd.Items), h.now())
	if err != nil {
		return Snapshot{}, err
	}

	err = h.uow.Do(ctx, func(ctx context.Context) error {
		if err := h.repo.Save(ctx, o.Snapshot()); err != nil {
			return err
		}
		return h.appendEvents(ctx, o)
	})
	if err != nil {
		return Snapshot{}, h.translate("create order", id, err)
	}

	saved := o.Snapshot()
	saved.Version++
	h.logger.Info("Order created",
		zap.String("order_id", saved.ID),
		zap.String("customer_id", saved.CustomerID),
		zap.String("total", saved.Total.String()))
	return saved, nil
}

func (h *Handler) AddItems(ctx context.Context, cmd AddItems) (Snapshot, error) {
	if err := h.check(cmd); err != nil {
		return Snapshot{}, err
	}
	items := toItems(cmd.Items)
	return h.mutate(ctx, "add items", cmd.OrderID, cmd.ExpectedVersion, func(o *Order, now time.Time) error {
		return o.AddItems(items, now)
	})
}

func (h *Handler) ChangeStatus(ctx context.Context, cmd ChangeStatus) (Snapshot, error) {
	if err := h.check(cmd); err != nil {
		return Snapshot{}, err
	}
	saved, err := h.mutate(ctx, "change status", cmd.OrderID, cmd.ExpectedVersion, func(o *Order, now time.Time) error {
		return o.ChangeStatus(cmd.Status, now)
	})
	if err == nil {
		h.logger.Info("Order status changed",
			zap.String("order_id", saved.ID),
			zap.String("status", string(saved.Status)))
	}
	return saved, err
}

// Get reads the aggregate store only.
func (h *Handler) Get(ctx context.Context, id string) (Snapshot, error) {
	if id == "" {
		return Snapshot{}, apperr.Validation("orderId", "is required")
	}
	s, err := h.repo.Get(ctx, id)
	if err != nil {
		return Snapshot{}, h.translate("get order", id, err)
	}
	return s, nil
}

// mutate loads the order, applies fn and saves it with its events. A non-zero
// expectedVersion must match the stored version.
func (h *Handler) mutate(ctx context.Context, op, id string, expectedVersion int64, fn func(*Order, time.Time) error) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	var saved Snapshot
	err := h.uow.Do(ctx, func(ctx context.Context) error {
		current, err := h.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if expectedVersion > 0 && current.Version != expectedVersion {
			return storage.ErrStaleVersion
		}

		o := Restore(current)
		if err := fn(o, h.now()); err != nil {
			return err
		}
		if err := h.repo.Save(ctx, o.Snapshot()); err != nil {
			return err
		}
		if err := h.appendEvents(ctx, o); err != nil {
			return err
		}
		saved = o.Snapshot()
		saved.Version++
		return nil
	})
	if err != nil {
		return Snapshot{}, h.translate(op, id, err)
	}
	return saved, nil
}

func (h *Handler) appendEvents(ctx context.Context, o *Order) error {
	events, err := outbox.EventsFrom(h.topic, h.now(), o.PullEvents()...)
	if err != nil {
		return err
	}
	return h.outbox.Append(ctx, events...)
}

func (h *Handler) translate(op, id string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case errors.Is(err, storage.ErrStaleVersion), errors.Is(err, storage.ErrDuplicate), errors.Is(err, outbox.ErrEventAlreadyExists):
		return apperr.Conflict("order", id)
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrConflict):
		return err
	default:
		h.logger.Error("Order command failed", zap.String("op", op), zap.String("order_id", id), zap.Error(err))
		return apperr.Persistence(op, err)
	}
}

func (h *Handler) check(cmd any) error {
	err := h.validate.Struct(cmd)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return apperr.Validation(fieldPath(fe.Namespace()), describe(fe))
	}
	return apperr.Validation("", err.Error())
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldPath drops the command type from a validator namespace.
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "uuid":
		return "must be a uuid"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

func toItems(in []ItemInput) []Item {
	items := make([]Item, 0, len(in))
	for _, i := range in {
		items = append(items, Item{ProductID: i.ProductID, Quantity: i.Quantity, Price: i.Price})
	}
	return items
}
