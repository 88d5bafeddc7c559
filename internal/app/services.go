package app

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4"
	"github.com/overtonx/outbox/v4/config"
	"github.com/overtonx/outbox/v4/consumer"
	"github.com/overtonx/outbox/v4/order"
	"github.com/overtonx/outbox/v4/payment"
	"github.com/overtonx/outbox/v4/storage"
	"github.com/overtonx/outbox/v4/storage/sqlstore"
)

// Deps are the process-scoped resources shared by every component.
type Deps struct {
	Config    config.Config
	DB        *sql.DB
	Dialect   sqlstore.Dialect
	UoW       storage.UnitOfWork
	Carrier   *outbox.Carrier
	Transport *Transport
	Cache     consumer.Cache
	Metrics   outbox.MetricsCollector
	Logger    *zap.Logger
}

// NewOrderHandler returns the order command handler writing to the shared outbox.
func NewOrderHandler(d Deps) *order.Handler {
	return order.NewHandler(d.UoW,
		sqlstore.NewOrderRepository(d.DB, d.Dialect, d.Logger),
		d.Carrier.Writer(),
		order.WithLogger(d.Logger),
	)
}

// PaymentsConsumer subscribes the payment handler to order events under the
// configured consumer group.
func PaymentsConsumer(d Deps) (*consumer.Runner, *sqlstore.DedupStore) {
	payments := payment.NewHandler(
		sqlstore.NewPaymentRepository(d.DB, d.Dialect),
		d.Carrier.Writer(),
		payment.WithLogger(d.Logger),
	)
	registry := consumer.NewRegistry()
	payments.Register(registry)

	dedup := sqlstore.NewDedupStore(d.DB, d.Dialect)
	opts := []consumer.Option{
		consumer.WithLogger(d.Logger),
		consumer.WithMetrics(d.Metrics),
		consumer.WithMaxDeliveries(d.Config.Consumer.MaxDeliveries),
	}
	if d.Cache != nil {
		opts = append(opts, consumer.WithCache(d.Cache))
	}
	c := consumer.New(d.Config.Consumer.Group, d.UoW, dedup, registry, opts...)

	return consumer.NewRunner(d.Transport.Subscriber, order.DefaultTopic, d.Config.Consumer.Group, c.OnMessage, d.Logger), dedup
}

// DemoOrders places a sample order every interval, so a process without an
// inbound API still produces traffic.
func DemoOrders(h *order.Handler, interval time.Duration, logger *zap.Logger) outbox.Worker {
	return outbox.NewBaseWorker("order_demo", interval, logger, func(ctx context.Context) error {
		created, err := h.Create(ctx, order.CreateOrder{
			CustomerID:      "cust-" + uuid.NewString()[:8],
			ShippingAddress: "1 Demo Street",
			Items: []order.ItemInput{
				{ProductID: "p-1", Quantity: 2, Price: decimal.NewFromInt(10)},
				{ProductID: "p-2", Quantity: 1, Price: decimal.NewFromInt(5)},
			},
		})
		if err != nil {
			return err
		}
		logger.Info("Demo order placed",
			zap.String("aggregate_id", created.ID),
			zap.String("total", created.Total.String()))
		return nil
	})
}
