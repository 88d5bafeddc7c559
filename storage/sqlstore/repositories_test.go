package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/outbox/v4/consumer"
	"github.com/overtonx/outbox/v4/order"
	"github.com/overtonx/outbox/v4/payment"
	"github.com/overtonx/outbox/v4/storage"
)

func orderSnapshot() order.Snapshot {
	return order.Snapshot{
		ID:              "0b8e7a0e-3c39-4d62-9f76-1f1f3c5b0a11",
		CustomerID:      "cust-1",
		ShippingAddress: "1 George St, Sydney",
		Items: []order.Item{
			{ProductID: "p-2", Quantity: 2, Price: decimal.NewFromInt(10)},
			{ProductID: "p-1", Quantity: 1, Price: decimal.RequireFromString("5.50")},
		},
		Total:     decimal.RequireFromString("25.50"),
		Status:    order.StatusPending,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func TestOrderRepository_SaveAndGet(t *testing.T) {
	repo := NewOrderRepository(openSQLite(t), SQLite, nil)
	ctx := context.Background()

	s := orderSnapshot()
	require.NoError(t, repo.Save(ctx, s))

	got, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, order.StatusPending, got.Status)
	assert.True(t, got.Total.Equal(s.Total))
	assert.Equal(t, t0, got.CreatedAt)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "p-2", got.Items[0].ProductID, "lines keep their order")
	assert.True(t, got.Items[1].Price.Equal(decimal.RequireFromString("5.5")))

	err = repo.Save(ctx, s)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOrderRepository_OptimisticUpdate(t *testing.T) {
	repo := NewOrderRepository(openSQLite(t), SQLite, nil)
	ctx := context.Background()

	s := orderSnapshot()
	require.NoError(t, repo.Save(ctx, s))

	s.Version = 1
	s.Status = order.StatusConfirmed
	s.Items = append(s.Items, order.Item{ProductID: "p-3", Quantity: 1, Price: decimal.NewFromInt(4)})
	s.Total = decimal.RequireFromString("29.50")
	s.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, repo.Save(ctx, s))

	got, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, order.StatusConfirmed, got.Status)
	assert.Len(t, got.Items, 3)
	assert.Equal(t, t0.Add(time.Minute), got.UpdatedAt)

	err = repo.Save(ctx, s)
	assert.ErrorIs(t, err, storage.ErrStaleVersion)
}

func TestOrderRepository_RollsBackWithUnitOfWork(t *testing.T) {
	db := openSQLite(t)
	repo := NewOrderRepository(db, SQLite, nil)
	trm := manager.Must(trmsql.NewDefaultFactory(db))
	ctx := context.Background()

	boom := errors.New("outbox append failed")
	err := trm.Do(ctx, func(ctx context.Context) error {
		require.NoError(t, repo.Save(ctx, orderSnapshot()))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = repo.Get(ctx, orderSnapshot().ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPaymentRepository(t *testing.T) {
	repo := NewPaymentRepository(openSQLite(t), SQLite)
	ctx := context.Background()

	s := payment.Snapshot{
		ID:        "pay-1",
		OrderID:   "order-1",
		Amount:    decimal.NewFromInt(25),
		Currency:  payment.DefaultCurrency,
		Status:    payment.StatusPending,
		CreatedAt: t0,
	}
	require.NoError(t, repo.Save(ctx, s))

	got, err := repo.GetByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "pay-1", got.ID)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(25)))
	assert.Nil(t, got.ProcessedAt)
	assert.Empty(t, got.ExternalID)

	second := s
	second.ID = "pay-2"
	assert.ErrorIs(t, repo.Save(ctx, second), storage.ErrDuplicate, "one payment per order")

	processed := t0.Add(time.Minute)
	got.Status = payment.StatusCompleted
	got.ExternalID = "ext-1"
	got.ProcessedAt = &processed
	require.NoError(t, repo.Save(ctx, got))

	got, err = repo.Get(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, got.Status)
	assert.Equal(t, "ext-1", got.ExternalID)
	require.NotNil(t, got.ProcessedAt)
	assert.Equal(t, processed, *got.ProcessedAt)
	assert.Equal(t, int64(2), got.Version)

	got.Version = 1
	assert.ErrorIs(t, repo.Save(ctx, got), storage.ErrStaleVersion)

	_, err = repo.Get(ctx, "pay-404")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = repo.GetByOrderID(ctx, "order-404")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDedupStore(t *testing.T) {
	dedup := NewDedupStore(openSQLite(t), SQLite)
	ctx := context.Background()

	seen, err := dedup.Seen(ctx, "payments", "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, dedup.Record(ctx, "payments", "evt-1", t0))
	seen, err = dedup.Seen(ctx, "payments", "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	assert.ErrorIs(t, dedup.Record(ctx, "payments", "evt-1", t0), consumer.ErrAlreadyProcessed)
	require.NoError(t, dedup.Record(ctx, "shipping", "evt-1", t0), "records are scoped by consumer")

	require.NoError(t, dedup.Record(ctx, "payments", "evt-2", t0.Add(time.Hour)))
	n, err := dedup.Prune(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	seen, err = dedup.Seen(ctx, "payments", "evt-2")
	require.NoError(t, err)
	assert.True(t, seen)
}
