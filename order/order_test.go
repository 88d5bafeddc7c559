package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/outbox/v4/event"
	"github.com/overtonx/outbox/v4/internal/apperr"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func price(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestCreate_ComputesTotalAndRaisesEvent(t *testing.T) {
	o, err := Create("order-1", "cust-1", "1 George St", []Item{
		{ProductID: "sku-1", Quantity: 2, Price: price("10.00")},
		{ProductID: "sku-2", Quantity: 1, Price: price("5.00")},
	}, t0)
	require.NoError(t, err)

	assert.True(t, price("25").Equal(o.Total()))
	assert.Equal(t, StatusPending, o.Status())

	events := o.PullEvents()
	require.Len(t, events, 1)
	created, ok := events[0].(event.OrderCreated)
	require.True(t, ok)
	assert.Equal(t, "order-1", created.OrderID)
	assert.Equal(t, "cust-1", created.CustomerID)
	assert.True(t, price("25").Equal(created.TotalAmount))
	assert.Len(t, created.Items, 2)

	assert.Empty(t, o.PullEvents(), "events are drained once")
}

func TestCreate_MergesSameProduct(t *testing.T) {
	o, err := Create("order-1", "cust-1", "", []Item{
		{ProductID: "sku-1", Quantity: 1, Price: price("3")},
		{ProductID: "sku-1", Quantity: 2, Price: price("3")},
	}, t0)
	require.NoError(t, err)

	s := o.Snapshot()
	require.Len(t, s.Items, 1)
	assert.Equal(t, 3, s.Items[0].Quantity)
	assert.True(t, price("9").Equal(s.Total))
}

func TestCreate_Validation(t *testing.T) {
	cases := []struct {
		name  string
		id    string
		cust  string
		items []Item
		field string
	}{
		{"missing customer", "o", "", []Item{{ProductID: "p", Quantity: 1}}, "customerId"},
		{"no items", "o", "c", nil, "items"},
		{"zero quantity", "o", "c", []Item{{ProductID: "p", Quantity: 0}}, "items[0].quantity"},
		{"negative price", "o", "c", []Item{{ProductID: "p", Quantity: 1}, {ProductID: "q", Quantity: 1, Price: price("-1")}}, "items[1].price"},
		{"missing product", "o", "c", []Item{{Quantity: 1}}, "items[0].productId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Create(tc.id, tc.cust, "", tc.items, t0)
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestAddItems(t *testing.T) {
	o, err := Create("order-1", "cust-1", "", []Item{{ProductID: "sku-1", Quantity: 1, Price: price("10")}}, t0)
	require.NoError(t, err)
	o.PullEvents()

	later := t0.Add(time.Minute)
	require.NoError(t, o.AddItems([]Item{
		{ProductID: "sku-1", Quantity: 1, Price: price("10")},
		{ProductID: "sku-3", Quantity: 4, Price: price("0.25")},
	}, later))

	s := o.Snapshot()
	assert.True(t, price("21").Equal(s.Total))
	assert.Equal(t, later, s.UpdatedAt)

	events := o.PullEvents()
	require.Len(t, events, 1)
	added := events[0].(event.OrderItemsAdded)
	assert.True(t, price("21").Equal(added.TotalAmount))
	assert.Len(t, added.Items, 2)
}

func TestAddItems_FailureLeavesOrderUnchanged(t *testing.T) {
	o, err := Create("order-1", "cust-1", "", []Item{{ProductID: "sku-1", Quantity: 1, Price: price("10")}}, t0)
	require.NoError(t, err)
	o.PullEvents()

	err = o.AddItems([]Item{
		{ProductID: "sku-2", Quantity: 1, Price: price("1")},
		{ProductID: "sku-3", Quantity: -1, Price: price("1")},
	}, t0)
	require.ErrorIs(t, err, apperr.ErrValidation)

	assert.Len(t, o.Snapshot().Items, 1)
	assert.True(t, price("10").Equal(o.Total()))
	assert.Empty(t, o.PullEvents())
}

func TestAddItems_OnlyWhilePending(t *testing.T) {
	o, err := Create("order-1", "cust-1", "", []Item{{ProductID: "sku-1", Quantity: 1, Price: price("10")}}, t0)
	require.NoError(t, err)
	require.NoError(t, o.ChangeStatus(StatusConfirmed, t0))

	err = o.AddItems([]Item{{ProductID: "sku-2", Quantity: 1, Price: price("1")}}, t0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestChangeStatus_Table(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusConfirmed, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusShipped, false},
		{StatusPending, StatusPending, false},
		{StatusConfirmed, StatusProcessing, true},
		{StatusProcessing, StatusShipped, true},
		{StatusShipped, StatusDelivered, true},
		{StatusShipped, StatusCancelled, false},
		{StatusDelivered, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
		{StatusPending, Status("Lost"), false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			o := Restore(Snapshot{ID: "order-1", Status: tc.from, Version: 1})
			err := o.ChangeStatus(tc.to, t0)
			if !tc.ok {
				assert.ErrorIs(t, err, apperr.ErrValidation)
				assert.Equal(t, tc.from, o.Status())
				assert.Empty(t, o.PullEvents())
				return
			}
			require.NoError(t, err)
			events := o.PullEvents()
			require.Len(t, events, 1)
			assert.Equal(t, event.OrderStatusChanged{OrderID: "order-1", From: string(tc.from), To: string(tc.to)}, events[0])
		})
	}
}

func TestStatus_Helpers(t *testing.T) {
	assert.True(t, StatusDelivered.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusShipped.Terminal())

	s, err := ParseStatus("Shipped")
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, s)

	_, err = ParseStatus("shipped")
	assert.Error(t, err)
}

func TestRestore_DoesNotShareItems(t *testing.T) {
	snap := Snapshot{ID: "order-1", Items: []Item{{ProductID: "sku-1", Quantity: 1}}, Status: StatusPending}
	o := Restore(snap)
	snap.Items[0].Quantity = 99
	assert.Equal(t, 1, o.Snapshot().Items[0].Quantity)
}
