package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4/storage"
)

func newTestProcessor(store storage.Store, publisher Publisher, opts ...EventProcessorOption) *EventProcessor {
	base := []EventProcessorOption{
		WithEventProcessorOwner("relay-test"),
		WithEventProcessorBatchSize(10),
		WithEventProcessorMaxAttempts(3),
		WithEventProcessorBackoffStrategy(NewFixedBackoffStrategy(time.Minute)),
		withEventProcessorClock(fixedClock),
	}
	return NewEventProcessor(store, publisher, zap.NewNop(), nil, append(base, opts...)...)
}

func claimed(seq int64, id string, attempt int) storage.EntryRecord {
	return storage.EntryRecord{
		Seq:           seq,
		ID:            id,
		AggregateType: "order",
		AggregateID:   "order-1",
		EventType:     "OrderCreatedEvent",
		Topic:         "orders.events",
		Payload:       []byte(`{}`),
		Status:        storage.StatusProcessing,
		AttemptCount:  attempt,
		ClaimToken:    "token-1",
	}
}

func claimRequest(limit int) storage.ClaimRequest {
	return storage.ClaimRequest{
		Owner:    "relay-test",
		Limit:    limit,
		Now:      fixedNow,
		LeaseTTL: defaultLeaseTTL,
	}
}

func TestEventProcessor_ProcessEvents_HappyPath(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestProcessor(mockStore, mockPublisher)

	event := claimed(1, "evt-1", 1)

	mockStore.On("ClaimBatch", mock.Anything, claimRequest(10)).Return([]storage.EntryRecord{event}, nil).Once()
	mockPublisher.On("Publish", mock.Anything, event).Return(nil).Once()
	mockStore.On("MarkSent", mock.Anything, storage.Claim{Seq: 1, Token: "token-1"}, fixedNow).Return(nil).Once()

	busy, err := processor.ProcessEvents(context.Background())
	require.NoError(t, err)
	assert.False(t, busy)

	mockStore.AssertExpectations(t)
	mockPublisher.AssertExpectations(t)
}

func TestEventProcessor_ProcessEvents_NoEvents(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestProcessor(mockStore, mockPublisher)

	mockStore.On("ClaimBatch", mock.Anything, claimRequest(10)).Return([]storage.EntryRecord{}, nil).Once()

	busy, err := processor.ProcessEvents(context.Background())
	require.NoError(t, err)
	assert.False(t, busy)

	mockStore.AssertExpectations(t)
	mockPublisher.AssertNotCalled(t, "Publish")
}

func TestEventProcessor_ProcessEvents_FullBatchIsBusy(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestProcessor(mockStore, mockPublisher, WithEventProcessorBatchSize(2))

	events := []storage.EntryRecord{claimed(1, "evt-1", 1), claimed(2, "evt-2", 1)}
	mockStore.On("ClaimBatch", mock.Anything, claimRequest(2)).Return(events, nil).Once()
	mockPublisher.On("Publish", mock.Anything, mock.Anything).Return(nil).Twice()
	mockStore.On("MarkSent", mock.Anything, mock.Anything, fixedNow).Return(nil).Twice()

	busy, err := processor.ProcessEvents(context.Background())
	require.NoError(t, err)
	assert.True(t, busy)
	mockStore.AssertExpectations(t)
}

func TestEventProcessor_ProcessEvents_PublishFails_Retry(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestProcessor(mockStore, mockPublisher)

	event := claimed(1, "evt-1", 1)
	publishErr := errors.New("broker unreachable")

	mockStore.On("ClaimBatch", mock.Anything, mock.Anything).Return([]storage.EntryRecord{event}, nil).Once()
	mockPublisher.On("Publish", mock.Anything, event).Return(publishErr).Once()
	mockStore.On("MarkRetry", mock.Anything, event.Claim(), fixedNow.Add(time.Minute), "broker unreachable", fixedNow).Return(nil).Once()

	busy, err := processor.ProcessEvents(context.Background())
	require.NoError(t, err)
	assert.False(t, busy)

	mockStore.AssertExpectations(t)
	mockStore.AssertNotCalled(t, "MarkSent", mock.Anything, mock.Anything, mock.Anything)
}

func TestEventProcessor_ProcessEvents_PublishFails_MaxAttempts(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestProcessor(mockStore, mockPublisher)

	event := claimed(1, "evt-1", 3)

	mockStore.On("ClaimBatch", mock.Anything, mock.Anything).Return([]storage.EntryRecord{event}, nil).Once()
	mockPublisher.On("Publish", mock.Anything, event).Return(errors.New("boom")).Once()
	mockStore.On("MarkDead", mock.Anything, event.Claim(), "boom", fixedNow).Return(nil).Once()

	_, err := processor.ProcessEvents(context.Background())
	require.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockStore.AssertNotCalled(t, "MarkRetry", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEventProcessor_ProcessEvents_NonRetryableGoesDead(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	errRejected := errors.New("message too large")
	processor := newTestProcessor(mockStore, mockPublisher,
		WithEventProcessorRetryClassifier(RetryClassifierFunc(func(err error) bool {
			return errors.Is(err, errRejected)
		})))

	event := claimed(1, "evt-1", 1)

	mockStore.On("ClaimBatch", mock.Anything, mock.Anything).Return([]storage.EntryRecord{event}, nil).Once()
	mockPublisher.On("Publish", mock.Anything, event).Return(errRejected).Once()
	mockStore.On("MarkDead", mock.Anything, event.Claim(), "message too large", fixedNow).Return(nil).Once()

	_, err := processor.ProcessEvents(context.Background())
	require.NoError(t, err)
	mockStore.AssertExpectations(t)
}

func TestEventProcessor_ProcessEvents_LeaseLostOnMarkSent(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestProcessor(mockStore, mockPublisher)

	event := claimed(1, "evt-1", 1)

	mockStore.On("ClaimBatch", mock.Anything, mock.Anything).Return([]storage.EntryRecord{event}, nil).Once()
	mockPublisher.On("Publish", mock.Anything, event).Return(nil).Once()
	mockStore.On("MarkSent", mock.Anything, event.Claim(), fixedNow).Return(storage.ErrLeaseLost).Once()

	busy, err := processor.ProcessEvents(context.Background())
	require.NoError(t, err)
	assert.False(t, busy)

	mockStore.AssertExpectations(t)
	mockStore.AssertNotCalled(t, "MarkRetry", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEventProcessor_ProcessEvents_PublisherUnavailableSkipsClaim(t *testing.T) {
	mockStore := new(storage.MockStore)
	publisher := &gatedPublisher{}
	publisher.down.Store(true)
	processor := newTestProcessor(mockStore, publisher)

	busy, err := processor.ProcessEvents(context.Background())
	require.NoError(t, err)
	assert.False(t, busy)

	mockStore.AssertNotCalled(t, "ClaimBatch", mock.Anything, mock.Anything)
}

func TestEventProcessor_ProcessEvents_BreakerOpensMidBatch(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestProcessor(mockStore, mockPublisher)

	first, second := claimed(1, "evt-1", 1), claimed(2, "evt-2", 1)

	mockStore.On("ClaimBatch", mock.Anything, mock.Anything).Return([]storage.EntryRecord{first, second}, nil).Once()
	mockPublisher.On("Publish", mock.Anything, first).Return(ErrPublisherUnavailable).Once()
	mockStore.On("ReleaseClaim", mock.Anything, first.Claim(), fixedNow).Return(nil).Once()
	mockStore.On("ReleaseClaim", mock.Anything, second.Claim(), fixedNow).Return(nil).Once()

	_, err := processor.ProcessEvents(context.Background())
	require.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockPublisher.AssertNumberOfCalls(t, "Publish", 1)
	mockStore.AssertNotCalled(t, "MarkRetry", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEventProcessor_ProcessEvents_CancelledPublishReleasesClaim(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockPublisher := new(MockPublisher)
	processor := newTestProcessor(mockStore, mockPublisher)

	ctx, cancel := context.WithCancel(context.Background())
	event := claimed(1, "evt-1", 1)

	mockStore.On("ClaimBatch", mock.Anything, mock.Anything).Return([]storage.EntryRecord{event}, nil).Once()
	mockPublisher.On("Publish", mock.Anything, event).
		Run(func(mock.Arguments) { cancel() }).
		Return(context.Canceled).Once()
	mockStore.On("ReleaseClaim", mock.Anything, event.Claim(), fixedNow).Return(nil).Once()

	_, err := processor.ProcessEvents(ctx)
	require.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockStore.AssertNotCalled(t, "MarkRetry", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEventProcessor_ProcessEvents_ClaimError(t *testing.T) {
	mockStore := new(storage.MockStore)
	processor := newTestProcessor(mockStore, new(MockPublisher))

	mockStore.On("ClaimBatch", mock.Anything, mock.Anything).Return(nil, errors.New("db down")).Once()

	_, err := processor.ProcessEvents(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestEventProcessor_Partition(t *testing.T) {
	mockStore := new(storage.MockStore)
	processor := newTestProcessor(mockStore, new(MockPublisher), WithEventProcessorPartition(4, 2))

	want := claimRequest(10)
	want.PartitionCount = 4
	want.PartitionIndex = 2
	mockStore.On("ClaimBatch", mock.Anything, want).Return([]storage.EntryRecord{}, nil).Once()

	_, err := processor.ProcessEvents(context.Background())
	require.NoError(t, err)
	mockStore.AssertExpectations(t)
}
