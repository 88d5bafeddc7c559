package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/overtonx/outbox/v4/storage"
)

var (
	// ErrEventAlreadyExists is returned when trying to save an event with a duplicate event_id.
	ErrEventAlreadyExists = errors.New("event already exists")
	// ErrStoreRequired is returned when a component is built without a store.
	ErrStoreRequired = errors.New("outbox store is required")
)

// NewOutboxEvent creates a new user-facing event to be saved.
func NewOutboxEvent(eventID, eventType, aggregateType, aggregateID, topic string, payload []byte, headers map[string]string) (Event, error) {
	if headers == nil {
		headers = make(map[string]string)
	}
	event := Event{
		EventID:       eventID,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Topic:         topic,
		Payload:       payload,
		Headers:       headers,
	}

	if err := validateOutboxEvent(event); err != nil {
		return Event{}, err
	}

	return event, nil
}

// Writer appends events to the outbox inside the caller's unit of work.
// The transaction is taken from ctx, so the entries commit or roll back
// together with the aggregate change.
type Writer struct {
	store      storage.Store
	propagator propagation.TextMapPropagator
	now        func() time.Time
}

type WriterOption func(*Writer)

func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		w.now = now
	}
}

func WithWriterPropagator(p propagation.TextMapPropagator) WriterOption {
	return func(w *Writer) {
		w.propagator = p
	}
}

func NewWriter(store storage.Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Append stores events in order. It never talks to the bus.
func (w *Writer) Append(ctx context.Context, events ...Event) error {
	if w.store == nil {
		return ErrStoreRequired
	}

	propagator := w.propagator
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}

	now := w.now().UTC()
	for _, event := range events {
		if err := validateOutboxEvent(event); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}

		// Inject OpenTelemetry trace context into the event headers.
		headers := make(map[string]string, len(event.Headers)+2)
		for k, v := range event.Headers {
			headers[k] = v
		}
		propagator.Inject(ctx, propagation.MapCarrier(headers))

		record := &storage.EntryRecord{
			ID:            event.EventID,
			AggregateType: event.AggregateType,
			AggregateID:   event.AggregateID,
			Shard:         storage.ShardOf(event.AggregateID),
			EventType:     event.EventType,
			Topic:         event.Topic,
			Payload:       event.Payload,
			Headers:       headers,
			CreatedAt:     now,
			NextAttemptAt: now,
		}
		if err := w.store.CreateEntry(ctx, record); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return fmt.Errorf("failed to save outbox event %s: %w", event.EventID, ErrEventAlreadyExists)
			}
			return fmt.Errorf("failed to save outbox event: %w", err)
		}
	}
	return nil
}

// validateOutboxEvent checks for required fields in an Event.
func validateOutboxEvent(event Event) error {
	if event.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if event.AggregateType == "" {
		return fmt.Errorf("aggregate_type is required")
	}
	if event.AggregateID == "" {
		return fmt.Errorf("aggregate_id is required")
	}
	if len(event.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	// Topic may be empty; the publisher falls back to its default topic.
	return nil
}
