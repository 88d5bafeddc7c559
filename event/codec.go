package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownKind     = errors.New("unknown event kind")
	ErrMalformed       = errors.New("malformed event")
	ErrEventIDRequired = errors.New("event id is required")
)

// Envelope is the wire format of every published event.
type Envelope struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	OccurredOn time.Time       `json:"occurredOn"`
	Payload    json.RawMessage `json:"payload"`
}

// Wrap encodes ev into a new envelope with a fresh event id.
func Wrap(ev Event, occurredOn time.Time) (Envelope, error) {
	return WrapWithID(uuid.NewString(), ev, occurredOn)
}

// WrapWithID is Wrap with a caller supplied event id.
func WrapWithID(eventID string, ev Event, occurredOn time.Time) (Envelope, error) {
	if eventID == "" {
		return Envelope{}, ErrEventIDRequired
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	return Envelope{
		EventID:    eventID,
		EventType:  ev.Kind(),
		OccurredOn: occurredOn.UTC(),
		Payload:    payload,
	}, nil
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Event decodes the envelope payload into its concrete type.
func (e Envelope) Event() (Event, error) {
	return Decode(e.EventType, e.Payload)
}

// Unmarshal parses an envelope from its wire form.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.EventID == "" {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, ErrEventIDRequired)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: event type is required", ErrMalformed)
	}
	return env, nil
}

var decoders = map[string]func([]byte) (Event, error){
	KindOrderCreated:       decodeAs[OrderCreated],
	KindOrderItemsAdded:    decodeAs[OrderItemsAdded],
	KindOrderStatusChanged: decodeAs[OrderStatusChanged],
	KindPaymentCreated:     decodeAs[PaymentCreated],
}

// Decode maps a discriminator and payload to a concrete event.
func Decode(kind string, payload []byte) (Event, error) {
	decode, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return decode(payload)
}

// Known reports whether kind is one of the declared event kinds.
func Known(kind string) bool {
	_, ok := decoders[kind]
	return ok
}

func decodeAs[T Event](payload []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.AggregateID() == "" {
		return nil, fmt.Errorf("%w: %s without aggregate id", ErrMalformed, ev.Kind())
	}
	return ev, nil
}
