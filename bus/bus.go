// Package bus is the transport-agnostic contract between the outbox relay and
// consumers. Implementations live in subpackages.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed          = errors.New("bus is closed")
	ErrNotConfirmed    = errors.New("broker did not confirm message")
	ErrTopicRequired   = errors.New("topic is required")
	ErrGroupRequired   = errors.New("consumer group is required")
	ErrMessageIDNeeded = errors.New("message id is required")
)

// Standard header keys written by every transport.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderOccurredOn    = "occurred_on"
)

// Message is a single event in flight. ID is the deduplication key and Type
// the routing key.
type Message struct {
	ID            string
	Type          string
	AggregateType string
	AggregateID   string
	OccurredOn    time.Time
	Payload       []byte
	Headers       map[string]string

	// DeliveryAttempt starts at 1 and grows with each redelivery the
	// transport can observe.
	DeliveryAttempt int
}

// Result is a handler's verdict on a delivered message.
type Result int

const (
	// Ack removes the message from the subscription.
	Ack Result = iota
	// Nack asks for redelivery later.
	Nack
	// Reject routes the message to the dead-letter path.
	Reject
)

func (r Result) String() string {
	switch r {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

type Handler func(ctx context.Context, msg Message) Result

// Publisher delivers messages to a topic. Publish returns nil only after the
// broker has acknowledged the message.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// Subscriber delivers messages of a topic to a consumer group. Subscribe
// blocks until ctx is done or the subscription fails.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// Validate checks the fields every transport relies on.
func Validate(topic string, msg Message) error {
	if topic == "" {
		return ErrTopicRequired
	}
	if msg.ID == "" {
		return ErrMessageIDNeeded
	}
	return nil
}

// StandardHeaders merges msg.Headers with the identity headers.
func StandardHeaders(msg Message) map[string]string {
	out := make(map[string]string, len(msg.Headers)+5)
	for k, v := range msg.Headers {
		out[k] = v
	}
	out[HeaderEventID] = msg.ID
	out[HeaderEventType] = msg.Type
	if msg.AggregateType != "" {
		out[HeaderAggregateType] = msg.AggregateType
	}
	if msg.AggregateID != "" {
		out[HeaderAggregateID] = msg.AggregateID
	}
	if !msg.OccurredOn.IsZero() {
		out[HeaderOccurredOn] = msg.OccurredOn.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// FromHeaders rebuilds message identity from headers written by StandardHeaders.
// Identity keys are removed from the returned header map.
func FromHeaders(headers map[string]string, payload []byte) Message {
	msg := Message{Payload: payload, Headers: make(map[string]string, len(headers))}
	for k, v := range headers {
		switch k {
		case HeaderEventID:
			msg.ID = v
		case HeaderEventType:
			msg.Type = v
		case HeaderAggregateType:
			msg.AggregateType = v
		case HeaderAggregateID:
			msg.AggregateID = v
		case HeaderOccurredOn:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				msg.OccurredOn = ts
			}
		default:
			msg.Headers[k] = v
		}
	}
	return msg
}
