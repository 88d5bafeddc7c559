package outbox

import (
	"fmt"
	"time"

	"github.com/overtonx/outbox/v4/event"
)

// EventsFrom wraps domain events into outbox events bound for topic. Each
// event gets a fresh id, and its payload is the encoded envelope, fixed now
// so later aggregate changes cannot alter what gets published.
func EventsFrom(topic string, occurredOn time.Time, events ...event.Event) ([]Event, error) {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		env, err := event.Wrap(ev, occurredOn)
		if err != nil {
			return nil, err
		}
		payload, err := env.Marshal()
		if err != nil {
			return nil, fmt.Errorf("encode %s envelope: %w", env.EventType, err)
		}
		record, err := NewOutboxEvent(env.EventID, env.EventType, ev.AggregateType(), ev.AggregateID(), topic, payload, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}
