package outbox

import "github.com/overtonx/outbox/v4/storage"

// Event is the user-facing representation of an outbox entry before it is saved.
// Payload is stored and published byte for byte.
type Event struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	Topic         string            `json:"topic"`
	Payload       []byte            `json:"payload"`
	Headers       map[string]string `json:"headers"`
}

// EventRecord is the stored form of an outbox entry as seen by the relay.
type EventRecord = storage.EntryRecord

const (
	EventStatusPending    = storage.StatusPending
	EventStatusSent       = storage.StatusSent
	EventStatusDead       = storage.StatusDead
	EventStatusProcessing = storage.StatusProcessing
)
