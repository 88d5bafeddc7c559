package outbox

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4/storage"
)

// Carrier holds the shared dependencies for the outbox services.
// It acts as a dependency injection container for the relay, lease recovery,
// dead-letter reporting and cleanup.
type Carrier struct {
	store     storage.Store
	publisher Publisher
	metrics   MetricsCollector
	logger    *zap.Logger
	owner     string
	now       func() time.Time
}

// NewCarrier creates a new Carrier with the given options.
func NewCarrier(store storage.Store, opts ...CarrierOption) (*Carrier, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	c := &Carrier{
		store:   store,
		logger:  zap.NewNop(),
		metrics: NewNopMetricsCollector(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.publisher == nil {
		c.publisher = NewNopPublisher()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = NewNopMetricsCollector()
	}
	if c.owner == "" {
		c.owner = defaultOwner()
	}

	return c, nil
}

// Writer returns an outbox writer bound to the carrier's store.
func (c *Carrier) Writer() *Writer {
	return NewWriter(c.store, WithWriterClock(c.now))
}

// Store returns the underlying outbox store.
func (c *Carrier) Store() storage.Store {
	return c.store
}

// Owner is the name this instance claims entries under.
func (c *Carrier) Owner() string {
	return c.owner
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
