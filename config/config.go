// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

const (
	BusMemory   = "memory"
	BusRabbitMQ = "rabbitmq"
	BusKafka    = "kafka"
)

type Config struct {
	// Service names the relay owner and the consumer group.
	Service      string        `env:"SERVICE_NAME"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	// DemoInterval makes the orders process place a sample order periodically. Zero disables it.
	DemoInterval time.Duration `env:"ORDERS_DEMO_INTERVAL" validate:"gte=0"`

	DB        DB        `envPrefix:"DB_"`
	Bus       Bus       `envPrefix:"BUS_"`
	RabbitMQ  RabbitMQ  `envPrefix:"RABBITMQ_"`
	Kafka     Kafka     `envPrefix:"KAFKA_"`
	Redis     Redis     `envPrefix:"REDIS_"`
	Relay     Relay     `envPrefix:"RELAY_"`
	Consumer  Consumer  `envPrefix:"CONSUMER_"`
	Retention Retention `envPrefix:"RETENTION_"`
}

type DB struct {
	Driver       string `env:"DRIVER" envDefault:"sqlite" validate:"oneof=mysql sqlite"`
	DSN          string `env:"DSN" validate:"required"`
	MaxOpenConns int    `env:"MAX_OPEN_CONNS" envDefault:"10" validate:"gte=1"`
}

type Bus struct {
	Kind string `env:"KIND" envDefault:"memory" validate:"oneof=memory rabbitmq kafka"`
}

type RabbitMQ struct {
	URL      string `env:"URL"`
	Exchange string `env:"EXCHANGE" envDefault:"outbox.events"`
	Prefetch int    `env:"PREFETCH" envDefault:"16" validate:"gte=1"`

	// RedeliveryDelay is how long a nacked message waits in the group's retry queue.
	RedeliveryDelay time.Duration `env:"REDELIVERY_DELAY" envDefault:"500ms" validate:"gt=0"`

	// BindGroups are downstream groups whose queues the publisher declares.
	BindGroups []string `env:"BIND_GROUPS" envSeparator:","`
}

type Kafka struct {
	// Brokers is a comma separated bootstrap list, passed to the client as is.
	Brokers string `env:"BROKERS"`
}

type Redis struct {
	// Addr enables the dedup fast path when set.
	Addr     string        `env:"ADDR"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB" envDefault:"0"`
	TTL      time.Duration `env:"TTL" envDefault:"24h"`
}

type Relay struct {
	Interval       time.Duration `env:"INTERVAL" envDefault:"1s" validate:"gt=0"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"100" validate:"gte=1"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"10" validate:"gte=1"`
	LeaseTTL       time.Duration `env:"LEASE_TTL" envDefault:"2m" validate:"gt=0"`
	BaseBackoff    time.Duration `env:"BASE_BACKOFF" envDefault:"1s" validate:"gt=0"`
	MaxBackoff     time.Duration `env:"MAX_BACKOFF" envDefault:"5m" validate:"gtefield=BaseBackoff"`
	RecoverEvery   time.Duration `env:"RECOVER_INTERVAL" envDefault:"30s" validate:"gt=0"`
	DeadLetterScan time.Duration `env:"DEAD_LETTER_INTERVAL" envDefault:"1m" validate:"gt=0"`
	PartitionCount int           `env:"PARTITION_COUNT" envDefault:"0" validate:"gte=0"`
	PartitionIndex int           `env:"PARTITION_INDEX" envDefault:"0" validate:"gte=0"`
}

type Consumer struct {
	Group         string `env:"GROUP"`
	MaxDeliveries int    `env:"MAX_DELIVERIES" envDefault:"10" validate:"gte=0"`
}

type Retention struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"5m" validate:"gt=0"`
	Sent     time.Duration `env:"SENT" envDefault:"168h" validate:"gt=0"`
	Dedup    time.Duration `env:"DEDUP" envDefault:"336h" validate:"gt=0"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment, fills service-specific defaults and validates
// the result.
func Load(service string) (Config, error) {
	cfg := Config{Service: service}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Service == "" {
		cfg.Service = service
	}
	if cfg.Consumer.Group == "" {
		cfg.Consumer.Group = cfg.Service
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	switch c.Bus.Kind {
	case BusRabbitMQ:
		if c.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("RABBITMQ_URL is required for the rabbitmq bus"))
		}
	case BusKafka:
		if c.Kafka.Brokers == "" {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka bus"))
		}
	}
	if c.Relay.PartitionCount > 0 && c.Relay.PartitionIndex >= c.Relay.PartitionCount {
		errs = append(errs, fmt.Errorf("RELAY_PARTITION_INDEX %d out of range for %d partitions",
			c.Relay.PartitionIndex, c.Relay.PartitionCount))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
