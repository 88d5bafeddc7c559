// Package app wires the order and payment processes from their configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4/bus"
	"github.com/overtonx/outbox/v4/bus/kafka"
	"github.com/overtonx/outbox/v4/bus/membus"
	"github.com/overtonx/outbox/v4/bus/rabbitmq"
	"github.com/overtonx/outbox/v4/config"
	"github.com/overtonx/outbox/v4/consumer"
	"github.com/overtonx/outbox/v4/consumer/rediscache"
	"github.com/overtonx/outbox/v4/storage/sqlstore"
)

// NewLogger builds a production logger at the given level; debug switches to
// the development encoder.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

// OpenDB connects to the configured database and creates the schema.
func OpenDB(ctx context.Context, cfg config.DB) (*sql.DB, sqlstore.Dialect, error) {
	dialect, err := sqlstore.DialectFor(cfg.Driver)
	if err != nil {
		return nil, sqlstore.Dialect{}, err
	}

	db, err := sql.Open(dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, sqlstore.Dialect{}, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer.
	if dialect.Name == sqlstore.SQLite.Name {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, sqlstore.Dialect{}, fmt.Errorf("ping database: %w", err)
	}
	if err := sqlstore.EnsureSchema(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, sqlstore.Dialect{}, err
	}
	return db, dialect, nil
}

// NewStore returns the outbox store shared by writers and the relay.
func NewStore(db *sql.DB, dialect sqlstore.Dialect, logger *zap.Logger) *sqlstore.SQLStore {
	return sqlstore.NewSQLStore(db, dialect, logger)
}

// NewTxManager returns the unit of work used by command and event handlers.
func NewTxManager(db *sql.DB) *manager.Manager {
	return manager.Must(trmsql.NewDefaultFactory(db))
}

// Transport is the process-scoped bus connection.
type Transport struct {
	Publisher  bus.Publisher
	Subscriber bus.Subscriber

	kind    string
	binder  func(topic, group string) error
	closers []func() error
}

// OpenTransport connects to the configured broker.
func OpenTransport(cfg config.Config, logger *zap.Logger) (*Transport, error) {
	switch cfg.Bus.Kind {
	case config.BusMemory:
		b := membus.New(membus.WithLogger(logger))
		return &Transport{
			Publisher:  b,
			Subscriber: b,
			kind:       cfg.Bus.Kind,
			binder: func(topic, group string) error {
				b.Bind(topic, group)
				return nil
			},
			closers: []func() error{b.Close},
		}, nil

	case config.BusRabbitMQ:
		open, closeConn, err := rabbitmq.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return nil, err
		}
		b, err := rabbitmq.New(open,
			rabbitmq.WithLogger(logger),
			rabbitmq.WithExchange(cfg.RabbitMQ.Exchange, ""),
			rabbitmq.WithPrefetch(cfg.RabbitMQ.Prefetch),
			rabbitmq.WithRedeliveryDelay(cfg.RabbitMQ.RedeliveryDelay),
			rabbitmq.WithCloser(closeConn),
		)
		if err != nil {
			_ = closeConn()
			return nil, err
		}
		return &Transport{
			Publisher:  b,
			Subscriber: b,
			kind:       cfg.Bus.Kind,
			binder:     b.Bind,
			closers:    []func() error{b.Close},
		}, nil

	case config.BusKafka:
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, kafka.WithProducerLogger(logger))
		if err != nil {
			return nil, err
		}
		return &Transport{
			Publisher:  producer,
			Subscriber: kafka.NewConsumer(cfg.Kafka.Brokers, producer, kafka.WithConsumerLogger(logger)),
			kind:       cfg.Bus.Kind,
			closers:    []func() error{producer.Close},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported bus kind %q", cfg.Bus.Kind)
	}
}

// InProcess reports whether publishers and subscribers must share this process.
func (t *Transport) InProcess() bool {
	return t.kind == config.BusMemory
}

// Bind declares a group's queue before anything is published to it. Kafka
// keeps topics independently of consumers, so binding is a no-op there.
func (t *Transport) Bind(topic, group string) error {
	if t.binder == nil {
		return nil
	}
	if err := t.binder(topic, group); err != nil {
		return fmt.Errorf("bind %s to %s: %w", group, topic, err)
	}
	return nil
}

func (t *Transport) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil && !errors.Is(err, bus.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewDedupCache connects the Redis fast path. It returns a nil cache when no
// address is configured.
func NewDedupCache(ctx context.Context, cfg config.Redis) (consumer.Cache, func() error, error) {
	if cfg.Addr == "" {
		return nil, func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	cache, err := rediscache.New(client, rediscache.WithTTL(cfg.TTL))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return cache, client.Close, nil
}
