package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	tableEntries         = "outbox_entries"
	tableOrders          = "orders"
	tableOrderItems      = "order_items"
	tablePayments        = "payments"
	tableProcessedEvents = "processed_events"
)

// Dialect captures what differs between the supported databases. Queries are
// written once with ? placeholders and run unchanged on both.
type Dialect struct {
	Name        string
	schema      []string
	isDuplicate func(error) bool
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	return d.Name
}

// IsDuplicate reports whether err is a unique or primary key violation.
func (d Dialect) IsDuplicate(err error) bool {
	return err != nil && d.isDuplicate(err)
}

// DialectFor returns the dialect registered under a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case MySQL.Name:
		return MySQL, nil
	case SQLite.Name:
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// EnsureSchema creates every table the services use.
func EnsureSchema(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply %s schema: %w", d.Name, err)
		}
	}
	return nil
}

// MySQL uses go-sql-driver/mysql.
var MySQL = Dialect{
	Name: "mysql",
	isDuplicate: func(err error) bool {
		var mysqlErr *mysql.MySQLError
		return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 // Duplicate entry
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS outbox_entries (
			seq              BIGINT AUTO_INCREMENT PRIMARY KEY,
			id               CHAR(36)     NOT NULL,
			aggregate_type   VARCHAR(64)  NOT NULL,
			aggregate_id     VARCHAR(64)  NOT NULL,
			shard            INT          NOT NULL,
			event_type       VARCHAR(128) NOT NULL,
			topic            VARCHAR(255) NOT NULL,
			payload          LONGBLOB     NOT NULL,
			headers          TEXT         NULL,
			status           INT          NOT NULL DEFAULT 0 COMMENT '0 - pending, 1 - sent, 3 - dead, 4 - processing',
			attempt_count    INT          NOT NULL DEFAULT 0,
			next_attempt_at  BIGINT       NOT NULL,
			claim_token      CHAR(36)     NULL,
			claim_owner      VARCHAR(255) NULL,
			claim_expires_at BIGINT       NULL,
			last_error       TEXT         NULL,
			created_at       BIGINT       NOT NULL,
			updated_at       BIGINT       NOT NULL,
			sent_at          BIGINT       NULL,
			UNIQUE KEY uq_outbox_entries_id (id),
			INDEX idx_outbox_status_next (status, next_attempt_at),
			INDEX idx_outbox_aggregate (aggregate_type, aggregate_id, seq),
			INDEX idx_outbox_claim (claim_token),
			INDEX idx_outbox_created (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS orders (
			id               CHAR(36)      NOT NULL PRIMARY KEY,
			customer_id      VARCHAR(64)   NOT NULL,
			shipping_address VARCHAR(512)  NOT NULL,
			status           VARCHAR(32)   NOT NULL,
			total            DECIMAL(18,2) NOT NULL,
			created_at       BIGINT        NOT NULL,
			updated_at       BIGINT        NOT NULL,
			version          BIGINT        NOT NULL,
			INDEX idx_orders_customer (customer_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id   CHAR(36)      NOT NULL,
			product_id VARCHAR(64)   NOT NULL,
			quantity   INT           NOT NULL,
			price      DECIMAL(18,2) NOT NULL,
			position   INT           NOT NULL,
			PRIMARY KEY (order_id, product_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS payments (
			id            CHAR(36)      NOT NULL PRIMARY KEY,
			order_id      CHAR(36)      NOT NULL,
			amount        DECIMAL(18,2) NOT NULL,
			currency      CHAR(3)       NOT NULL,
			status        VARCHAR(16)   NOT NULL,
			external_id   VARCHAR(128)  NULL,
			error_message TEXT          NULL,
			created_at    BIGINT        NOT NULL,
			processed_at  BIGINT        NULL,
			version       BIGINT        NOT NULL,
			UNIQUE KEY uq_payments_order (order_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			consumer     VARCHAR(128) NOT NULL,
			event_id     VARCHAR(64)  NOT NULL,
			processed_at BIGINT       NOT NULL,
			PRIMARY KEY (consumer, event_id),
			INDEX idx_processed_events_at (processed_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
}

// SQLite uses the pure Go modernc.org/sqlite driver.
var SQLite = Dialect{
	Name: "sqlite",
	isDuplicate: func(err error) bool {
		var sqliteErr *sqlite.Error
		if !errors.As(err, &sqliteErr) {
			return false
		}
		code := sqliteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
		// primary result code only, when extended codes are off
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS outbox_entries (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			id               TEXT    NOT NULL UNIQUE,
			aggregate_type   TEXT    NOT NULL,
			aggregate_id     TEXT    NOT NULL,
			shard            INTEGER NOT NULL,
			event_type       TEXT    NOT NULL,
			topic            TEXT    NOT NULL,
			payload          BLOB    NOT NULL,
			headers          TEXT,
			status           INTEGER NOT NULL DEFAULT 0,
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			next_attempt_at  INTEGER NOT NULL,
			claim_token      TEXT,
			claim_owner      TEXT,
			claim_expires_at INTEGER,
			last_error       TEXT,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			sent_at          INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status_next ON outbox_entries (status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_aggregate ON outbox_entries (aggregate_type, aggregate_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_claim ON outbox_entries (claim_token)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id               TEXT    NOT NULL PRIMARY KEY,
			customer_id      TEXT    NOT NULL,
			shipping_address TEXT    NOT NULL,
			status           TEXT    NOT NULL,
			total            TEXT    NOT NULL,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			version          INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id   TEXT    NOT NULL,
			product_id TEXT    NOT NULL,
			quantity   INTEGER NOT NULL,
			price      TEXT    NOT NULL,
			position   INTEGER NOT NULL,
			PRIMARY KEY (order_id, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id            TEXT    NOT NULL PRIMARY KEY,
			order_id      TEXT    NOT NULL UNIQUE,
			amount        TEXT    NOT NULL,
			currency      TEXT    NOT NULL,
			status        TEXT    NOT NULL,
			external_id   TEXT,
			error_message TEXT,
			created_at    INTEGER NOT NULL,
			processed_at  INTEGER,
			version       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			consumer     TEXT    NOT NULL,
			event_id     TEXT    NOT NULL,
			processed_at INTEGER NOT NULL,
			PRIMARY KEY (consumer, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_events_at ON processed_events (processed_at)`,
	},
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
