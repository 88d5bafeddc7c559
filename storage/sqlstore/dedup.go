package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"

	"github.com/overtonx/outbox/v4/consumer"
)

const (
	seenQuery   = `SELECT 1 FROM %s WHERE consumer = ? AND event_id = ?`
	recordQuery = `INSERT INTO %s (consumer, event_id, processed_at) VALUES (?, ?, ?)`
	pruneQuery  = `DELETE FROM %s WHERE processed_at < ?`
)

// DedupStore records processed event ids per consumer in processed_events.
// Seen and Record join the transaction carried by ctx, so the record commits
// with the handler's writes.
type DedupStore struct {
	db      *sql.DB
	dialect Dialect
	getter  *trmsql.CtxGetter
}

func NewDedupStore(db *sql.DB, dialect Dialect) *DedupStore {
	return &DedupStore{
		db:      db,
		dialect: dialect,
		getter:  trmsql.DefaultCtxGetter,
	}
}

func (d *DedupStore) Seen(ctx context.Context, consumerName, eventID string) (bool, error) {
	var one int
	err := d.getter.DefaultTrOrDB(ctx, d.db).
		QueryRowContext(ctx, fmt.Sprintf(seenQuery, tableProcessedEvents), consumerName, eventID).
		Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return true, nil
}

// Record fails with consumer.ErrAlreadyProcessed when another delivery of the
// same event committed first.
func (d *DedupStore) Record(ctx context.Context, consumerName, eventID string, at time.Time) error {
	_, err := d.getter.DefaultTrOrDB(ctx, d.db).
		ExecContext(ctx, fmt.Sprintf(recordQuery, tableProcessedEvents), consumerName, eventID, toMillis(at))
	if err != nil {
		if d.dialect.IsDuplicate(err) {
			return fmt.Errorf("event %s for %s: %w", eventID, consumerName, consumer.ErrAlreadyProcessed)
		}
		return fmt.Errorf("failed to record processed event: %w", err)
	}
	return nil
}

// Prune forgets events processed before the cutoff.
func (d *DedupStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, fmt.Sprintf(pruneQuery, tableProcessedEvents), toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed events: %w", err)
	}
	return res.RowsAffected()
}
