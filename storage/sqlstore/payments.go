package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"

	"github.com/overtonx/outbox/v4/payment"
	"github.com/overtonx/outbox/v4/storage"
)

const paymentColumns = `id, order_id, amount, currency, status, external_id, error_message, created_at, processed_at, version`

const (
	getPaymentQuery        = `SELECT ` + paymentColumns + ` FROM %s WHERE id = ?`
	getPaymentByOrderQuery = `SELECT ` + paymentColumns + ` FROM %s WHERE order_id = ?`

	insertPaymentQuery = `
		INSERT INTO %s (id, order_id, amount, currency, status, external_id, error_message, created_at, processed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`

	updatePaymentQuery = `
		UPDATE %s
		SET amount = ?, status = ?, external_id = ?, error_message = ?, processed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`
)

// PaymentRepository stores payments. A second payment for the same order is
// rejected by the unique order_id key.
type PaymentRepository struct {
	db      *sql.DB
	dialect Dialect
	getter  *trmsql.CtxGetter
}

func NewPaymentRepository(db *sql.DB, dialect Dialect) *PaymentRepository {
	return &PaymentRepository{
		db:      db,
		dialect: dialect,
		getter:  trmsql.DefaultCtxGetter,
	}
}

func (r *PaymentRepository) Get(ctx context.Context, id string) (payment.Snapshot, error) {
	return r.getOne(ctx, fmt.Sprintf(getPaymentQuery, tablePayments), id, "payment "+id)
}

func (r *PaymentRepository) GetByOrderID(ctx context.Context, orderID string) (payment.Snapshot, error) {
	return r.getOne(ctx, fmt.Sprintf(getPaymentByOrderQuery, tablePayments), orderID, "payment for order "+orderID)
}

func (r *PaymentRepository) Save(ctx context.Context, s payment.Snapshot) error {
	conn := r.getter.DefaultTrOrDB(ctx, r.db)

	if s.Version == 0 {
		_, err := conn.ExecContext(ctx, fmt.Sprintf(insertPaymentQuery, tablePayments),
			s.ID, s.OrderID, s.Amount, s.Currency, string(s.Status),
			nullString(s.ExternalID), nullString(s.ErrorMessage),
			toMillis(s.CreatedAt), nullMillis(s.ProcessedAt),
		)
		if err != nil {
			if r.dialect.IsDuplicate(err) {
				return fmt.Errorf("payment for order %s: %w", s.OrderID, storage.ErrDuplicate)
			}
			return fmt.Errorf("failed to insert payment: %w", err)
		}
		return nil
	}

	res, err := conn.ExecContext(ctx, fmt.Sprintf(updatePaymentQuery, tablePayments),
		s.Amount, string(s.Status), nullString(s.ExternalID), nullString(s.ErrorMessage), nullMillis(s.ProcessedAt),
		s.ID, s.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("payment %s at version %d: %w", s.ID, s.Version, storage.ErrStaleVersion)
	}
	return nil
}

func (r *PaymentRepository) getOne(ctx context.Context, query, arg, what string) (payment.Snapshot, error) {
	var (
		s            payment.Snapshot
		status       string
		externalID   sql.NullString
		errorMessage sql.NullString
		createdAt    int64
		processedAt  sql.NullInt64
	)
	err := r.getter.DefaultTrOrDB(ctx, r.db).QueryRowContext(ctx, query, arg).Scan(
		&s.ID, &s.OrderID, &s.Amount, &s.Currency, &status, &externalID, &errorMessage,
		&createdAt, &processedAt, &s.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Snapshot{}, fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	if err != nil {
		return payment.Snapshot{}, fmt.Errorf("failed to load payment: %w", err)
	}
	s.Status = payment.Status(status)
	s.ExternalID = externalID.String
	s.ErrorMessage = errorMessage.String
	s.CreatedAt = fromMillis(createdAt)
	s.ProcessedAt = fromNullMillis(processedAt)
	return s, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
