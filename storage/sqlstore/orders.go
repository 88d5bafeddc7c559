package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4/order"
	"github.com/overtonx/outbox/v4/storage"
)

const (
	getOrderQuery = `
		SELECT id, customer_id, shipping_address, status, total, created_at, updated_at, version
		FROM %s WHERE id = ?`

	getOrderItemsQuery = `
		SELECT product_id, quantity, price
		FROM %s WHERE order_id = ? ORDER BY position`

	insertOrderQuery = `
		INSERT INTO %s (id, customer_id, shipping_address, status, total, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`

	updateOrderQuery = `
		UPDATE %s
		SET status = ?, total = ?, shipping_address = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`

	deleteOrderItemsQuery = `DELETE FROM %s WHERE order_id = ?`

	insertOrderItemQuery = `
		INSERT INTO %s (order_id, product_id, quantity, price, position)
		VALUES (?, ?, ?, ?, ?)`
)

// OrderRepository stores orders and their lines. Every statement joins the
// transaction carried by ctx.
type OrderRepository struct {
	db      *sql.DB
	dialect Dialect
	getter  *trmsql.CtxGetter
	logger  *zap.Logger
}

func NewOrderRepository(db *sql.DB, dialect Dialect, logger *zap.Logger) *OrderRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderRepository{
		db:      db,
		dialect: dialect,
		getter:  trmsql.DefaultCtxGetter,
		logger:  logger,
	}
}

func (r *OrderRepository) Get(ctx context.Context, id string) (order.Snapshot, error) {
	conn := r.getter.DefaultTrOrDB(ctx, r.db)

	var (
		s         order.Snapshot
		status    string
		createdAt int64
		updatedAt int64
	)
	err := conn.QueryRowContext(ctx, fmt.Sprintf(getOrderQuery, tableOrders), id).Scan(
		&s.ID, &s.CustomerID, &s.ShippingAddress, &status, &s.Total, &createdAt, &updatedAt, &s.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Snapshot{}, fmt.Errorf("order %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return order.Snapshot{}, fmt.Errorf("failed to load order: %w", err)
	}
	s.Status = order.Status(status)
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)

	rows, err := conn.QueryContext(ctx, fmt.Sprintf(getOrderItemsQuery, tableOrderItems), id)
	if err != nil {
		return order.Snapshot{}, fmt.Errorf("failed to load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item order.Item
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.Price); err != nil {
			return order.Snapshot{}, fmt.Errorf("failed to scan order item: %w", err)
		}
		s.Items = append(s.Items, item)
	}
	if err := rows.Err(); err != nil {
		return order.Snapshot{}, fmt.Errorf("error reading order items: %w", err)
	}
	return s, nil
}

// Save inserts a new order or updates one whose stored version still equals
// s.Version. Lines are rewritten on every save.
func (r *OrderRepository) Save(ctx context.Context, s order.Snapshot) error {
	conn := r.getter.DefaultTrOrDB(ctx, r.db)

	if s.Version == 0 {
		_, err := conn.ExecContext(ctx, fmt.Sprintf(insertOrderQuery, tableOrders),
			s.ID, s.CustomerID, s.ShippingAddress, string(s.Status), s.Total,
			toMillis(s.CreatedAt), toMillis(s.UpdatedAt),
		)
		if err != nil {
			if r.dialect.IsDuplicate(err) {
				return fmt.Errorf("order %s: %w", s.ID, storage.ErrDuplicate)
			}
			return fmt.Errorf("failed to insert order: %w", err)
		}
	} else {
		res, err := conn.ExecContext(ctx, fmt.Sprintf(updateOrderQuery, tableOrders),
			string(s.Status), s.Total, s.ShippingAddress, toMillis(s.UpdatedAt), s.ID, s.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("order %s at version %d: %w", s.ID, s.Version, storage.ErrStaleVersion)
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(deleteOrderItemsQuery, tableOrderItems), s.ID); err != nil {
			return fmt.Errorf("failed to replace order items: %w", err)
		}
	}

	itemStmt := fmt.Sprintf(insertOrderItemQuery, tableOrderItems)
	for i, item := range s.Items {
		if _, err := conn.ExecContext(ctx, itemStmt, s.ID, item.ProductID, item.Quantity, item.Price, i); err != nil {
			return fmt.Errorf("failed to save order item %s: %w", item.ProductID, err)
		}
	}

	r.logger.Debug("Order saved",
		zap.String("order_id", s.ID),
		zap.Int64("version", s.Version+1),
		zap.Int("items", len(s.Items)))
	return nil
}
