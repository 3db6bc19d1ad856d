package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const orderColumns = `id, user_id, shipping_address, payment_method, payment_status,
	total_amount, idempotency_key, items, version, created_at, updated_at`

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// CreateOrder inserts a new order at version 1
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	return insertOrder(ctx, s.db, order)
}

// CreateOrderWithStock inserts the order and decrements every line's option
// in one transaction. If any option is exhausted nothing is written.
// Options are decremented in sorted order so concurrent checkouts take row
// locks in the same sequence
func (s *Store) CreateOrderWithStock(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertOrder(ctx, tx, order); err != nil {
		return classifyTxError(err)
	}

	for _, ref := range lockOrder(order.Items) {
		if err := decrementOption(ctx, tx, ref); err != nil {
			if errors.Is(err, apperr.ErrStockExhausted) {
				return apperr.Wrap(apperr.KindOutOfStock, err, "option %s sold out", ref)
			}
			return classifyTxError(err)
		}
	}

	return classifyTxError(tx.Commit())
}

// lockOrder returns the option of every line, sorted
func lockOrder(items models.OrderItems) []models.OptionRef {
	refs := make([]models.OptionRef, 0, len(items))
	for i := range items {
		refs = append(refs, items[i].Ref())
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].String() < refs[j].String()
	})
	return refs
}

// classifyTxError marks deadlocks and serialization failures as conflicts
// the caller may retry
func classifyTxError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == deadlockDetected || pqErr.Code == serializationFailure) {
		return apperr.Wrap(apperr.KindConflict, err, "checkout collided with a concurrent transaction, retry")
	}
	return err
}

func insertOrder(ctx context.Context, q sqlx.QueryerContext, order *models.Order) error {
	query := `
		INSERT INTO orders (id, user_id, shipping_address, payment_method, payment_status,
			total_amount, idempotency_key, items, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		RETURNING version, created_at, updated_at`

	err := sqlx.GetContext(ctx, q, order, query,
		order.ID, order.UserID, order.ShippingAddress, order.PaymentMethod, order.PaymentStatus,
		order.TotalAmount, order.IdempotencyKey, order.Items)
	if isUniqueViolation(err) {
		return apperr.ErrDuplicateOrder
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("order %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrder writes the order's items back if nobody else has written
// since order.Version was read. On success order.Version is advanced
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	return updateOrder(ctx, s.db, order)
}

// UpdateRatedOrder persists a newly rated order and folds the rating into the
// product aggregate in the same transaction
func (s *Store) UpdateRatedOrder(ctx context.Context, order *models.Order, productID string, r int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateOrder(ctx, tx, order); err != nil {
		return err
	}
	if err := applyRating(ctx, tx, productID, r); err != nil {
		return err
	}

	return tx.Commit()
}

func updateOrder(ctx context.Context, q sqlx.QueryerContext, order *models.Order) error {
	var row struct {
		Version   int64        `db:"version"`
		UpdatedAt sql.NullTime `db:"updated_at"`
	}
	err := sqlx.GetContext(ctx, q, &row,
		`UPDATE orders SET items = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
		RETURNING version, updated_at`,
		order.Items, order.ID, order.Version)
	if err == sql.ErrNoRows {
		return apperr.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	order.Version = row.Version
	order.UpdatedAt = row.UpdatedAt.Time
	return nil
}

// ListOrdersByUser retrieves orders for a buyer, newest first
func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// ListOrdersBySeller retrieves orders containing at least one line sold by
// sellerID. Lines of other sellers are still present in the result
func (s *Store) ListOrdersBySeller(ctx context.Context, sellerID string) ([]models.Order, error) {
	filter, err := json.Marshal([]map[string]string{{"seller_id": sellerID}})
	if err != nil {
		return nil, err
	}

	var orders []models.Order
	err = s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE items @> $1::jsonb ORDER BY created_at DESC", string(filter))
	return orders, err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
