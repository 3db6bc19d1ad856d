package service

import (
	"context"
	"time"

	"marketplace-service/internal/models"
)

// Catalog resolves products for checkout. Variety and option resolution
// happen on the returned document
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
}

// ProductWriter persists catalog entries
type ProductWriter interface {
	SaveProduct(ctx context.Context, p *models.Product) error
}

// Inventory performs the conditional per-option stock decrement. It returns
// apperr.ErrStockExhausted when the quantity > 0 precondition fails
type Inventory interface {
	DecrementOption(ctx context.Context, ref models.OptionRef) error
}

// OrderLedger stores orders. UpdateOrder and UpdateRatedOrder compare the
// order's Version with the stored one and fail with
// apperr.ErrVersionConflict if another write landed first
type OrderLedger interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	UpdateRatedOrder(ctx context.Context, order *models.Order, productID string, rating int) error
	ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error)
	ListOrdersBySeller(ctx context.Context, sellerID string) ([]models.Order, error)
}

// AtomicCheckout is implemented by ledgers that can insert an order and
// decrement all of its options in one transaction
type AtomicCheckout interface {
	CreateOrderWithStock(ctx context.Context, order *models.Order) error
}

// EventPublisher emits order domain events
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishItemTransition(ctx context.Context, event *models.ItemTransitionEvent) error
	PublishInventoryInconsistency(ctx context.Context, event *models.InventoryInconsistencyEvent) error
}

// IdempotencyStore guards checkout retries carrying the same key
type IdempotencyStore interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
	GetIdempotencyKey(ctx context.Context, key string) (string, error)
	SetIdempotencyKey(ctx context.Context, key, orderID string, ttl time.Duration) error
}

// ReconciliationLog persists inconsistency records for operators
type ReconciliationLog interface {
	RecordInconsistency(ctx context.Context, rec models.InventoryInconsistency) (bool, error)
	ListInconsistencies(ctx context.Context, limit int) ([]models.InventoryInconsistency, error)
}

// Reconciler receives post-commit inventory anomalies
type Reconciler interface {
	Report(ctx context.Context, event *models.InventoryInconsistencyEvent)
}
