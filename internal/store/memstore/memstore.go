// Package memstore is an in-process implementation of the catalog, inventory
// and order ledger used for local runs and tests. Every read and write copies
// documents so callers never share memory with the stored state
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
	"marketplace-service/internal/rating"
)

// Store holds products, orders and inconsistencies in memory
type Store struct {
	mu              sync.Mutex
	products        map[string]*models.Product
	orders          map[string]*models.Order
	idempotency     map[string]string
	inconsistencies map[string]models.InventoryInconsistency

	// beforeDecrement, when set, runs before each conditional decrement with
	// the lock released. Tests use it to force interleavings
	beforeDecrement func(models.OptionRef)
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		products:        make(map[string]*models.Product),
		orders:          make(map[string]*models.Order),
		idempotency:     make(map[string]string),
		inconsistencies: make(map[string]models.InventoryInconsistency),
	}
}

// SetBeforeDecrement installs a hook invoked before every decrement
func (s *Store) SetBeforeDecrement(fn func(models.OptionRef)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeDecrement = fn
}

// GetProduct returns a copy of a product
func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, apperr.NotFound("product %s not found", id)
	}
	return p.Clone(), nil
}

// SaveProduct upserts a product, keeping any existing rating aggregate
func (s *Store) SaveProduct(ctx context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := p.Clone()
	if existing, ok := s.products[p.ID]; ok {
		cp.RatingAverage = existing.RatingAverage
		cp.RatingCount = existing.RatingCount
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.products[p.ID] = cp
	return nil
}

// DecrementOption takes one unit from an option unless it is exhausted
func (s *Store) DecrementOption(ctx context.Context, ref models.OptionRef) error {
	s.mu.Lock()
	hook := s.beforeDecrement
	s.mu.Unlock()
	if hook != nil {
		hook(ref)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decrementLocked(ref)
}

func (s *Store) decrementLocked(ref models.OptionRef) error {
	opt, err := s.optionLocked(ref)
	if err != nil {
		return err
	}
	if opt.Quantity <= 0 {
		return apperr.ErrStockExhausted
	}
	opt.Quantity--
	return nil
}

func (s *Store) optionLocked(ref models.OptionRef) (*models.Option, error) {
	p, ok := s.products[ref.ProductID]
	if !ok {
		return nil, apperr.NotFound("product %s not found", ref.ProductID)
	}
	v := p.Variety(ref.VarietyID)
	if v == nil {
		return nil, apperr.NotFound("variety %s not found", ref.VarietyID)
	}
	opt := v.Option(ref.OptionID)
	if opt == nil {
		return nil, apperr.NotFound("option %s not found", ref.OptionID)
	}
	return opt, nil
}

// CreateOrder inserts a new order at version 1
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(order)
}

// CreateOrderWithStock applies every decrement and the insert as one unit
func (s *Store) CreateOrderWithStock(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.IdempotencyKey != nil {
		if _, dup := s.idempotency[*order.IdempotencyKey]; dup {
			return apperr.ErrDuplicateOrder
		}
	}

	demand := make(map[models.OptionRef]int)
	for _, item := range order.Items {
		demand[item.Ref()]++
	}
	for ref, n := range demand {
		opt, err := s.optionLocked(ref)
		if err != nil {
			return err
		}
		if opt.Quantity < n {
			return apperr.Wrap(apperr.KindOutOfStock, apperr.ErrStockExhausted, "option %s sold out", ref)
		}
	}
	for _, item := range order.Items {
		if err := s.decrementLocked(item.Ref()); err != nil {
			return err
		}
	}

	return s.insertLocked(order)
}

func (s *Store) insertLocked(order *models.Order) error {
	if order.IdempotencyKey != nil {
		if _, dup := s.idempotency[*order.IdempotencyKey]; dup {
			return apperr.ErrDuplicateOrder
		}
	}

	now := time.Now().UTC()
	order.Version = 1
	order.CreatedAt = now
	order.UpdatedAt = now

	s.orders[order.ID] = order.Clone()
	if order.IdempotencyKey != nil {
		s.idempotency[*order.IdempotencyKey] = order.ID
	}
	return nil
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %s not found", id)
	}
	return o.Clone(), nil
}

// GetOrderByIdempotencyKey retrieves the order bound to key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.idempotency[key]
	if !ok {
		return nil, nil
	}
	return s.orders[id].Clone(), nil
}

// UpdateOrder writes the order if its version is current
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(order)
}

func (s *Store) updateLocked(order *models.Order) error {
	current, ok := s.orders[order.ID]
	if !ok || current.Version != order.Version {
		return apperr.ErrVersionConflict
	}

	order.Version++
	order.UpdatedAt = time.Now().UTC()
	current.Items = append(models.OrderItems(nil), order.Items...)
	current.Version = order.Version
	current.UpdatedAt = order.UpdatedAt
	return nil
}

// UpdateRatedOrder writes the order and folds the rating under one lock
func (s *Store) UpdateRatedOrder(ctx context.Context, order *models.Order, productID string, r int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return apperr.NotFound("product %s not found", productID)
	}
	folded, err := rating.Fold(rating.Aggregate{Average: p.RatingAverage, Count: p.RatingCount}, r)
	if err != nil {
		return err
	}

	if err := s.updateLocked(order); err != nil {
		return err
	}
	p.RatingAverage = folded.Average
	p.RatingCount = folded.Count
	return nil
}

// ListOrdersByUser returns a buyer's orders, newest first
func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	return s.list(func(o *models.Order) bool { return o.UserID == userID }), nil
}

// ListOrdersBySeller returns orders with at least one of the seller's lines
func (s *Store) ListOrdersBySeller(ctx context.Context, sellerID string) ([]models.Order, error) {
	return s.list(func(o *models.Order) bool { return o.HasSeller(sellerID) }), nil
}

func (s *Store) list(match func(*models.Order) bool) []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Order
	for _, o := range s.orders {
		if match(o) {
			out = append(out, *o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// RecordInconsistency stores rec once per event
func (s *Store) RecordInconsistency(ctx context.Context, rec models.InventoryInconsistency) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.inconsistencies[rec.EventID]; seen {
		return false, nil
	}
	rec.RecordedAt = time.Now().UTC()
	s.inconsistencies[rec.EventID] = rec
	return true, nil
}

// ListInconsistencies returns up to limit records, newest first
func (s *Store) ListInconsistencies(ctx context.Context, limit int) ([]models.InventoryInconsistency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.InventoryInconsistency, 0, len(s.inconsistencies))
	for _, rec := range s.inconsistencies {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return nil
}
