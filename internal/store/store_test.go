package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests - require a running Postgres reachable via TEST_DATABASE_URL
func newTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires database")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedProduct(t *testing.T, s *Store, quantity int) *models.Product {
	t.Helper()

	p := &models.Product{
		ID:       "p-" + uuid.NewString(),
		SellerID: "seller-1",
		Name:     "Cotton Tee",
		Images:   []string{"tee.jpg"},
		Varieties: []models.Variety{{
			ID:      "size",
			Title:   "Size",
			Options: []models.Option{{ID: "m", Label: "M", Price: 100, MRP: 120, Quantity: quantity}},
		}},
	}
	require.NoError(t, s.SaveProduct(context.Background(), p))
	return p
}

func newOrder(p *models.Product) *models.Order {
	return &models.Order{
		ID:              uuid.NewString(),
		UserID:          "buyer-1",
		ShippingAddress: models.ShippingAddress{Name: "A", Line1: "1 Main", City: "X", PostalCode: "1", Country: "IN"},
		PaymentMethod:   models.PaymentMethodCOD,
		PaymentStatus:   models.PaymentStatusPending,
		TotalAmount:     100,
		Items: models.OrderItems{{
			ID: uuid.NewString(), ProductID: p.ID, SellerID: p.SellerID, VarietyID: "size", OptionID: "m",
			Price: 100, MRP: 120, Status: models.ItemStatusPlaced, RefundStatus: models.RefundStatusNotApplicable,
		}},
	}
}

func TestConcurrentDecrementNeverGoesNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 3)
	ref := models.OptionRef{ProductID: p.ID, VarietyID: "size", OptionID: "m"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.DecrementOption(ctx, ref); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.True(t, errors.Is(err, apperr.ErrStockExhausted))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Varieties[0].Options[0].Quantity)
}

func TestCrossedMultiLineCheckoutsDoNotDeadlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedProduct(t, s, 50)
	b := seedProduct(t, s, 50)

	twoLines := func(first, second *models.Product) *models.Order {
		order := newOrder(first)
		line := order.Items[0]
		line.ID = uuid.NewString()
		line.ProductID = second.ID
		order.Items = append(order.Items, line)
		order.TotalAmount = 200
		return order
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				errs <- s.CreateOrderWithStock(ctx, twoLines(a, b))
			} else {
				errs <- s.CreateOrderWithStock(ctx, twoLines(b, a))
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	for _, p := range []*models.Product{a, b} {
		got, err := s.GetProduct(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 30, got.Varieties[0].Options[0].Quantity)
	}
}

func TestLockOrderIsIndependentOfCartOrder(t *testing.T) {
	items := models.OrderItems{
		{ProductID: "p-2", VarietyID: "size", OptionID: "m"},
		{ProductID: "p-1", VarietyID: "size", OptionID: "l"},
		{ProductID: "p-1", VarietyID: "size", OptionID: "m"},
	}
	reversed := models.OrderItems{items[2], items[1], items[0]}

	got := lockOrder(items)

	assert.Equal(t, got, lockOrder(reversed))
	assert.Equal(t, "p-1/size/l", got[0].String())
	assert.Equal(t, "p-2/size/m", got[2].String())
}

func TestClassifyTxError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind apperr.Kind
	}{
		{"deadlock", fmt.Errorf("failed to decrement: %w", &pq.Error{Code: "40P01"}), apperr.KindConflict},
		{"serialization failure", &pq.Error{Code: "40001"}, apperr.KindConflict},
		{"check violation", &pq.Error{Code: "23514"}, apperr.KindInternal},
		{"plain error", errors.New("connection reset"), apperr.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyTxError(tt.err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.NoError(t, classifyTxError(nil))
}

func TestCreateOrderWithStockRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 0)
	order := newOrder(p)

	err := s.CreateOrderWithStock(ctx, order)
	assert.True(t, errors.Is(err, apperr.ErrOutOfStock))

	_, err = s.GetOrder(ctx, order.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestUpdateOrderVersionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 5)
	order := newOrder(p)
	require.NoError(t, s.CreateOrderWithStock(ctx, order))

	stale := order.Clone()

	order.Items[0].Status = models.ItemStatusCancelled
	require.NoError(t, s.UpdateOrder(ctx, order))
	assert.Equal(t, int64(2), order.Version)

	stale.Items[0].Status = models.ItemStatusShipped
	assert.ErrorIs(t, s.UpdateOrder(ctx, stale), apperr.ErrVersionConflict)

	bySeller, err := s.ListOrdersBySeller(ctx, p.SellerID)
	require.NoError(t, err)
	assert.NotEmpty(t, bySeller)
}

func TestIdempotencyKeyIsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 5)
	key := "idem-" + uuid.NewString()

	first := newOrder(p)
	first.IdempotencyKey = &key
	require.NoError(t, s.CreateOrder(ctx, first))

	second := newOrder(p)
	second.IdempotencyKey = &key
	assert.ErrorIs(t, s.CreateOrder(ctx, second), apperr.ErrDuplicateOrder)

	found, err := s.GetOrderByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}
