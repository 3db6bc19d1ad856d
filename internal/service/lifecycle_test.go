package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
	"marketplace-service/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelItem(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.seed(t, "p-1", "seller-1", 5)
	ctx := context.Background()
	order, item := f.placeOrder(t, "buyer-1", "p-1")

	_, err := f.svc.CancelItem(ctx, "buyer-2", order.ID, item.ID, "changed my mind")
	requireKind(t, err, apperr.KindNotAuthorized)

	_, err = f.svc.CancelItem(ctx, "buyer-1", order.ID, "no-such-item", "changed my mind")
	requireKind(t, err, apperr.KindNotFound)

	_, err = f.svc.CancelItem(ctx, "buyer-1", "no-such-order", item.ID, "changed my mind")
	requireKind(t, err, apperr.KindNotFound)

	updated, err := f.svc.CancelItem(ctx, "buyer-1", order.ID, item.ID, "changed my mind")
	require.NoError(t, err)
	got := updated.Item(item.ID)
	assert.Equal(t, models.ItemStatusCancelled, got.Status)
	assert.Equal(t, "changed my mind", got.CancellationReason)
	assert.Greater(t, updated.Version, order.Version)

	_, err = f.svc.CancelItem(ctx, "buyer-1", order.ID, item.ID, "again")
	requireKind(t, err, apperr.KindInvalidTransition)

	assert.Equal(t, []string{models.EventTypeItemCancelled}, f.publisher.transitionTypes())
}

func TestCancelItemAfterShipping(t *testing.T) {
	for _, status := range []string{models.ItemStatusShipped, models.ItemStatusDelivered} {
		t.Run(status, func(t *testing.T) {
			f := newFixture(t, DefaultOptions())
			f.seed(t, "p-1", "seller-1", 5)
			order, item := f.placeOrder(t, "buyer-1", "p-1")

			_, err := f.svc.UpdateItemStatus(context.Background(), "seller-1", order.ID, item.ID, status)
			require.NoError(t, err)

			_, err = f.svc.CancelItem(context.Background(), "buyer-1", order.ID, item.ID, "too late")
			requireKind(t, err, apperr.KindInvalidTransition)
		})
	}
}

func TestUpdateItemStatusIsMonotonic(t *testing.T) {
	tests := []struct {
		path    []string
		allowed bool
	}{
		{[]string{models.ItemStatusShipped}, true},
		{[]string{models.ItemStatusDelivered}, true},
		{[]string{models.ItemStatusShipped, models.ItemStatusDelivered}, true},
		{[]string{models.ItemStatusCancelled}, true},
		{[]string{models.ItemStatusPlaced}, false},
		{[]string{models.ItemStatusShipped, models.ItemStatusShipped}, false},
		{[]string{models.ItemStatusShipped, models.ItemStatusPlaced}, false},
		{[]string{models.ItemStatusShipped, models.ItemStatusCancelled}, false},
		{[]string{models.ItemStatusDelivered, models.ItemStatusShipped}, false},
		{[]string{models.ItemStatusCancelled, models.ItemStatusShipped}, false},
	}

	for _, tt := range tests {
		t.Run(joinPath(tt.path), func(t *testing.T) {
			f := newFixture(t, DefaultOptions())
			f.seed(t, "p-1", "seller-1", 5)
			order, item := f.placeOrder(t, "buyer-1", "p-1")

			var err error
			for _, status := range tt.path {
				_, err = f.svc.UpdateItemStatus(context.Background(), "seller-1", order.ID, item.ID, status)
				if err != nil {
					break
				}
			}

			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			requireKind(t, err, apperr.KindInvalidTransition)
		})
	}
}

func joinPath(path []string) string {
	out := "Placed"
	for _, p := range path {
		out += "->" + p
	}
	return out
}

func TestUpdateItemStatusRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.seed(t, "p-1", "seller-1", 5)
	order, item := f.placeOrder(t, "buyer-1", "p-1")

	_, err := f.svc.UpdateItemStatus(context.Background(), "seller-1", order.ID, item.ID, "Lost")

	requireKind(t, err, apperr.KindValidation)
}

func TestSellerOnlyTouchesOwnLines(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.seed(t, "p-1", "seller-1", 5)
	f.seed(t, "p-2", "seller-2", 5)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, orderRequest("buyer-1", line("p-1", "m"), line("p-2", "m")))
	require.NoError(t, err)
	mine, theirs := order.Items[0], order.Items[1]

	_, err = f.svc.UpdateItemStatus(ctx, "seller-1", order.ID, theirs.ID, models.ItemStatusShipped)
	requireKind(t, err, apperr.KindNotAuthorized)

	_, err = f.svc.UpdateItemStatus(ctx, "seller-3", order.ID, mine.ID, models.ItemStatusShipped)
	requireKind(t, err, apperr.KindNotAuthorized)

	view, err := f.svc.UpdateItemStatus(ctx, "seller-1", order.ID, mine.ID, models.ItemStatusShipped)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, models.ItemStatusShipped, view.Items[0].Status)

	stored, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusShipped, stored.Item(mine.ID).Status)
	assert.Equal(t, models.ItemStatusPlaced, stored.Item(theirs.ID).Status)
}

func TestRefundFlow(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.seed(t, "p-1", "seller-1", 5)
	ctx := context.Background()
	order, item := f.placeOrder(t, "buyer-1", "p-1")

	_, err := f.svc.RequestRefund(ctx, "buyer-1", order.ID, item.ID, "torn")
	requireKind(t, err, apperr.KindInvalidTransition)

	f.deliver(t, "seller-1", order, item.ID)

	_, err = f.svc.RequestRefund(ctx, "buyer-1", order.ID, item.ID, "")
	requireKind(t, err, apperr.KindValidation)

	_, err = f.svc.ReviewRefund(ctx, "seller-1", order.ID, item.ID, true, "")
	requireKind(t, err, apperr.KindInvalidTransition)

	updated, err := f.svc.RequestRefund(ctx, "buyer-1", order.ID, item.ID, "torn")
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusPending, updated.Item(item.ID).RefundStatus)
	assert.Equal(t, "torn", updated.Item(item.ID).RefundReason)

	_, err = f.svc.RequestRefund(ctx, "buyer-1", order.ID, item.ID, "torn again")
	requireKind(t, err, apperr.KindInvalidTransition)

	_, err = f.svc.ReviewRefund(ctx, "seller-1", order.ID, item.ID, false, "")
	requireKind(t, err, apperr.KindValidation)

	_, err = f.svc.ReviewRefund(ctx, "seller-2", order.ID, item.ID, false, "worn")
	requireKind(t, err, apperr.KindNotAuthorized)

	reviewed, err := f.svc.ReviewRefund(ctx, "seller-1", order.ID, item.ID, false, "item was worn")
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusRejected, reviewed.Item(item.ID).RefundStatus)
	assert.Equal(t, "item was worn", reviewed.Item(item.ID).RefundRejectionReason)

	_, err = f.svc.ReviewRefund(ctx, "seller-1", order.ID, item.ID, true, "")
	requireKind(t, err, apperr.KindInvalidTransition)
}

func TestApproveRefund(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.seed(t, "p-1", "seller-1", 5)
	ctx := context.Background()
	order, item := f.placeOrder(t, "buyer-1", "p-1")
	f.deliver(t, "seller-1", order, item.ID)

	_, err := f.svc.RequestRefund(ctx, "buyer-1", order.ID, item.ID, "wrong size")
	require.NoError(t, err)
	reviewed, err := f.svc.ReviewRefund(ctx, "seller-1", order.ID, item.ID, true, "")
	require.NoError(t, err)

	assert.Equal(t, models.RefundStatusApproved, reviewed.Item(item.ID).RefundStatus)
	assert.Equal(t, []string{
		models.EventTypeItemStatusUpdated,
		models.EventTypeRefundRequested,
		models.EventTypeRefundReviewed,
	}, f.publisher.transitionTypes())
}

func TestRateItemFoldsOnce(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	require.NoError(t, f.store.SaveProduct(ctx, &models.Product{
		ID:            "p-1",
		SellerID:      "seller-1",
		Name:          "Rated Tee",
		RatingAverage: decimal.NewFromInt(4),
		RatingCount:   1,
		Varieties: []models.Variety{{
			ID:      "size",
			Title:   "Size",
			Options: []models.Option{{ID: "m", Label: "M", Price: 500, MRP: 800, Quantity: 5}},
		}},
	}))

	order, item := f.placeOrder(t, "buyer-1", "p-1")

	_, err := f.svc.RateItem(ctx, "buyer-1", order.ID, item.ID, 4)
	requireKind(t, err, apperr.KindInvalidTransition)

	f.deliver(t, "seller-1", order, item.ID)

	_, err = f.svc.RateItem(ctx, "buyer-1", order.ID, item.ID, 6)
	requireKind(t, err, apperr.KindValidation)
	_, err = f.svc.RateItem(ctx, "buyer-1", order.ID, item.ID, 0)
	requireKind(t, err, apperr.KindValidation)
	_, err = f.svc.RateItem(ctx, "buyer-2", order.ID, item.ID, 4)
	requireKind(t, err, apperr.KindNotAuthorized)

	rated, err := f.svc.RateItem(ctx, "buyer-1", order.ID, item.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, rated.Item(item.ID).Rating)

	_, err = f.svc.RateItem(ctx, "buyer-1", order.ID, item.ID, 5)
	requireKind(t, err, apperr.KindAlreadyRated)

	p, err := f.store.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.RatingCount)
	assert.True(t, p.RatingAverage.Equal(decimal.NewFromInt(4)), "average %s", p.RatingAverage)
}

func TestConcurrentRatingsAreAllCounted(t *testing.T) {
	const buyers = 20

	f := newFixture(t, DefaultOptions())
	f.seed(t, "p-1", "seller-1", buyers)
	ctx := context.Background()

	type placed struct {
		order *models.Order
		item  *models.OrderItem
	}
	orders := make([]placed, buyers)
	for i := range orders {
		o, it := f.placeOrder(t, "buyer", "p-1")
		f.deliver(t, "seller-1", o, it.ID)
		orders[i] = placed{o, it}
	}

	var wg sync.WaitGroup
	sum := 0
	for i, p := range orders {
		value := i%5 + 1
		sum += value
		wg.Add(1)
		go func(p placed, value int) {
			defer wg.Done()
			_, err := f.svc.RateItem(ctx, "buyer", p.order.ID, p.item.ID, value)
			assert.NoError(t, err)
		}(p, value)
	}
	wg.Wait()

	product, err := f.store.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, buyers, product.RatingCount)
	avg, _ := product.RatingAverage.Float64()
	assert.InDelta(t, float64(sum)/buyers, avg, 0.001)
}

func TestConcurrentTransitionsOnOneOrder(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.seed(t, "p-1", "seller-1", 5)
	f.seed(t, "p-2", "seller-2", 5)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, orderRequest("buyer-1", line("p-1", "m"), line("p-2", "m")))
	require.NoError(t, err)
	a, b := order.Items[0], order.Items[1]

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.svc.UpdateItemStatus(ctx, "seller-1", order.ID, a.ID, models.ItemStatusShipped)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := f.svc.CancelItem(ctx, "buyer-1", order.ID, b.ID, "duplicate")
		assert.NoError(t, err)
	}()
	wg.Wait()

	stored, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusShipped, stored.Item(a.ID).Status)
	assert.Equal(t, models.ItemStatusCancelled, stored.Item(b.ID).Status)
}

func TestCancelRacingShipmentHasOneWinner(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.seed(t, "p-1", "seller-1", 5)
	ctx := context.Background()
	order, item := f.placeOrder(t, "buyer-1", "p-1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.svc.CancelItem(ctx, "buyer-1", order.ID, item.ID, "changed my mind")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.svc.UpdateItemStatus(ctx, "seller-1", order.ID, item.ID, models.ItemStatusShipped)
	}()
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			requireKind(t, err, apperr.KindInvalidTransition)
		}
	}
	assert.Equal(t, 1, failures)

	stored, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	if errs[0] == nil {
		assert.Equal(t, models.ItemStatusCancelled, stored.Item(item.ID).Status)
	} else {
		assert.Equal(t, models.ItemStatusShipped, stored.Item(item.ID).Status)
	}
}

// conflictingLedger loses every optimistic write
type conflictingLedger struct {
	*memstore.Store
	attempts int
}

func (c *conflictingLedger) UpdateOrder(ctx context.Context, o *models.Order) error {
	c.attempts++
	return apperr.ErrVersionConflict
}

func TestTransitionGivesUpAfterRetryBudget(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.seed(t, "p-1", "seller-1", 5)
	order, item := f.placeOrder(t, "buyer-1", "p-1")

	ledger := &conflictingLedger{Store: f.store}
	opts := DefaultOptions()
	opts.MaxUpdateRetries = 3
	svc := NewOrderService(Dependencies{Catalog: f.store, Inventory: f.store, Ledger: ledger}, opts)

	_, err := svc.CancelItem(context.Background(), "buyer-1", order.ID, item.ID, "")

	requireKind(t, err, apperr.KindConflict)
	assert.True(t, errors.Is(err, apperr.ErrVersionConflict))
	assert.Equal(t, 3, ledger.attempts)
}
