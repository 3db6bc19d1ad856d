package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
	"marketplace-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Options tunes checkout and write behaviour
type Options struct {
	AtomicCheckout   bool
	MaxUpdateRetries int
	IdempotencyTTL   time.Duration
	CheckoutLockTTL  time.Duration
}

// DefaultOptions mirrors the config defaults
func DefaultOptions() Options {
	return Options{
		AtomicCheckout:   true,
		MaxUpdateRetries: 3,
		IdempotencyTTL:   24 * time.Hour,
		CheckoutLockTTL:  30 * time.Second,
	}
}

// Dependencies groups the collaborators of OrderService. Idempotency and
// Reconciler may be nil
type Dependencies struct {
	Catalog     Catalog
	Inventory   Inventory
	Ledger      OrderLedger
	Publisher   EventPublisher
	Idempotency IdempotencyStore
	Reconciler  Reconciler
}

// OrderService handles checkout and line item lifecycle
type OrderService struct {
	catalog    Catalog
	inventory  Inventory
	ledger     OrderLedger
	publisher  EventPublisher
	idem       IdempotencyStore
	reconciler Reconciler
	opts       Options
	logger     *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(deps Dependencies, opts Options) *OrderService {
	if opts.MaxUpdateRetries < 1 {
		opts.MaxUpdateRetries = 1
	}
	return &OrderService{
		catalog:    deps.Catalog,
		inventory:  deps.Inventory,
		ledger:     deps.Ledger,
		publisher:  deps.Publisher,
		idem:       deps.Idempotency,
		reconciler: deps.Reconciler,
		opts:       opts,
		logger:     util.GetLogger(),
	}
}

// CreateOrder validates the request, snapshots every line and commits the
// order together with its stock decrements. When decrements run after the
// commit and one of them is lost, the committed order is returned alongside
// an InconsistencyDetected error
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder",
		attribute.String("user.id", req.UserID),
		attribute.Int("order.lines", len(req.Lines)))
	defer func() { util.EndSpan(span, err) }()

	if err := validateStruct(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, release, err := s.claimIdempotencyKey(ctx, req)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		defer release()
	}

	items, total, err := s.resolveLines(ctx, req.Lines)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(failureLabel(err)).Inc()
		return nil, err
	}

	order = &models.Order{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   paymentStatusFor(req.PaymentMethod),
		TotalAmount:     total,
		Items:           items,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	lost, err := s.commit(ctx, order)
	if errors.Is(err, apperr.ErrDuplicateOrder) {
		return s.replay(ctx, req)
	}
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(failureLabel(err)).Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.Int("items", len(order.Items)),
		zap.Int64("total_amount", order.TotalAmount))

	if req.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.SetIdempotencyKey(ctx, req.IdempotencyKey, order.ID, s.opts.IdempotencyTTL); err != nil {
			s.logger.Warn("Failed to cache idempotency key",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(err))
		}
	}

	s.publishOrderPlaced(ctx, order)

	if len(lost) > 0 {
		flagged, err := s.flagForReconciliation(ctx, order, lost)
		if err != nil {
			s.logger.Error("Failed to flag order lines for reconciliation",
				zap.String("order_id", order.ID),
				zap.Error(err))
		} else {
			order = flagged
		}
		return order, inconsistencyError(lost)
	}

	return order, nil
}

// lostDecrement is a committed line whose stock decrement did not apply
type lostDecrement struct {
	itemID string
	reason string
}

// commit persists the order. On the atomic path every decrement shares the
// order's transaction. Otherwise the order is committed first and each line
// is decremented separately, and lines that failed are returned
func (s *OrderService) commit(ctx context.Context, order *models.Order) ([]lostDecrement, error) {
	if atomic, ok := s.ledger.(AtomicCheckout); ok && s.opts.AtomicCheckout {
		start := time.Now()
		err := atomic.CreateOrderWithStock(ctx, order)
		util.InventoryDecrementLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, apperr.ErrOutOfStock) {
				util.InventoryDecrementsFailed.WithLabelValues("exhausted").Inc()
			}
			return nil, wrapStoreError(err, "failed to create order")
		}
		return nil, nil
	}

	if err := s.ledger.CreateOrder(ctx, order); err != nil {
		return nil, wrapStoreError(err, "failed to create order")
	}

	var lost []lostDecrement
	for _, item := range order.Items {
		start := time.Now()
		err := s.inventory.DecrementOption(ctx, item.Ref())
		util.InventoryDecrementLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			continue
		}

		reason := "stock exhausted"
		label := "exhausted"
		if !errors.Is(err, apperr.ErrStockExhausted) {
			reason = fmt.Sprintf("decrement failed: %v", err)
			label = "error"
		}
		util.InventoryDecrementsFailed.WithLabelValues(label).Inc()
		lost = append(lost, lostDecrement{itemID: item.ID, reason: reason})
	}
	return lost, nil
}

// resolveLines snapshots each requested line in order. Demand is counted per
// option so that two lines naming the same option need two units
func (s *OrderService) resolveLines(ctx context.Context, lines []OrderLineRequest) (models.OrderItems, int64, error) {
	products := make(map[string]*models.Product)
	demand := make(map[models.OptionRef]int)
	items := make(models.OrderItems, 0, len(lines))
	now := time.Now().UTC()
	var total int64

	for i, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			p, err := s.catalog.GetProduct(ctx, line.ProductID)
			if err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					return nil, 0, apperr.NotFound("line %d: product %s not found", i, line.ProductID)
				}
				return nil, 0, fmt.Errorf("failed to load product %s: %w", line.ProductID, err)
			}
			products[line.ProductID] = p
			product = p
		}

		variety := product.Variety(line.VarietyID)
		if variety == nil {
			return nil, 0, apperr.NotFound("line %d: variety %s not found on product %s", i, line.VarietyID, product.ID)
		}
		option := variety.Option(line.OptionID)
		if option == nil {
			return nil, 0, apperr.NotFound("line %d: option %s not found in variety %s", i, line.OptionID, variety.ID)
		}

		ref := models.OptionRef{ProductID: product.ID, VarietyID: variety.ID, OptionID: option.ID}
		demand[ref]++
		if option.Quantity < demand[ref] {
			return nil, 0, apperr.New(apperr.KindOutOfStock,
				"line %d: %s %s has %d left", i, product.Name, option.Label, option.Quantity)
		}

		items = append(items, models.OrderItem{
			ID:              uuid.New().String(),
			ProductID:       product.ID,
			ProductName:     product.Name,
			SellerID:        product.SellerID,
			VarietyID:       variety.ID,
			VarietyTitle:    variety.Title,
			OptionID:        option.ID,
			OptionLabel:     option.Label,
			Price:           option.Price,
			MRP:             option.MRP,
			Image:           product.FirstImage(),
			Status:          models.ItemStatusPlaced,
			RefundStatus:    models.RefundStatusNotApplicable,
			InventoryStatus: models.InventoryStatusCommitted,
			UpdatedAt:       now,
		})
		total += option.Price
	}

	return items, total, nil
}

// claimIdempotencyKey returns the order already bound to the key, or takes
// the checkout lock for it. release must be called once the checkout ends
func (s *OrderService) claimIdempotencyKey(ctx context.Context, req *CreateOrderRequest) (*models.Order, func(), error) {
	noop := func() {}

	existing, err := s.lookupIdempotent(ctx, req)
	if err != nil || existing != nil {
		return existing, noop, err
	}

	if s.idem == nil {
		return nil, noop, nil
	}

	lockKey := "checkout:" + req.IdempotencyKey
	token, ok, err := s.idem.AcquireLock(ctx, lockKey, s.opts.CheckoutLockTTL)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to acquire checkout lock: %w", err)
	}
	if !ok {
		util.OrdersFailedTotal.WithLabelValues("conflict").Inc()
		return nil, noop, apperr.New(apperr.KindConflict, "checkout %s is already in progress", req.IdempotencyKey)
	}
	release := func() {
		// the request context may already be cancelled
		if err := s.idem.ReleaseLock(context.Background(), lockKey, token); err != nil {
			s.logger.Warn("Failed to release checkout lock", zap.String("key", lockKey), zap.Error(err))
		}
	}

	// a concurrent holder may have finished between the lookup and the lock
	existing, err = s.lookupIdempotent(ctx, req)
	if err != nil || existing != nil {
		release()
		return existing, noop, err
	}
	return nil, release, nil
}

func (s *OrderService) lookupIdempotent(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	var existing *models.Order

	if s.idem != nil {
		orderID, err := s.idem.GetIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			s.logger.Warn("Idempotency cache unavailable", zap.Error(err))
		} else if orderID != "" {
			existing, err = s.ledger.GetOrder(ctx, orderID)
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return nil, fmt.Errorf("failed to load order %s: %w", orderID, err)
			}
		}
	}

	if existing == nil {
		var err error
		existing, err = s.ledger.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
	}

	if existing == nil {
		return nil, nil
	}
	if existing.UserID != req.UserID {
		return nil, apperr.New(apperr.KindConflict, "idempotency key %s belongs to another checkout", req.IdempotencyKey)
	}

	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("order_id", existing.ID))
	return existing, nil
}

func (s *OrderService) replay(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	existing, err := s.lookupIdempotent(ctx, req)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperr.New(apperr.KindConflict, "idempotency key %s is bound to a vanished order", req.IdempotencyKey)
	}
	return existing, nil
}

// flagForReconciliation marks lost lines and reports each of them. The lines
// stay in the order; stock is never re-attempted here
func (s *OrderService) flagForReconciliation(ctx context.Context, order *models.Order, lost []lostDecrement) (*models.Order, error) {
	for _, l := range lost {
		item := order.Item(l.itemID)
		event := &models.InventoryInconsistencyEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeInventoryInconsistency,
				Timestamp: time.Now().UTC(),
			},
			OrderID:   order.ID,
			ItemID:    item.ID,
			ProductID: item.ProductID,
			VarietyID: item.VarietyID,
			OptionID:  item.OptionID,
			Reason:    l.reason,
		}

		util.InventoryInconsistenciesTotal.Inc()
		s.logger.Error("Inventory inconsistency detected",
			zap.String("order_id", order.ID),
			zap.String("item_id", item.ID),
			zap.String("option", item.Ref().String()),
			zap.String("reason", l.reason))

		if s.reconciler != nil {
			s.reconciler.Report(ctx, event)
		}
	}

	var lastErr error
	for attempt := 0; attempt < s.opts.MaxUpdateRetries; attempt++ {
		current, err := s.ledger.GetOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		for _, l := range lost {
			if item := current.Item(l.itemID); item != nil {
				item.InventoryStatus = models.InventoryStatusReconciliationRequired
				item.UpdatedAt = time.Now().UTC()
			}
		}
		lastErr = s.ledger.UpdateOrder(ctx, current)
		if lastErr == nil {
			return current, nil
		}
		if !errors.Is(lastErr, apperr.ErrVersionConflict) {
			return nil, lastErr
		}
		util.OrderVersionConflictsTotal.Inc()
	}
	return nil, lastErr
}

func inconsistencyError(lost []lostDecrement) error {
	ids := make([]string, len(lost))
	for i, l := range lost {
		ids[i] = l.itemID
	}
	return apperr.New(apperr.KindInconsistencyDetected,
		"order committed but stock could not be reserved for %s; flagged for reconciliation",
		strings.Join(ids, ", "))
}

func (s *OrderService) publishOrderPlaced(ctx context.Context, order *models.Order) {
	if s.publisher == nil {
		return
	}

	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, it := range order.Items {
		items = append(items, models.OrderItemData{
			ItemID:    it.ID,
			ProductID: it.ProductID,
			VarietyID: it.VarietyID,
			OptionID:  it.OptionID,
			SellerID:  it.SellerID,
			Price:     it.Price,
		})
	}

	event := &models.OrderPlacedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderPlaced,
			Timestamp: time.Now().UTC(),
		},
		OrderID:       order.ID,
		UserID:        order.UserID,
		TotalAmount:   order.TotalAmount,
		PaymentMethod: order.PaymentMethod,
		PaymentStatus: order.PaymentStatus,
		Items:         items,
	}

	if err := s.publisher.PublishOrderPlaced(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderPlaced event",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

// GetOrder returns one of the buyer's orders
func (s *OrderService) GetOrder(ctx context.Context, buyerID, orderID string) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder", attribute.String("order.id", orderID))
	defer func() { util.EndSpan(span, err) }()

	if err := validateStruct(&orderInput{ActorID: buyerID, OrderID: orderID}); err != nil {
		return nil, err
	}

	order, err = s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != buyerID {
		return nil, apperr.NotAuthorized("order %s does not belong to the caller", orderID)
	}
	return order, nil
}

// ListOrdersForBuyer returns summaries of the buyer's orders, newest first
func (s *OrderService) ListOrdersForBuyer(ctx context.Context, buyerID string) (summaries []models.OrderSummary, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrdersForBuyer")
	defer func() { util.EndSpan(span, err) }()

	if err := validateStruct(&ownerInput{ActorID: buyerID}); err != nil {
		return nil, err
	}

	orders, err := s.ledger.ListOrdersByUser(ctx, buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	summaries = make([]models.OrderSummary, 0, len(orders))
	for i := range orders {
		summaries = append(summaries, orders[i].Summary())
	}
	return summaries, nil
}

// ListOrdersForSeller returns orders holding at least one of the seller's
// lines, restricted to those lines, newest first
func (s *OrderService) ListOrdersForSeller(ctx context.Context, sellerID string) (out []models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrdersForSeller")
	defer func() { util.EndSpan(span, err) }()

	if err := validateStruct(&ownerInput{ActorID: sellerID}); err != nil {
		return nil, err
	}

	orders, err := s.ledger.ListOrdersBySeller(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	out = make([]models.Order, 0, len(orders))
	for i := range orders {
		out = append(out, orders[i].ForSeller(sellerID))
	}
	return out, nil
}

func paymentStatusFor(method string) string {
	if method == models.PaymentMethodCOD {
		return models.PaymentStatusPending
	}
	return models.PaymentStatusPaid
}

// wrapStoreError keeps classified errors intact and wraps the rest
func wrapStoreError(err error, msg string) error {
	var ae *apperr.Error
	if errors.As(err, &ae) || errors.Is(err, apperr.ErrDuplicateOrder) {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func failureLabel(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return "not_found"
	case apperr.KindOutOfStock:
		return "out_of_stock"
	case apperr.KindValidation:
		return "validation"
	case apperr.KindConflict:
		return "conflict"
	default:
		return "db_error"
	}
}
