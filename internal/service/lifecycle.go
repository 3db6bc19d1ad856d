package service

import (
	"context"
	"errors"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
	"marketplace-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// transition describes one guarded line item mutation
type transition struct {
	name      string
	eventType string
	actorID   string
	reason    string

	// authorize checks the caller against the order before the line is
	// looked up
	authorize func(o *models.Order, itemID string) error
	// apply checks the guard and mutates the line in place
	apply func(it *models.OrderItem) error
	// persist writes the mutated order; defaults to OrderLedger.UpdateOrder
	persist func(ctx context.Context, o *models.Order, it *models.OrderItem) error
}

func buyerOwns(buyerID string) func(*models.Order, string) error {
	return func(o *models.Order, _ string) error {
		if o.UserID != buyerID {
			return apperr.NotAuthorized("order %s does not belong to the caller", o.ID)
		}
		return nil
	}
}

func sellerOwns(sellerID string) func(*models.Order, string) error {
	return func(o *models.Order, itemID string) error {
		if !o.HasSeller(sellerID) {
			return apperr.NotAuthorized("order %s has no lines for seller %s", o.ID, sellerID)
		}
		if it := o.Item(itemID); it != nil && it.SellerID != sellerID {
			return apperr.NotAuthorized("item %s belongs to another seller", itemID)
		}
		return nil
	}
}

// runTransition loads the order, applies t to one line and writes the whole
// order back under a version check. A lost race re-reads and re-checks the
// guard, so the mutation is never applied to a stale line
func (s *OrderService) runTransition(ctx context.Context, orderID, itemID string, t transition) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService."+t.name,
		attribute.String("order.id", orderID),
		attribute.String("item.id", itemID))
	defer func() {
		util.EndSpan(span, err)
		result := "ok"
		if err != nil {
			result = string(apperr.KindOf(err))
		}
		util.ItemTransitionsTotal.WithLabelValues(t.name, result).Inc()
	}()

	persist := t.persist
	if persist == nil {
		persist = func(ctx context.Context, o *models.Order, _ *models.OrderItem) error {
			return s.ledger.UpdateOrder(ctx, o)
		}
	}

	for attempt := 1; ; attempt++ {
		order, err = s.ledger.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := t.authorize(order, itemID); err != nil {
			return nil, err
		}

		item := order.Item(itemID)
		if item == nil {
			return nil, apperr.NotFound("item %s not found in order %s", itemID, orderID)
		}
		if err := t.apply(item); err != nil {
			return nil, err
		}
		item.UpdatedAt = time.Now().UTC()

		err = persist(ctx, order, item)
		if err == nil {
			s.logger.Info("Order item updated",
				zap.String("transition", t.name),
				zap.String("order_id", orderID),
				zap.String("item_id", itemID),
				zap.String("status", item.Status),
				zap.String("refund_status", item.RefundStatus),
				zap.Int("attempt", attempt))
			s.publishTransition(ctx, order, item, t)
			return order, nil
		}
		if !errors.Is(err, apperr.ErrVersionConflict) {
			return nil, err
		}

		util.OrderVersionConflictsTotal.Inc()
		s.logger.Debug("Order version conflict, retrying",
			zap.String("order_id", orderID),
			zap.Int("attempt", attempt))
		if attempt >= s.opts.MaxUpdateRetries {
			return nil, apperr.Wrap(apperr.KindConflict, err,
				"order %s kept changing; gave up after %d attempts", orderID, attempt)
		}
	}
}

func (s *OrderService) publishTransition(ctx context.Context, order *models.Order, item *models.OrderItem, t transition) {
	if s.publisher == nil {
		return
	}

	event := &models.ItemTransitionEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: t.eventType,
			Timestamp: time.Now().UTC(),
		},
		OrderID:      order.ID,
		ItemID:       item.ID,
		SellerID:     item.SellerID,
		ActorID:      t.actorID,
		Status:       item.Status,
		RefundStatus: item.RefundStatus,
		Rating:       item.Rating,
		Reason:       t.reason,
	}

	if err := s.publisher.PublishItemTransition(ctx, event); err != nil {
		s.logger.Error("Failed to publish item transition",
			zap.String("event_type", t.eventType),
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

// CancelItem cancels a line the buyer owns while it is still Placed
func (s *OrderService) CancelItem(ctx context.Context, buyerID, orderID, itemID, reason string) (*models.Order, error) {
	if err := validateStruct(&cancelInput{ActorID: buyerID, OrderID: orderID, ItemID: itemID, Reason: reason}); err != nil {
		return nil, err
	}

	return s.runTransition(ctx, orderID, itemID, transition{
		name:      "CancelItem",
		eventType: models.EventTypeItemCancelled,
		actorID:   buyerID,
		reason:    reason,
		authorize: buyerOwns(buyerID),
		apply: func(it *models.OrderItem) error {
			if err := guardCancel(it); err != nil {
				return err
			}
			it.Status = models.ItemStatusCancelled
			it.CancellationReason = reason
			return nil
		},
	})
}

// RequestRefund opens a refund on a delivered line
func (s *OrderService) RequestRefund(ctx context.Context, buyerID, orderID, itemID, reason string) (*models.Order, error) {
	if err := validateStruct(&reasonInput{ActorID: buyerID, OrderID: orderID, ItemID: itemID, Reason: reason}); err != nil {
		return nil, err
	}

	return s.runTransition(ctx, orderID, itemID, transition{
		name:      "RequestRefund",
		eventType: models.EventTypeRefundRequested,
		actorID:   buyerID,
		reason:    reason,
		authorize: buyerOwns(buyerID),
		apply: func(it *models.OrderItem) error {
			if err := guardRefundRequest(it); err != nil {
				return err
			}
			it.RefundStatus = models.RefundStatusPending
			it.RefundReason = reason
			return nil
		},
	})
}

// RateItem records the buyer's rating on a delivered line and folds it into
// the product aggregate in the same write
func (s *OrderService) RateItem(ctx context.Context, buyerID, orderID, itemID string, value int) (*models.Order, error) {
	if err := validateStruct(&ratingInput{ActorID: buyerID, OrderID: orderID, ItemID: itemID, Rating: value}); err != nil {
		return nil, err
	}

	order, err := s.runTransition(ctx, orderID, itemID, transition{
		name:      "RateItem",
		eventType: models.EventTypeItemRated,
		actorID:   buyerID,
		authorize: buyerOwns(buyerID),
		apply: func(it *models.OrderItem) error {
			if err := guardRating(it); err != nil {
				return err
			}
			it.Rating = value
			return nil
		},
		persist: func(ctx context.Context, o *models.Order, it *models.OrderItem) error {
			return s.ledger.UpdateRatedOrder(ctx, o, it.ProductID, value)
		},
	})
	if err != nil {
		return nil, err
	}

	util.RatingsAppliedTotal.Inc()
	return order, nil
}

// UpdateItemStatus moves a seller's line along Placed, Shipped, Delivered,
// or cancels it while Placed. The returned order holds only the seller's
// lines
func (s *OrderService) UpdateItemStatus(ctx context.Context, sellerID, orderID, itemID, status string) (*models.Order, error) {
	if err := validateStruct(&statusInput{ActorID: sellerID, OrderID: orderID, ItemID: itemID, Status: status}); err != nil {
		return nil, err
	}

	order, err := s.runTransition(ctx, orderID, itemID, transition{
		name:      "UpdateItemStatus",
		eventType: models.EventTypeItemStatusUpdated,
		actorID:   sellerID,
		authorize: sellerOwns(sellerID),
		apply: func(it *models.OrderItem) error {
			if err := guardStatusChange(it, status); err != nil {
				return err
			}
			it.Status = status
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	view := order.ForSeller(sellerID)
	return &view, nil
}

// ReviewRefund approves or rejects a pending refund on a seller's line. A
// rejection must carry a reason
func (s *OrderService) ReviewRefund(ctx context.Context, sellerID, orderID, itemID string, approve bool, rejectionReason string) (*models.Order, error) {
	in := &refundReviewInput{
		ActorID:         sellerID,
		OrderID:         orderID,
		ItemID:          itemID,
		Approve:         approve,
		RejectionReason: rejectionReason,
	}
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	order, err := s.runTransition(ctx, orderID, itemID, transition{
		name:      "ReviewRefund",
		eventType: models.EventTypeRefundReviewed,
		actorID:   sellerID,
		reason:    rejectionReason,
		authorize: sellerOwns(sellerID),
		apply: func(it *models.OrderItem) error {
			if err := guardRefundReview(it); err != nil {
				return err
			}
			if approve {
				it.RefundStatus = models.RefundStatusApproved
				return nil
			}
			it.RefundStatus = models.RefundStatusRejected
			it.RefundRejectionReason = rejectionReason
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	view := order.ForSeller(sellerID)
	return &view, nil
}
