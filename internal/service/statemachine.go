package service

import (
	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
)

// shippingRank orders the forward shipping statuses. Cancelled is terminal
// and sits outside the ranking
var shippingRank = map[string]int{
	models.ItemStatusPlaced:    0,
	models.ItemStatusShipped:   1,
	models.ItemStatusDelivered: 2,
}

func guardCancel(it *models.OrderItem) error {
	if it.Status != models.ItemStatusPlaced {
		return apperr.InvalidTransition("item %s is %s and can no longer be cancelled", it.ID, it.Status)
	}
	return nil
}

// guardStatusChange allows Placed to move forward or to Cancelled, and
// Shipped to move to Delivered. Nothing moves backwards or out of a
// terminal status
func guardStatusChange(it *models.OrderItem, target string) error {
	switch it.Status {
	case models.ItemStatusCancelled, models.ItemStatusDelivered:
		return apperr.InvalidTransition("item %s is %s and can no longer change status", it.ID, it.Status)
	}

	if target == models.ItemStatusCancelled {
		if it.Status != models.ItemStatusPlaced {
			return apperr.InvalidTransition("item %s is %s and can no longer be cancelled", it.ID, it.Status)
		}
		return nil
	}

	from, ok := shippingRank[it.Status]
	to, known := shippingRank[target]
	if !ok || !known || to <= from {
		return apperr.InvalidTransition("item %s cannot move from %s to %s", it.ID, it.Status, target)
	}
	return nil
}

func guardRefundRequest(it *models.OrderItem) error {
	if it.Status != models.ItemStatusDelivered {
		return apperr.InvalidTransition("item %s is %s; refunds need a delivered item", it.ID, it.Status)
	}
	if it.RefundStatus != models.RefundStatusNotApplicable {
		return apperr.InvalidTransition("item %s already has a refund %s", it.ID, it.RefundStatus)
	}
	return nil
}

func guardRefundReview(it *models.OrderItem) error {
	if it.RefundStatus != models.RefundStatusPending {
		return apperr.InvalidTransition("item %s has no pending refund (refund is %s)", it.ID, it.RefundStatus)
	}
	return nil
}

func guardRating(it *models.OrderItem) error {
	if it.Rating != 0 {
		return apperr.New(apperr.KindAlreadyRated, "item %s was already rated %d", it.ID, it.Rating)
	}
	if it.Status != models.ItemStatusDelivered {
		return apperr.InvalidTransition("item %s is %s; only delivered items can be rated", it.ID, it.Status)
	}
	return nil
}
