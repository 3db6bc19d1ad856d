package service

import (
	"context"
	"fmt"

	"marketplace-service/internal/models"
	"marketplace-service/internal/util"

	"go.uber.org/zap"
)

const defaultReconciliationLimit = 100

// InconsistencyPublisher emits inconsistency events to the reconciliation
// topic
type InconsistencyPublisher interface {
	PublishInventoryInconsistency(ctx context.Context, event *models.InventoryInconsistencyEvent) error
}

// ReconciliationService owns the operational channel for lost decrements.
// Reports go to the broker when one is configured and are written to the
// log directly otherwise, or when publishing fails
type ReconciliationService struct {
	log       ReconciliationLog
	publisher InconsistencyPublisher
	logger    *zap.Logger
}

// NewReconciliationService creates a reconciliation service. publisher may
// be nil
func NewReconciliationService(log ReconciliationLog, publisher InconsistencyPublisher) *ReconciliationService {
	return &ReconciliationService{
		log:       log,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// Report hands an inconsistency to operators. It never fails the caller
func (r *ReconciliationService) Report(ctx context.Context, event *models.InventoryInconsistencyEvent) {
	if r.publisher != nil {
		err := r.publisher.PublishInventoryInconsistency(ctx, event)
		if err == nil {
			return
		}
		r.logger.Error("Failed to publish inconsistency, recording directly",
			zap.String("event_id", event.EventID),
			zap.Error(err))
	}

	if err := r.Record(ctx, event); err != nil {
		r.logger.Error("Failed to record inconsistency",
			zap.String("event_id", event.EventID),
			zap.String("order_id", event.OrderID),
			zap.String("item_id", event.ItemID),
			zap.Error(err))
	}
}

// Record writes the event to the reconciliation log. Redelivered events are
// ignored
func (r *ReconciliationService) Record(ctx context.Context, event *models.InventoryInconsistencyEvent) (err error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.Record")
	defer func() { util.EndSpan(span, err) }()

	inserted, err := r.log.RecordInconsistency(ctx, event.Record())
	if err != nil {
		return fmt.Errorf("failed to record inconsistency %s: %w", event.EventID, err)
	}
	if !inserted {
		r.logger.Debug("Inconsistency already recorded", zap.String("event_id", event.EventID))
		return nil
	}

	util.ReconciliationRecordedTotal.Inc()
	r.logger.Warn("Inconsistency recorded for reconciliation",
		zap.String("event_id", event.EventID),
		zap.String("order_id", event.OrderID),
		zap.String("item_id", event.ItemID),
		zap.String("product_id", event.ProductID),
		zap.String("option_id", event.OptionID),
		zap.String("reason", event.Reason))
	return nil
}

// List returns the most recent inconsistencies, newest first
func (r *ReconciliationService) List(ctx context.Context, limit int) ([]models.InventoryInconsistency, error) {
	if limit <= 0 {
		limit = defaultReconciliationLimit
	}
	recs, err := r.log.ListInconsistencies(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list inconsistencies: %w", err)
	}
	return recs, nil
}
