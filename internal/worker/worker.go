package worker

import (
	"context"
	"log"

	"marketplace-service/internal/broker"
	"marketplace-service/internal/service"
)

// MessageSource delivers broker messages to a handler until ctx ends
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// ReconciliationWorker drains the reconciliation topic into the
// inconsistency log
type ReconciliationWorker struct {
	source       MessageSource
	eventHandler *broker.EventHandler
}

// NewReconciliationWorker creates a new reconciliation worker
func NewReconciliationWorker(
	source MessageSource,
	reconciliation *service.ReconciliationService,
) *ReconciliationWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnInventoryInconsistency(reconciliation.Record)

	return &ReconciliationWorker{
		source:       source,
		eventHandler: eventHandler,
	}
}

// Start blocks consuming until ctx is cancelled
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	log.Println("Starting reconciliation worker...")
	return w.source.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ReconciliationWorker) Stop() error {
	log.Println("Stopping reconciliation worker...")
	return w.source.Close()
}
