package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"marketplace-service/internal/models"
	"marketplace-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer            *Producer
	orderTopic          string
	reconciliationTopic string
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer, orderTopic, reconciliationTopic string) *EventPublisher {
	return &EventPublisher{
		producer:            producer,
		orderTopic:          orderTopic,
		reconciliationTopic: reconciliationTopic,
	}
}

// PublishOrderPlaced publishes OrderPlaced event
func (ep *EventPublisher) PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	return ep.producer.PublishEvent(ctx, ep.orderTopic, orderKey(event.OrderID), event)
}

// PublishItemTransition publishes a line item state change
func (ep *EventPublisher) PublishItemTransition(ctx context.Context, event *models.ItemTransitionEvent) error {
	return ep.producer.PublishEvent(ctx, ep.orderTopic, orderKey(event.OrderID), event)
}

// PublishInventoryInconsistency publishes to the reconciliation topic
func (ep *EventPublisher) PublishInventoryInconsistency(ctx context.Context, event *models.InventoryInconsistencyEvent) error {
	return ep.producer.PublishEvent(ctx, ep.reconciliationTopic, orderKey(event.OrderID), event)
}

func orderKey(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

// ErrMalformedMessage marks a message no retry can make readable
var ErrMalformedMessage = errors.New("malformed message")

// EventHandler handles incoming events
type EventHandler struct {
	onInconsistency func(context.Context, *models.InventoryInconsistencyEvent) error
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnInventoryInconsistency registers a handler for inconsistency events
func (eh *EventHandler) OnInventoryInconsistency(handler func(context.Context, *models.InventoryInconsistencyEvent) error) {
	eh.onInconsistency = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("%w: base event: %v", ErrMalformedMessage, err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeInventoryInconsistency:
		if eh.onInconsistency != nil {
			var event models.InventoryInconsistencyEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: InventoryInconsistency event: %v", ErrMalformedMessage, err)
			}
			return eh.onInconsistency(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
