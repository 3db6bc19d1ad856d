package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"marketplace-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublisherRoutesTopics(t *testing.T) {
	w := &fakeWriter{}
	pub := NewEventPublisher(NewProducerWithWriter(w), "orders", "reconciliation")
	ctx := context.Background()

	require.NoError(t, pub.PublishOrderPlaced(ctx, &models.OrderPlacedEvent{OrderID: "o-1"}))
	require.NoError(t, pub.PublishItemTransition(ctx, &models.ItemTransitionEvent{OrderID: "o-1", ItemID: "i-1"}))
	require.NoError(t, pub.PublishInventoryInconsistency(ctx, &models.InventoryInconsistencyEvent{OrderID: "o-1"}))

	require.Len(t, w.msgs, 3)
	assert.Equal(t, "orders", w.msgs[0].Topic)
	assert.Equal(t, "orders", w.msgs[1].Topic)
	assert.Equal(t, "reconciliation", w.msgs[2].Topic)
	assert.Equal(t, []byte("order-o-1"), w.msgs[2].Key)
}

func TestPublisherSurfacesWriteErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	pub := NewEventPublisher(NewProducerWithWriter(w), "orders", "reconciliation")

	err := pub.PublishOrderPlaced(context.Background(), &models.OrderPlacedEvent{OrderID: "o-1"})

	assert.ErrorContains(t, err, "broker down")
}

func TestHandleMessageRoutesInconsistency(t *testing.T) {
	event := models.InventoryInconsistencyEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "e-1",
			EventType: models.EventTypeInventoryInconsistency,
			Timestamp: time.Now(),
		},
		OrderID: "o-1",
		ItemID:  "i-1",
		Reason:  "stock exhausted",
	}
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var got *models.InventoryInconsistencyEvent
	h := NewEventHandler()
	h.OnInventoryInconsistency(func(ctx context.Context, e *models.InventoryInconsistencyEvent) error {
		got = e
		return nil
	})

	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: raw}))
	require.NotNil(t, got)
	assert.Equal(t, "e-1", got.EventID)
	assert.Equal(t, "i-1", got.ItemID)

	other, _ := json.Marshal(models.BaseEvent{EventID: "e-2", EventType: models.EventTypeOrderPlaced})
	assert.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: other}))

	assert.ErrorIs(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte("{not json")}), ErrMalformedMessage)
}
