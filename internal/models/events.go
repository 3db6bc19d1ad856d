package models

import "time"

// Event types
const (
	EventTypeOrderPlaced            = "ORDER_PLACED"
	EventTypeItemCancelled          = "ITEM_CANCELLED"
	EventTypeItemStatusUpdated      = "ITEM_STATUS_UPDATED"
	EventTypeRefundRequested        = "REFUND_REQUESTED"
	EventTypeRefundReviewed         = "REFUND_REVIEWED"
	EventTypeItemRated              = "ITEM_RATED"
	EventTypeInventoryInconsistency = "INVENTORY_INCONSISTENCY"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPlacedEvent published once an order is committed
type OrderPlacedEvent struct {
	BaseEvent
	OrderID       string          `json:"order_id"`
	UserID        string          `json:"user_id"`
	TotalAmount   int64           `json:"total_amount"`
	PaymentMethod string          `json:"payment_method"`
	PaymentStatus string          `json:"payment_status"`
	Items         []OrderItemData `json:"items"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ItemID    string `json:"item_id"`
	ProductID string `json:"product_id"`
	VarietyID string `json:"variety_id"`
	OptionID  string `json:"option_id"`
	SellerID  string `json:"seller_id"`
	Price     int64  `json:"price"`
}

// ItemTransitionEvent published for every line-item state change
type ItemTransitionEvent struct {
	BaseEvent
	OrderID      string `json:"order_id"`
	ItemID       string `json:"item_id"`
	SellerID     string `json:"seller_id"`
	ActorID      string `json:"actor_id"`
	Status       string `json:"status"`
	RefundStatus string `json:"refund_status"`
	Rating       int    `json:"rating,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// InventoryInconsistencyEvent published when a committed line could not
// decrement its option's stock
type InventoryInconsistencyEvent struct {
	BaseEvent
	OrderID   string `json:"order_id"`
	ItemID    string `json:"item_id"`
	ProductID string `json:"product_id"`
	VarietyID string `json:"variety_id"`
	OptionID  string `json:"option_id"`
	Reason    string `json:"reason"`
}

// Record converts the event into its reconciliation log row
func (e *InventoryInconsistencyEvent) Record() InventoryInconsistency {
	return InventoryInconsistency{
		EventID:    e.EventID,
		OrderID:    e.OrderID,
		ItemID:     e.ItemID,
		ProductID:  e.ProductID,
		VarietyID:  e.VarietyID,
		OptionID:   e.OptionID,
		Reason:     e.Reason,
		DetectedAt: e.Timestamp,
	}
}
