package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Product is a catalog entry owned by one seller. Varieties and their
// options are stored in child tables and loaded alongside the product row
type Product struct {
	ID            string          `db:"id" json:"id" validate:"required"`
	SellerID      string          `db:"seller_id" json:"seller_id" validate:"required"`
	Name          string          `db:"name" json:"name" validate:"required"`
	Images        pq.StringArray  `db:"images" json:"images"`
	RatingAverage decimal.Decimal `db:"rating_average" json:"rating_average"`
	RatingCount   int             `db:"rating_count" json:"rating_count" validate:"gte=0"`
	Varieties     []Variety       `db:"-" json:"varieties" validate:"required,min=1,dive"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Variety groups options under a product, e.g. "Size"
type Variety struct {
	ID      string   `db:"id" json:"id" validate:"required"`
	Title   string   `db:"title" json:"title" validate:"required"`
	Options []Option `db:"-" json:"options" validate:"required,min=1,dive"`
}

// Option is the purchasable leaf carrying price and stock
type Option struct {
	ID       string `db:"id" json:"id" validate:"required"`
	Label    string `db:"label" json:"label" validate:"required"`
	Price    int64  `db:"price" json:"price" validate:"gte=0,ltefield=MRP"`
	MRP      int64  `db:"mrp" json:"mrp" validate:"gte=0"`
	Quantity int    `db:"quantity" json:"quantity" validate:"gte=0"`
}

// OptionRef addresses a single option for stock operations
type OptionRef struct {
	ProductID string `json:"product_id"`
	VarietyID string `json:"variety_id"`
	OptionID  string `json:"option_id"`
}

// String formats the ref as product/variety/option
func (r OptionRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.ProductID, r.VarietyID, r.OptionID)
}

// Variety returns the variety with the given id, or nil
func (p *Product) Variety(id string) *Variety {
	for i := range p.Varieties {
		if p.Varieties[i].ID == id {
			return &p.Varieties[i]
		}
	}
	return nil
}

// Option returns the option with the given id, or nil
func (v *Variety) Option(id string) *Option {
	for i := range v.Options {
		if v.Options[i].ID == id {
			return &v.Options[i]
		}
	}
	return nil
}

// FirstImage returns the product's lead image or ""
func (p *Product) FirstImage() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}

// Clone returns a deep copy of the product
func (p *Product) Clone() *Product {
	cp := *p
	cp.Images = append(pq.StringArray(nil), p.Images...)
	cp.Varieties = make([]Variety, len(p.Varieties))
	for i, v := range p.Varieties {
		cp.Varieties[i] = Variety{
			ID:      v.ID,
			Title:   v.Title,
			Options: append([]Option(nil), v.Options...),
		}
	}
	return &cp
}

// ShippingAddress is stored as a JSON document on the order row
type ShippingAddress struct {
	Name       string `json:"name" validate:"required"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code" validate:"required"`
	Country    string `json:"country" validate:"required"`
}

// Value implements driver.Valuer
func (a ShippingAddress) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner
func (a *ShippingAddress) Scan(src interface{}) error {
	return scanJSON(src, a)
}

// Order is one checkout. Items are embedded and addressed by their own id
type Order struct {
	ID              string          `db:"id" json:"id"`
	UserID          string          `db:"user_id" json:"user_id"`
	ShippingAddress ShippingAddress `db:"shipping_address" json:"shipping_address"`
	PaymentMethod   string          `db:"payment_method" json:"payment_method"`
	PaymentStatus   string          `db:"payment_status" json:"payment_status"`
	TotalAmount     int64           `db:"total_amount" json:"total_amount"`
	IdempotencyKey  *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Items           OrderItems      `db:"items" json:"items"`
	Version         int64           `db:"version" json:"version"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem is a purchased option with its purchase-time snapshot and its
// own shipping, refund and rating sub-state
type OrderItem struct {
	ID                    string    `json:"id"`
	ProductID             string    `json:"product_id"`
	ProductName           string    `json:"product_name"`
	SellerID              string    `json:"seller_id"`
	VarietyID             string    `json:"variety_id"`
	VarietyTitle          string    `json:"variety_title"`
	OptionID              string    `json:"option_id"`
	OptionLabel           string    `json:"option_label"`
	Price                 int64     `json:"price"`
	MRP                   int64     `json:"mrp"`
	Image                 string    `json:"image,omitempty"`
	Status                string    `json:"status"`
	CancellationReason    string    `json:"cancellation_reason,omitempty"`
	RefundStatus          string    `json:"refund_status"`
	RefundReason          string    `json:"refund_reason,omitempty"`
	RefundRejectionReason string    `json:"refund_rejection_reason,omitempty"`
	Rating                int       `json:"rating"`
	InventoryStatus       string    `json:"inventory_status"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Ref returns the option the item was bought from
func (it *OrderItem) Ref() OptionRef {
	return OptionRef{ProductID: it.ProductID, VarietyID: it.VarietyID, OptionID: it.OptionID}
}

// OrderItems is stored as a JSONB array on the order row
type OrderItems []OrderItem

// Value implements driver.Valuer
func (items OrderItems) Value() (driver.Value, error) {
	if items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(items)
}

// Scan implements sql.Scanner
func (items *OrderItems) Scan(src interface{}) error {
	return scanJSON(src, items)
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	case nil:
		return nil
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}

// Item returns the line with the given id, or nil
func (o *Order) Item(id string) *OrderItem {
	for i := range o.Items {
		if o.Items[i].ID == id {
			return &o.Items[i]
		}
	}
	return nil
}

// HasSeller reports whether any line belongs to sellerID
func (o *Order) HasSeller(sellerID string) bool {
	for i := range o.Items {
		if o.Items[i].SellerID == sellerID {
			return true
		}
	}
	return false
}

// ForSeller returns a copy of the order restricted to sellerID's lines
func (o *Order) ForSeller(sellerID string) Order {
	cp := *o.Clone()
	cp.Items = cp.Items[:0]
	for _, it := range o.Items {
		if it.SellerID == sellerID {
			cp.Items = append(cp.Items, it)
		}
	}
	return cp
}

// Clone returns a deep copy of the order
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = append(OrderItems(nil), o.Items...)
	if o.IdempotencyKey != nil {
		key := *o.IdempotencyKey
		cp.IdempotencyKey = &key
	}
	return &cp
}

// Summary condenses the order for buyer listings
func (o *Order) Summary() OrderSummary {
	statuses := make(map[string]int)
	for _, it := range o.Items {
		statuses[it.Status]++
	}
	return OrderSummary{
		ID:            o.ID,
		CreatedAt:     o.CreatedAt,
		TotalAmount:   o.TotalAmount,
		PaymentMethod: o.PaymentMethod,
		PaymentStatus: o.PaymentStatus,
		ItemCount:     len(o.Items),
		Statuses:      statuses,
	}
}

// OrderSummary is the buyer-facing listing row
type OrderSummary struct {
	ID            string         `json:"id"`
	CreatedAt     time.Time      `json:"created_at"`
	TotalAmount   int64          `json:"total_amount"`
	PaymentMethod string         `json:"payment_method"`
	PaymentStatus string         `json:"payment_status"`
	ItemCount     int            `json:"item_count"`
	Statuses      map[string]int `json:"statuses"`
}

// InventoryInconsistency records a committed line whose stock decrement did
// not land
type InventoryInconsistency struct {
	EventID    string    `db:"event_id" json:"event_id"`
	OrderID    string    `db:"order_id" json:"order_id"`
	ItemID     string    `db:"item_id" json:"item_id"`
	ProductID  string    `db:"product_id" json:"product_id"`
	VarietyID  string    `db:"variety_id" json:"variety_id"`
	OptionID   string    `db:"option_id" json:"option_id"`
	Reason     string    `db:"reason" json:"reason"`
	DetectedAt time.Time `db:"detected_at" json:"detected_at"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}

// Item statuses
const (
	ItemStatusPlaced    = "Placed"
	ItemStatusShipped   = "Shipped"
	ItemStatusDelivered = "Delivered"
	ItemStatusCancelled = "Cancelled"
)

// Refund statuses
const (
	RefundStatusNotApplicable = "Not Applicable"
	RefundStatusPending       = "Pending"
	RefundStatusApproved      = "Approved"
	RefundStatusRejected      = "Rejected"
)

// Payment statuses. These are labels; no settlement happens here
const (
	PaymentStatusPending = "Pending"
	PaymentStatusPaid    = "Paid"
)

// Payment methods
const (
	PaymentMethodCOD        = "COD"
	PaymentMethodCard       = "CARD"
	PaymentMethodUPI        = "UPI"
	PaymentMethodNetBanking = "NETBANKING"
	PaymentMethodWallet     = "WALLET"
)

// Inventory statuses of a line
const (
	InventoryStatusCommitted              = "Committed"
	InventoryStatusReconciliationRequired = "Reconciliation Required"
)
