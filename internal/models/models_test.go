package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOrder() *Order {
	return &Order{
		ID:     "o-1",
		UserID: "u-1",
		Items: OrderItems{
			{ID: "i-1", SellerID: "s-1", Status: ItemStatusPlaced, Price: 100},
			{ID: "i-2", SellerID: "s-2", Status: ItemStatusDelivered, Price: 250},
			{ID: "i-3", SellerID: "s-1", Status: ItemStatusPlaced, Price: 50},
		},
	}
}

func TestOrderItemsColumnRoundTrip(t *testing.T) {
	items := sampleOrder().Items

	raw, err := items.Value()
	require.NoError(t, err)

	var scanned OrderItems
	require.NoError(t, scanned.Scan(raw))
	assert.Equal(t, items, scanned)

	var empty OrderItems
	raw, err = empty.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), raw)
}

func TestForSellerKeepsOnlyOwnedLines(t *testing.T) {
	order := sampleOrder()

	view := order.ForSeller("s-1")

	require.Len(t, view.Items, 2)
	assert.Equal(t, "i-1", view.Items[0].ID)
	assert.Equal(t, "i-3", view.Items[1].ID)
	assert.Len(t, order.Items, 3, "source order must not be modified")
	assert.True(t, order.HasSeller("s-2"))
	assert.False(t, order.HasSeller("s-9"))
}

func TestCloneIsDeep(t *testing.T) {
	order := sampleOrder()
	cp := order.Clone()

	cp.Item("i-1").Status = ItemStatusCancelled

	assert.Equal(t, ItemStatusPlaced, order.Item("i-1").Status)
}

func TestSummaryCountsStatuses(t *testing.T) {
	s := sampleOrder().Summary()

	assert.Equal(t, 3, s.ItemCount)
	assert.Equal(t, 2, s.Statuses[ItemStatusPlaced])
	assert.Equal(t, 1, s.Statuses[ItemStatusDelivered])
}

func TestProductLookup(t *testing.T) {
	p := &Product{
		ID: "p-1",
		Varieties: []Variety{
			{ID: "v-1", Options: []Option{{ID: "opt-1", Quantity: 3}}},
		},
	}

	v := p.Variety("v-1")
	require.NotNil(t, v)
	assert.NotNil(t, v.Option("opt-1"))
	assert.Nil(t, v.Option("missing"))
	assert.Nil(t, p.Variety("missing"))
	assert.Equal(t, "", p.FirstImage())

	cp := p.Clone()
	cp.Varieties[0].Options[0].Quantity = 0
	assert.Equal(t, 3, p.Varieties[0].Options[0].Quantity)
}
