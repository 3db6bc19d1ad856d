package store

import (
	"context"
	"fmt"

	"marketplace-service/internal/models"
)

// RecordInconsistency appends an entry to the reconciliation log. Redelivered
// events are ignored; the returned bool reports whether a row was written
func (s *Store) RecordInconsistency(ctx context.Context, rec models.InventoryInconsistency) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO inventory_inconsistencies
			(event_id, order_id, item_id, product_id, variety_id, option_id, reason, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.OrderID, rec.ItemID, rec.ProductID, rec.VarietyID, rec.OptionID, rec.Reason, rec.DetectedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record inconsistency: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListInconsistencies returns the most recent reconciliation entries
func (s *Store) ListInconsistencies(ctx context.Context, limit int) ([]models.InventoryInconsistency, error) {
	var recs []models.InventoryInconsistency
	err := s.db.SelectContext(ctx, &recs,
		`SELECT event_id, order_id, item_id, product_id, variety_id, option_id, reason, detected_at, recorded_at
		FROM inventory_inconsistencies ORDER BY detected_at DESC LIMIT $1`, limit)
	return recs, err
}
