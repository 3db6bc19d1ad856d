package service

import (
	"context"
	"fmt"

	"marketplace-service/internal/models"
	"marketplace-service/internal/util"

	"go.uber.org/zap"
)

// CatalogService writes validated products
type CatalogService struct {
	writer ProductWriter
	logger *zap.Logger
}

// NewCatalogService creates a catalog service
func NewCatalogService(writer ProductWriter) *CatalogService {
	return &CatalogService{writer: writer, logger: util.GetLogger()}
}

// SaveProduct checks price, stock and id invariants before upserting
func (c *CatalogService) SaveProduct(ctx context.Context, p *models.Product) error {
	if err := validateProduct(p); err != nil {
		return err
	}
	if err := c.writer.SaveProduct(ctx, p); err != nil {
		return fmt.Errorf("failed to save product %s: %w", p.ID, err)
	}

	c.logger.Info("Product saved",
		zap.String("product_id", p.ID),
		zap.String("seller_id", p.SellerID),
		zap.Int("varieties", len(p.Varieties)))
	return nil
}
