package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"marketplace-service/internal/models"
)

func loadProducts(path string) ([]models.Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return decodeProducts(f)
}

func decodeProducts(r io.Reader) ([]models.Product, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var products []models.Product
	if err := dec.Decode(&products); err != nil {
		return nil, fmt.Errorf("failed to decode products: %w", err)
	}
	if len(products) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	return products, nil
}
