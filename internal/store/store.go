package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
	"marketplace-service/internal/rating"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Statements are idempotent
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type optionRow struct {
	VarietyID string `db:"variety_id"`
	models.Option
}

// GetProduct loads a product with its varieties and options in display order
func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product,
		`SELECT id, seller_id, name, images, rating_average, rating_count, created_at, updated_at
		FROM products WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("product %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	if err := s.db.SelectContext(ctx, &product.Varieties,
		"SELECT id, title FROM product_varieties WHERE product_id = $1 ORDER BY position", id); err != nil {
		return nil, fmt.Errorf("failed to get varieties: %w", err)
	}

	var options []optionRow
	if err := s.db.SelectContext(ctx, &options,
		`SELECT variety_id, id, label, price, mrp, quantity
		FROM product_options WHERE product_id = $1 ORDER BY position`, id); err != nil {
		return nil, fmt.Errorf("failed to get options: %w", err)
	}

	for _, opt := range options {
		if v := product.Variety(opt.VarietyID); v != nil {
			v.Options = append(v.Options, opt.Option)
		}
	}

	return &product, nil
}

// SaveProduct upserts a product and replaces its varieties and options.
// Rating aggregates are left untouched on update
func (s *Store) SaveProduct(ctx context.Context, p *models.Product) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO products (id, seller_id, name, images)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET seller_id = EXCLUDED.seller_id, name = EXCLUDED.name, images = EXCLUDED.images, updated_at = NOW()`,
		p.ID, p.SellerID, p.Name, p.Images)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM product_varieties WHERE product_id = $1", p.ID); err != nil {
		return fmt.Errorf("failed to clear varieties: %w", err)
	}

	for vi, v := range p.Varieties {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO product_varieties (product_id, id, title, position) VALUES ($1, $2, $3, $4)",
			p.ID, v.ID, v.Title, vi); err != nil {
			return fmt.Errorf("failed to insert variety %s: %w", v.ID, err)
		}
		for oi, o := range v.Options {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO product_options (product_id, variety_id, id, label, price, mrp, quantity, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				p.ID, v.ID, o.ID, o.Label, o.Price, o.MRP, o.Quantity, oi); err != nil {
				return fmt.Errorf("failed to insert option %s: %w", o.ID, err)
			}
		}
	}

	return tx.Commit()
}

// DecrementOption takes one unit from an option's stock. The quantity > 0
// predicate is evaluated by the row update itself, so concurrent callers
// serialize on the row and the stock can never go negative
func (s *Store) DecrementOption(ctx context.Context, ref models.OptionRef) error {
	return decrementOption(ctx, s.db, ref)
}

func decrementOption(ctx context.Context, exec sqlx.ExecerContext, ref models.OptionRef) error {
	res, err := exec.ExecContext(ctx,
		`UPDATE product_options SET quantity = quantity - 1, updated_at = NOW()
		WHERE product_id = $1 AND variety_id = $2 AND id = $3 AND quantity > 0`,
		ref.ProductID, ref.VarietyID, ref.OptionID)
	if err != nil {
		return fmt.Errorf("failed to decrement option %s: %w", ref, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrStockExhausted
	}
	return nil
}

// applyRating folds r into the product aggregate under a row lock
func applyRating(ctx context.Context, tx *sqlx.Tx, productID string, r int) error {
	var agg struct {
		Average decimal.Decimal `db:"rating_average"`
		Count   int             `db:"rating_count"`
	}
	err := tx.GetContext(ctx, &agg,
		"SELECT rating_average, rating_count FROM products WHERE id = $1 FOR UPDATE", productID)
	if err == sql.ErrNoRows {
		return apperr.NotFound("product %s not found", productID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock product rating: %w", err)
	}

	folded, err := rating.Fold(rating.Aggregate{Average: agg.Average, Count: agg.Count}, r)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE products SET rating_average = $1, rating_count = $2, updated_at = NOW() WHERE id = $3",
		folded.Average, folded.Count, productID)
	if err != nil {
		return fmt.Errorf("failed to update product rating: %w", err)
	}
	return nil
}
