package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"marketplace-service/config"
	"marketplace-service/internal/service"
	"marketplace-service/internal/store"
	"marketplace-service/internal/store/memstore"
	"marketplace-service/internal/util"

	"go.uber.org/zap"
)

func main() {
	file := flag.String("file", "products.json", "JSON array of products to upsert")
	dryRun := flag.Bool("dry-run", false, "validate only, write nothing")
	flag.Parse()

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()
	logger := util.GetLogger()

	products, err := loadProducts(*file)
	if err != nil {
		log.Fatalf("Failed to read catalog: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var writer service.ProductWriter
	if *dryRun {
		writer = memstore.New()
	} else {
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		writer = db
	}

	catalog := service.NewCatalogService(writer)
	failed := 0
	for i := range products {
		if err := catalog.SaveProduct(ctx, &products[i]); err != nil {
			failed++
			logger.Error("Product rejected",
				zap.Int("index", i),
				zap.String("product_id", products[i].ID),
				zap.Error(err))
		}
	}

	logger.Info("Seeding finished",
		zap.Int("products", len(products)),
		zap.Int("rejected", failed),
		zap.Bool("dry_run", *dryRun))
	if failed > 0 {
		util.SyncLogger()
		os.Exit(1)
	}
}
