package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-service/config"
	"marketplace-service/internal/api"
	"marketplace-service/internal/broker"
	"marketplace-service/internal/redisclient"
	"marketplace-service/internal/service"
	"marketplace-service/internal/store"
	"marketplace-service/internal/store/memstore"
	"marketplace-service/internal/util"
	"marketplace-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backend is everything the service layer needs from storage
type backend interface {
	service.Catalog
	service.Inventory
	service.OrderLedger
	service.ReconciliationLog
	Ping(ctx context.Context) error
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting marketplace service")

	tp, err := util.InitTracer(cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	var db backend
	switch cfg.Database.Driver {
	case "memory":
		db = memstore.New()
		logger.Warn("Using in-memory store; data is lost on restart")
	case "postgres":
		pg, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = pg.Migrate(migrateCtx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		db = pg
		log.Println("Database connected")
	default:
		log.Fatalf("Unknown STORE_DRIVER %q", cfg.Database.Driver)
	}

	checks := []api.ReadinessCheck{{Name: "store", Check: db.Ping}}

	var (
		idem     service.IdempotencyStore
		identity api.IdentityResolver = api.HeaderResolver{}
	)
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	switch {
	case err == nil:
		defer redisClient.Close()
		idem = redisClient
		checks = append(checks, api.ReadinessCheck{Name: "redis", Check: redisClient.Ping})
		if cfg.Identity.Mode == "redis" {
			identity = api.NewSessionResolver(redisClient)
		}
		log.Println("Redis connected")
	case cfg.Identity.Mode == "redis":
		log.Fatalf("Failed to connect to Redis (required for session identity): %v", err)
	default:
		logger.Warn("Redis unavailable; idempotency falls back to the database", zap.Error(err))
	}

	deps := service.Dependencies{
		Catalog:     db,
		Inventory:   db,
		Ledger:      db,
		Idempotency: idem,
	}

	var reconciliationService *service.ReconciliationService
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var reconciliationWorker *worker.ReconciliationWorker
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(cfg.Kafka.Brokers)
		defer producer.Close()
		log.Println("Kafka producer initialized")

		eventPublisher := broker.NewEventPublisher(producer, cfg.Kafka.TopicOrder, cfg.Kafka.TopicReconciliation)
		deps.Publisher = eventPublisher
		reconciliationService = service.NewReconciliationService(db, eventPublisher)

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReconciliation, cfg.Kafka.ConsumerGroup)
		reconciliationWorker = worker.NewReconciliationWorker(consumer, reconciliationService)
		go func() {
			if err := reconciliationWorker.Start(workerCtx); err != nil && err != context.Canceled {
				log.Printf("Reconciliation worker error: %v", err)
			}
		}()
	} else {
		reconciliationService = service.NewReconciliationService(db, nil)
		logger.Warn("No Kafka brokers configured; events are not published")
	}
	deps.Reconciler = reconciliationService

	orderService := service.NewOrderService(deps, service.Options{
		AtomicCheckout:   cfg.Business.AtomicCheckout,
		MaxUpdateRetries: cfg.Business.MaxUpdateRetries,
		IdempotencyTTL:   cfg.Business.IdempotencyTTL,
		CheckoutLockTTL:  cfg.Business.CheckoutLockTTL,
	})

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, reconciliationService, identity, checks...)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	if reconciliationWorker != nil {
		reconciliationWorker.Stop()
	}

	log.Println("Server exited")
}
