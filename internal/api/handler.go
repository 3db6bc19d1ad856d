package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/service"
	"marketplace-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck is one dependency probed by /ready
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orderService          *service.OrderService
	reconciliationService *service.ReconciliationService
	identity              IdentityResolver
	checks                []ReadinessCheck
	logger                *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orderService *service.OrderService,
	reconciliationService *service.ReconciliationService,
	identity IdentityResolver,
	checks ...ReadinessCheck,
) *Handler {
	return &Handler{
		orderService:          orderService,
		reconciliationService: reconciliationService,
		identity:              identity,
		checks:                checks,
		logger:                util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	buyer := v1.Group("/orders", requireRole(h.identity, RoleBuyer))
	{
		buyer.POST("", h.createOrder)
		buyer.GET("", h.listBuyerOrders)
		buyer.GET("/:id", h.getOrder)
		buyer.POST("/:id/items/:itemId/cancel", h.cancelItem)
		buyer.POST("/:id/items/:itemId/refund", h.requestRefund)
		buyer.POST("/:id/items/:itemId/rating", h.rateItem)
	}

	seller := v1.Group("/seller/orders", requireRole(h.identity, RoleSeller))
	{
		seller.GET("", h.listSellerOrders)
		seller.PATCH("/:id/items/:itemId/status", h.updateItemStatus)
		seller.PATCH("/:id/items/:itemId/refund", h.reviewRefund)
	}

	admin := v1.Group("/admin", requireRole(h.identity, RoleAdmin))
	{
		admin.GET("/reconciliation", h.listInconsistencies)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck probes every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failures := gin.H{}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			failures[check.Name] = err.Error()
		}
	}

	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "not ready",
			"failures": failures,
			"time":     time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if !bindJSON(c, &req) {
		return
	}

	req.UserID = callerID(c)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		if order != nil && apperr.KindOf(err) == apperr.KindInconsistencyDetected {
			h.logger.Warn("Order committed with inconsistent stock",
				zap.String("order_id", order.ID),
				zap.Error(err))
			c.JSON(http.StatusAccepted, gin.H{
				"order":   order,
				"warning": errorBody(err),
			})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

func (h *Handler) listBuyerOrders(c *gin.Context) {
	summaries, err := h.orderService.ListOrdersForBuyer(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": summaries})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orderService.GetOrder(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type ratingRequest struct {
	Rating int `json:"rating"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type refundReviewRequest struct {
	Approve         bool   `json:"approve"`
	RejectionReason string `json:"rejection_reason"`
}

func (h *Handler) cancelItem(c *gin.Context) {
	var req reasonRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	order, err := h.orderService.CancelItem(c.Request.Context(), callerID(c), c.Param("id"), c.Param("itemId"), req.Reason)
	respond(c, order, err)
}

func (h *Handler) requestRefund(c *gin.Context) {
	var req reasonRequest
	if !bindJSON(c, &req) {
		return
	}
	order, err := h.orderService.RequestRefund(c.Request.Context(), callerID(c), c.Param("id"), c.Param("itemId"), req.Reason)
	respond(c, order, err)
}

func (h *Handler) rateItem(c *gin.Context) {
	var req ratingRequest
	if !bindJSON(c, &req) {
		return
	}
	order, err := h.orderService.RateItem(c.Request.Context(), callerID(c), c.Param("id"), c.Param("itemId"), req.Rating)
	respond(c, order, err)
}

func (h *Handler) listSellerOrders(c *gin.Context) {
	orders, err := h.orderService.ListOrdersForSeller(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) updateItemStatus(c *gin.Context) {
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}
	order, err := h.orderService.UpdateItemStatus(c.Request.Context(), callerID(c), c.Param("id"), c.Param("itemId"), req.Status)
	respond(c, order, err)
}

func (h *Handler) reviewRefund(c *gin.Context) {
	var req refundReviewRequest
	if !bindJSON(c, &req) {
		return
	}
	order, err := h.orderService.ReviewRefund(c.Request.Context(), callerID(c), c.Param("id"), c.Param("itemId"), req.Approve, req.RejectionReason)
	respond(c, order, err)
}

func (h *Handler) listInconsistencies(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, apperr.Validation([]string{"limit must be a non-negative integer"}))
			return
		}
		limit = n
	}

	recs, err := h.reconciliationService.List(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"inconsistencies": recs})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
