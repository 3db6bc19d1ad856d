package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders committed",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of rejected checkouts",
	}, []string{"reason"})

	InventoryDecrementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_decrement_latency_seconds",
		Help:    "Latency of conditional option stock decrements",
		Buckets: prometheus.DefBuckets,
	})

	InventoryDecrementsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_decrements_failed_total",
		Help: "Total number of conditional decrements that did not apply",
	}, []string{"reason"})

	InventoryInconsistenciesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_inconsistencies_total",
		Help: "Committed order lines whose stock decrement was lost",
	})

	ReconciliationRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciliation_events_recorded_total",
		Help: "Inconsistency events written to the reconciliation log",
	})

	ItemTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_item_transitions_total",
		Help: "Line item transitions by kind and outcome",
	}, []string{"transition", "result"})

	OrderVersionConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_version_conflicts_total",
		Help: "Optimistic concurrency conflicts on order writes",
	})

	RatingsAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "product_ratings_applied_total",
		Help: "Ratings folded into product aggregates",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
