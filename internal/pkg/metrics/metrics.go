// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StockOperations 按操作与结果统计库存写操作
	StockOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fulfillment",
		Subsystem: "inventory",
		Name:      "operations_total",
		Help:      "Inventory ledger operations by kind and outcome.",
	}, []string{"operation", "outcome"})

	// LedgerDrift 对账发现的偏差次数
	LedgerDrift = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fulfillment",
		Subsystem: "inventory",
		Name:      "ledger_drift_corrections_total",
		Help:      "Stock counters corrected by ledger reconciliation.",
	})

	LowStockAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fulfillment",
		Subsystem: "inventory",
		Name:      "low_stock_alerts_total",
		Help:      "Low stock alerts raised.",
	})

	PaymentVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fulfillment",
		Subsystem: "payment",
		Name:      "verifications_total",
		Help:      "Payment verifications by outcome.",
	}, []string{"outcome"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fulfillment",
		Subsystem: "payment",
		Name:      "gateway_request_seconds",
		Help:      "Payment gateway call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"call"})

	SagaTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fulfillment",
		Subsystem: "saga",
		Name:      "transitions_total",
		Help:      "Saga event handling by event type and outcome.",
	}, []string{"event", "outcome"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fulfillment",
		Subsystem: "reconciliation",
		Name:      "job_runs_total",
		Help:      "Reconciliation job runs by job and outcome.",
	}, []string{"job", "outcome"})

	NotificationsPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fulfillment",
		Subsystem: "notification",
		Name:      "pushed_total",
		Help:      "Notifications consumed by the push gateway by outcome.",
	}, []string{"outcome"})
)
