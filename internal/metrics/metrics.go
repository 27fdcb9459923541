// Package metrics exposes the Prometheus collectors shared by the payment
// core. All collectors are registered on the default registry and served
// from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursepay_transactions_total",
		Help: "Transactions by gateway and terminal status",
	}, []string{"gateway", "status"})

	RiskAssessmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursepay_risk_assessments_total",
		Help: "Risk assessments by resulting level",
	}, []string{"level"})

	RiskScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coursepay_risk_score",
		Help:    "Distribution of composite risk scores",
		Buckets: []float64{10, 30, 60, 90, 120, 200},
	})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursepay_webhooks_total",
		Help: "Webhook deliveries by gateway and outcome",
	}, []string{"gateway", "outcome"})

	WebhookRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursepay_webhook_retries_total",
		Help: "Webhook retry attempts run by the sweep",
	})

	SubscriptionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursepay_subscription_transitions_total",
		Help: "Subscription state transitions",
	}, []string{"to"})
)
