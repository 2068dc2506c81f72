package vpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveEntitlements tracks the number of users currently holding VIP.
	ActiveEntitlements = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vipd",
		Name:      "active_entitlements",
		Help:      "Number of users with an active VIP entitlement.",
	})

	// WebhookRequestsTotal counts inbound webhooks by source, event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vipd",
		Name:      "webhook_requests_total",
		Help:      "Total inbound webhook requests by source, event type and HTTP status.",
	}, []string{"source", "event_type", "status"})

	// WebhookRejectedTotal counts webhook requests refused by the per-IP limiter.
	WebhookRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vipd",
		Name:      "webhook_rate_limited_total",
		Help:      "Inbound webhook requests rejected by the rate limiter, by path.",
	}, []string{"path"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vipd",
		Name:      "webhook_duration_seconds",
		Help:      "Inbound webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	// TransactionsTotal counts ledger transitions by kind and resulting status.
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vipd",
		Name:      "transactions_total",
		Help:      "Ledger transitions by transaction kind and status.",
	}, []string{"kind", "status"})

	// ActivationsTotal counts entitlement activations by outcome.
	ActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vipd",
		Name:      "activations_total",
		Help:      "Entitlement activations by outcome.",
	}, []string{"outcome"})

	// SweepRunsTotal counts expiry sweeps by outcome (completed/skipped).
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vipd",
		Name:      "sweep_runs_total",
		Help:      "Expiry sweep runs by outcome.",
	}, []string{"outcome"})

	// SweepActionsTotal counts per-user sweep decisions.
	SweepActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vipd",
		Name:      "sweep_actions_total",
		Help:      "Per-user expiry sweep actions.",
	}, []string{"action"})

	// VotesTotal counts vote webhook outcomes.
	VotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vipd",
		Name:      "votes_total",
		Help:      "Vote webhook events by result (accepted/ignored/unauthorized/failed).",
	}, []string{"result"})

	// NotificationsTotal counts outbound notifications by result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vipd",
		Name:      "notifications_total",
		Help:      "Outbound notifications by result.",
	}, []string{"result"})
)
