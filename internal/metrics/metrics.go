// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EscrowOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "operations_total",
		Help:      "Escrow engine commands by operation and outcome.",
	}, []string{"op", "outcome"})

	ScheduledReleases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "scheduled_releases_total",
		Help:      "Escrows handled by the release sweeper.",
	}, []string{"outcome"})

	WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "webhook_events_total",
		Help:      "Processor webhook events by type and outcome.",
	}, []string{"type", "outcome"})

	OutboxPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "outbox_events_total",
		Help:      "Transaction log events relayed to the broker.",
	}, []string{"outcome"})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	}, []string{"scope"})
)

func init() {
	prometheus.MustRegister(EscrowOperations, ScheduledReleases, WebhookEvents, OutboxPublished, RateLimited)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
