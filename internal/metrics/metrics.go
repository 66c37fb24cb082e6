package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet_bridge",
		Name:      "transfers_total",
		Help:      "Transfers by route and final outcome.",
	}, []string{"route", "outcome"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet_bridge",
		Name:      "settlements_total",
		Help:      "Cross-provider settlements by mode.",
	}, []string{"mode"})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet_bridge",
		Name:      "webhooks_total",
		Help:      "Provider webhooks by provider and outcome.",
	}, []string{"provider", "outcome"})

	WalletsDeactivatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wallet_bridge",
		Name:      "wallets_deactivated_total",
		Help:      "Wallets deactivated by the stale-connection cleanup.",
	})

	ReconciliationQueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet_bridge",
		Name:      "reconciliation_queued_total",
		Help:      "Entries written to the reconciliation queue by event type.",
	}, []string{"event"})

	OutboxPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet_bridge",
		Name:      "outbox_published_total",
		Help:      "Outbox events relayed to Kafka by event type.",
	}, []string{"event"})
)
