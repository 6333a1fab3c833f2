// Package metrics holds the Prometheus collectors of the billing core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TransactionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_transaction_transitions_total",
			Help: "Ledger status transitions by kind and target status",
		},
		[]string{"kind", "status"},
	)

	DiscountRedemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_discount_redemptions_total",
			Help: "Discount redemption attempts by result",
		},
		[]string{"result"},
	)

	CardSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_bank_card_selections_total",
			Help: "Bank card selections by result",
		},
		[]string{"result"},
	)

	Provisioning = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_provisioning_total",
			Help: "Provisioning outcomes",
		},
		[]string{"result"},
	)

	ProvisioningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shop_provisioning_duration_seconds",
			Help:    "Time from provisioning start to a persisted result",
			Buckets: prometheus.DefBuckets,
		},
	)

	PanelErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_panel_errors_total",
			Help: "Remote panel failures by operation and class",
		},
		[]string{"op", "class"},
	)

	Migrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_migrations_total",
			Help: "Account migrations by result",
		},
		[]string{"result"},
	)

	Drift = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_audit_drift_total",
			Help: "Drift findings reported by the audit",
		},
		[]string{"kind"},
	)

	GatewayCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_gateway_callbacks_total",
			Help: "Payment gateway callbacks by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		TransactionTransitions,
		DiscountRedemptions,
		CardSelections,
		Provisioning,
		ProvisioningDuration,
		PanelErrors,
		Migrations,
		Drift,
		GatewayCallbacks,
	)
}
