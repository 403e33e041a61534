// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var BookingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cylinder",
	Subsystem: "ledger",
	Name:      "bookings_total",
	Help:      "Booking requests by result (created, denied, invalid, error)",
}, []string{"result"})

var ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cylinder",
	Subsystem: "ledger",
	Name:      "reconciliations_total",
	Help:      "Payment outcomes applied to bookings by outcome type and result",
}, []string{"outcome", "result"})

var OverridesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cylinder",
	Subsystem: "ledger",
	Name:      "admin_overrides_total",
	Help:      "Admin entitlement overrides by kind (adjust, reset)",
}, []string{"kind"})

var GatewayChargeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "cylinder",
	Subsystem: "payment",
	Name:      "gateway_charge_duration_seconds",
	Help:      "Latency of charge calls to the payment gateway",
	Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
}, []string{"status"})
