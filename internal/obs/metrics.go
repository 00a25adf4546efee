package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	verificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mandates_verifications_total",
			Help: "Trust verification verdicts by protocol and outcome.",
		},
		[]string{"protocol", "outcome"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mandates_lifecycle_transitions_total",
			Help: "Lifecycle transitions applied, by resulting status.",
		},
		[]string{"status"},
	)

	deliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mandates_webhook_delivery_attempts_total",
			Help: "Outbound webhook delivery attempts by result.",
		},
		[]string{"result"},
	)

	deliveriesExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mandates_webhook_deliveries_exhausted_total",
			Help: "Deliveries that exhausted their retry budget (operator alert).",
		},
	)

	inboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mandates_inbound_events_total",
			Help: "Inbound protocol webhook events by result.",
		},
		[]string{"result"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		verificationsTotal,
		transitionsTotal,
		deliveryAttemptsTotal,
		deliveriesExhaustedTotal,
		inboundEventsTotal,
	)
}

func ObserveVerification(protocol, outcome string) {
	verificationsTotal.WithLabelValues(protocol, outcome).Inc()
}

func ObserveTransition(status string) {
	transitionsTotal.WithLabelValues(status).Inc()
}

func ObserveDeliveryAttempt(result string) {
	deliveryAttemptsTotal.WithLabelValues(result).Inc()
}

func ObserveDeliveryExhausted() {
	deliveriesExhaustedTotal.Inc()
}

func ObserveInboundEvent(result string) {
	inboundEventsTotal.WithLabelValues(result).Inc()
}
