package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EnrollmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_enrollments_total",
			Help: "Enrollment attempts by outcome",
		},
		[]string{"outcome"}, // enrolled, skipped_no_address, skipped_duplicate
	)

	MessageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_message_transitions_total",
			Help: "Applied message status transitions",
		},
		[]string{"status"},
	)

	AutomationTasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_automation_tasks_created_total",
			Help: "Tasks created by automation rule",
		},
		[]string{"rule"},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"event", "outcome"}, // delivered, failed, dead_letter
	)

	WebhookDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadflow_webhook_delivery_duration_seconds",
			Help:    "Duration of outbound webhook POSTs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

// Init registers every collector with the default registry.
func Init() {
	prometheus.MustRegister(
		EnrollmentsTotal,
		MessageTransitions,
		AutomationTasksCreated,
		WebhookDeliveries,
		WebhookDeliveryDuration,
	)
}
