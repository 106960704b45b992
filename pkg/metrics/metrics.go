// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// MessagesTotal tracks conversation messages appended.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total conversation messages appended",
		},
		[]string{"tenant_id", "sender"},
	)

	// FlowExecutionsTotal tracks flow engine passes by outcome.
	FlowExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_executions_total",
			Help: "Flow engine passes by outcome",
		},
		[]string{"chatbot_id", "result"},
	)

	// FlowHops tracks node hops executed per engine pass.
	FlowHops = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flow_hops_per_pass",
			Help:    "Node hops executed in a single flow engine pass",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
		},
	)

	// FallbacksTotal tracks fallback messages emitted.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallbacks_total",
			Help: "Fallback messages emitted",
		},
		[]string{"chatbot_id", "reason"},
	)

	// BillingEventsTotal tracks inbound billing webhook events.
	BillingEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_events_total",
			Help: "Inbound billing webhook events by type and result",
		},
		[]string{"event", "result"},
	)

	// WebhookDeliveryDuration tracks outbound webhook delivery latency.
	WebhookDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Outbound webhook delivery latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"result"},
	)

	// WebhookDeliveriesTotal tracks outbound webhook deliveries.
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Outbound webhook deliveries by result",
		},
		[]string{"result"},
	)

	// SSEConnectionsActive tracks active widget stream connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active widget SSE connections",
		},
	)

	// ConversationsTotal tracks conversations started.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations started",
		},
		[]string{"tenant_id"},
	)

	// DelayedNodesScheduled tracks delay-node timers currently pending.
	DelayedNodesScheduled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flow_delayed_nodes_pending",
			Help: "Delay-node timers currently scheduled",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordFlowPass records a flow engine pass.
func RecordFlowPass(chatbotID, result string, hops int) {
	FlowExecutionsTotal.WithLabelValues(chatbotID, result).Inc()
	FlowHops.Observe(float64(hops))
}

// RecordWebhookDelivery records an outbound webhook delivery.
func RecordWebhookDelivery(result string, duration float64) {
	WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	WebhookDeliveryDuration.WithLabelValues(result).Observe(duration)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
