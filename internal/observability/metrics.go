package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	ProviderSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_provider_send_total", Help: "Provider send outcomes"},
		[]string{"provider", "result"},
	)
	ProviderSendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "notifyd_provider_send_latency_seconds", Help: "Provider send latency"},
		[]string{"provider"},
	)
	// Time from notification creation to provider accept.
	SendTotalTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyd_send_total_time_seconds",
			Help:    "Time from notification creation to provider accept",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"channel"},
	)
	ReceiptEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_receipt_events_total", Help: "Inbound delivery receipts"},
		[]string{"provider", "status"},
	)
	// Time from provider accept to the delivery receipt.
	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyd_delivery_latency_seconds",
			Help:    "Time from sent_at to delivery receipt",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		},
		[]string{"provider"},
	)
	CallbackSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_callback_send_total", Help: "Outbound service callback outcomes"},
		[]string{"result"},
	)
	CallbackSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_callback_suppressed_total", Help: "Callbacks suppressed by the circuit breaker"},
		[]string{"stage"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_http_requests_total", Help: "HTTP requests"},
		[]string{"route", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ProviderSend, ProviderSendLatency, SendTotalTime,
		ReceiptEvents, DeliveryLatency,
		CallbackSend, CallbackSuppressed, HTTPRequests,
	)
}
