package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailrelay_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailrelay_dispatch_total", Help: "Dispatch outcomes"},
		[]string{"result"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailrelay_enqueue_total", Help: "Delivery task enqueue results"},
		[]string{"result"},
	)
	Suppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailrelay_suppressed_total", Help: "Suppressed recipients"},
		[]string{"reason"},
	)
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailrelay_delivery_total", Help: "Delivery attempt outcomes"},
		[]string{"method", "result"},
	)
	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "mailrelay_delivery_latency_seconds", Help: "Delivery attempt latency"},
		[]string{"method"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailrelay_webhook_events_total", Help: "Bounce webhook events"},
		[]string{"event"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Dispatches, Enqueues, Suppressed, Deliveries, DeliveryLatency, WebhookEvents)
}
