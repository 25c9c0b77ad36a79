package virtio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	submitted *prometheus.CounterVec
	completed *prometheus.CounterVec
	cancelled *prometheus.CounterVec
	queueFull *prometheus.CounterVec
	inflight  *prometheus.GaugeVec
}

// newMetrics creates transport metrics. Metrics are only registered when reg
// is non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	labels := []string{"queue"}

	return &metrics{
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "viofs_transport_requests_submitted_total",
			Help: "Total number of requests placed on a queue.",
		}, labels),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "viofs_transport_requests_completed_total",
			Help: "Total number of requests whose reply was delivered to the caller.",
		}, labels),
		cancelled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "viofs_transport_requests_cancelled_total",
			Help: "Total number of requests abandoned by their caller before completion.",
		}, labels),
		queueFull: f.NewCounterVec(prometheus.CounterOpts{
			Name: "viofs_transport_queue_full_total",
			Help: "Total number of submissions rejected because the queue was full.",
		}, labels),
		inflight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "viofs_transport_requests_inflight",
			Help: "Number of chains currently owned by the device.",
		}, labels),
	}
}
