package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vizbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests on the admin surface.",
		},
		[]string{"node", "method", "path", "status"},
	)
	advertisements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vizbridge",
			Subsystem: "bridge",
			Name:      "advertisements_total",
			Help:      "Advertisements forwarded to the visualization service, by outcome.",
		},
		[]string{"outcome"},
	)
	roundTrip = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vizbridge",
			Subsystem: "bridge",
			Name:      "roundtrip_seconds",
			Help:      "Forward-to-dispatch duration per advertisement.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	advertisementBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vizbridge",
			Subsystem: "bridge",
			Name:      "advertisement_bytes",
			Help:      "Size of received advertisement datagrams.",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 11),
		},
	)
	serviceFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vizbridge",
			Subsystem: "bridge",
			Name:      "service_faults_total",
			Help:      "Fault entries returned by the visualization service, by code.",
		},
		[]string{"code"},
	)
	vizRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vizbridge",
			Subsystem: "vizservice",
			Name:      "requests_total",
			Help:      "Render requests handled by the mock visualization service.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, advertisements, roundTrip, advertisementBytes, serviceFaults, vizRequests)
	})
}

func RecordHTTPRequest(node, method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(node, method, path, strconv.Itoa(status)).Inc()
}

// RecordAdvertisement records one bridge iteration. outcome is a protocol.Kind
// label or "matrix" on success.
func RecordAdvertisement(outcome string, size int, duration time.Duration) {
	RegisterMetrics()
	advertisements.WithLabelValues(outcome).Inc()
	roundTrip.WithLabelValues(outcome).Observe(duration.Seconds())
	advertisementBytes.Observe(float64(size))
}

func RecordServiceFault(code int) {
	RegisterMetrics()
	serviceFaults.WithLabelValues(strconv.Itoa(code)).Inc()
}

func RecordVizRequest(result string) {
	RegisterMetrics()
	vizRequests.WithLabelValues(result).Inc()
}
