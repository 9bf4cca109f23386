package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "lmserver_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "gateway"},
		},
		[]string{"date", "sha", "version"},
	)

	backendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmserver_backend_requests_total",
			Help: "Number of backend inference requests",
		},
		[]string{"endpoint", "outcome"},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lmserver_queue_wait_seconds",
			Help:    "Time requests spent waiting for an admission permit",
			Buckets: prometheus.DefBuckets,
		},
	)

	inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lmserver_inference_in_flight",
			Help: "Inference requests currently held against the backend",
		},
	)

	slotsAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lmserver_admission_slots_available",
			Help: "Advisory count of free admission permits",
		},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lmserver_backend_request_duration_seconds",
			Help:    "Backend request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, backendRequests, queueWait, inFlight, slotsAvailable, requestDuration)
}

// SetBuildInfo sets the build info metric for the gateway.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordBackendRequest increments the backend request counter.
func RecordBackendRequest(endpoint, outcome string) {
	backendRequests.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveQueueWait records how long a request waited for a permit.
func ObserveQueueWait(d time.Duration) {
	queueWait.Observe(d.Seconds())
}

// IncInFlight marks one more inference request as running.
func IncInFlight() { inFlight.Inc() }

// DecInFlight marks one inference request as finished.
func DecInFlight() { inFlight.Dec() }

// SetSlotsAvailable publishes the gate's advisory free-permit count.
func SetSlotsAvailable(n int) { slotsAvailable.Set(float64(n)) }

// ObserveRequestDuration records the duration of a backend request.
func ObserveRequestDuration(endpoint string, d time.Duration) {
	requestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}
