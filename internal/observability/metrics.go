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
			Namespace: "meshctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "session",
			Name:      "packets_received_total",
			Help:      "Inbound packets classified by the router.",
		},
		[]string{"class"},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "session",
			Name:      "packets_dropped_total",
			Help:      "Inbound packets dropped before dispatch.",
		},
		[]string{"reason"},
	)
	connectionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "session",
			Name:      "connection_rejections_total",
			Help:      "Connections refused or failed, by reason.",
		},
		[]string{"reason"},
	)
	activeLinks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshctl",
			Subsystem: "session",
			Name:      "active_links",
			Help:      "Peer links currently held by the registry.",
		},
	)
	updatesFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "scheduler",
			Name:      "updates_total",
			Help:      "Network update passes executed.",
		},
	)
	updatesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "scheduler",
			Name:      "updates_skipped_total",
			Help:      "Due update passes dropped by the catch-up cap.",
		},
	)
	natRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "nat",
			Name:      "retries_total",
			Help:      "Rendezvous reconnect attempts after punchthrough failures.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			packetsReceived,
			packetsDropped,
			connectionRejections,
			activeLinks,
			updatesFired,
			updatesSkipped,
			natRetries,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPacket(class string) {
	RegisterMetrics()
	packetsReceived.WithLabelValues(class).Inc()
}

func RecordDroppedPacket(reason string) {
	RegisterMetrics()
	packetsDropped.WithLabelValues(reason).Inc()
}

func RecordRejection(reason string) {
	RegisterMetrics()
	connectionRejections.WithLabelValues(reason).Inc()
}

func SetActiveLinks(n int) {
	RegisterMetrics()
	activeLinks.Set(float64(n))
}

func RecordUpdates(ran, skipped int) {
	RegisterMetrics()
	if ran > 0 {
		updatesFired.Add(float64(ran))
	}
	if skipped > 0 {
		updatesSkipped.Add(float64(skipped))
	}
}

func RecordNATRetry() {
	RegisterMetrics()
	natRetries.Inc()
}
