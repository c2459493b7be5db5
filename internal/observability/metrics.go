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
			Namespace: "autofab",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autofab",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	protocolRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autofab",
			Subsystem: "engine",
			Name:      "requests_total",
			Help:      "Protocol requests served, by tag and reply.",
		},
		[]string{"node", "tag", "reply"},
	)
	protocolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autofab",
			Subsystem: "engine",
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to reply sent.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "tag"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autofab",
			Subsystem: "process",
			Name:      "spawn_failures_total",
			Help:      "Accepted launches whose process failed to start.",
		},
		[]string{"node"},
	)
	processesTracked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "autofab",
			Subsystem: "process",
			Name:      "tracked",
			Help:      "Process handles currently held by the registry.",
		},
		[]string{"node"},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autofab",
			Subsystem: "process",
			Name:      "terminations_total",
			Help:      "Processes signaled by SHUTDOWN (graceful) or KILL (force).",
		},
		[]string{"node", "mode"},
	)
	clientRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autofab",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Peer requests issued by the client, by tag and success.",
		},
		[]string{"tag", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			protocolRequests, protocolDuration,
			spawnFailures, processesTracked, terminations,
			clientRequests,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordProtocolRequest(node, tag, reply string, duration time.Duration) {
	RegisterMetrics()
	protocolRequests.WithLabelValues(node, tag, reply).Inc()
	protocolDuration.WithLabelValues(node, tag).Observe(duration.Seconds())
}

func RecordSpawnFailure(node string) {
	RegisterMetrics()
	spawnFailures.WithLabelValues(node).Inc()
}

func SetProcessesTracked(node string, n int) {
	RegisterMetrics()
	processesTracked.WithLabelValues(node).Set(float64(n))
}

func RecordTerminations(node string, force bool, signaled int) {
	RegisterMetrics()
	mode := "graceful"
	if force {
		mode = "force"
	}
	terminations.WithLabelValues(node, mode).Add(float64(signaled))
}

func RecordClientRequest(tag string, success bool) {
	RegisterMetrics()
	clientRequests.WithLabelValues(tag, strconv.FormatBool(success)).Inc()
}
