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
			Namespace: "kcounter",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests on the status surface.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kcounter",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	deviceOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kcounter",
			Subsystem: "device",
			Name:      "opens_total",
			Help:      "Session open attempts by outcome.",
		},
		[]string{"device", "outcome"},
	)
	deviceDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kcounter",
			Subsystem: "device",
			Name:      "dispatches_total",
			Help:      "Control requests by request kind and outcome.",
		},
		[]string{"device", "request", "outcome"},
	)
	deviceSessionLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kcounter",
			Subsystem: "device",
			Name:      "session_live",
			Help:      "1 while a session holds the device.",
		},
		[]string{"device"},
	)
	deviceCounter = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kcounter",
			Subsystem: "device",
			Name:      "counter",
			Help:      "Sessions successfully opened since start.",
		},
		[]string{"device"},
	)
)

// Open outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeBusy        = "busy"
	OutcomeNoMemory    = "nomem"
	OutcomeCancelled   = "cancelled"
	OutcomeUnsupported = "unsupported"
	OutcomeFault       = "fault"
	OutcomeClosed      = "closed"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			deviceOpens,
			deviceDispatches,
			deviceSessionLive,
			deviceCounter,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordOpen(device, outcome string) {
	RegisterMetrics()
	deviceOpens.WithLabelValues(device, outcome).Inc()
}

// RecordDispatch counts one control request. request is the decoded request
// name, or "unknown" for unrecognised command words.
func RecordDispatch(device, request, outcome string) {
	RegisterMetrics()
	deviceDispatches.WithLabelValues(device, request, outcome).Inc()
}

func SetSessionLive(device string, live bool) {
	RegisterMetrics()
	v := 0.0
	if live {
		v = 1
	}
	deviceSessionLive.WithLabelValues(device).Set(v)
}

func SetCounter(device string, n int64) {
	RegisterMetrics()
	deviceCounter.WithLabelValues(device).Set(float64(n))
}
