package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionInbound  = "in"
	DirectionOutbound = "out"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ddpctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ddpctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ddpctl",
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Frames sent and received by kind.",
		},
		[]string{"direction", "kind"},
	)
	droppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ddpctl",
			Subsystem: "session",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames dropped without resolving a pending request.",
		},
		[]string{"reason"},
	)
	pendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ddpctl",
			Subsystem: "session",
			Name:      "pending_requests",
			Help:      "Requests awaiting a correlated reply, per session.",
		},
		[]string{"session"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ddpctl",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state machine transitions by target state.",
		},
		[]string{"state"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ddpctl",
			Subsystem: "session",
			Name:      "command_duration_seconds",
			Help:      "Await-full command latency from send to resolution.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			frames,
			droppedFrames,
			pendingRequests,
			stateTransitions,
			commandDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(direction, kind string) {
	RegisterMetrics()
	frames.WithLabelValues(direction, kind).Inc()
}

func RecordDroppedFrame(reason string) {
	RegisterMetrics()
	droppedFrames.WithLabelValues(reason).Inc()
}

func SetPendingRequests(session string, n int) {
	RegisterMetrics()
	pendingRequests.WithLabelValues(session).Set(float64(n))
}

// ForgetSession drops the per-session series once a session is finished.
func ForgetSession(session string) {
	RegisterMetrics()
	pendingRequests.DeleteLabelValues(session)
}

func RecordStateTransition(state string) {
	RegisterMetrics()
	stateTransitions.WithLabelValues(state).Inc()
}

func RecordCommand(command, outcome string, duration time.Duration) {
	RegisterMetrics()
	commandDuration.WithLabelValues(command, outcome).Observe(duration.Seconds())
}
