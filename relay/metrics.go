package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "moqd",
			Subsystem: "relay",
			Name:      "sessions_active",
			Help:      "Currently active MoQ sessions.",
		},
	)
	announcesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "moqd",
			Subsystem: "relay",
			Name:      "announces_active",
			Help:      "Namespaces currently announced through this relay.",
		},
	)
	subscribesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "moqd",
			Subsystem: "relay",
			Name:      "subscribes_total",
			Help:      "Track subscriptions accepted since start.",
		},
	)
	objectsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "moqd",
			Subsystem: "relay",
			Name:      "objects_forwarded_total",
			Help:      "Objects fanned out to subscribers.",
		},
	)
	sessionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moqd",
			Subsystem: "relay",
			Name:      "session_errors_total",
			Help:      "Session terminations by error kind.",
		},
		[]string{"kind"},
	)
)

// RegisterMetrics installs the relay collectors in the default registry.
// Safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsActive,
			announcesActive,
			subscribesTotal,
			objectsForwarded,
			sessionErrors,
		)
	})
}
