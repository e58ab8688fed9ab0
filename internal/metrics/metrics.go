// Package metrics exposes the relay's prometheus collectors, registered
// once at startup and referenced by the dispatcher, matching engine,
// and rate limiter as they run.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "relaycore"

// Metrics bundles every collector the core and its ambient surfaces
// touch. Values are safe for concurrent use, as all prometheus
// collectors are.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	OnlineUsers        prometheus.Gauge
	ActiveRooms        prometheus.Gauge
	QueueSize          prometheus.Gauge

	EventsTotal             *prometheus.CounterVec
	EventProcessingDuration *prometheus.HistogramVec

	MatchesTotal       prometheus.Counter
	RoomsEndedTotal    *prometheus.CounterVec
	ValidationFailures *prometheus.CounterVec

	RateLimitExceeded *prometheus.CounterVec
	RateLimitRequests *prometheus.CounterVec

	CircuitBreakerState    *prometheus.GaugeVec
	CircuitBreakerFailures *prometheus.CounterVec

	RedisOperationsTotal   *prometheus.CounterVec
	RedisOperationDuration *prometheus.HistogramVec
}

// New constructs and registers every collector against registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "active_connections",
			Help: "Number of currently connected transports.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "online_users",
			Help: "Number of currently registered sessions.",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chatroom", Name: "active_rooms",
			Help: "Number of currently active chat rooms.",
		}),
		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "matching", Name: "queue_size",
			Help: "Number of users currently waiting to be matched.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "events_total",
			Help: "Inbound events processed, by event name and outcome.",
		}, []string{"event", "outcome"}),
		EventProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "event_processing_duration_seconds",
			Help:    "Time spent handling one inbound event on the event loop.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event"}),
		MatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matching", Name: "matches_total",
			Help: "Total number of pairs formed by the matching engine.",
		}),
		RoomsEndedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chatroom", Name: "rooms_ended_total",
			Help: "Rooms ended, by reason code.",
		}, []string{"reason"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "validation_failures_total",
			Help: "Messages rejected by content validation, by reason.",
		}, []string{"reason"}),
		RateLimitExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "exceeded_total",
			Help: "Requests rejected by the admin-surface rate limiter, by route.",
		}, []string{"route"}),
		RateLimitRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "requests_total",
			Help: "Requests evaluated by the admin-surface rate limiter, by route.",
		}, []string{"route"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed,1=half-open,2=open) guarding the Redis rate-limit store.",
		}, []string{"name"}),
		CircuitBreakerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "circuit_breaker_failures_total",
			Help: "Failures observed by the Redis rate-limit store's circuit breaker.",
		}, []string{"name"}),
		RedisOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "redis_operations_total",
			Help: "Redis operations issued by the rate-limit store, by outcome.",
		}, []string{"outcome"}),
		RedisOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "redis_operation_duration_seconds",
			Help:    "Latency of Redis operations issued by the rate-limit store.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	registerer.MustRegister(
		m.ActiveConnections, m.OnlineUsers, m.ActiveRooms, m.QueueSize,
		m.EventsTotal, m.EventProcessingDuration,
		m.MatchesTotal, m.RoomsEndedTotal, m.ValidationFailures,
		m.RateLimitExceeded, m.RateLimitRequests,
		m.CircuitBreakerState, m.CircuitBreakerFailures,
		m.RedisOperationsTotal, m.RedisOperationDuration,
	)
	return m
}
