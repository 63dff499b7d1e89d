package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gamegate"

// Metrics holds the Prometheus collectors of one gateway instance.
// All methods are safe on a nil receiver so components can run unmetered.
type Metrics struct {
	connections        prometheus.Gauge
	subscriptions      prometheus.Gauge
	deliveries         *prometheus.CounterVec
	publishFailures    prometheus.Counter
	relayed            *prometheus.CounterVec
	heartbeatTimeouts  prometheus.Counter
	idempotentReplays  prometheus.Counter
	actions            *prometheus.CounterVec
	registryFailures   *prometheus.CounterVec
	workersReclaimed   prometheus.Counter
	protocolRejections *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
//
// Precondition: reg must be non-nil and must not already hold these collectors.
// Postcondition: Returns a Metrics whose collectors are registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Client connections owned by this instance.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "channel_subscriptions",
			Help: "Local connection-to-channel memberships.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Local message deliveries by outcome.",
		}, []string{"outcome"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_failures_total",
			Help: "Cross-instance publishes that failed.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pubsub_messages_total",
			Help: "Pub/sub messages received from the broker by disposition.",
		}, []string{"disposition"}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeat_timeouts_total",
			Help: "Connections closed for missing pongs.",
		}),
		idempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "idempotent_replays_total",
			Help: "Action requests answered from the idempotency cache.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "actions_total",
			Help: "Processed action requests by outcome.",
		}, []string{"outcome"}),
		registryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "registry_failures_total",
			Help: "Shared registry operations that failed.",
		}, []string{"op"}),
		workersReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "workers_reclaimed_total",
			Help: "Dead peer instances whose registry entries were reclaimed.",
		}),
		protocolRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_rejections_total",
			Help: "Inbound envelopes rejected by error code.",
		}, []string{"code"}),
	}
	reg.MustRegister(
		m.connections, m.subscriptions, m.deliveries, m.publishFailures, m.relayed,
		m.heartbeatTimeouts, m.idempotentReplays, m.actions, m.registryFailures,
		m.workersReclaimed, m.protocolRejections,
	)
	return m
}

// ConnectionOpened records a newly registered connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed records a torn-down connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// SubscriptionAdded records a new channel membership.
func (m *Metrics) SubscriptionAdded() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

// SubscriptionRemoved records a removed channel membership.
func (m *Metrics) SubscriptionRemoved() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}

// Delivered records local delivery outcomes of one fan-out.
func (m *Metrics) Delivered(ok, failed int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues("delivered").Add(float64(ok))
	m.deliveries.WithLabelValues("failed").Add(float64(failed))
}

// PublishFailed records a failed cross-instance publish.
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

// Relayed records what happened to one message received from the broker:
// "delivered", "self" or "malformed".
func (m *Metrics) Relayed(disposition string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(disposition).Inc()
}

// HeartbeatTimeout records a connection evicted for missed pongs.
func (m *Metrics) HeartbeatTimeout() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

// IdempotentReplay records a request answered from cache.
func (m *Metrics) IdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentReplays.Inc()
}

// ActionProcessed records an action outcome: "applied", "rejected" or "failed".
func (m *Metrics) ActionProcessed(outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(outcome).Inc()
}

// RegistryFailed records a failed shared-registry operation.
func (m *Metrics) RegistryFailed(op string) {
	if m == nil {
		return
	}
	m.registryFailures.WithLabelValues(op).Inc()
}

// WorkerReclaimed records a reclaimed dead instance.
func (m *Metrics) WorkerReclaimed() {
	if m == nil {
		return
	}
	m.workersReclaimed.Inc()
}

// ProtocolRejected records an inbound envelope rejected with code.
func (m *Metrics) ProtocolRejected(code string) {
	if m == nil {
		return
	}
	m.protocolRejections.WithLabelValues(code).Inc()
}
