// Package metrics instruments replication and multiplexing activity:
// broadcasts, delta sizes, per-endpoint versions and subscriber counts,
// RPC outcomes, and a system resource snapshot for /health. Grounded on
// the teacher's promauto-everything style (one struct of pre-registered
// collectors built once in NewMetrics, plain methods to record against
// them) generalized from one price-feed's worth of counters to
// per-endpoint label sets.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge

	broadcastsTotal   *prometheus.CounterVec
	deltaBytes        *prometheus.HistogramVec
	subscriberCount   *prometheus.GaugeVec
	endpointVersion   *prometheus.GaugeVec
	divergenceTotal   *prometheus.CounterVec

	rpcRequestsTotal *prometheus.CounterVec
	rpcErrorsTotal   *prometheus.CounterVec
	rpcLatency       *prometheus.HistogramVec

	natsMessagesTotal prometheus.Counter
	natsReconnects    prometheus.Counter
	natsConnected     prometheus.Gauge
	natsApplyLatency  *prometheus.HistogramVec

	startTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "node_service_connections_total",
			Help: "Total number of connections accepted by the multiplexer",
		}),
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "node_service_connections_active",
			Help: "Number of currently open multiplexer connections",
		}),

		broadcastsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "node_service_broadcasts_total",
			Help: "Total number of SharedObject update broadcasts sent, by endpoint",
		}, []string{"endpoint"}),
		deltaBytes: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "node_service_delta_bytes",
			Help:    "Serialized size in bytes of each broadcast delta, by endpoint",
			Buckets: []float64{16, 64, 256, 1024, 4096, 16384, 65536},
		}, []string{"endpoint"}),
		subscriberCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "node_service_subscribers",
			Help: "Current subscriber count, by endpoint",
		}, []string{"endpoint"}),
		endpointVersion: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "node_service_endpoint_version",
			Help: "Current version counter, by SharedObject endpoint",
		}, []string{"endpoint"}),
		divergenceTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "node_service_divergence_total",
			Help: "Total number of client-side divergence recoveries, by endpoint",
		}, []string{"endpoint"}),

		rpcRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "node_service_rpc_requests_total",
			Help: "Total number of RPC requests handled, by endpoint",
		}, []string{"endpoint"}),
		rpcErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "node_service_rpc_errors_total",
			Help: "Total number of RPC requests that returned an error, by endpoint and code",
		}, []string{"endpoint", "code"}),
		rpcLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "node_service_rpc_latency_seconds",
			Help:    "RPC round-trip latency, by endpoint",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		natsMessagesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "node_service_nats_messages_total",
			Help: "Total number of upstream NATS messages applied to SharedObjects",
		}),
		natsReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "node_service_nats_reconnects_total",
			Help: "Total number of NATS bridge reconnections",
		}),
		natsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "node_service_nats_connected",
			Help: "NATS bridge connection status (1=connected, 0=disconnected)",
		}),
		natsApplyLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "node_service_nats_apply_latency_seconds",
			Help:    "Time spent applying one upstream NATS message to a SharedObject, by subject",
			Buckets: prometheus.DefBuckets,
		}, []string{"subject"}),
	}
}

func (m *Metrics) IncrementConnections() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) DecrementConnections() {
	m.connectionsActive.Dec()
}

// RecordBroadcast is called once per SharedObject flush that actually
// produces a non-empty delta (§4.F never broadcasts an empty one).
func (m *Metrics) RecordBroadcast(endpoint string, deltaSize int) {
	m.broadcastsTotal.WithLabelValues(endpoint).Inc()
	m.deltaBytes.WithLabelValues(endpoint).Observe(float64(deltaSize))
}

func (m *Metrics) SetSubscriberCount(endpoint string, count int) {
	m.subscriberCount.WithLabelValues(endpoint).Set(float64(count))
}

func (m *Metrics) SetEndpointVersion(endpoint string, version uint64) {
	m.endpointVersion.WithLabelValues(endpoint).Set(float64(version))
}

func (m *Metrics) RecordDivergence(endpoint string) {
	m.divergenceTotal.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) RecordRPC(endpoint string, duration time.Duration, errCode string) {
	m.rpcRequestsTotal.WithLabelValues(endpoint).Inc()
	m.rpcLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
	if errCode != "" {
		m.rpcErrorsTotal.WithLabelValues(endpoint, errCode).Inc()
	}
}

func (m *Metrics) IncrementNATSMessages()   { m.natsMessagesTotal.Inc() }
func (m *Metrics) IncrementNATSReconnects() { m.natsReconnects.Inc() }

// RecordNATSApply times how long one upstream message's apply closure
// took, by subject. Distinct from RecordRPC, which is for the
// multiplexer's own rpc:req/rpc:res endpoints, not upstream NATS traffic.
func (m *Metrics) RecordNATSApply(subject string, duration time.Duration) {
	m.natsApplyLatency.WithLabelValues(subject).Observe(duration.Seconds())
}

func (m *Metrics) SetNATSConnected(connected bool) {
	if connected {
		m.natsConnected.Set(1)
	} else {
		m.natsConnected.Set(0)
	}
}

func (m *Metrics) Uptime() time.Duration { return time.Since(m.startTime) }
