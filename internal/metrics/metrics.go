package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jasmine"

// Metrics holds the broker's prometheus collectors
type Metrics struct {
	rpcRequests       *prometheus.CounterVec
	rpcDuration       *prometheus.HistogramVec
	messagesTotal     *prometheus.CounterVec
	logAppends        prometheus.Counter
	replications      *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	evictions         *prometheus.CounterVec
	processDuration   prometheus.Histogram
	queueDepth        prometheus.Gauge
	logEntries        prometheus.Gauge
	subscribedTopics  prometheus.Gauge
	hookedSubscribers prometheus.Gauge
	clusterMembers    prometheus.Gauge
	membershipStatus  prometheus.Gauge
	membershipReconns prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// A nil registerer leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Broker RPC requests by method and status",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Broker RPC handling time by method",
			Buckets:   []float64{.001, .01, .1, 1, 10},
		}, []string{"method"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages by processing stage",
		}, []string{"stage"}),
		logAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_appends_total",
			Help:      "Entries appended to the durability log",
		}),
		replications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replications_total",
			Help:      "Backup replication attempts by status",
		}, []string{"status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Subscriber deliveries by status",
		}, []string{"status"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_evictions_total",
			Help:      "Cached connections evicted after repeated failures",
		}, []string{"kind"}),
		processDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Time spent routing one pending message",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_queue_depth",
			Help:      "Messages waiting in the pending queue",
		}),
		logEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_entries",
			Help:      "Entries retained across all durability logs",
		}),
		subscribedTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribed_topics",
			Help:      "Topics with at least one registered subscriber",
		}),
		hookedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hooked_subscribers",
			Help:      "Subscriber connections currently held",
		}),
		clusterMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_members",
			Help:      "Live brokers in the current membership view",
		}),
		membershipStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "membership_connection_status",
			Help:      "Coordinator connection status (1 connected, 0 disconnected)",
		}),
		membershipReconns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_reconnects_total",
			Help:      "Coordinator reconnection attempts",
		}),
	}

	if reg == nil {
		return m, nil
	}

	collectors := []prometheus.Collector{
		m.rpcRequests,
		m.rpcDuration,
		m.messagesTotal,
		m.logAppends,
		m.replications,
		m.deliveries,
		m.evictions,
		m.processDuration,
		m.queueDepth,
		m.logEntries,
		m.subscribedTopics,
		m.hookedSubscribers,
		m.clusterMembers,
		m.membershipStatus,
		m.membershipReconns,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) IncRPCRequests(method, status string) {
	m.rpcRequests.WithLabelValues(method, status).Inc()
}

// IncMessagesTotal counts a message at a stage: enqueued, processed, dropped, forwarded, rejected
func (m *Metrics) ObserveRPCDuration(method string, seconds float64) {
	m.rpcDuration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) IncMessagesTotal(stage string) {
	m.messagesTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) IncLogAppends() {
	m.logAppends.Inc()
}

func (m *Metrics) IncReplications(status string) {
	m.replications.WithLabelValues(status).Inc()
}

func (m *Metrics) IncDeliveries(status string) {
	m.deliveries.WithLabelValues(status).Inc()
}

func (m *Metrics) IncEvictions(kind string) {
	m.evictions.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveProcessDuration(seconds float64) {
	m.processDuration.Observe(seconds)
}

func (m *Metrics) SetQueueDepth(depth float64) {
	m.queueDepth.Set(depth)
}

func (m *Metrics) SetLogEntries(n float64) {
	m.logEntries.Set(n)
}

func (m *Metrics) SetSubscribedTopics(n float64) {
	m.subscribedTopics.Set(n)
}

func (m *Metrics) SetHookedSubscribers(n float64) {
	m.hookedSubscribers.Set(n)
}

func (m *Metrics) SetClusterMembers(n float64) {
	m.clusterMembers.Set(n)
}

func (m *Metrics) SetMembershipConnectionStatus(connected bool) {
	if connected {
		m.membershipStatus.Set(1)
	} else {
		m.membershipStatus.Set(0)
	}
}

func (m *Metrics) IncMembershipReconnects() {
	m.membershipReconns.Inc()
}
