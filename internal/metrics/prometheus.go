package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamcoord/coordinator/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Metric registration is deferred to first use so that constructing the
// collector never panics on duplicate registration in tests.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	registrations    *prometheus.CounterVec
	heartbeats       *prometheus.CounterVec
	instancesExpired prometheus.Counter
	activeInstances  prometheus.Gauge

	leaseAcquires   *prometheus.CounterVec
	leasesReclaimed prometheus.Counter

	reconcileReleased prometheus.Counter
	reconcileDuration prometheus.Histogram

	rebalanceCycles     *prometheus.CounterVec
	rebalanceMigrations *prometheus.CounterVec
	assignedItems       prometheus.Gauge

	storeRetries   *prometheus.CounterVec
	storeDurations *prometheus.HistogramVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Metrics namespace (defaults to "coordinator" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "coordinator"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.registrations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Total instance registrations by server.",
		}, []string{"server_id"})

		p.heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats by outcome (ok/rejected).",
		}, []string{"outcome"})

		p.instancesExpired = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "instances_expired_total",
			Help:      "Total instances marked inactive by the liveness sweep.",
		})

		p.activeInstances = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "active_instances",
			Help:      "Current number of active instances.",
		})

		p.leaseAcquires = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "lease",
			Name:      "acquires_total",
			Help:      "Total lease acquisition attempts by outcome (granted/held/error).",
		}, []string{"outcome"})

		p.leasesReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "lease",
			Name:      "reclaimed_total",
			Help:      "Total expired leases reclaimed.",
		})

		p.reconcileReleased = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "reconcile",
			Name:      "assignments_released_total",
			Help:      "Total assignments released by reconciliation passes.",
		})

		p.reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Duration of reconciliation passes in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		})

		p.rebalanceCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "balance",
			Name:      "cycles_total",
			Help:      "Total rebalance cycles by trigger reason.",
		}, []string{"reason"})

		p.rebalanceMigrations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "balance",
			Name:      "migrations_total",
			Help:      "Total planned and executed migrations.",
		}, []string{"stage"})

		p.assignedItems = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "balance",
			Name:      "assigned_items",
			Help:      "Current number of items with an active assignment.",
		})

		p.storeRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Total store operation retries by operation.",
		}, []string{"op"})

		p.storeDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency in seconds by operation and outcome.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op", "outcome"})

		collectors := []prometheus.Collector{
			p.registrations, p.heartbeats, p.instancesExpired, p.activeInstances,
			p.leaseAcquires, p.leasesReclaimed,
			p.reconcileReleased, p.reconcileDuration,
			p.rebalanceCycles, p.rebalanceMigrations, p.assignedItems,
			p.storeRetries, p.storeDurations,
		}
		for _, c := range collectors {
			// AlreadyRegisteredError is tolerated so multiple collectors can
			// share a registry in tests.
			if err := p.reg.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					panic(err)
				}
			}
		}
	})
}

// RecordRegistration increments the registration counter for the server.
func (p *PrometheusCollector) RecordRegistration(serverID string) {
	p.ensureRegistered()
	p.registrations.WithLabelValues(serverID).Inc()
}

// RecordHeartbeat increments the heartbeat counter by outcome.
func (p *PrometheusCollector) RecordHeartbeat(_ string, success bool) {
	p.ensureRegistered()
	outcome := "ok"
	if !success {
		outcome = "rejected"
	}
	p.heartbeats.WithLabelValues(outcome).Inc()
}

// RecordInstanceExpired increments the expired-instance counter.
func (p *PrometheusCollector) RecordInstanceExpired(_ string) {
	p.ensureRegistered()
	p.instancesExpired.Inc()
}

// RecordActiveInstances sets the active instance gauge.
func (p *PrometheusCollector) RecordActiveInstances(count int) {
	p.ensureRegistered()
	p.activeInstances.Set(float64(count))
}

// RecordLeaseAcquire increments the lease acquire counter by outcome.
func (p *PrometheusCollector) RecordLeaseAcquire(outcome string) {
	p.ensureRegistered()
	p.leaseAcquires.WithLabelValues(outcome).Inc()
}

// RecordLeaseReclaimed adds to the reclaimed lease counter.
func (p *PrometheusCollector) RecordLeaseReclaimed(count int) {
	p.ensureRegistered()
	p.leasesReclaimed.Add(float64(count))
}

// RecordReconcilePass records a completed reconciliation pass.
func (p *PrometheusCollector) RecordReconcilePass(released int, duration float64) {
	p.ensureRegistered()
	p.reconcileReleased.Add(float64(released))
	p.reconcileDuration.Observe(duration)
}

// RecordRebalanceCycle records a completed rebalance cycle.
func (p *PrometheusCollector) RecordRebalanceCycle(reason string, planned, executed int) {
	p.ensureRegistered()
	p.rebalanceCycles.WithLabelValues(reason).Inc()
	p.rebalanceMigrations.WithLabelValues("planned").Add(float64(planned))
	p.rebalanceMigrations.WithLabelValues("executed").Add(float64(executed))
}

// RecordAssignedItems sets the assigned item gauge.
func (p *PrometheusCollector) RecordAssignedItems(count int) {
	p.ensureRegistered()
	p.assignedItems.Set(float64(count))
}

// RecordStoreRetry increments the store retry counter for the operation.
func (p *PrometheusCollector) RecordStoreRetry(op string) {
	p.ensureRegistered()
	p.storeRetries.WithLabelValues(op).Inc()
}

// RecordStoreOperation observes a store operation's latency by outcome.
func (p *PrometheusCollector) RecordStoreOperation(op string, duration float64, success bool) {
	p.ensureRegistered()
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	p.storeDurations.WithLabelValues(op, outcome).Observe(duration)
}
