// Package metrics mirrors internal/stats.ExecutionStats as Prometheus
// counters/gauges, following the promauto registration idiom in the
// Generativebots-ocx-backend-go-svc pack repo's internal/escrow/metrics.go.
// This is ambient instrumentation only: the (out-of-scope) external metrics
// backend spec.md §1 names is a separate collaborator; this package just
// exposes promhttp.Handler() for it, or any other scraper, to pull from.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flashrelay/arbexec/internal/breaker"
	"github.com/flashrelay/arbexec/internal/queue"
	"github.com/flashrelay/arbexec/internal/stats"
)

// Registry holds every gauge/counter the execution core exposes.
type Registry struct {
	counters map[string]prometheus.Counter

	queueSize   prometheus.Gauge
	queuePaused prometheus.Gauge

	breakerTrips *prometheus.CounterVec
	healthyCount prometheus.Gauge
}

// New constructs and registers every metric against the default registerer.
func New() *Registry {
	mk := func(name, help string) prometheus.Counter {
		return promauto.NewCounter(prometheus.CounterOpts{
			Name: "arbexec_" + name,
			Help: help,
		})
	}

	r := &Registry{
		counters: map[string]prometheus.Counter{
			"opportunities_received_total": mk("opportunities_received_total", "Opportunities pulled off the upstream stream."),
			"opportunities_rejected_total": mk("opportunities_rejected_total", "Opportunities rejected before execution."),
			"execution_attempts_total":     mk("execution_attempts_total", "Execution attempts dispatched."),
			"executions_succeeded_total":   mk("executions_succeeded_total", "Executions that succeeded on-chain."),
			"executions_failed_total":      mk("executions_failed_total", "Executions that failed on-chain."),
			"execution_timeouts_total":     mk("execution_timeouts_total", "Executions that hit the deadline guard."),
			"queue_rejects_total":          mk("queue_rejects_total", "Enqueue calls rejected by the queue."),
			"lock_conflicts_total":         mk("lock_conflicts_total", "Lock conflicts observed per opportunity id."),
			"stale_lock_recoveries_total":  mk("stale_lock_recoveries_total", "Crash-orphaned locks recovered."),
			"validation_errors_total":      mk("validation_errors_total", "Flash-loan request validation failures."),
			"simulation_performed_total":   mk("simulation_performed_total", "Simulations performed."),
			"simulation_skipped_total":     mk("simulation_skipped_total", "Simulations skipped."),
			"simulation_reverts_total":     mk("simulation_reverts_total", "Simulations predicting a revert."),
			"simulation_profit_rejections_total": mk("simulation_profit_rejections_total", "Simulations rejected on profit grounds."),
			"simulation_errors_total":      mk("simulation_errors_total", "Simulation call errors."),
			"circuit_breaker_blocks_total": mk("circuit_breaker_blocks_total", "Execution attempts blocked by an open breaker."),
			"risk_rejections_total":        mk("risk_rejections_total", "Opportunities rejected by risk gating."),
			"provider_reconnections_total": mk("provider_reconnections_total", "RPC provider reconnection attempts."),
			"provider_health_check_failures_total": mk("provider_health_check_failures_total", "RPC health-check failures."),
		},
		queueSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "arbexec_queue_size",
			Help: "Current opportunity queue length.",
		}),
		queuePaused: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "arbexec_queue_paused",
			Help: "1 if the queue is currently paused (backpressure or manual), else 0.",
		}),
		breakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arbexec_circuit_breaker_trips_total",
			Help: "Circuit breaker trips, labeled by chain.",
		}, []string{"chain"}),
		healthyCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "arbexec_healthy_providers",
			Help: "Count of chains with a currently healthy RPC provider.",
		}),
	}
	return r
}

// Handler exposes the default registry over HTTP for a scraper to pull.
func (r *Registry) Handler() http.Handler { return promhttp.Handler() }

// Observe mirrors the growth between two ExecutionStats snapshots into the
// counters. Prometheus counters only move forward, matching ExecutionStats'
// own "never decreases" invariant, and Counter has no Set(), so Observe adds
// cur-prev to each counter (nothing when a value did not grow). The caller
// passes consecutive snapshots; cmd/arbexecd's metrics loop does so every
// five seconds.
func (r *Registry) Observe(prev, cur stats.Snapshot) {
	add := func(name string, prevV, curV uint64) {
		if curV > prevV {
			r.counters[name].Add(float64(curV - prevV))
		}
	}
	add("opportunities_received_total", prev.OpportunitiesReceived, cur.OpportunitiesReceived)
	add("opportunities_rejected_total", prev.OpportunitiesRejected, cur.OpportunitiesRejected)
	add("execution_attempts_total", prev.ExecutionAttempts, cur.ExecutionAttempts)
	add("executions_succeeded_total", prev.ExecutionsSucceeded, cur.ExecutionsSucceeded)
	add("executions_failed_total", prev.ExecutionsFailed, cur.ExecutionsFailed)
	add("execution_timeouts_total", prev.ExecutionTimeouts, cur.ExecutionTimeouts)
	add("queue_rejects_total", prev.QueueRejects, cur.QueueRejects)
	add("lock_conflicts_total", prev.LockConflicts, cur.LockConflicts)
	add("stale_lock_recoveries_total", prev.StaleLockRecoveries, cur.StaleLockRecoveries)
	add("validation_errors_total", prev.ValidationErrors, cur.ValidationErrors)
	add("simulation_performed_total", prev.SimulationPerformed, cur.SimulationPerformed)
	add("simulation_skipped_total", prev.SimulationSkipped, cur.SimulationSkipped)
	add("simulation_reverts_total", prev.SimulationPredictedReverts, cur.SimulationPredictedReverts)
	add("simulation_profit_rejections_total", prev.SimulationProfitRejections, cur.SimulationProfitRejections)
	add("simulation_errors_total", prev.SimulationErrors, cur.SimulationErrors)
	add("circuit_breaker_blocks_total", prev.CircuitBreakerBlocks, cur.CircuitBreakerBlocks)
	add("risk_rejections_total", prev.RiskRejections, cur.RiskRejections)
	add("provider_reconnections_total", prev.ProviderReconnections, cur.ProviderReconnections)
	add("provider_health_check_failures_total", prev.ProviderHealthCheckFailures, cur.ProviderHealthCheckFailures)
}

// ObserveQueue mirrors the queue's instantaneous state.
func (r *Registry) ObserveQueue(q *queue.Service) {
	r.queueSize.Set(float64(q.Size()))
	if q.IsPaused() {
		r.queuePaused.Set(1)
	} else {
		r.queuePaused.Set(0)
	}
}

// ObserveHealthyCount mirrors the provider service's cached healthy count.
func (r *Registry) ObserveHealthyCount(n int) { r.healthyCount.Set(float64(n)) }

// ObserveBreakerTrip increments the per-chain trip counter.
func (r *Registry) ObserveBreakerTrip(chain string) { r.breakerTrips.WithLabelValues(chain).Inc() }

// BreakerPublisher fans a breaker.Event out to both the downstream stream
// publisher and this registry's trip counter, so internal/breaker still
// depends on nothing but its own narrow Publisher interface.
type BreakerPublisher struct {
	Next     breaker.Publisher
	Registry *Registry
}

// PublishCircuitBreakerEvent implements breaker.Publisher.
func (p BreakerPublisher) PublishCircuitBreakerEvent(evt breaker.Event) {
	if evt.To == breaker.StateOpen {
		p.Registry.ObserveBreakerTrip(evt.Chain)
	}
	if p.Next != nil {
		p.Next.PublishCircuitBreakerEvent(evt)
	}
}

var _ breaker.Publisher = BreakerPublisher{}
