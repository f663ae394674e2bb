// Package stats holds the execution core's single shared counter struct.
// Every field is a monotonically increasing atomic counter (spec.md §3,
// "Invariant: counters never decrease in a single process lifetime").
//
// ExecutionStats is shared across every component that needs to report a
// decision outcome; it is the one piece of mutable state every component is
// allowed to write to directly (spec.md §3's ownership model), because every
// mutation is a single atomic increment on a named field.
package stats

import "sync/atomic"

// ExecutionStats is a fixed struct of counters covering every decision path
// through the coordinator. Construct with &ExecutionStats{} — the zero value
// is ready to use.
type ExecutionStats struct {
	OpportunitiesReceived uint64
	OpportunitiesRejected uint64

	ExecutionAttempts    uint64
	ExecutionsSucceeded  uint64
	ExecutionsFailed     uint64
	ExecutionTimeouts    uint64

	QueueRejects uint64

	LockConflicts        uint64
	StaleLockRecoveries  uint64

	ValidationErrors uint64

	SimulationPerformed        uint64
	SimulationSkipped          uint64
	SimulationPredictedReverts uint64
	SimulationProfitRejections uint64
	SimulationErrors           uint64

	CircuitBreakerTrips  uint64
	CircuitBreakerBlocks uint64

	RiskRejections uint64

	ProviderReconnections        uint64
	ProviderHealthCheckFailures uint64
}

func (s *ExecutionStats) IncOpportunitiesReceived() { atomic.AddUint64(&s.OpportunitiesReceived, 1) }
func (s *ExecutionStats) IncOpportunitiesRejected() { atomic.AddUint64(&s.OpportunitiesRejected, 1) }

func (s *ExecutionStats) IncExecutionAttempts()   { atomic.AddUint64(&s.ExecutionAttempts, 1) }
func (s *ExecutionStats) IncExecutionsSucceeded() { atomic.AddUint64(&s.ExecutionsSucceeded, 1) }
func (s *ExecutionStats) IncExecutionsFailed()    { atomic.AddUint64(&s.ExecutionsFailed, 1) }
func (s *ExecutionStats) IncExecutionTimeouts()   { atomic.AddUint64(&s.ExecutionTimeouts, 1) }

func (s *ExecutionStats) IncQueueRejects() { atomic.AddUint64(&s.QueueRejects, 1) }

func (s *ExecutionStats) IncLockConflicts()       { atomic.AddUint64(&s.LockConflicts, 1) }
func (s *ExecutionStats) IncStaleLockRecoveries() { atomic.AddUint64(&s.StaleLockRecoveries, 1) }

func (s *ExecutionStats) IncValidationErrors() { atomic.AddUint64(&s.ValidationErrors, 1) }

func (s *ExecutionStats) IncSimulationPerformed()        { atomic.AddUint64(&s.SimulationPerformed, 1) }
func (s *ExecutionStats) IncSimulationSkipped()          { atomic.AddUint64(&s.SimulationSkipped, 1) }
func (s *ExecutionStats) IncSimulationPredictedReverts()  { atomic.AddUint64(&s.SimulationPredictedReverts, 1) }
func (s *ExecutionStats) IncSimulationProfitRejections() { atomic.AddUint64(&s.SimulationProfitRejections, 1) }
func (s *ExecutionStats) IncSimulationErrors()           { atomic.AddUint64(&s.SimulationErrors, 1) }

func (s *ExecutionStats) IncCircuitBreakerTrips()  { atomic.AddUint64(&s.CircuitBreakerTrips, 1) }
func (s *ExecutionStats) IncCircuitBreakerBlocks() { atomic.AddUint64(&s.CircuitBreakerBlocks, 1) }

func (s *ExecutionStats) IncRiskRejections() { atomic.AddUint64(&s.RiskRejections, 1) }

func (s *ExecutionStats) IncProviderReconnections()        { atomic.AddUint64(&s.ProviderReconnections, 1) }
func (s *ExecutionStats) IncProviderHealthCheckFailures() { atomic.AddUint64(&s.ProviderHealthCheckFailures, 1) }

// Snapshot is a point-in-time, non-atomic copy of every counter, suitable
// for embedding in a health record or a JSON response. Per spec.md §5,
// readers may see a consistent-per-field but not cross-field snapshot.
type Snapshot struct {
	OpportunitiesReceived       uint64
	OpportunitiesRejected       uint64
	ExecutionAttempts           uint64
	ExecutionsSucceeded         uint64
	ExecutionsFailed            uint64
	ExecutionTimeouts           uint64
	QueueRejects                uint64
	LockConflicts               uint64
	StaleLockRecoveries         uint64
	ValidationErrors            uint64
	SimulationPerformed         uint64
	SimulationSkipped           uint64
	SimulationPredictedReverts  uint64
	SimulationProfitRejections  uint64
	SimulationErrors            uint64
	CircuitBreakerTrips         uint64
	CircuitBreakerBlocks        uint64
	RiskRejections              uint64
	ProviderReconnections       uint64
	ProviderHealthCheckFailures uint64
}

// Snapshot reads every counter with atomic.LoadUint64 and returns a plain
// struct copy.
func (s *ExecutionStats) Snapshot() Snapshot {
	return Snapshot{
		OpportunitiesReceived:       atomic.LoadUint64(&s.OpportunitiesReceived),
		OpportunitiesRejected:       atomic.LoadUint64(&s.OpportunitiesRejected),
		ExecutionAttempts:           atomic.LoadUint64(&s.ExecutionAttempts),
		ExecutionsSucceeded:         atomic.LoadUint64(&s.ExecutionsSucceeded),
		ExecutionsFailed:            atomic.LoadUint64(&s.ExecutionsFailed),
		ExecutionTimeouts:           atomic.LoadUint64(&s.ExecutionTimeouts),
		QueueRejects:                atomic.LoadUint64(&s.QueueRejects),
		LockConflicts:               atomic.LoadUint64(&s.LockConflicts),
		StaleLockRecoveries:         atomic.LoadUint64(&s.StaleLockRecoveries),
		ValidationErrors:            atomic.LoadUint64(&s.ValidationErrors),
		SimulationPerformed:         atomic.LoadUint64(&s.SimulationPerformed),
		SimulationSkipped:           atomic.LoadUint64(&s.SimulationSkipped),
		SimulationPredictedReverts:  atomic.LoadUint64(&s.SimulationPredictedReverts),
		SimulationProfitRejections:  atomic.LoadUint64(&s.SimulationProfitRejections),
		SimulationErrors:            atomic.LoadUint64(&s.SimulationErrors),
		CircuitBreakerTrips:         atomic.LoadUint64(&s.CircuitBreakerTrips),
		CircuitBreakerBlocks:        atomic.LoadUint64(&s.CircuitBreakerBlocks),
		RiskRejections:              atomic.LoadUint64(&s.RiskRejections),
		ProviderReconnections:       atomic.LoadUint64(&s.ProviderReconnections),
		ProviderHealthCheckFailures: atomic.LoadUint64(&s.ProviderHealthCheckFailures),
	}
}
