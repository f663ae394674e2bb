// Package health implements the periodic health / backpressure loop
// (spec.md §4.6): one ~30s tick that assembles a health record, publishes
// it, trims unbounded caches (gas-price baselines, lock-conflict entries),
// and optionally runs a second, independently-configured timer that claims
// stream messages orphaned by a dead consumer.
//
// Every step is wrapped so a single failure logs and the tick continues —
// "a tick must never throw" (spec.md §4.6) — following the teacher's
// pattern of catching and logging inside blackhole.go's monitoring loop
// rather than letting one bad sample kill the goroutine.
package health

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/flashrelay/arbexec/internal/lockconflict"
	"github.com/flashrelay/arbexec/internal/logging"
	"github.com/flashrelay/arbexec/internal/stats"
)

// gasBaselineWindow and gasBaselineCap bound the per-chain gas-price
// history (spec.md §3 GasBaselineEntry, §4.6 step 5, S6).
const (
	gasBaselineWindow = 5 * time.Minute
	gasBaselineCap    = 100
)

// GasBaselineEntry is one sampled gas price for a chain.
type GasBaselineEntry struct {
	Price *big.Int
	At    time.Time
}

// SimulationStatus classifies the external simulation service's
// reachability for the health record.
type SimulationStatus string

const (
	SimNotConfigured SimulationStatus = "not_configured"
	SimHealthy       SimulationStatus = "healthy"
	SimDegraded      SimulationStatus = "degraded"
)

// SimulationProviderHealth is one simulation provider's healthy flag, as
// reported by the out-of-scope external simulation service's metrics
// snapshot.
type SimulationProviderHealth struct {
	Name    string
	Healthy bool
}

// QueueStater is the narrow view of internal/queue.Service the monitor
// needs.
type QueueStater interface {
	Size() int
	IsPaused() bool
}

// Publisher appends a health record to the health stream.
type Publisher interface {
	PublishHealth(ctx context.Context, record any) error
}

// ServiceHealthSetter writes the best-effort external service-health key.
type ServiceHealthSetter interface {
	SetServiceHealth(ctx context.Context, payload any) error
}

// StalePendingClaimer recovers broker messages stuck in a dead consumer's
// pending entries list; implemented by internal/eventstream over Redis
// Streams' XAUTOCLAIM.
type StalePendingClaimer interface {
	ClaimStalePending(ctx context.Context, minIdle time.Duration) (claimed int, err error)
}

// Record is one health tick's output, published to the health stream.
type Record struct {
	Service              string           `json:"service"`
	Name                 string           `json:"name"`
	Status               string           `json:"status"`
	QueueSize            int              `json:"queueSize"`
	QueuePaused          bool             `json:"queuePaused"`
	ActiveExecutions     int              `json:"activeExecutions"`
	PendingOpportunities int              `json:"pendingOpportunities"`
	Stats                stats.Snapshot   `json:"stats"`
	SimulationStatus     SimulationStatus `json:"simulationStatus"`
	Timestamp            time.Time        `json:"timestamp"`
}

// Monitor runs the periodic tick. Construct with New, call Start to launch
// the goroutine(s), Stop to cancel them.
type Monitor struct {
	serviceName string

	interval            time.Duration
	stalePendingInterval time.Duration // 0 disables the second timer

	queue    QueueStater
	st       *stats.ExecutionStats
	tracker  *lockconflict.Tracker
	log      *logging.Logger
	pub      Publisher            // nilable
	hset     ServiceHealthSetter  // nilable
	claimer  StalePendingClaimer  // nilable

	activeExecutions     func() int
	pendingOpportunities func() int
	simulationSnapshot   func() ([]SimulationProviderHealth, bool) // bool = configured

	mu            sync.Mutex
	gasBaselines  map[string][]GasBaselineEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config bundles everything Monitor needs beyond its required
// collaborators (queue, stats, tracker, log), all of which may be nil/no-op
// where a collaborator isn't wired.
type Config struct {
	ServiceName           string
	Interval               time.Duration // 0 defaults to 30s
	StalePendingInterval   time.Duration // 0 disables
	Publisher              Publisher
	ServiceHealth          ServiceHealthSetter
	StalePendingClaimer    StalePendingClaimer
	ActiveExecutions       func() int
	PendingOpportunities   func() int
	SimulationSnapshot     func() ([]SimulationProviderHealth, bool)
}

// New constructs a Monitor.
func New(queue QueueStater, st *stats.ExecutionStats, tracker *lockconflict.Tracker, log *logging.Logger, cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	name := cfg.ServiceName
	if name == "" {
		name = "arbexec"
	}
	return &Monitor{
		serviceName:          name,
		interval:             interval,
		stalePendingInterval: cfg.StalePendingInterval,
		queue:                queue,
		st:                   st,
		tracker:              tracker,
		log:                  log,
		pub:                  cfg.Publisher,
		hset:                 cfg.ServiceHealth,
		claimer:              cfg.StalePendingClaimer,
		activeExecutions:     cfg.ActiveExecutions,
		pendingOpportunities: cfg.PendingOpportunities,
		simulationSnapshot:   cfg.SimulationSnapshot,
		gasBaselines:         make(map[string][]GasBaselineEntry),
		stopCh:               make(chan struct{}),
	}
}

// RecordGasBaseline appends one sampled gas price for chain. Called by
// internal/rpcprovider's health-check tick right after a successful
// getBlockNumber probe also samples eth_gasPrice (SPEC_FULL.md's "Gas
// baseline sampling feed" supplement).
func (m *Monitor) RecordGasBaseline(chain string, price *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gasBaselines[chain] = append(m.gasBaselines[chain], GasBaselineEntry{Price: price, At: time.Now()})
}

// GasBaselineLen reports chain's current history length, for tests and
// operational inspection.
func (m *Monitor) GasBaselineLen(chain string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.gasBaselines[chain])
}

// Start launches the tick goroutine(s).
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Tick()
			}
		}
	}()

	if m.stalePendingInterval > 0 && m.claimer != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(m.stalePendingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.stopCh:
					return
				case <-ticker.C:
					m.cleanStalePending()
				}
			}
		}()
	}
}

// Stop cancels every timer and waits for the goroutines to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Tick runs one health cycle synchronously — exported so tests and a
// manual "force a health check" admin command can invoke it directly.
func (m *Monitor) Tick() {
	record := m.assembleRecord()

	m.safely("publish health record", func() error {
		if m.pub == nil {
			return nil
		}
		return m.pub.PublishHealth(context.Background(), record)
	})

	m.safely("update service health key", func() error {
		if m.hset == nil {
			return nil
		}
		return m.hset.SetServiceHealth(context.Background(), record)
	})

	m.safely("trim gas baselines", func() error {
		m.trimGasBaselines()
		return nil
	})

	m.safely("clean stale lock-conflict entries", func() error {
		if m.tracker != nil {
			m.tracker.Cleanup()
		}
		return nil
	})

	m.safely("log health check", func() error {
		if m.log != nil {
			m.log.Info().
				Str("status", record.Status).
				Int("queueSize", record.QueueSize).
				Bool("queuePaused", record.QueuePaused).
				Str("simulationStatus", string(record.SimulationStatus)).
				Log("health check")
		}
		return nil
	})
}

func (m *Monitor) assembleRecord() Record {
	status := "healthy"
	queueSize, queuePaused := 0, false
	if m.queue != nil {
		queueSize = m.queue.Size()
		queuePaused = m.queue.IsPaused()
	}

	active := 0
	if m.activeExecutions != nil {
		active = m.activeExecutions()
	}
	pending := queueSize
	if m.pendingOpportunities != nil {
		pending = m.pendingOpportunities()
	}

	var snap stats.Snapshot
	if m.st != nil {
		snap = m.st.Snapshot()
	}

	simStatus := m.determineSimulationStatus()
	if simStatus == SimDegraded {
		status = "degraded"
	}

	return Record{
		Service:              "execution-core",
		Name:                 m.serviceName,
		Status:               status,
		QueueSize:            queueSize,
		QueuePaused:          queuePaused,
		ActiveExecutions:     active,
		PendingOpportunities: pending,
		Stats:                snap,
		SimulationStatus:     simStatus,
		Timestamp:            time.Now(),
	}
}

// determineSimulationStatus implements spec.md §4.6 step 2: not_configured
// with no snapshot, healthy if any provider reports healthy, degraded
// otherwise.
func (m *Monitor) determineSimulationStatus() SimulationStatus {
	if m.simulationSnapshot == nil {
		return SimNotConfigured
	}
	providers, configured := m.simulationSnapshot()
	if !configured {
		return SimNotConfigured
	}
	for _, p := range providers {
		if p.Healthy {
			return SimHealthy
		}
	}
	return SimDegraded
}

// trimGasBaselines drops entries older than gasBaselineWindow, then caps
// each chain's remaining history at gasBaselineCap, keeping the most
// recent entries (S6: a 6-minute-old entry is dropped; 150 same-timestamp
// entries collapse to the most recent 100).
func (m *Monitor) trimGasBaselines() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for chain, entries := range m.gasBaselines {
		fresh := entries[:0:0]
		for _, e := range entries {
			if now.Sub(e.At) <= gasBaselineWindow {
				fresh = append(fresh, e)
			}
		}
		if len(fresh) > gasBaselineCap {
			fresh = fresh[len(fresh)-gasBaselineCap:]
		}
		if len(fresh) == 0 {
			delete(m.gasBaselines, chain)
			continue
		}
		m.gasBaselines[chain] = fresh
	}
}

func (m *Monitor) cleanStalePending() {
	m.safely("claim stale pending messages", func() error {
		if m.claimer == nil {
			return nil
		}
		claimed, err := m.claimer.ClaimStalePending(context.Background(), m.stalePendingInterval)
		if err != nil {
			return err
		}
		if claimed > 0 && m.log != nil {
			m.log.Info().Int("claimed", claimed).Log("reclaimed stale pending stream messages")
		}
		return nil
	})
}

// safely runs fn, logging (never propagating) any error it returns.
func (m *Monitor) safely(step string, fn func() error) {
	if err := fn(); err != nil && m.log != nil {
		m.log.Err().Str("step", step).Str("error", err.Error()).Log("health tick step failed")
	}
}
