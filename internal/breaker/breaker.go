// Package breaker implements the per-chain circuit breaker fleet (spec.md
// §4.2): a lazily populated map of independent CLOSED/OPEN/HALF_OPEN state
// machines, one per chain, gating execution attempts without serializing
// unrelated chains against each other.
package breaker

import (
	"sync"
	"time"

	"github.com/flashrelay/arbexec/internal/logging"
	"github.com/flashrelay/arbexec/internal/stats"
)

// State is one breaker's position in the CLOSED/OPEN/HALF_OPEN machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Event describes one breaker state transition, published fire-and-forget
// to the downstream circuit-breaker stream.
type Event struct {
	Chain               string
	From                State
	To                  State
	Reason              string
	At                  time.Time
	ConsecutiveFailures int
	CooldownRemainingMs int64
}

// Publisher is implemented by internal/eventstream; kept as a narrow
// interface here so breaker never imports the transport package.
type Publisher interface {
	PublishCircuitBreakerEvent(Event)
}

// Config sets the trip threshold and recovery timing, shared by every
// chain's breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips a
	// CLOSED breaker to OPEN.
	FailureThreshold int
	// OpenDuration is how long a breaker stays OPEN before trying
	// HALF_OPEN.
	OpenDuration time.Duration
	// HalfOpenSuccessThreshold is consecutive successes in HALF_OPEN needed
	// to return to CLOSED.
	HalfOpenSuccessThreshold int
	// HalfOpenMaxAttempts bounds the number of concurrent probe attempts
	// admitted while a breaker is HALF_OPEN; further Allow calls return
	// false until a probe concludes. <= 0 is treated as 1.
	HalfOpenMaxAttempts int
	// Disabled fails open: Allow always returns true, RecordFailure and
	// RecordSuccess are no-ops. Matches spec.md §4.2's "feature flag makes
	// the breaker invisible, never a silent block."
	Disabled bool
}

type chainBreaker struct {
	mu               sync.Mutex
	state            State
	consecutiveFails int
	consecutiveOK    int
	openedAt         time.Time
	probesInFlight   int
}

// Manager owns one chainBreaker per chain, created on first reference.
type Manager struct {
	cfg Config
	log *logging.Logger
	st  *stats.ExecutionStats
	pub Publisher

	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*chainBreaker
}

// New constructs a Manager. pub may be nil, in which case transitions are
// not published anywhere (used in tests).
func New(cfg Config, log *logging.Logger, st *stats.ExecutionStats, pub Publisher) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log,
		st:       st,
		pub:      pub,
		now:      time.Now,
		breakers: make(map[string]*chainBreaker),
	}
}

func (m *Manager) breakerFor(chain string) *chainBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[chain]
	if !ok {
		cb = &chainBreaker{state: StateClosed}
		m.breakers[chain] = cb
	}
	return cb
}

// Allow reports whether an execution attempt against chain may proceed.
// OPEN blocks; CLOSED allows; HALF_OPEN allows up to HalfOpenMaxAttempts
// in-flight probes and blocks beyond that. When the breaker is OPEN and
// OpenDuration has elapsed, Allow itself performs the OPEN->HALF_OPEN
// transition (the "hot path does the transition" design spec.md calls for,
// rather than a background ticker per chain).
func (m *Manager) Allow(chain string) bool {
	if m.cfg.Disabled {
		return true
	}

	cb := m.breakerFor(chain)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probesInFlight >= m.halfOpenMaxAttempts() {
			return false
		}
		cb.probesInFlight++
		return true
	case StateOpen:
		if m.now().Sub(cb.openedAt) >= m.cfg.OpenDuration {
			m.transition(cb, chain, StateHalfOpen, "open-duration-elapsed")
			cb.probesInFlight = 1
			return true
		}
		if m.st != nil {
			m.st.IncCircuitBreakerBlocks()
		}
		return false
	default:
		return true
	}
}

// RecordFailure registers a failed execution attempt against chain.
func (m *Manager) RecordFailure(chain string) {
	if m.cfg.Disabled {
		return
	}
	cb := m.breakerFor(chain)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveOK = 0

	switch cb.state {
	case StateClosed:
		cb.consecutiveFails++
		if cb.consecutiveFails >= m.cfg.FailureThreshold {
			m.transition(cb, chain, StateOpen, "failure-threshold-reached")
		}
	case StateHalfOpen:
		m.transition(cb, chain, StateOpen, "probe-failed")
	case StateOpen:
		// already open; nothing to escalate
	}
}

// RecordSuccess registers a successful execution attempt against chain.
func (m *Manager) RecordSuccess(chain string) {
	if m.cfg.Disabled {
		return
	}
	cb := m.breakerFor(chain)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails = 0

	switch cb.state {
	case StateHalfOpen:
		cb.consecutiveOK++
		if cb.consecutiveOK >= m.cfg.HalfOpenSuccessThreshold {
			m.transition(cb, chain, StateClosed, "half-open-recovered")
		}
	case StateClosed, StateOpen:
		// a success against an OPEN breaker shouldn't occur (Allow blocks
		// it), but is harmless if it does via a racing caller.
	}
}

// ForceOpen trips chain's breaker regardless of its failure count, for the
// admin surface (spec.md §3's AdminCommand).
func (m *Manager) ForceOpen(chain string) {
	cb := m.breakerFor(chain)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		m.transition(cb, chain, StateOpen, "admin-force-open")
	}
}

// ForceClose resets chain's breaker to CLOSED regardless of its state.
func (m *Manager) ForceClose(chain string) {
	cb := m.breakerFor(chain)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		m.transition(cb, chain, StateClosed, "admin-force-close")
	}
	cb.consecutiveFails = 0
	cb.consecutiveOK = 0
}

func (m *Manager) halfOpenMaxAttempts() int {
	if m.cfg.HalfOpenMaxAttempts <= 0 {
		return 1
	}
	return m.cfg.HalfOpenMaxAttempts
}

// Conclude releases a HALF_OPEN probe slot admitted by Allow, regardless of
// the outcome recorded for it (or none at all). Callers that receive a true
// from Allow should defer Conclude so a probe abandoned before RecordSuccess/
// RecordFailure (e.g. rejected by a later pipeline gate) never leaks a slot.
// A no-op outside HALF_OPEN.
func (m *Manager) Conclude(chain string) {
	cb := m.breakerFor(chain)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.probesInFlight > 0 {
		cb.probesInFlight--
	}
}

// State returns chain's current breaker state, creating it CLOSED if unseen.
func (m *Manager) State(chain string) State {
	cb := m.breakerFor(chain)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with cb.mu held. It updates state and fires the
// publish + stats + log side effects fire-and-forget so a slow subscriber
// never blocks the hot path.
func (m *Manager) transition(cb *chainBreaker, chain string, to State, reason string) {
	from := cb.state
	failures := cb.consecutiveFails
	cb.state = to
	if to == StateOpen {
		cb.openedAt = m.now()
		cb.consecutiveFails = 0
	}
	if to == StateHalfOpen {
		cb.consecutiveOK = 0
		cb.probesInFlight = 0
	}
	if to != StateHalfOpen {
		cb.probesInFlight = 0
	}

	var cooldownRemaining time.Duration
	if to == StateOpen {
		cooldownRemaining = m.cfg.OpenDuration
	}

	if m.st != nil && to == StateOpen && from != StateOpen {
		m.st.IncCircuitBreakerTrips()
	}

	if m.log != nil {
		m.log.Info().
			Str("chain", chain).
			Str("from", string(from)).
			Str("to", string(to)).
			Str("reason", reason).
			Log("circuit breaker transition")
	}

	if m.pub != nil {
		evt := Event{
			Chain:               chain,
			From:                from,
			To:                  to,
			Reason:              reason,
			At:                  m.now(),
			ConsecutiveFailures: failures,
			CooldownRemainingMs: cooldownRemaining.Milliseconds(),
		}
		go m.pub.PublishCircuitBreakerEvent(evt)
	}
}
