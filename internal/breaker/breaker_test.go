package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashrelay/arbexec/internal/logging"
	"github.com/flashrelay/arbexec/internal/stats"
)

type fakePublisher struct {
	events chan Event
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{events: make(chan Event, 16)}
}

func (f *fakePublisher) PublishCircuitBreakerEvent(e Event) {
	f.events <- e
}

func newTestManager(cfg Config, pub Publisher) (*Manager, *stats.ExecutionStats) {
	st := &stats.ExecutionStats{}
	m := New(cfg, logging.NewDiscard(), st, pub)
	return m, st
}

func TestClosedAllowsUntilThreshold(t *testing.T) {
	m, st := newTestManager(Config{FailureThreshold: 3, OpenDuration: time.Minute, HalfOpenSuccessThreshold: 1}, nil)

	assert.True(t, m.Allow("eth"))
	m.RecordFailure("eth")
	assert.Equal(t, StateClosed, m.State("eth"))
	m.RecordFailure("eth")
	assert.Equal(t, StateClosed, m.State("eth"))
	m.RecordFailure("eth")
	assert.Equal(t, StateOpen, m.State("eth"))
	assert.EqualValues(t, 1, st.Snapshot().CircuitBreakerTrips)

	assert.False(t, m.Allow("eth"))
	assert.EqualValues(t, 1, st.Snapshot().CircuitBreakerBlocks)
}

func TestOpenTransitionsToHalfOpenAfterDuration(t *testing.T) {
	m, _ := newTestManager(Config{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond, HalfOpenSuccessThreshold: 1}, nil)

	m.RecordFailure("bsc")
	require.Equal(t, StateOpen, m.State("bsc"))
	assert.False(t, m.Allow("bsc"))

	time.Sleep(15 * time.Millisecond)
	assert.True(t, m.Allow("bsc"))
	assert.Equal(t, StateHalfOpen, m.State("bsc"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	m, _ := newTestManager(Config{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenSuccessThreshold: 2}, nil)

	m.RecordFailure("poly")
	time.Sleep(2 * time.Millisecond)
	require.True(t, m.Allow("poly")) // moves to half-open

	m.RecordFailure("poly")
	assert.Equal(t, StateOpen, m.State("poly"))
}

func TestHalfOpenRecoversAfterSuccessThreshold(t *testing.T) {
	m, _ := newTestManager(Config{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenSuccessThreshold: 2}, nil)

	m.RecordFailure("arb")
	time.Sleep(2 * time.Millisecond)
	require.True(t, m.Allow("arb"))

	m.RecordSuccess("arb")
	assert.Equal(t, StateHalfOpen, m.State("arb"))
	m.RecordSuccess("arb")
	assert.Equal(t, StateClosed, m.State("arb"))
}

func TestHalfOpenLimitsConcurrentProbes(t *testing.T) {
	m, _ := newTestManager(Config{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenSuccessThreshold: 1, HalfOpenMaxAttempts: 1}, nil)

	m.RecordFailure("avax")
	time.Sleep(2 * time.Millisecond)

	require.True(t, m.Allow("avax")) // OPEN -> HALF_OPEN, admits the one probe slot
	assert.False(t, m.Allow("avax"), "a second concurrent probe should be rejected")

	m.Conclude("avax")
	assert.True(t, m.Allow("avax"), "slot is released once the first probe concludes")
}

func TestConcludeIsNoOpOutsideHalfOpen(t *testing.T) {
	m, _ := newTestManager(Config{FailureThreshold: 3, OpenDuration: time.Minute, HalfOpenSuccessThreshold: 1}, nil)

	assert.True(t, m.Allow("sol"))
	m.Conclude("sol") // no-op: CLOSED never tracked a probe
	assert.True(t, m.Allow("sol"))
}

func TestDisabledAlwaysAllows(t *testing.T) {
	m, _ := newTestManager(Config{FailureThreshold: 1, OpenDuration: time.Hour, HalfOpenSuccessThreshold: 1, Disabled: true}, nil)

	m.RecordFailure("op")
	assert.True(t, m.Allow("op"))
	assert.Equal(t, StateClosed, m.State("op"))
}

func TestForceOpenAndForceClose(t *testing.T) {
	m, _ := newTestManager(Config{FailureThreshold: 5, OpenDuration: time.Hour, HalfOpenSuccessThreshold: 1}, nil)

	m.ForceOpen("base")
	assert.Equal(t, StateOpen, m.State("base"))
	assert.False(t, m.Allow("base"))

	m.ForceClose("base")
	assert.Equal(t, StateClosed, m.State("base"))
	assert.True(t, m.Allow("base"))
}

func TestTransitionsPublishEvents(t *testing.T) {
	pub := newFakePublisher()
	m, _ := newTestManager(Config{FailureThreshold: 1, OpenDuration: time.Hour, HalfOpenSuccessThreshold: 1}, pub)

	m.RecordFailure("zk")

	select {
	case evt := <-pub.events:
		assert.Equal(t, "zk", evt.Chain)
		assert.Equal(t, StateClosed, evt.From)
		assert.Equal(t, StateOpen, evt.To)
		assert.Equal(t, 1, evt.ConsecutiveFailures)
		assert.Equal(t, time.Hour.Milliseconds(), evt.CooldownRemainingMs)
	case <-time.After(time.Second):
		t.Fatal("expected a published circuit breaker event")
	}
}

func TestChainsAreIndependent(t *testing.T) {
	m, _ := newTestManager(Config{FailureThreshold: 1, OpenDuration: time.Hour, HalfOpenSuccessThreshold: 1}, nil)

	m.RecordFailure("eth")
	assert.Equal(t, StateOpen, m.State("eth"))
	assert.Equal(t, StateClosed, m.State("bsc"))
	assert.True(t, m.Allow("bsc"))
}
