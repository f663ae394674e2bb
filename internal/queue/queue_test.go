package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashrelay/arbexec/pkg/types"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s, err := New(cfg, nil)
	require.NoError(t, err)
	return s
}

func opp(id string) *types.Opportunity {
	return &types.Opportunity{Id: id}
}

func TestConfigValidate(t *testing.T) {
	_, err := New(Config{MaxSize: 10, HighWaterMark: 5, LowWaterMark: 0}, nil)
	assert.Error(t, err)

	_, err = New(Config{MaxSize: 10, HighWaterMark: 3, LowWaterMark: 5}, nil)
	assert.Error(t, err)

	_, err = New(Config{MaxSize: 2, HighWaterMark: 5, LowWaterMark: 3}, nil)
	assert.Error(t, err)

	_, err = New(Config{MaxSize: 10, HighWaterMark: 5, LowWaterMark: 2}, nil)
	assert.NoError(t, err)
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	s := newTestService(t, Config{MaxSize: 10, HighWaterMark: 8, LowWaterMark: 3})

	require.True(t, s.Enqueue(opp("a")))
	require.True(t, s.Enqueue(opp("b")))
	assert.Equal(t, 2, s.Size())

	got, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", got.Id)

	got, ok = s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "b", got.Id)

	_, ok = s.Dequeue()
	assert.False(t, ok)
}

func TestHysteresisEngagesAtHighWatermarkReleasesAtLow(t *testing.T) {
	s := newTestService(t, Config{MaxSize: 10, HighWaterMark: 4, LowWaterMark: 2})

	var transitions []bool
	s.OnPauseStateChange(func(paused bool) { transitions = append(transitions, paused) })

	for i := 0; i < 4; i++ {
		require.True(t, s.Enqueue(opp("x")))
	}
	require.True(t, s.IsPaused(), "backpressure should engage at high watermark")
	require.Equal(t, []bool{true}, transitions)

	// Further enqueue attempts are rejected while paused, even under MaxSize.
	assert.False(t, s.Enqueue(opp("y")))
	assert.Equal(t, 4, s.Size())

	// Dequeue down to (but not below) the low watermark: still engaged.
	_, _ = s.Dequeue()
	assert.True(t, s.IsPaused())
	assert.Equal(t, []bool{true}, transitions)

	_, _ = s.Dequeue()
	// size is now 2 == LowWaterMark: backpressure releases.
	assert.False(t, s.IsPaused())
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestManualPauseIndependentOfBackpressure(t *testing.T) {
	s := newTestService(t, Config{MaxSize: 10, HighWaterMark: 8, LowWaterMark: 2})

	require.True(t, s.Enqueue(opp("a")))
	s.Pause()
	assert.True(t, s.IsPaused())
	assert.False(t, s.Enqueue(opp("b")), "manual pause blocks enqueue even under watermark")

	s.Resume()
	assert.False(t, s.IsPaused())
	assert.True(t, s.Enqueue(opp("b")))
}

func TestManualPauseDuringBackpressureDoesNotDoubleNotify(t *testing.T) {
	s := newTestService(t, Config{MaxSize: 10, HighWaterMark: 2, LowWaterMark: 1})

	var transitions []bool
	s.OnPauseStateChange(func(paused bool) { transitions = append(transitions, paused) })

	require.True(t, s.Enqueue(opp("a")))
	require.True(t, s.Enqueue(opp("b")))
	require.Equal(t, []bool{true}, transitions) // backpressure engaged

	s.Pause() // already effectively paused; no new transition
	assert.Equal(t, []bool{true}, transitions)

	_, _ = s.Dequeue() // size drops to 1 == low watermark, backpressure clears
	// but manual pause still holds the effective state paused: no transition
	assert.True(t, s.IsPaused())
	assert.Equal(t, []bool{true}, transitions)

	s.Resume()
	assert.False(t, s.IsPaused())
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestMaxSizeRejectsBeyondBound(t *testing.T) {
	_, err := New(Config{MaxSize: 2, HighWaterMark: 5, LowWaterMark: 1}, nil)
	// HighWaterMark above MaxSize is rejected by Validate; use a config whose
	// HighWaterMark equals MaxSize, so the insert that fills the queue also
	// engages backpressure and the third enqueue is refused on both counts.
	require.Error(t, err)
	s := newTestService(t, Config{MaxSize: 2, HighWaterMark: 2, LowWaterMark: 1})

	require.True(t, s.Enqueue(opp("a")))
	// second enqueue hits MaxSize == HighWaterMark simultaneously; still
	// accepted since the bound check happens before insertion.
	require.True(t, s.Enqueue(opp("b")))
	assert.False(t, s.Enqueue(opp("c")))
}

func TestClearEmptiesWithoutNotifying(t *testing.T) {
	s := newTestService(t, Config{MaxSize: 10, HighWaterMark: 2, LowWaterMark: 1})

	var transitions []bool
	s.OnPauseStateChange(func(paused bool) { transitions = append(transitions, paused) })

	require.True(t, s.Enqueue(opp("a")))
	require.True(t, s.Enqueue(opp("b")))
	require.True(t, s.IsPaused())

	s.Clear()
	assert.Equal(t, 0, s.Size())
	// Clear releases backpressure (nothing can be over-watermark at size 0)
	// but does not fire the pause-state callback itself.
	assert.False(t, s.IsPaused())
	assert.Equal(t, []bool{true}, transitions)
}
