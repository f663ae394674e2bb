package lockconflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixedClockTracker(cfg Config, start time.Time) (*Tracker, *time.Time) {
	tr := New(cfg)
	cur := start
	tr.now = func() time.Time { return cur }
	return tr, &cur
}

func TestRecordConflictTripsAtThreshold(t *testing.T) {
	tr, cur := newFixedClockTracker(Config{WindowMs: 60_000, MinAgeMs: 0, ConflictThreshold: 3}, time.Now())

	assert.False(t, tr.RecordConflict("x"))
	*cur = cur.Add(time.Second)
	assert.False(t, tr.RecordConflict("x"))
	*cur = cur.Add(time.Second)
	assert.True(t, tr.RecordConflict("x"))
}

func TestWindowResetAfterGap(t *testing.T) {
	tr, cur := newFixedClockTracker(Config{WindowMs: 60_000, MinAgeMs: 0, ConflictThreshold: 3}, time.Now())

	require.False(t, tr.RecordConflict("x"))
	require.False(t, tr.RecordConflict("x"))
	require.True(t, tr.RecordConflict("x"))

	*cur = cur.Add(120 * time.Second)
	assert.False(t, tr.RecordConflict("x"))
}

func TestRecordConflictGatesOnMinAge(t *testing.T) {
	tr, cur := newFixedClockTracker(Config{WindowMs: 60_000, MinAgeMs: 5_000, ConflictThreshold: 3}, time.Now())

	assert.False(t, tr.RecordConflict("x"))
	*cur = cur.Add(time.Second)
	assert.False(t, tr.RecordConflict("x"))
	*cur = cur.Add(time.Second)
	// count hits the threshold (3) here, but only 2s have elapsed since
	// firstSeen against a 5s MinAgeMs gate.
	assert.False(t, tr.RecordConflict("x"))
	*cur = cur.Add(4 * time.Second)
	assert.True(t, tr.RecordConflict("x"))
}

func TestCleanupEvictsStaleEntries(t *testing.T) {
	tr, cur := newFixedClockTracker(Config{WindowMs: 60_000, MinAgeMs: 0, ConflictThreshold: 3}, time.Now())
	tr.RecordConflict("stale")

	*cur = cur.Add(5 * time.Minute)
	tr.Cleanup()
	assert.Equal(t, 0, tr.Len())
}

func TestCleanupEnforcesMaxEntries(t *testing.T) {
	tr, _ := newFixedClockTracker(Config{WindowMs: 60_000, MinAgeMs: 0, ConflictThreshold: 3, MaxEntries: 5}, time.Now())
	for i := 0; i < 20; i++ {
		tr.RecordConflict(string(rune('a' + i)))
	}
	tr.Cleanup()
	assert.LessOrEqual(t, tr.Len(), 5)
}

func TestSingletonReturnsSameInstance(t *testing.T) {
	ResetLockConflictTracker()
	defer ResetLockConflictTracker()

	a := GetLockConflictTracker(Config{WindowMs: 1000, ConflictThreshold: 2})
	b := GetLockConflictTracker(Config{WindowMs: 999999, ConflictThreshold: 99})
	assert.Same(t, a, b)
}
