// Package lockconflict tracks repeated lock contention on the same
// opportunity id within a rolling time window, surfacing a signal the
// coordinator uses to treat a lock that keeps blocking the same id as
// crash-orphaned and take it over (spec.md §4.5).
package lockconflict

import (
	"sync"
	"time"
)

// ConflictEntry is one id's rolling conflict state.
type ConflictEntry struct {
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
}

// Config bounds the tracker's window, the minimum entry age (since its first
// conflict) before RecordConflict can report a trip, the trip threshold, and
// the total entry cap.
type Config struct {
	WindowMs         int64
	MinAgeMs         int64
	ConflictThreshold int
	MaxEntries       int
}

// Tracker records per-id conflicts in a rolling window and reports when an
// id crosses ConflictThreshold within WindowMs.
type Tracker struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*ConflictEntry
}

// New constructs a Tracker. A zero-value Config field falls back to the
// package defaults (window 60s, threshold 3, cap 1000).
func New(cfg Config) *Tracker {
	if cfg.WindowMs == 0 {
		cfg.WindowMs = 60_000
	}
	if cfg.ConflictThreshold == 0 {
		cfg.ConflictThreshold = 3
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 1000
	}
	return &Tracker{cfg: cfg, now: time.Now, entries: make(map[string]*ConflictEntry)}
}

// RecordConflict registers one conflict for id. Per spec.md §4.5:
//  1. No prior entry: insert {firstSeen=now, count=1}; return false.
//  2. Prior entry but the gap since its last conflict exceeds WindowMs:
//     treat it as stale, replace with {firstSeen=now, count=1}; return false.
//  3. Otherwise: increment count; return true iff count >= ConflictThreshold
//     AND now - firstSeen >= MinAgeMs.
func (t *Tracker) RecordConflict(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	window := time.Duration(t.cfg.WindowMs) * time.Millisecond

	e, ok := t.entries[id]
	if !ok {
		t.entries[id] = &ConflictEntry{Count: 1, FirstSeen: now, LastSeen: now}
		return false
	}

	if now.Sub(e.LastSeen) > window {
		e.Count = 1
		e.FirstSeen = now
		e.LastSeen = now
		return false
	}

	e.Count++
	e.LastSeen = now

	minAge := time.Duration(t.cfg.MinAgeMs) * time.Millisecond
	return e.Count >= t.cfg.ConflictThreshold && now.Sub(e.FirstSeen) >= minAge
}

// Cleanup evicts entries whose firstSeen is older than 2*WindowMs (spec.md
// §4.5), then, if still over MaxEntries, evicts the least-recently-seen
// entries until at or under the cap.
func (t *Tracker) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	window := time.Duration(t.cfg.WindowMs) * time.Millisecond

	for id, e := range t.entries {
		if now.Sub(e.FirstSeen) > 2*window {
			delete(t.entries, id)
		}
	}

	if len(t.entries) <= t.cfg.MaxEntries {
		return
	}

	type idAge struct {
		id       string
		lastSeen time.Time
	}
	all := make([]idAge, 0, len(t.entries))
	for id, e := range t.entries {
		all = append(all, idAge{id, e.LastSeen})
	}
	for len(t.entries) > t.cfg.MaxEntries {
		oldestIdx := 0
		for i := range all {
			if all[i].lastSeen.Before(all[oldestIdx].lastSeen) {
				oldestIdx = i
			}
		}
		delete(t.entries, all[oldestIdx].id)
		all = append(all[:oldestIdx], all[oldestIdx+1:]...)
	}
}

// Len reports the current entry count, for tests and health reporting.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

var (
	singletonMu sync.Mutex
	singleton   *Tracker
)

// GetLockConflictTracker returns the process-wide Tracker, constructing it
// from cfg on first call. Later calls ignore cfg and return the existing
// instance, matching spec.md §9's "process-scoped instance" guidance for
// what was a source-language singleton.
func GetLockConflictTracker(cfg Config) *Tracker {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton == nil {
		singleton = New(cfg)
	}
	return singleton
}

// ResetLockConflictTracker discards the process-wide Tracker; exists only
// for shutdown and test isolation.
func ResetLockConflictTracker() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	singleton = nil
}
