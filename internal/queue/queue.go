// Package queue implements the bounded opportunity queue with hysteresis
// backpressure (spec.md §4.1). It is a single-owner FIFO: callers must
// serialize access (one worker-pool feeder upstream), matching the teacher's
// habit of keeping one mutable collection owned entirely by one component.
package queue

import (
	"errors"

	"github.com/flashrelay/arbexec/internal/logging"
	"github.com/flashrelay/arbexec/pkg/types"
)

// Config bounds the queue and sets the two hysteresis thresholds.
// 0 < LowWaterMark < HighWaterMark <= MaxSize must hold.
type Config struct {
	MaxSize       int
	HighWaterMark int
	LowWaterMark  int
}

// Validate enforces the ordering invariant on Config.
func (c Config) Validate() error {
	if c.LowWaterMark <= 0 {
		return errors.New("queue: lowWaterMark must be > 0")
	}
	if c.HighWaterMark <= c.LowWaterMark {
		return errors.New("queue: highWaterMark must be > lowWaterMark")
	}
	if c.MaxSize < c.HighWaterMark {
		return errors.New("queue: maxSize must be >= highWaterMark")
	}
	return nil
}

// PauseStateChangeFunc is invoked exactly once per real pause/resume
// transition, never twice in the same direction consecutively.
type PauseStateChangeFunc func(paused bool)

// Service is the bounded FIFO with hysteresis backpressure and an
// independent manual "standby mode" pause.
//
// Not safe for concurrent enqueue/dequeue from multiple goroutines without
// external serialization — per spec.md §4.1, the queue is single-owner.
type Service struct {
	cfg Config
	log *logging.Logger

	items []*types.Opportunity

	backpressureEngaged bool
	manuallyPaused      bool

	onPauseStateChange PauseStateChangeFunc
}

// New constructs a Service. cfg must already satisfy Config.Validate.
func New(cfg Config, log *logging.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, log: log}, nil
}

// effectivePaused is (backpressureEngaged OR manuallyPaused).
func (s *Service) effectivePaused() bool {
	return s.backpressureEngaged || s.manuallyPaused
}

// Enqueue appends opp to the tail. It returns false iff the queue is full,
// backpressure-engaged, or manually paused.
func (s *Service) Enqueue(opp *types.Opportunity) bool {
	if len(s.items) >= s.cfg.MaxSize || s.effectivePaused() {
		return false
	}

	wasPaused := s.effectivePaused()
	s.items = append(s.items, opp)

	// Tie-break: if an insert simultaneously crosses both thresholds
	// (degenerate config where hi == lo+1 and len jumps past both in one
	// insert is impossible for single-item inserts, but a manual resume
	// racing a backpressure engage in the same tick is not — prefer
	// safety by re-checking engagement, not clearing it.)
	if !s.backpressureEngaged && len(s.items) >= s.cfg.HighWaterMark {
		s.backpressureEngaged = true
	}

	s.notifyIfChanged(wasPaused)
	return true
}

// Dequeue removes and returns the head item, or (nil, false) if empty.
func (s *Service) Dequeue() (*types.Opportunity, bool) {
	if len(s.items) == 0 {
		return nil, false
	}

	wasPaused := s.effectivePaused()
	opp := s.items[0]
	s.items = s.items[1:]

	if s.backpressureEngaged && len(s.items) <= s.cfg.LowWaterMark {
		s.backpressureEngaged = false
	}

	s.notifyIfChanged(wasPaused)
	return opp, true
}

func (s *Service) notifyIfChanged(wasPaused bool) {
	nowPaused := s.effectivePaused()
	if nowPaused == wasPaused {
		return
	}
	if s.onPauseStateChange != nil {
		s.onPauseStateChange(nowPaused)
	}
}

// Size returns the current queue length.
func (s *Service) Size() int { return len(s.items) }

// IsPaused returns the effective paused state: backpressure OR manual.
func (s *Service) IsPaused() bool { return s.effectivePaused() }

// Pause enters "standby mode": externally triggered, does not auto-release.
// If the queue is already backpressure-paused, this does not re-notify.
func (s *Service) Pause() {
	if s.manuallyPaused {
		return
	}
	wasPaused := s.effectivePaused()
	s.manuallyPaused = true
	s.notifyIfChanged(wasPaused)
}

// Resume clears manual pause. If backpressure is still engaged, this does
// not notify "unpaused" — the effective state hasn't changed.
func (s *Service) Resume() {
	if !s.manuallyPaused {
		return
	}
	wasPaused := s.effectivePaused()
	s.manuallyPaused = false
	s.notifyIfChanged(wasPaused)
}

// OnPauseStateChange registers the single pause/resume listener. Only one
// listener is supported; a second call replaces the first.
func (s *Service) OnPauseStateChange(cb PauseStateChangeFunc) {
	s.onPauseStateChange = cb
}

// Clear empties the queue and releases backpressure (an empty queue cannot
// be over a high watermark), without firing pause-state notifications —
// callers that need the transition announced should inspect IsPaused after.
func (s *Service) Clear() {
	s.items = nil
	s.backpressureEngaged = false
}
