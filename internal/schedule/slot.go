// Package schedule provides a single-timer slot with cancel-then-rearm discipline.
package schedule

import (
	"sync"
	"time"

	"github.com/MrEthical07/authkernel/internal/clock"
)

// Slot holds at most one live timer. Arming replaces any pending timer, and a
// timer that fires after being replaced is ignored.
type Slot struct {
	clock clock.Clock

	mu       sync.Mutex
	timer    clock.Timer
	gen      uint64
	deadline time.Time
}

// New returns an empty Slot driven by c.
func New(c clock.Clock) *Slot {
	if c == nil {
		c = clock.Real()
	}
	return &Slot{clock: c}
}

// Arm cancels any pending timer and schedules fn after d.
func (s *Slot) Arm(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.gen++
	gen := s.gen
	s.deadline = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.gen != gen || s.timer == nil {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.deadline = time.Time{}
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops the pending timer. It reports whether a timer was pending.
func (s *Slot) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	armed := s.timer != nil
	s.stopLocked()
	s.gen++
	return armed
}

// Armed reports whether a timer is pending.
func (s *Slot) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Deadline returns when the pending timer fires.
func (s *Slot) Deadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return time.Time{}, false
	}
	return s.deadline, true
}

func (s *Slot) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.deadline = time.Time{}
}
