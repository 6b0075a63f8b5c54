// Package frameloop schedules fixed-rate ticks against the wall clock.
package frameloop

import "time"

// DefaultTickRate is the simulation rate of both peers.
const DefaultTickRate = 60

// Schedule yields tick deadlines on a fixed grid anchored at its start time.
// A tick that overruns its budget does not push later ticks back: the next
// deadline is the next grid point after now, and missed grid points are
// skipped rather than run in a burst.
type Schedule struct {
	start    time.Time
	interval time.Duration
	n        int64
}

// NewSchedule anchors a grid of interval-spaced ticks at start. The first
// tick is due at start itself.
func NewSchedule(start time.Time, interval time.Duration) *Schedule {
	if interval <= 0 {
		interval = Interval(DefaultTickRate)
	}
	return &Schedule{start: start, interval: interval}
}

// Interval converts a tick rate in Hz to a tick interval.
func Interval(rate int) time.Duration {
	if rate <= 0 {
		rate = DefaultTickRate
	}
	return time.Second / time.Duration(rate)
}

// Due returns the deadline of the tick the schedule is on. For a new
// schedule that is the first tick, due at start.
func (s *Schedule) Due() time.Time {
	return s.start.Add(time.Duration(s.n) * s.interval)
}

// Next returns the deadline of the tick after the one just run and how many
// grid points were skipped because now is already past them.
func (s *Schedule) Next(now time.Time) (time.Time, int64) {
	s.n++
	due := s.start.Add(time.Duration(s.n) * s.interval)
	var skipped int64
	if !due.After(now) {
		skipped = int64(now.Sub(due)/s.interval) + 1
		s.n += skipped
		due = s.start.Add(time.Duration(s.n) * s.interval)
	}
	return due, skipped
}

// Wait returns how long to sleep from now until the next deadline.
func (s *Schedule) Wait(now time.Time) (time.Duration, int64) {
	due, skipped := s.Next(now)
	return due.Sub(now), skipped
}
