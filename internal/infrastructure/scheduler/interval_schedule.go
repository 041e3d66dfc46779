package scheduler

import (
	"fmt"
	"time"
)

// MinInterval is the shortest accepted interval.
const MinInterval = time.Second

// IntervalSchedule schedules a job to run at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// NewIntervalSchedule creates a new IntervalSchedule. Intervals below
// MinInterval are raised to it.
func NewIntervalSchedule(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: max(interval, MinInterval)}
}

// Next returns the next scheduled time.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

// String returns the string representation of the schedule.
func (s *IntervalSchedule) String() string {
	return fmt.Sprintf("@every %s", s.Interval)
}

// startImmediately fires once at registration, then follows the wrapped
// schedule.
type startImmediately struct {
	Schedule
	fired bool
}

// StartImmediately makes the first run due at registration time. The
// leaderboard sweep uses it so a fresh process rebuilds the cache right away.
func StartImmediately(s Schedule) Schedule {
	return &startImmediately{Schedule: s}
}

// Next implements Schedule.
func (s *startImmediately) Next(t time.Time) time.Time {
	if !s.fired {
		s.fired = true
		return t
	}
	return s.Schedule.Next(t)
}
