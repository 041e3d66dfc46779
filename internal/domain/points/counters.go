package points

import (
	"time"

	"github.com/qahub/reputation-engine/pkg/timeutil"
)

// Counters are per-user tallies derived from the ledger. Folding a user's
// events in Seq order always reproduces the same Counters.
type Counters struct {
	UserID          string              `json:"user_id"`
	LastSeq         int64               `json:"last_seq"`
	ByType          map[EventType]int64 `json:"by_type"`
	LoginStreak     int                 `json:"login_streak"`
	BestLoginStreak int                 `json:"best_login_streak"`
	LastLoginDay    time.Time           `json:"last_login_day"`
}

// NewCounters returns empty counters for a user.
func NewCounters(userID string) *Counters {
	return &Counters{
		UserID: userID,
		ByType: make(map[EventType]int64),
	}
}

// Count returns how many events of the given type the user has.
func (c *Counters) Count(t EventType) int64 {
	if c == nil || c.ByType == nil {
		return 0
	}
	return c.ByType[t]
}

// Observe folds one event into the counters.
func (c *Counters) Observe(e *Event) {
	if c.ByType == nil {
		c.ByType = make(map[EventType]int64)
	}
	c.ByType[e.Type]++
	if e.Seq > c.LastSeq {
		c.LastSeq = e.Seq
	}
	if e.Type != DailyLogin {
		return
	}

	day := e.LoginDay()
	switch {
	case c.LastLoginDay.IsZero():
		c.LoginStreak = 1
	case day.Equal(c.LastLoginDay):
		// same day, streak unchanged
	case timeutil.IsConsecutiveDay(c.LastLoginDay, day):
		c.LoginStreak++
	case day.After(c.LastLoginDay):
		c.LoginStreak = 1
	default:
		// out-of-order login day; streak tracks the latest day only
		return
	}
	c.LastLoginDay = day
	if c.LoginStreak > c.BestLoginStreak {
		c.BestLoginStreak = c.LoginStreak
	}
}

// LoggedInOn reports whether the user's latest login falls on the given UTC day.
func (c *Counters) LoggedInOn(day time.Time) bool {
	return !c.LastLoginDay.IsZero() && c.LastLoginDay.Equal(DayOf(day))
}

// Clone returns a deep copy.
func (c *Counters) Clone() *Counters {
	out := *c
	out.ByType = make(map[EventType]int64, len(c.ByType))
	for k, v := range c.ByType {
		out.ByType[k] = v
	}
	return &out
}
