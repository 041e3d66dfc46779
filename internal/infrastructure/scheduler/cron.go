package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSchedule is a standard 5-field cron expression ("0 3 * * *") or a
// descriptor ("@daily").
type CronSchedule struct {
	expr  string
	sched cron.Schedule
}

// ParseCron parses expr with the standard cron parser.
func ParseCron(expr string) (*CronSchedule, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return &CronSchedule{expr: expr, sched: s}, nil
}

func (c *CronSchedule) Next(t time.Time) time.Time { return c.sched.Next(t) }

func (c *CronSchedule) String() string { return c.expr }
