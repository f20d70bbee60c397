package jobs

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSchedule computes the run times of a recurring job from a standard
// five-field cron expression or a descriptor such as "@daily".
type CronSchedule struct {
	expr     string
	schedule cron.Schedule
}

// ParseCron parses expr.
func ParseCron(expr string) (*CronSchedule, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return &CronSchedule{expr: expr, schedule: s}, nil
}

// Next returns the first run time strictly after t.
func (c *CronSchedule) Next(t time.Time) time.Time {
	return c.schedule.Next(t)
}

// RescheduleAfter returns the completion that runs the job at the next
// scheduled time after now.
func (c *CronSchedule) RescheduleAfter(now time.Time) Completion {
	return RescheduleAt(c.Next(now))
}

func (c *CronSchedule) String() string { return c.expr }
