package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule decides when a job runs next.
type Schedule interface {
	Next(t time.Time) time.Time
	String() string
}

// cronSchedule adapts a robfig/cron schedule and keeps its source text.
type cronSchedule struct {
	spec  string
	inner cron.Schedule
}

func (s cronSchedule) Next(t time.Time) time.Time { return s.inner.Next(t) }
func (s cronSchedule) String() string             { return s.spec }

// ParseSchedule accepts a standard 5-field cron expression ("*/5 * * * *")
// or a descriptor ("@hourly", "@every 90s").
func ParseSchedule(spec string) (Schedule, error) {
	inner, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return cronSchedule{spec: spec, inner: inner}, nil
}

// Every runs a job at a fixed interval, rounded to whole seconds with a one
// second minimum.
func Every(d time.Duration) Schedule {
	return cronSchedule{spec: "@every " + d.String(), inner: cron.Every(d)}
}
