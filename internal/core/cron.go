package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// MaxIntervalSeconds bounds interval triggers to one week.
const MaxIntervalSeconds = 7 * 24 * 60 * 60

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("%w: only 5-field cron expressions are supported", ErrInvalidTrigger)
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cron expression %q: %v", ErrInvalidTrigger, expr, err)
	}
	return schedule, nil
}

// TriggerFor builds the cron schedule for a task definition. Cron takes
// precedence over interval; a definition with neither returns ErrNoTrigger.
func TriggerFor(task TaskDefinition) (cron.Schedule, error) {
	switch {
	case task.Schedule != "":
		return ParseCron(task.Schedule)
	case task.Interval > 0:
		if task.Interval > MaxIntervalSeconds {
			return nil, fmt.Errorf("%w: interval %ds exceeds %ds", ErrInvalidTrigger, task.Interval, MaxIntervalSeconds)
		}
		return cron.Every(time.Duration(task.Interval) * time.Second), nil
	case task.Interval < 0:
		return nil, fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidTrigger, task.Interval)
	default:
		return nil, ErrNoTrigger
	}
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		times = append(times, next)
	}
	return times
}
