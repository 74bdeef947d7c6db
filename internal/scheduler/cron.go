// Package scheduler turns ACTIVE jobs into executions. A single dispatcher
// instance wins a database lock each tick, finds due jobs, snapshots their
// configuration into execution records, and enqueues them for the worker
// fleet. Cron math lives here too so the API layer validates expressions with
// the exact parser the dispatcher schedules with.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"snapfarm/internal/types"
)

// cronParser accepts standard 5-field crontab expressions
// (minute hour day-of-month month day-of-week). No seconds field, no
// descriptors like @daily; expressions evaluate in UTC.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a cron expression and returns its schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidCron,
			"invalid cron expression",
			err,
			map[string]any{"cron_expression": expr},
		)
	}
	return sched, nil
}

// ValidateCron checks an expression without computing anything further.
// Handlers call this at job create/update time.
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// NextRun returns the first cron instant strictly after the given time.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.UTC()), nil
}
