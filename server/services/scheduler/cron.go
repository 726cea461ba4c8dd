package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/batchops/batchops/common/gerror"
)

// ReferenceZone is the fixed time zone cron expressions are evaluated in.
// All stored timestamps are UTC; conversion to a display zone is a
// presentation concern outside the engine.
var ReferenceZone = time.UTC

// cronParser accepts standard 5-field expressions (minute hour day-of-month
// month day-of-week) with comma lists, ranges, steps and '*'. Day-of-week is
// 0-6 with 0=Sunday.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a 5-field cron expression.
// Returns gerror.ErrMalformedSchedule on any unparseable field.
func ParseCron(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, gerror.NewErrMalformedSchedule(fmt.Sprintf("Invalid cron expression %q", expr), err)
	}
	return schedule, nil
}

// NextFireAfter returns the smallest instant strictly after t that matches
// the expression, evaluated in the reference zone.
func NextFireAfter(expr string, t time.Time) (time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(t.In(ReferenceZone)), nil
}
