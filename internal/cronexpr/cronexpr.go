// Package cronexpr normalizes and evaluates the cron schedules stored on
// Cron rows (§4.3 step CreateCron, §4.5 Clock). Shared by Triage (validation
// at creation time) and Clock (next-run computation on every fire), so a
// schedule that Triage accepted never fails to parse for Clock later.
//
// Grounded on the teacher's internal/cron/scheduler.go NextRunTime, which
// uses the same library (robfig/cron/v3) with a minute-hour-dom-month-dow
// field layout; generalized here to accept a seconds field too (users may
// supply either 5 or 6 fields, per §4.5's normalization rule) and to apply
// an explicit IANA timezone rather than always running in local time.
package cronexpr

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var parser = cronlib.NewParser(
	cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Normalize prepends a "0" seconds field when expr has exactly five
// whitespace-separated fields, so both 5-field (minute-first) and 6-field
// (second-first) crontabs are accepted uniformly.
func Normalize(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) == 5 {
		return "0 " + expr
	}
	return expr
}

// ValidateTimezone reports whether name is a recognized IANA timezone.
func ValidateTimezone(name string) error {
	if name == "" {
		return fmt.Errorf("empty timezone")
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return nil
}

// NextRun parses expr (already normalized) against timezone and returns the
// next fire time strictly after `after`, expressed in UTC for storage.
func NextRun(expr, timezone string, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("unknown timezone %q: %w", timezone, err)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return sched.Next(after.In(loc)).UTC(), nil
}
