package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// parsedExpr is whichever representation of a Schedule's expression lets
// the firing loop compute the next run time without re-parsing on every
// tick.
type parsedExpr struct {
	cronSchedule cron.Schedule // KindCron
	interval     time.Duration // KindInterval
	once         time.Time     // KindOnce
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// intervalPattern matches one "<int><unit>" component; components
// concatenate (spec.md §4.3 e.g. "1h30m").
var intervalPattern = regexp.MustCompile(`(\d+)([smhd])`)

// parseInterval parses the Interval dialect. time.ParseDuration lacks a
// "d" unit, so this is a small dedicated parser rather than a stdlib call.
func parseInterval(expr string) (time.Duration, error) {
	matches := intervalPattern.FindAllStringSubmatch(expr, -1)
	if matches == nil {
		return 0, fmt.Errorf("scheduler: invalid interval expression %q", expr)
	}
	consumed := 0
	for _, m := range matches {
		consumed += len(m[0])
	}
	if consumed != len(expr) {
		return 0, fmt.Errorf("scheduler: invalid interval expression %q", expr)
	}

	var total time.Duration
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("scheduler: invalid interval expression %q: %w", expr, err)
		}
		switch m[2] {
		case "s":
			total += time.Duration(n) * time.Second
		case "m":
			total += time.Duration(n) * time.Minute
		case "h":
			total += time.Duration(n) * time.Hour
		case "d":
			total += time.Duration(n) * 24 * time.Hour
		}
	}
	if total <= 0 {
		return 0, fmt.Errorf("scheduler: interval expression %q must be positive", expr)
	}
	return total, nil
}

// parseOnce parses an ISO-8601 timestamp, local or with an explicit offset.
func parseOnce(expr string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, expr); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("scheduler: invalid Once timestamp %q", expr)
}

// parse validates s.Expression against s.Kind and populates s.parsed,
// rejecting the schedule at Add time rather than at fire time (spec.md
// §4.5 "Scheduler expression parse failure").
func parse(s *Schedule) error {
	switch s.Kind {
	case KindCron:
		sched, err := cronParser.Parse(s.Expression)
		if err != nil {
			return fmt.Errorf("scheduler: invalid cron expression %q: %w", s.Expression, err)
		}
		s.parsed = parsedExpr{cronSchedule: sched}
	case KindInterval:
		d, err := parseInterval(s.Expression)
		if err != nil {
			return err
		}
		s.parsed = parsedExpr{interval: d}
	case KindOnce:
		t, err := parseOnce(s.Expression)
		if err != nil {
			return err
		}
		s.parsed = parsedExpr{once: t}
	default:
		return fmt.Errorf("scheduler: unknown schedule kind %q", s.Kind)
	}
	return nil
}

// next computes the schedule's next firing strictly after 'after'. For
// KindOnce it returns the zero time once the single firing has passed.
func next(s *Schedule, after time.Time) time.Time {
	switch s.Kind {
	case KindCron:
		return s.parsed.cronSchedule.Next(after)
	case KindInterval:
		return after.Add(s.parsed.interval)
	case KindOnce:
		if after.Before(s.parsed.once) {
			return s.parsed.once
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}
