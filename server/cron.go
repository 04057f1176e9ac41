package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// parseCronExpressionUTC parses a five-field cron expression. Schedules
// are UTC-only so every process computes the same tick times.
func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// cronTicksBetween lists the schedule's fire times in (from, to].
func cronTicksBetween(schedule cron.Schedule, from, to time.Time) []time.Time {
	var ticks []time.Time
	t := schedule.Next(from.UTC())
	for !t.After(to.UTC()) {
		ticks = append(ticks, t)
		t = schedule.Next(t)
	}
	return ticks
}
