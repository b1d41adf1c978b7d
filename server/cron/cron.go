// Package cron wraps robfig/cron's parser with the strict five-field
// dialect the API accepts: numeric fields, wildcards, lists, ranges and
// steps only. Descriptors (@hourly) and month/day names are rejected so
// that stored expressions stay canonical.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

var parser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// Validate returns a descriptive error when expr is not an acceptable
// five-field expression.
func Validate(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return fmt.Errorf("descriptors are not supported")
	}
	for i, f := range fields {
		if !numericField(f) {
			return fmt.Errorf("field %d %q: only digits, '*', '/', ',' and '-' are allowed", i+1, f)
		}
	}
	if _, err := parser.Parse(expr); err != nil {
		return err
	}
	return nil
}

// Next computes the earliest fire time at or after t. Cron resolution is
// one minute; t is rounded up to a whole minute first, and that minute
// itself counts as a candidate.
func Next(expr string, t time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	base := t.Truncate(time.Minute)
	if base.Before(t) {
		base = base.Add(time.Minute)
	}
	// Schedule.Next is strictly-after, so step back one second to keep
	// base itself eligible.
	return sched.Next(base.Add(-time.Second)), nil
}

// Describe renders a short human summary for the common shapes and falls
// back to "Custom schedule" for everything else.
func Describe(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return "Custom schedule"
	}
	min, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	if month != "*" {
		return "Custom schedule"
	}

	switch {
	case min == "*" && hour == "*" && dom == "*" && dow == "*":
		return "Every minute"

	case strings.HasPrefix(min, "*/") && hour == "*" && dom == "*" && dow == "*":
		if n, ok := atoi(min[2:]); ok {
			return fmt.Sprintf("Every %d minutes", n)
		}

	case isNumber(min) && hour == "*" && dom == "*" && dow == "*":
		m, _ := atoi(min)
		return fmt.Sprintf("Hourly at minute %d", m)

	case isNumber(min) && isNumber(hour) && dom == "*" && dow == "*":
		return fmt.Sprintf("Daily at %s", clock(hour, min))

	case isNumber(min) && isNumber(hour) && dom == "*" && isNumber(dow):
		d, _ := atoi(dow)
		if d >= 0 && d <= 7 {
			return fmt.Sprintf("Weekly on %s at %s", dayName(d), clock(hour, min))
		}

	case isNumber(min) && isNumber(hour) && isNumber(dom) && dow == "*":
		d, _ := atoi(dom)
		return fmt.Sprintf("Monthly on day %d at %s", d, clock(hour, min))
	}
	return "Custom schedule"
}

func numericField(f string) bool {
	for _, r := range f {
		switch {
		case r >= '0' && r <= '9':
		case r == '*' || r == '/' || r == ',' || r == '-':
		default:
			return false
		}
	}
	return f != ""
}

func isNumber(f string) bool {
	if f == "" {
		return false
	}
	for _, r := range f {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func clock(hour, min string) string {
	h, _ := atoi(hour)
	m, _ := atoi(min)
	return fmt.Sprintf("%02d:%02d", h, m)
}

func dayName(d int) string {
	names := []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}
	return names[d]
}
