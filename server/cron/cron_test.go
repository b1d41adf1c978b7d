package cron

import (
	"testing"
	"time"
)

func TestValidateAcceptsCommonShapes(t *testing.T) {
	good := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 * * * *",
		"30 9 * * *",
		"0 0 1 * *",
		"15 8 * * 1",
		"0,30 * * * *",
		"0-15 * * * *",
		"0 */2 * * *",
	}
	for _, expr := range good {
		if err := Validate(expr); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", expr, err)
		}
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	bad := []string{
		"",
		"* * * *",
		"* * * * * *",
		"@hourly",
		"60 * * * *",
		"* 24 * * *",
		"* * 32 * *",
		"* * * 13 *",
		"* * * * 8",
		"* * * JAN *",
		"* * * * MON",
		"a * * * *",
	}
	for _, expr := range bad {
		if err := Validate(expr); err == nil {
			t.Errorf("Validate(%q) = nil, want error", expr)
		}
	}
}

func TestNextIsInclusive(t *testing.T) {
	// 10:05:00 matches */5 and must be returned as-is, not skipped.
	at := time.Date(2025, 3, 10, 10, 5, 0, 0, time.UTC)
	got, err := Next("*/5 * * * *", at)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("Next at a matching instant = %v, want %v", got, at)
	}
}

func TestNextRoundsSubMinuteUp(t *testing.T) {
	at := time.Date(2025, 3, 10, 10, 5, 0, 500_000_000, time.UTC)
	got, err := Next("*/5 * * * *", at)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, 3, 10, 10, 10, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next past a matching minute = %v, want %v", got, want)
	}
}

func TestNextAdvances(t *testing.T) {
	at := time.Date(2025, 3, 10, 10, 7, 12, 0, time.UTC)
	got, err := Next("30 9 * * *", at)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, 3, 11, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestDescribe(t *testing.T) {
	cases := map[string]string{
		"* * * * *":    "Every minute",
		"*/15 * * * *": "Every 15 minutes",
		"30 * * * *":   "Hourly at minute 30",
		"0 9 * * *":    "Daily at 09:00",
		"15 8 * * 1":   "Weekly on Monday at 08:15",
		"0 0 1 * *":    "Monthly on day 1 at 00:00",
		"0 0 1 6 *":    "Custom schedule",
		"1,2 * * * *":  "Custom schedule",
		"0 9 1 * 1":    "Custom schedule",
	}
	for expr, want := range cases {
		if got := Describe(expr); got != want {
			t.Errorf("Describe(%q) = %q, want %q", expr, got, want)
		}
	}
}
