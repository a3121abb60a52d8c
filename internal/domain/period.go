package domain

import (
	"fmt"
	"time"
)

// Period is the reporting window vocabulary shared with external callers.
type Period string

const (
	PeriodDay   Period = "day"   // last 24h
	PeriodWeek  Period = "week"  // last 7 days
	PeriodMonth Period = "month" // since the first day of the current month
	PeriodYear  Period = "year"  // since Jan 1 of the current year
	PeriodAll   Period = "all"
)

// ParsePeriod validates a period name. An empty string means PeriodAll.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear, PeriodAll:
		return p, nil
	case "":
		return PeriodAll, nil
	default:
		return "", fmt.Errorf("unknown period %q (want day, week, month, year or all)", s)
	}
}

// Since returns the inclusive lower bound of the window relative to now (UTC).
// The second result is false for PeriodAll, which is unbounded.
func (p Period) Since(now time.Time) (time.Time, bool) {
	now = now.UTC()
	switch p {
	case PeriodDay:
		return now.Add(-24 * time.Hour), true
	case PeriodWeek:
		return now.Add(-7 * 24 * time.Hour), true
	case PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), true
	case PeriodYear:
		return time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC), true
	default:
		return time.Time{}, false
	}
}

// StartOfUTCDay truncates t to midnight UTC.
func StartOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
