package query

import (
	"fmt"
	"strings"
	"time"
)

// TrendWindow is the period size a trend response is grouped by.
type TrendWindow string

// Trend windows. Periods are calendar aligned in UTC; weeks start on Monday.
const (
	WindowDaily     TrendWindow = "daily"
	WindowWeekly    TrendWindow = "weekly"
	WindowMonthly   TrendWindow = "monthly"
	WindowQuarterly TrendWindow = "quarterly"
)

// MaxPeriods bounds the number of periods one trend request may produce.
const MaxPeriods = 1000

// ParseTrendWindow parses a window name, case-insensitively.
func ParseTrendWindow(s string) (TrendWindow, error) {
	switch w := TrendWindow(strings.ToLower(strings.TrimSpace(s))); w {
	case WindowDaily, WindowWeekly, WindowMonthly, WindowQuarterly:
		return w, nil
	case "":
		return WindowDaily, nil
	}
	return "", fmt.Errorf("%w: unknown window %q", ErrInvalidRequest, s)
}

// Floor returns the start of the period containing t.
func (w TrendWindow) Floor(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch w {
	case WindowWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case WindowMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case WindowQuarterly:
		m := ((int(t.Month())-1)/3)*3 + 1
		return time.Date(t.Year(), time.Month(m), 1, 0, 0, 0, 0, time.UTC)
	}
	return day
}

// Next returns the start of the period after the one starting at start.
func (w TrendWindow) Next(start time.Time) time.Time {
	switch w {
	case WindowWeekly:
		return start.AddDate(0, 0, 7)
	case WindowMonthly:
		return start.AddDate(0, 1, 0)
	case WindowQuarterly:
		return start.AddDate(0, 3, 0)
	}
	return start.AddDate(0, 0, 1)
}

// Period is a half-open [Start, End) interval.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside p.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Periods splits [from, to) into aligned periods. The first period starts at
// Floor(from) and the last one contains to minus one nanosecond.
func (w TrendWindow) Periods(from, to time.Time) ([]Period, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("%w: end_date must be after start_date", ErrInvalidRequest)
	}
	var out []Period
	for start := w.Floor(from); start.Before(to); start = w.Next(start) {
		if len(out) == MaxPeriods {
			return nil, fmt.Errorf("%w: range spans more than %d %s periods", ErrInvalidRequest, MaxPeriods, w)
		}
		out = append(out, Period{Start: start, End: w.Next(start)})
	}
	return out, nil
}
