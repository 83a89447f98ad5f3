package acis

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var dateRegex = regexp.MustCompile(`^(\d{4})(?:-?(\d{2}))?(?:-?(\d{2}))?$`)

// ParseDate converts a service date string to a UTC midnight time.
// Accepted formats are YYYY[-MM[-DD]] with optional hyphens; a missing month
// or day defaults to 1.
func ParseDate(s string) (time.Time, error) {
	m := dateRegex.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("invalid date format %q", s)
	}
	parts := [3]int{0, 1, 1}
	for i, p := range m[1:] {
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid date format %q", s)
		}
		parts[i] = n
	}
	year, month, day := parts[0], parts[1], parts[2]
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes out-of-range values; reject them instead.
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, fmt.Errorf("invalid calendar date %q", s)
	}
	return t, nil
}

// FormatDate renders t as YYYY-MM-DD, including years before 1900.
func FormatDate(t time.Time) string {
	return fmt.Sprintf("%04d-%02d-%02d", t.Year(), int(t.Month()), t.Day())
}

// Day truncates t to UTC midnight of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Interval is the time step of an element's values.
type Interval string

const (
	Daily   Interval = "dly"
	Monthly Interval = "mly"
	Yearly  Interval = "yly"
)

// Valid reports whether i is a known interval. The empty interval is valid
// and means daily.
func (i Interval) Valid() bool {
	switch i {
	case "", Daily, Monthly, Yearly:
		return true
	}
	return false
}

// Step returns the date one interval after t.
func (i Interval) Step(t time.Time) time.Time {
	return i.Add(t, 1)
}

// Add returns the date n intervals after t. Monthly and yearly steps keep the
// day of month, clipped to the last day of a shorter month.
func (i Interval) Add(t time.Time, n int) time.Time {
	switch i {
	case Monthly:
		return addMonths(t, n)
	case Yearly:
		return addMonths(t, 12*n)
	default:
		return t.AddDate(0, 0, n)
	}
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(d, last)-1)
}

// DateRange lists every date from start through end, inclusive. Each date is
// computed from start, so a clipped month-end does not shift later dates.
func DateRange(start, end time.Time, interval Interval) []time.Time {
	start, end = Day(start), Day(end)
	var dates []time.Time
	for n := 0; ; n++ {
		d := interval.Add(start, n)
		if d.After(end) {
			return dates
		}
		dates = append(dates, d)
	}
}
