// Package calendar maps instants onto the reporting days that daily token
// counters are keyed by.
//
// A day runs from 00:00 to 24:00 in the calendar's location. The default
// location is a fixed UTC+7 offset; deployments configure their own.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DayLayout is the layout of the day keys produced by Calendar.Day.
const DayLayout = "2006-01-02"

// DefaultOffsetHours is the UTC offset used when nothing is configured.
const DefaultOffsetHours = 7

// Calendar computes reporting days in a fixed location.
type Calendar struct {
	loc *time.Location
}

// New creates a Calendar for loc. A nil location means UTC.
func New(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// Default returns the UTC+7 calendar.
func Default() Calendar {
	return FixedOffset(DefaultOffsetHours)
}

// FixedOffset returns a calendar in a fixed zone hours east of UTC.
func FixedOffset(hours int) Calendar {
	return New(time.FixedZone(offsetName(hours), hours*3600))
}

// Parse builds a calendar from a zone description. It accepts fixed offsets
// ("UTC+7", "GMT-3", "+07:00", "UTC") and IANA names ("Asia/Bangkok").
func Parse(s string) (Calendar, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Default(), nil
	}

	upper := strings.ToUpper(s)
	for _, prefix := range []string{"UTC", "GMT"} {
		if upper == prefix {
			return FixedOffset(0), nil
		}
		if strings.HasPrefix(upper, prefix) {
			upper = strings.TrimPrefix(upper, prefix)
			break
		}
	}

	if strings.HasPrefix(upper, "+") || strings.HasPrefix(upper, "-") {
		secs, err := parseOffset(upper)
		if err != nil {
			return Calendar{}, fmt.Errorf("calendar: parse %q: %w", s, err)
		}
		return New(time.FixedZone(offsetName(secs/3600), secs)), nil
	}

	loc, err := time.LoadLocation(s)
	if err != nil {
		return Calendar{}, fmt.Errorf("calendar: parse %q: %w", s, err)
	}
	return New(loc), nil
}

// Location returns the calendar's location.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Day returns the day key (YYYY-MM-DD) that t falls on.
func (c Calendar) Day(t time.Time) string {
	return t.In(c.Location()).Format(DayLayout)
}

// StartOfDay returns local midnight at the start of t's day.
func (c Calendar) StartOfDay(t time.Time) time.Time {
	l := t.In(c.Location())
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, c.Location())
}

// NextReset returns local midnight at the end of t's day, which is when the
// next day's counter starts.
func (c Calendar) NextReset(t time.Time) time.Time {
	return c.StartOfDay(t).AddDate(0, 0, 1)
}

// DayRange returns the [start, end) instants covering the day key.
func (c Calendar) DayRange(day string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(DayLayout, day, c.Location())
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("calendar: parse day %q: %w", day, err)
	}
	return start, start.AddDate(0, 0, 1), nil
}

// String returns the location name.
func (c Calendar) String() string {
	return c.Location().String()
}

func parseOffset(s string) (int, error) {
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	s = s[1:]

	var hours, minutes int
	var err error
	switch {
	case strings.Contains(s, ":"):
		parts := strings.SplitN(s, ":", 2)
		if hours, err = strconv.Atoi(parts[0]); err != nil {
			return 0, err
		}
		if minutes, err = strconv.Atoi(parts[1]); err != nil {
			return 0, err
		}
	case len(s) == 4:
		if hours, err = strconv.Atoi(s[:2]); err != nil {
			return 0, err
		}
		if minutes, err = strconv.Atoi(s[2:]); err != nil {
			return 0, err
		}
	default:
		if hours, err = strconv.Atoi(s); err != nil {
			return 0, err
		}
	}

	if hours > 14 || minutes > 59 || hours < 0 || minutes < 0 {
		return 0, fmt.Errorf("offset out of range")
	}
	return sign * (hours*3600 + minutes*60), nil
}

func offsetName(hours int) string {
	switch {
	case hours == 0:
		return "UTC"
	case hours > 0:
		return fmt.Sprintf("UTC+%d", hours)
	default:
		return fmt.Sprintf("UTC%d", hours)
	}
}
