package ohlc

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unit is the calendar unit a resolution counts in
type Unit int

const (
	Minute Unit = iota
	Day
	Week
	Month
)

func (u Unit) String() string {
	switch u {
	case Day:
		return "D"
	case Week:
		return "W"
	case Month:
		return "M"
	default:
		return ""
	}
}

// Resolution is a bar period such as "1", "60", "1D", "W" or "6M"
type Resolution struct {
	Count int
	Unit  Unit
}

// ParseResolution parses the widget resolution grammar.
// A bare number means minutes; D, W and M take an optional leading multiplier.
func ParseResolution(s string) (Resolution, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	if raw == "" {
		return Resolution{}, fmt.Errorf("empty resolution")
	}

	unit := Minute
	digits := raw
	switch raw[len(raw)-1] {
	case 'D':
		unit, digits = Day, raw[:len(raw)-1]
	case 'W':
		unit, digits = Week, raw[:len(raw)-1]
	case 'M':
		unit, digits = Month, raw[:len(raw)-1]
	}

	count := 1
	if digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil {
			return Resolution{}, fmt.Errorf("invalid resolution %q", s)
		}
		count = n
	} else if unit == Minute {
		return Resolution{}, fmt.Errorf("invalid resolution %q", s)
	}

	if count <= 0 {
		return Resolution{}, fmt.Errorf("resolution %q must be positive", s)
	}
	return Resolution{Count: count, Unit: unit}, nil
}

// MustParseResolution is ParseResolution for constants; it panics on bad input
func MustParseResolution(s string) Resolution {
	r, err := ParseResolution(s)
	if err != nil {
		panic(err)
	}
	return r
}

// String renders the canonical form ("5", "1D", "2W", "1M")
func (r Resolution) String() string {
	if r.Unit == Minute {
		return strconv.Itoa(r.Count)
	}
	return strconv.Itoa(r.Count) + r.Unit.String()
}

// IsIntraday reports whether the resolution is counted in minutes
func (r Resolution) IsIntraday() bool {
	return r.Unit == Minute
}

// Advance returns the start of the bar following one that opened at t.
// Day and month arithmetic is done on UTC calendar units.
func (r Resolution) Advance(t time.Time) time.Time {
	t = t.UTC()
	switch r.Unit {
	case Day:
		return t.AddDate(0, 0, r.Count)
	case Week:
		return t.AddDate(0, 0, 7*r.Count)
	case Month:
		return t.AddDate(0, r.Count, 0)
	default:
		return t.Add(time.Duration(r.Count) * time.Minute)
	}
}

// Align returns the open time of the bar containing t
func (r Resolution) Align(t time.Time) time.Time {
	t = t.UTC()
	switch r.Unit {
	case Day:
		return midnight(t)
	case Week:
		// weeks open on Monday
		offset := (int(t.Weekday()) + 6) % 7
		return midnight(t).AddDate(0, 0, -offset)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		step := int64(r.Count) * int64(time.Minute/time.Millisecond)
		ms := t.UnixMilli()
		return time.UnixMilli(ms - mod(ms, step)).UTC()
	}
}

// Duration is the nominal bar length; months count as 30 days
func (r Resolution) Duration() time.Duration {
	switch r.Unit {
	case Day:
		return time.Duration(r.Count) * 24 * time.Hour
	case Week:
		return time.Duration(r.Count) * 7 * 24 * time.Hour
	case Month:
		return time.Duration(r.Count) * 30 * 24 * time.Hour
	default:
		return time.Duration(r.Count) * time.Minute
	}
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
