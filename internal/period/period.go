// Package period maps wall-clock time onto monthly aggregation windows.
//
// A Key identifies one calendar month in the reference time zone ("2024-03").
// Keys are totally ordered by plain string comparison.
package period

import (
	"fmt"
	"refsync/entity"
	"time"
)

const layout = "2006-01"

// Key is a canonical month identifier, format YYYY-MM.
type Key string

// Calendar projects instants into the reference time zone.
type Calendar struct {
	loc *time.Location
}

func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// LoadCalendar resolves an IANA zone name, e.g. "Europe/Warsaw".
func LoadCalendar(zone string) (Calendar, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Calendar{}, fmt.Errorf("load location %q: %w", zone, err)
	}
	return NewCalendar(loc), nil
}

func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Current returns the period containing now.
func (c Calendar) Current(now time.Time) Key {
	return Key(now.In(c.Location()).Format(layout))
}

// Bounds returns the half-open range [start, end) of the period in the
// calendar's zone.
func (c Calendar) Bounds(k Key) (time.Time, time.Time, error) {
	year, month, err := k.parts()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(year, month, 1, 0, 0, 0, 0, c.Location())
	return start, start.AddDate(0, 1, 0), nil
}

// Parse validates a key coming from user input.
func Parse(s string) (Key, error) {
	k := Key(s)
	if _, _, err := k.parts(); err != nil {
		return "", err
	}
	return k, nil
}

// Previous returns the month before k, borrowing from the year in January.
func (k Key) Previous() Key {
	year, month, err := k.parts()
	if err != nil {
		return ""
	}
	if month == time.January {
		return Key(fmt.Sprintf("%04d-12", year-1))
	}
	return Key(fmt.Sprintf("%04d-%02d", year, int(month)-1))
}

func (k Key) String() string {
	return string(k)
}

func (k Key) IsZero() bool {
	return k == ""
}

func (k Key) parts() (int, time.Month, error) {
	t, err := time.Parse(layout, string(k))
	if err != nil || t.Format(layout) != string(k) {
		return 0, 0, fmt.Errorf("%w: %q", entity.ErrInvalidPeriod, string(k))
	}
	return t.Year(), t.Month(), nil
}
