// Package clock owns every piece of business-timezone arithmetic: day
// bounds, week/month buckets and date-range presets. All callers resolve
// ranges through here so "today" means the same thing on every dashboard.
package clock

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Preset names a relative date range interpreted in the business timezone.
type Preset string

const (
	PresetLast24h   Preset = "last24h"
	PresetToday     Preset = "today"
	PresetYesterday Preset = "yesterday"
	PresetThisWeek  Preset = "thisWeek"
	PresetThisMonth Preset = "thisMonth"
	PresetCustom    Preset = "custom"
)

// DefaultPreset applies whenever a caller supplies neither a preset nor a
// custom range.
const DefaultPreset = PresetToday

const dateLayout = "2006-01-02"

var offsetRe = regexp.MustCompile(`^([+-])(\d{2}):(\d{2})$`)

// Business is a fixed-offset business timezone (not DST-aware). The zero
// value is unusable; construct via New.
type Business struct {
	loc  *time.Location
	name string
	Now  func() time.Time
}

// New parses a fixed offset like "+05:30" and returns a Business clock.
// Unknown formats fail here, at startup, not per request.
func New(offset string) (*Business, error) {
	offset = strings.TrimSpace(offset)
	m := offsetRe.FindStringSubmatch(offset)
	if m == nil {
		return nil, fmt.Errorf("invalid business timezone %q: want format +HH:MM", offset)
	}
	hours, _ := strconv.Atoi(m[2])
	mins, _ := strconv.Atoi(m[3])
	if hours > 14 || mins > 59 {
		return nil, fmt.Errorf("invalid business timezone %q: offset out of range", offset)
	}
	secs := hours*3600 + mins*60
	if m[1] == "-" {
		secs = -secs
	}
	return &Business{
		loc:  time.FixedZone("UTC"+offset, secs),
		name: offset,
		Now:  time.Now,
	}, nil
}

// MustNew is New for known-good literals (tests, defaults).
func MustNew(offset string) *Business {
	b, err := New(offset)
	if err != nil {
		panic(err)
	}
	return b
}

// Offset returns the configured offset string, e.g. "+05:30".
func (b *Business) Offset() string { return b.name }

// Location returns the fixed business zone.
func (b *Business) Location() *time.Location { return b.loc }

// NowUTC returns the current instant in UTC.
func (b *Business) NowUTC() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

// LocalDayBounds returns the UTC instants for local 00:00:00.000 and
// 23:59:59.999 of the calendar day containing t.
func (b *Business) LocalDayBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(b.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, b.loc)
	end := start.Add(24*time.Hour - time.Millisecond)
	return start.UTC(), end.UTC()
}

// ResolveDatePreset converts a preset to a UTC [start, end] range relative
// to now. An empty preset resolves to DefaultPreset. Custom ranges go
// through ResolveCustomRange instead.
func (b *Business) ResolveDatePreset(preset Preset, now time.Time) (time.Time, time.Time, error) {
	if preset == "" {
		preset = DefaultPreset
	}
	switch preset {
	case PresetLast24h:
		return now.UTC().Add(-24 * time.Hour), now.UTC(), nil
	case PresetToday:
		start, end := b.LocalDayBounds(now)
		return start, end, nil
	case PresetYesterday:
		start, end := b.LocalDayBounds(now.Add(-24 * time.Hour))
		return start, end, nil
	case PresetThisWeek:
		local := now.In(b.loc)
		// week starts Sunday, local time
		daysBack := int(local.Weekday())
		weekStart := local.AddDate(0, 0, -daysBack)
		start, _ := b.LocalDayBounds(weekStart)
		_, end := b.LocalDayBounds(now)
		return start, end, nil
	case PresetThisMonth:
		local := now.In(b.loc)
		monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, b.loc)
		_, end := b.LocalDayBounds(now)
		return monthStart.UTC(), end, nil
	case PresetCustom:
		return time.Time{}, time.Time{}, fmt.Errorf("custom preset requires explicit dates")
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown date preset %q", preset)
	}
}

// ResolveCustomRange interprets startDate/endDate as local calendar dates
// (YYYY-MM-DD) spanning local 00:00:00.000 to 23:59:59.999 and converts the
// bounds to UTC.
func (b *Business) ResolveCustomRange(startDate, endDate string) (time.Time, time.Time, error) {
	s, err := time.ParseInLocation(dateLayout, startDate, b.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	e, err := time.ParseInLocation(dateLayout, endDate, b.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q: %w", endDate, err)
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s before start date %s", endDate, startDate)
	}
	start, _ := b.LocalDayBounds(s)
	_, end := b.LocalDayBounds(e)
	return start, end, nil
}

// KnownPreset reports whether p names a supported preset.
func KnownPreset(p Preset) bool {
	switch p {
	case PresetLast24h, PresetToday, PresetYesterday, PresetThisWeek, PresetThisMonth, PresetCustom:
		return true
	}
	return false
}
