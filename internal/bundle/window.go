package bundle

import (
	"fmt"
	"time"
)

// ShiftPolicy splits each day into equal shifts starting at Anchor after local midnight.
type ShiftPolicy struct {
	Length   time.Duration
	Anchor   time.Duration
	Location *time.Location
}

// DefaultShiftPolicy is three eight-hour shifts starting 06:00 UTC.
var DefaultShiftPolicy = ShiftPolicy{Length: 8 * time.Hour, Anchor: 6 * time.Hour, Location: time.UTC}

// Validate checks that shifts tile a day exactly.
func (p ShiftPolicy) Validate() error {
	if p.Length <= 0 || p.Length > 24*time.Hour || (24*time.Hour)%p.Length != 0 {
		return fmt.Errorf("%w: shift length %s must divide 24h", ErrInvalidInput, p.Length)
	}
	if p.Anchor < 0 || p.Anchor >= 24*time.Hour {
		return fmt.Errorf("%w: shift anchor %s must be within a day", ErrInvalidInput, p.Anchor)
	}
	return nil
}

// Window returns the [start, end) shift containing t, in UTC. Boundaries are
// wall-clock times in Location, so on DST change days the shift spanning the
// change is an hour shorter or longer.
func (p ShiftPolicy) Window(t time.Time) (time.Time, time.Time) {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	y, m, d := local.Date()
	perDay := int(24 * time.Hour / p.Length)
	// Walk the boundaries from the previous day's anchor to the next day's.
	start := p.boundary(y, m, d-1, 0, loc)
	for j := 1; j <= 2*perDay; j++ {
		next := p.boundary(y, m, d-1, j, loc)
		if !next.After(start) {
			continue
		}
		if t.Before(next) {
			return start.UTC(), next.UTC()
		}
		start = next
	}
	return start.UTC(), start.Add(p.Length).UTC()
}

// boundary is the start of shift k counted from the anchor of the given day.
// time.Date normalizes the overflowing offset onto the wall clock.
func (p ShiftPolicy) boundary(y int, m time.Month, d, k int, loc *time.Location) time.Time {
	offset := p.Anchor + time.Duration(k)*p.Length
	return time.Date(y, m, d, 0, 0, int(offset/time.Second), int(offset%time.Second), loc)
}
