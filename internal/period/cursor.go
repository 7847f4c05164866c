// Package period implements the navigable (year, month, day) cursor and the
// day and month windows derived from it.
package period

import (
	"fmt"
	"time"
)

// Cursor is the currently selected calendar day. The zero value is not a
// valid date; build cursors with NewCursor, Today or Set.
type Cursor struct {
	Year  int
	Month time.Month
	Day   int
}

// NewCursor returns the cursor for t's calendar day in t's location.
func NewCursor(t time.Time) Cursor {
	y, m, d := t.Date()
	return Cursor{Year: y, Month: m, Day: d}
}

// Today returns the cursor for the current day in loc.
func Today(loc *time.Location) Cursor {
	if loc == nil {
		loc = time.Local
	}
	return NewCursor(time.Now().In(loc))
}

// Set moves the cursor to (year, month, day). Out-of-range values roll over
// through the calendar, so (2025, February, 30) becomes March 2.
func (c *Cursor) Set(year int, month time.Month, day int) {
	*c = NewCursor(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// StepDay moves the cursor delta days forward (or backward when negative).
func (c *Cursor) StepDay(delta int) {
	c.Set(c.Year, c.Month, c.Day+delta)
}

// StepMonth moves the cursor delta months and always resets the day to 1.
func (c *Cursor) StepMonth(delta int) {
	idx := c.Year*12 + int(c.Month-time.January) + delta
	year, month := floorDiv(idx, 12)
	*c = Cursor{Year: year, Month: time.January + time.Month(month), Day: 1}
}

// Date returns midnight of the cursor day in loc.
func (c Cursor) Date(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Date(c.Year, c.Month, c.Day, 0, 0, 0, 0, loc)
}

// Valid reports whether the cursor names a real calendar day.
func (c Cursor) Valid() bool {
	if c.Month < time.January || c.Month > time.December || c.Day < 1 {
		return false
	}
	return c.Day <= daysIn(c.Year, c.Month)
}

func (c Cursor) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", c.Year, int(c.Month), c.Day)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// floorDiv returns quotient and non-negative remainder.
func floorDiv(a, b int) (int, int) {
	q, r := a/b, a%b
	if r < 0 {
		q--
		r += b
	}
	return q, r
}
