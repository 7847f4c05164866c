package period

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects the window derived from a cursor.
type Kind int

const (
	DayWindow Kind = iota
	MonthWindow
)

// ParseKind accepts "day" or "month". Empty input means day.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "day":
		return DayWindow, nil
	case "month":
		return MonthWindow, nil
	default:
		return 0, fmt.Errorf("unknown window %q", s)
	}
}

func (k Kind) String() string {
	if k == MonthWindow {
		return "month"
	}
	return "day"
}

// Window is a closed interval: both Start and End are inclusive.
type Window struct {
	Kind  Kind
	Start time.Time
	End   time.Time
}

// Bounds returns the window of the given kind around c in loc. End is the
// last millisecond of the window.
func Bounds(c Cursor, kind Kind, loc *time.Location) Window {
	if loc == nil {
		loc = time.Local
	}
	var start, next time.Time
	switch kind {
	case MonthWindow:
		start = time.Date(c.Year, c.Month, 1, 0, 0, 0, 0, loc)
		next = time.Date(c.Year, c.Month+1, 1, 0, 0, 0, 0, loc)
	default:
		start = time.Date(c.Year, c.Month, c.Day, 0, 0, 0, 0, loc)
		next = time.Date(c.Year, c.Month, c.Day+1, 0, 0, 0, 0, loc)
	}
	return Window{Kind: kind, Start: start, End: next.Add(-time.Millisecond)}
}

// Contains reports whether t lies inside the window, edges included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Key identifies the window for caching.
func (w Window) Key() string {
	return fmt.Sprintf("%s:%d:%d", w.Kind, w.Start.UnixMilli(), w.End.UnixMilli())
}
