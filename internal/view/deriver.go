package view

import (
	"strconv"
	"time"

	"fintrack/internal/cache"
	"fintrack/internal/core"
	"fintrack/internal/period"
)

// Deriver memoises views on (list version, window bounds). Results are
// identical to calling Derive directly.
type Deriver struct {
	loc   *time.Location
	cache *cache.LRUCache[View]
}

// NewDeriver returns a deriver for loc keeping at most size views for ttl.
// A size below one disables memoisation.
func NewDeriver(loc *time.Location, size int, ttl time.Duration) *Deriver {
	if loc == nil {
		loc = time.Local
	}
	d := &Deriver{loc: loc}
	if size > 0 {
		d.cache = cache.NewLRUCache[View](size, ttl)
	}
	return d
}

// Location returns the time zone windows are computed in.
func (d *Deriver) Location() *time.Location {
	return d.loc
}

// Cache exposes the underlying cache so it can be registered for cleanup.
// It is nil when memoisation is disabled.
func (d *Deriver) Cache() *cache.LRUCache[View] {
	return d.cache
}

// Derive returns the view for list at version. Callers must bump version
// whenever list changes.
func (d *Deriver) Derive(version uint64, list []core.Transaction, c period.Cursor, kind period.Kind) View {
	w := period.Bounds(c, kind, d.loc)
	if d.cache == nil {
		return Compute(list, w)
	}

	key := strconv.FormatUint(version, 10) + "|" + w.Key()
	if v, ok := d.cache.Get(key); ok {
		return v
	}
	v := Compute(list, w)
	d.cache.Set(key, v)
	return v
}

// Reset drops every memoised view.
func (d *Deriver) Reset() {
	if d.cache != nil {
		d.cache.Purge()
	}
}
