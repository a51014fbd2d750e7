package engine

import (
	"time"

	"signalsim/services/config"
)

// Calendar is a daily trading session in a fixed location. Offsets are
// measured from local midnight; both session bounds are inclusive.
type Calendar struct {
	Location     *time.Location
	Start        time.Duration
	End          time.Duration
	ForceCloseAt time.Duration
}

// NewCalendar builds a Calendar from parsed session hours.
func NewCalendar(h config.SessionHours) Calendar {
	loc := h.Location
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{Location: loc, Start: h.Start, End: h.End, ForceCloseAt: h.ForceCloseAt}
}

func (c Calendar) offset(t time.Time) time.Duration {
	local := t.In(c.Location)
	return time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
}

// IsOpen reports whether t falls inside trading hours.
func (c Calendar) IsOpen(t time.Time) bool {
	off := c.offset(t)
	return off >= c.Start && off <= c.End
}

// InForceClose reports whether t is at or past the forced-closure cutoff.
func (c Calendar) InForceClose(t time.Time) bool {
	return c.offset(t) >= c.ForceCloseAt
}

// ForceCloseTime is the forced-closure cutoff on t's local date.
func (c Calendar) ForceCloseTime(t time.Time) time.Time {
	y, m, d := t.In(c.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.Location).Add(c.ForceCloseAt)
}

// SameDay reports whether a and b share a local calendar date.
func (c Calendar) SameDay(a, b time.Time) bool {
	ay, am, ad := a.In(c.Location).Date()
	by, bm, bd := b.In(c.Location).Date()
	return ay == by && am == bm && ad == bd
}
