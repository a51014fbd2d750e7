package config

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// SessionHours is SessionConfig resolved into a location and offsets from
// local midnight.
type SessionHours struct {
	Location     *time.Location
	Start        time.Duration
	End          time.Duration
	ForceCloseAt time.Duration
}

// Hours parses the wall-clock session settings.
func (s SessionConfig) Hours() (SessionHours, error) {
	loc, err := time.LoadLocation(s.Location)
	if err != nil {
		return SessionHours{}, fmt.Errorf("session timezone %q: %w", s.Location, err)
	}
	start, err := parseClock(s.Start)
	if err != nil {
		return SessionHours{}, fmt.Errorf("session start: %w", err)
	}
	end, err := parseClock(s.End)
	if err != nil {
		return SessionHours{}, fmt.Errorf("session end: %w", err)
	}
	force, err := parseClock(s.ForceCloseAt)
	if err != nil {
		return SessionHours{}, fmt.Errorf("session force close: %w", err)
	}
	if start > end {
		return SessionHours{}, fmt.Errorf("session start %s is after end %s", s.Start, s.End)
	}
	return SessionHours{Location: loc, Start: start, End: end, ForceCloseAt: force}, nil
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", v)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
