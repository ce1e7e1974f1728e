// Package admission decides whether an inbound event may be processed right now.
package admission

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	// Zone data for minimal container images.
	_ "time/tzdata"
)

// Gate is consulted once per inbound event before any state is touched.
type Gate interface {
	IsAdmitted(now time.Time) bool
}

// AlwaysOpen admits every event.
type AlwaysOpen struct{}

func (AlwaysOpen) IsAdmitted(time.Time) bool { return true }

// BusinessHours admits events on the configured weekdays between Open and Close, in Location.
type BusinessHours struct {
	Days     map[time.Weekday]bool
	Open     time.Duration // offset from midnight
	Close    time.Duration
	Location *time.Location
}

var _ Gate = BusinessHours{}

// IsAdmitted reports whether now falls inside the business window. Close is exclusive.
func (b BusinessHours) IsAdmitted(now time.Time) bool {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	if !b.Days[local.Weekday()] {
		return false
	}
	y, m, d := local.Date()
	offset := local.Sub(time.Date(y, m, d, 0, 0, 0, 0, loc))
	if b.Open <= b.Close {
		return offset >= b.Open && offset < b.Close
	}
	// Overnight window, e.g. 22:00-06:00.
	return offset >= b.Open || offset < b.Close
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
	// Spanish abbreviations, as operators of the Colombian deployment write them.
	"dom": time.Sunday, "lun": time.Monday, "mar": time.Tuesday, "mie": time.Wednesday,
	"jue": time.Thursday, "vie": time.Friday, "sab": time.Saturday,
}

// ParseBusinessHours parses specs like "mon-fri 08:00-18:00" or "mon,wed,sat 09:00-13:00".
// An empty spec yields AlwaysOpen. tz is an IANA zone name; empty means UTC.
func ParseBusinessHours(spec, tz string) (Gate, error) {
	spec = strings.TrimSpace(strings.ToLower(spec))
	if spec == "" || spec == "always" {
		return AlwaysOpen{}, nil
	}
	loc := time.UTC
	if tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("business hours: invalid time zone %q: %w", tz, err)
		}
	}
	fields := strings.Fields(spec)
	if len(fields) != 2 {
		return nil, fmt.Errorf("business hours: expected \"<days> <HH:MM>-<HH:MM>\", got %q", spec)
	}
	days, err := parseDays(fields[0])
	if err != nil {
		return nil, err
	}
	window := strings.SplitN(fields[1], "-", 2)
	if len(window) != 2 {
		return nil, fmt.Errorf("business hours: invalid window %q", fields[1])
	}
	open, err := parseClock(window[0])
	if err != nil {
		return nil, err
	}
	closing, err := parseClock(window[1])
	if err != nil {
		return nil, err
	}
	if open == closing {
		return nil, fmt.Errorf("business hours: empty window %q", fields[1])
	}
	return BusinessHours{Days: days, Open: open, Close: closing, Location: loc}, nil
}

func parseDays(s string) (map[time.Weekday]bool, error) {
	days := map[time.Weekday]bool{}
	for _, part := range strings.Split(s, ",") {
		from, to, isRange := strings.Cut(part, "-")
		start, ok := weekdays[from]
		if !ok {
			return nil, fmt.Errorf("business hours: unknown weekday %q", from)
		}
		if !isRange {
			days[start] = true
			continue
		}
		end, ok := weekdays[to]
		if !ok {
			return nil, fmt.Errorf("business hours: unknown weekday %q", to)
		}
		for d := start; ; d = (d + 1) % 7 {
			days[d] = true
			if d == end {
				break
			}
		}
	}
	return days, nil
}

func parseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("business hours: invalid clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("business hours: invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("business hours: invalid minute in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
