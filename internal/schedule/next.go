package schedule

import (
	"time"

	"localcron/internal/calendar"
)

// searchHorizon bounds how far Next looks ahead before giving up.
const searchHorizon = 5 // years

// Next returns the first minute boundary strictly after from that matches
// the schedule when read through conv, or the zero time if none exists
// within five years (e.g. "0 0 31 2 *").
//
// Candidates advance in absolute time, skipping whole hours and days when
// the coarser fields cannot match. Day skips stop an hour short of the
// local midnight so that a shorter DST day cannot carry the search past it.
func (s Schedule) Next(from time.Time, conv calendar.Converter) time.Time {
	for _, f := range s.fields {
		if len(f.values) == 0 {
			return time.Time{}
		}
	}

	t := from.Truncate(time.Minute).Add(time.Minute)
	deadline := from.AddDate(searchHorizon, 0, 0)

	for !t.After(deadline) {
		local := conv.Fields(t).Instant()

		if !s.fields[2].has(local.Day()) ||
			!s.fields[3].has(int(local.Month())) ||
			!s.fields[4].has(int(local.Weekday())) {
			remaining := (23-local.Hour())*60 + (60 - local.Minute())
			if remaining > 120 {
				t = t.Add(time.Duration(remaining-60) * time.Minute)
			} else {
				t = t.Add(time.Duration(60-local.Minute()) * time.Minute)
			}
			continue
		}

		if !s.fields[1].has(local.Hour()) {
			t = t.Add(time.Duration(60-local.Minute()) * time.Minute)
			continue
		}

		if !s.fields[0].has(local.Minute()) {
			t = t.Add(time.Minute)
			continue
		}

		return t
	}
	return time.Time{}
}

// Upcoming returns up to n consecutive matches after from.
func (s Schedule) Upcoming(from time.Time, n int, conv calendar.Converter) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	for len(out) < n {
		next := s.Next(from, conv)
		if next.IsZero() {
			break
		}
		out = append(out, next)
		from = next
	}
	return out
}
