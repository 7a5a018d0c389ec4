// Package calendar converts absolute instants into local wall-clock fields.
//
// A Converter answers "what does the calendar read in zone Z at instant T".
// Callers that need weekday arithmetic rebuild a comparable instant from the
// fields with Fields.Instant rather than relying on the zone of the input.
package calendar

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // zone data for hosts without a zoneinfo database
)

// ErrUnknownZone is returned when a zone identifier cannot be loaded.
var ErrUnknownZone = errors.New("unknown time zone")

// Fields are the wall-clock readings of an instant in some zone.
type Fields struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
	Second int
}

// Instant rebuilds a naive instant carrying the same wall-clock readings.
// The result is expressed in UTC so that its calendar accessors (including
// Weekday) report exactly the stored fields.
func (f Fields) Instant() time.Time {
	return time.Date(f.Year, f.Month, f.Day, f.Hour, f.Minute, f.Second, 0, time.UTC)
}

// Converter maps instants to local calendar fields.
type Converter interface {
	Fields(t time.Time) Fields
	// Name identifies the zone, e.g. "Europe/London" or "Local".
	Name() string
}

type zone struct {
	loc *time.Location
}

// Local returns the converter for the system zone.
func Local() Converter { return zone{loc: time.Local} }

// In returns a converter for an already loaded location.
func In(loc *time.Location) Converter { return zone{loc: loc} }

// Zone loads the named IANA zone. An empty name yields Local.
func Zone(name string) (Converter, error) {
	if name == "" {
		return Local(), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnknownZone, name, err)
	}
	return zone{loc: loc}, nil
}

func (z zone) Fields(t time.Time) Fields {
	t = t.In(z.loc)
	return Fields{
		Year:   t.Year(),
		Month:  t.Month(),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

func (z zone) Name() string { return z.loc.String() }
