// Package schedule parses five-field cron expressions into explicit value
// sets and matches minute ticks against them.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"localcron/internal/calendar"
)

// Field bounds, in expression order.
var Bounds = [5]struct {
	Name     string
	Min, Max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day", 1, 31},
	{"month", 1, 12},
	{"dow", 0, 6},
}

// Tick is one minute boundary expressed as local calendar fields.
type Tick struct {
	Minute int `json:"minute"`
	Hour   int `json:"hour"`
	Day    int `json:"day"`
	Month  int `json:"month"`
	Dow    int `json:"dow"`
}

// TickAt reads the tick for instant t through the converter. The calendar
// fields are rebuilt into a comparable instant before the weekday is taken.
func TickAt(t time.Time, conv calendar.Converter) Tick {
	local := conv.Fields(t).Instant()
	return Tick{
		Minute: local.Minute(),
		Hour:   local.Hour(),
		Day:    local.Day(),
		Month:  int(local.Month()),
		Dow:    int(local.Weekday()),
	}
}

// set is an immutable sorted value set with a bitmask for membership.
type set struct {
	values []int
	bits   uint64
}

func newSet(values []int) set {
	s := set{values: values}
	for _, v := range values {
		s.bits |= 1 << uint(v)
	}
	return s
}

func (s set) has(v int) bool {
	return v >= 0 && v < 64 && s.bits&(1<<uint(v)) != 0
}

func (s set) list() []int {
	out := make([]int, len(s.values))
	copy(out, s.values)
	return out
}

// Schedule is a parsed cron expression. It is immutable; accessors return
// copies.
type Schedule struct {
	expr   string
	fields [5]set
}

// Parse parses expr with the permissive parser.
func Parse(expr string) (Schedule, error) {
	return Parser{}.Parse(expr)
}

// Parse splits expr on single spaces and expands each of the five fields.
func (p Parser) Parse(expr string) (Schedule, error) {
	pieces := strings.Split(expr, " ")
	if len(pieces) != 5 {
		return Schedule{}, fmt.Errorf("%w: got %d in %q", ErrSyntax, len(pieces), expr)
	}
	s := Schedule{expr: expr}
	for i, piece := range pieces {
		b := Bounds[i]
		values, err := p.Field(piece, b.Min, b.Max)
		if err != nil {
			return Schedule{}, fmt.Errorf("%s field: %w", b.Name, err)
		}
		s.fields[i] = newSet(values)
	}
	return s, nil
}

// MustParse is like Parse but panics on error.
func MustParse(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Schedule) String() string { return s.expr }

func (s Schedule) Minutes() []int { return s.fields[0].list() }
func (s Schedule) Hours() []int   { return s.fields[1].list() }
func (s Schedule) Days() []int    { return s.fields[2].list() }
func (s Schedule) Months() []int  { return s.fields[3].list() }
func (s Schedule) Dows() []int    { return s.fields[4].list() }

// Field returns the expanded values of field i in expression order.
func (s Schedule) Field(i int) []int { return s.fields[i].list() }

// Matches reports whether every field of t is in the schedule. Day of month
// and day of week are combined with AND like the other fields.
func (s Schedule) Matches(t Tick) bool {
	return s.fields[0].has(t.Minute) &&
		s.fields[1].has(t.Hour) &&
		s.fields[2].has(t.Day) &&
		s.fields[3].has(t.Month) &&
		s.fields[4].has(t.Dow)
}
