// Package lint reports where an expression expands differently from
// standard cron.
//
// The expression language has behaviours standard cron does not share:
// items after a range are ignored, day of month and day of week combine
// with AND, and stepped wildcards start at zero. Check reports them and
// compares each field against robfig/cron's parse.
package lint

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"localcron/internal/schedule"
)

// starBit is set by robfig/cron on fields written as "*".
const starBit = 1 << 63

// Warning describes one divergence.
type Warning struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	if w.Field == "" {
		return w.Message
	}
	return w.Field + ": " + w.Message
}

// Check inspects expr. It returns no warnings for expressions that do not
// parse; callers report parse errors separately.
func Check(expr string) []Warning {
	sched, err := schedule.Parse(expr)
	if err != nil {
		return nil
	}
	pieces := strings.Split(expr, " ")

	var warnings []Warning
	for i, piece := range pieces {
		warnings = append(warnings, checkField(schedule.Bounds[i].Name, piece, schedule.Bounds[i].Min, schedule.Bounds[i].Max)...)
	}

	if pieces[2] != "*" && pieces[4] != "*" {
		warnings = append(warnings, Warning{
			Message: "day and dow are both restricted; both must match, standard cron fires when either matches",
		})
	}

	return append(warnings, compare(expr, sched)...)
}

func checkField(name, piece string, minValue, maxValue int) []Warning {
	var warnings []Warning
	items := strings.Split(piece, ",")
	for i, item := range items {
		if wholeField(item) {
			if i < len(items)-1 {
				warnings = append(warnings, Warning{
					Field:   name,
					Message: fmt.Sprintf("items after %q are ignored: %s", item, strings.Join(items[i+1:], ",")),
				})
			}
			if strings.HasPrefix(item, "*/") && minValue > 0 {
				warnings = append(warnings, Warning{
					Field:   name,
					Message: fmt.Sprintf("%q counts from 0, not %d", item, minValue),
				})
			}
			break
		}

		v, err := strconv.Atoi(item)
		if err != nil {
			continue
		}
		switch {
		case v > maxValue && minValue == 0:
			warnings = append(warnings, Warning{
				Field:   name,
				Message: fmt.Sprintf("%d folds to %d", v, v%(maxValue+1)),
			})
		case v < minValue || v > maxValue:
			warnings = append(warnings, Warning{
				Field:   name,
				Message: fmt.Sprintf("%d is outside %d-%d and is dropped", v, minValue, maxValue),
			})
		}
	}
	return warnings
}

func wholeField(item string) bool {
	return item == "*" || strings.HasPrefix(item, "*/") || strings.Contains(item, "-")
}

// compare reports fields whose expansion differs from robfig/cron's.
func compare(expr string, sched schedule.Schedule) []Warning {
	std, err := cron.ParseStandard(expr)
	if err != nil {
		return []Warning{{Message: fmt.Sprintf("standard cron rejects this expression: %v", err)}}
	}
	spec, ok := std.(*cron.SpecSchedule)
	if !ok {
		return nil
	}

	theirs := [5]uint64{spec.Minute, spec.Hour, spec.Dom, spec.Month, spec.Dow}
	var warnings []Warning
	for i, bits := range theirs {
		ours := sched.Field(i)
		want := expand(bits&^starBit, schedule.Bounds[i].Min, schedule.Bounds[i].Max)
		if !equal(ours, want) {
			warnings = append(warnings, Warning{
				Field:   schedule.Bounds[i].Name,
				Message: fmt.Sprintf("expands to %v, standard cron expands to %v", ours, want),
			})
		}
	}
	return warnings
}

func expand(bits uint64, minValue, maxValue int) []int {
	out := []int{}
	for v := minValue; v <= maxValue; v++ {
		if bits&(1<<uint(v)) != 0 {
			out = append(out, v)
		}
	}
	return out
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
