package schedule

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	rangeItem     = regexp.MustCompile(`^(\d+)-(\d+)$`)
	rangeStepItem = regexp.MustCompile(`^(\d+)-(\d+)/(\d+)$`)
	starStepItem  = regexp.MustCompile(`^\*/(\d+)$`)
	valueItem     = regexp.MustCompile(`^(\d+)$`)
)

// Parser turns cron expressions into schedules.
//
// The zero value is permissive: a bare value is accepted when it is at least
// the field minimum or at most the field maximum, which admits every
// non-negative integer. Values are then folded or dropped by normalization.
// Strict rejects bare values outside [min, max] with ErrRange.
type Parser struct {
	Strict bool
}

// ParseField expands one field with the permissive parser.
func ParseField(text string, minValue, maxValue int) ([]int, error) {
	return Parser{}.Field(text, minValue, maxValue)
}

// Field expands a comma separated field into a sorted, duplicate free set of
// values within [minValue, maxValue].
//
// Expansion stops at the first item that covers a whole sequence (`*`, `*/N`,
// `A-B` or `A-B/N`); items after it are ignored.
func (p Parser) Field(text string, minValue, maxValue int) ([]int, error) {
	n := normalizer{min: minValue, max: maxValue, seen: make(map[int]struct{})}

	for _, item := range strings.Split(text, ",") {
		if item == "*" {
			for i := minValue; i <= maxValue; i++ {
				n.push(i)
			}
			break
		}

		if m := rangeItem.FindStringSubmatch(item); m != nil {
			from, to, err := atoi2(item, m[1], m[2])
			if err != nil {
				return nil, err
			}
			for i, upper := from, n.limit(from, to, 1); i <= upper && i >= from; i++ {
				n.push(i)
			}
			break
		}

		if m := rangeStepItem.FindStringSubmatch(item); m != nil {
			from, to, err := atoi2(item, m[1], m[2])
			if err != nil {
				return nil, err
			}
			step, err := stepSize(item, m[3])
			if err != nil {
				return nil, err
			}
			for i, upper := from, n.limit(from, to, step); i <= upper && i >= from; i += step {
				n.push(i)
			}
			break
		}

		if m := starStepItem.FindStringSubmatch(item); m != nil {
			step, err := stepSize(item, m[1])
			if err != nil {
				return nil, err
			}
			for i := 0; i < maxValue; i++ {
				if i%step == 0 {
					n.push(i)
				}
			}
			break
		}

		m := valueItem.FindStringSubmatch(item)
		if m == nil {
			return nil, fmt.Errorf("%w: %q", ErrParse, item)
		}
		value, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrParse, item)
		}
		if !p.accepts(value, minValue, maxValue) {
			return nil, fmt.Errorf("%w: %d should be min: %d and max: %d", ErrRange, value, minValue, maxValue)
		}
		n.push(value)
	}

	return n.values(), nil
}

func (p Parser) accepts(value, minValue, maxValue int) bool {
	if p.Strict {
		return value >= minValue && value <= maxValue
	}
	return value >= minValue || value <= maxValue
}

// normalizer folds zero-based fields modulo their width and drops
// out-of-range values of one-based fields.
type normalizer struct {
	min, max int
	seen     map[int]struct{}
}

func (n *normalizer) push(i int) {
	if n.min == 0 {
		i %= n.max + 1
	} else if i < n.min || i > n.max {
		return
	}
	n.seen[i] = struct{}{}
}

// limit caps the upper end of a range so that huge ranges do not iterate
// past the point where normalization stops producing new values.
func (n *normalizer) limit(from, to, step int) int {
	if n.min > 0 {
		return min(to, n.max)
	}
	width := n.max + 1
	if step > (math.MaxInt-from)/width {
		return to
	}
	return min(to, from+step*width)
}

func (n *normalizer) values() []int {
	out := make([]int, 0, len(n.seen))
	for v := range n.seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func atoi2(item, a, b string) (int, int, error) {
	x, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrParse, item)
	}
	y, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrParse, item)
	}
	return x, y, nil
}

func stepSize(item, s string) (int, error) {
	step, err := strconv.Atoi(s)
	if err != nil || step == 0 {
		return 0, fmt.Errorf("%w: %q", ErrParse, item)
	}
	return step, nil
}
