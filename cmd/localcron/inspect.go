package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"localcron/internal/calendar"
	"localcron/internal/lint"
	"localcron/internal/schedule"
)

func runParse(args []string, stdout io.Writer) error {
	var strict bool
	flagSet := pflag.NewFlagSet("parse", pflag.ContinueOnError)
	flagSet.BoolVar(&strict, "strict", false, "reject bare values outside their field bounds")
	positional, err := parseFlags(flagSet, args, stdout)
	if err != nil {
		return err
	}
	expr, err := expression("parse", positional)
	if err != nil {
		return err
	}

	sched, err := schedule.Parser{Strict: strict}.Parse(expr)
	if err != nil {
		return err
	}
	for i, b := range schedule.Bounds {
		fmt.Fprintf(stdout, "%-7s %s\n", b.Name+":", joinInts(sched.Field(i)))
	}
	for _, w := range lint.Check(expr) {
		fmt.Fprintf(stdout, "warning: %s\n", w)
	}
	return nil
}

func runNext(args []string, stdout io.Writer) error {
	var (
		count  int
		zone   string
		from   string
		strict bool
	)
	flagSet := pflag.NewFlagSet("next", pflag.ContinueOnError)
	flagSet.IntVarP(&count, "count", "n", 5, "number of runs to list")
	flagSet.StringVar(&zone, "tz", "", "IANA zone the expression is read in (default: system zone)")
	flagSet.StringVar(&from, "from", "", "RFC3339 instant to search from (default: now)")
	flagSet.BoolVar(&strict, "strict", false, "reject bare values outside their field bounds")
	positional, err := parseFlags(flagSet, args, stdout)
	if err != nil {
		return err
	}
	expr, err := expression("next", positional)
	if err != nil {
		return err
	}

	sched, err := schedule.Parser{Strict: strict}.Parse(expr)
	if err != nil {
		return err
	}
	conv, err := calendar.Zone(zone)
	if err != nil {
		return err
	}
	start := time.Now()
	if from != "" {
		if start, err = time.Parse(time.RFC3339, from); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
	}

	runs := sched.Upcoming(start, count, conv)
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "no matching minute in the next five years")
		return nil
	}
	for _, at := range runs {
		f := conv.Fields(at)
		fmt.Fprintf(stdout, "%s  %04d-%02d-%02d %02d:%02d %s\n",
			at.UTC().Format(time.RFC3339), f.Year, int(f.Month), f.Day, f.Hour, f.Minute, conv.Name())
	}
	return nil
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, " ")
}
