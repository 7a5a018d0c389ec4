package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"localcron/internal/engine"
	"localcron/internal/schedule"
)

// runWatch starts a single engine and prints every tick it fires until
// interrupted.
func runWatch(args []string, stdout io.Writer) error {
	var (
		zone   string
		strict bool
	)
	flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	flagSet.StringVar(&zone, "tz", "", "IANA zone the expression is read in (default: system zone)")
	flagSet.BoolVar(&strict, "strict", false, "reject bare values outside their field bounds")
	positional, err := parseFlags(flagSet, args, stdout)
	if err != nil {
		return err
	}
	expr, err := expression("watch", positional)
	if err != nil {
		return err
	}

	opts := []engine.Option{engine.WithTimezone(zone), engine.WithLogger(log.Logger)}
	if strict {
		opts = append(opts, engine.WithStrictRanges())
	}
	e, err := engine.New(expr, func(tick schedule.Tick, at time.Time) error {
		_, err := fmt.Fprintf(stdout, "%s  minute=%d hour=%d day=%d month=%d dow=%d\n",
			at.Format(time.RFC3339), tick.Minute, tick.Hour, tick.Day, tick.Month, tick.Dow)
		return err
	}, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.Start(); err != nil {
		return err
	}
	log.Info().Str("expr", expr).Msg("watching; interrupt to stop")
	<-ctx.Done()
	return e.Cancel()
}
