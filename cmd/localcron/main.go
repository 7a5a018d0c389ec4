package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const usage = `localcron runs five-field cron schedules against a local task queue.

Usage:
  localcron serve [flags]          run the scheduler, worker pool and HTTP API
  localcron parse <expr>           show the values each field expands to
  localcron next <expr> [flags]    list the next matching minutes
  localcron watch <expr> [flags]   print every matching minute as it happens

Run "localcron <command> --help" for the flags of a command.
`

// errUsage is returned for malformed command lines.
var errUsage = errors.New("usage")

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	err := dispatch(args, stdout)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

func dispatch(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	rest := args[1:]
	switch args[0] {
	case "serve":
		return runServe(rest, stdout)
	case "parse":
		return runParse(rest, stdout)
	case "next":
		return runNext(rest, stdout)
	case "watch":
		return runWatch(rest, stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

// parseFlags parses args and returns the positional arguments. A help
// request prints the flag defaults and yields pflag.ErrHelp.
func parseFlags(flagSet *pflag.FlagSet, args []string, stdout io.Writer) ([]string, error) {
	flagSet.SetOutput(stdout)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	return flagSet.Args(), nil
}

// expression returns the single positional argument of commands that take
// an expression.
func expression(name string, positional []string) (string, error) {
	if len(positional) != 1 {
		return "", fmt.Errorf("%w: %s takes exactly one quoted expression, got %d arguments", errUsage, name, len(positional))
	}
	return positional[0], nil
}
