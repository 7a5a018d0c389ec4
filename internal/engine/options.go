package engine

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"localcron/internal/clock"
	"localcron/internal/schedule"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	clock    clock.Clock
	logger   zerolog.Logger
	timezone string
	parser   schedule.Parser
}

func defaultOptions() options {
	return options{
		clock:  clock.Real(),
		logger: log.Logger,
	}
}

// WithClock replaces the wall clock and host timers.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger used for callback failures and lifecycle
// messages.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTimezone reads calendar fields in the named IANA zone instead of the
// system zone. An unknown zone makes New fail.
func WithTimezone(name string) Option {
	return func(o *options) { o.timezone = name }
}

// WithStrictRanges rejects bare values outside their field bounds.
func WithStrictRanges() Option {
	return func(o *options) { o.parser.Strict = true }
}
