package schedule

import "errors"

var (
	// ErrSyntax is returned when an expression does not split into exactly
	// five space-separated fields.
	ErrSyntax = errors.New("cron schedule must contain 5 fields separated by a single space")

	// ErrParse is returned when a field item matches none of the accepted forms.
	ErrParse = errors.New("could not parse cron value")

	// ErrRange is returned by a strict parser when a bare value lies outside
	// the bounds of its field.
	ErrRange = errors.New("out of range cron value")
)
