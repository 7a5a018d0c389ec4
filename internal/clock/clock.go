// Package clock abstracts the host timer so that time-driven code can be
// driven deterministically in tests.
//
// Production code takes a Clock and uses Real(); tests use Fake() and move
// time forward explicitly with Advance (firing due timers in order) or Jump
// (moving time without firing anything, like a suspended process).
package clock

import "time"

// Clock provides the current time and callback timers.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once after d. The real clock runs f in its own
	// goroutine; the fake clock runs it synchronously inside Advance.
	AfterFunc(d time.Duration, f func()) *Timer

	// EveryFunc calls f every d until the returned Timer is stopped.
	// Panics if d <= 0.
	EveryFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on a channel every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a pending one-shot or recurring callback.
type Timer struct {
	stop func() bool
}

// Stop cancels the timer. It reports whether the timer was still pending.
// Stop does not wait for a callback that is already running.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers ticks on C. The channel has capacity 1; ticks are dropped
// when the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }
