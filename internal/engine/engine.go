// Package engine runs a callback once for every minute boundary that matches
// a cron schedule.
//
// The engine remembers the last boundary it processed. Each wake-up walks
// forward one minute at a time from that boundary up to the present and
// evaluates every boundary on the way, so late, throttled or suspended
// wake-ups never skip or repeat a minute.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"localcron/internal/calendar"
	"localcron/internal/clock"
	"localcron/internal/schedule"
)

// period is the steady-state wake-up interval.
const period = time.Minute

var (
	ErrAlreadyStarted   = errors.New("engine already started")
	ErrAlreadyCancelled = errors.New("engine already cancelled")
	ErrCancelled        = errors.New("engine cancelled")
)

// State is the lifecycle position of an Engine.
type State int

const (
	Idle State = iota
	Running
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Callback receives each matching tick and the boundary instant it was read
// from. A returned error or a panic is logged and otherwise ignored.
type Callback func(tick schedule.Tick, at time.Time) error

// Engine fires a Callback for matching minute boundaries.
type Engine struct {
	schedule schedule.Schedule
	callback Callback
	calendar calendar.Converter
	clock    clock.Clock
	logger   zerolog.Logger

	// mu guards the lifecycle state and the timers. It is never held while
	// the callback runs, so the callback may call Cancel.
	mu    sync.Mutex
	state State
	align *clock.Timer
	wake  *clock.Timer

	// pass serializes catch-up passes and guards lastProcessed.
	pass          sync.Mutex
	lastProcessed time.Time
}

// New parses expr and returns an idle engine. No timer is armed until Start.
func New(expr string, callback Callback, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	sched, err := o.parser.Parse(expr)
	if err != nil {
		return nil, err
	}

	conv := calendar.Local()
	if o.timezone != "" {
		if conv, err = calendar.Zone(o.timezone); err != nil {
			return nil, err
		}
	}

	return &Engine{
		schedule:      sched,
		callback:      callback,
		calendar:      conv,
		clock:         o.clock,
		logger:        o.logger.With().Str("schedule", expr).Str("zone", conv.Name()).Logger(),
		lastProcessed: o.clock.Now(),
	}, nil
}

// Start aligns the engine to the next minute boundary and begins firing.
// Within the first two seconds of a minute it proceeds immediately;
// otherwise it waits once for the remainder of the minute.
func (e *Engine) Start() error {
	e.mu.Lock()
	switch e.state {
	case Running:
		e.mu.Unlock()
		return ErrAlreadyStarted
	case Cancelled:
		e.mu.Unlock()
		return ErrCancelled
	}
	e.state = Running

	second := e.clock.Now().Second()
	if second >= 2 {
		wait := time.Duration(60-second) * time.Second
		e.align = e.clock.AfterFunc(wait, e.firstExecution)
		e.mu.Unlock()
		e.logger.Debug().Dur("wait", wait).Msg("engine aligning to next minute")
		return nil
	}
	e.mu.Unlock()

	e.firstExecution()
	return nil
}

// Cancel stops the engine. It is observed at the next wake-up; a catch-up
// pass already in progress runs to completion.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Cancelled {
		return ErrAlreadyCancelled
	}
	e.state = Cancelled
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Cancelled
}

// firstExecution rewinds to the boundary before the current minute so the
// first pass fires the current minute, then arms the recurring wake-up.
func (e *Engine) firstExecution() {
	if e.cancelled() {
		return
	}

	e.pass.Lock()
	e.lastProcessed = e.clock.Now().Truncate(time.Minute).Add(-time.Minute)
	e.pass.Unlock()

	e.mu.Lock()
	if e.state == Cancelled {
		e.mu.Unlock()
		return
	}
	e.align = nil
	e.wake = e.clock.EveryFunc(period, e.wakeUp)
	e.mu.Unlock()

	e.logger.Debug().Msg("engine started")
	e.catchUp()
}

func (e *Engine) wakeUp() {
	e.mu.Lock()
	if e.state == Cancelled {
		if e.wake != nil {
			e.wake.Stop()
			e.wake = nil
		}
		e.mu.Unlock()
		e.logger.Debug().Msg("engine stopped")
		return
	}
	e.mu.Unlock()

	e.catchUp()
}

// catchUp evaluates every boundary after lastProcessed up to now, in order.
// Each boundary is committed before it is evaluated, so it is never
// produced twice, and the walk advances by exactly one minute so none is
// skipped.
func (e *Engine) catchUp() {
	e.pass.Lock()
	defer e.pass.Unlock()

	now := e.clock.Now()
	for !e.lastProcessed.After(now) {
		candidate := e.lastProcessed.Add(time.Minute)
		if candidate.After(now) {
			break
		}
		e.lastProcessed = candidate
		e.evaluate(schedule.TickAt(candidate, e.calendar), candidate)
	}
}

func (e *Engine) evaluate(tick schedule.Tick, at time.Time) {
	if !e.schedule.Matches(tick) {
		return
	}
	if err := e.dispatch(tick, at); err != nil {
		e.logger.Warn().Err(err).Time("at", at).Msg("uncaught error inside cron callback; catch errors inside the callback to handle them")
	}
}

// dispatch calls the callback, turning a panic into an error.
func (e *Engine) dispatch(tick schedule.Tick, at time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 4096)
			n := runtime.Stack(stack, false)
			err = fmt.Errorf("panic: %v\n%s", r, stack[:n])
		}
	}()
	return e.callback(tick, at)
}
