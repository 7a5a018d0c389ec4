package clock

import (
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time only moves when Advance or Jump
// is called. Callbacks run synchronously on the goroutine calling Advance,
// with the clock lock released, so they may use the clock themselves.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	seq      uint64

	// Exactly one of callback and channel is set.
	callback func()
	channel  chan time.Time

	// interval is non-zero for recurring waiters.
	interval time.Duration

	done bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to run after d. If d <= 0, f runs before AfterFunc
// returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	return c.register(&fakeWaiter{callback: f}, d)
}

func (c *FakeClock) EveryFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		panic("clock: non-positive interval for EveryFunc")
	}
	return c.register(&fakeWaiter{callback: f, interval: d}, d)
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	channel := make(chan time.Time, 1)
	timer := c.register(&fakeWaiter{channel: channel, interval: d}, d)
	return &Ticker{C: channel, stop: func() { timer.Stop() }}
}

func (c *FakeClock) register(w *fakeWaiter, d time.Duration) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	w.seq = c.seq
	w.deadline = c.current.Add(d)
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.done {
			return false
		}
		c.removeLocked(w)
		return true
	}}
}

// Advance moves the clock forward by d, firing every waiter whose deadline
// falls within the new time in deadline order. While a waiter fires, Now
// reports its deadline. Recurring waiters that fall more than one interval
// behind fire once and skip the missed periods, as time.Ticker does.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		w := c.nextDueLocked(target)
		if w == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		if w.deadline.After(c.current) {
			c.current = w.deadline
		}
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			for !w.deadline.After(c.current) {
				w.deadline = w.deadline.Add(w.interval)
			}
		} else {
			c.removeLocked(w)
		}
		now := c.current
		c.mu.Unlock()

		if w.callback != nil {
			w.callback()
		} else {
			select {
			case w.channel <- now:
			default:
			}
		}
	}
}

// Jump moves the clock forward by d without firing anything. Overdue
// waiters fire on the next Advance, which models a host that was
// suspended or a timer that fired late.
func (c *FakeClock) Jump(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// WaitForTimers blocks until at least n waiters are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

// Pending returns the number of registered waiters.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeWaiter {
	var next *fakeWaiter
	for _, w := range c.waiters {
		if w.deadline.After(target) {
			continue
		}
		if next == nil || w.deadline.Before(next.deadline) ||
			(w.deadline.Equal(next.deadline) && w.seq < next.seq) {
			next = w
		}
	}
	return next
}

func (c *FakeClock) removeLocked(w *fakeWaiter) {
	w.done = true
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.changed.Broadcast()
}
