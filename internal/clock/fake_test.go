package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvanceJump(t *testing.T) {
	c := Fake(epoch)
	c.Advance(5 * time.Second)
	if got, want := c.Now(), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
	c.Jump(time.Minute)
	if got, want := c.Now(), epoch.Add(65*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Jump = %v, want %v", got, want)
	}
}

func TestFakeAfterFunc(t *testing.T) {
	c := Fake(epoch)
	var firedAt time.Time
	c.AfterFunc(3*time.Second, func() { firedAt = c.Now() })

	c.Advance(2 * time.Second)
	if !firedAt.IsZero() {
		t.Fatal("AfterFunc fired before its deadline")
	}
	c.Advance(5 * time.Second)
	if want := epoch.Add(3 * time.Second); !firedAt.Equal(want) {
		t.Fatalf("callback saw Now() = %v, want %v", firedAt, want)
	}
	if got := c.Now(); !got.Equal(epoch.Add(7 * time.Second)) {
		t.Fatalf("Now() = %v after Advance", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", c.Pending())
	}
}

func TestFakeAfterFuncZeroRunsImmediately(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(0, func() { fired = true })
	if !fired {
		t.Fatal("AfterFunc(0) did not run synchronously")
	}
	if timer.Stop() {
		t.Fatal("Stop() on a fired timer returned true")
	}
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop() on a pending timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop() returned true")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeEveryFunc(t *testing.T) {
	c := Fake(epoch)
	var seen []time.Time
	timer := c.EveryFunc(time.Minute, func() { seen = append(seen, c.Now()) })

	c.Advance(3 * time.Minute)
	if len(seen) != 3 {
		t.Fatalf("fired %d times over 3 intervals, want 3", len(seen))
	}
	for i, at := range seen {
		if want := epoch.Add(time.Duration(i+1) * time.Minute); !at.Equal(want) {
			t.Errorf("firing %d at %v, want %v", i, at, want)
		}
	}

	timer.Stop()
	c.Advance(3 * time.Minute)
	if len(seen) != 3 {
		t.Fatalf("fired after Stop: %d", len(seen))
	}
}

func TestFakeEveryFuncSkipsMissedPeriodsAfterJump(t *testing.T) {
	c := Fake(epoch)
	count := 0
	c.EveryFunc(time.Minute, func() { count++ })

	c.Jump(5 * time.Minute)
	c.Advance(0)
	if count != 1 {
		t.Fatalf("late recurring timer fired %d times, want 1", count)
	}

	c.Advance(time.Minute)
	if count != 2 {
		t.Fatalf("fired %d times, want 2", count)
	}
}

func TestFakeTicker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case at := <-ticker.C:
		if !at.Equal(epoch.Add(time.Second)) {
			t.Fatalf("tick at %v", at)
		}
	default:
		t.Fatal("ticker did not fire")
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.AfterFunc(time.Second, func() { close(done) })
	}()
	c.WaitForTimers(1)
	c.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback did not run")
	}
}
