package clock

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/matjam/lucent/internal/loop"
)

func newFake(t *testing.T) (*Clock, *loop.Loop) {
	t.Helper()
	l := loop.New()
	c, err := New(Fake, l)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, l
}

func fakeNowMS(t *testing.T, c *Clock) int64 {
	t.Helper()
	ts, err := c.GetTime(unix.CLOCK_MONOTONIC)
	if err != nil {
		t.Fatalf("GetTime: %v", err)
	}
	return ts.Nano() / int64(time.Millisecond)
}

func TestFireOrderIndependentOfUpdateOrder(t *testing.T) {
	c, l := newFake(t)
	var order []string

	two := c.NewTimer(func() { order = append(order, "+2ms") })
	one := c.NewTimer(func() { order = append(order, "+1ms") })
	two.Update(2)
	one.Update(1)

	c.Advance(3 * time.Millisecond)
	l.Dispatch(0)

	if len(order) != 2 || order[0] != "+1ms" || order[1] != "+2ms" {
		t.Fatalf("fire order = %v, want [+1ms +2ms]", order)
	}
	if got := fakeNowMS(t, c); got != 3 {
		t.Fatalf("time after advance = %dms, want 3ms", got)
	}
	one.Remove()
	two.Remove()
	c.Destroy()
}

func TestCallbackObservesOwnTriggerTime(t *testing.T) {
	c, l := newFake(t)
	var at1, at2, atReal int64

	t1 := c.NewTimer(func() { at1 = fakeNowMS(t, c) })
	t2 := c.NewTimer(func() {
		at2 = fakeNowMS(t, c)
		ts, _ := c.GetTime(unix.CLOCK_REALTIME)
		atReal = ts.Nano() / int64(time.Millisecond)
	})
	t1.Update(4)
	t2.Update(7)

	c.Advance(20 * time.Millisecond)
	l.Dispatch(0)

	if at1 != 4 || at2 != 7 {
		t.Errorf("callbacks saw %dms and %dms, want 4ms and 7ms", at1, at2)
	}
	// A fake clock answers every recognized clock id with the same time.
	if atReal != 7 {
		t.Errorf("realtime id inside callback = %dms, want 7ms", atReal)
	}
	if got := fakeNowMS(t, c); got != 20 {
		t.Errorf("final time = %dms, want 20ms", got)
	}
	t1.Remove()
	t2.Remove()
	c.Destroy()
}

func TestChainedRescheduleFiresOncePerCrossing(t *testing.T) {
	c, l := newFake(t)
	var fires []int64

	var self *Timer
	self = c.NewTimer(func() {
		fires = append(fires, fakeNowMS(t, c))
		self.Update(10)
	})
	other := c.NewTimer(func() { fires = append(fires, fakeNowMS(t, c)) })

	self.Update(5)
	other.Update(5)

	c.Advance(5 * time.Millisecond)
	l.Dispatch(0)

	if len(fires) != 2 || fires[0] != 5 || fires[1] != 5 {
		t.Fatalf("first advance fires = %v, want [5 5]", fires)
	}
	if got := fakeNowMS(t, c); got != 5 {
		t.Fatalf("time after first advance = %dms, want exactly 5ms", got)
	}

	// The rescheduled timer fires exactly once on the next crossing.
	c.Advance(10 * time.Millisecond)
	l.Dispatch(0)
	if len(fires) != 3 || fires[2] != 15 {
		t.Fatalf("second advance fires = %v, want one more at 15", fires)
	}
	self.Remove()
	other.Remove()
	c.Destroy()
}

func TestRescheduleWithinAdvanceWindow(t *testing.T) {
	// A timer that re-arms itself inside its callback, with the new
	// trigger still inside the advance window, fires again in the same
	// advance, and the commit still lands last.
	c, l := newFake(t)
	var fires []int64

	var tm *Timer
	tm = c.NewTimer(func() {
		fires = append(fires, fakeNowMS(t, c))
		if len(fires) < 3 {
			tm.Update(2)
		}
	})
	tm.Update(2)

	c.Advance(10 * time.Millisecond)
	l.Dispatch(0)

	if len(fires) != 3 || fires[0] != 2 || fires[1] != 4 || fires[2] != 6 {
		t.Fatalf("chained fires = %v, want [2 4 6]", fires)
	}
	if got := fakeNowMS(t, c); got != 10 {
		t.Fatalf("final time = %dms, want 10ms", got)
	}
	tm.Remove()
	c.Destroy()
}

func TestDisarmedTimerNeverFires(t *testing.T) {
	c, l := newFake(t)
	fired := false
	tm := c.NewTimer(func() { fired = true })

	c.Advance(time.Hour)
	l.Dispatch(0)
	if fired {
		t.Fatal("disarmed timer fired")
	}

	// Arming and immediately disarming must not fire either.
	tm.Update(5)
	tm.Update(0)
	c.Advance(time.Hour)
	l.Dispatch(0)
	if fired {
		t.Fatal("disarmed timer fired after re-disarm")
	}
	tm.Remove()
	c.Destroy()
}

func TestRemoveFromAnotherCallback(t *testing.T) {
	// Both timers are due in the same batch; the first callback removes
	// the second while its fire is already queued.
	c, l := newFake(t)
	var victim *Timer
	victimFired := false
	killer := c.NewTimer(func() { victim.Remove() })
	victim = c.NewTimer(func() { victimFired = true })

	killer.Update(1)
	victim.Update(2)
	c.Advance(5 * time.Millisecond)
	l.Dispatch(0)

	if victimFired {
		t.Fatal("removed timer fired from queued deferred callback")
	}
	killer.Remove()
	c.Destroy()
}

func TestUpdateReordersPendingFires(t *testing.T) {
	// Rescheduling a due timer from a callback re-queues it behind other
	// due timers, preserving trigger order.
	c, l := newFake(t)
	var order []string

	var b *Timer
	a := c.NewTimer(func() {
		order = append(order, "a")
		b.Update(1) // now due at a.trigger+1ms, still inside the window
	})
	b = c.NewTimer(func() { order = append(order, "b") })
	cc := c.NewTimer(func() { order = append(order, "c") })

	a.Update(1)
	cc.Update(3)
	c.Advance(5 * time.Millisecond)
	l.Dispatch(0)

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("fire order = %v, want [a b c]", order)
	}
	a.Remove()
	b.Remove()
	cc.Remove()
	c.Destroy()
}

func TestGetTimeRejectsUnknownClockID(t *testing.T) {
	c, _ := newFake(t)
	if _, err := c.GetTime(unix.CLOCK_PROCESS_CPUTIME_ID); !errors.Is(err, ErrBadClockID) {
		t.Fatalf("got %v, want ErrBadClockID", err)
	}
	c.Destroy()
}

func TestRealClockPassesThrough(t *testing.T) {
	l := loop.New()
	c, err := New(Real, l)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := time.Now()
	ts, err := c.GetTime(unix.CLOCK_REALTIME)
	if err != nil {
		t.Fatalf("GetTime: %v", err)
	}
	got := time.Unix(ts.Unix())
	if d := got.Sub(before); d < -time.Minute || d > time.Minute {
		t.Fatalf("realtime clock far from OS time: %v", d)
	}

	fired := make(chan struct{})
	tm := c.NewTimer(func() { close(fired) })
	tm.Update(1)
	deadline := time.Now().Add(2 * time.Second)
	done := false
	for !done && time.Now().Before(deadline) {
		l.Dispatch(10 * time.Millisecond)
		select {
		case <-fired:
			done = true
		default:
		}
	}
	if !done {
		t.Fatal("real-mode timer did not fire")
	}
	tm.Remove()
	c.Destroy()
}

func TestDestroyWithLiveTimersPanics(t *testing.T) {
	c, _ := newFake(t)
	c.NewTimer(func() {})
	defer func() {
		if recover() == nil {
			t.Fatal("Destroy with live timers did not panic")
		}
	}()
	c.Destroy()
}
