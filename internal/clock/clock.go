// Package clock abstracts "now" for the compositor. A real clock passes
// straight through to the OS; a fake clock holds an explicit monotonic
// time that only advances on request, with timer callbacks dispatched
// deterministically through the event loop's idle queue. The fake clock is
// what makes repaint scheduling testable.
package clock

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/matjam/lucent/internal/loop"
)

// Kind selects the clock implementation.
type Kind string

const (
	Real Kind = "real"
	Fake Kind = "fake"
)

// ErrBadClockID is returned by GetTime for clock ids outside the
// recognized set.
var ErrBadClockID = errors.New("clock: unrecognized clock id")

// Clock provides time and timers. All methods must be called from the
// event loop goroutine.
type Clock struct {
	kind Kind
	loop *loop.Loop

	// Fake state. now only moves forward: to a timer's trigger time while
	// its callback runs, and to the advance target when an advance
	// commits.
	now       time.Duration
	timers    []*Timer
	armed     []*Timer
	commit    *loop.Idle
	target    time.Duration
	advancing bool
}

// New creates a clock of the given kind. The loop is required for timers
// in either mode; a Fake clock used purely for GetTime may pass nil.
func New(kind Kind, lp *loop.Loop) (*Clock, error) {
	switch kind {
	case Real, Fake:
	default:
		return nil, fmt.Errorf("clock: unknown kind %q", kind)
	}
	return &Clock{kind: kind, loop: lp}, nil
}

// Kind returns the clock implementation in use.
func (c *Clock) Kind() Kind {
	return c.kind
}

// Advancing reports whether a fake-time advance is still committing. Loop
// goroutine only; callers waiting for an advance to finish re-queue an
// idle until this goes false.
func (c *Clock) Advancing() bool {
	return c.advancing
}

// GetTime returns the current time of the requested OS clock. A fake
// clock returns its held time for every recognized clock id.
func (c *Clock) GetTime(clockid int32) (unix.Timespec, error) {
	switch clockid {
	case unix.CLOCK_MONOTONIC, unix.CLOCK_MONOTONIC_RAW, unix.CLOCK_MONOTONIC_COARSE,
		unix.CLOCK_REALTIME, unix.CLOCK_BOOTTIME:
	default:
		return unix.Timespec{}, fmt.Errorf("%w: %d", ErrBadClockID, clockid)
	}
	if c.kind == Real {
		var ts unix.Timespec
		if err := unix.ClockGettime(clockid, &ts); err != nil {
			return unix.Timespec{}, fmt.Errorf("clock_gettime(%d): %w", clockid, err)
		}
		return ts, nil
	}
	return unix.NsecToTimespec(c.now.Nanoseconds()), nil
}

// Now returns the monotonic time as a duration since an arbitrary epoch.
func (c *Clock) Now() time.Duration {
	if c.kind == Real {
		var ts unix.Timespec
		if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err == nil {
			return time.Duration(ts.Nano())
		}
		return 0
	}
	return c.now
}

// Destroy asserts that all timers have been removed. The clock tracks
// timers for bookkeeping only; it never owns their lifetimes.
func (c *Clock) Destroy() {
	if len(c.timers) != 0 {
		panic(fmt.Sprintf("clock: destroyed with %d live timers", len(c.timers)))
	}
}

// Timer is a one-shot callback scheduled against the clock. Every timer
// owns a real underlying loop timer for identity; in fake mode the
// underlying timer stays disarmed and firing goes through the clock's
// bookkeeping instead.
type Timer struct {
	clock *Clock
	base  *loop.Timer
	fn    func()

	armed   bool
	trigger time.Duration
	fire    *loop.Idle
	removed bool
}

// NewTimer allocates a disarmed timer. fn runs on the loop goroutine.
func (c *Clock) NewTimer(fn func()) *Timer {
	if c.loop == nil {
		panic("clock: timers require an event loop")
	}
	t := &Timer{clock: c, fn: fn}
	t.base = c.loop.NewTimer(fn)
	c.timers = append(c.timers, t)
	return t
}

// Update arms the timer to fire after delayMS milliseconds, replacing any
// previous arming. delayMS <= 0 disarms.
func (t *Timer) Update(delayMS int) {
	if t.removed {
		panic("clock: update of removed timer")
	}
	c := t.clock
	if c.kind == Real {
		t.base.Update(delayMS)
		return
	}
	t.disarm()
	if delayMS <= 0 {
		return
	}
	t.trigger = c.now + time.Duration(delayMS)*time.Millisecond
	t.armed = true
	c.insertArmed(t)
	c.flushDue()
}

// Remove cancels the timer entirely: the underlying loop timer, any
// pending deferred fire, and the clock's bookkeeping. Safe to call while
// a fire is queued but not yet run.
func (t *Timer) Remove() {
	if t.removed {
		return
	}
	t.base.Remove()
	t.disarm()
	t.removed = true
	c := t.clock
	for i, o := range c.timers {
		if o == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
}

// Advance moves the fake time forward by delta. Every armed timer whose
// trigger falls within the new window is scheduled to fire, in trigger
// order, as deferred idle callbacks; one final deferred callback commits
// the clock to the advanced time after all timer work, including work the
// callbacks themselves schedule.
func (c *Clock) Advance(delta time.Duration) {
	if c.kind != Fake {
		panic("clock: advance on a real clock")
	}
	if delta < 0 {
		panic("clock: negative advance")
	}
	if c.advancing {
		panic("clock: nested advance")
	}
	if c.loop == nil {
		panic("clock: advance requires an event loop")
	}
	c.advancing = true
	c.target = c.now + delta
	c.flushDue()
}

// disarm takes the timer out of the armed list and cancels any pending
// deferred fire.
func (t *Timer) disarm() {
	if t.fire != nil {
		t.fire.Cancel()
		t.fire = nil
	}
	if !t.armed {
		return
	}
	t.armed = false
	c := t.clock
	for i, o := range c.armed {
		if o == t {
			c.armed = append(c.armed[:i], c.armed[i+1:]...)
			break
		}
	}
}

// insertArmed inserts after every timer with an equal or earlier trigger,
// so timers armed later for the same instant fire later.
func (c *Clock) insertArmed(t *Timer) {
	i := len(c.armed)
	for i > 0 && c.armed[i-1].trigger > t.trigger {
		i--
	}
	c.armed = append(c.armed, nil)
	copy(c.armed[i+1:], c.armed[i:])
	c.armed[i] = t
}

// flushDue schedules a deferred fire for every armed timer that is due.
// While an advance is in flight timers are due up to the advance target;
// otherwise up to the current time. Already-queued fires are cancelled and
// re-queued in trigger order, and the advance commit is pushed back behind
// them, so relative order survives rescheduling from inside callbacks.
func (c *Clock) flushDue() {
	deadline := c.now
	if c.advancing {
		deadline = c.target
	}
	for _, t := range c.armed {
		if t.trigger > deadline {
			break
		}
		c.scheduleFire(t)
	}
	if c.advancing {
		c.rescheduleCommit()
	}
}

func (c *Clock) scheduleFire(t *Timer) {
	if t.fire != nil {
		t.fire.Cancel()
	}
	t.fire = c.loop.AddIdle(func() { c.fireTimer(t) })
}

func (c *Clock) fireTimer(t *Timer) {
	t.fire = nil
	if !t.armed {
		return
	}
	t.armed = false
	for i, o := range c.armed {
		if o == t {
			c.armed = append(c.armed[:i], c.armed[i+1:]...)
			break
		}
	}
	// Inside the callback, the clock reads as the instant this timer was
	// supposed to fire, not the batch's final time.
	if t.trigger > c.now {
		c.now = t.trigger
	}
	t.fn()
}

func (c *Clock) rescheduleCommit() {
	if c.commit != nil {
		c.commit.Cancel()
	}
	c.commit = c.loop.AddIdle(func() {
		c.commit = nil
		c.advancing = false
		if c.target > c.now {
			c.now = c.target
		}
	})
}
