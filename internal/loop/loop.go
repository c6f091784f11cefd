// Package loop implements the single-threaded cooperative event loop that
// drives the compositor. All compositor state is owned by the goroutine
// running the loop; other goroutines communicate exclusively through Post.
package loop

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Loop dispatches posted tasks, then drains the idle queue. Tasks may be
// posted from any goroutine; everything else must be called from the loop
// goroutine.
type Loop struct {
	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
	quit  chan struct{}
	once  sync.Once

	idles []*Idle
}

// New returns a loop ready for Run or Dispatch.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Post queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Idle is a deferred callback queued in insertion order. Re-adding after
// Cancel moves the callback to the back of the queue.
type Idle struct {
	fn        func()
	cancelled bool
	done      bool
}

// AddIdle queues fn to run after all currently queued tasks and idles.
// Idles added while the queue is draining run in the same drain, after
// everything queued before them. Loop goroutine only.
func (l *Loop) AddIdle(fn func()) *Idle {
	idle := &Idle{fn: fn}
	l.idles = append(l.idles, idle)
	return idle
}

// Cancel prevents the idle from firing. Safe to call after it has fired.
func (i *Idle) Cancel() {
	i.cancelled = true
}

// Pending reports whether the idle is queued and not yet fired or
// cancelled.
func (i *Idle) Pending() bool {
	return !i.done && !i.cancelled
}

// Dispatch runs all queued tasks and then drains the idle queue. When
// nothing is queued it blocks up to timeout for the first task; a negative
// timeout blocks indefinitely, zero returns immediately. Returns false
// once the loop has quit.
func (l *Loop) Dispatch(timeout time.Duration) bool {
	select {
	case <-l.quit:
		return false
	default:
	}

	if !l.havePending() {
		switch {
		case timeout < 0:
			select {
			case <-l.wake:
			case <-l.quit:
				return false
			}
		case timeout == 0:
		default:
			t := time.NewTimer(timeout)
			select {
			case <-l.wake:
			case <-t.C:
			case <-l.quit:
				t.Stop()
				return false
			}
			t.Stop()
		}
	}

	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()
		if len(tasks) == 0 {
			break
		}
		for _, fn := range tasks {
			fn()
		}
	}

	l.dispatchIdles()
	return true
}

// dispatchIdles drains the idle queue, including idles appended while
// draining.
func (l *Loop) dispatchIdles() {
	for i := 0; i < len(l.idles); i++ {
		idle := l.idles[i]
		if idle.cancelled || idle.done {
			continue
		}
		idle.done = true
		idle.fn()
	}
	l.idles = l.idles[:0]
}

// Run dispatches until Quit is called.
func (l *Loop) Run() {
	for l.Dispatch(-1) {
	}
}

// Quit stops Run and unblocks any Dispatch. Safe from any goroutine.
func (l *Loop) Quit() {
	l.once.Do(func() { close(l.quit) })
}

func (l *Loop) havePending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) > 0 || len(l.idles) > 0
}

// Timer runs a callback on the loop goroutine after a delay. A zero or
// negative delay disarms it. The underlying OS timer identity is stable
// across updates.
type Timer struct {
	loop *Loop
	fn   func()

	mu      sync.Mutex
	after   *time.Timer
	gen     int
	removed bool
}

// NewTimer allocates a disarmed timer.
func (l *Loop) NewTimer(fn func()) *Timer {
	return &Timer{loop: l, fn: fn}
}

// Update arms the timer to fire once after delayMS milliseconds,
// replacing any previous arming. delayMS <= 0 disarms.
func (t *Timer) Update(delayMS int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		panic("loop: update of removed timer")
	}
	if t.after != nil {
		t.after.Stop()
		t.after = nil
	}
	t.gen++
	if delayMS <= 0 {
		return
	}
	gen := t.gen
	t.after = time.AfterFunc(time.Duration(delayMS)*time.Millisecond, func() {
		t.loop.Post(func() { t.fire(gen) })
	})
}

// Remove disarms the timer permanently. A fire already posted to the loop
// is discarded.
func (t *Timer) Remove() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.after != nil {
		t.after.Stop()
		t.after = nil
	}
	t.removed = true
}

func (t *Timer) fire(gen int) {
	t.mu.Lock()
	stale := t.removed || gen != t.gen
	t.mu.Unlock()
	if !stale {
		t.fn()
	}
}

// Watch waits for a file descriptor to become readable and then posts its
// callback to the loop once. Used for GPU fence descriptors.
type Watch struct {
	cancelled atomic.Bool
}

// WatchFD starts watching fd for readability. fn runs on the loop
// goroutine the first time fd is readable; the watch then ends.
func (l *Loop) WatchFD(fd int, fn func()) *Watch {
	w := &Watch{}
	go func() {
		for {
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			n, err := unix.Poll(fds, 200)
			if w.cancelled.Load() {
				return
			}
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				return
			}
			if n > 0 {
				l.Post(func() {
					if !w.cancelled.Load() {
						fn()
					}
				})
				return
			}
		}
	}()
	return w
}

// Cancel stops the watch. The callback will not run after Cancel returns
// on the loop goroutine.
func (w *Watch) Cancel() {
	w.cancelled.Store(true)
}
