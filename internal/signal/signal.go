// Package signal provides an ordered listener list for lifecycle
// notifications, typically destroy broadcasts. Listeners run on the thread
// that emits; there is no locking because all emitters run on the event
// loop thread.
package signal

// Listener is registered on a Signal and invoked with the data passed to
// Emit. A listener may remove itself, or any other listener, from inside
// its Notify callback.
type Listener struct {
	Notify func(data any)

	signal *Signal
}

// Signal is an ordered set of listeners.
type Signal struct {
	listeners []*Listener
}

// Add registers l. Adding an already-registered listener panics.
func (s *Signal) Add(l *Listener) {
	if l.signal != nil {
		panic("signal: listener added twice")
	}
	l.signal = s
	s.listeners = append(s.listeners, l)
}

// Remove unregisters l. Removing a listener that is not registered is a
// no-op, so destroy handlers can remove defensively.
func (l *Listener) Remove() {
	s := l.signal
	if s == nil {
		return
	}
	for i, c := range s.listeners {
		if c == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
	l.signal = nil
}

// Emit invokes every registered listener in registration order. Listeners
// added during Emit do not run until the next Emit; listeners removed
// during Emit are skipped.
func (s *Signal) Emit(data any) {
	snapshot := make([]*Listener, len(s.listeners))
	copy(snapshot, s.listeners)
	for _, l := range snapshot {
		if l.signal == s {
			l.Notify(data)
		}
	}
}
