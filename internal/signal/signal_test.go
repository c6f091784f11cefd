package signal

import "testing"

func TestEmitOrder(t *testing.T) {
	var s Signal
	var got []int
	for i := 0; i < 3; i++ {
		i := i
		s.Add(&Listener{Notify: func(any) { got = append(got, i) }})
	}
	s.Emit(nil)
	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("listeners ran out of order: %v", got)
	}
}

func TestRemoveDuringEmit(t *testing.T) {
	var s Signal
	var a, b, c Listener
	fired := map[string]int{}
	a.Notify = func(any) {
		fired["a"]++
		b.Remove()
	}
	b.Notify = func(any) { fired["b"]++ }
	c.Notify = func(any) { fired["c"]++ }
	s.Add(&a)
	s.Add(&b)
	s.Add(&c)

	s.Emit(nil)
	if fired["a"] != 1 || fired["b"] != 0 || fired["c"] != 1 {
		t.Fatalf("remove during emit not honored: %v", fired)
	}

	// b stays removed on later emits; a removing b again is a no-op.
	s.Emit(nil)
	if fired["b"] != 0 {
		t.Fatalf("removed listener fired: %v", fired)
	}
}

func TestSelfRemove(t *testing.T) {
	var s Signal
	var l Listener
	count := 0
	l.Notify = func(any) {
		count++
		l.Remove()
	}
	s.Add(&l)
	s.Emit(nil)
	s.Emit(nil)
	if count != 1 {
		t.Fatalf("self-removing listener fired %d times, want 1", count)
	}
}
