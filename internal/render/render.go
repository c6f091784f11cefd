// Package render holds the backend-shared renderbuffer machinery: the
// refcount/damage/age bookkeeping every backend embeds, and the buffer-age
// selection policy that decides which renderbuffer a repaint draws into.
package render

import (
	"image"

	"github.com/matjam/lucent/internal/comp"
	"github.com/matjam/lucent/internal/region"
)

// RenderbufferBase implements the lifetime and damage bookkeeping of
// comp.Renderbuffer. Backends embed it and set Release to tear down their
// GPU resources when the last reference drops.
type RenderbufferBase struct {
	// Release is called once when the refcount reaches zero.
	Release func()

	refs   int
	damage region.Region
	age    int
	size   image.Point
	format comp.PixelFormat
}

// InitRenderbuffer readies an embedded base with one reference held by
// the creator.
func (b *RenderbufferBase) InitRenderbuffer(size image.Point, format comp.PixelFormat) {
	b.refs = 1
	b.size = size
	b.format = format
}

func (b *RenderbufferBase) Ref() {
	if b.refs <= 0 {
		panic("render: ref of destroyed renderbuffer")
	}
	b.refs++
}

func (b *RenderbufferBase) Unref() {
	if b.refs <= 0 {
		panic("render: unref of destroyed renderbuffer")
	}
	b.refs--
	if b.refs == 0 && b.Release != nil {
		b.Release()
	}
}

func (b *RenderbufferBase) Size() image.Point        { return b.size }
func (b *RenderbufferBase) Format() comp.PixelFormat { return b.format }

// AddDamage accumulates global-coordinate damage the buffer still needs
// drawn before its contents are current.
func (b *RenderbufferBase) AddDamage(d region.Region) {
	b.damage = b.damage.Union(d)
}

// TakeDamage returns the accumulated damage and clears it; called when
// the buffer is selected and serviced.
func (b *RenderbufferBase) TakeDamage() region.Region {
	d := b.damage
	b.damage = region.Region{}
	return d
}

// Damage returns the accumulated damage without clearing.
func (b *RenderbufferBase) Damage() region.Region { return b.damage }

// Age is the frames-since-presented counter, 0 for never presented.
func (b *RenderbufferBase) Age() int { return b.age }

// SetAge updates the counter; backends set the presented buffer to 1 and
// increment the rest after each swap.
func (b *RenderbufferBase) SetAge(age int) { b.age = age }

// Action says what the age policy decided.
type Action int

const (
	// ActionReuse draws into the tracked buffer at Index, keeping its
	// accumulated damage.
	ActionReuse Action = iota
	// ActionAllocate creates a fresh buffer; everything must be drawn.
	ActionAllocate
	// ActionRefurbish recycles the tracked buffer at Index out of its
	// aging cycle; its damage must be treated as the entire output.
	ActionRefurbish
)

func (a Action) String() string {
	switch a {
	case ActionReuse:
		return "reuse"
	case ActionAllocate:
		return "allocate"
	}
	return "refurbish"
}

// Decision is the outcome of Select. Index is -1 for ActionAllocate.
type Decision struct {
	Index  int
	Action Action
}

// Select picks the renderbuffer for a repaint from the tracked buffers'
// ages and the platform-reported age of the frontbuffer. A positive
// reported age matching a tracked buffer reuses it; otherwise a fresh
// buffer is allocated until the policy cap, after which the oldest
// tracked buffer is refurbished.
func Select(ages []int, reported, cap int) Decision {
	if reported > 0 {
		for i, age := range ages {
			if age == reported {
				return Decision{Index: i, Action: ActionReuse}
			}
		}
	}
	if len(ages) < cap {
		return Decision{Index: -1, Action: ActionAllocate}
	}
	oldest := 0
	for i := range ages {
		if ages[i] > ages[oldest] {
			oldest = i
		}
	}
	return Decision{Index: oldest, Action: ActionRefurbish}
}

// PolicyCap returns how many renderbuffers to track: 2 when the platform
// can report buffer age and swap with damage, otherwise 1.
func PolicyCap(caps comp.Caps) int {
	if caps.BufferAge && caps.PartialUpdate {
		return 2
	}
	return 1
}

// AgeAfterPresent applies post-swap aging: the presented buffer becomes
// age 1 and every other tracked buffer grows older.
func AgeAfterPresent(bufs []*RenderbufferBase, presented *RenderbufferBase) {
	for _, b := range bufs {
		if b == presented {
			b.age = 1
		} else {
			b.age++
		}
	}
}
