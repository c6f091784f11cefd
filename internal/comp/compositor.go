package comp

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/matjam/lucent/internal/clock"
	"github.com/matjam/lucent/internal/cms"
	"github.com/matjam/lucent/internal/loop"
	"github.com/matjam/lucent/internal/region"
	"github.com/matjam/lucent/internal/signal"
)

// Compositor owns the event loop, the clock, the renderer and the scene.
// Everything it does runs on the loop thread.
type Compositor struct {
	Loop  *loop.Loop
	Clock *clock.Clock
	Color *cms.Manager

	// DestroySignal fires at teardown, before the renderer is destroyed.
	DestroySignal signal.Signal

	renderer Renderer
	outputs  []*Output
	surfaces []*Surface
}

// New wires a compositor around an event loop, a clock and a renderer.
func New(lp *loop.Loop, ck *clock.Clock, r Renderer) *Compositor {
	return &Compositor{
		Loop:     lp,
		Clock:    ck,
		Color:    cms.NewManager(),
		renderer: r,
	}
}

// Renderer returns the active renderer backend.
func (c *Compositor) Renderer() Renderer { return c.renderer }

// Outputs returns the output list.
func (c *Compositor) Outputs() []*Output { return c.outputs }

// Surfaces returns the surface list.
func (c *Compositor) Surfaces() []*Surface { return c.surfaces }

// AddOutput registers an output, arms its frame timer and queues an
// initial full repaint.
func (c *Compositor) AddOutput(o *Output) {
	o.comp = c
	o.frameTimer = c.Clock.NewTimer(func() { c.repaint(o) })
	c.outputs = append(c.outputs, o)
	c.ScheduleRepaint(o, o.GlobalRegion())
}

func (c *Compositor) removeOutput(o *Output) {
	for i, cur := range c.outputs {
		if cur == o {
			c.outputs = append(c.outputs[:i], c.outputs[i+1:]...)
			return
		}
	}
}

// NewSurface creates a surface registered with the compositor.
func (c *Compositor) NewSurface() *Surface {
	s := &Surface{comp: c}
	c.surfaces = append(c.surfaces, s)
	return s
}

func (c *Compositor) removeSurface(s *Surface) {
	for i, cur := range c.surfaces {
		if cur == s {
			c.surfaces = append(c.surfaces[:i], c.surfaces[i+1:]...)
			return
		}
	}
}

// ScheduleRepaint accumulates global-coordinate damage on the output and
// arms its frame timer at the mode's refresh interval. Repeated calls
// before the frame fires only grow the damage.
func (c *Compositor) ScheduleRepaint(o *Output, damage region.Region) {
	o.pendingDamage = o.pendingDamage.Union(damage.IntersectRect(o.GlobalRect()))
	if o.repaintScheduled {
		return
	}
	o.repaintScheduled = true
	o.frameTimer.Update(frameIntervalMS(o.Mode))
}

// frameIntervalMS converts a millihertz refresh rate to a frame period.
func frameIntervalMS(m Mode) int {
	if m.RefreshMHz <= 0 {
		return 16
	}
	ms := 1000000 / m.RefreshMHz
	if ms < 1 {
		ms = 1
	}
	return ms
}

// repaint runs one frame for the output: visibility rebuild, renderer
// repaint, then release bookkeeping. A renderer failure degrades the
// frame, not the compositor.
func (c *Compositor) repaint(o *Output) {
	o.repaintScheduled = false
	damage := o.pendingDamage
	o.pendingDamage = region.Region{}

	if damage.Empty() && !o.HasCaptures() && !o.AnyBorderDirty() {
		return
	}

	o.RebuildVisibility()
	if _, _, err := o.EnsureBlendTransform(c.Color); err != nil {
		log.Errorf("blend transform for output %s: %v", o.Name, err)
	}
	for _, n := range o.Nodes {
		if _, _, err := n.EnsureColorTransform(c.Color); err != nil {
			log.Errorf("color transform for surface on output %s: %v", o.Name, err)
		}
	}
	if err := c.renderer.RepaintOutput(o, damage, nil); err != nil {
		log.Errorf("repaint of output %s failed: %v", o.Name, err)
	}
	for _, s := range c.surfaces {
		s.UsedInRepaint = false
	}
}

// CommitSurface is the commit entry point: attach a buffer (nil keeps the
// current one), add damage, flush the upload and propagate the damage to
// every output presenting the surface.
func (c *Compositor) CommitSurface(s *Surface, b *Buffer, damage region.Region) error {
	if b != nil && b != s.Buffer {
		s.AttachBuffer(b)
		if err := c.renderer.Attach(s, b); err != nil {
			return fmt.Errorf("attach %v buffer to surface: %w", b.Type, err)
		}
	}
	s.CommitDamage(damage)
	flushed := s.Damage
	c.renderer.FlushDamage(s)

	for _, n := range s.nodes {
		c.ScheduleRepaint(n.Output, n.DamageToGlobal(flushed))
	}
	return nil
}

// Capture queues a readback of the output's next frame into dest.
func (c *Compositor) Capture(o *Output, src CaptureSource, dest *Buffer, complete func(), failed func(string)) *CaptureTask {
	t := NewCaptureTask(src, dest, complete, failed)
	o.AddCapture(t)
	return t
}

// Destroy tears the scene down: surfaces first so their renderer state
// unwinds through destroy listeners, then outputs, renderer and color
// state.
func (c *Compositor) Destroy() {
	c.DestroySignal.Emit(c)
	for len(c.surfaces) > 0 {
		c.surfaces[len(c.surfaces)-1].Destroy()
	}
	for len(c.outputs) > 0 {
		c.outputs[len(c.outputs)-1].Destroy()
	}
	c.renderer.Destroy()
	c.Color.Destroy()
}
