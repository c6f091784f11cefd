package comp

import (
	"image"

	"github.com/matjam/lucent/internal/clock"
	"github.com/matjam/lucent/internal/cms"
	"github.com/matjam/lucent/internal/geom"
	"github.com/matjam/lucent/internal/region"
	"github.com/matjam/lucent/internal/signal"
)

// Mode is an output's pixel size and refresh rate in millihertz.
type Mode struct {
	Width      int
	Height     int
	RefreshMHz int
}

// BorderSide indexes the decorative border images around the composited
// area.
type BorderSide int

const (
	BorderTop BorderSide = iota
	BorderLeft
	BorderRight
	BorderBottom
	borderCount
)

// BorderImage is one side's border pixels, tightly packed RGBA rows.
type BorderImage struct {
	Width  int
	Height int
	Data   []byte
}

// Output is one composited display. Its composited area may sit inside a
// larger framebuffer to leave room for borders.
type Output struct {
	Name string

	// Pos is the output's top-left corner in global coordinates.
	Pos image.Point

	// Area is the composited area within the framebuffer; its offset is
	// the border inset.
	Area image.Rectangle

	// FBSize is the full framebuffer pixel size including borders.
	FBSize image.Point

	Mode Mode

	// BottomLeftOrigin is the presentation coordinate convention of the
	// windowing system behind this output.
	BottomLeftOrigin bool

	// Profile is the output color description, nil for stock sRGB.
	Profile *cms.Profile

	// LinearBlending routes compositing through a linear-light shadow
	// buffer with a blend-to-output blit.
	LinearBlending bool

	// Nodes is the z-ordered paint-node list, back to front.
	Nodes []*PaintNode

	Borders     [borderCount]BorderImage
	BorderDirty [borderCount]bool

	// RendererState is the renderer-private per-output slot (shadow
	// framebuffer, tracked renderbuffers).
	RendererState any

	DestroySignal signal.Signal

	captures [2][]*CaptureTask

	blendTransform *cms.Transform
	blendIdentity  bool
	blendValid     bool

	repaintScheduled bool
	pendingDamage    region.Region
	frameTimer       *clock.Timer

	comp *Compositor
}

// NewOutput builds an output whose composited area fills the framebuffer
// with the given border inset on every side.
func NewOutput(name string, pos image.Point, mode Mode, border int) *Output {
	return &Output{
		Name:   name,
		Pos:    pos,
		Mode:   mode,
		Area:   image.Rect(border, border, border+mode.Width, border+mode.Height),
		FBSize: image.Pt(mode.Width+2*border, mode.Height+2*border),
	}
}

// GlobalRect is the output's composited area in global coordinates.
func (o *Output) GlobalRect() image.Rectangle {
	return image.Rectangle{
		Min: o.Pos,
		Max: o.Pos.Add(image.Pt(o.Area.Dx(), o.Area.Dy())),
	}
}

// GlobalRegion is GlobalRect as a region.
func (o *Output) GlobalRegion() region.Region {
	return region.FromRect(o.GlobalRect())
}

// GlobalToOutput maps global coordinates to framebuffer pixels inside the
// composited area.
func (o *Output) GlobalToOutput() geom.Affine2D {
	return geom.Translate(float64(o.Area.Min.X-o.Pos.X), float64(o.Area.Min.Y-o.Pos.Y))
}

// SetColorProfile replaces the output color description and invalidates
// every transform derived from it.
func (o *Output) SetColorProfile(p *cms.Profile) {
	if p == o.Profile {
		return
	}
	if p != nil {
		p.Ref()
	}
	if o.Profile != nil {
		o.Profile.Unref()
	}
	o.Profile = p
	o.dropBlendTransform()
	for _, n := range o.Nodes {
		n.InvalidateColorTransform()
	}
}

// EnsureBlendTransform resolves and caches the blend-to-output transform.
// Failures are not cached; the next frame retries.
func (o *Output) EnsureBlendTransform(cm *cms.Manager) (*cms.Transform, bool, error) {
	if o.blendValid {
		return o.blendTransform, o.blendIdentity, nil
	}
	tr, identity, err := cm.BlendTransform(o.Profile, o.LinearBlending)
	if err != nil {
		return nil, false, err
	}
	o.dropBlendTransform()
	o.blendTransform = tr
	o.blendIdentity = identity
	o.blendValid = true
	return tr, identity, nil
}

// BlendState returns the cached blend-to-output transform without
// resolving it.
func (o *Output) BlendState() (tr *cms.Transform, identity, ok bool) {
	return o.blendTransform, o.blendIdentity, o.blendValid
}

func (o *Output) dropBlendTransform() {
	if o.blendTransform != nil {
		o.blendTransform.Unref()
		o.blendTransform = nil
	}
	o.blendIdentity = false
	o.blendValid = false
}

// SetBorder installs one side's border image and marks it dirty.
func (o *Output) SetBorder(side BorderSide, img BorderImage) {
	o.Borders[side] = img
	o.BorderDirty[side] = true
}

// AnyBorderDirty reports whether a border repaint is needed.
func (o *Output) AnyBorderDirty() bool {
	for _, d := range o.BorderDirty {
		if d {
			return true
		}
	}
	return false
}

// ClearBorderDirty resets the dirty flags after a border repaint.
func (o *Output) ClearBorderDirty() {
	for i := range o.BorderDirty {
		o.BorderDirty[i] = false
	}
}

// StackNode appends a node as the new topmost.
func (o *Output) StackNode(n *PaintNode) {
	o.Nodes = append(o.Nodes, n)
}

// RemoveNode unlinks a node from the z-order.
func (o *Output) RemoveNode(n *PaintNode) {
	for i, c := range o.Nodes {
		if c == n {
			o.Nodes = append(o.Nodes[:i], o.Nodes[i+1:]...)
			return
		}
	}
}

// RebuildVisibility recomputes every node's visible region: the node's
// global extent clipped to the output and reduced by opaque content
// stacked above it.
func (o *Output) RebuildVisibility() {
	covered := region.Region{}
	for i := len(o.Nodes) - 1; i >= 0; i-- {
		n := o.Nodes[i]
		vis := region.FromRect(n.GlobalRect()).IntersectRect(o.GlobalRect())
		vis = vis.Subtract(covered)
		n.Visible = vis
		if n.Alpha >= 1.0 {
			covered = covered.Union(n.GlobalOpaque())
		}
	}
}

// AddCapture queues a capture task for the next repaint and schedules a
// full-output repaint so the task retires even when nothing is damaged.
func (o *Output) AddCapture(t *CaptureTask) {
	t.output = o
	o.captures[t.Source] = append(o.captures[t.Source], t)
	if o.comp != nil {
		o.comp.ScheduleRepaint(o, o.GlobalRegion())
	}
}

// PullCaptures takes all pending tasks for a source; the renderer retires
// each one exactly once.
func (o *Output) PullCaptures(src CaptureSource) []*CaptureTask {
	tasks := o.captures[src]
	o.captures[src] = nil
	return tasks
}

// HasCaptures reports whether any source has pending tasks.
func (o *Output) HasCaptures() bool {
	return len(o.captures[CaptureFramebuffer]) > 0 || len(o.captures[CaptureBlending]) > 0
}

func (o *Output) removeCapture(t *CaptureTask) {
	list := o.captures[t.Source]
	for i, c := range list {
		if c == t {
			o.captures[t.Source] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Destroy fails pending captures, stops the frame timer and fires the
// destroy signal.
func (o *Output) Destroy() {
	for src := range o.captures {
		for _, t := range o.PullCaptures(CaptureSource(src)) {
			t.RetireFailed("output destroyed")
		}
	}
	if o.frameTimer != nil {
		o.frameTimer.Remove()
		o.frameTimer = nil
	}
	o.DestroySignal.Emit(o)
	o.dropBlendTransform()
	if o.Profile != nil {
		o.Profile.Unref()
		o.Profile = nil
	}
	if o.comp != nil {
		o.comp.removeOutput(o)
		o.comp = nil
	}
}
