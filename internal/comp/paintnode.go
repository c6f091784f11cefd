package comp

import (
	"image"

	"github.com/matjam/lucent/internal/cms"
	"github.com/matjam/lucent/internal/geom"
	"github.com/matjam/lucent/internal/region"
	"github.com/matjam/lucent/internal/signal"
)

// PaintNode is the per-(surface, output) repaint unit: placement, alpha,
// visibility and the cached color transform for that pairing.
type PaintNode struct {
	Surface *Surface
	Output  *Output

	// Transform maps surface-local to global coordinates.
	Transform geom.Affine2D

	Alpha float64

	// Visible is the node's global-coordinate visible region, rebuilt by
	// Output.RebuildVisibility when stacking or placement changes.
	Visible region.Region

	// FullyOpaque short-circuits opaque-region tracking for nodes known
	// to cover their whole extent, such as XRGB content at alpha 1.
	FullyOpaque bool

	// NeedsFiltering is set when the transform is anything but an
	// integer translation, so samplers switch to linear filtering.
	NeedsFiltering bool

	// DrawSolid draws the node as a placeholder color instead of its
	// buffer contents.
	DrawSolid bool

	// OnPrimaryPlane excludes nodes promoted to hardware overlay planes
	// from GPU composition.
	OnPrimaryPlane bool

	colorTransform *cms.Transform
	colorIdentity  bool
	colorValid     bool

	surfaceGone signal.Listener
}

// NewPaintNode links a surface onto an output. The node starts as the
// topmost in the output's z-order.
func NewPaintNode(s *Surface, o *Output, transform geom.Affine2D, alpha float64) *PaintNode {
	n := &PaintNode{
		Surface:        s,
		Output:         o,
		Alpha:          alpha,
		OnPrimaryPlane: true,
	}
	n.SetTransform(transform)
	n.surfaceGone.Notify = func(any) { n.Destroy() }
	s.DestroySignal.Add(&n.surfaceGone)
	s.nodes = append(s.nodes, n)
	o.StackNode(n)
	return n
}

// SetTransform replaces the surface-to-global transform and rederives the
// filtering requirement.
func (n *PaintNode) SetTransform(t geom.Affine2D) {
	n.Transform = t
	_, _, integer := t.IntegerTranslation()
	n.NeedsFiltering = !integer
}

// GlobalRect is the node's extent in global coordinates, conservatively
// rounded outward for non-axis-aligned transforms.
func (n *PaintNode) GlobalRect() image.Rectangle {
	r, _ := n.Transform.TransformRect(n.Surface.Rect())
	return r
}

// GlobalOpaque is the node's opaque coverage in global coordinates. Only
// integer translations propagate the surface's opaque region exactly;
// anything else reports empty rather than overclaim.
func (n *PaintNode) GlobalOpaque() region.Region {
	if n.Alpha < 1.0 {
		return region.Region{}
	}
	if n.FullyOpaque {
		return region.FromRect(n.GlobalRect())
	}
	dx, dy, integer := n.Transform.IntegerTranslation()
	if !integer || n.Surface == nil {
		return region.Region{}
	}
	return n.Surface.Opaque.Translate(dx, dy)
}

// DamageToGlobal maps surface-coordinate damage into global coordinates,
// conservatively for non-axis-aligned transforms.
func (n *PaintNode) DamageToGlobal(d region.Region) region.Region {
	return d.Transform(n.Transform)
}

// EnsureColorTransform resolves and caches the surface-to-blend transform
// for this pairing. Failures are not cached; the next frame retries.
func (n *PaintNode) EnsureColorTransform(cm *cms.Manager) (*cms.Transform, bool, error) {
	if n.colorValid {
		return n.colorTransform, n.colorIdentity, nil
	}
	var prof *cms.Profile
	if n.Surface != nil {
		prof = n.Surface.Profile
	}
	tr, identity, err := cm.SurfaceTransform(prof, n.Output.Profile, n.Output.LinearBlending)
	if err != nil {
		return nil, false, err
	}
	n.dropColorTransform()
	n.colorTransform = tr
	n.colorIdentity = identity
	n.colorValid = true
	return tr, identity, nil
}

// ColorState returns the cached transform without resolving it. Renderers
// read this during repaint; the core resolved it before handing the frame
// over, so an invalid state means resolution failed and the node is
// skipped.
func (n *PaintNode) ColorState() (tr *cms.Transform, identity, ok bool) {
	return n.colorTransform, n.colorIdentity, n.colorValid
}

// InvalidateColorTransform discards the cached transform; the next
// EnsureColorTransform recomputes it.
func (n *PaintNode) InvalidateColorTransform() {
	n.dropColorTransform()
	n.colorValid = false
}

func (n *PaintNode) dropColorTransform() {
	if n.colorTransform != nil {
		n.colorTransform.Unref()
		n.colorTransform = nil
	}
	n.colorIdentity = false
}

// Destroy unlinks the node from its output and surface.
func (n *PaintNode) Destroy() {
	n.dropColorTransform()
	n.colorValid = false
	n.surfaceGone.Remove()
	if n.Output != nil {
		n.Output.RemoveNode(n)
	}
	if n.Surface != nil {
		n.Surface.removeNode(n)
		n.Surface = nil
	}
}
