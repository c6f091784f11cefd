package comp

import (
	"image"

	"github.com/matjam/lucent/internal/cms"
	"github.com/matjam/lucent/internal/region"
	"github.com/matjam/lucent/internal/signal"
)

// Surface is a client-visible drawable. It holds the current buffer,
// damage accumulated since the renderer last uploaded, and the opaque
// region the repaint pipeline uses to skip blending.
type Surface struct {
	// Buffer is the currently attached buffer; the surface holds one
	// reference. Nil until the first attach.
	Buffer *Buffer

	// Width and Height track the attached buffer's size; they define the
	// surface-local coordinate space.
	Width  int
	Height int

	// Damage is the accumulated not-yet-flushed damage in buffer
	// coordinates. The renderer consumes and clears it in FlushDamage.
	Damage region.Region

	// Opaque marks the surface-local region known to be fully opaque.
	Opaque region.Region

	// Profile is the content color description, nil for stock sRGB.
	Profile *cms.Profile

	// RendererState is the renderer-private per-surface slot. For SHM
	// buffers the buffer state lives here so textures are reused across
	// buffer swaps instead of churning every commit.
	RendererState any

	// UsedInRepaint is set by the renderer while drawing a frame and
	// drives release-fence bookkeeping afterwards.
	UsedInRepaint bool

	DestroySignal signal.Signal

	nodes []*PaintNode
	comp  *Compositor
}

// AttachBuffer replaces the surface's buffer reference. Attaching the
// already-attached buffer is a no-op. The surface takes a reference on
// the new buffer and drops the old one; size changes reset accumulated
// damage to the full new extent.
func (s *Surface) AttachBuffer(b *Buffer) {
	if b == s.Buffer {
		return
	}
	old := s.Buffer
	if b != nil {
		s.Buffer = b.Ref()
		if b.Width != s.Width || b.Height != s.Height {
			s.Width = b.Width
			s.Height = b.Height
			s.Damage = region.FromRect(s.Rect())
		}
	} else {
		s.Buffer = nil
	}
	if old != nil {
		old.Unref()
	}
}

// CommitDamage adds buffer-coordinate damage to the surface, clipped to
// the surface extent. Safe with an empty region.
func (s *Surface) CommitDamage(d region.Region) {
	s.Damage = s.Damage.Union(d.IntersectRect(s.Rect()))
}

// SetOpaque declares the surface-local opaque region.
func (s *Surface) SetOpaque(o region.Region) {
	s.Opaque = o.IntersectRect(s.Rect())
}

// SetProfile replaces the content color profile; refs are adjusted and
// every paint node's cached color transform is invalidated.
func (s *Surface) SetProfile(p *cms.Profile) {
	if p == s.Profile {
		return
	}
	if p != nil {
		p.Ref()
	}
	if s.Profile != nil {
		s.Profile.Unref()
	}
	s.Profile = p
	for _, n := range s.nodes {
		n.InvalidateColorTransform()
	}
}

// Rect is the surface-local extent.
func (s *Surface) Rect() image.Rectangle {
	return image.Rect(0, 0, s.Width, s.Height)
}

// Nodes returns the paint nodes currently presenting this surface.
func (s *Surface) Nodes() []*PaintNode {
	return s.nodes
}

func (s *Surface) removeNode(n *PaintNode) {
	for i, c := range s.nodes {
		if c == n {
			s.nodes = append(s.nodes[:i], s.nodes[i+1:]...)
			return
		}
	}
}

// Destroy drops the buffer reference and fires the destroy signal. Paint
// nodes and renderer state listening on the signal tear themselves down.
func (s *Surface) Destroy() {
	s.DestroySignal.Emit(s)
	if s.Buffer != nil {
		s.Buffer.Unref()
		s.Buffer = nil
	}
	if s.Profile != nil {
		s.Profile.Unref()
		s.Profile = nil
	}
	if s.comp != nil {
		s.comp.removeSurface(s)
		s.comp = nil
	}
}
