// Package pixrender is the software renderer: buffers are mirrored into
// CPU images, repaints are region-clipped blits and the whole pipeline is
// testable without a GPU. It implements the same contract as glrender,
// including linear-light blending through a float shadow buffer and
// synchronous capture.
package pixrender

import (
	"fmt"
	"image"
	"math"

	"github.com/charmbracelet/log"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/matjam/lucent/internal/cms"
	"github.com/matjam/lucent/internal/comp"
	"github.com/matjam/lucent/internal/geom"
	"github.com/matjam/lucent/internal/region"
	"github.com/matjam/lucent/internal/render"
	"github.com/matjam/lucent/internal/signal"
)

// Renderer composites on the CPU. All state lives in the RendererState
// slots of the objects it serves.
type Renderer struct{}

// New returns a software renderer.
func New() *Renderer { return &Renderer{} }

// Capabilities: CPU framebuffers persist between frames, so buffer age
// and partial updates come for free. There is no GPU, so no fences and
// no dmabuf import.
func (r *Renderer) Capabilities() comp.Caps {
	return comp.Caps{BufferAge: true, PartialUpdate: true}
}

// Renderbuffer is a CPU framebuffer destination.
type Renderbuffer struct {
	render.RenderbufferBase
	img *image.RGBA
}

// Image exposes the framebuffer pixels, premultiplied RGBA.
func (rb *Renderbuffer) Image() *image.RGBA { return rb.img }

func newRenderbuffer(width, height int, format comp.PixelFormat) *Renderbuffer {
	rb := &Renderbuffer{img: image.NewRGBA(image.Rect(0, 0, width, height))}
	rb.InitRenderbuffer(image.Pt(width, height), format)
	return rb
}

// CreateRenderbuffer makes an offscreen CPU destination.
func (r *Renderer) CreateRenderbuffer(o *comp.Output, format comp.PixelFormat, width, height int) (comp.Renderbuffer, error) {
	if format != comp.FormatXRGB8888 && format != comp.FormatARGB8888 {
		return nil, fmt.Errorf("pixrender: renderbuffer format %v not supported", format)
	}
	return newRenderbuffer(width, height, format), nil
}

// RenderbufferFromDMABuf always fails; the CPU cannot scan out to dmabuf.
func (r *Renderer) RenderbufferFromDMABuf(o *comp.Output, info *comp.DMABufInfo) (comp.Renderbuffer, error) {
	return nil, fmt.Errorf("pixrender: dmabuf renderbuffers not supported")
}

// outputState tracks the per-output renderbuffers and the optional
// linear-light shadow buffer.
type outputState struct {
	tracked []*Renderbuffer

	shadow     []float32 // premultiplied linear RGBA, one float4 per area pixel
	shadowSize image.Point

	outputGone signal.Listener
}

func (r *Renderer) outputState(o *comp.Output) *outputState {
	if os, ok := o.RendererState.(*outputState); ok {
		return os
	}
	os := &outputState{}
	os.outputGone.Notify = func(any) {
		for _, rb := range os.tracked {
			rb.Unref()
		}
		os.tracked = nil
		o.RendererState = nil
	}
	o.DestroySignal.Add(&os.outputGone)
	o.RendererState = os
	return os
}

func (os *outputState) ensureShadow(size image.Point) {
	if os.shadow != nil && os.shadowSize == size {
		return
	}
	os.shadow = make([]float32, size.X*size.Y*4)
	os.shadowSize = size
}

// Attach prepares renderer state for a buffer. SHM mirrors live on the
// surface so same-size commits reuse the allocation.
func (r *Renderer) Attach(s *comp.Surface, b *comp.Buffer) error {
	switch b.Type {
	case comp.BufferSHM:
		if !b.Format.Valid() {
			return fmt.Errorf("pixrender: shm format %v not supported", b.Format)
		}
		ss := r.surfaceState(s)
		if ss.shm == nil || !ss.shm.compatible(b) {
			ss.shm = &bufferState{
				rgba:   image.NewRGBA(image.Rect(0, 0, b.Width, b.Height)),
				width:  b.Width,
				height: b.Height,
				format: b.Format,
			}
		}
		return nil
	case comp.BufferSolid:
		return nil
	case comp.BufferDMABuf:
		b.Unsupported = true
		log.Warnf("pixrender: dmabuf buffers cannot be imported, surface will not be drawn")
		return nil
	case comp.BufferOpaque:
		if _, ok := b.OpaqueState.(*image.RGBA); !ok {
			b.Unsupported = true
		}
		return nil
	}
	return fmt.Errorf("pixrender: unknown buffer type %v", b.Type)
}

// FlushDamage converts the surface's damaged rows into its RGBA mirror
// and consumes the damage.
func (r *Renderer) FlushDamage(s *comp.Surface) {
	damage := s.Damage
	s.Damage = region.Region{}

	b := s.Buffer
	if b == nil || b.Type != comp.BufferSHM || b.Unsupported || damage.Empty() {
		return
	}
	ss, ok := s.RendererState.(*surfaceState)
	if !ok || ss.shm == nil {
		return
	}
	uploadDamage(ss.shm, b, damage)
}

// RepaintOutput runs one frame: pick a renderbuffer, redraw its stale
// region back to front with an opaque/blend split, resolve the shadow
// buffer, draw borders, retire captures and release the buffers read.
func (r *Renderer) RepaintOutput(o *comp.Output, damage region.Region, dest comp.Renderbuffer) error {
	os := r.outputState(o)
	for _, rb := range os.tracked {
		rb.AddDamage(damage)
	}

	var rb *Renderbuffer
	fresh := false
	if dest != nil {
		var ok bool
		if rb, ok = dest.(*Renderbuffer); !ok {
			return fmt.Errorf("pixrender: foreign renderbuffer")
		}
		rb.AddDamage(damage)
	} else {
		ages := make([]int, len(os.tracked))
		reported := 0
		for i, t := range os.tracked {
			ages[i] = t.Age()
			if t.Age() == 1 {
				reported = 1
			}
		}
		switch d := render.Select(ages, reported, render.PolicyCap(r.Capabilities())); d.Action {
		case render.ActionReuse:
			rb = os.tracked[d.Index]
		case render.ActionAllocate:
			rb = newRenderbuffer(o.FBSize.X, o.FBSize.Y, comp.FormatXRGB8888)
			rb.AddDamage(o.GlobalRegion())
			os.tracked = append(os.tracked, rb)
			fresh = true
		case render.ActionRefurbish:
			rb = os.tracked[d.Index]
			rb.AddDamage(o.GlobalRegion())
			fresh = true
		}
	}

	repaint := rb.TakeDamage().IntersectRect(o.GlobalRect())

	if o.LinearBlending {
		os.ensureShadow(image.Pt(o.Area.Dx(), o.Area.Dy()))
	} else {
		os.shadow = nil
	}

	if !repaint.Empty() {
		r.clear(o, os, rb, repaint)
		for _, n := range o.Nodes {
			r.drawNode(o, os, rb, n, repaint)
		}
		if os.shadow != nil {
			r.resolveShadow(o, os, rb, repaint)
		}
	}

	r.drawBorders(o, rb, fresh)
	r.retireCaptures(o, os, rb)
	r.releaseBuffers(o)

	if dest == nil {
		bases := make([]*render.RenderbufferBase, len(os.tracked))
		for i, t := range os.tracked {
			bases[i] = &t.RenderbufferBase
		}
		render.AgeAfterPresent(bases, &rb.RenderbufferBase)
	}
	return nil
}

// Destroy releases nothing global; per-object state unwinds through the
// destroy listeners registered at attach time.
func (r *Renderer) Destroy() {}

// clear paints the repaint region opaque black so pixels under no node
// are defined.
func (r *Renderer) clear(o *comp.Output, os *outputState, rb *Renderbuffer, repaint region.Region) {
	if os.shadow != nil {
		for _, rect := range repaint.Rects() {
			for y := rect.Min.Y; y < rect.Max.Y; y++ {
				for x := rect.Min.X; x < rect.Max.X; x++ {
					i := os.shadowIndex(o, x, y)
					os.shadow[i] = 0
					os.shadow[i+1] = 0
					os.shadow[i+2] = 0
					os.shadow[i+3] = 1
				}
			}
		}
		return
	}
	off := fbOffset(o)
	for _, rect := range repaint.Rects() {
		fr := rect.Add(off)
		for y := fr.Min.Y; y < fr.Max.Y; y++ {
			i := rb.img.PixOffset(fr.Min.X, y)
			for x := fr.Min.X; x < fr.Max.X; x++ {
				rb.img.Pix[i] = 0
				rb.img.Pix[i+1] = 0
				rb.img.Pix[i+2] = 0
				rb.img.Pix[i+3] = 0xff
				i += 4
			}
		}
	}
}

// fbOffset maps global coordinates into framebuffer pixels.
func fbOffset(o *comp.Output) image.Point {
	return o.Area.Min.Sub(o.Pos)
}

func (os *outputState) shadowIndex(o *comp.Output, gx, gy int) int {
	return ((gy-o.Pos.Y)*os.shadowSize.X + (gx - o.Pos.X)) * 4
}

// source samples a node's content in buffer coordinates, premultiplied.
type source struct {
	img   *image.RGBA
	solid [4]float64
	w, h  int
}

func (s *source) texel(ix, iy int) (float64, float64, float64, float64) {
	if ix < 0 {
		ix = 0
	} else if ix >= s.w {
		ix = s.w - 1
	}
	if iy < 0 {
		iy = 0
	} else if iy >= s.h {
		iy = s.h - 1
	}
	i := s.img.PixOffset(ix, iy)
	p := s.img.Pix
	return float64(p[i]) / 255, float64(p[i+1]) / 255, float64(p[i+2]) / 255, float64(p[i+3]) / 255
}

func (s *source) sample(x, y float64, filter bool) (float64, float64, float64, float64) {
	if s.img == nil {
		return s.solid[0], s.solid[1], s.solid[2], s.solid[3]
	}
	if !filter {
		return s.texel(int(math.Floor(x)), int(math.Floor(y)))
	}
	fx, fy := x-0.5, y-0.5
	x0, y0 := math.Floor(fx), math.Floor(fy)
	tx, ty := fx-x0, fy-y0
	r00, g00, b00, a00 := s.texel(int(x0), int(y0))
	r10, g10, b10, a10 := s.texel(int(x0)+1, int(y0))
	r01, g01, b01, a01 := s.texel(int(x0), int(y0)+1)
	r11, g11, b11, a11 := s.texel(int(x0)+1, int(y0)+1)
	lerp2 := func(v00, v10, v01, v11 float64) float64 {
		top := v00 + (v10-v00)*tx
		bot := v01 + (v11-v01)*tx
		return top + (bot-top)*ty
	}
	return lerp2(r00, r10, r01, r11), lerp2(g00, g10, g01, g11),
		lerp2(b00, b10, b01, b11), lerp2(a00, a10, a01, a11)
}

var placeholderColor = [4]float64{0.25, 0.25, 0.25, 1}

func (r *Renderer) sourceFor(n *comp.PaintNode, b *comp.Buffer) *source {
	if n.DrawSolid {
		return &source{solid: placeholderColor, w: b.Width, h: b.Height}
	}
	switch b.Type {
	case comp.BufferSolid:
		return &source{solid: b.Color, w: b.Width, h: b.Height}
	case comp.BufferSHM:
		ss, ok := n.Surface.RendererState.(*surfaceState)
		if !ok || ss.shm == nil {
			return nil
		}
		return &source{img: ss.shm.rgba, w: ss.shm.width, h: ss.shm.height}
	case comp.BufferOpaque:
		img, ok := b.OpaqueState.(*image.RGBA)
		if !ok {
			return nil
		}
		return &source{img: img, w: b.Width, h: b.Height}
	}
	return nil
}

func flipY(h int) geom.Affine2D {
	return geom.NewAffine2D(1, 0, 0, 0, -1, float64(h))
}

// drawNode draws one paint node's contribution to the repaint region,
// opaque parts as copies and the rest blended over what is below.
func (r *Renderer) drawNode(o *comp.Output, os *outputState, rb *Renderbuffer, n *comp.PaintNode, repaint region.Region) {
	if !n.OnPrimaryPlane || n.Surface == nil || n.Surface.Buffer == nil {
		return
	}
	b := n.Surface.Buffer
	if b.Unsupported {
		return
	}
	tr, identity, ok := n.ColorState()
	if !ok {
		return
	}
	reg := n.Visible.Intersect(repaint)
	if reg.Empty() {
		return
	}
	src := r.sourceFor(n, b)
	if src == nil {
		return
	}
	n.Surface.UsedInRepaint = true

	combined := n.Transform
	if b.OriginBottomLeft {
		combined = combined.Mul(flipY(b.Height))
	}

	opaque := reg.Intersect(n.GlobalOpaque())
	blend := reg.Subtract(opaque)

	r.drawRegion(o, os, rb, n, src, combined, opaque, true, tr, identity)
	r.drawRegion(o, os, rb, n, src, combined, blend, false, tr, identity)
}

func (r *Renderer) drawRegion(o *comp.Output, os *outputState, rb *Renderbuffer, n *comp.PaintNode,
	src *source, combined geom.Affine2D, reg region.Region, opaquePass bool, tr *cms.Transform, identity bool) {
	if reg.Empty() {
		return
	}
	off := fbOffset(o)
	dx, dy, isInt := combined.IntegerTranslation()

	// Fast paths write bytes straight across; they need encoded space,
	// full node alpha, no color conversion and real pixels to copy.
	fast := os.shadow == nil && identity && n.Alpha >= 1 && src.img != nil
	if fast && isInt && opaquePass {
		for _, rect := range reg.Rects() {
			sr := rect.Sub(image.Pt(dx, dy))
			for y := 0; y < rect.Dy(); y++ {
				si := src.img.PixOffset(sr.Min.X, sr.Min.Y+y)
				di := rb.img.PixOffset(rect.Min.X+off.X, rect.Min.Y+off.Y+y)
				copy(rb.img.Pix[di:di+rect.Dx()*4], src.img.Pix[si:si+rect.Dx()*4])
			}
		}
		return
	}
	if fast {
		op := xdraw.Over
		if opaquePass {
			op = xdraw.Src
		}
		var interp xdraw.Interpolator = xdraw.ApproxBiLinear
		if isInt {
			interp = xdraw.NearestNeighbor
		}
		a, bb, c, d, e, f := geom.Translate(float64(off.X), float64(off.Y)).Mul(combined).Coeffs()
		m := f64.Aff3{a, bb, c, d, e, f}
		for _, rect := range reg.Rects() {
			clip := rb.img.SubImage(rect.Add(off)).(*image.RGBA)
			interp.Transform(clip, m, src.img, src.img.Bounds(), op, nil)
		}
		return
	}

	inv := combined.Invert()
	filter := n.NeedsFiltering && src.img != nil
	for _, rect := range reg.Rects() {
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			for x := rect.Min.X; x < rect.Max.X; x++ {
				lp := inv.Apply(geom.Pt(float64(x)+0.5, float64(y)+0.5))
				cr, cg, cb, ca := src.sample(lp.X, lp.Y, filter)
				if !identity {
					cr, cg, cb = applyColor(tr, cr, cg, cb, ca)
				}
				if n.Alpha < 1 {
					cr *= n.Alpha
					cg *= n.Alpha
					cb *= n.Alpha
					ca *= n.Alpha
				}
				if os.shadow != nil {
					os.writeShadow(o, x, y, cr, cg, cb, ca, opaquePass)
				} else {
					writeRB(rb, x+off.X, y+off.Y, cr, cg, cb, ca, opaquePass)
				}
			}
		}
	}
}

// applyColor runs a color transform on a premultiplied pixel.
func applyColor(tr *cms.Transform, cr, cg, cb, ca float64) (float64, float64, float64) {
	if ca <= 0 {
		return 0, 0, 0
	}
	if ca < 1 {
		cr /= ca
		cg /= ca
		cb /= ca
	}
	cr, cg, cb = tr.Eval(cr, cg, cb)
	if ca < 1 {
		cr *= ca
		cg *= ca
		cb *= ca
	}
	return cr, cg, cb
}

func (os *outputState) writeShadow(o *comp.Output, gx, gy int, cr, cg, cb, ca float64, opaque bool) {
	i := os.shadowIndex(o, gx, gy)
	if opaque {
		os.shadow[i] = float32(cr)
		os.shadow[i+1] = float32(cg)
		os.shadow[i+2] = float32(cb)
		os.shadow[i+3] = float32(ca)
		return
	}
	inv := float32(1 - ca)
	os.shadow[i] = float32(cr) + os.shadow[i]*inv
	os.shadow[i+1] = float32(cg) + os.shadow[i+1]*inv
	os.shadow[i+2] = float32(cb) + os.shadow[i+2]*inv
	os.shadow[i+3] = float32(ca) + os.shadow[i+3]*inv
}

func writeRB(rb *Renderbuffer, x, y int, cr, cg, cb, ca float64, opaque bool) {
	i := rb.img.PixOffset(x, y)
	p := rb.img.Pix
	if opaque {
		p[i] = clampByte(cr)
		p[i+1] = clampByte(cg)
		p[i+2] = clampByte(cb)
		p[i+3] = clampByte(ca)
		return
	}
	inv := 1 - ca
	p[i] = clampByte(cr + float64(p[i])/255*inv)
	p[i+1] = clampByte(cg + float64(p[i+1])/255*inv)
	p[i+2] = clampByte(cb + float64(p[i+2])/255*inv)
	p[i+3] = clampByte(ca + float64(p[i+3])/255*inv)
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 0xff
	}
	return uint8(v*255 + 0.5)
}

// resolveShadow encodes the linear-light composite into the framebuffer
// through the output's blend-to-output transform.
func (r *Renderer) resolveShadow(o *comp.Output, os *outputState, rb *Renderbuffer, repaint region.Region) {
	bt, identity, ok := o.BlendState()
	if !ok {
		identity = true
	}
	off := fbOffset(o)
	for _, rect := range repaint.Rects() {
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			for x := rect.Min.X; x < rect.Max.X; x++ {
				i := os.shadowIndex(o, x, y)
				cr := float64(os.shadow[i])
				cg := float64(os.shadow[i+1])
				cb := float64(os.shadow[i+2])
				ca := float64(os.shadow[i+3])
				if !identity {
					cr, cg, cb = applyColor(bt, cr, cg, cb, ca)
				}
				writeRB(rb, x+off.X, y+off.Y, cr, cg, cb, ca, true)
			}
		}
	}
}

// drawBorders paints the framebuffer strips outside the composited area,
// tiling each side's image. force redraws every side, used when the
// renderbuffer has no valid previous contents.
func (r *Renderer) drawBorders(o *comp.Output, rb *Renderbuffer, force bool) {
	strips := [4]image.Rectangle{
		comp.BorderTop:    image.Rect(0, 0, o.FBSize.X, o.Area.Min.Y),
		comp.BorderLeft:   image.Rect(0, o.Area.Min.Y, o.Area.Min.X, o.Area.Max.Y),
		comp.BorderRight:  image.Rect(o.Area.Max.X, o.Area.Min.Y, o.FBSize.X, o.Area.Max.Y),
		comp.BorderBottom: image.Rect(0, o.Area.Max.Y, o.FBSize.X, o.FBSize.Y),
	}
	for side, strip := range strips {
		if strip.Empty() || (!force && !o.BorderDirty[side]) {
			continue
		}
		img := o.Borders[side]
		for y := strip.Min.Y; y < strip.Max.Y; y++ {
			di := rb.img.PixOffset(strip.Min.X, y)
			for x := strip.Min.X; x < strip.Max.X; x++ {
				var pr, pg, pb, pa byte = 0, 0, 0, 0xff
				if img.Width > 0 && img.Height > 0 {
					si := ((y-strip.Min.Y)%img.Height*img.Width + (x-strip.Min.X)%img.Width) * 4
					pr, pg, pb, pa = img.Data[si], img.Data[si+1], img.Data[si+2], img.Data[si+3]
				}
				rb.img.Pix[di] = pr
				rb.img.Pix[di+1] = pg
				rb.img.Pix[di+2] = pb
				rb.img.Pix[di+3] = pa
				di += 4
			}
		}
	}
	o.ClearBorderDirty()
}

// retireCaptures copies the frame into each pending capture buffer and
// retires the tasks. The framebuffer source is the whole framebuffer;
// the blending source is the composited area, read from the shadow
// buffer when linear blending is on so the copy happens before the
// blend-to-output step.
func (r *Renderer) retireCaptures(o *comp.Output, os *outputState, rb *Renderbuffer) {
	for _, t := range o.PullCaptures(comp.CaptureFramebuffer) {
		r.retireCapture(t, rb, nil, image.Rectangle{Max: o.FBSize})
	}
	for _, t := range o.PullCaptures(comp.CaptureBlending) {
		r.retireCapture(t, rb, os.shadow, o.Area)
	}
}

func (r *Renderer) retireCapture(t *comp.CaptureTask, rb *Renderbuffer, shadow []float32, from image.Rectangle) {
	dest := t.Dest
	if dest.Type != comp.BufferSHM || dest.SHM == nil {
		t.RetireFailed("capture buffer is not shm")
		return
	}
	if dest.Format != comp.FormatARGB8888 && dest.Format != comp.FormatXRGB8888 {
		t.RetireFailed(fmt.Sprintf("capture format %v not supported", dest.Format))
		return
	}
	if dest.Width != from.Dx() || dest.Height != from.Dy() {
		t.RetireFailed(fmt.Sprintf("capture buffer %dx%d does not match source %dx%d",
			dest.Width, dest.Height, from.Dx(), from.Dy()))
		return
	}
	pool := dest.SHM.Pool.Bytes()
	offset, stride := dest.SHM.Offsets[0], dest.SHM.Strides[0]
	for y := 0; y < dest.Height; y++ {
		row := pool[offset+y*stride:]
		if shadow != nil {
			si := y * from.Dx() * 4
			for x := 0; x < dest.Width; x++ {
				row[x*4] = clampByte(float64(shadow[si+2]))
				row[x*4+1] = clampByte(float64(shadow[si+1]))
				row[x*4+2] = clampByte(float64(shadow[si]))
				a := clampByte(float64(shadow[si+3]))
				if dest.Format == comp.FormatXRGB8888 {
					a = 0xff
				}
				row[x*4+3] = a
				si += 4
			}
			continue
		}
		si := rb.img.PixOffset(from.Min.X, from.Min.Y+y)
		for x := 0; x < dest.Width; x++ {
			row[x*4] = rb.img.Pix[si+2]
			row[x*4+1] = rb.img.Pix[si+1]
			row[x*4+2] = rb.img.Pix[si]
			a := rb.img.Pix[si+3]
			if dest.Format == comp.FormatXRGB8888 {
				a = 0xff
			}
			row[x*4+3] = a
			si += 4
		}
	}
	t.RetireComplete()
}

// releaseBuffers notifies every buffer read this frame. CPU reads finish
// before RepaintOutput returns, so releases carry no fence.
func (r *Renderer) releaseBuffers(o *comp.Output) {
	var done []*comp.Surface
	for _, n := range o.Nodes {
		s := n.Surface
		if s == nil || !s.UsedInRepaint || s.Buffer == nil {
			continue
		}
		seen := false
		for _, d := range done {
			if d == s {
				seen = true
				break
			}
		}
		if seen {
			continue
		}
		done = append(done, s)
		s.Buffer.NotifyRelease(-1)
	}
}
