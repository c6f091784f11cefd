// Package glrender composites with OpenGL. A Platform supplies the
// context, presentable windows and the EGL-side extras (dmabuf import,
// native fences); everything above that is portable GL 3.2 core: damage
// meshed into one triangle strip per node, plane textures stitched back
// together in fragment shaders, an optional half-float shadow
// framebuffer for linear-light blending, and partial swaps driven by the
// shared renderbuffer age policy.
package glrender

import (
	"fmt"
	"image"
	"runtime"

	"github.com/charmbracelet/log"
	"github.com/go-gl/gl/v3.2-core/gl"
	"golang.org/x/sys/unix"

	"github.com/matjam/lucent/internal/cms"
	"github.com/matjam/lucent/internal/comp"
	"github.com/matjam/lucent/internal/geom"
	"github.com/matjam/lucent/internal/loop"
	"github.com/matjam/lucent/internal/mesh"
	"github.com/matjam/lucent/internal/region"
	"github.com/matjam/lucent/internal/render"
	"github.com/matjam/lucent/internal/signal"
)

const (
	attribPosition = 0
	attribTexcoord = 1

	// vertexStride is the byte size of mesh.Vertex.
	vertexStride = 16

	// lutTextureUnit keeps the 3D LUT clear of the plane samplers.
	lutTextureUnit = 3
)

// Renderer is the GL backend. It runs entirely on the event-loop thread;
// New locks the OS thread because GL contexts are thread-affine.
type Renderer struct {
	platform Platform
	lp       *loop.Loop

	vertexShader uint32
	programs     map[shaderKey]*program
	luts         map[*cms.Transform]uint32

	// states holds the per-context vertex array and streaming buffers,
	// keyed by Window; nil keys the root context.
	states map[any]*drawState

	captures    []*pendingCapture
	debugDamage bool
}

// New initializes the platform, loads GL through it and compiles the
// shared vertex shader. The calling goroutine is locked to its thread.
func New(p Platform, lp *loop.Loop) (*Renderer, error) {
	runtime.LockOSThread()
	if err := p.Init(); err != nil {
		return nil, err
	}
	if err := gl.InitWithProcAddrFunc(p.ProcAddress); err != nil {
		p.Destroy()
		return nil, fmt.Errorf("glrender: load GL: %w", err)
	}
	r := &Renderer{
		platform: p,
		lp:       lp,
		programs: make(map[shaderKey]*program),
		luts:     make(map[*cms.Transform]uint32),
		states:   make(map[any]*drawState),
	}
	vs, err := compileShader(gl.VERTEX_SHADER, vertexSource)
	if err != nil {
		p.Destroy()
		return nil, err
	}
	r.vertexShader = vs
	log.Debugf("glrender: %s on %s",
		gl.GoStr(gl.GetString(gl.VERSION)), gl.GoStr(gl.GetString(gl.RENDERER)))
	return r, nil
}

// Capabilities mirrors what the platform offers.
func (r *Renderer) Capabilities() comp.Caps {
	pc := r.platform.Caps()
	return comp.Caps{
		BufferAge:     pc.BufferAge,
		PartialUpdate: pc.PartialUpdate,
		NativeFences:  pc.NativeFences,
		DMABufImport:  pc.DMABufImport,
	}
}

// SetDebugDamage toggles the repaint visualization: every frame redraws
// the whole output and tints the truly damaged area red.
func (r *Renderer) SetDebugDamage(on bool) { r.debugDamage = on }

// Destroy tears down renderer-owned GL state and the platform. Surface
// and buffer state unwinds through destroy listeners as those objects
// die; outputs must be destroyed before the renderer.
func (r *Renderer) Destroy() {
	r.cancelCaptures()
	if r.makeCurrent() {
		for _, p := range r.programs {
			gl.DeleteProgram(p.id)
		}
		for _, tex := range r.luts {
			t := tex
			gl.DeleteTextures(1, &t)
		}
		gl.DeleteShader(r.vertexShader)
	}
	r.programs = nil
	r.luts = nil
	r.states = nil
	r.platform.Destroy()
}

func (r *Renderer) makeCurrent() bool {
	if err := r.platform.MakeCurrent(); err != nil {
		log.Errorf("glrender: make current: %v", err)
		return false
	}
	return true
}

// drawState is one context's vertex array plus streaming vertex/index
// buffers. Container objects are not shared between contexts, so each
// window carries its own.
type drawState struct {
	vao, vbo, ebo  uint32
	vboCap, eboCap int
}

func (r *Renderer) drawStateFor(key any) *drawState {
	if ds, ok := r.states[key]; ok {
		return ds
	}
	ds := &drawState{}
	gl.GenVertexArrays(1, &ds.vao)
	gl.BindVertexArray(ds.vao)
	gl.GenBuffers(1, &ds.vbo)
	gl.GenBuffers(1, &ds.ebo)
	gl.BindBuffer(gl.ARRAY_BUFFER, ds.vbo)
	gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, ds.ebo)
	gl.EnableVertexAttribArray(attribPosition)
	gl.EnableVertexAttribArray(attribTexcoord)
	gl.VertexAttribPointerWithOffset(attribPosition, 2, gl.FLOAT, false, vertexStride, 0)
	gl.VertexAttribPointerWithOffset(attribTexcoord, 2, gl.FLOAT, false, vertexStride, 8)
	r.states[key] = ds
	return ds
}

func (ds *drawState) draw(m *mesh.Mesh) {
	gl.BindVertexArray(ds.vao)
	gl.BindBuffer(gl.ARRAY_BUFFER, ds.vbo)
	vbytes := len(m.Vertices) * vertexStride
	if vbytes > ds.vboCap {
		gl.BufferData(gl.ARRAY_BUFFER, vbytes, gl.Ptr(m.Vertices), gl.STREAM_DRAW)
		ds.vboCap = vbytes
	} else {
		gl.BufferSubData(gl.ARRAY_BUFFER, 0, vbytes, gl.Ptr(m.Vertices))
	}
	gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, ds.ebo)
	ibytes := len(m.Indices) * 4
	if ibytes > ds.eboCap {
		gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, ibytes, gl.Ptr(m.Indices), gl.STREAM_DRAW)
		ds.eboCap = ibytes
	} else {
		gl.BufferSubData(gl.ELEMENT_ARRAY_BUFFER, 0, ibytes, gl.Ptr(m.Indices))
	}
	gl.DrawElements(gl.TRIANGLE_STRIP, int32(len(m.Indices)), gl.UNSIGNED_INT, nil)
}

// Renderbuffer is one GL repaint destination: a window backbuffer slot,
// an offscreen FBO, or an imported dmabuf wrapped in an FBO.
type Renderbuffer struct {
	render.RenderbufferBase
	r *Renderer

	win Window

	fbo uint32
	tex uint32
	img Image
}

func newWindowRenderbuffer(r *Renderer, win Window, size image.Point) *Renderbuffer {
	rb := &Renderbuffer{r: r, win: win}
	rb.InitRenderbuffer(size, comp.FormatXRGB8888)
	return rb
}

func newFBORenderbuffer(r *Renderer, width, height int, format comp.PixelFormat) (*Renderbuffer, error) {
	var tex uint32
	gl.GenTextures(1, &tex)
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(width), int32(height), 0,
		gl.RGBA, gl.UNSIGNED_BYTE, nil)

	var fbo uint32
	gl.GenFramebuffers(1, &fbo)
	gl.BindFramebuffer(gl.FRAMEBUFFER, fbo)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, tex, 0)
	if st := gl.CheckFramebufferStatus(gl.FRAMEBUFFER); st != gl.FRAMEBUFFER_COMPLETE {
		gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
		gl.DeleteFramebuffers(1, &fbo)
		gl.DeleteTextures(1, &tex)
		return nil, fmt.Errorf("glrender: framebuffer incomplete: 0x%04x", st)
	}
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)

	rb := &Renderbuffer{r: r, fbo: fbo, tex: tex}
	rb.InitRenderbuffer(image.Pt(width, height), format)
	rb.Release = func() {
		if rb.r.makeCurrent() {
			gl.DeleteFramebuffers(1, &rb.fbo)
			gl.DeleteTextures(1, &rb.tex)
			if rb.img != nil {
				rb.img.Destroy()
			}
		}
	}
	return rb, nil
}

// CreateRenderbuffer makes an offscreen texture-backed destination.
func (r *Renderer) CreateRenderbuffer(o *comp.Output, format comp.PixelFormat, width, height int) (comp.Renderbuffer, error) {
	if format != comp.FormatXRGB8888 && format != comp.FormatARGB8888 {
		return nil, fmt.Errorf("glrender: renderbuffer format %v not supported", format)
	}
	if !r.makeCurrent() {
		return nil, fmt.Errorf("glrender: no current context")
	}
	return newFBORenderbuffer(r, width, height, format)
}

// RenderbufferFromDMABuf imports scanout planes as a repaint target. The
// planes must match the output framebuffer size.
func (r *Renderer) RenderbufferFromDMABuf(o *comp.Output, info *comp.DMABufInfo) (comp.Renderbuffer, error) {
	if !r.platform.Caps().DMABufImport {
		return nil, fmt.Errorf("glrender: platform cannot import dmabuf buffers")
	}
	if !r.makeCurrent() {
		return nil, fmt.Errorf("glrender: no current context")
	}
	img, err := r.platform.ImportDMABuf(o.FBSize.X, o.FBSize.Y, comp.FormatXRGB8888, info)
	if err != nil {
		return nil, fmt.Errorf("glrender: import scanout dmabuf: %w", err)
	}
	var tex uint32
	gl.GenTextures(1, &tex)
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	img.TargetTexture2D()

	var fbo uint32
	gl.GenFramebuffers(1, &fbo)
	gl.BindFramebuffer(gl.FRAMEBUFFER, fbo)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, tex, 0)
	if st := gl.CheckFramebufferStatus(gl.FRAMEBUFFER); st != gl.FRAMEBUFFER_COMPLETE {
		gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
		gl.DeleteFramebuffers(1, &fbo)
		gl.DeleteTextures(1, &tex)
		img.Destroy()
		return nil, fmt.Errorf("glrender: dmabuf framebuffer incomplete: 0x%04x", st)
	}
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)

	rb := &Renderbuffer{r: r, fbo: fbo, tex: tex, img: img}
	rb.InitRenderbuffer(o.FBSize, comp.FormatXRGB8888)
	rb.Release = func() {
		if rb.r.makeCurrent() {
			gl.DeleteFramebuffers(1, &rb.fbo)
			gl.DeleteTextures(1, &rb.tex)
			rb.img.Destroy()
		}
	}
	return rb, nil
}

// outputState is the renderer's per-output slot: the platform window and
// its tracked backbuffer slots, the shadow framebuffer and the border
// textures.
type outputState struct {
	win     Window
	tracked []*Renderbuffer

	shadowFBO  uint32
	shadowTex  uint32
	shadowSize image.Point
	shadowKey  any

	borders [4]borderTexture

	outputGone signal.Listener
}

type borderTexture struct {
	tex  uint32
	size image.Point
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
		if r.makeCurrent() {
			os.releaseShadow()
			for i := range os.borders {
				if os.borders[i].tex != 0 {
					gl.DeleteTextures(1, &os.borders[i].tex)
					os.borders[i] = borderTexture{}
				}
			}
		}
		if os.win != nil {
			delete(r.states, os.win)
			os.win.Destroy()
			os.win = nil
		}
		o.RendererState = nil
	}
	o.DestroySignal.Add(&os.outputGone)
	o.RendererState = os
	return os
}

func (os *outputState) ensureShadow(key any, size image.Point) error {
	if os.shadowFBO != 0 && os.shadowKey == key && os.shadowSize == size {
		return nil
	}
	os.releaseShadow()

	gl.GenTextures(1, &os.shadowTex)
	gl.BindTexture(gl.TEXTURE_2D, os.shadowTex)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.NEAREST)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.NEAREST)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA16F, int32(size.X), int32(size.Y), 0,
		gl.RGBA, gl.HALF_FLOAT, nil)

	gl.GenFramebuffers(1, &os.shadowFBO)
	gl.BindFramebuffer(gl.FRAMEBUFFER, os.shadowFBO)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, os.shadowTex, 0)
	st := gl.CheckFramebufferStatus(gl.FRAMEBUFFER)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	if st != gl.FRAMEBUFFER_COMPLETE {
		os.releaseShadow()
		return fmt.Errorf("glrender: shadow framebuffer incomplete: 0x%04x", st)
	}
	os.shadowSize = size
	os.shadowKey = key
	return nil
}

func (os *outputState) releaseShadow() {
	if os.shadowFBO != 0 {
		gl.DeleteFramebuffers(1, &os.shadowFBO)
		os.shadowFBO = 0
	}
	if os.shadowTex != 0 {
		gl.DeleteTextures(1, &os.shadowTex)
		os.shadowTex = 0
	}
	os.shadowSize = image.Point{}
	os.shadowKey = nil
}

// drawTarget is where draws land this frame: the window backbuffer, an
// offscreen FBO, or the shadow framebuffer. offset translates global
// coordinates into the target; yFlip is -1 for window backbuffers,
// whose origin is bottom-left.
type drawTarget struct {
	key    any
	fbo    uint32
	size   image.Point
	offset image.Point
	yFlip  float32
	window bool
}

func bindTarget(t *drawTarget) {
	gl.BindFramebuffer(gl.FRAMEBUFFER, t.fbo)
	gl.Viewport(0, 0, int32(t.size.X), int32(t.size.Y))
}

// scissorRect sets the scissor to one target-space rect, flipping into
// GL window coordinates for window backbuffers.
func scissorRect(t *drawTarget, rect image.Rectangle) {
	y := rect.Min.Y
	if t.window {
		y = t.size.Y - rect.Max.Y
	}
	gl.Scissor(int32(rect.Min.X), int32(y), int32(rect.Dx()), int32(rect.Dy()))
}

func fbOffset(o *comp.Output) image.Point {
	return o.Area.Min.Sub(o.Pos)
}

// RepaintOutput runs one frame: pick the target, redraw its stale region
// back to front with an opaque/blend split, resolve the shadow buffer,
// draw borders, service captures, hand out release fences and present.
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
			return fmt.Errorf("glrender: foreign renderbuffer")
		}
		if rb.win != nil {
			return fmt.Errorf("glrender: window renderbuffer as explicit destination")
		}
		rb.AddDamage(damage)
		if !r.makeCurrent() {
			return fmt.Errorf("glrender: no current context")
		}
	} else {
		if err := r.ensureWindow(o, os); err != nil {
			return err
		}
		if err := os.win.MakeCurrent(); err != nil {
			return fmt.Errorf("glrender: make window current: %w", err)
		}
		ages := make([]int, len(os.tracked))
		for i, t := range os.tracked {
			ages[i] = t.Age()
		}
		switch d := render.Select(ages, os.win.Age(), render.PolicyCap(r.Capabilities())); d.Action {
		case render.ActionReuse:
			rb = os.tracked[d.Index]
		case render.ActionAllocate:
			rb = newWindowRenderbuffer(r, os.win, o.FBSize)
			rb.AddDamage(o.GlobalRegion())
			os.tracked = append(os.tracked, rb)
			fresh = true
		case render.ActionRefurbish:
			rb = os.tracked[d.Index]
			rb.AddDamage(o.GlobalRegion())
			fresh = true
		}
	}

	target := &drawTarget{
		fbo:    rb.fbo,
		size:   rb.Size(),
		offset: fbOffset(o),
		yFlip:  1,
	}
	if rb.win != nil {
		target.key = rb.win
		target.fbo = 0
		target.yFlip = -1
		target.window = true
	}

	repaint := rb.TakeDamage().IntersectRect(o.GlobalRect())

	// The debug pre-pass repaints everything so the damage tint sits on
	// top of up-to-date pixels.
	var undamaged region.Region
	if r.debugDamage {
		undamaged = o.GlobalRegion().Subtract(repaint)
	}

	var shadow *drawTarget
	if o.LinearBlending {
		if err := os.ensureShadow(target.key, o.Area.Size()); err != nil {
			return err
		}
		shadow = &drawTarget{
			key:    target.key,
			fbo:    os.shadowFBO,
			size:   o.Area.Size(),
			offset: image.Point{}.Sub(o.Pos),
			yFlip:  1,
		}
	} else if os.shadowFBO != 0 {
		os.releaseShadow()
	}

	drawn := repaint.Union(undamaged)
	if !drawn.Empty() {
		nodeTarget := target
		if shadow != nil {
			nodeTarget = shadow
		}
		bindTarget(nodeTarget)
		r.clear(nodeTarget, drawn)
		for _, n := range o.Nodes {
			r.drawNode(nodeTarget, n, repaint, r.debugDamage)
			if !undamaged.Empty() {
				r.drawNode(nodeTarget, n, undamaged, false)
			}
		}
		if shadow != nil {
			bindTarget(target)
			r.resolveShadow(o, os, target, drawn)
		}
	}

	bindTarget(target)
	borders := r.drawBorders(o, os, target, fresh)
	r.serviceCaptures(o, os, rb, target)
	r.releaseBuffers(o)

	if dest == nil {
		r.present(o, rb, repaint, borders, fresh)
		bases := make([]*render.RenderbufferBase, len(os.tracked))
		for i, t := range os.tracked {
			bases[i] = &t.RenderbufferBase
		}
		render.AgeAfterPresent(bases, &rb.RenderbufferBase)
	}
	return nil
}

// ensureWindow creates the output's window on first present and replaces
// it when the framebuffer size changes.
func (r *Renderer) ensureWindow(o *comp.Output, os *outputState) error {
	if os.win != nil && os.win.Size() == o.FBSize {
		return nil
	}
	if os.win != nil {
		for _, rb := range os.tracked {
			rb.Unref()
		}
		os.tracked = nil
		delete(r.states, os.win)
		os.win.Destroy()
		os.win = nil
	}
	win, err := r.platform.CreateWindow(o.Name, o.FBSize)
	if err != nil {
		return fmt.Errorf("glrender: create window for output %s: %w", o.Name, err)
	}
	os.win = win
	return nil
}

// clear paints the region opaque black so pixels under no node are
// defined.
func (r *Renderer) clear(t *drawTarget, reg region.Region) {
	if reg.Empty() {
		return
	}
	gl.Enable(gl.SCISSOR_TEST)
	gl.ClearColor(0, 0, 0, 1)
	for _, rect := range reg.Rects() {
		scissorRect(t, rect.Add(t.offset))
		gl.Clear(gl.COLOR_BUFFER_BIT)
	}
	gl.Disable(gl.SCISSOR_TEST)
}

// drawSource is the sampler configuration of one draw: plane textures or
// a solid color, and the vertical flip for bottom-left-origin buffers.
type drawSource struct {
	sampler  comp.SamplerClass
	planes   []planeTexture
	unicolor [4]float32
	texFlip  float32
}

var placeholderColor = [4]float64{0.25, 0.25, 0.25, 1}

func (r *Renderer) sourceFor(n *comp.PaintNode, b *comp.Buffer) *drawSource {
	if n.DrawSolid {
		return solidSource(placeholderColor)
	}
	var src *drawSource
	switch b.Type {
	case comp.BufferSolid:
		return solidSource(b.Color)
	case comp.BufferSHM:
		ss, ok := n.Surface.RendererState.(*surfaceState)
		if !ok || ss.shm == nil {
			return nil
		}
		src = &drawSource{sampler: b.Format.Info().Sampler, planes: ss.shm.planes}
	case comp.BufferDMABuf:
		bs, ok := b.RendererState.(*bufferState)
		if !ok || len(bs.planes) == 0 {
			return nil
		}
		src = &drawSource{sampler: comp.SamplerRGBA, planes: bs.planes}
	case comp.BufferOpaque:
		ext, ok := b.OpaqueState.(ExternalTexture)
		if !ok {
			return nil
		}
		src = &drawSource{
			sampler: comp.SamplerRGBA,
			planes:  []planeTexture{{tex: ext.ID, size: image.Pt(b.Width, b.Height)}},
		}
	default:
		return nil
	}
	if b.OriginBottomLeft {
		src.texFlip = 1
	}
	return src
}

func solidSource(c [4]float64) *drawSource {
	return &drawSource{
		sampler: comp.SamplerSolid,
		unicolor: [4]float32{
			float32(c[0]), float32(c[1]), float32(c[2]), float32(c[3]),
		},
	}
}

// drawNode draws one paint node's contribution to reg, opaque parts
// with blending off and the rest blended over what is below.
func (r *Renderer) drawNode(t *drawTarget, n *comp.PaintNode, reg region.Region, debugTint bool) {
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
	vis := n.Visible.Intersect(reg)
	if vis.Empty() {
		return
	}
	src := r.sourceFor(n, b)
	if src == nil {
		return
	}
	n.Surface.UsedInRepaint = true

	surfRect := n.Surface.Rect()
	clips := []image.Rectangle{surfRect}

	opaque := vis.Intersect(n.GlobalOpaque())
	blend := vis.Subtract(opaque)
	hasAlpha := b.Format.Info().HasAlpha && b.Type != comp.BufferOpaque

	if !opaque.Empty() {
		m := mesh.Build(n.Transform, surfRect.Size(), opaque, clips)
		k := keyFor(src.sampler, true, tr, identity, debugTint)
		r.drawPass(t, k, src, tr, n.Alpha, false, &m)
	}
	if !blend.Empty() {
		m := mesh.Build(n.Transform, surfRect.Size(), blend, clips)
		force := !hasAlpha && src.sampler != comp.SamplerSolid
		k := keyFor(src.sampler, force, tr, identity, debugTint)
		r.drawPass(t, k, src, tr, n.Alpha, true, &m)
	}
}

// drawPass issues one mesh with one program variant.
func (r *Renderer) drawPass(t *drawTarget, k shaderKey, src *drawSource, tr *cms.Transform, alpha float64, blend bool, m *mesh.Mesh) {
	if m.Empty() {
		return
	}
	p, err := r.getProgram(k)
	if err != nil {
		log.Errorf("glrender: %v", err)
		return
	}
	gl.UseProgram(p.id)
	gl.Uniform2f(p.fbSize, float32(t.size.X), float32(t.size.Y))
	gl.Uniform2f(p.fbOffset, float32(t.offset.X), float32(t.offset.Y))
	gl.Uniform1f(p.yFlip, t.yFlip)
	gl.Uniform1f(p.texFlip, src.texFlip)
	gl.Uniform1f(p.nodeAlpha, float32(alpha))
	if k.sampler == comp.SamplerSolid {
		gl.Uniform4f(p.unicolor, src.unicolor[0], src.unicolor[1], src.unicolor[2], src.unicolor[3])
	}
	for i := range src.planes {
		gl.ActiveTexture(gl.TEXTURE0 + uint32(i))
		gl.BindTexture(gl.TEXTURE_2D, src.planes[i].tex)
	}
	gl.ActiveTexture(gl.TEXTURE0)
	r.setColorStages(p, k, tr)

	if blend {
		gl.Enable(gl.BLEND)
		gl.BlendFunc(gl.ONE, gl.ONE_MINUS_SRC_ALPHA)
	} else {
		gl.Disable(gl.BLEND)
	}
	r.drawStateFor(t.key).draw(m)
}

// resolveShadow blits the linear-light shadow buffer into the target,
// applying the output's blend-to-output transform.
func (r *Renderer) resolveShadow(o *comp.Output, os *outputState, t *drawTarget, reg region.Region) {
	if reg.Empty() {
		return
	}
	tr, identity, ok := o.BlendState()
	if !ok {
		tr, identity = nil, true
	}
	area := o.Area.Size()
	m := mesh.Build(
		geom.Translate(float64(o.Pos.X), float64(o.Pos.Y)),
		area,
		reg,
		[]image.Rectangle{image.Rect(0, 0, area.X, area.Y)},
	)
	src := &drawSource{
		sampler: comp.SamplerRGBA,
		planes:  []planeTexture{{tex: os.shadowTex, size: area}},
	}
	k := keyFor(comp.SamplerRGBA, true, tr, identity, false)
	r.drawPass(t, k, src, tr, 1, false, &m)
}

// drawBorders tiles the fringe textures into the framebuffer margin and
// returns the strips it redrew. force redraws every side, used when the
// target was freshly allocated or refurbished.
func (r *Renderer) drawBorders(o *comp.Output, os *outputState, t *drawTarget, force bool) []image.Rectangle {
	if t.size == o.Area.Size() {
		return nil
	}
	var drawn []image.Rectangle
	strips := borderStrips(o)
	for side := range strips {
		if strips[side].Empty() {
			continue
		}
		if !force && !o.BorderDirty[side] {
			continue
		}
		r.drawBorderStrip(o, os, t, comp.BorderSide(side), strips[side])
		drawn = append(drawn, strips[side])
	}
	o.ClearBorderDirty()
	return drawn
}

// borderStrips carves the framebuffer margin into the four side rects,
// top and bottom spanning the full width.
func borderStrips(o *comp.Output) [4]image.Rectangle {
	fbW, fbH := o.FBSize.X, o.FBSize.Y
	a := o.Area
	var s [4]image.Rectangle
	s[comp.BorderTop] = image.Rect(0, 0, fbW, a.Min.Y)
	s[comp.BorderBottom] = image.Rect(0, a.Max.Y, fbW, fbH)
	s[comp.BorderLeft] = image.Rect(0, a.Min.Y, a.Min.X, a.Max.Y)
	s[comp.BorderRight] = image.Rect(a.Max.X, a.Min.Y, fbW, a.Max.Y)
	return s
}

func (r *Renderer) drawBorderStrip(o *comp.Output, os *outputState, t *drawTarget, side comp.BorderSide, strip image.Rectangle) {
	img := o.Borders[side]
	bt := &os.borders[side]
	if img.Width > 0 && img.Height > 0 && len(img.Data) >= img.Width*img.Height*4 {
		if bt.tex == 0 {
			bt.tex = newBorderTexture()
		}
		gl.BindTexture(gl.TEXTURE_2D, bt.tex)
		gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
		gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(img.Width), int32(img.Height), 0,
			gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(img.Data))
		bt.size = image.Pt(img.Width, img.Height)
	} else if bt.tex == 0 {
		bt.tex = newBorderTexture()
		gl.BindTexture(gl.TEXTURE_2D, bt.tex)
		gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, 1, 1, 0,
			gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr([]byte{0, 0, 0, 0xff}))
		bt.size = image.Pt(1, 1)
	}

	// The strip is meshed directly in framebuffer coordinates with
	// tiling texcoords; fb_offset stays zero.
	tw, th := float32(bt.size.X), float32(bt.size.Y)
	x0, y0 := float32(strip.Min.X), float32(strip.Min.Y)
	x1, y1 := float32(strip.Max.X), float32(strip.Max.Y)
	m := mesh.Mesh{
		Vertices: []mesh.Vertex{
			{X: x0, Y: y0, U: 0, V: 0},
			{X: x1, Y: y0, U: (x1 - x0) / tw, V: 0},
			{X: x0, Y: y1, U: 0, V: (y1 - y0) / th},
			{X: x1, Y: y1, U: (x1 - x0) / tw, V: (y1 - y0) / th},
		},
		Indices: []uint32{0, 1, 2, 3},
	}
	src := &drawSource{
		sampler: comp.SamplerRGBA,
		planes:  []planeTexture{{tex: bt.tex, size: bt.size}},
	}
	flat := &drawTarget{key: t.key, fbo: t.fbo, size: t.size, yFlip: t.yFlip, window: t.window}
	r.drawPass(flat, keyFor(comp.SamplerRGBA, true, nil, true, false), src, nil, 1, false, &m)
}

func newBorderTexture() uint32 {
	var tex uint32
	gl.GenTextures(1, &tex)
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.NEAREST)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.NEAREST)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.REPEAT)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.REPEAT)
	return tex
}

// releaseBuffers tells every surface drawn this frame that its buffer
// was read, attaching one duplicated release fence each when the
// platform has native fences.
func (r *Renderer) releaseBuffers(o *comp.Output) {
	seen := make(map[*comp.Surface]bool)
	var surfaces []*comp.Surface
	for _, n := range o.Nodes {
		s := n.Surface
		if s == nil || !s.UsedInRepaint || s.Buffer == nil || seen[s] {
			continue
		}
		seen[s] = true
		surfaces = append(surfaces, s)
	}
	if len(surfaces) == 0 {
		return
	}

	fd := -1
	if r.platform.Caps().NativeFences {
		gl.Flush()
		f, err := r.platform.ExportFenceFD()
		if err != nil {
			log.Debugf("glrender: export release fence: %v", err)
		} else {
			fd = f
		}
	}
	for _, s := range surfaces {
		if fd >= 0 {
			if dup, err := unix.Dup(fd); err == nil {
				s.Buffer.NotifyRelease(dup)
				continue
			}
		}
		s.Buffer.NotifyRelease(-1)
	}
	if fd >= 0 {
		unix.Close(fd)
	}
}

// present swaps the window, passing the frame's damage as window-space
// rectangles when the platform supports partial updates. borders are
// the margin strips redrawn this frame.
func (r *Renderer) present(o *comp.Output, rb *Renderbuffer, repaint region.Region, borders []image.Rectangle, fresh bool) {
	var rects []image.Rectangle
	if r.platform.Caps().PartialUpdate && !fresh {
		off := fbOffset(o)
		for _, rect := range repaint.Rects() {
			rects = append(rects, flipRect(rect.Add(off), o.FBSize.Y))
		}
		for _, strip := range borders {
			rects = append(rects, flipRect(strip, o.FBSize.Y))
		}
	}
	if err := rb.win.Present(rects); err != nil {
		log.Errorf("glrender: present output %s: %v", o.Name, err)
	}
}

// flipRect maps a top-origin framebuffer rect into bottom-origin window
// coordinates.
func flipRect(r image.Rectangle, fbH int) image.Rectangle {
	return image.Rect(r.Min.X, fbH-r.Max.Y, r.Max.X, fbH-r.Min.Y)
}
