package glrender

import (
	"fmt"
	"image"

	"github.com/charmbracelet/log"
	"github.com/go-gl/gl/v3.2-core/gl"

	"github.com/matjam/lucent/internal/comp"
	"github.com/matjam/lucent/internal/region"
	"github.com/matjam/lucent/internal/signal"
)

// uploadPlan says how one plane format reaches the GPU: the texture's
// internal format, the client byte order as a GL format/type pair, and
// the bytes per texel for stride math.
type uploadPlan struct {
	internal int32
	format   uint32
	xtype    uint32
	bpp      int
}

// planFor returns the upload plan for a plane format. YUV formats never
// appear here directly; the format table decomposes them into R8/GR88
// planes (and the packed-YUYV ARGB view) first.
func planFor(f comp.PixelFormat) (uploadPlan, bool) {
	switch f {
	case comp.FormatARGB8888, comp.FormatXRGB8888:
		return uploadPlan{gl.RGBA8, gl.BGRA, gl.UNSIGNED_BYTE, 4}, true
	case comp.FormatABGR8888, comp.FormatXBGR8888:
		return uploadPlan{gl.RGBA8, gl.RGBA, gl.UNSIGNED_BYTE, 4}, true
	case comp.FormatRGB565:
		return uploadPlan{gl.RGB8, gl.RGB, gl.UNSIGNED_SHORT_5_6_5, 2}, true
	case comp.FormatR8:
		return uploadPlan{gl.R8, gl.RED, gl.UNSIGNED_BYTE, 1}, true
	case comp.FormatGR88:
		return uploadPlan{gl.RG8, gl.RG, gl.UNSIGNED_BYTE, 2}, true
	}
	return uploadPlan{}, false
}

// planeTexture is one GL texture backing one decomposed plane.
type planeTexture struct {
	tex  uint32
	size image.Point
	plan uploadPlan
	divW int
	divH int
}

// bufferState is the GPU mirror of one buffer: plane textures for SHM,
// a single image-backed texture for dmabuf.
type bufferState struct {
	width  int
	height int
	format comp.PixelFormat
	planes []planeTexture
	img    Image

	bufferGone signal.Listener
}

func (bs *bufferState) compatible(b *comp.Buffer) bool {
	return bs.width == b.Width && bs.height == b.Height && bs.format == b.Format
}

func (bs *bufferState) release() {
	for i := range bs.planes {
		gl.DeleteTextures(1, &bs.planes[i].tex)
	}
	bs.planes = nil
	if bs.img != nil {
		bs.img.Destroy()
		bs.img = nil
	}
}

// surfaceState owns the SHM mirror so textures survive buffer swaps;
// same-geometry commits reuse the allocation.
type surfaceState struct {
	shm         *bufferState
	surfaceGone signal.Listener
}

func (r *Renderer) surfaceState(s *comp.Surface) *surfaceState {
	if ss, ok := s.RendererState.(*surfaceState); ok {
		return ss
	}
	ss := &surfaceState{}
	ss.surfaceGone.Notify = func(any) {
		if ss.shm != nil && r.makeCurrent() {
			ss.shm.release()
		}
		ss.shm = nil
		s.RendererState = nil
	}
	s.DestroySignal.Add(&ss.surfaceGone)
	s.RendererState = ss
	return ss
}

// newSHMState allocates the plane textures for b's format decomposition.
func newSHMState(b *comp.Buffer) (*bufferState, error) {
	info := b.Format.Info()
	bs := &bufferState{width: b.Width, height: b.Height, format: b.Format}
	full := image.Rect(0, 0, b.Width, b.Height)
	for _, pl := range info.Planes {
		plan, ok := planFor(pl.Format)
		if !ok {
			bs.release()
			return nil, fmt.Errorf("glrender: no upload path for plane format %v", pl.Format)
		}
		size := comp.SubsampleRect(full, pl.DivW, pl.DivH).Size()
		var tex uint32
		gl.GenTextures(1, &tex)
		gl.BindTexture(gl.TEXTURE_2D, tex)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
		gl.TexImage2D(gl.TEXTURE_2D, 0, plan.internal,
			int32(size.X), int32(size.Y), 0, plan.format, plan.xtype, nil)
		bs.planes = append(bs.planes, planeTexture{
			tex: tex, size: size, plan: plan, divW: pl.DivW, divH: pl.DivH,
		})
	}
	return bs, nil
}

// Attach prepares GPU state for a buffer. SHM mirrors live on the
// surface; dmabuf imports live on the buffer and die with it.
func (r *Renderer) Attach(s *comp.Surface, b *comp.Buffer) error {
	switch b.Type {
	case comp.BufferSHM:
		if !b.Format.Valid() {
			return fmt.Errorf("glrender: shm format %v not supported", b.Format)
		}
		if !r.makeCurrent() {
			return fmt.Errorf("glrender: no current context")
		}
		ss := r.surfaceState(s)
		if ss.shm != nil && ss.shm.compatible(b) {
			return nil
		}
		bs, err := newSHMState(b)
		if err != nil {
			return err
		}
		if ss.shm != nil {
			ss.shm.release()
		}
		ss.shm = bs
		return nil
	case comp.BufferSolid:
		return nil
	case comp.BufferDMABuf:
		if _, ok := b.RendererState.(*bufferState); ok {
			return nil
		}
		if !r.makeCurrent() {
			return fmt.Errorf("glrender: no current context")
		}
		r.importDMABuf(b)
		return nil
	case comp.BufferOpaque:
		if _, ok := b.OpaqueState.(ExternalTexture); !ok {
			b.Unsupported = true
			log.Warnf("glrender: opaque buffer without an external texture, surface will not be drawn")
		}
		return nil
	}
	return fmt.Errorf("glrender: unknown buffer type %v", b.Type)
}

// ExternalTexture is the OpaqueState payload glrender accepts: a
// caller-owned GL_TEXTURE_2D name living in the renderer's share group.
type ExternalTexture struct {
	ID uint32
}

// importDMABuf asks the platform for an EGLImage and binds it as the
// backing store of a fresh texture. Failure is graceful: the buffer is
// marked unsupported and skipped at draw time.
func (r *Renderer) importDMABuf(b *comp.Buffer) {
	if !r.platform.Caps().DMABufImport {
		b.Unsupported = true
		log.Warnf("glrender: platform cannot import dmabuf buffers, surface will not be drawn")
		return
	}
	img, err := r.platform.ImportDMABuf(b.Width, b.Height, b.Format, b.DMABuf)
	if err != nil {
		b.Unsupported = true
		log.Warnf("glrender: dmabuf import failed: %v", err)
		return
	}
	bs := &bufferState{width: b.Width, height: b.Height, format: b.Format, img: img}
	var tex uint32
	gl.GenTextures(1, &tex)
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	img.TargetTexture2D()
	bs.planes = []planeTexture{{tex: tex, size: image.Pt(b.Width, b.Height), divW: 1, divH: 1}}

	bs.bufferGone.Notify = func(any) {
		if r.makeCurrent() {
			bs.release()
		}
		b.RendererState = nil
	}
	b.DestroySignal.Add(&bs.bufferGone)
	b.RendererState = bs
}

// FlushDamage uploads the surface's damaged texels plane by plane and
// consumes the damage.
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
	if !r.makeCurrent() {
		return
	}
	bounds := image.Rect(0, 0, b.Width, b.Height)
	for _, rect := range damage.Rects() {
		rect = rect.Intersect(bounds)
		if rect.Empty() {
			continue
		}
		for i := range ss.shm.planes {
			uploadPlane(&ss.shm.planes[i], b, i, rect)
		}
	}
}

// uploadPlane pushes one damage rect of one plane. rect is in buffer
// coordinates; chroma planes scale it through the subsampling divisors.
func uploadPlane(pt *planeTexture, b *comp.Buffer, plane int, rect image.Rectangle) {
	pr := comp.SubsampleRect(rect, pt.divW, pt.divH)
	pool := b.SHM.Pool.Bytes()
	offset := b.SHM.Offsets[plane]
	stride := b.SHM.Strides[plane]
	plan := pt.plan

	gl.BindTexture(gl.TEXTURE_2D, pt.tex)
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	if stride%plan.bpp == 0 {
		gl.PixelStorei(gl.UNPACK_ROW_LENGTH, int32(stride/plan.bpp))
		gl.PixelStorei(gl.UNPACK_SKIP_PIXELS, int32(pr.Min.X))
		gl.PixelStorei(gl.UNPACK_SKIP_ROWS, int32(pr.Min.Y))
		gl.TexSubImage2D(gl.TEXTURE_2D, 0, int32(pr.Min.X), int32(pr.Min.Y),
			int32(pr.Dx()), int32(pr.Dy()), plan.format, plan.xtype,
			gl.Ptr(pool[offset:]))
		gl.PixelStorei(gl.UNPACK_ROW_LENGTH, 0)
		gl.PixelStorei(gl.UNPACK_SKIP_PIXELS, 0)
		gl.PixelStorei(gl.UNPACK_SKIP_ROWS, 0)
		return
	}

	// Stride is not a whole number of texels; stage the rows tightly.
	rowBytes := pr.Dx() * plan.bpp
	tight := make([]byte, rowBytes*pr.Dy())
	for y := 0; y < pr.Dy(); y++ {
		src := offset + (pr.Min.Y+y)*stride + pr.Min.X*plan.bpp
		copy(tight[y*rowBytes:(y+1)*rowBytes], pool[src:src+rowBytes])
	}
	gl.TexSubImage2D(gl.TEXTURE_2D, 0, int32(pr.Min.X), int32(pr.Min.Y),
		int32(pr.Dx()), int32(pr.Dy()), plan.format, plan.xtype, gl.Ptr(tight))
}
