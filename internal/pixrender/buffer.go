package pixrender

import (
	"image"
	"image/color"

	"github.com/matjam/lucent/internal/comp"
	"github.com/matjam/lucent/internal/region"
	"github.com/matjam/lucent/internal/signal"
)

// bufferState is the CPU mirror of a buffer: a premultiplied RGBA image
// converted from the client's pixel format on flush.
type bufferState struct {
	rgba   *image.RGBA
	width  int
	height int
	format comp.PixelFormat
}

func (bs *bufferState) compatible(b *comp.Buffer) bool {
	return bs.width == b.Width && bs.height == b.Height && bs.format == b.Format
}

// surfaceState is the renderer-private surface slot. The SHM mirror is
// owned here rather than by any one buffer, so back-to-back commits of
// same-size buffers reuse the allocation.
type surfaceState struct {
	shm *bufferState

	surfaceGone signal.Listener
}

func (r *Renderer) surfaceState(s *comp.Surface) *surfaceState {
	if ss, ok := s.RendererState.(*surfaceState); ok {
		return ss
	}
	ss := &surfaceState{}
	ss.surfaceGone.Notify = func(any) {
		s.RendererState = nil
	}
	s.DestroySignal.Add(&ss.surfaceGone)
	s.RendererState = ss
	return ss
}

// uploadDamage converts the damaged rows of an SHM buffer into the
// surface's RGBA mirror. Damage is in buffer coordinates and already
// clipped to the buffer extent.
func uploadDamage(bs *bufferState, b *comp.Buffer, damage region.Region) {
	pool := b.SHM.Pool.Bytes()
	for _, r := range damage.Rects() {
		convertRect(bs.rgba, b, pool, r)
	}
}

func convertRect(dst *image.RGBA, b *comp.Buffer, pool []byte, r image.Rectangle) {
	off := b.SHM.Offsets
	stride := b.SHM.Strides
	switch b.Format {
	case comp.FormatARGB8888, comp.FormatXRGB8888:
		forceAlpha := b.Format == comp.FormatXRGB8888
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := pool[off[0]+y*stride[0]:]
			for x := r.Min.X; x < r.Max.X; x++ {
				p := row[x*4:]
				a := p[3]
				if forceAlpha {
					a = 0xff
				}
				putRGBA(dst, x, y, p[2], p[1], p[0], a)
			}
		}
	case comp.FormatABGR8888, comp.FormatXBGR8888:
		forceAlpha := b.Format == comp.FormatXBGR8888
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := pool[off[0]+y*stride[0]:]
			for x := r.Min.X; x < r.Max.X; x++ {
				p := row[x*4:]
				a := p[3]
				if forceAlpha {
					a = 0xff
				}
				putRGBA(dst, x, y, p[0], p[1], p[2], a)
			}
		}
	case comp.FormatRGB565:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := pool[off[0]+y*stride[0]:]
			for x := r.Min.X; x < r.Max.X; x++ {
				v := uint16(row[x*2]) | uint16(row[x*2+1])<<8
				putRGBA(dst, x, y,
					expand5(byte(v>>11)), expand6(byte(v>>5&0x3f)), expand5(byte(v&0x1f)), 0xff)
			}
		}
	case comp.FormatR8:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := pool[off[0]+y*stride[0]:]
			for x := r.Min.X; x < r.Max.X; x++ {
				v := row[x]
				putRGBA(dst, x, y, v, v, v, 0xff)
			}
		}
	case comp.FormatGR88:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := pool[off[0]+y*stride[0]:]
			for x := r.Min.X; x < r.Max.X; x++ {
				putRGBA(dst, x, y, row[x*2], row[x*2+1], 0, 0xff)
			}
		}
	case comp.FormatYUV420, comp.FormatYUV444:
		div := 1
		if b.Format == comp.FormatYUV420 {
			div = 2
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			yRow := pool[off[0]+y*stride[0]:]
			uRow := pool[off[1]+(y/div)*stride[1]:]
			vRow := pool[off[2]+(y/div)*stride[2]:]
			for x := r.Min.X; x < r.Max.X; x++ {
				cr, cg, cb := color.YCbCrToRGB(yRow[x], uRow[x/div], vRow[x/div])
				putRGBA(dst, x, y, cr, cg, cb, 0xff)
			}
		}
	case comp.FormatNV12:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			yRow := pool[off[0]+y*stride[0]:]
			uvRow := pool[off[1]+(y/2)*stride[1]:]
			for x := r.Min.X; x < r.Max.X; x++ {
				u := uvRow[(x/2)*2]
				v := uvRow[(x/2)*2+1]
				cr, cg, cb := color.YCbCrToRGB(yRow[x], u, v)
				putRGBA(dst, x, y, cr, cg, cb, 0xff)
			}
		}
	case comp.FormatYUYV:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := pool[off[0]+y*stride[0]:]
			for x := r.Min.X; x < r.Max.X; x++ {
				pair := (x / 2) * 4
				yv := row[pair]
				if x%2 == 1 {
					yv = row[pair+2]
				}
				cr, cg, cb := color.YCbCrToRGB(yv, row[pair+1], row[pair+3])
				putRGBA(dst, x, y, cr, cg, cb, 0xff)
			}
		}
	}
}

func putRGBA(img *image.RGBA, x, y int, r, g, b, a byte) {
	i := img.PixOffset(x, y)
	img.Pix[i] = r
	img.Pix[i+1] = g
	img.Pix[i+2] = b
	img.Pix[i+3] = a
}

func expand5(v byte) byte { return v<<3 | v>>2 }
func expand6(v byte) byte { return v<<2 | v>>4 }
