package comp

import (
	"image"

	"github.com/matjam/lucent/internal/region"
)

// Caps describes what a renderer backend can do. The repaint scheduler
// and the renderbuffer age policy adapt to these.
type Caps struct {
	// BufferAge means the platform reports how many frames ago a
	// backbuffer was last presented.
	BufferAge bool
	// PartialUpdate means present/swap accepts damage rectangles.
	PartialUpdate bool
	// NativeFences means the backend can export GPU sync descriptors for
	// release fences and async capture.
	NativeFences bool
	// DMABufImport means client dmabuf buffers can be imported.
	DMABufImport bool
}

// Renderbuffer is the destination of one output repaint: the platform
// surface, an offscreen FBO, or an imported dmabuf. Implementations
// track damage and age internally; the compositor only manages lifetime.
type Renderbuffer interface {
	Ref()
	Unref()
	Size() image.Point
	Format() PixelFormat
}

// Renderer turns the scene graph into pixels. One renderer serves all
// outputs; everything runs on the event-loop thread.
type Renderer interface {
	// Attach binds a buffer to a surface, creating or reusing the
	// renderer-private buffer state. Attach is idempotent for the
	// currently attached buffer. Unsupported buffers mark themselves and
	// are skipped at draw time; Attach fails only for malformed
	// submissions.
	Attach(s *Surface, b *Buffer) error

	// FlushDamage uploads the surface's accumulated damage to the GPU
	// mirror. Only SHM buffers need work; safe with empty damage.
	FlushDamage(s *Surface)

	// RepaintOutput runs the full damage-driven repaint of one output
	// into rb, or into an age-selected internal renderbuffer when rb is
	// nil. damage is in global coordinates.
	RepaintOutput(o *Output, damage region.Region, rb Renderbuffer) error

	// CreateRenderbuffer makes an offscreen destination for the output.
	CreateRenderbuffer(o *Output, format PixelFormat, width, height int) (Renderbuffer, error)

	// RenderbufferFromDMABuf wraps an imported dmabuf as a destination.
	RenderbufferFromDMABuf(o *Output, info *DMABufInfo) (Renderbuffer, error)

	Capabilities() Caps

	// Destroy tears down all renderer state. Surfaces and buffers with
	// renderer-private state are cleaned via their destroy listeners.
	Destroy()
}
