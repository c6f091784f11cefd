package glrender

import (
	"image"
	"unsafe"

	"github.com/matjam/lucent/internal/comp"
)

// PlatformCaps is what the windowing/EGL layer underneath the GL context
// can do. The renderer translates these into comp.Caps and the repaint
// machinery adapts: no buffer age means full repaints, no fences means
// immediate buffer releases and synchronous capture.
type PlatformCaps struct {
	BufferAge     bool
	PartialUpdate bool
	DMABufImport  bool
	NativeFences  bool
}

// Image is an imported dmabuf living in the platform's EGL display. It
// stays valid until Destroy; the renderer binds it to a GL texture once
// at import time.
type Image interface {
	// TargetTexture2D attaches the image as the backing store of the
	// texture currently bound to GL_TEXTURE_2D on the active unit.
	TargetTexture2D()
	Destroy()
}

// Window is one presentable GL target. Its backbuffer lives in
// bottom-left-origin window coordinates; the renderer flips projection
// and damage rectangles accordingly.
type Window interface {
	MakeCurrent() error
	Size() image.Point

	// Age is the backbuffer's buffer age as reported by the platform
	// right after MakeCurrent, 0 when unknown.
	Age() int

	// Present swaps the backbuffer. damage is in window coordinates
	// (bottom-left origin); platforms without swap-with-damage ignore it.
	Present(damage []image.Rectangle) error

	Destroy()
}

// Platform owns the display connection, the GL context and everything
// go-gl cannot reach on its own. Init must leave a context current so
// the renderer can load GL and create shared objects; MakeCurrent
// restores that context for offscreen work between window repaints.
type Platform interface {
	Init() error
	ProcAddress(name string) unsafe.Pointer
	MakeCurrent() error
	Caps() PlatformCaps

	CreateWindow(name string, size image.Point) (Window, error)

	// ImportDMABuf wraps client dmabuf planes as an Image, or fails when
	// the display cannot import them.
	ImportDMABuf(width, height int, format comp.PixelFormat, info *comp.DMABufInfo) (Image, error)

	// ExportFenceFD returns a native sync descriptor that signals when
	// the GL commands issued so far retire, -1 with an error when the
	// platform has no native fences.
	ExportFenceFD() (int, error)

	Destroy()
}
