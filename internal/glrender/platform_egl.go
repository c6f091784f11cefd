package glrender

/*
#cgo LDFLAGS: -lEGL
#include <stdlib.h>
#include <EGL/egl.h>
#include <EGL/eglext.h>

static EGLDisplay default_display(void) {
	return eglGetDisplay(EGL_DEFAULT_DISPLAY);
}

static void *get_proc(const char *name) {
	return (void *)eglGetProcAddress(name);
}

static EGLImageKHR dmabuf_image(void *f, EGLDisplay dpy, const EGLint *attribs) {
	return ((PFNEGLCREATEIMAGEKHRPROC)f)(dpy, EGL_NO_CONTEXT, EGL_LINUX_DMA_BUF_EXT, NULL, attribs);
}

static EGLBoolean destroy_image(void *f, EGLDisplay dpy, EGLImageKHR img) {
	return ((PFNEGLDESTROYIMAGEKHRPROC)f)(dpy, img);
}

static EGLSyncKHR fence_sync(void *f, EGLDisplay dpy) {
	return ((PFNEGLCREATESYNCKHRPROC)f)(dpy, EGL_SYNC_NATIVE_FENCE_ANDROID, NULL);
}

static EGLBoolean destroy_sync(void *f, EGLDisplay dpy, EGLSyncKHR sync) {
	return ((PFNEGLDESTROYSYNCKHRPROC)f)(dpy, sync);
}

static EGLint dup_fence_fd(void *f, EGLDisplay dpy, EGLSyncKHR sync) {
	return ((PFNEGLDUPNATIVEFENCEFDANDROIDPROC)f)(dpy, sync);
}

static EGLBoolean swap_with_damage(void *f, EGLDisplay dpy, EGLSurface surf, EGLint *rects, EGLint n) {
	return ((PFNEGLSWAPBUFFERSWITHDAMAGEKHRPROC)f)(dpy, surf, rects, n);
}

static void image_target_texture(void *f, unsigned int target, void *img) {
	((void (*)(unsigned int, void *))f)(target, img);
}
*/
import "C"

import (
	"fmt"
	"image"
	"strings"
	"unsafe"

	"github.com/charmbracelet/log"
	"github.com/go-gl/gl/v3.2-core/gl"

	"github.com/matjam/lucent/internal/comp"
)

// drmModInvalid marks a dmabuf with no explicit format modifier.
const drmModInvalid = 0x00ffffffffffffff

// EGLPlatform runs desktop GL on the default EGL display with pbuffer
// surfaces per output, so the compositor needs no windowing system at
// all. Buffer age, partial swaps, dmabuf import and native fences are
// picked up from the display extensions when present.
type EGLPlatform struct {
	display C.EGLDisplay
	config  C.EGLConfig
	context C.EGLContext
	root    C.EGLSurface

	caps         PlatformCaps
	hasModifiers bool

	createImage  unsafe.Pointer
	destroyImage unsafe.Pointer
	createSync   unsafe.Pointer
	destroySync  unsafe.Pointer
	dupFenceFD   unsafe.Pointer
	swapDamage   unsafe.Pointer
	imageTarget  unsafe.Pointer
}

// NewEGLPlatform returns an uninitialized platform; Init does the work.
func NewEGLPlatform() *EGLPlatform {
	return &EGLPlatform{}
}

// Init opens the default display, binds the desktop GL API and makes a
// 3.2 core context current on a root pbuffer.
func (p *EGLPlatform) Init() error {
	p.display = C.default_display()
	if p.display == nil {
		return fmt.Errorf("glrender: eglGetDisplay failed: 0x%x", C.eglGetError())
	}
	var major, minor C.EGLint
	if C.eglInitialize(p.display, &major, &minor) == C.EGL_FALSE {
		return fmt.Errorf("glrender: eglInitialize failed: 0x%x", C.eglGetError())
	}
	if C.eglBindAPI(C.EGL_OPENGL_API) == C.EGL_FALSE {
		return fmt.Errorf("glrender: eglBindAPI(EGL_OPENGL_API) failed: 0x%x", C.eglGetError())
	}

	cfgAttribs := []C.EGLint{
		C.EGL_SURFACE_TYPE, C.EGL_PBUFFER_BIT,
		C.EGL_RENDERABLE_TYPE, C.EGL_OPENGL_BIT,
		C.EGL_RED_SIZE, 8,
		C.EGL_GREEN_SIZE, 8,
		C.EGL_BLUE_SIZE, 8,
		C.EGL_ALPHA_SIZE, 8,
		C.EGL_NONE,
	}
	var n C.EGLint
	if C.eglChooseConfig(p.display, &cfgAttribs[0], &p.config, 1, &n) == C.EGL_FALSE || n == 0 {
		return fmt.Errorf("glrender: eglChooseConfig returned no configs: 0x%x", C.eglGetError())
	}

	ctxAttribs := []C.EGLint{
		C.EGL_CONTEXT_MAJOR_VERSION, 3,
		C.EGL_CONTEXT_MINOR_VERSION, 2,
		C.EGL_CONTEXT_OPENGL_PROFILE_MASK, C.EGL_CONTEXT_OPENGL_CORE_PROFILE_BIT,
		C.EGL_NONE,
	}
	p.context = C.eglCreateContext(p.display, p.config, nil, &ctxAttribs[0])
	if p.context == nil {
		return fmt.Errorf("glrender: eglCreateContext failed: 0x%x", C.eglGetError())
	}

	rootAttribs := []C.EGLint{C.EGL_WIDTH, 1, C.EGL_HEIGHT, 1, C.EGL_NONE}
	p.root = C.eglCreatePbufferSurface(p.display, p.config, &rootAttribs[0])
	if p.root == nil {
		return fmt.Errorf("glrender: eglCreatePbufferSurface failed: 0x%x", C.eglGetError())
	}
	if err := p.MakeCurrent(); err != nil {
		return err
	}

	exts := strings.Fields(C.GoString(C.eglQueryString(p.display, C.EGL_EXTENSIONS)))
	has := func(ext string) bool {
		for _, e := range exts {
			if e == ext {
				return true
			}
		}
		return false
	}

	p.caps.BufferAge = has("EGL_EXT_buffer_age")

	p.swapDamage = p.proc("eglSwapBuffersWithDamageKHR")
	if p.swapDamage == nil {
		p.swapDamage = p.proc("eglSwapBuffersWithDamageEXT")
	}
	p.caps.PartialUpdate = p.swapDamage != nil &&
		(has("EGL_KHR_swap_buffers_with_damage") || has("EGL_EXT_swap_buffers_with_damage"))

	p.createImage = p.proc("eglCreateImageKHR")
	p.destroyImage = p.proc("eglDestroyImageKHR")
	p.imageTarget = p.proc("glEGLImageTargetTexture2DOES")
	p.caps.DMABufImport = has("EGL_KHR_image_base") && has("EGL_EXT_image_dma_buf_import") &&
		p.createImage != nil && p.destroyImage != nil && p.imageTarget != nil
	p.hasModifiers = has("EGL_EXT_image_dma_buf_import_modifiers")

	p.createSync = p.proc("eglCreateSyncKHR")
	p.destroySync = p.proc("eglDestroySyncKHR")
	p.dupFenceFD = p.proc("eglDupNativeFenceFDANDROID")
	p.caps.NativeFences = has("EGL_KHR_fence_sync") && has("EGL_ANDROID_native_fence_sync") &&
		p.createSync != nil && p.destroySync != nil && p.dupFenceFD != nil

	log.Debugf("glrender: EGL %d.%d, age=%v partial=%v dmabuf=%v fences=%v",
		int(major), int(minor), p.caps.BufferAge, p.caps.PartialUpdate,
		p.caps.DMABufImport, p.caps.NativeFences)
	return nil
}

func (p *EGLPlatform) proc(name string) unsafe.Pointer {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return C.get_proc(cname)
}

// ProcAddress hands GL loading to eglGetProcAddress.
func (p *EGLPlatform) ProcAddress(name string) unsafe.Pointer {
	return p.proc(name)
}

// MakeCurrent binds the context to the root pbuffer.
func (p *EGLPlatform) MakeCurrent() error {
	if C.eglMakeCurrent(p.display, p.root, p.root, p.context) == C.EGL_FALSE {
		return fmt.Errorf("glrender: eglMakeCurrent failed: 0x%x", C.eglGetError())
	}
	return nil
}

func (p *EGLPlatform) Caps() PlatformCaps { return p.caps }

// CreateWindow makes a pbuffer surface of the output's framebuffer size.
func (p *EGLPlatform) CreateWindow(name string, size image.Point) (Window, error) {
	attribs := []C.EGLint{
		C.EGL_WIDTH, C.EGLint(size.X),
		C.EGL_HEIGHT, C.EGLint(size.Y),
		C.EGL_NONE,
	}
	surf := C.eglCreatePbufferSurface(p.display, p.config, &attribs[0])
	if surf == nil {
		return nil, fmt.Errorf("glrender: eglCreatePbufferSurface %s: 0x%x", name, C.eglGetError())
	}
	return &eglWindow{p: p, surf: surf, size: size}, nil
}

// ImportDMABuf wraps client planes in an EGLImage.
func (p *EGLPlatform) ImportDMABuf(width, height int, format comp.PixelFormat, info *comp.DMABufInfo) (Image, error) {
	if !p.caps.DMABufImport {
		return nil, fmt.Errorf("glrender: dmabuf import not supported")
	}
	code, ok := drmFourCC(format)
	if !ok {
		return nil, fmt.Errorf("glrender: format %v has no drm fourcc", format)
	}
	if len(info.Planes) == 0 || len(info.Planes) > 4 {
		return nil, fmt.Errorf("glrender: dmabuf with %d planes", len(info.Planes))
	}

	attribs := []C.EGLint{
		C.EGL_WIDTH, C.EGLint(width),
		C.EGL_HEIGHT, C.EGLint(height),
		C.EGL_LINUX_DRM_FOURCC_EXT, C.EGLint(int32(code)),
	}
	fdKeys := [4]C.EGLint{
		C.EGL_DMA_BUF_PLANE0_FD_EXT, C.EGL_DMA_BUF_PLANE1_FD_EXT,
		C.EGL_DMA_BUF_PLANE2_FD_EXT, C.EGL_DMA_BUF_PLANE3_FD_EXT,
	}
	offKeys := [4]C.EGLint{
		C.EGL_DMA_BUF_PLANE0_OFFSET_EXT, C.EGL_DMA_BUF_PLANE1_OFFSET_EXT,
		C.EGL_DMA_BUF_PLANE2_OFFSET_EXT, C.EGL_DMA_BUF_PLANE3_OFFSET_EXT,
	}
	pitchKeys := [4]C.EGLint{
		C.EGL_DMA_BUF_PLANE0_PITCH_EXT, C.EGL_DMA_BUF_PLANE1_PITCH_EXT,
		C.EGL_DMA_BUF_PLANE2_PITCH_EXT, C.EGL_DMA_BUF_PLANE3_PITCH_EXT,
	}
	loKeys := [4]C.EGLint{
		C.EGL_DMA_BUF_PLANE0_MODIFIER_LO_EXT, C.EGL_DMA_BUF_PLANE1_MODIFIER_LO_EXT,
		C.EGL_DMA_BUF_PLANE2_MODIFIER_LO_EXT, C.EGL_DMA_BUF_PLANE3_MODIFIER_LO_EXT,
	}
	hiKeys := [4]C.EGLint{
		C.EGL_DMA_BUF_PLANE0_MODIFIER_HI_EXT, C.EGL_DMA_BUF_PLANE1_MODIFIER_HI_EXT,
		C.EGL_DMA_BUF_PLANE2_MODIFIER_HI_EXT, C.EGL_DMA_BUF_PLANE3_MODIFIER_HI_EXT,
	}
	withModifier := p.hasModifiers && info.Modifier != drmModInvalid
	for i, pl := range info.Planes {
		attribs = append(attribs,
			fdKeys[i], C.EGLint(pl.FD),
			offKeys[i], C.EGLint(pl.Offset),
			pitchKeys[i], C.EGLint(pl.Stride),
		)
		if withModifier {
			attribs = append(attribs,
				loKeys[i], C.EGLint(int32(uint32(info.Modifier))),
				hiKeys[i], C.EGLint(int32(uint32(info.Modifier>>32))),
			)
		}
	}
	attribs = append(attribs, C.EGL_NONE)

	img := C.dmabuf_image(p.createImage, p.display, &attribs[0])
	if img == nil {
		return nil, fmt.Errorf("glrender: eglCreateImageKHR failed: 0x%x", C.eglGetError())
	}
	return &eglImage{p: p, img: img}, nil
}

// ExportFenceFD inserts a native fence behind the queued GL commands and
// returns its sync descriptor.
func (p *EGLPlatform) ExportFenceFD() (int, error) {
	if !p.caps.NativeFences {
		return -1, fmt.Errorf("glrender: native fences not supported")
	}
	sync := C.fence_sync(p.createSync, p.display)
	if sync == nil {
		return -1, fmt.Errorf("glrender: eglCreateSyncKHR failed: 0x%x", C.eglGetError())
	}
	// The fence lands in the command stream on the next flush; the
	// descriptor is unavailable until then.
	gl.Flush()
	fd := C.dup_fence_fd(p.dupFenceFD, p.display, sync)
	C.destroy_sync(p.destroySync, p.display, sync)
	if fd < 0 {
		return -1, fmt.Errorf("glrender: eglDupNativeFenceFDANDROID failed: 0x%x", C.eglGetError())
	}
	return int(fd), nil
}

// Destroy unbinds and tears down the display connection.
func (p *EGLPlatform) Destroy() {
	if p.display == nil {
		return
	}
	C.eglMakeCurrent(p.display, nil, nil, nil)
	if p.root != nil {
		C.eglDestroySurface(p.display, p.root)
		p.root = nil
	}
	if p.context != nil {
		C.eglDestroyContext(p.display, p.context)
		p.context = nil
	}
	C.eglTerminate(p.display)
	C.eglReleaseThread()
	p.display = nil
}

type eglWindow struct {
	p    *EGLPlatform
	surf C.EGLSurface
	size image.Point
}

func (w *eglWindow) MakeCurrent() error {
	if C.eglMakeCurrent(w.p.display, w.surf, w.surf, w.p.context) == C.EGL_FALSE {
		return fmt.Errorf("glrender: eglMakeCurrent failed: 0x%x", C.eglGetError())
	}
	// The frame clock paces repaints; never block in the swap.
	C.eglSwapInterval(w.p.display, 0)
	return nil
}

func (w *eglWindow) Size() image.Point { return w.size }

func (w *eglWindow) Age() int {
	if !w.p.caps.BufferAge {
		return 0
	}
	var age C.EGLint
	if C.eglQuerySurface(w.p.display, w.surf, C.EGL_BUFFER_AGE_EXT, &age) == C.EGL_FALSE {
		return 0
	}
	return int(age)
}

func (w *eglWindow) Present(damage []image.Rectangle) error {
	if w.p.caps.PartialUpdate && len(damage) > 0 {
		rects := make([]C.EGLint, 0, len(damage)*4)
		for _, r := range damage {
			rects = append(rects,
				C.EGLint(r.Min.X), C.EGLint(r.Min.Y),
				C.EGLint(r.Dx()), C.EGLint(r.Dy()))
		}
		if C.swap_with_damage(w.p.swapDamage, w.p.display, w.surf, &rects[0], C.EGLint(len(damage))) == C.EGL_FALSE {
			return fmt.Errorf("glrender: eglSwapBuffersWithDamage failed: 0x%x", C.eglGetError())
		}
		return nil
	}
	if C.eglSwapBuffers(w.p.display, w.surf) == C.EGL_FALSE {
		return fmt.Errorf("glrender: eglSwapBuffers failed: 0x%x", C.eglGetError())
	}
	return nil
}

func (w *eglWindow) Destroy() {
	C.eglDestroySurface(w.p.display, w.surf)
	w.surf = nil
}

type eglImage struct {
	p   *EGLPlatform
	img C.EGLImageKHR
}

func (i *eglImage) TargetTexture2D() {
	C.image_target_texture(i.p.imageTarget, C.uint(gl.TEXTURE_2D), i.img)
}

func (i *eglImage) Destroy() {
	C.destroy_image(i.p.destroyImage, i.p.display, i.img)
	i.img = nil
}
