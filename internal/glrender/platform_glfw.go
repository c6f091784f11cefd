package glrender

import (
	"fmt"
	"image"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/matjam/lucent/internal/comp"
)

// GLFWPlatform shows outputs as desktop windows, for development runs
// inside an existing session. GLFW exposes no buffer age, swap damage,
// dmabuf or fence extensions, so every frame is a full repaint and
// buffers release without fences.
type GLFWPlatform struct {
	root *glfw.Window
}

// NewGLFWPlatform returns an uninitialized platform; Init does the work.
func NewGLFWPlatform() *GLFWPlatform {
	return &GLFWPlatform{}
}

// Init starts GLFW and makes a hidden root window current so the
// renderer has a context before any output exists.
func (p *GLFWPlatform) Init() error {
	if err := glfw.Init(); err != nil {
		return fmt.Errorf("glrender: glfw init failed: %w", err)
	}
	glfw.WindowHint(glfw.ContextVersionMajor, 3)
	glfw.WindowHint(glfw.ContextVersionMinor, 2)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	glfw.WindowHint(glfw.Visible, glfw.False)

	root, err := glfw.CreateWindow(1, 1, "lucent", nil, nil)
	if err != nil {
		glfw.Terminate()
		return fmt.Errorf("glrender: create root window failed: %w", err)
	}
	p.root = root
	p.root.MakeContextCurrent()
	glfw.SwapInterval(0)
	return nil
}

// ProcAddress hands GL loading to glfwGetProcAddress.
func (p *GLFWPlatform) ProcAddress(name string) unsafe.Pointer {
	return glfw.GetProcAddress(name)
}

// MakeCurrent binds the root window's context.
func (p *GLFWPlatform) MakeCurrent() error {
	p.root.MakeContextCurrent()
	return nil
}

func (p *GLFWPlatform) Caps() PlatformCaps { return PlatformCaps{} }

// CreateWindow opens a fixed-size visible window sharing objects with
// the root context.
func (p *GLFWPlatform) CreateWindow(name string, size image.Point) (Window, error) {
	glfw.WindowHint(glfw.ContextVersionMajor, 3)
	glfw.WindowHint(glfw.ContextVersionMinor, 2)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	glfw.WindowHint(glfw.Resizable, glfw.False)
	glfw.WindowHint(glfw.Visible, glfw.True)

	win, err := glfw.CreateWindow(size.X, size.Y, name, nil, p.root)
	if err != nil {
		return nil, fmt.Errorf("glrender: create window %s failed: %w", name, err)
	}
	w := &glfwWindow{win: win, size: size}
	w.MakeCurrent()
	return w, nil
}

func (p *GLFWPlatform) ImportDMABuf(width, height int, format comp.PixelFormat, info *comp.DMABufInfo) (Image, error) {
	return nil, fmt.Errorf("glrender: glfw platform cannot import dmabuf buffers")
}

func (p *GLFWPlatform) ExportFenceFD() (int, error) {
	return -1, fmt.Errorf("glrender: glfw platform has no native fences")
}

func (p *GLFWPlatform) Destroy() {
	if p.root != nil {
		p.root.Destroy()
		p.root = nil
	}
	glfw.Terminate()
}

type glfwWindow struct {
	win  *glfw.Window
	size image.Point
}

func (w *glfwWindow) MakeCurrent() error {
	w.win.MakeContextCurrent()
	// The frame clock paces repaints; a blocking swap would stall the
	// whole loop.
	glfw.SwapInterval(0)
	return nil
}

func (w *glfwWindow) Size() image.Point { return w.size }

// Age is unknown under GLFW, which forces the full-repaint policy.
func (w *glfwWindow) Age() int { return 0 }

func (w *glfwWindow) Present(damage []image.Rectangle) error {
	w.win.SwapBuffers()
	glfw.PollEvents()
	return nil
}

func (w *glfwWindow) Destroy() {
	w.win.Destroy()
}
