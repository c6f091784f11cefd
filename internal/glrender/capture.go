package glrender

import (
	"fmt"
	"image"
	"unsafe"

	"github.com/charmbracelet/log"
	"github.com/go-gl/gl/v3.2-core/gl"
	"golang.org/x/sys/unix"

	"github.com/matjam/lucent/internal/comp"
	"github.com/matjam/lucent/internal/loop"
)

// captureTimeoutMS bounds how long a readback fence may dangle before
// the map forces completion.
const captureTimeoutMS = 64

// captureSource describes where a capture reads from: a framebuffer, a
// top-origin rect inside it, and whether GL hands rows back bottom-first.
type captureSource struct {
	fbo  uint32
	rect image.Rectangle
	size image.Point
	flip bool
}

// pendingCapture is one asynchronous readback in flight: the pack buffer
// fills on the GPU timeline and a fence descriptor tells the loop when
// it is safe to map.
type pendingCapture struct {
	r    *Renderer
	task *comp.CaptureTask

	pbo  uint32
	size int
	fd   int

	width, height  int
	stride, offset int
	xrgb           bool
	flip           bool

	watch *loop.Watch
	timer *loop.Timer
	done  bool
}

// serviceCaptures feeds this frame's pixels to every pending capture
// task. The framebuffer source reads the repaint target; the blending
// source reads the shadow buffer when linear blending is on, otherwise
// the composited area of the target.
func (r *Renderer) serviceCaptures(o *comp.Output, os *outputState, rb *Renderbuffer, t *drawTarget) {
	if !o.HasCaptures() {
		return
	}
	fbSrc := captureSource{fbo: t.fbo, rect: image.Rectangle{Max: t.size}, size: t.size, flip: t.window}
	blendSrc := captureSource{fbo: t.fbo, rect: o.Area, size: t.size, flip: t.window}
	if o.LinearBlending && os.shadowFBO != 0 {
		blendSrc = captureSource{fbo: os.shadowFBO, rect: image.Rectangle{Max: os.shadowSize}, size: os.shadowSize}
	}
	for _, task := range o.PullCaptures(comp.CaptureFramebuffer) {
		r.capture(task, fbSrc)
	}
	for _, task := range o.PullCaptures(comp.CaptureBlending) {
		r.capture(task, blendSrc)
	}
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, t.fbo)
}

func (r *Renderer) capture(task *comp.CaptureTask, src captureSource) {
	dest := task.Dest
	if dest.Type != comp.BufferSHM || dest.SHM == nil {
		task.RetireFailed("capture buffer is not shm")
		return
	}
	if dest.Format != comp.FormatARGB8888 && dest.Format != comp.FormatXRGB8888 {
		task.RetireFailed(fmt.Sprintf("capture format %v not supported", dest.Format))
		return
	}
	if dest.Width != src.rect.Dx() || dest.Height != src.rect.Dy() {
		task.RetireFailed(fmt.Sprintf("capture buffer %dx%d does not match source %dx%d",
			dest.Width, dest.Height, src.rect.Dx(), src.rect.Dy()))
		return
	}

	read := src.rect
	if src.flip {
		read = flipRect(read, src.size.Y)
	}
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, src.fbo)
	gl.PixelStorei(gl.PACK_ALIGNMENT, 1)

	pc := &pendingCapture{
		r:      r,
		task:   task,
		size:   dest.Width * dest.Height * 4,
		fd:     -1,
		width:  dest.Width,
		height: dest.Height,
		stride: dest.SHM.Strides[0],
		offset: dest.SHM.Offsets[0],
		xrgb:   dest.Format == comp.FormatXRGB8888,
		flip:   src.flip,
	}

	if !r.platform.Caps().NativeFences {
		buf := make([]byte, pc.size)
		gl.ReadPixels(int32(read.Min.X), int32(read.Min.Y), int32(dest.Width), int32(dest.Height),
			gl.BGRA, gl.UNSIGNED_BYTE, gl.Ptr(buf))
		pc.copyOut(buf)
		task.RetireComplete()
		return
	}

	gl.GenBuffers(1, &pc.pbo)
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, pc.pbo)
	gl.BufferData(gl.PIXEL_PACK_BUFFER, pc.size, nil, gl.STREAM_READ)
	gl.ReadPixels(int32(read.Min.X), int32(read.Min.Y), int32(dest.Width), int32(dest.Height),
		gl.BGRA, gl.UNSIGNED_BYTE, nil)
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
	gl.Flush()

	fd, err := r.platform.ExportFenceFD()
	if err != nil {
		log.Debugf("glrender: export capture fence: %v", err)
		pc.finish()
		return
	}
	pc.fd = fd
	r.captures = append(r.captures, pc)
	pc.watch = r.lp.WatchFD(fd, pc.finish)
	pc.timer = r.lp.NewTimer(pc.finish)
	pc.timer.Update(captureTimeoutMS)
}

// finish maps the pack buffer and retires the task. Mapping waits for
// any still-pending readback, so the timeout path simply blocks.
func (pc *pendingCapture) finish() {
	if pc.done {
		return
	}
	pc.done = true
	if pc.watch != nil {
		pc.watch.Cancel()
	}
	if pc.timer != nil {
		pc.timer.Remove()
	}
	pc.r.dropCapture(pc)
	if pc.fd >= 0 {
		unix.Close(pc.fd)
		pc.fd = -1
	}
	if !pc.r.makeCurrent() {
		pc.task.RetireFailed("gl context lost")
		return
	}
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, pc.pbo)
	ptr := gl.MapBufferRange(gl.PIXEL_PACK_BUFFER, 0, pc.size, gl.MAP_READ_BIT)
	if ptr == nil {
		gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
		gl.DeleteBuffers(1, &pc.pbo)
		pc.task.RetireFailed("map capture readback")
		return
	}
	pc.copyOut(unsafe.Slice((*byte)(ptr), pc.size))
	gl.UnmapBuffer(gl.PIXEL_PACK_BUFFER)
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
	gl.DeleteBuffers(1, &pc.pbo)
	pc.task.RetireComplete()
}

// copyOut lays the BGRA readback into the destination pool, flipping
// rows for bottom-origin sources and forcing alpha opaque for XRGB.
func (pc *pendingCapture) copyOut(data []byte) {
	pool := pc.task.Dest.SHM.Pool.Bytes()
	rowBytes := pc.width * 4
	for y := 0; y < pc.height; y++ {
		sy := y
		if pc.flip {
			sy = pc.height - 1 - y
		}
		row := pool[pc.offset+y*pc.stride : pc.offset+y*pc.stride+rowBytes]
		copy(row, data[sy*rowBytes:(sy+1)*rowBytes])
		if pc.xrgb {
			for x := 3; x < rowBytes; x += 4 {
				row[x] = 0xff
			}
		}
	}
}

func (r *Renderer) dropCapture(pc *pendingCapture) {
	for i, c := range r.captures {
		if c == pc {
			r.captures = append(r.captures[:i], r.captures[i+1:]...)
			return
		}
	}
}

// cancelCaptures drains in-flight readbacks; each one completes through
// the blocking map.
func (r *Renderer) cancelCaptures() {
	for len(r.captures) > 0 {
		r.captures[0].finish()
	}
}
