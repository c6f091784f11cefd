package pixrender

import (
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/matjam/lucent/internal/clock"
	"github.com/matjam/lucent/internal/comp"
	"github.com/matjam/lucent/internal/geom"
	"github.com/matjam/lucent/internal/loop"
	"github.com/matjam/lucent/internal/region"
	"github.com/matjam/lucent/internal/signal"
)

func newTestPipeline(t *testing.T) (*loop.Loop, *clock.Clock, *comp.Compositor) {
	t.Helper()
	lp := loop.New()
	ck, err := clock.New(clock.Fake, lp)
	if err != nil {
		t.Fatal(err)
	}
	return lp, ck, comp.New(lp, ck, New())
}

// advance moves fake time and drains the deferred timer fires.
func advance(lp *loop.Loop, ck *clock.Clock, d time.Duration) {
	ck.Advance(d)
	lp.Dispatch(0)
}

func newXRGBBuffer(t *testing.T, w, h int, r, g, b byte) (*comp.SHMPool, *comp.Buffer) {
	t.Helper()
	stride := w * 4
	pool, err := comp.NewSHMPool("test-pool", stride*h)
	if err != nil {
		t.Fatal(err)
	}
	fillXRGB(pool, 0, stride, image.Rect(0, 0, w, h), r, g, b)
	buf, err := comp.NewSHMBuffer(pool, w, h, comp.FormatXRGB8888, []int{0}, []int{stride})
	if err != nil {
		pool.Destroy()
		t.Fatal(err)
	}
	return pool, buf
}

func fillXRGB(pool *comp.SHMPool, offset, stride int, rect image.Rectangle, r, g, b byte) {
	data := pool.Bytes()
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		row := data[offset+y*stride:]
		for x := rect.Min.X; x < rect.Max.X; x++ {
			row[x*4] = b
			row[x*4+1] = g
			row[x*4+2] = r
			row[x*4+3] = 0xff
		}
	}
}

func assertPixel(t *testing.T, rb *Renderbuffer, x, y int, r, g, b byte) {
	t.Helper()
	i := rb.img.PixOffset(x, y)
	if rb.img.Pix[i] != r || rb.img.Pix[i+1] != g || rb.img.Pix[i+2] != b {
		t.Errorf("pixel (%d,%d) = %d,%d,%d, want %d,%d,%d",
			x, y, rb.img.Pix[i], rb.img.Pix[i+1], rb.img.Pix[i+2], r, g, b)
	}
}

func capturePixel(dest *comp.Buffer, x, y int) (r, g, b byte) {
	row := dest.SHM.Pool.Bytes()[dest.SHM.Offsets[0]+y*dest.SHM.Strides[0]:]
	return row[x*4+2], row[x*4+1], row[x*4]
}

func trackedBuffer(t *testing.T, o *comp.Output) *Renderbuffer {
	t.Helper()
	os, ok := o.RendererState.(*outputState)
	if !ok || len(os.tracked) == 0 {
		t.Fatal("output has no tracked renderbuffer")
	}
	return os.tracked[0]
}

func TestRepaintCompositesToCapture(t *testing.T) {
	lp, ck, c := newTestPipeline(t)
	o := comp.NewOutput("wl-0", image.Pt(0, 0), comp.Mode{Width: 8, Height: 8, RefreshMHz: 60000}, 0)
	c.AddOutput(o)

	pool, buf := newXRGBBuffer(t, 4, 4, 255, 0, 0)
	defer pool.Destroy()
	s := c.NewSurface()
	comp.NewPaintNode(s, o, geom.Translate(0, 0), 1)
	if err := c.CommitSurface(s, buf, region.FromRect(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	s.SetOpaque(region.FromRect(s.Rect()))

	destPool, dest := newXRGBBuffer(t, 8, 8, 0, 0, 0)
	defer destPool.Destroy()
	completed := false
	c.Capture(o, comp.CaptureFramebuffer, dest,
		func() { completed = true },
		func(reason string) { t.Fatalf("capture failed: %s", reason) })

	advance(lp, ck, 16*time.Millisecond)

	if !completed {
		t.Fatal("capture did not complete")
	}
	if r, g, b := capturePixel(dest, 1, 1); r != 255 || g != 0 || b != 0 {
		t.Errorf("surface pixel = %d,%d,%d, want red", r, g, b)
	}
	if r, g, b := capturePixel(dest, 6, 6); r != 0 || g != 0 || b != 0 {
		t.Errorf("background pixel = %d,%d,%d, want black", r, g, b)
	}
}

func TestPartialRepaintTouchesOnlyDamage(t *testing.T) {
	lp, ck, c := newTestPipeline(t)
	o := comp.NewOutput("wl-0", image.Pt(0, 0), comp.Mode{Width: 8, Height: 8, RefreshMHz: 60000}, 0)
	c.AddOutput(o)

	pool, buf := newXRGBBuffer(t, 4, 4, 255, 0, 0)
	defer pool.Destroy()
	s := c.NewSurface()
	comp.NewPaintNode(s, o, geom.Translate(0, 0), 1)
	if err := c.CommitSurface(s, buf, region.FromRect(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	advance(lp, ck, 16*time.Millisecond)

	rb := trackedBuffer(t, o)
	if rb.Age() != 1 {
		t.Errorf("age after present = %d, want 1", rb.Age())
	}
	assertPixel(t, rb, 1, 1, 255, 0, 0)

	// Sentinel outside the damage about to be committed; a repaint wider
	// than the damage would clear it.
	writeRB(rb, 6, 6, 1, 0, 1, 1, true)

	fillXRGB(pool, 0, 16, image.Rect(0, 0, 2, 2), 0, 255, 0)
	if err := c.CommitSurface(s, nil, region.FromRect(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	advance(lp, ck, 16*time.Millisecond)

	if got := trackedBuffer(t, o); got != rb {
		t.Fatal("renderbuffer was not reused for the partial frame")
	}
	assertPixel(t, rb, 1, 1, 0, 255, 0)
	assertPixel(t, rb, 3, 3, 255, 0, 0)
	assertPixel(t, rb, 6, 6, 255, 0, 255)
}

func TestMirrorReuseAcrossCommits(t *testing.T) {
	lp, ck, c := newTestPipeline(t)
	o := comp.NewOutput("wl-0", image.Pt(0, 0), comp.Mode{Width: 8, Height: 8, RefreshMHz: 60000}, 0)
	c.AddOutput(o)

	poolA, bufA := newXRGBBuffer(t, 4, 4, 255, 0, 0)
	defer poolA.Destroy()
	s := c.NewSurface()
	comp.NewPaintNode(s, o, geom.Translate(0, 0), 1)
	if err := c.CommitSurface(s, bufA, region.FromRect(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	advance(lp, ck, 16*time.Millisecond)

	ss := s.RendererState.(*surfaceState)
	mirror := ss.shm
	if mirror == nil {
		t.Fatal("no mirror after first commit")
	}

	poolB, bufB := newXRGBBuffer(t, 4, 4, 0, 0, 255)
	defer poolB.Destroy()
	if err := c.CommitSurface(s, bufB, region.FromRect(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	advance(lp, ck, 16*time.Millisecond)

	if ss.shm != mirror {
		t.Error("same-size commit reallocated the mirror")
	}
	assertPixel(t, trackedBuffer(t, o), 1, 1, 0, 0, 255)

	poolC, bufC := newXRGBBuffer(t, 2, 2, 0, 255, 0)
	defer poolC.Destroy()
	if err := c.CommitSurface(s, bufC, region.FromRect(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	if ss.shm == mirror {
		t.Error("size change kept the old mirror")
	}
}

func TestCaptureSizeMismatchFails(t *testing.T) {
	lp, ck, c := newTestPipeline(t)
	o := comp.NewOutput("wl-0", image.Pt(0, 0), comp.Mode{Width: 8, Height: 8, RefreshMHz: 60000}, 0)
	c.AddOutput(o)

	destPool, dest := newXRGBBuffer(t, 4, 4, 0, 0, 0)
	defer destPool.Destroy()
	var reason string
	c.Capture(o, comp.CaptureFramebuffer, dest,
		func() { t.Fatal("mismatched capture completed") },
		func(r string) { reason = r })

	advance(lp, ck, 16*time.Millisecond)

	if !strings.Contains(reason, "does not match") {
		t.Fatalf("failure reason %q", reason)
	}
}

func TestAlphaBlending(t *testing.T) {
	lp, ck, c := newTestPipeline(t)
	o := comp.NewOutput("wl-0", image.Pt(0, 0), comp.Mode{Width: 8, Height: 8, RefreshMHz: 60000}, 0)
	c.AddOutput(o)

	back := c.NewSurface()
	backNode := comp.NewPaintNode(back, o, geom.Translate(0, 0), 1)
	backNode.FullyOpaque = true
	if err := c.CommitSurface(back, comp.NewSolidBuffer(8, 8, [4]float64{0, 0, 0, 1}), region.Region{}); err != nil {
		t.Fatal(err)
	}

	over := c.NewSurface()
	comp.NewPaintNode(over, o, geom.Translate(0, 0), 0.5)
	if err := c.CommitSurface(over, comp.NewSolidBuffer(8, 8, [4]float64{1, 1, 1, 1}), region.Region{}); err != nil {
		t.Fatal(err)
	}

	advance(lp, ck, 16*time.Millisecond)

	assertPixel(t, trackedBuffer(t, o), 4, 4, 128, 128, 128)
}

func TestLinearBlending(t *testing.T) {
	lp, ck, c := newTestPipeline(t)
	o := comp.NewOutput("wl-0", image.Pt(0, 0), comp.Mode{Width: 4, Height: 4, RefreshMHz: 60000}, 0)
	o.LinearBlending = true
	c.AddOutput(o)

	back := c.NewSurface()
	backNode := comp.NewPaintNode(back, o, geom.Translate(0, 0), 1)
	backNode.FullyOpaque = true
	if err := c.CommitSurface(back, comp.NewSolidBuffer(4, 4, [4]float64{0, 0, 0, 1}), region.Region{}); err != nil {
		t.Fatal(err)
	}

	over := c.NewSurface()
	comp.NewPaintNode(over, o, geom.Translate(0, 0), 0.5)
	if err := c.CommitSurface(over, comp.NewSolidBuffer(4, 4, [4]float64{1, 1, 1, 1}), region.Region{}); err != nil {
		t.Fatal(err)
	}

	advance(lp, ck, 16*time.Millisecond)

	os := o.RendererState.(*outputState)
	if os.shadow == nil {
		t.Fatal("linear blending did not allocate a shadow buffer")
	}

	// 50% white over black blended in linear light encodes back to
	// sRGB(0.5) = 0.7354, not the 0.5 a direct blend would give.
	rb := trackedBuffer(t, o)
	i := rb.img.PixOffset(2, 2)
	got := rb.img.Pix[i]
	if got < 187 || got > 189 {
		t.Errorf("linear blend result = %d, want ~188", got)
	}
}

func TestNV12Conversion(t *testing.T) {
	lp, ck, c := newTestPipeline(t)
	o := comp.NewOutput("wl-0", image.Pt(0, 0), comp.Mode{Width: 4, Height: 4, RefreshMHz: 60000}, 0)
	c.AddOutput(o)

	pool, err := comp.NewSHMPool("nv12-pool", 16)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()
	data := pool.Bytes()
	luma := [4]byte{50, 100, 150, 200}
	copy(data[0:4], luma[:])
	data[4] = 100 // U
	data[5] = 200 // V

	buf, err := comp.NewSHMBuffer(pool, 2, 2, comp.FormatNV12, []int{0, 4}, []int{2, 2})
	if err != nil {
		t.Fatal(err)
	}
	s := c.NewSurface()
	comp.NewPaintNode(s, o, geom.Translate(0, 0), 1)
	if err := c.CommitSurface(s, buf, region.FromRect(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}

	advance(lp, ck, 16*time.Millisecond)

	rb := trackedBuffer(t, o)
	for i, pt := range []image.Point{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
		er, eg, eb := color.YCbCrToRGB(luma[i], 100, 200)
		assertPixel(t, rb, pt.X, pt.Y, er, eg, eb)
	}
}

func TestBorderDrawing(t *testing.T) {
	lp, ck, c := newTestPipeline(t)
	o := comp.NewOutput("wl-0", image.Pt(0, 0), comp.Mode{Width: 4, Height: 4, RefreshMHz: 60000}, 2)
	o.SetBorder(comp.BorderTop, comp.BorderImage{
		Width:  1,
		Height: 2,
		Data: []byte{
			255, 0, 0, 255,
			0, 0, 255, 255,
		},
	})
	c.AddOutput(o)

	advance(lp, ck, 16*time.Millisecond)

	rb := trackedBuffer(t, o)
	if rb.Size() != image.Pt(8, 8) {
		t.Fatalf("framebuffer size %v, want 8x8", rb.Size())
	}
	assertPixel(t, rb, 3, 0, 255, 0, 0)
	assertPixel(t, rb, 3, 1, 0, 0, 255)
	assertPixel(t, rb, 0, 3, 0, 0, 0) // sideless border falls back to black
	if o.AnyBorderDirty() {
		t.Error("border dirty flags not cleared after repaint")
	}
}

func TestDMABufMarkedUnsupported(t *testing.T) {
	lp, ck, c := newTestPipeline(t)
	o := comp.NewOutput("wl-0", image.Pt(0, 0), comp.Mode{Width: 4, Height: 4, RefreshMHz: 60000}, 0)
	c.AddOutput(o)

	buf := comp.NewDMABufBuffer(4, 4, comp.FormatARGB8888, &comp.DMABufInfo{
		Planes: []comp.DMABufPlane{{FD: -1, Stride: 16}},
	})
	s := c.NewSurface()
	comp.NewPaintNode(s, o, geom.Translate(0, 0), 1)
	if err := c.CommitSurface(s, buf, region.FromRect(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	if !buf.Unsupported {
		t.Fatal("dmabuf buffer not marked unsupported")
	}

	advance(lp, ck, 16*time.Millisecond)

	assertPixel(t, trackedBuffer(t, o), 1, 1, 0, 0, 0)
}

func TestBufferReleasedAfterRepaint(t *testing.T) {
	lp, ck, c := newTestPipeline(t)
	o := comp.NewOutput("wl-0", image.Pt(0, 0), comp.Mode{Width: 8, Height: 8, RefreshMHz: 60000}, 0)
	c.AddOutput(o)

	pool, buf := newXRGBBuffer(t, 4, 4, 255, 0, 0)
	defer pool.Destroy()
	released := false
	buf.ReleaseSignal.Add(&signal.Listener{Notify: func(any) { released = true }})

	s := c.NewSurface()
	comp.NewPaintNode(s, o, geom.Translate(0, 0), 1)
	if err := c.CommitSurface(s, buf, region.FromRect(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}

	advance(lp, ck, 16*time.Millisecond)

	if !released {
		t.Fatal("buffer not released after synchronous repaint")
	}
}

func TestScaledSurfaceFiltering(t *testing.T) {
	lp, ck, c := newTestPipeline(t)
	o := comp.NewOutput("wl-0", image.Pt(0, 0), comp.Mode{Width: 8, Height: 8, RefreshMHz: 60000}, 0)
	c.AddOutput(o)

	pool, buf := newXRGBBuffer(t, 2, 2, 255, 255, 255)
	defer pool.Destroy()
	s := c.NewSurface()
	n := comp.NewPaintNode(s, o, geom.Scale(4, 4), 1)
	if !n.NeedsFiltering {
		t.Fatal("scaled node should need filtering")
	}
	if err := c.CommitSurface(s, buf, region.FromRect(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	s.SetOpaque(region.FromRect(s.Rect()))

	advance(lp, ck, 16*time.Millisecond)

	rb := trackedBuffer(t, o)
	assertPixel(t, rb, 1, 1, 255, 255, 255)
	assertPixel(t, rb, 6, 6, 255, 255, 255)
}
