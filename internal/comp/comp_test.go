package comp

import (
	"image"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/matjam/lucent/internal/clock"
	"github.com/matjam/lucent/internal/geom"
	"github.com/matjam/lucent/internal/loop"
	"github.com/matjam/lucent/internal/region"
	"github.com/matjam/lucent/internal/signal"
)

// stubRenderer records calls so scheduler behavior can be asserted
// without a real backend.
type stubRenderer struct {
	attaches []*Buffer
	flushes  []region.Region
	repaints []region.Region
	caps     Caps
}

func (r *stubRenderer) Attach(s *Surface, b *Buffer) error {
	r.attaches = append(r.attaches, b)
	return nil
}

func (r *stubRenderer) FlushDamage(s *Surface) {
	r.flushes = append(r.flushes, s.Damage)
	s.Damage = region.Region{}
}

func (r *stubRenderer) RepaintOutput(o *Output, damage region.Region, rb Renderbuffer) error {
	r.repaints = append(r.repaints, damage)
	for _, t := range o.PullCaptures(CaptureFramebuffer) {
		t.RetireComplete()
	}
	for _, t := range o.PullCaptures(CaptureBlending) {
		t.RetireComplete()
	}
	return nil
}

func (r *stubRenderer) CreateRenderbuffer(o *Output, f PixelFormat, w, h int) (Renderbuffer, error) {
	return nil, nil
}

func (r *stubRenderer) RenderbufferFromDMABuf(o *Output, info *DMABufInfo) (Renderbuffer, error) {
	return nil, nil
}

func (r *stubRenderer) Capabilities() Caps { return r.caps }
func (r *stubRenderer) Destroy()           {}

func newTestCompositor(t *testing.T) (*Compositor, *stubRenderer, *clock.Clock) {
	t.Helper()
	lp := loop.New()
	ck, err := clock.New(clock.Fake, lp)
	if err != nil {
		t.Fatal(err)
	}
	r := &stubRenderer{}
	return New(lp, ck, r), r, ck
}

// advance moves fake time and drains the deferred timer fires.
func advance(lp *loop.Loop, ck *clock.Clock, d time.Duration) {
	ck.Advance(d)
	lp.Dispatch(0)
}

func TestFormatTable(t *testing.T) {
	nv12 := FormatNV12.Info()
	if nv12.Sampler != SamplerY_UV || len(nv12.Planes) != 2 {
		t.Fatalf("NV12 decomposition wrong: %+v", nv12)
	}
	if nv12.Planes[1].Format != FormatGR88 || nv12.Planes[1].DivW != 2 {
		t.Errorf("NV12 chroma plane wrong: %+v", nv12.Planes[1])
	}

	yuv420 := FormatYUV420.Info()
	if yuv420.Sampler != SamplerY_U_V || len(yuv420.Planes) != 3 {
		t.Fatalf("YUV420 decomposition wrong: %+v", yuv420)
	}

	if got := FormatARGB8888.Info().Opaque; got != FormatXRGB8888 {
		t.Errorf("ARGB8888 opaque equivalent = %v", got)
	}
	if FormatXRGB8888.Info().HasAlpha {
		t.Error("XRGB8888 claims alpha")
	}
	if FormatInvalid.Valid() {
		t.Error("invalid format claims validity")
	}
}

func TestSubsampleRect(t *testing.T) {
	r := SubsampleRect(image.Rect(1, 1, 5, 5), 2, 2)
	if want := image.Rect(0, 0, 3, 3); r != want {
		t.Errorf("got %v, want %v", r, want)
	}
	r = SubsampleRect(image.Rect(2, 4, 6, 8), 2, 2)
	if want := image.Rect(1, 2, 3, 4); r != want {
		t.Errorf("aligned rect got %v, want %v", r, want)
	}
}

func TestSHMPoolLifetime(t *testing.T) {
	pool, err := NewSHMPool("test", 4*4*4)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := NewSHMBuffer(pool, 4, 4, FormatXRGB8888, []int{0}, []int{16})
	if err != nil {
		t.Fatal(err)
	}

	// The buffer keeps the mapping alive past pool destruction.
	pool.Destroy()
	if pool.Size() == 0 {
		t.Fatal("pool unmapped while buffer alive")
	}
	pool.Bytes()[0] = 0xff

	buf.Unref()
	if pool.Size() != 0 {
		t.Fatal("pool still mapped after last buffer")
	}
}

func TestSHMPoolResize(t *testing.T) {
	pool, err := NewSHMPool("test", 64)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()

	pool.Bytes()[63] = 0xaa
	if err := pool.Resize(256); err != nil {
		t.Fatal(err)
	}
	if pool.Size() != 256 {
		t.Fatalf("size %d after resize", pool.Size())
	}
	if pool.Bytes()[63] != 0xaa {
		t.Error("contents lost across resize")
	}
	// Shrinking is ignored.
	if err := pool.Resize(16); err != nil {
		t.Fatal(err)
	}
	if pool.Size() != 256 {
		t.Error("pool shrank")
	}
}

func TestSHMBufferValidation(t *testing.T) {
	pool, err := NewSHMPool("test", 64)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()

	if _, err := NewSHMBuffer(pool, 8, 8, FormatXRGB8888, []int{0}, []int{32}); err == nil {
		t.Error("plane exceeding pool accepted")
	}
	if _, err := NewSHMBuffer(pool, 4, 4, FormatInvalid, []int{0}, []int{16}); err == nil {
		t.Error("unknown format accepted")
	}
	if _, err := NewSHMBuffer(pool, 4, 4, FormatNV12, []int{0}, []int{4}); err == nil {
		t.Error("missing plane accepted")
	}
}

func TestBufferDestroySignal(t *testing.T) {
	b := NewSolidBuffer(1, 1, [4]float64{1, 0, 0, 1})
	destroyed := 0
	b.DestroySignal.Add(&signal.Listener{Notify: func(any) { destroyed++ }})
	b.Ref()
	b.Unref()
	if destroyed != 0 {
		t.Fatal("destroyed early")
	}
	b.Unref()
	if destroyed != 1 {
		t.Fatalf("destroy signal fired %d times", destroyed)
	}
}

func TestBufferNotifyRelease(t *testing.T) {
	b := NewSolidBuffer(1, 1, [4]float64{0, 0, 0, 1})
	defer b.Unref()

	released := 0
	b.ReleaseSignal.Add(&signal.Listener{Notify: func(any) { released++ }})
	b.NotifyRelease(-1)
	if released != 1 {
		t.Fatal("release signal not emitted without fence")
	}

	// With a release point the fence is handed over instead.
	b.Release = NewBufferRelease()
	b.NotifyRelease(-1)
	if released != 2 {
		t.Fatal("fenceless release must still signal")
	}
}

func TestSurfaceAttachAndDamage(t *testing.T) {
	s := &Surface{}
	b := NewSolidBuffer(10, 10, [4]float64{0, 1, 0, 1})
	defer b.Unref()

	s.AttachBuffer(b)
	if s.Width != 10 || s.Height != 10 {
		t.Fatalf("size %dx%d", s.Width, s.Height)
	}
	if !s.Damage.Equal(region.FromRect(image.Rect(0, 0, 10, 10))) {
		t.Fatalf("attach damage %v", s.Damage)
	}

	s.Damage = region.Region{}
	s.AttachBuffer(b) // no-op
	if !s.Damage.Empty() {
		t.Error("re-attach of same buffer damaged surface")
	}

	s.CommitDamage(region.FromRect(image.Rect(-5, -5, 4, 4)))
	if want := region.FromRect(image.Rect(0, 0, 4, 4)); !s.Damage.Equal(want) {
		t.Errorf("damage not clipped: %v", s.Damage)
	}

	s.SetOpaque(region.FromRect(image.Rect(2, 2, 50, 50)))
	if want := region.FromRect(image.Rect(2, 2, 10, 10)); !s.Opaque.Equal(want) {
		t.Errorf("opaque not clipped: %v", s.Opaque)
	}
	s.Destroy()
}

func TestPaintNodePlacement(t *testing.T) {
	s := &Surface{Width: 10, Height: 10}
	o := NewOutput("out", image.Pt(0, 0), Mode{Width: 100, Height: 100, RefreshMHz: 60000}, 0)

	n := NewPaintNode(s, o, geom.Translate(20, 30), 1)
	if got := n.GlobalRect(); got != image.Rect(20, 30, 30, 40) {
		t.Fatalf("global rect %v", got)
	}
	if n.NeedsFiltering {
		t.Error("integer translation should not filter")
	}

	n.SetTransform(geom.Translate(20, 30).Mul(geom.Scale(2, 2)))
	if !n.NeedsFiltering {
		t.Error("scale must filter")
	}

	s.Opaque = region.FromRect(image.Rect(0, 0, 5, 5))
	n.SetTransform(geom.Translate(20, 30))
	if want := region.FromRect(image.Rect(20, 30, 25, 35)); !n.GlobalOpaque().Equal(want) {
		t.Errorf("opaque propagation %v", n.GlobalOpaque())
	}

	n.Alpha = 0.5
	if !n.GlobalOpaque().Empty() {
		t.Error("translucent node claims opacity")
	}
	n.Destroy()
}

func TestRebuildVisibility(t *testing.T) {
	o := NewOutput("out", image.Pt(0, 0), Mode{Width: 100, Height: 100, RefreshMHz: 60000}, 0)
	back := &Surface{Width: 100, Height: 100}
	front := &Surface{Width: 50, Height: 50}

	bn := NewPaintNode(back, o, geom.Identity(), 1)
	fn := NewPaintNode(front, o, geom.Translate(25, 25), 1)
	fn.FullyOpaque = true

	o.RebuildVisibility()
	wantBack := region.FromRect(image.Rect(0, 0, 100, 100)).
		Subtract(region.FromRect(image.Rect(25, 25, 75, 75)))
	if diff := cmp.Diff(wantBack.Rects(), bn.Visible.Rects()); diff != "" {
		t.Errorf("back visibility (-want +got):\n%s", diff)
	}
	if want := region.FromRect(image.Rect(25, 25, 75, 75)); !fn.Visible.Equal(want) {
		t.Errorf("front visibility %v", fn.Visible)
	}

	// A translucent occluder hides nothing.
	fn.Alpha = 0.5
	o.RebuildVisibility()
	if want := region.FromRect(image.Rect(0, 0, 100, 100)); !bn.Visible.Equal(want) {
		t.Errorf("back visibility under translucent node %v", bn.Visible)
	}
}

func TestScheduleRepaintAccumulates(t *testing.T) {
	c, r, ck := newTestCompositor(t)
	o := NewOutput("out", image.Pt(0, 0), Mode{Width: 64, Height: 64, RefreshMHz: 62500}, 0)
	c.AddOutput(o)

	// Flush the initial full repaint.
	advance(c.Loop, ck, time.Second)
	r.repaints = nil

	c.ScheduleRepaint(o, region.FromRect(image.Rect(0, 0, 8, 8)))
	c.ScheduleRepaint(o, region.FromRect(image.Rect(32, 32, 40, 40)))

	advance(c.Loop, ck, 16*time.Millisecond)
	if len(r.repaints) != 1 {
		t.Fatalf("%d repaints, want 1", len(r.repaints))
	}
	want := region.FromRects(image.Rect(0, 0, 8, 8), image.Rect(32, 32, 40, 40))
	if !r.repaints[0].Equal(want) {
		t.Errorf("repaint damage %v, want %v", r.repaints[0], want)
	}
}

func TestRepaintSkippedWhenClean(t *testing.T) {
	c, r, ck := newTestCompositor(t)
	o := NewOutput("out", image.Pt(0, 0), Mode{Width: 64, Height: 64, RefreshMHz: 62500}, 0)
	c.AddOutput(o)
	advance(c.Loop, ck, time.Second)
	r.repaints = nil

	c.ScheduleRepaint(o, region.Region{})
	advance(c.Loop, ck, time.Second)
	if len(r.repaints) != 0 {
		t.Fatalf("clean frame repainted %d times", len(r.repaints))
	}
}

func TestCommitPropagatesDamage(t *testing.T) {
	c, r, ck := newTestCompositor(t)
	o := NewOutput("out", image.Pt(0, 0), Mode{Width: 64, Height: 64, RefreshMHz: 62500}, 0)
	c.AddOutput(o)
	advance(c.Loop, ck, time.Second)
	r.repaints = nil

	s := c.NewSurface()
	NewPaintNode(s, o, geom.Translate(10, 10), 1)

	b := NewSolidBuffer(8, 8, [4]float64{1, 1, 1, 1})
	defer b.Unref()
	if err := c.CommitSurface(s, b, region.FromRect(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	if len(r.attaches) != 1 || r.attaches[0] != b {
		t.Fatalf("attach calls %v", r.attaches)
	}
	if !s.Damage.Empty() {
		t.Error("flush left surface damage behind")
	}

	advance(c.Loop, ck, 16*time.Millisecond)
	if len(r.repaints) != 1 {
		t.Fatalf("%d repaints after commit", len(r.repaints))
	}
	if want := region.FromRect(image.Rect(10, 10, 18, 18)); !r.repaints[0].Equal(want) {
		t.Errorf("propagated damage %v, want %v", r.repaints[0], want)
	}
}

func TestCaptureForcesRepaint(t *testing.T) {
	c, r, ck := newTestCompositor(t)
	o := NewOutput("out", image.Pt(0, 0), Mode{Width: 4, Height: 4, RefreshMHz: 62500}, 0)
	c.AddOutput(o)
	advance(c.Loop, ck, time.Second)
	r.repaints = nil

	dest := NewSolidBuffer(4, 4, [4]float64{})
	defer dest.Unref()

	done := false
	c.Capture(o, CaptureFramebuffer, dest, func() { done = true }, func(string) { t.Fatal("capture failed") })

	advance(c.Loop, ck, time.Second)
	if len(r.repaints) != 1 {
		t.Fatalf("%d repaints for capture", len(r.repaints))
	}
	if !done {
		t.Fatal("capture not retired")
	}
}

func TestCaptureRetireExactlyOnce(t *testing.T) {
	dest := NewSolidBuffer(1, 1, [4]float64{})
	defer dest.Unref()

	task := NewCaptureTask(CaptureFramebuffer, dest, nil, nil)
	task.RetireComplete()
	task.Cancel() // safe after retirement

	defer func() {
		if recover() == nil {
			t.Fatal("double retire did not panic")
		}
	}()
	task.RetireFailed("again")
}

func TestOutputDestroyFailsCaptures(t *testing.T) {
	c, _, _ := newTestCompositor(t)
	o := NewOutput("out", image.Pt(0, 0), Mode{Width: 4, Height: 4, RefreshMHz: 62500}, 0)
	c.AddOutput(o)

	dest := NewSolidBuffer(4, 4, [4]float64{})
	defer dest.Unref()

	var reason string
	c.Capture(o, CaptureBlending, dest, func() { t.Fatal("completed") }, func(r string) { reason = r })
	o.Destroy()
	if reason != "output destroyed" {
		t.Fatalf("reason %q", reason)
	}
	if len(c.Outputs()) != 0 {
		t.Error("output still registered")
	}
}

func TestFrameInterval(t *testing.T) {
	if got := frameIntervalMS(Mode{RefreshMHz: 60000}); got != 16 {
		t.Errorf("60Hz interval %dms", got)
	}
	if got := frameIntervalMS(Mode{RefreshMHz: 0}); got != 16 {
		t.Errorf("unset refresh interval %dms", got)
	}
	if got := frameIntervalMS(Mode{RefreshMHz: 2000000}); got != 1 {
		t.Errorf("2kHz interval %dms", got)
	}
}
