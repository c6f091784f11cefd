package comp

import (
	"fmt"
	"image"

	"github.com/matjam/lucent/internal/clock"
	"github.com/matjam/lucent/internal/geom"
	"github.com/matjam/lucent/internal/region"
)

const demoTickMS = 50

// DemoScene is a small animated scene the daemon can run instead of a
// protocol layer: a solid background, a bouncing checkerboard committed
// over SHM, and an NV12 gradient exercising the YUV path.
type DemoScene struct {
	comp   *Compositor
	output *Output

	checker     *Surface
	checkerNode *PaintNode
	pos         image.Point
	vel         image.Point

	timer    *clock.Timer
	pools    []*SHMPool
	surfaces []*Surface
}

// NewDemoScene populates the output and returns the scene handle. Call
// Start to animate it.
func NewDemoScene(c *Compositor, o *Output) (*DemoScene, error) {
	d := &DemoScene{
		comp:   c,
		output: o,
		pos:    image.Pt(64, 48),
		vel:    image.Pt(3, 2),
	}

	if err := d.buildBackground(); err != nil {
		d.Destroy()
		return nil, err
	}
	if err := d.buildChecker(); err != nil {
		d.Destroy()
		return nil, err
	}
	if err := d.buildGradient(); err != nil {
		d.Destroy()
		return nil, err
	}

	d.timer = c.Clock.NewTimer(d.tick)
	return d, nil
}

// Start begins the bounce animation.
func (d *DemoScene) Start() {
	d.timer.Update(demoTickMS)
}

// Stop halts the animation, leaving the scene in place.
func (d *DemoScene) Stop() {
	d.timer.Update(0)
}

func (d *DemoScene) tick() {
	old := d.checkerNode.GlobalRect()

	d.pos = d.pos.Add(d.vel)
	bounds := d.output.GlobalRect()
	size := d.checker.Rect().Size()
	if d.pos.X < bounds.Min.X || d.pos.X+size.X > bounds.Max.X {
		d.vel.X = -d.vel.X
		d.pos.X += 2 * d.vel.X
	}
	if d.pos.Y < bounds.Min.Y || d.pos.Y+size.Y > bounds.Max.Y {
		d.vel.Y = -d.vel.Y
		d.pos.Y += 2 * d.vel.Y
	}

	d.checkerNode.SetTransform(geom.Translate(float64(d.pos.X), float64(d.pos.Y)))
	moved := region.FromRects(old, d.checkerNode.GlobalRect())
	d.comp.ScheduleRepaint(d.output, moved)

	d.timer.Update(demoTickMS)
}

func (d *DemoScene) buildBackground() error {
	bg := NewSolidBuffer(d.output.Area.Dx(), d.output.Area.Dy(), [4]float64{0.08, 0.10, 0.13, 1})
	defer bg.Unref()

	s := d.comp.NewSurface()
	d.surfaces = append(d.surfaces, s)
	n := NewPaintNode(s, d.output, geom.Translate(float64(d.output.Pos.X), float64(d.output.Pos.Y)), 1)
	n.FullyOpaque = true
	return d.comp.CommitSurface(s, bg, region.FromRect(image.Rect(0, 0, bg.Width, bg.Height)))
}

func (d *DemoScene) buildChecker() error {
	const size, cell = 192, 24
	pool, err := NewSHMPool("lucent-demo-checker", size*size*4)
	if err != nil {
		return fmt.Errorf("demo checker pool: %w", err)
	}
	d.pools = append(d.pools, pool)

	data := pool.Bytes()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := (y*size + x) * 4
			if (x/cell+y/cell)%2 == 0 {
				putXRGB(data[off:], 0x2e, 0x34, 0x40) // slate
			} else {
				putXRGB(data[off:], 0xeb, 0xcb, 0x8b) // amber
			}
		}
	}

	buf, err := NewSHMBuffer(pool, size, size, FormatXRGB8888, []int{0}, []int{size * 4})
	if err != nil {
		return fmt.Errorf("demo checker buffer: %w", err)
	}
	defer buf.Unref()

	s := d.comp.NewSurface()
	d.surfaces = append(d.surfaces, s)
	d.checker = s
	d.checkerNode = NewPaintNode(s, d.output, geom.Translate(float64(d.pos.X), float64(d.pos.Y)), 1)
	d.checkerNode.FullyOpaque = true
	return d.comp.CommitSurface(s, buf, region.FromRect(image.Rect(0, 0, size, size)))
}

func (d *DemoScene) buildGradient() error {
	const w, h = 160, 120
	ySize := w * h
	uvSize := (w / 2) * (h / 2) * 2
	pool, err := NewSHMPool("lucent-demo-nv12", ySize+uvSize)
	if err != nil {
		return fmt.Errorf("demo gradient pool: %w", err)
	}
	d.pools = append(d.pools, pool)

	data := pool.Bytes()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*w+x] = byte(16 + (x*219)/w)
		}
	}
	for y := 0; y < h/2; y++ {
		for x := 0; x < w/2; x++ {
			off := ySize + (y*(w/2)+x)*2
			data[off] = byte(64 + (y * 128 / (h / 2))) // U
			data[off+1] = 160                          // V
		}
	}

	buf, err := NewSHMBuffer(pool, w, h, FormatNV12, []int{0, ySize}, []int{w, w})
	if err != nil {
		return fmt.Errorf("demo gradient buffer: %w", err)
	}
	defer buf.Unref()

	s := d.comp.NewSurface()
	d.surfaces = append(d.surfaces, s)
	right := d.output.GlobalRect().Max
	n := NewPaintNode(s, d.output, geom.Translate(float64(right.X-w-32), float64(right.Y-h-32)), 1)
	n.FullyOpaque = true
	return d.comp.CommitSurface(s, buf, region.FromRect(image.Rect(0, 0, w, h)))
}

// Destroy stops the animation and removes the scene's surfaces and pools.
func (d *DemoScene) Destroy() {
	if d.timer != nil {
		d.timer.Remove()
		d.timer = nil
	}
	for _, s := range d.surfaces {
		s.Destroy()
	}
	d.surfaces = nil
	for _, p := range d.pools {
		p.Destroy()
	}
	d.pools = nil
}

// putXRGB writes one little-endian XRGB8888 pixel.
func putXRGB(p []byte, r, g, b byte) {
	p[0] = b
	p[1] = g
	p[2] = r
	p[3] = 0xff
}
