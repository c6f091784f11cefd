package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"github.com/matjam/lucent/internal/clock"
	"github.com/matjam/lucent/internal/cms"
	"github.com/matjam/lucent/internal/comp"
	"github.com/matjam/lucent/internal/glrender"
	"github.com/matjam/lucent/internal/loop"
	"github.com/matjam/lucent/internal/pixrender"
)

// ErrRealClock is returned for clock-advance requests against a daemon
// running on the real clock.
var ErrRealClock = errors.New("ipc: clock is real, advance needs clock = \"fake\"")

// requestTimeout bounds how long a control request waits on the loop.
// Screenshot waits longer because a capture retires on the next repaint,
// which on a fake clock only happens after someone advances it.
const (
	requestTimeout    = 2 * time.Second
	screenshotTimeout = 10 * time.Second
)

// Manager owns the compositor: the event loop, the clock, the renderer
// and the scene. IPC handlers call its methods from the echo server
// goroutine; every method posts into the loop and waits, so compositor
// state is only ever touched on the loop goroutine.
type Manager struct {
	loop  *loop.Loop
	clock *clock.Clock
	comp  *comp.Compositor
	demo  *comp.DemoScene

	rendererName string
}

// NewManager builds the compositor stack from viper config: renderer
// backend, clock kind, output geometry and color profile, and optionally
// the demo scene. Must be called on the goroutine that will call Run;
// the GL renderer locks it to its OS thread.
func NewManager() *Manager {
	lp := loop.New()

	kind := clock.Kind(viper.GetString("clock"))
	ck, err := clock.New(kind, lp)
	if err != nil {
		log.Fatal("Failed to create clock:", err)
	}

	rendererName := viper.GetString("renderer")
	var renderer comp.Renderer
	switch rendererName {
	case "gl":
		var platform glrender.Platform
		if os.Getenv("WAYLAND_DISPLAY") != "" || os.Getenv("DISPLAY") != "" {
			log.Info("Display session detected, using windowed GL platform")
			platform = glrender.NewGLFWPlatform()
		} else {
			log.Info("No display session, using headless EGL platform")
			platform = glrender.NewEGLPlatform()
		}
		renderer, err = glrender.New(platform, lp)
		if err != nil {
			log.Fatal("Failed to create GL renderer:", err)
		}
	case "pixel":
		renderer = pixrender.New()
	default:
		log.Fatalf("Unknown renderer %q, expected \"gl\" or \"pixel\"", rendererName)
	}

	m := &Manager{
		loop:         lp,
		clock:        ck,
		comp:         comp.New(lp, ck, renderer),
		rendererName: rendererName,
	}

	if gr, ok := renderer.(*glrender.Renderer); ok && viper.GetString("debug_mode") == "damage" {
		gr.SetDebugDamage(true)
	}

	output := comp.NewOutput("output-0", image.Pt(0, 0), comp.Mode{
		Width:      viper.GetInt("output_width"),
		Height:     viper.GetInt("output_height"),
		RefreshMHz: viper.GetInt("refresh"),
	}, viper.GetInt("border_size"))
	if profile := outputProfile(); profile != nil {
		output.SetColorProfile(profile)
		output.LinearBlending = true
		profile.Unref()
	}
	m.comp.AddOutput(output)

	if viper.GetBool("demo_scene") {
		demo, err := comp.NewDemoScene(m.comp, output)
		if err != nil {
			log.Fatal("Failed to build demo scene:", err)
		}
		m.demo = demo
		demo.Start()
		if kind == clock.Fake {
			log.Info("Fake clock: demo scene animates via `lucent clock advance`")
		}
	}

	return m
}

// outputProfile builds the configured output color profile, nil for
// stock sRGB.
func outputProfile() *cms.Profile {
	switch name := viper.GetString("output_profile"); name {
	case "", "srgb":
		return nil
	case "power":
		p, err := cms.NewProfile(cms.ProfileDesc{
			Name:      "output-power",
			Primaries: cms.SRGBPrimaries,
			TF:        cms.TFPower,
			Power:     viper.GetFloat64("output_gamma"),
		})
		if err != nil {
			log.Fatal("Invalid output profile:", err)
		}
		return p
	default:
		log.Fatalf("Unknown output_profile %q, expected \"srgb\" or \"power\"", name)
		return nil
	}
}

// Compositor exposes the scene for the start command's extra setup.
func (m *Manager) Compositor() *comp.Compositor { return m.comp }

// Run drives the event loop until Stop, then tears the scene down in
// dependency order. Blocks the calling goroutine.
func (m *Manager) Run() {
	log.Infof("Compositor running: renderer=%s clock=%s", m.rendererName, m.clock.Kind())
	m.loop.Run()

	if m.demo != nil {
		m.demo.Destroy()
	}
	m.comp.Destroy()
	m.clock.Destroy()
	log.Info("Compositor stopped")
}

// Stop quits the event loop. Safe from any goroutine.
func (m *Manager) Stop() {
	m.loop.Quit()
}

// post runs fn on the loop goroutine and waits up to timeout for done to
// be signalled.
func (m *Manager) post(timeout time.Duration, fn func(done chan<- error)) error {
	done := make(chan error, 1)
	m.loop.Post(func() { fn(done) })
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("ipc: request timed out after %s", timeout)
	}
}

// Status snapshots daemon state for GET /status.
func (m *Manager) Status() (StatusResponse, error) {
	var st StatusResponse
	err := m.post(requestTimeout, func(done chan<- error) {
		st = StatusResponse{
			Status:   "ok",
			Message:  "lucent is running",
			PID:      os.Getpid(),
			Socket:   SocketPath(),
			Config:   viper.ConfigFileUsed(),
			Renderer: m.rendererName,
			Clock:    string(m.clock.Kind()),
			ClockMS:  m.clock.Now().Milliseconds(),
			Surfaces: len(m.comp.Surfaces()),
		}
		for _, o := range m.comp.Outputs() {
			st.Outputs = append(st.Outputs, OutputInfo{
				Name:       o.Name,
				X:          o.Pos.X,
				Y:          o.Pos.Y,
				Width:      o.Area.Dx(),
				Height:     o.Area.Dy(),
				RefreshMHz: o.Mode.RefreshMHz,
				Border:     o.Area.Min.X,
				Linear:     o.LinearBlending,
			})
		}
		done <- nil
	})
	return st, err
}

// AdvanceClock moves the fake clock forward and returns once the advance
// has committed, so a test that advances and then reads status sees the
// post-advance time.
func (m *Manager) AdvanceClock(ms int) error {
	if m.clock.Kind() != clock.Fake {
		return ErrRealClock
	}
	if ms < 0 {
		return fmt.Errorf("ipc: negative advance %dms", ms)
	}
	return m.post(requestTimeout, func(done chan<- error) {
		m.clock.Advance(time.Duration(ms) * time.Millisecond)
		var wait func()
		wait = func() {
			if m.clock.Advancing() {
				m.loop.AddIdle(wait)
				return
			}
			done <- nil
		}
		m.loop.AddIdle(wait)
	})
}

// InjectDamage schedules a repaint of the requested global-coordinate
// rectangle; an empty rectangle damages the whole output.
func (m *Manager) InjectDamage(req DamageRequest) error {
	return m.post(requestTimeout, func(done chan<- error) {
		o := m.findOutput(req.Output)
		if o == nil {
			done <- fmt.Errorf("ipc: no output %q", req.Output)
			return
		}
		damage := o.GlobalRegion()
		if req.Width > 0 && req.Height > 0 {
			damage = damage.IntersectRect(image.Rect(req.X, req.Y, req.X+req.Width, req.Y+req.Height))
		}
		m.comp.ScheduleRepaint(o, damage)
		done <- nil
	})
}

// Screenshot captures one frame of the output and returns it PNG-encoded.
// The capture retires during the next repaint; on a fake clock that means
// after the next advance.
func (m *Manager) Screenshot(req ScreenshotRequest) ([]byte, error) {
	src := comp.CaptureFramebuffer
	switch req.Source {
	case "", "framebuffer":
	case "blending":
		src = comp.CaptureBlending
	default:
		return nil, fmt.Errorf("ipc: unknown capture source %q", req.Source)
	}

	var data []byte
	err := m.post(screenshotTimeout, func(done chan<- error) {
		o := m.findOutput(req.Output)
		if o == nil {
			done <- fmt.Errorf("ipc: no output %q", req.Output)
			return
		}
		size := o.FBSize
		if src == comp.CaptureBlending {
			size = image.Pt(o.Area.Dx(), o.Area.Dy())
		}

		pool, err := comp.NewSHMPool("lucent-screenshot", size.X*size.Y*4)
		if err != nil {
			done <- err
			return
		}
		buf, err := comp.NewSHMBuffer(pool, size.X, size.Y, comp.FormatXRGB8888,
			[]int{0}, []int{size.X * 4})
		if err != nil {
			pool.Destroy()
			done <- err
			return
		}

		release := func() {
			buf.Unref()
			pool.Destroy()
		}
		m.comp.Capture(o, src, buf,
			func() {
				png, err := encodeXRGB(buf, size)
				data = png
				release()
				done <- err
			},
			func(reason string) {
				release()
				done <- fmt.Errorf("ipc: capture failed: %s", reason)
			})
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// findOutput resolves a name to an output, defaulting to the first one.
func (m *Manager) findOutput(name string) *comp.Output {
	outputs := m.comp.Outputs()
	if name == "" && len(outputs) > 0 {
		return outputs[0]
	}
	for _, o := range outputs {
		if o.Name == name {
			return o
		}
	}
	return nil
}

// encodeXRGB converts a retired XRGB8888 capture buffer to PNG.
func encodeXRGB(buf *comp.Buffer, size image.Point) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	src := buf.SHM.Pool.Bytes()
	offset, stride := buf.SHM.Offsets[0], buf.SHM.Strides[0]
	for y := 0; y < size.Y; y++ {
		row := src[offset+y*stride:]
		di := img.PixOffset(0, y)
		for x := 0; x < size.X; x++ {
			img.Pix[di] = row[x*4+2]
			img.Pix[di+1] = row[x*4+1]
			img.Pix[di+2] = row[x*4]
			img.Pix[di+3] = 0xff
			di += 4
		}
	}
	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, fmt.Errorf("ipc: encode screenshot: %w", err)
	}
	return out.Bytes(), nil
}
