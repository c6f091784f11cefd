package cms

import (
	"errors"
	"math"
	"testing"

	"github.com/matjam/lucent/internal/signal"
)

func almost(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestSRGBRoundTrip(t *testing.T) {
	dec, err := CurveFromTransferFunction(TFSRGB, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := CurveFromTransferFunction(TFSRGB, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	for _, x := range []float64{0.0, 0.0031308, 0.5, 1.0} {
		rt := dec.Eval(0, enc.Eval(0, x))
		if !almost(rt, x, 1e-6) {
			t.Errorf("decode(encode(%g)) = %g", x, rt)
		}
		rt = enc.Eval(0, dec.Eval(0, x))
		if !almost(rt, x, 1e-6) {
			t.Errorf("encode(decode(%g)) = %g", x, rt)
		}
	}
}

func TestSRGBKnownValues(t *testing.T) {
	dec, _ := CurveFromTransferFunction(TFSRGB, 0, false)
	cases := []struct{ in, want float64 }{
		{0, 0},
		{0.04045, 0.04045 / 12.92},
		{0.5, 0.21404114},
		{1, 1},
	}
	for _, c := range cases {
		if got := dec.Eval(0, c.in); !almost(got, c.want, 1e-6) {
			t.Errorf("decode(%g) = %.8f, want %.8f", c.in, got, c.want)
		}
	}
}

func TestBT1886Continuity(t *testing.T) {
	dec, err := CurveFromTransferFunction(TFBT1886, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	below := dec.Eval(0, 0.081-1e-9)
	above := dec.Eval(0, 0.081+1e-9)
	if !almost(below, above, 1e-4) {
		t.Errorf("discontinuity at breakpoint: %g vs %g", below, above)
	}

	enc, _ := CurveFromTransferFunction(TFBT1886, 0, true)
	for _, x := range []float64{0, 0.01, 0.018, 0.3, 1} {
		rt := enc.Eval(0, dec.Eval(0, x))
		if !almost(rt, x, 1e-4) {
			t.Errorf("encode(decode(%g)) = %g", x, rt)
		}
	}
}

func TestPowerCurves(t *testing.T) {
	dec, err := CurveFromTransferFunction(TFGamma22, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if got := dec.Eval(0, 0.5); !almost(got, math.Pow(0.5, 2.2), 1e-9) {
		t.Errorf("gamma22 decode(0.5) = %g", got)
	}
	enc, _ := CurveFromTransferFunction(TFGamma22, 0, true)
	if got := enc.Eval(0, 0.5); !almost(got, math.Pow(0.5, 1/2.2), 1e-9) {
		t.Errorf("gamma22 encode(0.5) = %g", got)
	}

	if _, err := CurveFromTransferFunction(TFPower, 0.5, false); !errors.Is(err, ErrUnsupported) {
		t.Errorf("power 0.5 accepted: %v", err)
	}
	if _, err := CurveFromTransferFunction(TFPower, 2.4, false); err != nil {
		t.Errorf("power 2.4 rejected: %v", err)
	}
}

func TestUnsupportedTransferFunction(t *testing.T) {
	_, err := CurveFromTransferFunction(TransferFunction("pq"), 0, false)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("want ErrUnsupported, got %v", err)
	}
}

func TestLinearCurveIsIdentity(t *testing.T) {
	c, err := CurveFromTransferFunction(TFLinear, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Identity() {
		t.Fatal("linear curve not identity")
	}
	if got := c.Eval(1, 0.42); got != 0.42 {
		t.Errorf("identity eval = %g", got)
	}
}

func TestEvalClampsInput(t *testing.T) {
	dec, _ := CurveFromTransferFunction(TFSRGB, 0, false)
	if got := dec.Eval(0, -0.5); got != 0 {
		t.Errorf("negative input gave %g", got)
	}
	if got := dec.Eval(0, 1.5); !almost(got, 1, 1e-9) {
		t.Errorf("over-range input gave %g", got)
	}
}

func TestRGBToXYZWhitePoint(t *testing.T) {
	p, err := NewProfile(ProfileDesc{Name: "test", Primaries: SRGBPrimaries, TF: TFSRGB})
	if err != nil {
		t.Fatal(err)
	}
	x, y, z := p.RGBToXYZ.Apply(1, 1, 1)
	wx, wy := SRGBPrimaries.WhiteX, SRGBPrimaries.WhiteY
	if !almost(x, wx/wy, 1e-9) || !almost(y, 1, 1e-9) || !almost(z, (1-wx-wy)/wy, 1e-9) {
		t.Errorf("white maps to (%g, %g, %g)", x, y, z)
	}

	id := p.XYZToRGB.Mul(p.RGBToXYZ)
	if !id.nearIdentity() {
		t.Errorf("inverse is off: %v", id)
	}
}

func TestProfileValidation(t *testing.T) {
	base := ProfileDesc{Name: "p", Primaries: SRGBPrimaries, TF: TFSRGB}

	cases := []struct {
		name   string
		mutate func(*ProfileDesc)
	}{
		{"luminance min above max", func(d *ProfileDesc) {
			d.TargetLuminance = &LuminanceRange{Min: 500, Max: 100}
		}},
		{"maxCLL below min luminance", func(d *ProfileDesc) {
			d.TargetLuminance = &LuminanceRange{Min: 0.5, Max: 600}
			d.MaxCLL = 0.1
		}},
		{"maxFALL above maxCLL", func(d *ProfileDesc) {
			d.MaxCLL = 400
			d.MaxFALL = 600
		}},
		{"primaries out of range", func(d *ProfileDesc) {
			d.Primaries.RedX = 1.2
		}},
		{"unsupported tf", func(d *ProfileDesc) {
			d.TF = TransferFunction("hlg")
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			desc := base
			c.mutate(&desc)
			_, err := NewProfile(desc)
			if !errors.Is(err, ErrUnsupported) {
				t.Fatalf("want ErrUnsupported, got %v", err)
			}
		})
	}

	hdr := base
	hdr.TargetLuminance = &LuminanceRange{Min: 0.01, Max: 1000}
	hdr.MaxCLL = 800
	hdr.MaxFALL = 400
	if _, err := NewProfile(hdr); err != nil {
		t.Fatalf("sane HDR metadata rejected: %v", err)
	}
}

func TestProfileRefcount(t *testing.T) {
	p, err := NewProfile(ProfileDesc{Name: "p", Primaries: SRGBPrimaries, TF: TFSRGB})
	if err != nil {
		t.Fatal(err)
	}
	destroyed := false
	p.DestroySignal.Add(&signal.Listener{Notify: func(any) { destroyed = true }})
	p.Ref()
	p.Unref()
	if destroyed {
		t.Fatal("destroyed with a live reference")
	}
	p.Unref()
	if !destroyed {
		t.Fatal("destroy signal not emitted")
	}
}

func TestTransformEvalStages(t *testing.T) {
	dec, _ := CurveFromTransferFunction(TFSRGB, 0, false)
	enc, _ := CurveFromTransferFunction(TFSRGB, 0, true)
	// Swap red and green in the mapping stage.
	swap := Matrix3{0, 1, 0, 1, 0, 0, 0, 0, 1}
	tr := NewTransform(dec, Mapping{Kind: MappingMatrix, Matrix: swap}, enc)
	defer tr.Unref()

	r, g, b := tr.Eval(0.25, 0.75, 0.5)
	if !almost(r, 0.75, 1e-6) || !almost(g, 0.25, 1e-6) || !almost(b, 0.5, 1e-6) {
		t.Errorf("got (%g, %g, %g)", r, g, b)
	}
	if tr.Identity() {
		t.Error("swap transform claims identity")
	}
}

func TestTransformIdentityDetection(t *testing.T) {
	tr := NewTransform(nil, Mapping{Kind: MappingMatrix, Matrix: Identity3()}, nil)
	defer tr.Unref()
	if !tr.Identity() {
		t.Error("identity matrix transform not detected")
	}

	var nilTr *Transform
	if !nilTr.Identity() {
		t.Error("nil transform not identity")
	}
	r, g, b := nilTr.Eval(0.1, 0.2, 0.3)
	if r != 0.1 || g != 0.2 || b != 0.3 {
		t.Errorf("nil eval changed values: (%g, %g, %g)", r, g, b)
	}
}

func TestTransformDestroySignal(t *testing.T) {
	tr := NewTransform(nil, Mapping{Kind: MappingLUT3D, LUT: identityLUT(2)}, nil)
	destroyed := false
	tr.DestroySignal.Add(&signal.Listener{Notify: func(any) { destroyed = true }})
	tr.Ref()
	tr.Unref()
	tr.Unref()
	if !destroyed {
		t.Fatal("destroy signal not emitted at zero refs")
	}
}

func identityLUT(size int) *LUT3D {
	data := make([]float32, 0, size*size*size*3)
	for b := 0; b < size; b++ {
		for g := 0; g < size; g++ {
			for r := 0; r < size; r++ {
				data = append(data,
					float32(r)/float32(size-1),
					float32(g)/float32(size-1),
					float32(b)/float32(size-1))
			}
		}
	}
	return &LUT3D{Size: size, Data: data}
}

func TestLUT3DSample(t *testing.T) {
	lut := identityLUT(5)
	for _, v := range [][3]float64{{0, 0, 0}, {1, 1, 1}, {0.5, 0.25, 0.75}, {0.1, 0.9, 0.33}} {
		r, g, b := lut.Sample(v[0], v[1], v[2])
		if !almost(r, v[0], 1e-6) || !almost(g, v[1], 1e-6) || !almost(b, v[2], 1e-6) {
			t.Errorf("identity LUT(%v) = (%g, %g, %g)", v, r, g, b)
		}
	}
}

func TestManagerIdentityWhenSameEncoding(t *testing.T) {
	m := NewManager()
	defer m.Destroy()

	tr, identity, err := m.SurfaceTransform(m.SRGB(), m.SRGB(), false)
	if err != nil {
		t.Fatal(err)
	}
	if !identity || tr != nil {
		t.Fatalf("same profile should be identity, got %v", tr)
	}

	tr, identity, err = m.BlendTransform(m.SRGB(), false)
	if err != nil {
		t.Fatal(err)
	}
	if !identity || tr != nil {
		t.Fatal("non-linear blending should need no blend transform")
	}
}

func TestManagerLinearBlendPipelines(t *testing.T) {
	m := NewManager()
	defer m.Destroy()

	surf, identity, err := m.SurfaceTransform(m.SRGB(), m.SRGB(), true)
	if err != nil {
		t.Fatal(err)
	}
	if identity {
		t.Fatal("linear blending needs a decode stage")
	}
	defer surf.Unref()
	if surf.Post != nil {
		t.Error("surface-to-blend must not encode")
	}
	want := math.Pow((0.5+0.055)/1.055, 2.4)
	r0, g0, b0 := surf.Eval(0.5, 0.5, 0.5)
	if !almost(r0, want, 1e-6) || !almost(g0, want, 1e-6) || !almost(b0, want, 1e-6) {
		t.Errorf("decode(0.5) = (%g, %g, %g)", r0, g0, b0)
	}

	blend, identity, err := m.BlendTransform(m.SRGB(), true)
	if err != nil {
		t.Fatal(err)
	}
	if identity {
		t.Fatal("linear blending needs an encode stage")
	}
	defer blend.Unref()
	if blend.Pre != nil {
		t.Error("blend-to-output must not decode")
	}

	// The two stages together reproduce the original encoding.
	r, _, _ := surf.Eval(0.5, 0.5, 0.5)
	r, _, _ = blend.Eval(r, r, r)
	if !almost(r, 0.5, 1e-6) {
		t.Errorf("round trip through blend space = %g", r)
	}
}

func TestManagerGamutMapping(t *testing.T) {
	m := NewManager()
	defer m.Destroy()

	wide, err := NewProfile(ProfileDesc{
		Name: "wide",
		Primaries: Primaries{
			RedX: 0.708, RedY: 0.292,
			GreenX: 0.170, GreenY: 0.797,
			BlueX: 0.131, BlueY: 0.046,
			WhiteX: 0.3127, WhiteY: 0.3290,
		},
		TF: TFLinear,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer wide.Unref()

	tr, identity, err := m.SurfaceTransform(wide, m.SRGB(), false)
	if err != nil {
		t.Fatal(err)
	}
	if identity {
		t.Fatal("gamut change should not be identity")
	}
	defer tr.Unref()
	if tr.Mapping.Kind != MappingMatrix {
		t.Fatalf("want matrix mapping, got %v", tr.Mapping.Kind)
	}
	// White stays white across gamuts sharing a white point.
	r, g, b := tr.Mapping.Apply(1, 1, 1)
	if !almost(r, 1, 1e-6) || !almost(g, 1, 1e-6) || !almost(b, 1, 1e-6) {
		t.Errorf("white mapped to (%g, %g, %g)", r, g, b)
	}
}

func TestManagerCachesTransforms(t *testing.T) {
	m := NewManager()
	defer m.Destroy()

	a, _, err := m.SurfaceTransform(m.SRGB(), m.SRGB(), true)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := m.SurfaceTransform(m.SRGB(), m.SRGB(), true)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("cache returned distinct transforms")
	}
	a.Unref()
	b.Unref()

	// The cache still holds its own reference.
	destroyed := false
	a.DestroySignal.Add(&signal.Listener{Notify: func(any) { destroyed = true }})
	if destroyed {
		t.Fatal("cached transform destroyed while cache lives")
	}
}
