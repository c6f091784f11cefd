package glrender

import (
	"image"
	"strings"
	"testing"

	"github.com/go-gl/gl/v3.2-core/gl"

	"github.com/matjam/lucent/internal/cms"
	"github.com/matjam/lucent/internal/comp"
)

func TestKeyForIdentity(t *testing.T) {
	tr := &cms.Transform{
		Pre:     &cms.Curve{Kind: cms.CurveLinPow},
		Mapping: cms.Mapping{Kind: cms.MappingMatrix},
		Post:    &cms.Curve{Kind: cms.CurvePowLin},
	}

	k := keyFor(comp.SamplerRGBA, false, tr, true, false)
	if k.hasColor() {
		t.Errorf("identity transform produced color stages: %+v", k)
	}
	k = keyFor(comp.SamplerRGBA, false, nil, false, false)
	if k.hasColor() {
		t.Errorf("nil transform produced color stages: %+v", k)
	}

	k = keyFor(comp.SamplerRGBA, true, tr, false, true)
	if !k.hasColor() || !k.forceAlpha || !k.debug {
		t.Errorf("key dropped flags: %+v", k)
	}
	if k.pre != cms.CurveLinPow || k.mapping != cms.MappingMatrix || k.post != cms.CurvePowLin {
		t.Errorf("key stages = %v/%v/%v", k.pre, k.mapping, k.post)
	}
}

func TestFragmentSourceSamplers(t *testing.T) {
	cases := []struct {
		sampler comp.SamplerClass
		want    []string
		wantNot []string
	}{
		{comp.SamplerSolid,
			[]string{"uniform vec4 unicolor"},
			[]string{"sampler2D", "yuv2rgb"}},
		{comp.SamplerRGBA,
			[]string{"uniform sampler2D tex0", "texture(tex0, v_texcoord)"},
			[]string{"tex1", "yuv2rgb"}},
		{comp.SamplerY_UV,
			[]string{"uniform sampler2D tex1", "yuv2rgb"},
			[]string{"tex2"}},
		{comp.SamplerY_U_V,
			[]string{"uniform sampler2D tex2", "yuv2rgb"},
			nil},
		{comp.SamplerY_XUXV,
			[]string{"uniform sampler2D tex1", "xuxv.g, xuxv.a"},
			[]string{"tex2"}},
	}
	for _, c := range cases {
		src := fragmentSource(shaderKey{sampler: c.sampler})
		for _, w := range c.want {
			if !strings.Contains(src, w) {
				t.Errorf("sampler %v: source missing %q:\n%s", c.sampler, w, src)
			}
		}
		for _, w := range c.wantNot {
			if strings.Contains(src, w) {
				t.Errorf("sampler %v: source unexpectedly has %q", c.sampler, w)
			}
		}
	}
}

func TestFragmentSourceColorStages(t *testing.T) {
	k := shaderKey{
		sampler: comp.SamplerRGBA,
		pre:     cms.CurveLinPow,
		mapping: cms.MappingMatrix,
		post:    cms.CurvePowLin,
	}
	src := fragmentSource(k)
	for _, w := range []string{"pre_curve", "color_matrix", "post_curve", "c.rgb / c.a"} {
		if !strings.Contains(src, w) {
			t.Errorf("color variant missing %q:\n%s", w, src)
		}
	}

	k.forceAlpha = true
	src = fragmentSource(k)
	if !strings.Contains(src, "c.a = 1.0") {
		t.Error("forceAlpha variant does not pin alpha")
	}
	if strings.Contains(src, "c.rgb / c.a") {
		t.Error("forceAlpha variant still unpremultiplies")
	}

	k = shaderKey{sampler: comp.SamplerRGBA, mapping: cms.MappingLUT3D}
	src = fragmentSource(k)
	for _, w := range []string{"sampler3D lut3d", "lut_scale", "lut_offset"} {
		if !strings.Contains(src, w) {
			t.Errorf("lut variant missing %q", w)
		}
	}

	plain := fragmentSource(shaderKey{sampler: comp.SamplerRGBA})
	if strings.Contains(plain, "vec3 color(") {
		t.Error("identity variant carries a color chain")
	}
}

func TestFragmentSourceDebugTint(t *testing.T) {
	src := fragmentSource(shaderKey{sampler: comp.SamplerRGBA, debug: true})
	if !strings.Contains(src, "vec3(1.0, 0.6, 0.6)") {
		t.Error("debug variant does not tint")
	}
	src = fragmentSource(shaderKey{sampler: comp.SamplerRGBA})
	if strings.Contains(src, "0.6") {
		t.Error("plain variant tints")
	}
}

func TestPlanFor(t *testing.T) {
	cases := []struct {
		format comp.PixelFormat
		plan   uploadPlan
	}{
		{comp.FormatARGB8888, uploadPlan{gl.RGBA8, gl.BGRA, gl.UNSIGNED_BYTE, 4}},
		{comp.FormatXRGB8888, uploadPlan{gl.RGBA8, gl.BGRA, gl.UNSIGNED_BYTE, 4}},
		{comp.FormatABGR8888, uploadPlan{gl.RGBA8, gl.RGBA, gl.UNSIGNED_BYTE, 4}},
		{comp.FormatRGB565, uploadPlan{gl.RGB8, gl.RGB, gl.UNSIGNED_SHORT_5_6_5, 2}},
		{comp.FormatR8, uploadPlan{gl.R8, gl.RED, gl.UNSIGNED_BYTE, 1}},
		{comp.FormatGR88, uploadPlan{gl.RG8, gl.RG, gl.UNSIGNED_BYTE, 2}},
	}
	for _, c := range cases {
		plan, ok := planFor(c.format)
		if !ok {
			t.Errorf("planFor(%v) not supported", c.format)
			continue
		}
		if plan != c.plan {
			t.Errorf("planFor(%v) = %+v, want %+v", c.format, plan, c.plan)
		}
	}
	if _, ok := planFor(comp.FormatNV12); ok {
		t.Error("NV12 must decompose before upload")
	}
}

func TestFlipRect(t *testing.T) {
	got := flipRect(image.Rect(1, 2, 4, 5), 10)
	if want := image.Rect(1, 5, 4, 8); got != want {
		t.Errorf("flipRect = %v, want %v", got, want)
	}
	full := image.Rect(0, 0, 8, 10)
	if flipRect(full, 10) != full {
		t.Error("full-height rect must flip onto itself")
	}
	r := image.Rect(2, 1, 6, 4)
	if flipRect(flipRect(r, 12), 12) != r {
		t.Error("flip is not an involution")
	}
}

func TestBorderStrips(t *testing.T) {
	o := comp.NewOutput("wl-0", image.Pt(0, 0), comp.Mode{Width: 8, Height: 8, RefreshMHz: 60000}, 2)
	s := borderStrips(o)
	want := [4]image.Rectangle{}
	want[comp.BorderTop] = image.Rect(0, 0, 12, 2)
	want[comp.BorderBottom] = image.Rect(0, 10, 12, 12)
	want[comp.BorderLeft] = image.Rect(0, 2, 2, 10)
	want[comp.BorderRight] = image.Rect(10, 2, 12, 10)
	if s != want {
		t.Errorf("borderStrips = %v, want %v", s, want)
	}

	area := 0
	for _, r := range s {
		area += r.Dx() * r.Dy()
	}
	if fb := o.FBSize.X*o.FBSize.Y - o.Area.Dx()*o.Area.Dy(); area != fb {
		t.Errorf("strips cover %d pixels, margin has %d", area, fb)
	}

	flat := comp.NewOutput("wl-1", image.Pt(0, 0), comp.Mode{Width: 8, Height: 8, RefreshMHz: 60000}, 0)
	for side, r := range borderStrips(flat) {
		if !r.Empty() {
			t.Errorf("borderless output has strip %d = %v", side, r)
		}
	}
}

func TestDRMFourCC(t *testing.T) {
	if got := fourcc('X', 'R', '2', '4'); got != 0x34325258 {
		t.Errorf("fourcc(XR24) = %#x", got)
	}
	cases := map[comp.PixelFormat]uint32{
		comp.FormatARGB8888: 0x34325241,
		comp.FormatXRGB8888: 0x34325258,
		comp.FormatNV12:     0x3231564e,
		comp.FormatYUYV:     0x56595559,
	}
	for f, want := range cases {
		got, ok := drmFourCC(f)
		if !ok || got != want {
			t.Errorf("drmFourCC(%v) = %#x,%v, want %#x", f, got, ok, want)
		}
	}
	if _, ok := drmFourCC(comp.FormatInvalid); ok {
		t.Error("invalid format has a fourcc")
	}
}

func TestVertexSourceFlips(t *testing.T) {
	for _, w := range []string{"y_flip", "tex_flip", "fb_offset", "1.0 - a_texcoord.y"} {
		if !strings.Contains(vertexSource, w) {
			t.Errorf("vertex source missing %q", w)
		}
	}
}
