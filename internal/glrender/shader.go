package glrender

import (
	"fmt"
	"strings"

	"github.com/go-gl/gl/v3.2-core/gl"

	"github.com/matjam/lucent/internal/cms"
	"github.com/matjam/lucent/internal/comp"
	"github.com/matjam/lucent/internal/signal"
)

// shaderKey selects one fragment shader variant. Programs are built on
// first use and cached for the renderer's lifetime; the key space is
// small because color stages collapse to identity whenever profiles
// match.
type shaderKey struct {
	sampler comp.SamplerClass

	// forceAlpha writes alpha 1 before blending math: the opaque draw
	// pass for every format, and all passes for formats without alpha.
	forceAlpha bool

	pre     cms.CurveKind
	mapping cms.MappingKind
	post    cms.CurveKind

	// debug tints the fragment toward red to visualize repainted area.
	debug bool
}

func (k shaderKey) hasColor() bool {
	return k.pre != cms.CurveIdentity || k.mapping != cms.MappingIdentity || k.post != cms.CurveIdentity
}

// keyFor derives the variant for drawing with tr applied. identity
// cancels the color stages regardless of tr.
func keyFor(sampler comp.SamplerClass, forceAlpha bool, tr *cms.Transform, identity, debug bool) shaderKey {
	k := shaderKey{sampler: sampler, forceAlpha: forceAlpha, debug: debug}
	if identity || tr == nil {
		return k
	}
	if tr.Pre != nil {
		k.pre = tr.Pre.Kind
	}
	k.mapping = tr.Mapping.Kind
	if tr.Post != nil {
		k.post = tr.Post.Kind
	}
	return k
}

const vertexSource = `#version 150
uniform vec2 fb_size;
uniform vec2 fb_offset;
uniform float y_flip;
uniform float tex_flip;
in vec2 a_position;
in vec2 a_texcoord;
out vec2 v_texcoord;
void main() {
	vec2 fb = a_position + fb_offset;
	vec2 ndc = fb / fb_size * 2.0 - 1.0;
	gl_Position = vec4(ndc.x, ndc.y * y_flip, 0.0, 1.0);
	v_texcoord = vec2(a_texcoord.x, mix(a_texcoord.y, 1.0 - a_texcoord.y, tex_flip));
}
`

// fragmentSource builds the GLSL for one variant. Sampling recombines
// the format's planes, then the three color stages run on unpremultiplied
// values, then node alpha scales the premultiplied result.
func fragmentSource(k shaderKey) string {
	var b strings.Builder
	b.WriteString("#version 150\n")
	b.WriteString("in vec2 v_texcoord;\n")
	b.WriteString("out vec4 frag_color;\n")
	b.WriteString("uniform float node_alpha;\n")

	switch k.sampler {
	case comp.SamplerSolid:
		b.WriteString("uniform vec4 unicolor;\n")
	case comp.SamplerRGBA, comp.SamplerExternal:
		b.WriteString("uniform sampler2D tex0;\n")
	case comp.SamplerY_UV, comp.SamplerY_XUXV:
		b.WriteString("uniform sampler2D tex0;\nuniform sampler2D tex1;\n")
	case comp.SamplerY_U_V:
		b.WriteString("uniform sampler2D tex0;\nuniform sampler2D tex1;\nuniform sampler2D tex2;\n")
	}

	if yuvSampler(k.sampler) {
		// Full-range BT.601, matching the software renderer's use of
		// the standard library YCbCr conversion.
		b.WriteString(`vec3 yuv2rgb(float y, float u, float v) {
	u -= 0.5;
	v -= 0.5;
	return clamp(vec3(
		y + 1.402 * v,
		y - 0.344136 * u - 0.714136 * v,
		y + 1.772 * u), 0.0, 1.0);
}
`)
	}

	switch k.sampler {
	case comp.SamplerSolid:
		b.WriteString("vec4 sample_color() {\n\treturn unicolor;\n}\n")
	case comp.SamplerRGBA, comp.SamplerExternal:
		b.WriteString("vec4 sample_color() {\n\treturn texture(tex0, v_texcoord);\n}\n")
	case comp.SamplerY_UV:
		b.WriteString(`vec4 sample_color() {
	float y = texture(tex0, v_texcoord).r;
	vec2 uv = texture(tex1, v_texcoord).rg;
	return vec4(yuv2rgb(y, uv.r, uv.g), 1.0);
}
`)
	case comp.SamplerY_U_V:
		b.WriteString(`vec4 sample_color() {
	float y = texture(tex0, v_texcoord).r;
	float u = texture(tex1, v_texcoord).r;
	float v = texture(tex2, v_texcoord).r;
	return vec4(yuv2rgb(y, u, v), 1.0);
}
`)
	case comp.SamplerY_XUXV:
		b.WriteString(`vec4 sample_color() {
	float y = texture(tex0, v_texcoord).r;
	vec4 xuxv = texture(tex1, v_texcoord);
	return vec4(yuv2rgb(y, xuxv.g, xuxv.a), 1.0);
}
`)
	}

	if k.pre != cms.CurveIdentity {
		b.WriteString(curveSource("pre", k.pre))
	}
	if k.mapping == cms.MappingMatrix {
		b.WriteString("uniform mat3 color_matrix;\n")
	}
	if k.mapping == cms.MappingLUT3D {
		b.WriteString("uniform sampler3D lut3d;\nuniform float lut_scale;\nuniform float lut_offset;\n")
	}
	if k.post != cms.CurveIdentity {
		b.WriteString(curveSource("post", k.post))
	}
	if k.hasColor() {
		b.WriteString("vec3 color(vec3 c) {\n\tc = clamp(c, 0.0, 1.0);\n")
		if k.pre != cms.CurveIdentity {
			b.WriteString("\tc = pre_curve(c);\n")
		}
		switch k.mapping {
		case cms.MappingMatrix:
			b.WriteString("\tc = color_matrix * c;\n")
		case cms.MappingLUT3D:
			b.WriteString("\tc = texture(lut3d, clamp(c, 0.0, 1.0) * lut_scale + lut_offset).rgb;\n")
		}
		if k.post != cms.CurveIdentity {
			b.WriteString("\tc = post_curve(c);\n")
		}
		b.WriteString("\treturn c;\n}\n")
	}

	b.WriteString("void main() {\n\tvec4 c = sample_color();\n")
	if k.forceAlpha {
		b.WriteString("\tc.a = 1.0;\n")
	}
	if k.hasColor() {
		if k.forceAlpha {
			b.WriteString("\tc.rgb = color(c.rgb);\n")
		} else {
			b.WriteString("\tif (c.a > 0.0) {\n\t\tc.rgb = color(c.rgb / c.a) * c.a;\n\t}\n")
		}
	}
	b.WriteString("\tc *= node_alpha;\n")
	if k.debug {
		b.WriteString("\tc.rgb *= vec3(1.0, 0.6, 0.6);\n")
	}
	b.WriteString("\tfrag_color = c;\n}\n")
	return b.String()
}

// curveSource emits the uniforms and evaluator for one parametric curve
// stage. Channel coefficients arrive as vec3 so the three channels
// evaluate in one pass; the piecewise split at d matches cms.Curve.Eval.
func curveSource(name string, kind cms.CurveKind) string {
	u := fmt.Sprintf("uniform vec3 %[1]s_g, %[1]s_a, %[1]s_b, %[1]s_c, %[1]s_d;\n", name)
	switch kind {
	case cms.CurveLinPow:
		return u + fmt.Sprintf(`vec3 %[1]s_curve(vec3 x) {
	x = clamp(x, 0.0, 1.0);
	vec3 lo = %[1]s_c * x;
	vec3 hi = pow(max(%[1]s_a * x + %[1]s_b, vec3(0.0)), %[1]s_g);
	return mix(lo, hi, step(%[1]s_d, x));
}
`, name)
	case cms.CurvePowLin:
		return u + fmt.Sprintf(`vec3 %[1]s_curve(vec3 x) {
	x = clamp(x, 0.0, 1.0);
	vec3 lo = %[1]s_c * x;
	vec3 hi = %[1]s_a * pow(max(x, vec3(0.0)), vec3(1.0) / %[1]s_g) + %[1]s_b;
	return mix(lo, hi, step(%[1]s_d, x));
}
`, name)
	}
	return ""
}

func yuvSampler(s comp.SamplerClass) bool {
	return s == comp.SamplerY_UV || s == comp.SamplerY_U_V || s == comp.SamplerY_XUXV
}

// program is one linked variant with its uniform locations resolved.
// Locations of uniforms a variant does not declare are -1 and uploads to
// them are no-ops.
type program struct {
	id uint32

	fbSize    int32
	fbOffset  int32
	yFlip     int32
	texFlip   int32
	tex       [3]int32
	unicolor  int32
	nodeAlpha int32

	matrix    int32
	lut       int32
	lutScale  int32
	lutOffset int32
	pre       curveLocs
	post      curveLocs
}

type curveLocs struct {
	g, a, b, c, d int32
}

func (r *Renderer) getProgram(k shaderKey) (*program, error) {
	if p, ok := r.programs[k]; ok {
		return p, nil
	}
	p, err := buildProgram(r.vertexShader, fragmentSource(k))
	if err != nil {
		return nil, err
	}
	r.programs[k] = p
	return p, nil
}

func buildProgram(vs uint32, fragSrc string) (*program, error) {
	fs, err := compileShader(gl.FRAGMENT_SHADER, fragSrc)
	if err != nil {
		return nil, err
	}
	defer gl.DeleteShader(fs)

	id := gl.CreateProgram()
	gl.AttachShader(id, vs)
	gl.AttachShader(id, fs)
	gl.BindAttribLocation(id, attribPosition, gl.Str("a_position\x00"))
	gl.BindAttribLocation(id, attribTexcoord, gl.Str("a_texcoord\x00"))
	gl.LinkProgram(id)

	var status int32
	gl.GetProgramiv(id, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var n int32
		gl.GetProgramiv(id, gl.INFO_LOG_LENGTH, &n)
		info := strings.Repeat("\x00", int(n+1))
		gl.GetProgramInfoLog(id, n, nil, gl.Str(info))
		gl.DeleteProgram(id)
		return nil, fmt.Errorf("glrender: program link: %s", strings.TrimRight(info, "\x00"))
	}

	p := &program{
		id:        id,
		fbSize:    uniform(id, "fb_size"),
		fbOffset:  uniform(id, "fb_offset"),
		yFlip:     uniform(id, "y_flip"),
		texFlip:   uniform(id, "tex_flip"),
		unicolor:  uniform(id, "unicolor"),
		nodeAlpha: uniform(id, "node_alpha"),
		matrix:    uniform(id, "color_matrix"),
		lut:       uniform(id, "lut3d"),
		lutScale:  uniform(id, "lut_scale"),
		lutOffset: uniform(id, "lut_offset"),
		pre:       curveUniforms(id, "pre"),
		post:      curveUniforms(id, "post"),
	}
	for i := range p.tex {
		p.tex[i] = uniform(id, fmt.Sprintf("tex%d", i))
	}
	gl.UseProgram(id)
	for i, loc := range p.tex {
		if loc >= 0 {
			gl.Uniform1i(loc, int32(i))
		}
	}
	if p.lut >= 0 {
		gl.Uniform1i(p.lut, lutTextureUnit)
	}
	return p, nil
}

func curveUniforms(id uint32, name string) curveLocs {
	return curveLocs{
		g: uniform(id, name+"_g"),
		a: uniform(id, name+"_a"),
		b: uniform(id, name+"_b"),
		c: uniform(id, name+"_c"),
		d: uniform(id, name+"_d"),
	}
}

func uniform(id uint32, name string) int32 {
	return gl.GetUniformLocation(id, gl.Str(name+"\x00"))
}

func compileShader(stage uint32, src string) (uint32, error) {
	sh := gl.CreateShader(stage)
	csources, free := gl.Strs(src + "\x00")
	gl.ShaderSource(sh, 1, csources, nil)
	free()
	gl.CompileShader(sh)

	var status int32
	gl.GetShaderiv(sh, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var n int32
		gl.GetShaderiv(sh, gl.INFO_LOG_LENGTH, &n)
		info := strings.Repeat("\x00", int(n+1))
		gl.GetShaderInfoLog(sh, n, nil, gl.Str(info))
		gl.DeleteShader(sh)
		return 0, fmt.Errorf("glrender: shader compile: %s", strings.TrimRight(info, "\x00"))
	}
	return sh, nil
}

// setCurve uploads one stage's coefficients, channel-major to vec3.
func setCurve(locs curveLocs, c *cms.Curve) {
	if c == nil {
		return
	}
	upload := func(loc int32, pick func(cms.CurveParams) float64) {
		if loc < 0 {
			return
		}
		gl.Uniform3f(loc,
			float32(pick(c.Params[0])),
			float32(pick(c.Params[1])),
			float32(pick(c.Params[2])))
	}
	upload(locs.g, func(p cms.CurveParams) float64 { return p.G })
	upload(locs.a, func(p cms.CurveParams) float64 { return p.A })
	upload(locs.b, func(p cms.CurveParams) float64 { return p.B })
	upload(locs.c, func(p cms.CurveParams) float64 { return p.C })
	upload(locs.d, func(p cms.CurveParams) float64 { return p.D })
}

// setColorStages uploads the variant's color-stage uniforms from tr.
// The 3D LUT is (re)uploaded only when the transform changes; lutFor
// caches per transform on the renderer.
func (r *Renderer) setColorStages(p *program, k shaderKey, tr *cms.Transform) {
	if !k.hasColor() || tr == nil {
		return
	}
	if k.pre != cms.CurveIdentity {
		setCurve(p.pre, tr.Pre)
	}
	switch k.mapping {
	case cms.MappingMatrix:
		if p.matrix >= 0 {
			m := tr.Mapping.Matrix
			var f [9]float32
			for i := range m {
				f[i] = float32(m[i])
			}
			gl.UniformMatrix3fv(p.matrix, 1, true, &f[0])
		}
	case cms.MappingLUT3D:
		lut := tr.Mapping.LUT
		tex := r.lutFor(tr)
		gl.ActiveTexture(gl.TEXTURE0 + lutTextureUnit)
		gl.BindTexture(gl.TEXTURE_3D, tex)
		gl.ActiveTexture(gl.TEXTURE0)
		if p.lutScale >= 0 && lut != nil && lut.Size > 1 {
			n := float32(lut.Size)
			gl.Uniform1f(p.lutScale, (n-1)/n)
			gl.Uniform1f(p.lutOffset, 0.5/n)
		}
	}
	if k.post != cms.CurveIdentity {
		setCurve(p.post, tr.Post)
	}
}

// lutFor uploads tr's 3D LUT as a GL_TEXTURE_3D once and caches the
// texture for the transform's lifetime.
func (r *Renderer) lutFor(tr *cms.Transform) uint32 {
	if tex, ok := r.luts[tr]; ok {
		return tex
	}
	lut := tr.Mapping.LUT
	var tex uint32
	gl.GenTextures(1, &tex)
	gl.ActiveTexture(gl.TEXTURE0 + lutTextureUnit)
	gl.BindTexture(gl.TEXTURE_3D, tex)
	gl.TexParameteri(gl.TEXTURE_3D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_3D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_3D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_3D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_3D, gl.TEXTURE_WRAP_R, gl.CLAMP_TO_EDGE)
	n := int32(lut.Size)
	gl.TexImage3D(gl.TEXTURE_3D, 0, gl.RGB16F, n, n, n, 0, gl.RGB, gl.FLOAT, gl.Ptr(lut.Data))
	gl.ActiveTexture(gl.TEXTURE0)
	r.luts[tr] = tex

	l := &transformGone{r: r, tr: tr}
	l.listener.Notify = l.drop
	tr.DestroySignal.Add(&l.listener)
	return tex
}

type transformGone struct {
	r        *Renderer
	tr       *cms.Transform
	listener signal.Listener
}

func (l *transformGone) drop(any) {
	if tex, ok := l.r.luts[l.tr]; ok {
		gl.DeleteTextures(1, &tex)
		delete(l.r.luts, l.tr)
	}
}
