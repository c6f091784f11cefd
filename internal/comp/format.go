// Package comp holds the compositor core: buffers, surfaces, outputs,
// paint nodes, capture tasks and the repaint scheduler. Renderers plug in
// behind the Renderer interface and keep their private state in the
// RendererState slots the core provides.
package comp

import "image"

// PixelFormat identifies a buffer pixel layout.
type PixelFormat int

const (
	FormatInvalid PixelFormat = iota
	FormatARGB8888
	FormatXRGB8888
	FormatABGR8888
	FormatXBGR8888
	FormatRGB565
	FormatR8
	FormatGR88
	FormatYUV420
	FormatYUV444
	FormatNV12
	FormatYUYV
)

// SamplerClass tells the renderer how to recombine a format's planes when
// sampling. RGB formats sample one plane directly; YUV formats decompose
// into R8/GR88 planes stitched back together at draw time.
type SamplerClass int

const (
	SamplerRGBA SamplerClass = iota
	SamplerY_UV
	SamplerY_U_V
	SamplerY_XUXV
	SamplerSolid
	SamplerExternal
)

// PlaneInfo describes one decomposed texture plane.
type PlaneInfo struct {
	Format PixelFormat // always a single-channel or two-channel RGB format
	DivW   int         // horizontal subsampling divisor
	DivH   int         // vertical subsampling divisor
}

// FormatInfo is the static description of a pixel format.
type FormatInfo struct {
	Name     string
	BPP      int // bytes per pixel of plane 0
	HasAlpha bool
	Opaque   PixelFormat // alpha-ignoring equivalent, or the format itself
	Sampler  SamplerClass
	Planes   []PlaneInfo
}

var formatTable = map[PixelFormat]FormatInfo{
	FormatARGB8888: {
		Name: "ARGB8888", BPP: 4, HasAlpha: true, Opaque: FormatXRGB8888,
		Sampler: SamplerRGBA,
		Planes:  []PlaneInfo{{FormatARGB8888, 1, 1}},
	},
	FormatXRGB8888: {
		Name: "XRGB8888", BPP: 4, Opaque: FormatXRGB8888,
		Sampler: SamplerRGBA,
		Planes:  []PlaneInfo{{FormatXRGB8888, 1, 1}},
	},
	FormatABGR8888: {
		Name: "ABGR8888", BPP: 4, HasAlpha: true, Opaque: FormatXBGR8888,
		Sampler: SamplerRGBA,
		Planes:  []PlaneInfo{{FormatABGR8888, 1, 1}},
	},
	FormatXBGR8888: {
		Name: "XBGR8888", BPP: 4, Opaque: FormatXBGR8888,
		Sampler: SamplerRGBA,
		Planes:  []PlaneInfo{{FormatXBGR8888, 1, 1}},
	},
	FormatRGB565: {
		Name: "RGB565", BPP: 2, Opaque: FormatRGB565,
		Sampler: SamplerRGBA,
		Planes:  []PlaneInfo{{FormatRGB565, 1, 1}},
	},
	FormatR8: {
		Name: "R8", BPP: 1, Opaque: FormatR8,
		Sampler: SamplerRGBA,
		Planes:  []PlaneInfo{{FormatR8, 1, 1}},
	},
	FormatGR88: {
		Name: "GR88", BPP: 2, Opaque: FormatGR88,
		Sampler: SamplerRGBA,
		Planes:  []PlaneInfo{{FormatGR88, 1, 1}},
	},
	FormatYUV420: {
		Name: "YUV420", BPP: 1, Opaque: FormatYUV420,
		Sampler: SamplerY_U_V,
		Planes: []PlaneInfo{
			{FormatR8, 1, 1},
			{FormatR8, 2, 2},
			{FormatR8, 2, 2},
		},
	},
	FormatYUV444: {
		Name: "YUV444", BPP: 1, Opaque: FormatYUV444,
		Sampler: SamplerY_U_V,
		Planes: []PlaneInfo{
			{FormatR8, 1, 1},
			{FormatR8, 1, 1},
			{FormatR8, 1, 1},
		},
	},
	FormatNV12: {
		Name: "NV12", BPP: 1, Opaque: FormatNV12,
		Sampler: SamplerY_UV,
		Planes: []PlaneInfo{
			{FormatR8, 1, 1},
			{FormatGR88, 2, 2},
		},
	},
	FormatYUYV: {
		Name: "YUYV", BPP: 2, Opaque: FormatYUYV,
		Sampler: SamplerY_XUXV,
		Planes: []PlaneInfo{
			{FormatGR88, 1, 1},
			{FormatARGB8888, 2, 1},
		},
	},
}

// Info returns the format's static description. Unknown formats return a
// zero FormatInfo with an empty plane list; callers treat that as
// unsupported.
func (f PixelFormat) Info() FormatInfo {
	return formatTable[f]
}

// Valid reports whether the format is in the supported table.
func (f PixelFormat) Valid() bool {
	_, ok := formatTable[f]
	return ok
}

func (f PixelFormat) String() string {
	if info, ok := formatTable[f]; ok {
		return info.Name
	}
	return "invalid"
}

// SubsampleRect maps a full-resolution rect into a subsampled plane's
// coordinates, rounding outward so partial chroma blocks stay covered.
func SubsampleRect(r image.Rectangle, divW, divH int) image.Rectangle {
	if divW == 1 && divH == 1 {
		return r
	}
	return image.Rect(
		floorDiv(r.Min.X, divW), floorDiv(r.Min.Y, divH),
		ceilDiv(r.Max.X, divW), ceilDiv(r.Max.Y, divH),
	)
}

func floorDiv(a, b int) int {
	if a < 0 {
		return -ceilDiv(-a, b)
	}
	return a / b
}

func ceilDiv(a, b int) int {
	if a < 0 {
		return -floorDiv(-a, b)
	}
	return (a + b - 1) / b
}
