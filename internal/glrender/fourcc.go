package glrender

import "github.com/matjam/lucent/internal/comp"

// fourcc packs a DRM format code the way drm_fourcc.h does.
func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

var drmFormats = map[comp.PixelFormat]uint32{
	comp.FormatARGB8888: fourcc('A', 'R', '2', '4'),
	comp.FormatXRGB8888: fourcc('X', 'R', '2', '4'),
	comp.FormatABGR8888: fourcc('A', 'B', '2', '4'),
	comp.FormatXBGR8888: fourcc('X', 'B', '2', '4'),
	comp.FormatRGB565:   fourcc('R', 'G', '1', '6'),
	comp.FormatR8:       fourcc('R', '8', ' ', ' '),
	comp.FormatGR88:     fourcc('G', 'R', '8', '8'),
	comp.FormatYUV420:   fourcc('Y', 'U', '1', '2'),
	comp.FormatYUV444:   fourcc('Y', 'U', '2', '4'),
	comp.FormatNV12:     fourcc('N', 'V', '1', '2'),
	comp.FormatYUYV:     fourcc('Y', 'U', 'Y', 'V'),
}

// drmFourCC maps a pixel format to its DRM fourcc code; ok is false for
// formats with no wire equivalent.
func drmFourCC(f comp.PixelFormat) (uint32, bool) {
	code, ok := drmFormats[f]
	return code, ok
}
