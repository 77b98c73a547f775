package gfx

import "fmt"

// Layout describes the byte-level arrangement of one texel.
type Layout uint8

const (
	// Four 8-bit channels, straight alpha.
	LayoutRGBA8 Layout = 0
	// Four float32 channels, premultiplied alpha. Used for intermediate
	// results so that chained blends do not quantize between steps.
	LayoutRGBAF32 Layout = 1
)

func (l Layout) Valid() bool {
	return l == LayoutRGBA8 || l == LayoutRGBAF32
}

func (l Layout) BytesPerTexel() uint32 {
	switch l {
	case LayoutRGBA8:
		return 4
	case LayoutRGBAF32:
		return 16
	default:
		panic(fmt.Sprintf("unhandled layout %d", l))
	}
}

func (l Layout) String() string {
	switch l {
	case LayoutRGBA8:
		return "rgba8"
	case LayoutRGBAF32:
		return "rgbaf32"
	default:
		return fmt.Sprintf("Layout(%d)", uint8(l))
	}
}

// Texel is a storage encoding: a byte layout plus the space its channel
// values are encoded in.
type Texel struct {
	Layout Layout
	Space  Space
}

func (t Texel) Valid() bool {
	return t.Layout.Valid() && t.Space.Valid()
}

func (t Texel) String() string {
	return fmt.Sprintf("%s/%s", t.Layout, t.Space)
}

// Format fully describes a raster: dimensions plus storage encoding.
type Format struct {
	Width  uint32
	Height uint32
	Texel  Texel
}

func (f Format) Valid() bool {
	return f.Width > 0 && f.Height > 0 && f.Texel.Valid()
}

// Texels is the number of pixels the raster holds.
func (f Format) Texels() uint64 {
	return uint64(f.Width) * uint64(f.Height)
}

// SizeBytes is the byte size of a tightly packed raster in this format.
func (f Format) SizeBytes() uint64 {
	return f.Texels() * uint64(f.Texel.Layout.BytesPerTexel())
}

// Compatible reports whether two formats may take part in the same blend
// step. Dimensions must agree exactly; encodings may differ, since loads and
// stores re-encode per texel.
func (f Format) Compatible(o Format) bool {
	return f.Valid() && o.Valid() && f.Width == o.Width && f.Height == o.Height
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d %s", f.Width, f.Height, f.Texel)
}
