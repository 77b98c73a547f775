// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package gfx

import (
	"fmt"
	"math"

	"honnef.co/go/color"
	"honnef.co/go/safeish"
)

// Space identifies the numeric encoding of channel values. Blending evaluates
// in the space named by the blend descriptor; storage encodings are converted
// on load and store.
type Space uint8

const (
	// Gamma-encoded sRGB. This is what 8-bit rasters almost always store and
	// what browser canvases composite in.
	SpaceSRGB Space = 0
	// Linear-light sRGB.
	SpaceLinear Space = 1
)

func (s Space) Valid() bool {
	return s == SpaceSRGB || s == SpaceLinear
}

func (s Space) String() string {
	switch s {
	case SpaceSRGB:
		return "srgb"
	case SpaceLinear:
		return "linear"
	default:
		return fmt.Sprintf("Space(%d)", uint8(s))
	}
}

// RGBA is one alpha-premultiplied pixel in some working space, channels in
// [0, 1].
type RGBA [4]float32

// srgbToLinear8 maps an 8-bit gamma-encoded value to linear light. The table
// makes DecodePixels branch-free per channel.
var srgbToLinear8 = func() [256]float32 {
	var lut [256]float32
	for i := range lut {
		lut[i] = float32(srgbToLinear(float64(i) / 255))
	}
	return lut
}()

func srgbToLinear(x float64) float64 {
	if x <= 0.04045 {
		return x / 12.92
	}
	return math.Pow((x+0.055)/1.055, 2.4)
}

func linearToSRGB(v float64) float64 {
	if v <= 0.0031308 {
		return 12.92 * v
	}
	return 1.055*math.Pow(v, 1/2.4) - 0.055
}

// ToLinear converts an encoded channel value in [0, 1] to linear light.
func ToLinear(x float32, s Space) float32 {
	switch s {
	case SpaceSRGB:
		return float32(srgbToLinear(float64(x)))
	case SpaceLinear:
		return x
	default:
		panic(fmt.Sprintf("unhandled space %d", s))
	}
}

// FromLinear converts a linear-light channel value in [0, 1] to the encoding
// of s.
func FromLinear(v float32, s Space) float32 {
	switch s {
	case SpaceSRGB:
		return float32(linearToSRGB(float64(v)))
	case SpaceLinear:
		return v
	default:
		panic(fmt.Sprintf("unhandled space %d", s))
	}
}

// Convert re-encodes a channel value in [0, 1] from one space to another.
func Convert(x float32, from, to Space) float32 {
	if from == to {
		return x
	}
	return FromLinear(ToLinear(x, from), to)
}

// DecodeByte converts an 8-bit stored channel value to the working space.
func DecodeByte(b uint8, storage, working Space) float32 {
	if storage == SpaceSRGB && working == SpaceLinear {
		return srgbToLinear8[b]
	}
	return Convert(float32(b)/255, storage, working)
}

// EncodeByte converts a working-space channel value to 8-bit storage,
// rounding to nearest with ties to even. EncodeByte(DecodeByte(b, s, w), s, w)
// == b for every byte b.
func EncodeByte(v float32, storage, working Space) uint8 {
	e := float64(Convert(v, working, storage))
	if e <= 0 {
		return 0
	}
	if e >= 1 {
		return 255
	}
	return uint8(math.RoundToEven(e * 255))
}

// FromColor converts a color to a premultiplied working-space pixel.
func FromColor(c *color.Color, working Space) RGBA {
	cc := c.Convert(color.LinearSRGB)
	a := float32(cc.Values[3])

	var out RGBA
	for i := range 3 {
		out[i] = Convert(float32(cc.Values[i]), SpaceLinear, working) * a
	}
	out[3] = a
	return out
}

// DecodePixels converts stored raster data to premultiplied pixels in the
// working space. LayoutRGBA8 storage holds straight (non-premultiplied)
// alpha; LayoutRGBAF32 storage is already premultiplied and must match the
// working space.
func DecodePixels(data []byte, t Texel, working Space) ([]RGBA, error) {
	switch t.Layout {
	case LayoutRGBA8:
		if len(data)%4 != 0 {
			return nil, fmt.Errorf("rgba8 data length %d is not a multiple of 4", len(data))
		}
		out := make([]RGBA, len(data)/4)
		for i := range out {
			px := data[i*4 : i*4+4]
			a := float32(px[3]) / 255
			out[i] = RGBA{
				DecodeByte(px[0], t.Space, working) * a,
				DecodeByte(px[1], t.Space, working) * a,
				DecodeByte(px[2], t.Space, working) * a,
				a,
			}
		}
		return out, nil
	case LayoutRGBAF32:
		if t.Space != working {
			return nil, fmt.Errorf("f32 storage in %s cannot be read as %s", t.Space, working)
		}
		if len(data)%16 != 0 {
			return nil, fmt.Errorf("rgbaf32 data length %d is not a multiple of 16", len(data))
		}
		px := safeish.SliceCast[[]RGBA](data)
		out := make([]RGBA, len(px))
		copy(out, px)
		return out, nil
	default:
		panic(fmt.Sprintf("unhandled layout %d", t.Layout))
	}
}

// EncodePixels converts premultiplied working-space pixels to stored raster
// data described by t.
func EncodePixels(px []RGBA, t Texel, working Space) ([]byte, error) {
	switch t.Layout {
	case LayoutRGBA8:
		out := make([]byte, len(px)*4)
		for i, p := range px {
			a := clamp01(p[3])
			inv := float32(0)
			if a > 0 {
				inv = 1 / a
			}
			out[i*4+0] = EncodeByte(clamp01(p[0]*inv), t.Space, working)
			out[i*4+1] = EncodeByte(clamp01(p[1]*inv), t.Space, working)
			out[i*4+2] = EncodeByte(clamp01(p[2]*inv), t.Space, working)
			out[i*4+3] = uint8(math.RoundToEven(float64(a) * 255))
		}
		return out, nil
	case LayoutRGBAF32:
		if t.Space != working {
			return nil, fmt.Errorf("f32 storage in %s cannot be written as %s", t.Space, working)
		}
		out := make([]byte, len(px)*16)
		copy(out, safeish.SliceCast[[]byte](px))
		return out, nil
	default:
		panic(fmt.Sprintf("unhandled layout %d", t.Layout))
	}
}

func clamp01(x float32) float32 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
