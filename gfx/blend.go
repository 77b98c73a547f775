package gfx

import (
	"fmt"
	"math"
)

// Mix defines the color mixing function for a blend operation. The set is
// closed: only the separable mixing functions are supported, because they are
// the ones with exact per-channel formulas that the compute shaders can
// reproduce bit-for-bit against the CPU reference.
type Mix uint8

const (
	// No mixing; the blending formula simply selects the source color.
	MixNormal Mix = 0
	// Source color is multiplied by the destination color and replaces the
	// destination.
	MixMultiply Mix = 1
	// Multiplies the complements of the backdrop and source color values,
	// then complements the result.
	MixScreen Mix = 2
	// Multiplies or screens the colors, depending on the backdrop color
	// value.
	MixOverlay Mix = 3
	// Selects the darker of the backdrop and source colors.
	MixDarken Mix = 4
	// Selects the lighter of the backdrop and source colors.
	MixLighten Mix = 5
	// Brightens the backdrop color to reflect the source color. Painting
	// with black produces no change.
	MixColorDodge Mix = 6
	// Darkens the backdrop color to reflect the source color. Painting with
	// white produces no change.
	MixColorBurn Mix = 7
	// Multiplies or screens the colors, depending on the source color value.
	MixHardLight Mix = 8
	// Darkens or lightens the colors, depending on the source color value.
	MixSoftLight Mix = 9
	// Subtracts the darker of the two constituent colors from the lighter
	// color.
	MixDifference Mix = 10
	// Like Difference but lower in contrast.
	MixExclusion Mix = 11
)

func (m Mix) Valid() bool {
	return m <= MixExclusion
}

func (m Mix) String() string {
	switch m {
	case MixNormal:
		return "normal"
	case MixMultiply:
		return "multiply"
	case MixScreen:
		return "screen"
	case MixOverlay:
		return "overlay"
	case MixDarken:
		return "darken"
	case MixLighten:
		return "lighten"
	case MixColorDodge:
		return "color-dodge"
	case MixColorBurn:
		return "color-burn"
	case MixHardLight:
		return "hard-light"
	case MixSoftLight:
		return "soft-light"
	case MixDifference:
		return "difference"
	case MixExclusion:
		return "exclusion"
	default:
		return fmt.Sprintf("Mix(%d)", uint8(m))
	}
}

// Compose defines the Porter-Duff layer composition function for a blend
// operation.
type Compose uint8

const (
	// The source is placed over the destination.
	ComposeSrcOver Compose = 0
	// Only the source will be present.
	ComposeCopy Compose = 1
	// Only the destination will be present.
	ComposeDest Compose = 2
	// No regions are enabled.
	ComposeClear Compose = 3
	// The destination is placed over the source.
	ComposeDestOver Compose = 4
	// The parts of the source that overlap with the destination are placed.
	ComposeSrcIn Compose = 5
	// The parts of the destination that overlap with the source are placed.
	ComposeDestIn Compose = 6
	// The parts of the source that fall outside of the destination are
	// placed.
	ComposeSrcOut Compose = 7
	// The parts of the destination that fall outside of the source are
	// placed.
	ComposeDestOut Compose = 8
	// The parts of the source which overlap the destination replace the
	// destination. The destination is placed everywhere else.
	ComposeSrcAtop Compose = 9
	// The parts of the destination which overlap the source replace the
	// source. The source is placed everywhere else.
	ComposeDestAtop Compose = 10
	// The non-overlapping regions of source and destination are combined.
	ComposeXor Compose = 11
	// The sum of the source image and destination image is displayed.
	ComposePlus Compose = 12
)

func (c Compose) Valid() bool {
	return c <= ComposePlus
}

func (c Compose) String() string {
	switch c {
	case ComposeSrcOver:
		return "src-over"
	case ComposeCopy:
		return "copy"
	case ComposeDest:
		return "dest"
	case ComposeClear:
		return "clear"
	case ComposeDestOver:
		return "dest-over"
	case ComposeSrcIn:
		return "src-in"
	case ComposeDestIn:
		return "dest-in"
	case ComposeSrcOut:
		return "src-out"
	case ComposeDestOut:
		return "dest-out"
	case ComposeSrcAtop:
		return "src-atop"
	case ComposeDestAtop:
		return "dest-atop"
	case ComposeXor:
		return "xor"
	case ComposePlus:
		return "plus"
	default:
		return fmt.Sprintf("Compose(%d)", uint8(c))
	}
}

// BlendMode is a blend operation: a mixing function plus a composition
// function. The zero value is plain source-over.
type BlendMode struct {
	Mix     Mix
	Compose Compose
}

func (bm BlendMode) Valid() bool {
	return bm.Mix.Valid() && bm.Compose.Valid()
}

func (bm BlendMode) String() string {
	return fmt.Sprintf("(%s, %s)", bm.Mix, bm.Compose)
}

// mixChannel evaluates the mixing function on one pair of straight-alpha
// channel values in [0, 1]. These formulas are the ground truth the compute
// shaders are validated against.
func mixChannel(m Mix, cb, cs float32) float32 {
	switch m {
	case MixNormal:
		return cs
	case MixMultiply:
		return cb * cs
	case MixScreen:
		return cb + cs - cb*cs
	case MixOverlay:
		return mixChannel(MixHardLight, cs, cb)
	case MixDarken:
		return min(cb, cs)
	case MixLighten:
		return max(cb, cs)
	case MixColorDodge:
		if cb == 0 {
			return 0
		}
		if cs == 1 {
			return 1
		}
		return min(1, cb/(1-cs))
	case MixColorBurn:
		if cb == 1 {
			return 1
		}
		if cs == 0 {
			return 0
		}
		return 1 - min(1, (1-cb)/cs)
	case MixHardLight:
		if cs <= 0.5 {
			return cb * 2 * cs
		}
		return mixChannel(MixScreen, cb, 2*cs-1)
	case MixSoftLight:
		if cs <= 0.5 {
			return cb - (1-2*cs)*cb*(1-cb)
		}
		var d float32
		if cb <= 0.25 {
			d = ((16*cb-12)*cb + 4) * cb
		} else {
			d = sqrt32(cb)
		}
		return cb + (2*cs-1)*(d-cb)
	case MixDifference:
		return abs32(cb - cs)
	case MixExclusion:
		return cb + cs - 2*cb*cs
	default:
		panic(fmt.Sprintf("unhandled mix %d", m))
	}
}

// composeFactors returns the Porter-Duff source and destination factors for
// the given composition function and the two alpha values.
func composeFactors(c Compose, ab, as float32) (fa, fb float32) {
	switch c {
	case ComposeSrcOver:
		return 1, 1 - as
	case ComposeCopy:
		return 1, 0
	case ComposeDest:
		return 0, 1
	case ComposeClear:
		return 0, 0
	case ComposeDestOver:
		return 1 - ab, 1
	case ComposeSrcIn:
		return ab, 0
	case ComposeDestIn:
		return 0, as
	case ComposeSrcOut:
		return 1 - ab, 0
	case ComposeDestOut:
		return 0, 1 - as
	case ComposeSrcAtop:
		return ab, 1 - as
	case ComposeDestAtop:
		return 1 - ab, as
	case ComposeXor:
		return 1 - ab, 1 - as
	case ComposePlus:
		return 1, 1
	default:
		panic(fmt.Sprintf("unhandled compose %d", c))
	}
}

// Blend applies one blend operation to a single pixel: backdrop below,
// src above, both premultiplied in the same working space. The result is
// premultiplied and clamped to [0, 1].
//
// Per the CSS compositing model, the source color is first mixed with the
// backdrop proportionally to the backdrop alpha, then the two are combined
// with the Porter-Duff factors of the composition function.
func Blend(mode BlendMode, backdrop, src RGBA) RGBA {
	ab := clamp01(backdrop[3])
	as := clamp01(src[3])

	var out RGBA
	fa, fb := composeFactors(mode.Compose, ab, as)
	for i := range 3 {
		cb := unpremul(backdrop[i], ab)
		cs := unpremul(src[i], as)
		mixed := (1-ab)*cs + ab*mixChannel(mode.Mix, cb, cs)
		out[i] = clamp01(as*fa*mixed + ab*fb*cb)
	}
	out[3] = clamp01(as*fa + ab*fb)
	return out
}

func unpremul(c, a float32) float32 {
	if a == 0 {
		return 0
	}
	return clamp01(c / a)
}

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
