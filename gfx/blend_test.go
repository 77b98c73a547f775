package gfx

import (
	"math"
	"testing"
)

func approx(a, b float32) bool {
	return math.Abs(float64(a)-float64(b)) < 1e-6
}

func TestBlendSourceOverOpaque(t *testing.T) {
	// Opaque red under 50% white, plain source-over. Each color channel
	// ends up exactly halfway between backdrop and source.
	red := RGBA{1, 0, 0, 1}
	white := RGBA{0.5, 0.5, 0.5, 0.5}

	out := Blend(BlendMode{}, red, white)
	want := RGBA{1, 0.5, 0.5, 1}
	for i := range out {
		if !approx(out[i], want[i]) {
			t.Errorf("channel %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestBlendTransparentSource(t *testing.T) {
	backdrop := RGBA{0.25, 0.5, 0.75, 1}
	out := Blend(BlendMode{}, backdrop, RGBA{})
	for i := range out {
		if !approx(out[i], backdrop[i]) {
			t.Errorf("channel %d = %v, want backdrop %v", i, out[i], backdrop[i])
		}
	}
}

func TestMixFormulas(t *testing.T) {
	// Opaque grey pixels reduce Blend to the raw mixing formula per
	// channel.
	tests := []struct {
		mix    Mix
		cb, cs float32
		want   float32
	}{
		{MixNormal, 0.25, 0.75, 0.75},
		{MixMultiply, 0.5, 0.5, 0.25},
		{MixScreen, 0.5, 0.5, 0.75},
		{MixOverlay, 0.25, 0.5, 0.25},
		{MixOverlay, 0.75, 0.5, 0.75},
		{MixDarken, 0.25, 0.75, 0.25},
		{MixLighten, 0.25, 0.75, 0.75},
		{MixColorDodge, 0, 0.5, 0},
		{MixColorDodge, 0.5, 1, 1},
		{MixColorDodge, 0.25, 0.5, 0.5},
		{MixColorBurn, 1, 0.5, 1},
		{MixColorBurn, 0.5, 0, 0},
		{MixColorBurn, 0.75, 0.5, 0.5},
		{MixHardLight, 0.5, 0.25, 0.25},
		{MixHardLight, 0.5, 0.75, 0.75},
		{MixSoftLight, 0.25, 0.25, 0.15625},
		{MixSoftLight, 1, 0.75, 1},
		{MixDifference, 0.25, 0.75, 0.5},
		{MixExclusion, 0.5, 0.5, 0.5},
	}
	for _, tt := range tests {
		backdrop := RGBA{tt.cb, tt.cb, tt.cb, 1}
		src := RGBA{tt.cs, tt.cs, tt.cs, 1}
		out := Blend(BlendMode{Mix: tt.mix}, backdrop, src)
		if !approx(out[0], tt.want) {
			t.Errorf("%s(%v, %v) = %v, want %v", tt.mix, tt.cb, tt.cs, out[0], tt.want)
		}
	}
}

func TestComposeAlpha(t *testing.T) {
	// ab = as = 0.5 distinguishes every composition function's alpha
	// result.
	tests := []struct {
		compose Compose
		want    float32
	}{
		{ComposeSrcOver, 0.75},
		{ComposeCopy, 0.5},
		{ComposeDest, 0.5},
		{ComposeClear, 0},
		{ComposeDestOver, 0.75},
		{ComposeSrcIn, 0.25},
		{ComposeDestIn, 0.25},
		{ComposeSrcOut, 0.25},
		{ComposeDestOut, 0.25},
		{ComposeSrcAtop, 0.5},
		{ComposeDestAtop, 0.5},
		{ComposeXor, 0.5},
		{ComposePlus, 1},
	}
	backdrop := RGBA{0.5, 0.5, 0.5, 0.5}
	src := RGBA{0.25, 0.25, 0.25, 0.5}
	for _, tt := range tests {
		out := Blend(BlendMode{Compose: tt.compose}, backdrop, src)
		if !approx(out[3], tt.want) {
			t.Errorf("%s alpha = %v, want %v", tt.compose, out[3], tt.want)
		}
	}
}

func TestBlendClamps(t *testing.T) {
	out := Blend(BlendMode{Compose: ComposePlus}, RGBA{1, 1, 1, 1}, RGBA{1, 1, 1, 1})
	for i := range out {
		if out[i] != 1 {
			t.Errorf("channel %d = %v, want clamped 1", i, out[i])
		}
	}
}

func TestBlendModeValid(t *testing.T) {
	if !(BlendMode{}).Valid() {
		t.Error("zero mode should be valid")
	}
	if (BlendMode{Mix: MixExclusion + 1}).Valid() {
		t.Error("out-of-range mix should be invalid")
	}
	if (BlendMode{Compose: ComposePlus + 1}).Valid() {
		t.Error("out-of-range compose should be invalid")
	}
}
