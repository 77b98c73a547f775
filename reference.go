package blit

import (
	"fmt"
	"math"

	"honnef.co/go/blit/gfx"
	"honnef.co/go/blit/renderer"
)

// Reference composites the stack directly on the CPU, without a session or
// a plan. It is the ground truth the device backends are validated against:
// for identical inputs and working space, a device composite may deviate
// from Reference by at most the device's floating-point rounding.
func Reference(layers []Layer, opts Options) (*Raster, error) {
	if len(layers) == 0 {
		return nil, renderer.ErrEmptyStack
	}
	working := opts.Working
	if !working.Valid() {
		return nil, fmt.Errorf("invalid working space %s", working)
	}
	out := opts.Output
	if out == (gfx.Format{}) {
		out = layers[0].Format
	}
	if !out.Valid() {
		return nil, fmt.Errorf("invalid output format %s", out)
	}

	planLayers, err := plannerLayers(layers, working)
	if err != nil {
		return nil, err
	}

	var acc []gfx.RGBA
	for i := range planLayers {
		l := &planLayers[i]
		if !l.Format.Valid() {
			return nil, fmt.Errorf("layer %d: invalid format %s", i, l.Format)
		}
		if !l.Format.Compatible(out) {
			return nil, fmt.Errorf("%w: layer %d is %s, output is %s",
				renderer.ErrIncompatibleFormats, i, l.Format, out)
		}
		px, err := layerPixels(l, working)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if i == 0 {
			acc = px
			continue
		}
		if !l.Mode.Valid() {
			return nil, fmt.Errorf("%w: layer %d: invalid mode %s", renderer.ErrUnsupportedMode, i, l.Mode)
		}
		for j := range acc {
			acc[j] = gfx.Blend(l.Mode, acc[j], px[j])
		}
	}

	pix, err := gfx.EncodePixels(acc, out.Texel, working)
	if err != nil {
		return nil, err
	}
	return &Raster{Pix: pix, Format: out}, nil
}

func layerPixels(l *renderer.Layer, working gfx.Space) ([]gfx.RGBA, error) {
	if l.IsSolid {
		px := make([]gfx.RGBA, l.Format.Texels())
		for i := range px {
			px[i] = l.Solid
		}
		return px, nil
	}
	if uint64(len(l.Data)) != l.Format.SizeBytes() {
		return nil, fmt.Errorf("have %d bytes of data, format %s needs %d",
			len(l.Data), l.Format, l.Format.SizeBytes())
	}
	return gfx.DecodePixels(l.Data, l.Format.Texel, working)
}

// MaxChannelDelta returns the largest per-channel difference between two
// rasters of the same format, in normalized [0, 1] units. Comparisons
// between a device result and Reference pass when the delta stays within
// one 8-bit quantization step (1/255).
func MaxChannelDelta(a, b *Raster) (float64, error) {
	if a.Format != b.Format {
		return 0, fmt.Errorf("format mismatch: %s vs %s", a.Format, b.Format)
	}
	working := a.Format.Texel.Space
	pa, err := gfx.DecodePixels(a.Pix, a.Format.Texel, working)
	if err != nil {
		return 0, err
	}
	pb, err := gfx.DecodePixels(b.Pix, b.Format.Texel, working)
	if err != nil {
		return 0, err
	}
	var max float64
	for i := range pa {
		for c := range 4 {
			d := math.Abs(float64(pa[i][c]) - float64(pb[i][c]))
			if d > max {
				max = d
			}
		}
	}
	return max, nil
}
