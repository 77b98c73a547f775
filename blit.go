// Package blit composites stacks of raster layers on a GPU device, with a
// CPU reference path producing bit-comparable results.
//
// A Compositor folds a layer stack bottom to top: each layer is blended
// onto the accumulated result with its blend mode, evaluated per channel on
// premultiplied alpha in a configurable working color space. The actual
// execution happens on a device session (native WebGPU, browser WebGPU, or
// the CPU reference backend); Composite returns immediately and the result
// is collected through a single suspension point.
package blit

import (
	"honnef.co/go/color"

	"honnef.co/go/blit/gfx"
)

// Layer is one element of a composite stack. The bottom layer is index 0;
// every following layer is blended onto the accumulated result with its
// Mode. The zero Mode is plain source-over.
type Layer struct {
	// Data holds the raster in Format's storage encoding. Leave nil for
	// solid layers.
	Data []byte
	// Color defines a solid layer covering the whole format extent. Used
	// when Data is nil.
	Color  *color.Color
	Format gfx.Format
	Mode   gfx.BlendMode
}

// Raster is a composited result in its output encoding.
type Raster struct {
	Pix    []byte
	Format gfx.Format
}

// Options configures one composite request. The zero value composites in
// gamma sRGB and derives the output format from the bottom layer.
type Options struct {
	// Output is the format of the result. If zero, the bottom layer's
	// format is used.
	Output gfx.Format
	// Working is the color space blending evaluates in.
	Working gfx.Space
	// Label names the request in logs and device debugging tools.
	Label string
}
