package renderer

import (
	"errors"
	"fmt"

	"honnef.co/go/blit/gfx"
	"honnef.co/go/blit/mem"
	"honnef.co/go/blit/pool"
)

var (
	// ErrEmptyStack is returned when a composite request names no layers.
	ErrEmptyStack = errors.New("composite stack is empty")
	// ErrIncompatibleFormats is returned when layer formats disagree in a
	// way the color model cannot bridge.
	ErrIncompatibleFormats = errors.New("incompatible layer formats")
	// ErrUnsupportedMode is returned when no pipeline is registered for a
	// blend mode, working space and format combination.
	ErrUnsupportedMode = errors.New("unsupported blend mode")
)

// Layer is one element of a composite stack. The base layer is index 0;
// every following layer is blended onto the accumulated result with its
// Mode.
type Layer struct {
	// Data holds the raster in Format's storage encoding. nil for solid
	// layers.
	Data []byte
	// Solid is the layer color, premultiplied in the working space, for
	// layers without Data.
	Solid   gfx.RGBA
	IsSolid bool
	Format  gfx.Format
	Mode    gfx.BlendMode
}

// copyMode converts a slot between storage encodings without mixing.
var copyMode = gfx.BlendMode{Mix: gfx.MixNormal, Compose: gfx.ComposeCopy}

// BuildPlan folds a layer stack left to right into a plan. Intermediate
// results use float storage in the working space so chained blends do not
// quantize; an intermediate slot is reused as soon as no later step reads
// it. Barriers are inserted exactly where a stage reads a slot written since
// the previous barrier.
func BuildPlan(
	arena *mem.Arena,
	p *pool.Pool,
	pipes Pipelines,
	working gfx.Space,
	layers []Layer,
	out gfx.Format,
	label string,
) (*Plan, error) {
	if len(layers) == 0 {
		return nil, ErrEmptyStack
	}
	if !working.Valid() {
		return nil, fmt.Errorf("invalid working space %s", working)
	}
	if !out.Valid() {
		return nil, fmt.Errorf("invalid output format %s", out)
	}
	for i := range layers {
		l := &layers[i]
		if !l.Format.Valid() {
			return nil, fmt.Errorf("layer %d: invalid format %s", i, l.Format)
		}
		if !l.Format.Compatible(out) {
			return nil, fmt.Errorf("%w: layer %d is %s, output is %s",
				ErrIncompatibleFormats, i, l.Format, out)
		}
		if !l.IsSolid && uint64(len(l.Data)) != l.Format.SizeBytes() {
			return nil, fmt.Errorf("layer %d: have %d bytes of data, format %s needs %d",
				i, len(l.Data), l.Format, l.Format.SizeBytes())
		}
		if i > 0 && !l.Mode.Valid() {
			return nil, fmt.Errorf("%w: layer %d: invalid mode %s", ErrUnsupportedMode, i, l.Mode)
		}
	}

	plan := &Plan{
		Label:        label,
		OutputFormat: out,
	}

	// Slots written since the last barrier. A stage reading any of them
	// forces a barrier first.
	pending := map[pool.Handle]struct{}{}
	sync := func(reads ...pool.Handle) {
		for _, h := range reads {
			if _, ok := pending[h]; ok {
				plan.push(arena, mem.Make(arena, Barrier{}))
				clear(pending)
				return
			}
		}
	}

	// Upload every layer up front. Uploads are mutually independent, so no
	// barriers are needed between them.
	layerSlots := mem.NewSlice[[]pool.Handle](arena, len(layers), len(layers))
	for i := range layers {
		l := &layers[i]
		h, err := p.Allocate(l.Format)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layerSlots[i] = h
		plan.push(arena, mem.Make(arena, Alloc{Dst: h, Format: l.Format}))
		if l.IsSolid {
			plan.push(arena, mem.Make(arena, UploadSolid{Dst: h, Format: l.Format, Color: l.Solid, Space: working}))
		} else {
			plan.push(arena, mem.Make(arena, Upload{Dst: h, Format: l.Format, Data: l.Data}))
		}
		pending[h] = struct{}{}
	}

	interTexel := gfx.Texel{Layout: gfx.LayoutRGBAF32, Space: working}
	interFormat := gfx.Format{Width: out.Width, Height: out.Height, Texel: interTexel}

	acc := layerSlots[0]
	accTexel := layers[0].Format.Texel
	accIsIntermediate := false
	var freeInter []pool.Handle

	allocDst := func(last bool) (pool.Handle, gfx.Format, error) {
		if last {
			h, err := p.Allocate(out)
			if err != nil {
				return pool.Handle{}, gfx.Format{}, err
			}
			plan.push(arena, mem.Make(arena, Alloc{Dst: h, Format: out}))
			return h, out, nil
		}
		if len(freeInter) > 0 {
			h := freeInter[len(freeInter)-1]
			freeInter = freeInter[:len(freeInter)-1]
			return h, interFormat, nil
		}
		h, err := p.Allocate(interFormat)
		if err != nil {
			return pool.Handle{}, gfx.Format{}, err
		}
		plan.push(arena, mem.Make(arena, Alloc{Dst: h, Format: interFormat}))
		return h, interFormat, nil
	}

	if len(layers) == 1 {
		if layers[0].Format == out {
			// Identity: hand the layer's own slot to the download.
			sync(acc)
			plan.push(arena, mem.Make(arena, Download{Src: acc, Format: out}))
			plan.Output = acc
			return plan, nil
		}
		// Re-encode into the requested output format.
		key := PipelineKey{
			Mode:     copyMode,
			Working:  working,
			Backdrop: accTexel,
			Src:      accTexel,
			Dst:      out.Texel,
		}
		if !pipes.Supports(key) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, key)
		}
		dst, _, err := allocDst(true)
		if err != nil {
			return nil, err
		}
		sync(acc)
		plan.push(arena, mem.Make(arena, Dispatch{
			Key:      key,
			Backdrop: acc,
			Src:      acc,
			Dst:      dst,
			Width:    out.Width,
			Height:   out.Height,
		}))
		pending[dst] = struct{}{}
		plan.push(arena, mem.Make(arena, Release{Handle: acc}))
		sync(dst)
		plan.push(arena, mem.Make(arena, Download{Src: dst, Format: out}))
		plan.Output = dst
		return plan, nil
	}

	for i := 1; i < len(layers); i++ {
		last := i == len(layers)-1
		l := &layers[i]

		dst, dstFormat, err := allocDst(last)
		if err != nil {
			return nil, err
		}
		key := PipelineKey{
			Mode:     l.Mode,
			Working:  working,
			Backdrop: accTexel,
			Src:      l.Format.Texel,
			Dst:      dstFormat.Texel,
		}
		if !pipes.Supports(key) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, key)
		}

		sync(acc, layerSlots[i])
		plan.push(arena, mem.Make(arena, Dispatch{
			Key:      key,
			Backdrop: acc,
			Src:      layerSlots[i],
			Dst:      dst,
			Width:    out.Width,
			Height:   out.Height,
		}))
		pending[dst] = struct{}{}

		// The layer and the previous accumulator are dead now. Layer slots
		// go back to the arena; intermediates are kept for reuse by a later
		// step.
		plan.push(arena, mem.Make(arena, Release{Handle: layerSlots[i]}))
		if accIsIntermediate {
			freeInter = append(freeInter, acc)
		} else if i == 1 {
			plan.push(arena, mem.Make(arena, Release{Handle: acc}))
		}

		acc = dst
		accTexel = dstFormat.Texel
		accIsIntermediate = !last
	}

	for _, h := range freeInter {
		plan.push(arena, mem.Make(arena, Release{Handle: h}))
	}
	sync(acc)
	plan.push(arena, mem.Make(arena, Download{Src: acc, Format: out}))
	plan.Output = acc
	return plan, nil
}
