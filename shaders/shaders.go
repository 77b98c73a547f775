// Package shaders generates the WGSL compute shaders the GPU backends
// dispatch. Generation is deterministic: a pipeline key always produces the
// same source, so pipelines are cacheable per key for the process lifetime.
//
// The emitted per-channel formulas mirror gfx's CPU reference exactly; the
// only permitted divergence is the hardware's floating-point rounding.
package shaders

import (
	"fmt"
	"strings"

	"honnef.co/go/blit/gfx"
	"honnef.co/go/blit/renderer"
)

// WorkgroupDim is the edge length of the square workgroup of every blend
// shader. Dispatches tile the raster with a 2-D grid of these workgroups;
// a 1-D grid over width*height would exceed the device's per-dimension
// workgroup limit on large rasters.
const WorkgroupDim = 16

// GroupCounts returns the 2-D workgroup grid covering a raster.
func GroupCounts(width, height uint32) (x, y uint32) {
	x = (width + WorkgroupDim - 1) / WorkgroupDim
	y = (height + WorkgroupDim - 1) / WorkgroupDim
	return x, y
}

// Supports reports whether a shader can be generated for the key. Float
// operands must already be stored in the working space; the shaders convert
// only 8-bit storage encodings on load and store.
func Supports(k renderer.PipelineKey) bool {
	if !k.Valid() {
		return false
	}
	for _, t := range [...]gfx.Texel{k.Backdrop, k.Src, k.Dst} {
		if t.Layout == gfx.LayoutRGBAF32 && t.Space != k.Working {
			return false
		}
	}
	return true
}

// Source returns the WGSL for the key's blend pipeline.
func Source(k renderer.PipelineKey) ([]byte, error) {
	if !Supports(k) {
		return nil, fmt.Errorf("no shader for %s", k)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "// %s\n\n", k)
	b.WriteString(header)

	fmt.Fprintf(&b, "@group(0) @binding(1) var<storage, read> backdrop: array<%s>;\n", elemType(k.Backdrop))
	fmt.Fprintf(&b, "@group(0) @binding(2) var<storage, read> src: array<%s>;\n", elemType(k.Src))
	fmt.Fprintf(&b, "@group(0) @binding(3) var<storage, read_write> dst: array<%s>;\n\n", elemType(k.Dst))

	b.WriteString(transferFns)
	writeLoad(&b, "load_backdrop", "backdrop", k.Backdrop, k.Working)
	writeLoad(&b, "load_src", "src", k.Src, k.Working)
	writeStore(&b, k.Dst, k.Working)
	writeMix(&b, k.Mode.Mix)

	fa, fb := composeFactorExprs(k.Mode.Compose)
	fmt.Fprintf(&b, mainFn, WorkgroupDim, WorkgroupDim, fa, fb)

	return []byte(b.String()), nil
}

const header = `struct Params {
	width: u32,
	height: u32,
	_pad0: u32,
	_pad1: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
`

const transferFns = `
fn srgb_to_linear(x: f32) -> f32 {
	if (x <= 0.04045) {
		return x / 12.92;
	}
	return pow((x + 0.055) / 1.055, 2.4);
}

fn linear_to_srgb(v: f32) -> f32 {
	if (v <= 0.0031308) {
		return 12.92 * v;
	}
	return 1.055 * pow(v, 1.0 / 2.4) - 0.055;
}
`

const mainFn = `
@compute @workgroup_size(%d, %d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	if (gid.x >= params.width || gid.y >= params.height) {
		return;
	}
	let i = gid.y * params.width + gid.x;
	let b = load_backdrop(i);
	let s = load_src(i);
	let ba = clamp(b.w, 0.0, 1.0);
	let sa = clamp(s.w, 0.0, 1.0);
	var cb = vec3<f32>(0.0);
	if (ba > 0.0) {
		cb = clamp(b.xyz / ba, vec3<f32>(0.0), vec3<f32>(1.0));
	}
	var cs = vec3<f32>(0.0);
	if (sa > 0.0) {
		cs = clamp(s.xyz / sa, vec3<f32>(0.0), vec3<f32>(1.0));
	}
	let mixed = (1.0 - ba) * cs + ba * vec3<f32>(mix1(cb.x, cs.x), mix1(cb.y, cs.y), mix1(cb.z, cs.z));
	let fa = %s;
	let fb = %s;
	let co = clamp(sa * fa * mixed + ba * fb * cb, vec3<f32>(0.0), vec3<f32>(1.0));
	let ao = clamp(sa * fa + ba * fb, 0.0, 1.0);
	store_dst(i, vec4<f32>(co, ao));
}
`

func elemType(t gfx.Texel) string {
	switch t.Layout {
	case gfx.LayoutRGBA8:
		return "u32"
	case gfx.LayoutRGBAF32:
		return "vec4<f32>"
	default:
		panic(fmt.Sprintf("unhandled layout %d", t.Layout))
	}
}

// conv returns the WGSL expression converting one channel from a storage
// space to another.
func conv(expr string, from, to gfx.Space) string {
	if from == to {
		return expr
	}
	if from == gfx.SpaceSRGB {
		return fmt.Sprintf("srgb_to_linear(%s)", expr)
	}
	return fmt.Sprintf("linear_to_srgb(%s)", expr)
}

func writeLoad(b *strings.Builder, name, buf string, t gfx.Texel, working gfx.Space) {
	switch t.Layout {
	case gfx.LayoutRGBAF32:
		fmt.Fprintf(b, `
fn %s(i: u32) -> vec4<f32> {
	return %s[i];
}
`, name, buf)
	case gfx.LayoutRGBA8:
		fmt.Fprintf(b, `
fn %s(i: u32) -> vec4<f32> {
	let e = unpack4x8unorm(%s[i]);
	let c = vec3<f32>(%s, %s, %s);
	return vec4<f32>(c * e.w, e.w);
}
`, name, buf,
			conv("e.x", t.Space, working),
			conv("e.y", t.Space, working),
			conv("e.z", t.Space, working))
	default:
		panic(fmt.Sprintf("unhandled layout %d", t.Layout))
	}
}

func writeStore(b *strings.Builder, t gfx.Texel, working gfx.Space) {
	switch t.Layout {
	case gfx.LayoutRGBAF32:
		b.WriteString(`
fn store_dst(i: u32, v: vec4<f32>) {
	dst[i] = v;
}
`)
	case gfx.LayoutRGBA8:
		fmt.Fprintf(b, `
fn store_dst(i: u32, v: vec4<f32>) {
	let a = clamp(v.w, 0.0, 1.0);
	var c = vec3<f32>(0.0);
	if (a > 0.0) {
		c = clamp(v.xyz / a, vec3<f32>(0.0), vec3<f32>(1.0));
	}
	dst[i] = pack4x8unorm(vec4<f32>(%s, %s, %s, a));
}
`,
			conv("c.x", working, t.Space),
			conv("c.y", working, t.Space),
			conv("c.z", working, t.Space))
	default:
		panic(fmt.Sprintf("unhandled layout %d", t.Layout))
	}
}

func writeMix(b *strings.Builder, m gfx.Mix) {
	var body string
	switch m {
	case gfx.MixNormal:
		body = `	return cs;`
	case gfx.MixMultiply:
		body = `	return cb * cs;`
	case gfx.MixScreen:
		body = `	return cb + cs - cb * cs;`
	case gfx.MixOverlay:
		body = `	if (cb <= 0.5) {
		return cs * 2.0 * cb;
	}
	let d = 2.0 * cb - 1.0;
	return cs + d - cs * d;`
	case gfx.MixDarken:
		body = `	return min(cb, cs);`
	case gfx.MixLighten:
		body = `	return max(cb, cs);`
	case gfx.MixColorDodge:
		body = `	if (cb == 0.0) {
		return 0.0;
	}
	if (cs == 1.0) {
		return 1.0;
	}
	return min(1.0, cb / (1.0 - cs));`
	case gfx.MixColorBurn:
		body = `	if (cb == 1.0) {
		return 1.0;
	}
	if (cs == 0.0) {
		return 0.0;
	}
	return 1.0 - min(1.0, (1.0 - cb) / cs);`
	case gfx.MixHardLight:
		body = `	if (cs <= 0.5) {
		return cb * 2.0 * cs;
	}
	let d = 2.0 * cs - 1.0;
	return cb + d - cb * d;`
	case gfx.MixSoftLight:
		body = `	if (cs <= 0.5) {
		return cb - (1.0 - 2.0 * cs) * cb * (1.0 - cb);
	}
	var d: f32;
	if (cb <= 0.25) {
		d = ((16.0 * cb - 12.0) * cb + 4.0) * cb;
	} else {
		d = sqrt(cb);
	}
	return cb + (2.0 * cs - 1.0) * (d - cb);`
	case gfx.MixDifference:
		body = `	return abs(cb - cs);`
	case gfx.MixExclusion:
		body = `	return cb + cs - 2.0 * cb * cs;`
	default:
		panic(fmt.Sprintf("unhandled mix %d", m))
	}
	fmt.Fprintf(b, `
fn mix1(cb: f32, cs: f32) -> f32 {
%s
}
`, body)
}

func composeFactorExprs(c gfx.Compose) (fa, fb string) {
	switch c {
	case gfx.ComposeSrcOver:
		return "1.0", "1.0 - sa"
	case gfx.ComposeCopy:
		return "1.0", "0.0"
	case gfx.ComposeDest:
		return "0.0", "1.0"
	case gfx.ComposeClear:
		return "0.0", "0.0"
	case gfx.ComposeDestOver:
		return "1.0 - ba", "1.0"
	case gfx.ComposeSrcIn:
		return "ba", "0.0"
	case gfx.ComposeDestIn:
		return "0.0", "sa"
	case gfx.ComposeSrcOut:
		return "1.0 - ba", "0.0"
	case gfx.ComposeDestOut:
		return "0.0", "1.0 - sa"
	case gfx.ComposeSrcAtop:
		return "ba", "1.0 - sa"
	case gfx.ComposeDestAtop:
		return "1.0 - ba", "sa"
	case gfx.ComposeXor:
		return "1.0 - ba", "1.0 - sa"
	case gfx.ComposePlus:
		return "1.0", "1.0"
	default:
		panic(fmt.Sprintf("unhandled compose %d", c))
	}
}
