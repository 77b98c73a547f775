package cpu_engine

import (
	"bytes"
	"context"
	"testing"

	"honnef.co/go/blit/gfx"
	"honnef.co/go/blit/mem"
	"honnef.co/go/blit/pool"
	"honnef.co/go/blit/renderer"
)

func rgba8Format(w, h uint32) gfx.Format {
	return gfx.Format{
		Width:  w,
		Height: h,
		Texel:  gfx.Texel{Layout: gfx.LayoutRGBA8, Space: gfx.SpaceSRGB},
	}
}

func run(t *testing.T, eng *Engine, p *pool.Pool, working gfx.Space, layers []renderer.Layer, out gfx.Format) []byte {
	t.Helper()
	plan, err := renderer.BuildPlan(mem.NewArena(), p, eng, working, layers, out, t.Name())
	if err != nil {
		t.Fatal(err)
	}
	token, err := eng.Submit(plan)
	if err != nil {
		t.Fatal(err)
	}
	if err := token.Await(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := token.Result()
	if res == nil {
		t.Fatal("no result after successful Await")
	}
	return res
}

// fold computes the expected composite directly with the gfx formulas.
func fold(t *testing.T, working gfx.Space, layers []renderer.Layer, out gfx.Format) []byte {
	t.Helper()
	var acc []gfx.RGBA
	for i := range layers {
		l := &layers[i]
		var px []gfx.RGBA
		if l.IsSolid {
			px = make([]gfx.RGBA, l.Format.Texels())
			for j := range px {
				px[j] = l.Solid
			}
		} else {
			var err error
			px, err = gfx.DecodePixels(l.Data, l.Format.Texel, working)
			if err != nil {
				t.Fatal(err)
			}
		}
		if i == 0 {
			acc = px
			continue
		}
		for j := range acc {
			acc[j] = gfx.Blend(l.Mode, acc[j], px[j])
		}
	}
	data, err := gfx.EncodePixels(acc, out.Texel, working)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestSourceOverScenario(t *testing.T) {
	// Opaque red under half-transparent white in gamma sRGB gives the
	// halfway color exactly.
	p := pool.New()
	eng := New(p)
	f := rgba8Format(1, 1)
	layers := []renderer.Layer{
		{Data: []byte{255, 0, 0, 255}, Format: f},
		{Data: []byte{255, 255, 255, 128}, Format: f, Mode: gfx.BlendMode{}},
	}
	got := run(t, eng, p, gfx.SpaceSRGB, layers, f)
	want := []byte{255, 128, 128, 255}
	if !bytes.Equal(got, want) {
		t.Errorf("result = %v, want %v", got, want)
	}
}

func TestIdentity(t *testing.T) {
	p := pool.New()
	eng := New(p)
	f := rgba8Format(2, 2)
	data := []byte{
		255, 0, 0, 255, 0, 255, 0, 255,
		0, 0, 255, 255, 10, 20, 30, 128,
	}
	got := run(t, eng, p, gfx.SpaceSRGB, []renderer.Layer{{Data: data, Format: f}}, f)
	if !bytes.Equal(got, data) {
		t.Errorf("identity composite changed the raster:\n got %v\nwant %v", got, data)
	}
}

func TestThreeLayerFold(t *testing.T) {
	p := pool.New()
	eng := New(p)
	f := rgba8Format(2, 1)
	layers := []renderer.Layer{
		{Data: []byte{200, 100, 50, 255, 10, 20, 30, 255}, Format: f},
		{Data: []byte{128, 128, 128, 255, 255, 0, 0, 200}, Format: f, Mode: gfx.BlendMode{Mix: gfx.MixMultiply}},
		{Data: []byte{64, 191, 255, 255, 0, 255, 0, 100}, Format: f, Mode: gfx.BlendMode{Mix: gfx.MixScreen}},
	}
	got := run(t, eng, p, gfx.SpaceSRGB, layers, f)
	want := fold(t, gfx.SpaceSRGB, layers, f)
	for i := range want {
		d := int(got[i]) - int(want[i])
		if d < -1 || d > 1 {
			t.Errorf("byte %d = %d, want %d (±1)", i, got[i], want[i])
		}
	}
}

func TestSolidEqualsBuffer(t *testing.T) {
	p := pool.New()
	eng := New(p)
	f := rgba8Format(2, 2)
	working := gfx.SpaceSRGB

	// A solid layer must composite exactly like a buffer layer filled with
	// the same color.
	a := float32(204) / 255
	solid := gfx.RGBA{float32(128) / 255 * a, float32(64) / 255 * a, 0, a}
	buf, err := gfx.EncodePixels([]gfx.RGBA{solid, solid, solid, solid}, f.Texel, working)
	if err != nil {
		t.Fatal(err)
	}
	base := []byte{
		30, 60, 90, 255, 120, 150, 180, 255,
		210, 240, 15, 255, 45, 75, 105, 255,
	}
	mode := gfx.BlendMode{Mix: gfx.MixOverlay}

	viaSolid := run(t, eng, p, working, []renderer.Layer{
		{Data: base, Format: f},
		{Solid: solid, IsSolid: true, Format: f, Mode: mode},
	}, f)
	viaBuffer := run(t, eng, p, working, []renderer.Layer{
		{Data: base, Format: f},
		{Data: buf, Format: f, Mode: mode},
	}, f)
	for i := range viaSolid {
		d := int(viaSolid[i]) - int(viaBuffer[i])
		if d < -1 || d > 1 {
			t.Errorf("byte %d: solid %d vs buffer %d", i, viaSolid[i], viaBuffer[i])
		}
	}
}

func TestFloatOutput(t *testing.T) {
	p := pool.New()
	eng := New(p)
	in := rgba8Format(1, 1)
	out := gfx.Format{
		Width:  1,
		Height: 1,
		Texel:  gfx.Texel{Layout: gfx.LayoutRGBAF32, Space: gfx.SpaceLinear},
	}
	layers := []renderer.Layer{{Data: []byte{255, 0, 0, 255}, Format: in}}
	got := run(t, eng, p, gfx.SpaceLinear, layers, out)
	px, err := gfx.DecodePixels(got, out.Texel, gfx.SpaceLinear)
	if err != nil {
		t.Fatal(err)
	}
	want := gfx.RGBA{1, 0, 0, 1}
	for i := range want {
		if px[0][i] != want[i] {
			t.Errorf("channel %d = %v, want %v", i, px[0][i], want[i])
		}
	}
}

func TestSubmitConsumedPlan(t *testing.T) {
	p := pool.New()
	eng := New(p)
	f := rgba8Format(1, 1)
	plan, err := renderer.BuildPlan(mem.NewArena(), p, eng, gfx.SpaceSRGB,
		[]renderer.Layer{{Data: []byte{1, 2, 3, 255}, Format: f}}, f, t.Name())
	if err != nil {
		t.Fatal(err)
	}
	token, err := eng.Submit(plan)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Submit(plan); err == nil {
		t.Fatal("resubmitting a consumed plan should fail")
	}
	if err := token.Await(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestTokenResultBeforeCompletion(t *testing.T) {
	tok := &token{done: make(chan struct{})}
	if tok.Result() != nil {
		t.Error("Result before completion should be nil")
	}
	tok.data = []byte{1}
	close(tok.done)
	if tok.Result() == nil {
		t.Error("Result after completion should return the download")
	}
}

func TestAwaitCancellation(t *testing.T) {
	// A cancelled Await does not resolve the token; a later Await still
	// observes the completion.
	tok := &token{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tok.Await(ctx); err != context.Canceled {
		t.Fatalf("Await with cancelled ctx = %v, want context.Canceled", err)
	}
	tok.data = []byte{1}
	close(tok.done)
	if err := tok.Await(context.Background()); err != nil {
		t.Fatalf("Await after completion = %v", err)
	}
}

func TestStats(t *testing.T) {
	p := pool.New()
	eng := New(p)
	f := rgba8Format(1, 1)
	layers := []renderer.Layer{{Data: []byte{9, 9, 9, 255}, Format: f}}
	run(t, eng, p, gfx.SpaceSRGB, layers, f)
	run(t, eng, p, gfx.SpaceSRGB, layers, f)

	stats := eng.Stats()
	if stats.Submitted != 2 || stats.Completed != 2 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 2 submitted, 2 completed", stats)
	}
}

func TestPipelinesBuiltOncePerKey(t *testing.T) {
	p := pool.New()
	eng := New(p)
	f := rgba8Format(2, 2)
	data := make([]byte, f.SizeBytes())
	layers := []renderer.Layer{
		{Data: data, Format: f},
		{Data: data, Format: f, Mode: gfx.BlendMode{Mix: gfx.MixMultiply}},
	}
	run(t, eng, p, gfx.SpaceSRGB, layers, f)
	builds := eng.PipelineBuilds()
	run(t, eng, p, gfx.SpaceSRGB, layers, f)
	if got := eng.PipelineBuilds(); got != builds {
		t.Errorf("repeated composite built %d new pipelines", got-builds)
	}
}

func TestSlotsReleasedAfterComposite(t *testing.T) {
	p := pool.New()
	eng := New(p)
	f := rgba8Format(2, 2)
	data := make([]byte, f.SizeBytes())
	layers := []renderer.Layer{
		{Data: data, Format: f},
		{Data: data, Format: f, Mode: gfx.BlendMode{Mix: gfx.MixScreen}},
	}
	plan, err := renderer.BuildPlan(mem.NewArena(), p, eng, gfx.SpaceSRGB, layers, f, t.Name())
	if err != nil {
		t.Fatal(err)
	}
	token, err := eng.Submit(plan)
	if err != nil {
		t.Fatal(err)
	}
	if err := token.Await(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Only the output slot survives the plan; the submitter releases it.
	if err := p.Release(plan.Output); err != nil {
		t.Fatal(err)
	}
	if live, _ := p.Stats(); live != 0 {
		t.Errorf("%d slots still live after composite and output release", live)
	}
}
