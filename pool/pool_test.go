package pool

import (
	"errors"
	"testing"

	"honnef.co/go/blit/gfx"
)

func testFormat(w, h uint32) gfx.Format {
	return gfx.Format{
		Width:  w,
		Height: h,
		Texel:  gfx.Texel{Layout: gfx.LayoutRGBA8, Space: gfx.SpaceSRGB},
	}
}

func TestAllocateResolve(t *testing.T) {
	p := New()
	f := testFormat(4, 4)
	h, err := p.Allocate(f)
	if err != nil {
		t.Fatal(err)
	}
	if h.IsZero() {
		t.Fatal("allocated handle is zero")
	}
	s, err := p.Resolve(h)
	if err != nil {
		t.Fatal(err)
	}
	if s.Format != f {
		t.Errorf("resolved format %s, want %s", s.Format, f)
	}
	if s.Capacity < f.SizeBytes() {
		t.Errorf("capacity %d is smaller than the format's %d bytes", s.Capacity, f.SizeBytes())
	}
}

func TestAllocateInvalidFormat(t *testing.T) {
	p := New()
	if _, err := p.Allocate(gfx.Format{}); err == nil {
		t.Fatal("allocating the zero format should fail")
	}
}

func TestReleaseMakesHandleStale(t *testing.T) {
	p := New()
	h, err := p.Allocate(testFormat(4, 4))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(h); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Resolve(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Resolve after Release = %v, want ErrStaleHandle", err)
	}
	if err := p.Release(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("double Release = %v, want ErrStaleHandle", err)
	}
}

func TestReuseBumpsGeneration(t *testing.T) {
	p := New()
	f := testFormat(4, 4)
	h1, err := p.Allocate(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(h1); err != nil {
		t.Fatal(err)
	}
	h2, err := p.Allocate(f)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("reused slot handed out the same handle twice")
	}
	if _, err := p.Resolve(h1); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("old handle resolves after slot reuse: %v", err)
	}
	if _, err := p.Resolve(h2); err != nil {
		t.Errorf("new handle does not resolve: %v", err)
	}

	live, free := p.Stats()
	if live != 1 || free != 0 {
		t.Errorf("Stats = (%d, %d), want (1, 0)", live, free)
	}
}

func TestNoReuseAcrossCapacityClasses(t *testing.T) {
	p := New()
	h1, err := p.Allocate(testFormat(4, 4))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(h1); err != nil {
		t.Fatal(err)
	}
	// A much larger raster must not land in the freed small slot.
	h2, err := p.Allocate(testFormat(64, 64))
	if err != nil {
		t.Fatal(err)
	}
	s, err := p.Resolve(h2)
	if err != nil {
		t.Fatal(err)
	}
	if s.Capacity < testFormat(64, 64).SizeBytes() {
		t.Errorf("capacity %d too small for the new raster", s.Capacity)
	}
	if _, free := p.Stats(); free != 1 {
		t.Errorf("freed small slot should remain on the free list, free = %d", free)
	}
}

func TestDeferredRelease(t *testing.T) {
	p := New()
	h, err := p.Allocate(testFormat(4, 4))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Retain(h); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(h); err != nil {
		t.Fatal(err)
	}
	// Released but still retained: the slot must not be reusable yet.
	if _, free := p.Stats(); free != 0 {
		t.Fatalf("slot reclaimed while retained, free = %d", free)
	}
	if _, err := p.Resolve(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Resolve after Release = %v, want ErrStaleHandle", err)
	}
	p.Unretain(h)
	if _, free := p.Stats(); free != 1 {
		t.Errorf("last Unretain should reclaim, free = %d", free)
	}
}

func TestInvalidate(t *testing.T) {
	p := New()
	var handles []Handle
	for range 3 {
		h, err := p.Allocate(testFormat(4, 4))
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	if err := p.Release(handles[2]); err != nil {
		t.Fatal(err)
	}
	p.Invalidate()
	for _, h := range handles {
		if _, err := p.Resolve(h); !errors.Is(err, ErrStaleHandle) {
			t.Errorf("handle %s resolves after Invalidate: %v", h, err)
		}
	}
	if live, free := p.Stats(); live != 0 || free != 0 {
		t.Errorf("Stats after Invalidate = (%d, %d), want (0, 0)", live, free)
	}
	// Unretain on a stale handle must not panic or corrupt the arena.
	p.Unretain(handles[0])

	// The arena keeps working after invalidation.
	h, err := p.Allocate(testFormat(4, 4))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Resolve(h); err != nil {
		t.Errorf("allocation after Invalidate does not resolve: %v", err)
	}
}

func TestZeroHandle(t *testing.T) {
	p := New()
	if _, err := p.Resolve(Handle{}); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Resolve of zero handle = %v, want ErrStaleHandle", err)
	}
}

func TestHandlePack(t *testing.T) {
	p := New()
	h1, _ := p.Allocate(testFormat(4, 4))
	p.Release(h1)
	h2, _ := p.Allocate(testFormat(4, 4))
	if h1.Pack() == h2.Pack() {
		t.Error("distinct generations must pack to distinct keys")
	}
}
