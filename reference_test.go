package blit

import (
	"bytes"
	"errors"
	"testing"

	"honnef.co/go/blit/gfx"
	"honnef.co/go/blit/renderer"
)

func TestReferenceSourceOver(t *testing.T) {
	f := rgba8Format(1, 1)
	layers := []Layer{
		{Data: []byte{255, 0, 0, 255}, Format: f},
		{Data: []byte{255, 255, 255, 128}, Format: f},
	}
	raster, err := Reference(layers, Options{})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{255, 128, 128, 255}
	if !bytes.Equal(raster.Pix, want) {
		t.Errorf("result = %v, want %v", raster.Pix, want)
	}
}

func TestReferenceSolidLayer(t *testing.T) {
	f := rgba8Format(2, 1)
	layers := []Layer{
		{Data: []byte{10, 20, 30, 255, 40, 50, 60, 255}, Format: f},
	}
	raster, err := Reference(layers, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raster.Pix, layers[0].Data) {
		t.Errorf("single layer round trip = %v, want %v", raster.Pix, layers[0].Data)
	}
}

func TestReferenceErrors(t *testing.T) {
	f := rgba8Format(2, 2)

	if _, err := Reference(nil, Options{}); !errors.Is(err, renderer.ErrEmptyStack) {
		t.Errorf("empty stack: err = %v, want ErrEmptyStack", err)
	}

	layers := []Layer{
		{Data: make([]byte, f.SizeBytes()), Format: f},
		{Data: make([]byte, 4), Format: rgba8Format(1, 1)},
	}
	if _, err := Reference(layers, Options{}); !errors.Is(err, renderer.ErrIncompatibleFormats) {
		t.Errorf("mismatched dimensions: err = %v, want ErrIncompatibleFormats", err)
	}

	layers = []Layer{
		{Data: make([]byte, f.SizeBytes()), Format: f},
		{Data: make([]byte, f.SizeBytes()), Format: f, Mode: gfx.BlendMode{Mix: 99}},
	}
	if _, err := Reference(layers, Options{}); !errors.Is(err, renderer.ErrUnsupportedMode) {
		t.Errorf("invalid mode: err = %v, want ErrUnsupportedMode", err)
	}

	layers = []Layer{
		{Data: make([]byte, 2), Format: f},
	}
	if _, err := Reference(layers, Options{}); err == nil {
		t.Error("short layer data should fail")
	}
}

func TestMaxChannelDelta(t *testing.T) {
	f := rgba8Format(1, 2)
	a := &Raster{Pix: []byte{100, 100, 100, 255, 0, 0, 0, 255}, Format: f}
	b := &Raster{Pix: []byte{100, 100, 100, 255, 0, 0, 0, 255}, Format: f}

	d, err := MaxChannelDelta(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if d != 0 {
		t.Errorf("identical rasters: delta = %v, want 0", d)
	}

	// Alpha differs by one step; alpha is not transfer coded, so the delta
	// is exactly 1/255.
	b.Pix = []byte{100, 100, 100, 255, 0, 0, 0, 254}
	d, err = MaxChannelDelta(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d, 1.0/255; got < want-1e-6 || got > want+1e-6 {
		t.Errorf("one alpha step: delta = %v, want %v", got, want)
	}

	c := &Raster{Pix: make([]byte, 4), Format: rgba8Format(1, 1)}
	if _, err := MaxChannelDelta(a, c); err == nil {
		t.Error("format mismatch should fail")
	}
}
