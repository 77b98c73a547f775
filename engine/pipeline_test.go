package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"honnef.co/go/blit/gfx"
	"honnef.co/go/blit/renderer"
)

func testKey(mix gfx.Mix) renderer.PipelineKey {
	texel := gfx.Texel{Layout: gfx.LayoutRGBA8, Space: gfx.SpaceSRGB}
	return renderer.PipelineKey{
		Mode:     gfx.BlendMode{Mix: mix},
		Working:  gfx.SpaceSRGB,
		Backdrop: texel,
		Src:      texel,
		Dst:      texel,
	}
}

func TestPipelineCacheBuildsOnce(t *testing.T) {
	cache := NewPipelineCache(func(key renderer.PipelineKey) (string, error) {
		// Give concurrent callers time to pile up on the same key.
		time.Sleep(10 * time.Millisecond)
		return key.String(), nil
	})

	key := testKey(gfx.MixMultiply)
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := cache.GetOrBuild(key)
			if err != nil {
				t.Error(err)
				return
			}
			if p != key.String() {
				t.Errorf("got pipeline %q", p)
			}
		}()
	}
	wg.Wait()

	if builds := cache.Builds(); builds != 1 {
		t.Errorf("%d builds for one key, want 1", builds)
	}

	// A hit must not build again.
	if _, err := cache.GetOrBuild(key); err != nil {
		t.Fatal(err)
	}
	if builds := cache.Builds(); builds != 1 {
		t.Errorf("%d builds after cache hit, want 1", builds)
	}

	if _, err := cache.GetOrBuild(testKey(gfx.MixScreen)); err != nil {
		t.Fatal(err)
	}
	if builds := cache.Builds(); builds != 2 {
		t.Errorf("%d builds after second key, want 2", builds)
	}
}

func TestPipelineCacheDoesNotCacheErrors(t *testing.T) {
	fail := true
	buildErr := errors.New("no device")
	cache := NewPipelineCache(func(key renderer.PipelineKey) (int, error) {
		if fail {
			return 0, buildErr
		}
		return 42, nil
	})

	key := testKey(gfx.MixNormal)
	if _, err := cache.GetOrBuild(key); !errors.Is(err, buildErr) {
		t.Fatalf("err = %v, want build error", err)
	}
	fail = false
	p, err := cache.GetOrBuild(key)
	if err != nil {
		t.Fatalf("retry after failed build = %v", err)
	}
	if p != 42 {
		t.Errorf("pipeline = %d, want 42", p)
	}
	if builds := cache.Builds(); builds != 2 {
		t.Errorf("%d builds, want 2 (failed + retried)", builds)
	}
}
