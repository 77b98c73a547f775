package engine

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"honnef.co/go/blit/renderer"
)

// PipelineCache maps pipeline keys to built pipelines. Building is expensive
// (shader compilation and linking against the device), so it happens at most
// once per distinct key: concurrent requests for the same uncached key share
// a single build and its outcome. Cached pipelines are immutable and safe to
// share; entries are only ever inserted, never mutated.
//
// Build errors are not cached. A later request for the same key retries the
// build.
type PipelineCache[P any] struct {
	build func(renderer.PipelineKey) (P, error)

	mu    sync.RWMutex
	ready map[renderer.PipelineKey]P

	group  singleflight.Group
	builds atomic.Uint64
}

func NewPipelineCache[P any](build func(renderer.PipelineKey) (P, error)) *PipelineCache[P] {
	return &PipelineCache[P]{
		build: build,
		ready: make(map[renderer.PipelineKey]P),
	}
}

// GetOrBuild returns the pipeline for key, building it if needed.
func (c *PipelineCache[P]) GetOrBuild(key renderer.PipelineKey) (P, error) {
	c.mu.RLock()
	p, ok := c.ready[key]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// A previous flight may have completed between our miss and now.
		c.mu.RLock()
		p, ok := c.ready[key]
		c.mu.RUnlock()
		if ok {
			return p, nil
		}

		c.builds.Add(1)
		p, err := c.build(key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.ready[key] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		var zero P
		return zero, err
	}
	return v.(P), nil
}

// Builds returns how many builds actually ran, for diagnostics and tests.
func (c *PipelineCache[P]) Builds() uint64 {
	return c.builds.Load()
}
