package blit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"honnef.co/go/blit/engine"
	"honnef.co/go/blit/gfx"
	"honnef.co/go/blit/mem"
	"honnef.co/go/blit/pool"
	"honnef.co/go/blit/renderer"
)

// Compositor turns layer stacks into plans and runs them on a device
// session. It is safe for concurrent use; the session serializes
// submissions on its queue.
type Compositor struct {
	session engine.Session
	pool    *pool.Pool
}

func NewCompositor(session engine.Session, p *pool.Pool) *Compositor {
	return &Compositor{
		session: session,
		pool:    p,
	}
}

// Composite validates the stack, builds a plan and submits it. It returns
// as soon as the submission is enqueued; the result is collected with
// Pending.Wait. Plan building reports unsupported modes and incompatible
// formats before anything runs on the device.
func (c *Compositor) Composite(ctx context.Context, layers []Layer, opts Options) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := opts.Output
	if out == (gfx.Format{}) && len(layers) > 0 {
		out = layers[0].Format
	}

	planLayers, err := plannerLayers(layers, opts.Working)
	if err != nil {
		return nil, err
	}
	arena := mem.NewArena()
	plan, err := renderer.BuildPlan(arena, c.pool, c.session, opts.Working, planLayers, out, opts.Label)
	if err != nil {
		return nil, err
	}
	Logger().Debug("built composite plan",
		"label", plan.Label,
		"layers", len(layers),
		"stages", len(plan.Stages),
		"output", plan.OutputFormat.String())

	token, err := c.session.Submit(plan)
	if err != nil {
		c.failedPlan(plan)
		return nil, err
	}
	return &Pending{
		c:      c,
		token:  token,
		output: plan.Output,
		format: plan.OutputFormat,
	}, nil
}

// failedPlan releases the slots of a plan that was never submitted.
func (c *Compositor) failedPlan(plan *renderer.Plan) {
	for _, h := range plan.Handles(mem.NewArena()) {
		// Slots the plan would have released itself fail here; that is
		// expected.
		c.pool.Release(h)
	}
}

func plannerLayers(layers []Layer, working gfx.Space) ([]renderer.Layer, error) {
	out := make([]renderer.Layer, len(layers))
	for i := range layers {
		l := &layers[i]
		out[i] = renderer.Layer{
			Data:   l.Data,
			Format: l.Format,
			Mode:   l.Mode,
		}
		if l.Data == nil {
			if l.Color == nil {
				return nil, fmt.Errorf("layer %d has neither data nor a color", i)
			}
			out[i].IsSolid = true
			out[i].Solid = gfx.FromColor(l.Color, working)
		}
	}
	return out, nil
}

// Pending is one outstanding composite. It resolves exactly once.
type Pending struct {
	c      *Compositor
	token  engine.Token
	output pool.Handle
	format gfx.Format

	mu     sync.Mutex
	done   bool
	raster *Raster
	err    error
}

// Wait blocks until the composite finishes or ctx is done and returns the
// result. Cancellation does not abort the device work: the submission is
// drained in the background and its resources are released, but the result
// is discarded and later Wait calls keep returning the cancellation error.
func (p *Pending) Wait(ctx context.Context) (*Raster, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return p.raster, p.err
	}

	err := p.token.Await(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		p.done = true
		p.err = err
		go p.drain()
		return nil, err
	}
	p.done = true
	if err != nil {
		p.err = err
		if engine.IsKind(err, engine.DeviceLost) {
			// The backend invalidated the arena; the output handle is
			// already stale.
			return nil, err
		}
		p.releaseOutput()
		return nil, err
	}

	p.raster = &Raster{
		Pix:    p.token.Result(),
		Format: p.format,
	}
	p.releaseOutput()
	return p.raster, nil
}

// drain awaits an abandoned submission so its slots are still released once
// the device finishes.
func (p *Pending) drain() {
	err := p.token.Await(context.Background())
	if err == nil || !engine.IsKind(err, engine.DeviceLost) {
		p.releaseOutput()
	}
}

func (p *Pending) releaseOutput() {
	if err := p.c.pool.Release(p.output); err != nil {
		Logger().Warn("releasing composite output slot", "handle", p.output.String(), "err", err)
	}
}
