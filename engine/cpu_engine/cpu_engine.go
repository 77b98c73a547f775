// Package cpu_engine executes plans on the host CPU. It is the reference
// backend: it shares the blend formulas with package gfx and the execution
// contract with the GPU backends, so device results can be checked against
// it texel for texel.
package cpu_engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"honnef.co/go/blit/engine"
	"honnef.co/go/blit/gfx"
	"honnef.co/go/blit/mem"
	"honnef.co/go/blit/pool"
	"honnef.co/go/blit/renderer"
	"honnef.co/go/blit/shaders"
)

// Engine is a CPU device session. Plans execute on a background goroutine
// in submission order; Submit never blocks on execution.
type Engine struct {
	pool      *pool.Pool
	pipelines *engine.PipelineCache[kernel]

	// execMu serializes plan execution, standing in for the device queue.
	execMu sync.Mutex
	// buffers holds the backing store of live slots during execution. Freed
	// stores are recycled by capacity.
	buffers map[pool.Handle][]byte
	recycle map[int][][]byte

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// kernel is a built pipeline: the per-texel blend of one pipeline key.
type kernel struct {
	key   renderer.PipelineKey
	blend func(backdrop, src gfx.RGBA) gfx.RGBA
}

func New(p *pool.Pool) *Engine {
	e := &Engine{
		pool:    p,
		buffers: make(map[pool.Handle][]byte),
		recycle: make(map[int][][]byte),
	}
	e.pipelines = engine.NewPipelineCache(buildKernel)
	return e
}

func buildKernel(key renderer.PipelineKey) (kernel, error) {
	if !shaders.Supports(key) {
		return kernel{}, fmt.Errorf("unsupported pipeline %s", key)
	}
	mode := key.Mode
	return kernel{
		key: key,
		blend: func(backdrop, src gfx.RGBA) gfx.RGBA {
			return gfx.Blend(mode, backdrop, src)
		},
	}, nil
}

func (e *Engine) Supports(key renderer.PipelineKey) bool {
	return shaders.Supports(key)
}

// PipelineBuilds returns how many pipelines were actually built.
func (e *Engine) PipelineBuilds() uint64 {
	return e.pipelines.Builds()
}

func (e *Engine) Stats() engine.Stats {
	return engine.Stats{
		Submitted: e.submitted.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
	}
}

// Submit consumes the plan, retains every slot it references and executes
// it asynchronously. The returned token resolves when execution finishes.
func (e *Engine) Submit(plan *renderer.Plan) (engine.Token, error) {
	if err := plan.Consume(); err != nil {
		return nil, err
	}

	// Retain up front so releases racing with execution cannot reclaim
	// slots out from under the plan.
	retained := plan.Handles(mem.NewArena())
	for i, h := range retained {
		if err := e.pool.Retain(h); err != nil {
			for _, r := range retained[:i] {
				e.pool.Unretain(r)
			}
			return nil, &engine.DeviceError{Kind: engine.Validation, Err: err}
		}
	}
	e.submitted.Add(1)

	t := &token{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.data, t.err = e.run(plan)
		for _, h := range retained {
			e.pool.Unretain(h)
		}
		if t.err != nil {
			e.failed.Add(1)
		} else {
			e.completed.Add(1)
		}
	}()
	return t, nil
}

func (e *Engine) run(plan *renderer.Plan) ([]byte, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	var out []byte
	for _, st := range plan.Stages {
		switch st := st.(type) {
		case *renderer.Alloc:
			s, err := e.pool.Resolve(st.Dst)
			if err != nil {
				return nil, validation(err)
			}
			e.buffers[st.Dst] = e.getBuffer(int(s.Capacity))[:st.Format.SizeBytes()]
		case *renderer.Upload:
			buf, ok := e.buffers[st.Dst]
			if !ok {
				return nil, validation(fmt.Errorf("upload to unallocated slot %s", st.Dst))
			}
			copy(buf, st.Data)
		case *renderer.UploadSolid:
			buf, ok := e.buffers[st.Dst]
			if !ok {
				return nil, validation(fmt.Errorf("upload to unallocated slot %s", st.Dst))
			}
			if err := fillSolid(buf, st.Format, st.Color, st.Space); err != nil {
				return nil, validation(err)
			}
		case *renderer.Dispatch:
			if err := e.dispatch(st); err != nil {
				return nil, err
			}
		case *renderer.Barrier:
			// Execution is sequential; ordering is implicit.
		case *renderer.Download:
			buf, ok := e.buffers[st.Src]
			if !ok {
				return nil, validation(fmt.Errorf("download from unallocated slot %s", st.Src))
			}
			out = make([]byte, len(buf))
			copy(out, buf)
		case *renderer.Release:
			e.putBuffer(st.Handle)
			if err := e.pool.Release(st.Handle); err != nil {
				return nil, validation(err)
			}
		default:
			return nil, validation(fmt.Errorf("unhandled stage %T", st))
		}
	}

	// Anything still mapped belongs to slots this plan did not release,
	// such as the output slot. The bytes were downloaded already; recycle
	// the store.
	for h := range e.buffers {
		e.putBuffer(h)
	}
	return out, nil
}

func (e *Engine) dispatch(st *renderer.Dispatch) error {
	k, err := e.pipelines.GetOrBuild(st.Key)
	if err != nil {
		return validation(err)
	}
	backdrop, ok := e.buffers[st.Backdrop]
	if !ok {
		return validation(fmt.Errorf("dispatch reads unallocated slot %s", st.Backdrop))
	}
	src, ok := e.buffers[st.Src]
	if !ok {
		return validation(fmt.Errorf("dispatch reads unallocated slot %s", st.Src))
	}
	dst, ok := e.buffers[st.Dst]
	if !ok {
		return validation(fmt.Errorf("dispatch writes unallocated slot %s", st.Dst))
	}

	working := st.Key.Working
	b, err := gfx.DecodePixels(backdrop, st.Key.Backdrop, working)
	if err != nil {
		return validation(err)
	}
	s, err := gfx.DecodePixels(src, st.Key.Src, working)
	if err != nil {
		return validation(err)
	}
	n := int(st.Width) * int(st.Height)
	if len(b) < n || len(s) < n {
		return validation(fmt.Errorf("dispatch over %dx%d texels exceeds operand size", st.Width, st.Height))
	}
	px := make([]gfx.RGBA, n)
	for i := range px {
		px[i] = k.blend(b[i], s[i])
	}
	enc, err := gfx.EncodePixels(px, st.Key.Dst, working)
	if err != nil {
		return validation(err)
	}
	copy(dst, enc)
	return nil
}

func fillSolid(buf []byte, f gfx.Format, c gfx.RGBA, space gfx.Space) error {
	px := make([]gfx.RGBA, f.Texels())
	for i := range px {
		px[i] = c
	}
	enc, err := gfx.EncodePixels(px, f.Texel, space)
	if err != nil {
		return err
	}
	copy(buf, enc)
	return nil
}

func (e *Engine) getBuffer(capacity int) []byte {
	if free := e.recycle[capacity]; len(free) > 0 {
		buf := free[len(free)-1]
		e.recycle[capacity] = free[:len(free)-1]
		clear(buf[:capacity])
		return buf[:capacity]
	}
	return make([]byte, capacity)
}

func (e *Engine) putBuffer(h pool.Handle) {
	buf, ok := e.buffers[h]
	if !ok {
		return
	}
	delete(e.buffers, h)
	e.recycle[cap(buf)] = append(e.recycle[cap(buf)], buf[:cap(buf)])
}

func validation(err error) error {
	return &engine.DeviceError{Kind: engine.Validation, Err: err}
}

type token struct {
	done chan struct{}
	data []byte
	err  error
}

// Await blocks until the submission finishes or ctx is done. A ctx error
// does not resolve the token.
func (t *token) Await(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.err
	}
}

func (t *token) Result() []byte {
	select {
	case <-t.done:
	default:
		return nil
	}
	if t.err != nil {
		return nil
	}
	return t.data
}
