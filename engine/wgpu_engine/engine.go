//go:build !js

// Package wgpu_engine executes plans on a native WebGPU device using
// honnef.co/go/wgpu. Slot handles map to pooled storage buffers; each
// dispatch runs the generated compute shader for its pipeline key in its
// own compute pass.
package wgpu_engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"honnef.co/go/safeish"
	"honnef.co/go/wgpu"

	"honnef.co/go/blit/engine"
	"honnef.co/go/blit/gfx"
	"honnef.co/go/blit/mem"
	"honnef.co/go/blit/pool"
	"honnef.co/go/blit/renderer"
	"honnef.co/go/blit/shaders"
)

// Engine is a device session on a native WebGPU device. Encoding and
// submission are serialized per engine; completion is delivered through the
// staging buffer's map channel, so awaiting a token never polls.
type Engine struct {
	dev   *wgpu.Device
	queue *wgpu.Queue
	arena *pool.Pool

	pipelines *engine.PipelineCache[pipeline]

	// mu serializes plan encoding and queue submission.
	mu   sync.Mutex
	bufs resourcePool

	lost atomic.Bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

type pipeline struct {
	pipeline        *wgpu.ComputePipeline
	bindGroupLayout *wgpu.BindGroupLayout
}

// resourcePool recycles device buffers by size class and usage, so repeated
// submissions with same-sized rasters do not reallocate.
type resourcePool struct {
	bufs map[bufferProperties][]*wgpu.Buffer
}

type bufferProperties struct {
	size   uint64
	usages wgpu.BufferUsage
}

func New(dev *wgpu.Device, queue *wgpu.Queue, arena *pool.Pool) *Engine {
	eng := &Engine{
		dev:   dev,
		queue: queue,
		arena: arena,
		bufs: resourcePool{
			bufs: make(map[bufferProperties][]*wgpu.Buffer),
		},
	}
	eng.pipelines = engine.NewPipelineCache(eng.buildPipeline)
	return eng
}

func (eng *Engine) Supports(key renderer.PipelineKey) bool {
	return shaders.Supports(key)
}

func (eng *Engine) Stats() engine.Stats {
	return engine.Stats{
		Submitted: eng.submitted.Load(),
		Completed: eng.completed.Load(),
		Failed:    eng.failed.Load(),
	}
}

// Lost reports whether the device was lost. A lost engine rejects every
// further submission; the caller has to create a new device and engine.
func (eng *Engine) Lost() bool {
	return eng.lost.Load()
}

func (eng *Engine) buildPipeline(key renderer.PipelineKey) (pipeline, error) {
	wgsl, err := shaders.Source(key)
	if err != nil {
		return pipeline{}, err
	}
	label := key.String()

	shaderModule := eng.dev.CreateShaderModule(wgpu.ShaderModuleDescriptor{
		Label:  label,
		Source: wgpu.ShaderSourceWGSL(wgsl),
	})
	entries := []wgpu.BindGroupLayoutEntry{
		{
			Binding:    0,
			Visibility: wgpu.ShaderStageCompute,
			Buffer: &wgpu.BufferBindingLayout{
				Type: wgpu.BufferBindingTypeUniform,
			},
		},
		{
			Binding:    1,
			Visibility: wgpu.ShaderStageCompute,
			Buffer: &wgpu.BufferBindingLayout{
				Type: wgpu.BufferBindingTypeReadOnlyStorage,
			},
		},
		{
			Binding:    2,
			Visibility: wgpu.ShaderStageCompute,
			Buffer: &wgpu.BufferBindingLayout{
				Type: wgpu.BufferBindingTypeReadOnlyStorage,
			},
		},
		{
			Binding:    3,
			Visibility: wgpu.ShaderStageCompute,
			Buffer: &wgpu.BufferBindingLayout{
				Type: wgpu.BufferBindingTypeStorage,
			},
		},
	}
	bindGroupLayout := eng.dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Entries: entries,
	})
	pipelineLayout := eng.dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		BindGroupLayouts: []*wgpu.BindGroupLayout{bindGroupLayout},
	})
	computePipeline := eng.dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  label,
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     shaderModule,
			EntryPoint: "main",
		},
	})
	pipelineLayout.Release()

	return pipeline{
		pipeline:        computePipeline,
		bindGroupLayout: bindGroupLayout,
	}, nil
}

// Submit consumes the plan, encodes it into one command buffer and submits
// it. The returned token resolves when the staging buffer's readback map
// completes, after the device has finished the submission.
func (eng *Engine) Submit(plan *renderer.Plan) (engine.Token, error) {
	if eng.lost.Load() {
		return nil, &engine.DeviceError{Kind: engine.DeviceLost}
	}
	if err := plan.Consume(); err != nil {
		return nil, err
	}

	arena := mem.NewArena()
	retained := plan.Handles(arena)
	for i, h := range retained {
		if err := eng.arena.Retain(h); err != nil {
			for _, r := range retained[:i] {
				eng.arena.Unretain(r)
			}
			return nil, &engine.DeviceError{Kind: engine.Validation, Err: err}
		}
	}

	t := &token{done: make(chan struct{})}
	staging, size, err := eng.encodeAndSubmit(arena, plan)
	if err != nil {
		for _, h := range retained {
			eng.arena.Unretain(h)
		}
		return nil, err
	}
	eng.submitted.Add(1)

	ch := staging.Map(eng.dev, wgpu.MapModeRead, 0, int(size))
	go func() {
		defer close(t.done)
		if err := <-ch; err != nil {
			t.err = eng.classify(err)
		} else {
			t.data = append([]byte(nil), staging.ReadOnlyMappedRange(0, int(size))...)
			staging.Unmap()
		}
		eng.mu.Lock()
		if t.err == nil {
			eng.bufs.put(staging)
		}
		eng.mu.Unlock()
		for _, h := range retained {
			eng.arena.Unretain(h)
		}
		if t.err != nil {
			eng.failed.Add(1)
		} else {
			eng.completed.Add(1)
		}
	}()
	return t, nil
}

func (eng *Engine) encodeAndSubmit(arena *mem.Arena, plan *renderer.Plan) (_ *wgpu.Buffer, size uint64, err error) {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	const slotUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

	var bindMap mem.BinaryTreeMap[uint64, *wgpu.Buffer]
	lookup := func(h pool.Handle) (*wgpu.Buffer, error) {
		buf, ok := bindMap.Get(h.Pack())
		if !ok {
			return nil, &engine.DeviceError{
				Kind: engine.Validation,
				Err:  fmt.Errorf("stage references unallocated slot %s", h),
			}
		}
		return buf, nil
	}
	// Buffers of released slots and spent params buffers go back to the pool
	// after submission, not before: WriteBuffer and Submit are ordered on the
	// queue timeline, but an earlier put could hand a buffer to a later stage
	// of this same plan and overwrite contents the submission has not read
	// yet.
	var freed []*wgpu.Buffer
	var staging *wgpu.Buffer

	encoder := eng.dev.CreateCommandEncoder(mem.Make(arena, wgpu.CommandEncoderDescriptor{Label: plan.Label}))
	defer func() {
		if err == nil {
			return
		}
		// Abandoned encode: nothing was submitted, so every device object is
		// idle and can be recycled right away.
		encoder.Release()
		for _, buf := range freed {
			eng.bufs.put(buf)
		}
		for _, buf := range bindMap.All() {
			eng.bufs.put(buf)
		}
		if staging != nil {
			eng.bufs.put(staging)
		}
	}()

	for _, st := range plan.Stages {
		switch st := st.(type) {
		case *renderer.Alloc:
			slot, err := eng.arena.Resolve(st.Dst)
			if err != nil {
				return nil, 0, &engine.DeviceError{Kind: engine.Validation, Err: err}
			}
			buf := eng.bufs.get(slot.Capacity, st.Dst.String(), slotUsage, eng.dev)
			bindMap.Insert(arena, st.Dst.Pack(), buf)

		case *renderer.Upload:
			buf, err := lookup(st.Dst)
			if err != nil {
				return nil, 0, err
			}
			eng.queue.WriteBuffer(buf, 0, st.Data)

		case *renderer.UploadSolid:
			buf, err := lookup(st.Dst)
			if err != nil {
				return nil, 0, err
			}
			data, err := solidBytes(st.Format, st.Color, st.Space)
			if err != nil {
				return nil, 0, &engine.DeviceError{Kind: engine.Validation, Err: err}
			}
			eng.queue.WriteBuffer(buf, 0, data)

		case *renderer.Dispatch:
			if err := eng.encodeDispatch(arena, encoder, &bindMap, &freed, st); err != nil {
				return nil, 0, err
			}

		case *renderer.Barrier:
			// Compute passes on one encoder are ordered; storage writes of
			// a pass are visible to the next. Nothing to encode.

		case *renderer.Download:
			src, err := lookup(st.Src)
			if err != nil {
				return nil, 0, err
			}
			size = st.Format.SizeBytes()
			staging = eng.bufs.get(size, "download", wgpu.BufferUsageMapRead|wgpu.BufferUsageCopyDst, eng.dev)
			encoder.CopyBufferToBuffer(src, 0, staging, 0, size)

		case *renderer.Release:
			if buf, ok := bindMap.Get(st.Handle.Pack()); ok {
				bindMap.Delete(st.Handle.Pack())
				freed = append(freed, buf)
			}
			if err := eng.arena.Release(st.Handle); err != nil {
				return nil, 0, &engine.DeviceError{Kind: engine.Validation, Err: err}
			}

		default:
			return nil, 0, &engine.DeviceError{
				Kind: engine.Validation,
				Err:  fmt.Errorf("unhandled stage %T", st),
			}
		}
	}
	if staging == nil {
		return nil, 0, &engine.DeviceError{
			Kind: engine.Validation,
			Err:  fmt.Errorf("plan %q has no download stage", plan.Label),
		}
	}

	cmd := encoder.Finish(nil)
	encoder.Release()
	eng.queue.Submit(cmd)
	cmd.Release()

	for _, buf := range freed {
		eng.bufs.put(buf)
	}
	// Slot buffers that were not released by the plan, such as the output
	// slot's, stay bound to their handle only for the duration of the
	// encoding; the downloaded staging copy is the result. Recycle them.
	for _, buf := range bindMap.All() {
		eng.bufs.put(buf)
	}
	return staging, size, nil
}

func (eng *Engine) encodeDispatch(
	arena *mem.Arena,
	encoder *wgpu.CommandEncoder,
	bindMap *mem.BinaryTreeMap[uint64, *wgpu.Buffer],
	freed *[]*wgpu.Buffer,
	st *renderer.Dispatch,
) error {
	pipe, err := eng.pipelines.GetOrBuild(st.Key)
	if err != nil {
		return &engine.DeviceError{Kind: engine.Validation, Err: err}
	}
	backdrop, ok := bindMap.Get(st.Backdrop.Pack())
	if !ok {
		return &engine.DeviceError{Kind: engine.Validation, Err: fmt.Errorf("dispatch reads unallocated slot %s", st.Backdrop)}
	}
	src, ok := bindMap.Get(st.Src.Pack())
	if !ok {
		return &engine.DeviceError{Kind: engine.Validation, Err: fmt.Errorf("dispatch reads unallocated slot %s", st.Src)}
	}
	dst, ok := bindMap.Get(st.Dst.Pack())
	if !ok {
		return &engine.DeviceError{Kind: engine.Validation, Err: fmt.Errorf("dispatch writes unallocated slot %s", st.Dst)}
	}

	params := eng.bufs.get(16, "params", wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst, eng.dev)
	eng.queue.WriteBuffer(params, 0, safeish.SliceCast[[]byte]([]uint32{st.Width, st.Height, 0, 0}))

	bindGroup := eng.dev.CreateBindGroup(mem.Make(arena, wgpu.BindGroupDescriptor{
		Layout: pipe.bindGroupLayout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: params, Size: ^uint64(0)},
			{Binding: 1, Buffer: backdrop, Size: ^uint64(0)},
			{Binding: 2, Buffer: src, Size: ^uint64(0)},
			{Binding: 3, Buffer: dst, Size: ^uint64(0)},
		},
	}))

	cpass := encoder.BeginComputePass(mem.Make(arena, wgpu.ComputePassDescriptor{
		Label: st.Key.String(),
	}))
	cpass.SetPipeline(pipe.pipeline)
	cpass.SetBindGroup(0, bindGroup, nil)
	gx, gy := shaders.GroupCounts(st.Width, st.Height)
	cpass.DispatchWorkgroups(gx, gy, 1)
	cpass.End()
	bindGroup.Release()
	cpass.Release()

	// The queue has not read params yet; it is recycled after submission.
	*freed = append(*freed, params)
	return nil
}

func solidBytes(f gfx.Format, c gfx.RGBA, space gfx.Space) ([]byte, error) {
	px := make([]gfx.RGBA, f.Texels())
	for i := range px {
		px[i] = c
	}
	return gfx.EncodePixels(px, f.Texel, space)
}

// classify maps a device binding error onto the session error taxonomy. The
// binding delivers untyped errors on the map channel, so the message text is
// all there is to go on. A lost device marks the engine lost and invalidates
// every arena handle.
func (eng *Engine) classify(err error) error {
	if eng.lost.Load() {
		return &engine.DeviceError{Kind: engine.DeviceLost, Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "device lost") || strings.Contains(msg, "destroyed"):
		eng.markLost()
		return &engine.DeviceError{Kind: engine.DeviceLost, Err: err}
	case strings.Contains(msg, "out of memory"):
		return &engine.DeviceError{Kind: engine.OutOfMemory, Err: err}
	default:
		return &engine.DeviceError{Kind: engine.Validation, Err: err}
	}
}

func (eng *Engine) markLost() {
	if !eng.lost.Swap(true) {
		eng.arena.Invalidate()
	}
}

func (p *resourcePool) get(size uint64, name string, usage wgpu.BufferUsage, dev *wgpu.Device) *wgpu.Buffer {
	props := bufferProperties{size: size, usages: usage}
	if bufVec := p.bufs[props]; len(bufVec) > 0 {
		buf := bufVec[len(bufVec)-1]
		p.bufs[props] = bufVec[:len(bufVec)-1]
		return buf
	}
	return dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: name,
		Size:  size,
		Usage: usage,
	})
}

func (p *resourcePool) put(buf *wgpu.Buffer) {
	props := bufferProperties{size: buf.Size(), usages: buf.Usage()}
	p.bufs[props] = append(p.bufs[props], buf)
}

type token struct {
	done chan struct{}
	data []byte
	err  error
}

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
