//go:build js && wasm

// Package web_engine executes plans on the browser's WebGPU device through
// syscall/js. It mirrors the native backend stage for stage; completion is
// delivered by the staging buffer's mapAsync promise instead of a map
// channel.
package web_engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"syscall/js"

	"honnef.co/go/blit/engine"
	"honnef.co/go/blit/gfx"
	"honnef.co/go/blit/mem"
	"honnef.co/go/blit/pool"
	"honnef.co/go/blit/renderer"
	"honnef.co/go/blit/shaders"
)

// GPUBufferUsage bits, as defined by the WebGPU specification. Reading them
// off the global GPUBufferUsage object per buffer is needless chatter across
// the js boundary.
const (
	usageMapRead = 0x0001
	usageCopySrc = 0x0004
	usageCopyDst = 0x0008
	usageUniform = 0x0040
	usageStorage = 0x0080
)

// GPUMapMode.READ
const mapModeRead = 0x0001

// Engine is a device session on a browser GPUDevice. All interaction with
// the device happens on whatever goroutine calls Submit; only the token
// resolution crosses goroutines, driven by the host's promise callbacks.
type Engine struct {
	dev   js.Value
	queue js.Value
	arena *pool.Pool

	pipelines *engine.PipelineCache[js.Value]

	mu   sync.Mutex
	bufs map[bufferProperties][]js.Value

	lost atomic.Bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

type bufferProperties struct {
	size  uint64
	usage int
}

func New(dev js.Value, arena *pool.Pool) *Engine {
	eng := &Engine{
		dev:   dev,
		queue: dev.Get("queue"),
		arena: arena,
		bufs:  make(map[bufferProperties][]js.Value),
	}
	eng.pipelines = engine.NewPipelineCache(eng.buildPipeline)
	eng.watchLost()
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

// Lost reports whether the device was lost.
func (eng *Engine) Lost() bool {
	return eng.lost.Load()
}

// watchLost resolves the device's lost promise into the session error
// state. The browser reports loss exactly once per device.
func (eng *Engine) watchLost() {
	var cb js.Func
	cb = js.FuncOf(func(this js.Value, args []js.Value) any {
		defer cb.Release()
		eng.markLost()
		return nil
	})
	eng.dev.Get("lost").Call("then", cb)
}

func (eng *Engine) buildPipeline(key renderer.PipelineKey) (js.Value, error) {
	wgsl, err := shaders.Source(key)
	if err != nil {
		return js.Value{}, err
	}
	module := eng.dev.Call("createShaderModule", map[string]any{
		"label": key.String(),
		"code":  string(wgsl),
	})
	pipeline := eng.dev.Call("createComputePipeline", map[string]any{
		"label":  key.String(),
		"layout": "auto",
		"compute": map[string]any{
			"module":     module,
			"entryPoint": "main",
		},
	})
	return pipeline, nil
}

// Submit consumes the plan, encodes it into command buffers and submits
// them. The returned token resolves when the staging buffer's mapAsync
// promise settles.
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

	finish := func(data []byte, err error) {
		t.data = data
		t.err = err
		for _, h := range retained {
			eng.arena.Unretain(h)
		}
		if err != nil {
			eng.failed.Add(1)
		} else {
			eng.completed.Add(1)
		}
		close(t.done)
	}

	var onMapped, onFailed js.Func
	release := func() {
		onMapped.Release()
		onFailed.Release()
	}
	onMapped = js.FuncOf(func(this js.Value, args []js.Value) any {
		defer release()
		mapped := staging.Call("getMappedRange")
		data := make([]byte, size)
		js.CopyBytesToGo(data, js.Global().Get("Uint8Array").New(mapped))
		staging.Call("unmap")
		eng.mu.Lock()
		eng.putBuf(staging)
		eng.mu.Unlock()
		finish(data, nil)
		return nil
	})
	onFailed = js.FuncOf(func(this js.Value, args []js.Value) any {
		defer release()
		finish(nil, eng.classify(args))
		return nil
	})
	staging.Call("mapAsync", mapModeRead).Call("then", onMapped).Call("catch", onFailed)
	return t, nil
}

func (eng *Engine) encodeAndSubmit(arena *mem.Arena, plan *renderer.Plan) (_ js.Value, size uint64, err error) {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	const slotUsage = usageStorage | usageCopySrc | usageCopyDst

	var bindMap mem.BinaryTreeMap[uint64, js.Value]
	lookup := func(h pool.Handle) (js.Value, error) {
		buf, ok := bindMap.Get(h.Pack())
		if !ok {
			return js.Value{}, &engine.DeviceError{
				Kind: engine.Validation,
				Err:  fmt.Errorf("stage references unallocated slot %s", h),
			}
		}
		return buf, nil
	}
	// Buffers of released slots and spent params buffers are recycled after
	// submission; an earlier put could hand a buffer back to a later stage of
	// this same plan.
	var freed []js.Value
	var staging js.Value

	encoder := eng.dev.Call("createCommandEncoder", map[string]any{"label": plan.Label})
	defer func() {
		if err == nil {
			return
		}
		// Abandoned encode: nothing was submitted, so the buffers are idle
		// and go straight back to the pool.
		for _, buf := range freed {
			eng.putBuf(buf)
		}
		for _, buf := range bindMap.All() {
			eng.putBuf(buf)
		}
		if !staging.IsUndefined() {
			eng.putBuf(staging)
		}
	}()

	for _, st := range plan.Stages {
		switch st := st.(type) {
		case *renderer.Alloc:
			slot, err := eng.arena.Resolve(st.Dst)
			if err != nil {
				return js.Value{}, 0, &engine.DeviceError{Kind: engine.Validation, Err: err}
			}
			buf := eng.getBuf(slot.Capacity, st.Dst.String(), slotUsage)
			bindMap.Insert(arena, st.Dst.Pack(), buf)

		case *renderer.Upload:
			buf, err := lookup(st.Dst)
			if err != nil {
				return js.Value{}, 0, err
			}
			eng.writeBuffer(buf, st.Data)

		case *renderer.UploadSolid:
			buf, err := lookup(st.Dst)
			if err != nil {
				return js.Value{}, 0, err
			}
			data, err := solidBytes(st.Format, st.Color, st.Space)
			if err != nil {
				return js.Value{}, 0, &engine.DeviceError{Kind: engine.Validation, Err: err}
			}
			eng.writeBuffer(buf, data)

		case *renderer.Dispatch:
			if err := eng.encodeDispatch(encoder, &bindMap, &freed, st); err != nil {
				return js.Value{}, 0, err
			}

		case *renderer.Barrier:
			// Compute passes on one encoder are ordered; nothing to encode.

		case *renderer.Download:
			src, err := lookup(st.Src)
			if err != nil {
				return js.Value{}, 0, err
			}
			size = st.Format.SizeBytes()
			staging = eng.getBuf(size, "download", usageMapRead|usageCopyDst)
			encoder.Call("copyBufferToBuffer", src, 0, staging, 0, size)

		case *renderer.Release:
			if buf, ok := bindMap.Get(st.Handle.Pack()); ok {
				bindMap.Delete(st.Handle.Pack())
				freed = append(freed, buf)
			}
			if err := eng.arena.Release(st.Handle); err != nil {
				return js.Value{}, 0, &engine.DeviceError{Kind: engine.Validation, Err: err}
			}

		default:
			return js.Value{}, 0, &engine.DeviceError{
				Kind: engine.Validation,
				Err:  fmt.Errorf("unhandled stage %T", st),
			}
		}
	}
	if staging.IsUndefined() {
		return js.Value{}, 0, &engine.DeviceError{
			Kind: engine.Validation,
			Err:  fmt.Errorf("plan %q has no download stage", plan.Label),
		}
	}

	cmd := encoder.Call("finish")
	eng.queue.Call("submit", []any{cmd})

	for _, buf := range freed {
		eng.putBuf(buf)
	}
	for _, buf := range bindMap.All() {
		eng.putBuf(buf)
	}
	return staging, size, nil
}

func (eng *Engine) encodeDispatch(encoder js.Value, bindMap *mem.BinaryTreeMap[uint64, js.Value], freed *[]js.Value, st *renderer.Dispatch) error {
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

	params := eng.getBuf(16, "params", usageUniform|usageCopyDst)
	var paramBytes [16]byte
	putUint32(paramBytes[0:], st.Width)
	putUint32(paramBytes[4:], st.Height)
	eng.writeBuffer(params, paramBytes[:])

	bindGroup := eng.dev.Call("createBindGroup", map[string]any{
		"layout": pipe.Call("getBindGroupLayout", 0),
		"entries": []any{
			map[string]any{"binding": 0, "resource": map[string]any{"buffer": params}},
			map[string]any{"binding": 1, "resource": map[string]any{"buffer": backdrop}},
			map[string]any{"binding": 2, "resource": map[string]any{"buffer": src}},
			map[string]any{"binding": 3, "resource": map[string]any{"buffer": dst}},
		},
	})

	cpass := encoder.Call("beginComputePass", map[string]any{"label": st.Key.String()})
	cpass.Call("setPipeline", pipe)
	cpass.Call("setBindGroup", 0, bindGroup)
	gx, gy := shaders.GroupCounts(st.Width, st.Height)
	cpass.Call("dispatchWorkgroups", gx, gy)
	cpass.Call("end")

	// The queue has not read params yet; it is recycled after submission.
	*freed = append(*freed, params)
	return nil
}

func (eng *Engine) writeBuffer(buf js.Value, data []byte) {
	u8 := js.Global().Get("Uint8Array").New(len(data))
	js.CopyBytesToJS(u8, data)
	eng.queue.Call("writeBuffer", buf, 0, u8)
}

// caller must hold eng.mu
func (eng *Engine) getBuf(size uint64, label string, usage int) js.Value {
	props := bufferProperties{size: size, usage: usage}
	if bufVec := eng.bufs[props]; len(bufVec) > 0 {
		buf := bufVec[len(bufVec)-1]
		eng.bufs[props] = bufVec[:len(bufVec)-1]
		return buf
	}
	return eng.dev.Call("createBuffer", map[string]any{
		"label": label,
		"size":  size,
		"usage": usage,
	})
}

// caller must hold eng.mu
func (eng *Engine) putBuf(buf js.Value) {
	props := bufferProperties{
		size:  uint64(buf.Get("size").Int()),
		usage: buf.Get("usage").Int(),
	}
	eng.bufs[props] = append(eng.bufs[props], buf)
}

func solidBytes(f gfx.Format, c gfx.RGBA, space gfx.Space) ([]byte, error) {
	px := make([]gfx.RGBA, f.Texels())
	for i := range px {
		px[i] = c
	}
	return gfx.EncodePixels(px, f.Texel, space)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// classify maps a rejected promise onto the session error taxonomy. The
// rejection value is inspected by its error class first; the message text is
// only a fallback for hosts that reject with plain values.
func (eng *Engine) classify(args []js.Value) error {
	var v js.Value
	var msg string
	if len(args) > 0 {
		v = args[0]
		if m := v.Get("message"); m.Type() == js.TypeString {
			msg = m.String()
		} else if v.Type() == js.TypeString {
			msg = v.String()
		}
	}
	err := fmt.Errorf("%s", msg)

	switch {
	case eng.lost.Load() || isInstance(v, "GPUDeviceLostError"):
		eng.markLost()
		return &engine.DeviceError{Kind: engine.DeviceLost, Err: err}
	case isInstance(v, "GPUOutOfMemoryError"):
		return &engine.DeviceError{Kind: engine.OutOfMemory, Err: err}
	case isInstance(v, "GPUValidationError"):
		return &engine.DeviceError{Kind: engine.Validation, Err: err}
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "lost") || strings.Contains(lower, "destroyed"):
		eng.markLost()
		return &engine.DeviceError{Kind: engine.DeviceLost, Err: err}
	case strings.Contains(lower, "out of memory"):
		return &engine.DeviceError{Kind: engine.OutOfMemory, Err: err}
	default:
		return &engine.DeviceError{Kind: engine.Validation, Err: err}
	}
}

func isInstance(v js.Value, class string) bool {
	c := js.Global().Get(class)
	return c.Type() == js.TypeFunction && v.Type() == js.TypeObject && v.InstanceOf(c)
}

func (eng *Engine) markLost() {
	if !eng.lost.Swap(true) {
		eng.arena.Invalidate()
	}
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
