// Package renderer turns blend requests into execution plans: flat, static
// sequences of stages that a device session consumes exactly once.
package renderer

import (
	"fmt"
	"sync/atomic"

	"honnef.co/go/blit/gfx"
	"honnef.co/go/blit/mem"
	"honnef.co/go/blit/pool"
)

// PipelineKey identifies one compute pipeline: the blend operation, the
// space it evaluates in, and the storage encodings of its three operands.
// Keys are value types; pipelines cached under a key are immutable and
// shared.
type PipelineKey struct {
	Mode     gfx.BlendMode
	Working  gfx.Space
	Backdrop gfx.Texel
	Src      gfx.Texel
	Dst      gfx.Texel
}

func (k PipelineKey) Valid() bool {
	return k.Mode.Valid() && k.Working.Valid() &&
		k.Backdrop.Valid() && k.Src.Valid() && k.Dst.Valid()
}

// String returns a stable textual form of the key, used for pipeline labels
// and as the single-flight build key.
func (k PipelineKey) String() string {
	return fmt.Sprintf("blend %s in %s [%s, %s -> %s]",
		k.Mode, k.Working, k.Backdrop, k.Src, k.Dst)
}

// Pipelines reports which pipeline keys a device session can dispatch.
// Planning fails early for keys a session does not support, instead of
// failing mid-submission.
type Pipelines interface {
	Supports(PipelineKey) bool
}

// Stage is one step of a plan.
type Stage interface {
	isStage()
}

func (*Alloc) isStage()       {}
func (*Upload) isStage()      {}
func (*UploadSolid) isStage() {}
func (*Dispatch) isStage()    {}
func (*Barrier) isStage()     {}
func (*Download) isStage()    {}
func (*Release) isStage()     {}

// Alloc materializes device memory for an arena slot.
type Alloc struct {
	Dst    pool.Handle
	Format gfx.Format
}

// Upload copies raster data from the host into a slot.
type Upload struct {
	Dst    pool.Handle
	Format gfx.Format
	Data   []byte
}

// UploadSolid fills a slot with a single premultiplied color. Color is
// expressed in Space; backends re-encode it into the slot's storage
// encoding.
type UploadSolid struct {
	Dst    pool.Handle
	Format gfx.Format
	Color  gfx.RGBA
	Space  gfx.Space
}

// Dispatch executes the pipeline identified by Key over every texel,
// reading Backdrop and Src and writing Dst.
type Dispatch struct {
	Key      PipelineKey
	Backdrop pool.Handle
	Src      pool.Handle
	Dst      pool.Handle
	Width    uint32
	Height   uint32
}

// Barrier orders the stages around it: every write before the barrier is
// visible to every read after it. The planner emits one wherever a stage
// reads a slot written by the immediately preceding stage.
type Barrier struct{}

// Download copies a slot's contents back to the host after the submission
// completes.
type Download struct {
	Src    pool.Handle
	Format gfx.Format
}

// Release returns a slot to the arena. The session defers the actual
// reclamation until its in-flight references are gone.
type Release struct {
	Handle pool.Handle
}

// Plan is an ordered stage sequence derived from one composite request.
// Plans are static once built and consumed exactly once.
type Plan struct {
	Label  string
	Stages []Stage
	// Output is the slot the final Download reads; the submitter owns its
	// release.
	Output       pool.Handle
	OutputFormat gfx.Format

	consumed atomic.Bool
}

// Consume marks the plan as submitted. Sessions call this before executing;
// a second call fails.
func (p *Plan) Consume() error {
	if p.consumed.Swap(true) {
		return fmt.Errorf("plan %q was already submitted", p.Label)
	}
	return nil
}

// Handles returns every slot the plan references, for session-side
// retention. The result is arena-allocated.
func (p *Plan) Handles(arena *mem.Arena) []pool.Handle {
	var out []pool.Handle
	seen := map[pool.Handle]struct{}{}
	add := func(h pool.Handle) {
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		out = mem.Append(arena, out, h)
	}
	for _, st := range p.Stages {
		switch st := st.(type) {
		case *Alloc:
			add(st.Dst)
		case *Upload:
			add(st.Dst)
		case *UploadSolid:
			add(st.Dst)
		case *Dispatch:
			add(st.Backdrop)
			add(st.Src)
			add(st.Dst)
		case *Download:
			add(st.Src)
		case *Barrier, *Release:
		default:
			panic(fmt.Sprintf("unhandled stage %T", st))
		}
	}
	return out
}

func (p *Plan) push(arena *mem.Arena, st Stage) {
	p.Stages = mem.Append(arena, p.Stages, st)
}
