// Package pool implements the resource arena: a generational handle table
// for GPU-resident rasters. Every other component refers to resources only
// through Handles issued here; the device backends own the actual buffer
// objects and key them by handle.
package pool

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"

	"honnef.co/go/blit/gfx"
)

// ErrStaleHandle is returned by Resolve when a handle's generation no longer
// matches its slot, i.e. the resource was released or the arena was
// invalidated.
var ErrStaleHandle = errors.New("stale resource handle")

// Handle is an opaque, generation-stamped reference to one arena slot. The
// zero Handle never resolves.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) IsZero() bool {
	return h == Handle{}
}

// Pack returns the handle as a single ordered integer, for use as a map key
// and in log output.
func (h Handle) Pack() uint64 {
	return uint64(h.index)<<32 | uint64(h.gen)
}

func (h Handle) String() string {
	return fmt.Sprintf("res-%d.%d", h.index, h.gen)
}

// Slot describes a resolved resource.
type Slot struct {
	Format gfx.Format
	// Capacity is the byte capacity of the underlying allocation. It is at
	// least Format.SizeBytes() and may be larger when a freed slot was
	// reused.
	Capacity uint64
}

type slot struct {
	gen      uint32
	live     bool
	released bool
	refs     int
	format   gfx.Format
	capacity uint64
}

// Pool is a resource arena. Slots are reused across allocations of the same
// capacity class; each reuse bumps the slot generation so that stale handles
// fail Resolve instead of aliasing the new resource.
//
// All methods are safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	slots []slot
	// free slot indices per capacity class
	free map[uint64][]uint32
}

func New() *Pool {
	return &Pool{
		free: make(map[uint64][]uint32),
	}
}

// Allocate reserves a slot for a raster in the given format. It reuses a
// freed slot of the same capacity class when one is available.
func (p *Pool) Allocate(f gfx.Format) (Handle, error) {
	if !f.Valid() {
		return Handle{}, fmt.Errorf("invalid format %s", f)
	}
	capacity := sizeClass(f.SizeBytes())

	p.mu.Lock()
	defer p.mu.Unlock()

	if free := p.free[capacity]; len(free) > 0 {
		idx := free[len(free)-1]
		p.free[capacity] = free[:len(free)-1]
		s := &p.slots[idx]
		s.live = true
		s.released = false
		s.refs = 0
		s.format = f
		return Handle{index: idx, gen: s.gen}, nil
	}

	p.slots = append(p.slots, slot{
		gen:      1,
		live:     true,
		format:   f,
		capacity: capacity,
	})
	return Handle{index: uint32(len(p.slots) - 1), gen: 1}, nil
}

// Resolve returns the slot a handle refers to, or ErrStaleHandle if the
// handle's generation does not match or the slot was released.
func (p *Pool) Resolve(h Handle) (Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(h)
	if err != nil {
		return Slot{}, err
	}
	return Slot{Format: s.format, Capacity: s.capacity}, nil
}

// Retain marks the resource as referenced by an in-flight submission. A
// retained slot survives Release until the matching Unretain.
func (p *Pool) Retain(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(h)
	if err != nil {
		return err
	}
	s.refs++
	return nil
}

// Unretain drops one in-flight reference. If the slot's release is pending
// and this was the last reference, the slot is reclaimed. Unretain on a
// stale handle is a no-op: the arena may have been invalidated while the
// submission was in flight.
func (p *Pool) Unretain(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(h.index) >= len(p.slots) {
		return
	}
	s := &p.slots[h.index]
	if s.gen != h.gen || !s.live {
		return
	}
	if s.refs > 0 {
		s.refs--
	}
	if s.released && s.refs == 0 {
		p.reclaim(h.index)
	}
}

// Release marks a slot eligible for reclamation. The slot is reclaimed
// immediately if no in-flight submission references it; otherwise the last
// Unretain reclaims it. After Release, Resolve fails with ErrStaleHandle
// regardless of pending references.
func (p *Pool) Release(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(h.index) >= len(p.slots) {
		return fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	s := &p.slots[h.index]
	if s.gen != h.gen || !s.live || s.released {
		return fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	s.released = true
	if s.refs == 0 {
		p.reclaim(h.index)
	}
	return nil
}

// Invalidate bumps the generation of every slot, making all outstanding
// handles stale. Called when the device session is lost: the underlying
// resources are gone and no handle issued under the session may resolve
// again.
func (p *Pool) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		s := &p.slots[i]
		s.gen++
		s.live = false
		s.released = false
		s.refs = 0
	}
	clear(p.free)
}

// Stats reports the number of live and free slots.
func (p *Pool) Stats() (live, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		if p.slots[i].live {
			live++
		}
	}
	for _, f := range p.free {
		free += len(f)
	}
	return live, free
}

func (p *Pool) lookup(h Handle) (*slot, error) {
	if int(h.index) >= len(p.slots) {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	s := &p.slots[h.index]
	if s.gen != h.gen || !s.live || s.released {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return s, nil
}

// caller must hold p.mu
func (p *Pool) reclaim(idx uint32) {
	s := &p.slots[idx]
	s.gen++
	s.live = false
	s.released = false
	p.free[s.capacity] = append(p.free[s.capacity], idx)
}

// sizeClass rounds a byte size up to its allocation class so that slightly
// differently sized rasters can share freed slots.
func sizeClass(x uint64) uint64 {
	const sizeClassBits = 1
	if x > 1<<sizeClassBits {
		a := bits.LeadingZeros64(x - 1)
		b := (x - 1) | (((math.MaxUint64 / 2) >> sizeClassBits) >> a)
		return b + 1
	} else {
		return 1 << sizeClassBits
	}
}
