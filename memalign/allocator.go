package memalign

import (
	"fmt"
	"math/bits"
	"math/rand"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/robert-malhotra/go-memalign/internal/alloc"
	"github.com/robert-malhotra/go-memalign/internal/header"
	"github.com/robert-malhotra/go-memalign/internal/heap"
	"github.com/robert-malhotra/go-memalign/internal/metrics"
)

// Stats contains allocation statistics of a tracking Allocator.
type Stats = alloc.Stats

// Allocation describes a live allocation of a tracking Allocator.
type Allocation = alloc.Allocation

// Allocator hands out aligned blocks carved from an underlying Heap.
//
// Each raw block is padded by the header width plus alignment-1 bytes. The
// aligned address is the first multiple of the alignment at least one header
// width past the raw start, and the distance back to the raw start is stored
// in the header just before it. Release reads that distance to find the raw
// block again.
//
// The alignment computation keeps no state. An Allocator is safe for
// concurrent use whenever its Heap is; all heaps in this module are.
type Allocator struct {
	heap     Heap
	codec    *header.Codec
	registry *alloc.Registry
	logger   log.Logger
	metrics  *metrics.Metrics
}

// New creates an Allocator.
func New(opts ...Option) *Allocator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.heap == nil {
		o.heap = heap.NewGo(0)
	}
	if o.guarded && !o.seedSet {
		o.seed = rand.Uint64()
	}

	a := &Allocator{
		heap: o.heap,
		codec: header.NewCodec(header.Config{
			ByteOrder: o.order,
			Guarded:   o.guarded,
			Seed:      o.seed,
		}),
		logger:  o.logger,
		metrics: metrics.New(o.registry),
	}
	if o.tracking {
		a.registry = alloc.New()
	}
	return a
}

// Allocate returns a block of size bytes whose address is a multiple of
// alignment. alignment must be a power of two no larger than MaxAlignment and
// size must be positive. A failure of the underlying heap is reported as
// ErrUnderlyingAllocation and is not retried.
func (a *Allocator) Allocate(alignment, size int) (*Block, error) {
	return a.AllocateTagged(alignment, size, "")
}

// AllocateTagged is Allocate with a tag recorded for tracking allocators.
func (a *Allocator) AllocateTagged(alignment, size int, tag string) (*Block, error) {
	raw, aligned, err := a.allocate(alignment, size, tag)
	if err != nil {
		return nil, err
	}
	b := &Block{
		owner:     a,
		raw:       raw,
		aligned:   aligned,
		size:      uintptr(size),
		alignment: uintptr(alignment),
	}
	b.state.Store(stateLive)
	return b, nil
}

// Release gives a block back to the underlying heap. Releasing nil, a block
// from another Allocator, a block already released, or a block whose header
// no longer matches fails with ErrInvalidRelease and leaves memory alone.
func (a *Allocator) Release(b *Block) error {
	if b == nil {
		return a.invalidRelease(nil, "nil block")
	}
	if b.owner != a {
		return a.invalidRelease(b.aligned, "block belongs to another allocator")
	}
	if !b.state.CompareAndSwap(stateLive, stateReleased) {
		return a.invalidRelease(b.aligned, "block already released")
	}
	if err := a.release(b.aligned, b.raw); err != nil {
		b.state.Store(stateLive)
		return err
	}
	return nil
}

func (a *Allocator) validate(alignment, size int) error {
	if alignment <= 0 || alignment > MaxAlignment || !IsPowerOfTwo(uintptr(alignment)) {
		a.metrics.ObserveFailure(metrics.ReasonInvalidAlignment)
		level.Debug(a.logger).Log("msg", "rejected allocation", "alignment", alignment, "size", size, "err", ErrInvalidAlignment)
		return errors.Wrapf(ErrInvalidAlignment, "alignment %d", alignment)
	}
	if size <= 0 {
		a.metrics.ObserveFailure(metrics.ReasonInvalidSize)
		level.Debug(a.logger).Log("msg", "rejected allocation", "alignment", alignment, "size", size, "err", ErrInvalidSize)
		return errors.Wrapf(ErrInvalidSize, "size %d", size)
	}
	return nil
}

// allocate performs the padded raw allocation and writes the header. It is
// the only place aligned addresses are computed.
func (a *Allocator) allocate(alignment, size int, tag string) (raw, aligned unsafe.Pointer, err error) {
	if err := a.validate(alignment, size); err != nil {
		return nil, nil, err
	}

	align := uintptr(alignment)
	reserve := a.codec.Reserve(align)
	padded := uintptr(size) + reserve

	raw = a.heap.Allocate(padded)
	if raw == nil {
		a.metrics.ObserveFailure(metrics.ReasonUnderlying)
		level.Error(a.logger).Log("msg", "underlying allocation failed", "alignment", alignment, "size", size, "requested", padded)
		return nil, nil, errors.Wrapf(ErrUnderlyingAllocation, "requested %d bytes", padded)
	}

	offset := AlignUp(uintptr(raw)+a.codec.Width(), align) - uintptr(raw)
	aligned = unsafe.Add(raw, offset)
	a.codec.Write(aligned, uint16(offset), uint8(bits.TrailingZeros(uint(alignment))))

	if a.registry != nil {
		err := a.registry.Record(alloc.Allocation{
			Addr:      uintptr(aligned),
			Raw:       uintptr(raw),
			Size:      uintptr(size),
			Alignment: align,
			Tag:       tag,
		})
		if err != nil {
			// The heap returned memory that is still handed out.
			a.metrics.ObserveFailure(metrics.ReasonUnderlying)
			level.Error(a.logger).Log("msg", "underlying allocator returned live memory", "addr", hexAddr(aligned), "err", err)
			return nil, nil, errors.Wrap(ErrUnderlyingAllocation, err.Error())
		}
	}

	a.metrics.ObserveAllocate(uintptr(size), reserve)
	level.Debug(a.logger).Log("msg", "allocated", "addr", hexAddr(aligned), "alignment", alignment, "size", size, "offset", offset)
	return raw, aligned, nil
}

// release recovers the raw block from the header in front of aligned and
// deallocates it. The recovered block must match want when it is non-nil,
// and the recorded raw block when tracking.
func (a *Allocator) release(aligned, want unsafe.Pointer) error {
	var rec alloc.Allocation
	if a.registry != nil {
		var ok bool
		if rec, ok = a.registry.Forget(uintptr(aligned)); !ok {
			return a.invalidRelease(aligned, "not a live allocation")
		}
	}

	h, err := a.codec.Verify(aligned)
	if err == nil {
		raw := uintptr(aligned) - uintptr(h.Offset)
		switch {
		case want != nil && raw != uintptr(want):
			err = errors.Errorf("header offset %d does not lead back to the raw block", h.Offset)
		case a.registry != nil && raw != rec.Raw:
			err = errors.Errorf("header offset %d does not match recorded offset %d", h.Offset, rec.Offset())
		}
	}
	if err != nil {
		if a.registry != nil {
			a.registry.Restore(rec)
		}
		return a.invalidRelease(aligned, err.Error())
	}

	raw := unsafe.Add(aligned, -int(h.Offset))
	a.codec.MarkReleased(aligned)
	a.heap.Deallocate(raw)

	a.metrics.ObserveRelease()
	level.Debug(a.logger).Log("msg", "released", "addr", hexAddr(aligned), "offset", h.Offset)
	return nil
}

func (a *Allocator) invalidRelease(p unsafe.Pointer, reason string) error {
	a.metrics.ObserveFailure(metrics.ReasonInvalidRelease)
	level.Warn(a.logger).Log("msg", "invalid release", "addr", hexAddr(p), "reason", reason)
	return errors.Wrapf(ErrInvalidRelease, "%s at %s", reason, hexAddr(p))
}

// Guarded reports whether headers carry a canary.
func (a *Allocator) Guarded() bool {
	return a.codec.Guarded()
}

// Tracking reports whether live allocations are recorded.
func (a *Allocator) Tracking() bool {
	return a.registry != nil
}

// HeaderWidth returns the number of header bytes stored before each block.
func (a *Allocator) HeaderWidth() int {
	return int(a.codec.Width())
}

// Stats returns allocation statistics. It is zero unless tracking is enabled.
func (a *Allocator) Stats() Stats {
	if a.registry == nil {
		return Stats{}
	}
	return a.registry.Stats()
}

// Live returns the live allocations ordered by address, or nil unless
// tracking is enabled.
func (a *Allocator) Live() []Allocation {
	if a.registry == nil {
		return nil
	}
	return a.registry.Allocations()
}

// Lookup returns the live allocation at p. It reports false for pointers that
// are not live allocations and whenever tracking is disabled.
func (a *Allocator) Lookup(p unsafe.Pointer) (Allocation, bool) {
	if a.registry == nil {
		return Allocation{}, false
	}
	return a.registry.Lookup(uintptr(p))
}

// Validate checks that live allocations are aligned, sit inside their raw
// blocks and do not overlap. It returns nil unless tracking is enabled.
func (a *Allocator) Validate() error {
	if a.registry == nil {
		return nil
	}
	return a.registry.Validate(a.codec.Width())
}

func hexAddr(p unsafe.Pointer) string {
	return fmt.Sprintf("0x%x", uintptr(p))
}
