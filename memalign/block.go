package memalign

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	stateLive uint32 = iota + 1
	stateReleased
)

// Block is an aligned allocation. It bundles the aligned address with the raw
// block it was carved from, so callers never touch the header themselves.
// A Block is owned by whoever holds it until it is released exactly once.
type Block struct {
	owner     *Allocator
	raw       unsafe.Pointer
	aligned   unsafe.Pointer
	size      uintptr
	alignment uintptr
	state     atomic.Uint32
}

// Bytes returns the usable memory of the block, or nil once released.
func (b *Block) Bytes() []byte {
	if b.Released() {
		return nil
	}
	return unsafe.Slice((*byte)(b.aligned), b.size)
}

// Pointer returns the aligned address.
func (b *Block) Pointer() unsafe.Pointer {
	return b.aligned
}

// Addr returns the aligned address as an integer.
func (b *Block) Addr() uintptr {
	return uintptr(b.aligned)
}

// Size returns the number of usable bytes.
func (b *Block) Size() int {
	return int(b.size)
}

// Alignment returns the requested alignment.
func (b *Block) Alignment() int {
	return int(b.alignment)
}

// Offset returns the distance from the raw block to the aligned address.
func (b *Block) Offset() int {
	return int(uintptr(b.aligned) - uintptr(b.raw))
}

// Released reports whether the block has been released.
func (b *Block) Released() bool {
	return b.state.Load() != stateLive
}

// Release gives the block back to the Allocator that produced it.
func (b *Block) Release() error {
	if b.owner == nil {
		return errors.Wrap(ErrInvalidRelease, "block was not produced by an allocator")
	}
	return b.owner.Release(b)
}

func (b *Block) String() string {
	return fmt.Sprintf("block{addr=0x%x size=%d alignment=%d offset=%d}", b.Addr(), b.size, b.alignment, b.Offset())
}
