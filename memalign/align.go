package memalign

import (
	"unsafe"

	"github.com/robert-malhotra/go-memalign/internal/header"
)

// IsPowerOfTwo reports whether v is a nonzero power of two.
func IsPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignUp rounds v up to the next multiple of alignment, which must be a
// power of two. Values already aligned are returned unchanged.
func AlignUp(v, alignment uintptr) uintptr {
	return (v + alignment - 1) &^ (alignment - 1)
}

// IsAligned reports whether p is a multiple of alignment.
func IsAligned(p unsafe.Pointer, alignment uintptr) bool {
	return alignment != 0 && uintptr(p)&(alignment-1) == 0
}

// HeaderReserve returns the extra bytes requested from the underlying
// allocator for an allocation with the given alignment.
func HeaderReserve(alignment int, guarded bool) int {
	width := header.OffsetWidth
	if guarded {
		width = header.GuardedWidth
	}
	return width + alignment - 1
}
