package memalign

import "unsafe"

// DefaultAllocator is an unguarded, untracked Allocator on the Go heap. It
// backs the package-level functions and is safe for concurrent use.
var DefaultAllocator = New()

// Allocate allocates an aligned block from DefaultAllocator.
func Allocate(alignment, size int) (*Block, error) {
	return DefaultAllocator.Allocate(alignment, size)
}

// Release releases a block allocated by Allocate.
func Release(b *Block) error {
	return DefaultAllocator.Release(b)
}

// Memalign returns a bare aligned pointer from DefaultAllocator. It must be
// released with Free.
func Memalign(alignment, size int) (unsafe.Pointer, error) {
	return DefaultAllocator.AllocatePointer(alignment, size)
}

// Free releases a pointer returned by Memalign.
func Free(p unsafe.Pointer) error {
	return DefaultAllocator.ReleasePointer(p)
}
