package memalign

import "unsafe"

// AllocatePointer is Allocate for callers that need a bare pointer, such as
// memory handed to foreign code. The pointer must be given back with
// ReleasePointer on the same Allocator.
func (a *Allocator) AllocatePointer(alignment, size int) (unsafe.Pointer, error) {
	_, aligned, err := a.allocate(alignment, size, "")
	return aligned, err
}

// ReleasePointer releases a pointer returned by AllocatePointer.
//
// Without WithGuard or WithTracking the header in front of p is trusted: a
// pointer that did not come from AllocatePointer, or one released twice, is
// turned into an arbitrary address handed to the heap. That is undefined
// behaviour which this layer cannot detect from the offset alone.
//
// WithTracking rejects pointers that are not live allocations without
// reading memory. WithGuard rejects headers whose canary or state do not
// verify; with a heap that unmaps memory on release (the mmap heap), reading
// the header of a pointer that was already released may still fault, so
// combine it with tracking there.
func (a *Allocator) ReleasePointer(p unsafe.Pointer) error {
	if p == nil {
		return a.invalidRelease(nil, "nil pointer")
	}
	return a.release(p, nil)
}
