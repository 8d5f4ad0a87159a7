// Package heap provides the raw allocators that aligned allocations are
// carved from.
//
// Every allocator implements [Allocator]: Allocate returns a block of at
// least n bytes or nil, and Deallocate gives it back. None of them promise
// any particular alignment of the returned address.
//
// # Allocators
//
//   - [Go]: byte slices from the Go heap, pinned until deallocated and
//     capped per request.
//   - [Mmap]: one anonymous mapping per block, outside the Go heap.
//   - [Budget]: caps the bytes outstanding from another allocator.
//   - [Skewed]: offsets every block of another allocator by a fixed amount.
//
// All allocators are safe for concurrent use.
//
// # Usage
//
//	h := heap.NewBudget(heap.NewGo(0), 1<<20)
//	p := h.Allocate(4096)
//	if p == nil {
//		// out of budget
//	}
//	h.Deallocate(p)
package heap
