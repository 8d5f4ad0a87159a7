package memalign

import "github.com/robert-malhotra/go-memalign/internal/heap"

// Heap is the underlying raw allocator. Allocate returns nil on failure and
// need not align its result; Deallocate receives exactly the pointers
// Allocate returned.
type Heap = heap.Allocator

// DefaultGoHeapLimit is the per-request cap of the default heap.
const DefaultGoHeapLimit = heap.DefaultGoLimit

// NewGoHeap returns a heap backed by Go byte slices. Single requests above
// limit bytes fail and surface as ErrUnderlyingAllocation; a limit of zero or
// less selects DefaultGoHeapLimit. Requests within the limit that exceed the
// memory available abort the process, so keep the limit below it.
func NewGoHeap(limit int64) Heap {
	return heap.NewGo(limit)
}

// NewMmapHeap returns a heap that maps each block anonymously outside the Go
// heap. On platforms without mmap every allocation fails.
func NewMmapHeap() Heap {
	return heap.NewMmap()
}

// NewBudgetHeap wraps inner so that no more than limit bytes are outstanding.
func NewBudgetHeap(inner Heap, limit int64) Heap {
	return heap.NewBudget(inner, limit)
}

// NewSkewedHeap wraps inner so that every block starts skew bytes later.
func NewSkewedHeap(inner Heap, skew int) Heap {
	return heap.NewSkewed(inner, uintptr(skew))
}
