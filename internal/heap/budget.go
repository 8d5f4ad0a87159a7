package heap

import (
	"sync"
	"unsafe"

	"go.uber.org/atomic"
)

// Budget limits the total number of bytes outstanding from an inner
// allocator. Requests that would exceed the limit fail with nil.
type Budget struct {
	inner Allocator
	limit int64
	used  atomic.Int64

	mu    sync.Mutex
	sizes map[unsafe.Pointer]uintptr
}

// NewBudget wraps inner with a limit of limit outstanding bytes.
func NewBudget(inner Allocator, limit int64) *Budget {
	return &Budget{
		inner: inner,
		limit: limit,
		sizes: make(map[unsafe.Pointer]uintptr),
	}
}

// Allocate reserves n bytes of budget and allocates from the inner allocator.
func (b *Budget) Allocate(n uintptr) unsafe.Pointer {
	if n == 0 || b.limit <= 0 || n > uintptr(b.limit) {
		return nil
	}
	if b.used.Add(int64(n)) > b.limit {
		b.used.Sub(int64(n))
		return nil
	}

	p := b.inner.Allocate(n)
	if p == nil {
		b.used.Sub(int64(n))
		return nil
	}

	b.mu.Lock()
	b.sizes[p] = n
	b.mu.Unlock()
	return p
}

// Deallocate returns the block and its bytes to the budget.
func (b *Budget) Deallocate(p unsafe.Pointer) {
	b.mu.Lock()
	n, ok := b.sizes[p]
	delete(b.sizes, p)
	b.mu.Unlock()

	if !ok {
		return
	}
	b.inner.Deallocate(p)
	b.used.Sub(int64(n))
}

// Used returns the bytes currently outstanding.
func (b *Budget) Used() int64 {
	return b.used.Load()
}

// Limit returns the configured limit.
func (b *Budget) Limit() int64 {
	return b.limit
}
