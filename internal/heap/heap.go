package heap

import (
	"sync"
	"unsafe"
)

// Allocator is the raw allocator contract the alignment layer builds on.
// Allocate returns nil when the request cannot be satisfied. No alignment is
// promised for the returned pointer. Deallocate must be called exactly once
// with a pointer returned by Allocate.
type Allocator interface {
	Allocate(n uintptr) unsafe.Pointer
	Deallocate(p unsafe.Pointer)
}

// DefaultGoLimit is the largest single request a Go heap accepts unless
// configured otherwise.
const DefaultGoLimit int64 = 4 << 30

// Go allocates raw blocks from the Go heap. Blocks are pinned in a map until
// they are deallocated so the garbage collector does not reclaim memory that
// is only referenced through a header offset.
//
// Requests above the limit fail with nil. A request within the limit that the
// runtime cannot satisfy is fatal to the process, as for any Go allocation;
// set the limit below the memory actually available, or use [Mmap], whose
// failures are reported.
type Go struct {
	limit int64

	mu   sync.Mutex
	live map[unsafe.Pointer][]byte
}

// NewGo creates an empty Go heap that refuses single requests larger than
// limit bytes. A limit of zero or less selects DefaultGoLimit.
func NewGo(limit int64) *Go {
	if limit <= 0 {
		limit = DefaultGoLimit
	}
	return &Go{
		limit: limit,
		live:  make(map[unsafe.Pointer][]byte),
	}
}

// Allocate returns a zeroed block of n bytes, or nil if n is zero or above
// the limit.
func (h *Go) Allocate(n uintptr) unsafe.Pointer {
	if n == 0 || uint64(n) > uint64(h.limit) {
		return nil
	}
	buf := make([]byte, n)
	p := unsafe.Pointer(unsafe.SliceData(buf))

	h.mu.Lock()
	h.live[p] = buf
	h.mu.Unlock()
	return p
}

// Deallocate unpins the block starting at p. Unknown pointers are ignored.
func (h *Go) Deallocate(p unsafe.Pointer) {
	h.mu.Lock()
	delete(h.live, p)
	h.mu.Unlock()
}

// Limit returns the largest single request the heap accepts.
func (h *Go) Limit() int64 {
	return h.limit
}

// Live returns the number of blocks not yet deallocated.
func (h *Go) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Skewed shifts every block from an inner allocator forward by a fixed
// number of bytes. It produces deliberately misaligned addresses from
// allocators that happen to align well.
type Skewed struct {
	inner Allocator
	skew  uintptr
}

// NewSkewed wraps inner so that each block starts skew bytes into the block
// inner returned.
func NewSkewed(inner Allocator, skew uintptr) *Skewed {
	return &Skewed{inner: inner, skew: skew}
}

// Allocate returns n bytes starting skew bytes past the inner block.
func (s *Skewed) Allocate(n uintptr) unsafe.Pointer {
	if n == 0 {
		return nil
	}
	p := s.inner.Allocate(n + s.skew)
	if p == nil {
		return nil
	}
	return unsafe.Add(p, s.skew)
}

// Deallocate returns the inner block containing p.
func (s *Skewed) Deallocate(p unsafe.Pointer) {
	s.inner.Deallocate(unsafe.Add(p, -int(s.skew)))
}

// Skew returns the configured skew.
func (s *Skewed) Skew() uintptr {
	return s.skew
}
