//go:build unix

package heap

import (
	"math"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mmap allocates each raw block as its own anonymous private mapping. Blocks
// live outside the Go heap and are returned to the kernel on Deallocate.
// Mappings are page aligned, so callers that need to observe unaligned raw
// addresses combine it with [Skewed].
type Mmap struct {
	pageSize uintptr

	mu   sync.Mutex
	live map[unsafe.Pointer][]byte
}

// NewMmap creates an mmap-backed heap.
func NewMmap() *Mmap {
	return &Mmap{
		pageSize: uintptr(unix.Getpagesize()),
		live:     make(map[unsafe.Pointer][]byte),
	}
}

// Allocate maps at least n bytes, rounded up to whole pages. It returns nil
// if the mapping fails.
func (h *Mmap) Allocate(n uintptr) unsafe.Pointer {
	if n == 0 || n > uintptr(math.MaxInt)-h.pageSize {
		return nil
	}
	length := (n + h.pageSize - 1) &^ (h.pageSize - 1)
	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil
	}
	p := unsafe.Pointer(unsafe.SliceData(mem))

	h.mu.Lock()
	h.live[p] = mem
	h.mu.Unlock()
	return p
}

// Deallocate unmaps the block starting at p. Unknown pointers are ignored.
func (h *Mmap) Deallocate(p unsafe.Pointer) {
	h.mu.Lock()
	mem, ok := h.live[p]
	delete(h.live, p)
	h.mu.Unlock()

	if ok {
		_ = unix.Munmap(mem)
	}
}

// PageSize returns the mapping granularity.
func (h *Mmap) PageSize() int {
	return int(h.pageSize)
}

// Live returns the number of mappings not yet released.
func (h *Mmap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}
