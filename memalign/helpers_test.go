package memalign_test

import (
	"sync"
	"unsafe"
)

// arenaHeap is a recording heap whose raw addresses are congruent to residue
// modulo 64, which lets tests pick exactly how misaligned raw blocks are.
type arenaHeap struct {
	residue uintptr
	fail    bool

	mu          sync.Mutex
	live        map[unsafe.Pointer][]byte
	requests    []uintptr
	allocated   []unsafe.Pointer
	deallocated []unsafe.Pointer
}

func newArenaHeap(residue uintptr) *arenaHeap {
	return &arenaHeap{
		residue: residue % 64,
		live:    make(map[unsafe.Pointer][]byte),
	}
}

func (h *arenaHeap) Allocate(n uintptr) unsafe.Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.requests = append(h.requests, n)
	if h.fail {
		return nil
	}

	buf := make([]byte, n+64)
	base := uintptr(unsafe.Pointer(&buf[0]))
	k := (h.residue + 64 - base%64) % 64
	p := unsafe.Pointer(&buf[k])

	h.live[p] = buf
	h.allocated = append(h.allocated, p)
	return p
}

func (h *arenaHeap) Deallocate(p unsafe.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.live, p)
	h.deallocated = append(h.deallocated, p)
}

func (h *arenaHeap) liveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

func (h *arenaHeap) lastRequest() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.requests) == 0 {
		return 0
	}
	return h.requests[len(h.requests)-1]
}

func (h *arenaHeap) snapshot() (allocated, deallocated []unsafe.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]unsafe.Pointer(nil), h.allocated...), append([]unsafe.Pointer(nil), h.deallocated...)
}
