//go:build !unix

package heap

import (
	"os"
	"unsafe"
)

// Mmap is unavailable on this platform; every allocation fails.
type Mmap struct{}

// NewMmap returns a heap whose allocations always fail.
func NewMmap() *Mmap {
	return &Mmap{}
}

// Allocate always returns nil.
func (h *Mmap) Allocate(uintptr) unsafe.Pointer {
	return nil
}

// Deallocate does nothing.
func (h *Mmap) Deallocate(unsafe.Pointer) {}

// PageSize returns the operating system page size.
func (h *Mmap) PageSize() int {
	return os.Getpagesize()
}

// Live always returns zero.
func (h *Mmap) Live() int {
	return 0
}
