package alloc

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrDuplicate is returned when an address is recorded while still live.
var ErrDuplicate = errors.New("address already recorded")

// Registry records live allocations keyed by aligned address.
type Registry struct {
	mu sync.Mutex

	// live maps aligned address to its allocation.
	live map[uintptr]Allocation

	stats Stats
}

// Allocation describes one live aligned allocation.
type Allocation struct {
	Addr      uintptr // aligned address handed to the caller
	Raw       uintptr // start of the underlying raw block
	Size      uintptr // usable bytes starting at Addr
	Alignment uintptr
	Tag       string // optional, for debugging
}

// Offset returns the distance from the raw block to the aligned address.
func (a Allocation) Offset() uintptr {
	return a.Addr - a.Raw
}

// End returns the first address past the usable bytes.
func (a Allocation) End() uintptr {
	return a.Addr + a.Size
}

// Stats contains allocation statistics.
type Stats struct {
	TotalAllocations uint64 // Number of allocations recorded
	TotalReleases    uint64 // Number of allocations forgotten
	TotalBytesAlloc  uint64 // Usable bytes handed out
	TotalBytesFree   uint64 // Usable bytes given back
	TotalPadding     uint64 // Bytes between raw blocks and aligned addresses
	LiveAllocations  uint64
	LiveBytes        uint64
	LargestAlloc     uint64 // Largest single allocation
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		live: make(map[uintptr]Allocation),
	}
}

// Record adds a live allocation.
func (r *Registry) Record(a Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[a.Addr]; ok {
		return errors.Wrapf(ErrDuplicate, "0x%x", a.Addr)
	}
	r.live[a.Addr] = a

	r.stats.TotalAllocations++
	r.stats.TotalBytesAlloc += uint64(a.Size)
	r.stats.TotalPadding += uint64(a.Offset())
	r.stats.LiveAllocations++
	r.stats.LiveBytes += uint64(a.Size)
	if uint64(a.Size) > r.stats.LargestAlloc {
		r.stats.LargestAlloc = uint64(a.Size)
	}
	return nil
}

// Forget removes and returns the allocation at addr. Only one of several
// concurrent callers forgetting the same address sees ok.
func (r *Registry) Forget(addr uintptr) (Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.live[addr]
	if !ok {
		return Allocation{}, false
	}
	delete(r.live, addr)

	r.stats.TotalReleases++
	r.stats.TotalBytesFree += uint64(a.Size)
	r.stats.LiveAllocations--
	r.stats.LiveBytes -= uint64(a.Size)
	return a, true
}

// Restore puts back an allocation previously returned by Forget without
// counting it as a new allocation.
func (r *Registry) Restore(a Allocation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.live[a.Addr] = a
	r.stats.TotalReleases--
	r.stats.TotalBytesFree -= uint64(a.Size)
	r.stats.LiveAllocations++
	r.stats.LiveBytes += uint64(a.Size)
}

// Lookup returns the live allocation at addr.
func (r *Registry) Lookup(addr uintptr) (Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.live[addr]
	return a, ok
}

// Stats returns a copy of the statistics.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Allocations returns the live allocations ordered by address.
func (r *Registry) Allocations() []Allocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

func (r *Registry) sortedLocked() []Allocation {
	result := make([]Allocation, 0, len(r.live))
	for _, a := range r.live {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Addr < result[j].Addr
	})
	return result
}

// Validate checks that every live allocation is aligned, starts inside its
// raw block past the header, and that no two allocations overlap.
func (r *Registry) Validate(headerWidth uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	allocs := r.sortedLocked()
	for _, a := range allocs {
		if a.Alignment == 0 || a.Addr%a.Alignment != 0 {
			return errors.Errorf("allocation at 0x%x is not aligned to %d", a.Addr, a.Alignment)
		}
		if a.Offset() < headerWidth || a.Offset() > headerWidth+a.Alignment-1 {
			return errors.Errorf("allocation at 0x%x has offset %d outside [%d, %d]",
				a.Addr, a.Offset(), headerWidth, headerWidth+a.Alignment-1)
		}
	}

	// Sorted by address, so overlaps can only occur between neighbours.
	for i := 1; i < len(allocs); i++ {
		prev, cur := allocs[i-1], allocs[i]
		if cur.Addr < prev.End() {
			return errors.Errorf("overlapping allocations: [0x%x, size %d] and [0x%x, size %d]",
				prev.Addr, prev.Size, cur.Addr, cur.Size)
		}
	}

	return nil
}
