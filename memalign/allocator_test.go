package memalign_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/robert-malhotra/go-memalign/memalign"
)

var (
	testAlignments = []int{1, 2, 4, 8, 16, 32, 64, 4096}
	testSizes      = []int{1, 7, 100, 1000, 1035}
)

func TestAllocateAlignment(t *testing.T) {
	for _, guarded := range []bool{false, true} {
		for skew := 0; skew < 16; skew++ {
			var opts []memalign.Option
			opts = append(opts, memalign.WithHeap(memalign.NewSkewedHeap(memalign.NewGoHeap(0), skew)))
			if guarded {
				opts = append(opts, memalign.WithGuard())
			}
			a := memalign.New(opts...)
			width := a.HeaderWidth()

			for _, alignment := range testAlignments {
				for _, size := range testSizes {
					name := fmt.Sprintf("guarded=%v/skew=%d/align=%d/size=%d", guarded, skew, alignment, size)
					b, err := a.Allocate(alignment, size)
					require.NoError(t, err, name)

					require.Zero(t, b.Addr()%uintptr(alignment), name)
					require.GreaterOrEqual(t, b.Offset(), width, name)
					require.LessOrEqual(t, b.Offset(), width+alignment-1, name)
					require.Equal(t, size, b.Size(), name)
					require.Equal(t, alignment, b.Alignment(), name)
					require.True(t, memalign.IsAligned(b.Pointer(), uintptr(alignment)), name)

					// The whole block is usable without touching the header.
					buf := b.Bytes()
					require.Len(t, buf, size, name)
					for i := range buf {
						buf[i] = 0xee
					}

					require.NoError(t, a.Release(b), name)
				}
			}
		}
	}
}

func TestAllocateRoundTrip(t *testing.T) {
	for residue := uintptr(0); residue < 64; residue += 3 {
		h := newArenaHeap(residue)
		a := memalign.New(memalign.WithHeap(h))

		var blocks []*memalign.Block
		for _, alignment := range testAlignments {
			for _, size := range testSizes {
				b, err := a.Allocate(alignment, size)
				require.NoError(t, err)
				require.Equal(t, uintptr(size+memalign.HeaderReserve(alignment, false)), h.lastRequest())
				blocks = append(blocks, b)
			}
		}
		for _, b := range blocks {
			require.NoError(t, a.Release(b))
		}

		// Every raw block the heap produced comes back exactly once, in order.
		allocated, deallocated := h.snapshot()
		require.Equal(t, allocated, deallocated, "residue %d", residue)
		require.Zero(t, h.liveCount())
	}
}

func TestAllocateOffsetBounds(t *testing.T) {
	for _, guarded := range []bool{false, true} {
		width := memalign.HeaderReserve(1, guarded)

		t.Run(fmt.Sprintf("guarded=%v/already aligned", guarded), func(t *testing.T) {
			// raw+width is a multiple of 64, so no padding beyond the header.
			h := newArenaHeap(uintptr(64 - width))
			opts := []memalign.Option{memalign.WithHeap(h)}
			if guarded {
				opts = append(opts, memalign.WithGuard())
			}
			a := memalign.New(opts...)

			for _, alignment := range []int{1, 2, 4, 8, 16, 32, 64} {
				b, err := a.Allocate(alignment, 10)
				require.NoError(t, err)
				require.Equal(t, width, b.Offset(), "alignment %d", alignment)
				require.NoError(t, a.Release(b))
			}
		})

		t.Run(fmt.Sprintf("guarded=%v/worst case", guarded), func(t *testing.T) {
			// raw+width is one past a multiple of 64: full slack is needed.
			h := newArenaHeap(uintptr(64 - width + 1))
			opts := []memalign.Option{memalign.WithHeap(h)}
			if guarded {
				opts = append(opts, memalign.WithGuard())
			}
			a := memalign.New(opts...)

			for _, alignment := range []int{2, 4, 8, 16, 32, 64} {
				b, err := a.Allocate(alignment, 10)
				require.NoError(t, err)
				require.Equal(t, width+alignment-1, b.Offset(), "alignment %d", alignment)
				require.NoError(t, a.Release(b))
			}
		})
	}
}

func TestAllocateInvalidArguments(t *testing.T) {
	tests := []struct {
		name      string
		alignment int
		size      int
		want      error
	}{
		{"zero alignment", 0, 10, memalign.ErrInvalidAlignment},
		{"negative alignment", -8, 10, memalign.ErrInvalidAlignment},
		{"not a power of two", 6, 10, memalign.ErrInvalidAlignment},
		{"three", 3, 1, memalign.ErrInvalidAlignment},
		{"beyond maximum", memalign.MaxAlignment * 2, 10, memalign.ErrInvalidAlignment},
		{"zero size", 8, 0, memalign.ErrInvalidSize},
		{"negative size", 8, -1, memalign.ErrInvalidSize},
		{"zero both", 0, 0, memalign.ErrInvalidAlignment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newArenaHeap(5)
			a := memalign.New(memalign.WithHeap(h))

			b, err := a.Allocate(tt.alignment, tt.size)
			require.Nil(t, b)
			require.True(t, errors.Is(err, tt.want), "got %v", err)
			require.Equal(t, tt.want, errors.Cause(err))

			p, err := a.AllocatePointer(tt.alignment, tt.size)
			require.Nil(t, p)
			require.True(t, errors.Is(err, tt.want), "got %v", err)

			// Validation happens before the heap is asked for anything.
			require.Zero(t, h.lastRequest())
		})
	}
}

func TestAllocateMaxAlignment(t *testing.T) {
	for _, guarded := range []bool{false, true} {
		opts := []memalign.Option{memalign.WithHeap(newArenaHeap(1))}
		if guarded {
			opts = append(opts, memalign.WithGuard())
		}
		a := memalign.New(opts...)

		b, err := a.Allocate(memalign.MaxAlignment, 3)
		require.NoError(t, err)
		require.Zero(t, b.Addr()%memalign.MaxAlignment)
		require.NoError(t, a.Release(b))
	}
}

func TestAllocateUnderlyingFailure(t *testing.T) {
	h := newArenaHeap(0)
	h.fail = true
	reg := prometheus.NewRegistry()
	a := memalign.New(memalign.WithHeap(h), memalign.WithRegisterer(reg))

	b, err := a.Allocate(16, 100)
	require.Nil(t, b)
	require.True(t, errors.Is(err, memalign.ErrUnderlyingAllocation))

	// No retry: exactly one request reached the heap.
	require.Len(t, h.requests, 1)

	expected := `
# HELP memalign_failures_total Total number of failed allocations and releases by reason.
# TYPE memalign_failures_total counter
memalign_failures_total{reason="underlying_allocation"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "memalign_failures_total"))
}

func TestAllocateAboveGoHeapLimit(t *testing.T) {
	b, err := memalign.Allocate(16, 1<<39)
	require.Nil(t, b)
	require.True(t, errors.Is(err, memalign.ErrUnderlyingAllocation))

	a := memalign.New(memalign.WithHeap(memalign.NewGoHeap(1 << 10)))
	_, err = a.Allocate(64, 1<<10)
	require.True(t, errors.Is(err, memalign.ErrUnderlyingAllocation))

	b, err = a.Allocate(64, 512)
	require.NoError(t, err)
	require.NoError(t, a.Release(b))
}

func TestAllocateBudgetExhausted(t *testing.T) {
	budget := memalign.NewBudgetHeap(memalign.NewGoHeap(0), 256)
	a := memalign.New(memalign.WithHeap(budget))

	b1, err := a.Allocate(8, 200)
	require.NoError(t, err)

	_, err = a.Allocate(8, 200)
	require.True(t, errors.Is(err, memalign.ErrUnderlyingAllocation))

	require.NoError(t, a.Release(b1))

	b2, err := a.Allocate(8, 200)
	require.NoError(t, err)
	require.NoError(t, b2.Release())
}

func TestBlockRelease(t *testing.T) {
	h := newArenaHeap(7)
	a := memalign.New(memalign.WithHeap(h))

	b, err := a.Allocate(32, 64)
	require.NoError(t, err)
	require.False(t, b.Released())
	require.Contains(t, b.String(), "alignment=32")

	require.NoError(t, b.Release())
	require.True(t, b.Released())
	require.Nil(t, b.Bytes())

	err = a.Release(b)
	require.True(t, errors.Is(err, memalign.ErrInvalidRelease))
	require.Zero(t, h.liveCount())

	_, deallocated := h.snapshot()
	require.Len(t, deallocated, 1, "second release must not reach the heap")
}

func TestBlockReleaseMisuse(t *testing.T) {
	a := memalign.New()
	other := memalign.New()

	err := a.Release(nil)
	require.True(t, errors.Is(err, memalign.ErrInvalidRelease))

	err = (&memalign.Block{}).Release()
	require.True(t, errors.Is(err, memalign.ErrInvalidRelease))

	err = a.Release(&memalign.Block{})
	require.True(t, errors.Is(err, memalign.ErrInvalidRelease))

	b, err := other.Allocate(8, 8)
	require.NoError(t, err)
	err = a.Release(b)
	require.True(t, errors.Is(err, memalign.ErrInvalidRelease))
	require.False(t, b.Released())
	require.NoError(t, other.Release(b))
}

func TestBlockReleaseCorruptHeader(t *testing.T) {
	for _, guarded := range []bool{false, true} {
		t.Run(fmt.Sprintf("guarded=%v", guarded), func(t *testing.T) {
			h := newArenaHeap(3)
			opts := []memalign.Option{memalign.WithHeap(h)}
			if guarded {
				opts = append(opts, memalign.WithGuard())
			}
			a := memalign.New(opts...)

			b, err := a.Allocate(16, 32)
			require.NoError(t, err)

			// An underrun by the caller overwrites the offset.
			offset := (*[2]byte)(unsafe.Add(b.Pointer(), -2))
			saved := *offset
			offset[0]++

			err = a.Release(b)
			require.True(t, errors.Is(err, memalign.ErrInvalidRelease))
			require.False(t, b.Released())
			require.Equal(t, 1, h.liveCount(), "corrupt block must not be deallocated")

			*offset = saved
			require.NoError(t, a.Release(b))
			require.Zero(t, h.liveCount())
		})
	}
}

func TestAllocateByteOrder(t *testing.T) {
	h := newArenaHeap(9)
	a := memalign.New(memalign.WithHeap(h), memalign.WithByteOrder(binary.BigEndian))

	b, err := a.Allocate(8, 16)
	require.NoError(t, err)

	hdr := unsafe.Slice((*byte)(unsafe.Add(b.Pointer(), -2)), 2)
	require.Equal(t, uint16(b.Offset()), binary.BigEndian.Uint16(hdr))
	require.NoError(t, a.Release(b))
}

func TestAllocateScenarios(t *testing.T) {
	scenarios := []struct {
		alignment, size int
	}{
		{8, 100},
		{32, 1035},
		{4, 8},
	}

	for _, s := range scenarios {
		b, err := memalign.Allocate(s.alignment, s.size)
		require.NoError(t, err)
		require.Zero(t, b.Addr()%uintptr(s.alignment))

		p, err := memalign.Memalign(s.alignment, s.size)
		require.NoError(t, err)
		require.Zero(t, uintptr(p)%uintptr(s.alignment))

		require.NoError(t, memalign.Release(b))
		require.NoError(t, memalign.Free(p))
	}
}

func TestTracking(t *testing.T) {
	a := memalign.New(memalign.WithTracking(), memalign.WithHeap(newArenaHeap(11)))
	require.True(t, a.Tracking())

	b1, err := a.AllocateTagged(64, 100, "vector")
	require.NoError(t, err)
	b2, err := a.Allocate(8, 20)
	require.NoError(t, err)

	live := a.Live()
	require.Len(t, live, 2)
	tags := map[uintptr]string{}
	for _, l := range live {
		tags[l.Addr] = l.Tag
	}
	require.Equal(t, "vector", tags[b1.Addr()])
	require.NoError(t, a.Validate())

	rec, ok := a.Lookup(b2.Pointer())
	require.True(t, ok)
	require.Equal(t, b2.Addr(), rec.Addr)
	require.Equal(t, uintptr(b2.Offset()), rec.Offset())
	_, ok = a.Lookup(unsafe.Add(b2.Pointer(), 1))
	require.False(t, ok)

	stats := a.Stats()
	require.Equal(t, uint64(2), stats.TotalAllocations)
	require.Equal(t, uint64(120), stats.LiveBytes)
	require.Equal(t, uint64(b1.Offset()+b2.Offset()), stats.TotalPadding)

	require.NoError(t, a.Release(b1))
	require.NoError(t, a.Release(b2))
	require.Empty(t, a.Live())
	require.Equal(t, uint64(2), a.Stats().TotalReleases)
}

func TestUntrackedInspection(t *testing.T) {
	a := memalign.New()
	require.False(t, a.Tracking())
	require.False(t, a.Guarded())
	require.Equal(t, 2, a.HeaderWidth())

	b, err := a.Allocate(16, 16)
	require.NoError(t, err)
	require.Equal(t, memalign.Stats{}, a.Stats())
	require.Nil(t, a.Live())
	_, ok := a.Lookup(b.Pointer())
	require.False(t, ok)
	require.NoError(t, a.Validate())
	require.NoError(t, a.Release(b))
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := level.NewFilter(log.NewLogfmtLogger(&buf), level.AllowDebug())
	a := memalign.New(memalign.WithLogger(logger))

	b, err := a.Allocate(32, 1035)
	require.NoError(t, err)
	require.NoError(t, a.Release(b))
	require.Error(t, a.Release(b))

	out := buf.String()
	require.Contains(t, out, `level=debug msg=allocated`)
	require.Contains(t, out, `alignment=32 size=1035`)
	require.Contains(t, out, `level=debug msg=released`)
	require.Contains(t, out, `level=warn msg="invalid release"`)
	require.Contains(t, out, `reason="block already released"`)
}

func TestMetricsSharedRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := memalign.New(memalign.WithRegisterer(reg))
	b := memalign.New(memalign.WithRegisterer(reg))

	for _, al := range []*memalign.Allocator{a, b} {
		blk, err := al.Allocate(8, 16)
		require.NoError(t, err)
		require.NoError(t, al.Release(blk))
	}

	expected := `
# HELP memalign_allocations_total Total number of successful aligned allocations.
# TYPE memalign_allocations_total counter
memalign_allocations_total 2
# HELP memalign_releases_total Total number of successful releases.
# TYPE memalign_releases_total counter
memalign_releases_total 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"memalign_allocations_total",
		"memalign_releases_total",
	))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := memalign.New(memalign.WithRegisterer(reg))

	b, err := a.Allocate(8, 100)
	require.NoError(t, err)
	_, err = a.Allocate(6, 10)
	require.Error(t, err)
	_, err = a.Allocate(8, 0)
	require.Error(t, err)
	require.NoError(t, a.Release(b))

	expected := `
# HELP memalign_allocations_total Total number of successful aligned allocations.
# TYPE memalign_allocations_total counter
memalign_allocations_total 1
# HELP memalign_failures_total Total number of failed allocations and releases by reason.
# TYPE memalign_failures_total counter
memalign_failures_total{reason="invalid_alignment"} 1
memalign_failures_total{reason="invalid_size"} 1
# HELP memalign_live_allocations Number of allocations not yet released.
# TYPE memalign_live_allocations gauge
memalign_live_allocations 0
# HELP memalign_padding_bytes_total Total bytes requested from the underlying allocator beyond the usable size.
# TYPE memalign_padding_bytes_total counter
memalign_padding_bytes_total 9
# HELP memalign_releases_total Total number of successful releases.
# TYPE memalign_releases_total counter
memalign_releases_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"memalign_allocations_total",
		"memalign_failures_total",
		"memalign_live_allocations",
		"memalign_padding_bytes_total",
		"memalign_releases_total",
	))
}
