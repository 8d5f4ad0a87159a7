package memalign

import (
	"encoding/binary"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures an Allocator.
type Option func(*options)

type options struct {
	heap     Heap
	guarded  bool
	tracking bool
	seed     uint64
	seedSet  bool
	order    binary.ByteOrder
	logger   log.Logger
	registry prometheus.Registerer
}

func defaultOptions() *options {
	return &options{
		order:  binary.LittleEndian,
		logger: log.NewNopLogger(),
	}
}

// WithHeap sets the underlying raw allocator. The default is a Go heap.
func WithHeap(h Heap) Option {
	return func(o *options) {
		if h != nil {
			o.heap = h
		}
	}
}

// WithGuard stores a canary and a state byte next to each offset header.
// Releases of forged, corrupted or already released pointers then fail with
// ErrInvalidRelease instead of handing a bogus address to the heap. Each
// allocation costs 6 more header bytes.
func WithGuard() Option {
	return func(o *options) {
		o.guarded = true
	}
}

// WithSeed fixes the canary seed used by WithGuard. By default every
// Allocator draws a random seed.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.seed = seed
		o.seedSet = true
	}
}

// WithTracking records every live allocation. ReleasePointer then rejects
// pointers it did not hand out without reading memory, and Stats, Live and
// Validate report on the live set.
func WithTracking() Option {
	return func(o *options) {
		o.tracking = true
	}
}

// WithByteOrder sets the byte order of header fields (default little-endian).
func WithByteOrder(order binary.ByteOrder) Option {
	return func(o *options) {
		if order != nil {
			o.order = order
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegisterer registers the allocator's metrics with reg. Allocators
// sharing a registerer share their metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = reg
	}
}
