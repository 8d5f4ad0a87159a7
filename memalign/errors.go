// Package memalign allocates buffers whose start address is a multiple of a
// requested power-of-two alignment, on top of a raw allocator that makes no
// alignment promises.
package memalign

import "github.com/pkg/errors"

// Error kinds. Returned errors wrap one of these; test with errors.Is.
var (
	ErrInvalidAlignment     = errors.New("alignment must be a power of two")
	ErrInvalidSize          = errors.New("invalid allocation size")
	ErrUnderlyingAllocation = errors.New("underlying allocation failed")
	ErrInvalidRelease       = errors.New("invalid release")
)

// MaxAlignment is the largest supported alignment. Header offsets are stored
// in 16 bits, which bounds the alignment slack that can be recorded.
const MaxAlignment = 1 << 15
