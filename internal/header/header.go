package header

import (
	"encoding/binary"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Header widths in bytes.
const (
	OffsetWidth  = 2
	GuardedWidth = 8
)

// MaxShift is the largest alignment shift a header can describe. The reserve
// for 1<<MaxShift plus the guarded header still fits the uint16 offset.
const MaxShift = 15

// States recorded in a guarded header.
const (
	StateLive     uint8 = 0xa1
	StateReleased uint8 = 0xd0
)

var (
	// ErrBadOffset is returned when the stored offset cannot belong to a
	// header of this layout.
	ErrBadOffset = errors.New("header offset out of range")
	// ErrBadCanary is returned when a guarded header's canary does not match.
	ErrBadCanary = errors.New("header canary mismatch")
	// ErrReleased is returned when a guarded header is already marked released.
	ErrReleased = errors.New("header already released")
)

// Config holds codec configuration.
type Config struct {
	ByteOrder binary.ByteOrder
	Guarded   bool
	// Seed is mixed into every canary so that headers written by one codec
	// do not verify under another.
	Seed uint64
}

// DefaultConfig returns the unguarded, little-endian configuration.
func DefaultConfig() Config {
	return Config{
		ByteOrder: binary.LittleEndian,
	}
}

// Header is the decoded metadata in front of an aligned pointer. Shift, State
// and Canary are zero for the offset-only layout.
type Header struct {
	Offset uint16
	Shift  uint8
	State  uint8
	Canary uint32
}

// Codec reads and writes headers of one layout.
type Codec struct {
	order   binary.ByteOrder
	guarded bool
	seed    uint64
}

// NewCodec creates a codec for the given configuration.
func NewCodec(cfg Config) *Codec {
	order := cfg.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	return &Codec{
		order:   order,
		guarded: cfg.Guarded,
		seed:    cfg.Seed,
	}
}

// Width returns the number of header bytes stored before an aligned pointer.
func (c *Codec) Width() uintptr {
	if c.guarded {
		return GuardedWidth
	}
	return OffsetWidth
}

// Guarded reports whether the codec writes guarded headers.
func (c *Codec) Guarded() bool {
	return c.guarded
}

// Reserve returns the extra bytes a raw block needs to hold the header and
// the worst-case alignment slack.
func (c *Codec) Reserve(alignment uintptr) uintptr {
	return c.Width() + alignment - 1
}

// bytes returns the header bytes in front of aligned.
func (c *Codec) bytes(aligned unsafe.Pointer) []byte {
	w := c.Width()
	return unsafe.Slice((*byte)(unsafe.Add(aligned, -int(w))), w)
}

// Write stores the header for an allocation at aligned whose raw block starts
// offset bytes earlier. shift is log2 of the alignment.
func (c *Codec) Write(aligned unsafe.Pointer, offset uint16, shift uint8) {
	buf := c.bytes(aligned)
	if !c.guarded {
		c.order.PutUint16(buf, offset)
		return
	}
	c.order.PutUint32(buf[0:4], c.Canary(uintptr(aligned), offset, shift))
	buf[4] = shift
	buf[5] = StateLive
	c.order.PutUint16(buf[6:8], offset)
}

// Read decodes the header in front of aligned without validating it.
func (c *Codec) Read(aligned unsafe.Pointer) Header {
	buf := c.bytes(aligned)
	if !c.guarded {
		return Header{Offset: c.order.Uint16(buf)}
	}
	return Header{
		Canary: c.order.Uint32(buf[0:4]),
		Shift:  buf[4],
		State:  buf[5],
		Offset: c.order.Uint16(buf[6:8]),
	}
}

// Verify decodes the header in front of aligned and checks that it could
// have been written by this codec. Offset-only headers can only be range
// checked; guarded headers are also checked for state and canary.
func (c *Codec) Verify(aligned unsafe.Pointer) (Header, error) {
	h := c.Read(aligned)
	if uintptr(h.Offset) < c.Width() {
		return h, errors.Wrapf(ErrBadOffset, "offset %d below header width %d", h.Offset, c.Width())
	}
	if !c.guarded {
		return h, nil
	}
	if h.Shift > MaxShift {
		return h, errors.Wrapf(ErrBadOffset, "alignment shift %d", h.Shift)
	}
	if uintptr(h.Offset) > c.Reserve(uintptr(1)<<h.Shift) {
		return h, errors.Wrapf(ErrBadOffset, "offset %d exceeds reserve for alignment %d", h.Offset, 1<<h.Shift)
	}
	if h.State == StateReleased {
		return h, ErrReleased
	}
	if h.State != StateLive || h.Canary != c.Canary(uintptr(aligned), h.Offset, h.Shift) {
		return h, ErrBadCanary
	}
	return h, nil
}

// MarkReleased poisons a guarded header so that a second release of the same
// pointer fails verification. It is a no-op for offset-only headers.
func (c *Codec) MarkReleased(aligned unsafe.Pointer) {
	if !c.guarded {
		return
	}
	buf := c.bytes(aligned)
	c.order.PutUint32(buf[0:4], 0)
	buf[5] = StateReleased
}

// Canary computes the guard value for a header at addr.
func (c *Codec) Canary(addr uintptr, offset uint16, shift uint8) uint32 {
	var in [19]byte
	binary.LittleEndian.PutUint64(in[0:8], c.seed)
	binary.LittleEndian.PutUint64(in[8:16], uint64(addr))
	binary.LittleEndian.PutUint16(in[16:18], offset)
	in[18] = shift

	sum := xxhash.Sum64(in[:])
	return uint32(sum) ^ uint32(sum>>32)
}
